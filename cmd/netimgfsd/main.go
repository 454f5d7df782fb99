// Command netimgfsd is the forked child of cmd/netimgfs: it constructs
// the disk and memory images, mounts them via FUSE, reports success or
// failure through a handshake pipe, and serves the FUSE loop until its
// stdin is closed (spec.md §6, "Process-level interface").
package main

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/netimgfs/netimgfs/internal/config"
	"github.com/netimgfs/netimgfs/internal/fuseadapter"
	"github.com/netimgfs/netimgfs/internal/image"
	"github.com/netimgfs/netimgfs/internal/logger"
	"github.com/netimgfs/netimgfs/internal/metrics"

	// Registers the concrete Prometheus EngineMetrics constructor; see
	// internal/metrics.RegisterEngineMetricsConstructor.
	_ "github.com/netimgfs/netimgfs/internal/metrics/prometheus"
	"github.com/netimgfs/netimgfs/internal/transport"
)

var (
	configPath string
	handshake  int
)

var rootCmd = &cobra.Command{
	Use:           "netimgfsd",
	Short:         "netimgfsd mounts a demand-fetch VM disk and memory image via FUSE",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config (passed through by cmd/netimgfs)")
	rootCmd.Flags().IntVar(&handshake, "handshake-fd", -1, "file descriptor to write the mount handshake to (-1: none, log only)")
	_ = rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// handshakeWriter wraps the pipe fd the parent handed us, per spec.md
// §6: "writes either an error line or an empty line followed by the
// mount path".
type handshakeWriter struct {
	f *os.File
}

func openHandshake(fd int) *handshakeWriter {
	if fd < 0 {
		return nil
	}
	return &handshakeWriter{f: os.NewFile(uintptr(fd), "handshake")}
}

func (h *handshakeWriter) writeError(msg string) {
	if h == nil {
		return
	}
	fmt.Fprintln(h.f, msg)
	h.f.Close()
}

func (h *handshakeWriter) writeSuccess(mountpoint string) {
	if h == nil {
		return
	}
	fmt.Fprintln(h.f, "")
	fmt.Fprintln(h.f, mountpoint)
	h.f.Close()
}

func run(cmd *cobra.Command, args []string) error {
	hs := openHandshake(handshake)

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		hs.writeError(err.Error())
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		hs.writeError(err.Error())
		return err
	}

	sessionID := uuid.New().String()
	logger.Info("netimgfsd starting", "session", sessionID, "mountpoint", cfg.Mountpoint)

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go serveMetrics(cfg.Metrics.Addr)
	}

	pool := transport.New(transport.Config{
		MaxIdleConnsPerHost: cfg.Transport.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.Transport.MaxConnsPerHost,
		Timeout:             cfg.Transport.Timeout,
	})
	defer pool.Close()

	diskImg, err := image.Open(cfg.Disk.ToParams(pool))
	if err != nil {
		err = fmt.Errorf("open disk image: %w", err)
		hs.writeError(err.Error())
		return err
	}

	memImg, err := image.Open(cfg.Memory.ToParams(pool))
	if err != nil {
		err = fmt.Errorf("open memory image: %w", err)
		hs.writeError(err.Error())
		diskImg.Close()
		diskImg.Destroy()
		return err
	}

	server, err := fuseadapter.Mount(cfg.Mountpoint, map[string]*image.Image{
		"disk":   diskImg,
		"memory": memImg,
	})
	if err != nil {
		err = fmt.Errorf("mount: %w", err)
		hs.writeError(err.Error())
		diskImg.Close()
		diskImg.Destroy()
		memImg.Close()
		memImg.Destroy()
		return err
	}

	hs.writeSuccess(cfg.Mountpoint)
	logger.Info("netimgfsd mounted", "mountpoint", cfg.Mountpoint)

	go watchStdinClose(server)

	server.Wait()

	// spec.md §6: close() on the engine is called before destroy, and
	// destroy exactly once, for each image.
	if err := diskImg.Close(); err != nil {
		logger.Error("close disk image", "error", err)
	}
	diskImg.Destroy()
	if err := memImg.Close(); err != nil {
		logger.Error("close memory image", "error", err)
	}
	memImg.Destroy()

	logger.Info("netimgfsd unmounted, exiting")
	return nil
}

// watchStdinClose implements spec.md §6's "closing the child's standard
// input triggers clean shutdown": read_stdin in the vmnetx original.
func watchStdinClose(server *fuse.Server) {
	r := bufio.NewReader(os.Stdin)
	for {
		_, err := r.ReadByte()
		if err == io.EOF || err != nil {
			logger.Info("stdin closed, unmounting")
			if err := server.Unmount(); err != nil {
				logger.Error("unmount failed", "error", err)
			}
			return
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	logger.Info("metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}
