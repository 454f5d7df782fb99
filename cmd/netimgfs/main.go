// Command netimgfs is the parent supervisor: it validates configuration,
// forks cmd/netimgfsd connected by a pipe, performs the mount handshake,
// and prints the resulting mount path — the Go replacement for the
// vmnetx original's fork()/pipe()/fdopen() dance (spec.md §6, SPEC_FULL.md
// "Supplemented features", "Parent pipe handshake"). Go cannot safely fork after runtime init,
// so os/exec plus an os.Pipe() extra file descriptor stands in for it.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/netimgfs/netimgfs/internal/config"
)

var (
	configPath  string
	daemonPath  string
	foreground  bool
	handshakeFD = 3 // fixed: ExtraFiles[0] always lands on fd 3 in the child
)

var rootCmd = &cobra.Command{
	Use:           "netimgfs",
	Short:         "netimgfs mounts a demand-fetch VM disk and memory image via FUSE",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config passed through to netimgfsd")
	rootCmd.Flags().StringVar(&daemonPath, "netimgfsd-path", "", "path to the netimgfsd binary (default: next to this binary, then $PATH)")
	rootCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "wait for netimgfsd to exit and forward its exit status/signals")
	_ = rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Validate before forking so CONFIG_* errors never spawn a child
	// (spec.md §6: "Parsed by an external wrapper").
	if _, err := config.MustLoad(configPath); err != nil {
		return err
	}

	childPath, err := resolveDaemonPath()
	if err != nil {
		return err
	}

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("netimgfs: create handshake pipe: %w", err)
	}

	child := exec.Command(childPath,
		"--config", configPath,
		"--handshake-fd", fmt.Sprint(handshakeFD),
	)
	child.Stdin = os.Stdin
	child.Stdout = os.Stderr
	child.Stderr = os.Stderr
	child.ExtraFiles = []*os.File{w}

	if err := child.Start(); err != nil {
		w.Close()
		r.Close()
		return fmt.Errorf("netimgfs: start netimgfsd: %w", err)
	}
	// The child now holds its own copy of the write end; the parent's
	// copy must close so the parent's read of r sees EOF if the child
	// dies without ever writing the handshake.
	w.Close()

	mountpoint, err := readHandshake(r)
	if err != nil {
		waitErr := child.Wait()
		return fmt.Errorf("netimgfsd exited before completing handshake: %w (wait: %v)", err, waitErr)
	}

	fmt.Println(mountpoint)

	if !foreground {
		// Detach: the child keeps serving the FUSE loop independently of
		// this process, matching the vmnetx parent's early exit once the
		// handshake succeeds.
		return child.Process.Release()
	}

	return waitForeground(child)
}

// readHandshake reads the two-line handshake spec.md §6 describes: an
// error line (possibly empty) followed by the mount path on success.
func readHandshake(r *os.File) (mountpoint string, err error) {
	defer r.Close()
	reader := bufio.NewReader(r)

	errLine, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("no handshake received: %w", err)
	}
	errLine = strings.TrimRight(errLine, "\n")
	if errLine != "" {
		return "", fmt.Errorf("%s", errLine)
	}

	mountLine, err := reader.ReadString('\n')
	if err != nil {
		mountLine = strings.TrimRight(mountLine, "\n")
		if mountLine == "" {
			return "", fmt.Errorf("no mount path received: %w", err)
		}
	}
	return strings.TrimRight(mountLine, "\n"), nil
}

// waitForeground blocks until the child exits, forwarding SIGINT/SIGTERM
// to it, and returns an error carrying the child's exit status.
func waitForeground(child *exec.Cmd) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- child.Wait() }()

	for {
		select {
		case sig := <-sigCh:
			_ = child.Process.Signal(sig)
		case err := <-done:
			if err == nil {
				return nil
			}
			if exitErr, ok := err.(*exec.ExitError); ok {
				os.Exit(exitErr.ExitCode())
			}
			return err
		}
	}
}

// resolveDaemonPath finds the netimgfsd binary: an explicit flag, then
// alongside this executable, then $PATH.
func resolveDaemonPath() (string, error) {
	if daemonPath != "" {
		return daemonPath, nil
	}

	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "netimgfsd")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return exec.LookPath("netimgfsd")
}
