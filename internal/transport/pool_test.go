package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

// rangeServer serves byte k of its body as k mod 256, honoring Range
// headers, mirroring the literal scenario origin in the spec.
func rangeServer(t *testing.T, size int) *httptest.Server {
	t.Helper()
	body := make([]byte, size)
	for i := range body {
		body[i] = byte(i % 256)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		var start, end int
		rng = strings.TrimPrefix(rng, "bytes=")
		parts := strings.SplitN(rng, "-", 2)
		start, _ = strconv.Atoi(parts[0])
		end, _ = strconv.Atoi(parts[1])
		if end >= len(body) {
			end = len(body) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

func TestFetchRange(t *testing.T) {
	srv := rangeServer(t, 4096)
	defer srv.Close()

	pool := New(Config{})
	defer pool.Close()

	dst := make([]byte, 256)
	if err := pool.Fetch(context.Background(), srv.URL, dst, 1000, 256); err != nil {
		t.Fatal(err)
	}

	want := make([]byte, 256)
	for i := range want {
		want[i] = byte((1000 + i) % 256)
	}
	if !bytes.Equal(dst, want) {
		t.Fatal("fetched bytes mismatch")
	}
}

func TestFetchNonRangeServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("whole body, ignoring range"))
	}))
	defer srv.Close()

	pool := New(Config{})
	defer pool.Close()

	dst := make([]byte, 16)
	err := pool.Fetch(context.Background(), srv.URL, dst, 0, 16)
	if !errors.Is(err, ErrTransportStatus) {
		t.Fatalf("expected ErrTransportStatus, got %v", err)
	}
}

func TestFetchShortBodyErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-7/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("short")) // fewer than the 8 bytes requested
	}))
	defer srv.Close()

	pool := New(Config{})
	defer pool.Close()

	dst := make([]byte, 8)
	err := pool.Fetch(context.Background(), srv.URL, dst, 0, 8)
	if !errors.Is(err, ErrTransportShortRead) {
		t.Fatalf("expected ErrTransportShortRead, got %v", err)
	}
}

func TestFetch404Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	pool := New(Config{})
	defer pool.Close()

	dst := make([]byte, 8)
	err := pool.Fetch(context.Background(), srv.URL, dst, 0, 8)
	if !errors.Is(err, ErrTransportStatus) {
		t.Fatalf("expected ErrTransportStatus, got %v", err)
	}
}
