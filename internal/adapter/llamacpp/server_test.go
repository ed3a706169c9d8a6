package llamacpp_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dlorp/synapse-engine/internal/adapter/llamacpp"
	"github.com/dlorp/synapse-engine/internal/domain"
)

// fakeBinary writes an executable shell script standing in for the
// inference binary.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-llama-server")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStartBecomesReadyOnPattern(t *testing.T) {
	bin := fakeBinary(t, `echo "http server listening on port $4" >&2
sleep 30`)

	srv, err := llamacpp.Start(context.Background(), llamacpp.ProcessConfig{
		BinaryPath: bin,
		MaxStartup: 5 * time.Second,
	}, "m1", "/tmp/model.gguf", 9001)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = srv.Stop(time.Second) }()

	if !srv.Ready() {
		t.Error("server not ready after readiness line")
	}
	if srv.PID() == 0 {
		t.Error("pid not recorded")
	}
	if srv.Port() != 9001 {
		t.Errorf("port = %d", srv.Port())
	}
}

func TestStartTimesOutWithoutPattern(t *testing.T) {
	bin := fakeBinary(t, `sleep 30`)

	_, err := llamacpp.Start(context.Background(), llamacpp.ProcessConfig{
		BinaryPath: bin,
		MaxStartup: 200 * time.Millisecond,
	}, "m1", "/tmp/model.gguf", 9002)
	if !errors.Is(err, domain.ErrStartupTimeout) {
		t.Fatalf("err = %v, want ErrStartupTimeout", err)
	}
}

func TestStartFailsWhenProcessExitsEarly(t *testing.T) {
	bin := fakeBinary(t, `echo "model file not found" >&2
exit 1`)

	_, err := llamacpp.Start(context.Background(), llamacpp.ProcessConfig{
		BinaryPath: bin,
		MaxStartup: 5 * time.Second,
	}, "m1", "/tmp/model.gguf", 9003)
	if !errors.Is(err, domain.ErrStartupTimeout) {
		t.Fatalf("err = %v, want ErrStartupTimeout", err)
	}
}

func TestStopTerminatesProcess(t *testing.T) {
	bin := fakeBinary(t, `echo "listening on 0.0.0.0" >&2
sleep 30`)

	srv, err := llamacpp.Start(context.Background(), llamacpp.ProcessConfig{
		BinaryPath: bin,
		MaxStartup: 5 * time.Second,
	}, "m1", "/tmp/model.gguf", 9004)
	if err != nil {
		t.Fatal(err)
	}

	if err := srv.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-srv.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit after Stop")
	}
	if srv.Ready() {
		t.Error("server still ready after Stop")
	}

	// Second stop is a no-op.
	if err := srv.Stop(time.Second); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestReadyFlipsFalseOnDeath(t *testing.T) {
	bin := fakeBinary(t, `echo "listening on 0.0.0.0" >&2
sleep 0.2`)

	srv, err := llamacpp.Start(context.Background(), llamacpp.ProcessConfig{
		BinaryPath: bin,
		MaxStartup: 5 * time.Second,
	}, "m1", "/tmp/model.gguf", 9005)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-srv.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit on its own")
	}
	if srv.Ready() {
		t.Error("ready must be false after process exit")
	}
}
