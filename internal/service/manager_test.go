package service_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dlorp/synapse-engine/internal/domain"
	"github.com/dlorp/synapse-engine/internal/domain/model"
	"github.com/dlorp/synapse-engine/internal/domain/settings"
	"github.com/dlorp/synapse-engine/internal/service"
)

// writeFakeBinary creates an executable script that logs the readiness
// line and idles.
func writeFakeBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-llama-server")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func managerSettings(binary string) func() settings.Settings {
	return func() settings.Settings {
		st := settings.Defaults()
		st.InferenceBinaryPath = binary
		st.BindHost = "127.0.0.1"
		st.MaxStartupSeconds = 5
		st.GraceSeconds = 1
		return st
	}
}

func testModel(id string, port int) *model.Model {
	return &model.Model{
		ID:           id,
		Path:         "/tmp/" + id + ".gguf",
		AssignedTier: model.TierFast,
		Port:         port,
		Enabled:      true,
	}
}

func TestManagerStartIsIdempotent(t *testing.T) {
	bin := writeFakeBinary(t, `echo "listening on" >&2
sleep 30`)
	mgr := service.NewManagerService(managerSettings(bin), nil, nil)
	defer mgr.StopAll()

	m := testModel("m1", 9101)
	first, err := mgr.Start(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	second, err := mgr.Start(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if first.PID() != second.PID() {
		t.Errorf("second start spawned a new process: %d vs %d", first.PID(), second.PID())
	}
	if !mgr.IsReady("m1") {
		t.Error("model not ready after start")
	}
}

func TestManagerStopRemovesHandle(t *testing.T) {
	bin := writeFakeBinary(t, `echo "listening on" >&2
sleep 30`)
	mgr := service.NewManagerService(managerSettings(bin), nil, nil)

	if _, err := mgr.Start(context.Background(), testModel("m1", 9102)); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Stop("m1"); err != nil {
		t.Fatal(err)
	}
	if mgr.IsReady("m1") {
		t.Error("model still ready after stop")
	}
	if len(mgr.Servers()) != 0 {
		t.Errorf("servers = %+v, want empty", mgr.Servers())
	}
	// Second stop is a no-op.
	if err := mgr.Stop("m1"); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestManagerRemovesHandleOnDeath(t *testing.T) {
	bin := writeFakeBinary(t, `echo "listening on" >&2
sleep 0.2`)
	mgr := service.NewManagerService(managerSettings(bin), nil, nil)

	if _, err := mgr.Start(context.Background(), testModel("m1", 9103)); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for len(mgr.Servers()) != 0 {
		select {
		case <-deadline:
			t.Fatal("dead server handle not removed")
		case <-time.After(50 * time.Millisecond):
		}
	}
	if mgr.IsReady("m1") {
		t.Error("dead server reported ready")
	}
}

func TestManagerStartAllIsolatesFailures(t *testing.T) {
	bin := writeFakeBinary(t, `case "$2" in
*bad*) echo "cannot load model" >&2; exit 1 ;;
*) echo "listening on" >&2; sleep 30 ;;
esac`)
	mgr := service.NewManagerService(managerSettings(bin), nil, nil)
	defer mgr.StopAll()

	results := mgr.StartAll(context.Background(), []*model.Model{
		testModel("good", 9104),
		testModel("bad", 9105),
	})
	if results["good"] != nil {
		t.Errorf("good model failed: %v", results["good"])
	}
	if results["bad"] == nil {
		t.Error("bad model reported success")
	}
	if !mgr.IsReady("good") {
		t.Error("good model not ready despite sibling failure")
	}
}

func TestManagerCallWithoutServer(t *testing.T) {
	bin := writeFakeBinary(t, `echo "listening on" >&2
sleep 30`)
	mgr := service.NewManagerService(managerSettings(bin), nil, nil)

	_, err := mgr.Call(context.Background(), "ghost", "hi", 16, 0.5)
	if !errors.Is(err, domain.ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestManagerStartupTimeoutKillsProcess(t *testing.T) {
	bin := writeFakeBinary(t, `sleep 30`)
	settingsFn := func() settings.Settings {
		st := settings.Defaults()
		st.InferenceBinaryPath = bin
		st.MaxStartupSeconds = 1
		st.GraceSeconds = 1
		return st
	}
	mgr := service.NewManagerService(settingsFn, nil, nil)

	_, err := mgr.Start(context.Background(), testModel("slow", 9106))
	if !errors.Is(err, domain.ErrStartupTimeout) {
		t.Fatalf("err = %v, want ErrStartupTimeout", err)
	}
	if len(mgr.Servers()) != 0 {
		t.Error("failed start left a handle behind")
	}
}
