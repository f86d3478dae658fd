package simple

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cochaviz/accelhost/internal/configuration"
	"github.com/cochaviz/accelhost/internal/emulator"
	"github.com/cochaviz/accelhost/internal/faults"
	"github.com/cochaviz/accelhost/internal/logging"
	"github.com/cochaviz/accelhost/internal/provider"
	"github.com/cochaviz/accelhost/internal/provider/memory"
)

// useMemoryProvider makes every command of the test share one in-memory
// provider whose instances answer with an emulator.
func useMemoryProvider(t *testing.T) (*memory.Provider, *emulator.Emulator, configuration.Config) {
	t.Helper()
	emu := emulator.New(emulator.Config{Logger: logging.Discard()})
	srv := httptest.NewServer(emu.Handler(nil))
	t.Cleanup(srv.Close)

	shared := memory.New(logging.Discard())
	shared.PublicAddr = srv.URL

	previous := Providers
	Providers = provider.NewRegistry(map[string]provider.Constructor{
		memory.Name: func(provider.Options) (provider.Provider, error) { return shared, nil },
	})
	t.Cleanup(func() { Providers = previous })

	cfg := configuration.Default()
	cfg.Host.Provider = memory.Name
	cfg.Host.ImageID = "base.qcow2"
	cfg.Host.CallerIP = "127.0.0.1"
	cfg.Host.ReadyTimeout = 2 * time.Second
	cfg.Host.BootTimeout = 2 * time.Second
	cfg.Host.PollInterval = time.Millisecond
	return shared, emu, cfg
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestStartProcessStop(t *testing.T) {
	_, emu, cfg := useMemoryProvider(t)
	ctx := context.Background()
	dir := t.TempDir()

	started, err := Start(ctx, cfg, writeFile(t, dir, "design.bin", "design"), logging.Discard())
	if err != nil {
		t.Fatalf("Start unexpected error: %v", err)
	}
	if started.Host.InstanceID == "" {
		t.Fatalf("Start returned no instance id: %+v", started.Host)
	}

	attached := cfg
	attached.Host.InstanceID = started.Host.InstanceID
	in := writeFile(t, dir, "in.bin", "payload")
	out := filepath.Join(dir, "out", "result.bin")
	if _, err := Process(ctx, attached, ProcessOptions{In: in, Out: out}, logging.Discard()); err != nil {
		t.Fatalf("Process unexpected error: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("result = %q, want the echoed input", data)
	}

	descriptors, err := List(ctx, cfg, "", logging.Discard())
	if err != nil {
		t.Fatalf("List unexpected error: %v", err)
	}
	if len(descriptors) != 1 || descriptors[0].InstanceID != started.Host.InstanceID {
		t.Fatalf("List = %v", descriptors)
	}

	if _, err := Stop(ctx, attached, "", logging.Discard()); err != nil {
		t.Fatalf("Stop unexpected error: %v", err)
	}
	if !emu.Stopped() {
		t.Fatal("accelerator service was not stopped")
	}
	descriptors, err = List(ctx, cfg, "", logging.Discard())
	if err != nil {
		t.Fatalf("List unexpected error: %v", err)
	}
	if len(descriptors) != 0 {
		t.Fatalf("instance still listed after terminate: %v", descriptors)
	}
}

func TestStopRequiresTarget(t *testing.T) {
	_, _, cfg := useMemoryProvider(t)
	_, err := Stop(context.Background(), cfg, "", logging.Discard())
	var cfgErr *faults.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBatch(t *testing.T) {
	// Every memory instance reports the same endpoint, so a larger pool
	// would hand it from one manager to the next.
	_, emu, cfg := useMemoryProvider(t)
	cfg.Pool.Workers = 1
	dir := t.TempDir()

	var in, out []string
	for _, name := range []string{"a", "b", "c"} {
		in = append(in, writeFile(t, dir, name+".in", name))
		out = append(out, filepath.Join(dir, "out", name+".out"))
	}
	report, err := Batch(context.Background(), cfg, BatchOptions{In: in, Out: out}, logging.Discard())
	if err != nil {
		t.Fatalf("Batch unexpected error: %v", err)
	}
	if report.Err() != nil || len(report.Results) != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for i, path := range out {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if want := filepath.Base(in[i][:len(in[i])-len(".in")]); string(data) != want {
			t.Fatalf("%s = %q, want %q", path, data, want)
		}
	}
	if got := emu.Calls("POST /process"); got != 3 {
		t.Fatalf("emulator saw %d process requests", got)
	}
}

func TestAcceleratorConfigParameters(t *testing.T) {
	_, _, cfg := useMemoryProvider(t)
	cfg.Configuration.Parameters = `{"app": {"specific": {"mode": "fast"}}}`
	cfg.Process.Parameters = map[string]any{"app": map[string]any{"specific": map[string]any{"level": 3}}}

	accCfg, err := AcceleratorConfig(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("AcceleratorConfig unexpected error: %v", err)
	}
	if got := accCfg.Session.ConfigureDefaults.Specific()["mode"]; got != "fast" {
		t.Fatalf("configure specific mode = %v", got)
	}
	if got := accCfg.Session.ProcessDefaults.Specific()["level"]; got != 3 {
		t.Fatalf("process specific level = %v", got)
	}
	if accCfg.Session.Metering != nil {
		t.Fatal("metering must stay unset without credentials")
	}
	if len(accCfg.Host.UserData) == 0 {
		t.Fatal("user data not rendered")
	}
}

func TestAcceleratorConfigRejectsStopMode(t *testing.T) {
	_, _, cfg := useMemoryProvider(t)
	cfg.Host.StopMode = "hibernate"
	_, err := AcceleratorConfig(cfg, logging.Discard())
	var cfgErr *faults.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
