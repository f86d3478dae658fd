package accelerator

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cochaviz/accelhost/internal/emulator"
	"github.com/cochaviz/accelhost/internal/faults"
	"github.com/cochaviz/accelhost/internal/host"
	"github.com/cochaviz/accelhost/internal/logging"
	"github.com/cochaviz/accelhost/internal/params"
	"github.com/cochaviz/accelhost/internal/poll"
	"github.com/cochaviz/accelhost/internal/provider"
	"github.com/cochaviz/accelhost/internal/provider/memory"
	"github.com/cochaviz/accelhost/internal/session"
)

var fastTimeout = poll.Timeout{Limit: 2 * time.Second, Interval: time.Millisecond}

type fixture struct {
	provider *memory.Provider
	emulator *emulator.Emulator
	server   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	emu := emulator.New(emulator.Config{Logger: logging.Discard()})
	srv := httptest.NewServer(emu.Handler(nil))
	t.Cleanup(srv.Close)

	p := memory.New(logging.Discard())
	p.PublicAddr = srv.URL
	return &fixture{provider: p, emulator: emu, server: srv}
}

func (f *fixture) config(mutate ...func(*Config)) Config {
	cfg := Config{
		Host: host.Config{
			Provider:     f.provider,
			ImageID:      "base.qcow2",
			InstanceType: "small",
			ReadyTimeout: fastTimeout,
			BootTimeout:  fastTimeout,
			Ownership:    host.NewOwnership(),
		},
		Session: session.Config{PollInterval: time.Millisecond},
		Logger:  logging.Discard(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return cfg
}

func newAccelerator(t *testing.T, cfg Config) *Accelerator {
	t.Helper()
	acc, err := New(cfg)
	if err != nil {
		t.Fatalf("New unexpected error: %v", err)
	}
	return acc
}

func TestStartProcessStop(t *testing.T) {
	f := newFixture(t)
	acc := newAccelerator(t, f.config())
	ctx := context.Background()

	if _, err := acc.Start(ctx, nil, nil); err != nil {
		t.Fatalf("Start unexpected error: %v", err)
	}
	h := acc.Host()
	if h.Status != host.StatusRunning || h.EndpointURL != f.server.URL {
		t.Fatalf("unexpected host after start: %+v", h)
	}

	var out bytes.Buffer
	result, err := acc.Process(ctx, Job{In: session.BytesPayload("in", []byte("hello")), Out: &out})
	if err != nil {
		t.Fatalf("Process unexpected error: %v", err)
	}
	if out.String() != "hello" || len(result) != 0 {
		t.Fatalf("unexpected process outcome: out=%q result=%v", out.String(), result)
	}

	if _, err := acc.Stop(ctx, host.StopUnset); err != nil {
		t.Fatalf("Stop unexpected error: %v", err)
	}
	if !f.emulator.Stopped() {
		t.Fatal("expected accelerator to receive stop")
	}
	if got := f.provider.CallCount("terminate_instance"); got != 1 {
		t.Fatalf("expected one terminate, got %d", got)
	}

	if _, err := acc.Stop(ctx, host.StopUnset); err != nil {
		t.Fatalf("second Stop unexpected error: %v", err)
	}
	if got := f.provider.CallCount("terminate_instance"); got != 1 {
		t.Fatalf("second stop must not terminate again, got %d", got)
	}
	if got := f.emulator.Calls("GET /stop"); got != 1 {
		t.Fatalf("second stop must not stop the accelerator again, got %d", got)
	}
}

func TestStopKeepLeavesAcceleratorConfigured(t *testing.T) {
	f := newFixture(t)
	acc := newAccelerator(t, f.config())
	ctx := context.Background()

	if _, err := acc.Start(ctx, nil, nil); err != nil {
		t.Fatalf("Start unexpected error: %v", err)
	}
	if _, err := acc.Process(ctx, Job{}); err != nil {
		t.Fatalf("Process unexpected error: %v", err)
	}
	id := acc.Host().InstanceID
	if _, err := acc.Stop(ctx, host.StopKeep); err != nil {
		t.Fatalf("Stop unexpected error: %v", err)
	}
	if f.emulator.Stopped() {
		t.Fatal("keep must not stop the accelerator")
	}
	if !f.provider.Exists(id) || f.provider.CallCount("terminate_instance")+f.provider.CallCount("stop_instance") != 0 {
		t.Fatal("keep must leave the instance untouched")
	}

	attached := newAccelerator(t, f.config(func(c *Config) {
		c.Host.InstanceID = ""
		c.Host.Endpoint = f.server.URL
	}))
	if _, err := attached.Start(ctx, nil, nil); err != nil {
		t.Fatalf("attached Start unexpected error: %v", err)
	}
	if got := f.emulator.Calls("POST /configure"); got != 1 {
		t.Fatalf("attached accelerator must adopt the configuration, got %d configure requests", got)
	}
	if _, err := attached.Process(ctx, Job{}); err != nil {
		t.Fatalf("attached Process unexpected error: %v", err)
	}
	if attached.Host().StopMode != host.StopKeep {
		t.Fatalf("attached host must default to keep, got %s", attached.Host().StopMode)
	}
}

func TestAttachStopsWithoutConfiguring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := newAccelerator(t, f.config())
	if _, err := first.Start(ctx, nil, nil); err != nil {
		t.Fatalf("Start unexpected error: %v", err)
	}
	id := first.Host().InstanceID
	if _, err := first.Stop(ctx, host.StopKeep); err != nil {
		t.Fatalf("Stop unexpected error: %v", err)
	}

	attached := newAccelerator(t, f.config(func(c *Config) { c.Host.InstanceID = id }))
	if err := attached.Attach(ctx); err != nil {
		t.Fatalf("Attach unexpected error: %v", err)
	}
	if got := f.emulator.Calls("POST /configure"); got != 1 {
		t.Fatalf("Attach must not configure, got %d configure requests", got)
	}
	if _, err := attached.Stop(ctx, host.StopTerminate); err != nil {
		t.Fatalf("Stop unexpected error: %v", err)
	}
	if !f.emulator.Stopped() || f.provider.Exists(id) {
		t.Fatal("terminate must stop the accelerator and remove the instance")
	}
}

func TestProcessBeforeStart(t *testing.T) {
	f := newFixture(t)
	acc := newAccelerator(t, f.config())
	_, err := acc.Process(context.Background(), Job{})
	if !errors.Is(err, faults.ErrNotConfigured) {
		t.Fatalf("expected not configured error, got %v", err)
	}
}

func TestSubmitTracksRunning(t *testing.T) {
	f := newFixture(t)
	acc := newAccelerator(t, f.config())
	ctx := context.Background()
	if _, err := acc.Start(ctx, nil, nil); err != nil {
		t.Fatalf("Start unexpected error: %v", err)
	}
	defer acc.Close()

	futures := make([]*Future, 0, 4)
	for i := 0; i < 4; i++ {
		futures = append(futures, acc.Submit(ctx, Job{Parameters: map[string]any{"n": float64(i)}}))
	}
	for i, fut := range futures {
		result, err := fut.Wait(ctx)
		if err != nil {
			t.Fatalf("job %d failed: %v", i, err)
		}
		if result["n"] != float64(i) {
			t.Fatalf("job %d returned %v", i, result)
		}
	}
	if got := acc.Running(); got != 0 {
		t.Fatalf("expected no running jobs, got %d", got)
	}
}

func TestStartFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.provider.BootSequence = []string{memory.StatusPending, memory.StatusError}
	acc := newAccelerator(t, f.config())

	_, err := acc.Start(context.Background(), nil, nil)
	var rerr *faults.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RuntimeError, got %v", err)
	}
	if got := f.provider.CallCount("terminate_instance"); got != 1 {
		t.Fatalf("expected rollback terminate, got %d", got)
	}
	if f.emulator.Calls("POST /configure") != 0 {
		t.Fatal("configuration must not be attempted after a failed start")
	}
	acc.Close()
	if got := f.provider.CallCount("terminate_instance"); got != 1 {
		t.Fatalf("close after rollback must not terminate again, got %d", got)
	}
}

func TestStopJoinsErrors(t *testing.T) {
	f := newFixture(t)
	acc := newAccelerator(t, f.config())
	ctx := context.Background()
	if _, err := acc.Start(ctx, nil, nil); err != nil {
		t.Fatalf("Start unexpected error: %v", err)
	}
	f.provider.TerminateErr = &faults.ProviderError{Op: "terminate_instance", Err: errors.New("quota")}

	_, err := acc.Stop(ctx, host.StopTerminate)
	var rerr *faults.RuntimeError
	if !errors.As(err, &rerr) || rerr.Stage != faults.StageStop {
		t.Fatalf("expected host stop error, got %v", err)
	}
}

func TestFutureCancel(t *testing.T) {
	started := make(chan struct{})
	fut := Go(context.Background(), func(ctx context.Context) (params.Tree, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started
	fut.Cancel()
	if _, err := fut.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	select {
	case <-fut.Done():
	default:
		t.Fatal("expected future to be done")
	}
}

func TestFutureWaitContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	fut := Go(context.Background(), func(ctx context.Context) (params.Tree, error) {
		<-block
		return params.Tree{}, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := fut.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wait deadline, got %v", err)
	}
}

func TestDescriptorsMaterialize(t *testing.T) {
	f := newFixture(t)
	f.provider.Seed(provider.InstanceState{ID: "mem-a", Name: "accelize-a", Status: memory.StatusStopped})
	f.provider.Seed(provider.InstanceState{ID: "mem-b", Name: "other-b", Status: memory.StatusRunning})

	descriptors, err := Descriptors(context.Background(), f.provider, "")
	if err != nil {
		t.Fatalf("Descriptors unexpected error: %v", err)
	}
	if len(descriptors) != 1 || descriptors[0].InstanceID != "mem-a" {
		t.Fatalf("unexpected descriptors %v", descriptors)
	}

	acc, err := descriptors[0].Materialize(f.config())
	if err != nil {
		t.Fatalf("Materialize unexpected error: %v", err)
	}
	ctx := context.Background()
	if _, err := acc.Start(ctx, nil, nil); err != nil {
		t.Fatalf("Start unexpected error: %v", err)
	}
	if got := f.provider.CallCount("start_instance"); got != 1 {
		t.Fatalf("expected stopped instance to be started, got %d", got)
	}
	acc.Close()
	if !f.provider.Exists("mem-a") {
		t.Fatal("materialized host must be kept on close")
	}

	if _, err := (HostDescriptor{}).Materialize(f.config()); err == nil {
		t.Fatal("expected error for empty descriptor")
	}
}

type plainProvider struct{ provider.Provider }

func (plainProvider) Name() string { return "plain" }

func TestDescriptorsRequireLister(t *testing.T) {
	_, err := Descriptors(context.Background(), plainProvider{}, "")
	var cerr *faults.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
