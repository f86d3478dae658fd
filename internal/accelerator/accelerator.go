// Package accelerator pairs a host manager with the session running on it.
package accelerator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cochaviz/accelhost/internal/faults"
	"github.com/cochaviz/accelhost/internal/host"
	"github.com/cochaviz/accelhost/internal/logging"
	"github.com/cochaviz/accelhost/internal/params"
	"github.com/cochaviz/accelhost/internal/session"
)

// Config describes the host to run on and how sessions on it are set up.
// Session.Endpoint is filled in from the host once it runs.
type Config struct {
	Host    host.Config
	Session session.Config
	Logger  *slog.Logger
}

// Job is one process request.
type Job struct {
	In         *session.Payload
	Out        io.Writer
	Parameters map[string]any
}

// Accelerator owns one host and the session bound to its endpoint.
type Accelerator struct {
	cfg      Config
	host     *host.Manager
	attached bool
	logger   *slog.Logger

	running atomic.Int64

	mu      sync.Mutex
	session *session.Session
}

// New creates the host manager. Nothing remote happens before Start.
func New(cfg Config) (*Accelerator, error) {
	logger := logging.Ensure(cfg.Logger)
	if cfg.Host.Logger == nil {
		cfg.Host.Logger = logger
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = logger
	}
	manager, err := host.NewManager(cfg.Host)
	if err != nil {
		return nil, err
	}
	return &Accelerator{
		cfg:      cfg,
		host:     manager,
		attached: cfg.Host.InstanceID != "" || cfg.Host.Endpoint != "",
		logger:   logger.With("component", "accelerator"),
	}, nil
}

// Host returns a snapshot of the host.
func (a *Accelerator) Host() host.Host {
	return a.host.Host()
}

// SetStopMode replaces the stop mode used by Stop and Close.
func (a *Accelerator) SetStopMode(mode host.StopMode) {
	a.host.SetStopMode(mode)
}

// Running returns the number of submitted jobs not yet finished.
func (a *Accelerator) Running() int {
	return int(a.running.Load())
}

// Start brings the host up and configures the accelerator. An attached
// accelerator first adopts the last configuration of the endpoint, so it is
// only reconfigured when datafile or overrides ask for it.
func (a *Accelerator) Start(ctx context.Context, datafile *session.Payload, overrides map[string]any) (params.Tree, error) {
	if err := a.host.Start(ctx); err != nil {
		return nil, err
	}
	s, err := a.bind(ctx)
	if err != nil {
		return nil, err
	}
	return s.Configure(ctx, datafile, overrides)
}

// Attach brings the host up and binds a session to it without configuring.
// Use it to stop or inspect an accelerator started elsewhere.
func (a *Accelerator) Attach(ctx context.Context) error {
	if err := a.host.Start(ctx); err != nil {
		return err
	}
	_, err := a.bind(ctx)
	return err
}

func (a *Accelerator) bind(ctx context.Context) (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	endpoint := a.host.Endpoint()
	if a.session != nil && a.session.Endpoint() == endpoint {
		return a.session, nil
	}

	cfg := a.cfg.Session
	cfg.Endpoint = endpoint
	cfg.HostEnv = mergeEnv(a.hostEnv(), cfg.HostEnv)
	s, err := session.New(cfg)
	if err != nil {
		return nil, err
	}
	if a.attached {
		if _, err := s.AdoptLastConfiguration(ctx); err != nil {
			a.logger.Warn("could not read previous configuration", "endpoint", endpoint, "error", err)
		}
	}
	a.session = s
	return s, nil
}

func (a *Accelerator) hostEnv() map[string]any {
	h := a.host.Host()
	env := map[string]any{}
	if a.cfg.Host.Provider != nil {
		env["provider"] = a.cfg.Host.Provider.Name()
	}
	for key, value := range map[string]string{
		"instance_id":   h.InstanceID,
		"region":        h.Region,
		"instance_type": h.InstanceType,
	} {
		if value != "" {
			env[key] = value
		}
	}
	return env
}

func mergeEnv(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func (a *Accelerator) current() *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Process runs one job and waits for it.
func (a *Accelerator) Process(ctx context.Context, job Job) (params.Tree, error) {
	s := a.current()
	if s == nil {
		return nil, &faults.ConfigurationError{Msg: "start the accelerator before processing", Err: faults.ErrNotConfigured}
	}
	return s.Process(ctx, job.In, job.Out, job.Parameters)
}

// Submit runs job in the background. The job counts as running from now
// until its future completes.
func (a *Accelerator) Submit(ctx context.Context, job Job) *Future {
	a.running.Add(1)
	return Go(ctx, func(ctx context.Context) (params.Tree, error) {
		defer a.running.Add(-1)
		return a.Process(ctx, job)
	})
}

// Stop stops the session then the host. mode overrides the stored stop mode
// when set. With Keep the accelerator is left configured for a later
// session. Errors of both steps are returned.
func (a *Accelerator) Stop(ctx context.Context, mode host.StopMode) (params.Tree, error) {
	a.host.SetStopMode(mode)
	effective := a.host.StopMode()

	var result params.Tree
	var sessionErr error
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()
	if s != nil {
		if effective == host.StopKeep {
			s.Detach()
		} else {
			result, sessionErr = s.Stop(ctx)
		}
	}
	hostErr := a.host.Stop(ctx, effective)
	return result, errors.Join(sessionErr, hostErr)
}

// Close stops with the stored stop mode and only logs failures. It is meant
// for deferred cleanup.
func (a *Accelerator) Close() {
	if _, err := a.Stop(context.Background(), host.StopUnset); err != nil {
		a.logger.Warn("stop on close failed", "error", err)
	}
}
