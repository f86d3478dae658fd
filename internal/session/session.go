// Package session drives the configure, process and stop protocol of an
// accelerator endpoint.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cochaviz/accelhost/internal/faults"
	"github.com/cochaviz/accelhost/internal/logging"
	"github.com/cochaviz/accelhost/internal/params"
	"github.com/cochaviz/accelhost/internal/poll"
)

// DefaultPollInterval separates reads of a pending process.
const DefaultPollInterval = 250 * time.Millisecond

// Prober reports whether an endpoint answers.
type Prober interface {
	Reachable(ctx context.Context, url string) bool
}

// Authenticator validates the metering credentials before a configuration
// is requested.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

// Config binds a Session to an endpoint.
type Config struct {
	Endpoint string

	ClientID string
	SecretID string
	// HostEnv is merged into the env section of configuration requests.
	HostEnv map[string]any

	ConfigureDefaults params.Tree
	ProcessDefaults   params.Tree

	Metering     Authenticator
	Prober       Prober
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Session is one configure/process/stop interaction with an accelerator.
// The configuration handle is private; only the last successful configure
// is ever used by Process.
type Session struct {
	cfg    Config
	client *Client
	logger *slog.Logger

	mu      sync.Mutex
	handle  string
	stopped bool
}

// New validates cfg and returns an unconfigured session.
func New(cfg Config) (*Session, error) {
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if cfg.Endpoint == "" {
		return nil, faults.Configurationf("session endpoint is required")
	}
	if cfg.ConfigureDefaults == nil {
		cfg.ConfigureDefaults = params.DefaultConfigure()
	}
	if cfg.ProcessDefaults == nil {
		cfg.ProcessDefaults = params.DefaultProcess()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := logging.Ensure(cfg.Logger).With("component", "session", "endpoint", cfg.Endpoint)
	return &Session{
		cfg:    cfg,
		client: NewClient(cfg.Endpoint, logger),
		logger: logger,
	}, nil
}

// Endpoint returns the URL the session talks to.
func (s *Session) Endpoint() string {
	return s.cfg.Endpoint
}

// Configured reports whether a configuration handle is held.
func (s *Session) Configured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != ""
}

// AdoptLastConfiguration reuses the most recent configuration of the
// endpoint when it was used, so an attached session can process without
// reconfiguring. It reports whether a configuration was adopted.
func (s *Session) AdoptLastConfiguration(ctx context.Context) (bool, error) {
	results, err := s.client.ListConfigurations(ctx)
	if err != nil {
		return false, &faults.RuntimeError{Stage: faults.StageConfigure, Msg: "list configurations", Err: err}
	}
	if len(results) == 0 || results[0].Used == 0 || results[0].URL == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = results[0].URL
	s.logger.Info("reusing accelerator configuration", "configuration", s.handle)
	return true, nil
}

// Configure applies overrides on the configuration defaults and sends them
// with the optional datafile. A held configuration is reused when neither a
// datafile nor overrides are given. On any failure the previous handle is
// kept untouched.
func (s *Session) Configure(ctx context.Context, datafile *Payload, overrides map[string]any) (params.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, faults.Configurationf("session on %s is stopped", s.cfg.Endpoint)
	}
	if s.handle != "" && datafile == nil && len(overrides) == 0 {
		s.logger.Debug("accelerator already configured", "configuration", s.handle)
		return params.Tree{}, nil
	}

	if s.cfg.Metering != nil {
		if err := s.cfg.Metering.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	document, err := params.Build(s.cfg.ConfigureDefaults, overrides)
	if err != nil {
		return nil, &faults.ConfigurationError{Msg: "invalid configuration parameters", Err: err}
	}
	env := params.Tree{"client_id": s.cfg.ClientID, "client_secret": s.cfg.SecretID}
	for key, value := range s.cfg.HostEnv {
		env[key] = value
	}
	document = params.Merge(document, params.Tree{params.KeyEnv: env})
	body, err := document.JSON()
	if err != nil {
		return nil, &faults.ConfigurationError{Msg: "encode configuration parameters", Err: err}
	}

	s.logger.Debug("configuring accelerator", "datafile", payloadName(datafile))
	created, err := s.client.CreateConfiguration(ctx, body, datafile)
	if err != nil {
		var cerr *faults.ConfigurationError
		if errors.As(err, &cerr) {
			return nil, err
		}
		return nil, &faults.RuntimeError{Stage: faults.StageConfigure, Msg: "configuration request failed", Err: err}
	}
	result, err := decodeResult(created.ParametersResult)
	if err != nil {
		return nil, &faults.RuntimeError{Stage: faults.StageConfigure, Msg: "invalid configuration result", Err: err}
	}
	if err := checkStatus(result, faults.StageConfigure, "failed to configure accelerator: "); err != nil {
		return nil, err
	}

	state, err := s.client.GetConfiguration(ctx, string(created.ID))
	if err != nil {
		return nil, &faults.RuntimeError{Stage: faults.StageConfigure, Msg: "read configuration", Err: err}
	}
	if state.InError.orTrue() {
		return nil, &faults.RuntimeError{
			Stage: faults.StageConfigure,
			Msg:   "cannot start the configuration " + firstNonEmpty(state.URL, created.URL),
		}
	}

	s.handle = firstNonEmpty(created.URL, state.URL, string(created.ID))
	s.logger.Info("accelerator configured", "configuration", s.handle)
	return result, nil
}

// Process sends the input payload, waits for the accelerator to finish and
// copies the produced file to out. It returns the accelerator specific part
// of the result. The remote process is deleted on every exit path.
func (s *Session) Process(ctx context.Context, in *Payload, out io.Writer, overrides map[string]any) (params.Tree, error) {
	s.mu.Lock()
	handle, stopped := s.handle, s.stopped
	s.mu.Unlock()

	if stopped {
		return nil, faults.Configurationf("session on %s is stopped", s.cfg.Endpoint)
	}
	if handle == "" {
		return nil, &faults.ConfigurationError{Msg: "call Configure before Process", Err: faults.ErrNotConfigured}
	}

	document, err := params.Build(s.cfg.ProcessDefaults, overrides)
	if err != nil {
		return nil, &faults.ConfigurationError{Msg: "invalid process parameters", Err: err}
	}
	body, err := document.JSON()
	if err != nil {
		return nil, &faults.ConfigurationError{Msg: "encode process parameters", Err: err}
	}

	started := time.Now()
	created, err := s.client.CreateProcess(ctx, body, handle, in)
	if err != nil {
		var cerr *faults.ConfigurationError
		if errors.As(err, &cerr) {
			return nil, err
		}
		return nil, &faults.RuntimeError{Stage: faults.StageProcess, Msg: "process request failed", Err: err}
	}
	id := string(created.ID)
	logger := s.logger.With("process_id", id)
	defer func() {
		if err := s.client.DeleteProcess(context.WithoutCancel(ctx), id); err != nil {
			logger.Warn("failed to delete remote process", "error", err)
		}
	}()

	var state processResponse
	if created.Processed.set && created.Processed.value {
		state, err = s.client.GetProcess(ctx, id)
		if err != nil {
			return nil, &faults.RuntimeError{Stage: faults.StageProcess, Msg: "read process", Err: err}
		}
	} else {
		err = poll.Until(ctx, poll.Timeout{Limit: poll.Unbounded, Interval: s.cfg.PollInterval}, func(ctx context.Context) (bool, error) {
			var readErr error
			state, readErr = s.client.GetProcess(ctx, id)
			if readErr != nil {
				return false, readErr
			}
			return state.Processed.set && state.Processed.value, nil
		})
		if err != nil {
			return nil, &faults.RuntimeError{Stage: faults.StageProcess, Msg: "wait for process", Err: err}
		}
	}

	if state.InError.orTrue() {
		return nil, &faults.RuntimeError{
			Stage: faults.StageProcess,
			Msg:   "failed to process data: " + strings.TrimSpace(string(state.ParametersResult)),
		}
	}
	result, err := decodeResult(state.ParametersResult)
	if err != nil {
		return nil, &faults.RuntimeError{Stage: faults.StageProcess, Msg: "invalid process result", Err: err}
	}
	if err := checkStatus(result, faults.StageProcess, "processing failed: "); err != nil {
		return nil, err
	}

	if out != nil && state.DatafileResult != "" {
		n, err := s.client.Download(ctx, state.DatafileResult, out)
		if err != nil {
			return nil, &faults.RuntimeError{Stage: faults.StageProcess, Msg: "download result file", Err: err}
		}
		logger.Debug("result file received", "bytes", n)
	}

	s.logProfiling(logger, result, time.Since(started))

	specific := result.Specific()
	if specific == nil {
		specific = params.Tree{}
	}
	return specific, nil
}

// Stop releases the accelerator. It runs at most once; an endpoint that
// does not answer has nothing to stop.
func (s *Session) Stop(ctx context.Context) (params.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, nil
	}
	s.stopped = true
	s.handle = ""

	if s.cfg.Prober != nil && !s.cfg.Prober.Reachable(ctx, s.cfg.Endpoint) {
		s.logger.Debug("endpoint unreachable, nothing to stop")
		return nil, nil
	}

	raw, err := s.client.Stop(ctx)
	if err != nil {
		if isTransport(err) {
			s.logger.Debug("endpoint unreachable, nothing to stop", "error", err)
			return nil, nil
		}
		return nil, &faults.RuntimeError{Stage: faults.StageSessionStop, Msg: "stop request failed", Err: err}
	}
	result, err := decodeResult(raw)
	if err != nil {
		return nil, &faults.RuntimeError{Stage: faults.StageSessionStop, Msg: "invalid stop result", Err: err}
	}
	if err := checkStatus(result, faults.StageSessionStop, "failed to stop accelerator: "); err != nil {
		return result, err
	}
	s.logger.Info("accelerator stopped")
	return result, nil
}

// Detach closes the session locally and leaves the accelerator configured,
// so a later session on the same endpoint can adopt its configuration.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.logger.Debug("session detached, accelerator left configured")
	}
	s.stopped = true
	s.handle = ""
}

func (s *Session) logProfiling(logger *slog.Logger, result params.Tree, elapsed time.Duration) {
	profiling := result.Sub(params.KeyApp, "profiling")
	if profiling == nil {
		return
	}
	attrs := []any{"wall_time", elapsed.Round(time.Millisecond)}
	if fpga, ok := asFloat(profiling["fpga-elapsed-time"]); ok {
		attrs = append(attrs, "fpga_time", time.Duration(fpga*float64(time.Second)).Round(time.Microsecond))
	}
	if size, ok := asFloat(profiling["total-bytes-written"]); ok && elapsed > 0 {
		attrs = append(attrs, "throughput_mbps", fmt.Sprintf("%.2f", size/elapsed.Seconds()/1e6))
	}
	logger.Info("process profiling", attrs...)
}

func payloadName(p *Payload) string {
	if p == nil {
		return ""
	}
	return p.Name
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsNotConfigured reports whether err was caused by processing before
// configuration.
func IsNotConfigured(err error) bool {
	return errors.Is(err, faults.ErrNotConfigured)
}
