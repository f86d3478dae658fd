package simple

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cochaviz/accelhost/internal/accelerator"
	"github.com/cochaviz/accelhost/internal/configuration"
	"github.com/cochaviz/accelhost/internal/emulator"
	"github.com/cochaviz/accelhost/internal/faults"
	"github.com/cochaviz/accelhost/internal/host"
	"github.com/cochaviz/accelhost/internal/logging"
	"github.com/cochaviz/accelhost/internal/metering"
	"github.com/cochaviz/accelhost/internal/netutil"
	"github.com/cochaviz/accelhost/internal/observability"
	"github.com/cochaviz/accelhost/internal/params"
	"github.com/cochaviz/accelhost/internal/poll"
	"github.com/cochaviz/accelhost/internal/pool"
	"github.com/cochaviz/accelhost/internal/provider"
	"github.com/cochaviz/accelhost/internal/provider/libvirt"
	"github.com/cochaviz/accelhost/internal/provider/memory"
	"github.com/cochaviz/accelhost/internal/session"
)

// Providers resolves the host.provider setting.
var Providers = provider.NewRegistry(map[string]provider.Constructor{
	libvirt.Name: libvirt.Constructor,
	memory.Name:  memory.Constructor,
})

// NewProvider builds the configured provider.
func NewProvider(cfg configuration.Config, logger *slog.Logger) (provider.Provider, error) {
	logger = logging.Ensure(logger)
	return Providers.New(cfg.Host.Provider, provider.Options{
		Region:   cfg.Host.Region,
		ClientID: cfg.Accelize.ClientID,
		SecretID: cfg.Accelize.SecretID,
		Settings: map[string]string{
			"uri":         cfg.Host.Libvirt.URI,
			"network":     cfg.Host.Libvirt.Network,
			"state_dir":   cfg.Host.Libvirt.StateDir,
			"domain_type": cfg.Host.Libvirt.DomainType,
			"arch":        cfg.Host.Libvirt.Arch,
			"address":     cfg.Host.Address,
		},
		Logger: logger.With("provider", cfg.Host.Provider),
	})
}

// parameterOverrides wraps a parameter document as the parameters override.
// Nothing is returned for an unset document.
func parameterOverrides(raw any) map[string]any {
	switch value := raw.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(value) == "" {
			return nil
		}
	case map[string]any:
		if len(value) == 0 {
			return nil
		}
	}
	return map[string]any{params.KeyParameters: raw}
}

// AcceleratorConfig turns the loaded configuration into an accelerator
// configuration with its provider, user data and session defaults.
func AcceleratorConfig(cfg configuration.Config, logger *slog.Logger) (accelerator.Config, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")

	stopMode, err := host.ParseStopMode(cfg.Host.StopMode)
	if err != nil {
		return accelerator.Config{}, &faults.ConfigurationError{Msg: "host.stop_mode", Err: err}
	}

	p, err := NewProvider(cfg, logger)
	if err != nil {
		return accelerator.Config{}, err
	}

	configureDefaults, err := params.Build(params.DefaultConfigure(), parameterOverrides(cfg.Configuration.Parameters))
	if err != nil {
		return accelerator.Config{}, &faults.ConfigurationError{Msg: "configuration.parameters", Err: err}
	}
	processDefaults, err := params.Build(params.DefaultProcess(), parameterOverrides(cfg.Process.Parameters))
	if err != nil {
		return accelerator.Config{}, &faults.ConfigurationError{Msg: "process.parameters", Err: err}
	}

	acceleratorConf, err := configureDefaults.JSON()
	if err != nil {
		return accelerator.Config{}, fmt.Errorf("encode accelerator configuration: %w", err)
	}
	userDataOptions := host.UserDataOptions{
		AcceleratorConfig: acceleratorConf,
		CertificatePath:   cfg.Host.SSLCertCrt,
		KeyPath:           cfg.Host.SSLCertKey,
		InitScriptPath:    cfg.Host.InitScript,
	}
	userData, err := host.RenderUserData(userDataOptions)
	if err != nil {
		return accelerator.Config{}, err
	}

	resolver := netutil.CallerResolver{
		Static:    cfg.Host.CallerIP,
		LookupURL: cfg.Host.PublicIPURL,
		Namespace: cfg.Host.NetNamespace,
		Logger:    logger,
	}

	var meteringClient session.Authenticator
	if cfg.Accelize.ClientID != "" && cfg.Accelize.SecretID != "" {
		meteringClient = metering.New(cfg.Accelize.MeteringURL, cfg.Accelize.ClientID, cfg.Accelize.SecretID, logger)
	}

	return accelerator.Config{
		Host: host.Config{
			Provider:          p,
			Region:            cfg.Host.Region,
			ImageID:           cfg.Host.ImageID,
			InstanceType:      cfg.Host.InstanceType,
			KeyPairName:       cfg.Host.KeyPair,
			SecurityGroupName: cfg.Host.SecurityGroup,
			AllowedPorts:      cfg.Host.AllowedPorts,
			UserData:          userData,
			InstanceID:        cfg.Host.InstanceID,
			Endpoint:          cfg.Host.Endpoint,
			StopMode:          stopMode,
			UsePrivateIP:      cfg.Host.UsePrivateIP,
			Secure:            userDataOptions.Secure(),
			CallerIP:          resolver.Resolve,
			ReadyTimeout:      poll.Timeout{Limit: cfg.Host.ReadyTimeout, Interval: host.DefaultReadyInterval},
			BootTimeout:       poll.Timeout{Limit: cfg.Host.BootTimeout, Interval: host.DefaultBootInterval},
			Ownership:         host.NewOwnership(),
			Logger:            logger,
		},
		Session: session.Config{
			ClientID:          cfg.Accelize.ClientID,
			SecretID:          cfg.Accelize.SecretID,
			ConfigureDefaults: configureDefaults,
			ProcessDefaults:   processDefaults,
			Metering:          meteringClient,
			PollInterval:      cfg.Host.PollInterval,
			Logger:            logger,
		},
		Logger: logger,
	}, nil
}

// Started describes a host left running by Start.
type Started struct {
	Host   host.Host
	Result params.Tree
}

// Start provisions or attaches a host and configures it with datafile. The
// host is left running so later commands can attach to it.
func Start(ctx context.Context, cfg configuration.Config, datafile string, logger *slog.Logger) (Started, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")
	accCfg, err := AcceleratorConfig(cfg, logger)
	if err != nil {
		return Started{}, err
	}
	acc, err := accelerator.New(accCfg)
	if err != nil {
		return Started{}, err
	}

	result, err := acc.Start(ctx, payload(datafile), nil)
	if err != nil {
		return Started{}, err
	}
	h := acc.Host()
	logger.Info("accelerator started", "instance_id", h.InstanceID, "endpoint", h.EndpointURL)
	return Started{Host: h, Result: result}, nil
}

// ProcessOptions select the files of one process call.
type ProcessOptions struct {
	// Datafile configures the accelerator before processing when set.
	Datafile string
	In       string
	Out      string
	// Parameters are per-call overrides on top of process.parameters.
	Parameters map[string]any
}

// Process runs one job. Without host.instance_id or host.endpoint a new
// host is provisioned and stopped afterwards with host.stop_mode.
func Process(ctx context.Context, cfg configuration.Config, opts ProcessOptions, logger *slog.Logger) (params.Tree, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")
	accCfg, err := AcceleratorConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	acc, err := accelerator.New(accCfg)
	if err != nil {
		return nil, err
	}
	defer acc.Close()

	if _, err := acc.Start(ctx, payload(opts.Datafile), nil); err != nil {
		return nil, err
	}

	jobs, closeAll, err := pool.FileJobs(optional(opts.In), optional(opts.Out), opts.Parameters)
	if err != nil {
		return nil, err
	}
	job := accelerator.Job{Parameters: opts.Parameters}
	if len(jobs) > 0 {
		job = jobs[0]
	}
	result, err := acc.Process(ctx, job)
	if cerr := closeAll(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	logger.Debug("process done", "in", opts.In, "out", opts.Out)
	return result, nil
}

// Stop stops the accelerator and the host named by host.instance_id or
// host.endpoint. An empty mode falls back to host.stop_mode, then to
// terminate.
func Stop(ctx context.Context, cfg configuration.Config, mode string, logger *slog.Logger) (params.Tree, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")
	if cfg.Host.InstanceID == "" && cfg.Host.Endpoint == "" {
		return nil, faults.Configurationf("stop needs host.instance_id or host.endpoint")
	}

	stopMode, err := host.ParseStopMode(firstNonEmpty(mode, cfg.Host.StopMode, string(host.StopTerminate)))
	if err != nil {
		return nil, &faults.ConfigurationError{Msg: "stop mode", Err: err}
	}
	accCfg, err := AcceleratorConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	acc, err := accelerator.New(accCfg)
	if err != nil {
		return nil, err
	}

	if running(ctx, accCfg.Host.Provider, cfg) {
		if err := acc.Attach(ctx); err != nil {
			logger.Warn("accelerator not reachable, stopping host only", "error", err)
		}
	}
	return acc.Stop(ctx, stopMode)
}

// running reports whether the accelerator service may be up. Attaching to a
// stopped instance would start it, so it is skipped.
func running(ctx context.Context, p provider.Provider, cfg configuration.Config) bool {
	if cfg.Host.Endpoint != "" {
		return true
	}
	state, err := p.DescribeInstance(ctx, cfg.Host.InstanceID)
	if err != nil {
		return false
	}
	return state.Status == p.Statuses().Running
}

// List describes the instances of the configured provider whose name starts
// with prefix.
func List(ctx context.Context, cfg configuration.Config, prefix string, logger *slog.Logger) ([]accelerator.HostDescriptor, error) {
	p, err := NewProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := p.Authenticate(ctx); err != nil {
		return nil, err
	}
	return accelerator.Descriptors(ctx, p, prefix)
}

// BatchOptions select the files of a batch.
type BatchOptions struct {
	Datafile   string
	In         []string
	Out        []string
	Parameters map[string]any
	Timeout    time.Duration
	Unordered  bool
}

// BatchReport lists what a batch produced. Results and Failures keep the
// order in which jobs completed.
type BatchReport struct {
	Results  []pool.Result
	Failures []error
}

// Err joins the failures.
func (r BatchReport) Err() error {
	return errors.Join(r.Failures...)
}

// Batch processes every input file over pool.workers accelerators and stops
// them afterwards with host.stop_mode.
func Batch(ctx context.Context, cfg configuration.Config, opts BatchOptions, logger *slog.Logger) (BatchReport, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")
	accCfg, err := AcceleratorConfig(cfg, logger)
	if err != nil {
		return BatchReport{}, err
	}

	metrics, err := observability.InitMetrics(false)
	if err != nil {
		return BatchReport{}, err
	}
	defer metrics.Shutdown(context.WithoutCancel(ctx))

	p, err := pool.New(pool.Config{
		Size:        cfg.Pool.Workers,
		Accelerator: accCfg,
		Meter:       metrics.Meter("accelhost/pool"),
		Logger:      logger,
	})
	if err != nil {
		return BatchReport{}, err
	}
	defer p.Close()

	jobs, closeAll, err := pool.FileJobs(opts.In, opts.Out, opts.Parameters)
	if err != nil {
		return BatchReport{}, err
	}
	defer func() {
		if err := closeAll(); err != nil {
			logger.Warn("closing outputs failed", "error", err)
		}
	}()

	if err := p.Start(ctx, payload(opts.Datafile), nil); err != nil {
		return BatchReport{}, err
	}

	var report BatchReport
	for result, err := range p.ProcessMap(ctx, jobs, pool.MapOptions{Timeout: opts.Timeout, Unordered: opts.Unordered}) {
		if err != nil {
			logger.Warn("job failed", "error", err)
			report.Failures = append(report.Failures, err)
			continue
		}
		report.Results = append(report.Results, result)
	}
	logger.Info("batch done", "jobs", len(jobs), "succeeded", len(report.Results), "failed", len(report.Failures))
	return report, nil
}

// ServeEmulator runs the accelerator emulator until ctx is done, with its
// Prometheus metrics under /metrics.
func ServeEmulator(ctx context.Context, cfg configuration.Config, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("component", "config.simple")
	metrics, err := observability.InitMetrics(true)
	if err != nil {
		return err
	}
	defer metrics.Shutdown(context.WithoutCancel(ctx))

	emu := emulator.New(emulator.Config{
		ProcessPolls: cfg.Emulator.ProcessPolls,
		RateLimit:    cfg.Emulator.RateLimit,
		Burst:        cfg.Emulator.Burst,
		Meter:        metrics.Meter("accelhost/emulator"),
		Logger:       logger,
	})
	logger.Info("serving emulator", "addr", cfg.Emulator.Addr)
	return emu.Serve(ctx, cfg.Emulator.Addr, metrics.Handler)
}

func payload(path string) *session.Payload {
	if path == "" {
		return nil
	}
	return session.FilePayload(path)
}

func optional(path string) []string {
	if path == "" {
		return nil
	}
	return []string{path}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
