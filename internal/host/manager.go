package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/accelhost/internal/faults"
	"github.com/cochaviz/accelhost/internal/logging"
	"github.com/cochaviz/accelhost/internal/poll"
	"github.com/cochaviz/accelhost/internal/provider"
)

const (
	DefaultReadyTimeout      = 420 * time.Second
	DefaultBootTimeout       = 420 * time.Second
	DefaultReadyInterval     = time.Second
	DefaultBootInterval      = 500 * time.Millisecond
	DefaultNamePrefix        = "accelize"
	DefaultSecurityGroupName = "AccelizeSecurityGroup"
)

// DefaultAllowedPorts are opened to the caller address by the security group.
var DefaultAllowedPorts = []int{22, 80, 443}

// Config describes the host a Manager is responsible for.
type Config struct {
	Provider provider.Provider

	Region            string
	ImageID           string
	InstanceType      string
	NamePrefix        string
	KeyPairName       string
	SecurityGroupName string
	AllowedPorts      []int
	Tags              map[string]string
	UserData          []byte

	// InstanceID or Endpoint attach the manager to an existing host.
	InstanceID string
	Endpoint   string

	StopMode     StopMode
	UsePrivateIP bool
	// Secure selects an https endpoint, set when a certificate is deployed.
	Secure bool

	// CallerIP resolves the address the security group admits.
	CallerIP func(ctx context.Context) (string, error)

	ReadyTimeout poll.Timeout
	BootTimeout  poll.Timeout

	Prober    Prober
	Ownership *Ownership
	Logger    *slog.Logger
}

// DefaultKeyPairName derives the key pair name from the provider name.
func DefaultKeyPairName(providerName string) string {
	name := strings.TrimSpace(providerName)
	if name == "" {
		return "AccelizeKeyPair"
	}
	return "Accelize" + strings.ToUpper(name[:1]) + name[1:] + "KeyPair"
}

// Manager drives one Host through its lifecycle. Its methods are safe for
// concurrent use but calls are serialized.
type Manager struct {
	cfg      Config
	provider provider.Provider
	statuses provider.StatusSet
	prober   Prober
	owners   *Ownership
	logger   *slog.Logger

	keepWarning logging.Once

	mu   sync.Mutex
	host Host
	// claims are keys taken during Start, claimed once mu is released so a
	// detached owner's lock is never taken while holding ours.
	claims []string
}

// NewManager validates cfg and returns a manager in its initial state. A
// manager attached to an existing instance or endpoint claims it from any
// previous owner.
func NewManager(cfg Config) (*Manager, error) {
	cfg.InstanceID = strings.TrimSpace(cfg.InstanceID)
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)

	attached := cfg.InstanceID != "" || cfg.Endpoint != ""
	if cfg.Provider == nil && cfg.Endpoint == "" {
		return nil, faults.Configurationf("a provider is required unless an endpoint is given")
	}
	if !attached {
		if strings.TrimSpace(cfg.ImageID) == "" {
			return nil, faults.Configurationf("image id is required to create a host")
		}
		if strings.TrimSpace(cfg.InstanceType) == "" {
			return nil, faults.Configurationf("instance type is required to create a host")
		}
	}

	if cfg.StopMode == StopUnset {
		cfg.StopMode = StopTerminate
		if attached {
			cfg.StopMode = StopKeep
		}
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = DefaultNamePrefix
	}
	if cfg.SecurityGroupName == "" {
		cfg.SecurityGroupName = DefaultSecurityGroupName
	}
	if len(cfg.AllowedPorts) == 0 {
		cfg.AllowedPorts = DefaultAllowedPorts
	}
	if cfg.ReadyTimeout == (poll.Timeout{}) {
		cfg.ReadyTimeout = poll.Timeout{Limit: DefaultReadyTimeout, Interval: DefaultReadyInterval}
	}
	if cfg.BootTimeout == (poll.Timeout{}) {
		cfg.BootTimeout = poll.Timeout{Limit: DefaultBootTimeout, Interval: DefaultBootInterval}
	}

	logger := logging.Ensure(cfg.Logger).With("component", "host")
	m := &Manager{
		cfg:      cfg,
		provider: cfg.Provider,
		prober:   cfg.Prober,
		owners:   cfg.Ownership,
		logger:   logger,
	}
	if m.prober == nil {
		m.prober = NewHTTPProber(logger)
	}
	if m.provider != nil {
		m.statuses = m.provider.Statuses()
		if cfg.KeyPairName == "" {
			m.cfg.KeyPairName = DefaultKeyPairName(m.provider.Name())
		}
	}

	m.host = Host{
		InstanceID:        cfg.InstanceID,
		Region:            cfg.Region,
		ImageID:           cfg.ImageID,
		InstanceType:      cfg.InstanceType,
		KeyPairName:       m.cfg.KeyPairName,
		SecurityGroupName: cfg.SecurityGroupName,
		StopMode:          cfg.StopMode,
		Status:            StatusUnprovisioned,
	}
	if cfg.InstanceID != "" {
		m.host.Status = StatusStopped
		m.owners.claim(cfg.InstanceID, m)
	}
	if cfg.Endpoint != "" {
		m.host.EndpointURL = FormatURL(cfg.Endpoint, cfg.Secure)
		m.owners.claim(m.host.EndpointURL, m)
	}
	return m, nil
}

// Host returns a snapshot of the managed host.
func (m *Manager) Host() Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host
}

// Endpoint returns the accelerator endpoint URL, empty until running.
func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host.EndpointURL
}

// StopMode returns the stored stop mode.
func (m *Manager) StopMode() StopMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host.StopMode
}

// SetStopMode replaces the stored stop mode. StopUnset is ignored.
func (m *Manager) SetStopMode(mode StopMode) {
	if mode == StopUnset {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.host.StopMode = mode
}

// Start makes the host reachable. A known endpoint is only checked. A known
// instance is started if stopped. Otherwise a new instance is provisioned.
// Failures while provisioning or waiting terminate the instance before the
// error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	err := m.start(ctx)
	var claims []string
	for _, key := range m.claims {
		if key == m.host.InstanceID || key == m.host.EndpointURL {
			claims = append(claims, key)
		}
	}
	m.claims = nil
	m.mu.Unlock()

	for _, key := range claims {
		m.owners.claim(key, m)
	}
	return err
}

func (m *Manager) start(ctx context.Context) error {
	if url := m.host.EndpointURL; url != "" {
		if !m.prober.Reachable(ctx, url) {
			return &faults.RuntimeError{
				Stage:      faults.StageAttach,
				InstanceID: m.host.InstanceID,
				Msg:        "unable to reach " + url,
				Err:        faults.ErrUnreachable,
			}
		}
		m.host.Status = StatusRunning
		m.logger.Debug("endpoint reachable", "endpoint", url)
		return nil
	}
	if m.provider == nil {
		return faults.Configurationf("no provider to start the host with")
	}

	if m.host.InstanceID == "" {
		if err := m.provision(ctx); err != nil {
			m.rollback(ctx, err)
			return err
		}
	} else if err := m.startExisting(ctx); err != nil {
		return err
	}

	logger := m.logger.With("instance_id", m.host.InstanceID)
	logger.Info("waiting for instance to run")
	state, err := m.waitReady(ctx)
	if err != nil {
		m.rollback(ctx, err)
		return err
	}

	address := state.PublicAddr
	if m.cfg.UsePrivateIP || address == "" {
		address = state.PrivateAddr
	}
	url := FormatURL(address, m.cfg.Secure)

	logger.Info("waiting for accelerator service", "endpoint", url)
	if err := m.waitBoot(ctx, url); err != nil {
		m.rollback(ctx, err)
		return err
	}

	m.host.PublicAddress = state.PublicAddr
	m.host.PrivateAddress = state.PrivateAddr
	m.host.EndpointURL = url
	m.host.Status = StatusRunning
	m.claims = append(m.claims, url)
	logger.Info("host ready", "endpoint", url)
	return nil
}

func (m *Manager) provision(ctx context.Context) error {
	p := m.provider
	logger := m.logger.With("provider", p.Name())

	if err := p.Authenticate(ctx); err != nil {
		var aerr *faults.AuthenticationError
		if errors.As(err, &aerr) {
			return err
		}
		return &faults.AuthenticationError{Service: p.Name(), Err: err}
	}

	callerIP := ""
	if m.cfg.CallerIP != nil {
		ip, err := m.cfg.CallerIP(ctx)
		if err != nil {
			return &faults.RuntimeError{Stage: faults.StageProvision, Msg: "resolve caller address", Err: err}
		}
		callerIP = ip
	}

	logger.Info("provisioning host resources", "key_pair", m.cfg.KeyPairName, "security_group", m.cfg.SecurityGroupName)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		reused, err := p.EnsureKeyPair(gctx, m.cfg.KeyPairName)
		if err != nil {
			return fmt.Errorf("ensure key pair %s: %w", m.cfg.KeyPairName, err)
		}
		logger.Debug("key pair ready", "key_pair", m.cfg.KeyPairName, "reused", reused)
		return nil
	})
	group.Go(func() error {
		if err := p.EnsureSecurityGroup(gctx, m.cfg.SecurityGroupName, m.cfg.AllowedPorts, callerIP); err != nil {
			return fmt.Errorf("ensure security group %s: %w", m.cfg.SecurityGroupName, err)
		}
		logger.Debug("security group ready", "security_group", m.cfg.SecurityGroupName, "caller_ip", callerIP)
		return nil
	})
	if err := group.Wait(); err != nil {
		return &faults.RuntimeError{Stage: faults.StageProvision, Msg: "prepare host resources", Err: err}
	}

	spec := provider.InstanceSpec{
		Name:          fmt.Sprintf("%s-%s", m.cfg.NamePrefix, uuid.NewString()[:8]),
		ImageID:       m.cfg.ImageID,
		InstanceType:  m.cfg.InstanceType,
		KeyPair:       m.cfg.KeyPairName,
		SecurityGroup: m.cfg.SecurityGroupName,
		Tags:          m.instanceTags(),
		UserData:      m.cfg.UserData,
	}
	id, err := p.CreateInstance(ctx, spec)
	if err != nil {
		logger.Error("create instance failed", "stage", faults.StageProvision, "error", err)
		return err
	}

	m.host.InstanceID = id
	m.host.Status = StatusProvisioning
	m.claims = append(m.claims, id)
	logger.Info("instance created", "instance_id", id, "name", spec.Name)
	return nil
}

func (m *Manager) instanceTags() map[string]string {
	tags := map[string]string{"generated-by": m.cfg.NamePrefix}
	for k, v := range m.cfg.Tags {
		tags[k] = v
	}
	return tags
}

func (m *Manager) startExisting(ctx context.Context) error {
	id := m.host.InstanceID
	state, err := m.provider.DescribeInstance(ctx, id)
	if err != nil {
		return &faults.RuntimeError{Stage: faults.StageAttach, InstanceID: id, Msg: "describe instance", Err: err}
	}

	switch state.Status {
	case m.statuses.Stopped:
		m.logger.Info("starting stopped instance", "instance_id", id)
		if err := m.provider.StartInstance(ctx, id); err != nil {
			return &faults.RuntimeError{Stage: faults.StageStart, InstanceID: id, Status: state.Status, Msg: "start instance", Err: err}
		}
	case m.statuses.Running:
	default:
		return &faults.RuntimeError{Stage: faults.StageStart, InstanceID: id, Status: state.Status, Msg: "invalid_status"}
	}
	m.host.Status = StatusProvisioning
	return nil
}

// waitReady polls until the instance runs and reports an address.
func (m *Manager) waitReady(ctx context.Context) (provider.InstanceState, error) {
	id := m.host.InstanceID
	var last provider.InstanceState

	err := poll.Until(ctx, m.cfg.ReadyTimeout, func(ctx context.Context) (bool, error) {
		state, err := m.provider.DescribeInstance(ctx, id)
		if err != nil {
			if faults.IsTransient(err) {
				m.logger.Debug("transient describe failure", "instance_id", id, "error", err)
				return false, nil
			}
			return false, &faults.RuntimeError{Stage: faults.StageWaitReady, InstanceID: id, Status: last.Status, Msg: "describe instance", Err: err}
		}
		last = state

		switch state.Status {
		case m.statuses.Error:
			return false, &faults.RuntimeError{Stage: faults.StageWaitReady, InstanceID: id, Status: state.Status, Msg: "instance failed to provision"}
		case m.statuses.Running:
			return state.PublicAddr != "" || state.PrivateAddr != "", nil
		default:
			return false, nil
		}
	})
	if err == nil {
		return last, nil
	}

	var rerr *faults.RuntimeError
	if errors.As(err, &rerr) {
		return last, err
	}
	return last, &faults.RuntimeError{Stage: faults.StageWaitReady, InstanceID: id, Status: last.Status, Msg: "instance did not become ready", Err: err}
}

func (m *Manager) waitBoot(ctx context.Context, url string) error {
	err := poll.Until(ctx, m.cfg.BootTimeout, func(ctx context.Context) (bool, error) {
		return m.prober.Reachable(ctx, url), nil
	})
	if err != nil {
		return &faults.RuntimeError{Stage: faults.StageWaitBoot, InstanceID: m.host.InstanceID, Msg: "boot_timeout waiting for " + url, Err: err}
	}
	return nil
}

// rollback terminates a partially started instance. Its own failure is
// logged and does not replace cause. Without an instance the host stays
// unprovisioned.
func (m *Manager) rollback(ctx context.Context, cause error) {
	id := m.host.InstanceID
	if id == "" {
		return
	}
	m.host.Status = StatusError

	logger := m.logger.With("instance_id", id)
	logger.Warn("start failed, terminating instance", "error", cause)
	if err := m.provider.TerminateInstance(context.WithoutCancel(ctx), id); err != nil {
		logger.Warn("rollback terminate failed", "error", err)
		return
	}
	m.owners.release(id, m)
	m.host.InstanceID = ""
	m.host.EndpointURL = ""
}

// Stop applies mode, or the stored stop mode when mode is StopUnset. Keep
// leaves the instance untouched. Terminate and pause clear the instance from
// the manager, so repeated calls do nothing.
func (m *Manager) Stop(ctx context.Context, mode StopMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.host.InstanceID
	if id == "" || m.provider == nil {
		return nil
	}
	if mode == StopUnset {
		mode = m.host.StopMode
	}
	logger := m.logger.With("instance_id", id, "stop_mode", mode.String())

	if mode == StopKeep {
		m.keepWarning.Warn(logger, "instance is still running")
		return nil
	}

	if _, err := m.provider.DescribeInstance(ctx, id); err != nil {
		if errors.Is(err, faults.ErrInstanceNotFound) {
			logger.Info("instance already gone")
			m.forget(StatusTerminated)
			return nil
		}
		logger.Warn("instance not reachable through provider, nothing stopped", "error", err)
		return nil
	}

	previous := m.host.Status
	m.host.Status = StatusStopping
	if mode == StopTerminate {
		if err := m.provider.TerminateInstance(ctx, id); err != nil {
			m.host.Status = previous
			return &faults.RuntimeError{Stage: faults.StageStop, InstanceID: id, Msg: "terminate instance", Err: err}
		}
		m.forget(StatusTerminated)
		logger.Info("instance terminated")
		return nil
	}

	if err := m.provider.StopInstance(ctx, id); err != nil {
		m.host.Status = previous
		return &faults.RuntimeError{Stage: faults.StageStop, InstanceID: id, Msg: "stop instance", Err: err}
	}
	m.forget(StatusStopped)
	logger.Info("instance stopped")
	return nil
}

func (m *Manager) forget(status Status) {
	m.owners.release(m.host.InstanceID, m)
	m.owners.release(m.host.EndpointURL, m)
	m.host.InstanceID = ""
	m.host.EndpointURL = ""
	m.host.PublicAddress = ""
	m.host.PrivateAddress = ""
	m.host.Status = status
}

// detach is called when another manager claims key.
func (m *Manager) detach(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.host.InstanceID != key && m.host.EndpointURL != key {
		return
	}
	m.logger.Info("host claimed by another manager", "key", key)
	m.host.InstanceID = ""
	m.host.EndpointURL = ""
	m.host.Status = StatusUnprovisioned
}
