// Package libvirt runs accelerator hosts as local libvirt domains. A domain
// boots from a qcow2 overlay of the image and a NoCloud seed carrying the
// user data; the key pair is an ed25519 key kept under the state directory
// and the security group is an nwfilter bound to the domain interface.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	golibvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/accelhost/arch"
	"github.com/cochaviz/accelhost/internal/faults"
	"github.com/cochaviz/accelhost/internal/logging"
	"github.com/cochaviz/accelhost/internal/poll"
	"github.com/cochaviz/accelhost/internal/provider"
)

const Name = "libvirt"

const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

const (
	DefaultURI      = "qemu:///system"
	DefaultNetwork  = "default"
	DefaultStateDir = "/var/lib/accelhost"

	DefaultShutdownTimeout  = 2 * time.Minute
	DefaultShutdownInterval = time.Second
)

var _ provider.Provider = (*Provider)(nil)
var _ provider.Lister = (*Provider)(nil)

// Config locates the hypervisor and the files the provider manages.
type Config struct {
	URI     string
	Network string
	// StateDir holds keys/, images/ and one instances/<id> directory per
	// domain.
	StateDir string
	// DomainType is the libvirt domain type, kvm unless set.
	DomainType string
	// Arch is the guest architecture, the host one unless set.
	Arch arch.Architecture
	// ShutdownTimeout bounds the wait for a guest to power off after a
	// stop; the domain is then forced off.
	ShutdownTimeout  time.Duration
	ShutdownInterval time.Duration
	Logger           *slog.Logger
}

// Provider implements provider.Provider on one libvirt connection, opened
// by Authenticate.
type Provider struct {
	cfg    Config
	dial   func(uri string) (hypervisor, error)
	logger *slog.Logger

	mu   sync.Mutex
	conn hypervisor
	// filterMu serializes read-modify-write of nwfilters.
	filterMu sync.Mutex
}

// New returns a provider. No connection is made before Authenticate.
func New(cfg Config) *Provider {
	if cfg.URI == "" {
		cfg.URI = DefaultURI
	}
	if cfg.Network == "" {
		cfg.Network = DefaultNetwork
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.DomainType == "" {
		cfg.DomainType = "kvm"
	}
	if cfg.Arch == "" {
		cfg.Arch = arch.Host()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.ShutdownInterval <= 0 {
		cfg.ShutdownInterval = DefaultShutdownInterval
	}
	return &Provider{
		cfg:    cfg,
		dial:   dial,
		logger: logging.Ensure(cfg.Logger).With("component", "provider.libvirt", "uri", cfg.URI),
	}
}

// Constructor adapts New to the provider registry. It reads the "uri",
// "network", "state_dir", "domain_type" and "arch" settings.
func Constructor(opts provider.Options) (provider.Provider, error) {
	guestArch := arch.Host()
	if value := opts.Setting("arch", ""); value != "" {
		parsed, err := arch.Parse(value)
		if err != nil {
			return nil, &faults.ConfigurationError{Msg: "libvirt arch", Err: err}
		}
		guestArch = parsed
	}
	return New(Config{
		URI:        opts.Setting("uri", DefaultURI),
		Network:    opts.Setting("network", DefaultNetwork),
		StateDir:   opts.Setting("state_dir", DefaultStateDir),
		DomainType: opts.Setting("domain_type", "kvm"),
		Arch:       guestArch,
		Logger:     opts.Logger,
	}), nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Statuses() provider.StatusSet {
	return provider.StatusSet{Running: StatusRunning, Stopped: StatusStopped, Error: StatusError}
}

// Close releases the connection.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *Provider) connection() (hypervisor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		if err := p.conn.Alive(); err == nil {
			return p.conn, nil
		}
		_ = p.conn.Close()
		p.conn = nil
	}
	conn, err := p.dial(p.cfg.URI)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

func (p *Provider) Authenticate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := p.connection()
	if err != nil {
		return &faults.AuthenticationError{Service: Name, Err: err}
	}
	if err := conn.Alive(); err != nil {
		return &faults.AuthenticationError{Service: Name, Err: err}
	}
	return nil
}

func (p *Provider) keyDir() string {
	return filepath.Join(p.cfg.StateDir, "keys")
}

func (p *Provider) instanceDir(id string) string {
	return filepath.Join(p.cfg.StateDir, "instances", id)
}

func (p *Provider) EnsureKeyPair(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	existing, err := findKeyPair(p.keyDir(), name)
	if err != nil {
		return false, &faults.ProviderError{Op: "ensure_key_pair", Err: err}
	}
	if existing != "" {
		return true, nil
	}
	path, err := generateKeyPair(p.keyDir(), name)
	if err != nil {
		return false, &faults.ProviderError{Op: "ensure_key_pair", Err: err}
	}
	p.logger.Info("created key pair", "key_pair", name, "path", path)
	return false, nil
}

func (p *Provider) EnsureSecurityGroup(ctx context.Context, name string, ports []int, callerIP string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := p.connection()
	if err != nil {
		return &faults.ProviderError{Op: "ensure_security_group", Transient: true, Err: err}
	}

	p.filterMu.Lock()
	defer p.filterMu.Unlock()
	resolved, err := filterName(conn, name)
	if err != nil {
		return wrap("ensure_security_group", name, err)
	}
	name = resolved
	existing, filterUUID, err := existingRules(conn, name)
	if err != nil {
		return wrap("ensure_security_group", name, err)
	}
	rules, changed := mergeRules(existing, ports, callerIP)
	if !changed && filterUUID != "" {
		return nil
	}
	desc, err := renderFilterXML(name, filterUUID, rules)
	if err != nil {
		return &faults.ProviderError{Op: "ensure_security_group", Err: err}
	}
	if err := conn.DefineFilter(desc); err != nil {
		return wrap("ensure_security_group", name, err)
	}
	p.logger.Info("security group updated", "security_group", name, "rules", len(rules), "caller_ip", callerIP)
	return nil
}

func (p *Provider) resolveImage(imageID string) string {
	if filepath.IsAbs(imageID) {
		return imageID
	}
	return filepath.Join(p.cfg.StateDir, "images", imageID)
}

func (p *Provider) CreateInstance(ctx context.Context, spec provider.InstanceSpec) (string, error) {
	const op = "create_instance"
	profile, err := ParseInstanceType(spec.InstanceType)
	if err != nil {
		return "", &faults.ProviderError{Op: op, Err: err}
	}
	conn, err := p.connection()
	if err != nil {
		return "", &faults.ProviderError{Op: op, Transient: true, Err: err}
	}

	id := uuid.NewString()
	name := spec.Name
	if name == "" {
		name = id
	}
	logger := p.logger.With("instance_id", id, "name", name)

	runDir := p.instanceDir(id)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", &faults.ProviderError{Op: op, Err: fmt.Errorf("create run directory: %w", err)}
	}
	cleanup := func() { _ = os.RemoveAll(runDir) }

	overlay := filepath.Join(runDir, "disk-overlay.qcow2")
	if err := createOverlay(ctx, p.resolveImage(spec.ImageID), overlay); err != nil {
		cleanup()
		return "", &faults.ProviderError{Op: op, Err: err}
	}

	meta := seedMetadata{InstanceID: id, LocalHostname: name}
	if spec.KeyPair != "" {
		path, err := findKeyPair(p.keyDir(), spec.KeyPair)
		if err == nil && path == "" {
			err = fmt.Errorf("key pair %q does not exist", spec.KeyPair)
		}
		if err != nil {
			cleanup()
			return "", &faults.ProviderError{Op: op, Err: err}
		}
		key, err := readAuthorizedKey(path)
		if err != nil {
			cleanup()
			return "", &faults.ProviderError{Op: op, Err: err}
		}
		meta.PublicKeys = []string{key}
	}
	seed := filepath.Join(runDir, "seed.iso")
	if err := writeSeedISO(seed, meta, spec.UserData); err != nil {
		cleanup()
		return "", &faults.ProviderError{Op: op, Err: err}
	}

	filter := spec.SecurityGroup
	if filter != "" {
		if filter, err = filterName(conn, filter); err != nil {
			cleanup()
			return "", wrap(op, id, err)
		}
	}

	mac := generateMAC(id)
	ip, err := pinAddress(conn, p.cfg.Network, mac)
	if err != nil {
		cleanup()
		return "", wrap(op, id, err)
	}

	desc, err := renderDomainXML(domainTemplateData{
		Type:    p.cfg.DomainType,
		Arch:    p.cfg.Arch.String(),
		Name:    name,
		UUID:    id,
		Tags:    sortedTags(spec.Tags),
		RAM:     profile.RAMMB,
		VCPUs:   profile.VCPUs,
		Overlay: overlay,
		Seed:    seed,
		MAC:     mac,
		Network: p.cfg.Network,
		Filter:  filter,
	})
	if err != nil {
		_ = unpinAddress(conn, p.cfg.Network, mac)
		cleanup()
		return "", &faults.ProviderError{Op: op, Err: err}
	}
	if err := os.WriteFile(filepath.Join(runDir, "domain.xml"), []byte(desc), 0o644); err != nil {
		logger.Warn("could not keep domain definition", "error", err)
	}

	if err := conn.DefineDomain(desc); err != nil {
		_ = unpinAddress(conn, p.cfg.Network, mac)
		cleanup()
		return "", wrap(op, id, err)
	}
	if err := conn.CreateDomain(id); err != nil {
		_ = conn.UndefineDomain(id)
		_ = unpinAddress(conn, p.cfg.Network, mac)
		cleanup()
		return "", wrap(op, id, err)
	}
	logger.Info("domain started", "address", ip.String(), "vcpus", profile.VCPUs, "ram_mb", profile.RAMMB)
	return id, nil
}

func (p *Provider) DescribeInstance(ctx context.Context, id string) (provider.InstanceState, error) {
	const op = "describe_instance"
	if err := ctx.Err(); err != nil {
		return provider.InstanceState{}, err
	}
	conn, err := p.connection()
	if err != nil {
		return provider.InstanceState{}, &faults.ProviderError{Op: op, Transient: true, Err: err}
	}
	domain, err := conn.LookupDomain(id)
	if err != nil {
		return provider.InstanceState{}, wrap(op, id, err)
	}
	return p.stateOf(conn, domain)
}

func (p *Provider) stateOf(conn hypervisor, domain domainState) (provider.InstanceState, error) {
	doc, err := parseDomainXML(domain.XML)
	if err != nil {
		return provider.InstanceState{}, &faults.ProviderError{Op: "describe_instance", Err: err}
	}
	state := provider.InstanceState{
		ID:     domain.UUID,
		Name:   domain.Name,
		Status: statusOf(domain.State),
		Tags:   doc.tags(),
	}
	if state.Status != StatusRunning {
		return state, nil
	}
	ip, err := leasedAddress(conn, p.cfg.Network, doc.mac(p.cfg.Network))
	if err != nil {
		return provider.InstanceState{}, wrap("describe_instance", domain.UUID, err)
	}
	if ip != nil {
		state.PublicAddr = ip.String()
		state.PrivateAddr = ip.String()
	}
	return state, nil
}

func (p *Provider) StartInstance(ctx context.Context, id string) error {
	return p.domainOp(ctx, "start_instance", id, func(conn hypervisor) error { return conn.CreateDomain(id) })
}

// StopInstance asks the guest to power off and returns once the domain is
// shut off. A guest that ignores the request is forced off after
// ShutdownTimeout.
func (p *Provider) StopInstance(ctx context.Context, id string) error {
	return p.domainOp(ctx, "stop_instance", id, func(conn hypervisor) error {
		if err := conn.ShutdownDomain(id); err != nil && !isLibvirtError(err, golibvirt.ERR_OPERATION_INVALID) {
			return err
		}
		timeout := poll.Timeout{Limit: p.cfg.ShutdownTimeout, Interval: p.cfg.ShutdownInterval}
		err := poll.Until(ctx, timeout, func(context.Context) (bool, error) {
			domain, err := conn.LookupDomain(id)
			if err != nil {
				return false, err
			}
			return statusOf(domain.State) == StatusStopped, nil
		})
		if !errors.Is(err, faults.ErrTimedOut) {
			return err
		}
		p.logger.Warn("guest ignored shutdown, forcing it off", "instance_id", id, "timeout", p.cfg.ShutdownTimeout)
		if err := conn.DestroyDomain(id); err != nil && !isLibvirtError(err, golibvirt.ERR_OPERATION_INVALID) {
			return err
		}
		return nil
	})
}

func (p *Provider) TerminateInstance(ctx context.Context, id string) error {
	return p.domainOp(ctx, "terminate_instance", id, func(conn hypervisor) error {
		domain, err := conn.LookupDomain(id)
		if err != nil {
			return err
		}
		if statusOf(domain.State) != StatusStopped {
			if err := conn.DestroyDomain(id); err != nil && !isLibvirtError(err, golibvirt.ERR_OPERATION_INVALID) {
				return err
			}
		}
		if err := conn.UndefineDomain(id); err != nil {
			return err
		}
		var errs []error
		if doc, err := parseDomainXML(domain.XML); err == nil {
			errs = append(errs, unpinAddress(conn, p.cfg.Network, doc.mac(p.cfg.Network)))
		}
		if err := os.RemoveAll(p.instanceDir(id)); err != nil {
			errs = append(errs, fmt.Errorf("remove run directory: %w", err))
		}
		if err := errors.Join(errs...); err != nil {
			p.logger.Warn("domain removed with leftovers", "instance_id", id, "error", err)
		}
		return nil
	})
}

func (p *Provider) domainOp(ctx context.Context, op, id string, fn func(hypervisor) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := p.connection()
	if err != nil {
		return &faults.ProviderError{Op: op, Transient: true, Err: err}
	}
	if err := fn(conn); err != nil {
		return wrap(op, id, err)
	}
	p.logger.Debug("domain operation done", "op", op, "instance_id", id)
	return nil
}

func (p *Provider) ListInstances(ctx context.Context, namePrefix string) ([]provider.InstanceState, error) {
	const op = "list_instances"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := p.connection()
	if err != nil {
		return nil, &faults.ProviderError{Op: op, Transient: true, Err: err}
	}
	domains, err := conn.ListDomains()
	if err != nil && len(domains) == 0 {
		return nil, wrap(op, "", err)
	}
	if err != nil {
		p.logger.Warn("some domains could not be described", "error", err)
	}

	var out []provider.InstanceState
	for _, domain := range domains {
		if !strings.HasPrefix(domain.Name, namePrefix) {
			continue
		}
		state, err := p.stateOf(conn, domain)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	slices.SortFunc(out, func(a, b provider.InstanceState) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}
