// Package memory implements an in-process compute backend. Instances exist
// only in memory and report scripted status sequences; every operation can
// be made to fail. It backs the tests and dry runs against a local emulator.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cochaviz/accelhost/internal/faults"
	"github.com/cochaviz/accelhost/internal/logging"
	"github.com/cochaviz/accelhost/internal/provider"
)

const Name = "memory"

const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusError   = "error"
)

var _ provider.Provider = (*Provider)(nil)
var _ provider.Lister = (*Provider)(nil)

// SecurityGroup records what EnsureSecurityGroup was asked to allow. Name
// keeps the spelling the group was created with.
type SecurityGroup struct {
	Name     string
	Ports    []int
	CallerIP string
}

type instance struct {
	state    provider.InstanceState
	sequence []string
}

// Provider is a configurable fake backend. Exported fields may be set before
// use; they are read under the provider lock.
type Provider struct {
	// PublicAddr and PrivateAddr are reported for every instance once running.
	PublicAddr  string
	PrivateAddr string
	// BootSequence is replayed by successive describes after a create or
	// start; the last entry sticks. Defaults to a single running status.
	BootSequence []string

	AuthErr          error
	KeyPairErr       error
	SecurityGroupErr error
	CreateErr        error
	DescribeErr      error
	StartErr         error
	StopErr          error
	TerminateErr     error

	logger *slog.Logger

	mu        sync.Mutex
	keyPairs  map[string]string
	groups    map[string]SecurityGroup
	instances map[string]*instance
	calls     []string
}

// New returns an empty backend.
func New(logger *slog.Logger) *Provider {
	return &Provider{
		logger:    logging.Ensure(logger).With("component", "provider.memory"),
		keyPairs:  map[string]string{},
		groups:    map[string]SecurityGroup{},
		instances: map[string]*instance{},
	}
}

// Constructor adapts New to the provider registry. The "address" and
// "private_address" settings set the reported instance addresses.
func Constructor(opts provider.Options) (provider.Provider, error) {
	p := New(opts.Logger)
	p.PublicAddr = opts.Setting("address", "")
	p.PrivateAddr = opts.Setting("private_address", "")
	return p, nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Statuses() provider.StatusSet {
	return provider.StatusSet{Running: StatusRunning, Stopped: StatusStopped, Error: StatusError}
}

func (p *Provider) Authenticate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("authenticate")
	if p.AuthErr != nil {
		return p.AuthErr
	}
	return ctx.Err()
}

func (p *Provider) EnsureKeyPair(ctx context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("ensure_key_pair")
	if p.KeyPairErr != nil {
		return false, wrap("ensure_key_pair", p.KeyPairErr)
	}
	key := strings.ToLower(name)
	if _, ok := p.keyPairs[key]; ok {
		return true, nil
	}
	p.keyPairs[key] = name
	return false, ctx.Err()
}

func (p *Provider) EnsureSecurityGroup(ctx context.Context, name string, ports []int, callerIP string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("ensure_security_group")
	if p.SecurityGroupErr != nil {
		return wrap("ensure_security_group", p.SecurityGroupErr)
	}
	key := strings.ToLower(name)
	group, ok := p.groups[key]
	if !ok {
		group.Name = name
	}
	for _, port := range ports {
		if !slices.Contains(group.Ports, port) {
			group.Ports = append(group.Ports, port)
		}
	}
	if callerIP != "" {
		group.CallerIP = callerIP
	}
	p.groups[key] = group
	return ctx.Err()
}

func (p *Provider) CreateInstance(ctx context.Context, spec provider.InstanceSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("create_instance")
	if p.CreateErr != nil {
		return "", wrap("create_instance", p.CreateErr)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := "mem-" + uuid.NewString()[:8]
	name := spec.Name
	if name == "" {
		name = id
	}
	p.instances[id] = &instance{
		state: provider.InstanceState{
			ID:     id,
			Name:   name,
			Status: StatusPending,
			Tags:   cloneTags(spec.Tags),
		},
		sequence: p.bootSequence(),
	}
	p.logger.Debug("created instance", "instance_id", id, "name", name)
	return id, nil
}

func (p *Provider) DescribeInstance(ctx context.Context, id string) (provider.InstanceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("describe_instance")
	if p.DescribeErr != nil {
		return provider.InstanceState{}, wrap("describe_instance", p.DescribeErr)
	}
	inst, ok := p.instances[id]
	if !ok {
		return provider.InstanceState{}, wrap("describe_instance", fmt.Errorf("%s: %w", id, faults.ErrInstanceNotFound))
	}
	if len(inst.sequence) > 0 {
		inst.state.Status = inst.sequence[0]
		inst.sequence = inst.sequence[1:]
	}
	if inst.state.Status == StatusRunning {
		inst.state.PublicAddr = p.PublicAddr
		inst.state.PrivateAddr = p.PrivateAddr
	}
	return cloneState(inst.state), ctx.Err()
}

func (p *Provider) StartInstance(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("start_instance")
	if p.StartErr != nil {
		return wrap("start_instance", p.StartErr)
	}
	inst, ok := p.instances[id]
	if !ok {
		return wrap("start_instance", fmt.Errorf("%s: %w", id, faults.ErrInstanceNotFound))
	}
	inst.state.Status = StatusPending
	inst.sequence = p.bootSequence()
	return ctx.Err()
}

func (p *Provider) StopInstance(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("stop_instance")
	if p.StopErr != nil {
		return wrap("stop_instance", p.StopErr)
	}
	inst, ok := p.instances[id]
	if !ok {
		return wrap("stop_instance", fmt.Errorf("%s: %w", id, faults.ErrInstanceNotFound))
	}
	inst.state.Status = StatusStopped
	inst.state.PublicAddr = ""
	inst.state.PrivateAddr = ""
	inst.sequence = nil
	return ctx.Err()
}

func (p *Provider) TerminateInstance(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("terminate_instance")
	if p.TerminateErr != nil {
		return wrap("terminate_instance", p.TerminateErr)
	}
	if _, ok := p.instances[id]; !ok {
		return wrap("terminate_instance", fmt.Errorf("%s: %w", id, faults.ErrInstanceNotFound))
	}
	delete(p.instances, id)
	p.logger.Debug("terminated instance", "instance_id", id)
	return ctx.Err()
}

func (p *Provider) ListInstances(ctx context.Context, namePrefix string) ([]provider.InstanceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("list_instances")
	var out []provider.InstanceState
	for _, inst := range p.instances {
		if strings.HasPrefix(inst.state.Name, namePrefix) {
			out = append(out, cloneState(inst.state))
		}
	}
	slices.SortFunc(out, func(a, b provider.InstanceState) int { return strings.Compare(a.ID, b.ID) })
	return out, ctx.Err()
}

// Seed registers an existing instance, as if created outside this process.
func (p *Provider) Seed(state provider.InstanceState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state.Name == "" {
		state.Name = state.ID
	}
	p.instances[state.ID] = &instance{state: cloneState(state)}
}

// SetSequence replaces the statuses the next describes of id will report.
func (p *Provider) SetSequence(id string, statuses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.instances[id]; ok {
		inst.sequence = append([]string(nil), statuses...)
	}
}

// AddKeyPair registers a key pair as already existing.
func (p *Provider) AddKeyPair(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyPairs[strings.ToLower(name)] = name
}

// Group returns the recorded security group, matching name in any case.
func (p *Provider) Group(name string) (SecurityGroup, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	group, ok := p.groups[strings.ToLower(name)]
	return group, ok
}

// Groups returns how many security groups exist.
func (p *Provider) Groups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.groups)
}

// Exists reports whether id is a live instance.
func (p *Provider) Exists(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.instances[id]
	return ok
}

// Calls returns the operations invoked so far, in order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// CallCount returns how often op was invoked.
func (p *Provider) CallCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, call := range p.calls {
		if call == op {
			n++
		}
	}
	return n
}

func (p *Provider) record(op string) {
	p.calls = append(p.calls, op)
}

func (p *Provider) bootSequence() []string {
	if len(p.BootSequence) == 0 {
		return []string{StatusRunning}
	}
	return append([]string(nil), p.BootSequence...)
}

func wrap(op string, err error) error {
	var perr *faults.ProviderError
	if errors.As(err, &perr) {
		return err
	}
	var aerr *faults.AuthenticationError
	if errors.As(err, &aerr) {
		return err
	}
	return &faults.ProviderError{Op: op, Err: err}
}

func cloneState(state provider.InstanceState) provider.InstanceState {
	state.Tags = cloneTags(state.Tags)
	return state
}

func cloneTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
