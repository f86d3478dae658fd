package provider

import (
	"context"
	"log/slog"
)

// StatusSet names the backend specific status strings the host manager
// compares against. Any other status is treated as transitional.
type StatusSet struct {
	Running string
	Stopped string
	Error   string
}

// InstanceSpec describes an instance to create.
type InstanceSpec struct {
	Name          string
	ImageID       string
	InstanceType  string
	KeyPair       string
	SecurityGroup string
	Tags          map[string]string
	UserData      []byte
}

// InstanceState is the provider view of an instance.
type InstanceState struct {
	ID          string
	Name        string
	Status      string
	PublicAddr  string
	PrivateAddr string
	Tags        map[string]string
}

// Provider is the capability surface the host lifecycle needs from a compute
// backend. Failures are reported as *faults.ProviderError; a describe of an
// unknown instance matches faults.ErrInstanceNotFound.
type Provider interface {
	Name() string
	Statuses() StatusSet

	Authenticate(ctx context.Context) error
	// EnsureKeyPair creates the key pair unless one with the same name,
	// compared case-insensitively, already exists. It reports reuse.
	EnsureKeyPair(ctx context.Context, name string) (bool, error)
	EnsureSecurityGroup(ctx context.Context, name string, ports []int, callerIP string) error

	CreateInstance(ctx context.Context, spec InstanceSpec) (string, error)
	DescribeInstance(ctx context.Context, id string) (InstanceState, error)
	StartInstance(ctx context.Context, id string) error
	StopInstance(ctx context.Context, id string) error
	TerminateInstance(ctx context.Context, id string) error
}

// Lister is implemented by providers that can enumerate their instances.
type Lister interface {
	ListInstances(ctx context.Context, namePrefix string) ([]InstanceState, error)
}

// Options carries what a Constructor needs to build a provider.
type Options struct {
	Region   string
	ClientID string
	SecretID string
	// Settings holds backend specific keys such as a connection URI.
	Settings map[string]string
	Logger   *slog.Logger
}

// Setting returns a backend specific setting or fallback when unset.
func (o Options) Setting(key, fallback string) string {
	if value, ok := o.Settings[key]; ok && value != "" {
		return value
	}
	return fallback
}

// Constructor builds a provider from options.
type Constructor func(Options) (Provider, error)
