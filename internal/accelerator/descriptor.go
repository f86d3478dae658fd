package accelerator

import (
	"context"
	"fmt"
	"strings"

	"github.com/cochaviz/accelhost/internal/faults"
	"github.com/cochaviz/accelhost/internal/host"
	"github.com/cochaviz/accelhost/internal/provider"
)

// HostDescriptor identifies an existing instance without taking ownership
// of it.
type HostDescriptor struct {
	Provider    string
	InstanceID  string
	Name        string
	Status      string
	PublicAddr  string
	PrivateAddr string
}

func (d HostDescriptor) String() string {
	return fmt.Sprintf("%s/%s (%s, %s)", d.Provider, d.InstanceID, d.Name, d.Status)
}

// Descriptors lists the instances of p whose name starts with prefix.
func Descriptors(ctx context.Context, p provider.Provider, prefix string) ([]HostDescriptor, error) {
	lister, ok := p.(provider.Lister)
	if !ok {
		return nil, faults.Configurationf("provider %s cannot list instances", p.Name())
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = host.DefaultNamePrefix
	}
	states, err := lister.ListInstances(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s instances: %w", p.Name(), err)
	}
	out := make([]HostDescriptor, 0, len(states))
	for _, st := range states {
		out = append(out, HostDescriptor{
			Provider:    p.Name(),
			InstanceID:  st.ID,
			Name:        st.Name,
			Status:      st.Status,
			PublicAddr:  st.PublicAddr,
			PrivateAddr: st.PrivateAddr,
		})
	}
	return out, nil
}

// Materialize builds an accelerator attached to the described instance.
// The stop mode is Keep so that releasing it leaves the instance running.
func (d HostDescriptor) Materialize(base Config) (*Accelerator, error) {
	if d.InstanceID == "" {
		return nil, faults.Configurationf("descriptor has no instance id")
	}
	cfg := base
	cfg.Host.InstanceID = d.InstanceID
	cfg.Host.Endpoint = ""
	cfg.Host.StopMode = host.StopKeep
	return New(cfg)
}
