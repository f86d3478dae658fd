package libvirt

import (
	"errors"
	"fmt"

	golibvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/accelhost/internal/faults"
)

// domainState is the subset of a libvirt domain the provider reads.
type domainState struct {
	UUID  string
	Name  string
	State golibvirt.DomainState
	XML   string
}

// hypervisor is the part of a libvirt connection the provider uses. The
// production implementation wraps *golibvirt.Connect; tests swap in a fake.
type hypervisor interface {
	Alive() error

	FilterNames() ([]string, error)
	FilterXML(name string) (string, error)
	DefineFilter(xml string) error

	DefineDomain(xml string) error
	LookupDomain(uuid string) (domainState, error)
	ListDomains() ([]domainState, error)
	CreateDomain(uuid string) error
	ShutdownDomain(uuid string) error
	DestroyDomain(uuid string) error
	UndefineDomain(uuid string) error

	NetworkXML(name string) (string, error)
	NetworkLeases(name string) ([]golibvirt.NetworkDHCPLease, error)
	UpdateDHCPHost(network string, cmd golibvirt.NetworkUpdateCommand, xml string) error

	Close() error
}

type connection struct {
	conn *golibvirt.Connect
}

var _ hypervisor = (*connection)(nil)

func dial(uri string) (hypervisor, error) {
	conn, err := golibvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("open libvirt connection %s: %w", uri, err)
	}
	return &connection{conn: conn}, nil
}

func (c *connection) Alive() error {
	alive, err := c.conn.IsAlive()
	if err != nil {
		return err
	}
	if !alive {
		return errors.New("libvirt connection is not alive")
	}
	return nil
}

func (c *connection) FilterNames() ([]string, error) {
	filters, err := c.conn.ListAllNWFilters(0)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(filters))
	var errs []error
	for i := range filters {
		name, err := filters[i].GetName()
		if err != nil {
			errs = append(errs, err)
		} else {
			names = append(names, name)
		}
		_ = filters[i].Free()
	}
	return names, errors.Join(errs...)
}

func (c *connection) FilterXML(name string) (string, error) {
	filter, err := c.conn.LookupNWFilterByName(name)
	if err != nil {
		return "", err
	}
	defer filter.Free()
	return filter.GetXMLDesc(0)
}

func (c *connection) DefineFilter(xml string) error {
	filter, err := c.conn.NWFilterDefineXML(xml)
	if err != nil {
		return err
	}
	return filter.Free()
}

func (c *connection) DefineDomain(xml string) error {
	domain, err := c.conn.DomainDefineXML(xml)
	if err != nil {
		return err
	}
	return domain.Free()
}

func (c *connection) withDomain(uuid string, fn func(*golibvirt.Domain) error) error {
	domain, err := c.conn.LookupDomainByUUIDString(uuid)
	if err != nil {
		return err
	}
	defer domain.Free()
	return fn(domain)
}

func (c *connection) LookupDomain(uuid string) (domainState, error) {
	var out domainState
	err := c.withDomain(uuid, func(d *golibvirt.Domain) error {
		var err error
		out, err = describe(d)
		return err
	})
	return out, err
}

func (c *connection) ListDomains() ([]domainState, error) {
	domains, err := c.conn.ListAllDomains(0)
	if err != nil {
		return nil, err
	}
	out := make([]domainState, 0, len(domains))
	var errs []error
	for i := range domains {
		state, err := describe(&domains[i])
		if err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, state)
		}
		_ = domains[i].Free()
	}
	return out, errors.Join(errs...)
}

func describe(d *golibvirt.Domain) (domainState, error) {
	uuid, err := d.GetUUIDString()
	if err != nil {
		return domainState{}, err
	}
	name, err := d.GetName()
	if err != nil {
		return domainState{}, err
	}
	state, _, err := d.GetState()
	if err != nil {
		return domainState{}, err
	}
	xml, err := d.GetXMLDesc(0)
	if err != nil {
		return domainState{}, err
	}
	return domainState{UUID: uuid, Name: name, State: state, XML: xml}, nil
}

func (c *connection) CreateDomain(uuid string) error {
	return c.withDomain(uuid, func(d *golibvirt.Domain) error { return d.Create() })
}

func (c *connection) ShutdownDomain(uuid string) error {
	return c.withDomain(uuid, func(d *golibvirt.Domain) error { return d.Shutdown() })
}

func (c *connection) DestroyDomain(uuid string) error {
	return c.withDomain(uuid, func(d *golibvirt.Domain) error { return d.Destroy() })
}

func (c *connection) UndefineDomain(uuid string) error {
	return c.withDomain(uuid, func(d *golibvirt.Domain) error {
		return d.UndefineFlags(golibvirt.DOMAIN_UNDEFINE_NVRAM | golibvirt.DOMAIN_UNDEFINE_MANAGED_SAVE)
	})
}

func (c *connection) withNetwork(name string, fn func(*golibvirt.Network) error) error {
	network, err := c.conn.LookupNetworkByName(name)
	if err != nil {
		return fmt.Errorf("lookup network %s: %w", name, err)
	}
	defer network.Free()
	return fn(network)
}

func (c *connection) NetworkXML(name string) (string, error) {
	var xml string
	err := c.withNetwork(name, func(n *golibvirt.Network) error {
		var err error
		xml, err = n.GetXMLDesc(0)
		return err
	})
	return xml, err
}

func (c *connection) NetworkLeases(name string) ([]golibvirt.NetworkDHCPLease, error) {
	var leases []golibvirt.NetworkDHCPLease
	err := c.withNetwork(name, func(n *golibvirt.Network) error {
		var err error
		leases, err = n.GetDHCPLeases()
		return err
	})
	return leases, err
}

func (c *connection) UpdateDHCPHost(network string, cmd golibvirt.NetworkUpdateCommand, xml string) error {
	flags := golibvirt.NETWORK_UPDATE_AFFECT_LIVE | golibvirt.NETWORK_UPDATE_AFFECT_CONFIG
	return c.withNetwork(network, func(n *golibvirt.Network) error {
		return n.Update(cmd, golibvirt.NETWORK_SECTION_IP_DHCP_HOST, -1, xml, flags)
	})
}

func (c *connection) Close() error {
	_, err := c.conn.Close()
	return err
}

func isLibvirtError(err error, codes ...golibvirt.ErrorNumber) bool {
	var lerr golibvirt.Error
	if !errors.As(err, &lerr) {
		return false
	}
	for _, code := range codes {
		if lerr.Code == code {
			return true
		}
	}
	return false
}

// wrap turns a libvirt failure into a ProviderError. Unknown domains match
// faults.ErrInstanceNotFound; connection level failures are transient.
func wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if isLibvirtError(err, golibvirt.ERR_NO_DOMAIN) {
		err = fmt.Errorf("%s: %w", id, faults.ErrInstanceNotFound)
	}
	transient := isLibvirtError(err,
		golibvirt.ERR_NO_CONNECT,
		golibvirt.ERR_RPC,
		golibvirt.ERR_OPERATION_TIMEOUT,
		golibvirt.ERR_AGENT_UNRESPONSIVE,
	)
	return &faults.ProviderError{Op: op, Transient: transient, Err: err}
}
