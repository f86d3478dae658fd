package libvirt

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	golibvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/accelhost/internal/faults"
	"github.com/cochaviz/accelhost/internal/logging"
	"github.com/cochaviz/accelhost/internal/provider"
)

type fakeHypervisor struct {
	mu       sync.Mutex
	filters  map[string]string
	defines  int
	domains  map[string]*domainState
	pinned   map[string]string
	leases   []golibvirt.NetworkDHCPLease
	aliveErr error
	closed   int
	// ignoreShutdown leaves a domain running on a shutdown request.
	ignoreShutdown bool
	destroys       int
}

var _ hypervisor = (*fakeHypervisor)(nil)

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{
		filters: map[string]string{},
		domains: map[string]*domainState{},
		pinned:  map[string]string{},
	}
}

func notFound(code golibvirt.ErrorNumber) error {
	return golibvirt.Error{Code: code, Message: "not found"}
}

func (f *fakeHypervisor) Alive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aliveErr
}

func (f *fakeHypervisor) FilterNames() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.filters))
	for name := range f.filters {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeHypervisor) FilterXML(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	desc, ok := f.filters[name]
	if !ok {
		return "", notFound(golibvirt.ERR_NO_NWFILTER)
	}
	return desc, nil
}

func (f *fakeHypervisor) DefineFilter(desc string) error {
	var doc nwfilter
	if err := xml.Unmarshal([]byte(desc), &doc); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defines++
	if doc.UUID == "" {
		doc.UUID = fmt.Sprintf("filter-%d", f.defines)
		out, _ := xml.Marshal(doc)
		desc = string(out)
	}
	f.filters[doc.Name] = desc
	return nil
}

func (f *fakeHypervisor) DefineDomain(desc string) error {
	var doc struct {
		Name string `xml:"name"`
		UUID string `xml:"uuid"`
	}
	if err := xml.Unmarshal([]byte(desc), &doc); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains[doc.UUID] = &domainState{UUID: doc.UUID, Name: doc.Name, State: golibvirt.DOMAIN_SHUTOFF, XML: desc}
	return nil
}

func (f *fakeHypervisor) domain(uuid string) (*domainState, error) {
	d, ok := f.domains[uuid]
	if !ok {
		return nil, notFound(golibvirt.ERR_NO_DOMAIN)
	}
	return d, nil
}

func (f *fakeHypervisor) LookupDomain(uuid string) (domainState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.domain(uuid)
	if err != nil {
		return domainState{}, err
	}
	return *d, nil
}

func (f *fakeHypervisor) ListDomains() ([]domainState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domainState, 0, len(f.domains))
	for _, d := range f.domains {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeHypervisor) setState(uuid string, state golibvirt.DomainState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.domain(uuid)
	if err != nil {
		return err
	}
	d.State = state
	return nil
}

func (f *fakeHypervisor) CreateDomain(uuid string) error {
	return f.setState(uuid, golibvirt.DOMAIN_RUNNING)
}

func (f *fakeHypervisor) ShutdownDomain(uuid string) error {
	f.mu.Lock()
	ignore := f.ignoreShutdown
	f.mu.Unlock()
	if ignore {
		_, err := f.LookupDomain(uuid)
		return err
	}
	return f.setState(uuid, golibvirt.DOMAIN_SHUTOFF)
}

func (f *fakeHypervisor) DestroyDomain(uuid string) error {
	f.mu.Lock()
	f.destroys++
	f.mu.Unlock()
	return f.setState(uuid, golibvirt.DOMAIN_SHUTOFF)
}

func (f *fakeHypervisor) UndefineDomain(uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.domain(uuid); err != nil {
		return err
	}
	delete(f.domains, uuid)
	return nil
}

func (f *fakeHypervisor) NetworkXML(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hosts strings.Builder
	for mac, ip := range f.pinned {
		fmt.Fprintf(&hosts, "<host mac='%s' ip='%s'/>", mac, ip)
	}
	return fmt.Sprintf(`<network><name>%s</name><ip address='10.0.0.1' netmask='255.255.255.0'><dhcp><range start='10.0.0.2' end='10.0.0.9'/>%s</dhcp></ip></network>`, name, hosts.String()), nil
}

func (f *fakeHypervisor) NetworkLeases(string) ([]golibvirt.NetworkDHCPLease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]golibvirt.NetworkDHCPLease(nil), f.leases...), nil
}

var hostAttr = regexp.MustCompile(`(mac|ip)='([^']*)'`)

func (f *fakeHypervisor) UpdateDHCPHost(_ string, cmd golibvirt.NetworkUpdateCommand, desc string) error {
	attrs := map[string]string{}
	for _, m := range hostAttr.FindAllStringSubmatch(desc, -1) {
		attrs[m[1]] = m[2]
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch cmd {
	case golibvirt.NETWORK_UPDATE_COMMAND_ADD_LAST:
		f.pinned[attrs["mac"]] = attrs["ip"]
	case golibvirt.NETWORK_UPDATE_COMMAND_DELETE:
		if _, ok := f.pinned[attrs["mac"]]; !ok {
			return golibvirt.Error{Code: golibvirt.ERR_OPERATION_INVALID}
		}
		delete(f.pinned, attrs["mac"])
	}
	return nil
}

func (f *fakeHypervisor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// lease hands out the pinned address of every domain as a live lease.
func (f *fakeHypervisor) lease() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leases = nil
	for mac, ip := range f.pinned {
		f.leases = append(f.leases, golibvirt.NetworkDHCPLease{Mac: mac, IPaddr: ip})
	}
}

func newTestProvider(t *testing.T) (*Provider, *fakeHypervisor) {
	t.Helper()
	fake := newFakeHypervisor()
	p := New(Config{
		StateDir:         t.TempDir(),
		ShutdownTimeout:  50 * time.Millisecond,
		ShutdownInterval: time.Millisecond,
		Logger:           logging.Discard(),
	})
	p.dial = func(string) (hypervisor, error) { return fake, nil }

	original := createOverlay
	createOverlay = func(_ context.Context, base, overlay string) error {
		return os.WriteFile(overlay, []byte("overlay of "+base), 0o644)
	}
	t.Cleanup(func() { createOverlay = original })
	return p, fake
}

func TestInstanceLifecycle(t *testing.T) {
	p, fake := newTestProvider(t)
	ctx := context.Background()

	if err := p.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate unexpected error: %v", err)
	}
	if reused, err := p.EnsureKeyPair(ctx, "AccelizeLibvirtKeyPair"); err != nil || reused {
		t.Fatalf("first EnsureKeyPair = %v, %v", reused, err)
	}
	if reused, err := p.EnsureKeyPair(ctx, "accelizelibvirtkeypair"); err != nil || !reused {
		t.Fatalf("key pair lookup must ignore case, got %v, %v", reused, err)
	}
	if err := p.EnsureSecurityGroup(ctx, "AccelizeSecurityGroup", []int{22, 80}, "192.0.2.7"); err != nil {
		t.Fatalf("EnsureSecurityGroup unexpected error: %v", err)
	}

	id, err := p.CreateInstance(ctx, provider.InstanceSpec{
		Name:          "accelize-test",
		ImageID:       "base.qcow2",
		InstanceType:  "small",
		KeyPair:       "AccelizeLibvirtKeyPair",
		SecurityGroup: "AccelizeSecurityGroup",
		Tags:          map[string]string{"generated-by": "accelize", "note": "a<b"},
		UserData:      []byte("#cloud-config\n"),
	})
	if err != nil {
		t.Fatalf("CreateInstance unexpected error: %v", err)
	}

	runDir := filepath.Join(p.cfg.StateDir, "instances", id)
	for _, name := range []string{"disk-overlay.qcow2", "seed.iso", "domain.xml"} {
		info, err := os.Stat(filepath.Join(runDir, name))
		if err != nil || info.Size() == 0 {
			t.Fatalf("expected %s in run directory: %v", name, err)
		}
	}
	overlay, _ := os.ReadFile(filepath.Join(runDir, "disk-overlay.qcow2"))
	if want := filepath.Join(p.cfg.StateDir, "images", "base.qcow2"); !strings.HasSuffix(string(overlay), want) {
		t.Fatalf("overlay must be backed by the image under the state dir, got %q", overlay)
	}

	state, err := p.DescribeInstance(ctx, id)
	if err != nil {
		t.Fatalf("DescribeInstance unexpected error: %v", err)
	}
	if state.Status != StatusRunning || state.PublicAddr != "" {
		t.Fatalf("expected a running domain without lease, got %+v", state)
	}
	if state.Name != "accelize-test" || state.Tags["note"] != "a<b" {
		t.Fatalf("unexpected name or tags %+v", state)
	}

	fake.lease()
	state, err = p.DescribeInstance(ctx, id)
	if err != nil {
		t.Fatalf("DescribeInstance unexpected error: %v", err)
	}
	if net.ParseIP(state.PublicAddr) == nil || state.PublicAddr != state.PrivateAddr {
		t.Fatalf("expected the leased address, got %+v", state)
	}

	if err := p.StopInstance(ctx, id); err != nil {
		t.Fatalf("StopInstance unexpected error: %v", err)
	}
	if state, _ := p.DescribeInstance(ctx, id); state.Status != StatusStopped || state.PublicAddr != "" {
		t.Fatalf("expected a stopped domain, got %+v", state)
	}
	if err := p.StartInstance(ctx, id); err != nil {
		t.Fatalf("StartInstance unexpected error: %v", err)
	}

	if err := p.TerminateInstance(ctx, id); err != nil {
		t.Fatalf("TerminateInstance unexpected error: %v", err)
	}
	if _, err := os.Stat(runDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("run directory must be removed, got %v", err)
	}
	if len(fake.pinned) != 0 {
		t.Fatalf("address reservation must be released, got %v", fake.pinned)
	}

	_, err = p.DescribeInstance(ctx, id)
	if !errors.Is(err, faults.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
	var perr *faults.ProviderError
	if !errors.As(err, &perr) || perr.Op != "describe_instance" {
		t.Fatalf("expected a describe ProviderError, got %v", err)
	}
}

func TestCreateInstanceFailures(t *testing.T) {
	p, fake := newTestProvider(t)
	ctx := context.Background()

	_, err := p.CreateInstance(ctx, provider.InstanceSpec{ImageID: "base.qcow2", InstanceType: "huge"})
	var perr *faults.ProviderError
	if !errors.As(err, &perr) || !strings.Contains(err.Error(), "unknown instance type") {
		t.Fatalf("expected instance type error, got %v", err)
	}

	_, err = p.CreateInstance(ctx, provider.InstanceSpec{ImageID: "base.qcow2", InstanceType: "small", KeyPair: "missing"})
	if !errors.As(err, &perr) || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected missing key pair error, got %v", err)
	}

	createOverlay = func(context.Context, string, string) error { return errors.New("no backing file") }
	_, err = p.CreateInstance(ctx, provider.InstanceSpec{ImageID: "base.qcow2", InstanceType: "small"})
	if !errors.As(err, &perr) {
		t.Fatalf("expected overlay ProviderError, got %v", err)
	}

	entries, _ := os.ReadDir(filepath.Join(p.cfg.StateDir, "instances"))
	if len(entries) != 0 || len(fake.domains) != 0 || len(fake.pinned) != 0 {
		t.Fatalf("failed creates must leave nothing behind, got %d dirs, %d domains, %d pins", len(entries), len(fake.domains), len(fake.pinned))
	}
}

func TestAuthenticateFailure(t *testing.T) {
	p := New(Config{
		StateDir:         t.TempDir(),
		ShutdownTimeout:  50 * time.Millisecond,
		ShutdownInterval: time.Millisecond,
		Logger:           logging.Discard(),
	})
	p.dial = func(uri string) (hypervisor, error) { return nil, fmt.Errorf("cannot reach %s", uri) }

	err := p.Authenticate(context.Background())
	var aerr *faults.AuthenticationError
	if !errors.As(err, &aerr) || aerr.Service != Name {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
}

func TestReconnectWhenConnectionDies(t *testing.T) {
	p, fake := newTestProvider(t)
	dials := 0
	p.dial = func(string) (hypervisor, error) {
		dials++
		return fake, nil
	}
	if err := p.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate unexpected error: %v", err)
	}
	fake.aliveErr = errors.New("connection reset")
	if _, err := p.connection(); err != nil {
		t.Fatalf("connection unexpected error: %v", err)
	}
	if dials != 2 || fake.closed != 1 {
		t.Fatalf("expected a redial after a dead connection, got %d dials and %d closes", dials, fake.closed)
	}
}

func TestSecurityGroupMerge(t *testing.T) {
	p, fake := newTestProvider(t)
	ctx := context.Background()

	if err := p.EnsureSecurityGroup(ctx, "sg", []int{22, 80}, "192.0.2.1"); err != nil {
		t.Fatalf("EnsureSecurityGroup unexpected error: %v", err)
	}
	if err := p.EnsureSecurityGroup(ctx, "sg", []int{80, 22}, "192.0.2.1"); err != nil {
		t.Fatalf("EnsureSecurityGroup unexpected error: %v", err)
	}
	if fake.defines != 1 {
		t.Fatalf("an unchanged group must not be redefined, got %d defines", fake.defines)
	}
	if err := p.EnsureSecurityGroup(ctx, "sg", []int{443}, "198.51.100.2"); err != nil {
		t.Fatalf("EnsureSecurityGroup unexpected error: %v", err)
	}

	rules, uuid, err := existingRules(fake, "sg")
	if err != nil {
		t.Fatalf("existingRules unexpected error: %v", err)
	}
	want := []filterRule{{22, "192.0.2.1"}, {80, "192.0.2.1"}, {443, "198.51.100.2"}}
	if fmt.Sprint(rules) != fmt.Sprint(want) {
		t.Fatalf("rules = %v, want %v", rules, want)
	}
	if uuid != "filter-1" {
		t.Fatalf("redefinition must keep the filter uuid, got %q", uuid)
	}
}

func TestSecurityGroupMatchesExistingFilterInAnyCase(t *testing.T) {
	p, fake := newTestProvider(t)
	ctx := context.Background()

	if err := p.EnsureSecurityGroup(ctx, "AccelizeSecurityGroup", []int{22}, "192.0.2.1"); err != nil {
		t.Fatalf("EnsureSecurityGroup unexpected error: %v", err)
	}
	if err := p.EnsureSecurityGroup(ctx, "accelizesecuritygroup", []int{80}, "192.0.2.1"); err != nil {
		t.Fatalf("EnsureSecurityGroup unexpected error: %v", err)
	}
	if len(fake.filters) != 1 {
		t.Fatalf("expected one filter, got %d", len(fake.filters))
	}
	rules, _, err := existingRules(fake, "AccelizeSecurityGroup")
	if err != nil {
		t.Fatalf("existingRules unexpected error: %v", err)
	}
	if want := []filterRule{{22, "192.0.2.1"}, {80, "192.0.2.1"}}; fmt.Sprint(rules) != fmt.Sprint(want) {
		t.Fatalf("rules = %v, want %v", rules, want)
	}

	id, err := p.CreateInstance(ctx, provider.InstanceSpec{
		ImageID:       "base.qcow2",
		InstanceType:  "small",
		SecurityGroup: "ACCELIZESECURITYGROUP",
	})
	if err != nil {
		t.Fatalf("CreateInstance unexpected error: %v", err)
	}
	domain, _ := fake.LookupDomain(id)
	if !strings.Contains(domain.XML, "<filterref filter='AccelizeSecurityGroup'/>") {
		t.Fatalf("domain must reference the existing filter:\n%s", domain.XML)
	}
}

func TestStopInstanceWaitsForShutoff(t *testing.T) {
	p, fake := newTestProvider(t)
	ctx := context.Background()

	id, err := p.CreateInstance(ctx, provider.InstanceSpec{ImageID: "base.qcow2", InstanceType: "small"})
	if err != nil {
		t.Fatalf("CreateInstance unexpected error: %v", err)
	}
	fake.ignoreShutdown = true
	if err := p.StopInstance(ctx, id); err != nil {
		t.Fatalf("StopInstance unexpected error: %v", err)
	}
	if fake.destroys != 1 {
		t.Fatalf("a guest ignoring shutdown must be forced off, got %d destroys", fake.destroys)
	}
	state, err := p.DescribeInstance(ctx, id)
	if err != nil || state.Status != StatusStopped {
		t.Fatalf("expected a stopped domain right after StopInstance, got %+v, %v", state, err)
	}
}

func TestListInstances(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()
	for _, name := range []string{"accelize-b", "other", "accelize-a"} {
		if _, err := p.CreateInstance(ctx, provider.InstanceSpec{Name: name, ImageID: "/images/base.qcow2", InstanceType: "2x1024"}); err != nil {
			t.Fatalf("CreateInstance unexpected error: %v", err)
		}
	}
	states, err := p.ListInstances(ctx, "accelize")
	if err != nil {
		t.Fatalf("ListInstances unexpected error: %v", err)
	}
	if len(states) != 2 || states[0].Name != "accelize-a" || states[1].Name != "accelize-b" {
		t.Fatalf("unexpected instances %+v", states)
	}
}

func TestParseInstanceType(t *testing.T) {
	cases := []struct {
		in   string
		want Profile
		ok   bool
	}{
		{"small", Profiles["small"], true},
		{" Large ", Profiles["large"], true},
		{"4x4096", Profile{VCPUs: 4, RAMMB: 4096}, true},
		{"0x4096", Profile{}, false},
		{"4x64", Profile{}, false},
		{"f1.2xlarge", Profile{}, false},
	}
	for _, tc := range cases {
		got, err := ParseInstanceType(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("ParseInstanceType(%q) = %+v, %v", tc.in, got, err)
		}
	}
}

func TestStatusOf(t *testing.T) {
	cases := map[golibvirt.DomainState]string{
		golibvirt.DOMAIN_RUNNING:  StatusRunning,
		golibvirt.DOMAIN_BLOCKED:  StatusRunning,
		golibvirt.DOMAIN_SHUTOFF:  StatusStopped,
		golibvirt.DOMAIN_CRASHED:  StatusError,
		golibvirt.DOMAIN_SHUTDOWN: StatusStopping,
		golibvirt.DOMAIN_PAUSED:   StatusPending,
	}
	for state, want := range cases {
		if got := statusOf(state); got != want {
			t.Errorf("statusOf(%d) = %s, want %s", state, got, want)
		}
	}
}

func TestPinAddressSkipsUsed(t *testing.T) {
	fake := newFakeHypervisor()
	fake.pinned["52:54:00:00:00:01"] = "10.0.0.2"
	fake.leases = []golibvirt.NetworkDHCPLease{{Mac: "52:54:00:00:00:02", IPaddr: "10.0.0.3"}}

	ip, err := pinAddress(fake, "default", "52:54:00:00:00:03")
	if err != nil {
		t.Fatalf("pinAddress unexpected error: %v", err)
	}
	if ip.String() != "10.0.0.4" {
		t.Fatalf("expected 10.0.0.4, got %s", ip)
	}
	again, err := pinAddress(fake, "default", "52:54:00:00:00:03")
	if err != nil || !again.Equal(ip) {
		t.Fatalf("pinning the same mac must return its address, got %s, %v", again, err)
	}
	if err := unpinAddress(fake, "default", "52:54:00:00:00:09"); err != nil {
		t.Fatalf("unpinning an unknown mac must succeed, got %v", err)
	}
}

func TestDomainXMLRoundTrip(t *testing.T) {
	desc, err := renderDomainXML(domainTemplateData{
		Type:    "kvm",
		Arch:    "aarch64",
		Name:    "accelize-x",
		UUID:    "0f8fad5b-d9cb-469f-a165-70867728950e",
		Tags:    sortedTags(map[string]string{"b": "2", "a": "x&y"}),
		RAM:     2048,
		VCPUs:   2,
		Overlay: "/tmp/o.qcow2",
		Seed:    "/tmp/seed.iso",
		MAC:     generateMAC("x"),
		Network: "default",
		Filter:  "sg",
	})
	if err != nil {
		t.Fatalf("renderDomainXML unexpected error: %v", err)
	}
	doc, err := parseDomainXML(desc)
	if err != nil {
		t.Fatalf("parseDomainXML unexpected error: %v", err)
	}
	if doc.mac("default") != generateMAC("x") || doc.mac("other") != "" {
		t.Fatalf("unexpected interfaces %+v", doc.Interfaces)
	}
	if tags := doc.tags(); tags["a"] != "x&y" || tags["b"] != "2" {
		t.Fatalf("unexpected tags %v", tags)
	}
	if !strings.Contains(desc, "<filterref filter='sg'/>") {
		t.Fatalf("expected the filter reference:\n%s", desc)
	}
	if !strings.Contains(desc, "<type arch='aarch64'>hvm</type>") {
		t.Fatalf("expected the guest architecture:\n%s", desc)
	}
}
