package libvirt

import (
	"bytes"
	"crypto/sha1"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"text/template"

	golibvirt "libvirt.org/go/libvirt"
)

const metadataNamespace = "https://github.com/cochaviz/accelhost/xmlns/instance/1.0"

//go:embed domain.xml.tmpl
var domainTemplateSource string

var domainTemplate = template.Must(template.New("domain").Funcs(template.FuncMap{"x": escapeXML}).Parse(domainTemplateSource))

// Profile is the virtual hardware of an instance type.
type Profile struct {
	VCPUs int
	RAMMB int
}

// Profiles maps the named instance types to their hardware.
var Profiles = map[string]Profile{
	"small":  {VCPUs: 2, RAMMB: 2048},
	"medium": {VCPUs: 4, RAMMB: 8192},
	"large":  {VCPUs: 8, RAMMB: 16384},
}

// ParseInstanceType resolves a named profile or a "<vcpus>x<ramMB>" literal.
func ParseInstanceType(value string) (Profile, error) {
	key := strings.ToLower(strings.TrimSpace(value))
	if p, ok := Profiles[key]; ok {
		return p, nil
	}
	cpus, ram, found := strings.Cut(key, "x")
	if !found {
		return Profile{}, fmt.Errorf("unknown instance type %q", value)
	}
	vcpus, err := strconv.Atoi(cpus)
	if err != nil || vcpus < 1 {
		return Profile{}, fmt.Errorf("invalid vcpu count in instance type %q", value)
	}
	ramMB, err := strconv.Atoi(ram)
	if err != nil || ramMB < 256 {
		return Profile{}, fmt.Errorf("invalid memory size in instance type %q", value)
	}
	return Profile{VCPUs: vcpus, RAMMB: ramMB}, nil
}

type tag struct {
	Key   string
	Value string
}

type domainTemplateData struct {
	Type      string
	Arch      string
	Name      string
	UUID      string
	Namespace string
	Tags      []tag
	RAM       int
	VCPUs     int
	Overlay   string
	Seed      string
	MAC       string
	Network   string
	Filter    string
}

func renderDomainXML(data domainTemplateData) (string, error) {
	if data.Name == "" || data.UUID == "" {
		return "", errors.New("domain name and uuid are required")
	}
	if data.Overlay == "" {
		return "", errors.New("overlay path is required")
	}
	if data.Namespace == "" {
		data.Namespace = metadataNamespace
	}
	var buf bytes.Buffer
	if err := domainTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute domain template: %w", err)
	}
	return buf.String(), nil
}

func sortedTags(tags map[string]string) []tag {
	out := make([]tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, tag{Key: k, Value: v})
	}
	slices.SortFunc(out, func(a, b tag) int { return strings.Compare(a.Key, b.Key) })
	return out
}

func escapeXML(value any) (string, error) {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(fmt.Sprint(value))); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// generateMAC derives a stable locally administered unicast address.
func generateMAC(seed string) string {
	sum := sha1.Sum([]byte(seed))
	mac := []byte{0x52, 0x54, 0x00, sum[0], sum[1], sum[2]}
	mac[0] = (mac[0] | 0x02) & 0xfe
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// domainDocument is what the provider reads back from a domain definition.
type domainDocument struct {
	Interfaces []struct {
		MAC struct {
			Address string `xml:"address,attr"`
		} `xml:"mac"`
		Source struct {
			Network string `xml:"network,attr"`
		} `xml:"source"`
	} `xml:"devices>interface"`
	Tags []struct {
		Key   string `xml:"key,attr"`
		Value string `xml:"value,attr"`
	} `xml:"metadata>instance>tag"`
}

func parseDomainXML(desc string) (domainDocument, error) {
	var doc domainDocument
	if err := xml.Unmarshal([]byte(desc), &doc); err != nil {
		return domainDocument{}, fmt.Errorf("parse domain xml: %w", err)
	}
	return doc, nil
}

// mac returns the address of the first interface attached to network, or of
// the first interface when network is empty.
func (d domainDocument) mac(network string) string {
	for _, iface := range d.Interfaces {
		if network == "" || iface.Source.Network == network {
			return strings.ToLower(strings.TrimSpace(iface.MAC.Address))
		}
	}
	return ""
}

func (d domainDocument) tags() map[string]string {
	if len(d.Tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(d.Tags))
	for _, t := range d.Tags {
		out[t.Key] = t.Value
	}
	return out
}

func statusOf(state golibvirt.DomainState) string {
	switch state {
	case golibvirt.DOMAIN_RUNNING, golibvirt.DOMAIN_BLOCKED:
		return StatusRunning
	case golibvirt.DOMAIN_SHUTOFF:
		return StatusStopped
	case golibvirt.DOMAIN_CRASHED:
		return StatusError
	case golibvirt.DOMAIN_SHUTDOWN:
		return StatusStopping
	default:
		return StatusPending
	}
}
