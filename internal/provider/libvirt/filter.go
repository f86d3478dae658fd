package libvirt

import (
	"encoding/xml"
	"fmt"
	"slices"
	"strconv"
	"strings"

	golibvirt "libvirt.org/go/libvirt"
)

// filterRule admits TCP traffic to one port, optionally from one address.
type filterRule struct {
	Port   int
	Source string
}

type nwfilter struct {
	XMLName   xml.Name        `xml:"filter"`
	Name      string          `xml:"name,attr"`
	Chain     string          `xml:"chain,attr"`
	UUID      string          `xml:"uuid,omitempty"`
	FilterRef *nwfilterRef    `xml:"filterref,omitempty"`
	Rules     []nwfilterEntry `xml:"rule"`
}

type nwfilterRef struct {
	Filter string `xml:"filter,attr"`
}

type nwfilterEntry struct {
	Action    string       `xml:"action,attr"`
	Direction string       `xml:"direction,attr"`
	Priority  int          `xml:"priority,attr"`
	TCP       *nwfilterTCP `xml:"tcp,omitempty"`
	All       *nwfilterAll `xml:"all,omitempty"`
}

type nwfilterTCP struct {
	SrcIPAddr    string `xml:"srcipaddr,attr,omitempty"`
	DstPortStart string `xml:"dstportstart,attr,omitempty"`
}

type nwfilterAll struct {
	State string `xml:"state,attr,omitempty"`
}

// filterName returns the spelling of an existing filter whose name matches
// name in any case, or name itself when there is none.
func filterName(h hypervisor, name string) (string, error) {
	names, err := h.FilterNames()
	if err != nil {
		return "", fmt.Errorf("list filters: %w", err)
	}
	for _, existing := range names {
		if existing == name {
			return existing, nil
		}
	}
	for _, existing := range names {
		if strings.EqualFold(existing, name) {
			return existing, nil
		}
	}
	return name, nil
}

// existingRules reads the port rules of a filter. An unknown filter has none.
func existingRules(h hypervisor, name string) ([]filterRule, string, error) {
	desc, err := h.FilterXML(name)
	if err != nil {
		if isLibvirtError(err, golibvirt.ERR_NO_NWFILTER) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("describe filter %s: %w", name, err)
	}
	var doc nwfilter
	if err := xml.Unmarshal([]byte(desc), &doc); err != nil {
		return nil, "", fmt.Errorf("parse filter %s: %w", name, err)
	}
	var rules []filterRule
	for _, entry := range doc.Rules {
		if entry.TCP == nil || entry.Action != "accept" || entry.Direction != "in" {
			continue
		}
		port, err := strconv.Atoi(entry.TCP.DstPortStart)
		if err != nil {
			continue
		}
		rules = append(rules, filterRule{Port: port, Source: entry.TCP.SrcIPAddr})
	}
	return rules, doc.UUID, nil
}

// mergeRules adds a rule per port for source, keeping existing rules.
func mergeRules(existing []filterRule, ports []int, source string) ([]filterRule, bool) {
	out := append([]filterRule(nil), existing...)
	changed := false
	for _, port := range ports {
		rule := filterRule{Port: port, Source: source}
		if !slices.Contains(out, rule) {
			out = append(out, rule)
			changed = true
		}
	}
	slices.SortFunc(out, func(a, b filterRule) int {
		if a.Port != b.Port {
			return a.Port - b.Port
		}
		return strings.Compare(a.Source, b.Source)
	})
	return out, changed
}

// renderFilterXML builds a filter that admits the rules, established traffic
// and all outgoing traffic, and drops every other incoming packet.
func renderFilterXML(name, uuid string, rules []filterRule) (string, error) {
	doc := nwfilter{
		Name:      name,
		Chain:     "root",
		UUID:      uuid,
		FilterRef: &nwfilterRef{Filter: "clean-traffic"},
	}
	for _, rule := range rules {
		doc.Rules = append(doc.Rules, nwfilterEntry{
			Action:    "accept",
			Direction: "in",
			Priority:  400,
			TCP:       &nwfilterTCP{SrcIPAddr: rule.Source, DstPortStart: strconv.Itoa(rule.Port)},
		})
	}
	doc.Rules = append(doc.Rules,
		nwfilterEntry{Action: "accept", Direction: "in", Priority: 500, All: &nwfilterAll{State: "ESTABLISHED,RELATED"}},
		nwfilterEntry{Action: "accept", Direction: "out", Priority: 500, All: &nwfilterAll{}},
		nwfilterEntry{Action: "drop", Direction: "in", Priority: 1000, All: &nwfilterAll{}},
	)
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode filter %s: %w", name, err)
	}
	return string(out), nil
}
