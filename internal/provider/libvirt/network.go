package libvirt

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net"
	"strings"

	golibvirt "libvirt.org/go/libvirt"
)

type dhcpHost struct {
	MAC string
	IP  net.IP
}

type ipRange struct {
	Start net.IP
	End   net.IP
}

type dhcpConfig struct {
	IPv4Ranges []ipRange
	Hosts      []dhcpHost
}

type networkIPEntry struct {
	Address string `xml:"address,attr"`
	Family  string `xml:"family,attr"`
	DHCP    struct {
		Ranges []struct {
			Start string `xml:"start,attr"`
			End   string `xml:"end,attr"`
		} `xml:"range"`
		Hosts []struct {
			MAC string `xml:"mac,attr"`
			IP  string `xml:"ip,attr"`
		} `xml:"host"`
	} `xml:"dhcp"`
}

// pinAddress reserves a free address of the network range for mac, so the
// instance keeps its address across stop and start.
func pinAddress(h hypervisor, network, mac string) (net.IP, error) {
	desc, err := h.NetworkXML(network)
	if err != nil {
		return nil, fmt.Errorf("describe network: %w", err)
	}
	cfg, err := parseNetworkDHCPConfig(desc)
	if err != nil {
		return nil, err
	}
	for _, host := range cfg.Hosts {
		if host.MAC == mac {
			return host.IP, nil
		}
	}
	if len(cfg.IPv4Ranges) == 0 {
		return nil, fmt.Errorf("network %s does not define an IPv4 DHCP range", network)
	}

	used := map[string]struct{}{}
	for _, host := range cfg.Hosts {
		used[host.IP.String()] = struct{}{}
	}
	leases, err := h.NetworkLeases(network)
	if err != nil {
		return nil, fmt.Errorf("query DHCP leases: %w", err)
	}
	for _, lease := range leases {
		if ip := parseIPv4(lease.IPaddr); ip != nil {
			used[ip.String()] = struct{}{}
		}
	}

	ip, err := selectAvailableIP(cfg.IPv4Ranges, used)
	if err != nil {
		return nil, err
	}
	hostXML := fmt.Sprintf("<host mac='%s' ip='%s'/>", mac, ip)
	if err := h.UpdateDHCPHost(network, golibvirt.NETWORK_UPDATE_COMMAND_ADD_LAST, hostXML); err != nil {
		return nil, fmt.Errorf("pin DHCP lease: %w", err)
	}
	return ip, nil
}

// unpinAddress removes the reservation of mac. A missing reservation is not
// an error.
func unpinAddress(h hypervisor, network, mac string) error {
	if strings.TrimSpace(mac) == "" {
		return nil
	}
	err := h.UpdateDHCPHost(network, golibvirt.NETWORK_UPDATE_COMMAND_DELETE, fmt.Sprintf("<host mac='%s'/>", mac))
	if err != nil && !isLibvirtError(err, golibvirt.ERR_INVALID_ARG, golibvirt.ERR_OPERATION_INVALID) {
		return fmt.Errorf("remove DHCP host %s: %w", mac, err)
	}
	return nil
}

// leasedAddress returns the live IPv4 lease of mac, or nil.
func leasedAddress(h hypervisor, network, mac string) (net.IP, error) {
	leases, err := h.NetworkLeases(network)
	if err != nil {
		return nil, fmt.Errorf("query DHCP leases: %w", err)
	}
	for _, lease := range leases {
		if !strings.EqualFold(strings.TrimSpace(lease.Mac), mac) {
			continue
		}
		if ip := parseIPv4(lease.IPaddr); ip != nil {
			return ip, nil
		}
	}
	return nil, nil
}

func selectAvailableIP(ranges []ipRange, used map[string]struct{}) (net.IP, error) {
	for _, r := range ranges {
		cur := append(net.IP(nil), r.Start...)
		for ; compareIPs(cur, r.End) <= 0; incrementIP(cur) {
			if _, taken := used[cur.String()]; taken {
				continue
			}
			return append(net.IP(nil), cur...), nil
		}
	}
	return nil, fmt.Errorf("no available IPv4 addresses in DHCP range")
}

func compareIPs(a, b net.IP) int {
	return bytes.Compare(a.To4(), b.To4())
}

func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] != 0 {
			break
		}
	}
}

func parseNetworkDHCPConfig(desc string) (dhcpConfig, error) {
	var doc struct {
		IPs []networkIPEntry `xml:"ip"`
	}
	if err := xml.Unmarshal([]byte(desc), &doc); err != nil {
		return dhcpConfig{}, fmt.Errorf("parse network xml: %w", err)
	}

	var cfg dhcpConfig
	for _, entry := range doc.IPs {
		if strings.EqualFold(strings.TrimSpace(entry.Family), "ipv6") || parseIPv4(entry.Address) == nil {
			continue
		}
		for _, rng := range entry.DHCP.Ranges {
			start, end := parseIPv4(rng.Start), parseIPv4(rng.End)
			if start == nil || end == nil {
				continue
			}
			if compareIPs(start, end) > 0 {
				start, end = end, start
			}
			cfg.IPv4Ranges = append(cfg.IPv4Ranges, ipRange{Start: start, End: end})
		}
		for _, h := range entry.DHCP.Hosts {
			if ip := parseIPv4(h.IP); ip != nil {
				cfg.Hosts = append(cfg.Hosts, dhcpHost{MAC: strings.ToLower(strings.TrimSpace(h.MAC)), IP: ip})
			}
		}
	}
	return cfg, nil
}

func parseIPv4(value string) net.IP {
	ip := net.ParseIP(strings.TrimSpace(value))
	if ip == nil {
		return nil
	}
	return ip.To4()
}
