// Package netutil resolves the address a host sees its caller connect from.
package netutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/accelhost/internal/logging"
)

// DefaultTarget is routed to when no target is configured.
var DefaultTarget = net.IPv4(1, 1, 1, 1)

// CallerResolver finds the caller address admitted by security groups.
// Static wins over LookupURL, which wins over the kernel route to Target.
type CallerResolver struct {
	// Static is returned as is when set.
	Static string
	// LookupURL answers with the public address of the requester, as plain
	// text.
	LookupURL string
	// Target is the address whose route selects the source address.
	Target net.IP
	// Namespace is a named network namespace to resolve the route in.
	Namespace string
	Logger    *slog.Logger
}

// Resolve returns the caller address.
func (r CallerResolver) Resolve(ctx context.Context) (string, error) {
	logger := logging.Ensure(r.Logger).With("component", "netutil")
	if ip := strings.TrimSpace(r.Static); ip != "" {
		if net.ParseIP(ip) == nil {
			return "", fmt.Errorf("invalid caller address %q", ip)
		}
		return ip, nil
	}
	if r.LookupURL != "" {
		ip, err := lookupPublicIP(ctx, r.LookupURL)
		if err == nil {
			return ip, nil
		}
		logger.Warn("public address lookup failed, using route source", "url", r.LookupURL, "error", err)
	}
	target := r.Target
	if target == nil {
		target = DefaultTarget
	}
	ip, err := routeSource(target, r.Namespace)
	if err != nil {
		return "", err
	}
	logger.Debug("caller address resolved from route", "address", ip, "target", target.String(), "namespace", r.Namespace)
	return ip, nil
}

func lookupPublicIP(ctx context.Context, url string) (string, error) {
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultClient()
	client.HTTPClient.Timeout = 5 * time.Second
	client.RetryMax = 2
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("lookup returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("read lookup response: %w", err)
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("lookup returned %q, not an address", ip)
	}
	return ip, nil
}

// routeSource returns the preferred source address of the route to target.
func routeSource(target net.IP, namespace string) (string, error) {
	handle, err := openHandle(namespace)
	if err != nil {
		return "", err
	}
	defer handle.Close()

	routes, err := handle.RouteGet(target)
	if err != nil {
		return "", fmt.Errorf("route to %s: %w", target, err)
	}
	for _, route := range routes {
		if route.Src != nil && !route.Src.IsUnspecified() {
			return route.Src.String(), nil
		}
		if route.LinkIndex == 0 {
			continue
		}
		link, err := handle.LinkByIndex(route.LinkIndex)
		if err != nil {
			return "", fmt.Errorf("link %d: %w", route.LinkIndex, err)
		}
		family := unix.AF_INET
		if target.To4() == nil {
			family = unix.AF_INET6
		}
		addrs, err := handle.AddrList(link, family)
		if err != nil {
			return "", fmt.Errorf("addresses of %s: %w", link.Attrs().Name, err)
		}
		for _, addr := range addrs {
			if addr.IP != nil && addr.IP.IsGlobalUnicast() {
				return addr.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no source address routes to %s", target)
}

func openHandle(namespace string) (*netlink.Handle, error) {
	if namespace == "" {
		handle, err := netlink.NewHandle()
		if err != nil {
			return nil, fmt.Errorf("open netlink handle: %w", err)
		}
		return handle, nil
	}
	ns, err := netns.GetFromName(namespace)
	if err != nil {
		return nil, fmt.Errorf("open network namespace %s: %w", namespace, err)
	}
	defer ns.Close()
	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, fmt.Errorf("open netlink handle in %s: %w", namespace, err)
	}
	return handle, nil
}
