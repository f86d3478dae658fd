// Package host manages the lifecycle of the remote machine that runs the
// accelerator service: creating or reattaching to an instance, waiting for
// it to become reachable, and stopping it according to a stop mode.
package host

import (
	"fmt"
	"net"
	"strings"
)

// Status is the lifecycle state of a Host.
type Status string

const (
	StatusUnprovisioned Status = "unprovisioned"
	StatusProvisioning  Status = "provisioning"
	StatusRunning       Status = "running"
	StatusStopping      Status = "stopping"
	StatusStopped       Status = "stopped"
	StatusError         Status = "error"
	StatusTerminated    Status = "terminated"
)

// StopMode selects what Stop does with the instance.
type StopMode string

const (
	// StopUnset defers to the stop mode stored on the manager.
	StopUnset StopMode = ""
	// StopTerminate deletes the instance.
	StopTerminate StopMode = "term"
	// StopPause stops the instance so it can be started again.
	StopPause StopMode = "stop"
	// StopKeep leaves the instance running.
	StopKeep StopMode = "keep"
)

// ParseStopMode accepts the textual names and their numeric aliases 0, 1 and 2.
func ParseStopMode(value string) (StopMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return StopUnset, nil
	case "term", "terminate", "0":
		return StopTerminate, nil
	case "stop", "pause", "1":
		return StopPause, nil
	case "keep", "2":
		return StopKeep, nil
	default:
		return StopUnset, fmt.Errorf("invalid stop mode %q (expected term, stop or keep)", value)
	}
}

func (m StopMode) String() string {
	if m == StopUnset {
		return "default"
	}
	return string(m)
}

// Host is a snapshot of the managed machine.
type Host struct {
	InstanceID        string
	Region            string
	PublicAddress     string
	PrivateAddress    string
	EndpointURL       string
	ImageID           string
	InstanceType      string
	KeyPairName       string
	SecurityGroupName string
	StopMode          StopMode
	Status            Status
}

// FormatURL turns an address into an endpoint URL. Addresses that already
// carry a scheme are kept; https is used when secure is set.
func FormatURL(address string, secure bool) string {
	address = strings.TrimRight(strings.TrimSpace(address), "/")
	if address == "" {
		return ""
	}
	if strings.Contains(address, "://") {
		if secure && strings.HasPrefix(address, "http://") {
			return "https://" + strings.TrimPrefix(address, "http://")
		}
		return address
	}
	if ip := net.ParseIP(address); ip != nil && ip.To4() == nil {
		address = "[" + address + "]"
	}
	if secure {
		return "https://" + address
	}
	return "http://" + address
}
