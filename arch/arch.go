package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture is a guest architecture as libvirt names it.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	AArch64 Architecture = "aarch64"
	PPC64LE Architecture = "ppc64le"
	S390X   Architecture = "s390x"
)

// Supported returns the architectures a host image may be built for.
func Supported() []Architecture {
	return []Architecture{X86_64, AArch64, PPC64LE, S390X}
}

func (a Architecture) String() string {
	return string(a)
}

// Parse returns the canonical Architecture for value or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if a := Normalize(value); a != "" {
		return a, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps Go and distribution spellings to the libvirt name. It
// returns "" for anything else.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case string(AArch64), "arm64":
		return AArch64
	case string(PPC64LE), "ppc64el", "powerpc64le":
		return PPC64LE
	case string(S390X):
		return S390X
	default:
		return ""
	}
}

// Host is the architecture of the running process, X86_64 when unknown.
func Host() Architecture {
	if a := Normalize(runtime.GOARCH); a != "" {
		return a
	}
	return X86_64
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
