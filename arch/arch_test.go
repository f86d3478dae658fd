package arch

import "testing"

func TestNormalize(t *testing.T) {
	cases := map[string]Architecture{
		"amd64":   X86_64,
		" X86_64": X86_64,
		"arm64":   AArch64,
		"ppc64el": PPC64LE,
		"s390x":   S390X,
		"mips":    "",
		"":        "",
	}
	for input, want := range cases {
		if got := Normalize(input); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	if _, err := Parse("riscv64"); err == nil {
		t.Fatal("expected error for unsupported architecture")
	}
	got, err := Parse("arm64")
	if err != nil || got != AArch64 {
		t.Fatalf("Parse(arm64) = %q, %v", got, err)
	}
}

func TestHostIsSupported(t *testing.T) {
	if _, err := Parse(Host().String()); err != nil {
		t.Fatalf("Host() returned unsupported %q", Host())
	}
}
