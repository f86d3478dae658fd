package libvirt

import "testing"

func TestISOFileName(t *testing.T) {
	cases := map[string]string{
		"meta-data":           "meta-data",
		"user-data":           "user-data",
		"User Data":           "user_data",
		"vendor.data.yml":     "vendor_data.yml",
		"a.verylongextension": "a.verylong",
	}
	for input, want := range cases {
		if got := isoFileName(input); got != want {
			t.Errorf("isoFileName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestCheckSeedName(t *testing.T) {
	if err := checkSeedName("user-data"); err != nil {
		t.Fatalf("checkSeedName(user-data) unexpected error: %v", err)
	}
	if err := checkSeedName("network-config.YAML"); err == nil {
		t.Fatal("expected an error for a name the writer changes")
	}
}
