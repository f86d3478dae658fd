package libvirt

import (
	"fmt"
	"strings"
)

const isoFileIdentifierMaxLength = 30

// isoCharacters are the characters the iso9660 writer keeps in a name.
const isoCharacters = "abcdefghijklmnopqrstuvwxyz0123456789_!\"%&'()*+,-./:;<=>?"

// isoFileName returns the name a guest sees for a root file written by the
// iso9660 writer, without the version suffix.
func isoFileName(name string) string {
	name = strings.ToLower(name)
	base, ext := name, ""
	if i := strings.LastIndex(name, "."); i >= 0 {
		base = strings.ReplaceAll(name[:i], ".", "_")
		ext = isoDString(name[i+1:], 8)
	}

	limit := isoFileIdentifierMaxLength - 2
	if ext != "" {
		limit -= 1 + len(ext)
	}
	base = isoDString(base, limit)
	if ext != "" {
		return base + "." + ext
	}
	return base
}

func isoDString(input string, limit int) string {
	var b strings.Builder
	for i := 0; i < len(input) && b.Len() < limit; i++ {
		if strings.IndexByte(isoCharacters, input[i]) >= 0 {
			b.WriteByte(input[i])
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// checkSeedName fails when the writer would store name under another name,
// which cloud-init would then not find.
func checkSeedName(name string) error {
	if got := isoFileName(name); got != name {
		return fmt.Errorf("seed file %q would be stored as %q", name, got)
	}
	return nil
}
