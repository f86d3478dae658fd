package libvirt

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// seedVolumeLabel is the label cloud-init's NoCloud datasource looks for.
const seedVolumeLabel = "cidata"

// findKeyPair returns the path of the public key stored under name, compared
// case-insensitively, or "" when there is none.
func findKeyPair(dir, name string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read key directory %q: %w", dir, err)
	}
	for _, entry := range entries {
		base, ok := strings.CutSuffix(entry.Name(), ".pub")
		if ok && strings.EqualFold(base, name) {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", nil
}

// generateKeyPair writes an ed25519 key pair as <name> and <name>.pub.
func generateKeyPair(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create key directory %q: %w", dir, err)
	}
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(private, name)
	if err != nil {
		return "", fmt.Errorf("encode private key: %w", err)
	}
	sshPublic, err := ssh.NewPublicKey(public)
	if err != nil {
		return "", fmt.Errorf("encode public key: %w", err)
	}

	privatePath := filepath.Join(dir, name)
	if err := os.WriteFile(privatePath, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	publicPath := privatePath + ".pub"
	if err := os.WriteFile(publicPath, ssh.MarshalAuthorizedKey(sshPublic), 0o644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}
	return publicPath, nil
}

// readAuthorizedKey loads and validates a public key file.
func readAuthorizedKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return "", fmt.Errorf("parse public key %q: %w", path, err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))), nil
}

type seedMetadata struct {
	InstanceID    string   `yaml:"instance-id"`
	LocalHostname string   `yaml:"local-hostname"`
	PublicKeys    []string `yaml:"public-keys,omitempty"`
}

// writeSeedISO builds a NoCloud seed image holding user-data and meta-data.
func writeSeedISO(path string, meta seedMetadata, userData []byte) error {
	metaData, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode meta-data: %w", err)
	}
	if len(userData) == 0 {
		userData = []byte("#cloud-config\n{}\n")
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	for name, content := range map[string][]byte{"meta-data": metaData, "user-data": userData} {
		if err := checkSeedName(name); err != nil {
			return err
		}
		if err := writer.AddFile(bytes.NewReader(content), name); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
	}

	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create seed image: %w", err)
	}
	if err := writer.WriteTo(out, seedVolumeLabel); err != nil {
		out.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write seed image: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("finalize seed image: %w", err)
	}
	return nil
}

// createOverlay makes a qcow2 overlay backed by base. It is a variable so
// tests can run without qemu-img.
var createOverlay = func(ctx context.Context, base, overlay string) error {
	if _, err := os.Stat(base); err != nil {
		return fmt.Errorf("stat base image %q: %w", base, err)
	}
	if err := os.Remove(overlay); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove existing overlay %q: %w", overlay, err)
	}
	qemuImg, err := exec.LookPath("qemu-img")
	if err != nil {
		return fmt.Errorf("qemu-img not found in PATH: %w", err)
	}
	cmd := exec.CommandContext(ctx, qemuImg, "create", "-f", "qcow2", "-F", "qcow2", "-b", base, overlay)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("create overlay with qemu-img: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}
