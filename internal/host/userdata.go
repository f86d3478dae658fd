package host

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/accelhost/internal/faults"
)

const (
	guestHome        = "/home/centos"
	guestInitFlag    = "/etc/nginx/.INITIALIZED"
	guestCertificate = "/etc/nginx/accelhost_cert.crt"
	guestPrivateKey  = "/etc/nginx/accelhost_cert.key"
)

// UserDataOptions selects what is deployed on a new instance at first boot.
type UserDataOptions struct {
	// AcceleratorConfig is written to accelerator.conf in the guest home.
	AcceleratorConfig []byte
	// CertificatePath and KeyPath point to the PEM files served by the
	// accelerator web service. Both or neither must be set.
	CertificatePath string
	KeyPath         string
	// InitScriptPath is a shell script appended to the boot commands.
	InitScriptPath string
	// AuthorizedKeys are installed for the default user.
	AuthorizedKeys []string
}

type cloudConfig struct {
	SSHAuthorizedKeys []string         `yaml:"ssh_authorized_keys,omitempty"`
	WriteFiles        []cloudWriteFile `yaml:"write_files,omitempty"`
	RunCmd            []string         `yaml:"runcmd,omitempty"`
}

type cloudWriteFile struct {
	Path        string `yaml:"path"`
	Permissions string `yaml:"permissions"`
	Content     string `yaml:"content"`
}

// Secure reports whether the options deploy a certificate.
func (o UserDataOptions) Secure() bool {
	return o.CertificatePath != "" && o.KeyPath != ""
}

// RenderUserData builds the #cloud-config document passed to new instances.
func RenderUserData(opts UserDataOptions) ([]byte, error) {
	if (opts.CertificatePath == "") != (opts.KeyPath == "") {
		return nil, faults.Configurationf("both certificate and key are required to serve https")
	}

	cfg := cloudConfig{SSHAuthorizedKeys: opts.AuthorizedKeys}
	if len(opts.AcceleratorConfig) > 0 {
		cfg.WriteFiles = append(cfg.WriteFiles, cloudWriteFile{
			Path:        guestHome + "/accelerator.conf",
			Permissions: "0600",
			Content:     string(opts.AcceleratorConfig),
		})
	}
	if opts.Secure() {
		for _, file := range []struct{ src, dst, perm string }{
			{opts.CertificatePath, guestCertificate, "0644"},
			{opts.KeyPath, guestPrivateKey, "0600"},
		} {
			content, err := os.ReadFile(file.src)
			if err != nil {
				return nil, &faults.ConfigurationError{Msg: "read " + file.src, Err: err}
			}
			cfg.WriteFiles = append(cfg.WriteFiles, cloudWriteFile{Path: file.dst, Permissions: file.perm, Content: string(content)})
		}
	}

	cfg.RunCmd = append(cfg.RunCmd, fmt.Sprintf("touch %q", guestInitFlag))
	if opts.InitScriptPath != "" {
		lines, err := readInitScript(opts.InitScriptPath)
		if err != nil {
			return nil, err
		}
		cfg.RunCmd = append(cfg.RunCmd, lines...)
	}

	var buf bytes.Buffer
	buf.WriteString("#cloud-config\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode user data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode user data: %w", err)
	}
	return buf.Bytes(), nil
}

func readInitScript(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &faults.ConfigurationError{Msg: "read init script " + path, Err: err}
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "#!") {
		lines = lines[1:]
	}
	out := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out, nil
}
