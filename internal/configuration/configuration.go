// Package configuration loads accelhost settings from a YAML file and
// ACCELHOST_ environment variables.
package configuration

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/accelhost/arch"
	"github.com/cochaviz/accelhost/internal/faults"
	"github.com/cochaviz/accelhost/internal/host"
	"github.com/cochaviz/accelhost/internal/metering"
)

const (
	EnvPrefix = "ACCELHOST"
	FileName  = "accelhost"
)

type Accelize struct {
	ClientID    string `mapstructure:"client_id"`
	SecretID    string `mapstructure:"secret_id"`
	MeteringURL string `mapstructure:"metering_url"`
}

type Libvirt struct {
	URI        string `mapstructure:"uri"`
	Network    string `mapstructure:"network"`
	StateDir   string `mapstructure:"state_dir"`
	DomainType string `mapstructure:"domain_type"`
	// Arch is the guest architecture, the host one when empty.
	Arch string `mapstructure:"arch"`
}

type Host struct {
	Provider      string `mapstructure:"provider"`
	Region        string `mapstructure:"region"`
	ImageID       string `mapstructure:"image_id"`
	InstanceType  string `mapstructure:"instance_type"`
	KeyPair       string `mapstructure:"key_pair"`
	SecurityGroup string `mapstructure:"security_group"`
	StopMode      string `mapstructure:"stop_mode"`
	InstanceID    string `mapstructure:"instance_id"`
	Endpoint      string `mapstructure:"endpoint"`
	UsePrivateIP  bool   `mapstructure:"use_private_ip"`

	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	BootTimeout  time.Duration `mapstructure:"boot_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	SSLCertCrt   string `mapstructure:"ssl_cert_crt"`
	SSLCertKey   string `mapstructure:"ssl_cert_key"`
	InitScript   string `mapstructure:"init_script"`
	AllowedPorts []int  `mapstructure:"allowed_ports"`

	CallerIP     string `mapstructure:"caller_ip"`
	PublicIPURL  string `mapstructure:"public_ip_url"`
	NetNamespace string `mapstructure:"net_namespace"`

	// Address is reported by the memory provider for running instances.
	Address string `mapstructure:"address"`

	Libvirt Libvirt `mapstructure:"libvirt"`
}

// Parameters holds a parameter document: a nested map, a JSON literal or
// the path of a JSON file.
type Parameters struct {
	Parameters any `mapstructure:"parameters"`
}

type Pool struct {
	Workers int `mapstructure:"workers"`
}

type Emulator struct {
	Addr         string  `mapstructure:"addr"`
	RateLimit    float64 `mapstructure:"rate_limit"`
	Burst        int     `mapstructure:"burst"`
	ProcessPolls int     `mapstructure:"process_polls"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full accelhost configuration.
type Config struct {
	Accelize      Accelize   `mapstructure:"accelize"`
	Host          Host       `mapstructure:"host"`
	Configuration Parameters `mapstructure:"configuration"`
	Process       Parameters `mapstructure:"process"`
	Pool          Pool       `mapstructure:"pool"`
	Emulator      Emulator   `mapstructure:"emulator"`
	Log           Log        `mapstructure:"log"`

	// File is the configuration file that was read, if any.
	File string `mapstructure:"-"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Accelize: Accelize{MeteringURL: metering.DefaultURL},
		Host: Host{
			Provider:      "libvirt",
			InstanceType:  "medium",
			SecurityGroup: host.DefaultSecurityGroupName,
			ReadyTimeout:  host.DefaultReadyTimeout,
			BootTimeout:   host.DefaultBootTimeout,
			PollInterval:  250 * time.Millisecond,
			AllowedPorts:  append([]int(nil), host.DefaultAllowedPorts...),
			Libvirt: Libvirt{
				URI:        "qemu:///system",
				Network:    "default",
				StateDir:   "/var/lib/accelhost",
				DomainType: "kvm",
			},
		},
		Pool:     Pool{Workers: 1},
		Emulator: Emulator{Addr: "127.0.0.1:8080"},
		Log:      Log{Level: "info", Format: "cli"},
	}
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("accelize.client_id", d.Accelize.ClientID)
	v.SetDefault("accelize.secret_id", d.Accelize.SecretID)
	v.SetDefault("accelize.metering_url", d.Accelize.MeteringURL)

	v.SetDefault("host.provider", d.Host.Provider)
	v.SetDefault("host.region", d.Host.Region)
	v.SetDefault("host.image_id", d.Host.ImageID)
	v.SetDefault("host.instance_type", d.Host.InstanceType)
	v.SetDefault("host.key_pair", d.Host.KeyPair)
	v.SetDefault("host.security_group", d.Host.SecurityGroup)
	v.SetDefault("host.stop_mode", d.Host.StopMode)
	v.SetDefault("host.instance_id", d.Host.InstanceID)
	v.SetDefault("host.endpoint", d.Host.Endpoint)
	v.SetDefault("host.use_private_ip", d.Host.UsePrivateIP)
	v.SetDefault("host.ready_timeout", d.Host.ReadyTimeout)
	v.SetDefault("host.boot_timeout", d.Host.BootTimeout)
	v.SetDefault("host.poll_interval", d.Host.PollInterval)
	v.SetDefault("host.ssl_cert_crt", d.Host.SSLCertCrt)
	v.SetDefault("host.ssl_cert_key", d.Host.SSLCertKey)
	v.SetDefault("host.init_script", d.Host.InitScript)
	v.SetDefault("host.allowed_ports", d.Host.AllowedPorts)
	v.SetDefault("host.caller_ip", d.Host.CallerIP)
	v.SetDefault("host.public_ip_url", d.Host.PublicIPURL)
	v.SetDefault("host.net_namespace", d.Host.NetNamespace)
	v.SetDefault("host.address", d.Host.Address)
	v.SetDefault("host.libvirt.uri", d.Host.Libvirt.URI)
	v.SetDefault("host.libvirt.network", d.Host.Libvirt.Network)
	v.SetDefault("host.libvirt.domain_type", d.Host.Libvirt.DomainType)
	v.SetDefault("host.libvirt.arch", d.Host.Libvirt.Arch)
	v.SetDefault("host.libvirt.state_dir", d.Host.Libvirt.StateDir)

	v.SetDefault("configuration.parameters", map[string]any{})
	v.SetDefault("process.parameters", map[string]any{})

	v.SetDefault("pool.workers", d.Pool.Workers)

	v.SetDefault("emulator.addr", d.Emulator.Addr)
	v.SetDefault("emulator.rate_limit", d.Emulator.RateLimit)
	v.SetDefault("emulator.burst", d.Emulator.Burst)
	v.SetDefault("emulator.process_polls", d.Emulator.ProcessPolls)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// New returns a viper instance with the defaults and environment binding
// installed. Callers may bind flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path into v, or searches the working directory and the home
// directory for accelhost.yaml when path is empty. A missing file is not an
// error when searching.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", FileName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, &faults.ConfigurationError{Msg: "read configuration file", Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &faults.ConfigurationError{Msg: "decode configuration", Err: err}
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that cannot be checked by their consumers alone.
func (c Config) Validate() error {
	var errs []error
	if _, err := host.ParseStopMode(c.Host.StopMode); err != nil {
		errs = append(errs, err)
	}
	if (c.Accelize.ClientID == "") != (c.Accelize.SecretID == "") {
		errs = append(errs, errors.New("accelize client_id and secret_id must be set together"))
	}
	if (c.Host.SSLCertCrt == "") != (c.Host.SSLCertKey == "") {
		errs = append(errs, errors.New("host ssl_cert_crt and ssl_cert_key must be set together"))
	}
	for _, port := range c.Host.AllowedPorts {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("invalid allowed port %d", port))
		}
	}
	if c.Host.Libvirt.Arch != "" {
		if _, err := arch.Parse(c.Host.Libvirt.Arch); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Host.ReadyTimeout < 0 || c.Host.BootTimeout < 0 {
		errs = append(errs, errors.New("host timeouts must not be negative"))
	}
	if c.Pool.Workers < 1 {
		errs = append(errs, fmt.Errorf("pool workers must be at least 1, got %d", c.Pool.Workers))
	}
	switch c.Log.Format {
	case "cli", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return &faults.ConfigurationError{Msg: "invalid configuration", Err: errors.Join(errs...)}
	}
	return nil
}

// WriteDefault renders the default configuration as YAML.
func WriteDefault(w io.Writer) error {
	v := viper.New()
	setDefaults(v, Default())
	settings := readable(v.AllSettings())

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("encode default configuration: %w", err)
	}
	return enc.Close()
}

// readable turns durations into their string form, which viper parses back.
func readable(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for key, value := range settings {
		switch v := value.(type) {
		case map[string]any:
			out[key] = readable(v)
		case time.Duration:
			out[key] = v.String()
		default:
			out[key] = v
		}
	}
	return out
}
