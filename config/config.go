package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return errors.New("empty duration")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return d.parse(s)
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	d.Duration = time.Duration(ms) * time.Millisecond
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var ms int64
	if err := node.Decode(&ms); err == nil {
		d.Duration = time.Duration(ms) * time.Millisecond
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// UnmarshalText accepts Go duration strings; TOML decodes through it.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.parse(string(text))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) parse(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the tuntapd daemon configuration.
type Config struct {
	Interface   Interface         `json:"interface" yaml:"interface" toml:"interface"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging" toml:"logging"`
	Management  ManagementConfig  `json:"management" yaml:"management" toml:"management"`
	Bridge      BridgeConfig      `json:"bridge" yaml:"bridge" toml:"bridge"`
	Diagnostics DiagnosticsConfig `json:"diagnostics" yaml:"diagnostics" toml:"diagnostics"`
	Audit       AuditConfig       `json:"audit" yaml:"audit" toml:"audit"`
	// WatchInterval controls how often the file is polled for changes.
	WatchInterval Duration `json:"watchInterval,omitempty" yaml:"watchInterval,omitempty" toml:"watchInterval,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Output string `json:"output" yaml:"output" toml:"output"`
}

type ManagementConfig struct {
	Bind string   `json:"bind" yaml:"bind" toml:"bind"`
	ACL  []string `json:"acl,omitempty" yaml:"acl,omitempty" toml:"acl,omitempty"`
}

// BridgeConfig selects what the daemon does with frames read from the
// interface: nothing, echo them back (loopback), relay them over UDP or
// route them into a second TUN device (tun).
type BridgeConfig struct {
	Type   string `json:"type" yaml:"type" toml:"type"`
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty" toml:"listen,omitempty"`
	Peer   string `json:"peer,omitempty" yaml:"peer,omitempty" toml:"peer,omitempty"`
	Buffer int    `json:"buffer,omitempty" yaml:"buffer,omitempty" toml:"buffer,omitempty"`
	// Name and MTU configure the device a tun bridge creates.
	Name string `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	MTU  int    `json:"mtu,omitempty" yaml:"mtu,omitempty" toml:"mtu,omitempty"`
}

// AuditConfig enables the change audit log when Path is set.
type AuditConfig struct {
	Path       string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	RotateSize int64  `json:"rotateSize,omitempty" yaml:"rotateSize,omitempty" toml:"rotateSize,omitempty"`
}

// DiagnosticsConfig bounds how many I/O diagnostics per minute reach the log.
type DiagnosticsConfig struct {
	Rate  int `json:"rate,omitempty" yaml:"rate,omitempty" toml:"rate,omitempty"`
	Burst int `json:"burst,omitempty" yaml:"burst,omitempty" toml:"burst,omitempty"`
}

// Load reads a JSON, YAML or TOML (by extension) configuration file, or JSON from
// stdin when path is "-".
func Load(path string) (*Config, error) {
	var reader io.ReadCloser
	if path == "-" {
		reader = io.NopCloser(os.Stdin)
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		reader = file
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return Parse(data, formatOf(path))
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

// Parse decodes data in the given format ("json", "yaml" or "toml") and
// validates it.
func Parse(data []byte, format string) (*Config, error) {
	cfg := Config{Interface: Default()}
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case "toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("failed to parse config: unknown key %q", undecoded[0].String())
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration as YAML, or TOML when path ends in .toml.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	if formatOf(path) == "toml" {
		var buf strings.Builder
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = []byte(buf.String())
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate normalises c and checks it, as Parse does.
func (c *Config) Validate() error {
	c.Interface.Normalise()
	if err := c.Interface.Validate(); err != nil {
		return fmt.Errorf("interface: %w", err)
	}

	if c.Management.Bind == "" {
		c.Management.Bind = "127.0.0.1:7780"
	}
	if len(c.Management.ACL) == 0 {
		c.Management.ACL = []string{"127.0.0.0/8"}
	}
	for _, entry := range c.Management.ACL {
		if _, err := netip.ParsePrefix(entry); err != nil {
			return fmt.Errorf("invalid management acl entry %q: %w", entry, err)
		}
	}

	c.Bridge.Type = strings.ToLower(strings.TrimSpace(c.Bridge.Type))
	if c.Bridge.Type == "" {
		c.Bridge.Type = "none"
	}
	switch c.Bridge.Type {
	case "none", "loopback":
	case "udp":
		if c.Bridge.Listen == "" {
			return errors.New("bridge.listen is required for udp bridge")
		}
		if c.Bridge.Peer == "" {
			return errors.New("bridge.peer is required for udp bridge")
		}
		if _, err := netip.ParseAddrPort(c.Bridge.Peer); err != nil {
			return fmt.Errorf("invalid bridge peer %q: %w", c.Bridge.Peer, err)
		}
	case "tun":
		if c.Interface.Mode != ModeTUN {
			return errors.New("tun bridge requires a tun interface")
		}
		if c.Bridge.Name == "" {
			return errors.New("bridge.name is required for tun bridge")
		}
		if c.Bridge.MTU < 0 {
			return errors.New("bridge.mtu cannot be negative")
		}
	default:
		return fmt.Errorf("unsupported bridge type %q", c.Bridge.Type)
	}

	if c.Diagnostics.Rate < 0 || c.Diagnostics.Burst < 0 {
		return errors.New("diagnostics rate and burst cannot be negative")
	}
	if c.Audit.RotateSize < 0 {
		return errors.New("audit rotate size cannot be negative")
	}
	if c.WatchInterval.Duration < 0 {
		return errors.New("watch interval cannot be negative")
	}
	return nil
}

func (c *Config) NormalisedLevel() string {
	return strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

func (c *Config) EffectiveBridgeBuffer() int {
	if c.Bridge.Buffer <= 0 {
		return 256
	}
	return c.Bridge.Buffer
}

func (c *Config) EffectiveDiagnosticsRate() int {
	if c.Diagnostics.Rate <= 0 {
		return 60
	}
	return c.Diagnostics.Rate
}

func (c *Config) EffectiveDiagnosticsBurst() int {
	if c.Diagnostics.Burst <= 0 {
		return 10
	}
	return c.Diagnostics.Burst
}

func (c *Config) EffectiveWatchInterval() time.Duration {
	if c.WatchInterval.Duration <= 0 {
		return 2 * time.Second
	}
	return c.WatchInterval.Duration
}

func (c *Config) ManagementPrefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(c.Management.ACL))
	for _, entry := range c.Management.ACL {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			out = append(out, prefix)
		}
	}
	return out
}
