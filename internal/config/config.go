// Package config loads the JSON configuration document and resolves
// per-mount settings against their global defaults. A handful of settings
// can be overridden from the environment for container deployments.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize is a byte count that accepts either a JSON integer or a string
// in "<n>k" form ("64k" = 65536).
type ByteSize int

var sizeRe = regexp.MustCompile(`^\d+k?$`)

func (s *ByteSize) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		if n < 0 {
			return fmt.Errorf("config: size must be positive, got %d", n)
		}
		*s = ByteSize(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("config: bad size %s", b)
	}
	v, err := ParseSize(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSize parses "<n>" or "<n>k".
func ParseSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if !sizeRe.MatchString(s) {
		return 0, fmt.Errorf("config: bad size format %q", s)
	}
	kilo := strings.HasSuffix(s, "k")
	n, err := strconv.Atoi(strings.TrimSuffix(s, "k"))
	if err != nil {
		return 0, fmt.Errorf("config: bad size %q: %w", s, err)
	}
	if kilo {
		n <<= 10
	}
	return ByteSize(n), nil
}

// HandlerConfig names a registered handler factory plus its free-form
// settings.
type HandlerConfig struct {
	Handler string
	Args    map[string]any
}

func (h *HandlerConfig) UnmarshalJSON(b []byte) error {
	args := make(map[string]any)
	if err := json.Unmarshal(b, &args); err != nil {
		return err
	}
	name, _ := args["handler"].(string)
	if name == "" {
		return fmt.Errorf("config: handler entry missing \"handler\" key")
	}
	delete(args, "handler")
	h.Handler = name
	h.Args = args
	return nil
}

// String returns a string argument or "".
func (h HandlerConfig) String(key string) string {
	v, _ := h.Args[key].(string)
	return v
}

// Int returns an integer argument or 0 (JSON numbers decode as float64).
func (h HandlerConfig) Int(key string) int {
	switch v := h.Args[key].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// Mount configures one mount path. Pointer fields distinguish "unset"
// (inherit the global) from an explicit zero.
type Mount struct {
	Path          string    `json:"path"`
	SourceURLs    []string  `json:"source_urls"`
	BurstSize     *ByteSize `json:"burst_size"`
	OnDemand      *bool     `json:"on_demand"`
	Keepalive     *int      `json:"keepalive"`
	NetResolveAll *bool     `json:"net_resolve_all"`

	User           string `json:"user"`
	Password       string `json:"password"`
	SourceUser     string `json:"source_user"`
	SourcePassword string `json:"source_password"`

	Secret       string `json:"secret"`
	TokenTimeout int    `json:"token_timeout"`
	TokenPrefix  string `json:"token_prefix"`
}

// Config is the whole document.
type Config struct {
	Listen        string    `json:"listen"`
	BurstSize     *ByteSize `json:"burst_size"`
	QueueSize     *ByteSize `json:"queue_size"`
	OnDemand      bool      `json:"on_demand"`
	Keepalive     *int      `json:"keepalive"`
	NetResolveAll bool      `json:"net_resolve_all"`
	ClientsLimit  int       `json:"clients_limit"`

	User           string `json:"user"`
	Password       string `json:"password"`
	SourceUser     string `json:"source_user"`
	SourcePassword string `json:"source_password"`

	Mounts     []Mount                  `json:"mounts"`
	Auth       []HandlerConfig          `json:"auth"`
	Status     map[string]HandlerConfig `json:"status"`
	Statistics []HandlerConfig          `json:"statistics"`
}

// Load reads and validates the document at path, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	for i := range cfg.Mounts {
		if cfg.Mounts[i].Path == "" {
			return nil, fmt.Errorf("mounts[%d]: path required", i)
		}
		if !strings.HasPrefix(cfg.Mounts[i].Path, "/") {
			return nil, fmt.Errorf("mounts[%d]: path must start with /", i)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AIRCAST_LISTEN"); v != "" {
		c.Listen = v
	}
	c.ClientsLimit = getEnvInt("AIRCAST_CLIENTS_LIMIT", c.ClientsLimit)
}

func getEnvInt(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// MountFor returns the mount configured for path, or nil.
func (c *Config) MountFor(path string) *Mount {
	for i := range c.Mounts {
		if c.Mounts[i].Path == path {
			return &c.Mounts[i]
		}
	}
	return nil
}

// EffectiveBurstSize resolves a mount's burst size (0 = source default).
func (c *Config) EffectiveBurstSize(m *Mount) int {
	if m != nil && m.BurstSize != nil {
		return int(*m.BurstSize)
	}
	if c.BurstSize != nil {
		return int(*c.BurstSize)
	}
	return 0
}

// EffectiveOnDemand resolves a mount's on-demand flag.
func (c *Config) EffectiveOnDemand(m *Mount) bool {
	if m != nil && m.OnDemand != nil {
		return *m.OnDemand
	}
	return c.OnDemand
}

// EffectiveKeepalive resolves a mount's keepalive grace in seconds
// (0 = disabled).
func (c *Config) EffectiveKeepalive(m *Mount) int {
	if m != nil && m.Keepalive != nil {
		return *m.Keepalive
	}
	if c.Keepalive != nil {
		return *c.Keepalive
	}
	return 0
}

// EffectiveNetResolveAll resolves a mount's resolve-all-addresses flag.
func (c *Config) EffectiveNetResolveAll(m *Mount) bool {
	if m != nil && m.NetResolveAll != nil {
		return *m.NetResolveAll
	}
	return c.NetResolveAll
}

// EffectiveQueueSize resolves the client output queue cap in bytes
// (0 = built-in default).
func (c *Config) EffectiveQueueSize() int {
	if c.QueueSize != nil {
		return int(*c.QueueSize)
	}
	return 0
}
