package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Default configuration values
const (
	DefaultServer             = "ws://localhost:8080/ws"
	DefaultSTUNServer         = "stun:stun.l.google.com:19302"
	DefaultReconnectDelay     = 3 * time.Second
	DefaultRingTimeout        = 45 * time.Second
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultWidth              = 640
	DefaultHeight             = 480
	DefaultFrameRate          = 30
)

// Config holds application configuration
type Config struct {
	// Server is the relay websocket URL
	Server      string `koanf:"server"`
	UserID      string `koanf:"user_id"`
	DisplayName string `koanf:"display_name"`

	ICE       ICEConfig       `koanf:"ice"`
	Signaling SignalingConfig `koanf:"signaling"`
	Call      CallConfig      `koanf:"call"`
	Media     MediaConfig     `koanf:"media"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ICEConfig lists the negotiation helper servers
type ICEConfig struct {
	STUN       []string `koanf:"stun"`
	TURN       []string `koanf:"turn"`
	TURNUser   string   `koanf:"turn_user"`
	TURNPass   string   `koanf:"turn_pass"`
	ForceRelay bool     `koanf:"force_relay"`
}

type SignalingConfig struct {
	ReconnectDelay time.Duration `koanf:"reconnect_delay"`
}

// CallConfig holds call timers. Zero disables a timer.
type CallConfig struct {
	RingTimeout        time.Duration `koanf:"ring_timeout"`
	NegotiationTimeout time.Duration `koanf:"negotiation_timeout"`
}

// MediaConfig holds capture hints
type MediaConfig struct {
	Width     int     `koanf:"width"`
	Height    int     `koanf:"height"`
	FrameRate float64 `koanf:"frame_rate"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
}

// Options for loading config with CLI flag overrides
type Options struct {
	ConfigPath  string
	Server      string
	UserID      string
	DisplayName string
	STUNServer  string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	ForceRelay  bool
	LogLevel    string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. YAML config file
// 4. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	k := koanf.New(".")

	path, explicit := configPath(opts.ConfigPath)
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg, k)
	applyEnv(&cfg)
	applyOptions(&cfg, opts)

	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.UserID
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// configPath returns the file to read and whether the user named it.
func configPath(flagPath string) (string, bool) {
	if flagPath != "" {
		return flagPath, true
	}
	if env := os.Getenv("WARPCALL_CONFIG"); env != "" {
		return env, true
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(dir, "warpcall", "config.yaml"), false
}

// applyDefaults fills keys the file did not set. Timers are checked by key so
// an explicit 0 keeps them disabled.
func applyDefaults(cfg *Config, k *koanf.Koanf) {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if len(cfg.ICE.STUN) == 0 {
		cfg.ICE.STUN = []string{DefaultSTUNServer}
	}
	if !k.Exists("signaling.reconnect_delay") {
		cfg.Signaling.ReconnectDelay = DefaultReconnectDelay
	}
	if !k.Exists("call.ring_timeout") {
		cfg.Call.RingTimeout = DefaultRingTimeout
	}
	if !k.Exists("call.negotiation_timeout") {
		cfg.Call.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if !k.Exists("media.width") {
		cfg.Media.Width = DefaultWidth
	}
	if !k.Exists("media.height") {
		cfg.Media.Height = DefaultHeight
	}
	if !k.Exists("media.frame_rate") {
		cfg.Media.FrameRate = DefaultFrameRate
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WARPCALL_SERVER"); v != "" {
		cfg.Server = v
	}
	if v := os.Getenv("WARPCALL_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("WARPCALL_NAME"); v != "" {
		cfg.DisplayName = v
	}
	if v := os.Getenv("STUN_SERVER"); v != "" {
		cfg.ICE.STUN = splitList(v)
	}
	if v := os.Getenv("TURN_SERVER"); v != "" {
		cfg.ICE.TURN = splitList(v)
	}
	if v := os.Getenv("TURN_USERNAME"); v != "" {
		cfg.ICE.TURNUser = v
	}
	if v := os.Getenv("TURN_PASSWORD"); v != "" {
		cfg.ICE.TURNPass = v
	}
}

func applyOptions(cfg *Config, opts Options) {
	if opts.Server != "" {
		cfg.Server = opts.Server
	}
	if opts.UserID != "" {
		cfg.UserID = opts.UserID
	}
	if opts.DisplayName != "" {
		cfg.DisplayName = opts.DisplayName
	}
	if opts.STUNServer != "" {
		cfg.ICE.STUN = splitList(opts.STUNServer)
	}
	if opts.TURNServer != "" {
		cfg.ICE.TURN = splitList(opts.TURNServer)
	}
	if opts.TURNUser != "" {
		cfg.ICE.TURNUser = opts.TURNUser
	}
	if opts.TURNPass != "" {
		cfg.ICE.TURNPass = opts.TURNPass
	}
	if opts.ForceRelay {
		cfg.ICE.ForceRelay = true
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
}

// validate checks the configuration for required fields and consistency
func validate(cfg *Config) error {
	if cfg.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	u, err := url.Parse(cfg.Server)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("invalid server %q: must be a ws:// or wss:// URL", cfg.Server)
	}

	if cfg.ICE.ForceRelay && len(cfg.ICE.TURN) == 0 {
		return fmt.Errorf("force_relay requires a TURN server")
	}

	if cfg.Signaling.ReconnectDelay < 0 {
		return fmt.Errorf("signaling.reconnect_delay must not be negative")
	}
	if cfg.Call.RingTimeout < 0 {
		return fmt.Errorf("call.ring_timeout must not be negative")
	}
	if cfg.Call.NegotiationTimeout < 0 {
		return fmt.Errorf("call.negotiation_timeout must not be negative")
	}

	if cfg.Media.Width <= 0 || cfg.Media.Height <= 0 || cfg.Media.FrameRate <= 0 {
		return fmt.Errorf("media width, height and frame_rate must be positive")
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetSTUNServers returns STUN server URLs
func (c *Config) GetSTUNServers() []string {
	return c.ICE.STUN
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if len(c.ICE.TURN) == 0 {
		return nil
	}
	return c.ICE.TURN
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.ICE.TURNUser, c.ICE.TURNPass
}

// ICEServerURLs returns every configured negotiation helper server
func (c *Config) ICEServerURLs() []string {
	urls := append([]string(nil), c.GetSTUNServers()...)
	return append(urls, c.GetTURNServers()...)
}
