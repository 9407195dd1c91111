// Package config parses deskrelay's server, workstation, and attach
// settings. Values resolve in order: defaults, optional YAML file
// (--config or DESKRELAY_CONFIG), DESKRELAY_* environment variables, then
// explicit flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/koltyakov/deskrelay/internal/auth"
)

// EnvPrefix prefixes every environment variable the config layer reads.
const EnvPrefix = "DESKRELAY_"

type ServerConfig struct {
	Listen              string        `yaml:"listen"`
	ListenHTTPChallenge string        `yaml:"http_challenge_listen"`
	PublicURL           string        `yaml:"public_url"`
	APIKey              string        `yaml:"api_key"`
	TLSMode             string        `yaml:"tls_mode"`
	Domain              string        `yaml:"domain"`
	CertCacheDir        string        `yaml:"cert_cache_dir"`
	TLSCertFile         string        `yaml:"tls_cert_file"`
	TLSKeyFile          string        `yaml:"tls_key_file"`
	LogLevel            string        `yaml:"log_level"`
	LogFormat           string        `yaml:"log_format"`
	PingTimeout         time.Duration `yaml:"ping_timeout"`
	JanitorInterval     time.Duration `yaml:"janitor_interval"`
	PollingIdleTimeout  time.Duration `yaml:"polling_idle_timeout"`
	PollingExpiry       time.Duration `yaml:"polling_expiry"`
	MailboxSize         int           `yaml:"mailbox_size"`
	MailboxTTL          time.Duration `yaml:"mailbox_ttl"`
	MaxFrameBytes       int64         `yaml:"max_frame_bytes"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	PprofListen         string        `yaml:"pprof_listen"`
}

type WorkstationConfig struct {
	RelayURL            string        `yaml:"relay_url"`
	APIKey              string        `yaml:"api_key"`
	AuthKey             string        `yaml:"auth_key"`
	Name                string        `yaml:"name"`
	StatePath           string        `yaml:"state_path"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	PongTimeout         time.Duration `yaml:"pong_timeout"`
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`
	ReconnectMin        time.Duration `yaml:"reconnect_min"`
	ReconnectMax        time.Duration `yaml:"reconnect_max"`
	BroadcastTimeout    time.Duration `yaml:"broadcast_timeout"`
	SendBuffer          int           `yaml:"send_buffer"`
	LogLevel            string        `yaml:"log_level"`
	LogFormat           string        `yaml:"log_format"`
	PprofListen         string        `yaml:"pprof_listen"`
}

type AttachConfig struct {
	RelayURL  string        `yaml:"relay_url"`
	Transport string        `yaml:"transport"`
	TunnelID  string        `yaml:"tunnel_id"`
	AuthKey   string        `yaml:"auth_key"`
	DeviceID  string        `yaml:"device_id"`
	PollEvery time.Duration `yaml:"poll_interval"`
	Heartbeat time.Duration `yaml:"heartbeat_interval"`
	Timeout   time.Duration `yaml:"timeout"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
}

const (
	defaultServerListen         = ":8080"
	defaultServerHTTPChallenge  = ":80"
	defaultServerCertCacheDir   = "./cert"
	defaultServerPingTimeout    = 90 * time.Second
	defaultJanitorInterval      = 30 * time.Second
	defaultPollingIdleTimeout   = 2 * time.Minute
	defaultPollingExpiry        = 30 * time.Minute
	defaultMailboxSize          = 100
	defaultMailboxTTL           = 5 * time.Minute
	defaultMaxFrameBytes        = 1 << 20
	defaultWriteTimeout         = 10 * time.Second
	defaultRequestTimeout       = 15 * time.Second
	defaultWorkstationStatePath = "./deskrelay-workstation.db"
	defaultHeartbeatInterval    = 30 * time.Second
	defaultPongTimeout          = 10 * time.Second
	defaultRegistrationTimeout  = 10 * time.Second
	defaultReconnectMin         = time.Second
	defaultReconnectMax         = 30 * time.Second
	defaultBroadcastTimeout     = 2 * time.Second
	defaultSendBuffer           = 256
	defaultAttachPollInterval   = 2 * time.Second
	defaultAttachTimeout        = 15 * time.Second
)

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:              defaultServerListen,
		ListenHTTPChallenge: defaultServerHTTPChallenge,
		TLSMode:             "off",
		CertCacheDir:        defaultServerCertCacheDir,
		LogLevel:            "info",
		LogFormat:           "text",
		PingTimeout:         defaultServerPingTimeout,
		JanitorInterval:     defaultJanitorInterval,
		PollingIdleTimeout:  defaultPollingIdleTimeout,
		PollingExpiry:       defaultPollingExpiry,
		MailboxSize:         defaultMailboxSize,
		MailboxTTL:          defaultMailboxTTL,
		MaxFrameBytes:       defaultMaxFrameBytes,
		WriteTimeout:        defaultWriteTimeout,
		RequestTimeout:      defaultRequestTimeout,
	}
}

func defaultWorkstationConfig() WorkstationConfig {
	host, _ := os.Hostname()
	return WorkstationConfig{
		Name:                host,
		StatePath:           defaultWorkstationStatePath,
		HeartbeatInterval:   defaultHeartbeatInterval,
		PongTimeout:         defaultPongTimeout,
		RegistrationTimeout: defaultRegistrationTimeout,
		ReconnectMin:        defaultReconnectMin,
		ReconnectMax:        defaultReconnectMax,
		BroadcastTimeout:    defaultBroadcastTimeout,
		SendBuffer:          defaultSendBuffer,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

func defaultAttachConfig() AttachConfig {
	return AttachConfig{
		Transport: "socket",
		PollEvery: defaultAttachPollInterval,
		Heartbeat: defaultHeartbeatInterval,
		Timeout:   defaultAttachTimeout,
		LogLevel:  "warn",
		LogFormat: "text",
	}
}

// ParseServerFlags resolves the relay configuration.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := defaultServerConfig()

	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Listen address")
	fs.StringVar(&cfg.ListenHTTPChallenge, "http-challenge-listen", cfg.ListenHTTPChallenge, "HTTP-01 challenge listen address (tls-mode auto)")
	fs.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "Public base URL advertised to workstations")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "Shared API key workstations register with")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|auto|static")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "Public domain (tls-mode auto)")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "ACME certificate cache dir")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.DurationVar(&cfg.PingTimeout, "ping-timeout", cfg.PingTimeout, "Drop sockets silent for longer than this")
	fs.DurationVar(&cfg.JanitorInterval, "janitor-interval", cfg.JanitorInterval, "Stale connection sweep interval")
	fs.DurationVar(&cfg.PollingIdleTimeout, "polling-idle-timeout", cfg.PollingIdleTimeout, "Mark polling clients inactive after this")
	fs.DurationVar(&cfg.PollingExpiry, "polling-expiry", cfg.PollingExpiry, "Forget polling clients after this")
	fs.IntVar(&cfg.MailboxSize, "mailbox-size", cfg.MailboxSize, "Polling mailbox capacity")
	fs.DurationVar(&cfg.MailboxTTL, "mailbox-ttl", cfg.MailboxTTL, "Polling mailbox entry TTL")
	fs.Int64Var(&cfg.MaxFrameBytes, "max-frame-bytes", cfg.MaxFrameBytes, "Maximum inbound websocket frame size")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Websocket write timeout")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Polling request timeout")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "Optional pprof listen address")

	if err := resolve(fs, args, &cfg, func() { cfg = defaultServerConfig() }); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks a resolved server configuration.
func (c *ServerConfig) Validate() error {
	c.TLSMode = strings.ToLower(strings.TrimSpace(c.TLSMode))
	c.PublicURL = strings.TrimRight(strings.TrimSpace(c.PublicURL), "/")
	if len(c.APIKey) < auth.MinAPIKeyLength {
		return fmt.Errorf("api key must be at least %d characters (--api-key or %sAPI_KEY)", auth.MinAPIKeyLength, EnvPrefix)
	}
	switch c.TLSMode {
	case "off", "":
		c.TLSMode = "off"
	case "auto":
		if strings.TrimSpace(c.Domain) == "" {
			return errors.New("tls mode auto requires --domain")
		}
	case "static":
		if c.TLSCertFile == "" || c.TLSKeyFile == "" {
			return errors.New("tls mode static requires --tls-cert-file and --tls-key-file")
		}
	default:
		return errors.New("tls mode must be one of: off, auto, static")
	}
	if err := positive(map[string]time.Duration{
		"ping timeout":         c.PingTimeout,
		"janitor interval":     c.JanitorInterval,
		"polling idle timeout": c.PollingIdleTimeout,
		"polling expiry":       c.PollingExpiry,
		"mailbox ttl":          c.MailboxTTL,
		"write timeout":        c.WriteTimeout,
		"request timeout":      c.RequestTimeout,
	}); err != nil {
		return err
	}
	if c.PollingExpiry < c.PollingIdleTimeout {
		return errors.New("polling expiry must be >= polling idle timeout")
	}
	if c.MailboxSize <= 0 {
		return errors.New("mailbox size must be > 0")
	}
	if c.MaxFrameBytes <= 0 {
		return errors.New("max frame bytes must be > 0")
	}
	return nil
}

// ParseWorkstationFlags resolves the workstation configuration.
func ParseWorkstationFlags(args []string) (WorkstationConfig, error) {
	cfg := defaultWorkstationConfig()

	fs := pflag.NewFlagSet("workstation", pflag.ContinueOnError)
	fs.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "Relay websocket URL (e.g. wss://relay.example.com/ws)")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "Relay API key")
	fs.StringVar(&cfg.AuthKey, "auth-key", cfg.AuthKey, "Key mobile clients must present")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "Workstation display name")
	fs.StringVar(&cfg.StatePath, "state", cfg.StatePath, "SQLite path for durable tunnel state")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Ping interval once registered")
	fs.DurationVar(&cfg.PongTimeout, "pong-timeout", cfg.PongTimeout, "Fail the connection if no pong within this")
	fs.DurationVar(&cfg.RegistrationTimeout, "registration-timeout", cfg.RegistrationTimeout, "Fail the connection if not registered within this")
	fs.DurationVar(&cfg.ReconnectMin, "reconnect-min", cfg.ReconnectMin, "Initial reconnect delay")
	fs.DurationVar(&cfg.ReconnectMax, "reconnect-max", cfg.ReconnectMax, "Maximum reconnect delay")
	fs.DurationVar(&cfg.BroadcastTimeout, "broadcast-timeout", cfg.BroadcastTimeout, "Per-client broadcast timeout")
	fs.IntVar(&cfg.SendBuffer, "send-buffer", cfg.SendBuffer, "Frames buffered while connecting")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "Optional pprof listen address")

	if err := resolve(fs, args, &cfg, func() { cfg = defaultWorkstationConfig() }); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks a resolved workstation configuration.
func (c *WorkstationConfig) Validate() error {
	c.RelayURL = strings.TrimSpace(c.RelayURL)
	c.Name = strings.TrimSpace(c.Name)
	if c.RelayURL == "" {
		return fmt.Errorf("missing --relay or %sRELAY", EnvPrefix)
	}
	if !strings.HasPrefix(c.RelayURL, "ws://") && !strings.HasPrefix(c.RelayURL, "wss://") {
		return errors.New("relay url must use ws:// or wss://")
	}
	if len(c.APIKey) < auth.MinAPIKeyLength {
		return fmt.Errorf("api key must be at least %d characters", auth.MinAPIKeyLength)
	}
	if len(c.AuthKey) < auth.MinAuthKeyLength {
		return fmt.Errorf("auth key must be at least %d characters", auth.MinAuthKeyLength)
	}
	if c.Name == "" {
		return errors.New("workstation name must not be empty")
	}
	if err := positive(map[string]time.Duration{
		"heartbeat interval":   c.HeartbeatInterval,
		"pong timeout":         c.PongTimeout,
		"registration timeout": c.RegistrationTimeout,
		"reconnect min":        c.ReconnectMin,
		"reconnect max":        c.ReconnectMax,
		"broadcast timeout":    c.BroadcastTimeout,
	}); err != nil {
		return err
	}
	if c.ReconnectMin > c.ReconnectMax {
		return errors.New("reconnect min must be <= reconnect max")
	}
	if c.SendBuffer <= 0 {
		return errors.New("send buffer must be > 0")
	}
	return nil
}

// ParseAttachFlags resolves the attach (mobile client) configuration.
func ParseAttachFlags(args []string) (AttachConfig, error) {
	cfg := defaultAttachConfig()

	fs := pflag.NewFlagSet("attach", pflag.ContinueOnError)
	fs.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "Relay base URL (http(s):// for polling, ws(s):// for socket)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Transport: socket|polling")
	fs.StringVar(&cfg.TunnelID, "tunnel", cfg.TunnelID, "Tunnel ID to attach to")
	fs.StringVar(&cfg.AuthKey, "auth-key", cfg.AuthKey, "Workstation auth key")
	fs.StringVar(&cfg.DeviceID, "device", cfg.DeviceID, "Device ID (defaults to a random one)")
	fs.DurationVar(&cfg.PollEvery, "poll-interval", cfg.PollEvery, "Polling interval (polling transport)")
	fs.DurationVar(&cfg.Heartbeat, "heartbeat-interval", cfg.Heartbeat, "Ping interval keeping the socket alive (socket transport)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Connect and request timeout")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")

	if err := resolve(fs, args, &cfg, func() { cfg = defaultAttachConfig() }); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks a resolved attach configuration.
func (c *AttachConfig) Validate() error {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	c.RelayURL = strings.TrimRight(strings.TrimSpace(c.RelayURL), "/")
	if c.RelayURL == "" {
		return fmt.Errorf("missing --relay or %sRELAY", EnvPrefix)
	}
	switch c.Transport {
	case "socket", "polling":
	default:
		return errors.New("transport must be one of: socket, polling")
	}
	if strings.TrimSpace(c.TunnelID) == "" {
		return errors.New("missing --tunnel")
	}
	if len(c.AuthKey) < auth.MinAuthKeyLength {
		return fmt.Errorf("auth key must be at least %d characters", auth.MinAuthKeyLength)
	}
	if c.DeviceID == "" {
		id, err := auth.GenerateSecret(8)
		if err != nil {
			return err
		}
		c.DeviceID = "device-" + id
	}
	return positive(map[string]time.Duration{
		"poll interval":      c.PollEvery,
		"heartbeat interval": c.Heartbeat,
		"timeout":            c.Timeout,
	})
}

// EnvKey returns the environment variable bound to a flag name.
func EnvKey(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// resolve parses args, then rebuilds the config from defaults, the YAML
// file, the environment, and finally the flags the user set explicitly.
// Flags are bound to fields of target, so reset must restore the defaults in
// place.
func resolve(fs *pflag.FlagSet, args []string, target any, reset func()) error {
	var configPath string
	fs.StringVar(&configPath, "config", "", "Optional YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	explicit := make(map[string]string)
	fs.Visit(func(f *pflag.Flag) {
		if f.Name != "config" {
			explicit[f.Name] = f.Value.String()
		}
	})
	if configPath == "" {
		configPath = strings.TrimSpace(os.Getenv(EnvKey("config")))
	}

	reset()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, target); err != nil {
			return fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}

	var errs error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		key := EnvKey(f.Name)
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		if err := f.Value.Set(strings.TrimSpace(v)); err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s: %w", key, err))
		}
	})
	if errs != nil {
		return errs
	}

	for name, v := range explicit {
		if err := fs.Set(name, v); err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
	}
	return nil
}

func positive(values map[string]time.Duration) error {
	var errs error
	for name, d := range values {
		if d <= 0 {
			errs = errors.Join(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	return errs
}
