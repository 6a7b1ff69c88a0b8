// Package config provides configuration loading for remotectl binaries.
//
// Configuration is loaded from a single YAML file specified by:
//   - the --config flag, or
//   - the REMOTECTL_CONFIG environment variable.
//
// There is no discovery of config files. Without either, the built-in defaults apply. Flags
// given on the command line override values from the file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"remotectl/loadbalance"
	"remotectl/mailbox"
	"remotectl/server"
	"remotectl/world"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "REMOTECTL_CONFIG"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Registry RegistryConfig `yaml:"registry"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the remote control listener and the tick loop.
type ServerConfig struct {
	// Address is the bind address. Default: 127.0.0.1
	Address string `yaml:"address"`

	// Port is the listen port. Default: 15702
	Port int `yaml:"port"`

	// MailboxSize bounds the requests queued between ticks. Default: 16
	MailboxSize int `yaml:"mailbox_size"`

	// TickRate is the number of ticks per second. Default: 60
	TickRate int `yaml:"tick_rate"`

	// MaxBodyBytes bounds a request body. Default: 1 MiB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// MaxInFlightAge answers requests that waited longer with an ERROR. Default: 0 (disabled)
	MaxInFlightAge time.Duration `yaml:"max_in_flight_age"`

	// ShutdownTimeout bounds the wait for in-flight requests on shutdown. Default: 5s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// WebSocket enables the /ws endpoint. Default: true
	WebSocket bool `yaml:"websocket"`
}

// RateLimitConfig configures the token bucket in front of the mailbox. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ClientConfig struct {
	// URL of the server, http(s):// or ws(s)://. Ignored when the registry is used.
	URL string `yaml:"url"`

	// MarkerComponent identifies the remote entity to mirror to. Default: the camera type path
	MarkerComponent string `yaml:"marker_component"`

	// RequestTimeout bounds each request. Default: 0 (none)
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Balancer picks among discovered instances: round_robin, weighted_random, consistent_hash.
	Balancer string `yaml:"balancer"`

	// ClientID keys consistent hashing so a client sticks to one instance.
	ClientID string `yaml:"client_id"`
}

// RegistryConfig configures service advertisement and discovery through etcd. An empty
// Endpoints list disables both.
type RegistryConfig struct {
	Endpoints  []string `yaml:"endpoints"`
	Service    string   `yaml:"service"`
	TTLSeconds int64    `yaml:"ttl_seconds"`

	// Advertise is the URL published for this server. Default: the listener's own URL
	Advertise string `yaml:"advertise"`
}

type LogConfig struct {
	// Level is debug, info, warn or error. Default: info
	Level string `yaml:"level"`

	// Format is text or json. Default: text
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         server.DefaultAddress,
			Port:            server.DefaultPort,
			MailboxSize:     mailbox.DefaultSize,
			TickRate:        server.DefaultTickRate,
			MaxBodyBytes:    server.DefaultMaxBodyBytes,
			ShutdownTimeout: 5 * time.Second,
			WebSocket:       true,
		},
		Client: ClientConfig{
			URL:             "http://" + net.JoinHostPort(server.DefaultAddress, strconv.Itoa(server.DefaultPort)),
			MarkerComponent: world.CameraPath,
			Balancer:        "round_robin",
		},
		Registry: RegistryConfig{
			Service:    "remotectl",
			TTLSeconds: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads the file at path, or the file named by REMOTECTL_CONFIG when path is empty. With
// neither, it returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.MailboxSize < 1 {
		errs = append(errs, fmt.Errorf("server.mailbox_size must be positive, got %d", c.Server.MailboxSize))
	}
	if c.Server.TickRate < 1 || c.Server.TickRate > server.MaxTickRate {
		errs = append(errs, fmt.Errorf("server.tick_rate must be between 1 and %d, got %d", server.MaxTickRate, c.Server.TickRate))
	}
	if c.Server.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes must be positive, got %d", c.Server.MaxBodyBytes))
	}
	if c.Server.RateLimit.RPS < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit.rps must not be negative"))
	}
	if c.Server.RateLimit.RPS > 0 && c.Server.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Errorf("server.rate_limit.burst must be positive when rps is set"))
	}
	if c.Server.MaxInFlightAge < 0 || c.Server.ShutdownTimeout < 0 || c.Client.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("durations must not be negative"))
	}

	if c.Client.MarkerComponent == "" {
		errs = append(errs, fmt.Errorf("client.marker_component is required"))
	}
	if _, err := loadbalance.ForName(c.Client.Balancer); err != nil {
		errs = append(errs, fmt.Errorf("client.balancer: %w", err))
	}

	if len(c.Registry.Endpoints) > 0 {
		if c.Registry.Service == "" {
			errs = append(errs, fmt.Errorf("registry.service is required with registry.endpoints"))
		}
		if c.Registry.TTLSeconds < 1 {
			errs = append(errs, fmt.Errorf("registry.ttl_seconds must be positive, got %d", c.Registry.TTLSeconds))
		}
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ListenAddress joins the server address and port.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// NewLogger builds the logger described by the log section, writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch l.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", l.Format)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Parse reads --config from args, loads that file (or REMOTECTL_CONFIG, or the defaults), then
// parses args into flagSet with bind's flags pointing into the loaded config, so flags win over
// the file. flagSet gets a --config flag of its own.
func Parse(flagSet *pflag.FlagSet, args []string, bind func(*Config, *pflag.FlagSet)) (*Config, error) {
	pre := pflag.NewFlagSet(flagSet.Name(), pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	path := pre.String("config", "", "")
	pre.BoolP("help", "h", false, "")
	if err := pre.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := Load(*path)
	if err != nil {
		return nil, err
	}
	flagSet.String("config", "", "path to the YAML config file (default $"+EnvVar+")")
	if bind != nil {
		bind(cfg, flagSet)
	}
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BindServerFlags adds flags for the server section.
func (c *Config) BindServerFlags(flagSet *pflag.FlagSet) {
	s := &c.Server
	flagSet.StringVar(&s.Address, "address", s.Address, "bind address")
	flagSet.IntVar(&s.Port, "port", s.Port, "listen port")
	flagSet.IntVar(&s.MailboxSize, "mailbox-size", s.MailboxSize, "requests queued between ticks")
	flagSet.IntVar(&s.TickRate, "tick-rate", s.TickRate, "ticks per second")
	flagSet.Int64Var(&s.MaxBodyBytes, "max-body-bytes", s.MaxBodyBytes, "largest accepted request body")
	flagSet.Float64Var(&s.RateLimit.RPS, "rate-limit", s.RateLimit.RPS, "requests per second, 0 for no limit")
	flagSet.IntVar(&s.RateLimit.Burst, "rate-burst", s.RateLimit.Burst, "rate limit burst")
	flagSet.DurationVar(&s.MaxInFlightAge, "max-in-flight-age", s.MaxInFlightAge, "fail requests waiting longer, 0 to disable")
	flagSet.DurationVar(&s.ShutdownTimeout, "shutdown-timeout", s.ShutdownTimeout, "graceful shutdown limit")
	flagSet.BoolVar(&s.WebSocket, "websocket", s.WebSocket, "serve the /ws endpoint")
}

// BindClientFlags adds flags for the client section.
func (c *Config) BindClientFlags(flagSet *pflag.FlagSet) {
	cl := &c.Client
	flagSet.StringVar(&cl.URL, "url", cl.URL, "server URL, http(s):// or ws(s)://")
	flagSet.StringVar(&cl.MarkerComponent, "marker", cl.MarkerComponent, "component type path of the remote entity to mirror")
	flagSet.DurationVar(&cl.RequestTimeout, "timeout", cl.RequestTimeout, "per request timeout, 0 for none")
	flagSet.StringVar(&cl.Balancer, "balancer", cl.Balancer, "instance picking: round_robin, weighted_random, consistent_hash")
	flagSet.StringVar(&cl.ClientID, "client-id", cl.ClientID, "key for consistent hashing")
}

// BindRegistryFlags adds flags for the registry section.
func (c *Config) BindRegistryFlags(flagSet *pflag.FlagSet) {
	r := &c.Registry
	flagSet.StringSliceVar(&r.Endpoints, "etcd", r.Endpoints, "etcd endpoints for service registration and discovery")
	flagSet.StringVar(&r.Service, "service", r.Service, "service name in the registry")
	flagSet.Int64Var(&r.TTLSeconds, "ttl", r.TTLSeconds, "registration lease in seconds")
	flagSet.StringVar(&r.Advertise, "advertise", r.Advertise, "URL to publish, default the listener URL")
}

// BindLogFlags adds flags for the log section.
func (c *Config) BindLogFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.Log.Level, "log-level", c.Log.Level, "debug, info, warn or error")
	flagSet.StringVar(&c.Log.Format, "log-format", c.Log.Format, "text or json")
}
