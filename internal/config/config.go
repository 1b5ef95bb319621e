// Package config handles smartfarm agent configuration loading.
package config

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/smartfarm/config.yaml, /etc/smartfarm/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "smartfarm", "config.yaml"))
	}

	paths = append(paths, "/etc/smartfarm/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all agent configuration. Everything here is fixed for the
// life of the process; runtime state (mode, pump, thresholds) is never
// written back.
type Config struct {
	// DeviceID names this node. All topic names derive from it.
	DeviceID  string `yaml:"device_id"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json

	Broker    BrokerConfig    `yaml:"broker"`
	Link      LinkConfig      `yaml:"link"`
	Control   ControlConfig   `yaml:"control"`
	Sensors   SensorsConfig   `yaml:"sensors"`
	Actuators ActuatorsConfig `yaml:"actuators"`
	Listen    ListenConfig    `yaml:"listen"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Influx    InfluxConfig    `yaml:"influx"`
}

// BrokerConfig defines the MQTT broker connection.
type BrokerConfig struct {
	// URL is the broker address, e.g. mqtts://broker.example:8883.
	// Supported schemes: mqtt, tcp, mqtts, ssl, tls.
	URL            string `yaml:"url"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	ClientIDPrefix string `yaml:"client_id_prefix"`
	// InsecureSkipVerify disables certificate verification on TLS
	// links. Only meant for bench setups with self-signed brokers.
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	KeepAlive          time.Duration `yaml:"keep_alive"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	// RetryDelay is the fixed wait between failed handshakes.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// LinkConfig defines the network link underneath the broker session.
type LinkConfig struct {
	RetryDelay  time.Duration `yaml:"retry_delay"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ControlConfig defines the cooperative loop cadence.
type ControlConfig struct {
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
	LoopTick          time.Duration `yaml:"loop_tick"`
}

// SensorsConfig selects and tunes the sensor source.
type SensorsConfig struct {
	Driver     string          `yaml:"driver"` // simulated
	SoilRawMin int             `yaml:"soil_raw_min"`
	SoilRawMax int             `yaml:"soil_raw_max"`
	Simulated  SimulatedConfig `yaml:"simulated"`
}

// SimulatedConfig tunes the simulated sensor bench.
type SimulatedConfig struct {
	BaseTemperature float64 `yaml:"base_temperature"`
	BaseHumidity    float64 `yaml:"base_humidity"`
	InitialSoilRaw  int     `yaml:"initial_soil_raw"`
	// FaultRate is the probability (0..1) that a climate read fails.
	FaultRate float64 `yaml:"fault_rate"`
	Seed      uint64  `yaml:"seed"`
}

// ActuatorsConfig selects the actuator sink.
type ActuatorsConfig struct {
	Driver string     `yaml:"driver"` // log or gpio
	GPIO   GPIOConfig `yaml:"gpio"`
}

// GPIOConfig maps outputs to character-device line offsets.
type GPIOConfig struct {
	Chip      string `yaml:"chip"`
	PumpLine  int    `yaml:"pump_line"`
	RedLine   int    `yaml:"red_line"`
	GreenLine int    `yaml:"green_line"`
}

// ListenConfig defines the status HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // 0 disables the server
}

// GRPCConfig defines the gRPC health endpoint.
type GRPCConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"` // 0 disables the server
}

// InfluxConfig defines the optional telemetry mirror. The mirror is
// enabled when URL is set.
type InfluxConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	Org          string        `yaml:"org"`
	Bucket       string        `yaml:"bucket"`
	Measurement  string        `yaml:"measurement"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// BreakerFailures consecutive write failures open the breaker
	// for BreakerCooldown.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	// InsecureSkipVerify accepts self-signed certificates on https URLs.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Enabled reports whether the Influx mirror should be started.
func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

// Load reads configuration from a YAML file. A .env file next to the
// config (and one in the working directory) is loaded first so that
// ${VAR} references can pick up secrets. Variables already present in
// the environment win over .env values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

func loadDotEnv(paths ...string) error {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("load %s: %w", abs, err)
		}
	}
	return nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Broker: BrokerConfig{
			ClientIDPrefix: "smartfarm-",
			KeepAlive:      90 * time.Second,
			ConnectTimeout: 10 * time.Second,
			RetryDelay:     5 * time.Second,
		},
		Link: LinkConfig{
			RetryDelay:  500 * time.Millisecond,
			DialTimeout: 5 * time.Second,
		},
		Control: ControlConfig{
			TelemetryInterval: 5 * time.Second,
			LoopTick:          100 * time.Millisecond,
		},
		Sensors: SensorsConfig{
			Driver:     "simulated",
			SoilRawMin: 0,
			SoilRawMax: 4095,
			Simulated: SimulatedConfig{
				BaseTemperature: 24,
				BaseHumidity:    55,
				InitialSoilRaw:  1800,
			},
		},
		Actuators: ActuatorsConfig{
			Driver: "log",
			GPIO:   GPIOConfig{Chip: "gpiochip0"},
		},
		Listen: ListenConfig{Port: 8080},
		Influx: InfluxConfig{
			Measurement:     "environment",
			WriteTimeout:    2 * time.Second,
			BreakerFailures: 3,
			BreakerCooldown: 30 * time.Second,
		},
	}
}

// applyDefaults fills zero values that YAML may have cleared explicitly.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Broker.ClientIDPrefix == "" {
		c.Broker.ClientIDPrefix = def.Broker.ClientIDPrefix
	}
	if c.Broker.KeepAlive == 0 {
		c.Broker.KeepAlive = def.Broker.KeepAlive
	}
	if c.Broker.ConnectTimeout == 0 {
		c.Broker.ConnectTimeout = def.Broker.ConnectTimeout
	}
	if c.Broker.RetryDelay == 0 {
		c.Broker.RetryDelay = def.Broker.RetryDelay
	}
	if c.Link.RetryDelay == 0 {
		c.Link.RetryDelay = def.Link.RetryDelay
	}
	if c.Link.DialTimeout == 0 {
		c.Link.DialTimeout = def.Link.DialTimeout
	}
	if c.Control.TelemetryInterval == 0 {
		c.Control.TelemetryInterval = def.Control.TelemetryInterval
	}
	if c.Control.LoopTick == 0 {
		c.Control.LoopTick = def.Control.LoopTick
	}
	if c.Sensors.Driver == "" {
		c.Sensors.Driver = def.Sensors.Driver
	}
	if c.Sensors.SoilRawMax == 0 {
		c.Sensors.SoilRawMax = def.Sensors.SoilRawMax
	}
	if c.Actuators.Driver == "" {
		c.Actuators.Driver = def.Actuators.Driver
	}
	if c.Actuators.GPIO.Chip == "" {
		c.Actuators.GPIO.Chip = def.Actuators.GPIO.Chip
	}
	if c.Influx.Measurement == "" {
		c.Influx.Measurement = def.Influx.Measurement
	}
	if c.Influx.WriteTimeout == 0 {
		c.Influx.WriteTimeout = def.Influx.WriteTimeout
	}
	if c.Influx.BreakerFailures == 0 {
		c.Influx.BreakerFailures = def.Influx.BreakerFailures
	}
	if c.Influx.BreakerCooldown == 0 {
		c.Influx.BreakerCooldown = def.Influx.BreakerCooldown
	}
}

// BrokerAddress parses Broker.URL and returns the dial address
// (host:port) and whether the link must use TLS. A missing port takes
// the scheme's well-known default (1883 plain, 8883 TLS).
func (c *Config) BrokerAddress() (addr string, useTLS bool, err error) {
	u, err := url.Parse(c.Broker.URL)
	if err != nil {
		return "", false, fmt.Errorf("parse broker url: %w", err)
	}
	port := u.Port()
	switch strings.ToLower(u.Scheme) {
	case "mqtt", "tcp":
		if port == "" {
			port = "1883"
		}
	case "mqtts", "ssl", "tls":
		useTLS = true
		if port == "" {
			port = "8883"
		}
	default:
		return "", false, fmt.Errorf("unsupported broker scheme %q (valid: mqtt, tcp, mqtts, ssl, tls)", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", false, fmt.Errorf("broker url %q has no host", c.Broker.URL)
	}
	return u.Hostname() + ":" + port, useTLS, nil
}

// Validate checks the configuration for errors that would prevent the
// agent from running. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DeviceID) == "" {
		errs = append(errs, errors.New("device_id is required"))
	} else if strings.ContainsAny(c.DeviceID, "/+#") {
		errs = append(errs, fmt.Errorf("device_id %q must not contain MQTT topic separators or wildcards", c.DeviceID))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat))
	}

	if c.Broker.URL == "" {
		errs = append(errs, errors.New("broker.url is required"))
	} else if _, _, err := c.BrokerAddress(); err != nil {
		errs = append(errs, err)
	}

	nonNegative := map[string]time.Duration{
		"broker.keep_alive":          c.Broker.KeepAlive,
		"broker.connect_timeout":     c.Broker.ConnectTimeout,
		"broker.retry_delay":         c.Broker.RetryDelay,
		"link.retry_delay":           c.Link.RetryDelay,
		"link.dial_timeout":          c.Link.DialTimeout,
		"control.telemetry_interval": c.Control.TelemetryInterval,
		"control.loop_tick":          c.Control.LoopTick,
	}
	for _, name := range slices.Sorted(maps.Keys(nonNegative)) {
		if d := nonNegative[name]; d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if c.Broker.KeepAlive < time.Second || c.Broker.KeepAlive > 65535*time.Second {
		errs = append(errs, fmt.Errorf("broker.keep_alive %s out of range (1s..65535s)", c.Broker.KeepAlive))
	}
	// The broker drops the session after 1.5x keep-alive of silence, so
	// the loop must come back around well inside it.
	if c.Broker.KeepAlive <= c.Control.LoopTick {
		errs = append(errs, fmt.Errorf("broker.keep_alive (%s) must exceed control.loop_tick (%s)",
			c.Broker.KeepAlive, c.Control.LoopTick))
	}

	switch c.Sensors.Driver {
	case "simulated":
	default:
		errs = append(errs, fmt.Errorf("sensors.driver %q invalid (valid: simulated)", c.Sensors.Driver))
	}
	if c.Sensors.SoilRawMax <= c.Sensors.SoilRawMin {
		errs = append(errs, fmt.Errorf("sensors.soil_raw_max (%d) must exceed soil_raw_min (%d)",
			c.Sensors.SoilRawMax, c.Sensors.SoilRawMin))
	}
	if r := c.Sensors.Simulated.FaultRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("sensors.simulated.fault_rate %v out of range (0..1)", r))
	}

	switch c.Actuators.Driver {
	case "log", "gpio":
	default:
		errs = append(errs, fmt.Errorf("actuators.driver %q invalid (valid: log, gpio)", c.Actuators.Driver))
	}

	if c.Influx.Enabled() {
		if c.Influx.Org == "" || c.Influx.Bucket == "" {
			errs = append(errs, errors.New("influx.org and influx.bucket are required when influx.url is set"))
		}
	}

	return errors.Join(errs...)
}
