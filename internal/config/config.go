// ABOUTME: Layered configuration for the micpulse client
// ABOUTME: Defaults, optional YAML file, .env and MICPULSE_* environment overrides
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vybe-haptics/micpulse-go/pkg/audio/capture"
	"github.com/vybe-haptics/micpulse-go/pkg/micpulse"
	"github.com/vybe-haptics/micpulse-go/pkg/stream"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MICPULSE_"

// Config represents the complete client configuration
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Audio      AudioConfig      `yaml:"audio"`
	Stream     StreamConfig     `yaml:"stream"`
	Connection ConnectionConfig `yaml:"connection"`
	Haptics    HapticsConfig    `yaml:"haptics"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServiceConfig locates the pulse service
type ServiceConfig struct {
	URL             string        `yaml:"url"`
	Discover        bool          `yaml:"discover"`
	DiscoverTimeout time.Duration `yaml:"discover_timeout"`
	ClientID        string        `yaml:"client_id"`
}

// AudioConfig contains capture parameters
type AudioConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	ChunkMs    int    `yaml:"chunk_ms"`
	Channels   int    `yaml:"channels"`
	Backend    string `yaml:"backend"`
	Device     string `yaml:"device"`
}

// StreamConfig contains frame channel and shutdown behaviour
type StreamConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	Policy        string        `yaml:"policy"`
	Drain         bool          `yaml:"drain"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

// ConnectionConfig contains websocket tuning
type ConnectionConfig struct {
	KeepAlive         time.Duration `yaml:"keepalive"`
	PongTimeout       time.Duration `yaml:"pong_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
}

// HapticsConfig selects pulse outputs
type HapticsConfig struct {
	Console     bool          `yaml:"console"`
	Click       bool          `yaml:"click"`
	ClickVolume float64       `yaml:"click_volume"`
	MinGap      time.Duration `yaml:"min_gap"`
	MQTT        MQTTConfig    `yaml:"mqtt"`
}

// MQTTConfig configures the wearable relay; an empty broker disables it
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MetricsConfig configures the Prometheus endpoint; an empty listen address disables it
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	File string `yaml:"file"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Discover:        true,
			DiscoverTimeout: 10 * time.Second,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			ChunkMs:    40,
			Channels:   1,
			Backend:    capture.BackendMalgo,
		},
		Stream: StreamConfig{
			QueueCapacity: 50,
			Policy:        stream.DropOldest.String(),
			Drain:         true,
			DrainTimeout:  2 * time.Second,
		},
		Connection: ConnectionConfig{
			KeepAlive:        20 * time.Second,
			PongTimeout:      20 * time.Second,
			HandshakeTimeout: 5 * time.Second,
			WriteTimeout:     10 * time.Second,
		},
		Haptics: HapticsConfig{
			Console:     true,
			Click:       true,
			ClickVolume: 0.8,
			MinGap:      120 * time.Millisecond,
			MQTT: MQTTConfig{
				Topic:    "micpulse/vibrate",
				ClientID: "micpulse",
			},
		},
		Logging: LoggingConfig{
			File: "micpulse.log",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then .env, then MICPULSE_* variables. The result is validated.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Load .env file if it exists
	_ = godotenv.Load()

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// ApplyEnv overrides fields from MICPULSE_* environment variables
func (c *Config) ApplyEnv() {
	c.Service.URL = getEnv("URL", c.Service.URL)
	c.Service.Discover = getEnvBool("DISCOVER", c.Service.Discover)
	c.Service.DiscoverTimeout = getEnvDuration("DISCOVER_TIMEOUT", c.Service.DiscoverTimeout)
	c.Service.ClientID = getEnv("CLIENT_ID", c.Service.ClientID)

	c.Audio.SampleRate = getEnvInt("SAMPLE_RATE", c.Audio.SampleRate)
	c.Audio.ChunkMs = getEnvInt("CHUNK_MS", c.Audio.ChunkMs)
	c.Audio.Channels = getEnvInt("CHANNELS", c.Audio.Channels)
	c.Audio.Backend = getEnv("BACKEND", c.Audio.Backend)
	c.Audio.Device = getEnv("DEVICE", c.Audio.Device)

	c.Stream.QueueCapacity = getEnvInt("QUEUE_CAPACITY", c.Stream.QueueCapacity)
	c.Stream.Policy = getEnv("POLICY", c.Stream.Policy)
	c.Stream.Drain = getEnvBool("DRAIN", c.Stream.Drain)
	c.Stream.DrainTimeout = getEnvDuration("DRAIN_TIMEOUT", c.Stream.DrainTimeout)

	c.Connection.KeepAlive = getEnvDuration("KEEPALIVE", c.Connection.KeepAlive)
	c.Connection.PongTimeout = getEnvDuration("PONG_TIMEOUT", c.Connection.PongTimeout)
	c.Connection.HandshakeTimeout = getEnvDuration("HANDSHAKE_TIMEOUT", c.Connection.HandshakeTimeout)
	c.Connection.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", c.Connection.WriteTimeout)
	c.Connection.ReconnectAttempts = getEnvInt("RECONNECT_ATTEMPTS", c.Connection.ReconnectAttempts)

	c.Haptics.Console = getEnvBool("CONSOLE", c.Haptics.Console)
	c.Haptics.Click = getEnvBool("CLICK", c.Haptics.Click)
	c.Haptics.ClickVolume = getEnvFloat("CLICK_VOLUME", c.Haptics.ClickVolume)
	c.Haptics.MinGap = getEnvDuration("MIN_GAP", c.Haptics.MinGap)
	c.Haptics.MQTT.Broker = getEnv("MQTT_BROKER", c.Haptics.MQTT.Broker)
	c.Haptics.MQTT.Topic = getEnv("MQTT_TOPIC", c.Haptics.MQTT.Topic)
	c.Haptics.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", c.Haptics.MQTT.ClientID)
	c.Haptics.MQTT.Username = getEnv("MQTT_USERNAME", c.Haptics.MQTT.Username)
	c.Haptics.MQTT.Password = getEnv("MQTT_PASSWORD", c.Haptics.MQTT.Password)

	c.Metrics.Listen = getEnv("METRICS_LISTEN", c.Metrics.Listen)
	c.Logging.File = getEnv("LOG_FILE", c.Logging.File)
}

// Validate checks every section
func (c *Config) Validate() error {
	if err := c.Service.Validate(); err != nil {
		return fmt.Errorf("service config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}
	if err := c.Connection.Validate(); err != nil {
		return fmt.Errorf("connection config: %w", err)
	}
	if err := c.Haptics.Validate(); err != nil {
		return fmt.Errorf("haptics config: %w", err)
	}
	return nil
}

// Validate checks service settings
func (s *ServiceConfig) Validate() error {
	if s.URL == "" && !s.Discover {
		return errors.New("url is required when discovery is disabled")
	}
	if s.URL != "" && !strings.HasPrefix(s.URL, "ws://") && !strings.HasPrefix(s.URL, "wss://") {
		return fmt.Errorf("url %q must use ws:// or wss://", s.URL)
	}
	if s.Discover && s.DiscoverTimeout <= 0 {
		return errors.New("discover_timeout must be positive")
	}
	return nil
}

// Validate checks audio settings
func (a *AudioConfig) Validate() error {
	switch a.Backend {
	case capture.BackendMalgo, capture.BackendPortAudio, capture.BackendTone:
	default:
		return fmt.Errorf("unknown backend %q", a.Backend)
	}
	return a.Capture().Validate()
}

// Capture converts the section to a capture configuration
func (a *AudioConfig) Capture() capture.Config {
	return capture.Config{
		SampleRate: a.SampleRate,
		Channels:   a.Channels,
		ChunkMs:    a.ChunkMs,
		DeviceName: a.Device,
	}
}

// Validate checks stream settings
func (s *StreamConfig) Validate() error {
	if s.QueueCapacity <= 0 {
		return errors.New("queue_capacity must be positive")
	}
	if _, err := stream.ParsePolicy(s.Policy); err != nil {
		return err
	}
	if s.DrainTimeout < 0 {
		return errors.New("drain_timeout must not be negative")
	}
	return nil
}

// Validate checks connection settings
func (c *ConnectionConfig) Validate() error {
	if c.KeepAlive <= 0 {
		return errors.New("keepalive must be positive")
	}
	if c.PongTimeout <= 0 {
		return errors.New("pong_timeout must be positive")
	}
	if c.ReconnectAttempts < 0 {
		return errors.New("reconnect_attempts must not be negative")
	}
	return nil
}

// Validate checks haptic output settings
func (h *HapticsConfig) Validate() error {
	if h.ClickVolume < 0 || h.ClickVolume > 1 {
		return fmt.Errorf("click_volume %v out of range [0, 1]", h.ClickVolume)
	}
	if h.MinGap < 0 {
		return errors.New("min_gap must not be negative")
	}
	if h.MQTT.Broker != "" && h.MQTT.Topic == "" {
		return errors.New("mqtt topic is required when a broker is set")
	}
	return nil
}

// Streamer converts the configuration into streamer settings. The URL is
// left to the caller when discovery is in use.
func (c *Config) Streamer() micpulse.Config {
	policy, _ := stream.ParsePolicy(c.Stream.Policy)
	return micpulse.Config{
		URL:               c.Service.URL,
		ClientID:          c.Service.ClientID,
		SampleRate:        c.Audio.SampleRate,
		Channels:          c.Audio.Channels,
		ChunkMs:           c.Audio.ChunkMs,
		Backend:           c.Audio.Backend,
		DeviceName:        c.Audio.Device,
		QueueCapacity:     c.Stream.QueueCapacity,
		Policy:            policy,
		DiscardOnShutdown: !c.Stream.Drain,
		DrainTimeout:      c.Stream.DrainTimeout,
		KeepAlive:         c.Connection.KeepAlive,
		PongTimeout:       c.Connection.PongTimeout,
		HandshakeTimeout:  c.Connection.HandshakeTimeout,
		WriteTimeout:      c.Connection.WriteTimeout,
		ReconnectAttempts: c.Connection.ReconnectAttempts,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("Warning: failed to parse %s%s=%q as int, using default %d", EnvPrefix, key, value, defaultValue)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("Warning: failed to parse %s%s=%q as float, using default %v", EnvPrefix, key, value, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		log.Printf("Warning: failed to parse %s%s=%q as bool, using default %v", EnvPrefix, key, value, defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Warning: failed to parse %s%s=%q as duration, using default %s", EnvPrefix, key, value, defaultValue)
	}
	return defaultValue
}
