package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scratcha/scratcha/internal/captcha"
	"github.com/scratcha/scratcha/internal/telemetry"
	"github.com/scratcha/scratcha/internal/transport"
	"github.com/scratcha/scratcha/internal/widget"
)

type Config struct {
	Client     ClientConfig     `yaml:"client"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Transport  TransportConfig  `yaml:"transport"`
	Widget     WidgetConfig     `yaml:"widget"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	GeoIP      GeoIPConfig      `yaml:"geoip"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Assembly   AssemblyConfig   `yaml:"assembly"`
	Batch      BatchConfig      `yaml:"batch"`
	Insights   InsightsConfig   `yaml:"insights"`
}

type ClientConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

type TelemetryConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DragFlushInterval time.Duration `yaml:"drag_flush_interval"`
	IdleFlushInterval time.Duration `yaml:"idle_flush_interval"`
	ReferenceRole     string        `yaml:"reference_role"`
	RefreshRole       string        `yaml:"refresh_role"`
	RegionRoles       []string      `yaml:"region_roles"`
	RedactedRoles     []string      `yaml:"redacted_roles"`
}

type TransportConfig struct {
	ChunkSize    int           `yaml:"chunk_size"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxTotalSize int           `yaml:"max_total_size"`
	ChunkPause   time.Duration `yaml:"chunk_pause"`
}

type WidgetConfig struct {
	AutoReset  bool          `yaml:"auto_reset"`
	ResetDelay time.Duration `yaml:"reset_delay"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console or json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type KafkaConfig struct {
	Brokers       []string          `yaml:"brokers"`
	Topics        map[string]string `yaml:"topics"`
	ConsumerGroup string            `yaml:"consumer_group"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type ClickHouseConfig struct {
	Addr         string `yaml:"addr"`
	Database     string `yaml:"database"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
}

// AssemblyConfig bounds how chunks are held until a session is complete.
type AssemblyConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxChunks     int           `yaml:"max_chunks"`
	MaxChunkBytes int64         `yaml:"max_chunk_bytes"`
}

type BatchConfig struct {
	Size          int           `yaml:"size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type InsightsConfig struct {
	RageClick      RageClickConfig      `yaml:"rage_click"`
	ThrashedCursor ThrashedCursorConfig `yaml:"thrashed_cursor"`
}

type RageClickConfig struct {
	Enabled      bool  `yaml:"enabled"`
	MinClicks    int   `yaml:"min_clicks"`
	TimeWindowMs int64 `yaml:"time_window_ms"`
	RadiusPx     int   `yaml:"radius_px"`
}

type ThrashedCursorConfig struct {
	Enabled             bool  `yaml:"enabled"`
	MinDurationMs       int64 `yaml:"min_duration_ms"`
	MinDirectionChanges int   `yaml:"min_direction_changes"`
	MinVelocity         int   `yaml:"min_velocity"`
}

// Topic names used across the pipeline.
const (
	TopicSessions = "sessions"
	TopicAlerts   = "alerts"
)

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Timeout: captcha.DefaultTimeout,
		},
		Telemetry: TelemetryConfig{
			Enabled:           true,
			DragFlushInterval: 50 * time.Millisecond,
			IdleFlushInterval: 120 * time.Millisecond,
			ReferenceRole:     telemetry.RoleCanvasContainer,
			RefreshRole:       telemetry.RoleRefreshButton,
			RegionRoles:       append([]string(nil), telemetry.DefaultRegionRoles...),
			RedactedRoles:     append([]string(nil), telemetry.DefaultRedactedRoles...),
		},
		Transport: TransportConfig{
			ChunkSize:    transport.DefaultChunkSize,
			Timeout:      transport.DefaultTimeout,
			MaxTotalSize: transport.DefaultMaxTotalSize,
			ChunkPause:   transport.DefaultChunkPause,
		},
		Widget: WidgetConfig{
			AutoReset:  true,
			ResetDelay: time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Server: ServerConfig{
			HTTPPort:        8080,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Kafka: KafkaConfig{
			Topics: map[string]string{
				TopicSessions: "scratcha.sessions",
				TopicAlerts:   "scratcha.alerts",
			},
			ConsumerGroup: "scratcha-processor",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
		},
		Assembly: AssemblyConfig{
			TTL:           10 * time.Minute,
			MaxChunks:     1000,
			MaxChunkBytes: 2 << 20,
		},
		Batch: BatchConfig{
			Size:          1000,
			FlushInterval: 5 * time.Second,
		},
		ClickHouse: ClickHouseConfig{
			Database:     "scratcha",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Insights: InsightsConfig{
			RageClick: RageClickConfig{
				Enabled:      true,
				MinClicks:    5,
				TimeWindowMs: 2000,
				RadiusPx:     50,
			},
			ThrashedCursor: ThrashedCursorConfig{
				Enabled:             true,
				MinDurationMs:       2000,
				MinDirectionChanges: 10,
				MinVelocity:         500,
			},
		},
	}
}

// Load reads a YAML file, expanding ${VAR} references from the environment.
// Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of the defaults.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	// Explicit zeroes fall back to defaults
	def := Default()
	if cfg.Transport.ChunkSize <= 0 {
		cfg.Transport.ChunkSize = def.Transport.ChunkSize
	}
	if cfg.Transport.Timeout <= 0 {
		cfg.Transport.Timeout = def.Transport.Timeout
	}
	if cfg.Transport.MaxTotalSize <= 0 {
		cfg.Transport.MaxTotalSize = def.Transport.MaxTotalSize
	}
	if cfg.Telemetry.DragFlushInterval <= 0 {
		cfg.Telemetry.DragFlushInterval = def.Telemetry.DragFlushInterval
	}
	if cfg.Telemetry.IdleFlushInterval <= 0 {
		cfg.Telemetry.IdleFlushInterval = def.Telemetry.IdleFlushInterval
	}
	if cfg.Widget.ResetDelay <= 0 {
		cfg.Widget.ResetDelay = def.Widget.ResetDelay
	}
	if cfg.Batch.Size == 0 {
		cfg.Batch.Size = def.Batch.Size
	}
	if cfg.Batch.FlushInterval == 0 {
		cfg.Batch.FlushInterval = def.Batch.FlushInterval
	}

	return cfg, nil
}

// Path returns the configuration path from CONFIG_PATH or fallback.
func Path(fallback string) string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return fallback
}

// TrackerConfig converts the telemetry section.
func (c *Config) TrackerConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:           c.Telemetry.Enabled,
		DragFlushInterval: c.Telemetry.DragFlushInterval,
		IdleFlushInterval: c.Telemetry.IdleFlushInterval,
		ReferenceRole:     c.Telemetry.ReferenceRole,
		RefreshRole:       c.Telemetry.RefreshRole,
		RegionRoles:       c.Telemetry.RegionRoles,
		RedactedRoles:     c.Telemetry.RedactedRoles,
		Clock:             time.Now,
	}
}

// SenderConfig converts the transport section. Chunks go to the client endpoint.
func (c *Config) SenderConfig() transport.Config {
	return transport.Config{
		Endpoint:     c.Client.Endpoint,
		ChunkSize:    c.Transport.ChunkSize,
		Timeout:      c.Transport.Timeout,
		MaxTotalSize: c.Transport.MaxTotalSize,
		ChunkPause:   c.Transport.ChunkPause,
	}
}

func (c *Config) CaptchaConfig() captcha.Config {
	return captcha.Config{
		Endpoint: c.Client.Endpoint,
		APIKey:   c.Client.APIKey,
		Timeout:  c.Client.Timeout,
	}
}

func (c *Config) WidgetConfig() widget.Config {
	return widget.Config{
		AutoReset:  c.Widget.AutoReset,
		ResetDelay: c.Widget.ResetDelay,
	}
}
