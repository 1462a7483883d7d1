// Package config loads the runtime's environment-driven configuration:
// caarlos0/env struct tags over an optional .env file, with range/enum
// validation and structured-log dumping.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment-driven knob for the runtime.
type Config struct {
	Port           uint16 `env:"OPCUA_PORT" envDefault:"4840"`
	RecvBufferSize int    `env:"OPCUA_RECV_BUFFER_SIZE" envDefault:"65536"`
	SendBufferSize int    `env:"OPCUA_SEND_BUFFER_SIZE" envDefault:"65536"`
	MaxMessageSize int    `env:"OPCUA_MAX_MESSAGE_SIZE" envDefault:"2097152"`
	MaxChunkCount  int    `env:"OPCUA_MAX_CHUNK_COUNT" envDefault:"0"`
	AcceptBacklog  int    `env:"OPCUA_ACCEPT_BACKLOG" envDefault:"100"`

	WorkerCount     int `env:"OPCUA_WORKER_COUNT" envDefault:"0"`
	WorkerQueueSize int `env:"OPCUA_WORKER_QUEUE_SIZE" envDefault:"0"`

	CPURejectThreshold float64 `env:"OPCUA_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	MaxGoroutines      int     `env:"OPCUA_MAX_GOROUTINES" envDefault:"10000"`

	MaxDispatchRate float64 `env:"OPCUA_MAX_DISPATCH_RATE" envDefault:"0"`
	DispatchBurst   int     `env:"OPCUA_DISPATCH_BURST" envDefault:"0"`

	MetricsAddr string `env:"OPCUA_METRICS_ADDR" envDefault:":9100"`

	NATSURL string `env:"OPCUA_NATS_URL" envDefault:""`

	LogLevel  string `env:"OPCUA_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"OPCUA_LOG_FORMAT" envDefault:"json"`
}

// Load reads a .env file if present, then parses the process environment
// into a Config. A missing .env file is not an error.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate rejects out-of-range or unrecognized values before the runtime
// starts, rather than failing confusingly later.
func (c *Config) Validate() error {
	if c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.RecvBufferSize <= 0 {
		return fmt.Errorf("recv buffer size must be positive, got %d", c.RecvBufferSize)
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("send buffer size must be positive, got %d", c.SendBufferSize)
	}
	if c.CPURejectThreshold <= 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("cpu reject threshold must be in (0, 100], got %f", c.CPURejectThreshold)
	}
	if c.MaxGoroutines <= 0 {
		return fmt.Errorf("max goroutines must be positive, got %d", c.MaxGoroutines)
	}
	if c.MaxDispatchRate < 0 {
		return fmt.Errorf("max dispatch rate must not be negative, got %f", c.MaxDispatchRate)
	}
	if c.MaxDispatchRate > 0 && c.DispatchBurst <= 0 {
		return fmt.Errorf("dispatch burst must be positive when a max dispatch rate is set, got %d", c.DispatchBurst)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Log writes a structured dump of the effective configuration at startup.
func (c *Config) Log(logger zerolog.Logger) {
	logger.Info().
		Uint16("port", c.Port).
		Int("recv_buffer_size", c.RecvBufferSize).
		Int("send_buffer_size", c.SendBufferSize).
		Int("max_message_size", c.MaxMessageSize).
		Int("max_chunk_count", c.MaxChunkCount).
		Int("accept_backlog", c.AcceptBacklog).
		Int("worker_count", c.WorkerCount).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Int("max_goroutines", c.MaxGoroutines).
		Float64("max_dispatch_rate", c.MaxDispatchRate).
		Int("dispatch_burst", c.DispatchBurst).
		Str("metrics_addr", c.MetricsAddr).
		Bool("nats_enabled", c.NATSURL != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
