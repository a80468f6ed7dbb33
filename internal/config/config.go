package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/woxQAQ/emubridge/internal/bridge"
)

// EnvPrefix prefixes environment overrides, e.g. EMUBRIDGE_SERVER_ADDR.
const EnvPrefix = "EMUBRIDGE"

type Config struct {
	LogLevel      string          `mapstructure:"log_level"`
	EmulatorPaths []string        `mapstructure:"emulator_paths"`
	Emulator      string          `mapstructure:"emulator"`
	Guest         GuestConfig     `mapstructure:"guest"`
	Session       SessionConfig   `mapstructure:"session"`
	Wasm          WasmConfig      `mapstructure:"wasm"`
	Server        ServerConfig    `mapstructure:"server"`
	Telemetry     TelemetryConfig `mapstructure:"telemetry"`
}

// GuestConfig describes the emulator module and how to talk to it.
type GuestConfig struct {
	// Module path, .wat path or http(s) URL. Takes precedence over
	// emulator packages.
	Module string `mapstructure:"module"`
	// Decode bounds for NUL-terminated results.
	TextMaxBytes uint32 `mapstructure:"text_max_bytes"`
	JSONMaxBytes uint32 `mapstructure:"json_max_bytes"`
	// Largest source text written into guest memory.
	MaxInputBytes uint32 `mapstructure:"max_input_bytes"`
	// Export name overrides keyed by entry point (simulate, text_output, ...).
	Exports map[string]string `mapstructure:"exports"`
}

type SessionConfig struct {
	// queue or reject.
	Overlap string `mapstructure:"overlap"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances"`
	// Bound on each guest call. Zero disables it.
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// Served at / when set.
	StaticDir string `mapstructure:"static_dir"`
}

type TelemetryConfig struct {
	// OTLP gRPC collector endpoint. Tracing is off when empty.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Insecure     bool   `mapstructure:"insecure"`
}

// Load reads configuration from defaults, the optional file at path and
// EMUBRIDGE_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("emulator_paths", []string{"./emulators"})
	v.SetDefault("emulator", "")

	v.SetDefault("guest.module", "")
	v.SetDefault("guest.text_max_bytes", 1024)
	v.SetDefault("guest.json_max_bytes", 2048)
	v.SetDefault("guest.max_input_bytes", 64<<10)
	v.SetDefault("guest.exports", map[string]string{})

	v.SetDefault("session.overlap", string(bridge.OverlapQueue))

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.max_instances", 100)
	v.SetDefault("wasm.execution_timeout", 30*time.Second)

	v.SetDefault("server.addr", ":8086")
	v.SetDefault("server.static_dir", "")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "emubridge")
	v.SetDefault("telemetry.insecure", true)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if _, err := bridge.ParseOverlapPolicy(c.Session.Overlap); err != nil {
		return fmt.Errorf("invalid session.overlap: %w", err)
	}
	if c.Guest.TextMaxBytes == 0 || c.Guest.JSONMaxBytes == 0 {
		return fmt.Errorf("guest output bounds must be positive")
	}
	if c.Wasm.ExecutionTimeout < 0 {
		return fmt.Errorf("wasm.execution_timeout must not be negative")
	}
	if c.Wasm.MaxInstances <= 0 {
		return fmt.Errorf("wasm.max_instances must be positive")
	}
	return nil
}
