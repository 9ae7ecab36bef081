// Package config loads the application's configuration from environment
// variables (and an optional file) into an immutable, validated value.
// Unknown keys are rejected at startup rather than silently ignored.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full recognized configuration surface for the process.
// mapstructure tags bind viper keys; validate tags enforce the invariants
// described in the external-interfaces section of the design.
type Config struct {
	TotalDeadline time.Duration `mapstructure:"total_deadline" validate:"required,gt=0"`
	ASRDeadline   time.Duration `mapstructure:"asr_deadline" validate:"required,gt=0"`
	LLMDeadline   time.Duration `mapstructure:"llm_deadline" validate:"required,gt=0"`
	TTSDeadline   time.Duration `mapstructure:"tts_deadline" validate:"required,gt=0"`
	ContextLimit  int           `mapstructure:"context_limit" validate:"min=1"`
	DefaultUser   string        `mapstructure:"default_user" validate:"required"`

	ThermalWarn     float64       `mapstructure:"thermal_warn"`
	ThermalCritical float64       `mapstructure:"thermal_critical"`
	ThermalCooldown float64       `mapstructure:"thermal_cooldown"`
	ThermalPoll     time.Duration `mapstructure:"thermal_poll" validate:"required,gt=0"`
	ThermalZoneRoot string        `mapstructure:"thermal_zone_root"`

	TransportPoll time.Duration `mapstructure:"transport_poll" validate:"required,gt=0"`
	ShmDir        string        `mapstructure:"shm_dir" validate:"required"`
	ShmPrefix     string        `mapstructure:"shm_prefix" validate:"required"`

	Argon2Time      uint32 `mapstructure:"argon2_time" validate:"min=1"`
	Argon2MemoryKiB uint32 `mapstructure:"argon2_mem_kib" validate:"min=1024"`
	Argon2Parallel  uint8  `mapstructure:"argon2_parallel" validate:"min=1"`

	DatabasePath          string `mapstructure:"database_path" validate:"required"`
	DatabaseEncryptionKey string `mapstructure:"database_encryption_key"`

	HTTPAddr       string `mapstructure:"http_addr" validate:"required"`
	LogLevel       string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("total_deadline", 13*time.Second)
	v.SetDefault("asr_deadline", 2500*time.Millisecond)
	v.SetDefault("llm_deadline", 7500*time.Millisecond)
	v.SetDefault("tts_deadline", 1500*time.Millisecond)
	v.SetDefault("context_limit", 10)
	v.SetDefault("default_user", "default_user")

	v.SetDefault("thermal_warn", 75.0)
	v.SetDefault("thermal_critical", 85.0)
	v.SetDefault("thermal_cooldown", 70.0)
	v.SetDefault("thermal_poll", 2*time.Second)
	v.SetDefault("thermal_zone_root", "/sys/class/thermal")

	v.SetDefault("transport_poll", 10*time.Millisecond)
	v.SetDefault("shm_dir", "/dev/shm")
	v.SetDefault("shm_prefix", "blackbox")

	v.SetDefault("argon2_time", 3)
	v.SetDefault("argon2_mem_kib", 65536)
	v.SetDefault("argon2_parallel", 4)

	v.SetDefault("database_path", "/data/blackbox.db")
	v.SetDefault("database_encryption_key", "")

	v.SetDefault("http_addr", ":8000")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("tracing_enabled", false)
}

// recognizedKeys mirrors the mapstructure tags above, used to reject
// unknown file keys at load time. Environment variables are only looked up
// for these keys; an unrecognized BLACKBOX_ variable is not examined.
var recognizedKeys = []string{
	"total_deadline", "asr_deadline", "llm_deadline", "tts_deadline",
	"context_limit", "default_user",
	"thermal_warn", "thermal_critical", "thermal_cooldown", "thermal_poll", "thermal_zone_root",
	"transport_poll", "shm_dir", "shm_prefix",
	"argon2_time", "argon2_mem_kib", "argon2_parallel",
	"database_path", "database_encryption_key",
	"http_addr", "log_level", "metrics_enabled", "tracing_enabled",
}

// Load reads configuration from environment variables (prefixed BLACKBOX_)
// and, if present, a file at configPath, validates it, and returns an
// immutable Config. Unknown keys present in the file are rejected.
func Load(configPath string) (Config, error) {
	v := viper.New()
	defaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("config: read file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("BLACKBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := rejectUnknownKeys(v); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func rejectUnknownKeys(v *viper.Viper) error {
	recognized := make(map[string]bool, len(recognizedKeys))
	for _, k := range recognizedKeys {
		recognized[k] = true
	}
	for _, k := range v.AllKeys() {
		if !recognized[k] {
			return fmt.Errorf("config: unrecognized key %q", k)
		}
	}
	return nil
}

func validate(cfg Config) error {
	validatorInstance := validator.New()
	if err := validatorInstance.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation: %w", err)
	}
	if !(cfg.ThermalCooldown < cfg.ThermalWarn && cfg.ThermalWarn < cfg.ThermalCritical) {
		return fmt.Errorf("config: thermal thresholds must satisfy cooldown < warn < critical")
	}
	return nil
}
