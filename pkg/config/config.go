package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CONSULT"

type Config struct {
	Server      ServerConfig   `mapstructure:"server"`
	Analysis    AnalysisConfig `mapstructure:"analysis"`
	Capture     CaptureConfig  `mapstructure:"capture"`
	Pipeline    PipelineConfig `mapstructure:"pipeline"`
	Session     SessionConfig  `mapstructure:"session"`
	Log         LogConfig      `mapstructure:"log"`
	StoragePath string         `mapstructure:"storage_path" validate:"required"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type AnalysisConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	AuthToken      string        `mapstructure:"auth_token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type CaptureConfig struct {
	ChunkInterval time.Duration `mapstructure:"chunk_interval" validate:"gt=0"`
	TickInterval  time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	InputFormat   string        `mapstructure:"input_format"`
	InputDevice   string        `mapstructure:"input_device"`
	FFmpegPath    string        `mapstructure:"ffmpeg_path" validate:"required"`
}

type PipelineConfig struct {
	Workers           int           `mapstructure:"workers" validate:"gte=1"`
	QueueSize         int           `mapstructure:"queue_size" validate:"gte=1"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
}

type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	Store         string        `mapstructure:"store" validate:"oneof=memory badger"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=console json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Load reads the configuration from the environment, an optional .env file
// and the built-in defaults, in that order of priority.
func Load() (*Config, error) {
	// A missing .env file is fine; the environment and defaults still apply.
	_ = godotenv.Load()

	v := viper.NewWithOptions(viper.KeyDelimiter("__"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server__address", ":8080")
	v.SetDefault("server__read_timeout", 30*time.Second)
	v.SetDefault("server__write_timeout", 30*time.Second)

	v.SetDefault("analysis__base_url", "http://localhost:8000/api/v1")
	v.SetDefault("analysis__auth_token", "")
	v.SetDefault("analysis__request_timeout", time.Duration(0))

	v.SetDefault("capture__chunk_interval", time.Second)
	v.SetDefault("capture__tick_interval", time.Second)
	v.SetDefault("capture__input_format", "")
	v.SetDefault("capture__input_device", "")
	v.SetDefault("capture__ffmpeg_path", "ffmpeg")

	v.SetDefault("pipeline__workers", 4)
	v.SetDefault("pipeline__queue_size", 100)
	v.SetDefault("pipeline__processing_timeout", 5*time.Minute)

	v.SetDefault("session__ttl", 12*time.Hour)
	v.SetDefault("session__sweep_interval", time.Minute)
	v.SetDefault("session__store", "badger")

	v.SetDefault("log__level", "info")
	v.SetDefault("log__format", "console")
	v.SetDefault("log__file", "")
	v.SetDefault("log__max_size_mb", 50)
	v.SetDefault("log__max_backups", 3)

	v.SetDefault("storage_path", "./data")
}

func fromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
