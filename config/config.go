package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jaywantadh/resumable/internal/chunker"
	"github.com/spf13/viper"
)

// MaxChunkSize is the largest accepted chunk_size.
const MaxChunkSize = chunker.MaxChunkSize

// AppConfig holds the application-level configuration
type AppConfig struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	StatusAddr   string `mapstructure:"status_addr"`
	StoragePath  string `mapstructure:"storage_path"`
	MetadataPath string `mapstructure:"metadata_path"`

	ChunkSize     int    `mapstructure:"chunk_size"`
	MaxUploadSize uint64 `mapstructure:"max_upload_size"`
	MaxRecords    int    `mapstructure:"max_records"`

	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	MaxRetries  int           `mapstructure:"max_retries"`
	AckTimeout  time.Duration `mapstructure:"ack_timeout"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`

	SpeedWindow       time.Duration `mapstructure:"speed_window"`
	MinSampleInterval time.Duration `mapstructure:"min_sample_interval"`
	ProgressInterval  time.Duration `mapstructure:"progress_interval"`

	Compress bool `mapstructure:"compress"`
	Debug    bool `mapstructure:"debug"`
}

// LoadConfig reads config.yaml from path (if present), then RESUMABLE_*
// environment variables, over the defaults.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("resumable")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	return &appConfig, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":9090")
	v.SetDefault("status_addr", ":9091")
	v.SetDefault("storage_path", "./data/uploads")
	v.SetDefault("metadata_path", "./data/metadata")

	v.SetDefault("chunk_size", 1024*1024)
	v.SetDefault("max_upload_size", uint64(64)<<30)
	v.SetDefault("max_records", 1024)

	v.SetDefault("retry_delay", 2*time.Second)
	v.SetDefault("max_retries", 5)
	v.SetDefault("ack_timeout", 30*time.Second)
	v.SetDefault("dial_timeout", 10*time.Second)

	v.SetDefault("idle_timeout", 10*time.Minute)
	v.SetDefault("eviction_interval", time.Minute)

	v.SetDefault("speed_window", 5*time.Second)
	v.SetDefault("min_sample_interval", 50*time.Millisecond)
	v.SetDefault("progress_interval", 500*time.Millisecond)

	v.SetDefault("compress", false)
	v.SetDefault("debug", false)
}

// Validate checks value ranges.
func (c *AppConfig) Validate() error {
	if c.ChunkSize < 0 || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk_size must be between 0 and %d", MaxChunkSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.MaxRecords < 0 {
		return fmt.Errorf("max_records must not be negative")
	}
	if c.RetryDelay < 0 || c.AckTimeout < 0 || c.DialTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive")
	}
	if c.EvictionInterval <= 0 {
		return fmt.Errorf("eviction_interval must be positive")
	}
	if c.SpeedWindow <= 0 || c.MinSampleInterval <= 0 {
		return fmt.Errorf("speed_window and min_sample_interval must be positive")
	}
	if c.StoragePath == "" {
		return fmt.Errorf("storage_path is required")
	}
	return nil
}
