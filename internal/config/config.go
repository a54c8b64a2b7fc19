package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

type Config struct {
	Archive   string        `mapstructure:"archive"`
	Policy    string        `mapstructure:"policy"`
	Manifest  string        `mapstructure:"manifest"`
	LogLevel  string        `mapstructure:"log_level"`
	LogFormat string        `mapstructure:"log_format"`
	Progress  bool          `mapstructure:"progress"`
	Extract   ExtractConfig `mapstructure:"extract"`
}

type ExtractConfig struct {
	// Compression of tar output when the file extension does not decide it
	Compression string `mapstructure:"compression"`
	DecodeText  bool   `mapstructure:"decode_text"`
	// Include and Exclude are gitignore style patterns applied to
	// extracted directories
	Include []string `mapstructure:"include"`
	Exclude []string `mapstructure:"exclude"`
}

// Load initializes and loads configuration from file
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("archive", "")
	v.SetDefault("policy", "native")
	v.SetDefault("manifest", "ggpkfs.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("progress", true)
	v.SetDefault("extract.compression", "zstd")
	v.SetDefault("extract.decode_text", false)
	v.SetDefault("extract.include", []string{})
	v.SetDefault("extract.exclude", []string{})

	v.SetEnvPrefix("GGPKFS")
	v.BindEnv("archive")

	// Config file handling
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		v.AddConfigPath(home)
		v.AddConfigPath(".")
		v.SetConfigName("ggpkfs")
		v.SetConfigType("yaml")
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
