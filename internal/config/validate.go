package config

import (
	"fmt"
	"strings"
)

var (
	validPolicies     = []string{"native", "bundle"}
	validLogLevels    = []string{"debug", "info", "warn", "error"}
	validLogFormats   = []string{"text", "json"}
	validCompressions = []string{"none", "zstd", "zst", "lz4"}
)

// Validate checks every enumerated setting
func (c *Config) Validate() error {
	if err := oneOf("policy", c.Policy, validPolicies); err != nil {
		return err
	}
	if err := oneOf("log_level", c.LogLevel, validLogLevels); err != nil {
		return err
	}
	if err := oneOf("log_format", c.LogFormat, validLogFormats); err != nil {
		return err
	}
	if err := oneOf("extract.compression", c.Extract.Compression, validCompressions); err != nil {
		return err
	}
	return nil
}

// oneOf accepts an empty value, which leaves the default in effect
func oneOf(key, value string, valid []string) error {
	if value == "" {
		return nil
	}
	for _, v := range valid {
		if strings.EqualFold(value, v) {
			return nil
		}
	}
	return fmt.Errorf("unsupported %s '%s': supported values are %s", key, value, strings.Join(valid, ", "))
}
