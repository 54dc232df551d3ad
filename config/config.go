// Package config provides configuration loading and validation utilities for the
// couch client. It includes a generic environment-variable loader and validator
// used by the library's own ClientConfig as well as by the couchctl CLI.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig provides utilities for loading configuration from environment variables
type EnvConfig struct {
	prefix string // Optional prefix for all environment variables
}

// NewEnvConfig creates a new environment configuration loader
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{
		prefix: prefix,
	}
}

// GetString retrieves a string value from environment with optional default
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		return value
	}
	return defaultValue
}

// MustGetString retrieves a required string value from environment or panics
func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return value
}

// GetInt retrieves an integer value from environment with optional default
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// MustGetInt retrieves a required integer value from environment or panics
func (ec *EnvConfig) MustGetInt(key string) int {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		panic(fmt.Sprintf("environment variable %s is not a valid integer: %v", fullKey, err))
	}
	return intValue
}

// GetBool retrieves a boolean value from environment with optional default
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value from environment with optional default
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetFloat retrieves a float value from environment with optional default
func (ec *EnvConfig) GetFloat(key string, defaultValue float64) float64 {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		floatValue, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// buildKey builds the full environment variable key with optional prefix
func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// ClientConfig contains everything needed to construct a couch.Client.
// Fields map directly onto the wire concerns described by the client's
// external interface: one base URL and database, HTTP Basic credentials,
// TLS verification, connection limits, and the change-feed backoff
// schedule.
type ClientConfig struct {
	URL      string // e.g. https://couch.example.org:6984
	Database string
	Username string
	Password string

	InsecureSkipVerify bool
	MaxConnections     int
	Timeout            time.Duration

	BulkBatchSize int // batch size setting; not read by the couch package (AllDocsByIDs takes its batch size as an argument)

	ChangesHeartbeat time.Duration // _changes ?heartbeat= interval

	InitialBackoff time.Duration // change feed reconnect backoff floor
	MaxBackoff     time.Duration // change feed reconnect backoff ceiling
	BackoffFactor  float64

	LogLevel  string // "debug", "info", "warn", "error", "fatal"; empty keeps the logger's default
	LogFormat string // "text" or "json"; empty keeps the logger's default
}

// LoadClientConfig loads a ClientConfig from environment variables under the
// given prefix (e.g. prefix "COUCH" reads COUCH_URL, COUCH_DATABASE, ...).
func LoadClientConfig(prefix string) ClientConfig {
	env := NewEnvConfig(prefix)
	return ClientConfig{
		URL:                env.GetString("URL", "http://localhost:5984"),
		Database:           env.GetString("DATABASE", ""),
		Username:           env.GetString("USERNAME", ""),
		Password:           env.GetString("PASSWORD", ""),
		InsecureSkipVerify: env.GetBool("INSECURE_SKIP_VERIFY", false),
		MaxConnections:     env.GetInt("MAX_CONNECTIONS", 10),
		Timeout:            env.GetDuration("TIMEOUT", 30*time.Second),
		BulkBatchSize:      env.GetInt("BULK_BATCH_SIZE", 500),
		ChangesHeartbeat:   env.GetDuration("CHANGES_HEARTBEAT", 10*time.Second),
		InitialBackoff:     env.GetDuration("INITIAL_BACKOFF", 500*time.Millisecond),
		MaxBackoff:         env.GetDuration("MAX_BACKOFF", 2*time.Minute),
		BackoffFactor:      env.GetFloat("BACKOFF_FACTOR", 2.0),
		LogLevel:           env.GetString("LOG_LEVEL", ""),
		LogFormat:          env.GetString("LOG_FORMAT", ""),
	}
}

// Validator provides configuration validation utilities
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{
		errors: make([]string, 0),
	}
}

// RequireString validates that a string field is not empty
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequireInt validates that an integer field is within range
func (v *Validator) RequireInt(field string, value, min, max int) {
	if value < min || value > max {
		v.errors = append(v.errors, fmt.Sprintf("%s must be between %d and %d", field, min, max))
	}
}

// RequirePositiveInt validates that an integer field is positive
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireURL validates that a string is a valid URL
func (v *Validator) RequireURL(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		v.errors = append(v.errors, fmt.Sprintf("%s must be a valid URL (http:// or https://)", field))
	}
}

// RequireOneOf validates that a value is one of the allowed options
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// IsValid returns true if there are no validation errors
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors returns all validation errors
func (v *Validator) Errors() []string {
	return v.errors
}

// ErrorString returns all validation errors as a single string
func (v *Validator) ErrorString() string {
	if len(v.errors) == 0 {
		return ""
	}
	return strings.Join(v.errors, "; ")
}

// Validate runs validation and returns error if invalid
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", v.ErrorString())
	}
	return nil
}

// ConfigLoader provides a fluent interface for loading and validating a ClientConfig
type ConfigLoader struct {
	prefix string
}

// NewConfigLoader creates a new configuration loader
func NewConfigLoader(prefix string) *ConfigLoader {
	return &ConfigLoader{prefix: prefix}
}

// Load loads a ClientConfig and validates it before returning
func (cl *ConfigLoader) Load() (*ClientConfig, error) {
	cfg := LoadClientConfig(cl.prefix)
	if err := cl.validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate validates the loaded configuration
func (cl *ConfigLoader) validate(cfg *ClientConfig) error {
	validator := NewValidator()

	validator.RequireURL("URL", cfg.URL)
	validator.RequireString("Database", cfg.Database)
	validator.RequirePositiveInt("MaxConnections", cfg.MaxConnections)
	validator.RequirePositiveInt("BulkBatchSize", cfg.BulkBatchSize)
	if cfg.BackoffFactor <= 1.0 {
		validator.errors = append(validator.errors, "BackoffFactor must be greater than 1.0")
	}

	return validator.Validate()
}
