package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. STORYFORGE_BREAKER_RESET_TIMEOUT.
const EnvPrefix = "STORYFORGE_"

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load builds a Config from defaults, an optional .env file, the optional config file at
// configPath, and environment overrides. An empty configPath skips the file step.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{}

	if configPath != "" {
		if err := loadFile(configPath, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Log.Level = lvl
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func loadFile(configPath string, cfg *Config) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Replace ${VAR} placeholders; unknown variables are left as-is.
	dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1]
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})

	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(dataStr), cfg); err != nil {
			return fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal([]byte(dataStr), cfg); err != nil {
			return fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	v := reflect.ValueOf(cfg).Elem()
	applyEnvOverridesRecursive(v, v.Type(), EnvPrefix)
}

func applyEnvOverridesRecursive(v reflect.Value, t reflect.Type, prefix string) {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		jsonTag := fieldType.Tag.Get("json")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}

		fieldName := strings.Split(jsonTag, ",")[0]
		envKey := strings.ToUpper(prefix + fieldName)

		if field.Kind() == reflect.Struct {
			applyEnvOverridesRecursive(field, field.Type(), envKey+"_")
			continue
		}

		if field.Kind() == reflect.Map && field.Type().Key().Kind() == reflect.String &&
			field.Type().Elem().Kind() == reflect.String {
			// Per-key map entries, e.g. STORYFORGE_PROVIDERS_MODELS_OPENAI.
			for _, provider := range DefaultPriority {
				if envValue := os.Getenv(envKey + "_" + strings.ToUpper(provider)); envValue != "" {
					if field.IsNil() {
						field.Set(reflect.MakeMap(field.Type()))
					}
					field.SetMapIndex(reflect.ValueOf(provider), reflect.ValueOf(envValue))
				}
			}
			continue
		}

		if envValue := os.Getenv(envKey); envValue != "" {
			setFieldFromEnv(field, envValue)
		}
	}
}

//nolint:gochecknoglobals // reflect type cache
var durationType = reflect.TypeOf(Duration(0))

func setFieldFromEnv(field reflect.Value, envValue string) {
	if !field.CanSet() {
		return
	}

	if field.Type() == durationType {
		if d, err := time.ParseDuration(envValue); err == nil {
			field.SetInt(int64(d))
		} else {
			logger.Warn("ignoring invalid duration override %q: %v", envValue, err)
		}
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int:
		if val, err := strconv.Atoi(strings.TrimSpace(envValue)); err == nil {
			field.SetInt(int64(val))
		}
	case reflect.Float64:
		if val, err := strconv.ParseFloat(strings.TrimSpace(envValue), 64); err == nil {
			field.SetFloat(val)
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(envValue, ",")
			items := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					items = append(items, p)
				}
			}
			field.Set(reflect.ValueOf(items))
		}
	}
}

// applyDefaults fills every zero-valued setting.
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}

	if len(cfg.Providers.Priority) == 0 {
		cfg.Providers.Priority = append([]string(nil), DefaultPriority...)
	}
	if cfg.Providers.Timeout == 0 {
		cfg.Providers.Timeout = Duration(DefaultProviderTimeout)
	}
	if cfg.Providers.Models == nil {
		cfg.Providers.Models = make(map[string]string)
	}
	if cfg.Providers.MaxTokens == 0 {
		cfg.Providers.MaxTokens = DefaultMaxTokens
	}
	if cfg.Providers.Temperature == 0 {
		cfg.Providers.Temperature = DefaultTemperature
	}
	if cfg.Providers.BedrockRegion == "" {
		cfg.Providers.BedrockRegion = DefaultBedrockRegion
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = Duration(DefaultResetTimeout)
	}
	if cfg.Breaker.MonitoringPeriod == 0 {
		cfg.Breaker.MonitoringPeriod = Duration(DefaultMonitoringPeriod)
	}
	if cfg.Breaker.HalfOpenRequests == 0 {
		cfg.Breaker.HalfOpenRequests = DefaultHalfOpenRequests
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DefaultStorageDriver
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == DefaultStorageDriver {
		cfg.Storage.DSN = DefaultSQLitePath
	}

	if cfg.Illustration.Queue == "" {
		cfg.Illustration.Queue = DefaultIllustrationQueue
	}
	if cfg.Illustration.Timeout == 0 {
		cfg.Illustration.Timeout = Duration(DefaultSideEffectTimeout)
	}

	if cfg.Prompt.HistoryChapters == 0 {
		cfg.Prompt.HistoryChapters = DefaultHistoryChapters
	}
	if cfg.Prompt.HistoryTokenBudget == 0 {
		cfg.Prompt.HistoryTokenBudget = DefaultHistoryTokenBudget
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker.reset_timeout must be positive, got %s", c.Breaker.ResetTimeout)
	}
	if c.Breaker.MonitoringPeriod <= 0 {
		return fmt.Errorf("breaker.monitoring_period must be positive, got %s", c.Breaker.MonitoringPeriod)
	}
	if c.Breaker.HalfOpenRequests < 0 {
		return fmt.Errorf("breaker.half_open_requests must not be negative, got %d", c.Breaker.HalfOpenRequests)
	}
	if c.Providers.Timeout <= 0 {
		return fmt.Errorf("providers.timeout must be positive, got %s", c.Providers.Timeout)
	}

	seen := make(map[string]bool, len(c.Providers.Priority))
	for _, p := range c.Providers.Priority {
		if !IsKnownProvider(p) {
			return fmt.Errorf("providers.priority: unknown provider %q", p)
		}
		if seen[p] {
			return fmt.Errorf("providers.priority: duplicate provider %q", p)
		}
		seen[p] = true
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver)
	}
	return nil
}
