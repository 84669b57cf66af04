// Package config provides configuration loading, provider credential resolution, and the
// encrypted secrets file for storyforge.
//
// Loading order (later wins):
//
//  1. Built-in defaults (DefaultConfig)
//  2. A .env file next to the working directory, if present (godotenv, never overrides real env)
//  3. The config file, JSON or YAML chosen by extension
//  4. STORYFORGE_* environment overrides
//
// Provider credentials never live in the config file. They are resolved at startup with
// GetAPIKey, which consults the decrypted secrets file first and the environment second.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"storyforge/pkg/logx"
)

//nolint:gochecknoglobals // package logger
var logger = logx.NewLogger("config")

// LogInfo logs an info message using the config logger.
func LogInfo(format string, args ...interface{}) {
	logger.Info(format, args...)
}

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderBedrock   = "bedrock"
	ProviderOllama    = "ollama"
)

// Environment variables holding provider credentials.
const (
	EnvAnthropicAPIKey    = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey       = "OPENAI_API_KEY"
	EnvGoogleAPIKey       = "GOOGLE_GENAI_API_KEY"
	EnvAWSAccessKeyID     = "AWS_ACCESS_KEY_ID"
	EnvAWSSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	EnvAWSSessionToken    = "AWS_SESSION_TOKEN"
	EnvAWSProfile         = "AWS_PROFILE"
	EnvOllamaHost         = "OLLAMA_HOST"
)

// Defaults.
const (
	DefaultAddr               = ":8080"
	DefaultShutdownTimeout    = 15 * time.Second
	DefaultFailureThreshold   = 3
	DefaultResetTimeout       = 60 * time.Second
	DefaultMonitoringPeriod   = 5 * time.Minute
	DefaultHalfOpenRequests   = 3
	DefaultProviderTimeout    = 90 * time.Second
	DefaultSideEffectTimeout  = 10 * time.Second
	DefaultMaxTokens          = 2048
	DefaultTemperature        = 0.8
	DefaultHistoryChapters    = 5
	DefaultHistoryTokenBudget = 3000
	DefaultStorageDriver      = "sqlite"
	DefaultSQLitePath         = "storyforge.db"
	DefaultIllustrationQueue  = "storyforge:illustrations"
	DefaultBedrockRegion      = "us-east-1"
)

// DefaultPriority is the static provider order used when none is configured.
//
//nolint:gochecknoglobals // static default
var DefaultPriority = []string{ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderBedrock, ProviderOllama}

// DefaultModels maps each provider to the model requested when none is configured.
//
//nolint:gochecknoglobals // static default
var DefaultModels = map[string]string{
	ProviderAnthropic: "claude-sonnet-4-5",
	ProviderOpenAI:    "gpt-4.1-mini",
	ProviderGoogle:    "gemini-2.5-flash",
	ProviderBedrock:   "anthropic.claude-3-5-haiku-20241022-v1:0",
	ProviderOllama:    "llama3.1",
}

// Duration is a time.Duration that reads "90s" style strings from JSON, YAML and env.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full storyforge configuration.
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Providers    ProvidersConfig    `json:"providers" yaml:"providers"`
	Breaker      BreakerConfig      `json:"breaker" yaml:"breaker"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Illustration IllustrationConfig `json:"illustration" yaml:"illustration"`
	Prompt       PromptConfig       `json:"prompt" yaml:"prompt"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
	Log          LogConfig          `json:"log" yaml:"log"`
	SecretsDir   string             `json:"secrets_dir" yaml:"secrets_dir"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ProvidersConfig configures the provider set and the generation defaults.
type ProvidersConfig struct {
	Priority      []string          `json:"priority" yaml:"priority"`
	Timeout       Duration          `json:"timeout" yaml:"timeout"`
	Models        map[string]string `json:"models" yaml:"models"`
	MaxTokens     int               `json:"max_tokens" yaml:"max_tokens"`
	Temperature   float64           `json:"temperature" yaml:"temperature"`
	BedrockRegion string            `json:"bedrock_region" yaml:"bedrock_region"`
}

// BreakerConfig holds the circuit breaker parameters shared by every provider.
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeout     Duration `json:"reset_timeout" yaml:"reset_timeout"`
	MonitoringPeriod Duration `json:"monitoring_period" yaml:"monitoring_period"`
	HalfOpenRequests int      `json:"half_open_requests" yaml:"half_open_requests"`
}

// StorageConfig selects the chapter store.
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `json:"dsn" yaml:"dsn"`
}

// IllustrationConfig configures the Redis illustration queue. An empty Addr disables it.
type IllustrationConfig struct {
	RedisAddr string   `json:"redis_addr" yaml:"redis_addr"`
	Queue     string   `json:"queue" yaml:"queue"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
}

// PromptConfig bounds how much story history goes into a prompt.
type PromptConfig struct {
	HistoryChapters    int `json:"history_chapters" yaml:"history_chapters"`
	HistoryTokenBudget int `json:"history_token_budget" yaml:"history_token_budget"`
}

// MetricsConfig points the stats command at a Prometheus server.
type MetricsConfig struct {
	PrometheusURL string `json:"prometheus_url" yaml:"prometheus_url"`
}

// LogConfig sets the global minimum log level.
type LogConfig struct {
	Level string `json:"level" yaml:"level"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Model returns the configured model for provider, falling back to DefaultModels.
func (c *Config) Model(provider string) string {
	if m := c.Providers.Models[provider]; m != "" {
		return m
	}
	return DefaultModels[provider]
}

// IsKnownProvider reports whether name is one of the supported providers.
func IsKnownProvider(name string) bool {
	for _, p := range DefaultPriority {
		if p == name {
			return true
		}
	}
	return false
}

// GetAPIKey returns the credential for provider: the API key for hosted providers, the access
// key ID (or profile name) for bedrock, and the host URL for ollama. Secrets file first, then env.
func GetAPIKey(provider string) (string, error) {
	var envVars []string
	switch provider {
	case ProviderAnthropic:
		envVars = []string{EnvAnthropicAPIKey}
	case ProviderOpenAI:
		envVars = []string{EnvOpenAIAPIKey}
	case ProviderGoogle:
		envVars = []string{EnvGoogleAPIKey}
	case ProviderBedrock:
		envVars = []string{EnvAWSAccessKeyID, EnvAWSProfile}
	case ProviderOllama:
		envVars = []string{EnvOllamaHost}
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	for _, envVar := range envVars {
		if key, err := GetSecret(envVar); err == nil && key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("credential not found: %s not found in secrets file or environment variables", strings.Join(envVars, "/"))
}

// placeholderMarkers are substrings that mark a credential as a stand-in value.
//
//nolint:gochecknoglobals // static list
var placeholderMarkers = []string{"dummy", "test", "placeholder", "changeme", "your-"}

// IsPlaceholderCredential reports whether value is empty or looks like a stand-in
// ("your-api-key", "sk-test-...", "changeme").
func IsPlaceholderCredential(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return true
	}
	for _, marker := range placeholderMarkers {
		if strings.Contains(v, marker) {
			return true
		}
	}
	return false
}

// ResolveCredential returns a usable credential for provider. It reports false when the
// credential is missing or a placeholder, in which case the provider must not be registered.
func ResolveCredential(provider string) (string, bool) {
	if provider == ProviderBedrock {
		creds, ok := ResolveAWSCredentials()
		if !ok {
			return "", false
		}
		if creds.AccessKeyID != "" {
			return creds.AccessKeyID, true
		}
		return creds.Profile, true
	}

	key, err := GetAPIKey(provider)
	if err != nil {
		return "", false
	}
	if provider == ProviderOllama {
		// Host URLs such as http://test-box:11434 are legitimate.
		return key, true
	}
	if IsPlaceholderCredential(key) {
		logger.Warn("ignoring placeholder credential for provider %s", provider)
		return "", false
	}
	return key, true
}

// AWSCredentials is what the Bedrock client authenticates with: a static key pair when one is
// configured, otherwise a shared config profile.
type AWSCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Profile         string
}

// ResolveAWSCredentials reads the AWS key pair and profile from the secrets file, then env. An
// access key ID counts only together with its secret key.
func ResolveAWSCredentials() (AWSCredentials, bool) {
	lookup := func(name string) string {
		v, _ := GetSecret(name)
		return strings.TrimSpace(v)
	}

	keyID := lookup(EnvAWSAccessKeyID)
	secret := lookup(EnvAWSSecretAccessKey)
	switch {
	case keyID != "" && secret == "":
		logger.Warn("ignoring %s without %s", EnvAWSAccessKeyID, EnvAWSSecretAccessKey)
	case keyID != "" && IsPlaceholderCredential(keyID):
		logger.Warn("ignoring placeholder credential for provider %s", ProviderBedrock)
	case keyID != "":
		return AWSCredentials{
			AccessKeyID:     keyID,
			SecretAccessKey: secret,
			SessionToken:    lookup(EnvAWSSessionToken),
		}, true
	}

	if profile := lookup(EnvAWSProfile); profile != "" {
		return AWSCredentials{Profile: profile}, true
	}
	return AWSCredentials{}, false
}
