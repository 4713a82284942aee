// Package config loads and normalizes the zrelay configuration from a YAML
// (or JSON-with-comments) file, a .env file, and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/zrelay/zrelay/internal/json"
)

// Config is the root configuration for the zrelay gateway.
type Config struct {
	// Host is the listen address. Empty binds all interfaces.
	Host string `yaml:"host" json:"host"`

	// Port is the HTTP listen port.
	Port int `yaml:"port" json:"port"`

	// APIKey guards the inbound OpenAI-compatible surface and the admin
	// routes. Clients present it as a bearer token.
	APIKey string `yaml:"api-key" json:"api-key"`

	// SkipAuth disables inbound bearer auth entirely.
	SkipAuth bool `yaml:"skip-auth" json:"skip-auth"`

	// Debug raises log verbosity and switches gin out of release mode.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile mirrors logs into a rotating file under ./logs.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// RateLimit caps inbound requests per second per client IP. Zero
	// disables the limiter.
	RateLimit float64 `yaml:"rate-limit" json:"rate-limit"`

	Upstream    UpstreamConfig   `yaml:"upstream" json:"upstream"`
	Credentials CredentialConfig `yaml:"credentials" json:"credentials"`
	Retry       RetryConfig      `yaml:"retry" json:"retry"`
	Usage       UsageConfig      `yaml:"usage" json:"usage"`
}

// UpstreamConfig describes the GLM chat endpoint zrelay relays to.
type UpstreamConfig struct {
	// Endpoint is the chat completion URL.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// AuthEndpoint serves anonymous guest tokens.
	AuthEndpoint string `yaml:"auth-endpoint" json:"auth-endpoint"`

	// Anonymous prefers a freshly fetched guest token over the pool.
	Anonymous bool `yaml:"anonymous" json:"anonymous"`

	// ProxyURL routes upstream traffic through an http(s) or socks5 proxy.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// ToolSupport forwards inbound tool definitions upstream. When off,
	// tool calls are still recovered from answer text.
	ToolSupport bool `yaml:"tool-support" json:"tool-support"`

	// RequestTimeout bounds a whole upstream exchange. Streaming responses
	// are bounded by IdleTimeout instead.
	RequestTimeout Duration `yaml:"request-timeout" json:"request-timeout"`

	// IdleTimeout aborts a stream that delivers no bytes for this long.
	IdleTimeout Duration `yaml:"idle-timeout" json:"idle-timeout"`

	// MaxLineBuffer bounds one buffered stream record. Oversized records
	// are dropped and reading resumes.
	MaxLineBuffer int `yaml:"max-line-buffer" json:"max-line-buffer"`
}

// CredentialConfig describes the upstream credential pool.
type CredentialConfig struct {
	// File holds one bearer token per line; # starts a comment.
	File string `yaml:"file" json:"file"`

	// Backup tokens are merged after the file's tokens.
	Backup []string `yaml:"backup" json:"backup"`

	// MaxFailures deactivates a credential after this many consecutive
	// failures.
	MaxFailures int `yaml:"max-failures" json:"max-failures"`

	// ReloadInterval re-reads the credential file at most this often.
	ReloadInterval Duration `yaml:"reload-interval" json:"reload-interval"`

	// Watch reloads immediately when the credential file changes on disk.
	Watch bool `yaml:"watch" json:"watch"`
}

// RetryConfig bounds the failover loop.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max-retries" json:"max-retries"`

	// Delay is the fixed wait between attempts.
	Delay Duration `yaml:"delay" json:"delay"`

	// MaxDelay caps the grown wait applied after rate-limit rejections.
	MaxDelay Duration `yaml:"max-delay" json:"max-delay"`
}

// UsageConfig configures the optional request-usage accounting backend.
type UsageConfig struct {
	// DSN selects the backend: sqlite://path or postgres://… Empty disables
	// accounting.
	DSN string `yaml:"dsn" json:"dsn"`

	BatchSize     int      `yaml:"batch-size" json:"batch-size"`
	FlushInterval Duration `yaml:"flush-interval" json:"flush-interval"`
	RetentionDays int      `yaml:"retention-days" json:"retention-days"`
}

// Duration is a time.Duration that unmarshals from "30s"-style strings in
// YAML and JSON config files.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.parse(raw)
}

// UnmarshalJSON implements json unmarshalling for hujson configs.
func (d *Duration) UnmarshalJSON(data []byte) error {
	return d.parse(strings.Trim(string(data), `"`))
}

func (d *Duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Defaults matching the upstream service this gateway fronts.
const (
	DefaultPort           = 8080
	DefaultEndpoint       = "https://chat.z.ai/api/chat/completions"
	DefaultAuthEndpoint   = "https://chat.z.ai/api/v1/auths/"
	DefaultMaxFailures    = 3
	DefaultReloadInterval = 60 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 2 * time.Second
	DefaultMaxRetryDelay  = 30 * time.Second
	DefaultRequestTimeout = 120 * time.Second
	DefaultIdleTimeout    = 30 * time.Second
	DefaultMaxLineBuffer  = 1024 * 1024
	DefaultCredentialFile = "tokens.txt"
)

// Load reads the config file at path, applies .env, env overrides, and
// defaults. A missing file is not an error: defaults plus environment make a
// runnable config.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(os.ExpandEnv(path))
		switch {
		case err == nil:
			if err := decode(path, data, cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// run on defaults + env
		default:
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// decode parses YAML configs with yaml.v3 and .json configs through hujson,
// so comments and trailing commas are accepted in JSON files.
func decode(path string, data []byte, cfg *Config) error {
	if strings.HasSuffix(strings.ToLower(filepath.Ext(path)), "json") {
		std, err := hujson.Standardize(data)
		if err != nil {
			return err
		}
		return json.Unmarshal(std, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnv overlays ZRELAY_* environment variables onto the loaded file.
func (cfg *Config) applyEnv() {
	setString(&cfg.Host, "ZRELAY_HOST")
	setInt(&cfg.Port, "ZRELAY_PORT")
	setString(&cfg.APIKey, "ZRELAY_API_KEY")
	setBool(&cfg.SkipAuth, "ZRELAY_SKIP_AUTH")
	setBool(&cfg.Debug, "ZRELAY_DEBUG")
	setBool(&cfg.LoggingToFile, "ZRELAY_LOG_TO_FILE")

	setString(&cfg.Upstream.Endpoint, "ZRELAY_UPSTREAM_ENDPOINT")
	setString(&cfg.Upstream.AuthEndpoint, "ZRELAY_UPSTREAM_AUTH_ENDPOINT")
	setBool(&cfg.Upstream.Anonymous, "ZRELAY_ANONYMOUS_MODE")
	setString(&cfg.Upstream.ProxyURL, "ZRELAY_PROXY_URL")
	setBool(&cfg.Upstream.ToolSupport, "ZRELAY_TOOL_SUPPORT")

	setString(&cfg.Credentials.File, "ZRELAY_CREDENTIAL_FILE")
	if raw := os.Getenv("ZRELAY_BACKUP_TOKEN"); raw != "" {
		for _, tok := range strings.Split(raw, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				cfg.Credentials.Backup = append(cfg.Credentials.Backup, tok)
			}
		}
	}

	setInt(&cfg.Retry.MaxRetries, "ZRELAY_MAX_RETRIES")
	setDuration(&cfg.Retry.Delay, "ZRELAY_RETRY_DELAY")
	setDuration(&cfg.Upstream.IdleTimeout, "ZRELAY_IDLE_TIMEOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Upstream.Endpoint == "" {
		cfg.Upstream.Endpoint = DefaultEndpoint
	}
	if cfg.Upstream.AuthEndpoint == "" {
		cfg.Upstream.AuthEndpoint = DefaultAuthEndpoint
	}
	if cfg.Upstream.RequestTimeout == 0 {
		cfg.Upstream.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if cfg.Upstream.IdleTimeout == 0 {
		cfg.Upstream.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if cfg.Upstream.MaxLineBuffer <= 0 {
		cfg.Upstream.MaxLineBuffer = DefaultMaxLineBuffer
	}
	if cfg.Credentials.File == "" {
		cfg.Credentials.File = DefaultCredentialFile
	}
	if cfg.Credentials.MaxFailures <= 0 {
		cfg.Credentials.MaxFailures = DefaultMaxFailures
	}
	if cfg.Credentials.ReloadInterval == 0 {
		cfg.Credentials.ReloadInterval = Duration(DefaultReloadInterval)
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	} else if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = DefaultMaxRetries
	}
	if cfg.Retry.Delay == 0 {
		cfg.Retry.Delay = Duration(DefaultRetryDelay)
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = Duration(DefaultMaxRetryDelay)
	}
	if cfg.Usage.BatchSize <= 0 {
		cfg.Usage.BatchSize = 100
	}
	if cfg.Usage.FlushInterval == 0 {
		cfg.Usage.FlushInterval = Duration(5 * time.Second)
	}
	if cfg.Usage.RetentionDays <= 0 {
		cfg.Usage.RetentionDays = 30
	}
}

// ListenAddr joins host and port for http.Server.
func (cfg *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}
