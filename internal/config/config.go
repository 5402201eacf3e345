package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "BLOCKNOTES"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "blocknotes.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultCookieName          = "__session"
	defaultSessionIssuer       = "blocknotes"
	defaultSessionTTLMinutes   = 14 * 24 * 60
	defaultJWKSURL             = "https://www.googleapis.com/oauth2/v3/certs"
	defaultAutosaveDelayMillis = 1000
	defaultAutosaveAttempts    = 3
	defaultRetryMinMillis      = 200
	defaultRetryMaxMillis      = 5000
	defaultMediaBackend        = MediaBackendLocal
	defaultMediaLocalDir       = "media"
	defaultMediaPublicURL      = "/media"
	defaultMediaMaxBytes       = 10 << 20
	defaultSignInRatePerMinute = 10
)

// Media backends.
const (
	MediaBackendLocal = "local"
	MediaBackendS3    = "s3"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string
	LogFormat      string

	SessionSigningSecret string
	SessionCookieName    string
	SessionIssuer        string
	SessionTTL           time.Duration
	SecureCookies        bool

	IdentityAudience string
	IdentityJWKSURL  string
	IdentityIssuers  []string

	AutosaveDelay       time.Duration
	AutosaveMaxAttempts int
	AutosaveRetryMin    time.Duration
	AutosaveRetryMax    time.Duration

	Media MediaConfig

	SignInRatePerMinute int
}

// MediaConfig selects and configures the media backend.
type MediaConfig struct {
	Backend     string
	LocalDir    string
	PublicURL   string
	MaxBytes    int
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Prefix    string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)

	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTLMinutes)
	configViper.SetDefault("session.secure_cookie", false)

	configViper.SetDefault("identity.jwks_url", defaultJWKSURL)
	configViper.SetDefault("identity.issuers", []string{"https://accounts.google.com", "accounts.google.com"})

	configViper.SetDefault("autosave.delay_ms", defaultAutosaveDelayMillis)
	configViper.SetDefault("autosave.max_attempts", defaultAutosaveAttempts)
	configViper.SetDefault("autosave.retry_min_ms", defaultRetryMinMillis)
	configViper.SetDefault("autosave.retry_max_ms", defaultRetryMaxMillis)

	configViper.SetDefault("media.backend", defaultMediaBackend)
	configViper.SetDefault("media.local_dir", defaultMediaLocalDir)
	configViper.SetDefault("media.public_url", defaultMediaPublicURL)
	configViper.SetDefault("media.max_bytes", defaultMediaMaxBytes)
	configViper.SetDefault("media.s3_region", "us-east-1")

	configViper.SetDefault("signin.rate_per_minute", defaultSignInRatePerMinute)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),

		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionTTL:           time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		SecureCookies:        configViper.GetBool("session.secure_cookie"),

		IdentityAudience: configViper.GetString("identity.audience"),
		IdentityJWKSURL:  configViper.GetString("identity.jwks_url"),
		IdentityIssuers:  splitList(configViper.GetStringSlice("identity.issuers")),

		AutosaveDelay:       time.Duration(configViper.GetInt("autosave.delay_ms")) * time.Millisecond,
		AutosaveMaxAttempts: configViper.GetInt("autosave.max_attempts"),
		AutosaveRetryMin:    time.Duration(configViper.GetInt("autosave.retry_min_ms")) * time.Millisecond,
		AutosaveRetryMax:    time.Duration(configViper.GetInt("autosave.retry_max_ms")) * time.Millisecond,

		Media: MediaConfig{
			Backend:     strings.ToLower(strings.TrimSpace(configViper.GetString("media.backend"))),
			LocalDir:    configViper.GetString("media.local_dir"),
			PublicURL:   configViper.GetString("media.public_url"),
			MaxBytes:    configViper.GetInt("media.max_bytes"),
			S3Bucket:    configViper.GetString("media.s3_bucket"),
			S3Region:    configViper.GetString("media.s3_region"),
			S3Endpoint:  configViper.GetString("media.s3_endpoint"),
			S3AccessKey: configViper.GetString("media.s3_access_key"),
			S3SecretKey: configViper.GetString("media.s3_secret_key"),
			S3Prefix:    configViper.GetString("media.s3_prefix"),
		},

		SignInRatePerMinute: configViper.GetInt("signin.rate_per_minute"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// SignInEnabled reports whether identity tokens can be verified.
func (c AppConfig) SignInEnabled() bool {
	return strings.TrimSpace(c.IdentityAudience) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive")
	}
	if c.AutosaveDelay <= 0 {
		return fmt.Errorf("autosave.delay_ms must be positive")
	}
	if c.AutosaveMaxAttempts <= 0 {
		return fmt.Errorf("autosave.max_attempts must be positive")
	}
	if c.AutosaveRetryMin <= 0 || c.AutosaveRetryMax < c.AutosaveRetryMin {
		return fmt.Errorf("autosave.retry_min_ms must be positive and not exceed autosave.retry_max_ms")
	}
	if c.SignInRatePerMinute <= 0 {
		return fmt.Errorf("signin.rate_per_minute must be positive")
	}
	switch c.Media.Backend {
	case MediaBackendLocal:
		if strings.TrimSpace(c.Media.LocalDir) == "" {
			return fmt.Errorf("media.local_dir is required for the local backend")
		}
	case MediaBackendS3:
		if strings.TrimSpace(c.Media.S3Bucket) == "" {
			return fmt.Errorf("media.s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("media.backend must be %q or %q, got %q", MediaBackendLocal, MediaBackendS3, c.Media.Backend)
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
