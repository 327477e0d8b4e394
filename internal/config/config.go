package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "INVITATION"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultLogLevel           = "info"
	defaultSQLitePath         = "invitation.db"
	defaultS3Region           = "us-east-1"
	defaultSMTPPort           = 587
	defaultEditTokenTTL       = 30
	defaultRetentionDays      = 30
	defaultScheduleInterval   = 24 * time.Hour
	defaultMediaMaxBytes      = 10 << 20
	defaultMediaURLTTLMinutes = 60
	defaultAIBaseURL          = "https://ark.cn-beijing.volces.com/api/v3"
	defaultAIRegion           = "cn-beijing"
	defaultAIMaxTokens        = 500

	// StorageBackendS3 selects the S3-compatible blob backend.
	StorageBackendS3 = "s3"
	// StorageBackendSQLite selects the embedded SQLite blob backend.
	StorageBackendSQLite = "sqlite"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string
	Storage     StorageConfig
	AdminKey    string
	Auth        AuthConfig
	Email       EmailConfig
	AI          AIConfig
	Backup      BackupConfig
	Media       MediaConfig
}

// StorageConfig selects and configures the blob backend. An empty Backend
// is valid: requests then fail with a configuration error.
type StorageConfig struct {
	Backend     string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
	SQLitePath  string
}

// AuthConfig configures RSVP edit tokens.
type AuthConfig struct {
	SigningSecret string
	EditTokenTTL  time.Duration
}

// EmailConfig configures the SMTP relay used for PIN delivery.
type EmailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
}

// Enabled reports whether enough settings exist to send mail.
func (c EmailConfig) Enabled() bool {
	return strings.TrimSpace(c.SMTPHost) != "" && strings.TrimSpace(c.From) != ""
}

// AIConfig configures the wish enhancement model.
type AIConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	Region    string
	MaxTokens int
}

// Enabled reports whether the model can be constructed.
func (c AIConfig) Enabled() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.Model) != ""
}

// BackupConfig configures scheduled snapshots.
type BackupConfig struct {
	RetentionDays    int
	ScheduleInterval time.Duration
}

// MediaConfig configures uploaded audio and photo files.
type MediaConfig struct {
	MaxBytes int64
	URLTTL   time.Duration
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("storage.backend", "")
	configViper.SetDefault("storage.s3.bucket", "")
	configViper.SetDefault("storage.s3.region", defaultS3Region)
	configViper.SetDefault("storage.s3.endpoint", "")
	configViper.SetDefault("storage.s3.access_key", "")
	configViper.SetDefault("storage.s3.secret_key", "")
	configViper.SetDefault("storage.s3.path_style", false)
	configViper.SetDefault("storage.sqlite.path", defaultSQLitePath)
	configViper.SetDefault("admin.key", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.edit_token_ttl_minutes", defaultEditTokenTTL)
	configViper.SetDefault("email.smtp_host", "")
	configViper.SetDefault("email.smtp_port", defaultSMTPPort)
	configViper.SetDefault("email.username", "")
	configViper.SetDefault("email.password", "")
	configViper.SetDefault("email.from", "")
	configViper.SetDefault("ai.api_key", "")
	configViper.SetDefault("ai.model", "")
	configViper.SetDefault("ai.base_url", defaultAIBaseURL)
	configViper.SetDefault("ai.region", defaultAIRegion)
	configViper.SetDefault("ai.max_tokens", defaultAIMaxTokens)
	configViper.SetDefault("backup.retention_days", defaultRetentionDays)
	configViper.SetDefault("backup.schedule_interval", defaultScheduleInterval)
	configViper.SetDefault("media.max_bytes", defaultMediaMaxBytes)
	configViper.SetDefault("media.url_ttl_minutes", defaultMediaURLTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		LogLevel:    configViper.GetString("log.level"),
		Storage: StorageConfig{
			Backend:     strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
			S3Bucket:    configViper.GetString("storage.s3.bucket"),
			S3Region:    configViper.GetString("storage.s3.region"),
			S3Endpoint:  configViper.GetString("storage.s3.endpoint"),
			S3AccessKey: configViper.GetString("storage.s3.access_key"),
			S3SecretKey: configViper.GetString("storage.s3.secret_key"),
			S3PathStyle: configViper.GetBool("storage.s3.path_style"),
			SQLitePath:  configViper.GetString("storage.sqlite.path"),
		},
		AdminKey: configViper.GetString("admin.key"),
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			EditTokenTTL:  time.Duration(configViper.GetInt("auth.edit_token_ttl_minutes")) * time.Minute,
		},
		Email: EmailConfig{
			SMTPHost: configViper.GetString("email.smtp_host"),
			SMTPPort: configViper.GetInt("email.smtp_port"),
			Username: configViper.GetString("email.username"),
			Password: configViper.GetString("email.password"),
			From:     configViper.GetString("email.from"),
		},
		AI: AIConfig{
			APIKey:    configViper.GetString("ai.api_key"),
			Model:     configViper.GetString("ai.model"),
			BaseURL:   configViper.GetString("ai.base_url"),
			Region:    configViper.GetString("ai.region"),
			MaxTokens: configViper.GetInt("ai.max_tokens"),
		},
		Backup: BackupConfig{
			RetentionDays:    configViper.GetInt("backup.retention_days"),
			ScheduleInterval: configViper.GetDuration("backup.schedule_interval"),
		},
		Media: MediaConfig{
			MaxBytes: configViper.GetInt64("media.max_bytes"),
			URLTTL:   time.Duration(configViper.GetInt("media.url_ttl_minutes")) * time.Minute,
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// StorageConfigured reports whether a blob backend can be built. A missing
// backend is not a startup error; handlers report it per request.
func (c AppConfig) StorageConfigured() bool {
	switch c.Storage.Backend {
	case StorageBackendS3:
		return strings.TrimSpace(c.Storage.S3Bucket) != ""
	case StorageBackendSQLite:
		return strings.TrimSpace(c.Storage.SQLitePath) != ""
	default:
		return false
	}
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.Storage.Backend {
	case "", StorageBackendS3, StorageBackendSQLite:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", StorageBackendS3, StorageBackendSQLite, c.Storage.Backend)
	}
	if c.Backup.RetentionDays <= 0 {
		return fmt.Errorf("backup.retention_days must be positive")
	}
	if c.Backup.ScheduleInterval < 0 {
		return fmt.Errorf("backup.schedule_interval must not be negative")
	}
	if c.Auth.EditTokenTTL <= 0 {
		return fmt.Errorf("auth.edit_token_ttl_minutes must be positive")
	}
	if c.Media.MaxBytes <= 0 {
		return fmt.Errorf("media.max_bytes must be positive")
	}
	if c.Email.SMTPPort <= 0 || c.Email.SMTPPort > 65535 {
		return fmt.Errorf("email.smtp_port must be a valid port")
	}
	return nil
}
