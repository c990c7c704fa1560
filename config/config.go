// Package config loads the service configuration from defaults, an optional YAML
// file and DOFNOT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full application configuration.
type Config struct {
	Feed     FeedConfig     `yaml:"feed" mapstructure:"feed"`
	Poll     PollConfig     `yaml:"poll" mapstructure:"poll"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Refdata  RefdataConfig  `yaml:"refdata" mapstructure:"refdata"`
	Prefs    PrefsConfig    `yaml:"prefs" mapstructure:"prefs"`
	Push     PushConfig     `yaml:"push" mapstructure:"push"`
	Email    EmailConfig    `yaml:"email" mapstructure:"email"`
	Dispatch DispatchConfig `yaml:"dispatch" mapstructure:"dispatch"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// FeedConfig configures the observation export fetch.
type FeedConfig struct {
	// URL may contain "{date}", replaced with DD-MM-YYYY.
	URL      string        `yaml:"url" mapstructure:"url"`
	Attempts uint          `yaml:"attempts" mapstructure:"attempts"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// PollConfig configures the polling loop.
type PollConfig struct {
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	Timezone string        `yaml:"timezone" mapstructure:"timezone"`
}

// StorageConfig selects the document backend. LocalPath wins over Bucket.
type StorageConfig struct {
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	LocalPath string `yaml:"local_path" mapstructure:"local_path"`
	// RetainDays is how many past days of thread documents are kept; zero keeps all.
	RetainDays int `yaml:"retain_days" mapstructure:"retain_days"`
}

// RefdataConfig locates the reference tables.
type RefdataConfig struct {
	Dir            string        `yaml:"dir" mapstructure:"dir"`
	ReloadInterval time.Duration `yaml:"reload_interval" mapstructure:"reload_interval"`
}

// PrefsConfig locates the preferences database.
type PrefsConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PushConfig configures the push providers.
type PushConfig struct {
	VAPIDPublicKey  string        `yaml:"vapid_public_key" mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string        `yaml:"vapid_private_key" mapstructure:"vapid_private_key"`
	Subscriber      string        `yaml:"subscriber" mapstructure:"subscriber"`
	TTL             time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Shoutrrr        bool          `yaml:"shoutrrr" mapstructure:"shoutrrr"`
	ShoutrrrTimeout time.Duration `yaml:"shoutrrr_timeout" mapstructure:"shoutrrr_timeout"`
}

// WebPushEnabled reports whether VAPID keys are configured.
func (p PushConfig) WebPushEnabled() bool {
	return p.VAPIDPublicKey != "" && p.VAPIDPrivateKey != ""
}

// EmailConfig selects the e-mail provider: "gmail", "brevo", "mock" or "" for none.
type EmailConfig struct {
	Provider        string `yaml:"provider" mapstructure:"provider"`
	From            string `yaml:"from" mapstructure:"from"`
	FromName        string `yaml:"from_name" mapstructure:"from_name"`
	BrevoAPIKey     string `yaml:"brevo_api_key" mapstructure:"brevo_api_key"`
	CredentialsJSON string `yaml:"credentials_json" mapstructure:"credentials_json"`
}

// DispatchConfig tunes fan-out.
type DispatchConfig struct {
	Workers   int           `yaml:"workers" mapstructure:"workers"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
	LedgerTTL time.Duration `yaml:"ledger_ttl" mapstructure:"ledger_ttl"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Port    string `yaml:"port" mapstructure:"port"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SlogLevel parses the configured level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.url", "")
	v.SetDefault("feed.attempts", 3)
	v.SetDefault("feed.timeout", 30*time.Second)
	v.SetDefault("poll.interval", 5*time.Minute)
	v.SetDefault("poll.timezone", "Europe/Copenhagen")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.local_path", "")
	v.SetDefault("storage.retain_days", 30)
	v.SetDefault("refdata.dir", "./data")
	v.SetDefault("refdata.reload_interval", time.Hour)
	v.SetDefault("prefs.path", "./prefs.db")
	v.SetDefault("push.vapid_public_key", "")
	v.SetDefault("push.vapid_private_key", "")
	v.SetDefault("push.subscriber", "")
	v.SetDefault("push.ttl", 60*time.Second)
	v.SetDefault("push.shoutrrr", true)
	v.SetDefault("push.shoutrrr_timeout", 10*time.Second)
	v.SetDefault("email.provider", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.from_name", "DOF Notifier")
	v.SetDefault("email.brevo_api_key", "")
	v.SetDefault("email.credentials_json", "")
	v.SetDefault("dispatch.workers", 8)
	v.SetDefault("dispatch.timeout", 30*time.Second)
	v.SetDefault("dispatch.ledger_ttl", 36*time.Hour)
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.base_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads the configuration. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DOFNOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Storage.Bucket == "" && cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./state"
	}
	return &cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if _, err := time.LoadLocation(c.Poll.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("poll.timezone: %w", err))
	}
	if c.Storage.RetainDays < 0 {
		errs = append(errs, errors.New("storage.retain_days must not be negative"))
	}
	if c.Refdata.ReloadInterval < 0 {
		errs = append(errs, errors.New("refdata.reload_interval must not be negative"))
	}
	if c.Refdata.Dir == "" {
		errs = append(errs, errors.New("refdata.dir is required"))
	}
	if c.Prefs.Path == "" {
		errs = append(errs, errors.New("prefs.path is required"))
	}
	if c.Dispatch.Workers <= 0 {
		errs = append(errs, errors.New("dispatch.workers must be positive"))
	}
	if c.Dispatch.Timeout <= 0 {
		errs = append(errs, errors.New("dispatch.timeout must be positive"))
	}
	if (c.Push.VAPIDPublicKey == "") != (c.Push.VAPIDPrivateKey == "") {
		errs = append(errs, errors.New("push: both VAPID keys are required for web push"))
	}
	if c.Push.WebPushEnabled() && c.Push.Subscriber == "" {
		errs = append(errs, errors.New("push.subscriber is required for web push"))
	}
	switch c.Email.Provider {
	case "", "mock", "gmail":
	case "brevo":
		if c.Email.BrevoAPIKey == "" || c.Email.From == "" {
			errs = append(errs, errors.New("email.brevo_api_key and email.from are required for brevo"))
		}
	default:
		errs = append(errs, fmt.Errorf("email.provider: unknown provider %q", c.Email.Provider))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
