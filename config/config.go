package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values can be written as "30s" or "10m".
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the full runtime configuration of the donation engine.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`
	LogFile       string `toml:"LogFile"`

	// DatabaseDSN selects the ledger backend: a postgres:// URL or a sqlite
	// file path (anything else).
	DatabaseDSN     string `toml:"DatabaseDSN"`
	ConfidentialDSN string `toml:"ConfidentialDSN"`

	BlobDir string `toml:"BlobDir"`

	Mail       MailConfig       `toml:"Mail"`
	Classifier ClassifierConfig `toml:"Classifier"`
	Intake     IntakeConfig     `toml:"Intake"`
	Engine     EngineConfig     `toml:"Engine"`
	Operator   OperatorConfig   `toml:"Operator"`
	Templates  TemplatesConfig  `toml:"Templates"`
	Export     ExportConfig     `toml:"Export"`
}

// MailConfig points at the external mail service.
type MailConfig struct {
	BaseURL     string   `toml:"BaseURL"`
	AuthToken   string   `toml:"AuthToken"`
	SelfAddress string   `toml:"SelfAddress"`
	AdminAlerts []string `toml:"AdminAlerts"`
	AlwaysCC    []string `toml:"AlwaysCC"`
	SendTimeout Duration `toml:"SendTimeout"`
	// SendRatePerMinute paces outbound sends so the mail provider's quota is
	// never tripped mid-batch.
	SendRatePerMinute int `toml:"SendRatePerMinute"`
}

// ClassifierConfig points at the external language model.
type ClassifierConfig struct {
	BaseURL     string   `toml:"BaseURL"`
	APIKey      string   `toml:"APIKey"`
	Model       string   `toml:"Model"`
	CallTimeout Duration `toml:"CallTimeout"`
}

// IntakeConfig carries the pledge intake mappings.
type IntakeConfig struct {
	// DurationAmounts maps recognised pledge durations to promised amounts in
	// minor currency units.
	DurationAmounts map[string]int64 `toml:"DurationAmounts"`
	// ChapterLeads maps a chapter name to the lead addresses CC'd on
	// confirmations.
	ChapterLeads map[string][]string `toml:"ChapterLeads"`
}

// EngineConfig tunes the scheduled loops and the global lock.
type EngineConfig struct {
	IngestInterval   Duration `toml:"IngestInterval"`
	WatchdogInterval Duration `toml:"WatchdogInterval"`
	WatchdogWindow   Duration `toml:"WatchdogWindow"`
	LockTimeout      Duration `toml:"LockTimeout"`
	// VerificationSlack widens the proof-submitted threshold: a pledge counts
	// as fully proven once verified_total >= promised - slack.
	VerificationSlack int64 `toml:"VerificationSlack"`
	// ThreadContextDepth caps how many prior messages are flattened for reply
	// classification.
	ThreadContextDepth int `toml:"ThreadContextDepth"`
}

// OperatorConfig secures the operator API.
type OperatorConfig struct {
	JWTSecret string `toml:"JWTSecret"`
	Issuer    string `toml:"Issuer"`
}

// TemplatesConfig locates the mail template registry.
type TemplatesConfig struct {
	Dir string `toml:"Dir"`
}

// ExportConfig controls the anonymised reporting export.
type ExportConfig struct {
	OutputDir string `toml:"OutputDir"`
	// Salt keys the HMAC used to anonymise donor identities.
	Salt string `toml:"Salt"`
}

// Load reads configuration from the given TOML path and applies environment
// overrides for secrets.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Secrets never live in the config file in production; the file value is a
// development fallback.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("HOSTELFUND_DB_DSN")); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("HOSTELFUND_CONFIDENTIAL_DSN")); v != "" {
		cfg.ConfidentialDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("HOSTELFUND_MAIL_TOKEN")); v != "" {
		cfg.Mail.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("HOSTELFUND_LM_API_KEY")); v != "" {
		cfg.Classifier.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("HOSTELFUND_JWT_SECRET")); v != "" {
		cfg.Operator.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("HOSTELFUND_EXPORT_SALT")); v != "" {
		cfg.Export.Salt = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = "hostelfund.db"
	}
	if cfg.BlobDir == "" {
		cfg.BlobDir = "receipts"
	}
	if cfg.Mail.SendTimeout.Duration == 0 {
		cfg.Mail.SendTimeout.Duration = 60 * time.Second
	}
	if cfg.Mail.SendRatePerMinute <= 0 {
		cfg.Mail.SendRatePerMinute = 30
	}
	if cfg.Classifier.CallTimeout.Duration == 0 {
		cfg.Classifier.CallTimeout.Duration = 30 * time.Second
	}
	if cfg.Engine.IngestInterval.Duration == 0 {
		cfg.Engine.IngestInterval.Duration = 10 * time.Minute
	}
	if cfg.Engine.WatchdogInterval.Duration == 0 {
		cfg.Engine.WatchdogInterval.Duration = 15 * time.Minute
	}
	if cfg.Engine.WatchdogWindow.Duration == 0 {
		cfg.Engine.WatchdogWindow.Duration = 14 * 24 * time.Hour
	}
	if cfg.Engine.LockTimeout.Duration == 0 {
		cfg.Engine.LockTimeout.Duration = 30 * time.Second
	}
	if cfg.Engine.ThreadContextDepth <= 0 {
		cfg.Engine.ThreadContextDepth = 6
	}
	if cfg.Templates.Dir == "" {
		cfg.Templates.Dir = "templates"
	}
	if cfg.Export.OutputDir == "" {
		cfg.Export.OutputDir = "exports"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Mail.BaseURL) == "" {
		return errors.New("Mail.BaseURL is required")
	}
	if strings.TrimSpace(c.Mail.SelfAddress) == "" {
		return errors.New("Mail.SelfAddress is required")
	}
	if strings.TrimSpace(c.Classifier.BaseURL) == "" {
		return errors.New("Classifier.BaseURL is required")
	}
	if strings.TrimSpace(c.Classifier.Model) == "" {
		return errors.New("Classifier.Model is required")
	}
	if strings.TrimSpace(c.Operator.JWTSecret) == "" {
		return errors.New("Operator.JWTSecret is required")
	}
	if c.Engine.VerificationSlack < 0 {
		return errors.New("Engine.VerificationSlack must not be negative")
	}
	if len(c.Intake.DurationAmounts) == 0 {
		return errors.New("Intake.DurationAmounts must map at least one duration")
	}
	for duration, amount := range c.Intake.DurationAmounts {
		if amount <= 0 {
			return fmt.Errorf("Intake.DurationAmounts[%s] must be positive", duration)
		}
	}
	return nil
}
