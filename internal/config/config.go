// Package config loads TravelDiary settings from the environment, an optional
// .env file and an optional TOML file.
//
// Environment variables carry the TRAVELDIARY_ prefix. The TOML file holds the
// settings that do not fit in a flat variable: rate-limit policy overrides,
// the achievement catalog path and the housekeeping schedules.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/BTreeMap/TravelDiary/internal/ratelimit"
	"github.com/BTreeMap/TravelDiary/internal/store"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "TRAVELDIARY_"

const (
	// DefaultStateDir holds the SQLite database and the process lock.
	DefaultStateDir = "/var/lib/traveldiary"
	// DefaultDBFileName is the SQLite file created in the state directory.
	DefaultDBFileName = "traveldiary.db"
)

// Translator backends.
const (
	TranslatorNone           = "none"
	TranslatorLibreTranslate = "libretranslate"
	TranslatorOpenAI         = "openai"
)

// Chat transports. Auto picks Twilio when its credentials are present.
const (
	TransportAuto      = "auto"
	TransportTwilio    = "twilio"
	TransportWhatsmeow = "whatsmeow"
	TransportNone      = "none"
)

// DefaultWhatsmeowDBFileName is the whatsmeow device store created in the state directory.
const DefaultWhatsmeowDBFileName = "whatsmeow.db"

// Config is the resolved process configuration.
type Config struct {
	StateDir    string `env:"STATE_DIR" envDefault:"/var/lib/traveldiary"`
	DatabaseURL string `env:"DATABASE_URL"` // Postgres DSN or SQLite path; empty means SQLite in StateDir
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	ConfigFile  string `env:"CONFIG_FILE"`

	APIAddr   string `env:"API_ADDR" envDefault:":8080"`
	APIToken  string `env:"API_TOKEN"`
	PublicURL string `env:"PUBLIC_URL"` // externally visible webhook URL, used for signature checks

	NominatimURL   string        `env:"NOMINATIM_URL" envDefault:"https://nominatim.openstreetmap.org"`
	NominatimEmail string        `env:"NOMINATIM_EMAIL"`
	GeocodeTimeout time.Duration `env:"GEOCODE_TIMEOUT" envDefault:"20s"`

	Translator        string `env:"TRANSLATOR" envDefault:"none"`
	LibreTranslateURL string `env:"LIBRETRANSLATE_URL"`
	LibreTranslateKey string `env:"LIBRETRANSLATE_API_KEY"`
	OpenAIKey         string `env:"OPENAI_API_KEY"`
	OpenAIModel       string `env:"OPENAI_MODEL"`
	OpenAIBaseURL     string `env:"OPENAI_BASE_URL"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string `env:"TWILIO_FROM"`

	Transport            string `env:"TRANSPORT" envDefault:"auto"`
	WhatsmeowDSN         string `env:"WHATSMEOW_DB_DSN"` // device store; empty means SQLite in StateDir
	WhatsmeowQRPath      string `env:"WHATSMEOW_QR_PATH"`
	WhatsmeowNumericCode bool   `env:"WHATSMEOW_NUMERIC_CODE"`

	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"24h"`
	ResumeNotify bool          `env:"RESUME_NOTIFY"`

	// Retention bounds how long inbound dedup records and the commit journal are kept.
	Retention time.Duration `env:"RETENTION" envDefault:"168h"`

	File File `env:"-"`
}

// File is the optional TOML configuration file.
type File struct {
	CatalogPath  string                  `toml:"catalog_path"`
	Housekeeping Housekeeping            `toml:"housekeeping"`
	RateLimits   map[string]PolicyConfig `toml:"rate_limits"`
}

// Housekeeping holds the cron schedules of background maintenance jobs.
type Housekeeping struct {
	SweepSchedule  string `toml:"sweep_schedule"`  // limiter windows and idle conversations
	ExpireSchedule string `toml:"expire_schedule"` // premium expiry
}

// PolicyConfig overrides one rate-limit category.
type PolicyConfig struct {
	MaxRequests int    `toml:"max_requests"`
	Window      string `toml:"window"` // Go duration, e.g. "60s"
}

// Default returns a Config populated with built-in defaults only.
func Default() Config {
	return Config{
		StateDir:       DefaultStateDir,
		LogLevel:       "info",
		APIAddr:        ":8080",
		NominatimURL:   "https://nominatim.openstreetmap.org",
		GeocodeTimeout: 20 * time.Second,
		Translator:     TranslatorNone,
		Transport:      TransportAuto,
		IdleTimeout:    24 * time.Hour,
		Retention:      7 * 24 * time.Hour,
		File:           DefaultFile(),
	}
}

// DefaultFile returns the file settings used when no TOML file is given.
func DefaultFile() File {
	return File{
		Housekeeping: Housekeeping{
			SweepSchedule:  "*/10 * * * *",
			ExpireSchedule: "0 * * * *",
		},
	}
}

// Load reads envFile (ignored when missing), parses the environment and the
// optional TOML file, then validates the result.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load env file: %w", err)
			}
			slog.Debug("Config Load no env file", "path", envFile)
		} else {
			slog.Debug("Config Load loaded env file", "path", envFile)
		}
	}

	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.File = DefaultFile()
	if err := cfg.ApplyFile(cfg.ConfigFile); err != nil {
		return nil, err
	}

	slog.Debug("Config Load succeeded",
		"stateDir", cfg.StateDir,
		"databaseURLSet", cfg.DatabaseURL != "",
		"apiAddr", cfg.APIAddr,
		"apiTokenSet", cfg.APIToken != "",
		"translator", cfg.Translator,
		"transport", cfg.Transport,
		"configFile", cfg.ConfigFile)
	return &cfg, nil
}

// ApplyFile replaces the file settings with those read from path, then
// normalizes and validates the result. An empty path keeps the current file settings.
func (c *Config) ApplyFile(path string) error {
	if path != "" {
		f, err := LoadFile(path)
		if err != nil {
			return err
		}
		c.ConfigFile = path
		c.File = f
	}
	c.normalize()
	return c.Validate()
}

// LoadFile decodes a TOML file on top of DefaultFile. Unknown keys are rejected.
func LoadFile(path string) (File, error) {
	f := DefaultFile()
	fh, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()

	dec := toml.NewDecoder(fh)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if f.CatalogPath != "" && !filepath.IsAbs(f.CatalogPath) {
		f.CatalogPath = filepath.Join(filepath.Dir(path), f.CatalogPath)
	}
	return f, nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.Translator = strings.ToLower(strings.TrimSpace(c.Translator))
	if c.Translator == "" {
		c.Translator = TranslatorNone
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultDBFileName)
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" || c.Transport == TransportAuto {
		c.Transport = TransportNone
		if c.TwilioConfigured() {
			c.Transport = TransportTwilio
		}
	}
	if c.Transport == TransportWhatsmeow && c.WhatsmeowDSN == "" {
		c.WhatsmeowDSN = filepath.Join(c.StateDir, DefaultWhatsmeowDBFileName)
	}
	if c.File.Housekeeping.SweepSchedule == "" {
		c.File.Housekeeping.SweepSchedule = DefaultFile().Housekeeping.SweepSchedule
	}
	if c.File.Housekeeping.ExpireSchedule == "" {
		c.File.Housekeeping.ExpireSchedule = DefaultFile().Housekeeping.ExpireSchedule
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Translator {
	case TranslatorNone:
	case TranslatorLibreTranslate:
		if c.LibreTranslateURL == "" {
			return fmt.Errorf("%sLIBRETRANSLATE_URL is required for the libretranslate translator", EnvPrefix)
		}
	case TranslatorOpenAI:
		if c.OpenAIKey == "" {
			return fmt.Errorf("%sOPENAI_API_KEY is required for the openai translator", EnvPrefix)
		}
	default:
		return fmt.Errorf("unknown translator %q", c.Translator)
	}
	switch c.Transport {
	case TransportNone, TransportWhatsmeow:
	case TransportTwilio:
		if !c.TwilioConfigured() {
			return fmt.Errorf("the twilio transport requires %[1]sTWILIO_ACCOUNT_SID, %[1]sTWILIO_AUTH_TOKEN and %[1]sTWILIO_FROM", EnvPrefix)
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.GeocodeTimeout <= 0 {
		return fmt.Errorf("geocode timeout must be positive, got %s", c.GeocodeTimeout)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.Retention < c.IdleTimeout {
		return fmt.Errorf("retention %s must not be shorter than the idle timeout %s", c.Retention, c.IdleTimeout)
	}
	if _, err := c.RatePolicies(); err != nil {
		return err
	}
	return nil
}

// TwilioConfigured reports whether outbound WhatsApp credentials are present.
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFrom != ""
}

// RatePolicies converts the file's rate-limit overrides.
func (c *Config) RatePolicies() (map[ratelimit.Category]ratelimit.Policy, error) {
	known := ratelimit.DefaultPolicies()
	out := make(map[ratelimit.Category]ratelimit.Policy, len(c.File.RateLimits))
	for name, pc := range c.File.RateLimits {
		cat := ratelimit.Category(name)
		if _, ok := known[cat]; !ok {
			return nil, fmt.Errorf("rate_limits: unknown category %q", name)
		}
		window, err := time.ParseDuration(pc.Window)
		if err != nil {
			return nil, fmt.Errorf("rate_limits.%s.window: %w", name, err)
		}
		if pc.MaxRequests <= 0 || window <= 0 {
			return nil, fmt.Errorf("rate_limits.%s: max_requests and window must be positive", name)
		}
		out[cat] = ratelimit.Policy{MaxRequests: pc.MaxRequests, Window: window}
	}
	return out, nil
}

// LimiterOptions returns ratelimit options applying the overrides.
func (c *Config) LimiterOptions() ([]ratelimit.Option, error) {
	policies, err := c.RatePolicies()
	if err != nil {
		return nil, err
	}
	opts := make([]ratelimit.Option, 0, len(policies))
	for cat, p := range policies {
		opts = append(opts, ratelimit.WithPolicy(cat, p))
	}
	return opts, nil
}

// UsesSQLite reports whether the database is a local SQLite file.
func (c *Config) UsesSQLite() bool {
	return store.DetectDSNType(c.DatabaseURL) == store.DSNTypeSQLite
}

// EnsureDirectories creates the state directory and, for SQLite, the database's directory.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.StateDir}
	if c.UsesSQLite() {
		dirs = append(dirs, filepath.Dir(c.DatabaseURL))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ParseLogLevel maps a level name to a slog level.
func ParseLogLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}
