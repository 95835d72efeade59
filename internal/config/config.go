package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Upstream auth modes accepted in FHIR_AUTH_TYPE.
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthOAuth2 = "oauth2"
	AuthSMART  = "smart"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`
	BodyLimit   string `mapstructure:"BODY_LIMIT"`

	FHIRServerURL    string        `mapstructure:"FHIR_SERVER_URL"`
	FHIRAuthType     string        `mapstructure:"FHIR_AUTH_TYPE"`
	FHIRUsername     string        `mapstructure:"FHIR_USERNAME"`
	FHIRPassword     string        `mapstructure:"FHIR_PASSWORD"`
	FHIRClientID     string        `mapstructure:"FHIR_CLIENT_ID"`
	FHIRClientSecret string        `mapstructure:"FHIR_CLIENT_SECRET"`
	FHIRTokenURL     string        `mapstructure:"FHIR_TOKEN_URL"`
	FHIRScope        string        `mapstructure:"FHIR_SCOPE"`
	FHIRTimeout      time.Duration `mapstructure:"FHIR_TIMEOUT"`
	FHIRMaxRetries   int           `mapstructure:"FHIR_MAX_RETRIES"`

	QualitySampleSize int    `mapstructure:"QUALITY_SAMPLE_SIZE"`
	QualityEvalLimit  int    `mapstructure:"QUALITY_EVAL_LIMIT"`
	QualityTargets    string `mapstructure:"QUALITY_TARGETS"`
}

// Target pairs a catalogued table with the FHIR resource type it holds.
type Target struct {
	TableFQN     string
	ResourceType string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("BODY_LIMIT", "5M")
	v.SetDefault("FHIR_AUTH_TYPE", AuthNone)
	v.SetDefault("FHIR_TIMEOUT", "30s")
	v.SetDefault("FHIR_MAX_RETRIES", 3)
	v.SetDefault("QUALITY_SAMPLE_SIZE", 10)
	v.SetDefault("QUALITY_EVAL_LIMIT", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "BODY_LIMIT",
		"FHIR_SERVER_URL", "FHIR_AUTH_TYPE", "FHIR_USERNAME", "FHIR_PASSWORD",
		"FHIR_CLIENT_ID", "FHIR_CLIENT_SECRET", "FHIR_TOKEN_URL", "FHIR_SCOPE", "FHIR_TIMEOUT",
		"FHIR_MAX_RETRIES",
		"QUALITY_SAMPLE_SIZE", "QUALITY_EVAL_LIMIT", "QUALITY_TARGETS",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.FHIRAuthType = strings.ToLower(strings.TrimSpace(cfg.FHIRAuthType))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.FHIRServerURL == "" {
		return nil, fmt.Errorf("FHIR_SERVER_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the upstream credentials for the selected auth mode and
// the sampling limits.
func (c *Config) Validate() error {
	switch c.FHIRAuthType {
	case AuthNone, "":
	case AuthBasic:
		if c.FHIRUsername == "" || c.FHIRPassword == "" {
			return fmt.Errorf("FHIR_USERNAME and FHIR_PASSWORD are required when FHIR_AUTH_TYPE is %q", AuthBasic)
		}
	case AuthOAuth2, AuthSMART:
		if c.FHIRClientID == "" || c.FHIRClientSecret == "" || c.FHIRTokenURL == "" {
			return fmt.Errorf("FHIR_CLIENT_ID, FHIR_CLIENT_SECRET and FHIR_TOKEN_URL are required when FHIR_AUTH_TYPE is %q", c.FHIRAuthType)
		}
	default:
		return fmt.Errorf("FHIR_AUTH_TYPE must be \"none\", \"basic\", \"oauth2\", or \"smart\", got %q", c.FHIRAuthType)
	}

	if c.QualitySampleSize < 1 {
		return fmt.Errorf("QUALITY_SAMPLE_SIZE must be at least 1, got %d", c.QualitySampleSize)
	}
	if c.QualityEvalLimit < 1 || c.QualityEvalLimit > c.QualitySampleSize {
		return fmt.Errorf("QUALITY_EVAL_LIMIT must be between 1 and QUALITY_SAMPLE_SIZE (%d), got %d",
			c.QualitySampleSize, c.QualityEvalLimit)
	}
	if c.FHIRTimeout <= 0 {
		return fmt.Errorf("FHIR_TIMEOUT must be positive")
	}
	if c.FHIRMaxRetries < 0 {
		return fmt.Errorf("FHIR_MAX_RETRIES must not be negative, got %d", c.FHIRMaxRetries)
	}

	if _, err := c.Targets(); err != nil {
		return err
	}
	return nil
}

// Targets parses QUALITY_TARGETS, a comma separated list of
// <tableFQN>=<ResourceType> pairs.
func (c *Config) Targets() ([]Target, error) {
	return ParseTargets(c.QualityTargets)
}

func ParseTargets(s string) ([]Target, error) {
	var out []Target
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		fqn, rt, ok := strings.Cut(item, "=")
		fqn, rt = strings.TrimSpace(fqn), strings.TrimSpace(rt)
		if !ok || fqn == "" || rt == "" {
			return nil, fmt.Errorf("QUALITY_TARGETS: invalid entry %q, expected <tableFQN>=<ResourceType>", item)
		}
		out = append(out, Target{TableFQN: fqn, ResourceType: rt})
	}
	return out, nil
}
