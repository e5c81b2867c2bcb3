package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/j0lvera/loreweaver/internal/adventure"
	"github.com/j0lvera/loreweaver/internal/engine"
	"github.com/j0lvera/loreweaver/internal/ledger"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/fx"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Config holds all configuration from environment variables.
type Config struct {
	Token           string `envconfig:"TELEGRAM_API_TOKEN"`
	TelegramEnabled bool   `envconfig:"TELEGRAM_ENABLED" default:"true"`

	Provider    string `envconfig:"PROVIDER" default:"openai"`
	APIKey      string `envconfig:"OPENROUTER_API_KEY"`
	BaseURL     string `envconfig:"OPENROUTER_BASE_URL" default:"https://openrouter.ai/api/v1"`
	Model       string `envconfig:"OPENROUTER_MODEL" default:"openai/gpt-4o-mini"`
	OllamaModel string `envconfig:"OLLAMA_MODEL" default:"llama3.1"`

	// Empty means the in-memory store.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	// Empty means the in-process turn guard.
	RedisURL string        `envconfig:"REDIS_URL"`
	LockTTL  time.Duration `envconfig:"LOCK_TTL" default:"5m"`

	AdminIDs        []string      `envconfig:"ADMIN_USER_IDS"`
	StartingBalance ledger.Amount `envconfig:"STARTING_BALANCE" default:"5.00"`
	InputRate       ledger.Rate   `envconfig:"INPUT_RATE" default:"1.25"`
	OutputRate      ledger.Rate   `envconfig:"OUTPUT_RATE" default:"10.00"`
	MaxOutputTokens int           `envconfig:"MAX_OUTPUT_TOKENS" default:"1024"`
	InputMargin     int           `envconfig:"INPUT_TOKEN_MARGIN" default:"10"`
	FreeOpeningTurn bool          `envconfig:"FREE_OPENING_TURN" default:"false"`

	GenerationTimeout time.Duration `envconfig:"GENERATION_TIMEOUT" default:"2m"`
	ReplyWait         time.Duration `envconfig:"REPLY_WAIT" default:"25s"`

	HTTPAddr   string `envconfig:"HTTP_ADDR"`
	HTTPAPIKey string `envconfig:"HTTP_API_KEY"`

	// Path to config.toml file
	ConfigFile string `envconfig:"CONFIG_FILE" default:"config.toml"`
	LogFile    string `envconfig:"LOG_FILE"`
	Debug      bool   `envconfig:"DEBUG" default:"false"`

	// Prompts loaded from config.toml
	Prompts engine.Prompts `ignored:"true"`
}

// FileConfig represents the structure of config.toml.
type FileConfig struct {
	Prompts engine.Prompts `toml:"prompts"`
}

// LoadEnv loads the configuration from environment variables.
func (c Config) LoadEnv() (Config, error) {
	cfg := c

	if err := envconfig.Process("", &cfg); err != nil {
		return c, err
	}

	return cfg, nil
}

// LoadFile loads prompts from config.toml file.
func (c *Config) LoadFile() error {
	configPath := c.ConfigFile
	if !filepath.IsAbs(configPath) {
		// Try current directory first, then the executable directory
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if execPath, err := os.Executable(); err == nil {
				configPath = filepath.Join(filepath.Dir(execPath), c.ConfigFile)
			}
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		c.Prompts = engine.DefaultPrompts
		return nil
	}

	var fileConfig FileConfig
	if _, err := toml.DecodeFile(configPath, &fileConfig); err != nil {
		return fmt.Errorf("unable to decode %s: %w", configPath, err)
	}

	// Empty prompts fall back to the defaults
	c.Prompts = fileConfig.Prompts.WithDefaults()
	return nil
}

// Validate checks the settings that depend on each other.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider {
	case ProviderOpenAI:
		if c.APIKey == "" {
			errs = append(errs, errors.New("OPENROUTER_API_KEY is required for the openai provider"))
		}
	case ProviderOllama:
	default:
		errs = append(errs, fmt.Errorf("PROVIDER must be %q or %q, got %q", ProviderOpenAI, ProviderOllama, c.Provider))
	}
	if c.TelegramEnabled && c.Token == "" {
		errs = append(errs, errors.New("TELEGRAM_API_TOKEN is required when TELEGRAM_ENABLED is true"))
	}
	if c.MaxOutputTokens <= 0 {
		errs = append(errs, errors.New("MAX_OUTPUT_TOKENS must be positive"))
	}
	if c.InputMargin < 0 {
		errs = append(errs, errors.New("INPUT_TOKEN_MARGIN must not be negative"))
	}
	if c.StartingBalance < 0 {
		errs = append(errs, errors.New("STARTING_BALANCE must not be negative"))
	}
	if c.HTTPAddr != "" && c.HTTPAPIKey == "" {
		errs = append(errs, errors.New("HTTP_API_KEY is required when HTTP_ADDR is set"))
	}
	// a Redis hold must outlive the turn it guards
	if c.RedisURL != "" && c.LockTTL <= c.GenerationTimeout {
		errs = append(errs, fmt.Errorf("LOCK_TTL (%s) must exceed GENERATION_TIMEOUT (%s)", c.LockTTL, c.GenerationTimeout))
	}
	return errors.Join(errs...)
}

// Policy returns the ledger policy.
func (c *Config) Policy() ledger.Policy {
	return ledger.Policy{
		Rates:              ledger.Rates{Input: c.InputRate, Output: c.OutputRate},
		MaxOutputTokens:    c.MaxOutputTokens,
		InputMarginPercent: c.InputMargin,
	}
}

// Adventure returns the onboarding and turn policy.
func (c *Config) Adventure() adventure.Config {
	return adventure.Config{
		StartingBalance:   c.StartingBalance,
		AdminIDs:          append([]string(nil), c.AdminIDs...),
		FreeOpeningTurn:   c.FreeOpeningTurn,
		GenerationTimeout: c.GenerationTimeout,
	}
}

// Engine returns the turn engine settings.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		Prompts:         c.Prompts,
		MaxOutputTokens: c.MaxOutputTokens,
	}
}

func NewConfig() (*Config, error) {
	// a missing .env is fine, the environment may already be set
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("unable to load .env: %w", err)
	}

	var cfg Config
	loadedCfg, err := cfg.LoadEnv()
	if err != nil {
		return nil, err
	}

	if err := loadedCfg.LoadFile(); err != nil {
		return nil, err
	}

	if err := loadedCfg.Validate(); err != nil {
		return nil, err
	}

	return &loadedCfg, nil
}

func Module() fx.Option {
	return fx.Module(
		"config",
		fx.Provide(
			NewConfig,
		),
	)
}
