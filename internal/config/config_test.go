package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/j0lvera/loreweaver/internal/engine"
	"github.com/j0lvera/loreweaver/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "sk-test")
	t.Setenv("TELEGRAM_API_TOKEN", "123:abc")

	cfg, err := Config{}.LoadEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ProviderOpenAI, cfg.Provider)
	assert.Equal(t, ledger.MustAmount("5.00"), cfg.StartingBalance)
	assert.Equal(t, 1024, cfg.MaxOutputTokens)
	assert.Equal(t, 2*time.Minute, cfg.GenerationTimeout)
	assert.Equal(t, 25*time.Second, cfg.ReplyWait)
	assert.True(t, cfg.TelegramEnabled)
	assert.False(t, cfg.FreeOpeningTurn)

	p := cfg.Policy()
	assert.Equal(t, ledger.MustRate("1.25"), p.Rates.Input)
	assert.Equal(t, ledger.MustRate("10.00"), p.Rates.Output)
	assert.Equal(t, 10, p.InputMarginPercent)
}

func TestLoadEnvMoneyAndAdmins(t *testing.T) {
	t.Setenv("STARTING_BALANCE", "12.34")
	t.Setenv("INPUT_RATE", "0.15")
	t.Setenv("ADMIN_USER_IDS", "42,99")
	t.Setenv("FREE_OPENING_TURN", "true")

	cfg, err := Config{}.LoadEnv()
	require.NoError(t, err)

	assert.Equal(t, int64(1234), cfg.StartingBalance.Cents())
	assert.Equal(t, ledger.MustRate("0.15"), cfg.InputRate)

	adv := cfg.Adventure()
	assert.Equal(t, []string{"42", "99"}, adv.AdminIDs)
	assert.True(t, adv.FreeOpeningTurn)
}

func TestLoadEnvRejectsBadAmount(t *testing.T) {
	t.Setenv("STARTING_BALANCE", "five dollars")

	_, err := Config{}.LoadEnv()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"openai with key", Config{Provider: ProviderOpenAI, APIKey: "k", MaxOutputTokens: 10}, false},
		{"openai without key", Config{Provider: ProviderOpenAI, MaxOutputTokens: 10}, true},
		{"ollama needs no key", Config{Provider: ProviderOllama, MaxOutputTokens: 10}, false},
		{"unknown provider", Config{Provider: "bard", MaxOutputTokens: 10}, true},
		{"telegram without token", Config{Provider: ProviderOllama, TelegramEnabled: true, MaxOutputTokens: 10}, true},
		{"zero output cap", Config{Provider: ProviderOllama}, true},
		{"http without key", Config{Provider: ProviderOllama, MaxOutputTokens: 10, HTTPAddr: ":8080"}, true},
		{"http with key", Config{Provider: ProviderOllama, MaxOutputTokens: 10, HTTPAddr: ":8080", HTTPAPIKey: "k"}, false},
		{"lock shorter than turn", Config{Provider: ProviderOllama, MaxOutputTokens: 10, RedisURL: "redis://localhost:6379", LockTTL: 30 * time.Second, GenerationTimeout: 2 * time.Minute}, true},
		{"lock outlives turn", Config{Provider: ProviderOllama, MaxOutputTokens: 10, RedisURL: "redis://localhost:6379", LockTTL: 5 * time.Minute, GenerationTimeout: 2 * time.Minute}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[prompts]
persona = "You narrate grim tales."
end_marker = "[FIN]"
`), 0o600))

	cfg := Config{ConfigFile: path}
	require.NoError(t, cfg.LoadFile())

	assert.Equal(t, "You narrate grim tales.", cfg.Prompts.Persona)
	assert.Equal(t, "[FIN]", cfg.Prompts.EndMarker)
	assert.Equal(t, engine.DefaultPrompts.Continue, cfg.Prompts.Continue)
}

func TestLoadFileMissing(t *testing.T) {
	cfg := Config{ConfigFile: filepath.Join(t.TempDir(), "absent.toml")}
	require.NoError(t, cfg.LoadFile())
	assert.Equal(t, engine.DefaultPrompts, cfg.Prompts)
}
