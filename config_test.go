package ecash

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ecash.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[wallet]
data_dir = "/var/lib/ecash"

[[wallet.issuers]]
name = "Local"
url = "http://127.0.0.1:3338"

[api]
jwt_secret = "s3cret"

[poll]
quote_interval = "2s"
send_grace = "1m"

[log]
format = "json"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ecash", cfg.Wallet.DataDir)
	assert.Equal(t, "http://127.0.0.1:3338", cfg.Wallet.BridgeURL, "defaults fill the gaps")
	require.Len(t, cfg.Wallet.Issuers, 1)
	assert.Equal(t, "Local", cfg.Wallet.Issuers[0].Name)
	assert.Equal(t, ":8080", cfg.API.Listen)
	assert.Equal(t, "s3cret", cfg.API.JWTSecret)
	assert.Equal(t, 2*time.Second, cfg.Poll.QuoteInterval.Duration)
	assert.Equal(t, DefaultQuoteExpiry, cfg.Poll.QuoteExpiry.Duration)
	assert.Equal(t, time.Minute, cfg.Poll.SendGrace.Duration)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)

	opts := cfg.Options()
	assert.Equal(t, 2*time.Second, opts.QuotePollInterval)
	assert.Equal(t, time.Minute, opts.SendGrace)
	assert.Len(t, opts.Issuers, 1)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "[wallet]\nbridge = \"x\"\n"))
	assert.Error(t, err, "unknown key")

	_, err = LoadConfig(writeConfig(t, "[poll]\nquote_interval = \"soon\"\n"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "[log]\nformat = \"xml\"\n"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "[[wallet.issuers]]\nname = \"NoURL\"\n"))
	assert.ErrorIs(t, err, ErrInvalidIssuer)
}
