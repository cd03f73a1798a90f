package ecash

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Wallet WalletConfig `toml:"wallet"`
	API    APIConfig    `toml:"api"`
	Poll   PollConfig   `toml:"poll"`
	Log    LogConfig    `toml:"log"`
}

type WalletConfig struct {
	DataDir   string   `toml:"data_dir"`
	BridgeURL string   `toml:"bridge_url"`
	Issuers   []Issuer `toml:"issuers"`
}

type APIConfig struct {
	Listen    string `toml:"listen"`
	JWTSecret string `toml:"jwt_secret"`
}

type PollConfig struct {
	QuoteInterval Duration `toml:"quote_interval"`
	QuoteExpiry   Duration `toml:"quote_expiry"`
	SendInterval  Duration `toml:"send_interval"`
	SendGrace     Duration `toml:"send_grace"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Duration decodes TOML strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func DefaultConfig() *Config {
	return &Config{
		Wallet: WalletConfig{
			DataDir:   "ecash.db",
			BridgeURL: "http://127.0.0.1:3338",
		},
		API: APIConfig{
			Listen: ":8080",
		},
		Poll: PollConfig{
			QuoteInterval: Duration{DefaultQuotePollInterval},
			QuoteExpiry:   Duration{DefaultQuoteExpiry},
			SendInterval:  Duration{DefaultSendPollInterval},
			SendGrace:     Duration{DefaultSendGrace},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfig reads the TOML file at path. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", filepath.Base(path), err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %s", undecoded[0])
	}

	cfg.fill()
	return cfg, cfg.Validate()
}

func (c *Config) fill() {
	def := DefaultConfig()

	if strings.TrimSpace(c.Wallet.DataDir) == "" {
		c.Wallet.DataDir = def.Wallet.DataDir
	}
	if strings.TrimSpace(c.Wallet.BridgeURL) == "" {
		c.Wallet.BridgeURL = def.Wallet.BridgeURL
	}
	if c.API.Listen == "" {
		c.API.Listen = def.API.Listen
	}
	if c.Poll.QuoteInterval.Duration <= 0 {
		c.Poll.QuoteInterval = def.Poll.QuoteInterval
	}
	if c.Poll.QuoteExpiry.Duration <= 0 {
		c.Poll.QuoteExpiry = def.Poll.QuoteExpiry
	}
	if c.Poll.SendInterval.Duration <= 0 {
		c.Poll.SendInterval = def.Poll.SendInterval
	}
	if c.Poll.SendGrace.Duration < 0 {
		c.Poll.SendGrace = def.Poll.SendGrace
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

func (c *Config) Validate() error {
	for _, issuer := range c.Wallet.Issuers {
		if issuer.Name == "" || issuer.URL == "" {
			return fmt.Errorf("%w: issuer needs name and url", ErrInvalidIssuer)
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	return nil
}

// Options maps the config onto wallet options.
func (c *Config) Options() Options {
	return Options{
		Issuers:           c.Wallet.Issuers,
		QuotePollInterval: c.Poll.QuoteInterval.Duration,
		QuoteExpiry:       c.Poll.QuoteExpiry.Duration,
		SendPollInterval:  c.Poll.SendInterval.Duration,
		SendGrace:         c.Poll.SendGrace.Duration,
	}
}
