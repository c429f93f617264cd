package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store is the remote store the coordination layer runs against.
type Store struct {
	URL            string        `yaml:"url"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`
}

// Sync names the shared channel and key layout. Every gateway process
// sharing a store must agree on these or their mirrors will diverge.
type Sync struct {
	Channel         string        `yaml:"channel"`
	KeyPrefix       string        `yaml:"keyPrefix"`
	RatePrefix      string        `yaml:"ratePrefix"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
}

// ToolLimit is one sliding-window rate policy: at most Limit calls per
// Window for a key, enforced across every process.
type ToolLimit struct {
	Limit  int64         `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type Gateway struct {
	Store Store                `yaml:"store"`
	Sync  Sync                 `yaml:"sync"`
	Tools map[string]ToolLimit `yaml:"tools"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrStoreURLMissing          = errors.New("store.url is missing in config")
	ErrToolLimitInvalid         = errors.New("every tool limit needs a positive limit and window")
)

const (
	defaultChannel         = "pylon:sync"
	defaultKeyPrefix       = "pylon:key:"
	defaultRatePrefix      = "pylon:rl:"
	defaultRefreshInterval = 30 * time.Second
	defaultDialTimeout     = 5 * time.Second
	defaultCommandTimeout  = 5 * time.Second
)

func LoadConfig(configFile string) (*Gateway, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Gateway
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	// Basic validation
	if cfg.Store.URL == "" {
		return nil, ErrStoreURLMissing
	}
	for _, tool := range cfg.Tools {
		if tool.Limit <= 0 || tool.Window <= 0 {
			return nil, ErrToolLimitInvalid
		}
	}

	if cfg.Store.DialTimeout == 0 {
		cfg.Store.DialTimeout = defaultDialTimeout
	}
	if cfg.Store.CommandTimeout == 0 {
		cfg.Store.CommandTimeout = defaultCommandTimeout
	}
	if cfg.Sync.Channel == "" {
		cfg.Sync.Channel = defaultChannel
	}
	if cfg.Sync.KeyPrefix == "" {
		cfg.Sync.KeyPrefix = defaultKeyPrefix
	}
	if cfg.Sync.RatePrefix == "" {
		cfg.Sync.RatePrefix = defaultRatePrefix
	}
	if cfg.Sync.RefreshInterval == 0 {
		cfg.Sync.RefreshInterval = defaultRefreshInterval
	}

	return &cfg, nil
}

// GenerateConfig returns a starter configuration with placeholder
// values a deployment must change.
func GenerateConfig(configFile string) (*Gateway, error) {
	cfg := Gateway{
		Store: Store{
			URL:            "redis://:please_change_this_password@127.0.0.1:6379/0",
			DialTimeout:    defaultDialTimeout,
			CommandTimeout: defaultCommandTimeout,
		},
		Sync: Sync{
			Channel:         defaultChannel,
			KeyPrefix:       defaultKeyPrefix,
			RatePrefix:      defaultRatePrefix,
			RefreshInterval: defaultRefreshInterval,
		},
		Tools: map[string]ToolLimit{
			"search":    {Limit: 30, Window: time.Minute},
			"summarize": {Limit: 10, Window: time.Minute},
		},
	}

	// The configFile argument is not used to generate the content;
	// writing the file based on a command-line flag is handled by the
	// caller.
	return &cfg, nil
}
