package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/realplexor/internal/auth"
)

type Config struct {
	InAddr       string        `mapstructure:"in_addr"`
	InMaxLen     int           `mapstructure:"in_maxlen"`
	InTimeout    time.Duration `mapstructure:"in_timeout"`
	InAcceptRate float64       `mapstructure:"in_accept_rate"`
	InCloseDelay time.Duration `mapstructure:"in_close_delay"`

	WaitAddr    string        `mapstructure:"wait_addr"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	WSEnabled   bool          `mapstructure:"ws_enabled"`
	SSEEnabled  bool          `mapstructure:"sse_enabled"`

	CleanIDAfter    time.Duration `mapstructure:"clean_id_after"`
	OfflineTimeout  time.Duration `mapstructure:"offline_timeout"`
	MaxDataForID    int           `mapstructure:"max_data_for_id"`
	EventChainLen   int           `mapstructure:"event_chain_len"`
	TimerResolution time.Duration `mapstructure:"timer_resolution"`

	Identifier string            `mapstructure:"identifier"`
	AllowGuest bool              `mapstructure:"allow_guest"`
	UsersFile  string            `mapstructure:"users_file"`
	Accounts   map[string]string `mapstructure:"accounts"`

	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("in_addr", "127.0.0.1:10010")
	v.SetDefault("in_maxlen", 1048576)
	v.SetDefault("in_timeout", "20s")
	v.SetDefault("in_accept_rate", 0)
	v.SetDefault("in_close_delay", "1s")
	v.SetDefault("wait_addr", "0.0.0.0:8088")
	v.SetDefault("wait_timeout", "300s")
	v.SetDefault("ws_enabled", true)
	v.SetDefault("sse_enabled", true)
	v.SetDefault("clean_id_after", "10s")
	v.SetDefault("offline_timeout", "0s")
	v.SetDefault("max_data_for_id", 20)
	v.SetDefault("event_chain_len", 100)
	v.SetDefault("timer_resolution", "100ms")
	v.SetDefault("identifier", "identifier")
	v.SetDefault("allow_guest", true)
	v.SetDefault("users_file", "")
	v.SetDefault("accounts", map[string]string{})
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("REALPLEXOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("realplexor")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// AccountHashes merges the users file into the accounts map. Entries
// of the map win over the file.
func (c *Config) AccountHashes() (map[string]string, error) {
	hashes := make(map[string]string)
	if c.UsersFile != "" {
		users, err := auth.LoadUsersFile(c.UsersFile)
		if err != nil {
			return nil, err
		}
		for login, hash := range users {
			hashes[login] = hash
		}
	}
	for login, hash := range c.Accounts {
		hashes[login] = hash
	}
	return hashes, nil
}

// LoadAccounts builds the account table, guest included when allowed.
func (c *Config) LoadAccounts() (*auth.Accounts, error) {
	hashes, err := c.AccountHashes()
	if err != nil {
		return nil, err
	}
	return auth.NewAccounts(hashes, c.AllowGuest), nil
}
