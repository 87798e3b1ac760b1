package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultNonFungibleCap bounds outstanding NFT deposits per bounty.
const DefaultNonFungibleCap = 5

type Config struct {
	DataDir        string   `toml:"DataDir"`
	Storage        string   `toml:"Storage"`
	JournalPath    string   `toml:"JournalPath"`
	NonFungibleCap int      `toml:"NonFungibleCap"`
	PausedModules  []string `toml:"PausedModules,omitempty"`
	Roles          Roles    `toml:"Roles"`
	Assets         []Asset  `toml:"Assets"`
	Logging        Logging  `toml:"Logging"`
}

// Load loads the configuration from the given path. A missing file is
// replaced by the defaults, which are written back to path.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh data dir.
func Default() *Config {
	return &Config{
		DataDir:        "./bounty-data",
		Storage:        StorageLevelDB,
		JournalPath:    "./bounty-data/journal.db",
		NonFungibleCap: DefaultNonFungibleCap,
		Roles: Roles{
			Owners:          []string{},
			Arbiters:        []string{},
			DepositManagers: []string{},
			ClaimManagers:   []string{},
		},
		Assets:  []Asset{},
		Logging: Logging{Level: "info", Env: "dev"},
	}
}

func (c *Config) applyDefaults(base string) {
	c.Storage = strings.ToLower(strings.TrimSpace(c.Storage))
	if c.Storage == "" {
		c.Storage = StorageLevelDB
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = filepath.Join(base, "bounty-data")
	}
	if strings.TrimSpace(c.JournalPath) == "" {
		c.JournalPath = filepath.Join(c.DataDir, "journal.db")
	}
	if c.NonFungibleCap == 0 {
		c.NonFungibleCap = DefaultNonFungibleCap
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Logging.Env) == "" {
		c.Logging.Env = "dev"
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, creating parent directories.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
