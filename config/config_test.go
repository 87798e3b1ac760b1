package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node", "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, StorageLevelDB, cfg.Storage)
	require.Equal(t, DefaultNonFungibleCap, cfg.NonFungibleCap)

	_, err = os.Stat(path)
	require.NoError(t, err)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.DataDir, reloaded.DataDir)
	require.Equal(t, cfg.JournalPath, reloaded.JournalPath)
}

func TestLoadParsesRolesAndAssets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
DataDir = "/var/lib/bounty"
Storage = "Memory"
PausedModules = ["bounty"]

[Roles]
Owners = ["0x00000000000000000000000000000000000000f1"]
Arbiters = ["0x00000000000000000000000000000000000000a1"]

[[Assets]]
Symbol = "USDX"
Address = "0x00000000000000000000000000000000000000c1"
TransferFeeBps = 25

[[Assets]]
Symbol = "BADGE"
Address = "0x00000000000000000000000000000000000000c2"
NonFungible = true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, StorageMemory, cfg.Storage)
	require.Equal(t, filepath.Join("/var/lib/bounty", "journal.db"), cfg.JournalPath)
	require.Equal(t, []string{"bounty"}, cfg.PausedModules)
	require.Len(t, cfg.Assets, 2)
	require.Equal(t, uint32(25), cfg.Assets[0].TransferFeeBps)
	require.True(t, cfg.Assets[1].NonFungible)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("Storage = \"memory\"\nValidatorKey = \"abc\"\n"), 0o644))
	_, err := Load(path)
	require.ErrorContains(t, err, "ValidatorKey")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"backend", func(c *Config) { c.Storage = "redis" }, "unknown backend"},
		{"role address", func(c *Config) { c.Roles.Arbiters = []string{"octocat"} }, "roles.arbiters"},
		{"asset symbol", func(c *Config) {
			c.Assets = []Asset{{Address: "0x00000000000000000000000000000000000000c1"}}
		}, "symbol required"},
		{"duplicate asset", func(c *Config) {
			c.Assets = []Asset{
				{Symbol: "A", Address: "0x00000000000000000000000000000000000000c1"},
				{Symbol: "B", Address: "0x00000000000000000000000000000000000000C1"},
			}
		}, "already used by A"},
		{"fee range", func(c *Config) {
			c.Assets = []Asset{{Symbol: "A", Address: "0x00000000000000000000000000000000000000c1", TransferFeeBps: 10_001}}
		}, "exceeds"},
		{"nft fee", func(c *Config) {
			c.Assets = []Asset{{Symbol: "A", Address: "0x00000000000000000000000000000000000000c1", TransferFeeBps: 1, NonFungible: true}}
		}, "no transfer fee"},
		{"negative cap", func(c *Config) { c.NonFungibleCap = -1 }, "nonFungibleCap"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.ErrorContains(t, cfg.Validate(), tc.errMsg)
		})
	}
	require.NoError(t, Default().Validate())
}
