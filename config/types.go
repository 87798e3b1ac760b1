package config

// Storage backends understood by OpenDatabase.
const (
	StorageMemory  = "memory"
	StorageLevelDB = "leveldb"
)

// Roles lists the hex addresses granted each privileged role at startup.
type Roles struct {
	Owners          []string `toml:"Owners"`
	Arbiters        []string `toml:"Arbiters"`
	DepositManagers []string `toml:"DepositManagers"`
	ClaimManagers   []string `toml:"ClaimManagers"`
}

// Asset is one entry of the accepted asset allow-list.
type Asset struct {
	Symbol         string `toml:"Symbol"`
	Address        string `toml:"Address"`
	TransferFeeBps uint32 `toml:"TransferFeeBps,omitempty"`
	NonFungible    bool   `toml:"NonFungible,omitempty"`
}

// Logging configures the slog handler and its optional rotating file.
type Logging struct {
	Level      string `toml:"Level"`
	Env        string `toml:"Env"`
	File       string `toml:"File,omitempty"`
	MaxSizeMB  int    `toml:"MaxSizeMB,omitempty"`
	MaxBackups int    `toml:"MaxBackups,omitempty"`
	MaxAgeDays int    `toml:"MaxAgeDays,omitempty"`
}
