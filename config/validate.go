package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const maxTransferFeeBps = 10_000

// Validate checks the configuration for values the node cannot start with.
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StorageLevelDB:
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage)
	}
	if c.NonFungibleCap < 0 {
		return fmt.Errorf("nonFungibleCap: must not be negative")
	}
	for name, list := range map[string][]string{
		"owners":          c.Roles.Owners,
		"arbiters":        c.Roles.Arbiters,
		"depositManagers": c.Roles.DepositManagers,
		"claimManagers":   c.Roles.ClaimManagers,
	} {
		for _, addr := range list {
			if !common.IsHexAddress(strings.TrimSpace(addr)) {
				return fmt.Errorf("roles.%s: invalid address %q", name, addr)
			}
		}
	}
	seen := make(map[common.Address]string, len(c.Assets))
	for i, asset := range c.Assets {
		if strings.TrimSpace(asset.Symbol) == "" {
			return fmt.Errorf("assets[%d]: symbol required", i)
		}
		if !common.IsHexAddress(strings.TrimSpace(asset.Address)) {
			return fmt.Errorf("assets[%d]: invalid address %q", i, asset.Address)
		}
		addr := common.HexToAddress(strings.TrimSpace(asset.Address))
		if prev, dup := seen[addr]; dup {
			return fmt.Errorf("assets[%d]: address already used by %s", i, prev)
		}
		seen[addr] = asset.Symbol
		if asset.TransferFeeBps > maxTransferFeeBps {
			return fmt.Errorf("assets[%d]: transfer fee %d bps exceeds %d", i, asset.TransferFeeBps, maxTransferFeeBps)
		}
		if asset.NonFungible && asset.TransferFeeBps != 0 {
			return fmt.Errorf("assets[%d]: non-fungible assets carry no transfer fee", i)
		}
	}
	return nil
}
