package core

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/config"
	"bountyescrow/core/events"
	"bountyescrow/core/state"
	"bountyescrow/core/types"
	"bountyescrow/native/assets"
	"bountyescrow/native/bounty"
	"bountyescrow/native/claims"
	nativecommon "bountyescrow/native/common"
	"bountyescrow/native/identity"
	"bountyescrow/observability"
	"bountyescrow/observability/logging"
	"bountyescrow/storage"
)

// Node is the central controller, wiring the ledger components together over
// one database and event journal.
type Node struct {
	cfg     *config.Config
	db      storage.Database
	logger  *slog.Logger
	journal *events.Journal

	State      *state.Manager
	Bus        *events.Bus
	Authority  *types.Authority
	Pauses     *nativecommon.Pauses
	Guard      *assets.Guard
	Bank       *assets.Bank
	Bounties   *bounty.Engine
	Identities *identity.Registry
	Claims     *claims.Engine
}

// NewNode opens the configured storage and journal and assembles the
// engines. kyc may be nil, in which case KYC gated claims fail.
func NewNode(cfg *config.Config, logger *slog.Logger, kyc claims.KYCVerifier) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("node: config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	authority, err := BuildAuthority(cfg.Roles)
	if err != nil {
		return nil, err
	}
	definitions, err := AssetDefinitions(cfg.Assets)
	if err != nil {
		return nil, err
	}

	db, err := OpenDatabase(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
		db.Close()
		return nil, err
	}
	journal, err := events.OpenJournal(cfg.JournalPath, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	bus := events.NewBus()
	manager := state.NewManager(db)
	manager.SetEmitter(events.Fanout{journal, bus, observability.Events()})

	bank := assets.NewBank()
	accepted := make([]common.Address, 0, len(definitions))
	for _, def := range definitions {
		if err := bank.Register(def); err != nil {
			_ = journal.Close()
			db.Close()
			return nil, err
		}
		accepted = append(accepted, def.Address)
	}
	guard := assets.NewGuard(accepted...)
	pauses := nativecommon.NewPauses(cfg.PausedModules...)

	bounties := bounty.NewEngine(manager, bank, guard)
	bounties.SetLogger(logger)
	bounties.SetPauses(pauses)
	if cfg.NonFungibleCap > 0 {
		bounties.SetNonFungibleCap(cfg.NonFungibleCap)
	}
	identities := identity.NewRegistry(manager)
	identities.SetLogger(logger)
	settlements := claims.NewEngine(bounties, identities, kyc)
	settlements.SetLogger(logger)

	logger.Info("node ready",
		slog.String("storage", cfg.Storage),
		slog.String("journal", cfg.JournalPath),
		slog.Int("assets", len(definitions)))

	return &Node{
		cfg:        cfg,
		db:         db,
		logger:     logger,
		journal:    journal,
		State:      manager,
		Bus:        bus,
		Authority:  authority,
		Pauses:     pauses,
		Guard:      guard,
		Bank:       bank,
		Bounties:   bounties,
		Identities: identities,
		Claims:     settlements,
	}, nil
}

// Journal returns the persisted event log.
func (n *Node) Journal() *events.Journal { return n.journal }

// Caller resolves addr into the capability it holds under the configured
// roles.
func (n *Node) Caller(addr common.Address) types.Caller {
	return n.Authority.Resolve(addr)
}

// Close releases the journal and the database.
func (n *Node) Close() error {
	if n == nil {
		return nil
	}
	err := n.journal.Close()
	n.db.Close()
	return err
}

// OpenDatabase opens the storage backend named by cfg.
func OpenDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return storage.NewMemDB(), nil
	case config.StorageLevelDB:
		path := filepath.Join(cfg.DataDir, "ledger")
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		db, err := storage.NewLevelDB(path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb %s: %w", path, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("node: unknown storage backend %q", cfg.Storage)
	}
}

// BuildAuthority grants the configured addresses their roles.
func BuildAuthority(roles config.Roles) (*types.Authority, error) {
	authority := types.NewAuthority()
	grants := []struct {
		role  types.Role
		addrs []string
	}{
		{types.RoleOwner, roles.Owners},
		{types.RoleArbiter, roles.Arbiters},
		{types.RoleDepositManager, roles.DepositManagers},
		{types.RoleClaimManager, roles.ClaimManagers},
	}
	for _, grant := range grants {
		for _, raw := range grant.addrs {
			raw = strings.TrimSpace(raw)
			if !common.IsHexAddress(raw) {
				return nil, fmt.Errorf("node: invalid %s address %q", grant.role, raw)
			}
			authority.Grant(common.HexToAddress(raw), grant.role)
		}
	}
	return authority, nil
}

// AssetDefinitions converts the configured allow-list into bank definitions.
func AssetDefinitions(list []config.Asset) ([]assets.Definition, error) {
	out := make([]assets.Definition, 0, len(list))
	for _, asset := range list {
		if !common.IsHexAddress(strings.TrimSpace(asset.Address)) {
			return nil, fmt.Errorf("node: invalid asset address %q", asset.Address)
		}
		out = append(out, assets.Definition{
			Address:        common.HexToAddress(strings.TrimSpace(asset.Address)),
			Symbol:         asset.Symbol,
			NonFungible:    asset.NonFungible,
			TransferFeeBps: asset.TransferFeeBps,
		})
	}
	return out, nil
}

// LogOptions maps the logging section onto the slog setup options.
func LogOptions(cfg config.Logging) logging.Options {
	return logging.Options{
		Level:      logging.ParseLevel(cfg.Level),
		FilePath:   cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
	}
}
