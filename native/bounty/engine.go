package bounty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/core/state"
	"bountyescrow/core/types"
	"bountyescrow/native/assets"
	nativecommon "bountyescrow/native/common"
	"bountyescrow/observability/metrics"
)

const (
	moduleName = "bounty"

	// DefaultNonFungibleCap bounds the outstanding NFT deposits per bounty.
	DefaultNonFungibleCap = 5
)

var errNilState = errors.New("bounty engine: state not configured")

// Engine hosts the bounty registry, the deposit ledger and the variant state
// machines. Every mutation runs inside a state transaction holding the
// bounty's lock, so operations on different bounties proceed concurrently.
type Engine struct {
	state   *state.Manager
	bank    *assets.Bank
	guard   *assets.Guard
	pauses  nativecommon.PauseView
	logger  *slog.Logger
	metrics *metrics.BountyMetrics
	nowFn   func() int64
	nftCap  int
}

// NewEngine wires the engine to its state manager, asset bank and guard.
func NewEngine(st *state.Manager, bank *assets.Bank, guard *assets.Guard) *Engine {
	if bank == nil {
		bank = assets.NewBank()
	}
	if guard == nil {
		guard = assets.NewGuard()
	}
	return &Engine{
		state:   st,
		bank:    bank,
		guard:   guard,
		logger:  slog.Default(),
		metrics: metrics.Bounty(),
		nowFn:   func() int64 { return time.Now().Unix() },
		nftCap:  DefaultNonFungibleCap,
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetLogger configures the structured logger. Passing nil restores the
// default logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetNonFungibleCap overrides the per-bounty outstanding NFT limit.
func (e *Engine) SetNonFungibleCap(limit int) {
	if limit <= 0 {
		limit = DefaultNonFungibleCap
	}
	e.nftCap = limit
}

// SetPauses attaches the module pause switch.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// Guard exposes the asset allow-list shared by every bounty.
func (e *Engine) Guard() *assets.Guard { return e.guard }

// Bank exposes the asset bank.
func (e *Engine) Bank() *assets.Bank { return e.bank }

// State exposes the hosting state manager.
func (e *Engine) State() *state.Manager { return e.state }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// Session is the view of one bounty inside an open transaction. Its methods
// mutate the in-memory record; the record is persisted when the enclosing
// Transact returns without error.
type Session struct {
	ctx    context.Context
	tx     *state.Tx
	engine *Engine
	bounty *Bounty
	now    int64
	dirty  bool
}

// Bounty returns a copy of the record as seen by the session.
func (s *Session) Bounty() *Bounty { return s.bounty.Clone() }

// Context returns the transaction context. Nested engine calls must use it
// so reentrancy is detected.
func (s *Session) Context() context.Context { return s.ctx }

// Now returns the timestamp applied to every change in the session.
func (s *Session) Now() int64 { return s.now }

func (s *Session) touch() { s.dirty = true }

func (s *Session) emit(evt *types.Event) { s.tx.Emit(evt) }

func (s *Session) event(eventType string, actor common.Address, evidence []byte) *types.Event {
	return newBountyEvent(eventType, s.bounty, actor, s.now, evidence)
}

func (s *Session) requireRole(caller types.Caller, role types.Role) error {
	if !caller.Has(role) {
		return fmt.Errorf("%w: %s required", ErrUnauthorized, role)
	}
	return nil
}

func (s *Session) requireIssuer(caller types.Caller) error {
	if caller.Address != s.bounty.Issuer {
		return ErrNotIssuer
	}
	return nil
}

func (s *Session) requireOpen() error {
	if !s.bounty.IsOpen() {
		return ErrContractClosed
	}
	return nil
}

func (s *Session) requireVariant(variants ...Variant) error {
	for _, v := range variants {
		if s.bounty.Variant == v {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrWrongVariant, s.bounty.Variant)
}

// Transact runs fn against the bounty inside one state transaction. Any
// error discards every change fn made. op labels the call in metrics and
// logs.
func (e *Engine) Transact(ctx context.Context, op, bountyID string, fn func(*Session) error) (err error) {
	start := time.Now()
	defer func() { e.observe(op, bountyID, start, err) }()
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	bountyID = strings.TrimSpace(bountyID)
	if bountyID == "" {
		return ErrEmptyIdentifier
	}
	return e.state.Update(ctx, lockKey(bountyID), func(ctx context.Context, tx *state.Tx) error {
		record := new(Bounty)
		ok, err := tx.Get(recordKey(bountyID), record)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrBountyNotFound, bountyID)
		}
		session := &Session{ctx: ctx, tx: tx, engine: e, bounty: record, now: e.now()}
		if err := fn(session); err != nil {
			return err
		}
		if !session.dirty {
			return nil
		}
		return tx.Put(recordKey(bountyID), session.bounty)
	})
}

// TransactAddress resolves the bounty behind addr and runs fn against it.
func (e *Engine) TransactAddress(ctx context.Context, op string, addr common.Address, fn func(*Session) error) error {
	id, err := e.AddressToBountyID(addr)
	if err != nil {
		return err
	}
	return e.Transact(ctx, op, id, fn)
}

func (e *Engine) observe(op, bountyID string, start time.Time, err error) {
	if e == nil {
		return
	}
	e.metrics.ObserveOperation(op, outcomeLabel(err), time.Since(start))
	if err != nil {
		e.logger.Debug("bounty operation rejected",
			slog.String("op", op),
			slog.String("bounty_id", bountyID),
			slog.Any("error", err))
		return
	}
	e.logger.Debug("bounty operation applied", slog.String("op", op), slog.String("bounty_id", bountyID))
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotIssuer), errors.Is(err, ErrNotFunder):
		return "unauthorized"
	case errors.Is(err, state.ErrReentrantCall):
		return "reentrant"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	case strings.HasPrefix(err.Error(), "bounty: "):
		return "rejected"
	default:
		return "error"
	}
}

// MintParams describes a new bounty.
type MintParams struct {
	ID                          string
	Organization                string
	Variant                     Variant
	IssuerExternalID            string
	FundingGoal                 *FundingGoal
	InvoiceRequired             bool
	KycRequired                 bool
	SupportingDocumentsRequired bool
	// Schedule holds percentages for tiered-percentage bounties and
	// absolute amounts for tiered-fixed ones.
	Schedule     []*big.Int
	PayoutAsset  common.Address
	PayoutVolume *big.Int
}

// MintBounty registers a new bounty issued by the caller.
func (e *Engine) MintBounty(ctx context.Context, caller types.Caller, params MintParams) (minted *Bounty, err error) {
	start := time.Now()
	id := strings.TrimSpace(params.ID)
	defer func() { e.observe("mint", id, start, err) }()
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	record, err := e.newBounty(caller, id, params)
	if err != nil {
		return nil, err
	}
	err = e.state.Update(ctx, lockKey(id), func(_ context.Context, tx *state.Tx) error {
		exists, err := tx.Has(recordKey(id))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrBountyAlreadyExists, id)
		}
		if taken, err := tx.Has(addressKey(record.Address)); err != nil {
			return err
		} else if taken {
			return fmt.Errorf("%w: address %s", ErrBountyAlreadyExists, record.Address.Hex())
		}
		if err := tx.Put(recordKey(id), record); err != nil {
			return err
		}
		if err := tx.Put(addressKey(record.Address), id); err != nil {
			return err
		}
		tx.Emit(mintedEvent(record, caller.Address))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

func (e *Engine) newBounty(caller types.Caller, id string, params MintParams) (*Bounty, error) {
	if id == "" || strings.TrimSpace(params.Organization) == "" {
		return nil, ErrEmptyIdentifier
	}
	if caller.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: issuer address required", ErrUnauthorized)
	}
	if !params.Variant.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVariant, params.Variant)
	}
	b := &Bounty{
		ID:                          id,
		Address:                     AddressFor(id),
		Organization:                strings.TrimSpace(params.Organization),
		Issuer:                      caller.Address,
		IssuerExternalID:            strings.TrimSpace(params.IssuerExternalID),
		Variant:                     params.Variant,
		Status:                      StatusOpen,
		CreatedAt:                   e.now(),
		InvoiceRequired:             params.InvoiceRequired,
		KycRequired:                 params.KycRequired,
		SupportingDocumentsRequired: params.SupportingDocumentsRequired,
	}
	if goal := params.FundingGoal; goal != nil {
		if err := e.validateVolume(goal.Asset, goal.Volume); err != nil {
			return nil, err
		}
		b.FundingGoal = &FundingGoal{Asset: goal.Asset, Volume: cloneBig(goal.Volume)}
	}
	switch params.Variant {
	case VariantOngoing:
		if params.PayoutVolume != nil {
			if err := e.validateVolume(params.PayoutAsset, params.PayoutVolume); err != nil {
				return nil, err
			}
			b.PayoutAsset = params.PayoutAsset
			b.PayoutVolume = cloneBig(params.PayoutVolume)
		}
	case VariantTieredPercentage:
		if err := validatePercentages(params.Schedule); err != nil {
			return nil, err
		}
		b.Tiers = buildTiers(nil, params.Schedule)
	case VariantTieredFixed:
		if err := e.validateFixedSchedule(params.PayoutAsset, params.Schedule); err != nil {
			return nil, err
		}
		b.PayoutAsset = params.PayoutAsset
		b.Tiers = buildTiers(nil, params.Schedule)
	}
	return b, nil
}

func (e *Engine) validateVolume(asset common.Address, volume *big.Int) error {
	if volume == nil || volume.Sign() <= 0 {
		return ErrZeroVolume
	}
	if !e.guard.IsAccepted(asset) {
		return fmt.Errorf("%w: %s", ErrAssetNotAccepted, asset.Hex())
	}
	return nil
}

func mintedEvent(b *Bounty, actor common.Address) *types.Event {
	evt := newBountyEvent(EventTypeMinted, b, actor, b.CreatedAt, nil)
	evt.Attributes["issuer"] = strings.ToLower(b.Issuer.Hex())
	if b.IssuerExternalID != "" {
		evt.Attributes["issuerExternalId"] = b.IssuerExternalID
	}
	if len(b.Tiers) > 0 {
		schedule := make([]*big.Int, len(b.Tiers))
		for i, t := range b.Tiers {
			schedule[i] = t.Payout
		}
		evt.Attributes["schedule"] = joinSchedule(schedule)
	}
	if b.PayoutVolume != nil || b.Variant == VariantTieredFixed {
		evt.Attributes["payoutAsset"] = strings.ToLower(b.PayoutAsset.Hex())
	}
	if b.PayoutVolume != nil {
		evt.Attributes["payoutVolume"] = b.PayoutVolume.String()
	}
	if b.FundingGoal != nil {
		evt.Attributes["goalAsset"] = strings.ToLower(b.FundingGoal.Asset.Hex())
		evt.Attributes["goalVolume"] = b.FundingGoal.Volume.String()
	}
	return evt
}

// GetBounty returns the committed record of a bounty.
func (e *Engine) GetBounty(id string) (*Bounty, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrEmptyIdentifier
	}
	record := new(Bounty)
	ok, err := e.state.Get(recordKey(id), record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBountyNotFound, id)
	}
	return record, nil
}

// ListBounties returns every bounty in id order.
func (e *Engine) ListBounties() ([]*Bounty, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var ids []string
	if err := e.state.Scan(recordPrefix, func(key string, _ []byte) bool {
		ids = append(ids, strings.TrimPrefix(key, recordPrefix))
		return true
	}); err != nil {
		return nil, err
	}
	out := make([]*Bounty, 0, len(ids))
	for _, id := range ids {
		b, err := e.GetBounty(id)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// BountyIsOpen reports whether the bounty still accepts funding.
func (e *Engine) BountyIsOpen(id string) (bool, error) {
	b, err := e.GetBounty(id)
	if err != nil {
		return false, err
	}
	return b.IsOpen(), nil
}

// TierClaimed reports whether a tier of a tiered bounty has been settled.
func (e *Engine) TierClaimed(id string, tier int) (bool, error) {
	b, err := e.GetBounty(id)
	if err != nil {
		return false, err
	}
	if !b.Variant.Tiered() {
		return false, fmt.Errorf("%w: %s", ErrWrongVariant, b.Variant)
	}
	t, err := b.Tier(tier)
	if err != nil {
		return false, err
	}
	return t.Claimed, nil
}

// BountyIDToAddress returns the escrow address of a registered bounty.
func (e *Engine) BountyIDToAddress(id string) (common.Address, error) {
	b, err := e.GetBounty(id)
	if err != nil {
		return common.Address{}, err
	}
	return b.Address, nil
}

// AddressToBountyID resolves an escrow address to its bounty id.
func (e *Engine) AddressToBountyID(addr common.Address) (string, error) {
	if e == nil || e.state == nil {
		return "", errNilState
	}
	var id string
	ok, err := e.state.Get(addressKey(addr), &id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: address %s", ErrBountyNotFound, addr.Hex())
	}
	return id, nil
}

// Deposits returns every deposit of a bounty in arrival order.
func (e *Engine) Deposits(id string) ([]*Deposit, error) {
	b, err := e.GetBounty(id)
	if err != nil {
		return nil, err
	}
	return b.Deposits, nil
}

// GetDeposit returns one deposit of a bounty.
func (e *Engine) GetDeposit(id string, depositID common.Hash) (*Deposit, error) {
	b, err := e.GetBounty(id)
	if err != nil {
		return nil, err
	}
	d, ok := b.Deposit(depositID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDepositNotFound, depositID.Hex())
	}
	return d, nil
}

// Balance returns the asset balance held at the bounty's escrow address.
func (e *Engine) Balance(id string, asset common.Address) (*big.Int, error) {
	addr, err := e.BountyIDToAddress(id)
	if err != nil {
		return nil, err
	}
	return e.state.Balance(asset, addr)
}

// FundingProgress compares escrowed volume with the bounty's funding goal.
func (e *Engine) FundingProgress(id string) (*FundingProgress, error) {
	b, err := e.GetBounty(id)
	if err != nil {
		return nil, err
	}
	if b.FundingGoal == nil {
		return nil, ErrNoFundingGoal
	}
	escrowed := b.Escrowed(b.FundingGoal.Asset)
	return &FundingProgress{
		Asset:    b.FundingGoal.Asset,
		Goal:     cloneBig(b.FundingGoal.Volume),
		Escrowed: escrowed,
		Reached:  escrowed.Cmp(b.FundingGoal.Volume) >= 0,
	}, nil
}
