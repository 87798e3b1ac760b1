package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/core/state"
	"bountyescrow/core/types"
)

const (
	lockKey        = "identity"
	externalPrefix = "identity/ext/"
	addressPrefix  = "identity/addr/"
)

func externalKey(id string) string { return externalPrefix + id }

func addressKey(addr common.Address) string {
	return addressPrefix + strings.ToLower(addr.Hex())
}

// Registry maintains the one-to-one mapping between external provider
// identities and ledger addresses. Arbiters are the only writers.
type Registry struct {
	state  *state.Manager
	logger *slog.Logger
	nowFn  func() int64
}

// NewRegistry constructs a registry persisted through st.
func NewRegistry(st *state.Manager) *Registry {
	return &Registry{
		state:  st,
		logger: slog.Default(),
		nowFn:  func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the wall clock. Primarily leveraged in tests.
func (r *Registry) SetNowFunc(now func() int64) {
	if r == nil {
		return
	}
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// SetLogger configures the structured logger.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.logger = logger
}

// Associate binds externalID to addr, replacing any previous binding of
// either side. Re-associating the same pair is a no-op that still succeeds.
func (r *Registry) Associate(ctx context.Context, caller types.Caller, externalID string, addr common.Address) (*Association, error) {
	if r == nil || r.state == nil {
		return nil, errors.New("identity: registry not initialised")
	}
	if !caller.Has(types.RoleArbiter) {
		r.logger.Warn("identity association rejected",
			slog.String("caller", caller.Address.Hex()),
			slog.String("external_id", externalID))
		return nil, ErrUnauthorized
	}
	assoc := &Association{
		ExternalID:   NormalizeExternalID(externalID),
		Address:      addr,
		Arbiter:      caller.Address,
		AssociatedAt: r.nowFn(),
	}
	if err := assoc.Validate(); err != nil {
		return nil, err
	}
	err := r.state.Update(ctx, lockKey, func(_ context.Context, tx *state.Tx) error {
		var previous Association
		hadPrevious, err := tx.Get(externalKey(assoc.ExternalID), &previous)
		if err != nil {
			return err
		}
		if hadPrevious && previous.Address == addr {
			return nil
		}
		if hadPrevious {
			if err := tx.Delete(addressKey(previous.Address)); err != nil {
				return err
			}
		}
		var staleExternal string
		ok, err := tx.Get(addressKey(addr), &staleExternal)
		if err != nil {
			return err
		}
		if ok && staleExternal != assoc.ExternalID {
			if err := tx.Delete(externalKey(staleExternal)); err != nil {
				return err
			}
		}
		if err := tx.Put(externalKey(assoc.ExternalID), assoc); err != nil {
			return err
		}
		if err := tx.Put(addressKey(addr), assoc.ExternalID); err != nil {
			return err
		}
		tx.Emit(NewAssociatedEvent(assoc, previous.Address))
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("identity associated",
		slog.String("external_id", assoc.ExternalID),
		slog.String("address", addr.Hex()))
	return assoc, nil
}

// Get returns the association recorded for externalID.
func (r *Registry) Get(externalID string) (*Association, error) {
	if r == nil || r.state == nil {
		return nil, errors.New("identity: registry not initialised")
	}
	id := NormalizeExternalID(externalID)
	if id == "" {
		return nil, ErrEmptyExternalID
	}
	assoc := new(Association)
	ok, err := r.state.Get(externalKey(id), assoc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAssociated, id)
	}
	return assoc, nil
}

// AddressOf resolves an external id to its associated address.
func (r *Registry) AddressOf(externalID string) (common.Address, error) {
	assoc, err := r.Get(externalID)
	if err != nil {
		return common.Address{}, err
	}
	return assoc.Address, nil
}

// ExternalIDOf resolves an address to its associated external id.
func (r *Registry) ExternalIDOf(addr common.Address) (string, error) {
	if r == nil || r.state == nil {
		return "", errors.New("identity: registry not initialised")
	}
	var id string
	ok, err := r.state.Get(addressKey(addr), &id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotAssociated, addr.Hex())
	}
	return id, nil
}
