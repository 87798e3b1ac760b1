package assets

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/core/types"
)

// NativeAsset is the sentinel identifier for the ledger's native asset.
var NativeAsset = common.Address{}

var (
	// ErrUnauthorized is returned when a caller without the owner role
	// attempts to change the allow-list.
	ErrUnauthorized = errors.New("assets: caller is not the owner")
	// ErrNativeAsset is returned when revoking the native sentinel.
	ErrNativeAsset = errors.New("assets: native asset cannot be revoked")
)

// Guard is the allow-list of asset identifiers bounties may escrow. It is
// shared by every bounty and only mutated by the owner.
type Guard struct {
	mu       sync.RWMutex
	accepted map[common.Address]struct{}
}

// NewGuard returns a guard accepting the native asset and the supplied
// identifiers.
func NewGuard(accepted ...common.Address) *Guard {
	g := &Guard{accepted: map[common.Address]struct{}{NativeAsset: {}}}
	for _, asset := range accepted {
		g.accepted[asset] = struct{}{}
	}
	return g
}

// IsAccepted reports whether asset may be deposited.
func (g *Guard) IsAccepted(asset common.Address) bool {
	if g == nil {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.accepted[asset]
	return ok
}

// Accept adds asset to the allow-list.
func (g *Guard) Accept(caller types.Caller, asset common.Address) error {
	if !caller.Has(types.RoleOwner) {
		return ErrUnauthorized
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accepted[asset] = struct{}{}
	return nil
}

// Revoke removes asset from the allow-list. Existing deposits are not
// affected.
func (g *Guard) Revoke(caller types.Caller, asset common.Address) error {
	if !caller.Has(types.RoleOwner) {
		return ErrUnauthorized
	}
	if asset == NativeAsset {
		return ErrNativeAsset
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.accepted, asset)
	return nil
}

// List returns the accepted identifiers in ascending byte order.
func (g *Guard) List() []common.Address {
	g.mu.RLock()
	out := make([]common.Address, 0, len(g.accepted))
	for asset := range g.accepted {
		out = append(out, asset)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
