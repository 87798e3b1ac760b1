package claims

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// KYCVerifier reports whether a claimant passed know-your-customer checks.
// The check itself lives outside the ledger.
type KYCVerifier interface {
	Verify(ctx context.Context, claimant common.Address, externalID string) (bool, error)
}

// KYCFunc adapts a function to KYCVerifier.
type KYCFunc func(ctx context.Context, claimant common.Address, externalID string) (bool, error)

// Verify implements KYCVerifier.
func (f KYCFunc) Verify(ctx context.Context, claimant common.Address, externalID string) (bool, error) {
	return f(ctx, claimant, externalID)
}

// IdentityResolver maps claimant addresses to external identities.
type IdentityResolver interface {
	ExternalIDOf(addr common.Address) (string, error)
}
