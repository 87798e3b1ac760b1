package identity

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnauthorized is returned when a caller without the arbiter role
	// attempts to associate an identity.
	ErrUnauthorized = errors.New("identity: arbiter role required")
	// ErrEmptyExternalID marks blank external identifiers.
	ErrEmptyExternalID = errors.New("identity: external id required")
	// ErrZeroAddress marks associations to the zero address.
	ErrZeroAddress = errors.New("identity: address required")
	// ErrNotAssociated is returned by lookups that find no mapping.
	ErrNotAssociated = errors.New("identity: not associated")
)

// Association binds an identity at an external provider to a ledger
// address.
type Association struct {
	ExternalID   string         `json:"externalId"`
	Address      common.Address `json:"address"`
	Arbiter      common.Address `json:"arbiter"`
	AssociatedAt int64          `json:"associatedAt"`
}

// NormalizeExternalID trims surrounding whitespace. External ids are
// compared byte for byte otherwise.
func NormalizeExternalID(id string) string {
	return strings.TrimSpace(id)
}

// Validate ensures the association is well formed.
func (a *Association) Validate() error {
	if a == nil {
		return errors.New("identity: association nil")
	}
	if NormalizeExternalID(a.ExternalID) == "" {
		return ErrEmptyExternalID
	}
	if a.Address == (common.Address{}) {
		return ErrZeroAddress
	}
	return nil
}
