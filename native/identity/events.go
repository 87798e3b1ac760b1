package identity

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/core/types"
)

const (
	// EventTypeAssociated is emitted whenever an arbiter binds an external
	// id to an address.
	EventTypeAssociated = "identity.associated"
)

// NewAssociatedEvent returns the canonical event payload for an
// association. previous is the address the external id pointed to before,
// if any.
func NewAssociatedEvent(a *Association, previous common.Address) *types.Event {
	attrs := make(map[string]string)
	if a == nil {
		return &types.Event{Type: EventTypeAssociated, Attributes: attrs}
	}
	attrs["externalId"] = a.ExternalID
	attrs["address"] = strings.ToLower(a.Address.Hex())
	attrs["actor"] = strings.ToLower(a.Arbiter.Hex())
	attrs["timestamp"] = strconv.FormatInt(a.AssociatedAt, 10)
	if previous != (common.Address{}) && previous != a.Address {
		attrs["previousAddress"] = strings.ToLower(previous.Hex())
	}
	return &types.Event{Type: EventTypeAssociated, Attributes: attrs}
}
