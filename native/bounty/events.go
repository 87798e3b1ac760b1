package bounty

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/core/types"
)

const (
	EventTypeMinted              = "bounty.minted"
	EventTypeDepositReceived     = "bounty.deposit.received"
	EventTypeNonFungibleReceived = "bounty.nft.received"
	EventTypeDepositRefunded     = "bounty.deposit.refunded"
	EventTypeDepositExtended     = "bounty.deposit.extended"
	EventTypeClosed              = "bounty.closed"
	EventTypePayout              = "bounty.payout"
	EventTypeNonFungibleClaimed  = "bounty.nft.claimed"
	EventTypeTierClaimed         = "bounty.tier.claimed"
	EventTypeFundingGoalSet      = "bounty.funding_goal.set"
	EventTypeScheduleSet         = "bounty.schedule.set"
	EventTypePayoutSet           = "bounty.payout.set"
	EventTypeComplianceSet       = "bounty.compliance.set"
	EventTypeTierWinnerSet       = "bounty.tier.winner.set"
	EventTypeIssuerIDSet         = "bounty.issuer.external_id.set"
	EventTypeClaimSettled        = "bounty.claim.settled"
)

// Attribute keys shared by every bounty event.
const (
	AttrBountyID      = "bountyId"
	AttrBountyAddress = "bountyAddress"
	AttrOrganization  = "organization"
	AttrActor         = "actor"
	AttrTimestamp     = "timestamp"
	AttrVariant       = "variant"
	AttrAsset         = "asset"
	AttrAmount        = "amount"
	AttrDepositID     = "depositId"
	AttrFunder        = "funder"
	AttrPayee         = "payee"
	AttrTier          = "tier"
	AttrTokenID       = "tokenId"
	AttrExternalID    = "externalId"
	AttrSourceRef     = "sourceRef"
)

func newBountyEvent(eventType string, b *Bounty, actor common.Address, ts int64, evidence []byte) *types.Event {
	attrs := make(map[string]string)
	if b != nil {
		attrs[AttrBountyID] = b.ID
		attrs[AttrBountyAddress] = strings.ToLower(b.Address.Hex())
		attrs[AttrOrganization] = b.Organization
		attrs[AttrVariant] = b.Variant.String()
	}
	attrs[AttrActor] = strings.ToLower(actor.Hex())
	attrs[AttrTimestamp] = strconv.FormatInt(ts, 10)
	evt := &types.Event{Type: eventType, Attributes: attrs}
	if len(evidence) > 0 {
		evt.Evidence = append([]byte(nil), evidence...)
	}
	return evt
}

func withDeposit(evt *types.Event, d *Deposit) *types.Event {
	evt.Attributes[AttrDepositID] = d.ID.Hex()
	evt.Attributes[AttrFunder] = strings.ToLower(d.Funder.Hex())
	evt.Attributes[AttrAsset] = strings.ToLower(d.Asset.Hex())
	evt.Attributes["sequence"] = strconv.FormatUint(d.Sequence, 10)
	evt.Attributes["expiration"] = strconv.FormatInt(d.Expiration, 10)
	if d.NonFungible {
		evt.Attributes["nonFungible"] = "true"
		evt.Attributes[AttrTokenID] = d.TokenID.String()
		evt.Attributes[AttrTier] = strconv.Itoa(d.Tier)
		return evt
	}
	evt.Attributes[AttrAmount] = d.Remaining.String()
	return evt
}

func withPayout(evt *types.Event, payee, asset common.Address, amount *big.Int) *types.Event {
	evt.Attributes[AttrPayee] = strings.ToLower(payee.Hex())
	evt.Attributes[AttrAsset] = strings.ToLower(asset.Hex())
	evt.Attributes[AttrAmount] = amount.String()
	return evt
}

func withTier(evt *types.Event, tier int) *types.Event {
	evt.Attributes[AttrTier] = strconv.Itoa(tier)
	return evt
}

func joinSchedule(schedule []*big.Int) string {
	parts := make([]string, len(schedule))
	for i, v := range schedule {
		parts[i] = v.String()
	}
	return strings.Join(parts, ",")
}
