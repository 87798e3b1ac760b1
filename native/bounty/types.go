package bounty

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Variant selects the payout policy of a bounty.
type Variant uint8

const (
	VariantAtomic Variant = iota + 1
	VariantOngoing
	VariantTieredPercentage
	VariantTieredFixed
)

// String returns the canonical variant tag used in events.
func (v Variant) String() string {
	switch v {
	case VariantAtomic:
		return "atomic"
	case VariantOngoing:
		return "ongoing"
	case VariantTieredPercentage:
		return "tiered-percentage"
	case VariantTieredFixed:
		return "tiered-fixed"
	default:
		return fmt.Sprintf("variant(%d)", uint8(v))
	}
}

// Valid reports whether the variant is one of the supported policies.
func (v Variant) Valid() bool {
	return v >= VariantAtomic && v <= VariantTieredFixed
}

// Tiered reports whether the variant pays ranked tiers.
func (v Variant) Tiered() bool {
	return v == VariantTieredPercentage || v == VariantTieredFixed
}

// ParseVariant resolves a variant tag as rendered by String.
func ParseVariant(tag string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "atomic":
		return VariantAtomic, nil
	case "ongoing":
		return VariantOngoing, nil
	case "tiered-percentage", "tiered_percentage", "percentage":
		return VariantTieredPercentage, nil
	case "tiered-fixed", "tiered_fixed", "fixed":
		return VariantTieredFixed, nil
	default:
		return 0, fmt.Errorf("%w: unknown variant %q", ErrInvalidVariant, tag)
	}
}

// Status is the lifecycle state of a bounty. Closed is terminal.
type Status uint8

const (
	StatusOpen Status = iota
	StatusClosed
)

func (s Status) String() string {
	if s == StatusClosed {
		return "closed"
	}
	return "open"
}

// NoTier marks a non-fungible deposit without a tier hint.
const NoTier = -1

// FundingGoal is the advisory target volume of one asset.
type FundingGoal struct {
	Asset  common.Address `json:"asset"`
	Volume *big.Int       `json:"volume"`
}

// Compliance tracks completion of the global compliance requirements of
// atomic and ongoing bounties.
type Compliance struct {
	InvoiceComplete             bool `json:"invoiceComplete"`
	SupportingDocumentsComplete bool `json:"supportingDocumentsComplete"`
}

// Deposit is one inbound funding contribution.
type Deposit struct {
	ID          common.Hash    `json:"id"`
	Sequence    uint64         `json:"sequence"`
	Funder      common.Address `json:"funder"`
	Asset       common.Address `json:"asset"`
	Volume      *big.Int       `json:"volume,omitempty"`
	Remaining   *big.Int       `json:"remaining,omitempty"`
	TokenID     *big.Int       `json:"tokenId,omitempty"`
	Tier        int            `json:"tier"`
	NonFungible bool           `json:"nonFungible"`
	DepositTime int64          `json:"depositTime"`
	Expiration  int64          `json:"expiration"`
	Refunded    bool           `json:"refunded"`
	Claimed     bool           `json:"claimed"`
}

// Outstanding reports whether the deposit still sits in escrow.
func (d *Deposit) Outstanding() bool {
	return d != nil && !d.Refunded && !d.Claimed
}

// RefundableAt returns the unix time from which the deposit may be refunded.
func (d *Deposit) RefundableAt() int64 {
	return d.DepositTime + d.Expiration
}

// Clone returns a deep copy of the deposit.
func (d *Deposit) Clone() *Deposit {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Volume = cloneBig(d.Volume)
	clone.Remaining = cloneBig(d.Remaining)
	if d.TokenID != nil {
		clone.TokenID = new(big.Int).Set(d.TokenID)
	}
	return &clone
}

// Tier is one ranked payout slot of a tiered bounty. Payout holds a
// percentage for tiered-percentage bounties and an absolute amount for
// tiered-fixed ones.
type Tier struct {
	Index                       int              `json:"index"`
	Payout                      *big.Int         `json:"payout"`
	WinnerExternalID            string           `json:"winnerExternalId,omitempty"`
	Claimed                     bool             `json:"claimed"`
	PaidAssets                  []common.Address `json:"paidAssets,omitempty"`
	InvoiceComplete             bool             `json:"invoiceComplete"`
	SupportingDocumentsComplete bool             `json:"supportingDocumentsComplete"`
}

func (t *Tier) paid(asset common.Address) bool {
	for _, a := range t.PaidAssets {
		if a == asset {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the tier.
func (t *Tier) Clone() *Tier {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Payout = cloneBig(t.Payout)
	clone.PaidAssets = append([]common.Address(nil), t.PaidAssets...)
	return &clone
}

// Bounty is the persisted record of one escrow instance. The variant payload
// fields are only meaningful for their variant.
type Bounty struct {
	ID               string         `json:"id"`
	Address          common.Address `json:"address"`
	Organization     string         `json:"organization"`
	Issuer           common.Address `json:"issuer"`
	IssuerExternalID string         `json:"issuerExternalId,omitempty"`
	Variant          Variant        `json:"variant"`
	Status           Status         `json:"status"`
	CreatedAt        int64          `json:"createdAt"`
	ClosedAt         int64          `json:"closedAt,omitempty"`
	Closer           common.Address `json:"closer"`
	CloserEvidence   []byte         `json:"closerEvidence,omitempty"`

	FundingGoal                 *FundingGoal `json:"fundingGoal,omitempty"`
	InvoiceRequired             bool         `json:"invoiceRequired"`
	KycRequired                 bool         `json:"kycRequired"`
	SupportingDocumentsRequired bool         `json:"supportingDocumentsRequired"`
	Compliance                  Compliance   `json:"compliance"`

	Assets     []common.Address `json:"assets,omitempty"`
	DepositSeq uint64           `json:"depositSeq"`
	Deposits   []*Deposit       `json:"deposits,omitempty"`

	PayoutAsset      common.Address              `json:"payoutAsset"`
	PayoutVolume     *big.Int                    `json:"payoutVolume,omitempty"`
	ClaimedClaimants []common.Hash               `json:"claimedClaimants,omitempty"`
	Tiers            []*Tier                     `json:"tiers,omitempty"`
	FundingTotals    map[common.Address]*big.Int `json:"fundingTotals,omitempty"`
}

// IsOpen reports whether the bounty still accepts funding.
func (b *Bounty) IsOpen() bool { return b != nil && b.Status == StatusOpen }

// Deposit returns the deposit with the supplied id.
func (b *Bounty) Deposit(id common.Hash) (*Deposit, bool) {
	for _, d := range b.Deposits {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

// Escrowed returns the sum of the remaining volume of every outstanding
// fungible deposit of asset.
func (b *Bounty) Escrowed(asset common.Address) *big.Int {
	total := new(big.Int)
	for _, d := range b.Deposits {
		if d.NonFungible || d.Asset != asset || !d.Outstanding() {
			continue
		}
		total.Add(total, d.Remaining)
	}
	return total
}

// OutstandingNonFungible counts NFT deposits still in escrow.
func (b *Bounty) OutstandingNonFungible() int {
	count := 0
	for _, d := range b.Deposits {
		if d.NonFungible && d.Outstanding() {
			count++
		}
	}
	return count
}

// Tier returns the tier at index.
func (b *Bounty) Tier(index int) (*Tier, error) {
	if index < 0 || index >= len(b.Tiers) {
		return nil, fmt.Errorf("%w: %d of %d", ErrTierOutOfRange, index, len(b.Tiers))
	}
	return b.Tiers[index], nil
}

func (b *Bounty) hasAsset(asset common.Address) bool {
	for _, a := range b.Assets {
		if a == asset {
			return true
		}
	}
	return false
}

func (b *Bounty) claimantClaimed(id common.Hash) bool {
	for _, c := range b.ClaimedClaimants {
		if c == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the bounty record.
func (b *Bounty) Clone() *Bounty {
	if b == nil {
		return nil
	}
	clone := *b
	clone.CloserEvidence = append([]byte(nil), b.CloserEvidence...)
	if b.FundingGoal != nil {
		clone.FundingGoal = &FundingGoal{Asset: b.FundingGoal.Asset, Volume: cloneBig(b.FundingGoal.Volume)}
	}
	clone.Assets = append([]common.Address(nil), b.Assets...)
	clone.Deposits = make([]*Deposit, len(b.Deposits))
	for i, d := range b.Deposits {
		clone.Deposits[i] = d.Clone()
	}
	clone.PayoutVolume = cloneBig(b.PayoutVolume)
	clone.ClaimedClaimants = append([]common.Hash(nil), b.ClaimedClaimants...)
	clone.Tiers = make([]*Tier, len(b.Tiers))
	for i, t := range b.Tiers {
		clone.Tiers[i] = t.Clone()
	}
	if b.FundingTotals != nil {
		clone.FundingTotals = make(map[common.Address]*big.Int, len(b.FundingTotals))
		for asset, total := range b.FundingTotals {
			clone.FundingTotals[asset] = cloneBig(total)
		}
	}
	return &clone
}

// Evidence is the decoded claim proof supplied by the arbiter or claimant.
// Raw keeps the encoded form for event payloads.
type Evidence struct {
	Payee      common.Address
	ExternalID string
	SourceRef  string
	Tier       int
	Raw        []byte
}

// ClaimantID returns the identity hash used to deduplicate ongoing claims.
func (e Evidence) ClaimantID() common.Hash {
	return ClaimantID(e.ExternalID, e.SourceRef)
}

// FundingProgress summarises escrowed volume against the funding goal.
type FundingProgress struct {
	Asset    common.Address
	Goal     *big.Int
	Escrowed *big.Int
	Reached  bool
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
