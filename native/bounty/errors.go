package bounty

import "errors"

// Input validation.
var (
	ErrEmptyIdentifier    = errors.New("bounty: identifier must not be empty")
	ErrZeroVolume         = errors.New("bounty: volume must be positive")
	ErrInvalidExpiration  = errors.New("bounty: lock duration must be positive")
	ErrInvalidVariant     = errors.New("bounty: invalid variant")
	ErrScheduleMustSum100 = errors.New("bounty: payout schedule must sum to 100")
	ErrEmptySchedule      = errors.New("bounty: payout schedule must not be empty")
	ErrInvalidEvidence    = errors.New("bounty: invalid claim evidence")
)

// Authorization.
var (
	ErrUnauthorized = errors.New("bounty: caller lacks required role")
	ErrNotIssuer    = errors.New("bounty: caller is not the issuer")
	ErrNotFunder    = errors.New("bounty: caller is not the funder")
)

// Lifecycle state.
var (
	ErrBountyNotFound      = errors.New("bounty: bounty not found")
	ErrBountyAlreadyExists = errors.New("bounty: bounty already exists")
	ErrContractClosed      = errors.New("bounty: bounty is closed")
	ErrAlreadyClosed       = errors.New("bounty: bounty already closed")
	ErrNotClosed           = errors.New("bounty: bounty is not closed")
	ErrWrongVariant        = errors.New("bounty: operation not supported by variant")
	ErrDepositNotFound     = errors.New("bounty: deposit not found")
	ErrPrematureRefund     = errors.New("bounty: deposit is still locked")
	ErrAlreadyRefunded     = errors.New("bounty: deposit already refunded")
	ErrDepositClaimed      = errors.New("bounty: deposit already claimed")
	ErrAlreadyClaimed      = errors.New("bounty: claimant already paid")
	ErrTierAlreadyClaimed  = errors.New("bounty: tier already claimed")
	ErrTierOutOfRange      = errors.New("bounty: tier index out of range")
	ErrNothingToClaim      = errors.New("bounty: nothing to claim")
	ErrInsufficientEscrow  = errors.New("bounty: escrow cannot cover payout")
	ErrPayoutNotConfigured = errors.New("bounty: payout not configured")
	ErrPayoutOverflow      = errors.New("bounty: payout overflows")
	ErrNoFundingGoal       = errors.New("bounty: no funding goal configured")
)

// Asset policy.
var (
	ErrAssetNotAccepted        = errors.New("bounty: asset not accepted")
	ErrNonFungibleLimitReached = errors.New("bounty: non-fungible deposit limit reached")
	ErrNotNonFungible          = errors.New("bounty: deposit is not non-fungible")
)
