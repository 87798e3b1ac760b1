package claims

import "errors"

var (
	// ErrUnauthorized is returned when a non-arbiter calls ClaimBounty.
	ErrUnauthorized = errors.New("claims: arbiter role required")
	// ErrMalformedEvidence marks evidence that does not decode.
	ErrMalformedEvidence = errors.New("claims: malformed evidence")
	// ErrPayoutMismatch is returned when the payout address differs from
	// the payee named in the evidence.
	ErrPayoutMismatch = errors.New("claims: payout does not match evidence payee")
	// ErrNotTiered is returned by the self-service path for untiered
	// bounties.
	ErrNotTiered = errors.New("claims: bounty is not tiered")
)

// Compliance gate failures, reported in the order the gates run.
var (
	ErrNoAssociatedAddress      = errors.New("claims: no identity associated with caller")
	ErrNotTierWinner            = errors.New("claims: caller is not the tier winner")
	ErrInvoiceIncomplete        = errors.New("claims: invoice incomplete")
	ErrSupportingDocsIncomplete = errors.New("claims: supporting documents incomplete")
	ErrKycFailed                = errors.New("claims: kyc verification failed")
)
