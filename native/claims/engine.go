package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bountyescrow/core/types"
	"bountyescrow/native/bounty"
	"bountyescrow/native/identity"
)

// Settlement summarises what one claim released.
type Settlement struct {
	BountyID    string
	Variant     bounty.Variant
	Payee       common.Address
	ExternalID  string
	Tier        int
	Paid        map[common.Address]*big.Int
	NonFungible []*bounty.Deposit
}

// Engine settles bounties, either on an arbiter's assertion or on a
// claimant's own request once the compliance gates pass.
type Engine struct {
	bounties   *bounty.Engine
	identities IdentityResolver
	kyc        KYCVerifier
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewEngine wires the settlement engine. kyc may be nil, in which case
// bounties requiring KYC cannot be claimed through the self-service path.
func NewEngine(bounties *bounty.Engine, identities IdentityResolver, kyc KYCVerifier) *Engine {
	return &Engine{
		bounties:   bounties,
		identities: identities,
		kyc:        kyc,
		logger:     slog.Default(),
		tracer:     otel.Tracer("bountyescrow/claims"),
	}
}

// SetLogger configures the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetTracer overrides the tracer used for claim spans.
func (e *Engine) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		e.tracer = tracer
	}
}

// ClaimBounty settles the bounty at bountyAddress in favour of payout on
// the arbiter's assertion. evidence is the ABI encoded claim; its payee must
// equal payout. Every transfer happens in one bounty transaction.
func (e *Engine) ClaimBounty(ctx context.Context, caller types.Caller, bountyAddress, payout common.Address, evidence []byte) (*Settlement, error) {
	ctx, span := e.tracer.Start(ctx, "claims.claim_bounty", trace.WithAttributes(
		attribute.String("bounty.address", strings.ToLower(bountyAddress.Hex())),
		attribute.String("claim.payout", strings.ToLower(payout.Hex())),
	))
	defer span.End()

	settlement, err := e.claimBounty(ctx, caller, bountyAddress, payout, evidence)
	e.finish(span, "arbiter", caller, bountyAddress, settlement, err)
	return settlement, err
}

func (e *Engine) claimBounty(ctx context.Context, caller types.Caller, bountyAddress, payout common.Address, evidence []byte) (*Settlement, error) {
	if !caller.Has(types.RoleArbiter) {
		return nil, ErrUnauthorized
	}
	var out *Settlement
	err := e.bounties.TransactAddress(ctx, "claim_bounty", bountyAddress, func(s *bounty.Session) error {
		record := s.Bounty()
		ev, err := DecodeEvidence(evidence, record.Variant.Tiered())
		if err != nil {
			return err
		}
		if ev.Payee != payout {
			return fmt.Errorf("%w: %s != %s", ErrPayoutMismatch, ev.Payee.Hex(), payout.Hex())
		}
		if record.Variant.Tiered() {
			tier, err := record.Tier(ev.Tier)
			if err != nil {
				return err
			}
			if tier.WinnerExternalID != "" && tier.WinnerExternalID != ev.ExternalID {
				return fmt.Errorf("%w: tier %d", ErrNotTierWinner, ev.Tier)
			}
		}
		settlement, err := route(s, caller.With(types.RoleClaimManager), payout, ev)
		if err != nil {
			return err
		}
		s.RecordSettlement(caller, ev, settlement.Tier)
		out = settlement
		return nil
	})
	return out, err
}

// PermissionedClaimTieredBounty lets the caller claim a tier for itself.
// The gates run in a fixed order: identity association, tier winner,
// invoice, supporting documents, KYC.
func (e *Engine) PermissionedClaimTieredBounty(ctx context.Context, caller types.Caller, bountyAddress common.Address, evidence []byte) (*Settlement, error) {
	ctx, span := e.tracer.Start(ctx, "claims.permissioned_claim", trace.WithAttributes(
		attribute.String("bounty.address", strings.ToLower(bountyAddress.Hex())),
		attribute.String("claim.caller", strings.ToLower(caller.Address.Hex())),
	))
	defer span.End()

	settlement, err := e.permissionedClaim(ctx, caller, bountyAddress, evidence)
	e.finish(span, "self_service", caller, bountyAddress, settlement, err)
	return settlement, err
}

func (e *Engine) permissionedClaim(ctx context.Context, caller types.Caller, bountyAddress common.Address, evidence []byte) (*Settlement, error) {
	var out *Settlement
	err := e.bounties.TransactAddress(ctx, "permissioned_claim", bountyAddress, func(s *bounty.Session) error {
		record := s.Bounty()
		if !record.Variant.Tiered() {
			return fmt.Errorf("%w: %s", ErrNotTiered, record.Variant)
		}
		ev, err := DecodeEvidence(evidence, true)
		if err != nil {
			return err
		}
		if ev.Payee != (common.Address{}) && ev.Payee != caller.Address {
			return fmt.Errorf("%w: %s != %s", ErrPayoutMismatch, ev.Payee.Hex(), caller.Address.Hex())
		}
		externalID, err := e.gate(s.Context(), caller, record, ev.Tier)
		if err != nil {
			return err
		}
		ev.Payee = caller.Address
		ev.ExternalID = externalID
		settlement, err := route(s, caller.With(types.RoleClaimManager), caller.Address, ev)
		if err != nil {
			return err
		}
		s.RecordSettlement(caller, ev, settlement.Tier)
		out = settlement
		return nil
	})
	return out, err
}

// gate runs the compliance checks for caller on tier and returns the
// caller's external id.
func (e *Engine) gate(ctx context.Context, caller types.Caller, record *bounty.Bounty, tierIndex int) (string, error) {
	if e.identities == nil {
		return "", ErrNoAssociatedAddress
	}
	externalID, err := e.identities.ExternalIDOf(caller.Address)
	if err != nil {
		if errors.Is(err, identity.ErrNotAssociated) {
			return "", fmt.Errorf("%w: %s", ErrNoAssociatedAddress, caller.Address.Hex())
		}
		return "", err
	}
	tier, err := record.Tier(tierIndex)
	if err != nil {
		return "", err
	}
	if tier.WinnerExternalID == "" || tier.WinnerExternalID != externalID {
		return "", fmt.Errorf("%w: tier %d", ErrNotTierWinner, tierIndex)
	}
	if record.InvoiceRequired && !tier.InvoiceComplete {
		return "", ErrInvoiceIncomplete
	}
	if record.SupportingDocumentsRequired && !tier.SupportingDocumentsComplete {
		return "", ErrSupportingDocsIncomplete
	}
	if record.KycRequired {
		if e.kyc == nil {
			return "", fmt.Errorf("%w: no verifier configured", ErrKycFailed)
		}
		ok, err := e.kyc.Verify(ctx, caller.Address, externalID)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrKycFailed, err)
		}
		if !ok {
			return "", ErrKycFailed
		}
	}
	return externalID, nil
}

// route dispatches the settlement on the bounty variant.
func route(s *bounty.Session, claimer types.Caller, payee common.Address, ev bounty.Evidence) (*Settlement, error) {
	record := s.Bounty()
	out := &Settlement{
		BountyID:   record.ID,
		Variant:    record.Variant,
		Payee:      payee,
		ExternalID: ev.ExternalID,
		Tier:       bounty.NoTier,
		Paid:       make(map[common.Address]*big.Int),
	}
	switch record.Variant {
	case bounty.VariantAtomic:
		if err := s.Close(claimer, payee, ev.Raw); err != nil {
			return nil, err
		}
		paid, err := s.ClaimAllBalances(claimer, payee)
		if err != nil {
			return nil, err
		}
		out.Paid = paid
		nfts, err := s.ClaimNonFungibleMatching(claimer, payee, nil)
		if err != nil {
			return nil, err
		}
		out.NonFungible = nfts
	case bounty.VariantOngoing:
		amount, err := s.ClaimOngoingPayout(claimer, payee, ev)
		if err != nil {
			return nil, err
		}
		out.Paid[record.PayoutAsset] = amount
	case bounty.VariantTieredPercentage:
		out.Tier = ev.Tier
		paid, err := s.ClaimTierAllAssets(claimer, payee, ev.Tier, ev.Raw)
		if err != nil {
			return nil, err
		}
		out.Paid = paid
		if out.NonFungible, err = claimTierNonFungible(s, claimer, payee, ev.Tier); err != nil {
			return nil, err
		}
	case bounty.VariantTieredFixed:
		out.Tier = ev.Tier
		amount, err := s.ClaimTieredFixed(claimer, payee, ev.Tier)
		if err != nil {
			return nil, err
		}
		out.Paid[record.PayoutAsset] = amount
		if out.NonFungible, err = claimTierNonFungible(s, claimer, payee, ev.Tier); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %d", bounty.ErrInvalidVariant, record.Variant)
	}
	return out, nil
}

func claimTierNonFungible(s *bounty.Session, claimer types.Caller, payee common.Address, tier int) ([]*bounty.Deposit, error) {
	return s.ClaimNonFungibleMatching(claimer, payee, func(d *bounty.Deposit) bool {
		return d.Tier == tier
	})
}

func (e *Engine) finish(span trace.Span, path string, caller types.Caller, bountyAddress common.Address, settlement *Settlement, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("claim rejected",
			slog.String("path", path),
			slog.String("caller", caller.Address.Hex()),
			slog.String("bounty_address", bountyAddress.Hex()),
			slog.Any("error", err))
		return
	}
	span.SetAttributes(
		attribute.String("bounty.id", settlement.BountyID),
		attribute.String("bounty.variant", settlement.Variant.String()),
		attribute.Int("claim.tier", settlement.Tier),
	)
	span.SetStatus(codes.Ok, "claim settled")
	e.logger.Info("claim settled",
		slog.String("path", path),
		slog.String("bounty_id", settlement.BountyID),
		slog.String("payee", settlement.Payee.Hex()),
		slog.Int("tier", settlement.Tier))
}
