package bounty

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/core/types"
)

// SetFundingGoal records the target volume of an open bounty.
func (s *Session) SetFundingGoal(caller types.Caller, asset common.Address, volume *big.Int) error {
	if err := s.requireIssuer(caller); err != nil {
		return err
	}
	if err := s.requireOpen(); err != nil {
		return err
	}
	if err := s.engine.validateVolume(asset, volume); err != nil {
		return err
	}
	s.bounty.FundingGoal = &FundingGoal{Asset: asset, Volume: new(big.Int).Set(volume)}
	s.touch()
	evt := s.event(EventTypeFundingGoalSet, caller.Address, nil)
	evt.Attributes[AttrAsset] = strings.ToLower(asset.Hex())
	evt.Attributes[AttrAmount] = volume.String()
	s.emit(evt)
	return nil
}

// SetPayoutSchedule replaces the percentages of a tiered-percentage bounty.
// The schedule must sum to exactly 100.
func (s *Session) SetPayoutSchedule(caller types.Caller, schedule []*big.Int) error {
	if err := s.requireIssuer(caller); err != nil {
		return err
	}
	if err := s.requireVariant(VariantTieredPercentage); err != nil {
		return err
	}
	if err := s.requireOpen(); err != nil {
		return err
	}
	if err := validatePercentages(schedule); err != nil {
		return err
	}
	s.bounty.Tiers = buildTiers(s.bounty.Tiers, schedule)
	s.touch()
	evt := s.event(EventTypeScheduleSet, caller.Address, nil)
	evt.Attributes["schedule"] = joinSchedule(schedule)
	s.emit(evt)
	return nil
}

// SetPayoutScheduleFixed replaces the amounts and payout asset of a
// tiered-fixed bounty. Tiers already paid cannot be rescheduled.
func (s *Session) SetPayoutScheduleFixed(caller types.Caller, asset common.Address, schedule []*big.Int) error {
	if err := s.requireIssuer(caller); err != nil {
		return err
	}
	if err := s.requireVariant(VariantTieredFixed); err != nil {
		return err
	}
	if err := s.requireOpen(); err != nil {
		return err
	}
	for _, t := range s.bounty.Tiers {
		if t.Claimed {
			return fmt.Errorf("%w: tier %d", ErrTierAlreadyClaimed, t.Index)
		}
	}
	if err := s.engine.validateFixedSchedule(asset, schedule); err != nil {
		return err
	}
	s.bounty.PayoutAsset = asset
	s.bounty.Tiers = buildTiers(s.bounty.Tiers, schedule)
	s.touch()
	evt := s.event(EventTypeScheduleSet, caller.Address, nil)
	evt.Attributes["schedule"] = joinSchedule(schedule)
	evt.Attributes["payoutAsset"] = strings.ToLower(asset.Hex())
	s.emit(evt)
	return nil
}

// SetTierWinner assigns the external identity allowed to claim a tier.
func (s *Session) SetTierWinner(caller types.Caller, tier int, externalID string) error {
	if err := s.requireIssuer(caller); err != nil {
		return err
	}
	if !s.bounty.Variant.Tiered() {
		return fmt.Errorf("%w: %s", ErrWrongVariant, s.bounty.Variant)
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return ErrEmptyIdentifier
	}
	t, err := s.bounty.Tier(tier)
	if err != nil {
		return err
	}
	if t.Claimed {
		return fmt.Errorf("%w: tier %d", ErrTierAlreadyClaimed, tier)
	}
	t.WinnerExternalID = externalID
	s.touch()
	evt := withTier(s.event(EventTypeTierWinnerSet, caller.Address, nil), tier)
	evt.Attributes[AttrExternalID] = externalID
	s.emit(evt)
	return nil
}

type complianceField int

const (
	fieldInvoice complianceField = iota
	fieldSupportingDocuments
)

func (f complianceField) String() string {
	if f == fieldInvoice {
		return "invoiceComplete"
	}
	return "supportingDocumentsComplete"
}

// setCompletion flips a completion flag on a tier of tiered bounties or on
// the global record of atomic and ongoing ones, where tier is ignored.
func (s *Session) setCompletion(caller types.Caller, field complianceField, tier int, complete bool) error {
	if err := s.requireIssuer(caller); err != nil {
		return err
	}
	if s.bounty.Variant.Tiered() {
		t, err := s.bounty.Tier(tier)
		if err != nil {
			return err
		}
		if field == fieldInvoice {
			t.InvoiceComplete = complete
		} else {
			t.SupportingDocumentsComplete = complete
		}
	} else {
		tier = NoTier
		if field == fieldInvoice {
			s.bounty.Compliance.InvoiceComplete = complete
		} else {
			s.bounty.Compliance.SupportingDocumentsComplete = complete
		}
	}
	s.touch()
	evt := s.event(EventTypeComplianceSet, caller.Address, nil)
	evt.Attributes[field.String()] = strconv.FormatBool(complete)
	if tier != NoTier {
		withTier(evt, tier)
	}
	s.emit(evt)
	return nil
}

// SetInvoiceComplete records invoice completion.
func (s *Session) SetInvoiceComplete(caller types.Caller, tier int, complete bool) error {
	return s.setCompletion(caller, fieldInvoice, tier, complete)
}

// SetSupportingDocumentsComplete records supporting document completion.
func (s *Session) SetSupportingDocumentsComplete(caller types.Caller, tier int, complete bool) error {
	return s.setCompletion(caller, fieldSupportingDocuments, tier, complete)
}

func (s *Session) setRequirement(caller types.Caller, name string, target *bool, required bool) error {
	if err := s.requireIssuer(caller); err != nil {
		return err
	}
	if err := s.requireOpen(); err != nil {
		return err
	}
	*target = required
	s.touch()
	evt := s.event(EventTypeComplianceSet, caller.Address, nil)
	evt.Attributes[name] = strconv.FormatBool(required)
	s.emit(evt)
	return nil
}

// SetInvoiceRequired toggles the invoice requirement of self-service claims.
func (s *Session) SetInvoiceRequired(caller types.Caller, required bool) error {
	return s.setRequirement(caller, "invoiceRequired", &s.bounty.InvoiceRequired, required)
}

// SetKycRequired toggles the KYC requirement of self-service claims.
func (s *Session) SetKycRequired(caller types.Caller, required bool) error {
	return s.setRequirement(caller, "kycRequired", &s.bounty.KycRequired, required)
}

// SetSupportingDocumentsRequired toggles the supporting documents
// requirement of self-service claims.
func (s *Session) SetSupportingDocumentsRequired(caller types.Caller, required bool) error {
	return s.setRequirement(caller, "supportingDocumentsRequired", &s.bounty.SupportingDocumentsRequired, required)
}

// SetIssuerExternalID records the issuer's identity at the external
// provider.
func (s *Session) SetIssuerExternalID(caller types.Caller, externalID string) error {
	if err := s.requireIssuer(caller); err != nil {
		return err
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return ErrEmptyIdentifier
	}
	s.bounty.IssuerExternalID = externalID
	s.touch()
	evt := s.event(EventTypeIssuerIDSet, caller.Address, nil)
	evt.Attributes["issuerExternalId"] = externalID
	s.emit(evt)
	return nil
}

// SetFundingGoal sets the funding goal. See Session.SetFundingGoal.
func (e *Engine) SetFundingGoal(ctx context.Context, caller types.Caller, bountyID string, asset common.Address, volume *big.Int) error {
	return e.Transact(ctx, "set_funding_goal", bountyID, func(s *Session) error {
		return s.SetFundingGoal(caller, asset, volume)
	})
}

// SetPayoutSchedule reschedules percentages. See Session.SetPayoutSchedule.
func (e *Engine) SetPayoutSchedule(ctx context.Context, caller types.Caller, bountyID string, schedule []*big.Int) error {
	return e.Transact(ctx, "set_schedule", bountyID, func(s *Session) error {
		return s.SetPayoutSchedule(caller, schedule)
	})
}

// SetPayoutScheduleFixed reschedules fixed tiers. See
// Session.SetPayoutScheduleFixed.
func (e *Engine) SetPayoutScheduleFixed(ctx context.Context, caller types.Caller, bountyID string, asset common.Address, schedule []*big.Int) error {
	return e.Transact(ctx, "set_schedule_fixed", bountyID, func(s *Session) error {
		return s.SetPayoutScheduleFixed(caller, asset, schedule)
	})
}

// SetTierWinner assigns a tier winner. See Session.SetTierWinner.
func (e *Engine) SetTierWinner(ctx context.Context, caller types.Caller, bountyID string, tier int, externalID string) error {
	return e.Transact(ctx, "set_tier_winner", bountyID, func(s *Session) error {
		return s.SetTierWinner(caller, tier, externalID)
	})
}

// SetInvoiceComplete records invoice completion.
func (e *Engine) SetInvoiceComplete(ctx context.Context, caller types.Caller, bountyID string, tier int, complete bool) error {
	return e.Transact(ctx, "set_invoice_complete", bountyID, func(s *Session) error {
		return s.SetInvoiceComplete(caller, tier, complete)
	})
}

// SetSupportingDocumentsComplete records supporting document completion.
func (e *Engine) SetSupportingDocumentsComplete(ctx context.Context, caller types.Caller, bountyID string, tier int, complete bool) error {
	return e.Transact(ctx, "set_documents_complete", bountyID, func(s *Session) error {
		return s.SetSupportingDocumentsComplete(caller, tier, complete)
	})
}

// SetInvoiceRequired toggles the invoice requirement.
func (e *Engine) SetInvoiceRequired(ctx context.Context, caller types.Caller, bountyID string, required bool) error {
	return e.Transact(ctx, "set_invoice_required", bountyID, func(s *Session) error {
		return s.SetInvoiceRequired(caller, required)
	})
}

// SetKycRequired toggles the KYC requirement.
func (e *Engine) SetKycRequired(ctx context.Context, caller types.Caller, bountyID string, required bool) error {
	return e.Transact(ctx, "set_kyc_required", bountyID, func(s *Session) error {
		return s.SetKycRequired(caller, required)
	})
}

// SetSupportingDocumentsRequired toggles the supporting documents
// requirement.
func (e *Engine) SetSupportingDocumentsRequired(ctx context.Context, caller types.Caller, bountyID string, required bool) error {
	return e.Transact(ctx, "set_documents_required", bountyID, func(s *Session) error {
		return s.SetSupportingDocumentsRequired(caller, required)
	})
}

// SetIssuerExternalID records the issuer's external identity.
func (e *Engine) SetIssuerExternalID(ctx context.Context, caller types.Caller, bountyID, externalID string) error {
	return e.Transact(ctx, "set_issuer_external_id", bountyID, func(s *Session) error {
		return s.SetIssuerExternalID(caller, externalID)
	})
}
