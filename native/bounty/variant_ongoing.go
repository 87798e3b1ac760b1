package bounty

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/core/types"
)

// ClaimOngoingPayout pays the configured payout once per distinct claimant
// identity. The bounty stays open.
func (s *Session) ClaimOngoingPayout(caller types.Caller, payee common.Address, evidence Evidence) (*big.Int, error) {
	if err := s.requireRole(caller, types.RoleClaimManager); err != nil {
		return nil, err
	}
	if err := s.requireVariant(VariantOngoing); err != nil {
		return nil, err
	}
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	if s.bounty.PayoutVolume == nil || s.bounty.PayoutVolume.Sign() == 0 {
		return nil, ErrPayoutNotConfigured
	}
	if strings.TrimSpace(evidence.ExternalID) == "" {
		return nil, fmt.Errorf("%w: external id", ErrInvalidEvidence)
	}
	claimant := evidence.ClaimantID()
	if s.bounty.claimantClaimed(claimant) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, claimant.Hex())
	}
	s.bounty.ClaimedClaimants = append(s.bounty.ClaimedClaimants, claimant)
	s.touch()
	amount := new(big.Int).Set(s.bounty.PayoutVolume)
	if err := s.pay(caller, payee, s.bounty.PayoutAsset, amount, NoTier, evidence.Raw); err != nil {
		return nil, err
	}
	return amount, nil
}

// CloseOngoing stops an ongoing bounty. Only the issuer may close it.
func (s *Session) CloseOngoing(caller types.Caller) error {
	if err := s.requireIssuer(caller); err != nil {
		return err
	}
	if err := s.requireVariant(VariantOngoing); err != nil {
		return err
	}
	if s.bounty.Status == StatusClosed {
		return ErrAlreadyClosed
	}
	s.bounty.Status = StatusClosed
	s.bounty.Closer = caller.Address
	s.bounty.ClosedAt = s.now
	s.touch()
	s.emit(s.event(EventTypeClosed, caller.Address, nil))
	return nil
}

// SetPayout reassigns the per-claimant payout of an open ongoing bounty.
func (s *Session) SetPayout(caller types.Caller, asset common.Address, volume *big.Int) error {
	if err := s.requireIssuer(caller); err != nil {
		return err
	}
	if err := s.requireVariant(VariantOngoing); err != nil {
		return err
	}
	if err := s.requireOpen(); err != nil {
		return err
	}
	if err := s.engine.validateVolume(asset, volume); err != nil {
		return err
	}
	s.bounty.PayoutAsset = asset
	s.bounty.PayoutVolume = new(big.Int).Set(volume)
	s.touch()
	evt := s.event(EventTypePayoutSet, caller.Address, nil)
	evt.Attributes[AttrAsset] = strings.ToLower(asset.Hex())
	evt.Attributes[AttrAmount] = volume.String()
	s.emit(evt)
	return nil
}

// ClaimOngoingPayout pays one ongoing claimant. See Session.ClaimOngoingPayout.
func (e *Engine) ClaimOngoingPayout(ctx context.Context, caller types.Caller, bountyID string, payee common.Address, evidence Evidence) (*big.Int, error) {
	var out *big.Int
	err := e.Transact(ctx, "claim_ongoing", bountyID, func(s *Session) error {
		var err error
		out, err = s.ClaimOngoingPayout(caller, payee, evidence)
		return err
	})
	return out, err
}

// CloseOngoing closes an ongoing bounty. See Session.CloseOngoing.
func (e *Engine) CloseOngoing(ctx context.Context, caller types.Caller, bountyID string) error {
	return e.Transact(ctx, "close_ongoing", bountyID, func(s *Session) error {
		return s.CloseOngoing(caller)
	})
}

// SetPayout reassigns an ongoing payout. See Session.SetPayout.
func (e *Engine) SetPayout(ctx context.Context, caller types.Caller, bountyID string, asset common.Address, volume *big.Int) error {
	return e.Transact(ctx, "set_payout", bountyID, func(s *Session) error {
		return s.SetPayout(caller, asset, volume)
	})
}
