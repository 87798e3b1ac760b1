package bounty

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/core/types"
)

func validatePercentages(schedule []*big.Int) error {
	if len(schedule) == 0 {
		return ErrEmptySchedule
	}
	sum := new(big.Int)
	for i, pct := range schedule {
		if pct == nil || pct.Sign() < 0 {
			return fmt.Errorf("%w: entry %d is negative", ErrScheduleMustSum100, i)
		}
		sum.Add(sum, pct)
	}
	if sum.Cmp(big.NewInt(100)) != 0 {
		return fmt.Errorf("%w: got %s", ErrScheduleMustSum100, sum)
	}
	return nil
}

func (e *Engine) validateFixedSchedule(asset common.Address, schedule []*big.Int) error {
	if len(schedule) == 0 {
		return ErrEmptySchedule
	}
	for _, amount := range schedule {
		if err := e.validateVolume(asset, amount); err != nil {
			return err
		}
	}
	return nil
}

// buildTiers lays out tiers for schedule, carrying winner and compliance
// state over from previous tiers at the same index.
func buildTiers(previous []*Tier, schedule []*big.Int) []*Tier {
	tiers := make([]*Tier, len(schedule))
	for i, payout := range schedule {
		tier := &Tier{Index: i}
		if i < len(previous) && previous[i] != nil {
			tier = previous[i].Clone()
		}
		tier.Payout = new(big.Int).Set(payout)
		tiers[i] = tier
	}
	return tiers
}

// CloseCompetition ends a tiered bounty. Tiered-percentage bounties freeze
// the escrowed balance of every asset so later deposits and refunds do not
// move the payout math.
func (s *Session) CloseCompetition(caller types.Caller) error {
	if err := s.requireIssuer(caller); err != nil {
		return err
	}
	if err := s.requireVariant(VariantTieredPercentage, VariantTieredFixed); err != nil {
		return err
	}
	if s.bounty.Status == StatusClosed {
		return ErrAlreadyClosed
	}
	if s.bounty.Variant == VariantTieredPercentage {
		s.bounty.FundingTotals = make(map[common.Address]*big.Int, len(s.bounty.Assets))
		for _, asset := range s.bounty.Assets {
			s.bounty.FundingTotals[asset] = s.bounty.Escrowed(asset)
		}
	}
	s.bounty.Status = StatusClosed
	s.bounty.Closer = caller.Address
	s.bounty.ClosedAt = s.now
	s.touch()
	s.emit(s.event(EventTypeClosed, caller.Address, nil))
	return nil
}

// ClaimTiered pays tier its share of the frozen funding total of asset. A
// tier is marked claimed once every escrowed asset has been paid for it.
func (s *Session) ClaimTiered(caller types.Caller, payee common.Address, tier int, asset common.Address) (*big.Int, error) {
	if err := s.requireRole(caller, types.RoleClaimManager); err != nil {
		return nil, err
	}
	if err := s.requireVariant(VariantTieredPercentage); err != nil {
		return nil, err
	}
	if s.bounty.Status != StatusClosed {
		return nil, ErrNotClosed
	}
	t, err := s.bounty.Tier(tier)
	if err != nil {
		return nil, err
	}
	if t.Claimed || t.paid(asset) {
		return nil, fmt.Errorf("%w: tier %d", ErrTierAlreadyClaimed, tier)
	}
	if !s.bounty.hasAsset(asset) {
		return nil, fmt.Errorf("%w: %s", ErrNothingToClaim, asset.Hex())
	}
	amount, err := percentOf(s.bounty.FundingTotals[asset], t.Payout)
	if err != nil {
		return nil, err
	}
	t.PaidAssets = append(t.PaidAssets, asset)
	s.touch()
	if err := s.pay(caller, payee, asset, amount, tier, nil); err != nil {
		return nil, err
	}
	if s.allAssetsPaid(t) {
		s.markTierClaimed(caller, t, nil)
	}
	return amount, nil
}

// ClaimTierAllAssets pays tier for every asset it has not been paid yet and
// marks it claimed.
func (s *Session) ClaimTierAllAssets(caller types.Caller, payee common.Address, tier int, evidence []byte) (map[common.Address]*big.Int, error) {
	if err := s.requireRole(caller, types.RoleClaimManager); err != nil {
		return nil, err
	}
	if err := s.requireVariant(VariantTieredPercentage); err != nil {
		return nil, err
	}
	if s.bounty.Status != StatusClosed {
		return nil, ErrNotClosed
	}
	t, err := s.bounty.Tier(tier)
	if err != nil {
		return nil, err
	}
	if t.Claimed {
		return nil, fmt.Errorf("%w: tier %d", ErrTierAlreadyClaimed, tier)
	}
	paid := make(map[common.Address]*big.Int)
	for _, asset := range s.bounty.Assets {
		if t.paid(asset) {
			continue
		}
		amount, err := s.ClaimTiered(caller, payee, tier, asset)
		if err != nil {
			return nil, err
		}
		paid[asset] = amount
	}
	if !t.Claimed {
		s.markTierClaimed(caller, t, evidence)
	}
	return paid, nil
}

func (s *Session) allAssetsPaid(t *Tier) bool {
	for _, asset := range s.bounty.Assets {
		if !t.paid(asset) {
			return false
		}
	}
	return true
}

func (s *Session) markTierClaimed(caller types.Caller, t *Tier, evidence []byte) {
	t.Claimed = true
	s.touch()
	s.emit(withTier(s.event(EventTypeTierClaimed, caller.Address, evidence), t.Index))
}

// ClaimTieredFixed pays the fixed amount of tier.
func (s *Session) ClaimTieredFixed(caller types.Caller, payee common.Address, tier int) (*big.Int, error) {
	if err := s.requireRole(caller, types.RoleClaimManager); err != nil {
		return nil, err
	}
	if err := s.requireVariant(VariantTieredFixed); err != nil {
		return nil, err
	}
	t, err := s.bounty.Tier(tier)
	if err != nil {
		return nil, err
	}
	if t.Claimed {
		return nil, fmt.Errorf("%w: tier %d", ErrTierAlreadyClaimed, tier)
	}
	t.Claimed = true
	s.touch()
	amount := new(big.Int).Set(t.Payout)
	if err := s.pay(caller, payee, s.bounty.PayoutAsset, amount, tier, nil); err != nil {
		return nil, err
	}
	s.emit(withTier(s.event(EventTypeTierClaimed, caller.Address, nil), tier))
	return amount, nil
}

// CloseCompetition closes a tiered bounty. See Session.CloseCompetition.
func (e *Engine) CloseCompetition(ctx context.Context, caller types.Caller, bountyID string) error {
	return e.Transact(ctx, "close_competition", bountyID, func(s *Session) error {
		return s.CloseCompetition(caller)
	})
}

// ClaimTiered pays one tier for one asset. See Session.ClaimTiered.
func (e *Engine) ClaimTiered(ctx context.Context, caller types.Caller, bountyID string, payee common.Address, tier int, asset common.Address) (*big.Int, error) {
	var out *big.Int
	err := e.Transact(ctx, "claim_tiered", bountyID, func(s *Session) error {
		var err error
		out, err = s.ClaimTiered(caller, payee, tier, asset)
		return err
	})
	return out, err
}

// ClaimTieredFixed pays a fixed tier. See Session.ClaimTieredFixed.
func (e *Engine) ClaimTieredFixed(ctx context.Context, caller types.Caller, bountyID string, payee common.Address, tier int) (*big.Int, error) {
	var out *big.Int
	err := e.Transact(ctx, "claim_tiered_fixed", bountyID, func(s *Session) error {
		var err error
		out, err = s.ClaimTieredFixed(caller, payee, tier)
		return err
	})
	return out, err
}
