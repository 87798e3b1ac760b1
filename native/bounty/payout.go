package bounty

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bountyescrow/core/types"
)

var hundred = uint256.NewInt(100)

// percentOf returns total*pct/100 using 256-bit arithmetic.
func percentOf(total, pct *big.Int) (*big.Int, error) {
	if total == nil || pct == nil || total.Sign() < 0 || pct.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative operand", ErrPayoutOverflow)
	}
	t, overflow := uint256.FromBig(total)
	if overflow {
		return nil, ErrPayoutOverflow
	}
	p, overflow := uint256.FromBig(pct)
	if overflow {
		return nil, ErrPayoutOverflow
	}
	result, overflow := new(uint256.Int).MulDivOverflow(t, p, hundred)
	if overflow {
		return nil, ErrPayoutOverflow
	}
	return result.ToBig(), nil
}

// consume draws amount of asset from outstanding fungible deposits,
// oldest first. Fully drained deposits are marked claimed.
func (s *Session) consume(asset common.Address, amount *big.Int) error {
	if s.bounty.Escrowed(asset).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s of %s", ErrInsufficientEscrow, amount, asset.Hex())
	}
	left := new(big.Int).Set(amount)
	for _, d := range s.bounty.Deposits {
		if left.Sign() == 0 {
			break
		}
		if d.NonFungible || d.Asset != asset || !d.Outstanding() {
			continue
		}
		take := new(big.Int).Set(d.Remaining)
		if take.Cmp(left) > 0 {
			take.Set(left)
		}
		d.Remaining = new(big.Int).Sub(d.Remaining, take)
		left.Sub(left, take)
		if d.Remaining.Sign() == 0 {
			d.Claimed = true
		}
	}
	s.touch()
	return nil
}

// pay releases amount of asset to payee after updating the ledger.
func (s *Session) pay(actor types.Caller, payee, asset common.Address, amount *big.Int, tier int, evidence []byte) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := s.consume(asset, amount); err != nil {
		return err
	}
	if _, err := s.engine.bank.Transfer(s.ctx, s.tx, asset, s.bounty.Address, payee, amount); err != nil {
		return err
	}
	evt := withPayout(s.event(EventTypePayout, actor.Address, evidence), payee, asset, amount)
	if tier != NoTier {
		withTier(evt, tier)
	}
	s.emit(evt)
	s.engine.metrics.AddSettled(s.bounty.Variant.String(), asset.Hex(), amount)
	return nil
}

// RecordSettlement emits the ephemeral claim record of one settlement.
func (s *Session) RecordSettlement(caller types.Caller, evidence Evidence, tier int) {
	evt := s.event(EventTypeClaimSettled, caller.Address, evidence.Raw)
	evt.Attributes["closer"] = strings.ToLower(caller.Address.Hex())
	evt.Attributes[AttrPayee] = strings.ToLower(evidence.Payee.Hex())
	evt.Attributes[AttrExternalID] = evidence.ExternalID
	evt.Attributes[AttrSourceRef] = evidence.SourceRef
	if tier != NoTier {
		withTier(evt, tier)
	}
	s.emit(evt)
}

// ClaimNonFungible releases one escrowed NFT to payee.
func (s *Session) ClaimNonFungible(caller types.Caller, payee common.Address, depositID common.Hash) (*Deposit, error) {
	if err := s.requireRole(caller, types.RoleClaimManager); err != nil {
		return nil, err
	}
	d, ok := s.bounty.Deposit(depositID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDepositNotFound, depositID.Hex())
	}
	if !d.NonFungible {
		return nil, ErrNotNonFungible
	}
	if d.Refunded {
		return nil, ErrAlreadyRefunded
	}
	if d.Claimed {
		return nil, ErrDepositClaimed
	}
	d.Claimed = true
	s.touch()
	if err := s.engine.bank.TransferNFT(s.ctx, s.tx, d.Asset, d.TokenID, s.bounty.Address, payee); err != nil {
		return nil, err
	}
	evt := withDeposit(s.event(EventTypeNonFungibleClaimed, caller.Address, nil), d)
	evt.Attributes[AttrPayee] = strings.ToLower(payee.Hex())
	s.emit(evt)
	return d.Clone(), nil
}

// ClaimNonFungibleMatching releases every outstanding NFT accepted by match.
func (s *Session) ClaimNonFungibleMatching(caller types.Caller, payee common.Address, match func(*Deposit) bool) ([]*Deposit, error) {
	var ids []common.Hash
	for _, d := range s.bounty.Deposits {
		if d.NonFungible && d.Outstanding() && (match == nil || match(d)) {
			ids = append(ids, d.ID)
		}
	}
	out := make([]*Deposit, 0, len(ids))
	for _, id := range ids {
		d, err := s.ClaimNonFungible(caller, payee, id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ClaimNonFungible releases an escrowed NFT. See Session.ClaimNonFungible.
func (e *Engine) ClaimNonFungible(ctx context.Context, caller types.Caller, bountyID string, payee common.Address, depositID common.Hash) (*Deposit, error) {
	var out *Deposit
	err := e.Transact(ctx, "claim_nft", bountyID, func(s *Session) error {
		var err error
		out, err = s.ClaimNonFungible(caller, payee, depositID)
		return err
	})
	return out, err
}
