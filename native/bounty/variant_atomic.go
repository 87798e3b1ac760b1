package bounty

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/core/types"
)

// Close finalises an atomic bounty in favour of winner.
func (s *Session) Close(caller types.Caller, winner common.Address, evidence []byte) error {
	if err := s.requireRole(caller, types.RoleClaimManager); err != nil {
		return err
	}
	if err := s.requireVariant(VariantAtomic); err != nil {
		return err
	}
	if s.bounty.Status == StatusClosed {
		return ErrAlreadyClosed
	}
	if winner == (common.Address{}) {
		return fmt.Errorf("%w: winner", ErrEmptyIdentifier)
	}
	s.bounty.Status = StatusClosed
	s.bounty.Closer = winner
	s.bounty.ClosedAt = s.now
	s.bounty.CloserEvidence = append([]byte(nil), evidence...)
	s.touch()
	evt := s.event(EventTypeClosed, caller.Address, evidence)
	evt.Attributes["closer"] = strings.ToLower(winner.Hex())
	s.emit(evt)
	return nil
}

// ClaimBalance pays the whole escrowed balance of asset to the winner of a
// closed atomic bounty.
func (s *Session) ClaimBalance(caller types.Caller, payee, asset common.Address) (*big.Int, error) {
	if err := s.requireRole(caller, types.RoleClaimManager); err != nil {
		return nil, err
	}
	if err := s.requireVariant(VariantAtomic); err != nil {
		return nil, err
	}
	if s.bounty.Status != StatusClosed {
		return nil, ErrNotClosed
	}
	if payee != s.bounty.Closer {
		return nil, fmt.Errorf("%w: payee is not the closer", ErrUnauthorized)
	}
	amount := s.bounty.Escrowed(asset)
	if amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNothingToClaim, asset.Hex())
	}
	if err := s.pay(caller, payee, asset, amount, NoTier, s.bounty.CloserEvidence); err != nil {
		return nil, err
	}
	return amount, nil
}

// ClaimAllBalances pays every escrowed fungible asset to the winner and
// returns the amounts paid per asset.
func (s *Session) ClaimAllBalances(caller types.Caller, payee common.Address) (map[common.Address]*big.Int, error) {
	paid := make(map[common.Address]*big.Int)
	for _, asset := range s.bounty.Assets {
		if s.bounty.Escrowed(asset).Sign() == 0 {
			continue
		}
		amount, err := s.ClaimBalance(caller, payee, asset)
		if err != nil {
			return nil, err
		}
		paid[asset] = amount
	}
	return paid, nil
}

// Close finalises an atomic bounty. See Session.Close.
func (e *Engine) Close(ctx context.Context, caller types.Caller, bountyID string, winner common.Address, evidence []byte) error {
	return e.Transact(ctx, "close", bountyID, func(s *Session) error {
		return s.Close(caller, winner, evidence)
	})
}

// ClaimBalance pays an atomic bounty's balance. See Session.ClaimBalance.
func (e *Engine) ClaimBalance(ctx context.Context, caller types.Caller, bountyID string, payee, asset common.Address) (*big.Int, error) {
	var out *big.Int
	err := e.Transact(ctx, "claim_balance", bountyID, func(s *Session) error {
		var err error
		out, err = s.ClaimBalance(caller, payee, asset)
		return err
	})
	return out, err
}
