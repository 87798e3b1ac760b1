package bounty

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/core/types"
)

// requireDepositor admits the deposit manager or the funder acting for
// itself.
func (s *Session) requireDepositor(caller types.Caller, funder common.Address) error {
	if caller.Has(types.RoleDepositManager) || caller.Address == funder {
		return nil
	}
	return fmt.Errorf("%w: %s required", ErrUnauthorized, types.RoleDepositManager)
}

func (s *Session) nextDepositID() (common.Hash, uint64) {
	seq := s.bounty.DepositSeq
	s.bounty.DepositSeq++
	return DepositID(s.bounty.ID, seq), seq
}

// ReceiveFunds escrows volume of a fungible asset from funder. The deposit
// records the amount that actually arrived, which is lower than volume for
// assets charging a transfer fee.
func (s *Session) ReceiveFunds(caller types.Caller, funder, asset common.Address, volume *big.Int, lockSeconds int64) (*Deposit, error) {
	if err := s.requireDepositor(caller, funder); err != nil {
		return nil, err
	}
	if volume == nil || volume.Sign() <= 0 {
		return nil, ErrZeroVolume
	}
	if lockSeconds <= 0 {
		return nil, ErrInvalidExpiration
	}
	if !s.engine.guard.IsAccepted(asset) {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotAccepted, asset.Hex())
	}
	if s.engine.bank.IsNonFungible(asset) {
		return nil, fmt.Errorf("%w: %s is non-fungible", ErrAssetNotAccepted, asset.Hex())
	}
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	received, err := s.engine.bank.Transfer(s.ctx, s.tx, asset, funder, s.bounty.Address, volume)
	if err != nil {
		return nil, err
	}
	if received.Sign() <= 0 {
		return nil, fmt.Errorf("%w: nothing received", ErrZeroVolume)
	}
	id, seq := s.nextDepositID()
	deposit := &Deposit{
		ID:          id,
		Sequence:    seq,
		Funder:      funder,
		Asset:       asset,
		Volume:      received,
		Remaining:   new(big.Int).Set(received),
		Tier:        NoTier,
		DepositTime: s.now,
		Expiration:  lockSeconds,
	}
	s.bounty.Deposits = append(s.bounty.Deposits, deposit)
	if !s.bounty.hasAsset(asset) {
		s.bounty.Assets = append(s.bounty.Assets, asset)
	}
	s.touch()
	evt := withDeposit(s.event(EventTypeDepositReceived, funder, nil), deposit)
	evt.Attributes["requested"] = volume.String()
	s.emit(evt)
	s.engine.metrics.AddDeposited(asset.Hex(), received)
	return deposit.Clone(), nil
}

// ReceiveNonFungible takes custody of an NFT. tierHint routes the token to a
// tier of a tiered bounty; NoTier leaves it unassigned.
func (s *Session) ReceiveNonFungible(caller types.Caller, funder, asset common.Address, tokenID *big.Int, lockSeconds int64, tierHint int) (*Deposit, error) {
	if err := s.requireDepositor(caller, funder); err != nil {
		return nil, err
	}
	if tokenID == nil || tokenID.Sign() < 0 {
		return nil, fmt.Errorf("%w: token id", ErrEmptyIdentifier)
	}
	if lockSeconds <= 0 {
		return nil, ErrInvalidExpiration
	}
	if !s.engine.guard.IsAccepted(asset) {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotAccepted, asset.Hex())
	}
	if !s.engine.bank.IsNonFungible(asset) {
		return nil, fmt.Errorf("%w: %s", ErrNotNonFungible, asset.Hex())
	}
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	if tierHint < NoTier {
		return nil, fmt.Errorf("%w: %d", ErrTierOutOfRange, tierHint)
	}
	if tierHint != NoTier && s.bounty.Variant.Tiered() {
		if _, err := s.bounty.Tier(tierHint); err != nil {
			return nil, err
		}
	}
	if s.bounty.OutstandingNonFungible() >= s.engine.nftCap {
		return nil, fmt.Errorf("%w: %d outstanding", ErrNonFungibleLimitReached, s.engine.nftCap)
	}
	id, seq := s.nextDepositID()
	deposit := &Deposit{
		ID:          id,
		Sequence:    seq,
		Funder:      funder,
		Asset:       asset,
		TokenID:     new(big.Int).Set(tokenID),
		Tier:        tierHint,
		NonFungible: true,
		DepositTime: s.now,
		Expiration:  lockSeconds,
	}
	s.bounty.Deposits = append(s.bounty.Deposits, deposit)
	s.touch()
	if err := s.engine.bank.TransferNFT(s.ctx, s.tx, asset, tokenID, funder, s.bounty.Address); err != nil {
		return nil, err
	}
	s.emit(withDeposit(s.event(EventTypeNonFungibleReceived, funder, nil), deposit))
	return deposit.Clone(), nil
}

// RefundDeposit returns an unlocked deposit to its funder. The deposit is
// marked refunded before the asset leaves escrow.
func (s *Session) RefundDeposit(caller types.Caller, depositID common.Hash, funder common.Address) (*Deposit, error) {
	d, ok := s.bounty.Deposit(depositID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDepositNotFound, depositID.Hex())
	}
	if d.Funder != funder {
		return nil, ErrNotFunder
	}
	if err := s.requireDepositor(caller, funder); err != nil {
		return nil, err
	}
	if s.now-d.DepositTime < d.Expiration {
		return nil, fmt.Errorf("%w: refundable at %d", ErrPrematureRefund, d.RefundableAt())
	}
	if d.Refunded {
		return nil, ErrAlreadyRefunded
	}
	if d.Claimed {
		return nil, ErrDepositClaimed
	}
	d.Refunded = true
	refunded := new(big.Int)
	if !d.NonFungible {
		refunded.Set(d.Remaining)
		d.Remaining = new(big.Int)
	}
	s.touch()

	if d.NonFungible {
		if err := s.engine.bank.TransferNFT(s.ctx, s.tx, d.Asset, d.TokenID, s.bounty.Address, funder); err != nil {
			return nil, err
		}
	} else if refunded.Sign() > 0 {
		if _, err := s.engine.bank.Transfer(s.ctx, s.tx, d.Asset, s.bounty.Address, funder, refunded); err != nil {
			return nil, err
		}
	}
	evt := withDeposit(s.event(EventTypeDepositRefunded, caller.Address, nil), d)
	if !d.NonFungible {
		evt.Attributes[AttrAmount] = refunded.String()
	}
	s.emit(evt)
	return d.Clone(), nil
}

// ExtendDeposit lengthens the lock of a deposit. Locks never shrink.
func (s *Session) ExtendDeposit(caller types.Caller, depositID common.Hash, extraSeconds int64, funder common.Address) (*Deposit, error) {
	d, ok := s.bounty.Deposit(depositID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDepositNotFound, depositID.Hex())
	}
	if d.Funder != funder {
		return nil, ErrNotFunder
	}
	if err := s.requireDepositor(caller, funder); err != nil {
		return nil, err
	}
	if extraSeconds <= 0 || d.Expiration > math.MaxInt64-extraSeconds {
		return nil, ErrInvalidExpiration
	}
	if d.Refunded {
		return nil, ErrAlreadyRefunded
	}
	if d.Claimed {
		return nil, ErrDepositClaimed
	}
	d.Expiration += extraSeconds
	s.touch()
	evt := withDeposit(s.event(EventTypeDepositExtended, caller.Address, nil), d)
	evt.Attributes["extension"] = strconv.FormatInt(extraSeconds, 10)
	s.emit(evt)
	return d.Clone(), nil
}

// ReceiveFunds escrows a fungible deposit. See Session.ReceiveFunds.
func (e *Engine) ReceiveFunds(ctx context.Context, caller types.Caller, bountyID string, funder, asset common.Address, volume *big.Int, lockSeconds int64) (*Deposit, error) {
	var out *Deposit
	err := e.Transact(ctx, "receive_funds", bountyID, func(s *Session) error {
		var err error
		out, err = s.ReceiveFunds(caller, funder, asset, volume, lockSeconds)
		return err
	})
	return out, err
}

// ReceiveNonFungible escrows an NFT deposit. See Session.ReceiveNonFungible.
func (e *Engine) ReceiveNonFungible(ctx context.Context, caller types.Caller, bountyID string, funder, asset common.Address, tokenID *big.Int, lockSeconds int64, tierHint int) (*Deposit, error) {
	var out *Deposit
	err := e.Transact(ctx, "receive_nft", bountyID, func(s *Session) error {
		var err error
		out, err = s.ReceiveNonFungible(caller, funder, asset, tokenID, lockSeconds, tierHint)
		return err
	})
	return out, err
}

// RefundDeposit refunds an unlocked deposit. See Session.RefundDeposit.
func (e *Engine) RefundDeposit(ctx context.Context, caller types.Caller, bountyID string, depositID common.Hash, funder common.Address) (*Deposit, error) {
	var out *Deposit
	err := e.Transact(ctx, "refund", bountyID, func(s *Session) error {
		var err error
		out, err = s.RefundDeposit(caller, depositID, funder)
		return err
	})
	return out, err
}

// ExtendDeposit lengthens a deposit lock. See Session.ExtendDeposit.
func (e *Engine) ExtendDeposit(ctx context.Context, caller types.Caller, bountyID string, depositID common.Hash, extraSeconds int64, funder common.Address) (*Deposit, error) {
	var out *Deposit
	err := e.Transact(ctx, "extend", bountyID, func(s *Session) error {
		var err error
		out, err = s.ExtendDeposit(caller, depositID, extraSeconds, funder)
		return err
	})
	return out, err
}
