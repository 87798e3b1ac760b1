package assets

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/core/state"
)

const maxFeeBps = 10_000

var (
	// ErrNonFungibleAsset is returned when a fungible transfer targets an NFT
	// contract.
	ErrNonFungibleAsset = errors.New("assets: asset is non-fungible")
	// ErrFungibleAsset is returned when an NFT transfer targets a fungible
	// asset.
	ErrFungibleAsset = errors.New("assets: asset is fungible")
	// ErrInvalidFee is returned for fee rates outside [0, 10000] bps.
	ErrInvalidFee = errors.New("assets: transfer fee out of range")
	// ErrInvalidAmount is returned for nil or non-positive amounts.
	ErrInvalidAmount = errors.New("assets: amount must be positive")
)

// Movement describes a completed transfer handed to a hook.
type Movement struct {
	Asset    common.Address
	From     common.Address
	To       common.Address
	Amount   *big.Int
	TokenID  *big.Int
	Received *big.Int
}

// TransferHook runs after a transfer has been booked in the transaction. It
// models asset contracts that execute code on receipt; returning an error
// aborts the surrounding transaction.
type TransferHook func(ctx context.Context, move Movement) error

// Definition describes how the bank moves one asset.
type Definition struct {
	Address        common.Address
	Symbol         string
	NonFungible    bool
	TransferFeeBps uint32
	Hook           TransferHook
}

// Bank executes asset transfers inside state transactions.
type Bank struct {
	mu          sync.RWMutex
	definitions map[common.Address]Definition
}

// NewBank returns a bank that knows the native asset.
func NewBank() *Bank {
	return &Bank{definitions: map[common.Address]Definition{
		NativeAsset: {Address: NativeAsset, Symbol: "NATIVE"},
	}}
}

// Register adds or replaces an asset definition.
func (b *Bank) Register(def Definition) error {
	if def.TransferFeeBps > maxFeeBps {
		return fmt.Errorf("%w: %d", ErrInvalidFee, def.TransferFeeBps)
	}
	if def.NonFungible && def.TransferFeeBps != 0 {
		return fmt.Errorf("%w: non-fungible assets carry no fee", ErrInvalidFee)
	}
	def.Symbol = strings.ToUpper(strings.TrimSpace(def.Symbol))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.definitions[def.Address] = def
	return nil
}

// SetHook attaches a transfer hook to a registered asset.
func (b *Bank) SetHook(asset common.Address, hook TransferHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	def := b.definitions[asset]
	def.Address = asset
	def.Hook = hook
	b.definitions[asset] = def
}

// Definition returns the definition registered for asset. Unknown assets
// behave as plain fungible assets without fees.
func (b *Bank) Definition(asset common.Address) Definition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if def, ok := b.definitions[asset]; ok {
		return def
	}
	return Definition{Address: asset}
}

// IsNonFungible reports whether asset is registered as an NFT contract.
func (b *Bank) IsNonFungible(asset common.Address) bool {
	return b.Definition(asset).NonFungible
}

// Transfer moves amount of a fungible asset and returns the amount the
// recipient actually received after the asset's transfer fee, which is
// burnt.
func (b *Bank) Transfer(ctx context.Context, tx *state.Tx, asset, from, to common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	def := b.Definition(asset)
	if def.NonFungible {
		return nil, fmt.Errorf("%w: %s", ErrNonFungibleAsset, asset.Hex())
	}
	fee := new(big.Int)
	if def.TransferFeeBps > 0 {
		fee.Mul(amount, big.NewInt(int64(def.TransferFeeBps)))
		fee.Quo(fee, big.NewInt(maxFeeBps))
	}
	received := new(big.Int).Sub(amount, fee)
	if err := tx.Debit(asset, from, amount); err != nil {
		return nil, err
	}
	if err := tx.Credit(asset, to, received); err != nil {
		return nil, err
	}
	if def.Hook != nil {
		move := Movement{Asset: asset, From: from, To: to, Amount: new(big.Int).Set(amount), Received: new(big.Int).Set(received)}
		if err := def.Hook(ctx, move); err != nil {
			return nil, err
		}
	}
	return received, nil
}

// TransferNFT moves custody of a non-fungible token.
func (b *Bank) TransferNFT(ctx context.Context, tx *state.Tx, asset common.Address, tokenID *big.Int, from, to common.Address) error {
	if tokenID == nil || tokenID.Sign() < 0 {
		return fmt.Errorf("assets: token id must be non-negative")
	}
	def := b.Definition(asset)
	if !def.NonFungible {
		return fmt.Errorf("%w: %s", ErrFungibleAsset, asset.Hex())
	}
	if err := tx.MoveNFT(asset, tokenID, from, to); err != nil {
		return err
	}
	if def.Hook != nil {
		move := Movement{Asset: asset, From: from, To: to, TokenID: new(big.Int).Set(tokenID)}
		if err := def.Hook(ctx, move); err != nil {
			return err
		}
	}
	return nil
}
