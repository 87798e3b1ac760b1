package state

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"bountyescrow/core/events"
)

type nftMove struct {
	expected common.Address
	owner    common.Address
}

// Tx buffers the effects of one Update call. Nothing is visible to other
// callers until the surrounding Update commits.
type Tx struct {
	m    *Manager
	done bool

	writes     map[string][]byte
	writeOrder []string

	deltas       map[string]*big.Int
	balanceOrder []string

	nftMoves map[string]nftMove
	nftOrder []string

	events []events.Event
}

func newTx(m *Manager) *Tx {
	return &Tx{
		m:        m,
		writes:   make(map[string][]byte),
		deltas:   make(map[string]*big.Int),
		nftMoves: make(map[string]nftMove),
	}
}

func (tx *Tx) checkOpen() error {
	if tx == nil || tx.done {
		return ErrTxFinished
	}
	return nil
}

// Get decodes the value stored under key, preferring writes buffered in this
// transaction.
func (tx *Tx) Get(key string, out interface{}) (bool, error) {
	if err := tx.checkOpen(); err != nil {
		return false, err
	}
	if raw, ok := tx.writes[key]; ok {
		if raw == nil {
			return false, nil
		}
		if out == nil {
			return true, nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return false, fmt.Errorf("state: decode %s: %w", key, err)
		}
		return true, nil
	}
	return tx.m.Get(key, out)
}

// Has reports whether key holds a value.
func (tx *Tx) Has(key string) (bool, error) {
	return tx.Get(key, nil)
}

// Put buffers a JSON encoded write.
func (tx *Tx) Put(key string, value interface{}) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("state: key must not be empty")
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	tx.record(key, encoded)
	return nil
}

// Delete buffers removal of key.
func (tx *Tx) Delete(key string) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	tx.record(key, nil)
	return nil
}

func (tx *Tx) record(key string, value []byte) {
	if _, seen := tx.writes[key]; !seen {
		tx.writeOrder = append(tx.writeOrder, key)
	}
	tx.writes[key] = value
}

// Balance returns the committed balance adjusted by this transaction's
// pending deltas.
func (tx *Tx) Balance(asset, holder common.Address) (*big.Int, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	key := balanceKey(asset, holder)
	committed, err := tx.m.loadBalance(key)
	if err != nil {
		return nil, err
	}
	if delta, ok := tx.deltas[key]; ok {
		committed.Add(committed, delta)
	}
	return committed, nil
}

func (tx *Tx) adjust(asset, holder common.Address, delta *big.Int) {
	key := balanceKey(asset, holder)
	current, ok := tx.deltas[key]
	if !ok {
		current = new(big.Int)
		tx.deltas[key] = current
		tx.balanceOrder = append(tx.balanceOrder, key)
	}
	current.Add(current, delta)
}

// Credit increases holder's balance.
func (tx *Tx) Credit(asset, holder common.Address, amount *big.Int) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	tx.adjust(asset, holder, amount)
	return nil
}

// Debit decreases holder's balance, failing early when the visible balance
// cannot cover amount. The check is repeated at commit.
func (tx *Tx) Debit(asset, holder common.Address, amount *big.Int) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: debit amount must be non-negative")
	}
	balance, err := tx.Balance(asset, holder)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, holder.Hex(), balance, amount)
	}
	tx.adjust(asset, holder, new(big.Int).Neg(amount))
	return nil
}

// Move debits from and credits to in one step.
func (tx *Tx) Move(asset, from, to common.Address, amount *big.Int) error {
	if err := tx.Debit(asset, from, amount); err != nil {
		return err
	}
	return tx.Credit(asset, to, amount)
}

// OwnerOf returns the owner of a non-fungible token as seen by this
// transaction.
func (tx *Tx) OwnerOf(asset common.Address, tokenID *big.Int) (common.Address, bool, error) {
	if err := tx.checkOpen(); err != nil {
		return common.Address{}, false, err
	}
	key := nftKey(asset, tokenID)
	if move, ok := tx.nftMoves[key]; ok {
		return move.owner, true, nil
	}
	return tx.m.loadOwner(key)
}

// MoveNFT transfers custody of a non-fungible token. from must be the
// current owner; the zero address is only valid for unminted tokens.
func (tx *Tx) MoveNFT(asset common.Address, tokenID *big.Int, from, to common.Address) error {
	owner, _, err := tx.OwnerOf(asset, tokenID)
	if err != nil {
		return err
	}
	if owner != from {
		return fmt.Errorf("%w: %s", ErrNotTokenOwner, nftKey(asset, tokenID))
	}
	key := nftKey(asset, tokenID)
	move, ok := tx.nftMoves[key]
	if !ok {
		move.expected = owner
		tx.nftOrder = append(tx.nftOrder, key)
	}
	move.owner = to
	tx.nftMoves[key] = move
	return nil
}

// Emit buffers an event to be delivered after commit.
func (tx *Tx) Emit(evt events.Event) {
	if tx == nil || tx.done || evt == nil {
		return
	}
	tx.events = append(tx.events, evt)
}
