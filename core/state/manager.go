package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"bountyescrow/core/events"
	"bountyescrow/storage"
)

var (
	// ErrInsufficientBalance is returned when a debit would drive a balance
	// below zero.
	ErrInsufficientBalance = errors.New("state: insufficient balance")
	// ErrNotTokenOwner is returned when a non-fungible transfer names a sender
	// that does not hold the token.
	ErrNotTokenOwner = errors.New("state: token not owned by sender")
	// ErrTokenExists is returned when minting a non-fungible token id twice.
	ErrTokenExists = errors.New("state: token already minted")
	// ErrReentrantCall is returned when a transaction is opened from inside
	// another one, for example by a transfer hook.
	ErrReentrantCall = errors.New("state: reentrant call")
	// ErrTxFinished is returned when a transaction is used after commit.
	ErrTxFinished = errors.New("state: transaction finished")
)

const (
	balancePrefix = "bal/"
	nftPrefix     = "nft/"
)

// Manager hosts every bounty's state over a key-value database. Mutations run
// inside Update, which serialises callers sharing a lock key and applies all
// buffered effects in one storage batch. Events buffered by the transaction
// are only emitted after the batch is durable.
type Manager struct {
	db      storage.Database
	emitter events.Emitter

	commitMu sync.Mutex

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		emitter: events.NoopEmitter{},
		locks:   make(map[string]*keyLock),
	}
}

// SetEmitter configures the emitter receiving committed events. Passing nil
// resets it to a no-op emitter.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

type activeTxCtx struct{}

// acquire takes the lock for key, registering the entry on first use.
func (m *Manager) acquire(ctx context.Context, key string) error {
	m.locksMu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = lock
	}
	lock.refs++
	m.locksMu.Unlock()

	select {
	case lock.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.unref(key, lock)
		return ctx.Err()
	}
}

func (m *Manager) release(key string) {
	m.locksMu.Lock()
	lock := m.locks[key]
	m.locksMu.Unlock()
	<-lock.ch
	m.unref(key, lock)
}

// unref drops the entry for key once no caller holds or awaits it.
func (m *Manager) unref(key string, lock *keyLock) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(m.locks, key)
	}
}

// Update runs fn inside a transaction holding lockKey. Any error returned by
// fn discards every buffered effect. Transactions do not nest: an Update
// issued from within fn (for example through a transfer hook) fails with
// ErrReentrantCall whatever its key, so a failing outer transaction never
// leaves an inner commit behind.
func (m *Manager) Update(ctx context.Context, lockKey string, fn func(context.Context, *Tx) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	lockKey = strings.TrimSpace(lockKey)
	if lockKey == "" {
		return fmt.Errorf("state: lock key must not be empty")
	}
	if outer, ok := ctx.Value(activeTxCtx{}).(string); ok {
		return fmt.Errorf("%w: %s inside %s", ErrReentrantCall, lockKey, outer)
	}
	if err := m.acquire(ctx, lockKey); err != nil {
		return err
	}
	defer m.release(lockKey)

	txCtx := context.WithValue(ctx, activeTxCtx{}, lockKey)
	tx := newTx(m)
	if err := fn(txCtx, tx); err != nil {
		tx.done = true
		return err
	}
	emitted, err := m.commit(tx)
	if err != nil {
		return err
	}
	for _, evt := range emitted {
		m.emitter.Emit(evt)
	}
	return nil
}

func (m *Manager) commit(tx *Tx) ([]events.Event, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if tx.done {
		return nil, ErrTxFinished
	}
	tx.done = true

	batch := m.db.NewBatch()
	for _, key := range tx.balanceOrder {
		committed, err := m.loadBalance(key)
		if err != nil {
			return nil, err
		}
		next := new(big.Int).Add(committed, tx.deltas[key])
		if next.Sign() < 0 {
			return nil, fmt.Errorf("%w: %s", ErrInsufficientBalance, key)
		}
		encoded, err := rlp.EncodeToBytes(next)
		if err != nil {
			return nil, err
		}
		batch.Put([]byte(key), encoded)
	}
	for _, key := range tx.nftOrder {
		move := tx.nftMoves[key]
		owner, _, err := m.loadOwner(key)
		if err != nil {
			return nil, err
		}
		if owner != move.expected {
			return nil, fmt.Errorf("%w: %s", ErrNotTokenOwner, key)
		}
		batch.Put([]byte(key), move.owner.Bytes())
	}
	for _, key := range tx.writeOrder {
		value := tx.writes[key]
		if value == nil {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), value)
	}
	if batch.Len() > 0 {
		if err := batch.Write(); err != nil {
			return nil, err
		}
	}
	return tx.events, nil
}

func (m *Manager) loadBalance(key string) (*big.Int, error) {
	raw, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(raw, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

func (m *Manager) loadOwner(key string) (common.Address, bool, error) {
	raw, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, err
	}
	return common.BytesToAddress(raw), true, nil
}

// Get decodes the committed JSON value stored under key into out.
func (m *Manager) Get(key string, out interface{}) (bool, error) {
	raw, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

// Scan walks committed keys sharing prefix in ascending order.
func (m *Manager) Scan(prefix string, fn func(key string, raw []byte) bool) error {
	return m.db.Iterate([]byte(prefix), func(key, value []byte) bool {
		return fn(string(key), value)
	})
}

// Balance returns the committed fungible balance of holder in asset.
func (m *Manager) Balance(asset, holder common.Address) (*big.Int, error) {
	return m.loadBalance(balanceKey(asset, holder))
}

// OwnerOf returns the committed owner of a non-fungible token.
func (m *Manager) OwnerOf(asset common.Address, tokenID *big.Int) (common.Address, bool, error) {
	return m.loadOwner(nftKey(asset, tokenID))
}

// Mint credits amount of asset to holder. It backs the operator faucet and
// test fixtures; production funding arrives through the asset bank.
func (m *Manager) Mint(ctx context.Context, asset, holder common.Address, amount *big.Int) error {
	return m.Update(ctx, "mint/"+strings.ToLower(asset.Hex()), func(_ context.Context, tx *Tx) error {
		return tx.Credit(asset, holder, amount)
	})
}

// MintNFT assigns a fresh non-fungible token to holder.
func (m *Manager) MintNFT(ctx context.Context, asset common.Address, tokenID *big.Int, holder common.Address) error {
	return m.Update(ctx, "mint/"+strings.ToLower(asset.Hex()), func(_ context.Context, tx *Tx) error {
		_, exists, err := tx.OwnerOf(asset, tokenID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrTokenExists, nftKey(asset, tokenID))
		}
		return tx.MoveNFT(asset, tokenID, common.Address{}, holder)
	})
}

func balanceKey(asset, holder common.Address) string {
	return balancePrefix + strings.ToLower(asset.Hex()) + "/" + strings.ToLower(holder.Hex())
}

func nftKey(asset common.Address, tokenID *big.Int) string {
	id := "0"
	if tokenID != nil {
		id = tokenID.String()
	}
	return nftPrefix + strings.ToLower(asset.Hex()) + "/" + id
}
