package state

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"bountyescrow/core/events"
	"bountyescrow/core/types"
	"bountyescrow/storage"
)

var (
	assetL = common.HexToAddress("0x1001")
	alice  = common.HexToAddress("0xa1")
	bob    = common.HexToAddress("0xb2")
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newManager(t *testing.T) (*Manager, *events.Recorder) {
	t.Helper()
	m := NewManager(storage.NewMemDB())
	rec := &events.Recorder{}
	m.SetEmitter(rec)
	return m, rec
}

func TestUpdateCommitsWritesAndEvents(t *testing.T) {
	m, rec := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Mint(ctx, assetL, alice, big.NewInt(500)))

	err := m.Update(ctx, "bounty/1", func(_ context.Context, tx *Tx) error {
		require.NoError(t, tx.Put("rec/1", record{Name: "one", Count: 1}))
		var got record
		ok, err := tx.Get("rec/1", &got)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 1, got.Count)

		require.NoError(t, tx.Move(assetL, alice, bob, big.NewInt(200)))
		bal, err := tx.Balance(assetL, bob)
		require.NoError(t, err)
		require.Equal(t, big.NewInt(200), bal)
		tx.Emit(&types.Event{Type: "moved"})
		require.Empty(t, rec.Events())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"moved"}, rec.Types())

	var stored record
	ok, err := m.Get("rec/1", &stored)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", stored.Name)

	bal, err := m.Balance(assetL, alice)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(300), bal)
}

func TestUpdateErrorDiscardsEverything(t *testing.T) {
	m, rec := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Mint(ctx, assetL, alice, big.NewInt(100)))
	rec.Reset()

	boom := errors.New("boom")
	err := m.Update(ctx, "bounty/1", func(_ context.Context, tx *Tx) error {
		require.NoError(t, tx.Put("rec/1", record{Name: "x"}))
		require.NoError(t, tx.Move(assetL, alice, bob, big.NewInt(100)))
		tx.Emit(&types.Event{Type: "never"})
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Empty(t, rec.Events())

	ok, err := m.Get("rec/1", nil)
	require.NoError(t, err)
	require.False(t, ok)
	bal, err := m.Balance(assetL, alice)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), bal)
}

func TestDebitRejectsOverdraft(t *testing.T) {
	m, _ := newManager(t)
	err := m.Update(context.Background(), "k", func(_ context.Context, tx *Tx) error {
		return tx.Debit(assetL, alice, big.NewInt(1))
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestNestedUpdateFailsOnAnyKey(t *testing.T) {
	m, rec := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Mint(ctx, assetL, alice, big.NewInt(100)))
	rec.Reset()

	var same, other, mint error
	err := m.Update(ctx, "bounty/1", func(ctx context.Context, tx *Tx) error {
		require.NoError(t, tx.Move(assetL, alice, bob, big.NewInt(40)))
		same = m.Update(ctx, "bounty/1", func(context.Context, *Tx) error { return nil })
		other = m.Update(ctx, "bounty/2", func(_ context.Context, inner *Tx) error {
			return inner.Put("rec/2", record{Name: "inner"})
		})
		mint = m.Mint(ctx, assetL, bob, big.NewInt(7))
		return errors.New("outer aborts")
	})
	require.EqualError(t, err, "outer aborts")
	require.ErrorIs(t, same, ErrReentrantCall)
	require.ErrorIs(t, other, ErrReentrantCall)
	require.ErrorIs(t, mint, ErrReentrantCall)

	ok, err := m.Get("rec/2", nil)
	require.NoError(t, err)
	require.False(t, ok)
	bal, err := m.Balance(assetL, bob)
	require.NoError(t, err)
	require.Zero(t, bal.Sign())
	require.Empty(t, rec.Events())
}

func TestLockEntriesReleasedAfterUse(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		key := "bounty/" + big.NewInt(int64(i)).String()
		require.NoError(t, m.Update(ctx, key, func(context.Context, *Tx) error { return nil }))
	}
	require.NoError(t, m.Mint(ctx, assetL, alice, big.NewInt(1)))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.Update(ctx, "bounty/x", func(context.Context, *Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, m.Update(cancelled, "bounty/x", func(context.Context, *Tx) error { return nil }), context.Canceled)
	m.locksMu.Lock()
	require.Len(t, m.locks, 1)
	require.Equal(t, 1, m.locks["bounty/x"].refs)
	m.locksMu.Unlock()

	close(release)
	require.NoError(t, <-done)
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	require.Empty(t, m.locks)
}

func TestUpdateRespectsContextWhileWaiting(t *testing.T) {
	m, _ := newManager(t)
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.Update(context.Background(), "bounty/1", func(context.Context, *Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Update(ctx, "bounty/1", func(context.Context, *Tx) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	close(release)
}

func TestConcurrentDebitsValidatedAtCommit(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Mint(ctx, assetL, alice, big.NewInt(100)))

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "bounty/" + big.NewInt(int64(i)).String()
			results <- m.Update(ctx, key, func(_ context.Context, tx *Tx) error {
				return tx.Move(assetL, alice, bob, big.NewInt(30))
			})
		}(i)
	}
	wg.Wait()
	close(results)
	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrInsufficientBalance)
	}
	require.Equal(t, 3, succeeded)
	bal, err := m.Balance(assetL, alice)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(10), bal)
}

func TestNFTCustody(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	token := big.NewInt(7)
	require.NoError(t, m.MintNFT(ctx, assetL, token, alice))
	require.ErrorIs(t, m.MintNFT(ctx, assetL, token, bob), ErrTokenExists)

	err := m.Update(ctx, "k", func(_ context.Context, tx *Tx) error {
		return tx.MoveNFT(assetL, token, bob, alice)
	})
	require.ErrorIs(t, err, ErrNotTokenOwner)

	require.NoError(t, m.Update(ctx, "k", func(_ context.Context, tx *Tx) error {
		return tx.MoveNFT(assetL, token, alice, bob)
	}))
	owner, ok, err := m.OwnerOf(assetL, token)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bob, owner)
}

func TestScanCommittedKeys(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.Update(context.Background(), "k", func(_ context.Context, tx *Tx) error {
		require.NoError(t, tx.Put("idx/a", 1))
		require.NoError(t, tx.Put("idx/b", 2))
		require.NoError(t, tx.Delete("idx/b"))
		return nil
	}))
	var keys []string
	require.NoError(t, m.Scan("idx/", func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	}))
	require.Equal(t, []string{"idx/a"}, keys)
}
