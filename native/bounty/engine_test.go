package bounty

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"bountyescrow/core/events"
	"bountyescrow/core/state"
	"bountyescrow/core/types"
	"bountyescrow/native/assets"
	nativecommon "bountyescrow/native/common"
	"bountyescrow/storage"
)

var (
	assetL   = common.HexToAddress("0x00000000000000000000000000000000000010aa")
	assetD   = common.HexToAddress("0x00000000000000000000000000000000000010bb")
	assetFee = common.HexToAddress("0x00000000000000000000000000000000000010cc")
	assetNFT = common.HexToAddress("0x00000000000000000000000000000000000020aa")
	unlisted = common.HexToAddress("0x00000000000000000000000000000000000099ff")

	issuerAddr  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	funderAddr  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	funder2Addr = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	winnerAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	secondAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	managerAddr = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	engine   *Engine
	state    *state.Manager
	bank     *assets.Bank
	recorder *events.Recorder
	now      int64

	issuer  types.Caller
	funder  types.Caller
	funder2 types.Caller
	manager types.Caller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := state.NewManager(storage.NewMemDB())
	rec := &events.Recorder{}
	st.SetEmitter(rec)
	bank := assets.NewBank()
	require.NoError(t, bank.Register(assets.Definition{Address: assetL, Symbol: "L"}))
	require.NoError(t, bank.Register(assets.Definition{Address: assetD, Symbol: "D"}))
	require.NoError(t, bank.Register(assets.Definition{Address: assetFee, Symbol: "FEE", TransferFeeBps: 500}))
	require.NoError(t, bank.Register(assets.Definition{Address: assetNFT, Symbol: "ART", NonFungible: true}))
	guard := assets.NewGuard(assetL, assetD, assetFee, assetNFT)

	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		state:    st,
		bank:     bank,
		recorder: rec,
		now:      1_700_000_000,
		issuer:   types.NewCaller(issuerAddr),
		funder:   types.NewCaller(funderAddr),
		funder2:  types.NewCaller(funder2Addr),
		manager:  types.NewCaller(managerAddr, types.RoleClaimManager, types.RoleDepositManager),
	}
	f.engine = NewEngine(st, bank, guard)
	f.engine.SetNowFunc(func() int64 { return f.now })

	for _, holder := range []common.Address{funderAddr, funder2Addr} {
		for _, asset := range []common.Address{assetL, assetD, assetFee} {
			require.NoError(t, st.Mint(f.ctx, asset, holder, big.NewInt(1_000_000)))
		}
	}
	return f
}

func (f *fixture) mint(id string, params MintParams) *Bounty {
	f.t.Helper()
	params.ID = id
	if params.Organization == "" {
		params.Organization = "acme"
	}
	b, err := f.engine.MintBounty(f.ctx, f.issuer, params)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) deposit(id string, funder types.Caller, asset common.Address, volume int64, lock int64) *Deposit {
	f.t.Helper()
	d, err := f.engine.ReceiveFunds(f.ctx, funder, id, funder.Address, asset, big.NewInt(volume), lock)
	require.NoError(f.t, err)
	return d
}

func (f *fixture) balanceOf(asset, holder common.Address) *big.Int {
	f.t.Helper()
	bal, err := f.state.Balance(asset, holder)
	require.NoError(f.t, err)
	return bal
}

func (f *fixture) requireConservation(id string) {
	f.t.Helper()
	b, err := f.engine.GetBounty(id)
	require.NoError(f.t, err)
	for _, asset := range b.Assets {
		require.Equal(f.t, 0, f.balanceOf(asset, b.Address).Cmp(b.Escrowed(asset)),
			"asset %s: balance %s escrowed %s", asset.Hex(), f.balanceOf(asset, b.Address), b.Escrowed(asset))
	}
}

func bigs(values ...int64) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return out
}

func TestMintValidatesAndRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	b := f.mint("b-1", MintParams{Variant: VariantAtomic, FundingGoal: &FundingGoal{Asset: assetL, Volume: big.NewInt(100)}})
	require.Equal(t, AddressFor("b-1"), b.Address)
	require.Equal(t, issuerAddr, b.Issuer)
	require.True(t, b.IsOpen())

	_, err := f.engine.MintBounty(f.ctx, f.issuer, MintParams{ID: "b-1", Organization: "acme", Variant: VariantAtomic})
	require.ErrorIs(t, err, ErrBountyAlreadyExists)

	_, err = f.engine.MintBounty(f.ctx, f.issuer, MintParams{ID: " ", Organization: "acme", Variant: VariantAtomic})
	require.ErrorIs(t, err, ErrEmptyIdentifier)
	_, err = f.engine.MintBounty(f.ctx, f.issuer, MintParams{ID: "b-2", Organization: "acme"})
	require.ErrorIs(t, err, ErrInvalidVariant)
	_, err = f.engine.MintBounty(f.ctx, f.issuer, MintParams{ID: "b-2", Organization: "acme", Variant: VariantTieredPercentage, Schedule: bigs(50, 40)})
	require.ErrorIs(t, err, ErrScheduleMustSum100)
	_, err = f.engine.MintBounty(f.ctx, f.issuer, MintParams{ID: "b-2", Organization: "acme", Variant: VariantTieredFixed, PayoutAsset: unlisted, Schedule: bigs(1)})
	require.ErrorIs(t, err, ErrAssetNotAccepted)

	id, err := f.engine.AddressToBountyID(b.Address)
	require.NoError(t, err)
	require.Equal(t, "b-1", id)
	addr, err := f.engine.BountyIDToAddress("b-1")
	require.NoError(t, err)
	require.Equal(t, b.Address, addr)
	_, err = f.engine.BountyIDToAddress("missing")
	require.ErrorIs(t, err, ErrBountyNotFound)
	require.Equal(t, []string{EventTypeMinted}, f.recorder.Types())
}

func TestAtomicScenario(t *testing.T) {
	f := newFixture(t)
	b := f.mint("atomic", MintParams{Variant: VariantAtomic, FundingGoal: &FundingGoal{Asset: assetL, Volume: big.NewInt(100)}})
	f.deposit("atomic", f.funder, assetL, 100, 3600)
	f.deposit("atomic", f.funder2, assetD, 100, 3600)
	f.requireConservation("atomic")

	progress, err := f.engine.FundingProgress("atomic")
	require.NoError(t, err)
	require.True(t, progress.Reached)

	_, err = f.engine.ClaimBalance(f.ctx, f.manager, "atomic", winnerAddr, assetL)
	require.ErrorIs(t, err, ErrNotClosed)
	require.ErrorIs(t, f.engine.Close(f.ctx, f.funder, "atomic", winnerAddr, []byte("pr#1")), ErrUnauthorized)
	require.NoError(t, f.engine.Close(f.ctx, f.manager, "atomic", winnerAddr, []byte("pr#1")))
	require.ErrorIs(t, f.engine.Close(f.ctx, f.manager, "atomic", winnerAddr, nil), ErrAlreadyClosed)

	_, err = f.engine.ReceiveFunds(f.ctx, f.funder, "atomic", funderAddr, assetL, big.NewInt(1), 10)
	require.ErrorIs(t, err, ErrContractClosed)

	paid, err := f.engine.ClaimBalance(f.ctx, f.manager, "atomic", winnerAddr, assetL)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), paid)
	require.Equal(t, big.NewInt(100), f.balanceOf(assetL, winnerAddr))
	require.Zero(t, f.balanceOf(assetL, b.Address).Sign())

	paid, err = f.engine.ClaimBalance(f.ctx, f.manager, "atomic", winnerAddr, assetD)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), paid)
	require.Equal(t, big.NewInt(100), f.balanceOf(assetD, winnerAddr))

	_, err = f.engine.ClaimBalance(f.ctx, f.manager, "atomic", winnerAddr, assetL)
	require.ErrorIs(t, err, ErrNothingToClaim)
	_, err = f.engine.ClaimBalance(f.ctx, f.manager, "atomic", secondAddr, assetL)
	require.ErrorIs(t, err, ErrUnauthorized)
	f.requireConservation("atomic")

	deposits, err := f.engine.Deposits("atomic")
	require.NoError(t, err)
	for _, d := range deposits {
		require.True(t, d.Claimed)
		require.False(t, d.Refunded)
	}
}

func TestTieredFixedScenario(t *testing.T) {
	f := newFixture(t)
	f.mint("fixed", MintParams{Variant: VariantTieredFixed, PayoutAsset: assetL, Schedule: bigs(80, 20)})
	f.deposit("fixed", f.funder, assetL, 1000, 3600)

	require.ErrorIs(t, f.engine.CloseCompetition(f.ctx, f.manager, "fixed"), ErrNotIssuer)
	require.NoError(t, f.engine.CloseCompetition(f.ctx, f.issuer, "fixed"))

	paid, err := f.engine.ClaimTieredFixed(f.ctx, f.manager, "fixed", winnerAddr, 0)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(80), paid)
	paid, err = f.engine.ClaimTieredFixed(f.ctx, f.manager, "fixed", secondAddr, 1)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(20), paid)
	require.Equal(t, big.NewInt(80), f.balanceOf(assetL, winnerAddr))
	require.Equal(t, big.NewInt(20), f.balanceOf(assetL, secondAddr))

	_, err = f.engine.ClaimTieredFixed(f.ctx, f.manager, "fixed", secondAddr, 0)
	require.ErrorIs(t, err, ErrTierAlreadyClaimed)
	_, err = f.engine.ClaimTieredFixed(f.ctx, f.manager, "fixed", secondAddr, 2)
	require.ErrorIs(t, err, ErrTierOutOfRange)

	claimed, err := f.engine.TierClaimed("fixed", 0)
	require.NoError(t, err)
	require.True(t, claimed)
	b, err := f.engine.GetBounty("fixed")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(900), b.Escrowed(assetL))
	f.requireConservation("fixed")
}

func TestOngoingScenario(t *testing.T) {
	f := newFixture(t)
	b := f.mint("ongoing", MintParams{Variant: VariantOngoing, PayoutAsset: assetL, PayoutVolume: big.NewInt(100)})
	f.deposit("ongoing", f.funder, assetL, 300, 3600)

	first := Evidence{Payee: winnerAddr, ExternalID: "gh:alice", SourceRef: "acme/repo#1"}
	second := Evidence{Payee: secondAddr, ExternalID: "gh:bob", SourceRef: "acme/repo#2"}
	_, err := f.engine.ClaimOngoingPayout(f.ctx, f.manager, "ongoing", winnerAddr, first)
	require.NoError(t, err)
	_, err = f.engine.ClaimOngoingPayout(f.ctx, f.manager, "ongoing", secondAddr, second)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), f.balanceOf(assetL, b.Address))

	_, err = f.engine.ClaimOngoingPayout(f.ctx, f.manager, "ongoing", winnerAddr, first)
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	require.Equal(t, big.NewInt(100), f.balanceOf(assetL, b.Address))

	open, err := f.engine.BountyIsOpen("ongoing")
	require.NoError(t, err)
	require.True(t, open)

	require.NoError(t, f.engine.SetPayout(f.ctx, f.issuer, "ongoing", assetL, big.NewInt(50)))
	require.ErrorIs(t, f.engine.CloseOngoing(f.ctx, f.funder, "ongoing"), ErrNotIssuer)
	require.NoError(t, f.engine.CloseOngoing(f.ctx, f.issuer, "ongoing"))
	require.ErrorIs(t, f.engine.CloseOngoing(f.ctx, f.issuer, "ongoing"), ErrAlreadyClosed)
	require.ErrorIs(t, f.engine.SetPayout(f.ctx, f.issuer, "ongoing", assetL, big.NewInt(10)), ErrContractClosed)
	f.requireConservation("ongoing")
}

func TestTieredPercentageFreezesTotalsAndTracksAssets(t *testing.T) {
	f := newFixture(t)
	f.mint("pct", MintParams{Variant: VariantTieredPercentage, Schedule: bigs(70, 30)})
	f.deposit("pct", f.funder, assetL, 1000, 3600)
	f.deposit("pct", f.funder2, assetD, 333, 3600)

	_, err := f.engine.ClaimTiered(f.ctx, f.manager, "pct", winnerAddr, 0, assetL)
	require.ErrorIs(t, err, ErrNotClosed)
	require.NoError(t, f.engine.CloseCompetition(f.ctx, f.issuer, "pct"))

	paid, err := f.engine.ClaimTiered(f.ctx, f.manager, "pct", winnerAddr, 0, assetL)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(700), paid)
	claimed, err := f.engine.TierClaimed("pct", 0)
	require.NoError(t, err)
	require.False(t, claimed)

	_, err = f.engine.ClaimTiered(f.ctx, f.manager, "pct", winnerAddr, 0, assetL)
	require.ErrorIs(t, err, ErrTierAlreadyClaimed)

	paid, err = f.engine.ClaimTiered(f.ctx, f.manager, "pct", winnerAddr, 0, assetD)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(233), paid)
	claimed, err = f.engine.TierClaimed("pct", 0)
	require.NoError(t, err)
	require.True(t, claimed)

	// Tier 1 is computed from the frozen totals, not the remaining balance.
	err = f.engine.Transact(f.ctx, "claim", "pct", func(s *Session) error {
		paid, err := s.ClaimTierAllAssets(f.manager, secondAddr, 1, nil)
		require.NoError(t, err)
		require.Equal(t, big.NewInt(300), paid[assetL])
		require.Equal(t, big.NewInt(99), paid[assetD])
		return nil
	})
	require.NoError(t, err)
	claimed, err = f.engine.TierClaimed("pct", 1)
	require.NoError(t, err)
	require.True(t, claimed)
	f.requireConservation("pct")

	b, err := f.engine.GetBounty("pct")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1), b.Escrowed(assetD))
}

func TestSchedulesMustSumToExactly100(t *testing.T) {
	f := newFixture(t)
	f.mint("pct", MintParams{Variant: VariantTieredPercentage, Schedule: bigs(100)})
	for _, schedule := range [][]*big.Int{
		bigs(99),
		bigs(101),
		bigs(50, 49),
		bigs(49, 50),
		bigs(34, 33, 32),
		bigs(120, -20),
		{},
	} {
		err := f.engine.SetPayoutSchedule(f.ctx, f.issuer, "pct", schedule)
		require.Error(t, err)
		if len(schedule) > 0 {
			require.ErrorIs(t, err, ErrScheduleMustSum100)
		}
	}
	for _, schedule := range [][]*big.Int{bigs(34, 33, 33), bigs(33, 34, 33), bigs(0, 100), bigs(25, 25, 25, 25)} {
		require.NoError(t, f.engine.SetPayoutSchedule(f.ctx, f.issuer, "pct", schedule))
	}
	require.ErrorIs(t, f.engine.SetPayoutSchedule(f.ctx, f.funder, "pct", bigs(100)), ErrNotIssuer)
}

func TestRefundTiming(t *testing.T) {
	f := newFixture(t)
	b := f.mint("refund", MintParams{Variant: VariantAtomic})
	d := f.deposit("refund", f.funder, assetL, 500, 600)

	_, err := f.engine.RefundDeposit(f.ctx, f.funder2, "refund", d.ID, funder2Addr)
	require.ErrorIs(t, err, ErrNotFunder)
	_, err = f.engine.RefundDeposit(f.ctx, f.funder, "refund", d.ID, funderAddr)
	require.ErrorIs(t, err, ErrPrematureRefund)

	f.now += 599
	_, err = f.engine.RefundDeposit(f.ctx, f.funder, "refund", d.ID, funderAddr)
	require.ErrorIs(t, err, ErrPrematureRefund)

	f.now++
	refunded, err := f.engine.RefundDeposit(f.ctx, f.funder, "refund", d.ID, funderAddr)
	require.NoError(t, err)
	require.True(t, refunded.Refunded)
	require.Equal(t, big.NewInt(1_000_000), f.balanceOf(assetL, funderAddr))
	require.Zero(t, f.balanceOf(assetL, b.Address).Sign())

	_, err = f.engine.RefundDeposit(f.ctx, f.funder, "refund", d.ID, funderAddr)
	require.ErrorIs(t, err, ErrAlreadyRefunded)
	_, err = f.engine.RefundDeposit(f.ctx, f.funder, "refund", common.Hash{1}, funderAddr)
	require.ErrorIs(t, err, ErrDepositNotFound)
	f.requireConservation("refund")
}

func TestExtendDepositOnlyGrows(t *testing.T) {
	f := newFixture(t)
	f.mint("extend", MintParams{Variant: VariantAtomic})
	d := f.deposit("extend", f.funder, assetL, 10, 100)

	_, err := f.engine.ExtendDeposit(f.ctx, f.funder2, "extend", d.ID, 50, funder2Addr)
	require.ErrorIs(t, err, ErrNotFunder)
	_, err = f.engine.ExtendDeposit(f.ctx, f.funder, "extend", d.ID, 0, funderAddr)
	require.ErrorIs(t, err, ErrInvalidExpiration)
	_, err = f.engine.ExtendDeposit(f.ctx, f.funder, "extend", d.ID, -5, funderAddr)
	require.ErrorIs(t, err, ErrInvalidExpiration)

	extended, err := f.engine.ExtendDeposit(f.ctx, f.manager, "extend", d.ID, 50, funderAddr)
	require.NoError(t, err)
	require.Equal(t, int64(150), extended.Expiration)

	f.now += 120
	_, err = f.engine.RefundDeposit(f.ctx, f.funder, "extend", d.ID, funderAddr)
	require.ErrorIs(t, err, ErrPrematureRefund)
	f.now += 30
	_, err = f.engine.RefundDeposit(f.ctx, f.funder, "extend", d.ID, funderAddr)
	require.NoError(t, err)
}

func TestReceiveFundsValidation(t *testing.T) {
	f := newFixture(t)
	f.mint("v", MintParams{Variant: VariantAtomic})

	_, err := f.engine.ReceiveFunds(f.ctx, f.funder, "v", funderAddr, assetL, big.NewInt(0), 10)
	require.ErrorIs(t, err, ErrZeroVolume)
	_, err = f.engine.ReceiveFunds(f.ctx, f.funder, "v", funderAddr, assetL, big.NewInt(1), 0)
	require.ErrorIs(t, err, ErrInvalidExpiration)
	_, err = f.engine.ReceiveFunds(f.ctx, f.funder, "v", funderAddr, unlisted, big.NewInt(1), 10)
	require.ErrorIs(t, err, ErrAssetNotAccepted)
	_, err = f.engine.ReceiveFunds(f.ctx, f.funder2, "v", funderAddr, assetL, big.NewInt(1), 10)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.engine.ReceiveFunds(f.ctx, f.funder, "v", funderAddr, assetL, big.NewInt(2_000_000), 10)
	require.ErrorIs(t, err, state.ErrInsufficientBalance)
	_, err = f.engine.ReceiveFunds(f.ctx, f.funder, "missing", funderAddr, assetL, big.NewInt(1), 10)
	require.ErrorIs(t, err, ErrBountyNotFound)

	deposits, err := f.engine.Deposits("v")
	require.NoError(t, err)
	require.Empty(t, deposits)
	require.Equal(t, big.NewInt(1_000_000), f.balanceOf(assetL, funderAddr))
}

func TestFeeOnTransferRecordsReceivedAmount(t *testing.T) {
	f := newFixture(t)
	b := f.mint("fee", MintParams{Variant: VariantAtomic})
	d := f.deposit("fee", f.funder, assetFee, 1000, 10)
	require.Equal(t, big.NewInt(950), d.Volume)
	require.Equal(t, big.NewInt(950), f.balanceOf(assetFee, b.Address))
	f.requireConservation("fee")

	require.NoError(t, f.engine.Close(f.ctx, f.manager, "fee", winnerAddr, nil))
	paid, err := f.engine.ClaimBalance(f.ctx, f.manager, "fee", winnerAddr, assetFee)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(950), paid)
	require.Equal(t, big.NewInt(903), f.balanceOf(assetFee, winnerAddr))
	f.requireConservation("fee")
}

func TestDepositIDsAreDistinctAcrossBounties(t *testing.T) {
	f := newFixture(t)
	f.mint("one", MintParams{Variant: VariantAtomic})
	f.mint("two", MintParams{Variant: VariantAtomic})
	a := f.deposit("one", f.funder, assetL, 100, 10)
	b := f.deposit("two", f.funder, assetL, 100, 10)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, DepositID("one", 0), a.ID)
	require.Equal(t, DepositID("two", 0), b.ID)

	c := f.deposit("one", f.funder, assetL, 100, 10)
	require.Equal(t, uint64(1), c.Sequence)
	require.NotEqual(t, a.ID, c.ID)
}

func TestNonFungibleDeposits(t *testing.T) {
	f := newFixture(t)
	b := f.mint("nft", MintParams{Variant: VariantTieredFixed, PayoutAsset: assetL, Schedule: bigs(10, 5)})
	f.engine.SetNonFungibleCap(2)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, f.state.MintNFT(f.ctx, assetNFT, big.NewInt(i), funderAddr))
	}

	_, err := f.engine.ReceiveNonFungible(f.ctx, f.funder, "nft", funderAddr, assetL, big.NewInt(1), 10, NoTier)
	require.ErrorIs(t, err, ErrNotNonFungible)
	_, err = f.engine.ReceiveNonFungible(f.ctx, f.funder, "nft", funderAddr, assetNFT, big.NewInt(1), 10, 5)
	require.ErrorIs(t, err, ErrTierOutOfRange)

	first, err := f.engine.ReceiveNonFungible(f.ctx, f.funder, "nft", funderAddr, assetNFT, big.NewInt(1), 10, 0)
	require.NoError(t, err)
	_, err = f.engine.ReceiveNonFungible(f.ctx, f.funder, "nft", funderAddr, assetNFT, big.NewInt(2), 10, 1)
	require.NoError(t, err)
	_, err = f.engine.ReceiveNonFungible(f.ctx, f.funder, "nft", funderAddr, assetNFT, big.NewInt(3), 10, NoTier)
	require.ErrorIs(t, err, ErrNonFungibleLimitReached)

	owner, _, err := f.state.OwnerOf(assetNFT, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, b.Address, owner)

	require.NoError(t, f.engine.CloseCompetition(f.ctx, f.issuer, "nft"))
	_, err = f.engine.ClaimNonFungible(f.ctx, f.funder, "nft", winnerAddr, first.ID)
	require.ErrorIs(t, err, ErrUnauthorized)
	claimed, err := f.engine.ClaimNonFungible(f.ctx, f.manager, "nft", winnerAddr, first.ID)
	require.NoError(t, err)
	require.True(t, claimed.Claimed)
	owner, _, err = f.state.OwnerOf(assetNFT, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, winnerAddr, owner)

	f.now += 10
	_, err = f.engine.RefundDeposit(f.ctx, f.funder, "nft", first.ID, funderAddr)
	require.ErrorIs(t, err, ErrDepositClaimed)

	// Capacity frees up as deposits leave escrow, but the bounty is closed.
	_, err = f.engine.ReceiveNonFungible(f.ctx, f.funder, "nft", funderAddr, assetNFT, big.NewInt(3), 10, NoTier)
	require.ErrorIs(t, err, ErrContractClosed)
}

func TestRefundsPermittedAfterClose(t *testing.T) {
	f := newFixture(t)
	f.mint("closed", MintParams{Variant: VariantTieredFixed, PayoutAsset: assetL, Schedule: bigs(10)})
	d := f.deposit("closed", f.funder, assetL, 100, 10)
	require.NoError(t, f.engine.CloseCompetition(f.ctx, f.issuer, "closed"))
	f.now += 10
	_, err := f.engine.RefundDeposit(f.ctx, f.funder, "closed", d.ID, funderAddr)
	require.NoError(t, err)
	_, err = f.engine.ClaimTieredFixed(f.ctx, f.manager, "closed", winnerAddr, 0)
	require.ErrorIs(t, err, ErrInsufficientEscrow)
	claimed, err := f.engine.TierClaimed("closed", 0)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestPayoutsConsumeOldestDepositsFirst(t *testing.T) {
	f := newFixture(t)
	f.mint("fifo", MintParams{Variant: VariantOngoing, PayoutAsset: assetL, PayoutVolume: big.NewInt(150)})
	older := f.deposit("fifo", f.funder, assetL, 100, 10)
	newer := f.deposit("fifo", f.funder2, assetL, 100, 10)

	_, err := f.engine.ClaimOngoingPayout(f.ctx, f.manager, "fifo", winnerAddr, Evidence{ExternalID: "gh:alice", SourceRef: "r#1"})
	require.NoError(t, err)

	d, err := f.engine.GetDeposit("fifo", older.ID)
	require.NoError(t, err)
	require.True(t, d.Claimed)
	require.Zero(t, d.Remaining.Sign())
	d, err = f.engine.GetDeposit("fifo", newer.ID)
	require.NoError(t, err)
	require.False(t, d.Claimed)
	require.Equal(t, big.NewInt(50), d.Remaining)

	f.now += 10
	refunded, err := f.engine.RefundDeposit(f.ctx, f.funder2, "fifo", newer.ID, funder2Addr)
	require.NoError(t, err)
	require.True(t, refunded.Refunded)
	require.Equal(t, big.NewInt(999_950), f.balanceOf(assetL, funder2Addr))
	f.requireConservation("fifo")
}

func TestReentrantHookIsRejectedAndRolledBack(t *testing.T) {
	f := newFixture(t)
	b := f.mint("reenter", MintParams{Variant: VariantAtomic})
	var hookErr error
	f.bank.SetHook(assetD, func(ctx context.Context, move assets.Movement) error {
		_, hookErr = f.engine.ReceiveFunds(ctx, f.funder, "reenter", funderAddr, assetL, big.NewInt(1), 10)
		return hookErr
	})
	_, err := f.engine.ReceiveFunds(f.ctx, f.funder, "reenter", funderAddr, assetD, big.NewInt(10), 10)
	require.ErrorIs(t, err, state.ErrReentrantCall)
	require.ErrorIs(t, hookErr, state.ErrReentrantCall)

	record, err := f.engine.GetBounty("reenter")
	require.NoError(t, err)
	require.Empty(t, record.Deposits)
	require.Zero(t, f.balanceOf(assetD, b.Address).Sign())
}

func TestHookCannotCommitIntoAnotherBounty(t *testing.T) {
	f := newFixture(t)
	first := f.mint("first", MintParams{Variant: VariantAtomic})
	second := f.mint("second", MintParams{Variant: VariantAtomic})
	aborted := errors.New("receiver rejected")
	var nestedErr error
	f.bank.SetHook(assetD, func(ctx context.Context, move assets.Movement) error {
		_, nestedErr = f.engine.ReceiveFunds(ctx, f.funder, "second", funderAddr, assetL, big.NewInt(7), 10)
		return aborted
	})
	_, err := f.engine.ReceiveFunds(f.ctx, f.funder, "first", funderAddr, assetD, big.NewInt(10), 10)
	require.ErrorIs(t, err, aborted)
	require.ErrorIs(t, nestedErr, state.ErrReentrantCall)

	for _, b := range []*Bounty{first, second} {
		record, err := f.engine.GetBounty(b.ID)
		require.NoError(t, err)
		require.Empty(t, record.Deposits)
		require.Zero(t, f.balanceOf(assetL, b.Address).Sign())
		require.Zero(t, f.balanceOf(assetD, b.Address).Sign())
	}
	require.Equal(t, big.NewInt(1_000_000), f.balanceOf(assetL, funderAddr))
}

func TestDepositRecordsOnlyTransferredAmount(t *testing.T) {
	f := newFixture(t)
	b := f.mint("side", MintParams{Variant: VariantAtomic})
	// A credit to the bounty address committed elsewhere while the
	// transfer is in flight must not count toward this deposit.
	f.bank.SetHook(assetD, func(context.Context, assets.Movement) error {
		done := make(chan error, 1)
		go func() { done <- f.state.Mint(context.Background(), assetD, b.Address, big.NewInt(1000)) }()
		return <-done
	})
	d := f.deposit("side", f.funder, assetD, 100, 10)
	require.Equal(t, big.NewInt(100), d.Volume)
	require.Equal(t, big.NewInt(1100), f.balanceOf(assetD, b.Address))

	f.now += 10
	refunded, err := f.engine.RefundDeposit(f.ctx, f.funder, "side", d.ID, funderAddr)
	require.NoError(t, err)
	require.True(t, refunded.Refunded)
	require.Equal(t, big.NewInt(1_000_000), f.balanceOf(assetD, funderAddr))
	require.Equal(t, big.NewInt(1000), f.balanceOf(assetD, b.Address))
}

func TestIssuerSetters(t *testing.T) {
	f := newFixture(t)
	f.mint("tiered", MintParams{Variant: VariantTieredPercentage, Schedule: bigs(60, 40)})
	f.mint("flat", MintParams{Variant: VariantAtomic})

	require.ErrorIs(t, f.engine.SetTierWinner(f.ctx, f.funder, "tiered", 0, "gh:alice"), ErrNotIssuer)
	require.ErrorIs(t, f.engine.SetTierWinner(f.ctx, f.issuer, "tiered", 2, "gh:alice"), ErrTierOutOfRange)
	require.ErrorIs(t, f.engine.SetTierWinner(f.ctx, f.issuer, "flat", 0, "gh:alice"), ErrWrongVariant)
	require.NoError(t, f.engine.SetTierWinner(f.ctx, f.issuer, "tiered", 0, "gh:alice"))
	require.NoError(t, f.engine.SetInvoiceComplete(f.ctx, f.issuer, "tiered", 0, true))
	require.NoError(t, f.engine.SetSupportingDocumentsComplete(f.ctx, f.issuer, "tiered", 1, true))
	require.NoError(t, f.engine.SetInvoiceComplete(f.ctx, f.issuer, "flat", 7, true))
	require.NoError(t, f.engine.SetKycRequired(f.ctx, f.issuer, "tiered", true))
	require.NoError(t, f.engine.SetInvoiceRequired(f.ctx, f.issuer, "tiered", true))
	require.NoError(t, f.engine.SetSupportingDocumentsRequired(f.ctx, f.issuer, "tiered", true))
	require.NoError(t, f.engine.SetIssuerExternalID(f.ctx, f.issuer, "tiered", "gh:acme"))
	require.NoError(t, f.engine.SetFundingGoal(f.ctx, f.issuer, "tiered", assetL, big.NewInt(500)))
	require.ErrorIs(t, f.engine.SetFundingGoal(f.ctx, f.issuer, "tiered", unlisted, big.NewInt(500)), ErrAssetNotAccepted)

	// Rescheduling keeps winner and compliance state per index.
	require.NoError(t, f.engine.SetPayoutSchedule(f.ctx, f.issuer, "tiered", bigs(50, 30, 20)))

	b, err := f.engine.GetBounty("tiered")
	require.NoError(t, err)
	require.Len(t, b.Tiers, 3)
	require.Equal(t, "gh:alice", b.Tiers[0].WinnerExternalID)
	require.True(t, b.Tiers[0].InvoiceComplete)
	require.True(t, b.Tiers[1].SupportingDocumentsComplete)
	require.Equal(t, big.NewInt(30), b.Tiers[1].Payout)
	require.True(t, b.KycRequired && b.InvoiceRequired && b.SupportingDocumentsRequired)
	require.Equal(t, "gh:acme", b.IssuerExternalID)

	flat, err := f.engine.GetBounty("flat")
	require.NoError(t, err)
	require.True(t, flat.Compliance.InvoiceComplete)

	require.NoError(t, f.engine.CloseCompetition(f.ctx, f.issuer, "tiered"))
	require.ErrorIs(t, f.engine.SetKycRequired(f.ctx, f.issuer, "tiered", false), ErrContractClosed)
	require.NoError(t, f.engine.SetTierWinner(f.ctx, f.issuer, "tiered", 1, "gh:bob"))
}

func TestFailedTransactionLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.mint("atomic", MintParams{Variant: VariantAtomic})
	f.deposit("atomic", f.funder, assetL, 100, 10)
	before, err := f.engine.GetBounty("atomic")
	require.NoError(t, err)
	f.recorder.Reset()

	err = f.engine.Transact(f.ctx, "test", "atomic", func(s *Session) error {
		if err := s.Close(f.manager, winnerAddr, nil); err != nil {
			return err
		}
		_, err := s.ClaimBalance(f.manager, winnerAddr, assetL)
		require.NoError(t, err)
		_, err = s.ClaimBalance(f.manager, winnerAddr, assetD)
		return err
	})
	require.ErrorIs(t, err, ErrNothingToClaim)

	after, err := f.engine.GetBounty("atomic")
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Empty(t, f.recorder.Events())
	require.Zero(t, f.balanceOf(assetL, winnerAddr).Sign())
}

func TestPausedModuleRejectsOperations(t *testing.T) {
	f := newFixture(t)
	f.mint("p", MintParams{Variant: VariantAtomic})
	pauses := nativecommon.NewPauses(moduleName)
	f.engine.SetPauses(pauses)
	_, err := f.engine.ReceiveFunds(f.ctx, f.funder, "p", funderAddr, assetL, big.NewInt(1), 10)
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	pauses.Set(moduleName, false)
	f.deposit("p", f.funder, assetL, 1, 10)
}

func TestListBounties(t *testing.T) {
	f := newFixture(t)
	f.mint("b", MintParams{Variant: VariantAtomic})
	f.mint("a", MintParams{Variant: VariantOngoing})
	all, err := f.engine.ListBounties()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].ID)
	require.Equal(t, "b", all[1].ID)
}

func TestReplayedLogMatchesEscrow(t *testing.T) {
	f := newFixture(t)
	f.mint("a", MintParams{Variant: VariantAtomic})
	f.mint("o", MintParams{Variant: VariantOngoing, PayoutAsset: assetL, PayoutVolume: big.NewInt(40)})
	f.mint("p", MintParams{Variant: VariantTieredPercentage, Schedule: bigs(50, 50)})

	refundable := f.deposit("a", f.funder, assetL, 250, 5)
	f.deposit("a", f.funder2, assetFee, 400, 5)
	f.deposit("o", f.funder, assetL, 100, 5)
	f.deposit("o", f.funder2, assetL, 100, 5)
	f.deposit("p", f.funder, assetD, 77, 5)
	f.deposit("p", f.funder2, assetL, 31, 5)

	for i, ext := range []string{"gh:1", "gh:2", "gh:3"} {
		_, err := f.engine.ClaimOngoingPayout(f.ctx, f.manager, "o", winnerAddr, Evidence{ExternalID: ext, SourceRef: "r", Tier: i})
		require.NoError(t, err)
	}
	f.now += 5
	_, err := f.engine.RefundDeposit(f.ctx, f.funder, "a", refundable.ID, funderAddr)
	require.NoError(t, err)
	require.NoError(t, f.engine.Close(f.ctx, f.manager, "a", winnerAddr, nil))
	_, err = f.engine.ClaimBalance(f.ctx, f.manager, "a", winnerAddr, assetFee)
	require.NoError(t, err)
	require.NoError(t, f.engine.CloseCompetition(f.ctx, f.issuer, "p"))
	_, err = f.engine.ClaimTiered(f.ctx, f.manager, "p", winnerAddr, 0, assetD)
	require.NoError(t, err)
	_, err = f.engine.ClaimTiered(f.ctx, f.manager, "p", secondAddr, 1, assetL)
	require.NoError(t, err)

	var log []*types.Event
	for _, evt := range f.recorder.Events() {
		if e, ok := evt.(*types.Event); ok {
			log = append(log, e)
		}
	}
	replayed, err := ReplayBalances(log)
	require.NoError(t, err)

	for _, id := range []string{"a", "o", "p"} {
		f.requireConservation(id)
		for _, asset := range []common.Address{assetL, assetD, assetFee} {
			held, err := f.engine.Balance(id, asset)
			require.NoError(t, err)
			require.Zero(t, held.Cmp(replayed.Get(id, asset)), "bounty %s asset %s", id, asset.Hex())
		}
	}
	require.Zero(t, replayed.Get("o", assetL).Cmp(big.NewInt(80)))
	require.Zero(t, replayed.Get("p", assetD).Cmp(big.NewInt(39)))
	require.Zero(t, replayed.Get("p", assetL).Cmp(big.NewInt(16)))
}

func TestPercentOf(t *testing.T) {
	got, err := percentOf(big.NewInt(333), big.NewInt(70))
	require.NoError(t, err)
	require.Equal(t, int64(233), got.Int64())

	huge := new(big.Int).Lsh(big.NewInt(1), 255)
	got, err = percentOf(huge, big.NewInt(100))
	require.NoError(t, err)
	require.Zero(t, got.Cmp(huge))

	_, err = percentOf(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	require.ErrorIs(t, err, ErrPayoutOverflow)
	_, err = percentOf(big.NewInt(-1), big.NewInt(1))
	require.ErrorIs(t, err, ErrPayoutOverflow)
}
