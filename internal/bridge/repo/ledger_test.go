package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/internal/bridge/repo"
	"pegbridge.com/internal/bridge/repo/repotest"
)

func seedDeposit(t *testing.T, l *repo.Ledger, addr string) *domain.Order {
	return repotest.SeedOrder(t, l, repotest.OrderSpec{
		Type:        domain.OrderTypeDeposit,
		DepositAddr: addr,
		Invoice:     "user-" + addr,
		InCoin:      "USDT",
		OutCoin:     "FINTEH.USDT",
	})
}

func TestLedger_CreateAndGetOrder(t *testing.T) {
	l := repotest.NewLedger(t)
	o := seedDeposit(t, l, "0xaaa")

	assert.Equal(t, o.ID, o.JobID)
	assert.Equal(t, domain.StatusPending, o.Status)
	require.NotNil(t, o.InTx)
	require.NotNil(t, o.OutTx)
	assert.Nil(t, o.BurnTx)
	assert.Equal(t, domain.Coin("USDT"), o.InTx.Coin)
	assert.Equal(t, domain.TxNoError, o.InTx.Error)
	require.NotNil(t, o.DerivedWallet)
	require.NotNil(t, o.DerivedWallet.Wallet)
	assert.Equal(t, "user-0xaaa", o.DerivedWallet.Wallet.Invoice)

	byJob, err := l.GetOrderByJobID(context.Background(), o.JobID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, byJob.ID)

	_, err = l.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestLedger_OrderLoadsItsOwnDerivedWallet(t *testing.T) {
	l := repotest.NewLedger(t)
	ctx := context.Background()
	seedDeposit(t, l, "0xaaa")
	seedDeposit(t, l, "0xbbb")
	o := seedDeposit(t, l, "0xccc")

	dw, err := l.FindDerivedWalletByAddress(ctx, domain.ChainEthereum, "0xccc")
	require.NoError(t, err)
	assert.Equal(t, dw.ID, o.DerivedWalletID)

	got, err := l.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DerivedWallet)
	assert.Equal(t, "0xccc", got.DerivedWallet.Address)
	require.NotNil(t, got.DerivedWallet.Wallet)
	assert.Equal(t, "user-0xccc", got.DerivedWallet.Wallet.Invoice)

	open, err := l.FindOpenOrder(ctx, dw.ID, domain.OrderTypeDeposit)
	require.NoError(t, err)
	assert.Equal(t, o.ID, open.ID)
	require.NotNil(t, open.DerivedWallet)
	assert.Equal(t, "0xccc", open.DerivedWallet.Address)
}

func TestLedger_WithdrawalHasBurnLeg(t *testing.T) {
	l := repotest.NewLedger(t)
	o := repotest.SeedOrder(t, l, repotest.OrderSpec{
		Type:        domain.OrderTypeWithdrawal,
		DepositAddr: "0xbob",
		Invoice:     "0xbob",
		InCoin:      "FINTEH.USDT",
		OutCoin:     "USDT",
		BurnCoin:    "FINTEH.USDT",
	})
	require.NotNil(t, o.BurnTxID)
	require.NotNil(t, o.BurnTx)
	assert.Equal(t, *o.BurnTxID, o.BurnTx.ID)
}

func TestLedger_FindOrCreateWalletIsIdempotent(t *testing.T) {
	l := repotest.NewLedger(t)
	ctx := context.Background()

	w1, err := l.FindOrCreateWallet(ctx, domain.ChainGraphene, "alice")
	require.NoError(t, err)
	w2, err := l.FindOrCreateWallet(ctx, domain.ChainGraphene, "alice")
	require.NoError(t, err)
	assert.Equal(t, w1.ID, w2.ID)

	w3, err := l.FindOrCreateWallet(ctx, domain.ChainEthereum, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, w1.ID, w3.ID)
}

func TestLedger_DerivedAddressIsUnique(t *testing.T) {
	l := repotest.NewLedger(t)
	ctx := context.Background()

	w1, _ := l.FindOrCreateWallet(ctx, domain.ChainGraphene, "alice")
	w2, _ := l.FindOrCreateWallet(ctx, domain.ChainGraphene, "bob")
	require.NoError(t, l.CreateDerivedWallet(ctx, &domain.DerivedWallet{WalletID: w1.ID, Chain: domain.ChainEthereum, Address: "0x1"}))

	err := l.CreateDerivedWallet(ctx, &domain.DerivedWallet{WalletID: w2.ID, Chain: domain.ChainEthereum, Address: "0x1"})
	assert.ErrorIs(t, err, domain.ErrClaimed)

	dw, err := l.FindDerivedWalletByAddress(ctx, domain.ChainEthereum, "0x1")
	require.NoError(t, err)
	assert.Equal(t, w1.ID, dw.WalletID)
}

func TestLedger_UpdateOrderStatusVersioned(t *testing.T) {
	l := repotest.NewLedger(t)
	ctx := context.Background()
	o := seedDeposit(t, l, "0xaaa")
	stale := *o

	require.NoError(t, l.UpdateOrderStatus(ctx, o, domain.StatusReceivePending))
	assert.Equal(t, int64(2), o.Version)

	err := l.UpdateOrderStatus(ctx, &stale, domain.StatusReceiveErr)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.True(t, repo.IsRetryable(err))

	got, err := l.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReceivePending, got.Status)
}

func TestLedger_SaveTxWriteOnceAndClaim(t *testing.T) {
	l := repotest.NewLedger(t)
	ctx := context.Background()
	a := seedDeposit(t, l, "0xaaa")
	b := seedDeposit(t, l, "0xbbb")

	id := "0xdead"
	a.InTx.TxID = &id
	require.NoError(t, l.SaveTx(ctx, a.InTx))

	claimed, err := l.FindTxByChainID(ctx, "USDT", id)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, a.InTx.ID, claimed.ID)

	// 同一 (coin, tx_id) 不能被第二个 leg 认领
	b.InTx.TxID = &id
	assert.ErrorIs(t, l.SaveTx(ctx, b.InTx), domain.ErrClaimed)

	// 已绑定的 tx_id 不能被换掉
	other := "0xbeef"
	a.InTx.TxID = &other
	assert.ErrorIs(t, l.SaveTx(ctx, a.InTx), domain.ErrVersionConflict)

	none, err := l.FindTxByChainID(ctx, "USDT", "0xnone")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestLedger_TransactionRollsBack(t *testing.T) {
	l := repotest.NewLedger(t)
	ctx := context.Background()
	o := seedDeposit(t, l, "0xaaa")

	boom := errors.New("boom")
	err := l.Transaction(ctx, func(ctx context.Context) error {
		require.NoError(t, l.UpdateOrderStatus(ctx, o, domain.StatusReceivePending))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := l.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func TestLedger_ListOrders(t *testing.T) {
	l := repotest.NewLedger(t)
	ctx := context.Background()
	a := seedDeposit(t, l, "0xaaa")
	seedDeposit(t, l, "0xbbb")
	require.NoError(t, l.UpdateOrderStatus(ctx, a, domain.StatusOK))

	all, total, err := l.ListOrders(ctx, domain.OrderQuery{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, all, 2)

	done, total, err := l.ListOrders(ctx, domain.OrderQuery{Status: domain.StatusOK})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, done, 1)
	assert.Equal(t, a.ID, done[0].ID)

	_, err = l.FindOpenOrder(ctx, a.DerivedWalletID, domain.OrderTypeDeposit)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}
