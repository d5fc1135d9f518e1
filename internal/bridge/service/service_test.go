package service_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pegbridge.com/internal/bridge/chain/chaintest"
	"pegbridge.com/internal/bridge/commit"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/internal/bridge/repo"
	"pegbridge.com/internal/bridge/repo/repotest"
	"pegbridge.com/internal/bridge/service"
	"pegbridge.com/internal/bridge/tracker"
	"pegbridge.com/internal/bridge/watcher"
	"pegbridge.com/pkg/xerr"
)

const (
	usdtContract = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	gateway      = "finteh-gateway"
)

type fakeScheduler struct {
	mu       sync.Mutex
	enqueued map[string]string
	failed   map[string]bool
	retried  []string
}

func newScheduler() *fakeScheduler {
	return &fakeScheduler{enqueued: map[string]string{}, failed: map[string]bool{}}
}

func (s *fakeScheduler) Enqueue(_ context.Context, name, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enqueued[jobID]; !ok {
		s.enqueued[jobID] = name
	}
	return nil
}

func (s *fakeScheduler) RetryIfFailed(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.failed[jobID] {
		return false, nil
	}
	s.failed[jobID] = false
	s.retried = append(s.retried, jobID)
	return true, nil
}

type fakeDeriver struct{}

func (fakeDeriver) DeriveDepositAddress(_ uint32, index uint32) (string, error) {
	return fmt.Sprintf("0x%040d", index), nil
}

type ethValidator struct{}

func (ethValidator) ValidateAddress(_ context.Context, addr string) (bool, error) {
	return len(addr) == 42 && strings.HasPrefix(addr, "0x"), nil
}

type accountValidator struct{}

func (accountValidator) ValidateAddress(_ context.Context, name string) (bool, error) {
	return name == strings.ToLower(name) && !strings.HasPrefix(name, "0x"), nil
}

type env struct {
	ledger    *repo.Ledger
	eth       *chaintest.Fake
	bts       *chaintest.Fake
	committer *commit.Committer
	scheduler *fakeScheduler
	orders    *service.OrderService
	processor *service.Processor
}

func newEnv(t *testing.T, discoverTimeout time.Duration) *env {
	t.Helper()
	e := &env{
		ledger:    repotest.NewLedger(t),
		eth:       chaintest.New(domain.ChainEthereum, 100).SetDecimals(usdtContract, 6),
		bts:       chaintest.New(domain.ChainGraphene, 800).SetDecimals("FINTEH.USDT", 4),
		scheduler: newScheduler(),
	}
	e.eth.SetIrreversible(95)
	e.bts.SetIrreversible(790)

	coins := domain.Coins{
		"USDT":        {Coin: "USDT", Chain: domain.ChainEthereum, Asset: usdtContract},
		"FINTEH.USDT": {Coin: "FINTEH.USDT", Chain: domain.ChainGraphene, Asset: "FINTEH.USDT"},
	}
	adapters := domain.Adapters{domain.ChainEthereum: e.eth, domain.ChainGraphene: e.bts}

	e.committer = commit.New(e.ledger, adapters, coins, nil, commit.Options{RequiredConfirmations: 3, BusyWait: 5 * time.Millisecond})
	w := watcher.New(e.committer, adapters, coins, watcher.Options{
		Timeout: discoverTimeout,
		Chains: map[domain.Chain]watcher.ChainOptions{
			domain.ChainEthereum: {BatchSize: 1000},
			domain.ChainGraphene: {BatchSize: 100, MemoRequired: true},
		},
	})
	tr := tracker.New(e.ledger, e.committer, adapters, coins, tracker.Options{
		BlockCheckTime: time.Millisecond,
		TryCheckNumber: 5,
	})
	e.processor = service.NewProcessor(e.ledger, w, e.committer, tr, nil)
	e.orders = service.NewOrderService(e.ledger, e.scheduler, fakeDeriver{},
		map[domain.Chain]service.AddressValidator{
			domain.ChainEthereum: ethValidator{},
			domain.ChainGraphene: accountValidator{},
		},
		coins,
		service.OrderOptions{
			Gateway:  gateway,
			Required: map[domain.Chain]int64{domain.ChainEthereum: 3, domain.ChainGraphene: 3},
		})
	return e
}

func (e *env) reload(t *testing.T, id string) *domain.Order {
	o, err := e.ledger.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (e *env) createDeposit(t *testing.T, user string) *service.OrderReceipt {
	t.Helper()
	r, err := e.orders.CreateOrder(context.Background(), service.CreateOrderRequest{
		OrderType:   domain.OrderTypeDeposit,
		PaymentFrom: domain.ChainEthereum,
		PaymentTo:   domain.ChainGraphene,
		InvoiceTo:   user,
	})
	require.NoError(t, err)
	return r
}

func TestGetDepositAddress_DerivesOnce(t *testing.T) {
	e := newEnv(t, time.Second)
	ctx := context.Background()

	first, err := e.orders.GetDepositAddress(ctx, "alice")
	require.NoError(t, err)
	second, err := e.orders.GetDepositAddress(ctx, " alice ")
	require.NoError(t, err)
	other, err := e.orders.GetDepositAddress(ctx, "bob")
	require.NoError(t, err)

	assert.Equal(t, "alice", first.User)
	assert.Equal(t, first.DepositAddress, second.DepositAddress)
	assert.NotEqual(t, first.DepositAddress, other.DepositAddress)

	_, err = e.orders.GetDepositAddress(ctx, "")
	assert.Equal(t, xerr.RequestParamsError, xerr.CodeOf(err))
}

// offsetWalletLedger 把钱包 id 整体平移，模拟自增 id 很大的库
type offsetWalletLedger struct {
	domain.Ledger
	offset uint64
}

func (l offsetWalletLedger) FindOrCreateWallet(ctx context.Context, chain domain.Chain, invoice string) (*domain.Wallet, error) {
	w, err := l.Ledger.FindOrCreateWallet(ctx, chain, invoice)
	if err != nil {
		return nil, err
	}
	w.ID += l.offset
	return w, nil
}

func TestGetDepositAddress_RejectsWalletIDOutsideDerivationRange(t *testing.T) {
	tests := []struct {
		name    string
		offset  uint64
		wantErr bool
	}{
		{name: "last non-hardened index", offset: 1<<31 - 2},
		{name: "hardened index", offset: 1<<31 - 1, wantErr: true},
		{name: "wraps past uint32", offset: 1 << 32, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, time.Second)
			ctx := context.Background()
			orders := service.NewOrderService(offsetWalletLedger{Ledger: e.ledger, offset: tt.offset}, e.scheduler, fakeDeriver{},
				map[domain.Chain]service.AddressValidator{domain.ChainEthereum: ethValidator{}},
				domain.Coins{"USDT": {Coin: "USDT", Chain: domain.ChainEthereum, Asset: usdtContract}},
				service.OrderOptions{Gateway: gateway})

			// 第一个钱包自增 id 为 1
			got, err := orders.GetDepositAddress(ctx, "alice")
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, fmt.Sprintf("0x%040d", uint64(1)+tt.offset), got.DepositAddress)
				return
			}
			require.Error(t, err)
			assert.Equal(t, xerr.ServerCommonError, xerr.CodeOf(err))

			_, err = e.ledger.FindDerivedWallet(ctx, 1+tt.offset, domain.ChainEthereum)
			assert.ErrorIs(t, err, domain.ErrWalletNotFound)
		})
	}
}

func TestCreateOrder_FindsOpenOrderAndSchedulesOnce(t *testing.T) {
	e := newEnv(t, time.Second)

	first := e.createDeposit(t, "alice")
	second := e.createDeposit(t, "alice")

	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, domain.StatusPending, first.Order.Status)
	assert.Equal(t, first.Order.ID, first.Order.JobID)
	assert.Equal(t, map[string]string{first.Order.JobID: service.JobPaymentIn}, e.scheduler.enqueued)

	dep, err := e.orders.GetDepositAddress(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, dep.DepositAddress, first.InvoiceFrom, "deposit order shares the user's derived address")

	got := e.reload(t, first.Order.ID)
	assert.Equal(t, domain.Coin("USDT"), got.InTx.Coin)
	assert.Equal(t, dep.DepositAddress, got.InTx.ToAddress)
	assert.Equal(t, domain.Coin("FINTEH.USDT"), got.OutTx.Coin)
	assert.Equal(t, "alice", got.OutTx.ToAddress)
	assert.Equal(t, int64(3), got.InTx.MaxConfirmations)
	assert.Nil(t, got.BurnTx)

	// 失败的任务在再次请求时被重新入队
	e.scheduler.failed[first.Order.JobID] = true
	e.createDeposit(t, "alice")
	assert.Equal(t, []string{first.Order.JobID}, e.scheduler.retried)
}

func TestCreateOrder_Withdrawal(t *testing.T) {
	e := newEnv(t, time.Second)
	invoice := "0x" + strings.Repeat("b", 40)

	r, err := e.orders.CreateOrder(context.Background(), service.CreateOrderRequest{
		OrderType:   domain.OrderTypeWithdrawal,
		PaymentFrom: domain.ChainGraphene,
		PaymentTo:   domain.ChainEthereum,
		InvoiceTo:   invoice,
	})
	require.NoError(t, err)
	assert.Equal(t, gateway, r.InvoiceFrom)
	assert.Equal(t, invoice, r.Memo)

	got := e.reload(t, r.Order.ID)
	assert.Equal(t, gateway, got.InTx.ToAddress)
	require.NotNil(t, got.BurnTx)
	assert.Equal(t, domain.Coin("FINTEH.USDT"), got.BurnTx.Coin)
	assert.Equal(t, domain.Coin("USDT"), got.OutTx.Coin)
	assert.Equal(t, invoice, got.OutTx.ToAddress)
	assert.Equal(t, invoice, got.DerivedWallet.Address)
}

func TestCreateOrder_Validation(t *testing.T) {
	e := newEnv(t, time.Second)
	tests := []struct {
		name string
		req  service.CreateOrderRequest
	}{
		{"未知订单类型", service.CreateOrderRequest{OrderType: "SWAP", PaymentFrom: domain.ChainEthereum, PaymentTo: domain.ChainGraphene, InvoiceTo: "alice"}},
		{"作废类型不能创建", service.CreateOrderRequest{OrderType: domain.OrderTypeTrash, PaymentFrom: domain.ChainEthereum, PaymentTo: domain.ChainGraphene, InvoiceTo: "alice"}},
		{"方向错误", service.CreateOrderRequest{OrderType: domain.OrderTypeDeposit, PaymentFrom: domain.ChainGraphene, PaymentTo: domain.ChainEthereum, InvoiceTo: "0x" + strings.Repeat("a", 40)}},
		{"收款方无效", service.CreateOrderRequest{OrderType: domain.OrderTypeWithdrawal, PaymentFrom: domain.ChainGraphene, PaymentTo: domain.ChainEthereum, InvoiceTo: "0x123"}},
		{"收款方为空", service.CreateOrderRequest{OrderType: domain.OrderTypeDeposit, PaymentFrom: domain.ChainEthereum, PaymentTo: domain.ChainGraphene}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.orders.CreateOrder(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, xerr.RequestParamsError, xerr.CodeOf(err))
		})
	}
	assert.Empty(t, e.scheduler.enqueued)
}

func TestValidateAddress(t *testing.T) {
	e := newEnv(t, time.Second)
	ctx := context.Background()

	ok, err := e.orders.ValidateAddress(ctx, domain.ChainEthereum, "0x"+strings.Repeat("c", 40))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.orders.ValidateAddress(ctx, domain.ChainGraphene, "Alice")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.orders.ValidateAddress(ctx, "solana", "whatever")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetOrder_NotFound(t *testing.T) {
	e := newEnv(t, time.Second)
	_, err := e.orders.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.Equal(t, xerr.RecordNotFound, xerr.CodeOf(err))
}

func TestProcess_DepositEndToEnd(t *testing.T) {
	e := newEnv(t, 2*time.Second)
	r := e.createDeposit(t, "alice")
	e.eth.AddTransfer(domain.Transfer{
		TxID:        "0xin",
		BlockHeight: 90,
		From:        "0xpayer",
		To:          r.InvoiceFrom,
		Asset:       usdtContract,
		Amount:      decimal.RequireFromString("12.5"),
	})
	e.bts.IncludeOnBroadcast = true
	e.bts.HeadStep = 1

	require.NoError(t, e.processor.Process(context.Background(), r.Order.JobID))

	got := e.reload(t, r.Order.ID)
	assert.Equal(t, domain.StatusOK, got.Status)
	assert.Equal(t, "0xin", got.InTx.ChainTxID())
	assert.True(t, got.InTx.Amount.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, "bitshares-sig-1", got.OutTx.ChainTxID())
	assert.True(t, got.OutTx.Amount.Equal(decimal.RequireFromString("12.5")))
	assert.GreaterOrEqual(t, got.OutTx.Confirmations, int64(3))

	require.Len(t, e.bts.Built, 1)
	assert.Equal(t, domain.LegIssue, e.bts.Built[0].Kind)
	assert.Equal(t, "125000", e.bts.Built[0].Units.String())
	assert.Equal(t, "alice", e.bts.Built[0].To)

	// 终态后重入没有任何副作用
	version := got.Version
	require.NoError(t, e.processor.Process(context.Background(), r.Order.JobID))
	assert.Equal(t, version, e.reload(t, r.Order.ID).Version)
	assert.Equal(t, 1, e.bts.SignedCount())
	assert.Equal(t, 1, e.bts.BroadcastCount("bitshares-sig-1"))
}

func TestProcess_WithdrawalEndToEnd(t *testing.T) {
	e := newEnv(t, 2*time.Second)
	invoice := "0x" + strings.Repeat("b", 40)
	r, err := e.orders.CreateOrder(context.Background(), service.CreateOrderRequest{
		OrderType:   domain.OrderTypeWithdrawal,
		PaymentFrom: domain.ChainGraphene,
		PaymentTo:   domain.ChainEthereum,
		InvoiceTo:   invoice,
	})
	require.NoError(t, err)

	e.bts.AddTransfer(domain.Transfer{
		TxID: "1.11.7", BlockHeight: 780, From: "bob", To: gateway,
		Asset: "FINTEH.USDT", Amount: decimal.RequireFromString("7.5"),
		HasMemo: true, Memo: r.Memo,
	})
	e.bts.IncludeOnBroadcast = true
	e.bts.HeadStep = 1
	e.eth.IncludeOnBroadcast = true
	e.eth.HeadStep = 1

	require.NoError(t, e.processor.Process(context.Background(), r.Order.JobID))

	got := e.reload(t, r.Order.ID)
	assert.Equal(t, domain.StatusOK, got.Status)
	assert.Equal(t, "1.11.7", got.InTx.ChainTxID())
	assert.Equal(t, "bitshares-sig-1", got.BurnTx.ChainTxID())
	assert.Equal(t, "ethereum-sig-1", got.OutTx.ChainTxID())

	require.Len(t, e.bts.Built, 1)
	assert.Equal(t, domain.LegBurn, e.bts.Built[0].Kind)
	assert.Equal(t, "75000", e.bts.Built[0].Units.String())
	require.Len(t, e.eth.Built, 1)
	assert.Equal(t, domain.LegTransfer, e.eth.Built[0].Kind)
	assert.Equal(t, "7500000", e.eth.Built[0].Units.String())
	assert.Equal(t, invoice, e.eth.Built[0].To)
}

func TestProcess_NoDepositMarksReceiveErrThenRecovers(t *testing.T) {
	e := newEnv(t, 50*time.Millisecond)
	r := e.createDeposit(t, "alice")

	err := e.processor.Process(context.Background(), r.Order.JobID)
	assert.ErrorIs(t, err, domain.ErrTxNotFound)

	got := e.reload(t, r.Order.ID)
	assert.Equal(t, domain.StatusReceiveErr, got.Status)
	assert.Equal(t, domain.TxHashNotFound, got.InTx.Error)
	assert.Contains(t, got.InTx.LastError, `"stage":"receive"`)

	// 用户付款后重试，从 receive_err 继续
	e.eth.AddTransfer(domain.Transfer{
		TxID: "0xlate", BlockHeight: 93, To: r.InvoiceFrom, Asset: usdtContract, Amount: decimal.NewFromInt(5),
	})
	e.bts.IncludeOnBroadcast = true
	e.bts.HeadStep = 1
	require.NoError(t, e.processor.Process(context.Background(), r.Order.JobID))

	got = e.reload(t, r.Order.ID)
	assert.Equal(t, domain.StatusOK, got.Status)
	assert.Equal(t, domain.TxNoError, got.InTx.Error)
}

func TestProcess_DustAmountStopsAtIssue(t *testing.T) {
	e := newEnv(t, time.Second)
	r := e.createDeposit(t, "alice")
	e.eth.AddTransfer(domain.Transfer{
		TxID: "0xdust", BlockHeight: 90, To: r.InvoiceFrom, Asset: usdtContract, Amount: decimal.RequireFromString("0.0000001"),
	})

	err := e.processor.Process(context.Background(), r.Order.JobID)
	require.Error(t, err)
	got := e.reload(t, r.Order.ID)
	assert.Equal(t, domain.StatusIssueErr, got.Status)
	assert.Equal(t, domain.TxLessMin, got.OutTx.Error)

	// 再次处理仍然停在 issue_err，不会签发任何出账
	require.Error(t, e.processor.Process(context.Background(), r.Order.JobID))
	assert.Equal(t, domain.StatusIssueErr, e.reload(t, r.Order.ID).Status)
	assert.Zero(t, e.bts.SignedCount())
}

func TestProcess_ResumesSignedIssueWithoutResigning(t *testing.T) {
	e := newEnv(t, time.Second)
	r := e.createDeposit(t, "alice")
	ctx := context.Background()

	ok, err := e.committer.Record(ctx, r.Order.ID, domain.StageReceive, domain.Transfer{
		TxID: "0xin", BlockHeight: 90, To: r.InvoiceFrom, Asset: usdtContract, Amount: decimal.NewFromInt(3),
	}, 11)
	require.NoError(t, err)
	require.True(t, ok)
	leg, err := e.committer.Create(ctx, r.Order.ID, domain.StageIssue)
	require.NoError(t, err)
	// 模拟广播前崩溃：网络不知道这笔交易
	e.bts.Forget(leg.ChainTxID())
	e.bts.IncludeOnBroadcast = true
	e.bts.HeadStep = 1

	require.NoError(t, e.processor.Process(ctx, r.Order.JobID))
	assert.Equal(t, domain.StatusOK, e.reload(t, r.Order.ID).Status)
	assert.Equal(t, 1, e.bts.SignedCount())
	assert.Equal(t, 2, e.bts.BroadcastCount(leg.ChainTxID()))
}

func TestProcess_TrashAndUnknownJobs(t *testing.T) {
	e := newEnv(t, time.Second)
	o := repotest.SeedOrder(t, e.ledger, repotest.OrderSpec{
		Type:        domain.OrderTypeTrash,
		DepositAddr: "0xtrash",
		Invoice:     "mallory",
		InCoin:      "USDT",
		OutCoin:     "FINTEH.USDT",
	})
	require.NoError(t, e.processor.Process(context.Background(), o.JobID))
	assert.Equal(t, domain.StatusPending, e.reload(t, o.ID).Status)

	err := e.processor.Process(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestProcess_CancelledJobResumesLater(t *testing.T) {
	e := newEnv(t, 0)
	r := e.createDeposit(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := e.processor.Process(ctx, r.Order.JobID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// 超时不算阶段失败
	assert.Equal(t, domain.StatusPending, e.reload(t, r.Order.ID).Status)
}
