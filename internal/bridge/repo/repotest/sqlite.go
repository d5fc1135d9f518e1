// Package repotest 给各层测试提供基于 sqlite 内存库的 Ledger
package repotest

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/internal/bridge/repo"
)

// NewDB 每个测试一个独立的内存库；只开一个连接，事务内外必须都走 ctx 里的事务
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, repo.AutoMigrate(db))
	return db
}

func NewLedger(t testing.TB) *repo.Ledger {
	return repo.NewLedger(NewDB(t))
}

// OrderSpec 测试订单的最小描述
type OrderSpec struct {
	Type        domain.OrderType
	DepositAddr string // derived wallet 地址
	Gateway     string // 非空时入账转到网关账户，DepositAddr 作为 memo
	Invoice     string // 目的链收款方
	InCoin      domain.Coin
	OutCoin     domain.Coin
	BurnCoin    domain.Coin
	Required    int64
}

// SeedOrder 建 wallet / derived wallet / order 及其 legs
func SeedOrder(t testing.TB, l *repo.Ledger, want OrderSpec) *domain.Order {
	t.Helper()
	ctx := t.Context()

	srcChain, dstChain := domain.ChainEthereum, domain.ChainGraphene
	if want.Type == domain.OrderTypeWithdrawal {
		srcChain, dstChain = domain.ChainGraphene, domain.ChainEthereum
	}
	if want.Required == 0 {
		want.Required = 3
	}

	w, err := l.FindOrCreateWallet(ctx, dstChain, want.Invoice)
	require.NoError(t, err)
	dw, err := l.FindDerivedWallet(ctx, w.ID, srcChain)
	if err != nil {
		dw = &domain.DerivedWallet{WalletID: w.ID, Chain: srcChain, Address: want.DepositAddr}
		require.NoError(t, l.CreateDerivedWallet(ctx, dw))
	}

	inTo := want.DepositAddr
	if want.Gateway != "" {
		inTo = want.Gateway
	}
	o := &domain.Order{
		Type:            want.Type,
		DerivedWalletID: dw.ID,
		Status:          domain.StatusPending,
		InTx: &domain.Tx{
			Coin:             want.InCoin,
			ToAddress:        inTo,
			Amount:           decimal.Zero,
			MaxConfirmations: want.Required,
		},
		OutTx: &domain.Tx{
			Coin:             want.OutCoin,
			ToAddress:        want.Invoice,
			Amount:           decimal.Zero,
			MaxConfirmations: want.Required,
		},
	}
	if want.Type == domain.OrderTypeWithdrawal {
		o.BurnTx = &domain.Tx{Coin: want.BurnCoin, Amount: decimal.Zero, MaxConfirmations: want.Required}
	}
	require.NoError(t, l.CreateOrder(ctx, o))

	got, err := l.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	return got
}
