package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/pkg/logger"
	"pegbridge.com/pkg/orm"
	"pegbridge.com/pkg/xerr"
)

// maxTxRetries 序列化冲突时整个事务重放的次数
const maxTxRetries = 3

type txKey struct{}

type Ledger struct {
	db        *gorm.DB
	isolation sql.IsolationLevel
}

var _ domain.Ledger = (*Ledger)(nil)

func NewLedger(db *gorm.DB) *Ledger {
	l := &Ledger{db: db, isolation: sql.LevelSerializable}
	// sqlite 本身就是串行化的，驱动不接受显式隔离级别
	if db.Dialector != nil && db.Dialector.Name() == "sqlite" {
		l.isolation = sql.LevelDefault
	}
	return l
}

// AutoMigrate 建表，启动阶段和测试使用
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&domain.Wallet{}, &domain.DerivedWallet{}, &domain.Tx{}, &domain.Order{})
}

// getDb 优先使用 ctx 里的事务
func (r *Ledger) getDb(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

// Transaction 可串行化事务；已在事务中时直接复用外层事务。
// 数据库判定序列化失败时整体重放 fn
func (r *Ledger) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	var err error
	for attempt := 1; attempt <= maxTxRetries; attempt++ {
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(context.WithValue(ctx, txKey{}, tx))
		}, &sql.TxOptions{Isolation: r.isolation})
		if !orm.IsSerializationFailure(err) {
			return err
		}
		logger.Warn(ctx, "事务序列化冲突，重试", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*20) * time.Millisecond):
		}
	}
	return err
}

// ========== wallets ==========

func (r *Ledger) FindOrCreateWallet(ctx context.Context, chain domain.Chain, invoice string) (*domain.Wallet, error) {
	db := r.getDb(ctx)
	var w domain.Wallet
	err := db.Where("chain = ? AND invoice = ?", chain, invoice).First(&w).Error
	if err == nil {
		return &w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, xerr.Wrap(err, xerr.DbError, "query wallet failed")
	}

	w = domain.Wallet{Chain: chain, Invoice: invoice}
	// 并发创建时唯一索引兜底，冲突后重新读
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&w).Error; err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "create wallet failed")
	}
	if w.ID != 0 {
		return &w, nil
	}
	if err := db.Where("chain = ? AND invoice = ?", chain, invoice).First(&w).Error; err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "reload wallet failed")
	}
	return &w, nil
}

func (r *Ledger) FindDerivedWallet(ctx context.Context, walletID uint64, chain domain.Chain) (*domain.DerivedWallet, error) {
	var dw domain.DerivedWallet
	err := r.getDb(ctx).Preload("Wallet").
		Where("wallet_id = ? AND chain = ?", walletID, chain).
		First(&dw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrWalletNotFound
	}
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "query derived wallet failed")
	}
	return &dw, nil
}

func (r *Ledger) FindDerivedWalletByAddress(ctx context.Context, chain domain.Chain, address string) (*domain.DerivedWallet, error) {
	var dw domain.DerivedWallet
	err := r.getDb(ctx).Preload("Wallet").
		Where("chain = ? AND address = ?", chain, address).
		First(&dw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrWalletNotFound
	}
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "query derived wallet failed")
	}
	return &dw, nil
}

// CreateDerivedWallet 派生地址只创建不修改；唯一冲突返回 ErrClaimed
func (r *Ledger) CreateDerivedWallet(ctx context.Context, dw *domain.DerivedWallet) error {
	err := r.getDb(ctx).Omit(clause.Associations).Create(dw).Error
	if orm.IsDuplicate(err) {
		return domain.ErrClaimed
	}
	if err != nil {
		return xerr.Wrap(err, xerr.DbError, "create derived wallet failed")
	}
	return nil
}

// ========== orders ==========

func (r *Ledger) CreateOrder(ctx context.Context, o *domain.Order) error {
	return r.Transaction(ctx, func(ctx context.Context) error {
		db := r.getDb(ctx)
		for _, leg := range []*domain.Tx{o.InTx, o.OutTx, o.BurnTx} {
			if leg == nil {
				continue
			}
			if err := db.Create(leg).Error; err != nil {
				return xerr.Wrap(err, xerr.DbError, "create order leg failed")
			}
		}
		if o.InTx != nil {
			o.InTxID = o.InTx.ID
		}
		if o.OutTx != nil {
			o.OutTxID = o.OutTx.ID
		}
		if o.BurnTx != nil {
			o.BurnTxID = &o.BurnTx.ID
		}
		if err := db.Omit(clause.Associations).Create(o).Error; err != nil {
			if orm.IsDuplicate(err) {
				return xerr.Wrap(domain.ErrClaimed, xerr.Conflict, "order job already exists")
			}
			return xerr.Wrap(err, xerr.DbError, "create order failed")
		}
		return nil
	})
}

func (r *Ledger) preloadOrder(db *gorm.DB) *gorm.DB {
	return db.Preload("InTx").Preload("OutTx").Preload("BurnTx").Preload("DerivedWallet.Wallet")
}

func (r *Ledger) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return r.firstOrder(ctx, "id = ?", id)
}

func (r *Ledger) GetOrderByJobID(ctx context.Context, jobID string) (*domain.Order, error) {
	return r.firstOrder(ctx, "job_id = ?", jobID)
}

func (r *Ledger) firstOrder(ctx context.Context, query string, args ...interface{}) (*domain.Order, error) {
	var o domain.Order
	err := r.preloadOrder(r.getDb(ctx)).Where(query, args...).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "query order failed")
	}
	return &o, nil
}

func (r *Ledger) FindOpenOrder(ctx context.Context, walletID uint64, typ domain.OrderType) (*domain.Order, error) {
	var o domain.Order
	err := r.preloadOrder(r.getDb(ctx)).
		Where("wallet_id = ? AND type = ? AND status <> ?", walletID, typ, domain.StatusOK).
		Order("created_at DESC").
		First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "query open order failed")
	}
	return &o, nil
}

func (r *Ledger) ListOrders(ctx context.Context, q domain.OrderQuery) ([]*domain.Order, int64, error) {
	filter := func(db *gorm.DB) *gorm.DB {
		db = db.Model(&domain.Order{})
		if q.WalletID != 0 {
			db = db.Where("wallet_id = ?", q.WalletID)
		}
		if q.Type != "" {
			db = db.Where("type = ?", q.Type)
		}
		if q.Status != "" {
			db = db.Where("status = ?", q.Status)
		}
		return db
	}

	var total int64
	if err := r.getDb(ctx).Scopes(filter).Count(&total).Error; err != nil {
		return nil, 0, xerr.Wrap(err, xerr.DbError, "count orders failed")
	}

	orders := make([]*domain.Order, 0)
	db := orm.ApplyPagination(r.getDb(ctx).Scopes(filter), q.Page, q.Limit)
	if err := r.preloadOrder(db).Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, 0, xerr.Wrap(err, xerr.DbError, "list orders failed")
	}
	return orders, total, nil
}

// UpdateOrderStatus 带乐观锁：UPDATE orders SET status = ?, version = version + 1 WHERE id = ? AND version = ?
func (r *Ledger) UpdateOrderStatus(ctx context.Context, o *domain.Order, status domain.Status) error {
	res := r.getDb(ctx).Model(&domain.Order{}).
		Where("id = ? AND version = ?", o.ID, o.Version).
		Updates(map[string]interface{}{
			"status":  status,
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return xerr.Wrap(res.Error, xerr.DbError, "update order status failed")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order %s@%d: %w", o.ID, o.Version, domain.ErrVersionConflict)
	}
	o.Status = status
	o.Version++
	return nil
}

// ========== txs ==========

// SaveTx 只更新 leg 的可变列。tx_id 写入后永不覆盖：
// WHERE 里带上 (tx_id IS NULL OR tx_id = ?)，换绑会被当成版本冲突
func (r *Ledger) SaveTx(ctx context.Context, t *domain.Tx) error {
	updates := map[string]interface{}{
		"tx_id":              t.TxID,
		"from_address":       t.FromAddress,
		"to_address":         t.ToAddress,
		"amount":             t.Amount,
		"tx_created_at":      t.TxCreatedAt,
		"confirmations":      t.Confirmations,
		"max_confirmations":  t.MaxConfirmations,
		"raw":                t.Raw,
		"payload":            t.Payload,
		"payload_expires_at": t.PayloadExpiresAt,
		"error":              t.Error,
		"last_error":         t.LastError,
		"version":            gorm.Expr("version + 1"),
	}
	db := r.getDb(ctx).Model(&domain.Tx{}).Where("id = ? AND version = ?", t.ID, t.Version)
	if t.HasTxID() {
		db = db.Where("(tx_id IS NULL OR tx_id = ?)", *t.TxID)
	}
	res := db.Updates(updates)
	if orm.IsDuplicate(res.Error) {
		return domain.ErrClaimed
	}
	if res.Error != nil {
		return xerr.Wrap(res.Error, xerr.DbError, "save tx failed")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("tx %s@%d: %w", t.ID, t.Version, domain.ErrVersionConflict)
	}
	t.Version++
	return nil
}

func (r *Ledger) FindTxByChainID(ctx context.Context, coin domain.Coin, txID string) (*domain.Tx, error) {
	var t domain.Tx
	err := r.getDb(ctx).Where("coin = ? AND tx_id = ?", coin, txID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "query tx failed")
	}
	return &t, nil
}

func (r *Ledger) CountInFlight(ctx context.Context, coin domain.Coin, excludeID string) (int64, error) {
	var n int64
	err := r.getDb(ctx).Model(&domain.Tx{}).
		Where("coin = ? AND id <> ? AND tx_id IS NOT NULL AND payload <> ''", coin, excludeID).
		Where("error = ? AND confirmations < max_confirmations", domain.TxNoError).
		Count(&n).Error
	if err != nil {
		return 0, xerr.Wrap(err, xerr.DbError, "count in-flight txs failed")
	}
	return n, nil
}

// IsRetryable 乐观锁冲突或数据库序列化失败，调用方应重新加载后再决定
func IsRetryable(err error) bool {
	return errors.Is(err, domain.ErrVersionConflict) || orm.IsSerializationFailure(err)
}
