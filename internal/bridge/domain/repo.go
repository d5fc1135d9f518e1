package domain

import "context"

// OrderQuery 订单列表查询条件，零值字段不参与过滤
type OrderQuery struct {
	WalletID uint64
	Type     OrderType
	Status   Status
	Page     int
	Limit    int
}

// Ledger 订单账本。所有写操作都可以放进 Transaction 里，
// 事务通过 ctx 传递，仓储方法自动复用
type Ledger interface {
	// Transaction 可串行化事务；fn 内必须只使用传入的 ctx
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	FindOrCreateWallet(ctx context.Context, chain Chain, invoice string) (*Wallet, error)
	// FindDerivedWallet 找不到返回 ErrWalletNotFound
	FindDerivedWallet(ctx context.Context, walletID uint64, chain Chain) (*DerivedWallet, error)
	FindDerivedWalletByAddress(ctx context.Context, chain Chain, address string) (*DerivedWallet, error)
	CreateDerivedWallet(ctx context.Context, dw *DerivedWallet) error

	// CreateOrder 连同 InTx/OutTx/BurnTx 一起落库
	CreateOrder(ctx context.Context, o *Order) error
	// GetOrder 预加载 legs 与 DerivedWallet.Wallet；找不到返回 ErrOrderNotFound
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByJobID(ctx context.Context, jobID string) (*Order, error)
	// FindOpenOrder 同一 derived wallet + type 下未完成的订单
	FindOpenOrder(ctx context.Context, walletID uint64, typ OrderType) (*Order, error)
	ListOrders(ctx context.Context, q OrderQuery) ([]*Order, int64, error)
	// UpdateOrderStatus 乐观锁更新状态，成功后 o.Status/o.Version 同步；冲突返回 ErrVersionConflict
	UpdateOrderStatus(ctx context.Context, o *Order, status Status) error

	// SaveTx 乐观锁保存 leg 的可变字段；冲突返回 ErrVersionConflict，
	// (coin, tx_id) 被占用返回 ErrClaimed
	SaveTx(ctx context.Context, t *Tx) error
	// FindTxByChainID 认领查询，不存在返回 nil, nil
	FindTxByChainID(ctx context.Context, coin Coin, txID string) (*Tx, error)
	// CountInFlight 某币种已签名出账但还没达到确认数、也没有失败的 leg 数量
	CountInFlight(ctx context.Context, coin Coin, excludeID string) (int64, error)
}

// Scheduler 任务队列对引擎暴露的能力
type Scheduler interface {
	// Enqueue 同一个 jobID 只会入队一次
	Enqueue(ctx context.Context, jobName, jobID string) error
	// RetryIfFailed 只有失败的任务会被重新入队；返回是否真的重新入队
	RetryIfFailed(ctx context.Context, jobID string) (bool, error)
}

// Notifier 订单变更通知，失败只记日志
type Notifier interface {
	OrderUpdated(ctx context.Context, o *Order)
}

// NopNotifier 不发送任何通知
type NopNotifier struct{}

func (NopNotifier) OrderUpdated(context.Context, *Order) {}
