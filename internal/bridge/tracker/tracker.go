package tracker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/pkg/logger"
)

// OrderLoader 只需要读订单
type OrderLoader interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
}

// Confirmer 确认数与失败状态的落库，由 commit.Committer 实现
type Confirmer interface {
	Confirm(ctx context.Context, orderID string, stage domain.Stage, confirmations int64, final bool) (*domain.Order, error)
	MarkFailed(ctx context.Context, orderID string, stage domain.Stage, cause error) error
}

type Options struct {
	// BlockCheckTime 两次轮询之间的间隔
	BlockCheckTime time.Duration
	// TryCheckNumber 交易一直不在链上时最多轮询的次数
	TryCheckNumber int
}

// Tracker 轮询 leg 直到不可逆或放弃
type Tracker struct {
	orders    OrderLoader
	confirmer Confirmer
	adapters  domain.Adapters
	coins     domain.Coins
	opts      Options
	now       func() time.Time
}

func New(orders OrderLoader, confirmer Confirmer, adapters domain.Adapters, coins domain.Coins, opts Options) *Tracker {
	if opts.BlockCheckTime <= 0 {
		opts.BlockCheckTime = 30 * time.Second
	}
	if opts.TryCheckNumber <= 0 {
		opts.TryCheckNumber = 20
	}
	return &Tracker{
		orders:    orders,
		confirmer: confirmer,
		adapters:  adapters,
		coins:     coins,
		opts:      opts,
		now:       time.Now,
	}
}

// AwaitFinality 阻塞直到阶段的交易达到目标确认深度 (或不可逆) 返回 true。
// 交易迟迟不上链 / 执行失败 / 签名过期时阶段已被标记为 err，返回 false
func (t *Tracker) AwaitFinality(ctx context.Context, orderID string, stage domain.Stage) (bool, error) {
	misses := 0
	for {
		o, err := t.orders.GetOrder(ctx, orderID)
		if err != nil {
			return false, err
		}
		if o.Past(stage) {
			return true, nil
		}
		leg := o.Leg(stage)
		if !leg.HasTxID() {
			return false, domain.ErrLegMissing
		}
		if leg.Blocked() {
			return false, domain.NewTxFailure(leg.Error, "leg blocked, operator intervention required", nil)
		}

		info, err := t.coins.Lookup(leg.Coin)
		if err != nil {
			return false, err
		}
		adapter, err := t.adapters.Get(info.Chain)
		if err != nil {
			return false, err
		}

		txID := leg.ChainTxID()
		receipt, err := adapter.GetReceipt(ctx, txID)
		if err != nil {
			return false, err
		}

		if receipt == nil {
			// 不在链上 (还没打包，或者被重组挤掉了)
			if leg.Signed() {
				if leg.PayloadExpired(t.now()) {
					cause := domain.NewTxFailure(domain.TxUnknownError, "signed transaction expired before inclusion", domain.ErrPayloadExpired)
					return false, t.confirmer.MarkFailed(ctx, orderID, stage, cause)
				}
				t.rebroadcast(ctx, adapter, leg)
			}
			if leg.Confirmations > 0 {
				logger.Warn(ctx, "交易从链上消失，按未打包处理", zap.String("order_id", orderID), zap.String("tx_id", txID))
				if _, err := t.confirmer.Confirm(ctx, orderID, stage, 0, false); err != nil {
					return false, err
				}
			}
			misses++
			if misses >= t.opts.TryCheckNumber {
				logger.Warn(ctx, "⏳ 交易长时间未上链",
					zap.String("order_id", orderID),
					zap.String("stage", stage.String()),
					zap.String("tx_id", txID),
					zap.Int("attempts", misses))
				return false, t.confirmer.MarkFailed(ctx, orderID, stage, domain.ErrTxNotFound)
			}
			if err := sleep(ctx, t.opts.BlockCheckTime); err != nil {
				return false, err
			}
			continue
		}
		misses = 0

		if !receipt.Success {
			cause := domain.NewTxFailure(domain.TxUnknownError, fmt.Sprintf("transaction reverted in block %d", receipt.BlockHeight), nil)
			return false, t.confirmer.MarkFailed(ctx, orderID, stage, cause)
		}

		head, err := adapter.GetHeight(ctx)
		if err != nil {
			return false, err
		}
		confirmations := head - receipt.BlockHeight + 1
		if confirmations < 0 {
			confirmations = 0
		}
		final := leg.MaxConfirmations > 0 && confirmations >= leg.MaxConfirmations
		if !final {
			if final, err = domain.IsFinal(ctx, adapter, receipt.BlockHeight); err != nil {
				return false, err
			}
		}

		updated, err := t.confirmer.Confirm(ctx, orderID, stage, confirmations, final)
		if err != nil {
			return false, err
		}
		logger.Debug(ctx, "确认数",
			zap.String("order_id", orderID),
			zap.String("stage", stage.String()),
			zap.Int64("confirmations", confirmations),
			zap.Bool("final", final))
		if final || updated.Past(stage) {
			return true, nil
		}
		if err := sleep(ctx, t.opts.BlockCheckTime); err != nil {
			return false, err
		}
	}
}

// rebroadcast 网络不认识这笔交易时原样重播；失败只记日志，下一轮再试
func (t *Tracker) rebroadcast(ctx context.Context, adapter domain.ChainAdapter, leg *domain.Tx) {
	known, err := adapter.IsKnown(ctx, leg.ChainTxID())
	if err != nil {
		logger.Warn(ctx, "查询交易状态失败", zap.String("tx_id", leg.ChainTxID()), zap.Error(err))
		return
	}
	if known {
		return
	}
	signed := &domain.SignedTx{
		TxID:      leg.ChainTxID(),
		From:      leg.FromAddress,
		Payload:   leg.Payload,
		ExpiresAt: leg.PayloadExpiresAt,
	}
	if err := adapter.Broadcast(ctx, signed); err != nil {
		logger.Warn(ctx, "重播交易失败", zap.String("tx_id", signed.TxID), zap.Error(err))
		return
	}
	logger.Info(ctx, "📡 交易已重播", zap.String("tx_id", signed.TxID))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
