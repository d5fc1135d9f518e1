package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/pkg/logger"
)

var errSubscriptionClosed = errors.New("transfer subscription closed")

// Recorder 把候选转账写到订单的入账 leg 上，由 commit.Committer 实现
type Recorder interface {
	Record(ctx context.Context, orderID string, stage domain.Stage, tr domain.Transfer, confirmations int64) (bool, error)
}

// ChainOptions 单条链的扫描参数
type ChainOptions struct {
	// BatchSize 历史扫描每批区块数
	BatchSize int64
	// Floor 历史扫描的最低高度 (合约部署高度 / 网关账户创建高度)
	Floor int64
	// MemoRequired 入账靠 memo 区分用户 (资产链转到网关账户)
	MemoRequired bool
}

type Options struct {
	// Timeout 单次 Discover 最长等待，0 表示只受调用方 ctx 约束
	Timeout time.Duration
	Chains  map[domain.Chain]ChainOptions
}

// Watcher 为订单的入账阶段找到唯一一笔匹配的链上转账
type Watcher struct {
	recorder Recorder
	adapters domain.Adapters
	coins    domain.Coins
	opts     Options
}

func New(recorder Recorder, adapters domain.Adapters, coins domain.Coins, opts Options) *Watcher {
	return &Watcher{recorder: recorder, adapters: adapters, coins: coins, opts: opts}
}

func (w *Watcher) chainOptions(c domain.Chain) ChainOptions {
	co := w.opts.Chains[c]
	if co.BatchSize <= 0 {
		co.BatchSize = 1000
	}
	if co.Floor < 0 {
		co.Floor = 0
	}
	return co
}

// Discover 历史回扫与实时订阅竞速。
// 返回 true 表示入账已落库；false 表示暂时没有更多证据 (超时)；
// 适配器重试耗尽时返回 ChainError
func (w *Watcher) Discover(ctx context.Context, o *domain.Order, stage domain.Stage) (bool, error) {
	if !stage.Inbound() {
		return false, fmt.Errorf("discover %s: %w", stage, domain.ErrUnsupportedLeg)
	}
	leg := o.Leg(stage)
	if leg == nil {
		return false, domain.ErrLegMissing
	}
	if leg.HasTxID() {
		return true, nil
	}
	info, err := w.coins.Lookup(leg.Coin)
	if err != nil {
		return false, err
	}
	adapter, err := w.adapters.Get(info.Chain)
	if err != nil {
		return false, err
	}
	co := w.chainOptions(info.Chain)

	var memo string
	if co.MemoRequired {
		if o.DerivedWallet == nil {
			return false, domain.ErrWalletNotFound
		}
		memo = o.DerivedWallet.Address
	}
	s := &scan{
		order:    o,
		stage:    stage,
		adapter:  adapter,
		recorder: w.recorder,
		filter:   domain.TransferFilter{To: []string{leg.ToAddress}, Asset: info.Asset},
		memo:     memo,
		opts:     co,
	}

	dctx := ctx
	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
	}

	logger.Info(ctx, "🔍 开始查找入账",
		zap.String("order_id", o.ID),
		zap.String("chain", string(info.Chain)),
		zap.String("to", leg.ToAddress))
	found, err := race(dctx, info.Chain,
		task{name: "historical", skippable: true, run: s.historical},
		task{name: "live", skippable: false, run: s.live},
	)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return false, err
	}
	if !found {
		logger.Info(ctx, "暂未发现入账", zap.String("order_id", o.ID))
	}
	return found, nil
}

// scan 一次 Discover 的共享状态
type scan struct {
	order    *domain.Order
	stage    domain.Stage
	adapter  domain.ChainAdapter
	recorder Recorder
	filter   domain.TransferFilter
	memo     string
	opts     ChainOptions
}

// historical 从不可逆高度往回按批扫描；单批失败只记录，整段扫完仍没找到才返回最后的错误
func (s *scan) historical(ctx context.Context) (bool, error) {
	top, err := s.adapter.IrreversibleHeight(ctx)
	if err != nil {
		return false, err
	}
	var lastErr error
	for to := top; to >= s.opts.Floor; to -= s.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		from := to - s.opts.BatchSize + 1
		if from < s.opts.Floor {
			from = s.opts.Floor
		}
		transfers, err := s.adapter.FetchTransfers(ctx, from, to, s.filter)
		if err != nil {
			lastErr = err
			logger.Warn(ctx, "历史区块拉取失败，跳过该批",
				zap.Int64("from", from),
				zap.Int64("to", to),
				zap.Error(err))
			continue
		}
		// 批内从新到旧
		for i := len(transfers) - 1; i >= 0; i-- {
			ok, err := s.accept(ctx, transfers[i])
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, lastErr
}

// live 订阅新转账，第一笔记录成功即返回
func (s *scan) live(ctx context.Context) (bool, error) {
	sink := make(chan domain.Transfer, 64)
	sub, err := s.adapter.SubscribeTransfers(ctx, s.filter, sink)
	if err != nil {
		return false, err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errSubscriptionClosed
			}
			return false, err
		case tr := <-sink:
			ok, err := s.accept(ctx, tr)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
}

// accept memo 过滤后交给 Recorder；不属于本订单的转账返回 false
func (s *scan) accept(ctx context.Context, tr domain.Transfer) (bool, error) {
	if s.opts.MemoRequired {
		if !tr.HasMemo {
			logger.Debug(ctx, "转账没有 memo，跳过", zap.String("tx_id", tr.TxID), zap.String("code", string(domain.TxNoMemo)))
			return false, nil
		}
		if tr.Memo != s.memo {
			return false, nil
		}
	}

	var confirmations int64
	if tr.BlockHeight > 0 {
		head, err := s.adapter.GetHeight(ctx)
		if err != nil {
			return false, err
		}
		confirmations = head - tr.BlockHeight + 1
	}
	return s.recorder.Record(ctx, s.order.ID, s.stage, tr, confirmations)
}
