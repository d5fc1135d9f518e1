// Package chain 链适配器的公共装饰：熔断、限速、有限次重试与耗时统计
package chain

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/pkg/logger"
	"pegbridge.com/pkg/metrics"
	"pegbridge.com/pkg/ratelimit"
)

type GuardOptions struct {
	// Retries 首次调用之外的重试次数
	Retries      int
	RetryBackoff time.Duration
}

// Guard 包一层 ChainAdapter：
// 每次调用先过令牌桶，再进熔断器；可重试错误按固定间隔重试，耗尽后包装成 ChainError
type Guard struct {
	inner    domain.ChainAdapter
	breakers *ratelimit.Manager
	limiter  *ratelimit.Store
	opts     GuardOptions
}

var _ domain.ChainAdapter = (*Guard)(nil)

func NewGuard(inner domain.ChainAdapter, breakers *ratelimit.Manager, limiter *ratelimit.Store, opts GuardOptions) *Guard {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	return &Guard{inner: inner, breakers: breakers, limiter: limiter, opts: opts}
}

// Benign 不代表节点不健康的错误，不计入熔断
func Benign(err error) bool {
	var f *domain.TxFailure
	return errors.As(err, &f) || errors.Is(err, domain.ErrUnsupportedLeg)
}

func retryable(err error) bool {
	if err == nil || Benign(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (g *Guard) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	chain := string(g.inner.Chain())
	resource := chain + "/" + method

	var err error
	for attempt := 0; attempt <= g.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.opts.RetryBackoff):
			}
		}
		if g.limiter != nil {
			if werr := g.limiter.Wait(ctx, chain); werr != nil {
				return werr
			}
		}

		start := time.Now()
		if g.breakers != nil {
			err = g.breakers.Execute(resource, func() error { return fn(ctx) })
		} else {
			err = fn(ctx)
		}
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ChainRPCDuration.WithLabelValues(chain, method, result).Observe(time.Since(start).Seconds())

		if !retryable(err) {
			return err
		}
		logger.Warn(ctx, "链 RPC 调用失败",
			zap.String("resource", resource),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return &domain.ChainError{Chain: g.inner.Chain(), Op: method, Err: err}
}

func (g *Guard) Chain() domain.Chain { return g.inner.Chain() }

func (g *Guard) GetHeight(ctx context.Context) (h int64, err error) {
	err = g.call(ctx, "GetHeight", func(ctx context.Context) error {
		h, err = g.inner.GetHeight(ctx)
		return err
	})
	return h, err
}

func (g *Guard) IrreversibleHeight(ctx context.Context) (h int64, err error) {
	err = g.call(ctx, "IrreversibleHeight", func(ctx context.Context) error {
		h, err = g.inner.IrreversibleHeight(ctx)
		return err
	})
	return h, err
}

func (g *Guard) FetchTransfers(ctx context.Context, from, to int64, f domain.TransferFilter) (out []domain.Transfer, err error) {
	err = g.call(ctx, "FetchTransfers", func(ctx context.Context) error {
		out, err = g.inner.FetchTransfers(ctx, from, to, f)
		return err
	})
	return out, err
}

func (g *Guard) GetReceipt(ctx context.Context, txID string) (r *domain.Receipt, err error) {
	err = g.call(ctx, "GetReceipt", func(ctx context.Context) error {
		r, err = g.inner.GetReceipt(ctx, txID)
		return err
	})
	return r, err
}

func (g *Guard) IsKnown(ctx context.Context, txID string) (known bool, err error) {
	err = g.call(ctx, "IsKnown", func(ctx context.Context) error {
		known, err = g.inner.IsKnown(ctx, txID)
		return err
	})
	return known, err
}

func (g *Guard) Precision(ctx context.Context, asset string) (p int32, err error) {
	err = g.call(ctx, "Precision", func(ctx context.Context) error {
		p, err = g.inner.Precision(ctx, asset)
		return err
	})
	return p, err
}

func (g *Guard) SubscribeTransfers(ctx context.Context, f domain.TransferFilter, sink chan<- domain.Transfer) (sub domain.Subscription, err error) {
	err = g.call(ctx, "SubscribeTransfers", func(ctx context.Context) error {
		sub, err = g.inner.SubscribeTransfers(ctx, f, sink)
		return err
	})
	return sub, err
}

func (g *Guard) BuildLeg(ctx context.Context, req domain.LegRequest) (tx *domain.UnsignedTx, err error) {
	err = g.call(ctx, "BuildLeg", func(ctx context.Context) error {
		tx, err = g.inner.BuildLeg(ctx, req)
		return err
	})
	return tx, err
}

// Sign 本地签名，不经过熔断和限速
func (g *Guard) Sign(ctx context.Context, tx *domain.UnsignedTx) (*domain.SignedTx, error) {
	return g.inner.Sign(ctx, tx)
}

// Broadcast 重播同一个签名交易是幂等的，可以放心重试
func (g *Guard) Broadcast(ctx context.Context, tx *domain.SignedTx) error {
	return g.call(ctx, "Broadcast", func(ctx context.Context) error {
		return g.inner.Broadcast(ctx, tx)
	})
}
