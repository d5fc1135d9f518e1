package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/internal/bridge/repo"
	"pegbridge.com/pkg/logger"
	"pegbridge.com/pkg/metrics"
	"pegbridge.com/pkg/safe"
)

// maxReloads 状态被并发推进时重新加载的上限，防止两个 worker 互相打架时死循环
const maxReloads = 20

// Discoverer 入账阶段：找到并记录链上转账 (watcher.Watcher)
type Discoverer interface {
	Discover(ctx context.Context, o *domain.Order, stage domain.Stage) (bool, error)
}

// LegCommitter 出账阶段：签名落库广播，失败时记录错误 (commit.Committer)
type LegCommitter interface {
	Create(ctx context.Context, orderID string, stage domain.Stage) (*domain.Tx, error)
	MarkFailed(ctx context.Context, orderID string, stage domain.Stage, cause error) error
}

// FinalityTracker 等待 leg 达到确认深度 (tracker.Tracker)
type FinalityTracker interface {
	AwaitFinality(ctx context.Context, orderID string, stage domain.Stage) (bool, error)
}

// Processor 订单状态机：按订单类型的阶段序列逐个推进，直到终态 ok。
// 每个阶段的结果都已持久化，任意时刻中断后重新执行会从当前状态继续
type Processor struct {
	ledger    domain.Ledger
	watcher   Discoverer
	committer LegCommitter
	tracker   FinalityTracker
	notifier  domain.Notifier
	tracer    trace.Tracer
}

func NewProcessor(ledger domain.Ledger, watcher Discoverer, committer LegCommitter, tracker FinalityTracker, notifier domain.Notifier) *Processor {
	if notifier == nil {
		notifier = domain.NopNotifier{}
	}
	return &Processor{
		ledger:    ledger,
		watcher:   watcher,
		committer: committer,
		tracker:   tracker,
		notifier:  notifier,
		tracer:    otel.Tracer("pegbridge/processor"),
	}
}

// Process 处理一个订单任务。返回错误表示本次尝试失败，由调度器稍后重试
func (p *Processor) Process(ctx context.Context, jobID string) (err error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "order.process", trace.WithAttributes(attribute.String("job_id", jobID)))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.JobDuration.WithLabelValues("order", result).Observe(time.Since(start).Seconds())
		span.End()
	}()

	return safe.Run(ctx, func(ctx context.Context) error {
		return p.process(ctx, jobID)
	})
}

func (p *Processor) process(ctx context.Context, jobID string) error {
	for reloads := 0; ; {
		if err := ctx.Err(); err != nil {
			return err
		}
		o, err := p.ledger.GetOrderByJobID(ctx, jobID)
		if err != nil {
			return err
		}
		if o.Type == domain.OrderTypeTrash {
			logger.Info(ctx, "🗑️ 作废订单，不处理", zap.String("order_id", o.ID))
			return nil
		}
		pos, err := o.Flow().Locate(o.Status)
		if err != nil {
			logger.Error(ctx, "订单状态无法识别", zap.String("order_id", o.ID), zap.String("status", string(o.Status)), zap.Error(err))
			return err
		}
		if pos.Done {
			return nil
		}

		if pos.Finalize {
			err = p.finalize(ctx, o)
		} else {
			err = p.runStage(ctx, o, pos.Stage)
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, domain.ErrStatusGuard) || repo.IsRetryable(err):
			// 别的 worker 推进了订单，重新加载再决定
			reloads++
			if reloads > maxReloads {
				return err
			}
			logger.Debug(ctx, "订单已被并发推进，重新加载", zap.String("order_id", o.ID), zap.Error(err))
			continue
		default:
			return err
		}
	}
}

// runStage 推进一个阶段到 ok；入账阶段先发现转账，出账阶段先签名广播，之后都等最终确认
func (p *Processor) runStage(ctx context.Context, o *domain.Order, stage domain.Stage) error {
	ctx, span := p.tracer.Start(ctx, "order.stage", trace.WithAttributes(
		attribute.String("order_id", o.ID),
		attribute.String("stage", stage.String()),
	))
	defer span.End()

	logger.Info(ctx, "▶️ 推进阶段",
		zap.String("order_id", o.ID),
		zap.String("type", string(o.Type)),
		zap.String("stage", stage.String()),
		zap.String("status", string(o.Status)))

	if stage.Inbound() {
		found, err := p.watcher.Discover(ctx, o, stage)
		if err != nil {
			return p.fail(ctx, o.ID, stage, err)
		}
		if !found {
			return p.fail(ctx, o.ID, stage, fmt.Errorf("%s: no matching transfer to %s: %w", stage, o.Leg(stage).ToAddress, domain.ErrTxNotFound))
		}
	} else {
		if _, err := p.committer.Create(ctx, o.ID, stage); err != nil {
			return p.fail(ctx, o.ID, stage, err)
		}
	}
	p.notify(ctx, o.ID)

	final, err := p.tracker.AwaitFinality(ctx, o.ID, stage)
	if err != nil {
		return p.fail(ctx, o.ID, stage, err)
	}
	if !final {
		// tracker 已经把阶段标成 err
		p.notify(ctx, o.ID)
		return fmt.Errorf("%s of order %s not final: %w", stage, o.ID, domain.ErrTxNotFound)
	}
	p.notify(ctx, o.ID)
	return nil
}

// fail 业务错误写入 leg 并把阶段切到 err；其他错误原样返回给调度器
func (p *Processor) fail(ctx context.Context, orderID string, stage domain.Stage, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	if !domain.IsDomainError(cause) {
		return cause
	}
	if err := p.committer.MarkFailed(ctx, orderID, stage, cause); err != nil {
		logger.Error(ctx, "记录阶段失败时出错", zap.String("order_id", orderID), zap.Error(err))
		return errors.Join(cause, err)
	}
	p.notify(ctx, orderID)
	return cause
}

// notify 重新加载订单并推送变更，失败只记日志
func (p *Processor) notify(ctx context.Context, orderID string) {
	o, err := p.ledger.GetOrder(ctx, orderID)
	if err != nil {
		logger.Warn(ctx, "加载订单用于通知失败", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	p.notifier.OrderUpdated(ctx, o)
}

// finalize 所有阶段都已 ok，订单切到终态
func (p *Processor) finalize(ctx context.Context, o *domain.Order) error {
	if err := p.ledger.Transaction(ctx, func(ctx context.Context) error {
		return p.ledger.UpdateOrderStatus(ctx, o, domain.StatusOK)
	}); err != nil {
		return err
	}
	metrics.StageTransitionTotal.WithLabelValues(string(o.Type), o.Flow().Last().String(), string(domain.StatusOK)).Inc()
	logger.Info(ctx, "✅ 订单完成", zap.String("order_id", o.ID), zap.String("type", string(o.Type)))
	p.notifier.OrderUpdated(ctx, o)
	return nil
}
