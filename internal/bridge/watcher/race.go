package watcher

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/pkg/logger"
	"pegbridge.com/pkg/metrics"
	"pegbridge.com/pkg/safe"
)

// task 参与竞速的一个发现策略；skippable 的失败不结束竞速
type task struct {
	name      string
	skippable bool
	run       func(ctx context.Context) (bool, error)
}

type outcome struct {
	task task
	ok   bool
	err  error
}

// race 并发执行所有策略，第一个成功、或第一个 non-skippable 失败决定结果。
// ctx 结束时返回 (false, nil)，由调用方区分超时和取消
func race(ctx context.Context, chain domain.Chain, tasks ...task) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome, len(tasks))
	for _, t := range tasks {
		safe.GoCtx(ctx, func(ctx context.Context) {
			var ok bool
			err := safe.Run(ctx, func(ctx context.Context) error {
				var err error
				ok, err = t.run(ctx)
				return err
			})
			results <- outcome{task: t, ok: ok, err: err}
		})
	}

	var lastErr error
	for pending := len(tasks); pending > 0; pending-- {
		select {
		case <-ctx.Done():
			return false, nil
		case r := <-results:
			if r.ok {
				metrics.WatcherResultTotal.WithLabelValues(string(chain), r.task.name, "found").Inc()
				return true, nil
			}
			if ctx.Err() != nil {
				return false, nil
			}
			if !r.task.skippable || decisive(r.err) {
				metrics.WatcherResultTotal.WithLabelValues(string(chain), r.task.name, "error").Inc()
				return false, r.err
			}
			if r.err != nil {
				lastErr = r.err
				metrics.WatcherResultTotal.WithLabelValues(string(chain), r.task.name, "skipped_error").Inc()
				logger.Warn(ctx, "可跳过的发现策略失败，继续等待其他策略",
					zap.String("chain", string(chain)),
					zap.String("strategy", r.task.name),
					zap.Error(r.err))
			}
		}
	}
	return false, lastErr
}

// decisive 入账已被认领但被拒绝 (限额等)，不管哪个策略遇到都结束竞速
func decisive(err error) bool {
	var f *domain.TxFailure
	return errors.As(err, &f)
}
