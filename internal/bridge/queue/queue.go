package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/pkg/logger"
	"pegbridge.com/pkg/metrics"
	"pegbridge.com/pkg/safe"
	"pegbridge.com/pkg/xredis"
)

// 任务状态
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Handler 处理一个任务，返回错误表示本次尝试失败 (service.Processor)
type Handler interface {
	Process(ctx context.Context, jobID string) error
}

type Options struct {
	Name    string
	Workers int
	// JobTimeout 单次执行上限，超时算失败，下次从持久化状态继续
	JobTimeout time.Duration
	// RetryDelay 失败任务自动重新入队的延迟
	RetryDelay time.Duration
	// ClaimIdle 挂起超过这个时间的消息会被其他 consumer 认领
	ClaimIdle time.Duration
	// Block XREADGROUP 阻塞时长
	Block time.Duration
	// PromoteInterval 检查延迟集合的间隔
	PromoteInterval time.Duration
	// NoRetry 返回 true 的失败不自动重试，等人工处理后 RetryIfFailed
	NoRetry func(error) bool
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "PaymentGateway"
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = time.Hour
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Minute
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = o.JobTimeout + time.Minute
	}
	if o.Block <= 0 {
		o.Block = 2 * time.Second
	}
	if o.PromoteInterval <= 0 {
		o.PromoteInterval = time.Second
	}
}

// Job 任务当前的记录
type Job struct {
	ID        string
	Name      string
	State     string
	Attempts  int
	LastError string
}

var (
	ErrJobNotFound = errors.New("job not found")

	// 同一个 jobID 只会创建一次
	enqueueScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], "name", ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "state", "waiting", "attempts", "0", "last_error", "")
redis.call("XADD", KEYS[2], "*", "job_id", ARGV[2], "name", ARGV[1])
return 1`)

	// 只有 failed 的任务会被重新放回 stream
	requeueScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "state") ~= "failed" then
	return 0
end
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("HSET", KEYS[1], "state", "waiting")
redis.call("XADD", KEYS[2], "*", "job_id", ARGV[1], "name", redis.call("HGET", KEYS[1], "name"))
return 1`)

	// 到期的延迟任务：先从集合摘掉，摘到的那个节点负责入队
	promoteScript = redis.NewScript(`
if redis.call("ZREM", KEYS[3], ARGV[1]) == 0 then
	return 0
end
if redis.call("HGET", KEYS[1], "state") ~= "failed" then
	return 0
end
redis.call("HSET", KEYS[1], "state", "waiting")
redis.call("XADD", KEYS[2], "*", "job_id", ARGV[1], "name", redis.call("HGET", KEYS[1], "name"))
return 1`)
)

// Queue 基于 Redis Stream + consumer group 的任务队列
type Queue struct {
	rdb     *redis.Client
	opts    Options
	node    string
	stream  string
	group   string
	delayed string
}

var _ domain.Scheduler = (*Queue)(nil)

func New(rdb *redis.Client, opts Options) *Queue {
	opts.setDefaults()
	prefix := "bridge:" + opts.Name
	return &Queue{
		rdb:     rdb,
		opts:    opts,
		node:    uuid.NewString()[:8],
		stream:  prefix + ":stream",
		group:   prefix + ":workers",
		delayed: prefix + ":delayed",
	}
}

func (q *Queue) jobKey(id string) string  { return fmt.Sprintf("bridge:%s:job:%s", q.opts.Name, id) }
func (q *Queue) lockKey(id string) string { return fmt.Sprintf("bridge:%s:lock:%s", q.opts.Name, id) }

func (q *Queue) Enqueue(ctx context.Context, jobName, jobID string) error {
	n, err := enqueueScript.Run(ctx, q.rdb, []string{q.jobKey(jobID), q.stream}, jobName, jobID).Int()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	if n == 1 {
		metrics.QueueJobsTotal.WithLabelValues(q.opts.Name, "enqueued").Inc()
		logger.Debug(ctx, "任务已入队", zap.String("job_id", jobID), zap.String("name", jobName))
	}
	return nil
}

func (q *Queue) RetryIfFailed(ctx context.Context, jobID string) (bool, error) {
	n, err := requeueScript.Run(ctx, q.rdb, []string{q.jobKey(jobID), q.stream, q.delayed}, jobID).Int()
	if err != nil {
		return false, fmt.Errorf("retry %s: %w", jobID, err)
	}
	if n == 1 {
		metrics.QueueJobsTotal.WithLabelValues(q.opts.Name, "retried").Inc()
	}
	return n == 1, nil
}

// Get 查询任务记录
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	m, err := q.rdb.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrJobNotFound
	}
	attempts, _ := strconv.Atoi(m["attempts"])
	return &Job{
		ID:        jobID,
		Name:      m["name"],
		State:     m["state"],
		Attempts:  attempts,
		LastError: m["last_error"],
	}, nil
}

// Run 启动 worker 池和延迟任务搬运，阻塞到 ctx 结束
func (q *Queue) Run(ctx context.Context, h Handler) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group: %w", err)
	}
	logger.Info(ctx, "🚀 任务队列启动",
		zap.String("queue", q.opts.Name),
		zap.Int("workers", q.opts.Workers),
		zap.Duration("job_timeout", q.opts.JobTimeout))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		w := &worker{
			q:        q,
			h:        h,
			consumer: fmt.Sprintf("%s-%d", q.node, i),
			lock:     xredis.NewRedisLock(q.rdb),
		}
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	g.Go(func() error {
		q.promoteLoop(ctx)
		return nil
	})
	err = g.Wait()
	logger.Info(ctx, "任务队列已停止", zap.String("queue", q.opts.Name))
	return err
}

func (q *Queue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(q.opts.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promote(ctx); err != nil && ctx.Err() == nil {
				logger.Warn(ctx, "延迟任务搬运失败", zap.Error(err))
			}
		}
	}
}

// promote 把到期的失败任务放回 stream
func (q *Queue) promote(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{Min: "-inf", Max: now, Count: 100}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		n, err := promoteScript.Run(ctx, q.rdb, []string{q.jobKey(id), q.stream, q.delayed}, id).Int()
		if err != nil {
			return err
		}
		if n == 1 {
			metrics.QueueJobsTotal.WithLabelValues(q.opts.Name, "retried").Inc()
			logger.Info(ctx, "🔁 失败任务到期重试", zap.String("job_id", id))
		}
	}
	return nil
}

type worker struct {
	q        *Queue
	h        Handler
	consumer string
	// 每个 worker 独立 owner，本地两个 worker 也互斥
	lock *xredis.RedisLock
}

func (w *worker) loop(ctx context.Context) {
	logger.Info(ctx, "Worker 启动", zap.String("consumer", w.consumer))
	for {
		if ctx.Err() != nil {
			logger.Info(ctx, "Worker 收到停止信号，退出", zap.String("consumer", w.consumer))
			return
		}

		// 先认领死掉的 consumer 留下的消息
		msgs, err := w.reclaim(ctx)
		if err == nil && len(msgs) == 0 {
			msgs, err = w.read(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error(ctx, "读取任务失败", zap.Error(err), zap.String("consumer", w.consumer))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			w.handle(ctx, msg)
		}
	}
}

func (w *worker) reclaim(ctx context.Context) ([]redis.XMessage, error) {
	msgs, _, err := w.q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   w.q.stream,
		Group:    w.q.group,
		Consumer: w.consumer,
		MinIdle:  w.q.opts.ClaimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		metrics.QueueJobsTotal.WithLabelValues(w.q.opts.Name, "reclaimed").Inc()
		logger.Warn(ctx, "认领超时未确认的任务", zap.String("msg_id", msgs[0].ID), zap.String("consumer", w.consumer))
	}
	return msgs, nil
}

func (w *worker) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := w.q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.q.group,
		Consumer: w.consumer,
		Streams:  []string{w.q.stream, ">"},
		Count:    1,
		Block:    w.q.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (w *worker) ack(ctx context.Context, msgID string) {
	if err := w.q.rdb.XAck(ctx, w.q.stream, w.q.group, msgID).Err(); err != nil {
		logger.Error(ctx, "XACK 失败", zap.Error(err), zap.String("msg_id", msgID))
	}
}

func (w *worker) handle(ctx context.Context, msg redis.XMessage) {
	jobID, _ := msg.Values["job_id"].(string)
	if jobID == "" {
		logger.Error(ctx, "消息中缺少job_id字段，跳过", zap.String("msg_id", msg.ID))
		w.ack(ctx, msg.ID)
		return
	}

	lockKey := w.q.lockKey(jobID)
	ok, err := w.lock.TryLock(ctx, lockKey, w.q.opts.JobTimeout+time.Minute)
	if err != nil {
		// 不 ack，留给认领
		logger.Error(ctx, "任务加锁失败", zap.Error(err), zap.String("job_id", jobID))
		return
	}
	if !ok {
		// 不 ack：持有者挂掉时锁过期，消息会被再次认领
		logger.Info(ctx, "任务正在其他 worker 执行，跳过", zap.String("job_id", jobID))
		return
	}
	defer func() {
		if err := w.lock.Unlock(context.WithoutCancel(ctx), lockKey); err != nil {
			logger.Warn(ctx, "任务解锁失败", zap.Error(err), zap.String("job_id", jobID))
		}
	}()

	key := w.q.jobKey(jobID)
	state, err := w.q.rdb.HGet(ctx, key, "state").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logger.Error(ctx, "读取任务状态失败", zap.Error(err), zap.String("job_id", jobID))
		return
	}
	if state == StateCompleted {
		w.ack(ctx, msg.ID)
		return
	}

	pipe := w.q.rdb.TxPipeline()
	pipe.HSet(ctx, key, "state", StateActive)
	attempts := pipe.HIncrBy(ctx, key, "attempts", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error(ctx, "更新任务状态失败", zap.Error(err), zap.String("job_id", jobID))
		return
	}
	metrics.QueueJobsTotal.WithLabelValues(w.q.opts.Name, "started").Inc()
	logger.Info(ctx, "▶️ 开始执行任务",
		zap.String("job_id", jobID),
		zap.Int64("attempt", attempts.Val()),
		zap.String("consumer", w.consumer))

	jobCtx, cancel := context.WithTimeout(ctx, w.q.opts.JobTimeout)
	runErr := safe.Run(jobCtx, func(c context.Context) error { return w.h.Process(c, jobID) })
	cancel()

	// 进程退出时不改状态，消息留在 PEL 里由下一个实例认领
	if ctx.Err() != nil {
		logger.Warn(ctx, "任务被中断", zap.String("job_id", jobID))
		return
	}

	bg := context.WithoutCancel(ctx)
	pipe = w.q.rdb.TxPipeline()
	parked := runErr != nil && w.q.opts.NoRetry != nil && w.q.opts.NoRetry(runErr)
	switch {
	case runErr == nil:
		pipe.HSet(bg, key, "state", StateCompleted, "last_error", "")
	case parked:
		pipe.HSet(bg, key, "state", StateFailed, "last_error", runErr.Error())
	default:
		pipe.HSet(bg, key, "state", StateFailed, "last_error", runErr.Error())
		pipe.ZAdd(bg, w.q.delayed, redis.Z{
			Score:  float64(time.Now().Add(w.q.opts.RetryDelay).UnixMilli()),
			Member: jobID,
		})
	}
	pipe.XAck(bg, w.q.stream, w.q.group, msg.ID)
	if _, err := pipe.Exec(bg); err != nil {
		logger.Error(ctx, "保存任务结果失败", zap.Error(err), zap.String("job_id", jobID))
		return
	}

	if parked {
		metrics.QueueJobsTotal.WithLabelValues(w.q.opts.Name, "parked").Inc()
		logger.Error(ctx, "🛑 任务失败，需要人工处理，不再自动重试",
			zap.Error(runErr),
			zap.String("job_id", jobID))
		return
	}
	if runErr != nil {
		metrics.QueueJobsTotal.WithLabelValues(w.q.opts.Name, "failed").Inc()
		logger.Error(ctx, "❌ 任务执行失败",
			zap.Error(runErr),
			zap.String("job_id", jobID),
			zap.Duration("retry_in", w.q.opts.RetryDelay))
		return
	}
	metrics.QueueJobsTotal.WithLabelValues(w.q.opts.Name, "completed").Inc()
	logger.Info(ctx, "✅ 任务完成", zap.String("job_id", jobID))
}
