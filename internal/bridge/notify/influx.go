package notify

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/pkg/logger"
)

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	BatchSize     uint
	FlushInterval time.Duration
	UseGzip       bool
}

// PointWriter api.WriteAPI 的子集
type PointWriter interface {
	WritePoint(p *write.Point)
}

// InfluxSink 每次订单变更写一个点，供看板统计桥接量和各阶段耗时
type InfluxSink struct {
	client influxdb2.Client
	write  PointWriter
	now    func() time.Time
}

var _ domain.Notifier = (*InfluxSink)(nil)

func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}
	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)

	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	w := c.WriteAPI(cfg.Org, cfg.Bucket)
	// 异步写入的错误必须消费，否则会阻塞
	go func() {
		for err := range w.Errors() {
			logger.Warn(context.Background(), "influx write error", zap.Error(err))
		}
	}()
	return &InfluxSink{client: c, write: w, now: time.Now}
}

func newInfluxSink(w PointWriter, now func() time.Time) *InfluxSink {
	return &InfluxSink{write: w, now: now}
}

// Close flush 缓冲区
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *InfluxSink) OrderUpdated(_ context.Context, o *domain.Order) {
	if o == nil {
		return
	}
	tags := map[string]string{
		"order_type": string(o.Type),
		"status":     string(o.Status),
	}
	fields := map[string]interface{}{
		"order_id": o.ID,
	}
	if o.InTx != nil {
		tags["coin"] = string(o.InTx.Coin)
		f, _ := o.InTx.Amount.Float64()
		fields["amount"] = f
		fields["in_confirmations"] = o.InTx.Confirmations
	}
	if leg := o.OutTx; leg != nil {
		fields["out_confirmations"] = leg.Confirmations
		if leg.Error != domain.TxNoError {
			tags["out_error"] = string(leg.Error)
		}
	}
	s.write.WritePoint(write.NewPoint("bridge_order", tags, fields, s.now()))
}

// Multi 依次通知多个下游
type Multi []domain.Notifier

func (m Multi) OrderUpdated(ctx context.Context, o *domain.Order) {
	for _, n := range m {
		n.OrderUpdated(ctx, o)
	}
}
