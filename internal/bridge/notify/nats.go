package notify

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/pkg/logger"
)

// EventUpdateOrder 订单变更事件名
const EventUpdateOrder = "update_order"

// Publisher 发布能力，*nats.Conn 直接满足
type Publisher interface {
	Publish(subject string, data []byte) error
}

type TxEvent struct {
	Coin             string     `json:"coin"`
	TxID             string     `json:"tx_id"`
	FromAddress      string     `json:"from_address"`
	ToAddress        string     `json:"to_address"`
	Amount           string     `json:"amount"`
	Error            string     `json:"error"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	Confirmations    int64      `json:"confirmations"`
	MaxConfirmations int64      `json:"max_confirmations"`
}

type OrderEvent struct {
	Event   string   `json:"event"`
	OrderID string   `json:"order_id"`
	Type    string   `json:"order_type"`
	Status  string   `json:"status"`
	InTx    *TxEvent `json:"in_tx,omitempty"`
	OutTx   *TxEvent `json:"out_tx,omitempty"`
	BurnTx  *TxEvent `json:"burn_tx,omitempty"`
}

func txEvent(t *domain.Tx) *TxEvent {
	if t == nil {
		return nil
	}
	ev := &TxEvent{
		Coin:             string(t.Coin),
		FromAddress:      t.FromAddress,
		ToAddress:        t.ToAddress,
		Amount:           t.Amount.String(),
		Error:            string(t.Error),
		CreatedAt:        t.TxCreatedAt,
		Confirmations:    t.Confirmations,
		MaxConfirmations: t.MaxConfirmations,
	}
	if t.TxID != nil {
		ev.TxID = *t.TxID
	}
	return ev
}

// NewOrderEvent 订单快照转成事件
func NewOrderEvent(o *domain.Order) *OrderEvent {
	return &OrderEvent{
		Event:   EventUpdateOrder,
		OrderID: o.ID,
		Type:    string(o.Type),
		Status:  string(o.Status),
		InTx:    txEvent(o.InTx),
		OutTx:   txEvent(o.OutTx),
		BurnTx:  txEvent(o.BurnTx),
	}
}

// Notifier 把订单变更发到 NATS subject
type Notifier struct {
	pub     Publisher
	subject string
}

var _ domain.Notifier = (*Notifier)(nil)

func New(pub Publisher, subject string) *Notifier {
	if subject == "" {
		subject = "bridge.order.updated"
	}
	return &Notifier{pub: pub, subject: subject}
}

// Connect 建立 NATS 连接，断线自动重连
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectHandler(func(*nats.Conn) {
			logger.Warn(context.Background(), "NATS 连接断开", zap.String("url", url))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(context.Background(), "NATS 已重连", zap.String("url", nc.ConnectedUrl()))
		}),
	)
}

func (n *Notifier) OrderUpdated(ctx context.Context, o *domain.Order) {
	if o == nil {
		return
	}
	payload, err := json.Marshal(NewOrderEvent(o))
	if err != nil {
		logger.Error(ctx, "订单事件序列化失败", zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	if err := n.pub.Publish(n.subject, payload); err != nil {
		logger.Warn(ctx, "订单事件发布失败",
			zap.String("order_id", o.ID),
			zap.String("subject", n.subject),
			zap.Error(err))
		return
	}
	logger.Debug(ctx, "📣 订单事件已发布", zap.String("order_id", o.ID), zap.String("status", string(o.Status)))
}
