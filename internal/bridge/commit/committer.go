package commit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/pkg/logger"
	"pegbridge.com/pkg/metrics"
)

// maxConflictRetries 乐观锁冲突后重新加载再决定的次数
const maxConflictRetries = 5

var (
	// errLostClaim (coin, tx_id) 在写入时被别的 leg 抢先认领
	errLostClaim = errors.New("claim lost")
	// errHotWalletBusy 热钱包还有未确认的出账，等它落定再签，避免 nonce 冲突
	errHotWalletBusy = errors.New("hot wallet has in-flight transaction")
)

// Bounds 单币种入账限额，nil 表示不限制
type Bounds struct {
	Min *decimal.Decimal
	Max *decimal.Decimal
}

type Options struct {
	// RequiredConfirmations leg 上没有写 max_confirmations 时使用
	RequiredConfirmations int64
	// BusyWait 热钱包忙时的等待间隔
	BusyWait time.Duration
	Limits   map[domain.Coin]Bounds
}

// Committer 入账记录 (Record) 与出账创建 (Create)，保证同一笔链上交易只被认领一次、
// 出账交易只签一次
type Committer struct {
	ledger   domain.Ledger
	adapters domain.Adapters
	coins    domain.Coins
	notifier domain.Notifier
	opts     Options
	now      func() time.Time
}

func New(ledger domain.Ledger, adapters domain.Adapters, coins domain.Coins, notifier domain.Notifier, opts Options) *Committer {
	if notifier == nil {
		notifier = domain.NopNotifier{}
	}
	if opts.BusyWait <= 0 {
		opts.BusyWait = 30 * time.Second
	}
	return &Committer{
		ledger:   ledger,
		adapters: adapters,
		coins:    coins,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
	}
}

var legKinds = map[domain.Stage]domain.LegKind{
	domain.StageIssue:      domain.LegIssue,
	domain.StageBurn:       domain.LegBurn,
	domain.StageTransferTo: domain.LegTransfer,
}

// retry 在事务里执行 fn，乐观锁冲突时重新执行 (fn 自己负责重新加载)
func (c *Committer) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = c.ledger.Transaction(ctx, fn)
		if !errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		logger.Debug(ctx, "乐观锁冲突，重新加载", zap.Int("attempt", i+1), zap.Error(err))
	}
	return err
}

// Record 把观察到的入账转账写到订单的入账 leg 上。
// 返回 false 表示这笔转账不属于该订单 (已被别的 leg 认领、leg 已绑定其他交易)
func (c *Committer) Record(ctx context.Context, orderID string, stage domain.Stage, tr domain.Transfer, confirmations int64) (bool, error) {
	if !stage.Inbound() {
		return false, fmt.Errorf("record %s: %w", stage, domain.ErrUnsupportedLeg)
	}
	if confirmations < 0 {
		confirmations = 0
	}

	var (
		recorded bool
		failure  error
		changed  *domain.Order
	)
	err := c.retry(ctx, func(ctx context.Context) error {
		recorded, failure, changed = false, nil, nil

		o, err := c.ledger.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		leg := o.Leg(stage)
		if leg == nil {
			return domain.ErrLegMissing
		}
		if o.Past(stage) {
			// 已经越过该阶段，不做任何修改
			recorded = leg.ChainTxID() == tr.TxID
			return nil
		}
		if leg.Blocked() {
			failure = domain.NewTxFailure(leg.Error, "leg blocked, operator intervention required", nil)
			return nil
		}
		if !o.Accepts(stage) {
			return fmt.Errorf("%w: %s in %s", domain.ErrStatusGuard, stage, o.Status)
		}
		if err := c.matchAsset(leg, tr); err != nil {
			logger.Warn(ctx, "转账资产与 leg 不匹配，跳过", zap.String("tx_id", tr.TxID), zap.Error(err))
			return nil
		}
		if leg.HasTxID() && leg.ChainTxID() != tr.TxID {
			return nil
		}

		if !leg.HasTxID() {
			claimed, err := c.ledger.FindTxByChainID(ctx, leg.Coin, tr.TxID)
			if err != nil {
				return err
			}
			if claimed != nil && claimed.ID != leg.ID {
				return nil
			}
			c.populate(leg, tr)
			b := c.opts.Limits[leg.Coin]
			failure = checkLimits(tr.Amount, b.Min, b.Max)
		}

		leg.Confirmations = confirmations
		status := stage.Pending()
		if leg.MaxConfirmations > 0 && confirmations >= leg.MaxConfirmations {
			status = stage.OK()
		}
		if failure != nil {
			leg.Error = domain.Classify(failure)
			leg.LastError = domain.EncodeLastError(stage, failure, c.now())
			status = stage.Err()
		}

		if err := c.ledger.SaveTx(ctx, leg); err != nil {
			if errors.Is(err, domain.ErrClaimed) {
				return errLostClaim
			}
			return err
		}
		if o.Status != status {
			if err := c.ledger.UpdateOrderStatus(ctx, o, status); err != nil {
				return err
			}
			metrics.StageTransitionTotal.WithLabelValues(string(o.Type), stage.String(), string(status)).Inc()
		}
		recorded = failure == nil
		changed = o
		return nil
	})
	if errors.Is(err, errLostClaim) {
		logger.Info(ctx, "转账已被其他订单认领", zap.String("order_id", orderID), zap.String("tx_id", tr.TxID))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if changed != nil {
		logger.Info(ctx, "📥 入账已记录",
			zap.String("order_id", orderID),
			zap.String("stage", stage.String()),
			zap.String("tx_id", tr.TxID),
			zap.String("amount", tr.Amount.String()),
			zap.Int64("confirmations", confirmations),
			zap.String("status", string(changed.Status)))
		c.notifier.OrderUpdated(ctx, changed)
	}
	return recorded, failure
}

func (c *Committer) matchAsset(leg *domain.Tx, tr domain.Transfer) error {
	info, err := c.coins.Lookup(leg.Coin)
	if err != nil {
		return err
	}
	if tr.Asset != "" && !strings.EqualFold(info.Asset, tr.Asset) {
		return fmt.Errorf("asset %s, want %s", tr.Asset, info.Asset)
	}
	return nil
}

// populate 只在 leg 第一次绑定时调用
func (c *Committer) populate(leg *domain.Tx, tr domain.Transfer) {
	id := tr.TxID
	now := c.now()
	leg.TxID = &id
	leg.FromAddress = tr.From
	if leg.ToAddress == "" {
		leg.ToAddress = tr.To
	}
	leg.Amount = tr.Amount
	leg.TxCreatedAt = &now
	if leg.MaxConfirmations == 0 {
		leg.MaxConfirmations = c.opts.RequiredConfirmations
	}
	if raw, err := json.Marshal(tr); err == nil {
		leg.Raw = string(raw)
	}
	leg.Error = domain.TxNoError
	leg.LastError = ""
}

// Create 为出账阶段构造、签名并落库交易，落库之后才广播。
// leg 上已有签名交易时直接返回，绝不重新签名
func (c *Committer) Create(ctx context.Context, orderID string, stage domain.Stage) (*domain.Tx, error) {
	kind, ok := legKinds[stage]
	if !ok {
		return nil, fmt.Errorf("create %s: %w", stage, domain.ErrUnsupportedLeg)
	}

	for {
		o, err := c.ledger.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		leg := o.Leg(stage)
		if leg == nil {
			return nil, domain.ErrLegMissing
		}
		if o.Past(stage) || leg.Signed() {
			return leg, nil
		}
		if !o.Accepts(stage) {
			return nil, fmt.Errorf("%w: %s in %s", domain.ErrStatusGuard, stage, o.Status)
		}
		// Accepts 已保证前一阶段 ok，这里只确认入账 leg 确实绑定了交易
		in := o.InTx
		if !in.HasTxID() {
			return nil, fmt.Errorf("%w: inbound leg not bound", domain.ErrLegMissing)
		}

		info, err := c.coins.Lookup(leg.Coin)
		if err != nil {
			return nil, err
		}
		adapter, err := c.adapters.Get(info.Chain)
		if err != nil {
			return nil, err
		}
		precision, err := adapter.Precision(ctx, info.Asset)
		if err != nil {
			return nil, err
		}
		units, err := ScaleAmount(in.Amount, precision)
		if err != nil {
			return nil, err
		}
		if !units.IsPositive() {
			return nil, domain.NewTxFailure(domain.TxLessMin, "amount rounds to zero at precision "+fmt.Sprint(precision), nil)
		}

		to := leg.ToAddress
		if to == "" && kind == domain.LegIssue && o.DerivedWallet != nil && o.DerivedWallet.Wallet != nil {
			to = o.DerivedWallet.Wallet.Invoice
		}
		unsigned, err := adapter.BuildLeg(ctx, domain.LegRequest{Kind: kind, Asset: info.Asset, To: to, Units: units})
		if err != nil {
			return nil, err
		}
		signed, err := adapter.Sign(ctx, unsigned)
		if err != nil {
			return nil, err
		}

		persisted, err := c.persistSigned(ctx, orderID, stage, kind, signed, UnscaleAmount(units, precision))
		if errors.Is(err, errHotWalletBusy) {
			logger.Info(ctx, "热钱包有未确认的出账，稍后重签", zap.String("order_id", orderID), zap.String("stage", stage.String()))
			if err := sleep(ctx, c.opts.BusyWait); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		if persisted.ChainTxID() == signed.TxID {
			logger.Info(ctx, "✍️ 出账交易已签名落库",
				zap.String("order_id", orderID),
				zap.String("stage", stage.String()),
				zap.String("tx_id", signed.TxID),
				zap.String("units", units.String()))
			if err := adapter.Broadcast(ctx, signed); err != nil {
				// 交易已落库，确认跟踪阶段会重播
				logger.Warn(ctx, "广播失败", zap.String("tx_id", signed.TxID), zap.Error(err))
			}
		}
		return persisted, nil
	}
}

func (c *Committer) persistSigned(ctx context.Context, orderID string, stage domain.Stage, kind domain.LegKind, signed *domain.SignedTx, amount decimal.Decimal) (*domain.Tx, error) {
	var (
		result  *domain.Tx
		changed *domain.Order
	)
	err := c.retry(ctx, func(ctx context.Context) error {
		result, changed = nil, nil
		o, err := c.ledger.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		leg := o.Leg(stage)
		if leg == nil {
			return domain.ErrLegMissing
		}
		if o.Past(stage) || leg.Signed() {
			// 别的 worker 已经落库，以库里的为准
			result = leg
			return nil
		}
		if !o.Accepts(stage) {
			return fmt.Errorf("%w: %s in %s", domain.ErrStatusGuard, stage, o.Status)
		}
		if kind == domain.LegTransfer {
			n, err := c.ledger.CountInFlight(ctx, leg.Coin, leg.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				return errHotWalletBusy
			}
		}

		id := signed.TxID
		now := c.now()
		leg.TxID = &id
		leg.FromAddress = signed.From
		leg.Amount = amount
		leg.TxCreatedAt = &now
		leg.Payload = signed.Payload
		leg.PayloadExpiresAt = signed.ExpiresAt
		leg.Confirmations = 0
		leg.Error = domain.TxNoError
		if leg.MaxConfirmations == 0 {
			leg.MaxConfirmations = c.opts.RequiredConfirmations
		}
		if err := c.ledger.SaveTx(ctx, leg); err != nil {
			return err
		}
		if err := c.ledger.UpdateOrderStatus(ctx, o, stage.CommitOK()); err != nil {
			return err
		}
		metrics.StageTransitionTotal.WithLabelValues(string(o.Type), stage.String(), string(stage.CommitOK())).Inc()
		result, changed = leg, o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed != nil {
		c.notifier.OrderUpdated(ctx, changed)
	}
	return result, nil
}

// Confirm 写入确认数；final 时阶段置为 ok，否则 pending。返回最新的订单
func (c *Committer) Confirm(ctx context.Context, orderID string, stage domain.Stage, confirmations int64, final bool) (*domain.Order, error) {
	if confirmations < 0 {
		confirmations = 0
	}
	var (
		result  *domain.Order
		changed bool
	)
	err := c.retry(ctx, func(ctx context.Context) error {
		result, changed = nil, false
		o, err := c.ledger.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		result = o
		if o.Past(stage) {
			return nil
		}
		leg := o.Leg(stage)
		if leg == nil {
			return domain.ErrLegMissing
		}
		if !o.Accepts(stage) {
			return fmt.Errorf("%w: %s in %s", domain.ErrStatusGuard, stage, o.Status)
		}

		if leg.Confirmations != confirmations || (leg.Error != domain.TxNoError && !leg.Blocked()) {
			leg.Confirmations = confirmations
			if !leg.Blocked() {
				leg.Error = domain.TxNoError
			}
			if err := c.ledger.SaveTx(ctx, leg); err != nil {
				return err
			}
			changed = true
		}
		status := stage.Pending()
		if final {
			status = stage.OK()
		}
		if o.Status != status {
			if err := c.ledger.UpdateOrderStatus(ctx, o, status); err != nil {
				return err
			}
			metrics.StageTransitionTotal.WithLabelValues(string(o.Type), stage.String(), string(status)).Inc()
			changed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		c.notifier.OrderUpdated(ctx, result)
	}
	return result, nil
}

// MarkFailed 阶段失败：leg.error / leg.last_error 写入错误，订单切到 <stage>_err
func (c *Committer) MarkFailed(ctx context.Context, orderID string, stage domain.Stage, cause error) error {
	var changed *domain.Order
	err := c.retry(ctx, func(ctx context.Context) error {
		changed = nil
		o, err := c.ledger.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.Flow().Contains(stage) || o.Past(stage) {
			return nil
		}
		if leg := o.Leg(stage); leg != nil {
			if !leg.Blocked() {
				leg.Error = domain.Classify(cause)
			}
			leg.LastError = domain.EncodeLastError(stage, cause, c.now())
			if err := c.ledger.SaveTx(ctx, leg); err != nil {
				return err
			}
		}
		if o.Status != stage.Err() {
			if err := c.ledger.UpdateOrderStatus(ctx, o, stage.Err()); err != nil {
				return err
			}
			metrics.StageTransitionTotal.WithLabelValues(string(o.Type), stage.String(), string(stage.Err())).Inc()
		}
		changed = o
		return nil
	})
	if err != nil {
		return err
	}
	if changed != nil {
		logger.Warn(ctx, "❌ 阶段失败",
			zap.String("order_id", orderID),
			zap.String("stage", stage.String()),
			zap.String("code", string(domain.Classify(cause))),
			zap.Error(cause))
		c.notifier.OrderUpdated(ctx, changed)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
