package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/pkg/hdwallet"
	"pegbridge.com/pkg/logger"
	"pegbridge.com/pkg/xerr"
)

// JobPaymentIn 新订单入队的任务名
const JobPaymentIn = "payment:in"

// AddressDeriver 冷钱包 xpub 派生收款地址 (hdwallet.HDWallet)
type AddressDeriver interface {
	DeriveDepositAddress(coinType uint32, index uint32) (string, error)
}

// AddressValidator 链上地址 / 账户名校验，由各链适配器实现
type AddressValidator interface {
	ValidateAddress(ctx context.Context, address string) (bool, error)
}

type OrderOptions struct {
	// Gateway 资产链网关账户：提现入账转到这里，用 memo 区分用户
	Gateway string
	// Required 每条链 leg 的目标确认数
	Required map[domain.Chain]int64
}

// OrderService 对外的订单入口：派生收款地址、创建订单并入队
type OrderService struct {
	ledger     domain.Ledger
	scheduler  domain.Scheduler
	deriver    AddressDeriver
	validators map[domain.Chain]AddressValidator
	coins      domain.Coins
	opts       OrderOptions
}

func NewOrderService(ledger domain.Ledger, scheduler domain.Scheduler, deriver AddressDeriver,
	validators map[domain.Chain]AddressValidator, coins domain.Coins, opts OrderOptions) *OrderService {
	return &OrderService{
		ledger:     ledger,
		scheduler:  scheduler,
		deriver:    deriver,
		validators: validators,
		coins:      coins,
		opts:       opts,
	}
}

type DepositAddress struct {
	User           string `json:"user"`
	DepositAddress string `json:"deposit_address"`
}

// GetDepositAddress 资产链用户对应的以太坊充值地址，首次请求时派生
func (s *OrderService) GetDepositAddress(ctx context.Context, user string) (*DepositAddress, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, xerr.New(xerr.RequestParamsError, "user is required")
	}
	var dw *domain.DerivedWallet
	err := s.ledger.Transaction(ctx, func(ctx context.Context) error {
		w, err := s.ledger.FindOrCreateWallet(ctx, domain.ChainGraphene, user)
		if err != nil {
			return err
		}
		dw, err = s.derivedWallet(ctx, w, domain.ChainEthereum, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return &DepositAddress{User: user, DepositAddress: dw.Address}, nil
}

// derivedWallet 找到或创建 wallet 在 chain 上的收款身份。
// 以太坊走 m/0/<walletId> 派生；资产链直接使用 memo 标识
func (s *OrderService) derivedWallet(ctx context.Context, w *domain.Wallet, chain domain.Chain, memo string) (*domain.DerivedWallet, error) {
	dw, err := s.ledger.FindDerivedWallet(ctx, w.ID, chain)
	if err == nil {
		return dw, nil
	}
	if !errors.Is(err, domain.ErrWalletNotFound) {
		return nil, err
	}

	var address string
	switch chain {
	case domain.ChainEthereum:
		// m/0/<walletId> 只能用非硬化索引
		if w.ID >= uint64(hdkeychain.HardenedKeyStart) {
			return nil, xerr.New(xerr.ServerCommonError, fmt.Sprintf("wallet id %d exceeds the derivation index range", w.ID))
		}
		address, err = s.deriver.DeriveDepositAddress(hdwallet.CoinTypeETH, uint32(w.ID))
		if err != nil {
			return nil, xerr.Wrap(err, xerr.ServerCommonError, "derive deposit address failed")
		}
	case domain.ChainGraphene:
		address = memo
	default:
		return nil, xerr.New(xerr.RequestParamsError, "unknown payment "+string(chain))
	}
	if address == "" {
		return nil, xerr.New(xerr.RequestParamsError, "deposit identifier is required")
	}

	dw = &domain.DerivedWallet{WalletID: w.ID, Chain: chain, Address: address}
	if err := s.ledger.CreateDerivedWallet(ctx, dw); err != nil {
		if errors.Is(err, domain.ErrClaimed) {
			return nil, xerr.Wrap(err, xerr.Conflict, "deposit identifier already used")
		}
		return nil, err
	}
	dw.Wallet = w
	logger.Info(ctx, "✅ 收款身份已创建",
		zap.Uint64("wallet_id", w.ID),
		zap.String("chain", string(chain)),
		zap.String("address", address))
	return dw, nil
}

type CreateOrderRequest struct {
	OrderType   domain.OrderType
	PaymentFrom domain.Chain
	PaymentTo   domain.Chain
	// InvoiceTo 目的链收款方：充值为资产链账户，提现为以太坊地址
	InvoiceTo string
	// ToAddress 提现时用作 memo 的标识，为空时使用 InvoiceTo
	ToAddress string
}

// OrderReceipt 创建订单的回执：用户需要把钱打到 InvoiceFrom (资产链还需带上 Memo)
type OrderReceipt struct {
	Order       *domain.Order
	InvoiceFrom string
	Memo        string
}

var directions = map[domain.OrderType][2]domain.Chain{
	domain.OrderTypeDeposit:    {domain.ChainEthereum, domain.ChainGraphene},
	domain.OrderTypeWithdrawal: {domain.ChainGraphene, domain.ChainEthereum},
}

func (s *OrderService) validate(ctx context.Context, req *CreateOrderRequest) error {
	dir, ok := directions[req.OrderType]
	if !ok {
		return xerr.Wrap(domain.ErrUnknownOrderType, xerr.RequestParamsError, "unknown order_type")
	}
	if req.PaymentFrom != dir[0] || req.PaymentTo != dir[1] {
		return xerr.New(xerr.RequestParamsError,
			fmt.Sprintf("%s must pay from %s to %s", req.OrderType, dir[0], dir[1]))
	}
	req.InvoiceTo = strings.TrimSpace(req.InvoiceTo)
	valid, err := s.ValidateAddress(ctx, req.PaymentTo, req.InvoiceTo)
	if err != nil {
		return err
	}
	if !valid {
		return xerr.New(xerr.RequestParamsError, "invalid invoice_to")
	}
	return nil
}

// CreateOrder 同一收款身份 + 类型只会有一个未完成订单；已存在时直接返回并确保任务在跑
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderReceipt, error) {
	if err := s.validate(ctx, &req); err != nil {
		return nil, err
	}

	var (
		order *domain.Order
		dw    *domain.DerivedWallet
	)
	err := s.ledger.Transaction(ctx, func(ctx context.Context) error {
		w, err := s.ledger.FindOrCreateWallet(ctx, req.PaymentTo, req.InvoiceTo)
		if err != nil {
			return err
		}
		memo := req.ToAddress
		if memo == "" {
			memo = req.InvoiceTo
		}
		dw, err = s.derivedWallet(ctx, w, req.PaymentFrom, memo)
		if err != nil {
			return err
		}

		order, err = s.ledger.FindOpenOrder(ctx, dw.ID, req.OrderType)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return err
		}
		order, err = s.newOrder(req, dw)
		if err != nil {
			return err
		}
		return s.ledger.CreateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	if err := s.schedule(ctx, order.JobID); err != nil {
		return nil, err
	}

	receipt := &OrderReceipt{Order: order, InvoiceFrom: dw.Address}
	if req.PaymentFrom == domain.ChainGraphene {
		receipt.InvoiceFrom = s.opts.Gateway
		receipt.Memo = dw.Address
	}
	logger.Info(ctx, "📝 订单已受理",
		zap.String("order_id", order.ID),
		zap.String("type", string(order.Type)),
		zap.String("status", string(order.Status)))
	return receipt, nil
}

func (s *OrderService) required(chain domain.Chain) int64 {
	return s.opts.Required[chain]
}

// newOrder 按类型生成 legs：入账 leg 收款地址确定，出账 leg 收款方为 invoice
func (s *OrderService) newOrder(req CreateOrderRequest, dw *domain.DerivedWallet) (*domain.Order, error) {
	src, err := s.coins.ForChain(req.PaymentFrom)
	if err != nil {
		return nil, err
	}
	dst, err := s.coins.ForChain(req.PaymentTo)
	if err != nil {
		return nil, err
	}

	inTo := dw.Address
	if req.PaymentFrom == domain.ChainGraphene {
		inTo = s.opts.Gateway
	}
	o := &domain.Order{
		Type:            req.OrderType,
		DerivedWalletID: dw.ID,
		Status:          domain.StatusPending,
		InTx: &domain.Tx{
			Coin:             src.Coin,
			ToAddress:        inTo,
			Amount:           decimal.Zero,
			MaxConfirmations: s.required(src.Chain),
		},
		OutTx: &domain.Tx{
			Coin:             dst.Coin,
			ToAddress:        req.InvoiceTo,
			Amount:           decimal.Zero,
			MaxConfirmations: s.required(dst.Chain),
		},
	}
	if req.OrderType == domain.OrderTypeWithdrawal {
		// 销毁的是收到的那笔资产
		o.BurnTx = &domain.Tx{
			Coin:             src.Coin,
			FromAddress:      s.opts.Gateway,
			Amount:           decimal.Zero,
			MaxConfirmations: s.required(src.Chain),
		}
	}
	return o, nil
}

// schedule 新任务入队；已存在且失败的任务重新入队
func (s *OrderService) schedule(ctx context.Context, jobID string) error {
	if err := s.scheduler.Enqueue(ctx, JobPaymentIn, jobID); err != nil {
		return xerr.Wrap(err, xerr.QueueError, "enqueue job failed")
	}
	retried, err := s.scheduler.RetryIfFailed(ctx, jobID)
	if err != nil {
		return xerr.Wrap(err, xerr.QueueError, "retry job failed")
	}
	if retried {
		logger.Info(ctx, "🔁 失败任务已重新入队", zap.String("job_id", jobID))
	}
	return nil
}

func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := s.ledger.GetOrder(ctx, id)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return nil, xerr.Wrap(err, xerr.RecordNotFound, "order not found")
	}
	return o, err
}

func (s *OrderService) ListOrders(ctx context.Context, q domain.OrderQuery) ([]*domain.Order, int64, error) {
	return s.ledger.ListOrders(ctx, q)
}

// ValidateAddress 没有对应链的校验器时视为无效
func (s *OrderService) ValidateAddress(ctx context.Context, chain domain.Chain, address string) (bool, error) {
	if address == "" {
		return false, nil
	}
	v, ok := s.validators[chain]
	if !ok {
		return false, nil
	}
	valid, err := v.ValidateAddress(ctx, address)
	if err != nil {
		return false, xerr.Wrap(err, xerr.ChainUnavailable, "validate address failed")
	}
	return valid, nil
}
