package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/internal/bridge/service"
	"pegbridge.com/pkg/common"
	"pegbridge.com/pkg/xerr"
)

// Orders 订单服务对 HTTP 暴露的能力 (service.OrderService)
type Orders interface {
	GetDepositAddress(ctx context.Context, user string) (*service.DepositAddress, error)
	CreateOrder(ctx context.Context, req service.CreateOrderRequest) (*service.OrderReceipt, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, q domain.OrderQuery) ([]*domain.Order, int64, error)
	ValidateAddress(ctx context.Context, chain domain.Chain, address string) (bool, error)
}

type Order struct {
	svc Orders
}

func NewOrder(svc Orders) *Order { return &Order{svc: svc} }

type depositAddressReq struct {
	User string `json:"user" binding:"required"`
}

func (h *Order) GetDepositAddress(c *gin.Context) {
	var req depositAddressReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailErr(c, xerr.Wrap(err, xerr.RequestParamsError, "user is required"))
		return
	}
	addr, err := h.svc.GetDepositAddress(c.Request.Context(), req.User)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, addr)
}

type createOrderReq struct {
	OrderType   string `json:"order_type" binding:"required"`
	PaymentFrom string `json:"payment_from" binding:"required"`
	PaymentTo   string `json:"payment_to" binding:"required"`
	InvoiceTo   string `json:"invoice_to" binding:"required"`
	ToAddress   string `json:"to_address"`
}

type createOrderResp struct {
	ID          string `json:"id"`
	InvoiceFrom string `json:"invoice_from"`
	Memo        string `json:"memo,omitempty"`
	Status      string `json:"status"`
}

func (h *Order) CreateOrder(c *gin.Context) {
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailErr(c, xerr.Wrap(err, xerr.RequestParamsError, "order_type, payment_from, payment_to and invoice_to are required"))
		return
	}
	receipt, err := h.svc.CreateOrder(c.Request.Context(), service.CreateOrderRequest{
		OrderType:   domain.OrderType(req.OrderType),
		PaymentFrom: domain.Chain(req.PaymentFrom),
		PaymentTo:   domain.Chain(req.PaymentTo),
		InvoiceTo:   req.InvoiceTo,
		ToAddress:   req.ToAddress,
	})
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, createOrderResp{
		ID:          receipt.Order.ID,
		InvoiceFrom: receipt.InvoiceFrom,
		Memo:        receipt.Memo,
		Status:      string(receipt.Order.Status),
	})
}

type txView struct {
	Coin             string     `json:"coin"`
	TxID             string     `json:"tx_id"`
	FromAddress      string     `json:"from_address"`
	ToAddress        string     `json:"to_address"`
	Amount           string     `json:"amount"`
	Confirmations    int64      `json:"confirmations"`
	MaxConfirmations int64      `json:"max_confirmations"`
	Error            string     `json:"error"`
	CreatedAt        *time.Time `json:"created_at"`
}

type walletView struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Invoice string `json:"invoice,omitempty"`
}

type orderView struct {
	ID            string      `json:"id"`
	OrderType     string      `json:"order_type"`
	Status        string      `json:"status"`
	InTx          *txView     `json:"in_tx"`
	OutTx         *txView     `json:"out_tx"`
	BurnTx        *txView     `json:"burn_tx,omitempty"`
	DerivedWallet *walletView `json:"derived_wallet,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

func newTxView(t *domain.Tx) *txView {
	if t == nil {
		return nil
	}
	v := &txView{
		Coin:             string(t.Coin),
		FromAddress:      t.FromAddress,
		ToAddress:        t.ToAddress,
		Amount:           t.Amount.String(),
		Confirmations:    t.Confirmations,
		MaxConfirmations: t.MaxConfirmations,
		Error:            string(t.Error),
		CreatedAt:        t.TxCreatedAt,
	}
	if t.TxID != nil {
		v.TxID = *t.TxID
	}
	return v
}

func newOrderView(o *domain.Order) *orderView {
	v := &orderView{
		ID:        o.ID,
		OrderType: string(o.Type),
		Status:    string(o.Status),
		InTx:      newTxView(o.InTx),
		OutTx:     newTxView(o.OutTx),
		BurnTx:    newTxView(o.BurnTx),
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
	if dw := o.DerivedWallet; dw != nil {
		v.DerivedWallet = &walletView{Chain: string(dw.Chain), Address: dw.Address}
		if dw.Wallet != nil {
			v.DerivedWallet.Invoice = dw.Wallet.Invoice
		}
	}
	return v
}

func (h *Order) GetOrder(c *gin.Context) {
	o, err := h.svc.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, newOrderView(o))
}

// ListOrders GET /v1/orders?type=&status=&page=&limit=
func (h *Order) ListOrders(c *gin.Context) {
	q := domain.OrderQuery{
		Type:   domain.OrderType(c.Query("type")),
		Status: domain.Status(c.Query("status")),
		Page:   atoi(c.Query("page"), 1),
		Limit:  atoi(c.Query("limit"), 20),
	}
	if q.Type != "" && !q.Type.Valid() {
		common.FailErr(c, xerr.New(xerr.RequestParamsError, "unknown type"))
		return
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	orders, total, err := h.svc.ListOrders(c.Request.Context(), q)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	list := make([]*orderView, 0, len(orders))
	for _, o := range orders {
		list = append(list, newOrderView(o))
	}
	common.Success(c, gin.H{"total": total, "list": list})
}

func atoi(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

type validateAddressReq struct {
	Chain   string `json:"chain" binding:"required"`
	Address string `json:"address" binding:"required"`
}

type validateAddressResp struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	IsValid bool   `json:"is_valid"`
}

func (h *Order) ValidateAddress(c *gin.Context) {
	var req validateAddressReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailErr(c, xerr.Wrap(err, xerr.RequestParamsError, "chain and address are required"))
		return
	}
	chain := domain.Chain(req.Chain)
	if !chain.Valid() {
		common.FailErr(c, xerr.New(xerr.RequestParamsError, "unknown chain"))
		return
	}
	valid, err := h.svc.ValidateAddress(c.Request.Context(), chain, req.Address)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, validateAddressResp{Chain: req.Chain, Address: req.Address, IsValid: valid})
}
