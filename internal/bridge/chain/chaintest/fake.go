// Package chaintest 内存版链适配器，给引擎各层测试用
package chaintest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pegbridge.com/internal/bridge/domain"
)

var _ domain.ChainAdapter = (*Fake)(nil)

// Fake 可编排的链：区块高度、转账、回执全部由测试直接设置
type Fake struct {
	mu sync.Mutex

	chain        domain.Chain
	head         int64
	irreversible int64
	decimals     map[string]int32

	transfers []domain.Transfer
	receipts  map[string]*domain.Receipt
	known     map[string]bool

	// FetchErr 非空时 FetchTransfers 总是失败
	FetchErr error
	// ReceiptHook 覆盖 GetReceipt，call 从 1 开始计数
	ReceiptHook func(txID string, call int) *domain.Receipt
	// HeadStep 每次 GetHeight 之后 head 前进的块数
	HeadStep int64
	// IncludeOnBroadcast 广播后立即在当前 head 打包
	IncludeOnBroadcast bool
	// Expiry 非 0 时签名交易带过期时间 now+Expiry
	Expiry time.Duration

	subs         []*fakeSub
	receiptCalls map[string]int
	seq          int

	Built      []domain.LegRequest
	Signed     []*domain.SignedTx
	Broadcasts []string
}

func New(chain domain.Chain, head int64) *Fake {
	return &Fake{
		chain:        chain,
		head:         head,
		irreversible: -1,
		decimals:     make(map[string]int32),
		receipts:     make(map[string]*domain.Receipt),
		known:        make(map[string]bool),
		receiptCalls: make(map[string]int),
	}
}

// SetDecimals 资产精度
func (f *Fake) SetDecimals(asset string, d int32) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decimals[strings.ToLower(asset)] = d
	return f
}

// SetIrreversible 不设置时为 -1，即任何区块都不算不可逆
func (f *Fake) SetIrreversible(h int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.irreversible = h
}

func (f *Fake) SetHead(h int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = h
}

// AddTransfer 把转账放进区块，同时生成成功回执
func (f *Fake) AddTransfer(tr domain.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, tr)
	r, ok := f.receipts[tr.TxID]
	if !ok {
		r = &domain.Receipt{TxID: tr.TxID, BlockHeight: tr.BlockHeight, Success: true}
		f.receipts[tr.TxID] = r
	}
	r.Transfers = append(r.Transfers, tr)
	f.known[tr.TxID] = true
}

// SetReceipt nil 表示交易不在链上
func (f *Fake) SetReceipt(txID string, r *domain.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r == nil {
		delete(f.receipts, txID)
		return
	}
	f.receipts[txID] = r
}

// Forget 节点丢掉了这笔交易 (mempool 被清空)
func (f *Fake) Forget(txID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.known, txID)
}

// Emit 推送一条实时转账给所有订阅者
func (f *Fake) Emit(tr domain.Transfer) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs...)
	f.mu.Unlock()
	for _, s := range subs {
		if s.match(tr) {
			select {
			case s.sink <- tr:
			case <-s.done:
			}
		}
	}
}

// Subscribers 当前活跃订阅数
func (f *Fake) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		select {
		case <-s.done:
		default:
			n++
		}
	}
	return n
}

func (f *Fake) Chain() domain.Chain { return f.chain }

func (f *Fake) GetHeight(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.head
	f.head += f.HeadStep
	return h, nil
}

func (f *Fake) IrreversibleHeight(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.irreversible, nil
}

func (f *Fake) FetchTransfers(_ context.Context, from, to int64, filter domain.TransferFilter) ([]domain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	var out []domain.Transfer
	for _, tr := range f.transfers {
		if tr.BlockHeight < from || tr.BlockHeight > to {
			continue
		}
		if matchFilter(filter, tr) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (f *Fake) GetReceipt(_ context.Context, txID string) (*domain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptCalls[txID]++
	if f.ReceiptHook != nil {
		return f.ReceiptHook(txID, f.receiptCalls[txID]), nil
	}
	r, ok := f.receipts[txID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) IsKnown(_ context.Context, txID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known[txID], nil
}

func (f *Fake) Precision(_ context.Context, asset string) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.decimals[strings.ToLower(asset)]
	if !ok {
		return 0, fmt.Errorf("unknown asset %s", asset)
	}
	return d, nil
}

// SubscribeTransfers 和真实适配器一样从不可逆高度的下一块开始：已经在 (irreversible, head] 的转账先补发
func (f *Fake) SubscribeTransfers(_ context.Context, filter domain.TransferFilter, sink chan<- domain.Transfer) (domain.Subscription, error) {
	s := &fakeSub{filter: filter, sink: sink, done: make(chan struct{}), errc: make(chan error, 1)}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	var pending []domain.Transfer
	for _, tr := range f.transfers {
		if tr.BlockHeight > f.irreversible && tr.BlockHeight <= f.head && matchFilter(filter, tr) {
			pending = append(pending, tr)
		}
	}
	f.mu.Unlock()
	if len(pending) > 0 {
		go func() {
			for _, tr := range pending {
				select {
				case sink <- tr:
				case <-s.done:
					return
				}
			}
		}()
	}
	return s, nil
}

func (f *Fake) BuildLeg(_ context.Context, req domain.LegRequest) (*domain.UnsignedTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Built = append(f.Built, req)
	return &domain.UnsignedTx{Request: req, From: "hot-" + string(f.chain), Body: req}, nil
}

func (f *Fake) Sign(_ context.Context, tx *domain.UnsignedTx) (*domain.SignedTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	signed := &domain.SignedTx{
		TxID:    fmt.Sprintf("%s-sig-%d", f.chain, f.seq),
		From:    tx.From,
		Payload: fmt.Sprintf("%s:%s:%s", tx.Request.Kind, tx.Request.To, tx.Request.Units),
	}
	if f.Expiry != 0 {
		exp := time.Now().Add(f.Expiry)
		signed.ExpiresAt = &exp
	}
	f.Signed = append(f.Signed, signed)
	return signed, nil
}

func (f *Fake) Broadcast(_ context.Context, tx *domain.SignedTx) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Broadcasts = append(f.Broadcasts, tx.TxID)
	f.known[tx.TxID] = true
	if f.IncludeOnBroadcast {
		if _, ok := f.receipts[tx.TxID]; !ok {
			f.receipts[tx.TxID] = &domain.Receipt{TxID: tx.TxID, BlockHeight: f.head, Success: true}
		}
	}
	return nil
}

// SignedCount 已签名的交易数
func (f *Fake) SignedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Signed)
}

// BroadcastCount 某交易被广播的次数
func (f *Fake) BroadcastCount(txID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.Broadcasts {
		if id == txID {
			n++
		}
	}
	return n
}

func matchFilter(f domain.TransferFilter, tr domain.Transfer) bool {
	if f.Asset != "" && !strings.EqualFold(f.Asset, tr.Asset) {
		return false
	}
	if len(f.To) == 0 {
		return true
	}
	for _, to := range f.To {
		if strings.EqualFold(to, tr.To) {
			return true
		}
	}
	return false
}

type fakeSub struct {
	filter domain.TransferFilter
	sink   chan<- domain.Transfer
	done   chan struct{}
	errc   chan error
	once   sync.Once
}

func (s *fakeSub) match(tr domain.Transfer) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	return matchFilter(s.filter, tr)
}

func (s *fakeSub) Unsubscribe() { s.once.Do(func() { close(s.done) }) }

func (s *fakeSub) Err() <-chan error { return s.errc }
