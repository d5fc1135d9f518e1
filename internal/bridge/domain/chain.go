package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Transfer 通用的链上转账模型 (ERC20 Transfer 日志 / 资产链 transfer 操作)
type Transfer struct {
	TxID        string          `json:"tx_id"`
	LogIndex    int             `json:"log_index"`
	BlockHeight int64           `json:"block_height"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Asset       string          `json:"asset"`  // eth 为合约地址，资产链为资产符号
	Amount      decimal.Decimal `json:"amount"` // 已按精度换算成可读单位
	// HasMemo 资产链转账携带了加密 memo；Memo 为解密后的明文，解密失败时为空
	HasMemo bool            `json:"has_memo,omitempty"`
	Memo    string          `json:"memo,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// TransferFilter 按收款地址过滤
type TransferFilter struct {
	To    []string
	Asset string
}

// Receipt 交易回执；交易未上链时适配器返回 nil, nil
type Receipt struct {
	TxID        string
	BlockHeight int64
	Success     bool
	Transfers   []Transfer
}

// Subscription 与 go-ethereum event.Subscription 语义一致
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// LegKind 出账类型
type LegKind uint8

const (
	LegIssue    LegKind = iota + 1 // 资产链增发
	LegBurn                        // 资产链销毁 (asset_reserve)
	LegTransfer                    // 代币转账
)

func (k LegKind) String() string {
	switch k {
	case LegIssue:
		return "issue"
	case LegBurn:
		return "burn"
	case LegTransfer:
		return "transfer"
	}
	return "unknown"
}

// LegRequest 构造出账交易的参数；Units 是已按精度换算好的最小单位整数
type LegRequest struct {
	Kind  LegKind
	Asset string
	To    string
	Units decimal.Decimal
}

// UnsignedTx 未签名交易，Body 由具体链解释
type UnsignedTx struct {
	Request LegRequest
	From    string
	Body    interface{}
}

// SignedTx 已签名交易：TxID 在广播前即确定
type SignedTx struct {
	TxID      string
	From      string
	Payload   string     // 可原样重播的序列化结果
	ExpiresAt *time.Time // 资产链交易有过期时间，eth 为 nil
}

// ChainReader 只读能力
type ChainReader interface {
	Chain() Chain
	GetHeight(ctx context.Context) (int64, error)
	// IrreversibleHeight 不可逆高度，之下的区块不会被重组
	IrreversibleHeight(ctx context.Context) (int64, error)
	// FetchTransfers 扫描 [from, to] 区块内符合过滤条件的转账
	FetchTransfers(ctx context.Context, from, to int64, f TransferFilter) ([]Transfer, error)
	GetReceipt(ctx context.Context, txID string) (*Receipt, error)
	// IsKnown 网络是否知道这笔交易 (mempool 或已打包)
	IsKnown(ctx context.Context, txID string) (bool, error)
	// Precision 资产小数位
	Precision(ctx context.Context, asset string) (int32, error)
}

// TransferSubscriber 实时订阅，事件写入 sink，直到 ctx 结束或 Unsubscribe。
// 从订阅时不可逆高度的下一块开始推送，和历史回扫之间不留空档
type TransferSubscriber interface {
	SubscribeTransfers(ctx context.Context, f TransferFilter, sink chan<- Transfer) (Subscription, error)
}

// LegSigner 出账能力，签名私钥只存在于实现内部
type LegSigner interface {
	BuildLeg(ctx context.Context, req LegRequest) (*UnsignedTx, error)
	Sign(ctx context.Context, tx *UnsignedTx) (*SignedTx, error)
	Broadcast(ctx context.Context, tx *SignedTx) error
}

// ChainAdapter 一条链的完整能力集
type ChainAdapter interface {
	ChainReader
	TransferSubscriber
	LegSigner
}

// IsFinal height 是否已不可逆
func IsFinal(ctx context.Context, r ChainReader, height int64) (bool, error) {
	irr, err := r.IrreversibleHeight(ctx)
	if err != nil {
		return false, err
	}
	return height <= irr, nil
}

// Adapters 按链索引适配器
type Adapters map[Chain]ChainAdapter

func (a Adapters) Get(c Chain) (ChainAdapter, error) {
	ad, ok := a[c]
	if !ok {
		return nil, NewTxFailure(TxBadAsset, "no adapter for chain "+string(c), ErrUnsupportedLeg)
	}
	return ad, nil
}

// CoinInfo 币种所在的链和链上资产标识 (合约地址或资产符号)
type CoinInfo struct {
	Coin  Coin
	Chain Chain
	Asset string
}

// Coins 支持的币种
type Coins map[Coin]CoinInfo

func (c Coins) Lookup(coin Coin) (CoinInfo, error) {
	info, ok := c[coin]
	if !ok {
		return CoinInfo{}, NewTxFailure(TxBadAsset, "unknown coin "+string(coin), nil)
	}
	return info, nil
}

// ForChain 链上桥接的币种；每条链只有一个
func (c Coins) ForChain(chain Chain) (CoinInfo, error) {
	for _, info := range c {
		if info.Chain == chain {
			return info, nil
		}
	}
	return CoinInfo{}, NewTxFailure(TxBadAsset, "no coin on chain "+string(chain), ErrUnsupportedLeg)
}
