package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/pkg/logger"
)

// TransferTopic ERC-20 Transfer 事件: Keccak256("Transfer(address,address,uint256)")
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const erc20ABI = `[
{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"payable":false,"stateMutability":"nonpayable","type":"function"},
{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"payable":false,"stateMutability":"view","type":"function"}
]`

var parsedABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(err)
	}
	return a
}()

// Client ethclient.Client 用到的方法
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ Client = (*ethclient.Client)(nil)

type Options struct {
	// Contract 桥接的 ERC-20 合约 (USDT)
	Contract string
	// HotKey 出账热钱包私钥，nil 时只能读
	HotKey *ecdsa.PrivateKey
	// GasMultiplier 估算 gas 的放大倍数
	GasMultiplier float64
	// FinalityDepth 节点不支持 finalized 标签时，head 往回多少块视为不可逆
	FinalityDepth int64
	// PollInterval 节点不支持订阅时的轮询间隔
	PollInterval time.Duration
}

type Adapter struct {
	client   Client
	chainID  *big.Int
	contract common.Address
	hotKey   *ecdsa.PrivateKey
	hotAddr  common.Address
	opts     Options

	mu       sync.RWMutex
	decimals map[common.Address]int32
}

var _ domain.ChainAdapter = (*Adapter)(nil)

// Dial 连接节点，ws 地址同时支持订阅
func Dial(ctx context.Context, url string, opts Options) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum node: %w", err)
	}
	return New(ctx, client, opts)
}

func New(ctx context.Context, client Client, opts Options) (*Adapter, error) {
	if !common.IsHexAddress(opts.Contract) {
		return nil, fmt.Errorf("invalid contract address %q", opts.Contract)
	}
	if opts.GasMultiplier <= 0 {
		opts.GasMultiplier = 4
	}
	if opts.FinalityDepth <= 0 {
		opts.FinalityDepth = 64
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 12 * time.Second
	}
	// ChainID 用于签名防重放
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	a := &Adapter{
		client:   client,
		chainID:  chainID,
		contract: common.HexToAddress(opts.Contract),
		hotKey:   opts.HotKey,
		opts:     opts,
		decimals: make(map[common.Address]int32),
	}
	if opts.HotKey != nil {
		a.hotAddr = crypto.PubkeyToAddress(opts.HotKey.PublicKey)
	}
	return a, nil
}

func (a *Adapter) Chain() domain.Chain { return domain.ChainEthereum }

// HotAddress 出账地址
func (a *Adapter) HotAddress() string { return a.hotAddr.Hex() }

func (a *Adapter) GetHeight(ctx context.Context) (int64, error) {
	h, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	return int64(h), nil
}

// IrreversibleHeight 优先使用 finalized 标签，不支持时退回 head - FinalityDepth
func (a *Adapter) IrreversibleHeight(ctx context.Context) (int64, error) {
	header, err := a.client.HeaderByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
	if err == nil && header != nil {
		return header.Number.Int64(), nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	head, herr := a.GetHeight(ctx)
	if herr != nil {
		return 0, herr
	}
	logger.Debug(ctx, "节点不支持 finalized 标签，按固定深度计算", zap.Error(err))
	irr := head - a.opts.FinalityDepth
	if irr < 0 {
		irr = 0
	}
	return irr, nil
}

func (a *Adapter) assetAddress(asset string) (common.Address, error) {
	if asset == "" {
		return a.contract, nil
	}
	if !common.IsHexAddress(asset) {
		return common.Address{}, domain.NewTxFailure(domain.TxBadAsset, "invalid token contract "+asset, nil)
	}
	return common.HexToAddress(asset), nil
}

func (a *Adapter) query(f domain.TransferFilter) (ethereum.FilterQuery, error) {
	token, err := a.assetAddress(f.Asset)
	if err != nil {
		return ethereum.FilterQuery{}, err
	}
	// Topics[0] Transfer 签名，Topics[1] from 不限，Topics[2] to 为收款地址
	var to []common.Hash
	for _, addr := range f.To {
		if !common.IsHexAddress(addr) {
			return ethereum.FilterQuery{}, fmt.Errorf("invalid filter address %q", addr)
		}
		to = append(to, common.BytesToHash(common.HexToAddress(addr).Bytes()))
	}
	return ethereum.FilterQuery{
		Addresses: []common.Address{token},
		Topics:    [][]common.Hash{{TransferTopic}, nil, to},
	}, nil
}

func (a *Adapter) FetchTransfers(ctx context.Context, from, to int64, f domain.TransferFilter) ([]domain.Transfer, error) {
	q, err := a.query(f)
	if err != nil {
		return nil, err
	}
	q.FromBlock = big.NewInt(from)
	q.ToBlock = big.NewInt(to)
	logs, err := a.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d, %d]: %w", from, to, err)
	}
	out := make([]domain.Transfer, 0, len(logs))
	for _, l := range logs {
		tr, ok, err := a.decode(ctx, l)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, tr)
		}
	}
	return out, nil
}

// decode 解析 Transfer 日志；不是 Transfer 或已被重组移除的日志返回 false
func (a *Adapter) decode(ctx context.Context, l types.Log) (domain.Transfer, bool, error) {
	if l.Removed || len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
		return domain.Transfer{}, false, nil
	}
	decimals, err := a.Precision(ctx, l.Address.Hex())
	if err != nil {
		return domain.Transfer{}, false, err
	}
	amount := decimal.NewFromBigInt(new(big.Int).SetBytes(l.Data), -decimals)
	raw, _ := json.Marshal(l)
	return domain.Transfer{
		TxID:        l.TxHash.Hex(),
		LogIndex:    int(l.Index),
		BlockHeight: int64(l.BlockNumber),
		From:        common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
		Asset:       strings.ToLower(l.Address.Hex()),
		Amount:      amount,
		Raw:         raw,
	}, true, nil
}

// SubscribeTransfers 从不可逆高度的下一块开始推送：先建立节点订阅，再补齐 (irreversible, head] 内已打包的转账；
// http 节点不支持订阅时退回按 PollInterval 轮询
func (a *Adapter) SubscribeTransfers(ctx context.Context, f domain.TransferFilter, sink chan<- domain.Transfer) (domain.Subscription, error) {
	q, err := a.query(f)
	if err != nil {
		return nil, err
	}
	irr, err := a.IrreversibleHeight(ctx)
	if err != nil {
		return nil, err
	}
	logs := make(chan types.Log, 64)
	inner, err := a.client.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Info(ctx, "节点不支持日志订阅，改为轮询", zap.Error(err))
		return a.poll(ctx, f, irr, sink), nil
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer inner.Unsubscribe()
		if err := a.backfill(ctx, f, irr, sink, quit); err != nil {
			return err
		}
		for {
			select {
			case <-quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case err := <-inner.Err():
				return err
			case l := <-logs:
				tr, ok, err := a.decode(ctx, l)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				select {
				case sink <- tr:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

// backfill 推送订阅建立前已经打包但还没不可逆的转账，和订阅重复的由 Record 去重
func (a *Adapter) backfill(ctx context.Context, f domain.TransferFilter, irr int64, sink chan<- domain.Transfer, quit <-chan struct{}) error {
	head, err := a.GetHeight(ctx)
	if err != nil {
		return err
	}
	if head <= irr {
		return nil
	}
	transfers, err := a.FetchTransfers(ctx, irr+1, head, f)
	if err != nil {
		return fmt.Errorf("backfill blocks %d-%d: %w", irr+1, head, err)
	}
	for _, tr := range transfers {
		select {
		case sink <- tr:
		case <-quit:
			return nil
		}
	}
	return nil
}

// poll 从 last+1 开始按新区块拉取
func (a *Adapter) poll(ctx context.Context, f domain.TransferFilter, last int64, sink chan<- domain.Transfer) domain.Subscription {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		ticker := time.NewTicker(a.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			head, err := a.GetHeight(ctx)
			if err != nil {
				logger.Warn(ctx, "轮询区块高度失败", zap.Error(err))
				continue
			}
			if head <= last {
				continue
			}
			transfers, err := a.FetchTransfers(ctx, last+1, head, f)
			if err != nil {
				logger.Warn(ctx, "轮询转账失败", zap.Int64("from", last+1), zap.Int64("to", head), zap.Error(err))
				continue
			}
			last = head
			for _, tr := range transfers {
				select {
				case sink <- tr:
				case <-quit:
					return nil
				}
			}
		}
	})
}

// GetReceipt 交易还没打包时返回 nil, nil
func (a *Adapter) GetReceipt(ctx context.Context, txID string) (*domain.Receipt, error) {
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(txID))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return nil, nil
	}
	r := &domain.Receipt{
		TxID:        txID,
		BlockHeight: receipt.BlockNumber.Int64(),
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
	}
	for _, l := range receipt.Logs {
		if l == nil || l.Address != a.contract {
			continue
		}
		tr, ok, err := a.decode(ctx, *l)
		if err != nil {
			return nil, err
		}
		if ok {
			r.Transfers = append(r.Transfers, tr)
		}
	}
	return r, nil
}

func (a *Adapter) IsKnown(ctx context.Context, txID string) (bool, error) {
	_, _, err := a.client.TransactionByHash(ctx, common.HexToHash(txID))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Precision 合约 decimals()，结果缓存
func (a *Adapter) Precision(ctx context.Context, asset string) (int32, error) {
	token, err := a.assetAddress(asset)
	if err != nil {
		return 0, err
	}
	a.mu.RLock()
	d, ok := a.decimals[token]
	a.mu.RUnlock()
	if ok {
		return d, nil
	}

	data, err := parsedABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals of %s: %w", token.Hex(), err)
	}
	values, err := parsedABI.Unpack("decimals", out)
	if err != nil || len(values) != 1 {
		return 0, domain.NewTxFailure(domain.TxBadAsset, "decimals() of "+token.Hex(), err)
	}
	v, ok := values[0].(uint8)
	if !ok {
		return 0, domain.NewTxFailure(domain.TxBadAsset, "decimals() of "+token.Hex()+" is not uint8", nil)
	}

	a.mu.Lock()
	a.decimals[token] = int32(v)
	a.mu.Unlock()
	return int32(v), nil
}

// BuildLeg 只支持代币转账：EIP-1559 交易，MaxFeePerGas = 2 * BaseFee + Tip
func (a *Adapter) BuildLeg(ctx context.Context, req domain.LegRequest) (*domain.UnsignedTx, error) {
	if req.Kind != domain.LegTransfer {
		return nil, fmt.Errorf("ethereum %s: %w", req.Kind, domain.ErrUnsupportedLeg)
	}
	if a.hotKey == nil {
		return nil, errors.New("ethereum adapter has no hot key")
	}
	token, err := a.assetAddress(req.Asset)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(req.To) {
		return nil, domain.NewTxFailure(domain.TxUnknownError, "invalid recipient "+req.To, nil)
	}
	if !req.Units.IsPositive() || !req.Units.IsInteger() {
		return nil, domain.NewTxFailure(domain.TxLessMin, "units must be a positive integer, got "+req.Units.String(), nil)
	}

	data, err := parsedABI.Pack("transfer", common.HexToAddress(req.To), req.Units.BigInt())
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	nonce, err := a.client.PendingNonceAt(ctx, a.hotAddr)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gas, err := a.client.EstimateGas(ctx, ethereum.CallMsg{From: a.hotAddr, To: &token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas = uint64(float64(gas) * a.opts.GasMultiplier)

	return &domain.UnsignedTx{
		Request: req,
		From:    a.hotAddr.Hex(),
		Body: &types.DynamicFeeTx{
			ChainID:   a.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &token,
			Value:     big.NewInt(0),
			Data:      data,
		},
	}, nil
}

// Sign 签名结果是可以原样重播的 RLP 编码
func (a *Adapter) Sign(_ context.Context, tx *domain.UnsignedTx) (*domain.SignedTx, error) {
	if a.hotKey == nil {
		return nil, errors.New("ethereum adapter has no hot key")
	}
	body, ok := tx.Body.(*types.DynamicFeeTx)
	if !ok {
		return nil, fmt.Errorf("unexpected unsigned body %T", tx.Body)
	}
	signed, err := types.SignNewTx(a.hotKey, types.LatestSignerForChainID(a.chainID), body)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &domain.SignedTx{
		TxID:    signed.Hash().Hex(),
		From:    a.hotAddr.Hex(),
		Payload: hexutil.Encode(raw),
	}, nil
}

// Broadcast 节点已经有这笔交易时视为成功
func (a *Adapter) Broadcast(ctx context.Context, tx *domain.SignedTx) error {
	raw, err := hexutil.Decode(tx.Payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	var signed types.Transaction
	if err := signed.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	err = a.client.SendTransaction(ctx, &signed)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already known") {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info(ctx, "📤 ETH 交易已广播", zap.String("tx_id", signed.Hash().Hex()), zap.Uint64("nonce", signed.Nonce()))
	return nil
}

// ValidateAddress 十六进制地址且不是零地址
func (a *Adapter) ValidateAddress(_ context.Context, address string) (bool, error) {
	if !common.IsHexAddress(address) {
		return false, nil
	}
	return common.HexToAddress(address) != (common.Address{}), nil
}
