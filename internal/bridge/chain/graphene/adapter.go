// Package graphene 资产链适配器：websocket JSON-RPC 读链，本地序列化签名出账
package graphene

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/event"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/pkg/logger"
)

var ErrAccountNotFound = errors.New("account not found")

// expirationMargin 过期时间比节点允许的上限提前一分钟
const expirationMargin = 60 * time.Second

// maxCached 账户 / 交易 id 缓存上限，超过后整体清空
const maxCached = 10000

type Options struct {
	// Account 网关账户名：资产发行人，也是提现的收款方
	Account string
	// ActiveKey / MemoKey WIF，空时只读
	ActiveKey string
	MemoKey   string
	// AddressPrefix 公钥前缀，默认 BTS
	AddressPrefix string
	// FeeAsset 手续费资产，默认核心资产 1.3.0
	FeeAsset ObjectID
	// PollInterval 实时订阅轮询不可逆区块的间隔
	PollInterval time.Duration
	// HistoryLimit 查回执时翻网关账户最近多少条历史
	HistoryLimit int
}

type blockTrx struct {
	block int64
	trx   int
}

type Adapter struct {
	rpc       Caller
	opts      Options
	activeKey *btcec.PrivateKey
	memoKey   *btcec.PrivateKey

	mu            sync.RWMutex
	chainID       string
	maxExpiration time.Duration
	assets        map[string]*AssetObject
	accounts      map[string]*AccountObject
	txIDs         map[blockTrx]string
}

var _ domain.ChainAdapter = (*Adapter)(nil)

func New(rpc Caller, opts Options) (*Adapter, error) {
	if opts.Account == "" {
		return nil, errors.New("graphene gateway account is required")
	}
	if opts.AddressPrefix == "" {
		opts.AddressPrefix = DefaultAddressPrefix
	}
	if opts.FeeAsset == "" {
		opts.FeeAsset = "1.3.0"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.HistoryLimit <= 0 || opts.HistoryLimit > 100 {
		opts.HistoryLimit = 100
	}
	a := &Adapter{
		rpc:      rpc,
		opts:     opts,
		assets:   make(map[string]*AssetObject),
		accounts: make(map[string]*AccountObject),
		txIDs:    make(map[blockTrx]string),
	}
	var err error
	if opts.ActiveKey != "" {
		if a.activeKey, err = ParseWIF(opts.ActiveKey); err != nil {
			return nil, fmt.Errorf("active key: %w", err)
		}
	}
	if opts.MemoKey != "" {
		if a.memoKey, err = ParseWIF(opts.MemoKey); err != nil {
			return nil, fmt.Errorf("memo key: %w", err)
		}
	}
	return a, nil
}

func (a *Adapter) Chain() domain.Chain { return domain.ChainGraphene }

func (a *Adapter) db(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	return a.rpc.Call(ctx, APIDatabase, method, params, result)
}

func (a *Adapter) dynamicProperties(ctx context.Context) (*DynamicGlobalProperties, error) {
	var p DynamicGlobalProperties
	if err := a.db(ctx, "get_dynamic_global_properties", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (a *Adapter) GetHeight(ctx context.Context) (int64, error) {
	p, err := a.dynamicProperties(ctx)
	if err != nil {
		return 0, err
	}
	return p.HeadBlockNumber, nil
}

func (a *Adapter) IrreversibleHeight(ctx context.Context) (int64, error) {
	p, err := a.dynamicProperties(ctx)
	if err != nil {
		return 0, err
	}
	return p.LastIrreversibleBlockNum, nil
}

func (a *Adapter) getChainID(ctx context.Context) (string, error) {
	a.mu.RLock()
	id := a.chainID
	a.mu.RUnlock()
	if id != "" {
		return id, nil
	}
	if err := a.db(ctx, "get_chain_id", &id); err != nil {
		return "", err
	}
	a.mu.Lock()
	a.chainID = id
	a.mu.Unlock()
	return id, nil
}

func (a *Adapter) getMaxExpiration(ctx context.Context) (time.Duration, error) {
	a.mu.RLock()
	d := a.maxExpiration
	a.mu.RUnlock()
	if d > 0 {
		return d, nil
	}
	var p GlobalProperties
	if err := a.db(ctx, "get_global_properties", &p); err != nil {
		return 0, err
	}
	d = time.Duration(p.Parameters.MaximumTimeUntilExpiration) * time.Second
	a.mu.Lock()
	a.maxExpiration = d
	a.mu.Unlock()
	return d, nil
}

func isObjectID(s string, space string) bool {
	return strings.HasPrefix(s, space) && strings.Count(s, ".") == 2
}

// asset 按符号或 1.3.x 查资产，结果缓存
func (a *Adapter) asset(ctx context.Context, ref string) (*AssetObject, error) {
	a.mu.RLock()
	obj := a.assets[ref]
	a.mu.RUnlock()
	if obj != nil {
		return obj, nil
	}

	var found []*AssetObject
	var err error
	if isObjectID(ref, "1.3.") {
		err = a.db(ctx, "get_objects", &found, []string{ref})
	} else {
		err = a.db(ctx, "lookup_asset_symbols", &found, []string{ref})
	}
	if err != nil {
		return nil, err
	}
	if len(found) != 1 || found[0] == nil {
		return nil, domain.NewTxFailure(domain.TxBadAsset, "unknown asset "+ref, nil)
	}
	obj = found[0]
	a.mu.Lock()
	a.assets[obj.Symbol] = obj
	a.assets[string(obj.ID)] = obj
	a.mu.Unlock()
	return obj, nil
}

// account 按账户名或 1.2.x 查账户，结果缓存
func (a *Adapter) account(ctx context.Context, ref string) (*AccountObject, error) {
	a.mu.RLock()
	obj := a.accounts[ref]
	a.mu.RUnlock()
	if obj != nil {
		return obj, nil
	}

	if isObjectID(ref, "1.2.") {
		var found []*AccountObject
		if err := a.db(ctx, "get_objects", &found, []string{ref}); err != nil {
			return nil, err
		}
		if len(found) == 1 {
			obj = found[0]
		}
	} else if err := a.db(ctx, "get_account_by_name", &obj, ref); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, ref)
	}
	a.mu.Lock()
	if len(a.accounts) > maxCached {
		a.accounts = make(map[string]*AccountObject)
	}
	a.accounts[obj.Name] = obj
	a.accounts[string(obj.ID)] = obj
	a.mu.Unlock()
	return obj, nil
}

func (a *Adapter) self(ctx context.Context) (*AccountObject, error) {
	return a.account(ctx, a.opts.Account)
}

func (a *Adapter) getBlock(ctx context.Context, height int64) (*Block, error) {
	var b *Block
	if err := a.db(ctx, "get_block", &b, height); err != nil {
		return nil, fmt.Errorf("get_block %d: %w", height, err)
	}
	return b, nil
}

// txID 本地能序列化的直接算，否则让节点给出不带签名的 hex
func (a *Adapter) txID(ctx context.Context, tx *Transaction) (string, error) {
	raw, err := Serialize(tx, a.opts.AddressPrefix)
	if err == nil {
		return TxID(raw), nil
	}
	if !errors.Is(err, errUnsupportedOp) {
		return "", err
	}
	var h string
	if err := a.db(ctx, "get_transaction_hex_without_sig", &h, tx); err != nil {
		return "", err
	}
	raw, err = hex.DecodeString(h)
	if err != nil {
		return "", fmt.Errorf("transaction hex: %w", err)
	}
	return TxID(raw), nil
}

// matcher 过滤条件翻译成对象 id
type matcher struct {
	asset ObjectID
	to    map[ObjectID]bool
}

func (m *matcher) match(op *TransferOp) bool {
	if m.asset != "" && op.Amount.AssetID != m.asset {
		return false
	}
	return m.to == nil || m.to[op.To]
}

// newMatcher 过滤的账户都不存在时返回 nil，表示不可能有匹配
func (a *Adapter) newMatcher(ctx context.Context, f domain.TransferFilter) (*matcher, error) {
	m := &matcher{}
	if f.Asset != "" {
		asset, err := a.asset(ctx, f.Asset)
		if err != nil {
			return nil, err
		}
		m.asset = asset.ID
	}
	if len(f.To) == 0 {
		return m, nil
	}
	m.to = make(map[ObjectID]bool, len(f.To))
	for _, name := range f.To {
		acc, err := a.account(ctx, name)
		if errors.Is(err, ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m.to[acc.ID] = true
	}
	if len(m.to) == 0 {
		return nil, nil
	}
	return m, nil
}

// decodeTx 交易里所有匹配的转账；id 为空时按需计算
func (a *Adapter) decodeTx(ctx context.Context, height int64, id string, tx *Transaction, m *matcher) ([]domain.Transfer, error) {
	var out []domain.Transfer
	for i, op := range tx.Operations {
		d, ok := op.Data.(*TransferOp)
		if !ok || !m.match(d) {
			continue
		}
		if id == "" {
			var err error
			if id, err = a.txID(ctx, tx); err != nil {
				return nil, err
			}
		}
		tr, err := a.transfer(ctx, height, id, i, d)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

func (a *Adapter) transfer(ctx context.Context, height int64, id string, index int, op *TransferOp) (domain.Transfer, error) {
	asset, err := a.asset(ctx, string(op.Amount.AssetID))
	if err != nil {
		return domain.Transfer{}, err
	}
	from, err := a.account(ctx, string(op.From))
	if err != nil {
		return domain.Transfer{}, err
	}
	to, err := a.account(ctx, string(op.To))
	if err != nil {
		return domain.Transfer{}, err
	}
	raw, _ := json.Marshal(op)
	tr := domain.Transfer{
		TxID:        id,
		LogIndex:    index,
		BlockHeight: height,
		From:        from.Name,
		To:          to.Name,
		Asset:       asset.Symbol,
		Amount:      decimal.New(int64(op.Amount.Amount), -asset.Precision),
		Raw:         raw,
	}
	if op.Memo != nil {
		tr.HasMemo = true
		if a.memoKey != nil {
			memo, err := openMemo(a.memoKey, a.opts.AddressPrefix, op.Memo)
			if err != nil {
				logger.Debug(ctx, "memo 解密失败", zap.String("tx_id", id), zap.Error(err))
			} else {
				tr.Memo = memo
			}
		}
	}
	return tr, nil
}

// FetchTransfers 逐块读取 [from, to] 里的转账操作
func (a *Adapter) FetchTransfers(ctx context.Context, from, to int64, f domain.TransferFilter) ([]domain.Transfer, error) {
	m, err := a.newMatcher(ctx, f)
	if err != nil || m == nil {
		return nil, err
	}
	var out []domain.Transfer
	for h := from; h <= to; h++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := a.getBlock(ctx, h)
		if err != nil {
			return nil, err
		}
		if b == nil {
			continue
		}
		for i := range b.Transactions {
			trs, err := a.decodeTx(ctx, h, "", &b.Transactions[i], m)
			if err != nil {
				logger.Warn(ctx, "跳过无法解析的交易", zap.Int64("block", h), zap.Int("trx", i), zap.Error(err))
				continue
			}
			out = append(out, trs...)
		}
	}
	return out, nil
}

// SubscribeTransfers 资产链没有日志订阅，按 PollInterval 读新的不可逆区块
func (a *Adapter) SubscribeTransfers(ctx context.Context, f domain.TransferFilter, sink chan<- domain.Transfer) (domain.Subscription, error) {
	if _, err := a.newMatcher(ctx, f); err != nil {
		return nil, err
	}
	irr, err := a.IrreversibleHeight(ctx)
	if err != nil {
		return nil, err
	}
	next := irr + 1
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
			irr, err := a.IrreversibleHeight(ctx)
			if err != nil {
				logger.Warn(ctx, "读取不可逆高度失败", zap.Error(err))
				continue
			}
			if irr < next {
				continue
			}
			transfers, err := a.FetchTransfers(ctx, next, irr, f)
			if err != nil {
				logger.Warn(ctx, "读取新区块失败", zap.Int64("from", next), zap.Int64("to", irr), zap.Error(err))
				continue
			}
			next = irr + 1
			for _, tr := range transfers {
				select {
				case sink <- tr:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

func (a *Adapter) blockTx(ctx context.Context, key blockTrx) (*Transaction, error) {
	b, err := a.getBlock(ctx, key.block)
	if err != nil || b == nil || key.trx >= len(b.Transactions) {
		return nil, err
	}
	return &b.Transactions[key.trx], nil
}

// txAt 区块里第 trx 笔交易的 id；不可逆区块的结果缓存
func (a *Adapter) txAt(ctx context.Context, key blockTrx, irreversible int64) (string, error) {
	a.mu.RLock()
	id, ok := a.txIDs[key]
	a.mu.RUnlock()
	if ok {
		return id, nil
	}
	tx, err := a.blockTx(ctx, key)
	if err != nil || tx == nil {
		return "", err
	}
	if id, err = a.txID(ctx, tx); err != nil {
		return "", err
	}
	if key.block <= irreversible {
		a.mu.Lock()
		if len(a.txIDs) > maxCached {
			a.txIDs = make(map[blockTrx]string)
		}
		a.txIDs[key] = id
		a.mu.Unlock()
	}
	return id, nil
}

// GetReceipt 网关账户的每一笔出入账都在它的账户历史里，按历史定位区块。
// 资产链上的交易要么整体成功打包，要么不存在
func (a *Adapter) GetReceipt(ctx context.Context, txID string) (*domain.Receipt, error) {
	self, err := a.self(ctx)
	if err != nil {
		return nil, err
	}
	irr, err := a.IrreversibleHeight(ctx)
	if err != nil {
		return nil, err
	}
	var history []HistoryEntry
	if err := a.rpc.Call(ctx, APIHistory, "get_account_history",
		[]interface{}{self.ID, "1.11.0", a.opts.HistoryLimit, "1.11.0"}, &history); err != nil {
		return nil, err
	}

	seen := make(map[blockTrx]bool, len(history))
	for _, e := range history {
		key := blockTrx{block: e.BlockNum, trx: e.TrxInBlock}
		if seen[key] {
			continue
		}
		seen[key] = true
		id, err := a.txAt(ctx, key, irr)
		if err != nil {
			return nil, err
		}
		if id != txID {
			continue
		}
		tx, err := a.blockTx(ctx, key)
		if err != nil {
			return nil, err
		}
		r := &domain.Receipt{TxID: txID, BlockHeight: e.BlockNum, Success: true}
		if tx != nil {
			if r.Transfers, err = a.decodeTx(ctx, e.BlockNum, txID, tx, &matcher{}); err != nil {
				return nil, err
			}
		}
		return r, nil
	}
	return nil, nil
}

func (a *Adapter) IsKnown(ctx context.Context, txID string) (bool, error) {
	var raw json.RawMessage
	if err := a.db(ctx, "get_recent_transaction_by_id", &raw, txID); err != nil {
		return false, err
	}
	return len(raw) > 0 && string(raw) != "null", nil
}

func (a *Adapter) Precision(ctx context.Context, asset string) (int32, error) {
	obj, err := a.asset(ctx, asset)
	if err != nil {
		return 0, err
	}
	return obj.Precision, nil
}

// refBlock 引用当前 head：区块号低 16 位 + 区块 id 第 4~8 字节 (小端)
func refBlock(p *DynamicGlobalProperties) (uint16, uint32, error) {
	id, err := hex.DecodeString(p.HeadBlockID)
	if err != nil || len(id) < 8 {
		return 0, 0, fmt.Errorf("invalid head block id %q", p.HeadBlockID)
	}
	return uint16(p.HeadBlockNumber & 0xffff), binary.LittleEndian.Uint32(id[4:8]), nil
}

// BuildLeg 增发 (asset_issue)、销毁 (asset_reserve) 或网关转账；手续费由节点估算
func (a *Adapter) BuildLeg(ctx context.Context, req domain.LegRequest) (*domain.UnsignedTx, error) {
	if a.activeKey == nil {
		return nil, errors.New("graphene adapter has no active key")
	}
	asset, err := a.asset(ctx, req.Asset)
	if err != nil {
		return nil, err
	}
	if !req.Units.IsPositive() || !req.Units.IsInteger() {
		return nil, domain.NewTxFailure(domain.TxLessMin, "units must be a positive integer, got "+req.Units.String(), nil)
	}
	if req.Units.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return nil, domain.NewTxFailure(domain.TxGreaterMax, "units overflow int64: "+req.Units.String(), nil)
	}
	self, err := a.self(ctx)
	if err != nil {
		return nil, err
	}
	amount := AssetAmount{Amount: Int64(req.Units.IntPart()), AssetID: asset.ID}
	fee := AssetAmount{AssetID: a.opts.FeeAsset}

	recipient := func() (*AccountObject, error) {
		acc, err := a.account(ctx, req.To)
		if errors.Is(err, ErrAccountNotFound) {
			return nil, domain.NewTxFailure(domain.TxUnknownError, "unknown recipient "+req.To, err)
		}
		return acc, err
	}

	var op Operation
	switch req.Kind {
	case domain.LegIssue:
		if asset.Issuer != self.ID {
			return nil, domain.NewTxFailure(domain.TxBadAsset, fmt.Sprintf("%s is not issuer of %s", a.opts.Account, asset.Symbol), nil)
		}
		to, err := recipient()
		if err != nil {
			return nil, err
		}
		op = Operation{Type: OpAssetIssue, Data: &AssetIssueOp{
			Fee: fee, Issuer: self.ID, AssetToIssue: amount, IssueToAccount: to.ID, Extensions: []json.RawMessage{},
		}}
	case domain.LegBurn:
		op = Operation{Type: OpAssetReserve, Data: &AssetReserveOp{
			Fee: fee, Payer: self.ID, AmountToReserve: amount, Extensions: []json.RawMessage{},
		}}
	case domain.LegTransfer:
		to, err := recipient()
		if err != nil {
			return nil, err
		}
		op = Operation{Type: OpTransfer, Data: &TransferOp{
			Fee: fee, From: self.ID, To: to.ID, Amount: amount, Extensions: []json.RawMessage{},
		}}
	default:
		return nil, fmt.Errorf("graphene %s: %w", req.Kind, domain.ErrUnsupportedLeg)
	}

	var fees []AssetAmount
	if err := a.db(ctx, "get_required_fees", &fees, []Operation{op}, a.opts.FeeAsset); err != nil {
		return nil, fmt.Errorf("required fees: %w", err)
	}
	if len(fees) != 1 {
		return nil, fmt.Errorf("required fees: want 1 result, got %d", len(fees))
	}
	setFee(op, fees[0])

	props, err := a.dynamicProperties(ctx)
	if err != nil {
		return nil, err
	}
	refNum, refPrefix, err := refBlock(props)
	if err != nil {
		return nil, err
	}
	maxExp, err := a.getMaxExpiration(ctx)
	if err != nil {
		return nil, err
	}
	ttl := maxExp - expirationMargin
	if ttl <= 0 {
		ttl = maxExp / 2
	}

	return &domain.UnsignedTx{
		Request: req,
		From:    a.opts.Account,
		Body: &Transaction{
			RefBlockNum:    refNum,
			RefBlockPrefix: refPrefix,
			Expiration:     Time{props.Time.Add(ttl)},
			Operations:     []Operation{op},
			Extensions:     []json.RawMessage{},
			Signatures:     []string{},
		},
	}, nil
}

func setFee(op Operation, fee AssetAmount) {
	switch d := op.Data.(type) {
	case *TransferOp:
		d.Fee = fee
	case *AssetIssueOp:
		d.Fee = fee
	case *AssetReserveOp:
		d.Fee = fee
	}
}

// Sign 签名后的 json 即 payload，过期时间随交易一起落库
func (a *Adapter) Sign(ctx context.Context, unsigned *domain.UnsignedTx) (*domain.SignedTx, error) {
	if a.activeKey == nil {
		return nil, errors.New("graphene adapter has no active key")
	}
	tx, ok := unsigned.Body.(*Transaction)
	if !ok {
		return nil, fmt.Errorf("unexpected unsigned body %T", unsigned.Body)
	}
	chainID, err := a.getChainID(ctx)
	if err != nil {
		return nil, err
	}
	id, err := signTransaction(tx, chainID, a.opts.AddressPrefix, a.activeKey)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	expires := tx.Expiration.Time
	return &domain.SignedTx{
		TxID:      id,
		From:      a.opts.Account,
		Payload:   string(payload),
		ExpiresAt: &expires,
	}, nil
}

// Broadcast 节点报重复交易视为成功
func (a *Adapter) Broadcast(ctx context.Context, signed *domain.SignedTx) error {
	var tx Transaction
	if err := json.Unmarshal([]byte(signed.Payload), &tx); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	err := a.rpc.Call(ctx, APIBroadcast, "broadcast_transaction", []interface{}{tx}, nil)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate") {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info(ctx, "📤 资产链交易已广播", zap.String("tx_id", signed.TxID))
	return nil
}

// ValidateAddress 账户名格式合法且链上存在
func (a *Adapter) ValidateAddress(ctx context.Context, name string) (bool, error) {
	if !IsValidName(name) {
		return false, nil
	}
	_, err := a.account(ctx, name)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsValidName 账户名：3~63 位，点分段，每段字母开头、字母或数字结尾，只含小写字母、数字和 '-'
func IsValidName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return false
		}
		if first := label[0]; first < 'a' || first > 'z' {
			return false
		}
		last := label[len(label)-1]
		if !(last >= 'a' && last <= 'z' || last >= '0' && last <= '9') {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
				return false
			}
		}
	}
	return true
}
