package graphene

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pegbridge.com/internal/bridge/domain"
)

// fakeNode 内存版节点，只实现适配器用到的 API
type fakeNode struct {
	mu sync.Mutex

	head, irr int64
	headID    string
	now       time.Time

	assets     map[string]*AssetObject
	accounts   map[string]*AccountObject
	blocks     map[int64]*Block
	history    []HistoryEntry
	recent     map[string]bool
	broadcasts []Transaction

	broadcastErr error
	hexCalls     int
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		head:     1000,
		irr:      990,
		headID:   "000003e8a1b2c3d4e5f60718293a4b5c6d7e8f90",
		now:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		assets:   map[string]*AssetObject{},
		accounts: map[string]*AccountObject{},
		blocks:   map[int64]*Block{},
		recent:   map[string]bool{},
	}
}

func (n *fakeNode) addAsset(a *AssetObject) {
	n.assets[a.Symbol] = a
	n.assets[string(a.ID)] = a
}

func (n *fakeNode) addAccount(id ObjectID, name string, memo *btcec.PrivateKey) {
	acc := &AccountObject{ID: id, Name: name}
	if memo != nil {
		acc.Options.MemoKey = FormatPublicKey(memo.PubKey(), "BTS")
	}
	n.accounts[name] = acc
	n.accounts[string(id)] = acc
}

func (n *fakeNode) addTx(height int64, tx Transaction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b := n.blocks[height]
	if b == nil {
		b = &Block{}
		n.blocks[height] = b
	}
	b.Transactions = append(b.Transactions, tx)
}

func respond(v interface{}, result interface{}) error {
	if result == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, result)
}

func (n *fakeNode) Call(_ context.Context, api, method string, params []interface{}, result interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch method {
	case "get_dynamic_global_properties":
		return respond(DynamicGlobalProperties{
			HeadBlockNumber:          n.head,
			HeadBlockID:              n.headID,
			Time:                     Time{n.now},
			LastIrreversibleBlockNum: n.irr,
		}, result)
	case "get_global_properties":
		var p GlobalProperties
		p.Parameters.MaximumTimeUntilExpiration = 86400
		p.Parameters.BlockInterval = 3
		return respond(p, result)
	case "get_chain_id":
		return respond(testChainID, result)
	case "lookup_asset_symbols", "get_objects":
		var out []interface{}
		for _, ref := range params[0].([]string) {
			if a, ok := n.assets[ref]; ok {
				out = append(out, a)
			} else if acc, ok := n.accounts[ref]; ok {
				out = append(out, acc)
			} else {
				out = append(out, nil)
			}
		}
		return respond(out, result)
	case "get_account_by_name":
		acc, ok := n.accounts[params[0].(string)]
		if !ok {
			return respond(nil, result)
		}
		return respond(acc, result)
	case "get_block":
		b, ok := n.blocks[params[0].(int64)]
		if !ok {
			return respond(nil, result)
		}
		return respond(b, result)
	case "get_transaction_hex_without_sig":
		n.hexCalls++
		return respond("0102030405", result)
	case "get_required_fees":
		return respond([]AssetAmount{{Amount: 2500, AssetID: "1.3.0"}}, result)
	case "get_recent_transaction_by_id":
		if n.recent[params[0].(string)] {
			return respond(map[string]interface{}{"ref_block_num": 1}, result)
		}
		return respond(nil, result)
	case "get_account_history":
		if api != APIHistory {
			return fmt.Errorf("history on %s api", api)
		}
		return respond(n.history, result)
	case "broadcast_transaction":
		if n.broadcastErr != nil {
			return n.broadcastErr
		}
		n.broadcasts = append(n.broadcasts, params[0].(Transaction))
		return nil
	}
	return fmt.Errorf("unexpected call %s.%s", api, method)
}

type env struct {
	node    *fakeNode
	adapter *Adapter
	active  *btcec.PrivateKey
	gwMemo  *btcec.PrivateKey
	bobMemo *btcec.PrivateKey
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{node: newFakeNode(), active: newKey(t), gwMemo: newKey(t), bobMemo: newKey(t)}
	e.node.addAsset(&AssetObject{ID: "1.3.0", Symbol: "BTS", Precision: 5, Issuer: "1.2.3"})
	e.node.addAsset(&AssetObject{ID: "1.3.500", Symbol: "FINTEH.USDT", Precision: 4, Issuer: "1.2.100"})
	e.node.addAccount("1.2.100", "finteh-gateway", e.gwMemo)
	e.node.addAccount("1.2.200", "bob", e.bobMemo)
	e.node.addAccount("1.2.300", "carol", nil)

	a, err := New(e.node, Options{
		Account:      "finteh-gateway",
		ActiveKey:    FormatWIF(e.active),
		MemoKey:      FormatWIF(e.gwMemo),
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	e.adapter = a
	return e
}

// deposit bob 带 memo 转给网关
func (e *env) deposit(t *testing.T, units int64, memo string) Transaction {
	t.Helper()
	op := &TransferOp{
		Fee:    AssetAmount{Amount: 100, AssetID: "1.3.0"},
		From:   "1.2.200",
		To:     "1.2.100",
		Amount: AssetAmount{Amount: Int64(units), AssetID: "1.3.500"},
	}
	if memo != "" {
		msg, err := EncryptMemo(e.bobMemo, e.gwMemo.PubKey(), 99, memo)
		require.NoError(t, err)
		op.Memo = &Memo{
			From:    FormatPublicKey(e.bobMemo.PubKey(), "BTS"),
			To:      FormatPublicKey(e.gwMemo.PubKey(), "BTS"),
			Nonce:   99,
			Message: hex.EncodeToString(msg),
		}
	}
	return Transaction{
		RefBlockNum: 7,
		Expiration:  Time{e.node.now},
		Operations:  []Operation{{Type: OpTransfer, Data: op}},
	}
}

func TestFetchTransfers_DecodesMemoAndFilters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.node.addTx(950, e.deposit(t, 125000, "bob"))
	toCarol := e.deposit(t, 1, "")
	toCarol.Operations[0].Data.(*TransferOp).To = "1.2.300"
	e.node.addTx(951, toCarol)
	coreAsset := e.deposit(t, 1, "")
	coreAsset.Operations[0].Data.(*TransferOp).Amount.AssetID = "1.3.0"
	e.node.addTx(952, coreAsset)
	// 混了一个本地不认识的操作，交易 id 交给节点算
	mixed := e.deposit(t, 20000, "")
	mixed.Operations = append([]Operation{{Type: 1, Data: json.RawMessage(`{"seller":"1.2.200"}`)}}, mixed.Operations...)
	e.node.addTx(953, mixed)

	got, err := e.adapter.FetchTransfers(ctx, 940, 960, domain.TransferFilter{To: []string{"finteh-gateway"}, Asset: "FINTEH.USDT"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	first := got[0]
	raw, err := Serialize(&e.node.blocks[950].Transactions[0], "BTS")
	require.NoError(t, err)
	assert.Equal(t, TxID(raw), first.TxID)
	assert.Equal(t, int64(950), first.BlockHeight)
	assert.Equal(t, "bob", first.From)
	assert.Equal(t, "finteh-gateway", first.To)
	assert.Equal(t, "FINTEH.USDT", first.Asset)
	assert.True(t, first.Amount.Equal(decimal.RequireFromString("12.5")), first.Amount.String())
	assert.True(t, first.HasMemo)
	assert.Equal(t, "bob", first.Memo)

	second := got[1]
	assert.Equal(t, 1, second.LogIndex)
	assert.False(t, second.HasMemo)
	assert.Equal(t, TxID([]byte{1, 2, 3, 4, 5}), second.TxID)
	assert.Equal(t, 1, e.node.hexCalls)

	// 不存在的账户不可能收到转账
	got, err = e.adapter.FetchTransfers(ctx, 940, 960, domain.TransferFilter{To: []string{"nobody"}})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = e.adapter.FetchTransfers(ctx, 940, 960, domain.TransferFilter{Asset: "NOPE"})
	assert.Equal(t, domain.TxBadAsset, domain.Classify(err))
}

func TestFetchTransfers_UndecryptableMemo(t *testing.T) {
	e := newEnv(t)
	tx := e.deposit(t, 10000, "bob")
	tx.Operations[0].Data.(*TransferOp).Memo.Nonce = 100
	e.node.addTx(950, tx)

	got, err := e.adapter.FetchTransfers(context.Background(), 950, 950, domain.TransferFilter{To: []string{"finteh-gateway"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].HasMemo)
	assert.Empty(t, got[0].Memo)
}

func TestHeights(t *testing.T) {
	e := newEnv(t)
	h, err := e.adapter.GetHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), h)
	irr, err := e.adapter.IrreversibleHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(990), irr)

	p, err := e.adapter.Precision(context.Background(), "FINTEH.USDT")
	require.NoError(t, err)
	assert.Equal(t, int32(4), p)
}

func TestBuildLeg_Issue(t *testing.T) {
	e := newEnv(t)
	unsigned, err := e.adapter.BuildLeg(context.Background(), domain.LegRequest{
		Kind:  domain.LegIssue,
		Asset: "FINTEH.USDT",
		To:    "bob",
		Units: decimal.NewFromInt(125000),
	})
	require.NoError(t, err)
	assert.Equal(t, "finteh-gateway", unsigned.From)

	tx := unsigned.Body.(*Transaction)
	assert.Equal(t, uint16(1000), tx.RefBlockNum)
	assert.Equal(t, uint32(0xd4c3b2a1), tx.RefBlockPrefix)
	assert.True(t, e.node.now.Add(86400*time.Second-time.Minute).Equal(tx.Expiration.Time), tx.Expiration.String())

	require.Len(t, tx.Operations, 1)
	op := tx.Operations[0].Data.(*AssetIssueOp)
	assert.Equal(t, ObjectID("1.2.100"), op.Issuer)
	assert.Equal(t, ObjectID("1.2.200"), op.IssueToAccount)
	assert.Equal(t, AssetAmount{Amount: 125000, AssetID: "1.3.500"}, op.AssetToIssue)
	assert.Equal(t, AssetAmount{Amount: 2500, AssetID: "1.3.0"}, op.Fee)
}

func TestBuildLeg_Rejects(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.node.addAsset(&AssetObject{ID: "1.3.600", Symbol: "OTHER.USDT", Precision: 4, Issuer: "1.2.300"})

	tests := []struct {
		name string
		req  domain.LegRequest
		code domain.TxError
	}{
		{"unknown asset", domain.LegRequest{Kind: domain.LegIssue, Asset: "NOPE", To: "bob", Units: decimal.NewFromInt(1)}, domain.TxBadAsset},
		{"not issuer", domain.LegRequest{Kind: domain.LegIssue, Asset: "OTHER.USDT", To: "bob", Units: decimal.NewFromInt(1)}, domain.TxBadAsset},
		{"unknown recipient", domain.LegRequest{Kind: domain.LegIssue, Asset: "FINTEH.USDT", To: "nobody", Units: decimal.NewFromInt(1)}, domain.TxUnknownError},
		{"zero", domain.LegRequest{Kind: domain.LegBurn, Asset: "FINTEH.USDT", Units: decimal.Zero}, domain.TxLessMin},
		{"fraction", domain.LegRequest{Kind: domain.LegBurn, Asset: "FINTEH.USDT", Units: decimal.RequireFromString("1.5")}, domain.TxLessMin},
		{"overflow", domain.LegRequest{Kind: domain.LegBurn, Asset: "FINTEH.USDT", Units: decimal.RequireFromString("1e19")}, domain.TxGreaterMax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.adapter.BuildLeg(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, domain.Classify(err))
		})
	}

	_, err := e.adapter.BuildLeg(ctx, domain.LegRequest{Kind: domain.LegKind(0), Asset: "FINTEH.USDT", Units: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, domain.ErrUnsupportedLeg)
}

func TestSignBroadcastAndReceipt(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	unsigned, err := e.adapter.BuildLeg(ctx, domain.LegRequest{Kind: domain.LegBurn, Asset: "FINTEH.USDT", Units: decimal.NewFromInt(75000)})
	require.NoError(t, err)
	signed, err := e.adapter.Sign(ctx, unsigned)
	require.NoError(t, err)
	require.NotNil(t, signed.ExpiresAt)
	assert.Len(t, signed.TxID, 40)
	assert.Equal(t, "finteh-gateway", signed.From)

	// payload 原样反序列化后 id 不变
	var tx Transaction
	require.NoError(t, json.Unmarshal([]byte(signed.Payload), &tx))
	raw, err := Serialize(&tx, "BTS")
	require.NoError(t, err)
	assert.Equal(t, signed.TxID, TxID(raw))
	assert.True(t, tx.Expiration.Equal(*signed.ExpiresAt))

	known, err := e.adapter.IsKnown(ctx, signed.TxID)
	require.NoError(t, err)
	assert.False(t, known)

	require.NoError(t, e.adapter.Broadcast(ctx, signed))
	require.Len(t, e.node.broadcasts, 1)
	assert.Equal(t, tx.Signatures, e.node.broadcasts[0].Signatures)

	e.node.broadcastErr = errors.New("rpc error 10: duplicate transaction")
	assert.NoError(t, e.adapter.Broadcast(ctx, signed))
	e.node.broadcastErr = errors.New("rpc error 10: insufficient balance")
	assert.Error(t, e.adapter.Broadcast(ctx, signed))

	r, err := e.adapter.GetReceipt(ctx, signed.TxID)
	require.NoError(t, err)
	assert.Nil(t, r, "not included yet")

	// 打包进 995 块，网关账户历史里出现
	e.node.addTx(994, e.deposit(t, 1, ""))
	e.node.addTx(995, e.deposit(t, 1, ""))
	e.node.addTx(995, tx)
	e.node.mu.Lock()
	e.node.recent[signed.TxID] = true
	e.node.history = []HistoryEntry{
		{ID: "1.11.9", BlockNum: 995, TrxInBlock: 1},
		{ID: "1.11.8", BlockNum: 995, TrxInBlock: 0},
		{ID: "1.11.7", BlockNum: 994, TrxInBlock: 0},
	}
	e.node.mu.Unlock()

	known, err = e.adapter.IsKnown(ctx, signed.TxID)
	require.NoError(t, err)
	assert.True(t, known)

	r, err = e.adapter.GetReceipt(ctx, signed.TxID)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.Success)
	assert.Equal(t, int64(995), r.BlockHeight)
	assert.Empty(t, r.Transfers, "asset_reserve is not a transfer")
}

func TestGetReceipt_InboundTransfer(t *testing.T) {
	e := newEnv(t)
	e.node.addTx(980, e.deposit(t, 50000, "bob"))
	e.node.history = []HistoryEntry{{ID: "1.11.1", BlockNum: 980, TrxInBlock: 0}}

	got, err := e.adapter.FetchTransfers(context.Background(), 980, 980, domain.TransferFilter{To: []string{"finteh-gateway"}})
	require.NoError(t, err)
	require.Len(t, got, 1)

	for i := 0; i < 2; i++ {
		r, err := e.adapter.GetReceipt(context.Background(), got[0].TxID)
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, int64(980), r.BlockHeight)
		require.Len(t, r.Transfers, 1)
		assert.True(t, r.Transfers[0].Amount.Equal(decimal.NewFromInt(5)))
	}
}

func TestSubscribeTransfers_PollsIrreversibleBlocks(t *testing.T) {
	e := newEnv(t)
	e.node.addTx(985, e.deposit(t, 1, "old"))

	sink := make(chan domain.Transfer, 4)
	sub, err := e.adapter.SubscribeTransfers(context.Background(), domain.TransferFilter{To: []string{"finteh-gateway"}}, sink)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	e.node.addTx(993, e.deposit(t, 30000, "bob"))
	e.node.mu.Lock()
	e.node.irr = 995
	e.node.mu.Unlock()

	select {
	case tr := <-sink:
		assert.Equal(t, int64(993), tr.BlockHeight)
		assert.Equal(t, "bob", tr.Memo)
	case <-time.After(time.Second):
		t.Fatal("no transfer delivered")
	}
	select {
	case tr := <-sink:
		t.Fatalf("unexpected transfer from block %d", tr.BlockHeight)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestValidateAddress(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		want bool
	}{
		{"bob", true},
		{"finteh-gateway", true},
		{"nobody", false},
		{"Bob", false},
		{"0xabc", false},
		{"ab", false},
		{"a.-b", false},
		{"bob-", false},
	}
	for _, tt := range tests {
		got, err := e.adapter.ValidateAddress(context.Background(), tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.name)
	}
	assert.True(t, IsValidName("open.bitshares-1"))
	assert.False(t, IsValidName("1abc"))
}
