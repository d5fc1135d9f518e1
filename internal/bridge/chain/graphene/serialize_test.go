package graphene

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChainID = "4018d7844c78f6a6c41c6a552b898022310fc5dec06da467ee7905a8dad512c8"

func reserveTx() *Transaction {
	return &Transaction{
		RefBlockNum:    0x1234,
		RefBlockPrefix: 0xdeadbeef,
		Expiration:     Time{time.Unix(1700000000, 0).UTC()},
		Operations: []Operation{{Type: OpAssetReserve, Data: &AssetReserveOp{
			Fee:             AssetAmount{Amount: 100, AssetID: "1.3.0"},
			Payer:           "1.2.17",
			AmountToReserve: AssetAmount{Amount: 5000, AssetID: "1.3.121"},
		}}},
	}
}

func TestSerialize_AssetReserve(t *testing.T) {
	raw, err := Serialize(reserveTx(), "BTS")
	require.NoError(t, err)

	want := strings.Join([]string{
		"3412",             // ref_block_num
		"efbeadde",         // ref_block_prefix
		"00f15365",         // expiration
		"01",               // operations
		"0f",               // asset_reserve
		"6400000000000000", // fee.amount
		"00",               // fee.asset_id
		"11",               // payer 1.2.17
		"8813000000000000", // amount
		"79",               // asset 1.3.121
		"00",               // op extensions
		"00",               // tx extensions
	}, "")
	assert.Equal(t, want, hex.EncodeToString(raw))
	assert.Len(t, TxID(raw), 40)
}

func TestSerialize_TransferWithMemo(t *testing.T) {
	from, to := newKey(t), newKey(t)
	tx := &Transaction{
		Expiration: Time{time.Unix(1700000000, 0).UTC()},
		Operations: []Operation{{Type: OpTransfer, Data: &TransferOp{
			Fee:    AssetAmount{Amount: 1, AssetID: "1.3.0"},
			From:   "1.2.200",
			To:     "1.2.100",
			Amount: AssetAmount{Amount: 125000, AssetID: "1.3.500"},
			Memo: &Memo{
				From:    FormatPublicKey(from.PubKey(), "BTS"),
				To:      FormatPublicKey(to.PubKey(), "BTS"),
				Nonce:   1,
				Message: "abcd",
			},
		}}},
	}
	raw, err := Serialize(tx, "BTS")
	require.NoError(t, err)
	// 200 和 500 是两字节 varint，100 是一字节；memo = 1 + 33 + 33 + 8 + 1 + 2
	assert.Equal(t, 2+4+4+1+1+(8+1)+2+1+(8+2)+(1+33+33+8+1+2)+1+1, len(raw))

	tx.Operations[0].Data.(*TransferOp).Memo.Message = "zz"
	_, err = Serialize(tx, "BTS")
	assert.Error(t, err)
}

func TestSerialize_UnsupportedOperation(t *testing.T) {
	var tx Transaction
	require.NoError(t, json.Unmarshal([]byte(`{
		"ref_block_num": 1, "ref_block_prefix": 2, "expiration": "2023-11-14T22:13:20",
		"operations": [[1, {"seller": "1.2.5"}]], "extensions": [], "signatures": []
	}`), &tx))
	_, err := Serialize(&tx, "BTS")
	assert.ErrorIs(t, err, errUnsupportedOp)
}

func TestTransactionJSONRoundTrip(t *testing.T) {
	tx := reserveTx()
	tx.Extensions = []json.RawMessage{}
	b, err := json.Marshal(tx)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"expiration":"2023-11-14T22:13:20"`)
	assert.Contains(t, string(b), `"operations":[[15,{`)

	var back Transaction
	require.NoError(t, json.Unmarshal(b, &back))
	a, err := Serialize(tx, "BTS")
	require.NoError(t, err)
	c, err := Serialize(&back, "BTS")
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestSignTransaction_Canonical(t *testing.T) {
	key := newKey(t)
	for i := 0; i < 5; i++ {
		tx := reserveTx()
		tx.RefBlockNum = uint16(i)
		id, err := signTransaction(tx, testChainID, "BTS", key)
		require.NoError(t, err)
		require.Len(t, tx.Signatures, 1)

		sig, err := hex.DecodeString(tx.Signatures[0])
		require.NoError(t, err)
		assert.True(t, isCanonical(sig))

		raw, err := Serialize(tx, "BTS")
		require.NoError(t, err)
		assert.Equal(t, TxID(raw), id, "id covers the final expiration")

		h, err := digest(testChainID, raw)
		require.NoError(t, err)
		pub, compressed, err := ecdsa.RecoverCompact(sig, h)
		require.NoError(t, err)
		assert.True(t, compressed)
		assert.True(t, pub.IsEqual(key.PubKey()))
	}
}
