package graphene

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/segmentio/encoding/json"
)

// errUnsupportedOp 本地只会序列化转账、增发、销毁三种操作，其余交给节点
var errUnsupportedOp = errors.New("operation not serializable locally")

type encoder struct {
	buf    bytes.Buffer
	prefix string
	err    error
}

func (e *encoder) uvarint(v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	e.buf.Write(b[:n])
}

func (e *encoder) u16(v uint16) { _ = binary.Write(&e.buf, binary.LittleEndian, v) }
func (e *encoder) u32(v uint32) { _ = binary.Write(&e.buf, binary.LittleEndian, v) }
func (e *encoder) u64(v uint64) { _ = binary.Write(&e.buf, binary.LittleEndian, v) }
func (e *encoder) i64(v int64)  { _ = binary.Write(&e.buf, binary.LittleEndian, v) }

func (e *encoder) objectID(id ObjectID) {
	if e.err != nil {
		return
	}
	n, err := id.Instance()
	if err != nil {
		e.err = err
		return
	}
	e.uvarint(n)
}

func (e *encoder) asset(a AssetAmount) {
	e.i64(int64(a.Amount))
	e.objectID(a.AssetID)
}

func (e *encoder) publicKey(s string) {
	if e.err != nil {
		return
	}
	pub, err := ParsePublicKey(s, e.prefix)
	if err != nil {
		e.err = err
		return
	}
	e.buf.Write(pub.SerializeCompressed())
}

func (e *encoder) memo(m *Memo) {
	if m == nil {
		e.buf.WriteByte(0)
		return
	}
	e.buf.WriteByte(1)
	e.publicKey(m.From)
	e.publicKey(m.To)
	e.u64(uint64(m.Nonce))
	msg, err := hex.DecodeString(m.Message)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("memo message: %w", err)
	}
	e.uvarint(uint64(len(msg)))
	e.buf.Write(msg)
}

// extensions 只支持空集合
func (e *encoder) extensions(ext []json.RawMessage) {
	if len(ext) != 0 && e.err == nil {
		e.err = errUnsupportedOp
	}
	e.uvarint(0)
}

func (e *encoder) operation(op Operation) {
	e.uvarint(uint64(op.Type))
	switch d := op.Data.(type) {
	case *TransferOp:
		e.asset(d.Fee)
		e.objectID(d.From)
		e.objectID(d.To)
		e.asset(d.Amount)
		e.memo(d.Memo)
		e.extensions(d.Extensions)
	case *AssetIssueOp:
		e.asset(d.Fee)
		e.objectID(d.Issuer)
		e.asset(d.AssetToIssue)
		e.objectID(d.IssueToAccount)
		e.memo(d.Memo)
		e.extensions(d.Extensions)
	case *AssetReserveOp:
		e.asset(d.Fee)
		e.objectID(d.Payer)
		e.asset(d.AmountToReserve)
		e.extensions(d.Extensions)
	default:
		if e.err == nil {
			e.err = fmt.Errorf("op %d: %w", op.Type, errUnsupportedOp)
		}
	}
}

// Serialize 不含签名的二进制形式，是交易 id 和签名摘要的输入
func Serialize(tx *Transaction, prefix string) ([]byte, error) {
	e := &encoder{prefix: prefix}
	e.u16(tx.RefBlockNum)
	e.u32(tx.RefBlockPrefix)
	e.u32(uint32(tx.Expiration.Unix()))
	e.uvarint(uint64(len(tx.Operations)))
	for _, op := range tx.Operations {
		e.operation(op)
	}
	e.extensions(tx.Extensions)
	if e.err != nil {
		return nil, e.err
	}
	return e.buf.Bytes(), nil
}

// TxID sha256 前 20 字节
func TxID(serialized []byte) string {
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:20])
}

func digest(chainID string, serialized []byte) ([]byte, error) {
	id, err := hex.DecodeString(chainID)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	sum := sha256.Sum256(append(id, serialized...))
	return sum[:], nil
}

// isCanonical 节点只接受 r、s 都不带多余前导零且最高位为 0 的签名
func isCanonical(sig []byte) bool {
	return sig[1]&0x80 == 0 &&
		!(sig[1] == 0 && sig[2]&0x80 == 0) &&
		sig[33]&0x80 == 0 &&
		!(sig[33] == 0 && sig[34]&0x80 == 0)
}

// maxSignAttempts RFC6979 签名是确定的，不规范时把过期时间往后挪一秒重签
const maxSignAttempts = 100

// signTransaction 返回交易 id；tx.Expiration 可能被顺延
func signTransaction(tx *Transaction, chainID, prefix string, key *btcec.PrivateKey) (string, error) {
	for i := 0; i < maxSignAttempts; i++ {
		raw, err := Serialize(tx, prefix)
		if err != nil {
			return "", err
		}
		h, err := digest(chainID, raw)
		if err != nil {
			return "", err
		}
		sig := ecdsa.SignCompact(key, h, true)
		if isCanonical(sig) {
			tx.Signatures = []string{hex.EncodeToString(sig)}
			return TxID(raw), nil
		}
		tx.Expiration.Time = tx.Expiration.Add(time.Second)
	}
	return "", errors.New("no canonical signature found")
}
