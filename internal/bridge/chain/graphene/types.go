package graphene

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
)

// 操作类型编号
const (
	OpTransfer     uint16 = 0
	OpAssetIssue   uint16 = 14
	OpAssetReserve uint16 = 15
)

const timeLayout = "2006-01-02T15:04:05"

// Time 节点返回的 UTC 时间，没有时区后缀
type Time struct {
	time.Time
}

func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(timeLayout) + `"`), nil
}

func (t *Time) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return err
	}
	parsed, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// Int64 节点对大整数有时返回字符串
type Int64 int64

func (i *Int64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse int64 %s: %w", b, err)
	}
	*i = Int64(v)
	return nil
}

// Uint64 同 Int64，memo nonce 常见字符串形式
type Uint64 uint64

func (u Uint64) MarshalJSON() ([]byte, error) {
	return []byte(`"` + strconv.FormatUint(uint64(u), 10) + `"`), nil
}

func (u *Uint64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse uint64 %s: %w", b, err)
	}
	*u = Uint64(v)
	return nil
}

// ObjectID 形如 1.2.123 (账户) / 1.3.0 (资产)
type ObjectID string

// Instance 对象编号的最后一段，二进制序列化只写这一段
func (id ObjectID) Instance() (uint64, error) {
	parts := strings.Split(string(id), ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid object id %q", id)
	}
	return strconv.ParseUint(parts[2], 10, 64)
}

type AssetAmount struct {
	Amount  Int64    `json:"amount"`
	AssetID ObjectID `json:"asset_id"`
}

// Memo 加密备注；Message 为 hex
type Memo struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Nonce   Uint64 `json:"nonce"`
	Message string `json:"message"`
}

type TransferOp struct {
	Fee        AssetAmount       `json:"fee"`
	From       ObjectID          `json:"from"`
	To         ObjectID          `json:"to"`
	Amount     AssetAmount       `json:"amount"`
	Memo       *Memo             `json:"memo,omitempty"`
	Extensions []json.RawMessage `json:"extensions"`
}

type AssetIssueOp struct {
	Fee            AssetAmount       `json:"fee"`
	Issuer         ObjectID          `json:"issuer"`
	AssetToIssue   AssetAmount       `json:"asset_to_issue"`
	IssueToAccount ObjectID          `json:"issue_to_account"`
	Memo           *Memo             `json:"memo,omitempty"`
	Extensions     []json.RawMessage `json:"extensions"`
}

type AssetReserveOp struct {
	Fee             AssetAmount       `json:"fee"`
	Payer           ObjectID          `json:"payer"`
	AmountToReserve AssetAmount       `json:"amount_to_reserve"`
	Extensions      []json.RawMessage `json:"extensions"`
}

// Operation json 形式为 [type, {...}]；不认识的类型保留原文
type Operation struct {
	Type uint16
	Data interface{}
}

func (op Operation) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(op.Data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteString(strconv.FormatUint(uint64(op.Type), 10))
	buf.WriteByte(',')
	buf.Write(data)
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (op *Operation) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("operation: want [type, data], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &op.Type); err != nil {
		return err
	}
	var data interface{}
	switch op.Type {
	case OpTransfer:
		data = &TransferOp{}
	case OpAssetIssue:
		data = &AssetIssueOp{}
	case OpAssetReserve:
		data = &AssetReserveOp{}
	default:
		op.Data = pair[1]
		return nil
	}
	if err := json.Unmarshal(pair[1], data); err != nil {
		return fmt.Errorf("operation %d: %w", op.Type, err)
	}
	op.Data = data
	return nil
}

type Transaction struct {
	RefBlockNum    uint16            `json:"ref_block_num"`
	RefBlockPrefix uint32            `json:"ref_block_prefix"`
	Expiration     Time              `json:"expiration"`
	Operations     []Operation       `json:"operations"`
	Extensions     []json.RawMessage `json:"extensions"`
	Signatures     []string          `json:"signatures"`
}

type Block struct {
	Previous     string        `json:"previous"`
	Timestamp    Time          `json:"timestamp"`
	Witness      ObjectID      `json:"witness"`
	Transactions []Transaction `json:"transactions"`
}

type DynamicGlobalProperties struct {
	HeadBlockNumber          int64  `json:"head_block_number"`
	HeadBlockID              string `json:"head_block_id"`
	Time                     Time   `json:"time"`
	LastIrreversibleBlockNum int64  `json:"last_irreversible_block_num"`
}

type GlobalProperties struct {
	Parameters struct {
		MaximumTimeUntilExpiration int64 `json:"maximum_time_until_expiration"`
		BlockInterval              int64 `json:"block_interval"`
	} `json:"parameters"`
}

type AssetObject struct {
	ID        ObjectID `json:"id"`
	Symbol    string   `json:"symbol"`
	Precision int32    `json:"precision"`
	Issuer    ObjectID `json:"issuer"`
}

type AccountObject struct {
	ID      ObjectID `json:"id"`
	Name    string   `json:"name"`
	Options struct {
		MemoKey string `json:"memo_key"`
	} `json:"options"`
}

// HistoryEntry 账户历史里的一条操作记录
type HistoryEntry struct {
	ID         ObjectID  `json:"id"`
	Op         Operation `json:"op"`
	BlockNum   int64     `json:"block_num"`
	TrxInBlock int       `json:"trx_in_block"`
	OpInTrx    int       `json:"op_in_trx"`
	VirtualOp  int64     `json:"virtual_op"`
}
