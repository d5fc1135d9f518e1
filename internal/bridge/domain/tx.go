package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TxError 交易错误枚举，对外可见
type TxError string

const (
	TxNoError      TxError = "NO_ERROR"
	TxUnknownError TxError = "UNKNOWN_ERROR"
	TxBadAsset     TxError = "BAD_ASSET"
	TxLessMin      TxError = "LESS_MIN"
	TxGreaterMax   TxError = "GREATER_MAX"
	TxNoMemo       TxError = "NO_MEMO"
	TxFloodMemo    TxError = "FLOOD_MEMO"
	TxOpCollision  TxError = "OP_COLLISION"
	TxHashNotFound TxError = "TX_HASH_NOT_FOUND"
)

// Coin 交易币种，例如 "USDT" / "FINTEH.USDT"
type Coin string

// Tx 对应数据库表 txs，一个订单阶段的一条链上交易
type Tx struct {
	ID   string `gorm:"primaryKey;type:varchar(36)"`
	Coin Coin   `gorm:"type:varchar(32);not null;uniqueIndex:uk_txs_coin_tx_id,priority:1"`
	// TxID 一旦写入永不覆盖；NULL 不参与唯一约束
	TxID        *string         `gorm:"column:tx_id;type:varchar(128);uniqueIndex:uk_txs_coin_tx_id,priority:2"`
	FromAddress string          `gorm:"type:varchar(128)"`
	ToAddress   string          `gorm:"type:varchar(128)"`
	Amount      decimal.Decimal `gorm:"type:decimal(65,30);not null;default:0"`
	TxCreatedAt *time.Time

	Confirmations    int64 `gorm:"not null;default:0"`
	MaxConfirmations int64 `gorm:"not null;default:0"`

	// Raw 入账时观察到的链上转账 (json)
	Raw string `gorm:"type:text"`
	// Payload 出账时签好名的交易，广播前落库，重入时原样重播
	Payload string `gorm:"type:text"`
	// PayloadExpiresAt 签名交易过期时间，过期后不再重播
	PayloadExpiresAt *time.Time

	Error     TxError `gorm:"type:varchar(32);not null;default:NO_ERROR"`
	LastError string  `gorm:"type:text"` // 结构化错误 json

	Version   int64 `gorm:"not null;default:1"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (Tx) TableName() string { return "txs" }

func (t *Tx) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// HasTxID leg 是否已绑定链上交易
func (t *Tx) HasTxID() bool { return t != nil && t.TxID != nil && *t.TxID != "" }

// ChainTxID 未绑定时返回空串
func (t *Tx) ChainTxID() string {
	if !t.HasTxID() {
		return ""
	}
	return *t.TxID
}

// Signed 出账 leg 是否已经签名落库
func (t *Tx) Signed() bool { return t != nil && t.Payload != "" }

// Final 确认数已达到目标深度
func (t *Tx) Final() bool {
	return t.HasTxID() && t.MaxConfirmations > 0 && t.Confirmations >= t.MaxConfirmations
}

// Blocking 需要人工介入的错误码，重入也不能继续推进
func (e TxError) Blocking() bool {
	switch e {
	case TxLessMin, TxGreaterMax, TxBadAsset:
		return true
	}
	return false
}

func (t *Tx) Blocked() bool { return t.Error.Blocking() }

// PayloadExpired 签名交易是否已过期 (没有过期时间的链永不过期)
func (t *Tx) PayloadExpired(now time.Time) bool {
	return t.PayloadExpiresAt != nil && now.After(*t.PayloadExpiresAt)
}
