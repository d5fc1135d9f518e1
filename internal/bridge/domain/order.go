package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OrderType string

const (
	OrderTypeDeposit    OrderType = "DEPOSIT"    // USDT(eth) -> FINTEH.USDT(asset)
	OrderTypeWithdrawal OrderType = "WITHDRAWAL" // FINTEH.USDT(asset) -> USDT(eth)
	OrderTypeTrash      OrderType = "TRASH"      // 运营标记作废，不处理
)

func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeDeposit, OrderTypeWithdrawal, OrderTypeTrash:
		return true
	}
	return false
}

// Status 订单状态，持久化为字符串
type Status string

const (
	StatusPending Status = "pending"
	StatusOK      Status = "ok"

	StatusReceivePending Status = "receive_pending"
	StatusReceiveOK      Status = "receive_ok"
	StatusReceiveErr     Status = "receive_err"

	StatusIssueCommitOK Status = "issue_commit_ok"
	StatusIssuePending  Status = "issue_pending"
	StatusIssueOK       Status = "issue_ok"
	StatusIssueErr      Status = "issue_err"

	StatusBurnCommitOK Status = "burn_commit_ok"
	StatusBurnPending  Status = "burn_pending"
	StatusBurnOK       Status = "burn_ok"
	StatusBurnErr      Status = "burn_err"

	StatusTransferToCommitOK Status = "transfer_to_commit_ok"
	StatusTransferToPending  Status = "transfer_to_pending"
	StatusTransferToOK       Status = "transfer_to_ok"
	StatusTransferToErr      Status = "transfer_to_err"
)

// Order 对应数据库表 orders，一笔兑换请求
type Order struct {
	ID              string    `gorm:"primaryKey;type:varchar(36)"`
	JobID           string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_orders_job_id"`
	DerivedWalletID uint64    `gorm:"column:wallet_id;not null;index:idx_orders_wallet"`
	Type            OrderType `gorm:"type:varchar(16);not null;index:idx_orders_wallet"`
	Status          Status    `gorm:"type:varchar(32);not null;default:pending;index"`

	InTxID   string  `gorm:"type:varchar(36);not null"`
	OutTxID  string  `gorm:"type:varchar(36);not null"`
	BurnTxID *string `gorm:"type:varchar(36)"` // 只有 WITHDRAWAL 有

	InTx          *Tx            `gorm:"foreignKey:InTxID"`
	OutTx         *Tx            `gorm:"foreignKey:OutTxID"`
	BurnTx        *Tx            `gorm:"foreignKey:BurnTxID"`
	DerivedWallet *DerivedWallet `gorm:"foreignKey:DerivedWalletID"`

	Version   int64 `gorm:"not null;default:1"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (Order) TableName() string { return "orders" }

// BeforeCreate id 为空时生成 uuid，job_id 默认等于 id
func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.JobID == "" {
		o.JobID = o.ID
	}
	return nil
}

// Flow 订单类型对应的阶段序列
func (o *Order) Flow() Flow { return FlowOf(o.Type) }

// Leg 阶段 -> 交易，显式映射
func (o *Order) Leg(s Stage) *Tx {
	switch s {
	case StageReceive:
		return o.InTx
	case StageIssue, StageTransferTo:
		return o.OutTx
	case StageBurn:
		return o.BurnTx
	default:
		return nil
	}
}

// LegID 阶段对应的 txs 主键
func (o *Order) LegID(s Stage) string {
	switch s {
	case StageReceive:
		return o.InTxID
	case StageIssue, StageTransferTo:
		return o.OutTxID
	case StageBurn:
		if o.BurnTxID != nil {
			return *o.BurnTxID
		}
	}
	return ""
}

// Past 订单是否已越过阶段 s
func (o *Order) Past(s Stage) bool { return o.Flow().Past(o.Status, s) }

// Accepts 阶段 s 当前是否可推进
func (o *Order) Accepts(s Stage) bool { return o.Flow().Accepts(o.Status, s) }
