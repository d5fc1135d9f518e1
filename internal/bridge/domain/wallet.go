package domain

import (
	"time"

	"gorm.io/gorm"
)

// Chain 支付网络
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainGraphene Chain = "bitshares"
)

func (c Chain) Valid() bool { return c == ChainEthereum || c == ChainGraphene }

// Wallet 对应数据库表 wallets：某条链上的付款方/收款方身份
type Wallet struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	Chain   Chain  `gorm:"type:varchar(16);not null;uniqueIndex:uk_wallets_chain_invoice,priority:1"`
	Invoice string `gorm:"type:varchar(128);not null;uniqueIndex:uk_wallets_chain_invoice,priority:2"`

	DerivedWallets []DerivedWallet `gorm:"foreignKey:WalletID"`

	Version   int64 `gorm:"not null;default:1"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (Wallet) TableName() string { return "wallets" }

// DerivedWallet 对应数据库表 derived_wallets：为 Wallet 在某条链上生成的收款地址
type DerivedWallet struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	WalletID uint64 `gorm:"not null;uniqueIndex:uk_derived_wallet_chain,priority:1"`
	Chain    Chain  `gorm:"type:varchar(16);not null;uniqueIndex:uk_derived_wallet_chain,priority:2;uniqueIndex:uk_derived_chain_address,priority:1"`
	// Address eth 为 HD 派生地址，资产链为账户名
	Address string `gorm:"type:varchar(128);not null;uniqueIndex:uk_derived_chain_address,priority:2"`

	Wallet *Wallet `gorm:"foreignKey:WalletID"`

	Version   int64 `gorm:"not null;default:1"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (DerivedWallet) TableName() string { return "derived_wallets" }
