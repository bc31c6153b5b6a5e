package model

import "time"

// Referral counts the referrals credited to one referrer.
type Referral struct {
	Referrer  string    `gorm:"primaryKey;size:42" json:"referrer"`
	Referrals uint64    `gorm:"not null;default:0" json:"referrals"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Referral) TableName() string { return "referrals" }

// Account is one balance in the ledger, the marketplace pool included.
type Account struct {
	Address   string    `gorm:"primaryKey;size:42" json:"address"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

// SettingsRowID is the only row of the settings table.
const SettingsRowID = 1

// Settings holds the administrator-mutable configuration scalars.
type Settings struct {
	ID                   uint      `gorm:"primarykey" json:"-"`
	UpdatedAt            time.Time `json:"updated_at"`
	ReferralBonus        int64     `gorm:"not null" json:"referral_bonus"`
	MinSalePrice         int64     `gorm:"not null" json:"min_sale_price"`
	MinRentPrice         int64     `gorm:"not null" json:"min_rent_price"`
	FeePercentage        int64     `gorm:"not null" json:"fee_percentage"`
	DefaultExpirationSec int64     `gorm:"not null" json:"default_expiration_sec"`
}

func (Settings) TableName() string { return "settings" }
