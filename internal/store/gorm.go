// Package store persists the marketplace ledger with gorm. Each Atomic call
// is one database transaction; nested calls become savepoints.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace/internal/market"
	"marketplace/internal/model"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements market.Store on a gorm database.
type GormStore struct {
	db *gorm.DB
}

// Open migrates the schema and seeds the settings row with cfg when the
// database has none. An existing row wins over cfg.
func Open(db *gorm.DB, cfg market.Config) (*GormStore, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}
	seed := settingsRow(cfg)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("seed settings: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.Product{}, &model.Referral{}, &model.Account{}, &model.Settings{}, &model.EventRecord{}); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	return nil
}

func (s *GormStore) Atomic(ctx context.Context, fn func(market.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) Atomic(fn func(market.Tx) error) error {
	return t.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (t *gormTx) AppendProduct(p market.Product) (uint64, error) {
	n, err := t.ProductCount()
	if err != nil {
		return 0, err
	}
	p.ID = n
	row := productRow(p)
	if err := t.db.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("insert product: %w", err)
	}
	return n, nil
}

func (t *gormTx) Product(id uint64) (market.Product, error) {
	var row model.Product
	if err := t.db.Where("product_id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return market.Product{}, fmt.Errorf("product %d: %w", id, market.ErrNotFound)
		}
		return market.Product{}, err
	}
	return productFromRow(row), nil
}

func (t *gormTx) Products() ([]market.Product, error) {
	var rows []model.Product
	if err := t.db.Order("product_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]market.Product, 0, len(rows))
	for _, r := range rows {
		out = append(out, productFromRow(r))
	}
	return out, nil
}

func (t *gormTx) ProductCount() (uint64, error) {
	var n int64
	if err := t.db.Model(&model.Product{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (t *gormTx) ApplySale(id uint64, buyer common.Address) error {
	p, err := t.Product(id)
	if err != nil {
		return err
	}
	if err := p.Sell(buyer); err != nil {
		return err
	}
	return t.db.Model(&model.Product{}).Where("product_id = ?", id).Updates(map[string]any{
		"owner":       p.Owner.Hex(),
		"is_for_sale": false,
	}).Error
}

func (t *gormTx) ApplyRent(id uint64, renter common.Address, now time.Time) error {
	p, err := t.Product(id)
	if err != nil {
		return err
	}
	if err := p.Rent(renter, now); err != nil {
		return err
	}
	return t.db.Model(&model.Product{}).Where("product_id = ?", id).Updates(map[string]any{
		"renter":          p.Renter.Hex(),
		"expiration_time": p.ExpirationTime.UTC(),
		"is_for_rent":     false,
	}).Error
}

func (t *gormTx) IncrementReferral(referrer common.Address) (uint64, error) {
	row := model.Referral{Referrer: referrer.Hex(), Referrals: 1}
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "referrer"}},
		DoUpdates: clause.Assignments(map[string]any{"referrals": gorm.Expr("referrals + 1")}),
	}).Create(&row).Error
	if err != nil {
		return 0, fmt.Errorf("credit referral: %w", err)
	}
	return t.ReferralCount(referrer)
}

func (t *gormTx) ReferralCount(referrer common.Address) (uint64, error) {
	var row model.Referral
	err := t.db.Where("referrer = ?", referrer.Hex()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return row.Referrals, err
}

func (t *gormTx) Config() (market.Config, error) {
	var row model.Settings
	if err := t.db.First(&row, model.SettingsRowID).Error; err != nil {
		return market.Config{}, fmt.Errorf("load settings: %w", err)
	}
	return market.Config{
		ReferralBonus:     row.ReferralBonus,
		MinSalePrice:      row.MinSalePrice,
		MinRentPrice:      row.MinRentPrice,
		FeePercentage:     row.FeePercentage,
		DefaultExpiration: time.Duration(row.DefaultExpirationSec) * time.Second,
	}, nil
}

func (t *gormTx) SetConfig(cfg market.Config) error {
	row := settingsRow(cfg)
	return t.db.Save(&row).Error
}

func (t *gormTx) Balance(account common.Address) (int64, error) {
	var row model.Account
	err := t.db.Where("address = ?", account.Hex()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return row.Balance, err
}

func (t *gormTx) Credit(account common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit %d: %w", amount, market.ErrInvalidAmount)
	}
	return t.add(account, amount)
}

func (t *gormTx) Move(from, to common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("move %d: %w", amount, market.ErrInvalidAmount)
	}
	have, err := t.Balance(from)
	if err != nil {
		return err
	}
	if have < amount {
		return fmt.Errorf("%s holds %d, needs %d: %w", from.Hex(), have, amount, market.ErrInsufficientFunds)
	}
	if err := t.add(from, -amount); err != nil {
		return err
	}
	return t.add(to, amount)
}

func (t *gormTx) add(account common.Address, delta int64) error {
	row := model.Account{Address: account.Hex(), Balance: delta}
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.Assignments(map[string]any{"balance": gorm.Expr("balance + ?", delta)}),
	}).Create(&row).Error
}

func productRow(p market.Product) model.Product {
	row := model.Product{
		ProductID:         p.ID,
		Owner:             p.Owner.Hex(),
		Name:              p.Name,
		Price:             p.Price,
		IsForSale:         p.IsForSale,
		IsForRent:         p.IsForRent,
		ExpirationTime:    p.ExpirationTime.UTC(),
		RentalDurationSec: int64(p.RentalDuration / time.Second),
	}
	if p.Rented() {
		row.Renter = p.Renter.Hex()
	}
	return row
}

func productFromRow(r model.Product) market.Product {
	p := market.Product{
		ID:             r.ProductID,
		Owner:          common.HexToAddress(r.Owner),
		Name:           r.Name,
		Price:          r.Price,
		IsForSale:      r.IsForSale,
		IsForRent:      r.IsForRent,
		ExpirationTime: r.ExpirationTime.UTC(),
		RentalDuration: time.Duration(r.RentalDurationSec) * time.Second,
	}
	if r.Renter != "" {
		p.Renter = common.HexToAddress(r.Renter)
	}
	return p
}

func settingsRow(cfg market.Config) model.Settings {
	return model.Settings{
		ID:                   model.SettingsRowID,
		ReferralBonus:        cfg.ReferralBonus,
		MinSalePrice:         cfg.MinSalePrice,
		MinRentPrice:         cfg.MinRentPrice,
		FeePercentage:        cfg.FeePercentage,
		DefaultExpirationSec: int64(cfg.DefaultExpiration / time.Second),
	}
}
