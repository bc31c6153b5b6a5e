package market

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PoolAccount holds the marketplace's pooled funds: attached payments, retained
// fees and the reserve that referral bonuses are paid from.
var PoolAccount = common.HexToAddress("0x000000000000000000000000000000000000fee0")

// Product is a listing. IDs are positions in the append-only product sequence.
type Product struct {
	ID        uint64         `json:"id"`
	Owner     common.Address `json:"owner"`
	Name      string         `json:"name"`
	Price     int64          `json:"price"`
	IsForSale bool           `json:"is_for_sale"`
	IsForRent bool           `json:"is_for_rent"`
	Renter    common.Address `json:"renter"`

	// ExpirationTime is the listing's rent availability horizon until the
	// product is rented, and the rental's expiry afterwards.
	ExpirationTime time.Time `json:"expiration_time"`
	// RentalDuration is the rental length configured when the product was listed.
	RentalDuration time.Duration `json:"rental_duration"`
}

// Rented reports whether the product has been rented since it was listed.
func (p Product) Rented() bool { return p.Renter != (common.Address{}) }

// Sell applies the sale transition.
func (p *Product) Sell(buyer common.Address) error {
	if !p.IsForSale {
		return fmt.Errorf("product %d: %w", p.ID, ErrNotForSale)
	}
	if p.Owner == (common.Address{}) {
		return fmt.Errorf("product %d has no owner: %w", p.ID, ErrNotForSale)
	}
	p.Owner = buyer
	p.IsForSale = false
	return nil
}

// Rent applies the rent transition. The rental ends RentalDuration after now.
func (p *Product) Rent(renter common.Address, now time.Time) error {
	if !p.IsForRent {
		return fmt.Errorf("product %d: %w", p.ID, ErrNotForRent)
	}
	if p.Rented() {
		return fmt.Errorf("product %d rented by %s: %w", p.ID, p.Renter.Hex(), ErrAlreadyRented)
	}
	p.Renter = renter
	p.ExpirationTime = now.Add(p.RentalDuration)
	p.IsForRent = false
	return nil
}

// ProductInput describes a new listing.
type ProductInput struct {
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	IsForSale bool   `json:"is_for_sale"`
	IsForRent bool   `json:"is_for_rent"`
	// RentalDuration of zero selects the configured default. Durations are
	// whole seconds.
	RentalDuration time.Duration `json:"rental_duration"`
}

// Config holds the administrator-mutable marketplace scalars.
type Config struct {
	ReferralBonus     int64         `json:"referral_bonus"`
	MinSalePrice      int64         `json:"min_sale_price"`
	MinRentPrice      int64         `json:"min_rent_price"`
	FeePercentage     int64         `json:"fee_percentage"`
	DefaultExpiration time.Duration `json:"default_expiration"`
}

// Validate rejects configurations the splitter cannot settle with.
func (c Config) Validate() error {
	if c.ReferralBonus < 0 || c.MinSalePrice < 0 || c.MinRentPrice < 0 {
		return fmt.Errorf("negative amount: %w", ErrInvalidConfig)
	}
	if c.FeePercentage < 0 || c.FeePercentage > 100 {
		return fmt.Errorf("fee percentage %d out of range [0,100]: %w", c.FeePercentage, ErrInvalidConfig)
	}
	if c.DefaultExpiration < 0 {
		return fmt.Errorf("negative default expiration: %w", ErrInvalidConfig)
	}
	if c.DefaultExpiration%time.Second != 0 {
		return fmt.Errorf("default expiration %s is not whole seconds: %w", c.DefaultExpiration, ErrInvalidConfig)
	}
	return nil
}
