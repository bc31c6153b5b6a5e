package model

import "time"

// Product is a listing row. ProductID is the position in the append-only
// sequence and never changes; rows are never deleted.
type Product struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProductID uint64 `gorm:"uniqueIndex;not null" json:"product_id"`
	Owner     string `gorm:"size:42;not null;index" json:"owner"`
	Name      string `gorm:"size:128;not null" json:"name"`
	Price     int64  `gorm:"not null" json:"price"`
	IsForSale bool   `gorm:"not null" json:"is_for_sale"`
	IsForRent bool   `gorm:"not null" json:"is_for_rent"`
	// Renter is empty until the product is rented.
	Renter            string    `gorm:"size:42" json:"renter"`
	ExpirationTime    time.Time `gorm:"not null" json:"expiration_time"`
	RentalDurationSec int64     `gorm:"not null" json:"rental_duration_sec"`
}

func (Product) TableName() string { return "products" }
