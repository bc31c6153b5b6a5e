package market

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Store owns the listing state, the referral ledger, the configuration and
// account balances. Atomic runs fn against a transaction; if fn returns an
// error (or panics) none of its effects survive.
type Store interface {
	Atomic(ctx context.Context, fn func(Tx) error) error
}

// Tx is a view of the store inside an Atomic call.
type Tx interface {
	// AppendProduct assigns the next sequential ID to p, stores it and returns the ID.
	AppendProduct(p Product) (uint64, error)
	Product(id uint64) (Product, error)
	Products() ([]Product, error)
	ProductCount() (uint64, error)
	ApplySale(id uint64, buyer common.Address) error
	ApplyRent(id uint64, renter common.Address, now time.Time) error

	IncrementReferral(referrer common.Address) (uint64, error)
	ReferralCount(referrer common.Address) (uint64, error)

	Config() (Config, error)
	SetConfig(cfg Config) error

	Balance(account common.Address) (int64, error)
	// Credit adds money entering the ledger from outside.
	Credit(account common.Address, amount int64) error
	// Move transfers amount between accounts; it fails with
	// ErrInsufficientFunds when from cannot cover it.
	Move(from, to common.Address, amount int64) error

	// Atomic runs fn as a nested unit that rolls back on its own.
	Atomic(fn func(Tx) error) error
}
