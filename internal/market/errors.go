package market

import "errors"

// Failure kinds. Every operation either succeeds or fails with one of these
// (possibly wrapped) and leaves no partial state behind.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidListing    = errors.New("invalid listing")
	ErrNotFound          = errors.New("product not found")
	ErrNotForSale        = errors.New("product not for sale")
	ErrNotForRent        = errors.New("product not for rent")
	ErrAlreadyRented     = errors.New("product already rented")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrReentrantCall     = errors.New("reentrant call")
	ErrInvalidConfig     = errors.New("invalid config")
	ErrInvalidAmount     = errors.New("invalid amount")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidListing, "invalid_listing"},
	{ErrNotFound, "not_found"},
	{ErrNotForSale, "not_for_sale"},
	{ErrNotForRent, "not_for_rent"},
	{ErrAlreadyRented, "already_rented"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrReentrantCall, "reentrant_call"},
	{ErrInvalidConfig, "invalid_config"},
	{ErrInvalidAmount, "invalid_amount"},
}

// ErrorKind names the failure kind of err: "ok" for nil, "internal" for
// errors outside the taxonomy.
func ErrorKind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
