package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// TokenRegistry records which account holds the ownership token of each product.
type TokenRegistry interface {
	Mint(ctx context.Context, owner common.Address, id uint64) error
	// Transfer requires from to hold id and to to be non-zero.
	Transfer(ctx context.Context, from, to common.Address, id uint64) error
	// Burn destroys id, which owner must hold. It reverts a Mint whose
	// listing was rolled back.
	Burn(ctx context.Context, owner common.Address, id uint64) error
}

// Receiver is implemented by accounts that run code when they are paid.
// Returning an error rejects the funds and fails the paying operation.
type Receiver interface {
	Receive(ctx context.Context, from common.Address, amount int64) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, from common.Address, amount int64) error

func (f ReceiverFunc) Receive(ctx context.Context, from common.Address, amount int64) error {
	return f(ctx, from, amount)
}
