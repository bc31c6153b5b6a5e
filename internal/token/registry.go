// Package token is an in-process non-fungible ownership registry: one token
// per product id, transferable only by its holder.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrTokenExists  = errors.New("token already minted")
	ErrUnknownToken = errors.New("unknown token")
	ErrNotHolder    = errors.New("sender does not hold token")
	ErrZeroAddress  = errors.New("zero address")
)

// Transfer is an ownership change notification. Mints have a zero From,
// burns a zero To.
type Transfer struct {
	From common.Address
	To   common.Address
	ID   uint64
}

// Registry tracks token holders and notifies listeners of every change.
type Registry struct {
	mu        sync.RWMutex
	owners    map[uint64]common.Address
	balances  map[common.Address]uint64
	listeners []func(Transfer)
}

func NewRegistry() *Registry {
	return &Registry{
		owners:   map[uint64]common.Address{},
		balances: map[common.Address]uint64{},
	}
}

// OnTransfer registers fn to be called after every mint and transfer.
func (r *Registry) OnTransfer(fn func(Transfer)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) Mint(_ context.Context, owner common.Address, id uint64) error {
	if owner == (common.Address{}) {
		return fmt.Errorf("mint %d: %w", id, ErrZeroAddress)
	}
	r.mu.Lock()
	if _, ok := r.owners[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("mint %d: %w", id, ErrTokenExists)
	}
	r.owners[id] = owner
	r.balances[owner]++
	listeners := r.listeners
	r.mu.Unlock()

	notify(listeners, Transfer{To: owner, ID: id})
	return nil
}

func (r *Registry) Transfer(_ context.Context, from, to common.Address, id uint64) error {
	if to == (common.Address{}) {
		return fmt.Errorf("transfer %d: %w", id, ErrZeroAddress)
	}
	r.mu.Lock()
	holder, ok := r.owners[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("transfer %d: %w", id, ErrUnknownToken)
	}
	if holder != from {
		r.mu.Unlock()
		return fmt.Errorf("transfer %d from %s: %w", id, from.Hex(), ErrNotHolder)
	}
	r.owners[id] = to
	r.balances[from]--
	r.balances[to]++
	listeners := r.listeners
	r.mu.Unlock()

	notify(listeners, Transfer{From: from, To: to, ID: id})
	return nil
}

// Burn removes id from owner. Listeners see a transfer to the zero address.
func (r *Registry) Burn(_ context.Context, owner common.Address, id uint64) error {
	r.mu.Lock()
	holder, ok := r.owners[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("burn %d: %w", id, ErrUnknownToken)
	}
	if holder != owner {
		r.mu.Unlock()
		return fmt.Errorf("burn %d from %s: %w", id, owner.Hex(), ErrNotHolder)
	}
	delete(r.owners, id)
	r.balances[owner]--
	listeners := r.listeners
	r.mu.Unlock()

	notify(listeners, Transfer{From: owner, ID: id})
	return nil
}

// OwnerOf returns the holder of id.
func (r *Registry) OwnerOf(id uint64) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[id]
	if !ok {
		return common.Address{}, fmt.Errorf("owner of %d: %w", id, ErrUnknownToken)
	}
	return owner, nil
}

func (r *Registry) BalanceOf(account common.Address) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.balances[account]
}

func notify(listeners []func(Transfer), t Transfer) {
	for _, fn := range listeners {
		fn(t)
	}
}
