package market

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-process Store. Atomic snapshots the whole state and
// restores it when the unit fails.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	products  []Product
	referrals map[common.Address]uint64
	balances  map[common.Address]int64
	config    Config
}

func (s memState) clone() memState {
	return memState{
		products:  slices.Clone(s.products),
		referrals: maps.Clone(s.referrals),
		balances:  maps.Clone(s.balances),
		config:    s.config,
	}
}

// NewMemoryStore returns an empty store seeded with cfg.
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{state: memState{
		referrals: map[common.Address]uint64{},
		balances:  map[common.Address]int64{},
		config:    cfg,
	}}
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{st: &s.state}).Atomic(fn)
}

type memTx struct {
	st *memState
}

func (t *memTx) Atomic(fn func(Tx) error) (err error) {
	snapshot := t.st.clone()
	defer func() {
		if r := recover(); r != nil {
			*t.st = snapshot
			panic(r)
		}
		if err != nil {
			*t.st = snapshot
		}
	}()
	return fn(t)
}

func (t *memTx) AppendProduct(p Product) (uint64, error) {
	p.ID = uint64(len(t.st.products))
	t.st.products = append(t.st.products, p)
	return p.ID, nil
}

func (t *memTx) Product(id uint64) (Product, error) {
	if id >= uint64(len(t.st.products)) {
		return Product{}, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	return t.st.products[id], nil
}

func (t *memTx) Products() ([]Product, error) {
	return slices.Clone(t.st.products), nil
}

func (t *memTx) ProductCount() (uint64, error) {
	return uint64(len(t.st.products)), nil
}

func (t *memTx) ApplySale(id uint64, buyer common.Address) error {
	p, err := t.Product(id)
	if err != nil {
		return err
	}
	if err := p.Sell(buyer); err != nil {
		return err
	}
	t.st.products[id] = p
	return nil
}

func (t *memTx) ApplyRent(id uint64, renter common.Address, now time.Time) error {
	p, err := t.Product(id)
	if err != nil {
		return err
	}
	if err := p.Rent(renter, now); err != nil {
		return err
	}
	t.st.products[id] = p
	return nil
}

func (t *memTx) IncrementReferral(referrer common.Address) (uint64, error) {
	t.st.referrals[referrer]++
	return t.st.referrals[referrer], nil
}

func (t *memTx) ReferralCount(referrer common.Address) (uint64, error) {
	return t.st.referrals[referrer], nil
}

func (t *memTx) Config() (Config, error) { return t.st.config, nil }

func (t *memTx) SetConfig(cfg Config) error {
	t.st.config = cfg
	return nil
}

func (t *memTx) Balance(account common.Address) (int64, error) {
	return t.st.balances[account], nil
}

func (t *memTx) Credit(account common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit %d: %w", amount, ErrInvalidAmount)
	}
	t.st.balances[account] += amount
	return nil
}

func (t *memTx) Move(from, to common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("move %d: %w", amount, ErrInvalidAmount)
	}
	if have := t.st.balances[from]; have < amount {
		return fmt.Errorf("%s holds %d, needs %d: %w", from.Hex(), have, amount, ErrInsufficientFunds)
	}
	t.st.balances[from] -= amount
	t.st.balances[to] += amount
	return nil
}
