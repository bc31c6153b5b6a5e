package market

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Marketplace runs the product lifecycle: listing, sale, rental, fee and
// referral settlement, and the administrative setters.
//
// Top-level operations are serialized. An operation that pays an account with
// a registered Receiver runs the receiver synchronously; calls the receiver
// makes back into the marketplace join the running operation as a nested
// unit when they pass the ctx they were given, and calls into guarded
// operations fail with ErrReentrantCall. A call made with any other ctx while
// a receiver runs fails with ErrReentrantCall instead of waiting for the
// operation that is running the receiver.
type Marketplace struct {
	store  Store
	gate   RoleGate
	tokens TokenRegistry
	sink   EventSink
	clock  clock.Clock
	log    *zap.Logger

	mu    sync.Mutex
	guard Guard
	// receiving counts receivers running under mu.
	receiving atomic.Int32

	receiversMu sync.RWMutex
	receivers   map[common.Address]Receiver
}

// Option configures a Marketplace.
type Option func(*Marketplace)

func WithClock(c clock.Clock) Option { return func(m *Marketplace) { m.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(m *Marketplace) { m.log = l } }

// WithEventSink sets where committed events go. The default discards them.
func WithEventSink(s EventSink) Option { return func(m *Marketplace) { m.sink = s } }

// New wires a Marketplace over its store and collaborators.
func New(store Store, roles RoleStore, tokens TokenRegistry, opts ...Option) *Marketplace {
	m := &Marketplace{
		store:     store,
		gate:      RoleGate{Roles: roles},
		tokens:    tokens,
		sink:      MultiSink(nil),
		clock:     clock.New(),
		log:       zap.NewNop(),
		receivers: map[common.Address]Receiver{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterReceiver installs r to run whenever account is paid.
func (m *Marketplace) RegisterReceiver(account common.Address, r Receiver) {
	m.receiversMu.Lock()
	defer m.receiversMu.Unlock()
	m.receivers[account] = r
}

func (m *Marketplace) UnregisterReceiver(account common.Address) {
	m.receiversMu.Lock()
	defer m.receiversMu.Unlock()
	delete(m.receivers, account)
}

func (m *Marketplace) receiver(account common.Address) Receiver {
	m.receiversMu.RLock()
	defer m.receiversMu.RUnlock()
	return m.receivers[account]
}

type frameKey struct{}

// frame is the running operation a nested call joins.
type frame struct {
	m    *Marketplace
	tx   Tx
	emit func(Event)
	// undo registers the reversal of an effect outside the store.
	undo func(undoFunc)
}

type undoFunc func(ctx context.Context) error

type opFunc func(ctx context.Context, tx Tx, emit func(Event)) error

// exec runs fn as one all-or-nothing unit. Events emitted by fn are delivered
// to the sink only once the outermost unit commits. Token registry effects
// are reverted when the unit that made them, or any unit enclosing it, fails.
func (m *Marketplace) exec(ctx context.Context, name string, guarded bool, fn opFunc) error {
	parent, nested := ctx.Value(frameKey{}).(*frame)
	nested = nested && parent.m == m
	if !nested {
		if !m.mu.TryLock() {
			if m.receiving.Load() > 0 {
				return fmt.Errorf("%s: called from a receiver without its context: %w", name, ErrReentrantCall)
			}
			m.mu.Lock()
		}
		defer m.mu.Unlock()
	}
	if guarded {
		release, err := m.guard.Enter()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		defer release()
	}

	var (
		events []Event
		undos  []undoFunc
		done   bool
	)
	defer func() {
		if !done {
			m.revert(ctx, name, undos)
		}
	}()
	body := func(tx Tx) error {
		f := &frame{
			m:    m,
			tx:   tx,
			emit: func(e Event) { events = append(events, e) },
			undo: func(u undoFunc) { undos = append(undos, u) },
		}
		return fn(context.WithValue(ctx, frameKey{}, f), tx, f.emit)
	}

	if nested {
		if err := parent.tx.Atomic(body); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		done = true
		for _, e := range events {
			parent.emit(e)
		}
		for _, u := range undos {
			parent.undo(u)
		}
		return nil
	}

	if err := m.store.Atomic(ctx, body); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	done = true
	for _, e := range events {
		if err := m.sink.Publish(ctx, e); err != nil {
			m.log.Warn("publish event", zap.String("event", e.EventName()), zap.Error(err))
		}
	}
	return nil
}

// revert undoes registered effects newest first.
func (m *Marketplace) revert(ctx context.Context, name string, undos []undoFunc) {
	ctx = context.WithoutCancel(ctx)
	for i := len(undos) - 1; i >= 0; i-- {
		if err := undos[i](ctx); err != nil {
			m.log.Error("revert token effect", zap.String("operation", name), zap.Error(err))
		}
	}
}

// undo registers u on the unit running in ctx.
func undo(ctx context.Context, u undoFunc) {
	if f, ok := ctx.Value(frameKey{}).(*frame); ok {
		f.undo(u)
	}
}

// transfer pays amount from the pool to account and runs its receiver.
func (m *Marketplace) transfer(ctx context.Context, tx Tx, to common.Address, amount int64) error {
	if to == (common.Address{}) {
		return fmt.Errorf("pay zero address: %w", ErrInvalidAmount)
	}
	if err := tx.Move(PoolAccount, to, amount); err != nil {
		return err
	}
	if r := m.receiver(to); r != nil {
		if err := m.receive(ctx, r, amount); err != nil {
			return fmt.Errorf("%s rejected %d: %w", to.Hex(), amount, err)
		}
	}
	return nil
}

func (m *Marketplace) receive(ctx context.Context, r Receiver, amount int64) error {
	m.receiving.Add(1)
	defer m.receiving.Add(-1)
	return r.Receive(ctx, PoolAccount, amount)
}

func (m *Marketplace) requireAdmin(ctx context.Context, caller common.Address) error {
	if caller == (common.Address{}) {
		return fmt.Errorf("zero caller: %w", ErrUnauthorized)
	}
	return m.gate.Require(ctx, RoleAdmin, caller)
}

func validateListing(in ProductInput, cfg Config) error {
	if !in.IsForSale && !in.IsForRent {
		return fmt.Errorf("neither for sale nor for rent: %w", ErrInvalidListing)
	}
	if in.RentalDuration < 0 {
		return fmt.Errorf("negative rental duration: %w", ErrInvalidListing)
	}
	if in.RentalDuration%time.Second != 0 {
		return fmt.Errorf("rental duration %s is not whole seconds: %w", in.RentalDuration, ErrInvalidListing)
	}
	minPrice := cfg.MinRentPrice
	if in.IsForSale {
		minPrice = cfg.MinSalePrice
	}
	if in.Price < 0 || in.Price < minPrice {
		return fmt.Errorf("price %d below minimum %d: %w", in.Price, minPrice, ErrInvalidListing)
	}
	return nil
}

// AddProduct lists a new product owned by caller and mints its ownership token.
func (m *Marketplace) AddProduct(ctx context.Context, caller common.Address, in ProductInput) (Product, error) {
	var out Product
	err := m.exec(ctx, "add product", false, func(ctx context.Context, tx Tx, emit func(Event)) error {
		if err := m.requireAdmin(ctx, caller); err != nil {
			return err
		}
		cfg, err := tx.Config()
		if err != nil {
			return err
		}
		if err := validateListing(in, cfg); err != nil {
			return err
		}
		duration := in.RentalDuration
		if duration == 0 {
			duration = cfg.DefaultExpiration
		}
		p := Product{
			Owner:          caller,
			Name:           in.Name,
			Price:          in.Price,
			IsForSale:      in.IsForSale,
			IsForRent:      in.IsForRent,
			ExpirationTime: m.clock.Now().Add(duration),
			RentalDuration: duration,
		}
		if p.ID, err = tx.AppendProduct(p); err != nil {
			return err
		}
		if err := m.tokens.Mint(ctx, caller, p.ID); err != nil {
			return fmt.Errorf("mint token %d: %w", p.ID, err)
		}
		id := p.ID
		undo(ctx, func(ctx context.Context) error { return m.tokens.Burn(ctx, caller, id) })
		emit(ProductAdded{
			ID:        p.ID,
			Owner:     p.Owner,
			Name:      p.Name,
			Price:     p.Price,
			IsForSale: p.IsForSale,
			IsForRent: p.IsForRent,
		})
		out = p
		return nil
	})
	if err != nil {
		return Product{}, err
	}
	m.log.Info("product added", zap.Uint64("id", out.ID), zap.String("owner", out.Owner.Hex()), zap.Int64("price", out.Price))
	return out, nil
}

// Receipt describes a settled purchase or rental.
type Receipt struct {
	Product    Product        `json:"product"`
	Payee      common.Address `json:"payee"`
	Paid       int64          `json:"paid"`
	Settlement Settlement     `json:"settlement"`
}

// chargeFunc validates the product state for a paying operation.
type chargeFunc func(p Product, value int64) error

// settle moves value from caller into the pool and pays the product's owner
// (and the referrer) out of it.
func (m *Marketplace) settle(ctx context.Context, tx Tx, caller common.Address, id uint64, referrer common.Address, value int64, check chargeFunc) (Product, Settlement, error) {
	if value < 0 {
		return Product{}, Settlement{}, fmt.Errorf("value %d: %w", value, ErrInvalidAmount)
	}
	p, err := tx.Product(id)
	if err != nil {
		return Product{}, Settlement{}, err
	}
	if err := check(p, value); err != nil {
		return Product{}, Settlement{}, err
	}
	if err := tx.Move(caller, PoolAccount, value); err != nil {
		return Product{}, Settlement{}, fmt.Errorf("attach value: %w", err)
	}
	cfg, err := tx.Config()
	if err != nil {
		return Product{}, Settlement{}, err
	}
	s, err := Distribute(ctx, tx, m.transfer, Payout{
		Recipient:     p.Owner,
		Amount:        p.Price,
		FeePercentage: cfg.FeePercentage,
		Referrer:      referrer,
		Payer:         caller,
		ReferralBonus: cfg.ReferralBonus,
	})
	if err != nil {
		return Product{}, Settlement{}, err
	}
	return p, s, nil
}

// BuyProduct sells product id to caller for value. The seller receives the
// price less the fee; value above the price stays pooled.
func (m *Marketplace) BuyProduct(ctx context.Context, caller common.Address, id uint64, referrer common.Address, value int64) (Receipt, error) {
	var rc Receipt
	err := m.exec(ctx, "buy product", true, func(ctx context.Context, tx Tx, emit func(Event)) error {
		listed, s, err := m.settle(ctx, tx, caller, id, referrer, value, func(p Product, value int64) error {
			if !p.IsForSale {
				return fmt.Errorf("product %d: %w", p.ID, ErrNotForSale)
			}
			if value < p.Price {
				return fmt.Errorf("value %d below price %d: %w", value, p.Price, ErrInsufficientFunds)
			}
			if p.Owner == (common.Address{}) {
				return fmt.Errorf("product %d has no owner: %w", p.ID, ErrNotForSale)
			}
			return nil
		})
		if err != nil {
			return err
		}
		seller := listed.Owner
		if err := tx.ApplySale(id, caller); err != nil {
			return err
		}
		if err := m.tokens.Transfer(ctx, seller, caller, id); err != nil {
			return fmt.Errorf("transfer token %d: %w", id, err)
		}
		undo(ctx, func(ctx context.Context) error { return m.tokens.Transfer(ctx, caller, seller, id) })
		p, err := tx.Product(id)
		if err != nil {
			return err
		}
		emit(ProductSold{ID: id, Buyer: caller, Seller: seller, Price: listed.Price})
		rc = Receipt{Product: p, Payee: seller, Paid: value, Settlement: s}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	m.log.Info("product sold",
		zap.Uint64("id", id),
		zap.String("buyer", caller.Hex()),
		zap.String("seller", rc.Payee.Hex()),
		zap.Int64("net", rc.Settlement.Net),
		zap.Int64("fee", rc.Settlement.Fee),
	)
	return rc, nil
}

// RentProduct rents product id to caller for its configured rental duration.
func (m *Marketplace) RentProduct(ctx context.Context, caller common.Address, id uint64, referrer common.Address, value int64) (Receipt, error) {
	var rc Receipt
	err := m.exec(ctx, "rent product", true, func(ctx context.Context, tx Tx, emit func(Event)) error {
		listed, s, err := m.settle(ctx, tx, caller, id, referrer, value, func(p Product, value int64) error {
			if !p.IsForRent {
				return fmt.Errorf("product %d: %w", p.ID, ErrNotForRent)
			}
			if value < p.Price {
				return fmt.Errorf("value %d below price %d: %w", value, p.Price, ErrInsufficientFunds)
			}
			if p.Rented() {
				return fmt.Errorf("product %d: %w", p.ID, ErrAlreadyRented)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := tx.ApplyRent(id, caller, m.clock.Now()); err != nil {
			return err
		}
		p, err := tx.Product(id)
		if err != nil {
			return err
		}
		emit(ProductRented{
			ID:             id,
			Renter:         caller,
			Owner:          p.Owner,
			Price:          listed.Price,
			ExpirationTime: p.ExpirationTime,
		})
		rc = Receipt{Product: p, Payee: listed.Owner, Paid: value, Settlement: s}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	m.log.Info("product rented",
		zap.Uint64("id", id),
		zap.String("renter", caller.Hex()),
		zap.Time("expires", rc.Product.ExpirationTime),
	)
	return rc, nil
}

func (m *Marketplace) updateConfig(ctx context.Context, caller common.Address, field string, value int64, apply func(*Config)) error {
	return m.exec(ctx, "update "+field, false, func(ctx context.Context, tx Tx, emit func(Event)) error {
		if err := m.requireAdmin(ctx, caller); err != nil {
			return err
		}
		cfg, err := tx.Config()
		if err != nil {
			return err
		}
		apply(&cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := tx.SetConfig(cfg); err != nil {
			return err
		}
		emit(ConfigUpdated{Field: field, Value: value})
		return nil
	})
}

func (m *Marketplace) UpdateReferralBonus(ctx context.Context, caller common.Address, bonus int64) error {
	return m.updateConfig(ctx, caller, "referral_bonus", bonus, func(c *Config) { c.ReferralBonus = bonus })
}

func (m *Marketplace) UpdateMinSalePrice(ctx context.Context, caller common.Address, price int64) error {
	return m.updateConfig(ctx, caller, "min_sale_price", price, func(c *Config) { c.MinSalePrice = price })
}

func (m *Marketplace) UpdateMinRentPrice(ctx context.Context, caller common.Address, price int64) error {
	return m.updateConfig(ctx, caller, "min_rent_price", price, func(c *Config) { c.MinRentPrice = price })
}

func (m *Marketplace) UpdateFeePercentage(ctx context.Context, caller common.Address, pct int64) error {
	return m.updateConfig(ctx, caller, "fee_percentage", pct, func(c *Config) { c.FeePercentage = pct })
}

// UpdateDefaultExpiration changes the rental duration used by listings that
// do not set their own. The event carries whole seconds.
func (m *Marketplace) UpdateDefaultExpiration(ctx context.Context, caller common.Address, d time.Duration) error {
	return m.updateConfig(ctx, caller, "default_expiration", int64(d/time.Second), func(c *Config) { c.DefaultExpiration = d })
}

// WithdrawFunds pays the entire pooled balance to caller and returns the amount.
func (m *Marketplace) WithdrawFunds(ctx context.Context, caller common.Address) (int64, error) {
	var amount int64
	err := m.exec(ctx, "withdraw funds", true, func(ctx context.Context, tx Tx, emit func(Event)) error {
		if err := m.requireAdmin(ctx, caller); err != nil {
			return err
		}
		var err error
		if amount, err = tx.Balance(PoolAccount); err != nil {
			return err
		}
		if err := m.transfer(ctx, tx, caller, amount); err != nil {
			return err
		}
		emit(FundsWithdrawn{To: caller, Amount: amount})
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.log.Info("funds withdrawn", zap.String("to", caller.Hex()), zap.Int64("amount", amount))
	return amount, nil
}

// Deposit credits money entering the ledger from outside to account.
func (m *Marketplace) Deposit(ctx context.Context, caller, account common.Address, amount int64) (int64, error) {
	var balance int64
	err := m.exec(ctx, "deposit", false, func(ctx context.Context, tx Tx, _ func(Event)) error {
		if err := m.requireAdmin(ctx, caller); err != nil {
			return err
		}
		if account == (common.Address{}) {
			return fmt.Errorf("deposit to zero address: %w", ErrInvalidAmount)
		}
		if err := tx.Credit(account, amount); err != nil {
			return err
		}
		var err error
		balance, err = tx.Balance(account)
		return err
	})
	return balance, err
}

// Fund moves amount from caller's balance into the pool.
func (m *Marketplace) Fund(ctx context.Context, caller common.Address, amount int64) (int64, error) {
	var pool int64
	err := m.exec(ctx, "fund pool", false, func(ctx context.Context, tx Tx, _ func(Event)) error {
		if err := tx.Move(caller, PoolAccount, amount); err != nil {
			return err
		}
		var err error
		pool, err = tx.Balance(PoolAccount)
		return err
	})
	return pool, err
}

func (m *Marketplace) view(ctx context.Context, name string, fn func(Tx) error) error {
	return m.exec(ctx, name, false, func(_ context.Context, tx Tx, _ func(Event)) error {
		return fn(tx)
	})
}

func (m *Marketplace) Product(ctx context.Context, id uint64) (p Product, err error) {
	err = m.view(ctx, "get product", func(tx Tx) error {
		p, err = tx.Product(id)
		return err
	})
	return p, err
}

func (m *Marketplace) Products(ctx context.Context) (ps []Product, err error) {
	err = m.view(ctx, "list products", func(tx Tx) error {
		ps, err = tx.Products()
		return err
	})
	return ps, err
}

func (m *Marketplace) ProductCount(ctx context.Context) (n uint64, err error) {
	err = m.view(ctx, "count products", func(tx Tx) error {
		n, err = tx.ProductCount()
		return err
	})
	return n, err
}

func (m *Marketplace) ReferralCount(ctx context.Context, referrer common.Address) (n uint64, err error) {
	err = m.view(ctx, "referral count", func(tx Tx) error {
		n, err = tx.ReferralCount(referrer)
		return err
	})
	return n, err
}

func (m *Marketplace) Config(ctx context.Context) (cfg Config, err error) {
	err = m.view(ctx, "get config", func(tx Tx) error {
		cfg, err = tx.Config()
		return err
	})
	return cfg, err
}

func (m *Marketplace) Balance(ctx context.Context, account common.Address) (b int64, err error) {
	err = m.view(ctx, "get balance", func(tx Tx) error {
		b, err = tx.Balance(account)
		return err
	})
	return b, err
}
