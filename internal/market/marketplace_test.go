package market_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"marketplace/internal/market"
	"marketplace/internal/roles"
	"marketplace/internal/token"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	referrer = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	nobody   = common.Address{}
)

var testConfig = market.Config{
	ReferralBonus:     10,
	MinSalePrice:      100,
	MinRentPrice:      10,
	FeePercentage:     5,
	DefaultExpiration: 24 * time.Hour,
}

type fixture struct {
	m      *market.Marketplace
	tokens *token.Registry
	events *market.EventRecorder
	clock  *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rs := roles.NewMemoryStore()
	require.NoError(t, rs.Grant(context.Background(), market.RoleAdmin, admin))

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	f := &fixture{
		tokens: token.NewRegistry(),
		events: &market.EventRecorder{},
		clock:  clk,
	}
	f.m = market.New(market.NewMemoryStore(testConfig), rs, f.tokens,
		market.WithClock(clk),
		market.WithEventSink(f.events),
	)
	return f
}

func (f *fixture) deposit(t *testing.T, account common.Address, amount int64) {
	t.Helper()
	_, err := f.m.Deposit(context.Background(), admin, account, amount)
	require.NoError(t, err)
}

func (f *fixture) list(t *testing.T, in market.ProductInput) market.Product {
	t.Helper()
	p, err := f.m.AddProduct(context.Background(), admin, in)
	require.NoError(t, err)
	return p
}

func (f *fixture) balance(t *testing.T, account common.Address) int64 {
	t.Helper()
	b, err := f.m.Balance(context.Background(), account)
	require.NoError(t, err)
	return b
}

func eventNames(events []market.Event) []string {
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.EventName())
	}
	return names
}

func TestAddProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.list(t, market.ProductInput{Name: "bike", Price: 150, IsForSale: true})
	assert.Equal(t, uint64(0), p.ID)
	assert.Equal(t, admin, p.Owner)
	assert.Equal(t, nobody, p.Renter)
	assert.Equal(t, f.clock.Now().Add(testConfig.DefaultExpiration), p.ExpirationTime)

	q := f.list(t, market.ProductInput{Name: "van", Price: 20, IsForRent: true, RentalDuration: 2 * time.Hour})
	assert.Equal(t, uint64(1), q.ID)
	assert.Equal(t, 2*time.Hour, q.RentalDuration)

	n, err := f.m.ProductCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	owner, err := f.tokens.OwnerOf(1)
	require.NoError(t, err)
	assert.Equal(t, admin, owner)

	stored, err := f.m.Product(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, p, stored)

	require.Len(t, f.events.Events(), 2)
	assert.Equal(t, market.ProductAdded{ID: 0, Owner: admin, Name: "bike", Price: 150, IsForSale: true}, f.events.Events()[0])
}

func TestAddProductRejects(t *testing.T) {
	tests := []struct {
		name   string
		caller common.Address
		in     market.ProductInput
		want   error
	}{
		{"non admin", alice, market.ProductInput{Price: 500, IsForSale: true}, market.ErrUnauthorized},
		{"zero caller", nobody, market.ProductInput{Price: 500, IsForSale: true}, market.ErrUnauthorized},
		{"neither sale nor rent", admin, market.ProductInput{Price: 500}, market.ErrInvalidListing},
		{"sale below minimum", admin, market.ProductInput{Price: 99, IsForSale: true}, market.ErrInvalidListing},
		{"sale and rent below sale minimum", admin, market.ProductInput{Price: 50, IsForSale: true, IsForRent: true}, market.ErrInvalidListing},
		{"rent below minimum", admin, market.ProductInput{Price: 9, IsForRent: true}, market.ErrInvalidListing},
		{"negative duration", admin, market.ProductInput{Price: 20, IsForRent: true, RentalDuration: -time.Second}, market.ErrInvalidListing},
		{"sub-second duration", admin, market.ProductInput{Price: 20, IsForRent: true, RentalDuration: 1500 * time.Millisecond}, market.ErrInvalidListing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.m.AddProduct(context.Background(), tt.caller, tt.in)
			require.ErrorIs(t, err, tt.want)

			n, err := f.m.ProductCount(context.Background())
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Empty(t, f.events.Events())
			assert.Zero(t, f.tokens.BalanceOf(admin))
		})
	}
}

func TestAddProductRentOnlyUsesRentMinimum(t *testing.T) {
	f := newFixture(t)
	p := f.list(t, market.ProductInput{Name: "drill", Price: 10, IsForRent: true})
	assert.True(t, p.IsForRent)
	assert.False(t, p.IsForSale)
}

func TestBuyProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.list(t, market.ProductInput{Name: "bike", Price: 200, IsForSale: true})
	f.deposit(t, alice, 1000)

	rc, err := f.m.BuyProduct(ctx, alice, p.ID, nobody, 200)
	require.NoError(t, err)
	assert.Equal(t, admin, rc.Payee)
	assert.Equal(t, market.Settlement{Net: 190, Fee: 10}, rc.Settlement)
	assert.Equal(t, alice, rc.Product.Owner)
	assert.False(t, rc.Product.IsForSale)

	assert.Equal(t, int64(800), f.balance(t, alice))
	assert.Equal(t, int64(190), f.balance(t, admin))
	assert.Equal(t, int64(10), f.balance(t, market.PoolAccount))

	owner, err := f.tokens.OwnerOf(p.ID)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)

	events := f.events.Events()
	assert.Equal(t, []string{market.EventProductAdded, market.EventProductSold}, eventNames(events))
	assert.Equal(t, market.ProductSold{ID: p.ID, Buyer: alice, Seller: admin, Price: 200}, events[1])
}

func TestBuyProductExcessValueStaysPooled(t *testing.T) {
	f := newFixture(t)
	p := f.list(t, market.ProductInput{Price: 100, IsForSale: true})
	f.deposit(t, alice, 500)

	_, err := f.m.BuyProduct(context.Background(), alice, p.ID, nobody, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(200), f.balance(t, alice))
	assert.Equal(t, int64(95), f.balance(t, admin))
	assert.Equal(t, int64(205), f.balance(t, market.PoolAccount))
}

func TestBuyProductOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.list(t, market.ProductInput{Price: 100, IsForSale: true})
	f.deposit(t, alice, 100)
	f.deposit(t, bob, 100)

	_, err := f.m.BuyProduct(ctx, alice, p.ID, nobody, 100)
	require.NoError(t, err)

	_, err = f.m.BuyProduct(ctx, bob, p.ID, nobody, 100)
	require.ErrorIs(t, err, market.ErrNotForSale)
	assert.Equal(t, int64(100), f.balance(t, bob))

	got, err := f.m.Product(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, alice, got.Owner)
}

func TestBuyProductFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.list(t, market.ProductInput{Price: 200, IsForSale: true})
	rentOnly := f.list(t, market.ProductInput{Price: 20, IsForRent: true})
	f.deposit(t, alice, 150)

	_, err := f.m.BuyProduct(ctx, alice, sale.ID, nobody, 199)
	assert.ErrorIs(t, err, market.ErrInsufficientFunds, "value below price")

	_, err = f.m.BuyProduct(ctx, alice, sale.ID, nobody, 200)
	assert.ErrorIs(t, err, market.ErrInsufficientFunds, "caller cannot cover value")

	_, err = f.m.BuyProduct(ctx, alice, rentOnly.ID, nobody, 200)
	assert.ErrorIs(t, err, market.ErrNotForSale)

	_, err = f.m.BuyProduct(ctx, alice, 42, nobody, 200)
	assert.ErrorIs(t, err, market.ErrNotFound)

	_, err = f.m.BuyProduct(ctx, alice, sale.ID, nobody, -1)
	assert.ErrorIs(t, err, market.ErrInvalidAmount)

	assert.Equal(t, int64(150), f.balance(t, alice))
	assert.Zero(t, f.balance(t, admin))
	assert.Zero(t, f.balance(t, market.PoolAccount))
	assert.Len(t, f.events.Events(), 2)
}

func TestReferralBonus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.list(t, market.ProductInput{Price: 200, IsForSale: true})
	second := f.list(t, market.ProductInput{Price: 200, IsForSale: true})
	f.deposit(t, alice, 400)

	rc, err := f.m.BuyProduct(ctx, alice, first.ID, referrer, 200)
	require.NoError(t, err)
	assert.Equal(t, market.Settlement{Net: 190, Fee: 10, Bonus: 10, ReferralCount: 1}, rc.Settlement)
	assert.Equal(t, int64(10), f.balance(t, referrer))
	assert.Zero(t, f.balance(t, market.PoolAccount), "fee funded the bonus")

	// naming yourself as referrer earns nothing
	rc, err = f.m.BuyProduct(ctx, alice, second.ID, alice, 200)
	require.NoError(t, err)
	assert.Zero(t, rc.Settlement.Bonus)
	n, err := f.m.ReferralCount(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.m.ReferralCount(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestReferralBonusUnfundedRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.list(t, market.ProductInput{Price: 200, IsForSale: true})
	require.NoError(t, f.m.UpdateReferralBonus(ctx, admin, 50))
	f.deposit(t, alice, 200)
	before := len(f.events.Events())

	_, err := f.m.BuyProduct(ctx, alice, p.ID, referrer, 200)
	require.ErrorIs(t, err, market.ErrInsufficientFunds)

	assert.Equal(t, int64(200), f.balance(t, alice))
	assert.Zero(t, f.balance(t, admin))
	assert.Zero(t, f.balance(t, referrer))
	assert.Zero(t, f.balance(t, market.PoolAccount))
	n, err := f.m.ReferralCount(ctx, referrer)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.m.Product(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.IsForSale)
	assert.Equal(t, admin, got.Owner)
	owner, err := f.tokens.OwnerOf(p.ID)
	require.NoError(t, err)
	assert.Equal(t, admin, owner)
	assert.Len(t, f.events.Events(), before)
}

func TestRentProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.list(t, market.ProductInput{Name: "van", Price: 50, IsForRent: true, RentalDuration: 48 * time.Hour})
	f.deposit(t, alice, 100)
	f.deposit(t, bob, 100)
	f.clock.Add(time.Hour)

	rc, err := f.m.RentProduct(ctx, alice, p.ID, nobody, 50)
	require.NoError(t, err)
	assert.Equal(t, alice, rc.Product.Renter)
	assert.False(t, rc.Product.IsForRent)
	assert.Equal(t, admin, rc.Product.Owner, "renting does not change ownership")
	assert.Equal(t, f.clock.Now().Add(48*time.Hour), rc.Product.ExpirationTime)
	assert.Equal(t, int64(48), f.balance(t, admin))
	assert.Equal(t, int64(2), f.balance(t, market.PoolAccount))

	owner, err := f.tokens.OwnerOf(p.ID)
	require.NoError(t, err)
	assert.Equal(t, admin, owner)

	events := f.events.Events()
	assert.Equal(t, market.ProductRented{
		ID:             p.ID,
		Renter:         alice,
		Owner:          admin,
		Price:          50,
		ExpirationTime: rc.Product.ExpirationTime,
	}, events[len(events)-1])

	_, err = f.m.RentProduct(ctx, bob, p.ID, nobody, 50)
	require.ErrorIs(t, err, market.ErrNotForRent)
	assert.Equal(t, int64(100), f.balance(t, bob))
}

func TestRentProductUsesDefaultExpiration(t *testing.T) {
	f := newFixture(t)
	p := f.list(t, market.ProductInput{Price: 10, IsForRent: true})
	f.deposit(t, alice, 10)

	rc, err := f.m.RentProduct(context.Background(), alice, p.ID, nobody, 10)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(testConfig.DefaultExpiration), rc.Product.ExpirationTime)
}

func TestRentProductFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	saleOnly := f.list(t, market.ProductInput{Price: 100, IsForSale: true})
	rent := f.list(t, market.ProductInput{Price: 30, IsForRent: true})
	f.deposit(t, alice, 100)

	_, err := f.m.RentProduct(ctx, alice, saleOnly.ID, nobody, 100)
	assert.ErrorIs(t, err, market.ErrNotForRent)

	_, err = f.m.RentProduct(ctx, alice, rent.ID, nobody, 29)
	assert.ErrorIs(t, err, market.ErrInsufficientFunds)

	_, err = f.m.RentProduct(ctx, alice, 9, nobody, 30)
	assert.ErrorIs(t, err, market.ErrNotFound)

	assert.Equal(t, int64(100), f.balance(t, alice))
}

func TestRentThenBuy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.list(t, market.ProductInput{Price: 100, IsForSale: true, IsForRent: true})
	f.deposit(t, alice, 100)
	f.deposit(t, bob, 100)

	_, err := f.m.RentProduct(ctx, alice, p.ID, nobody, 100)
	require.NoError(t, err)
	rc, err := f.m.BuyProduct(ctx, bob, p.ID, nobody, 100)
	require.NoError(t, err)

	assert.Equal(t, bob, rc.Product.Owner)
	assert.Equal(t, alice, rc.Product.Renter, "sale keeps the running rental")
	assert.Equal(t, int64(190), f.balance(t, admin))
}

func TestReentrantRentFromPayoutFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.list(t, market.ProductInput{Price: 50, IsForRent: true})
	f.deposit(t, alice, 50)
	f.deposit(t, bob, 50)

	var inner error
	calls := 0
	f.m.RegisterReceiver(admin, market.ReceiverFunc(func(ctx context.Context, _ common.Address, _ int64) error {
		calls++
		_, inner = f.m.RentProduct(ctx, bob, p.ID, nobody, 50)
		return nil
	}))

	rc, err := f.m.RentProduct(ctx, alice, p.ID, nobody, 50)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	assert.ErrorIs(t, inner, market.ErrReentrantCall)
	assert.Equal(t, alice, rc.Product.Renter)
	assert.Equal(t, int64(50), f.balance(t, bob))

	rented := 0
	for _, e := range f.events.Events() {
		if _, ok := e.(market.ProductRented); ok {
			rented++
		}
	}
	assert.Equal(t, 1, rented)
}

func TestReentrantFailurePropagatedByReceiverRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.list(t, market.ProductInput{Price: 100, IsForSale: true})
	other := f.list(t, market.ProductInput{Price: 100, IsForSale: true})
	f.deposit(t, alice, 100)
	f.deposit(t, referrer, 100)
	f.deposit(t, bob, 50)
	_, err := f.m.Fund(ctx, bob, 50)
	require.NoError(t, err)
	before := len(f.events.Events())

	f.m.RegisterReceiver(referrer, market.ReceiverFunc(func(ctx context.Context, _ common.Address, _ int64) error {
		_, err := f.m.BuyProduct(ctx, referrer, other.ID, nobody, 100)
		return err
	}))

	_, err = f.m.BuyProduct(ctx, alice, p.ID, referrer, 100)
	require.ErrorIs(t, err, market.ErrReentrantCall)

	assert.Equal(t, int64(100), f.balance(t, alice))
	assert.Equal(t, int64(100), f.balance(t, referrer))
	assert.Zero(t, f.balance(t, admin))
	assert.Equal(t, int64(50), f.balance(t, market.PoolAccount))
	assert.Len(t, f.events.Events(), before)

	// the guard is free again
	f.m.UnregisterReceiver(referrer)
	_, err = f.m.BuyProduct(ctx, alice, p.ID, referrer, 100)
	require.NoError(t, err)
}

func TestReceiverRejectingFundsFailsOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.list(t, market.ProductInput{Price: 100, IsForSale: true})
	f.deposit(t, alice, 100)

	refuse := errors.New("not accepting payments")
	f.m.RegisterReceiver(admin, market.ReceiverFunc(func(context.Context, common.Address, int64) error {
		return refuse
	}))

	_, err := f.m.BuyProduct(ctx, alice, p.ID, nobody, 100)
	require.ErrorIs(t, err, refuse)

	got, err := f.m.Product(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.IsForSale)
	assert.Equal(t, int64(100), f.balance(t, alice))
	assert.Zero(t, f.balance(t, admin))
}

func TestNestedUnguardedCallJoinsOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.list(t, market.ProductInput{Price: 100, IsForSale: true})
	f.deposit(t, alice, 200)

	f.m.RegisterReceiver(admin, market.ReceiverFunc(func(ctx context.Context, _ common.Address, _ int64) error {
		return f.m.UpdateFeePercentage(ctx, admin, 7)
	}))

	_, err := f.m.BuyProduct(ctx, alice, p.ID, nobody, 100)
	require.NoError(t, err)

	cfg, err := f.m.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.FeePercentage)
	assert.Equal(t,
		[]string{market.EventProductAdded, market.EventConfigUpdated, market.EventProductSold},
		eventNames(f.events.Events()))
}

func TestNestedCallRolledBackWithOuterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.list(t, market.ProductInput{Price: 100, IsForSale: true})
	require.NoError(t, f.m.UpdateReferralBonus(ctx, admin, 90))
	f.deposit(t, alice, 100)
	before := len(f.events.Events())

	f.m.RegisterReceiver(admin, market.ReceiverFunc(func(ctx context.Context, _ common.Address, _ int64) error {
		return f.m.UpdateFeePercentage(ctx, admin, 7)
	}))

	// net 95 leaves 5 pooled, short of the 90 bonus
	_, err := f.m.BuyProduct(ctx, alice, p.ID, referrer, 100)
	require.ErrorIs(t, err, market.ErrInsufficientFunds)

	cfg, err := f.m.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, testConfig.FeePercentage, cfg.FeePercentage)
	assert.Len(t, f.events.Events(), before)
}

func TestPanicInReceiverLeavesMarketplaceUsable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.list(t, market.ProductInput{Price: 100, IsForSale: true})
	f.deposit(t, alice, 100)

	f.m.RegisterReceiver(admin, market.ReceiverFunc(func(context.Context, common.Address, int64) error {
		panic("receiver crashed")
	}))
	assert.Panics(t, func() {
		_, _ = f.m.BuyProduct(ctx, alice, p.ID, nobody, 100)
	})

	f.m.UnregisterReceiver(admin)
	assert.Equal(t, int64(100), f.balance(t, alice))
	_, err := f.m.BuyProduct(ctx, alice, p.ID, nobody, 100)
	require.NoError(t, err)
}

func TestAdminSetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.m.UpdateReferralBonus(ctx, alice, 1), market.ErrUnauthorized)
	require.ErrorIs(t, f.m.UpdateMinSalePrice(ctx, alice, 1), market.ErrUnauthorized)
	require.ErrorIs(t, f.m.UpdateMinRentPrice(ctx, alice, 1), market.ErrUnauthorized)
	require.ErrorIs(t, f.m.UpdateFeePercentage(ctx, alice, 1), market.ErrUnauthorized)
	require.ErrorIs(t, f.m.UpdateDefaultExpiration(ctx, alice, time.Hour), market.ErrUnauthorized)

	cfg, err := f.m.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, testConfig, cfg)

	require.NoError(t, f.m.UpdateReferralBonus(ctx, admin, 3))
	require.NoError(t, f.m.UpdateMinSalePrice(ctx, admin, 500))
	require.NoError(t, f.m.UpdateMinRentPrice(ctx, admin, 40))
	require.NoError(t, f.m.UpdateFeePercentage(ctx, admin, 0))
	require.NoError(t, f.m.UpdateDefaultExpiration(ctx, admin, time.Hour))

	cfg, err = f.m.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, market.Config{
		ReferralBonus:     3,
		MinSalePrice:      500,
		MinRentPrice:      40,
		FeePercentage:     0,
		DefaultExpiration: time.Hour,
	}, cfg)

	last := f.events.Events()
	assert.Equal(t, market.ConfigUpdated{Field: "default_expiration", Value: 3600}, last[len(last)-1])

	require.ErrorIs(t, f.m.UpdateFeePercentage(ctx, admin, 101), market.ErrInvalidConfig)
	require.ErrorIs(t, f.m.UpdateDefaultExpiration(ctx, admin, 90*time.Millisecond), market.ErrInvalidConfig)
	require.ErrorIs(t, f.m.UpdateReferralBonus(ctx, admin, -1), market.ErrInvalidConfig)
}

func TestRaisingMinimumDoesNotAffectExistingListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.list(t, market.ProductInput{Price: 100, IsForSale: true})
	require.NoError(t, f.m.UpdateMinSalePrice(ctx, admin, 1000))
	f.deposit(t, alice, 100)

	_, err := f.m.BuyProduct(ctx, alice, p.ID, nobody, 100)
	require.NoError(t, err)

	_, err = f.m.AddProduct(ctx, admin, market.ProductInput{Price: 100, IsForSale: true})
	require.ErrorIs(t, err, market.ErrInvalidListing)
}

func TestWithdrawFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, alice, 300)
	pool, err := f.m.Fund(ctx, alice, 120)
	require.NoError(t, err)
	assert.Equal(t, int64(120), pool)

	_, err = f.m.WithdrawFunds(ctx, alice)
	require.ErrorIs(t, err, market.ErrUnauthorized)
	assert.Equal(t, int64(120), f.balance(t, market.PoolAccount))

	amount, err := f.m.WithdrawFunds(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, int64(120), amount)
	assert.Zero(t, f.balance(t, market.PoolAccount))
	assert.Equal(t, int64(120), f.balance(t, admin))

	events := f.events.Events()
	assert.Equal(t, market.FundsWithdrawn{To: admin, Amount: 120}, events[len(events)-1])

	// an empty pool withdraws nothing
	amount, err = f.m.WithdrawFunds(ctx, admin)
	require.NoError(t, err)
	assert.Zero(t, amount)
}

func TestDepositRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Deposit(context.Background(), alice, alice, 100)
	require.ErrorIs(t, err, market.ErrUnauthorized)
	_, err = f.m.Deposit(context.Background(), admin, nobody, 100)
	require.ErrorIs(t, err, market.ErrInvalidAmount)
	assert.Zero(t, f.balance(t, alice))
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "ok", market.ErrorKind(nil))
	assert.Equal(t, "reentrant_call", market.ErrorKind(fmt.Errorf("rent product: %w", market.ErrReentrantCall)))
	assert.Equal(t, "internal", market.ErrorKind(errors.New("disk on fire")))
}

func TestNestedAddProductRolledBackWithOuterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.list(t, market.ProductInput{Price: 100, IsForSale: true})
	require.NoError(t, f.m.UpdateReferralBonus(ctx, admin, 90))
	f.deposit(t, alice, 100)

	var nested market.Product
	f.m.RegisterReceiver(admin, market.ReceiverFunc(func(ctx context.Context, _ common.Address, _ int64) error {
		var err error
		nested, err = f.m.AddProduct(ctx, admin, market.ProductInput{Name: "side", Price: 150, IsForSale: true})
		return err
	}))

	// net 95 leaves 5 pooled, short of the 90 bonus
	_, err := f.m.BuyProduct(ctx, alice, p.ID, referrer, 100)
	require.ErrorIs(t, err, market.ErrInsufficientFunds)
	require.Equal(t, uint64(1), nested.ID, "the nested listing ran")

	n, err := f.m.ProductCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	_, err = f.tokens.OwnerOf(1)
	assert.ErrorIs(t, err, token.ErrUnknownToken)
	assert.Equal(t, uint64(1), f.tokens.BalanceOf(admin))

	f.m.UnregisterReceiver(admin)
	again := f.list(t, market.ProductInput{Name: "side", Price: 150, IsForSale: true})
	assert.Equal(t, uint64(1), again.ID)
	owner, err := f.tokens.OwnerOf(1)
	require.NoError(t, err)
	assert.Equal(t, admin, owner)
}

func TestTokenEffectsRevertedOnPanic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.list(t, market.ProductInput{Price: 100, IsForSale: true})
	f.deposit(t, alice, 100)

	f.m.RegisterReceiver(admin, market.ReceiverFunc(func(ctx context.Context, _ common.Address, _ int64) error {
		if _, err := f.m.AddProduct(ctx, admin, market.ProductInput{Price: 150, IsForSale: true}); err != nil {
			return err
		}
		panic("receiver crashed")
	}))
	assert.Panics(t, func() {
		_, _ = f.m.BuyProduct(ctx, alice, p.ID, nobody, 100)
	})

	_, err := f.tokens.OwnerOf(1)
	assert.ErrorIs(t, err, token.ErrUnknownToken)
	owner, err := f.tokens.OwnerOf(p.ID)
	require.NoError(t, err)
	assert.Equal(t, admin, owner)
}

func TestReceiverCallWithFreshContextFailsInsteadOfBlocking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.list(t, market.ProductInput{Price: 50, IsForRent: true})
	f.deposit(t, alice, 50)
	f.deposit(t, bob, 50)

	var rentErr, viewErr error
	f.m.RegisterReceiver(admin, market.ReceiverFunc(func(context.Context, common.Address, int64) error {
		_, rentErr = f.m.RentProduct(context.Background(), bob, p.ID, nobody, 50)
		_, viewErr = f.m.Balance(context.Background(), bob)
		return nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := f.m.RentProduct(ctx, alice, p.ID, nobody, 50)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("rent blocked on a receiver calling back with a fresh context")
	}

	assert.ErrorIs(t, rentErr, market.ErrReentrantCall)
	assert.ErrorIs(t, viewErr, market.ErrReentrantCall)
	assert.Equal(t, int64(50), f.balance(t, bob))

	got, err := f.m.Product(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, alice, got.Renter)
}
