package market

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event is a domain event emitted by a committed operation.
type Event interface {
	EventName() string
}

const (
	EventProductAdded   = "ProductAdded"
	EventProductSold    = "ProductSold"
	EventProductRented  = "ProductRented"
	EventConfigUpdated  = "ConfigUpdated"
	EventFundsWithdrawn = "FundsWithdrawn"
)

type ProductAdded struct {
	ID        uint64         `json:"id"`
	Owner     common.Address `json:"owner"`
	Name      string         `json:"name"`
	Price     int64          `json:"price"`
	IsForSale bool           `json:"is_for_sale"`
	IsForRent bool           `json:"is_for_rent"`
}

type ProductSold struct {
	ID     uint64         `json:"id"`
	Buyer  common.Address `json:"buyer"`
	Seller common.Address `json:"seller"`
	Price  int64          `json:"price"`
}

type ProductRented struct {
	ID             uint64         `json:"id"`
	Renter         common.Address `json:"renter"`
	Owner          common.Address `json:"owner"`
	Price          int64          `json:"price"`
	ExpirationTime time.Time      `json:"expiration_time"`
}

type ConfigUpdated struct {
	Field string `json:"field"`
	Value int64  `json:"value"`
}

type FundsWithdrawn struct {
	To     common.Address `json:"to"`
	Amount int64          `json:"amount"`
}

func (ProductAdded) EventName() string   { return EventProductAdded }
func (ProductSold) EventName() string    { return EventProductSold }
func (ProductRented) EventName() string  { return EventProductRented }
func (ConfigUpdated) EventName() string  { return EventConfigUpdated }
func (FundsWithdrawn) EventName() string { return EventFundsWithdrawn }

// EventSink receives events after the emitting operation commits.
type EventSink interface {
	Publish(ctx context.Context, e Event) error
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []EventSink

func (ms MultiSink) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range ms {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EventRecorder keeps every published event in memory.
type EventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *EventRecorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events in publish order.
func (r *EventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
