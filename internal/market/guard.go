package market

import (
	"sync"
	"sync/atomic"
)

// Guard is an exclusive mark held for the duration of an operation that pays
// out to accounts which may run code of their own.
type Guard struct {
	entered atomic.Bool
}

// Enter takes the mark or fails with ErrReentrantCall. The returned release
// func must be deferred; calling it more than once is harmless.
func (g *Guard) Enter() (release func(), err error) {
	if !g.entered.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	var once sync.Once
	return func() { once.Do(func() { g.entered.Store(false) }) }, nil
}

// Entered reports whether the mark is currently held.
func (g *Guard) Entered() bool { return g.entered.Load() }
