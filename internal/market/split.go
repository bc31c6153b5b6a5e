package market

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Split divides amount into the recipient's share and the retained fee.
// The fee is truncated, so net+fee == amount always holds.
func Split(amount, feePercentage int64) (net, fee int64, err error) {
	if amount < 0 {
		return 0, 0, fmt.Errorf("split %d: %w", amount, ErrInvalidAmount)
	}
	if feePercentage < 0 || feePercentage > 100 {
		return 0, 0, fmt.Errorf("fee percentage %d: %w", feePercentage, ErrInvalidConfig)
	}
	fee = amount * feePercentage / 100
	return amount - fee, fee, nil
}

// TransferFunc pays amount out of the pool to an account.
type TransferFunc func(ctx context.Context, tx Tx, to common.Address, amount int64) error

// Payout describes one settlement.
type Payout struct {
	Recipient     common.Address
	Amount        int64
	FeePercentage int64
	Referrer      common.Address
	Payer         common.Address
	ReferralBonus int64
}

// Settlement reports what Distribute paid.
type Settlement struct {
	Net   int64 `json:"net"`
	Fee   int64 `json:"fee"`
	Bonus int64 `json:"bonus"`
	// ReferralCount is the referrer's count after crediting, zero when no
	// referral was credited.
	ReferralCount uint64 `json:"referral_count"`
}

// Distribute pays the recipient its net share, then credits and pays the
// referrer when one is named and is not the payer. The fee stays pooled.
// The bonus is paid from pooled funds regardless of the fee collected.
func Distribute(ctx context.Context, tx Tx, transfer TransferFunc, p Payout) (Settlement, error) {
	net, fee, err := Split(p.Amount, p.FeePercentage)
	if err != nil {
		return Settlement{}, err
	}
	s := Settlement{Net: net, Fee: fee}
	if err := transfer(ctx, tx, p.Recipient, net); err != nil {
		return Settlement{}, fmt.Errorf("pay recipient: %w", err)
	}
	if p.Referrer == (common.Address{}) || p.Referrer == p.Payer {
		return s, nil
	}
	if s.ReferralCount, err = tx.IncrementReferral(p.Referrer); err != nil {
		return Settlement{}, fmt.Errorf("credit referral: %w", err)
	}
	if err := transfer(ctx, tx, p.Referrer, p.ReferralBonus); err != nil {
		return Settlement{}, fmt.Errorf("pay referral bonus: %w", err)
	}
	s.Bonus = p.ReferralBonus
	return s, nil
}
