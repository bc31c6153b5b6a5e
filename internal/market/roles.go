package market

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Role names a permission held by an account.
type Role string

// RoleAdmin may list products, change the configuration and withdraw funds.
const RoleAdmin Role = "admin"

// RoleStore is the permission store the marketplace consults.
type RoleStore interface {
	HasRole(ctx context.Context, role Role, account common.Address) (bool, error)
	Grant(ctx context.Context, role Role, account common.Address) error
	Revoke(ctx context.Context, role Role, account common.Address) error
}

// RoleGate admits callers holding a role.
type RoleGate struct {
	Roles RoleStore
}

// Require fails with ErrUnauthorized when caller lacks role.
func (g RoleGate) Require(ctx context.Context, role Role, caller common.Address) error {
	ok, err := g.Roles.HasRole(ctx, role, caller)
	if err != nil {
		return fmt.Errorf("check role %s: %w", role, err)
	}
	if !ok {
		return fmt.Errorf("%s lacks role %s: %w", caller.Hex(), role, ErrUnauthorized)
	}
	return nil
}
