package token

import (
	"context"
	"fmt"
	"sync"
)

// Vault is an in-memory wrapped-token ledger for development and tests.
// The pool's custody account is tracked alongside external accounts so
// every transfer is conserving: nothing is minted by a transfer.
type Vault struct {
	mu       sync.Mutex
	balances map[string]int64
	custody  int64
}

func NewVault() *Vault {
	return &Vault{balances: make(map[string]int64)}
}

// Mint credits an external account. Test/dev setup only.
func (v *Vault) Mint(account string, amount int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[account] += amount
}

// BalanceOf returns an external account balance.
func (v *Vault) BalanceOf(account string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[account]
}

// CustodyBalance returns the pool custody balance.
func (v *Vault) CustodyBalance() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.custody
}

// TransferIn moves amount from an external account into pool custody.
func (v *Vault) TransferIn(_ context.Context, from string, amount int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if amount <= 0 {
		return fmt.Errorf("%w: non-positive amount %d", ErrTransferFailed, amount)
	}
	if v.balances[from] < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrTransferFailed, from, v.balances[from], amount)
	}

	v.balances[from] -= amount
	v.custody += amount
	return nil
}

// TransferOut moves amount from pool custody to an external account.
func (v *Vault) TransferOut(_ context.Context, to string, amount int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if amount <= 0 {
		return fmt.Errorf("%w: non-positive amount %d", ErrTransferFailed, amount)
	}
	if v.custody < amount {
		return fmt.Errorf("%w: custody has %d, needs %d", ErrTransferFailed, v.custody, amount)
	}

	v.custody -= amount
	v.balances[to] += amount
	return nil
}

var _ Transferor = (*Vault)(nil)
