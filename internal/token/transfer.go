package token

import (
	"context"
	"errors"
)

// ErrTransferFailed wraps any failure moving tokens across the boundary.
// Callers must treat it as "nothing moved": both directions are atomic
// with respect to the counterparty balance.
var ErrTransferFailed = errors.New("token transfer failed")

// Transferor is the fungible-asset boundary the engine consumes. TransferIn
// pulls amount from an external account into the pool's custody; TransferOut
// pays amount from pool custody to an external account.
type Transferor interface {
	TransferIn(ctx context.Context, from string, amount int64) error
	TransferOut(ctx context.Context, to string, amount int64) error
}
