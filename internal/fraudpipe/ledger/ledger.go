// Package ledger is the boundary to the external append-only ledger. Every
// method is a network call that may fail transiently; implementations map
// their transport errors onto the fault taxonomy.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	// PendingNonce counts the account's writes including those not yet mined.
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	// ConfirmedNonce counts only mined writes.
	ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error)
	GasPrice(ctx context.Context) (*uint256.Int, error)
	// Send broadcasts a signed write and returns once the entry point accepted it.
	Send(ctx context.Context, tx *types.Transaction) error
	Lookup(ctx context.Context, id common.Hash) (Lookup, error)
}

// Lookup is what the ledger knows about one submission id.
type Lookup struct {
	Known   bool // pending in the pool or mined
	Mined   bool
	Block   uint64
	Success bool // receipt status; only meaningful when Mined
}
