// Package mockledger is an in-process EVM-like ledger for development and
// tests. It verifies signatures, enforces per-account nonces, keeps a
// pending pool with fee replacement and mines blocks on demand or on a tick.
package mockledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/ledger"
)

// ReplaceBumpPermille is the minimum bid increase a same-nonce replacement
// needs, like geth's default price bump of 10%.
const ReplaceBumpPermille = 1100

type receipt struct {
	block   uint64
	success bool
}

type Chain struct {
	mu sync.Mutex

	chainID  *big.Int
	signer   types.Signer
	gasPrice *uint256.Int

	confirmed map[common.Address]uint64
	pool      map[common.Address]map[uint64]*types.Transaction
	pending   map[common.Hash]common.Address
	receipts  map[common.Hash]receipt
	head      uint64

	// fault injection
	offline    bool
	loseAcks   int
	rejectNext int
	revert     func(*types.Transaction) bool
	sends      int
	stall      chan struct{}
	stalled    int
}

func New(chainID int64, gasPrice uint64) *Chain {
	id := big.NewInt(chainID)
	return &Chain{
		chainID:   id,
		signer:    types.LatestSignerForChainID(id),
		gasPrice:  uint256.NewInt(gasPrice),
		confirmed: make(map[common.Address]uint64),
		pool:      make(map[common.Address]map[uint64]*types.Transaction),
		pending:   make(map[common.Hash]common.Address),
		receipts:  make(map[common.Hash]receipt),
	}
}

func (c *Chain) down() error {
	if c.offline {
		return fmt.Errorf("mockledger: offline: %w", fault.ErrTransientUnavailable)
	}
	return nil
}

func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.down(); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.chainID), nil
}

// PendingNonce is the next nonce after the contiguous run of pooled writes.
func (c *Chain) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.down(); err != nil {
		return 0, err
	}
	n := c.confirmed[account]
	for {
		if _, ok := c.pool[account][n]; !ok {
			return n, nil
		}
		n++
	}
}

func (c *Chain) ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.down(); err != nil {
		return 0, err
	}
	return c.confirmed[account], nil
}

func (c *Chain) GasPrice(ctx context.Context) (*uint256.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.down(); err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(c.gasPrice), nil
}

func (c *Chain) Send(ctx context.Context, tx *types.Transaction) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.down(); err != nil {
		return err
	}
	c.sends++

	if c.rejectNext > 0 {
		c.rejectNext--
		return fmt.Errorf("mockledger: transaction underpriced: %w", fault.ErrSubmissionRejected)
	}

	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return fmt.Errorf("mockledger: invalid sender: %v: %w", err, fault.ErrSubmissionRejected)
	}
	h := tx.Hash()
	if _, ok := c.pending[h]; ok {
		return nil // already known
	}
	if _, ok := c.receipts[h]; ok {
		return nil
	}

	n := tx.Nonce()
	if n < c.confirmed[from] {
		return fmt.Errorf("mockledger: nonce too low: next nonce %d, tx nonce %d: %w", c.confirmed[from], n, fault.ErrSubmissionRejected)
	}
	bid, _ := uint256.FromBig(tx.GasPrice())
	if bid.Lt(c.gasPrice) {
		return fmt.Errorf("mockledger: transaction underpriced: bid %s < %s: %w", bid, c.gasPrice, fault.ErrSubmissionRejected)
	}

	slots := c.pool[from]
	if slots == nil {
		slots = make(map[uint64]*types.Transaction)
		c.pool[from] = slots
	}
	if old, ok := slots[n]; ok {
		oldBid, _ := uint256.FromBig(old.GasPrice())
		need := new(uint256.Int).Mul(oldBid, uint256.NewInt(ReplaceBumpPermille))
		got := new(uint256.Int).Mul(bid, uint256.NewInt(1000))
		if got.Lt(need) {
			return fmt.Errorf("mockledger: replacement transaction underpriced: %w", fault.ErrSubmissionRejected)
		}
		delete(c.pending, old.Hash())
	}
	slots[n] = tx
	c.pending[h] = from

	if c.loseAcks > 0 {
		c.loseAcks--
		return fmt.Errorf("mockledger: connection reset after write: %w", fault.ErrTransientUnavailable)
	}
	return nil
}

func (c *Chain) Lookup(ctx context.Context, id common.Hash) (ledger.Lookup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.down(); err != nil {
		return ledger.Lookup{}, err
	}
	if r, ok := c.receipts[id]; ok {
		return ledger.Lookup{Known: true, Mined: true, Block: r.block, Success: r.success}, nil
	}
	if _, ok := c.pending[id]; ok {
		return ledger.Lookup{Known: true}, nil
	}
	return ledger.Lookup{}, nil
}

// MineBlock seals one block with every executable pooled write and returns
// the block number and how many writes it holds.
func (c *Chain) MineBlock() (uint64, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.head++
	accounts := make([]common.Address, 0, len(c.pool))
	for a := range c.pool {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Cmp(accounts[j]) < 0 })

	included := 0
	for _, a := range accounts {
		slots := c.pool[a]
		for {
			n := c.confirmed[a]
			tx, ok := slots[n]
			if !ok {
				break
			}
			ok = c.revert == nil || !c.revert(tx)
			c.receipts[tx.Hash()] = receipt{block: c.head, success: ok}
			delete(c.pending, tx.Hash())
			delete(slots, n)
			c.confirmed[a] = n + 1
			included++
		}
		// 低于已确认 nonce 的残留直接丢弃
		for n, tx := range slots {
			if n < c.confirmed[a] {
				delete(c.pending, tx.Hash())
				delete(slots, n)
			}
		}
		if len(slots) == 0 {
			delete(c.pool, a)
		}
	}
	return c.head, included
}

// Run mines a block every tick until ctx is done.
func (c *Chain) Run(ctx context.Context, tick time.Duration) error {
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.MineBlock()
		}
	}
}

func (c *Chain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Sends counts broadcast calls that reached the chain while online.
func (c *Chain) Sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}

func (c *Chain) SetGasPrice(p uint64) {
	c.mu.Lock()
	c.gasPrice = uint256.NewInt(p)
	c.mu.Unlock()
}

func (c *Chain) SetOffline(v bool) {
	c.mu.Lock()
	c.offline = v
	c.mu.Unlock()
}

// Stall holds every Send until release is called or the sender's ctx ends.
func (c *Chain) Stall() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.stall = gate
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.stall = nil
			c.mu.Unlock()
			close(gate)
		})
	}
}

// Stalled is the number of sends currently held by Stall.
func (c *Chain) Stalled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalled
}

func (c *Chain) wait(ctx context.Context) error {
	c.mu.Lock()
	gate := c.stall
	if gate != nil {
		c.stalled++
	}
	c.mu.Unlock()
	if gate == nil {
		return nil
	}
	defer func() {
		c.mu.Lock()
		c.stalled--
		c.mu.Unlock()
	}()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mockledger: send: %v: %w", ctx.Err(), fault.ErrTransientUnavailable)
	}
}

// LoseAcks admits the next n writes but reports a transport failure for each.
func (c *Chain) LoseAcks(n int) {
	c.mu.Lock()
	c.loseAcks = n
	c.mu.Unlock()
}

// RejectNext refuses the next n writes without admitting them.
func (c *Chain) RejectNext(n int) {
	c.mu.Lock()
	c.rejectNext = n
	c.mu.Unlock()
}

// RevertWhen makes mined writes matching fn carry a failed receipt.
func (c *Chain) RevertWhen(fn func(*types.Transaction) bool) {
	c.mu.Lock()
	c.revert = fn
	c.mu.Unlock()
}

// ExternalWrite consumes the account's next nonce as if another process
// holding the same key had written and mined.
func (c *Chain) ExternalWrite(account common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.confirmed[account]
	if tx, ok := c.pool[account][n]; ok {
		delete(c.pending, tx.Hash())
		delete(c.pool[account], n)
	}
	c.confirmed[account] = n + 1
}

// PoolSize is the number of writes waiting to be mined.
func (c *Chain) PoolSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

var _ ledger.Client = (*Chain)(nil)
