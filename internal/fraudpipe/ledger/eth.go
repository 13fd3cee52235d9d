package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
)

// EthClient talks JSON-RPC to an EVM node. Each call gets its own bounded
// timeout on top of the caller's context.
type EthClient struct {
	ec      *ethclient.Client
	timeout time.Duration
}

// DialEth connects and probes the chain id. Failure here is a startup
// configuration error, not a transient one.
func DialEth(ctx context.Context, url string, callTimeout time.Duration) (*EthClient, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("ledger: empty provider url: %w", fault.ErrConfigurationFatal)
	}
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	ec, err := ethclient.DialContext(dctx, url)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %v: %w", url, err, fault.ErrConfigurationFatal)
	}
	c := &EthClient{ec: ec, timeout: callTimeout}
	if _, err := c.ChainID(ctx); err != nil {
		ec.Close()
		return nil, fmt.Errorf("ledger: probe %s: %v: %w", url, err, fault.ErrConfigurationFatal)
	}
	return c, nil
}

func (c *EthClient) Close() { c.ec.Close() }

func (c *EthClient) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	cctx, cancel := c.call(ctx)
	defer cancel()
	id, err := c.ec.ChainID(cctx)
	if err != nil {
		return nil, transient("chain id", err)
	}
	return id, nil
}

func (c *EthClient) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	cctx, cancel := c.call(ctx)
	defer cancel()
	n, err := c.ec.PendingNonceAt(cctx, account)
	if err != nil {
		return 0, transient("pending nonce", err)
	}
	return n, nil
}

func (c *EthClient) ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error) {
	cctx, cancel := c.call(ctx)
	defer cancel()
	n, err := c.ec.NonceAt(cctx, account, nil)
	if err != nil {
		return 0, transient("confirmed nonce", err)
	}
	return n, nil
}

func (c *EthClient) GasPrice(ctx context.Context) (*uint256.Int, error) {
	cctx, cancel := c.call(ctx)
	defer cancel()
	p, err := c.ec.SuggestGasPrice(cctx)
	if err != nil {
		return nil, transient("gas price", err)
	}
	out, overflow := uint256.FromBig(p)
	if overflow {
		return nil, fmt.Errorf("ledger: gas price %s overflows 256 bits: %w", p, fault.ErrTransientUnavailable)
	}
	return out, nil
}

func (c *EthClient) Send(ctx context.Context, tx *types.Transaction) error {
	cctx, cancel := c.call(ctx)
	defer cancel()
	return ClassifySend(c.ec.SendTransaction(cctx, tx))
}

func (c *EthClient) Lookup(ctx context.Context, id common.Hash) (Lookup, error) {
	cctx, cancel := c.call(ctx)
	defer cancel()

	rcpt, err := c.ec.TransactionReceipt(cctx, id)
	switch {
	case err == nil:
		var block uint64
		if rcpt.BlockNumber != nil {
			block = rcpt.BlockNumber.Uint64()
		}
		return Lookup{Known: true, Mined: true, Block: block, Success: rcpt.Status == types.ReceiptStatusSuccessful}, nil
	case !errors.Is(err, ethereum.NotFound):
		return Lookup{}, transient("receipt", err)
	}

	_, _, err = c.ec.TransactionByHash(cctx, id)
	switch {
	case err == nil:
		return Lookup{Known: true}, nil
	case errors.Is(err, ethereum.NotFound):
		return Lookup{}, nil
	default:
		return Lookup{}, transient("tx by hash", err)
	}
}

// rejection texts geth-compatible nodes return from eth_sendRawTransaction.
var rejections = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"transaction underpriced",
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"invalid sender",
	"max fee per gas less than block base fee",
}

// ClassifySend maps a broadcast error onto the taxonomy:
//   - nil or "already known": accepted (the identical signed tx is in the pool);
//   - any answer from the node: ErrSubmissionRejected;
//   - no answer: ErrTransientUnavailable, outcome unknown.
func ClassifySend(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") {
		return nil
	}
	for _, r := range rejections {
		if strings.Contains(msg, r) {
			return fmt.Errorf("ledger: %v: %w", err, fault.ErrSubmissionRejected)
		}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("ledger: code=%d %v: %w", rpcErr.ErrorCode(), err, fault.ErrSubmissionRejected)
	}
	return transient("send", err)
}

func transient(op string, err error) error {
	return fmt.Errorf("ledger: %s: %v: %w", op, err, fault.ErrTransientUnavailable)
}

var _ Client = (*EthClient)(nil)
