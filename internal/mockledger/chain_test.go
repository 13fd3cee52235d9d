package mockledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
)

func signed(t *testing.T, c *Chain, key *ecdsa.PrivateKey, nonce, price uint64) *types.Transaction {
	t.Helper()
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := types.NewTx(&types.LegacyTx{Nonce: nonce, GasPrice: new(big.Int).SetUint64(price), Gas: 200000, To: &to})
	s, err := types.SignTx(tx, c.signer, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestSendMineLookup(t *testing.T) {
	ctx := context.Background()
	c := New(1337, 100)
	key, _ := crypto.GenerateKey()
	from := crypto.PubkeyToAddress(key.PublicKey)

	tx0 := signed(t, c, key, 0, 100)
	tx1 := signed(t, c, key, 1, 100)
	for _, tx := range []*types.Transaction{tx0, tx1} {
		if err := c.Send(ctx, tx); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if n, _ := c.PendingNonce(ctx, from); n != 2 {
		t.Fatalf("pending nonce: got %d want 2", n)
	}
	if l, _ := c.Lookup(ctx, tx0.Hash()); !l.Known || l.Mined {
		t.Fatalf("expected pending lookup, got %+v", l)
	}

	block, n := c.MineBlock()
	if n != 2 {
		t.Fatalf("mined %d writes, want 2", n)
	}
	l, _ := c.Lookup(ctx, tx1.Hash())
	if !l.Mined || !l.Success || l.Block != block {
		t.Fatalf("unexpected lookup after mining: %+v", l)
	}
	if n, _ := c.ConfirmedNonce(ctx, from); n != 2 {
		t.Fatalf("confirmed nonce: got %d want 2", n)
	}
}

func TestSendRejections(t *testing.T) {
	ctx := context.Background()
	c := New(1337, 100)
	key, _ := crypto.GenerateKey()

	if err := c.Send(ctx, signed(t, c, key, 0, 99)); !errors.Is(err, fault.ErrSubmissionRejected) {
		t.Fatalf("underpriced: got %v", err)
	}
	if err := c.Send(ctx, signed(t, c, key, 0, 100)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Send(ctx, signed(t, c, key, 0, 105)); !errors.Is(err, fault.ErrSubmissionRejected) {
		t.Fatalf("small replacement bump: got %v", err)
	}
	c.MineBlock()
	if err := c.Send(ctx, signed(t, c, key, 0, 200)); !errors.Is(err, fault.ErrSubmissionRejected) {
		t.Fatalf("nonce too low: got %v", err)
	}
}

func TestReplacementDropsOldAttempt(t *testing.T) {
	ctx := context.Background()
	c := New(1337, 100)
	key, _ := crypto.GenerateKey()

	old := signed(t, c, key, 0, 100)
	bumped := signed(t, c, key, 0, 110)
	if err := c.Send(ctx, old); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Send(ctx, bumped); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if l, _ := c.Lookup(ctx, old.Hash()); l.Known {
		t.Fatalf("replaced attempt still known: %+v", l)
	}
	c.MineBlock()
	if l, _ := c.Lookup(ctx, bumped.Hash()); !l.Mined {
		t.Fatalf("replacement not mined: %+v", l)
	}
}

func TestGapBlocksLaterNonces(t *testing.T) {
	ctx := context.Background()
	c := New(1337, 100)
	key, _ := crypto.GenerateKey()
	from := crypto.PubkeyToAddress(key.PublicKey)

	if err := c.Send(ctx, signed(t, c, key, 1, 100)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n, _ := c.PendingNonce(ctx, from); n != 0 {
		t.Fatalf("pending nonce past a gap: got %d", n)
	}
	if _, n := c.MineBlock(); n != 0 {
		t.Fatalf("mined across a gap")
	}
}

func TestOfflineAndLostAck(t *testing.T) {
	ctx := context.Background()
	c := New(1337, 100)
	key, _ := crypto.GenerateKey()

	c.SetOffline(true)
	if _, err := c.GasPrice(ctx); !errors.Is(err, fault.ErrTransientUnavailable) {
		t.Fatalf("offline: got %v", err)
	}
	c.SetOffline(false)

	c.LoseAcks(1)
	tx := signed(t, c, key, 0, 100)
	if err := c.Send(ctx, tx); !errors.Is(err, fault.ErrTransientUnavailable) {
		t.Fatalf("lost ack: got %v", err)
	}
	if l, _ := c.Lookup(ctx, tx.Hash()); !l.Known {
		t.Fatalf("write behind a lost ack should be in the pool")
	}
	if err := c.Send(ctx, tx); err != nil {
		t.Fatalf("resend of known write: %v", err)
	}
}

func TestRevertAndExternalWrite(t *testing.T) {
	ctx := context.Background()
	c := New(1337, 100)
	key, _ := crypto.GenerateKey()
	from := crypto.PubkeyToAddress(key.PublicKey)

	c.RevertWhen(func(*types.Transaction) bool { return true })
	tx := signed(t, c, key, 0, 100)
	_ = c.Send(ctx, tx)
	c.MineBlock()
	if l, _ := c.Lookup(ctx, tx.Hash()); !l.Mined || l.Success {
		t.Fatalf("expected failed receipt, got %+v", l)
	}

	c.ExternalWrite(from)
	if n, _ := c.PendingNonce(ctx, from); n != 2 {
		t.Fatalf("external write not counted: %d", n)
	}
}
