package tracker

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fee"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/submit"
	"github.com/chenzhangda16/verdict-ledger/internal/mockledger"
	"github.com/chenzhangda16/verdict-ledger/pkg/hash"
)

type rig struct {
	chain  *mockledger.Chain
	sub    *submit.Submitter
	fees   *fee.Estimator
	tr     *Tracker
	offset time.Duration
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	chain := mockledger.New(1337, 100)
	key, _ := crypto.GenerateKey()
	sub, err := submit.New(chain, submit.Config{
		ChainID:  big.NewInt(1337),
		Contract: common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		Key:      key,
	}, nil)
	if err != nil {
		t.Fatalf("submitter: %v", err)
	}
	fees, _ := fee.New(chain, fee.Config{FactorPermille: 1200, MaxBid: uint256.NewInt(1000)})
	r := &rig{chain: chain, sub: sub, fees: fees}
	r.tr = New(chain, sub.From(), cfg, nil, nil)
	r.tr.now = func() time.Time { return time.Now().Add(r.offset) }
	return r
}

func (r *rig) submit(t *testing.T, nonce uint64) model.Handle {
	t.Helper()
	bid, err := r.fees.Estimate(context.Background(), 0)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	var fp hash.Hash32
	fp[0] = byte(nonce + 1)
	h, err := r.sub.Submit(context.Background(), fp, model.Verdict{Fraud: true, Reason: "r"}, nonce, bid)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	r.tr.Track(h)
	return h
}

// Escalate implements Escalator the way the service wires it.
func (r *rig) Escalate(ctx context.Context, h model.Handle) (model.Handle, error) {
	bid, err := r.fees.Escalate(h.Bid)
	if err != nil {
		return h, err
	}
	return r.sub.Replace(ctx, h, bid)
}

func TestPendingThenMined(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, Config{})
	h := r.submit(t, 0)

	if st, err := r.tr.Poll(ctx, h.ID); err != nil || st != model.StatusPending {
		t.Fatalf("before mining: %v, %v", st, err)
	}
	if c, _ := r.tr.Query(ctx, h.ID); c.Mined {
		t.Fatalf("query reported mined before mining")
	}

	block, _ := r.chain.MineBlock()
	if st, err := r.tr.Poll(ctx, h.ID); err != nil || st != model.StatusMined {
		t.Fatalf("after mining: %v, %v", st, err)
	}
	c, err := r.tr.Query(ctx, h.ID)
	if err != nil || !c.Mined || c.BlockNumber != block {
		t.Fatalf("query: %+v, %v", c, err)
	}
	if got, _ := r.tr.Handle(h.ID); got.Block != block {
		t.Fatalf("handle block: %d", got.Block)
	}
}

func TestUnconfirmedIsCallerFacingOnly(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, Config{Timeout: time.Minute})
	h := r.submit(t, 0)

	r.offset = 2 * time.Minute
	if st, _ := r.tr.Poll(ctx, h.ID); st != model.StatusUnconfirmed {
		t.Fatalf("expected Unconfirmed past timeout, got %v", st)
	}
	r.chain.MineBlock()
	if st, _ := r.tr.Poll(ctx, h.ID); st != model.StatusMined {
		t.Fatalf("late mining must still resolve, got %v", st)
	}
}

func TestFailedOnlyOnLedgerEvidence(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, Config{})

	r.chain.RevertWhen(func(*types.Transaction) bool { return true })
	h := r.submit(t, 0)
	r.chain.MineBlock()
	if st, _ := r.tr.Poll(ctx, h.ID); st != model.StatusFailed {
		t.Fatalf("reverted receipt: got %v", st)
	}

	// A write the ledger never saw stays Pending until its slot is taken.
	ghost := model.Handle{
		ID:          common.HexToHash("0xdead"),
		Attempts:    []common.Hash{common.HexToHash("0xdead")},
		Nonce:       1,
		Status:      model.StatusPending,
		SubmittedAt: time.Now(),
	}
	r.tr.Track(ghost)
	if st, _ := r.tr.Poll(ctx, ghost.ID); st != model.StatusPending {
		t.Fatalf("unknown write resolved without evidence: %v", st)
	}
	r.chain.ExternalWrite(r.sub.From())
	if st, _ := r.tr.Poll(ctx, ghost.ID); st != model.StatusFailed {
		t.Fatalf("consumed slot should fail the write, got %v", st)
	}
}

func TestLedgerErrorIsNotAnAnswer(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, Config{})
	h := r.submit(t, 0)

	r.chain.SetOffline(true)
	st, err := r.tr.Poll(ctx, h.ID)
	if !errors.Is(err, fault.ErrTransientUnavailable) || st != model.StatusPending {
		t.Fatalf("offline poll: %v, %v", st, err)
	}
	if _, err := r.tr.Query(ctx, h.ID); err == nil {
		t.Fatalf("offline query should report the error")
	}
}

func TestWaitIsBounded(t *testing.T) {
	r := newRig(t, Config{Timeout: 50 * time.Millisecond, Interval: 10 * time.Millisecond})
	h := r.submit(t, 0)

	start := time.Now()
	st, err := r.tr.Wait(context.Background(), h.ID)
	if err != nil || st != model.StatusUnconfirmed {
		t.Fatalf("wait: %v, %v", st, err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("wait overran its bound")
	}
	if _, ok := r.tr.Handle(h.ID); !ok {
		t.Fatalf("entry dropped after giving up")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.tr.Wait(ctx, h.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled wait: %v", err)
	}
	r.chain.MineBlock()
	if st, _ := r.tr.Wait(context.Background(), h.ID); st != model.StatusMined {
		t.Fatalf("resolvable after cancelled wait: %v", st)
	}
}

func TestStuckWriteIsEscalatedUpToCap(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, Config{StuckAfter: time.Minute, MaxEscalations: 10})
	r.tr.SetEscalator(r)
	h := r.submit(t, 0) // bid 110

	r.tr.Sweep(ctx)
	if got, _ := r.tr.Handle(h.ID); got.Escalations != 0 {
		t.Fatalf("escalated before StuckAfter")
	}

	prev := h.Bid
	for i := 1; i <= 20; i++ {
		r.offset += 2 * time.Minute
		r.tr.Sweep(ctx)
		got, _ := r.tr.Handle(h.ID)
		if got.Bid.Gt(uint256.NewInt(1000)) {
			t.Fatalf("bid %s above cap", got.Bid.Dec())
		}
		if got.Bid.Eq(prev) {
			break // capped
		}
		want, _ := r.fees.Escalate(prev)
		if !got.Bid.Eq(want) || got.Nonce != h.Nonce {
			t.Fatalf("escalation %d: bid %s want %s nonce %d", i, got.Bid.Dec(), want.Dec(), got.Nonce)
		}
		prev = got.Bid
	}
	final, _ := r.tr.Handle(h.ID)
	if final.Escalations == 0 || len(final.Attempts) != final.Escalations+1 {
		t.Fatalf("unexpected attempts: %+v", final)
	}

	r.chain.MineBlock()
	if st, _ := r.tr.Poll(ctx, h.ID); st != model.StatusMined {
		t.Fatalf("escalated write not mined: %v", st)
	}
	if c, _ := r.tr.Query(ctx, final.ID); !c.Mined {
		t.Fatalf("query by latest attempt id: %+v", c)
	}
}

func TestQueryUntrackedGoesToLedger(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, Config{})
	h := r.submit(t, 0)
	r.chain.MineBlock()

	other := New(r.chain, r.sub.From(), Config{}, nil, nil)
	c, err := other.Query(ctx, h.ID)
	if err != nil || !c.Mined || c.BlockNumber == 0 {
		t.Fatalf("untracked query: %+v, %v", c, err)
	}
	if _, err := other.Poll(ctx, h.ID); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("poll of untracked id: %v", err)
	}
}

func TestOnResolveFiresOnce(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, Config{})
	var got []model.Handle
	r.tr.OnResolve(func(h model.Handle) { got = append(got, h) })

	h := r.submit(t, 0)
	_, _ = r.tr.Poll(ctx, h.ID)
	r.chain.MineBlock()
	_, _ = r.tr.Poll(ctx, h.ID)
	_, _ = r.tr.Poll(ctx, h.ID)

	if len(got) != 1 || got[0].Status != model.StatusMined || got[0].Block == 0 {
		t.Fatalf("resolve callbacks: %+v", got)
	}
}
