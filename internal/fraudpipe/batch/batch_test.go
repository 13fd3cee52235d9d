package batch

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fee"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/nonce"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/out"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/reason"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/registry"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/retry"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/scorer"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/service"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/source"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/submit"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/tracker"
	"github.com/chenzhangda16/verdict-ledger/internal/mockledger"
)

const upload = `type,amount,nameOrig,oldbalanceOrg,newbalanceOrig,nameDest,oldbalanceDest,newbalanceDest,isFraud
TRANSFER,95000,C1,95000,0,C9,0,0,1
CASH_OUT,abc,C2,1,1,C9,0,0,1
PAYMENT,10,C3,100,90,M1,0,0,0
TRANSFER,20,C4,0,0,C9,0,0,1
CASH_OUT,60000,C5,60000,0,C9,0,60000,1
TRANSFER,95000,C1,95000,0,C9,0,0,1
`

func newRunner(t *testing.T, s scorer.TxScorer) (*Runner, *mockledger.Chain, *out.Memory) {
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
	fees, _ := fee.New(chain, fee.Config{})
	sink := &out.Memory{}
	rec, err := service.NewRecorder(service.Deps{
		Nonces:    nonce.New(chain, sub.From(), nil, nil),
		Fees:      fees,
		Submitter: sub,
		Ledger:    chain,
		Tracker:   tracker.New(chain, sub.From(), tracker.Config{}, nil, nil),
		Registry:  registry.NewMemory(0),
		Sink:      sink,
		Retry:     retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	return New(s, rec, sink, Config{Concurrency: 3, ExplorerBase: "https://example.test"}, nil, nil), chain, sink
}

func readUpload(t *testing.T) []source.Record {
	t.Helper()
	recs, err := source.ReadCSV(strings.NewReader(upload))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return recs
}

func TestRunIsolatesRowsAndKeepsOrder(t *testing.T) {
	r, chain, sink := newRunner(t, scorer.LabelScorer{})
	res, err := r.Run(context.Background(), readUpload(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := uuid.Parse(res.BatchID); err != nil {
		t.Fatalf("batch id %q: %v", res.BatchID, err)
	}

	want := []Kind{KindSuccess, KindError, KindSkipped, KindSuccess, KindSuccess, KindSuccess}
	if len(res.Items) != len(want) {
		t.Fatalf("items: %d", len(res.Items))
	}
	for i, it := range res.Items {
		if it.Kind != want[i] {
			t.Fatalf("row %d: kind %s want %s (%+v)", i, it.Kind, want[i], it)
		}
	}
	if res.Processed != 6 || res.Submitted != 4 || res.Skipped != 1 || res.Errors != 1 {
		t.Fatalf("counts: %+v", res)
	}

	bad := res.Items[1]
	if bad.Code != string(fault.CodeInvalidInput) || bad.FraudStatus != "Error" || bad.Error == "" {
		t.Fatalf("bad row: %+v", bad)
	}
	for row, want := range map[int]string{0: reason.HighAmount, 3: reason.SenderZero, 4: reason.HighAmount} {
		if got := res.Items[row].Reason; got != want {
			t.Fatalf("row %d reason: %q want %q", row, got, want)
		}
	}
	if s := res.Items[2]; s.Reason != reason.Genuine || s.SubmissionID != "" {
		t.Fatalf("skipped row: %+v", s)
	}
	first, dup := res.Items[0], res.Items[5]
	if first.SubmissionID == "" || dup.SubmissionID != first.SubmissionID || dup.Fingerprint != first.Fingerprint {
		t.Fatalf("repeated row should share the write: %+v / %+v", first, dup)
	}
	if !strings.HasPrefix(first.LedgerLink, "https://example.test/tx/0x") {
		t.Fatalf("link: %s", first.LedgerLink)
	}

	// Only distinct fraudulent content reaches the ledger.
	if chain.Sends() != 3 {
		t.Fatalf("sends: %d", chain.Sends())
	}
	if evs := sink.Events(out.TypeBatch); len(evs) != 1 {
		t.Fatalf("batch events: %d", len(evs))
	}
}

func TestScorerErrorStaysOnItsRow(t *testing.T) {
	recs := readUpload(t)
	recs[3].Tx.Labeled = false // no label and no model: this row cannot be scored

	r, _, _ := newRunner(t, scorer.LabelScorer{})
	res, _ := r.Run(context.Background(), recs)
	if it := res.Items[3]; it.Kind != KindError || it.Code != string(fault.CodeInvalidInput) || it.TransactionID != "C4" {
		t.Fatalf("unscored row: %+v", it)
	}
	if res.Items[4].Kind != KindSuccess {
		t.Fatalf("neighbour affected: %+v", res.Items[4])
	}
}

func TestLedgerOutageFailsRowsNotBatch(t *testing.T) {
	r, chain, _ := newRunner(t, scorer.LabelScorer{})
	chain.SetOffline(true)
	res, err := r.Run(context.Background(), readUpload(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Submitted != 0 || res.Skipped != 1 || res.Errors != 5 {
		t.Fatalf("counts: %+v", res)
	}
	if it := res.Items[0]; it.Code != string(fault.CodeTransientUnavailable) || it.Fingerprint == "" {
		t.Fatalf("offline row: %+v", it)
	}
}

func TestCancelledRunStillAnswersEveryRow(t *testing.T) {
	r, chain, _ := newRunner(t, scorer.LabelScorer{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := r.Run(ctx, readUpload(t))
	if err == nil {
		t.Fatalf("expected ctx error")
	}
	if len(res.Items) != 6 || res.Errors != 6 || chain.Sends() != 0 {
		t.Fatalf("cancelled run: %+v sends=%d", res, chain.Sends())
	}
}
