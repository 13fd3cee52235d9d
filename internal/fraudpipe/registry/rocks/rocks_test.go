package rocks

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/registry"
	"github.com/chenzhangda16/verdict-ledger/pkg/hash"
)

func TestRecordSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := DefaultPath(t.TempDir())

	r, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec := registry.Record{
		Fingerprint:   hash.Hash32{0xab},
		TransactionID: "C100",
		Label:         model.LabelFraudulent,
		Reason:        "Confidence: 87%",
		Handle: model.Handle{
			ID:       common.HexToHash("0x02"),
			Attempts: []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02")},
			Nonce:    7,
			Bid:      uint256.NewInt(1234),
			Status:   model.StatusMined,
			Block:    99,
		},
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	if err := r.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = r.Close()

	r, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close()

	got, ok, err := r.Get(ctx, rec.Fingerprint)
	if err != nil || !ok {
		t.Fatalf("get: %v %v", ok, err)
	}
	if got.TransactionID != "C100" || got.Handle.Nonce != 7 || got.Handle.Status != model.StatusMined ||
		got.Handle.Block != 99 || !got.Handle.Bid.Eq(uint256.NewInt(1234)) {
		t.Fatalf("record changed across reopen: %+v", got)
	}

	byOld, ok, err := r.BySubmission(ctx, common.HexToHash("0x01"))
	if err != nil || !ok || byOld.Fingerprint != rec.Fingerprint {
		t.Fatalf("by first attempt: %v %v", ok, err)
	}
	if _, ok, _ := r.Get(ctx, hash.Hash32{0xcd}); ok {
		t.Fatalf("unknown fingerprint found")
	}
}
