package registry

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
	"github.com/chenzhangda16/verdict-ledger/pkg/hash"
)

func TestMemoryPutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	fp := hash.Hash32{1}
	first := common.HexToHash("0x01")
	second := common.HexToHash("0x02")

	if _, ok, _ := m.Get(ctx, fp); ok {
		t.Fatalf("empty registry reported a record")
	}
	rec := Record{
		Fingerprint: fp,
		Handle:      model.Handle{ID: second, Attempts: []common.Hash{first, second}, Status: model.StatusPending},
	}
	if err := m.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, _ := m.Get(ctx, fp)
	if !ok || got.Handle.ID != second || !got.Live() {
		t.Fatalf("get: %+v %v", got, ok)
	}
	for _, id := range []common.Hash{first, second} {
		if r, ok, _ := m.BySubmission(ctx, id); !ok || r.Fingerprint != fp {
			t.Fatalf("by submission %s: %v", id.Hex(), ok)
		}
	}

	got.Handle.Attempts[0] = common.Hash{}
	again, _, _ := m.Get(ctx, fp)
	if again.Handle.Attempts[0] != first {
		t.Fatalf("returned record aliases stored state")
	}
}

func TestFailedRecordIsNotLive(t *testing.T) {
	r := Record{Handle: model.Handle{Status: model.StatusFailed}}
	if r.Live() {
		t.Fatalf("failed write must free its fingerprint")
	}
	for _, st := range []model.Status{model.StatusPending, model.StatusMined, model.StatusUnconfirmed} {
		if !(Record{Handle: model.Handle{Status: st}}).Live() {
			t.Fatalf("%v should block resubmission", st)
		}
	}
}
