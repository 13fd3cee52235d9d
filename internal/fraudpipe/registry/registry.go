// Package registry remembers which fingerprints already have a ledger entry,
// so the same verdict content is never written twice.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
	"github.com/chenzhangda16/verdict-ledger/pkg/hash"
)

type Record struct {
	Fingerprint   hash.Hash32  `json:"fingerprint"`
	TransactionID string       `json:"transaction_id"`
	Label         string       `json:"fraud_status"`
	Reason        string       `json:"reason"`
	Handle        model.Handle `json:"handle"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Live reports whether the record still blocks a new submission. Only a
// write the ledger reported as failed frees its fingerprint.
func (r Record) Live() bool { return r.Handle.Status != model.StatusFailed }

type Registry interface {
	Get(ctx context.Context, fp hash.Hash32) (Record, bool, error)
	// BySubmission finds the record whose handle has id among its attempts.
	BySubmission(ctx context.Context, id common.Hash) (Record, bool, error)
	// Put stores or overwrites the record for rec.Fingerprint.
	Put(ctx context.Context, rec Record) error
	Close() error
}

// Memory is a process-local Registry.
type Memory struct {
	mu    sync.RWMutex
	byFP  map[[32]byte]Record
	bySub map[common.Hash][32]byte
}

func NewMemory(capHint int) *Memory {
	if capHint < 0 {
		capHint = 0
	}
	return &Memory{
		byFP:  make(map[[32]byte]Record, capHint),
		bySub: make(map[common.Hash][32]byte, capHint),
	}
}

func (m *Memory) Get(_ context.Context, fp hash.Hash32) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byFP[fp]
	if !ok {
		return Record{}, false, nil
	}
	r.Handle = r.Handle.Clone()
	return r, true, nil
}

func (m *Memory) BySubmission(ctx context.Context, id common.Hash) (Record, bool, error) {
	m.mu.RLock()
	fp, ok := m.bySub[id]
	m.mu.RUnlock()
	if !ok {
		return Record{}, false, nil
	}
	return m.Get(ctx, fp)
}

func (m *Memory) Put(_ context.Context, rec Record) error {
	rec.Handle = rec.Handle.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byFP[rec.Fingerprint] = rec
	for _, id := range rec.Handle.Attempts {
		m.bySub[id] = rec.Fingerprint
	}
	m.bySub[rec.Handle.ID] = rec.Fingerprint
	return nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byFP)
}

func (m *Memory) Close() error { return nil }

var _ Registry = (*Memory)(nil)
