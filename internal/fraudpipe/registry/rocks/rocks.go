// Package rocks is a RocksDB-backed registry that survives restarts.
package rocks

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tecbot/gorocksdb"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/registry"
	"github.com/chenzhangda16/verdict-ledger/pkg/hash"
)

// Registry keys:
//
//	"fp:"  + fingerprint(32)   -> JSON record
//	"sub:" + submission id(32) -> fingerprint(32)
type Registry struct {
	db *gorocksdb.DB
	ro *gorocksdb.ReadOptions
	wo *gorocksdb.WriteOptions

	// serializes read-modify-write of the sub index on overwrite
	mu sync.Mutex
}

func Open(path string) (*Registry, error) {
	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.IncreaseParallelism(2)

	db, err := gorocksdb.OpenDb(opts, path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	wo := gorocksdb.NewDefaultWriteOptions()
	wo.SetSync(true)
	return &Registry{
		db: db,
		ro: gorocksdb.NewDefaultReadOptions(),
		wo: wo,
	}, nil
}

func DefaultPath(baseDir string) string { return filepath.Join(baseDir, "registry.db") }

func (r *Registry) Close() error {
	if r.ro != nil {
		r.ro.Destroy()
	}
	if r.wo != nil {
		r.wo.Destroy()
	}
	if r.db != nil {
		r.db.Close()
	}
	return nil
}

func (r *Registry) Get(_ context.Context, fp hash.Hash32) (registry.Record, bool, error) {
	return r.get(fp[:])
}

func (r *Registry) get(fp []byte) (registry.Record, bool, error) {
	val, err := r.db.Get(r.ro, fpKey(fp))
	if err != nil {
		return registry.Record{}, false, err
	}
	defer val.Free()
	if !val.Exists() {
		return registry.Record{}, false, nil
	}
	var rec registry.Record
	if err := json.Unmarshal(val.Data(), &rec); err != nil {
		return registry.Record{}, false, fmt.Errorf("registry: decode %x: %w", fp, err)
	}
	return rec, true, nil
}

func (r *Registry) BySubmission(_ context.Context, id common.Hash) (registry.Record, bool, error) {
	val, err := r.db.Get(r.ro, subKey(id))
	if err != nil {
		return registry.Record{}, false, err
	}
	if !val.Exists() {
		val.Free()
		return registry.Record{}, false, nil
	}
	fp := append([]byte(nil), val.Data()...)
	val.Free()
	if len(fp) != 32 {
		return registry.Record{}, false, fmt.Errorf("registry: bad index entry for %s", id.Hex())
	}
	return r.get(fp)
}

func (r *Registry) Put(_ context.Context, rec registry.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	wb := gorocksdb.NewWriteBatch()
	defer wb.Destroy()

	wb.Put(fpKey(rec.Fingerprint[:]), b)
	for _, id := range rec.Handle.Attempts {
		wb.Put(subKey(id), rec.Fingerprint[:])
	}
	wb.Put(subKey(rec.Handle.ID), rec.Fingerprint[:])
	return r.db.Write(r.wo, wb)
}

func fpKey(fp []byte) []byte {
	k := make([]byte, 0, 3+32)
	k = append(k, 'f', 'p', ':')
	return append(k, fp...)
}

func subKey(id common.Hash) []byte {
	k := make([]byte, 0, 4+32)
	k = append(k, 's', 'u', 'b', ':')
	return append(k, id.Bytes()...)
}

var _ registry.Registry = (*Registry)(nil)
