// Package source reads PaySim-style transaction CSVs and keeps the loaded
// rows addressable by transaction id.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
)

var required = []string{
	"type", "amount", "nameOrig", "oldbalanceOrg", "newbalanceOrig",
	"nameDest", "oldbalanceDest", "newbalanceDest",
}

// Record is one data row: a transaction, or the reason the row was refused.
// Tx carries whatever identifying fields could be read even when Err is set.
type Record struct {
	Row int
	Tx  model.Transaction
	Err error
}

// ReadCSV parses every data row. Only an unreadable header fails the whole
// file; bad rows come back as records with Err set.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("source: empty file: %w", fault.ErrInvalidInput)
	}
	if err != nil {
		return nil, fmt.Errorf("source: header: %v: %w", err, fault.ErrInvalidInput)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	var missing []string
	for _, name := range required {
		if _, ok := col[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("source: missing columns %s: %w", strings.Join(missing, ","), fault.ErrInvalidInput)
	}

	var out []Record
	for row := 1; ; row++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				out = append(out, Record{Row: row, Err: fmt.Errorf("source: row %d: %v: %w", row, err, fault.ErrInvalidInput)})
				continue
			}
			return out, fmt.Errorf("source: read: %w", err)
		}
		out = append(out, parseRow(row, col, fields))
	}
	return out, nil
}

func parseRow(row int, col map[string]int, fields []string) Record {
	get := func(name string) (string, bool) {
		i, ok := col[name]
		if !ok || i >= len(fields) {
			return "", false
		}
		return strings.TrimSpace(fields[i]), true
	}

	rec := Record{Row: row}
	orig, _ := get("nameOrig")
	dest, _ := get("nameDest")
	typ, _ := get("type")
	rec.Tx = model.Transaction{ID: orig, SenderID: orig, ReceiverID: dest, Type: model.NormalizeType(typ)}

	fail := func(format string, args ...any) Record {
		rec.Err = fmt.Errorf("source: row %d: %s: %w", row, fmt.Sprintf(format, args...), fault.ErrInvalidInput)
		return rec
	}
	if orig == "" {
		return fail("missing nameOrig")
	}
	if typ == "" {
		return fail("missing type")
	}

	nums := []struct {
		name string
		dst  *float64
	}{
		{"amount", &rec.Tx.Amount},
		{"oldbalanceOrg", &rec.Tx.OldBalanceOrig},
		{"newbalanceOrig", &rec.Tx.NewBalanceOrig},
		{"oldbalanceDest", &rec.Tx.OldBalanceDest},
		{"newbalanceDest", &rec.Tx.NewBalanceDest},
	}
	for _, n := range nums {
		s, ok := get(n.name)
		if !ok || s == "" {
			return fail("missing %s", n.name)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fail("bad %s %q", n.name, s)
		}
		if d.IsNegative() {
			return fail("negative %s %s", n.name, s)
		}
		*n.dst = d.InexactFloat64()
	}

	if s, ok := get("isFraud"); ok && s != "" {
		v, err := parseFlag(s)
		if err != nil {
			return fail("bad isFraud %q", s)
		}
		rec.Tx.Labeled = true
		rec.Tx.IsFraud = v
	}
	return rec
}

func parseFlag(s string) (bool, error) {
	if b, err := strconv.ParseBool(s); err == nil {
		return b, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}

// Store indexes transactions by id. The first row for an id wins.
type Store struct {
	mu   sync.RWMutex
	byID map[string]model.Transaction
	rows int
}

func NewStore(recs []Record) *Store {
	s := &Store{byID: make(map[string]model.Transaction, len(recs))}
	s.Add(recs)
	return s
}

// LoadFile reads a CSV from disk into a new Store. Refused rows are counted
// in the second return value.
func LoadFile(path string) (*Store, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("source: open %s: %w", path, err)
	}
	defer f.Close()
	recs, err := ReadCSV(f)
	if err != nil {
		return nil, 0, err
	}
	bad := 0
	for _, r := range recs {
		if r.Err != nil {
			bad++
		}
	}
	return NewStore(recs), bad, nil
}

func (s *Store) Add(recs []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		if r.Err != nil {
			continue
		}
		s.rows++
		if _, ok := s.byID[r.Tx.ID]; !ok {
			s.byID[r.Tx.ID] = r.Tx
		}
	}
}

func (s *Store) Get(id string) (model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.byID[id]
	if !ok {
		return model.Transaction{}, fmt.Errorf("source: transaction %s: %w", id, fault.ErrNotFound)
	}
	return tx, nil
}

// Len is the number of accepted rows, duplicates included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows
}
