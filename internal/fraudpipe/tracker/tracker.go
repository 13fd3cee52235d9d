// Package tracker resolves submitted writes to a final status without
// blocking the request that created them.
//
// Mined and Failed are ledger facts. Unconfirmed is only what a caller sees
// once a write has been pending longer than Timeout; the entry stays tracked
// and can still resolve later.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/ledger"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/metrics"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
	"github.com/chenzhangda16/verdict-ledger/pkg/obs"
)

// Ledger is the read side of ledger.Client.
type Ledger interface {
	Lookup(ctx context.Context, id common.Hash) (ledger.Lookup, error)
	ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error)
}

// Escalator rebroadcasts a stuck write at the same nonce with a higher bid
// and returns the handle for the new attempt.
type Escalator interface {
	Escalate(ctx context.Context, h model.Handle) (model.Handle, error)
}

type Config struct {
	Timeout        time.Duration // caller-facing patience, default 2m
	Interval       time.Duration // Run poll period and Wait step, default 2s
	StuckAfter     time.Duration // pending this long since the last attempt => escalate, default Timeout
	MaxEscalations int           // default 5
	Retain         time.Duration // terminal entries kept this long, default 1h
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = c.Timeout
	}
	if c.MaxEscalations < 0 {
		c.MaxEscalations = 0
	} else if c.MaxEscalations == 0 {
		c.MaxEscalations = 5
	}
	if c.Retain <= 0 {
		c.Retain = time.Hour
	}
	return c
}

type entry struct {
	h          model.Handle
	lastSent   time.Time
	resolvedAt time.Time
	capped     bool
}

type Tracker struct {
	ledger  Ledger
	account common.Address
	cfg     Config
	esc     Escalator
	onFinal func(model.Handle)
	log     logrus.FieldLogger
	m       *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	entries map[common.Hash]*entry // every attempt hash points at its entry
}

func New(l Ledger, account common.Address, cfg Config, log logrus.FieldLogger, m *metrics.Metrics) *Tracker {
	return &Tracker{
		ledger:  l,
		account: account,
		cfg:     cfg.withDefaults(),
		log:     obs.Component(log, "tracker"),
		m:       m,
		now:     time.Now,
		entries: make(map[common.Hash]*entry),
	}
}

// SetEscalator wires fee replacement for Run. Without one, stuck writes are
// only polled.
func (t *Tracker) SetEscalator(e Escalator) { t.esc = e }

// OnResolve registers fn to run, outside the tracker lock, each time a write
// reaches Mined or Failed.
func (t *Tracker) OnResolve(fn func(model.Handle)) { t.onFinal = fn }

func (t *Tracker) Config() Config { return t.cfg }

// Track takes ownership of h. Tracking an id again is a no-op.
func (t *Tracker) Track(h model.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[h.ID]; ok {
		return
	}
	e := &entry{h: h.Clone(), lastSent: h.SubmittedAt}
	for _, id := range e.h.Attempts {
		t.entries[id] = e
	}
	t.entries[e.h.ID] = e
	t.m.SetOpen(t.openLocked())
}

// Handle returns a snapshot with the caller-facing status.
func (t *Tracker) Handle(id common.Hash) (model.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return model.Handle{}, false
	}
	h := e.h.Clone()
	h.Status = t.visible(e.h)
	return h, true
}

func (t *Tracker) visible(h model.Handle) model.Status {
	if h.Status == model.StatusPending && t.now().Sub(h.SubmittedAt) > t.cfg.Timeout {
		return model.StatusUnconfirmed
	}
	return h.Status
}

// Poll asks the ledger about every attempt of a tracked write. On a ledger
// error the current non-terminal status is returned with the error.
func (t *Tracker) Poll(ctx context.Context, id common.Hash) (model.Status, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return model.StatusPending, fmt.Errorf("tracker: %s: %w", id.Hex(), fault.ErrNotFound)
	}
	snap := e.h.Clone()
	t.mu.Unlock()

	if snap.Status.Terminal() {
		return snap.Status, nil
	}

	status, block, err := t.resolve(ctx, snap)
	if err != nil {
		return t.visible(snap), err
	}

	t.mu.Lock()
	var final *model.Handle
	if status != e.h.Status && !e.h.Status.Terminal() {
		e.h.Status = status
		e.h.Block = block
		if status.Terminal() {
			e.resolvedAt = t.now()
			c := e.h.Clone()
			final = &c
		}
		t.m.Transition(status.String())
		t.m.SetOpen(t.openLocked())
		t.log.WithFields(logrus.Fields{"id": e.h.ID.Hex(), "nonce": e.h.Nonce, "status": status, "block": block}).Info("resolved")
	}
	vis := t.visible(e.h)
	t.mu.Unlock()

	if final != nil && t.onFinal != nil {
		t.onFinal(*final)
	}
	return vis, nil
}

func (t *Tracker) resolve(ctx context.Context, h model.Handle) (model.Status, uint64, error) {
	known := false
	for i := len(h.Attempts) - 1; i >= 0; i-- {
		l, err := t.ledger.Lookup(ctx, h.Attempts[i])
		if err != nil {
			return 0, 0, err
		}
		if l.Mined {
			if l.Success {
				return model.StatusMined, l.Block, nil
			}
			return model.StatusFailed, l.Block, nil
		}
		known = known || l.Known
	}
	if known {
		return model.StatusPending, 0, nil
	}
	// None of our attempts is known. Only a consumed nonce slot is proof the
	// write was replaced; anything else may still be propagating.
	n, err := t.ledger.ConfirmedNonce(ctx, t.account)
	if err != nil {
		return 0, 0, err
	}
	if n > h.Nonce {
		return model.StatusFailed, 0, nil
	}
	return model.StatusPending, 0, nil
}

// Wait polls until the write is terminal, Timeout elapses or ctx is done.
// Giving up returns Unconfirmed; the entry stays tracked either way.
func (t *Tracker) Wait(ctx context.Context, id common.Hash) (model.Status, error) {
	wctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		st, err := t.Poll(wctx, id)
		if errors.Is(err, fault.ErrNotFound) {
			return st, err
		}
		if err == nil && st.Terminal() {
			return st, nil
		}
		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return st, ctx.Err()
			}
			return model.StatusUnconfirmed, nil
		case <-ticker.C:
		}
	}
}

// Query answers a confirmation query for any submission id without
// resubmitting anything. Tracked ids are polled; others go straight to the
// ledger.
func (t *Tracker) Query(ctx context.Context, id common.Hash) (model.Confirmation, error) {
	if _, ok := t.Handle(id); ok {
		if _, err := t.Poll(ctx, id); err != nil {
			return model.Confirmation{}, err
		}
		h, _ := t.Handle(id)
		if h.Status == model.StatusMined {
			return model.Confirmation{Mined: true, BlockNumber: h.Block}, nil
		}
		return model.Confirmation{}, nil
	}
	l, err := t.ledger.Lookup(ctx, id)
	if err != nil {
		return model.Confirmation{}, err
	}
	if l.Mined && l.Success {
		return model.Confirmation{Mined: true, BlockNumber: l.Block}, nil
	}
	return model.Confirmation{}, nil
}

// Run polls open writes every Interval, escalates stuck ones and drops
// terminal entries past Retain.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep is one Run iteration.
func (t *Tracker) Sweep(ctx context.Context) {
	for _, e := range t.open() {
		t.mu.Lock()
		id := e.h.ID
		t.mu.Unlock()

		st, err := t.Poll(ctx, id)
		if err != nil {
			t.log.WithFields(logrus.Fields{"id": id.Hex(), "err": err}).Debug("poll failed")
			continue
		}
		if st.Terminal() {
			continue
		}
		t.maybeEscalate(ctx, e)
	}
	t.prune()
}

func (t *Tracker) maybeEscalate(ctx context.Context, e *entry) {
	if t.esc == nil {
		return
	}
	t.mu.Lock()
	due := !e.capped && e.h.Escalations < t.cfg.MaxEscalations && t.now().Sub(e.lastSent) >= t.cfg.StuckAfter
	snap := e.h.Clone()
	t.mu.Unlock()
	if !due {
		return
	}

	nh, err := t.esc.Escalate(ctx, snap)
	if err != nil {
		lg := t.log.WithFields(logrus.Fields{"id": snap.ID.Hex(), "nonce": snap.Nonce, "err": err})
		// A capped bid or a handle without payload will never succeed.
		if errors.Is(err, fault.ErrFeeCapExceeded) || errors.Is(err, fault.ErrInvalidInput) {
			t.mu.Lock()
			e.capped = true
			t.mu.Unlock()
			lg.Warn("escalation stopped")
			return
		}
		lg.Warn("escalation failed")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e.h.Status.Terminal() {
		return
	}
	e.h.ID = nh.ID
	e.h.Attempts = append([]common.Hash(nil), nh.Attempts...)
	e.h.Bid = nh.Bid
	e.h.Escalations = nh.Escalations
	e.lastSent = t.now()
	for _, id := range e.h.Attempts {
		t.entries[id] = e
	}
	t.m.Escalation()
}

func (t *Tracker) open() []*entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[*entry]struct{})
	out := make([]*entry, 0)
	for _, e := range t.entries {
		if _, ok := seen[e]; ok || e.h.Status.Terminal() {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

func (t *Tracker) openLocked() int {
	seen := make(map[*entry]struct{})
	for _, e := range t.entries {
		if !e.h.Status.Terminal() {
			seen[e] = struct{}{}
		}
	}
	return len(seen)
}

func (t *Tracker) prune() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cut := t.now().Add(-t.cfg.Retain)
	for id, e := range t.entries {
		if e.h.Status.Terminal() && e.resolvedAt.Before(cut) {
			delete(t.entries, id)
		}
	}
}
