// Package nonce hands out ledger sequence numbers for the signing account.
//
// The in-memory counter is a cache of the ledger's own. It is loaded once,
// advanced under a single mutex, never rewound while a reservation is in
// flight and never rewound at or below a committed nonce. Ledger round trips
// always run outside the lock.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/metrics"
	"github.com/chenzhangda16/verdict-ledger/pkg/obs"
)

// ErrDrift means the ledger has consumed nonces this process did not hand
// out. Reserve refuses until Resync.
var ErrDrift = errors.New("nonce: local counter behind ledger")

// loadTimeout bounds the shared first load; it does not inherit any one
// caller's cancellation.
const loadTimeout = 15 * time.Second

// Source is the ledger's authoritative pending counter.
type Source interface {
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
}

type Sequencer struct {
	src     Source
	account common.Address
	log     logrus.FieldLogger
	m       *metrics.Metrics

	sf singleflight.Group

	mu          sync.Mutex
	ready       bool
	next        uint64
	floor       uint64   // ledger count at the last load; nothing below is reusable
	free        []uint64 // abandoned, ascending
	committed   uint64   // one past the highest committed nonce
	outstanding map[uint64]struct{}
	drifted     bool
}

func New(src Source, account common.Address, log logrus.FieldLogger, m *metrics.Metrics) *Sequencer {
	return &Sequencer{
		src:         src,
		account:     account,
		log:         obs.Component(log, "nonce"),
		m:           m,
		outstanding: make(map[uint64]struct{}),
	}
}

func (s *Sequencer) Account() common.Address { return s.account }

// Reserve returns the lowest abandoned nonce if there is one, else the next
// fresh one. The caller must Commit or Abandon it.
func (s *Sequencer) Reserve(ctx context.Context) (uint64, error) {
	if err := s.load(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drifted {
		s.m.Nonce("refused")
		return 0, ErrDrift
	}
	var n uint64
	if len(s.free) > 0 {
		n = s.free[0]
		s.free = s.free[1:]
	} else {
		n = s.next
		s.next++
	}
	s.outstanding[n] = struct{}{}
	s.m.Nonce("reserve")
	return n, nil
}

// Commit records that a write carrying n reached the ledger (or may have).
// n is consumed for good.
func (s *Sequencer) Commit(n uint64) {
	s.mu.Lock()
	delete(s.outstanding, n)
	if n+1 > s.committed {
		s.committed = n + 1
	}
	s.mu.Unlock()
	s.m.Nonce("commit")
}

// Abandon records that no write carrying n was ever accepted, so n can be
// handed out again.
func (s *Sequencer) Abandon(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outstanding[n]; !ok {
		return
	}
	delete(s.outstanding, n)
	if n < s.floor || n >= s.next {
		return
	}
	i := sort.Search(len(s.free), func(i int) bool { return s.free[i] >= n })
	if i < len(s.free) && s.free[i] == n {
		return
	}
	s.free = append(s.free, 0)
	copy(s.free[i+1:], s.free[i:])
	s.free[i] = n
	s.m.Nonce("abandon")
}

// Verify compares the ledger's pending count with the lowest nonce this
// process has not yet handed out. If the ledger is ahead, someone else is
// writing with the same key and the sequencer fails closed.
func (s *Sequencer) Verify(ctx context.Context) error {
	if err := s.load(ctx); err != nil {
		return err
	}
	l, err := s.src.PendingNonce(ctx, s.account)
	if err != nil {
		return fmt.Errorf("nonce: verify: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	low := s.next
	if len(s.free) > 0 && s.free[0] < low {
		low = s.free[0]
	}
	if l > low {
		if !s.drifted {
			s.log.WithFields(logrus.Fields{"ledger": l, "local": low}).Warn("drift detected")
			s.m.Nonce("drift")
		}
		s.drifted = true
		return ErrDrift
	}
	return nil
}

// Resync reloads the counter from the ledger and clears drift. With nothing
// in flight the counter follows the ledger down to just past the highest
// committed nonce. A committed write behind a gap is invisible in the
// ledger's pending count, so the abandoned slots under it stay reusable.
// With reservations in flight it only moves forward.
func (s *Sequencer) Resync(ctx context.Context) error {
	l, err := s.src.PendingNonce(ctx, s.account)
	if err != nil {
		return fmt.Errorf("nonce: resync: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.next
	if len(s.outstanding) == 0 {
		s.next = max(l, s.committed)
	} else if l > s.next {
		s.next = l
	}
	kept := s.free[:0]
	for _, n := range s.free {
		if n >= l && n < s.next {
			kept = append(kept, n)
		}
	}
	s.free = kept
	s.floor = l
	s.ready = true
	s.drifted = false
	s.m.Nonce("resync")
	s.log.WithFields(logrus.Fields{"ledger": l, "prev": prev, "next": s.next, "committed": s.committed, "free": len(s.free), "in_flight": len(s.outstanding)}).Info("resync")
	return nil
}

// Watch runs Verify every interval until ctx is done. Drift stays latched
// until Resync.
func (s *Sequencer) Watch(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.Verify(ctx); err != nil && !errors.Is(err, ErrDrift) {
				s.log.WithError(err).Debug("verify failed")
			}
		}
	}
}

func (s *Sequencer) load(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if ready {
		return nil
	}

	ch := s.sf.DoChan("load", func() (any, error) {
		s.mu.Lock()
		ready := s.ready
		s.mu.Unlock()
		if ready {
			return nil, nil
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		l, err := s.src.PendingNonce(lctx, s.account)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if !s.ready {
			s.next = l
			s.floor = l
			s.ready = true
			s.log.WithField("next", l).Info("loaded")
		}
		s.mu.Unlock()
		return nil, nil
	})
	select {
	case <-ctx.Done():
		return fmt.Errorf("nonce: load: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("nonce: load: %w", res.Err)
		}
		return nil
	}
}

// State is a point-in-time view of the sequencer.
type State struct {
	Next        uint64
	Free        []uint64
	Outstanding int
	Drifted     bool
}

func (s *Sequencer) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Next:        s.next,
		Free:        append([]uint64(nil), s.free...),
		Outstanding: len(s.outstanding),
		Drifted:     s.drifted,
	}
}
