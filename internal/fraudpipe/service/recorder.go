// Package service turns verdicts into ledger entries: it deduplicates by
// fingerprint, sequences nonces, bids, broadcasts and hands every accepted
// write to the tracker.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fee"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fingerprint"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/ledger"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/metrics"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/nonce"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/out"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/registry"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/retry"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/submit"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/tracker"
	"github.com/chenzhangda16/verdict-ledger/pkg/hash"
	"github.com/chenzhangda16/verdict-ledger/pkg/obs"
)

// ErrOutcomeUnknown marks a broadcast the ledger may or may not have
// accepted. The handle is returned with it and stays tracked.
var ErrOutcomeUnknown = errors.New("broadcast outcome unknown")

// recordTimeout bounds one shared write, retries included. Callers waiting
// on it may give up sooner without cancelling it.
const recordTimeout = 2 * time.Minute

// Lookuper asks the ledger about one submission id.
type Lookuper interface {
	Lookup(ctx context.Context, id common.Hash) (ledger.Lookup, error)
}

type Deps struct {
	Nonces    *nonce.Sequencer
	Fees      *fee.Estimator
	Submitter *submit.Submitter
	Ledger    Lookuper
	Tracker   *tracker.Tracker
	Registry  registry.Registry
	Sink      out.Sink // nil: out.Nop
	Retry     retry.Policy
	Log       logrus.FieldLogger
	Metrics   *metrics.Metrics
}

// Entry is one verdict to record.
type Entry struct {
	Tx      model.Transaction
	Verdict model.Verdict
}

// Outcome is what Record did with an entry. Duplicate means the handle
// belongs to an earlier write of the same fingerprint.
type Outcome struct {
	Fingerprint hash.Hash32
	Handle      model.Handle
	Duplicate   bool
}

// Submitted reports whether Outcome carries a ledger write.
func (o Outcome) Submitted() bool { return o.Handle.ID != (common.Hash{}) }

type Recorder struct {
	nonces *nonce.Sequencer
	fees   *fee.Estimator
	sub    *submit.Submitter
	ledger Lookuper
	tr     *tracker.Tracker
	reg    registry.Registry
	sink   out.Sink
	policy retry.Policy
	log    logrus.FieldLogger
	m      *metrics.Metrics

	sf singleflight.Group

	mu      sync.Mutex
	unsaved map[hash.Hash32]registry.Record // registry put failed; retried on the next update
}

// NewRecorder wires a Recorder and registers it with the tracker for fee
// escalation and resolution events.
func NewRecorder(d Deps) (*Recorder, error) {
	if d.Nonces == nil || d.Fees == nil || d.Submitter == nil || d.Ledger == nil || d.Tracker == nil || d.Registry == nil {
		return nil, fmt.Errorf("service: incomplete dependencies: %w", fault.ErrConfigurationFatal)
	}
	if d.Sink == nil {
		d.Sink = out.Nop{}
	}
	log := obs.Component(d.Log, "recorder")
	p := d.Retry
	p.Classify = classify
	if p.OnRetry == nil {
		p.OnRetry = func(attempt int, wait time.Duration, err error) {
			log.WithFields(logrus.Fields{"attempt": attempt, "wait": wait, "err": err}).Warn("submit retry")
		}
	}
	r := &Recorder{
		nonces:  d.Nonces,
		fees:    d.Fees,
		sub:     d.Submitter,
		ledger:  d.Ledger,
		tr:      d.Tracker,
		reg:     d.Registry,
		sink:    d.Sink,
		policy:  p,
		log:     log,
		m:       d.Metrics,
		unsaved: make(map[hash.Hash32]registry.Record),
	}
	d.Tracker.SetEscalator(r)
	d.Tracker.OnResolve(r.resolved)
	return r, nil
}

func classify(err error) retry.Class {
	if errors.Is(err, nonce.ErrDrift) || errors.Is(err, ErrOutcomeUnknown) {
		return retry.Fatal
	}
	return retry.ByFault(err)
}

// Record writes e to the ledger unless its fingerprint already has a live
// entry. Concurrent calls for one fingerprint share a single write, which
// keeps going if the caller that started it goes away.
func (r *Recorder) Record(ctx context.Context, e Entry) (Outcome, error) {
	fp := fingerprint.Of(fingerprint.FieldsOf(e.Tx, e.Verdict))
	if err := ctx.Err(); err != nil {
		return Outcome{Fingerprint: fp}, fmt.Errorf("service: record %s: %w", fp.Hex(), err)
	}
	ch := r.sf.DoChan(fp.Hex(), func() (any, error) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		return r.record(wctx, fp, e)
	})
	select {
	case <-ctx.Done():
		return Outcome{Fingerprint: fp}, fmt.Errorf("service: record %s: %w", fp.Hex(), ctx.Err())
	case res := <-ch:
		o, _ := res.Val.(Outcome)
		return o, res.Err
	}
}

func (r *Recorder) record(ctx context.Context, fp hash.Hash32, e Entry) (Outcome, error) {
	if o, ok, err := r.existing(ctx, fp); err != nil || ok {
		return o, err
	}

	h, err := r.submit(ctx, fp, e.Verdict)
	r.m.Submission(string(fault.Classify(err)))
	if h.ID == (common.Hash{}) {
		return Outcome{Fingerprint: fp}, err
	}

	r.tr.Track(h)
	rec := registry.Record{
		Fingerprint:   fp,
		TransactionID: e.Tx.ID,
		Label:         e.Verdict.Label(),
		Reason:        e.Verdict.Reason,
		Handle:        h,
		CreatedAt:     h.SubmittedAt,
	}
	r.save(ctx, rec)
	r.emit(ctx, out.TypeSubmitted, rec)

	if th, ok := r.tr.Handle(h.ID); ok {
		h = th
	}
	return Outcome{Fingerprint: fp, Handle: h}, err
}

// existing returns the live write for fp, if any. A record whose write
// failed on the ledger does not count.
func (r *Recorder) existing(ctx context.Context, fp hash.Hash32) (Outcome, bool, error) {
	rec, ok, err := r.lookup(ctx, fp)
	if err != nil {
		return Outcome{Fingerprint: fp}, false, fmt.Errorf("service: registry: %v: %w", err, fault.ErrTransientUnavailable)
	}
	if !ok {
		return Outcome{}, false, nil
	}
	h, tracked := r.tr.Handle(rec.Handle.ID)
	if !tracked {
		// 重启后恢复跟踪
		h = rec.Handle
		if !h.Status.Terminal() {
			r.tr.Track(h)
		}
	}
	rec.Handle = h
	if !rec.Live() {
		return Outcome{}, false, nil
	}
	r.m.Submission("duplicate")
	return Outcome{Fingerprint: fp, Handle: h, Duplicate: true}, true, nil
}

// submit reserves a nonce, bids and broadcasts until the ledger accepts, the
// policy gives up or the outcome cannot be determined. A non-zero handle is
// returned only for an accepted or possibly accepted write.
func (r *Recorder) submit(ctx context.Context, fp hash.Hash32, v model.Verdict) (model.Handle, error) {
	var h model.Handle
	err := retry.Do(ctx, r.policy, func(ctx context.Context, attempt int) error {
		n, err := r.nonces.Reserve(ctx)
		if err != nil {
			if errors.Is(err, nonce.ErrDrift) {
				return fmt.Errorf("service: %w: %w", err, fault.ErrTransientUnavailable)
			}
			return err
		}
		bid, err := r.fees.Estimate(ctx, attempt)
		if err != nil {
			r.nonces.Abandon(n)
			return err
		}

		sent, err := r.sub.Submit(ctx, fp, v, n, bid)
		lg := r.log.WithFields(logrus.Fields{"fingerprint": fp.Hex(), "nonce": n, "attempt": attempt})
		switch {
		case err == nil:
			r.nonces.Commit(n)
			h = sent
			return nil

		case errors.Is(err, fault.ErrSubmissionRejected):
			r.nonces.Abandon(n)
			if rerr := r.nonces.Resync(ctx); rerr != nil {
				lg.WithError(rerr).Warn("resync after rejection failed")
			}
			return err

		case errors.Is(err, fault.ErrTransientUnavailable) && sent.ID != (common.Hash{}):
			l, lerr := r.ledger.Lookup(ctx, sent.ID)
			switch {
			case lerr != nil:
				// 无法确认，nonce 视为已消耗
				r.nonces.Commit(n)
				h = sent
				lg.WithError(lerr).Warn("broadcast outcome unknown")
				return fmt.Errorf("service: %s: %w: %w", sent.ID.Hex(), ErrOutcomeUnknown, err)
			case l.Known:
				r.nonces.Commit(n)
				h = sent
				lg.Info("ack lost, write accepted")
				return nil
			default:
				r.nonces.Abandon(n)
				return err
			}

		default:
			r.nonces.Abandon(n)
			return err
		}
	})
	return h, err
}

// Escalate rebroadcasts a stuck write at its nonce with the next bid. The
// tracker calls it.
func (r *Recorder) Escalate(ctx context.Context, h model.Handle) (model.Handle, error) {
	bid, err := r.fees.Escalate(h.Bid)
	if err != nil {
		return h, err
	}
	nh, err := r.sub.Replace(ctx, h, bid)
	if err != nil {
		return h, err
	}
	r.update(ctx, nh)
	r.log.WithFields(logrus.Fields{"fingerprint": h.Fingerprint.Hex(), "nonce": h.Nonce, "bid": bid.Dec(), "id": nh.ID.Hex()}).Info("escalated")
	return nh, nil
}

func (r *Recorder) resolved(h model.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rec, ok := r.update(ctx, h); ok {
		r.emit(ctx, out.TypeResolved, rec)
	}
}

// update stores h on the fingerprint's record if the record still describes
// the same write.
func (r *Recorder) update(ctx context.Context, h model.Handle) (registry.Record, bool) {
	rec, ok, err := r.lookup(ctx, h.Fingerprint)
	if err != nil || !ok || rec.Handle.Nonce != h.Nonce {
		if err != nil {
			r.log.WithError(err).Warn("registry get failed")
		}
		return registry.Record{}, false
	}
	rec.Handle = h
	r.save(ctx, rec)
	return rec, true
}

// lookup prefers a record the registry failed to store over the registry's
// own copy.
func (r *Recorder) lookup(ctx context.Context, fp hash.Hash32) (registry.Record, bool, error) {
	r.mu.Lock()
	rec, ok := r.unsaved[fp]
	r.mu.Unlock()
	if ok {
		rec.Handle = rec.Handle.Clone()
		return rec, true, nil
	}
	return r.reg.Get(ctx, fp)
}

// save stores rec. If the registry refuses, rec is kept in memory so the
// fingerprint stays claimed for this process.
func (r *Recorder) save(ctx context.Context, rec registry.Record) {
	err := r.reg.Put(ctx, rec)
	r.mu.Lock()
	if err != nil {
		rec.Handle = rec.Handle.Clone()
		r.unsaved[rec.Fingerprint] = rec
	} else {
		delete(r.unsaved, rec.Fingerprint)
	}
	r.mu.Unlock()
	if err != nil {
		r.log.WithFields(logrus.Fields{"fingerprint": rec.Fingerprint.Hex(), "id": rec.Handle.ID.Hex(), "err": err}).Error("registry put failed, holding record in memory")
	}
}

func (r *Recorder) emit(ctx context.Context, typ string, rec registry.Record) {
	h := rec.Handle
	ev := out.Submission{
		Fingerprint:   rec.Fingerprint.Hex(),
		TransactionID: rec.TransactionID,
		FraudStatus:   rec.Label,
		Reason:        rec.Reason,
		SubmissionID:  h.ID.Hex(),
		Nonce:         h.Nonce,
		Status:        h.Status.String(),
		BlockNumber:   h.Block,
		Attempts:      len(h.Attempts),
	}
	if h.Bid != nil {
		ev.BidWei = h.Bid.Dec()
	}
	// 审计流尽力而为，registry 才是准
	if err := r.sink.Emit(ctx, typ, ev); err != nil {
		r.log.WithFields(logrus.Fields{"type": typ, "fingerprint": ev.Fingerprint, "err": err}).Warn("emit failed")
	}
}

// Tracker exposes the tracker for status queries.
func (r *Recorder) Tracker() *tracker.Tracker { return r.tr }

// Status answers a confirmation query for id. An id the tracker no longer
// holds is looked up in the registry first, so an attempt replaced by a fee
// escalation resolves to the write that took its nonce.
func (r *Recorder) Status(ctx context.Context, id common.Hash) (model.Confirmation, error) {
	if _, tracked := r.tr.Handle(id); !tracked {
		rec, ok, err := r.reg.BySubmission(ctx, id)
		switch {
		case err != nil:
			r.log.WithFields(logrus.Fields{"id": id.Hex(), "err": err}).Debug("registry lookup failed")
		case ok && rec.Handle.ID != id:
			id = rec.Handle.ID
		}
	}
	return r.tr.Query(ctx, id)
}

// Resync clears nonce drift after an operator has dealt with the other
// writer.
func (r *Recorder) Resync(ctx context.Context) (nonce.State, error) {
	if err := r.nonces.Resync(ctx); err != nil {
		return nonce.State{}, err
	}
	return r.nonces.Snapshot(), nil
}
