// Package batch scores and records every row of an uploaded file. Rows run
// concurrently up to a limit, one row's failure never touches another and
// results come back in input order.
package batch

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/metrics"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/out"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/reason"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/scorer"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/service"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/source"
	"github.com/chenzhangda16/verdict-ledger/pkg/obs"
)

type Kind string

const (
	KindSuccess Kind = "success"
	KindSkipped Kind = "skipped"
	KindError   Kind = "error"

	labelError = "Error"
)

// Item is the outcome of one row.
type Item struct {
	Row           int     `json:"row"`
	Kind          Kind    `json:"kind"`
	TransactionID string  `json:"transaction_id"`
	SenderID      string  `json:"sender_id"`
	ReceiverID    string  `json:"receiver_id"`
	Amount        float64 `json:"amount"`
	FraudStatus   string  `json:"fraud_status"`
	Reason        string  `json:"reason"`
	Fingerprint   string  `json:"fingerprint,omitempty"`
	SubmissionID  string  `json:"submission_id,omitempty"`
	LedgerLink    string  `json:"ledger_link,omitempty"`
	Status        string  `json:"status,omitempty"`
	Duplicate     bool    `json:"duplicate,omitempty"`
	Error         string  `json:"error,omitempty"`
	Code          string  `json:"code,omitempty"`
}

type Result struct {
	BatchID   string `json:"batch_id"`
	Processed int    `json:"processed"`
	Submitted int    `json:"submitted"`
	Skipped   int    `json:"skipped"`
	Errors    int    `json:"errors"`
	Items     []Item `json:"results"`
}

type Config struct {
	Concurrency  int // default 8
	ExplorerBase string
}

type Runner struct {
	scorer scorer.TxScorer
	rec    *service.Recorder
	sink   out.Sink
	cfg    Config
	log    logrus.FieldLogger
	m      *metrics.Metrics
}

func New(s scorer.TxScorer, rec *service.Recorder, sink out.Sink, cfg Config, log logrus.FieldLogger, m *metrics.Metrics) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if sink == nil {
		sink = out.Nop{}
	}
	return &Runner{scorer: s, rec: rec, sink: sink, cfg: cfg, log: obs.Component(log, "batch"), m: m}
}

// Run processes recs. Only Legitimate rows are skipped; only Fraudulent rows
// are written. The returned error is ctx's, after every row has an item.
func (r *Runner) Run(ctx context.Context, recs []source.Record) (Result, error) {
	res := Result{BatchID: uuid.NewString(), Processed: len(recs), Items: make([]Item, len(recs))}
	lg := r.log.WithField("batch", res.BatchID)

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, rec := range recs {
		g.Go(func() error {
			res.Items[i] = r.process(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	for _, it := range res.Items {
		switch it.Kind {
		case KindSuccess:
			res.Submitted++
		case KindSkipped:
			res.Skipped++
		case KindError:
			res.Errors++
		}
		r.m.BatchItem(string(it.Kind))
	}

	ev := out.Batch{BatchID: res.BatchID, Processed: res.Processed, Submitted: res.Submitted, Skipped: res.Skipped, Errors: res.Errors}
	if err := r.sink.Emit(ctx, out.TypeBatch, ev); err != nil {
		lg.WithError(err).Warn("emit failed")
	}
	lg.WithFields(logrus.Fields{"processed": res.Processed, "submitted": res.Submitted, "skipped": res.Skipped, "errors": res.Errors}).Info("batch done")
	return res, ctx.Err()
}

func (r *Runner) process(ctx context.Context, rec source.Record) Item {
	it := Item{Row: rec.Row}
	if rec.Err != nil {
		return fail(it, rec.Err)
	}
	tx := rec.Tx
	it.TransactionID = tx.ID
	it.SenderID = tx.SenderID
	it.ReceiverID = tx.ReceiverID
	it.Amount = tx.Amount
	if err := ctx.Err(); err != nil {
		return fail(it, err)
	}

	p, err := r.scorer.Score(ctx, tx)
	if err != nil {
		return fail(it, err)
	}
	it.Reason = reason.ForBatch(tx, p.Label)
	if !p.Label {
		it.Kind = KindSkipped
		it.FraudStatus = model.LabelLegitimate
		it.Status = service.StatusSkipped
		return it
	}
	it.FraudStatus = model.LabelFraudulent

	o, err := r.rec.Record(ctx, service.Entry{
		Tx:      tx,
		Verdict: model.Verdict{Fraud: true, Confidence: p.Probability, Reason: it.Reason},
	})
	if !o.Fingerprint.IsZero() {
		it.Fingerprint = o.Fingerprint.Hex()
	}
	if o.Submitted() {
		it.SubmissionID = o.Handle.ID.Hex()
		it.LedgerLink = service.LedgerLink(r.cfg.ExplorerBase, o.Handle.ID)
		it.Status = o.Handle.Status.String()
		it.Duplicate = o.Duplicate
	}
	if err != nil {
		fs := it.FraudStatus
		it = fail(it, err)
		it.FraudStatus = fs
		return it
	}
	it.Kind = KindSuccess
	return it
}

func fail(it Item, err error) Item {
	it.Kind = KindError
	it.FraudStatus = labelError
	it.Error = err.Error()
	it.Code = string(fault.Classify(err))
	return it
}
