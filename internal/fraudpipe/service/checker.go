package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fingerprint"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/reason"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/scorer"
	"github.com/chenzhangda16/verdict-ledger/pkg/hash"
	"github.com/chenzhangda16/verdict-ledger/pkg/obs"
)

const StatusSkipped = "Skipped"

// TxSource resolves a transaction id to its record.
type TxSource interface {
	Get(id string) (model.Transaction, error)
}

type CheckerConfig struct {
	ExplorerBase string // e.g. https://sepolia.etherscan.io
	// SubmitLegitimate also writes Legitimate verdicts. Off by default.
	SubmitLegitimate bool
}

// Result is the caller-facing answer for one checked transaction.
type Result struct {
	TransactionID string  `json:"transaction_id"`
	SenderID      string  `json:"sender_id"`
	ReceiverID    string  `json:"receiver_id"`
	Amount        float64 `json:"amount"`
	FraudStatus   string  `json:"fraud_status"`
	Reason        string  `json:"reason"`
	Fingerprint   string  `json:"fingerprint"`
	Fraud         bool    `json:"fraud"`
	Confidence    float64 `json:"confidence"`
	SubmissionID  string  `json:"submission_id,omitempty"`
	LedgerLink    string  `json:"ledger_link,omitempty"`
	Status        string  `json:"status"`
	Duplicate     bool    `json:"duplicate,omitempty"`
}

type Checker struct {
	scorer scorer.TxScorer
	txs    TxSource
	rec    *Recorder
	cfg    CheckerConfig
	log    logrus.FieldLogger
}

func NewChecker(s scorer.TxScorer, txs TxSource, rec *Recorder, cfg CheckerConfig, log logrus.FieldLogger) *Checker {
	cfg.ExplorerBase = strings.TrimRight(cfg.ExplorerBase, "/")
	return &Checker{scorer: s, txs: txs, rec: rec, cfg: cfg, log: obs.Component(log, "checker")}
}

// LedgerLink is the explorer URL for a submission id, or "" without a base.
func LedgerLink(base string, id common.Hash) string {
	if base == "" || id == (common.Hash{}) {
		return ""
	}
	return strings.TrimRight(base, "/") + "/tx/" + id.Hex()
}

// CheckByID looks the id up in the transaction source and checks it.
func (c *Checker) CheckByID(ctx context.Context, id string) (Result, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Result{}, fmt.Errorf("check: transaction id is required: %w", fault.ErrInvalidInput)
	}
	// PaySim 账户：C 开头客户，M 开头商户
	if id[0] != 'C' && id[0] != 'M' {
		return Result{}, fmt.Errorf("check: transaction id %q must start with C or M: %w", id, fault.ErrInvalidInput)
	}
	tx, err := c.txs.Get(id)
	if err != nil {
		return Result{}, err
	}
	return c.Check(ctx, tx)
}

// Check scores tx and records the verdict. On an unknown broadcast outcome
// the result still carries the submission id alongside the error.
func (c *Checker) Check(ctx context.Context, tx model.Transaction) (Result, error) {
	p, err := c.scorer.Score(ctx, tx)
	if err != nil {
		return Result{}, err
	}
	v := model.Verdict{Fraud: p.Label, Confidence: p.Probability, Reason: reason.Confidence(p.Probability)}
	fp := fingerprint.Of(fingerprint.FieldsOf(tx, v))

	res := Result{
		TransactionID: tx.ID,
		SenderID:      tx.SenderID,
		ReceiverID:    tx.ReceiverID,
		Amount:        tx.Amount,
		FraudStatus:   v.Label(),
		Reason:        v.Reason,
		Fingerprint:   fp.Hex(),
		Fraud:         v.Fraud,
		Confidence:    v.Confidence,
		Status:        StatusSkipped,
	}
	if !v.Fraud && !c.cfg.SubmitLegitimate {
		return res, nil
	}

	o, err := c.rec.Record(ctx, Entry{Tx: tx, Verdict: v})
	if o.Submitted() {
		res.SubmissionID = o.Handle.ID.Hex()
		res.LedgerLink = LedgerLink(c.cfg.ExplorerBase, o.Handle.ID)
		res.Status = o.Handle.Status.String()
		res.Duplicate = o.Duplicate
	}
	if err != nil {
		c.log.WithFields(logrus.Fields{"tx": tx.ID, "fingerprint": res.Fingerprint, "err": err}).Warn("record failed")
		return res, err
	}
	return res, nil
}

// Status answers a confirmation query for a submission id.
func (c *Checker) Status(ctx context.Context, raw string) (model.Confirmation, error) {
	h, err := hash.Parse(strings.TrimSpace(raw))
	if err != nil {
		return model.Confirmation{}, fmt.Errorf("status: %v: %w", err, fault.ErrInvalidInput)
	}
	return c.rec.Status(ctx, common.Hash(h))
}
