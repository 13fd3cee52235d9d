package out

import (
	"encoding/json"
)

const (
	TypeSubmitted = "verdict_submitted"
	TypeResolved  = "verdict_resolved"
	TypeBatch     = "batch_done"
)

type Envelope struct {
	Type string          `json:"type"` // e.g. "verdict_submitted"
	TS   int64           `json:"ts"`   // unix milli
	Data json.RawMessage `json:"data"`
}

// Submission describes one ledger write at a point in its life.
type Submission struct {
	Fingerprint   string `json:"fingerprint"`
	TransactionID string `json:"transaction_id"`
	FraudStatus   string `json:"fraud_status"`
	Reason        string `json:"reason"`
	SubmissionID  string `json:"submission_id"`
	Nonce         uint64 `json:"nonce"`
	BidWei        string `json:"bid_wei"`
	Status        string `json:"status"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
	Attempts      int    `json:"attempts"`
}

type Batch struct {
	BatchID   string `json:"batch_id"`
	Processed int    `json:"processed"`
	Submitted int    `json:"submitted"`
	Skipped   int    `json:"skipped"`
	Errors    int    `json:"errors"`
}
