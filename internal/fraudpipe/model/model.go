package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/chenzhangda16/verdict-ledger/pkg/hash"
)

type TxType string

const (
	TypeTransfer TxType = "TRANSFER"
	TypeCashOut  TxType = "CASH_OUT"
	TypeDebit    TxType = "DEBIT"
	TypePayment  TxType = "PAYMENT"
)

// Transaction is one input record. Field names follow the PaySim columns the
// scorer was trained on. Any type string outside the four known ones is kept
// as an implicit "other" category.
type Transaction struct {
	ID             string  `json:"transaction_id"`
	SenderID       string  `json:"sender_id"`
	ReceiverID     string  `json:"receiver_id"`
	Type           TxType  `json:"type"`
	Amount         float64 `json:"amount"`
	OldBalanceOrig float64 `json:"oldbalanceOrg"`
	NewBalanceOrig float64 `json:"newbalanceOrig"`
	OldBalanceDest float64 `json:"oldbalanceDest"`
	NewBalanceDest float64 `json:"newbalanceDest"`

	// Labeled is set when the source carried an isFraud column.
	Labeled bool `json:"-"`
	IsFraud bool `json:"-"`
}

// NormalizeType upper-cases and trims a raw type cell.
func NormalizeType(s string) TxType {
	return TxType(strings.ToUpper(strings.TrimSpace(s)))
}

const (
	LabelFraudulent = "Fraudulent"
	LabelLegitimate = "Legitimate"
)

type Verdict struct {
	Fraud      bool    `json:"fraud"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Label is the fraud status string written to the ledger.
func (v Verdict) Label() string {
	if v.Fraud {
		return LabelFraudulent
	}
	return LabelLegitimate
}

type Status int

const (
	StatusPending Status = iota
	StatusMined
	StatusUnconfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusMined:
		return "Mined"
	case StatusUnconfirmed:
		return "Unconfirmed"
	case StatusFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether the ledger has given a final answer.
func (s Status) Terminal() bool { return s == StatusMined || s == StatusFailed }

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Pending":
		*s = StatusPending
	case "Mined":
		*s = StatusMined
	case "Unconfirmed":
		*s = StatusUnconfirmed
	case "Failed":
		*s = StatusFailed
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

// Handle describes one ledger write. Every attempt shares the nonce; a fee
// replacement appends its hash to Attempts and moves ID to it.
type Handle struct {
	ID          common.Hash   `json:"submission_id"`
	Attempts    []common.Hash `json:"attempts"`
	Fingerprint hash.Hash32   `json:"fingerprint"`
	Nonce       uint64        `json:"nonce"`
	Bid         *uint256.Int  `json:"bid_wei"`
	Status      Status        `json:"status"`
	Block       uint64        `json:"block_number,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	Escalations int           `json:"escalations"`

	// Payload is the signed call data, kept so a fee replacement can re-sign
	// the same content.
	Payload []byte `json:"-"`
}

// Clone returns a copy that shares no mutable state with h.
func (h Handle) Clone() Handle {
	c := h
	c.Attempts = append([]common.Hash(nil), h.Attempts...)
	c.Payload = append([]byte(nil), h.Payload...)
	if h.Bid != nil {
		c.Bid = new(uint256.Int).Set(h.Bid)
	}
	return c
}

// Confirmation is the answer to a status query for a submission id.
type Confirmation struct {
	Mined       bool   `json:"mined"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}
