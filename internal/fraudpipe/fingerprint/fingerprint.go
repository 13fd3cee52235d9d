package fingerprint

import (
	"github.com/shopspring/decimal"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
	"github.com/chenzhangda16/verdict-ledger/pkg/hash"
)

// Fields is the verdict content that identifies one ledger entry.
type Fields struct {
	TransactionID string
	SenderID      string
	ReceiverID    string
	Amount        decimal.Decimal
	Status        string
	Reason        string
}

// FieldsOf collects the fingerprint inputs from a transaction and its verdict.
func FieldsOf(tx model.Transaction, v model.Verdict) Fields {
	return Fields{
		TransactionID: tx.ID,
		SenderID:      tx.SenderID,
		ReceiverID:    tx.ReceiverID,
		Amount:        decimal.NewFromFloat(tx.Amount),
		Status:        v.Label(),
		Reason:        v.Reason,
	}
}

// Of derives the fingerprint. Amounts are written in their shortest decimal
// form so 95000, 95000.0 and 95000.00 agree.
func Of(f Fields) hash.Hash32 {
	return hash.NewBuilder().
		PutString("verdict/v1").
		PutStrings(f.TransactionID, f.SenderID, f.ReceiverID).
		PutString(f.Amount.String()).
		PutStrings(f.Status, f.Reason).
		Sum32()
}

// Parse reads a fingerprint rendered by Hash32.Hex, with or without 0x.
func Parse(s string) (hash.Hash32, error) { return hash.Parse(s) }
