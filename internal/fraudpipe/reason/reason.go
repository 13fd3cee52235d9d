// Package reason picks the human-readable reason recorded with a verdict.
// Rules are evaluated in order; the first match wins.
package reason

import (
	"fmt"
	"math"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
)

const (
	HighAmount       = "High transaction amount"
	SenderZero       = "Sender flagged due to zero balance"
	ReceiverZero     = "Receiver flagged due to zero balance"
	Suspicious       = "Suspicious activity detected"
	Genuine          = "Genuine Account/Wallet"
	HighAmountCutoff = 50000
)

type Rule struct {
	Name  string
	Match func(model.Transaction) bool
	Text  string
}

// FraudRules is the priority list used for fraudulent batch verdicts.
var FraudRules = []Rule{
	{Name: "high_amount", Match: func(tx model.Transaction) bool { return tx.Amount > HighAmountCutoff }, Text: HighAmount},
	{Name: "sender_zero", Match: func(tx model.Transaction) bool { return tx.OldBalanceOrig == 0 }, Text: SenderZero},
	{Name: "receiver_zero", Match: func(tx model.Transaction) bool { return tx.OldBalanceDest == 0 }, Text: ReceiverZero},
}

// ForBatch returns the reason for a batch verdict.
func ForBatch(tx model.Transaction, fraud bool) string {
	if !fraud {
		return Genuine
	}
	for _, r := range FraudRules {
		if r.Match(tx) {
			return r.Text
		}
	}
	return Suspicious
}

// Confidence renders the single-check reason, e.g. "Confidence: 87%".
// The percentage is truncated, not rounded.
func Confidence(p float64) string {
	if math.IsNaN(p) || p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return fmt.Sprintf("Confidence: %d%%", int(math.Floor(p*100+1e-9)))
}
