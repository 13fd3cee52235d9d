package features

import (
	"fmt"
	"math"
	"strings"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
)

// Size is the length of the scorer's input vector.
const Size = 9

// Columns names the vector slots in order, for scorers that take named features.
var Columns = [Size]string{
	"amount",
	"oldbalanceOrg",
	"newbalanceOrig",
	"oldbalanceDest",
	"newbalanceDest",
	"type_TRANSFER",
	"type_CASH_OUT",
	"type_DEBIT",
	"type_PAYMENT",
}

type Vector [Size]float64

// Of maps a transaction onto the scorer's feature contract. An unknown type
// leaves all four indicators at zero.
func Of(tx model.Transaction) (Vector, error) {
	var v Vector
	if strings.TrimSpace(tx.ID) == "" {
		return v, fmt.Errorf("features: missing transaction id: %w", fault.ErrInvalidInput)
	}
	if strings.TrimSpace(string(tx.Type)) == "" {
		return v, fmt.Errorf("features: txn %s missing type: %w", tx.ID, fault.ErrInvalidInput)
	}

	nums := [5]float64{tx.Amount, tx.OldBalanceOrig, tx.NewBalanceOrig, tx.OldBalanceDest, tx.NewBalanceDest}
	for i, x := range nums {
		if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 {
			return v, fmt.Errorf("features: txn %s bad %s=%v: %w", tx.ID, Columns[i], x, fault.ErrInvalidInput)
		}
		v[i] = x
	}

	switch model.NormalizeType(string(tx.Type)) {
	case model.TypeTransfer:
		v[5] = 1
	case model.TypeCashOut:
		v[6] = 1
	case model.TypeDebit:
		v[7] = 1
	case model.TypePayment:
		v[8] = 1
	}
	return v, nil
}
