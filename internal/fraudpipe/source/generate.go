package source

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
	"github.com/chenzhangda16/verdict-ledger/pkg/rng"
)

// GenConfig shapes a synthetic PaySim-like data set.
type GenConfig struct {
	Rows      int     // e.g. 5000
	Customers int     // e.g. 500
	Merchants int     // e.g. 50
	FraudRate float64 // share of rows that belong to a fraud pair, e.g. 0.02
}

func (c GenConfig) withDefaults() GenConfig {
	if c.Rows <= 0 {
		c.Rows = 5000
	}
	if c.Customers < 3 {
		c.Customers = 500
	}
	if c.Merchants <= 0 {
		c.Merchants = 50
	}
	if c.FraudRate < 0 || c.FraudRate > 1 {
		c.FraudRate = 0.02
	}
	return c
}

// Generate produces labeled transactions. Fraud follows the PaySim pattern:
// a TRANSFER that empties the victim into a mule account, then a CASH_OUT of
// the same amount from the mule. Everything else is ordinary traffic.
func Generate(f *rng.Factory, cfg GenConfig) []model.Transaction {
	cfg = cfg.withDefaults()
	pick := f.R("pattern")
	acct := f.R("accounts")
	amt := f.R("amounts")

	customer := func() string { return "C" + strconv.Itoa(100000+acct.IntN(cfg.Customers)) }
	merchant := func() string { return "M" + strconv.Itoa(100000+acct.IntN(cfg.Merchants)) }
	cents := func(lo, hi float64) float64 {
		v := lo + amt.Float64()*(hi-lo)
		return float64(int64(v*100)) / 100
	}

	out := make([]model.Transaction, 0, cfg.Rows)
	for len(out) < cfg.Rows {
		if cfg.Rows-len(out) >= 2 && pick.Float64() < cfg.FraudRate/2 {
			out = append(out, fraudPair(customer, cents)...)
			continue
		}
		out = append(out, ordinary(pick.IntN(4), customer, merchant, cents))
	}
	return out
}

func ordinary(kind int, customer, merchant func() string, cents func(lo, hi float64) float64) model.Transaction {
	from := customer()
	old := cents(0, 200000)
	tx := model.Transaction{ID: from, SenderID: from, OldBalanceOrig: old, Labeled: true}
	switch kind {
	case 0:
		tx.Type = model.TypePayment
		tx.ReceiverID = merchant()
		tx.Amount = cents(1, 5000)
	case 1:
		tx.Type = model.TypeDebit
		tx.ReceiverID = customer()
		tx.Amount = cents(1, 2000)
	case 2:
		tx.Type = model.TypeCashOut
		tx.ReceiverID = customer()
		tx.Amount = cents(10, 40000)
	default:
		tx.Type = model.TypeTransfer
		tx.ReceiverID = customer()
		tx.Amount = cents(10, 60000)
	}
	if tx.Amount > old {
		tx.Amount = old
	}
	tx.NewBalanceOrig = old - tx.Amount
	if tx.Type != model.TypePayment {
		tx.OldBalanceDest = cents(0, 100000)
		tx.NewBalanceDest = tx.OldBalanceDest + tx.Amount
	}
	return tx
}

func fraudPair(customer func() string, cents func(lo, hi float64) float64) []model.Transaction {
	victim, mule, sink := customer(), customer(), customer()
	for mule == victim {
		mule = customer()
	}
	a := cents(10000, 250000)
	return []model.Transaction{
		{
			ID: victim, SenderID: victim, ReceiverID: mule, Type: model.TypeTransfer,
			Amount: a, OldBalanceOrig: a, NewBalanceOrig: 0,
			Labeled: true, IsFraud: true,
		},
		{
			ID: mule, SenderID: mule, ReceiverID: sink, Type: model.TypeCashOut,
			Amount: a, OldBalanceOrig: a, NewBalanceOrig: 0, OldBalanceDest: 0, NewBalanceDest: a,
			Labeled: true, IsFraud: true,
		},
	}
}

var genHeader = []string{"type", "amount", "nameOrig", "oldbalanceOrg", "newbalanceOrig", "nameDest", "oldbalanceDest", "newbalanceDest", "isFraud"}

// WriteCSV writes txs in the layout ReadCSV expects, with an isFraud column.
func WriteCSV(w io.Writer, txs []model.Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(genHeader); err != nil {
		return err
	}
	num := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	for _, tx := range txs {
		flag := "0"
		if tx.IsFraud {
			flag = "1"
		}
		row := []string{
			string(tx.Type), num(tx.Amount), tx.SenderID, num(tx.OldBalanceOrig), num(tx.NewBalanceOrig),
			tx.ReceiverID, num(tx.OldBalanceDest), num(tx.NewBalanceDest), flag,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("source: write: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
