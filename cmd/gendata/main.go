// gendata writes a synthetic labeled transaction file for DATA_CSV and
// upload testing.
package main

import (
	"bufio"
	"flag"
	"os"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/source"
	"github.com/chenzhangda16/verdict-ledger/pkg/obs"
	"github.com/chenzhangda16/verdict-ledger/pkg/rng"
)

func main() {
	var (
		outPath   = flag.String("out", "data/transactions.csv", "output file, - for stdout")
		rows      = flag.Int("rows", 5000, "rows to write")
		customers = flag.Int("customers", 500, "distinct customer accounts")
		merchants = flag.Int("merchants", 50, "distinct merchant accounts")
		fraudRate = flag.Float64("fraud", 0.02, "share of rows in fraud pairs")
		seed      = flag.Uint64("seed", 1, "seed; 0 = time based")
	)
	flag.Parse()
	log := obs.Init("gendata", "info", "text")

	mode := rng.Deterministic
	if *seed == 0 {
		mode = rng.Real
	}
	f := rng.New(mode, *seed)
	txs := source.Generate(f, source.GenConfig{Rows: *rows, Customers: *customers, Merchants: *merchants, FraudRate: *fraudRate})

	w := os.Stdout
	if *outPath != "-" {
		file, err := os.Create(*outPath)
		if err != nil {
			log.WithError(err).Fatal("create")
		}
		defer file.Close()
		w = file
	}
	bw := bufio.NewWriter(w)
	if err := source.WriteCSV(bw, txs); err != nil {
		log.WithError(err).Fatal("write")
	}
	if err := bw.Flush(); err != nil {
		log.WithError(err).Fatal("flush")
	}

	fraud := 0
	for _, tx := range txs {
		if tx.IsFraud {
			fraud++
		}
	}
	log.WithField("rows", len(txs)).WithField("fraud", fraud).WithField("seed", f.Seed()).WithField("out", *outPath).Info("done")
}
