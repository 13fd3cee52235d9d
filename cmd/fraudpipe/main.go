package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/api"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/batch"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/config"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fee"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/ledger"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/metrics"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/nonce"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/out"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/registry"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/registry/rocks"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/retry"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/scorer"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/service"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/source"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/submit"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/tracker"
	"github.com/chenzhangda16/verdict-ledger/internal/mockledger"
	"github.com/chenzhangda16/verdict-ledger/pkg/obs"
)

func main() {
	var (
		cfgPath    = flag.String("config", "", "config file (default: ./config/fraudpipe.yaml or ./fraudpipe.yaml if present)")
		ledgerMode = flag.String("ledger", "", "override LEDGER_MODE: eth | mock")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *ledgerMode != "" {
		cfg.LedgerMode = *ledgerMode
	}
	log := obs.Init("fraudpipe", cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("bad config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("exit")
	}
	log.Info("bye")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	m := metrics.New()
	g, ctx := errgroup.WithContext(ctx)

	client, chainID, key, err := openLedger(ctx, cfg, g, log)
	if err != nil {
		return err
	}

	contract := common.HexToAddress(cfg.ContractAddress)
	if cfg.LedgerMode == "mock" && contract == (common.Address{}) {
		// the in-process ledger runs no code; any stable address will do
		contract = crypto.CreateAddress(crypto.PubkeyToAddress(key.PublicKey), 0)
	}
	sub, err := submit.New(client, submit.Config{
		ChainID:  chainID,
		Contract: contract,
		Key:      key,
		GasLimit: cfg.GasLimit,
	}, log)
	if err != nil {
		return err
	}
	maxBid, err := cfg.MaxBid()
	if err != nil {
		return err
	}
	fees, err := fee.New(client, fee.Config{
		PremiumPermille: cfg.FeePremiumPermille,
		FactorPermille:  cfg.FeeFactorPermille,
		MaxBid:          maxBid,
	})
	if err != nil {
		return err
	}
	seq := nonce.New(client, sub.From(), log, m)
	tr := tracker.New(client, sub.From(), tracker.Config{
		Timeout:        cfg.ConfirmTimeout,
		Interval:       cfg.PollInterval,
		StuckAfter:     cfg.StuckAfter,
		MaxEscalations: cfg.MaxEscalations,
	}, log, m)

	reg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	sink, err := openSink(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	rec, err := service.NewRecorder(service.Deps{
		Nonces:    seq,
		Fees:      fees,
		Submitter: sub,
		Ledger:    client,
		Tracker:   tr,
		Registry:  reg,
		Sink:      sink,
		Retry:     retry.Policy{MaxAttempts: cfg.SubmitAttempts, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 100 * time.Millisecond},
		Log:       log,
		Metrics:   m,
	})
	if err != nil {
		return err
	}

	checkScorer, batchScorer, modelReady, err := openScorer(ctx, cfg)
	if err != nil {
		return err
	}
	store, bad, err := source.LoadFile(cfg.DataCSV)
	if err != nil {
		log.WithError(err).Warn("transaction data not loaded; /check_txn will find nothing")
		store = source.NewStore(nil)
	} else {
		log.WithFields(logrus.Fields{"path": cfg.DataCSV, "rows": store.Len(), "bad": bad}).Info("transactions loaded")
	}

	checker := service.NewChecker(checkScorer, store, rec, service.CheckerConfig{
		ExplorerBase:     cfg.ExplorerBase,
		SubmitLegitimate: cfg.SubmitLegitimate,
	}, log)
	runner := batch.New(batchScorer, rec, sink, batch.Config{Concurrency: cfg.BatchConcurrency, ExplorerBase: cfg.ExplorerBase}, log, m)
	srv := api.New(checker, runner, rec, store.Len, api.Config{
		CORSOrigins:    cfg.CORSOrigins,
		UploadMaxBytes: cfg.UploadMaxBytes,
		ModelReady:     modelReady,
	}, log, m)

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error { return tr.Run(ctx) })
	g.Go(func() error { return seq.Watch(ctx, 10*cfg.PollInterval) })
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "account": sub.From().Hex(), "ledger": cfg.LedgerMode}).Info("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})
	return g.Wait()
}

// openLedger dials the node, or starts an in-process ledger with a throwaway
// key when LEDGER_MODE=mock.
func openLedger(ctx context.Context, cfg *config.Config, g *errgroup.Group, log logrus.FieldLogger) (ledger.Client, *big.Int, *ecdsa.PrivateKey, error) {
	if cfg.LedgerMode == "mock" {
		chain := mockledger.New(cfg.MockChainID, cfg.MockGasPrice)
		g.Go(func() error { return chain.Run(ctx, cfg.MockTick) })

		key, err := mockKey(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		log.WithFields(logrus.Fields{"chain_id": cfg.MockChainID, "tick": cfg.MockTick}).Warn("using in-process ledger")
		return chain, big.NewInt(cfg.MockChainID), key, nil
	}

	eth, err := ledger.DialEth(ctx, cfg.Web3Provider, cfg.CallTimeout)
	if err != nil {
		return nil, nil, nil, err
	}
	key, err := submit.ParseKey(cfg.PrivateKey, cfg.WalletAddress)
	if err != nil {
		return nil, nil, nil, err
	}
	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = eth.ChainID(ctx); err != nil {
			return nil, nil, nil, err
		}
	}
	return eth, chainID, key, nil
}

func mockKey(cfg *config.Config) (*ecdsa.PrivateKey, error) {
	if cfg.PrivateKey != "" {
		return submit.ParseKey(cfg.PrivateKey, cfg.WalletAddress)
	}
	return crypto.GenerateKey()
}

func openRegistry(cfg *config.Config) (registry.Registry, error) {
	if cfg.Registry == "rocks" {
		if err := os.MkdirAll(cfg.RegistryDir, 0o755); err != nil {
			return nil, fmt.Errorf("registry dir: %w", err)
		}
		return rocks.Open(rocks.DefaultPath(cfg.RegistryDir))
	}
	return registry.NewMemory(1024), nil
}

func openSink(cfg *config.Config) (out.Sink, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return out.Nop{}, nil
	}
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	sc.ClientID = "fraudpipe"
	return out.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, sc)
}

// openScorer returns the single-check scorer, the batch scorer (labels
// first) and whether a model answered the startup probe.
func openScorer(ctx context.Context, cfg *config.Config) (scorer.TxScorer, scorer.TxScorer, bool, error) {
	if cfg.ScorerMode == "label" {
		s := scorer.LabelScorer{}
		return s, s, false, nil
	}
	hs, err := scorer.NewHTTPScorer(ctx, cfg.ScorerURL, cfg.ScorerTimeout)
	if err != nil {
		return nil, nil, false, err
	}
	model := scorer.Adapt(hs)
	return model, scorer.LabelScorer{Fallback: model}, true, nil
}
