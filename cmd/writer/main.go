// writer drains the verdict audit topic into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/config"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/writer"
	"github.com/chenzhangda16/verdict-ledger/pkg/obs"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "config file")
		brokers = flag.String("brokers", "", "override KAFKA_BROKERS, comma separated")
		topic   = flag.String("topic", "", "override KAFKA_TOPIC")
		group   = flag.String("group", "", "override KAFKA_GROUP")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *brokers != "" {
		cfg.KafkaBrokers = strings.Split(*brokers, ",")
	}
	if *topic != "" {
		cfg.KafkaTopic = *topic
	}
	if *group != "" {
		cfg.KafkaGroup = *group
	}
	log := obs.Init("writer", cfg.LogLevel, cfg.LogFormat)
	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal("KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := writer.NewPGWriter(ctx, cfg.PGDSN)
	if err != nil {
		log.WithError(err).Fatal("pg init failed")
	}
	defer func() { _ = pg.Close() }()

	if err := pg.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("ensure schema failed")
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest

	cg, err := sarama.NewConsumerGroup(cfg.KafkaBrokers, cfg.KafkaGroup, sc)
	if err != nil {
		log.WithError(err).Fatal("consumer group init failed")
	}
	defer func() { _ = cg.Close() }()

	h := &writer.Handler{Store: pg, Log: log}
	log.WithField("topic", cfg.KafkaTopic).WithField("group", cfg.KafkaGroup).Info("start")

	for ctx.Err() == nil {
		if err := cg.Consume(ctx, []string{cfg.KafkaTopic}, h); err != nil {
			log.WithError(err).Warn("consume")
			time.Sleep(300 * time.Millisecond)
		}
	}
	log.WithError(ctx.Err()).Info("exit")
}
