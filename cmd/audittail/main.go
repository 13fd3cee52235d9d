// audittail prints the verdict audit topic, one envelope per line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/config"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/out"
	"github.com/chenzhangda16/verdict-ledger/pkg/obs"
)

type printer struct {
	only string
	log  logrus.FieldLogger
}

func (printer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (printer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (p printer) ConsumeClaim(s sarama.ConsumerGroupSession, c sarama.ConsumerGroupClaim) error {
	for msg := range c.Messages() {
		var env out.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			p.log.WithFields(logrus.Fields{"partition": msg.Partition, "offset": msg.Offset, "err": err}).Warn("bad envelope")
		} else if p.only == "" || env.Type == p.only {
			fmt.Printf("%d/%d key=%s type=%s data=%s\n", msg.Partition, msg.Offset, msg.Key, env.Type, env.Data)
		}
		s.MarkMessage(msg, "")
	}
	return nil
}

func main() {
	var (
		cfgPath = flag.String("config", "", "config file")
		brokers = flag.String("brokers", "", "override KAFKA_BROKERS, comma separated")
		group   = flag.String("group", "fraudpipe.audittail", "consumer group")
		only    = flag.String("type", "", "only print this envelope type, e.g. "+out.TypeResolved)
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
	log := obs.Init("audittail", cfg.LogLevel, cfg.LogFormat)
	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal("KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest

	cg, err := sarama.NewConsumerGroup(cfg.KafkaBrokers, *group, sc)
	if err != nil {
		log.WithError(err).Fatal("consumer group init failed")
	}
	defer cg.Close()

	for ctx.Err() == nil {
		if err := cg.Consume(ctx, []string{cfg.KafkaTopic}, printer{only: *only, log: log}); err != nil {
			log.WithError(err).Error("consume")
			return
		}
	}
}
