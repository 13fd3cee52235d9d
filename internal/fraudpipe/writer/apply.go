package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/out"
	"github.com/chenzhangda16/verdict-ledger/pkg/obs"
)

// Store is where audit events end up.
type Store interface {
	UpsertSubmission(ctx context.Context, s out.Submission) error
	InsertBatch(ctx context.Context, b out.Batch) error
}

// ErrPoison marks a message that can never be applied. It is acknowledged
// and skipped.
var ErrPoison = errors.New("writer: undecodable message")

// Apply decodes one envelope and writes it. Unknown types are ignored.
func Apply(ctx context.Context, st Store, raw []byte) error {
	var env out.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: envelope: %v", ErrPoison, err)
	}
	switch env.Type {
	case out.TypeSubmitted, out.TypeResolved:
		var s out.Submission
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPoison, env.Type, err)
		}
		if len(s.Fingerprint) != 64 {
			return fmt.Errorf("%w: fingerprint %q", ErrPoison, s.Fingerprint)
		}
		return st.UpsertSubmission(ctx, s)
	case out.TypeBatch:
		var b out.Batch
		if err := json.Unmarshal(env.Data, &b); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPoison, env.Type, err)
		}
		return st.InsertBatch(ctx, b)
	default:
		return nil
	}
}

// Handler is a sarama consumer group handler feeding a Store.
type Handler struct {
	Store Store
	Log   logrus.FieldLogger
}

func (h *Handler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *Handler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *Handler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	log := obs.Component(h.Log, "writer")
	ctx := sess.Context()
	for msg := range claim.Messages() {
		err := Apply(ctx, h.Store, msg.Value)
		switch {
		case err == nil:
			sess.MarkMessage(msg, "")
		case errors.Is(err, ErrPoison):
			log.WithFields(logrus.Fields{"partition": msg.Partition, "offset": msg.Offset, "err": err}).Warn("skip message")
			sess.MarkMessage(msg, "")
		default:
			// 不 mark，重平衡后重投（至少一次）
			log.WithFields(logrus.Fields{"partition": msg.Partition, "offset": msg.Offset, "err": err}).Error("apply failed")
			return err
		}
	}
	return nil
}
