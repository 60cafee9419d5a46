package archive

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/export"
)

func NewConsumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	return cfg
}

// Handler is the consumer group handler. A message is marked only after
// its transfer is stored; a failed write ends the claim so the message is
// delivered again after the rebalance.
type Handler struct {
	w   Writer
	log *zap.SugaredLogger
}

var _ sarama.ConsumerGroupHandler = (*Handler)(nil)

func NewHandler(w Writer, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{w: w, log: log}
}

func (h *Handler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *Handler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *Handler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handle(ctx, msg); err != nil {
				h.log.Warnw("insert failed", "partition", msg.Partition, "offset", msg.Offset, "err", err)
				return err
			}
			sess.MarkMessage(msg, "")
		}
	}
}

// handle returns an error only for failed writes. Undecodable messages and
// unknown types are skipped: retrying them cannot help.
func (h *Handler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var env export.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		h.log.Warnw("bad envelope", "offset", msg.Offset, "err", err)
		return nil
	}
	if env.Type != export.TypeTransfer {
		return nil
	}
	var t export.Transfer
	if err := json.Unmarshal(env.Data, &t); err != nil {
		h.log.Warnw("bad transfer", "offset", msg.Offset, "err", err)
		return nil
	}
	if t.ID == "" {
		id, err := export.EventID(t.TransferRecord)
		if err != nil {
			h.log.Warnw("transfer without key", "offset", msg.Offset, "err", err)
			return nil
		}
		t.ID = id
	}
	return h.w.InsertTransfer(ctx, t)
}

// Run consumes topic until ctx is done, rejoining the group after every
// rebalance or transient error.
func Run(ctx context.Context, group sarama.ConsumerGroup, topic string, h *Handler, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	go func() {
		for err := range group.Errors() {
			log.Warnw("consumer group error", "err", err)
		}
	}()

	log.Infow("archive consumer start", "topic", topic)
	for ctx.Err() == nil {
		if err := group.Consume(ctx, []string{topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.Warnw("consume failed", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(300 * time.Millisecond):
			}
		}
	}
	log.Infow("archive consumer exit", "err", ctx.Err())
	return nil
}
