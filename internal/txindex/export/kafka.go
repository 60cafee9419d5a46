package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/model"
)

// NewConfig is a producer config tuned for at-least-once delivery with
// broker-side dedup.
func NewConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 10
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	// SyncProducer 必须打开 Return.Successes
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// KafkaPublisher sends each flushed page as one SendMessages call. Records
// are keyed by their (address, token) pair so one pair stays on one
// partition, in order.
type KafkaPublisher struct {
	topic string
	p     sarama.SyncProducer
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewKafkaPublisher(brokers []string, topic string, cfg *sarama.Config, log *zap.SugaredLogger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("export: no brokers")
	}
	if cfg == nil {
		cfg = NewConfig()
	}
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("export: new producer: %w", err)
	}
	return NewKafkaPublisherWith(p, topic, log)
}

// NewKafkaPublisherWith wraps an existing producer.
func NewKafkaPublisherWith(p sarama.SyncProducer, topic string, log *zap.SugaredLogger) (*KafkaPublisher, error) {
	if topic == "" {
		return nil, errors.New("export: topic empty")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &KafkaPublisher{topic: topic, p: p, log: log.Named("export"), now: time.Now}, nil
}

func (k *KafkaPublisher) Close() error {
	if k.p != nil {
		return k.p.Close()
	}
	return nil
}

// Publish returns once the broker acked every record.
func (k *KafkaPublisher) Publish(ctx context.Context, recs []model.TransferRecord) error {
	if len(recs) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(recs))
	ts := k.now().UnixMilli()
	for _, rec := range recs {
		msg, err := k.message(rec, ts)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	// SyncProducer 不接收 ctx，只能在发送前检查
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := k.p.SendMessages(msgs); err != nil {
		return fmt.Errorf("export: send %d transfers: %w", len(msgs), err)
	}
	k.log.Debugw("published", "topic", k.topic, "count", len(msgs))
	return nil
}

func (k *KafkaPublisher) message(rec model.TransferRecord, ts int64) (*sarama.ProducerMessage, error) {
	id, err := EventID(rec)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(Transfer{ID: id, TransferRecord: rec})
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(Envelope{Type: TypeTransfer, TS: ts, Data: data})
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(rec.StreamKey()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-id"), Value: []byte(id)},
		},
	}, nil
}
