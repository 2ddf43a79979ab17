package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/marko911/racefeed/internal/platform/kafka"
	pnats "github.com/marko911/racefeed/internal/platform/nats"
	"github.com/marko911/racefeed/pkg/race"
)

// JetStreamPublisher is the part of jetstream.JetStream the NATS sink uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSSink publishes each result on races.results.<race_id>.
type NATSSink struct {
	js     JetStreamPublisher
	client *pnats.Client
}

func NewNATSSink(js JetStreamPublisher) *NATSSink {
	return &NATSSink{js: js}
}

// DialNATS connects, ensures the RACE_RESULTS stream and returns a sink that
// owns the connection.
func DialNATS(ctx context.Context, cfg pnats.Config, logger *slog.Logger) (*NATSSink, error) {
	client, err := pnats.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if _, err := pnats.EnsureStream(ctx, client.JetStream(), cfg.RaceResultsStream()); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ensure nats stream: %w", err)
	}

	return &NATSSink{js: client.JetStream(), client: client}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(ctx context.Context, results []race.Result) error {
	for i := range results {
		payload, err := json.Marshal(results[i])
		if err != nil {
			return fmt.Errorf("marshal race %d: %w", results[i].RaceID, err)
		}
		id := results[i].RaceID
		if _, err := s.js.Publish(ctx, pnats.SubjectForRace(id), payload, jetstream.WithMsgID(pnats.MsgIDForRace(id))); err != nil {
			return fmt.Errorf("jetstream publish race %d: %w", id, err)
		}
	}
	return nil
}

func (s *NATSSink) Health(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Health(ctx)
}

func (s *NATSSink) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Producer is the part of kafka.Producer the Kafka sink uses.
type Producer interface {
	Produce(ctx context.Context, msgs []kafka.Message) error
	Ping(ctx context.Context) error
	Close()
}

// KafkaSink produces each result keyed by race id.
type KafkaSink struct {
	producer Producer
}

func NewKafkaSink(p Producer) *KafkaSink {
	return &KafkaSink{producer: p}
}

// DialKafka ensures the topic exists and returns a sink producing to it. An
// existing topic without compaction is used as is, with a warning.
func DialKafka(ctx context.Context, brokers, topic string, logger *slog.Logger) (*KafkaSink, error) {
	tm, err := kafka.NewTopicManager(brokers)
	if err != nil {
		return nil, err
	}
	defer tm.Close()

	tc := kafka.RaceResultsTopic(topic)
	created, err := tm.EnsureTopic(ctx, tc)
	if err != nil {
		return nil, fmt.Errorf("ensure kafka topic: %w", err)
	}
	if created {
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := tm.WaitForTopic(waitCtx, topic)
		cancel()
		if err != nil {
			return nil, err
		}
	} else if policy, err := tm.CleanupPolicy(ctx, topic); err == nil && !(kafka.TopicConfig{CleanupPolicy: policy}).Compacted() {
		logger.Warn("kafka topic is not compacted, older records per race are kept until retention", "topic", topic, "cleanup_policy", policy)
	}

	p, err := kafka.NewProducer(brokers, topic)
	if err != nil {
		return nil, err
	}
	return &KafkaSink{producer: p}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, results []race.Result) error {
	msgs := make([]kafka.Message, len(results))
	for i := range results {
		payload, err := json.Marshal(results[i])
		if err != nil {
			return fmt.Errorf("marshal race %d: %w", results[i].RaceID, err)
		}
		msgs[i] = kafka.Message{
			Key:     []byte(strconv.FormatInt(results[i].RaceID, 10)),
			Value:   payload,
			Headers: map[string]string{"winner": results[i].WinnerAddress},
		}
	}
	return s.producer.Produce(ctx, msgs)
}

func (s *KafkaSink) Health(ctx context.Context) error {
	return s.producer.Ping(ctx)
}

func (s *KafkaSink) Close() error {
	s.producer.Close()
	return nil
}
