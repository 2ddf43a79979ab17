// Package kafka provides the Kafka/Redpanda topic management and producer used to relay race results.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marko911/racefeed/internal/poller"
)

type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Retention         time.Duration
	CleanupPolicy     string
}

// RaceResultsTopic returns the topic relayed results are produced to. Records
// are keyed by race id, so compaction keeps one record per race.
func RaceResultsTopic(name string) TopicConfig {
	return TopicConfig{
		Name:              name,
		Partitions:        6,
		ReplicationFactor: 1,
		Retention:         30 * 24 * time.Hour,
		CleanupPolicy:     "compact,delete",
	}
}

// Compacted reports whether the cleanup policy keeps the latest record per key.
func (c TopicConfig) Compacted() bool {
	for _, p := range strings.Split(c.CleanupPolicy, ",") {
		if strings.TrimSpace(p) == "compact" {
			return true
		}
	}
	return false
}

func (c TopicConfig) configs() map[string]*string {
	retention := strconv.FormatInt(c.Retention.Milliseconds(), 10)
	policy := c.CleanupPolicy
	return map[string]*string{
		"retention.ms":   &retention,
		"cleanup.policy": &policy,
	}
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(brokers string) []string {
	out := []string{}
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// TopicManager creates and inspects topics through the admin API.
type TopicManager struct {
	admin *kadm.Client
}

func NewTopicManager(brokers string) (*TopicManager, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(SplitBrokers(brokers)...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &TopicManager{admin: kadm.NewClient(client)}, nil
}

// EnsureTopic creates cfg's topic unless it exists and reports whether it
// did. An existing topic keeps its own settings.
func (m *TopicManager) EnsureTopic(ctx context.Context, cfg TopicConfig) (bool, error) {
	resp, err := m.admin.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.configs(), cfg.Name)
	if err != nil {
		return false, fmt.Errorf("create topic %s: %w", cfg.Name, err)
	}
	for _, r := range resp {
		switch {
		case errors.Is(r.Err, kerr.TopicAlreadyExists):
			return false, nil
		case r.Err != nil:
			return false, fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return true, nil
}

// CleanupPolicy returns the cleanup.policy the broker reports for topic.
func (m *TopicManager) CleanupPolicy(ctx context.Context, topic string) (string, error) {
	rcs, err := m.admin.DescribeTopicConfigs(ctx, topic)
	if err != nil {
		return "", fmt.Errorf("describe topic %s: %w", topic, err)
	}
	for _, rc := range rcs {
		if rc.Err != nil {
			return "", fmt.Errorf("describe topic %s: %w", rc.Name, rc.Err)
		}
		for _, c := range rc.Configs {
			if c.Key == "cleanup.policy" && c.Value != nil {
				return *c.Value, nil
			}
		}
	}
	return "", nil
}

// WaitForTopic polls metadata until topic is visible or ctx ends.
func (m *TopicManager) WaitForTopic(ctx context.Context, topic string) error {
	for {
		topics, err := m.admin.ListTopics(ctx, topic)
		if err == nil {
			if td, ok := topics[topic]; ok && td.Err == nil {
				return nil
			}
		}
		if err := poller.Sleep(ctx, 250*time.Millisecond); err != nil {
			return fmt.Errorf("wait for topic %s: %w", topic, err)
		}
	}
}

func (m *TopicManager) Close() {
	m.admin.Close()
}
