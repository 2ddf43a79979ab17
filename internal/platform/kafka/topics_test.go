package kafka

import (
	"reflect"
	"testing"
)

func TestSplitBrokers(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"localhost:9092", []string{"localhost:9092"}},
		{"a:9092, b:9092 ,c:9092", []string{"a:9092", "b:9092", "c:9092"}},
		{"a:9092,,", []string{"a:9092"}},
		{"", []string{}},
	}

	for _, tt := range tests {
		if got := SplitBrokers(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitBrokers(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRaceResultsTopic(t *testing.T) {
	cfg := RaceResultsTopic("race-results")
	if cfg.Name != "race-results" || cfg.Partitions != 6 {
		t.Errorf("topic = %+v", cfg)
	}
	if !cfg.Compacted() {
		t.Error("race results topic must be compacted")
	}

	got := cfg.configs()
	if *got["retention.ms"] != "2592000000" {
		t.Errorf("retention.ms = %s", *got["retention.ms"])
	}
	if *got["cleanup.policy"] != "compact,delete" {
		t.Errorf("cleanup.policy = %s", *got["cleanup.policy"])
	}
}

func TestTopicConfig_Compacted(t *testing.T) {
	tests := []struct {
		policy string
		want   bool
	}{
		{"compact", true},
		{"delete, compact", true},
		{"delete", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := (TopicConfig{CleanupPolicy: tt.policy}).Compacted(); got != tt.want {
			t.Errorf("Compacted(%q) = %v, want %v", tt.policy, got, tt.want)
		}
	}
}
