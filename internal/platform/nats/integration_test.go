//go:build integration

package nats_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	pnats "github.com/marko911/racefeed/internal/platform/nats"
)

func TestNATSIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := pnats.DefaultConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.URL = url
	}
	cfg.Name = "integration-test"

	client, err := pnats.Connect(ctx, cfg, nil)
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	defer client.Close()

	stream, err := pnats.EnsureStream(ctx, client.JetStream(), pnats.DefaultRaceResultsStreamConfig())
	if err != nil {
		t.Fatalf("Failed to create stream: %v", err)
	}

	payload, _ := json.Marshal(map[string]any{"race_id": 1})
	if _, err := client.JetStream().Publish(ctx, pnats.SubjectForRace(1), payload, jetstream.WithMsgID(pnats.MsgIDForRace(1))); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	msg, err := stream.GetLastMsgForSubject(ctx, pnats.SubjectForRace(1))
	if err != nil {
		t.Fatalf("Failed to read back: %v", err)
	}
	if string(msg.Data) != string(payload) {
		t.Errorf("payload = %s, want %s", msg.Data, payload)
	}
}
