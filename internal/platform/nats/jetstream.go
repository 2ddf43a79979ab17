package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamConfig is the subset of jetstream.StreamConfig racefeed sets.
type StreamConfig struct {
	Name        string
	Subjects    []string
	Retention   jetstream.RetentionPolicy
	MaxAge      time.Duration // 0 keeps messages forever
	MaxBytes    int64
	Replicas    int
	Description string

	// DuplicateWindow bounds MsgIDForRace dedup.
	DuplicateWindow time.Duration
}

// DefaultRaceResultsStreamConfig returns the stream relayed race results land in.
// Results are retained by age so late consumers can replay them.
func DefaultRaceResultsStreamConfig() StreamConfig {
	return StreamConfig{
		Name:        "RACE_RESULTS",
		Subjects:    []string{"races.results.>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Replicas:    1,
		Description: "Finished race results relayed from the result store",

		DuplicateWindow: 10 * time.Minute,
	}
}

// EnsureStream creates the stream or updates it to match cfg.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   cfg.Retention,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Replicas:    cfg.Replicas,
		Description: cfg.Description,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		Duplicates:  cfg.DuplicateWindow,
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// SubjectForRace is races.results.<race_id>.
func SubjectForRace(raceID int64) string {
	return fmt.Sprintf("races.results.%d", raceID)
}

// MsgIDForRace is the JetStream dedup id for a race, so a republished result
// within the duplicate window is stored once.
func MsgIDForRace(raceID int64) string {
	return fmt.Sprintf("race-%d", raceID)
}
