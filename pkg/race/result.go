// Package race defines the race result record shared by ingestion, storage and delivery.
package race

import (
	"encoding/json"
	"time"
)

// Result is one finished race as emitted by the race contract.
type Result struct {
	RaceID           int64    `json:"race_id"`
	WinnerAddress    string   `json:"winner_address"`
	WinningTokenID   int64    `json:"winning_token_id"`
	Steps            int64    `json:"steps"`
	CommitmentHashes []string `json:"commitment_hashes"`

	// BetSize is the bet amount scaled to whole token units, as a decimal string.
	BetSize *string `json:"bet_size"`

	Participations []Participation `json:"participations"`

	// Timestamp is assigned by the store on first insert. Nil until persisted.
	Timestamp *time.Time `json:"timestamp"`

	// Source location, not part of the wire format.
	BlockNumber uint64 `json:"-"`
	TxHash      string `json:"-"`
	LogIndex    uint   `json:"-"`
}

// Participation records a player committing a token to a race.
type Participation struct {
	RaceID  int64  `json:"-"`
	Player  string `json:"player"`
	TokenID int64  `json:"token_id"`

	BlockNumber uint64 `json:"-"`
	LogIndex    uint   `json:"-"`
}

// Batch is the message pushed to fan-out clients.
type Batch struct {
	Data []Result `json:"data"`
}

// MaxID returns the highest race id in results, or 0 if empty.
func MaxID(results []Result) int64 {
	var max int64
	for i := range results {
		if results[i].RaceID > max {
			max = results[i].RaceID
		}
	}
	return max
}

// MarshalBatch encodes results as a fan-out message.
func MarshalBatch(results []Result) ([]byte, error) {
	return json.Marshal(Batch{Data: results})
}
