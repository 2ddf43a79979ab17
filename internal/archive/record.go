// Package archive exports stored race results as JSON lines and replays
// such archives back into a store.
package archive

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/marko911/racefeed/pkg/race"
)

// Record is one archived result. Unlike the fan-out wire format it keeps the
// source location so a replayed store matches the original.
type Record struct {
	race.Result
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint   `json:"log_index"`
}

func NewRecord(r race.Result) Record {
	return Record{Result: r, BlockNumber: r.BlockNumber, TxHash: r.TxHash, LogIndex: r.LogIndex}
}

// RaceResult returns the result with its source location restored.
func (r Record) RaceResult() race.Result {
	res := r.Result
	res.BlockNumber = r.BlockNumber
	res.TxHash = r.TxHash
	res.LogIndex = r.LogIndex
	for i := range res.Participations {
		res.Participations[i].RaceID = res.RaceID
	}
	return res
}

func encodeLines(results []race.Result) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range results {
		if err := enc.Encode(NewRecord(results[i])); err != nil {
			return nil, fmt.Errorf("encode race %d: %w", results[i].RaceID, err)
		}
	}
	return buf.Bytes(), nil
}

// maxLine bounds a single archived record.
const maxLine = 1 << 20

func decodeLines(r io.Reader, fn func(Record) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}
