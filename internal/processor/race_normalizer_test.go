package processor

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/racefeed/internal/contract/contracttest"
)

func TestRaceNormalizer_RaceFinished(t *testing.T) {
	c := contracttest.MustLoad()
	n := NewRaceNormalizer(c, 18)

	ev := contracttest.Race(42, 1500)
	ev.Hashes = []common.Hash{
		common.HexToHash("0x03"),
		common.HexToHash("0x01"),
		common.HexToHash("0x02"),
	}
	bet, _ := new(big.Int).SetString("1500000000000000000", 10)
	ev.BetSize = bet
	ev.LogIndex = 4

	got, err := n.Normalize(ev.Log(c))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.Result == nil || got.Participation != nil {
		t.Fatalf("expected a result, got %+v", got)
	}

	res := got.Result
	if res.RaceID != 42 {
		t.Errorf("RaceID = %d, want 42", res.RaceID)
	}
	if res.WinnerAddress != ev.Winner.Hex() {
		t.Errorf("WinnerAddress = %s, want %s", res.WinnerAddress, ev.Winner.Hex())
	}
	if res.WinningTokenID != ev.WinningTokenID || res.Steps != ev.Steps {
		t.Errorf("token/steps = %d/%d, want %d/%d", res.WinningTokenID, res.Steps, ev.WinningTokenID, ev.Steps)
	}
	if res.BetSize == nil || *res.BetSize != "1.5" {
		t.Errorf("BetSize = %v, want 1.5", res.BetSize)
	}
	if res.Timestamp != nil {
		t.Error("normalizer must not assign a timestamp")
	}
	if res.BlockNumber != 1500 || res.LogIndex != 4 {
		t.Errorf("source = %d/%d, want 1500/4", res.BlockNumber, res.LogIndex)
	}

	// Commitment order is positional and must survive untouched.
	if len(res.CommitmentHashes) != 3 {
		t.Fatalf("expected 3 hashes, got %d", len(res.CommitmentHashes))
	}
	for i, h := range ev.Hashes {
		if res.CommitmentHashes[i] != h.Hex() {
			t.Errorf("hash %d = %s, want %s", i, res.CommitmentHashes[i], h.Hex())
		}
	}
}

func TestRaceNormalizer_PlayerCommitted(t *testing.T) {
	c := contracttest.MustLoad()
	n := NewRaceNormalizer(c, 18)

	ev := contracttest.PlayerCommitted{
		RaceID:  7,
		Player:  common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		TokenID: 5,
		Block:   99,
	}

	got, err := n.Normalize(ev.Log(c))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.Participation == nil {
		t.Fatal("expected a participation")
	}
	p := got.Participation
	if p.RaceID != 7 || p.TokenID != 5 || p.Player != ev.Player.Hex() || p.BlockNumber != 99 {
		t.Errorf("unexpected participation %+v", p)
	}
}

func TestRaceNormalizer_Malformed(t *testing.T) {
	c := contracttest.MustLoad()
	n := NewRaceNormalizer(c, 18)

	valid := contracttest.Race(1, 10).Log(c)

	noTopics := valid
	noTopics.Topics = nil

	unknown := valid
	unknown.Topics = append([]common.Hash{common.HexToHash("0xdead")}, valid.Topics[1:]...)

	missingTopic := valid
	missingTopic.Topics = valid.Topics[:2]

	truncated := valid
	truncated.Data = valid.Data[:32]

	empty := valid
	empty.Data = nil

	huge := valid
	huge.Topics = []common.Hash{valid.Topics[0], common.HexToHash("0xffffffffffffffffffffffffffffffff"), valid.Topics[2]}

	tests := []struct {
		name string
		log  types.Log
	}{
		{"no topics", noTopics},
		{"unknown event", unknown},
		{"missing winner topic", missingTopic},
		{"truncated data", truncated},
		{"empty data", empty},
		{"race id overflow", huge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.log)
			var me *MalformedEventError
			if !errors.As(err, &me) {
				t.Fatalf("expected MalformedEventError, got %v", err)
			}
			if me.BlockNumber != 10 {
				t.Errorf("BlockNumber = %d, want 10", me.BlockNumber)
			}
		})
	}
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		value    string
		decimals int
		want     string
	}{
		{"0", 18, "0"},
		{"1000000000000000000", 18, "1"},
		{"1500000000000000000", 18, "1.5"},
		{"1", 18, "0.000000000000000001"},
		{"123456", 0, "123456"},
		{"123456", 3, "123.456"},
		{"-2500", 3, "-2.5"},
	}

	for _, tt := range tests {
		v, _ := new(big.Int).SetString(tt.value, 10)
		if got := FormatUnits(v, tt.decimals); got != tt.want {
			t.Errorf("FormatUnits(%s, %d) = %s, want %s", tt.value, tt.decimals, got, tt.want)
		}
	}
}
