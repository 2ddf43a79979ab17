// Package processor decodes race contract logs into race records.
package processor

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/racefeed/internal/contract"
	"github.com/marko911/racefeed/pkg/race"
)

// MalformedEventError reports a log that cannot be turned into a record.
type MalformedEventError struct {
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
	Reason      string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event at block %d tx %s log %d: %s", e.BlockNumber, e.TxHash, e.LogIndex, e.Reason)
}

// Decoded holds the record produced from one log. Exactly one field is set.
type Decoded struct {
	Result        *race.Result
	Participation *race.Participation
}

// RaceNormalizer decodes race contract logs.
type RaceNormalizer struct {
	contract    *contract.Contract
	betDecimals int
}

func NewRaceNormalizer(c *contract.Contract, betDecimals int) *RaceNormalizer {
	return &RaceNormalizer{contract: c, betDecimals: betDecimals}
}

// Normalize decodes l. Any log it cannot decode into a complete record
// yields a *MalformedEventError.
func (n *RaceNormalizer) Normalize(l types.Log) (Decoded, error) {
	if len(l.Topics) == 0 {
		return Decoded{}, malformed(l, "no topics")
	}

	ev, err := n.contract.ABI.EventByID(l.Topics[0])
	if err != nil {
		return Decoded{}, malformed(l, "unknown event "+l.Topics[0].Hex())
	}

	args, err := unpack(ev, l)
	if err != nil {
		return Decoded{}, malformed(l, err.Error())
	}

	switch ev.Name {
	case contract.EventRaceFinished:
		res, err := n.raceResult(args, l)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Result: res}, nil
	case contract.EventPlayerCommitted:
		p, err := participation(args, l)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Participation: p}, nil
	default:
		return Decoded{}, malformed(l, "unhandled event "+ev.Name)
	}
}

func (n *RaceNormalizer) raceResult(args map[string]any, l types.Log) (*race.Result, error) {
	raceID, err := int64Field(args, "raceId")
	if err != nil {
		return nil, malformed(l, err.Error())
	}
	winner, err := addressField(args, "winner")
	if err != nil {
		return nil, malformed(l, err.Error())
	}
	tokenID, err := int64Field(args, "winningTokenId")
	if err != nil {
		return nil, malformed(l, err.Error())
	}
	steps, err := int64Field(args, "steps")
	if err != nil {
		return nil, malformed(l, err.Error())
	}

	raw, ok := args["commitmentHashes"]
	if !ok {
		return nil, malformed(l, "missing commitmentHashes")
	}
	hashes, ok := raw.([][32]byte)
	if !ok {
		return nil, malformed(l, fmt.Sprintf("commitmentHashes has type %T", raw))
	}
	commitments := make([]string, len(hashes))
	for i, h := range hashes {
		commitments[i] = common.Hash(h).Hex()
	}

	res := &race.Result{
		RaceID:           raceID,
		WinnerAddress:    winner.Hex(),
		WinningTokenID:   tokenID,
		Steps:            steps,
		CommitmentHashes: commitments,
		BlockNumber:      l.BlockNumber,
		TxHash:           l.TxHash.Hex(),
		LogIndex:         l.Index,
	}

	if v, ok := args["betSize"].(*big.Int); ok {
		bet := FormatUnits(v, n.betDecimals)
		res.BetSize = &bet
	}

	return res, nil
}

func participation(args map[string]any, l types.Log) (*race.Participation, error) {
	raceID, err := int64Field(args, "raceId")
	if err != nil {
		return nil, malformed(l, err.Error())
	}
	player, err := addressField(args, "player")
	if err != nil {
		return nil, malformed(l, err.Error())
	}
	tokenID, err := int64Field(args, "tokenId")
	if err != nil {
		return nil, malformed(l, err.Error())
	}

	return &race.Participation{
		RaceID:      raceID,
		Player:      player.Hex(),
		TokenID:     tokenID,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
	}, nil
}

func unpack(ev *abi.Event, l types.Log) (map[string]any, error) {
	args := make(map[string]any)

	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(l.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("expected %d indexed topics, got %d", len(indexed), len(l.Topics)-1)
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, l.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}

	if nonIndexed := ev.Inputs.NonIndexed(); len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(args, l.Data); err != nil {
			return nil, fmt.Errorf("unpack data: %w", err)
		}
	}
	return args, nil
}

func int64Field(args map[string]any, name string) (int64, error) {
	raw, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("missing %s", name)
	}
	v, ok := raw.(*big.Int)
	if !ok || v == nil {
		return 0, fmt.Errorf("%s has type %T", name, raw)
	}
	if v.Sign() < 0 || !v.IsInt64() {
		return 0, fmt.Errorf("%s out of range: %s", name, v)
	}
	return v.Int64(), nil
}

func addressField(args map[string]any, name string) (common.Address, error) {
	raw, ok := args[name]
	if !ok {
		return common.Address{}, fmt.Errorf("missing %s", name)
	}
	addr, ok := raw.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s has type %T", name, raw)
	}
	return addr, nil
}

// FormatUnits renders v scaled down by 10^decimals without trailing zeros.
func FormatUnits(v *big.Int, decimals int) string {
	if decimals <= 0 {
		return v.String()
	}

	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	base := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, base, new(big.Int))

	s := whole.String()
	if frac.Sign() != 0 {
		f := frac.String()
		f = strings.Repeat("0", decimals-len(f)) + f
		s += "." + strings.TrimRight(f, "0")
	}
	if neg {
		s = "-" + s
	}
	return s
}

func malformed(l types.Log, reason string) *MalformedEventError {
	return &MalformedEventError{
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
		LogIndex:    l.Index,
		Reason:      reason,
	}
}
