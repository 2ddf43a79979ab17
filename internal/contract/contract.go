// Package contract holds the race contract ABI and its event identifiers.
package contract

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	EventRaceFinished    = "RaceFinished"
	EventPlayerCommitted = "PlayerCommitted"
)

//go:embed race.abi.json
var defaultABI string

// Contract is a parsed race contract ABI bound to a deployment address.
type Contract struct {
	Address common.Address
	ABI     abi.ABI
}

// Load parses the ABI at abiPath, or the embedded ABI when abiPath is empty.
// The ABI must declare the RaceFinished event.
func Load(address, abiPath string) (*Contract, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid contract address %q", address)
	}

	raw := defaultABI
	if abiPath != "" {
		data, err := os.ReadFile(abiPath)
		if err != nil {
			return nil, fmt.Errorf("read abi: %w", err)
		}
		raw = string(data)
	}

	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	if _, ok := parsed.Events[EventRaceFinished]; !ok {
		return nil, fmt.Errorf("abi has no %s event", EventRaceFinished)
	}

	return &Contract{
		Address: common.HexToAddress(address),
		ABI:     parsed,
	}, nil
}

// Topics returns the topic0 values the ingestion filter matches.
func (c *Contract) Topics() []common.Hash {
	topics := []common.Hash{c.ABI.Events[EventRaceFinished].ID}
	if ev, ok := c.ABI.Events[EventPlayerCommitted]; ok {
		topics = append(topics, ev.ID)
	}
	return topics
}
