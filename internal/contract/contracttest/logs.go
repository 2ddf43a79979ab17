// Package contracttest builds race contract logs for tests.
package contracttest

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/racefeed/internal/contract"
)

// Address is the contract address used by test logs.
const Address = "0x5f6687b70f7a6029dd37480592da84d465d8cbb7"

// MustLoad returns the embedded race contract bound to Address.
func MustLoad() *contract.Contract {
	c, err := contract.Load(Address, "")
	if err != nil {
		panic(err)
	}
	return c
}

// RaceFinished describes one RaceFinished emission.
type RaceFinished struct {
	RaceID         int64
	Winner         common.Address
	WinningTokenID int64
	Steps          int64
	Hashes         []common.Hash
	BetSize        *big.Int
	BetToken       common.Address
	Executor       common.Address

	Block    uint64
	LogIndex uint
}

// Log encodes e as the contract would emit it.
func (e RaceFinished) Log(c *contract.Contract) types.Log {
	ev := c.ABI.Events[contract.EventRaceFinished]

	hashes := make([][32]byte, len(e.Hashes))
	for i, h := range e.Hashes {
		hashes[i] = h
	}
	bet := e.BetSize
	if bet == nil {
		bet = big.NewInt(0)
	}

	data, err := ev.Inputs.NonIndexed().Pack(
		big.NewInt(e.WinningTokenID),
		big.NewInt(e.Steps),
		hashes,
		bet,
		e.BetToken,
		e.Executor,
	)
	if err != nil {
		panic(err)
	}

	return types.Log{
		Address: c.Address,
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(big.NewInt(e.RaceID)),
			common.BytesToHash(e.Winner.Bytes()),
		},
		Data:        data,
		BlockNumber: e.Block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(e.Block*1000 + uint64(e.LogIndex))),
		Index:       e.LogIndex,
	}
}

// PlayerCommitted describes one PlayerCommitted emission.
type PlayerCommitted struct {
	RaceID     int64
	Player     common.Address
	TokenID    int64
	Commitment common.Hash

	Block    uint64
	LogIndex uint
}

func (e PlayerCommitted) Log(c *contract.Contract) types.Log {
	ev := c.ABI.Events[contract.EventPlayerCommitted]

	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(e.TokenID), [32]byte(e.Commitment))
	if err != nil {
		panic(err)
	}

	return types.Log{
		Address: c.Address,
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(big.NewInt(e.RaceID)),
			common.BytesToHash(e.Player.Bytes()),
		},
		Data:        data,
		BlockNumber: e.Block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(e.Block*1000 + uint64(e.LogIndex))),
		Index:       e.LogIndex,
	}
}

// Race returns a RaceFinished with deterministic field values for id.
func Race(id int64, block uint64) RaceFinished {
	return RaceFinished{
		RaceID:         id,
		Winner:         common.BigToAddress(big.NewInt(0xA000 + id)),
		WinningTokenID: id % 8,
		Steps:          40 + id,
		Hashes: []common.Hash{
			common.BigToHash(big.NewInt(id*10 + 1)),
			common.BigToHash(big.NewInt(id*10 + 2)),
		},
		Block: block,
	}
}
