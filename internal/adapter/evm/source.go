package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/racefeed/internal/adapter"
	"github.com/marko911/racefeed/internal/contract"
)

// Source is an adapter.LogSource over one race contract deployment.
type Source struct {
	client   *Client
	contract *contract.Contract
	cfg      SourceConfig
	logger   *slog.Logger
}

var _ adapter.LogSource = (*Source)(nil)

func NewSource(client *Client, c *contract.Contract, cfg SourceConfig, logger *slog.Logger) *Source {
	return &Source{
		client:   client,
		contract: c,
		cfg:      cfg,
		logger:   logger.With("component", "evm-source"),
	}
}

// Head returns the chain head minus the configured confirmation depth.
func (s *Source) Head(ctx context.Context) (uint64, error) {
	n, err := s.client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if n < s.cfg.Confirmations {
		return 0, nil
	}
	return n - s.cfg.Confirmations, nil
}

func (s *Source) Entries(ctx context.Context, from, to uint64) ([]types.Log, error) {
	if to < from {
		return nil, nil
	}

	logs, err := s.client.FilterLogs(ctx, s.query(from, &to))
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
	}
	return ordered(logs), nil
}

func (s *Source) SubscribeFrom(ctx context.Context, block uint64) (adapter.Filter, error) {
	if s.client.cfg.FilterMode == FilterModeRange {
		return &rangeFilter{source: s, next: block}, nil
	}

	id, err := s.client.NewFilter(ctx, s.query(block, nil))
	if err != nil {
		return nil, fmt.Errorf("install filter at %d: %w", block, err)
	}
	s.logger.Debug("filter installed", "filter_id", id, "from_block", block)
	return &nodeFilter{client: s.client, id: id}, nil
}

func (s *Source) Close() error {
	return s.client.Close()
}

func (s *Source) query(from uint64, to *uint64) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{s.contract.Address},
		Topics:    [][]common.Hash{s.contract.Topics()},
	}
	if to != nil {
		q.ToBlock = new(big.Int).SetUint64(*to)
	}
	return q
}

// ordered drops removed logs and sorts by block then log index.
func ordered(logs []types.Log) []types.Log {
	out := logs[:0]
	for _, l := range logs {
		if !l.Removed {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out
}

type nodeFilter struct {
	client *Client
	id     string
}

func (f *nodeFilter) Poll(ctx context.Context) ([]types.Log, error) {
	logs, err := f.client.FilterChanges(ctx, f.id)
	if err != nil {
		return nil, fmt.Errorf("filter %s changes: %w", f.id, err)
	}
	return ordered(logs), nil
}

func (f *nodeFilter) Close(ctx context.Context) error {
	return f.client.UninstallFilter(ctx, f.id)
}

type rangeFilter struct {
	source *Source

	mu   sync.Mutex
	next uint64
}

func (f *rangeFilter) Poll(ctx context.Context) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	head, err := f.source.Head(ctx)
	if err != nil {
		return nil, err
	}
	if head < f.next {
		return nil, nil
	}

	logs, err := f.source.Entries(ctx, f.next, head)
	if err != nil {
		return nil, err
	}
	f.next = head + 1
	return logs, nil
}

func (f *rangeFilter) Close(context.Context) error { return nil }
