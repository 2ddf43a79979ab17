// Package adapter defines how ingestion reads raw contract logs from a chain.
package adapter

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrTimeout marks a source call that did not complete in time. The
	// caller retries the same block range.
	ErrTimeout = errors.New("log source timeout")

	// ErrTransient marks any other retryable source failure.
	ErrTransient = errors.New("log source unavailable")
)

// LogSource reads raw logs for the configured contract.
type LogSource interface {
	// Head returns the latest block number the source considers final.
	Head(ctx context.Context) (uint64, error)

	// Entries returns logs in the inclusive block range [from, to] in
	// block then log-index order.
	Entries(ctx context.Context, from, to uint64) ([]types.Log, error)

	// SubscribeFrom installs a filter anchored at block.
	SubscribeFrom(ctx context.Context, block uint64) (Filter, error)

	Close() error
}

// Filter is a pollable view of logs that arrived after it was installed.
type Filter interface {
	// Poll returns logs seen since the previous call.
	Poll(ctx context.Context) ([]types.Log, error)

	Close(ctx context.Context) error
}

// IsRetryable reports whether err is a timeout or transient source failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransient)
}
