// Package evm reads race contract logs from an EVM chain over JSON-RPC.
package evm

import "time"

// Filter modes for SubscribeFrom.
const (
	// FilterModeNode installs a server-side filter with eth_newFilter.
	FilterModeNode = "node"
	// FilterModeRange polls eth_getLogs from the last seen block, for
	// providers that do not keep filter state.
	FilterModeRange = "range"
)

// RPCConfig holds RPC connection settings.
type RPCConfig struct {
	URL string

	// Per-call timeout. A call that exceeds it surfaces adapter.ErrTimeout.
	Timeout time.Duration

	MaxRetries    int
	RetryInterval time.Duration

	// Client-side request rate limit. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	FilterMode string
}

// SourceConfig selects which logs the source reads.
type SourceConfig struct {
	// Blocks behind the chain head treated as final.
	Confirmations uint64
}

// DefaultRPCConfig returns settings suitable for public RPC endpoints.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetryInterval: 5 * time.Second,
		Burst:         1,
		FilterMode:    FilterModeNode,
	}
}
