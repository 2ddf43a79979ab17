package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/marko911/racefeed/internal/adapter"
)

type Client struct {
	cfg     RPCConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	mu        sync.RWMutex
	client    *ethclient.Client
	rpcClient *rpc.Client
	chainID   *big.Int
}

func NewClient(cfg RPCConfig, logger *slog.Logger) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "evm-client"),
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("connecting to RPC", "url", c.cfg.URL)

	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("retrying connection", "attempt", attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryInterval):
			}
		}

		c.rpcClient, err = rpc.DialContext(ctx, c.cfg.URL)
		if err != nil {
			c.logger.Warn("connection failed", "error", err, "attempt", attempt)
			continue
		}

		c.client = ethclient.NewClient(c.rpcClient)

		c.chainID, err = c.client.ChainID(ctx)
		if err != nil {
			c.logger.Warn("chain ID check failed", "error", err)
			c.client.Close()
			c.client = nil
			continue
		}

		c.logger.Info("connected", "chain_id", c.chainID)
		return nil
	}

	return fmt.Errorf("failed to connect after %d attempts: %w", c.cfg.MaxRetries, err)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	return nil
}

func (c *Client) ChainID() *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chainID
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, "eth_blockNumber", func(ctx context.Context, client *ethclient.Client, _ *rpc.Client) error {
		var err error
		n, err = client.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.do(ctx, "eth_getLogs", func(ctx context.Context, client *ethclient.Client, _ *rpc.Client) error {
		var err error
		logs, err = client.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

// NewFilter installs a log filter on the node and returns its id.
func (c *Client) NewFilter(ctx context.Context, query ethereum.FilterQuery) (string, error) {
	var id string
	err := c.do(ctx, "eth_newFilter", func(ctx context.Context, _ *ethclient.Client, rc *rpc.Client) error {
		return rc.CallContext(ctx, &id, "eth_newFilter", toFilterArg(query))
	})
	return id, err
}

// FilterChanges returns logs matched by the filter since the last call.
func (c *Client) FilterChanges(ctx context.Context, id string) ([]types.Log, error) {
	var logs []types.Log
	err := c.do(ctx, "eth_getFilterChanges", func(ctx context.Context, _ *ethclient.Client, rc *rpc.Client) error {
		return rc.CallContext(ctx, &logs, "eth_getFilterChanges", id)
	})
	return logs, err
}

func (c *Client) UninstallFilter(ctx context.Context, id string) error {
	return c.do(ctx, "eth_uninstallFilter", func(ctx context.Context, _ *ethclient.Client, rc *rpc.Client) error {
		var ok bool
		return rc.CallContext(ctx, &ok, "eth_uninstallFilter", id)
	})
}

// do runs one rate-limited RPC call under the per-call timeout and maps
// failures onto the adapter error classes.
func (c *Client) do(ctx context.Context, method string, fn func(context.Context, *ethclient.Client, *rpc.Client) error) error {
	c.mu.RLock()
	client, rc := c.client, c.rpcClient
	c.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("%s: %w: not connected", method, adapter.ErrTransient)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit: %w", method, err)
	}

	callCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	err := fn(callCtx, client, rc)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return classify(method, err)
}

func classify(method string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: %w", method, adapter.ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", method, adapter.ErrTransient, err)
}

func toFilterArg(q ethereum.FilterQuery) map[string]any {
	arg := map[string]any{
		"address": q.Addresses,
		"topics":  q.Topics,
	}
	if q.FromBlock != nil {
		arg["fromBlock"] = hexutil.EncodeBig(q.FromBlock)
	} else {
		arg["fromBlock"] = "latest"
	}
	if q.ToBlock != nil {
		arg["toBlock"] = hexutil.EncodeBig(q.ToBlock)
	}
	return arg
}
