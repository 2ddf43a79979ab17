package evm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/racefeed/internal/adapter"
	"github.com/marko911/racefeed/internal/contract"
)

const raceContract = "0x5f6687b70f7a6029dd37480592da84d465d8cbb7"

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode is a minimal JSON-RPC endpoint serving scripted chain state.
type fakeNode struct {
	mu        sync.Mutex
	head      uint64
	logs      []types.Log
	changes   [][]types.Log
	fail      map[string]int
	delay     time.Duration
	calls     map[string]int
	lastRange [2]uint64
}

func newFakeNode(head uint64) *fakeNode {
	return &fakeNode{head: head, fail: map[string]int{}, calls: map[string]int{}}
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls[req.Method]++
	failing := n.fail[req.Method] > 0
	if failing {
		n.fail[req.Method]--
	}
	delay := n.delay
	n.mu.Unlock()

	if delay > 0 && req.Method == "eth_getLogs" {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if failing {
		resp["error"] = map[string]any{"code": -32000, "message": "upstream unavailable"}
	} else {
		resp["result"] = n.result(req)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) result(req rpcRequest) any {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch req.Method {
	case "eth_chainId":
		return "0x2105"
	case "eth_blockNumber":
		return hexutil.EncodeUint64(n.head)
	case "eth_getLogs":
		var arg struct {
			FromBlock string `json:"fromBlock"`
			ToBlock   string `json:"toBlock"`
		}
		_ = json.Unmarshal(req.Params[0], &arg)
		from, _ := hexutil.DecodeUint64(arg.FromBlock)
		to, _ := hexutil.DecodeUint64(arg.ToBlock)
		n.lastRange = [2]uint64{from, to}
		out := []types.Log{}
		for _, l := range n.logs {
			if l.BlockNumber >= from && l.BlockNumber <= to {
				out = append(out, l)
			}
		}
		return out
	case "eth_newFilter":
		return "0x1"
	case "eth_getFilterChanges":
		if len(n.changes) == 0 {
			return []types.Log{}
		}
		next := n.changes[0]
		n.changes = n.changes[1:]
		return next
	case "eth_uninstallFilter":
		return true
	}
	return nil
}

func (n *fakeNode) callCount(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func testLog(block uint64, index uint, removed bool) types.Log {
	return types.Log{
		Address:     common.HexToAddress(raceContract),
		Topics:      []common.Hash{common.HexToHash("0x01")},
		Data:        []byte{},
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{byte(block), byte(index)}),
		Index:       index,
		Removed:     removed,
	}
}

func newTestSource(t *testing.T, node *fakeNode, mutate func(*RPCConfig), srcCfg SourceConfig) *Source {
	t.Helper()

	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	cfg := DefaultRPCConfig()
	cfg.URL = srv.URL
	cfg.MaxRetries = 0
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := NewClient(cfg, logger)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	c, err := contract.Load(raceContract, "")
	if err != nil {
		t.Fatalf("contract.Load: %v", err)
	}
	return NewSource(client, c, srcCfg, logger)
}

func TestSource_Head(t *testing.T) {
	tests := []struct {
		name          string
		head          uint64
		confirmations uint64
		want          uint64
	}{
		{"no confirmations", 500, 0, 500},
		{"with confirmations", 500, 12, 488},
		{"head below depth", 5, 12, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newTestSource(t, newFakeNode(tt.head), nil, SourceConfig{Confirmations: tt.confirmations})
			got, err := src.Head(context.Background())
			if err != nil {
				t.Fatalf("Head: %v", err)
			}
			if got != tt.want {
				t.Errorf("Head() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSource_EntriesOrdersAndDropsRemoved(t *testing.T) {
	node := newFakeNode(100)
	node.logs = []types.Log{
		testLog(12, 3, false),
		testLog(11, 7, false),
		testLog(12, 1, false),
		testLog(11, 2, true),
		testLog(50, 0, false),
	}
	src := newTestSource(t, node, nil, SourceConfig{})

	logs, err := src.Entries(context.Background(), 10, 20)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}

	want := [][2]uint64{{11, 7}, {12, 1}, {12, 3}}
	if len(logs) != len(want) {
		t.Fatalf("expected %d logs, got %d", len(want), len(logs))
	}
	for i, w := range want {
		if logs[i].BlockNumber != w[0] || uint64(logs[i].Index) != w[1] {
			t.Errorf("log %d = (%d,%d), want (%d,%d)", i, logs[i].BlockNumber, logs[i].Index, w[0], w[1])
		}
	}
	if node.lastRange != [2]uint64{10, 20} {
		t.Errorf("queried range %v, want [10 20]", node.lastRange)
	}
}

func TestSource_EntriesErrorsAreRetryable(t *testing.T) {
	node := newFakeNode(100)
	node.fail["eth_getLogs"] = 1
	src := newTestSource(t, node, nil, SourceConfig{})

	_, err := src.Entries(context.Background(), 1, 10)
	if !errors.Is(err, adapter.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if !adapter.IsRetryable(err) {
		t.Error("expected retryable error")
	}

	if _, err := src.Entries(context.Background(), 1, 10); err != nil {
		t.Fatalf("second call: %v", err)
	}
}

func TestSource_EntriesTimeout(t *testing.T) {
	node := newFakeNode(100)
	node.delay = 500 * time.Millisecond
	src := newTestSource(t, node, func(c *RPCConfig) { c.Timeout = 20 * time.Millisecond }, SourceConfig{})

	_, err := src.Entries(context.Background(), 1000, 2000)
	if !errors.Is(err, adapter.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSource_NodeFilter(t *testing.T) {
	node := newFakeNode(100)
	node.changes = [][]types.Log{
		{testLog(101, 0, false), testLog(101, 1, true)},
	}
	src := newTestSource(t, node, nil, SourceConfig{})
	ctx := context.Background()

	f, err := src.SubscribeFrom(ctx, 100)
	if err != nil {
		t.Fatalf("SubscribeFrom: %v", err)
	}

	logs, err := f.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(logs) != 1 || logs[0].BlockNumber != 101 {
		t.Errorf("unexpected logs: %+v", logs)
	}

	logs, err = f.Poll(ctx)
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("expected no new logs, got %d", len(logs))
	}

	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if node.callCount("eth_uninstallFilter") != 1 {
		t.Error("filter was not uninstalled")
	}
}

func TestSource_RangeFilter(t *testing.T) {
	node := newFakeNode(100)
	node.logs = []types.Log{testLog(100, 0, false), testLog(103, 0, false)}
	src := newTestSource(t, node, func(c *RPCConfig) { c.FilterMode = FilterModeRange }, SourceConfig{})
	ctx := context.Background()

	f, err := src.SubscribeFrom(ctx, 100)
	if err != nil {
		t.Fatalf("SubscribeFrom: %v", err)
	}
	if node.callCount("eth_newFilter") != 0 {
		t.Error("range mode must not install a node filter")
	}

	logs, err := f.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(logs) != 1 || logs[0].BlockNumber != 100 {
		t.Fatalf("first poll: %+v", logs)
	}

	// Head has not moved: nothing to read.
	logs, err = f.Poll(ctx)
	if err != nil || len(logs) != 0 {
		t.Fatalf("idle poll: logs=%d err=%v", len(logs), err)
	}

	node.mu.Lock()
	node.head = 105
	node.mu.Unlock()

	logs, err = f.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll after head moved: %v", err)
	}
	if len(logs) != 1 || logs[0].BlockNumber != 103 {
		t.Fatalf("expected log at 103, got %+v", logs)
	}
	if node.lastRange != [2]uint64{101, 105} {
		t.Errorf("queried range %v, want [101 105]", node.lastRange)
	}
}
