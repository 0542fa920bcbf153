package evm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/chain/ratelimit"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// rpcServer is a minimal JSON-RPC endpoint: each registered method returns
// a pre-marshaled result or an error object.
type rpcServer struct {
	t        *testing.T
	handlers map[string]func(calls int64) (json.RawMessage, *rpcErrObj)
	calls    map[string]*int64
}

type rpcErrObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newRPCServer(t *testing.T) *rpcServer {
	return &rpcServer{
		t:        t,
		handlers: make(map[string]func(int64) (json.RawMessage, *rpcErrObj)),
		calls:    make(map[string]*int64),
	}
}

func (s *rpcServer) handle(method string, fn func(calls int64) (json.RawMessage, *rpcErrObj)) {
	s.handlers[method] = fn
	s.calls[method] = new(int64)
}

func (s *rpcServer) callCount(method string) int64 {
	return atomic.LoadInt64(s.calls[method])
}

func (s *rpcServer) start() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(s.t, err)

		var req rpcRequest
		require.NoError(s.t, json.Unmarshal(body, &req))

		fn, ok := s.handlers[req.Method]
		require.True(s.t, ok, "unexpected method %s", req.Method)

		n := atomic.AddInt64(s.calls[req.Method], 1)
		result, rpcErr := fn(n)

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(s.t, json.NewEncoder(w).Encode(resp))
	}))
}

func dialTestClient(t *testing.T, srv *httptest.Server, policy ratelimit.Policy) *Client {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := ratelimit.NewGuard(8453, policy, log)
	client, err := Dial(context.Background(), 8453, srv.URL, guard, log)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func headerJSON(t *testing.T, number int64, ts uint64) json.RawMessage {
	h := &types.Header{
		Number:     big.NewInt(number),
		Time:       ts,
		Difficulty: big.NewInt(1),
		Extra:      []byte{},
	}
	blob, err := json.Marshal(h)
	require.NoError(t, err)
	return blob
}

func TestClientHeadBlock(t *testing.T) {
	t.Parallel()

	s := newRPCServer(t)
	s.handle("eth_blockNumber", func(int64) (json.RawMessage, *rpcErrObj) {
		return json.RawMessage(`"0x64"`), nil
	})
	srv := s.start()
	defer srv.Close()

	client := dialTestClient(t, srv, ratelimit.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})

	head, err := client.HeadBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), head)
	assert.Equal(t, int64(8453), client.ChainID())
}

func TestClientRetriesRateLimitedCalls(t *testing.T) {
	t.Parallel()

	s := newRPCServer(t)
	s.handle("eth_blockNumber", func(calls int64) (json.RawMessage, *rpcErrObj) {
		if calls <= 2 {
			return nil, &rpcErrObj{Code: -32005, Message: "limit exceeded"}
		}
		return json.RawMessage(`"0x2a"`), nil
	})
	srv := s.start()
	defer srv.Close()

	client := dialTestClient(t, srv, ratelimit.Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	})

	head, err := client.HeadBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), head)
	assert.Equal(t, int64(3), s.callCount("eth_blockNumber"))
}

func TestClientHeadBlockExhaustsBudget(t *testing.T) {
	t.Parallel()

	s := newRPCServer(t)
	s.handle("eth_blockNumber", func(int64) (json.RawMessage, *rpcErrObj) {
		return nil, &rpcErrObj{Code: -32005, Message: "limit exceeded"}
	})
	srv := s.start()
	defer srv.Close()

	client := dialTestClient(t, srv, ratelimit.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	})

	_, err := client.HeadBlock(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ratelimit.ErrExhausted)
	assert.Equal(t, int64(3), s.callCount("eth_blockNumber"))
}

func TestClientBlockTimeIsCached(t *testing.T) {
	t.Parallel()

	const ts = uint64(1714564800) // 2024-05-01T12:00:00Z

	s := newRPCServer(t)
	s.handle("eth_getBlockByNumber", func(int64) (json.RawMessage, *rpcErrObj) {
		return headerJSON(t, 100, ts), nil
	})
	srv := s.start()
	defer srv.Close()

	client := dialTestClient(t, srv, ratelimit.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})

	ctx := context.Background()
	first, err := client.BlockTime(ctx, 100)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Equal(first))

	second, err := client.BlockTime(ctx, 100)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))

	assert.Equal(t, int64(1), s.callCount("eth_getBlockByNumber"),
		"second lookup must come from cache")
}
