package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// newTestArchive wires an httptest server implementing the manifest/height/
// worker-discovery/worker-query surface for chain 1, backed by a single
// gateway (the server itself). workerCalls counts POSTs to the worker query
// endpoint, for asserting lookahead-cache hits avoid re-fetching.
func newTestArchive(t *testing.T, height uint64, opts ...Option) (*Client, *int32) {
	t.Helper()
	var workerCalls int32
	var gatewayURL string

	mux := http.NewServeMux()
	mux.HandleFunc("/archives/evm.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"1":%q}`, gatewayURL)
	})
	mux.HandleFunc("/gw/height", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%d", height)
	})
	mux.HandleFunc("/gw/worker", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&workerCalls, 1)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var q workerLogQuery
		require.NoError(t, json.Unmarshal(body, &q))

		var groups []workerBlockGroup
		for n := q.FromBlock; n <= q.ToBlock; n++ {
			g := workerBlockGroup{}
			g.Header.Number = n
			g.Header.Hash = common.BigToHash(new(big.Int).SetUint64(n))
			g.Logs = []workerLog{{
				Address:         common.HexToAddress("0x1"),
				Topics:          []common.Hash{common.HexToHash("0xt1")},
				Data:            "0x1234",
				TransactionHash: common.HexToHash("0xtx"),
				LogIndex:        0,
			}}
			groups = append(groups, g)
		}
		require.NoError(t, json.NewEncoder(w).Encode(groups))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// block-to-worker discovery: any /<n>/worker path resolves to the
		// single gateway's worker endpoint.
		fmt.Fprint(w, gatewayURL+"/worker")
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	gatewayURL = srv.URL + "/gw"

	c := New(srv.URL, opts...)
	return c, &workerCalls
}

func TestSupportsReportsManifestMembership(t *testing.T) {
	c, _ := newTestArchive(t, 100)
	ok, err := c.Supports(1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Supports(999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFetchLogsHappyPath(t *testing.T) {
	c, calls := newTestArchive(t, 100)
	next, logs, err := c.FetchLogs(context.Background(), 1, Query{FromBlock: 10, ToBlock: 10}, 20)
	require.NoError(t, err)
	require.EqualValues(t, 11, next)
	require.Len(t, logs, 1)
	require.EqualValues(t, 1, atomic.LoadInt32(calls))
}

func TestFetchLogsLookaheadCacheAvoidsRefetch(t *testing.T) {
	c, calls := newTestArchive(t, 100)

	_, logs1, err := c.FetchLogs(context.Background(), 1, Query{FromBlock: 10, ToBlock: 10}, 20)
	require.NoError(t, err)
	require.Len(t, logs1, 1)
	require.EqualValues(t, 1, atomic.LoadInt32(calls))

	next, logs2, err := c.FetchLogs(context.Background(), 1, Query{FromBlock: 11, ToBlock: 15}, 20)
	require.NoError(t, err)
	require.EqualValues(t, 16, next)
	require.Len(t, logs2, 5)
	require.EqualValues(t, 1, atomic.LoadInt32(calls)) // served from the lookahead cache
}

func TestFetchLogsWithoutLookaheadCacheAlwaysRefetches(t *testing.T) {
	c, calls := newTestArchive(t, 100, WithoutLookaheadCache())

	_, _, err := c.FetchLogs(context.Background(), 1, Query{FromBlock: 10, ToBlock: 10}, 20)
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(calls))

	_, _, err = c.FetchLogs(context.Background(), 1, Query{FromBlock: 11, ToBlock: 15}, 20)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(calls))
}

// TestFetchLogsFromBlockZeroNoLogsDoesNotUnderflow guards the archive's
// lookahead bookkeeping against a uint64 underflow when a query starting at
// block 0 gets back zero groups for its first (and only) chunk: naively
// seeding the "last processed block" at FromBlock-1 wraps to the uint64 max
// and poisons the lookahead cache into claiming the whole chain is
// log-free for this filter.
func TestFetchLogsFromBlockZeroNoLogsDoesNotUnderflow(t *testing.T) {
	var gatewayURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/archives/evm.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"1":%q}`, gatewayURL)
	})
	mux.HandleFunc("/gw/height", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "100")
	})
	mux.HandleFunc("/gw/worker", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode([]workerBlockGroup{}))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, gatewayURL+"/worker")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	gatewayURL = srv.URL + "/gw"

	c := New(srv.URL)
	next, logs, err := c.FetchLogs(context.Background(), 1, Query{FromBlock: 0, ToBlock: 5}, 20)
	require.NoError(t, err)
	require.Empty(t, logs)
	require.EqualValues(t, 0, next)
}

func TestFetchLogsErrorsPastIndexedHeight(t *testing.T) {
	c, _ := newTestArchive(t, 100)
	_, _, err := c.FetchLogs(context.Background(), 1, Query{FromBlock: 200, ToBlock: 210}, 220)
	require.Error(t, err)
}
