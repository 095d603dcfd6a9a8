package logs

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/icecreamswap/ethadv/client"
	"github.com/icecreamswap/ethadv/internal/testrpc"
	"github.com/icecreamswap/ethadv/rpctypes"
)

// decodeHexUint64 reads a hexutil-encoded quantity back out of a raw
// JSON-RPC argument, whether it arrived bare (eth_getBlockByNumber) or
// inside a filter params map (eth_getLogs).
func decodeHexUint64(v interface{}) uint64 {
	if n, ok := v.(hexutil.Uint64); ok {
		return uint64(n)
	}
	s, _ := v.(string)
	b, err := hexutil.DecodeBig(s)
	if err != nil {
		return 0
	}
	return b.Uint64()
}

func isCapProbe(m map[string]interface{}) bool {
	_, ok := m["address"]
	return ok
}

// newTestClient builds a client.Client whose probes resolve deterministically:
// filterBlockRange lands exactly on rangeCap, batch size maxes out, the
// archive probe succeeds, and the revert-reason and state-override probes
// report unavailable (irrelevant to this package).
func newTestClient(t *testing.T, nodeURL string, head uint64, rangeCap int, opts ...client.Option) (*client.Client, *testrpc.Transport) {
	t.Helper()
	tr := testrpc.New()

	tr.Handle("eth_chainId", func(args []interface{}) (interface{}, error) {
		return hexutil.Uint64(1), nil
	})
	tr.Handle("eth_blockNumber", func(args []interface{}) (interface{}, error) {
		return hexutil.Uint64(head), nil
	})
	tr.Handle("eth_gasPrice", func(args []interface{}) (interface{}, error) {
		return hexutil.Uint64(1), nil
	})
	tr.Handle("eth_call", func(args []interface{}) (interface{}, error) {
		return hexutil.Bytes{}, nil
	})
	tr.Handle("eth_getLogs", func(args []interface{}) (interface{}, error) {
		m, _ := args[0].(map[string]interface{})
		if isCapProbe(m) {
			from := decodeHexUint64(m["fromBlock"])
			to := decodeHexUint64(m["toBlock"])
			if to-from+1 > uint64(rangeCap) {
				return nil, fmt.Errorf("range too large")
			}
			return []rpctypes.Log{}, nil
		}
		return []rpctypes.Log{}, nil
	})

	c, err := client.New(context.Background(), nodeURL, tr, opts...)
	require.NoError(t, err)
	require.Equal(t, rangeCap, c.FilterBlockRange())
	return c, tr
}

func TestGetLogsSingleBlockByHash(t *testing.T) {
	c, tr := newTestClient(t, "fake://logs-byhash", 1000, 10000)
	r := New(c)

	h := common.HexToHash("0xaaaa")
	want := rpctypes.Log{Address: common.HexToAddress("0x1"), BlockHash: h, BlockNumber: hexutil.Uint64(900)}
	tr.Handle("eth_getLogs", func(args []interface{}) (interface{}, error) {
		m, _ := args[0].(map[string]interface{})
		require.Equal(t, h.Hex(), m["blockHash"])
		return []rpctypes.Log{want}, nil
	})

	got, err := r.GetLogs(context.Background(), FilterSpec{BlockHash: &h})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, want.Address, got[0].Address)
}

func TestGetLogsSplitsAtDiscoveredCap(t *testing.T) {
	c, tr := newTestClient(t, "fake://logs-split", 1000, 5, client.WithUnstableBlocks(0))
	r := New(c)

	var mu sync.Mutex
	var seenRanges [][2]uint64
	tr.Handle("eth_getLogs", func(args []interface{}) (interface{}, error) {
		m, _ := args[0].(map[string]interface{})
		if isCapProbe(m) {
			return []rpctypes.Log{}, nil
		}
		from := decodeHexUint64(m["fromBlock"])
		to := decodeHexUint64(m["toBlock"])
		mu.Lock()
		seenRanges = append(seenRanges, [2]uint64{from, to})
		mu.Unlock()
		return []rpctypes.Log{{Address: common.HexToAddress("0x1"), BlockNumber: hexutil.Uint64(from)}}, nil
	})
	tr.Handle("eth_getBlockByNumber", func(args []interface{}) (interface{}, error) {
		num := decodeHexUint64(args[0])
		return &rpctypes.Block{Number: hexutil.Uint64(num), Hash: common.BigToHash(new(big.Int).SetUint64(num))}, nil
	})

	got, err := r.GetLogs(context.Background(), FilterSpec{FromBlock: AtBlock(100), ToBlock: AtBlock(111)})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.ElementsMatch(t, [][2]uint64{{100, 104}, {105, 109}, {110, 111}}, seenRanges)
}

func TestGetLogsNearHeadUsesPerBlockByHash(t *testing.T) {
	c, tr := newTestClient(t, "fake://logs-perblock", 1000, 10000)
	r := New(c)

	hashOf := func(n uint64) common.Hash { return common.BigToHash(new(big.Int).SetUint64(n + 1)) }
	tr.Handle("eth_getBlockByNumber", func(args []interface{}) (interface{}, error) {
		num := decodeHexUint64(args[0])
		var parent common.Hash
		if num > 996 {
			parent = hashOf(num - 1)
		}
		return &rpctypes.Block{Number: hexutil.Uint64(num), Hash: hashOf(num), ParentHash: parent}, nil
	})
	var calls int32
	tr.Handle("eth_getLogs", func(args []interface{}) (interface{}, error) {
		m, _ := args[0].(map[string]interface{})
		if isCapProbe(m) {
			return []rpctypes.Log{}, nil
		}
		atomic.AddInt32(&calls, 1)
		bh, _ := m["blockHash"].(string)
		require.NotEmpty(t, bh)
		return []rpctypes.Log{{Address: common.HexToAddress("0x2"), BlockHash: common.HexToHash(bh)}}, nil
	})

	got, err := r.GetLogs(context.Background(), FilterSpec{FromBlock: AtBlock(996), ToBlock: AtBlock(998)})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestGetLogsBisectsOnBatchTransportFailure(t *testing.T) {
	c, tr := newTestClient(t, "fake://logs-bisect", 1000, 10000, client.WithUnstableBlocks(0))
	r := New(c)

	tr.Handle("eth_getBlockByNumber", func(args []interface{}) (interface{}, error) {
		num := decodeHexUint64(args[0])
		return &rpctypes.Block{Number: hexutil.Uint64(num)}, nil
	})
	tr.Handle("eth_getLogs", func(args []interface{}) (interface{}, error) {
		m, _ := args[0].(map[string]interface{})
		if isCapProbe(m) {
			return []rpctypes.Log{}, nil
		}
		from := decodeHexUint64(m["fromBlock"])
		return []rpctypes.Log{{Address: common.HexToAddress("0x3"), BlockNumber: hexutil.Uint64(from)}}, nil
	})
	tr.ForceNextBatchError(fmt.Errorf("connection reset"))

	got, err := r.GetLogs(context.Background(), FilterSpec{FromBlock: AtBlock(10), ToBlock: AtBlock(11)})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestGetLogsNearHeadDetectsReorgAtLowerBoundary(t *testing.T) {
	c, tr := newTestClient(t, "fake://logs-perblock-fork", 1000, 10000)
	r := New(c)

	hashOf := func(n uint64) common.Hash { return common.BigToHash(new(big.Int).SetUint64(n + 1)) }
	tr.Handle("eth_getBlockByNumber", func(args []interface{}) (interface{}, error) {
		num := decodeHexUint64(args[0])
		var parent common.Hash
		if num >= 996 {
			parent = hashOf(num - 1)
		}
		return &rpctypes.Block{Number: hexutil.Uint64(num), Hash: hashOf(num), ParentHash: parent}, nil
	})
	tr.Handle("eth_getLogs", func(args []interface{}) (interface{}, error) {
		m, _ := args[0].(map[string]interface{})
		if isCapProbe(m) {
			return []rpctypes.Log{}, nil
		}
		bh, _ := m["blockHash"].(string)
		return []rpctypes.Log{{Address: common.HexToAddress("0x2"), BlockHash: common.HexToHash(bh)}}, nil
	})

	// A stale witness claiming block 996's parent is something other than
	// what the node now reports: the chain reorged under the caller between
	// when it recorded the witness and when this query runs.
	staleParent := common.HexToHash("0xdeadbeef")
	_, err := r.GetLogs(context.Background(), FilterSpec{
		FromBlock: AtBlock(996), ToBlock: AtBlock(998), FromBlockParentHash: &staleParent,
	})
	require.Error(t, err)
	var forkErr *ForkedBlockError
	require.ErrorAs(t, err, &forkErr)
	require.Equal(t, staleParent, forkErr.Expected)
	require.Equal(t, hashOf(995), forkErr.Actual)
}

func TestGetLogsForkedBlockErrorPropagates(t *testing.T) {
	c, tr := newTestClient(t, "fake://logs-fork", 1000, 10000, client.WithUnstableBlocks(0))
	r := New(c)

	actualHash := common.HexToHash("0xbeef")
	tr.Handle("eth_getBlockByNumber", func(args []interface{}) (interface{}, error) {
		num := decodeHexUint64(args[0])
		return &rpctypes.Block{Number: hexutil.Uint64(num), Hash: actualHash}, nil
	})
	tr.Handle("eth_getLogs", func(args []interface{}) (interface{}, error) {
		return []rpctypes.Log{}, nil
	})

	expectedHash := common.HexToHash("0xdead")
	_, err := r.GetLogs(context.Background(), FilterSpec{
		FromBlock: AtBlock(10), ToBlock: AtBlock(11), ToBlockHash: &expectedHash,
	})
	require.Error(t, err)
	var forkErr *ForkedBlockError
	require.ErrorAs(t, err, &forkErr)
	require.Equal(t, expectedHash, forkErr.Expected)
	require.Equal(t, actualHash, forkErr.Actual)
}
