// Package client implements ClientState (spec §3): construction,
// capability probing (§4.2), and the low-level retry-wrapped JSON-RPC
// calls every other subsystem builds on. Grounded on Web3Advanced.__init__
// and EthAdvanced's low-level wrappers in EthAdvanced.py.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/icecreamswap/ethadv/archive"
	"github.com/icecreamswap/ethadv/retry"
	"github.com/icecreamswap/ethadv/rpcbatch"
	"github.com/icecreamswap/ethadv/rpctypes"
)

const chainIDCacheSize = 256

// chainIDCache memoizes eth_chainId per node URL, process-wide (§9,
// generalizing EthAdvanced.py's RPC_TO_CHAIN_ID_CACHE).
var chainIDCache = mustChainIDCache()

func mustChainIDCache() *lru.Cache[string, uint64] {
	c, err := lru.New[string, uint64](chainIDCacheSize)
	if err != nil {
		panic(err)
	}
	return c
}

// Client is the immutable-after-construction capability-aware RPC client
// (spec §3 ClientState). All fields except latestSeenBlock are set once
// during New and read-only thereafter.
type Client struct {
	transport      Transport
	nodeURL        string
	shouldRetry    bool
	unstableBlocks int
	logger         log.Logger
	archiveClient  *archive.Client
	noExtArchive   bool
	retryEngine    *retry.Engine
	batchMW        *rpcbatch.Middleware

	chainID uint64

	filterBlockRange        int
	rpcBatchMaxSize         int
	revertReasonAvailable   bool
	isArchive                bool
	overwritesAvailable      bool
	externalArchiveAvailable bool

	latestSeenBlock atomic.Uint64

	probeMu sync.Mutex // not locked anywhere; New runs the probes sequentially
}

// New dials no transport itself (the caller already has one, e.g. from
// rpc.DialContext); it runs the full capability probe (§4.2) synchronously
// before returning, exactly as Web3Advanced.__init__ does.
func New(ctx context.Context, nodeURL string, transport Transport, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Client{
		transport:      transport,
		nodeURL:        nodeURL,
		shouldRetry:    cfg.shouldRetry,
		unstableBlocks: cfg.unstableBlocks,
		logger:         cfg.logger,
		archiveClient:  cfg.archive,
		noExtArchive:   cfg.noExternalArchive,
	}
	c.retryEngine = retry.New(c.shouldRetry, c.logger)

	chainID, err := c.fetchChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("ethadv/client: fetch chain id: %w", err)
	}
	c.chainID = chainID

	head, err := c.BlockNumber(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("ethadv/client: fetch head block number: %w", err)
	}
	c.latestSeenBlock.Store(head)

	c.probeCapabilities(ctx, head)
	c.batchMW = rpcbatch.New(c.transport, c.rpcBatchMaxSize, c.retryEngine, c.logger)

	return c, nil
}

func (c *Client) fetchChainID(ctx context.Context) (uint64, error) {
	if v, ok := chainIDCache.Get(c.nodeURL); ok {
		return v, nil
	}
	id, err := retry.Do(ctx, c.retryEngine, retry.Op[uint64]{
		Name: "chain_id",
		Func: func(ctx context.Context) (uint64, error) {
			var result hexutil.Uint64
			if err := c.transport.CallContext(ctx, &result, "eth_chainId"); err != nil {
				return 0, err
			}
			return uint64(result), nil
		},
	}, false)
	if err != nil {
		return 0, err
	}
	chainIDCache.Add(c.nodeURL, id)
	return id, nil
}

// --- read-only accessors (ClientState fields) ---

func (c *Client) NodeURL() string                      { return c.nodeURL }
func (c *Client) ShouldRetry() bool                     { return c.shouldRetry }
func (c *Client) UnstableBlocks() int                   { return c.unstableBlocks }
func (c *Client) ChainID() uint64                       { return c.chainID }
func (c *Client) FilterBlockRange() int                 { return c.filterBlockRange }
func (c *Client) RPCBatchMaxSize() int                  { return c.rpcBatchMaxSize }
func (c *Client) RevertReasonAvailable() bool            { return c.revertReasonAvailable }
func (c *Client) IsArchive() bool                        { return c.isArchive }
func (c *Client) OverwritesAvailable() bool               { return c.overwritesAvailable }
func (c *Client) ExternalArchiveAvailable() bool          { return c.externalArchiveAvailable }
func (c *Client) Archive() *archive.Client                { return c.archiveClient }
func (c *Client) Logger() log.Logger                      { return c.logger }
func (c *Client) RetryEngine() *retry.Engine               { return c.retryEngine }
func (c *Client) Transport() Transport                     { return c.transport }

// BatchCallContext issues a JSON-RPC batch through the §4.5 split/bisect/
// retry policy (rpcbatch.Middleware), rather than going straight to the
// raw transport. logs.Retriever's batched-fetch-with-witness step uses
// this; its packet is one the middleware recognizes and passes to the
// transport verbatim, so a transport error reaches the retriever, which
// bisects the range itself.
func (c *Client) BatchCallContext(ctx context.Context, b []rpc.BatchElem) error {
	return c.batchMW.BatchCallContext(ctx, b)
}

// LatestSeenBlock returns the highest block number observed so far from
// any successful RPC (monotonic, §3).
func (c *Client) LatestSeenBlock() uint64 { return c.latestSeenBlock.Load() }

// ObserveBlock folds an externally-obtained block number into
// latestSeenBlock's monotonic max-merge (§3, §5). Callers that issue raw
// batched RPCs outside the Client's own wrappers (e.g. logs.Retriever's
// batched-fetch-with-witness step) use this to keep the witness current.
func (c *Client) ObserveBlock(n uint64) { c.advanceLatestSeenBlock(n) }

// advanceLatestSeenBlock performs the monotonic max-merge update (§3, §5):
// latest_seen_block only ever increases, updated atomically so the client
// is safe to call from multiple goroutines provided the transport is.
func (c *Client) advanceLatestSeenBlock(observed uint64) {
	for {
		cur := c.latestSeenBlock.Load()
		if observed <= cur {
			return
		}
		if c.latestSeenBlock.CompareAndSwap(cur, observed) {
			return
		}
	}
}

// --- low-level RPC operations, each retry-wrapped per §4.1 ---

// BlockNumber issues eth_blockNumber and advances latestSeenBlock.
func (c *Client) BlockNumber(ctx context.Context, noRetry bool) (uint64, error) {
	n, err := retry.Do(ctx, c.retryEngine, retry.Op[uint64]{
		Name: "block_number",
		Func: func(ctx context.Context) (uint64, error) {
			var result hexutil.Uint64
			if err := c.transport.CallContext(ctx, &result, "eth_blockNumber"); err != nil {
				return 0, err
			}
			return uint64(result), nil
		},
	}, noRetry)
	if err == nil {
		c.advanceLatestSeenBlock(n)
	}
	return n, err
}

// GetBlockByNumber fetches a block by its numeric height, advancing
// latestSeenBlock on success.
func (c *Client) GetBlockByNumber(ctx context.Context, number uint64, noRetry bool) (*rpctypes.Block, error) {
	return c.getBlock(ctx, "eth_getBlockByNumber", hexutil.Uint64(number), noRetry)
}

// GetBlockByTag resolves a symbolic block tag ("latest", "earliest", ...).
func (c *Client) GetBlockByTag(ctx context.Context, tag string, noRetry bool) (*rpctypes.Block, error) {
	return c.getBlock(ctx, "eth_getBlockByNumber", tag, noRetry)
}

// GetBlockByHash fetches a block by hash.
func (c *Client) GetBlockByHash(ctx context.Context, hash common.Hash, noRetry bool) (*rpctypes.Block, error) {
	return c.getBlock(ctx, "eth_getBlockByHash", hash, noRetry)
}

func (c *Client) getBlock(ctx context.Context, method string, arg interface{}, noRetry bool) (*rpctypes.Block, error) {
	block, err := retry.Do(ctx, c.retryEngine, retry.Op[*rpctypes.Block]{
		Name: method,
		Func: func(ctx context.Context) (*rpctypes.Block, error) {
			var result *rpctypes.Block
			if err := c.transport.CallContext(ctx, &result, method, arg, false); err != nil {
				return nil, err
			}
			if result == nil {
				return nil, fmt.Errorf("unknown block")
			}
			return result, nil
		},
	}, noRetry)
	if err == nil && block != nil {
		c.advanceLatestSeenBlock(uint64(block.Number))
	}
	return block, err
}

// GetLogsRaw issues a single eth_getLogs call with no range logic of its
// own; callers (logs.Retriever) own the splitting/bisection policy.
func (c *Client) GetLogsRaw(ctx context.Context, params rpctypes.FilterParams, noRetry bool) ([]rpctypes.Log, error) {
	return retry.Do(ctx, c.retryEngine, retry.Op[[]rpctypes.Log]{
		Name: "get_logs",
		Func: func(ctx context.Context) ([]rpctypes.Log, error) {
			var result []rpctypes.Log
			if err := c.transport.CallContext(ctx, &result, "eth_getLogs", filterParamsJSON(params)); err != nil {
				return nil, err
			}
			return result, nil
		},
	}, noRetry)
}

// Call issues eth_call, decoding an EVM revert into a *retry.LogicError so
// the RetryEngine classifies it as terminal. from is the sender address to
// place in the call message (nil omits "from", letting the node default
// it); callers that depend on a deterministic CREATE sender, such as
// multicall's constructor mode, must pass their fixed caller address.
func (c *Client) Call(ctx context.Context, from, to *common.Address, data []byte, blockNumber *uint64, override rpctypes.StateOverride, noRetry bool) ([]byte, error) {
	return retry.Do(ctx, c.retryEngine, retry.Op[[]byte]{
		Name: "call",
		Func: func(ctx context.Context) ([]byte, error) {
			msg := callMsgJSON(from, to, data)
			blockArg := "latest"
			if blockNumber != nil {
				blockArg = hexutil.EncodeUint64(*blockNumber)
			}
			var result hexutil.Bytes
			var err error
			if len(override) > 0 {
				err = c.transport.CallContext(ctx, &result, "eth_call", msg, blockArg, override)
			} else {
				err = c.transport.CallContext(ctx, &result, "eth_call", msg, blockArg)
			}
			if err != nil {
				return nil, classifyCallError(err)
			}
			return result, nil
		},
	}, noRetry)
}

func callMsgJSON(from, to *common.Address, data []byte) map[string]interface{} {
	msg := map[string]interface{}{"data": hexutil.Encode(data)}
	if from != nil {
		msg["from"] = from.Hex()
	}
	if to != nil {
		msg["to"] = to.Hex()
	}
	return msg
}

func filterParamsJSON(p rpctypes.FilterParams) map[string]interface{} {
	m := map[string]interface{}{}
	if len(p.Address) > 0 {
		m["address"] = p.Address
	}
	if len(p.Topics) > 0 {
		m["topics"] = p.Topics
	}
	if p.BlockHash != nil {
		m["blockHash"] = p.BlockHash.Hex()
		return m
	}
	if p.FromBlock != nil {
		m["fromBlock"] = hexutil.EncodeBig(p.FromBlock.ToInt())
	}
	if p.ToBlock != nil {
		m["toBlock"] = hexutil.EncodeBig(p.ToBlock.ToInt())
	}
	return m
}
