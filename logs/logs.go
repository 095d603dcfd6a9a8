// Package logs implements the adaptive get_logs algorithm (§4.3): a
// FilterSpec is dispatched through a chain of increasingly conservative
// strategies (single block by hash, external archive offload, discovered
// range-cap splitting, batched fetch with reorg witnesses, bisection on
// failure) until it can be answered reliably. Grounded on
// EthAdvanced.get_logs.
package logs

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"

	"github.com/icecreamswap/ethadv/archive"
	"github.com/icecreamswap/ethadv/client"
	"github.com/icecreamswap/ethadv/rpctypes"
)

// perBlockFanoutLimit bounds concurrent getBlock+getLogs-by-hash requests
// during chain-head-safety enumeration (§4.3, S4), generalizing the
// teacher's flag-configurable worker pool (16-concurrency) into a fixed
// internal cap since this path has no CLI surface of its own.
const perBlockFanoutLimit = 8

// lookaheadBlocks is how far past ToBlock an archive query asks the
// archive to index anyway, to warm the future-logs cache for later,
// nearby queries (§4.3 step D, §6).
const lookaheadBlocks = 100_000

// archiveHorizon is how far behind the chain head a range must start
// before it is considered for archive offload (§4.3 step D).
const archiveHorizon = 1_000

// BlockRef names a block either by a symbolic tag ("latest", "earliest",
// "pending", "safe", "finalized") or by a concrete number. The zero value
// is the tag "latest".
type BlockRef struct {
	Number *uint64
	Tag    string
}

// AtBlock returns a BlockRef naming a concrete block number.
func AtBlock(n uint64) BlockRef { return BlockRef{Number: &n} }

// AtTag returns a BlockRef naming a symbolic tag.
func AtTag(tag string) BlockRef { return BlockRef{Tag: tag} }

func (r BlockRef) resolvedTag() string {
	if r.Tag != "" {
		return r.Tag
	}
	return "latest"
}

// FilterSpec is the get_logs request shape (§3): mutually exclusive
// BlockHash xor (FromBlock, ToBlock), with optional hash witnesses
// pinning the expected identity of the endpoint blocks.
type FilterSpec struct {
	Address []common.Address
	Topics  [][]common.Hash

	BlockHash *common.Hash

	FromBlock           BlockRef
	ToBlock             BlockRef
	FromBlockParentHash *common.Hash
	ToBlockHash         *common.Hash
}

// LogRecord is one returned log (§3), produced from the node's or the
// archive's wire shape.
type LogRecord struct {
	Address     common.Address
	BlockHash   common.Hash
	BlockNumber uint64
	Data        []byte
	LogIndex    uint64
	Topics      []common.Hash
	TxHash      common.Hash
	TxIndex     uint64
	Removed     bool
}

// ForkedBlockError reports that a block's observed hash or parent hash
// did not match the witness the caller supplied (§4.3 step G).
type ForkedBlockError struct {
	Expected common.Hash
	Actual   common.Hash
}

func (e *ForkedBlockError) Error() string {
	return fmt.Sprintf("ethadv/logs: forked block: expected=%s, actual=%s", e.Expected.Hex(), e.Actual.Hex())
}

// Progress receives incremental block-count updates while a wide-range
// query is in flight (generalizing EthAdvanced.py's tqdm progress bar,
// §9). Each block fetched over RPC is reported once; blocks answered by
// the external archive are not reported.
type Progress interface {
	Add(n int)
}

type options struct {
	useExternalArchive bool
	noRetry            bool
	progress           Progress
}

// Option configures a single GetLogs call.
type Option func(*options)

// WithNoExternalArchive disables archive offload for this call only.
func WithNoExternalArchive() Option {
	return func(o *options) { o.useExternalArchive = false }
}

// WithNoRetry disables RetryEngine retries for this call only.
func WithNoRetry() Option {
	return func(o *options) { o.noRetry = true }
}

// WithProgress reports block-count progress as the call proceeds.
func WithProgress(p Progress) Option {
	return func(o *options) { o.progress = p }
}

func defaultOptions() *options {
	return &options{useExternalArchive: true}
}

// Retriever runs the get_logs algorithm against a *client.Client.
type Retriever struct {
	client *client.Client
}

// New returns a Retriever bound to c.
func New(c *client.Client) *Retriever {
	return &Retriever{client: c}
}

// GetLogs resolves spec into an ordered, deduplicated log list (§4.3).
func (r *Retriever) GetLogs(ctx context.Context, spec FilterSpec, opts ...Option) ([]LogRecord, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	if r.client.FilterBlockRange() <= 0 {
		return nil, fmt.Errorf("ethadv/logs: node does not support eth_getLogs")
	}

	// (A) single block by hash: forward unchanged, no range logic.
	if spec.BlockHash != nil {
		return r.fetchByHash(ctx, spec, o.noRetry)
	}

	// (B) resolve symbolic bounds, capturing witnesses for (C).
	fromNum, _, fromWitnessParent, err := r.resolveBound(ctx, spec.FromBlock, o.noRetry)
	if err != nil {
		return nil, err
	}
	toNum, toWitnessHash, _, err := r.resolveBound(ctx, spec.ToBlock, o.noRetry)
	if err != nil {
		return nil, err
	}
	if toNum < fromNum {
		return nil, fmt.Errorf("ethadv/logs: from block %d after to block %d", fromNum, toNum)
	}

	fromParentHash := spec.FromBlockParentHash
	if fromParentHash == nil {
		fromParentHash = fromWitnessParent
	}
	toBlockHash := spec.ToBlockHash
	if toBlockHash == nil {
		toBlockHash = toWitnessHash
	}

	resolved := FilterSpec{
		Address:             spec.Address,
		Topics:              spec.Topics,
		FromBlock:           AtBlock(fromNum),
		ToBlock:             AtBlock(toNum),
		FromBlockParentHash: fromParentHash,
		ToBlockHash:         toBlockHash,
	}

	// (C) single block by number with a body witness: reissue by hash.
	if fromNum == toNum && toBlockHash != nil {
		byHash := resolved
		byHash.BlockHash = toBlockHash
		byHash.FromBlock = BlockRef{}
		byHash.ToBlock = BlockRef{}
		return r.fetchByHash(ctx, byHash, o.noRetry)
	}

	return r.getLogsResolved(ctx, resolved, o)
}

func (r *Retriever) getLogsResolved(ctx context.Context, spec FilterSpec, o *options) ([]LogRecord, error) {
	fromNum := *spec.FromBlock.Number
	toNum := *spec.ToBlock.Number
	numBlocks := toNum - fromNum + 1

	// (D) external archive offload.
	if o.useExternalArchive && r.client.ExternalArchiveAvailable() && r.client.Archive() != nil {
		latest := r.client.LatestSeenBlock()
		if latest > archiveHorizon && fromNum < latest-archiveHorizon {
			logs, done, err := r.tryArchive(ctx, spec, toNum, o)
			if err == nil {
				return logs, nil
			}
			if done {
				return nil, err
			}
			// archive failed softly; fall through to RPC path.
		}
	}

	// (E) single block.
	if numBlocks == 1 {
		logs, err := r.fetchRange(ctx, spec, o.noRetry)
		if err == nil && o.progress != nil {
			o.progress.Add(1)
		}
		return logs, err
	}

	// chain-head safety: upgrade near-head ranges to per-block by-hash
	// enumeration so the node's own unstable tail can't silently drop
	// logs from blocks it hasn't fully indexed yet (§4.3, S4).
	if unstable := r.client.UnstableBlocks(); unstable > 0 {
		latest := r.client.LatestSeenBlock()
		if toNum+uint64(unstable) >= latest {
			return r.fetchPerBlockByHash(ctx, spec, o)
		}
	}

	// (F) split by discovered cap.
	if rangeCap := uint64(r.client.FilterBlockRange()); numBlocks > rangeCap {
		var out []LogRecord
		for start := fromNum; start <= toNum; start += rangeCap {
			end := start + rangeCap - 1
			if end > toNum {
				end = toNum
			}
			chunk := FilterSpec{
				Address:   spec.Address,
				Topics:    spec.Topics,
				FromBlock: AtBlock(start),
				ToBlock:   AtBlock(end),
			}
			if start == fromNum {
				chunk.FromBlockParentHash = spec.FromBlockParentHash
			}
			if end == toNum {
				chunk.ToBlockHash = spec.ToBlockHash
			}
			part, err := r.getLogsResolved(ctx, chunk, o)
			if err != nil {
				return nil, err
			}
			out = append(out, part...)
		}
		return out, nil
	}

	// (G) batched fetch with reorg witness, bisecting on any failure.
	logs, err := r.fetchBatchedWithWitness(ctx, spec, o.noRetry)
	if err == nil {
		if o.progress != nil {
			o.progress.Add(int(numBlocks))
		}
		return logs, nil
	}
	if _, forked := err.(*ForkedBlockError); forked {
		return nil, err
	}

	mid := fromNum + (toNum-fromNum)/2
	left := FilterSpec{Address: spec.Address, Topics: spec.Topics, FromBlock: AtBlock(fromNum), ToBlock: AtBlock(mid), FromBlockParentHash: spec.FromBlockParentHash}
	right := FilterSpec{Address: spec.Address, Topics: spec.Topics, FromBlock: AtBlock(mid + 1), ToBlock: AtBlock(toNum), ToBlockHash: spec.ToBlockHash}

	leftLogs, err := r.getLogsResolved(ctx, left, o)
	if err != nil {
		return nil, err
	}
	rightLogs, err := r.getLogsResolved(ctx, right, o)
	if err != nil {
		return nil, err
	}
	return append(leftLogs, rightLogs...), nil
}

// resolveBound resolves a BlockRef to a number, returning witness hashes
// when the resolution came from a fresh get_block call: the fetched
// block's own hash (useful as a to-bound witness) and its parent hash
// (useful as a from-bound witness); the caller decides which one it
// applies.
func (r *Retriever) resolveBound(ctx context.Context, ref BlockRef, noRetry bool) (uint64, *common.Hash, *common.Hash, error) {
	if ref.Number != nil {
		return *ref.Number, nil, nil, nil
	}
	block, err := r.client.GetBlockByTag(ctx, ref.resolvedTag(), noRetry)
	if err != nil {
		return 0, nil, nil, err
	}
	hash, parent := block.Hash, block.ParentHash
	return uint64(block.Number), &hash, &parent, nil
}

func (r *Retriever) fetchByHash(ctx context.Context, spec FilterSpec, noRetry bool) ([]LogRecord, error) {
	params := rpctypes.FilterParams{
		Address:   spec.Address,
		Topics:    spec.Topics,
		BlockHash: spec.BlockHash,
	}
	raw, err := r.client.GetLogsRaw(ctx, params, noRetry)
	if err != nil {
		return nil, err
	}
	return sortedRecords(raw), nil
}

func (r *Retriever) fetchRange(ctx context.Context, spec FilterSpec, noRetry bool) ([]LogRecord, error) {
	params := rpctypes.FilterParams{
		Address:   spec.Address,
		Topics:    spec.Topics,
		FromBlock: (*hexutil.Big)(bigFromUint64(*spec.FromBlock.Number)),
		ToBlock:   (*hexutil.Big)(bigFromUint64(*spec.ToBlock.Number)),
	}
	raw, err := r.client.GetLogsRaw(ctx, params, noRetry)
	if err != nil {
		return nil, err
	}
	return sortedRecords(raw), nil
}

// fetchPerBlockByHash enumerates every block in [from,to] individually by
// hash (§4.3 chain-head safety / S4), fanning the per-block getBlock+
// getLogs pairs out across a bounded worker pool and verifying the
// parentHash chain is consistent across consecutive blocks once every
// result is in.
func (r *Retriever) fetchPerBlockByHash(ctx context.Context, spec FilterSpec, o *options) ([]LogRecord, error) {
	fromNum := *spec.FromBlock.Number
	toNum := *spec.ToBlock.Number
	n := int(toNum-fromNum) + 1

	blocks := make([]*rpctypes.Block, n)
	perBlockLogs := make([][]LogRecord, n)

	var progressMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(perBlockFanoutLimit)
	for i := 0; i < n; i++ {
		i := i
		num := fromNum + uint64(i)
		g.Go(func() error {
			block, err := r.client.GetBlockByNumber(gctx, num, o.noRetry)
			if err != nil {
				return err
			}
			blocks[i] = block
			hash := block.Hash
			part, err := r.fetchByHash(gctx, FilterSpec{Address: spec.Address, Topics: spec.Topics, BlockHash: &hash}, o.noRetry)
			if err != nil {
				return err
			}
			perBlockLogs[i] = part
			if o.progress != nil {
				progressMu.Lock()
				o.progress.Add(1)
				progressMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []LogRecord
	prevHash := spec.FromBlockParentHash
	for i, block := range blocks {
		if prevHash != nil && block.ParentHash != *prevHash {
			return nil, &ForkedBlockError{Expected: *prevHash, Actual: block.ParentHash}
		}
		hash := block.Hash
		prevHash = &hash
		out = append(out, perBlockLogs[i]...)
	}
	return out, nil
}

// fetchBatchedWithWitness implements §4.3 step G: one JSON-RPC batch
// covering (optional) getBlock(from), getLogs, getBlock(to), validated
// against any supplied hash witnesses.
func (r *Retriever) fetchBatchedWithWitness(ctx context.Context, spec FilterSpec, noRetry bool) ([]LogRecord, error) {
	fromNum := *spec.FromBlock.Number
	toNum := *spec.ToBlock.Number

	var fromBlockResult, toBlockResult rpctypes.Block
	var logsResult []rpctypes.Log

	elems := make([]rpc.BatchElem, 0, 3)
	haveFromWitness := spec.FromBlockParentHash != nil
	if haveFromWitness {
		elems = append(elems, rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{hexutil.EncodeUint64(fromNum), false},
			Result: &fromBlockResult,
		})
	}
	elems = append(elems, rpc.BatchElem{
		Method: "eth_getLogs",
		Args:   []interface{}{filterParamsJSON(spec)},
		Result: &logsResult,
	})
	elems = append(elems, rpc.BatchElem{
		Method: "eth_getBlockByNumber",
		Args:   []interface{}{hexutil.EncodeUint64(toNum), false},
		Result: &toBlockResult,
	})

	if err := r.client.BatchCallContext(ctx, elems); err != nil {
		return nil, err
	}
	for _, e := range elems {
		if e.Error != nil {
			return nil, e.Error
		}
	}

	if uint64(toBlockResult.Number) != toNum {
		return nil, fmt.Errorf("ethadv/logs: eth_getLogs batch returned unexpected to-block number")
	}
	if spec.ToBlockHash != nil && toBlockResult.Hash != *spec.ToBlockHash {
		return nil, &ForkedBlockError{Expected: *spec.ToBlockHash, Actual: toBlockResult.Hash}
	}
	if haveFromWitness {
		if uint64(fromBlockResult.Number) != fromNum {
			return nil, fmt.Errorf("ethadv/logs: eth_getLogs batch returned unexpected from-block number")
		}
		if fromBlockResult.ParentHash != *spec.FromBlockParentHash {
			return nil, &ForkedBlockError{Expected: *spec.FromBlockParentHash, Actual: fromBlockResult.ParentHash}
		}
	}

	r.client.ObserveBlock(uint64(toBlockResult.Number))
	return sortedRecords(logsResult), nil
}

// tryArchive attempts §4.3 step D; done=true means the archive path is
// authoritative (its error, if any, should be returned as-is); done=false
// means the caller should silently fall back to the RPC path.
func (r *Retriever) tryArchive(ctx context.Context, spec FilterSpec, toNum uint64, o *options) ([]LogRecord, bool, error) {
	fromNum := *spec.FromBlock.Number
	q := archive.Query{Address: spec.Address, Topics: spec.Topics, FromBlock: fromNum, ToBlock: toNum}

	nextBlock, archLogs, err := r.client.Archive().FetchLogs(ctx, r.client.ChainID(), q, toNum+lookaheadBlocks)
	if err != nil {
		return nil, false, err
	}
	if nextBlock > toNum+1 {
		return nil, true, fmt.Errorf("ethadv/logs: archive returned logs for more blocks than requested")
	}

	records := make([]LogRecord, len(archLogs))
	for i, l := range archLogs {
		records[i] = LogRecord{
			Address: l.Address, BlockHash: l.BlockHash, BlockNumber: l.BlockNumber,
			Data: l.Data, LogIndex: l.LogIndex, Topics: l.Topics, TxHash: l.TxHash, TxIndex: l.TxIndex,
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].BlockNumber != records[j].BlockNumber {
			return records[i].BlockNumber < records[j].BlockNumber
		}
		return records[i].LogIndex < records[j].LogIndex
	})

	if nextBlock == toNum+1 {
		return records, true, nil
	}

	rest, err := r.getLogsResolved(ctx, FilterSpec{
		Address: spec.Address, Topics: spec.Topics,
		FromBlock: AtBlock(nextBlock), ToBlock: AtBlock(toNum),
		ToBlockHash: spec.ToBlockHash,
	}, &options{useExternalArchive: false, noRetry: o.noRetry, progress: o.progress})
	if err != nil {
		return nil, true, err
	}
	return append(records, rest...), true, nil
}

func filterParamsJSON(spec FilterSpec) map[string]interface{} {
	m := map[string]interface{}{}
	if len(spec.Address) > 0 {
		m["address"] = spec.Address
	}
	if len(spec.Topics) > 0 {
		m["topics"] = spec.Topics
	}
	m["fromBlock"] = hexutil.EncodeUint64(*spec.FromBlock.Number)
	m["toBlock"] = hexutil.EncodeUint64(*spec.ToBlock.Number)
	return m
}

func sortedRecords(raw []rpctypes.Log) []LogRecord {
	out := make([]LogRecord, len(raw))
	for i, l := range raw {
		out[i] = LogRecord{
			Address:     l.Address,
			BlockHash:   l.BlockHash,
			BlockNumber: uint64(l.BlockNumber),
			Data:        l.Data,
			LogIndex:    uint64(l.LogIndex),
			Topics:      l.Topics,
			TxHash:      l.TxHash,
			TxIndex:     uint64(l.TxIndex),
			Removed:     l.Removed,
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out
}

func bigFromUint64(n uint64) *big.Int { return new(big.Int).SetUint64(n) }
