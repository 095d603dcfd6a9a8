// Package rpcbatch implements the JSON-RPC batch-splitting and per-element
// retry policy described by §4.5, grounded on BatchRetryMiddleware.py's
// wrap_make_batch_request: split batches that exceed the node's advertised
// max size, bisect on transport failure or malformed/partial responses, and
// fall back to the RetryEngine for anything that ends up issued one element
// at a time.
package rpcbatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/icecreamswap/ethadv/retry"
	"github.com/icecreamswap/ethadv/rpctypes"
)

// bisectPause is the pause BatchRetryMiddleware.py takes between a failed
// batch attempt and its bisected retry, to give a flaky transport a moment
// to recover before halving the load further.
const bisectPause = 100 * time.Millisecond

// Transport is the subset of client.Transport the middleware needs.
type Transport interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

// Middleware wraps a Transport's batch calls with the split/bisect/retry
// policy of §4.5. It is itself stateless and safe for concurrent use
// (the transport's own batch-exclusivity requirement, §5, is the caller's
// concern, same as for client.Client).
type Middleware struct {
	transport    Transport
	maxBatchSize int
	retryEngine  *retry.Engine
	log          log.Logger
}

// New returns a Middleware. maxBatchSize is the node's advertised
// rpc_batch_max_size (§4.2's probeMaxBatchSize); 0 disables batching
// (every element goes through single-request fallback, §4.5 step 3),
// except for a reorg-witness packet, which is still passed to the
// transport as one batch. A nil retryEngine or logger defaults sensibly.
func New(transport Transport, maxBatchSize int, retryEngine *retry.Engine, logger log.Logger) *Middleware {
	if retryEngine == nil {
		retryEngine = retry.New(true, logger)
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Middleware{transport: transport, maxBatchSize: maxBatchSize, retryEngine: retryEngine, log: logger}
}

// BatchCallContext executes b under the §4.5 policy, filling in each
// element's Result/Error in place (mirroring rpc.Client.BatchCallContext's
// own contract) and returning a non-nil error only for conditions the
// caller cannot recover per-element from (e.g. context cancellation).
func (m *Middleware) BatchCallContext(ctx context.Context, b []rpc.BatchElem) error {
	if len(b) == 0 {
		return nil
	}

	if isWitnessPacket(b) {
		return m.transport.BatchCallContext(ctx, b)
	}

	if m.maxBatchSize > 0 && len(b) > m.maxBatchSize {
		for start := 0; start < len(b); start += m.maxBatchSize {
			end := start + m.maxBatchSize
			if end > len(b) {
				end = len(b)
			}
			if err := m.BatchCallContext(ctx, b[start:end]); err != nil {
				return err
			}
		}
		return nil
	}

	if m.maxBatchSize == 0 || len(b) == 1 {
		return m.callIndividually(ctx, b)
	}

	err := m.transport.BatchCallContext(ctx, b)
	if err == nil {
		if bad := failingIndices(b); len(bad) > 0 {
			return m.retryFailing(ctx, b, bad)
		}
		return nil
	}

	if len(b) == 1 {
		return m.callIndividually(ctx, b)
	}

	m.log.Debug("ethadv/rpcbatch: batch transport failure, bisecting",
		"size", len(b), "err", err)
	if err := m.pause(ctx); err != nil {
		return err
	}
	mid := len(b) / 2
	if err := m.BatchCallContext(ctx, b[:mid]); err != nil {
		return err
	}
	return m.BatchCallContext(ctx, b[mid:])
}

// retryFailing re-issues just the indices failingIndices flagged (§4.5 step
// 5's partial-error case), splicing the results back into b in place.
func (m *Middleware) retryFailing(ctx context.Context, b []rpc.BatchElem, bad []int) error {
	if len(bad) == len(b) {
		m.log.Debug("ethadv/rpcbatch: batch fully malformed, bisecting", "size", len(b))
		if err := m.pause(ctx); err != nil {
			return err
		}
		mid := len(b) / 2
		if mid == 0 {
			return m.callIndividually(ctx, b)
		}
		if err := m.BatchCallContext(ctx, b[:mid]); err != nil {
			return err
		}
		return m.BatchCallContext(ctx, b[mid:])
	}

	sub := make([]rpc.BatchElem, len(bad))
	for i, idx := range bad {
		sub[i] = b[idx]
	}
	if err := m.BatchCallContext(ctx, sub); err != nil {
		return err
	}
	for i, idx := range bad {
		b[idx] = sub[i]
	}
	return nil
}

// callIndividually issues each element through CallContext, wrapped by the
// RetryEngine (§4.5 step 3). eth_getLogs is always issued with no_retry —
// its own retry policy lives in the logs package, one layer up.
func (m *Middleware) callIndividually(ctx context.Context, b []rpc.BatchElem) error {
	for i := range b {
		elem := &b[i]
		noRetry := elem.Method == "eth_getLogs"
		op := retry.Op[struct{}]{
			Name: elem.Method,
			Func: func(ctx context.Context) (struct{}, error) {
				err := m.transport.CallContext(ctx, elem.Result, elem.Method, elem.Args...)
				if err == nil && isNullBlockResult(elem) {
					err = fmt.Errorf("ethadv/rpcbatch: %s returned null", elem.Method)
				}
				return struct{}{}, err
			},
		}
		_, err := retry.Do(ctx, m.retryEngine, op, noRetry)
		elem.Error = err
	}
	return nil
}

func (m *Middleware) pause(ctx context.Context) error {
	timer := time.NewTimer(bisectPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isWitnessPacket recognizes the LogRetriever's reorg-witness packet (§4.3
// step G, §4.5 step 4): a two- or three-entry batch of eth_getLogs
// bracketed by eth_getBlockByNumber calls, passed through verbatim with no
// split or retry so the caller's own witness-mismatch handling sees the
// raw transport outcome.
func isWitnessPacket(b []rpc.BatchElem) bool {
	if len(b) < 2 || len(b) > 3 {
		return false
	}
	logsIdx := -1
	for i, elem := range b {
		if elem.Method == "eth_getLogs" {
			logsIdx = i
			continue
		}
		if elem.Method != "eth_getBlockByNumber" {
			return false
		}
	}
	if logsIdx < 0 {
		return false
	}
	for i, elem := range b {
		if i != logsIdx && elem.Method != "eth_getBlockByNumber" {
			return false
		}
	}
	return true
}

// failingIndices returns the indices of b whose response carries an error
// or a null eth_getBlockBy* result (§4.5 step 6).
func failingIndices(b []rpc.BatchElem) []int {
	var bad []int
	for i := range b {
		if b[i].Error != nil || isNullBlockResult(&b[i]) {
			bad = append(bad, i)
		}
	}
	return bad
}

// isNullBlockResult reports whether elem is an eth_getBlockBy* call whose
// result decoded to nil — a block the node hasn't indexed yet, not a
// transport error (§4.5 step 6). A "result": null reply leaves a
// *rpctypes.Block target at its zero value (encoding/json is a no-op when
// unmarshaling null into a non-pointer-to-pointer target), so an all-zero
// Block with no Hash is treated as null.
func isNullBlockResult(elem *rpc.BatchElem) bool {
	switch elem.Method {
	case "eth_getBlockByNumber", "eth_getBlockByHash":
	default:
		return false
	}
	blk, ok := elem.Result.(*rpctypes.Block)
	if !ok || blk == nil {
		return false
	}
	return blk.Hash == (common.Hash{})
}
