// Package multicall aggregates many contract calls into a single EVM
// execution (§4.4), grounded on Multicall.py. Two execution modes are
// chosen automatically from whether a known aggregator contract is
// deployed on the client's chain (Mode D) or must be simulated through a
// one-shot constructor (Mode U).
package multicall

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/icecreamswap/ethadv/client"
	addrcache "github.com/icecreamswap/ethadv/internal/addr"
	"github.com/icecreamswap/ethadv/internal/createaddr"
	"github.com/icecreamswap/ethadv/retry"
	"github.com/icecreamswap/ethadv/rpctypes"
)

// recursionFanoutLimit bounds the concurrent slices issued by execBatch's
// batch-size splitting, the same bounded-worker-pool idiom
// logs.fetchPerBlockByHash uses. Bisection on failure runs its two halves
// concurrently without this limit.
const recursionFanoutLimit = 8

// callerAddress is the fixed dummy caller Mode U deploys its
// constructor-aggregator from (Multicall.py's CALLER_ADDRESS).
var callerAddress = common.HexToAddress("0x0000000000000000000000000000000000000123")

const (
	defaultBatchSize  = 1_000
	perCallGasLimit   = 100_000_000
	gasBuffer         = 10_000_000
)

var (
	deploymentsMu sync.RWMutex
	deployments   = map[uint64]common.Address{
		1116: common.HexToAddress("0x2C310a21E21a3eaDF4e53E1118aeD4614c51B576"),
	}
)

// constructorAggregatorBytecode is the init code of the Mode U
// constructor-aggregator contract (the deploy-time counterpart of
// Multicall.py's UNDEPLOYED_MULTICALL_BYTECODE, loaded there from a
// compiled artifact). This module has no Solidity toolchain to compile
// one itself, so it ships as a registerable value rather than a
// baked-in constant; RegisterConstructorBytecode lets the embedding
// application supply its compiled artifact once at startup.
var (
	constructorBytecodeMu sync.RWMutex
	constructorAggregatorBytecode []byte
)

// RegisterConstructorBytecode sets the Mode U aggregator's init code.
// Required before Execute on an Aggregator for a chain with no registered
// Mode D deployment; the bytecode is read when each call is built.
func RegisterConstructorBytecode(bytecode []byte) {
	constructorBytecodeMu.Lock()
	defer constructorBytecodeMu.Unlock()
	constructorAggregatorBytecode = append([]byte(nil), bytecode...)
}

func getConstructorBytecode() []byte {
	constructorBytecodeMu.RLock()
	defer constructorBytecodeMu.RUnlock()
	return constructorAggregatorBytecode
}

// RegisterDeployment records a known Mode D aggregator address for a
// chain, so future Aggregators constructed for that chain use it.
func RegisterDeployment(chainID uint64, addr common.Address) {
	deploymentsMu.Lock()
	defer deploymentsMu.Unlock()
	deployments[chainID] = addr
}

func lookupDeployment(chainID uint64) (common.Address, bool) {
	deploymentsMu.RLock()
	defer deploymentsMu.RUnlock()
	addr, ok := deployments[chainID]
	return addr, ok
}

// Call is one pending multicall entry (§3 MulticallBuilder). Target ==
// the zero address denotes "the to-be-deployed contract" when the
// builder has a pending constructor.
type Call struct {
	Target        common.Address
	CallData      []byte
	StateOverride rpctypes.StateOverride
	OutputTypes   []string
}

// Result is one decoded multicall outcome (§4.4 step 6): exactly one of
// Value or Err is meaningful.
type Result struct {
	Value   interface{}
	Err     error
	GasUsed uint64
}

// Builder accumulates calls before a single Execute (§3).
type Builder struct {
	calls               []Call
	constructorBytecode []byte
	hasConstructor      bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// AddCall appends a call against an already-deployed target.
func (b *Builder) AddCall(c Call) { b.calls = append(b.calls, c) }

// AddUndeployedContract registers the one pending constructor this
// builder may deploy ahead of its calls.
func (b *Builder) AddUndeployedContract(bytecode []byte) error {
	if b.hasConstructor {
		return fmt.Errorf("ethadv/multicall: can only add one undeployed contract")
	}
	b.constructorBytecode = bytecode
	b.hasConstructor = true
	return nil
}

// AddUndeployedContractCall appends a call against the pending
// undeployed contract, addressed by the zero-address placeholder.
func (b *Builder) AddUndeployedContractCall(callData []byte, outputTypes []string) error {
	if !b.hasConstructor {
		return fmt.Errorf("ethadv/multicall: no undeployed contract added yet")
	}
	b.calls = append(b.calls, Call{CallData: callData, OutputTypes: outputTypes})
	return nil
}

type mode int

const (
	modeDeployed mode = iota
	modeConstructor
)

// Aggregator runs Execute against a chain's chosen multicall mode.
type Aggregator struct {
	client           *client.Client
	mode             mode
	aggregatorAddr   common.Address
	undeployedTarget common.Address
	batchSize        int
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithBatchSize overrides the per-eth_call call count cap (default
// 1000, Multicall.py's batch_size).
func WithBatchSize(n int) Option {
	return func(a *Aggregator) { a.batchSize = n }
}

// New builds an Aggregator for c's chain, resolving Mode D vs Mode U and
// pre-computing the undeployed-contract CREATE address (§4.4).
func New(c *client.Client, opts ...Option) (*Aggregator, error) {
	a := &Aggregator{client: c, batchSize: defaultBatchSize}

	if addr, ok := lookupDeployment(c.ChainID()); ok {
		a.mode = modeDeployed
		a.aggregatorAddr = addr
		undeployed, err := createaddr.Predict(addr, 1)
		if err != nil {
			return nil, fmt.Errorf("ethadv/multicall: predict mode-D undeployed address: %w", err)
		}
		a.undeployedTarget = undeployed
	} else {
		a.mode = modeConstructor
		undeployed, err := createaddr.PredictUndeployed(callerAddress, 0)
		if err != nil {
			return nil, fmt.Errorf("ethadv/multicall: predict mode-U undeployed address: %w", err)
		}
		a.undeployedTarget = undeployed
	}

	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// UndeployedContractAddress returns the CREATE-predicted address the
// builder's pending constructor (if any) will end up at.
func (a *Aggregator) UndeployedContractAddress() common.Address { return a.undeployedTarget }

// Execute runs every call in b, in order, returning one Result per call
// (§3 invariant: result count == input call count, order preserved).
func (a *Aggregator) Execute(ctx context.Context, b *Builder) ([]Result, error) {
	useRevert := a.client.RevertReasonAvailable()
	calls := make([]Call, len(b.calls))
	for i, c := range b.calls {
		if c.Target == (common.Address{}) {
			c.Target = a.undeployedTarget
		}
		calls[i] = c
	}
	return a.execBatch(ctx, b.constructorBytecode, calls, useRevert, a.batchSize)
}

// execBatch implements §4.4's recursive execution loop, steps 1-6.
func (a *Aggregator) execBatch(ctx context.Context, constructorBytecode []byte, calls []Call, useRevert bool, batchSize int) ([]Result, error) {
	// step 1: keep calls within the per-invocation batch size, fanning
	// the independent slices out across a bounded worker pool (only the
	// first slice ever carries the pending constructor deploy).
	if len(calls) > batchSize {
		nParts := (len(calls) + batchSize - 1) / batchSize
		parts := make([][]Result, nParts)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(recursionFanoutLimit)
		for p := 0; p < nParts; p++ {
			p := p
			start := p * batchSize
			end := start + batchSize
			if end > len(calls) {
				end = len(calls)
			}
			slice := calls[start:end]
			ctorForSlice := constructorBytecode
			if p != 0 {
				ctorForSlice = nil
			}
			g.Go(func() error {
				part, err := a.execBatch(gctx, ctorForSlice, slice, useRevert, batchSize)
				if err != nil {
					return err
				}
				parts[p] = part
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		var out []Result
		for _, part := range parts {
			out = append(out, part...)
		}
		return out, nil
	}

	// step 2: build the call + merged state override.
	override, err := mergeStateOverrides(calls)
	if err != nil {
		return nil, err
	}

	var to *common.Address
	var data []byte
	if a.mode == modeDeployed {
		data, err = a.buildDeployedCalldata(constructorBytecode, calls)
		to = &a.aggregatorAddr
	} else {
		data, err = a.buildConstructorCalldata(constructorBytecode, calls, useRevert)
		to = nil
	}
	if err != nil {
		return nil, err
	}

	// step 3/4: invoke, retrying a lone call or bisecting a batch on failure.
	// Mode U with useRevert reads its result off the revert channel by
	// design (the constructor always reverts with the packed payload), so
	// a *retry.LogicError carrying raw Data there is success, not failure.
	noRetry := len(calls) != 1
	raw, callErr := a.client.Call(ctx, &callerAddress, to, data, nil, override, noRetry)
	if callErr != nil {
		var le *retry.LogicError
		if a.mode == modeConstructor && useRevert && errAsLogicError(callErr, &le) && len(le.Data) > 0 {
			raw = le.Data
		} else {
			if len(calls) == 1 {
				return []Result{{Err: callErr}}, nil
			}
			mid := len(calls) / 2
			var left, right []Result
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() (err error) {
				left, err = a.execBatch(gctx, constructorBytecode, calls[:mid], useRevert, batchSize)
				return err
			})
			g.Go(func() (err error) {
				right, err = a.execBatch(gctx, nil, calls[mid:], useRevert, batchSize)
				return err
			})
			if err := g.Wait(); err != nil {
				return nil, err
			}
			return append(left, right...), nil
		}
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("ethadv/multicall: no data returned from multicall")
	}

	var rawOutcomes []callOutcome
	if a.mode == modeDeployed {
		rawOutcomes, err = decodeDeployedResult(raw)
	} else {
		rawOutcomes, err = decodeConstructorResult(raw)
	}
	if err != nil {
		return nil, err
	}

	callsForDecode := calls
	if a.mode == modeDeployed && constructorBytecode != nil {
		if len(rawOutcomes) == 0 {
			return nil, fmt.Errorf("ethadv/multicall: undeployed contract deployment produced no result")
		}
		deployOutcome := rawOutcomes[0]
		if !deployOutcome.success {
			return nil, fmt.Errorf("ethadv/multicall: undeployed contract constructor reverted")
		}
		deployedAddr := common.BytesToAddress(deployOutcome.returnData)
		if deployedAddr != a.undeployedTarget {
			return nil, fmt.Errorf("ethadv/multicall: unexpected undeployed contract address: got %s want %s", addrcache.Checksum(deployedAddr), addrcache.Checksum(a.undeployedTarget))
		}
		rawOutcomes = rawOutcomes[1:]
	}

	results := decodeCallOutcomes(rawOutcomes, callsForDecode)

	// step 5: gas-truncation recursion (§S5) — fewer outcomes than calls
	// came back; the last one may be partially executed, so drop and retry
	// it, but only when more than one outcome came back. With exactly one
	// outcome for an N>1 batch, that outcome is trustworthy on its own (the
	// call before it, if any, already succeeded) and must be kept, or the
	// retry recurses on the same calls forever.
	if len(results) < len(calls) {
		if len(results) == 0 {
			return nil, fmt.Errorf("ethadv/multicall: multicall returned zero results for a non-empty batch")
		}
		if len(results) > 1 {
			results = results[:len(results)-1]
		}
		rest, err := a.execBatch(ctx, nil, calls[len(results):], useRevert, batchSize)
		if err != nil {
			return nil, err
		}
		results = append(results, rest...)
	}

	return results, nil
}

func errAsLogicError(err error, target **retry.LogicError) bool {
	if err == nil {
		return false
	}
	le, ok := err.(*retry.LogicError)
	if !ok {
		return false
	}
	*target = le
	return true
}

// mergeStateOverrides combines each call's per-call override into one
// consolidated override (§4.4 state-override merge rules): at most one
// writer per address for balance/nonce/code, State and StateDiff remain
// mutually exclusive, and StateDiff slot conflicts must agree.
func mergeStateOverrides(calls []Call) (rpctypes.StateOverride, error) {
	merged := rpctypes.StateOverride{}
	for _, c := range calls {
		for addr, acc := range c.StateOverride {
			existing, ok := merged[addr]
			if !ok {
				merged[addr] = acc
				continue
			}
			if err := mergeAccountOverride(&existing, acc); err != nil {
				return nil, fmt.Errorf("ethadv/multicall: state override conflict at %s: %w", addrcache.Checksum(addr), err)
			}
			merged[addr] = existing
		}
	}
	if len(merged) == 0 {
		return nil, nil
	}
	return merged, nil
}

func mergeAccountOverride(dst *rpctypes.StateOverrideAccount, src rpctypes.StateOverrideAccount) error {
	if src.Balance != nil {
		if dst.Balance != nil {
			return fmt.Errorf("conflicting balance override")
		}
		dst.Balance = src.Balance
	}
	if src.Nonce != nil {
		if dst.Nonce != nil {
			return fmt.Errorf("conflicting nonce override")
		}
		dst.Nonce = src.Nonce
	}
	if len(src.Code) != 0 {
		if len(dst.Code) != 0 {
			return fmt.Errorf("conflicting code override")
		}
		dst.Code = src.Code
	}
	if len(src.State) != 0 {
		if len(dst.StateDiff) != 0 {
			return fmt.Errorf("state and stateDiff are mutually exclusive")
		}
		if dst.State == nil {
			dst.State = map[common.Hash]common.Hash{}
		}
		for k, v := range src.State {
			if existing, ok := dst.State[k]; ok && existing != v {
				return fmt.Errorf("conflicting state slot %s", k.Hex())
			}
			dst.State[k] = v
		}
	}
	if len(src.StateDiff) != 0 {
		if len(dst.State) != 0 {
			return fmt.Errorf("state and stateDiff are mutually exclusive")
		}
		if dst.StateDiff == nil {
			dst.StateDiff = map[common.Hash]common.Hash{}
		}
		for k, v := range src.StateDiff {
			if existing, ok := dst.StateDiff[k]; ok && existing != v {
				return fmt.Errorf("conflicting stateDiff slot %s", k.Hex())
			}
			dst.StateDiff[k] = v
		}
	}
	return nil
}
