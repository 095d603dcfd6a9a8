package client

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/icecreamswap/ethadv/retry"
	"github.com/icecreamswap/ethadv/rpctypes"
)

// filterRangesToTry descending candidate list (§4.2 probe 1).
var filterRangesToTry = []int{10000, 5000, 2000, 1000, 500, 200, 100, 50, 20, 10, 5, 2, 1}

// batchSizesToTry ascending candidate list (§4.2 probe 2).
var batchSizesToTry = []int{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000}

var zeroAddress common.Address

// probeCapabilities runs every §4.2 probe independently: a probe failure
// only affects that capability's value, never aborts construction (the
// fatal cases — chain id, head block number — already happened in New).
func (c *Client) probeCapabilities(ctx context.Context, head uint64) {
	c.filterBlockRange = c.probeMaxFilterRange(ctx, head)
	c.rpcBatchMaxSize = c.probeMaxBatchSize(ctx)
	c.isArchive = c.probeIsArchive(ctx)
	c.revertReasonAvailable = c.probeRevertReasonAvailable(ctx)
	c.overwritesAvailable = c.probeOverwritesAvailable(ctx)
	c.externalArchiveAvailable = c.probeExternalArchiveAvailable(ctx)
}

// probeMaxFilterRange finds the largest getLogs span the node accepts
// (§4.2 probe 1): descending candidates against the zero address (which
// emits no logs), first success wins.
func (c *Client) probeMaxFilterRange(ctx context.Context, head uint64) int {
	for i, r := range filterRangesToTry {
		from := int64(head) - 5 - int64(r) + 1
		if from < 0 {
			from = 0
		}
		to := int64(head) - 5
		if to < 0 {
			to = 0
		}
		params := rpctypes.FilterParams{
			Address:   []common.Address{zeroAddress},
			FromBlock: (*hexutil.Big)(big.NewInt(from)),
			ToBlock:   (*hexutil.Big)(big.NewInt(to)),
		}
		_, err := c.GetLogsRaw(ctx, params, true)
		if err == nil {
			return r
		}
		c.logger.Debug("ethadv/client: max filter range probe failed", "range", r, "err", err)
		if i != len(filterRangesToTry)-1 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	return 0
}

// probeMaxBatchSize finds the largest batch the node executes correctly
// (§4.2 probe 2): ascending candidates of identical eth_gasPrice requests.
func (c *Client) probeMaxBatchSize(ctx context.Context) int {
	working := 0
	for _, b := range batchSizesToTry {
		n, err := c.probeBatchOf(ctx, b)
		if err != nil || n != b {
			break
		}
		working = b
		time.Sleep(100 * time.Millisecond)
	}
	return working
}

func (c *Client) probeBatchOf(ctx context.Context, n int) (int, error) {
	elems := make([]rpc.BatchElem, n)
	for i := range elems {
		var result hexutil.Big
		elems[i] = rpc.BatchElem{Method: "eth_gasPrice", Result: &result}
	}
	if err := c.transport.BatchCallContext(ctx, elems); err != nil {
		return 0, err
	}
	ok := 0
	for _, e := range elems {
		if e.Error != nil {
			return ok, e.Error
		}
		ok++
	}
	return ok, nil
}

// probeIsArchive checks eth_call at block height 1 (§4.2 probe 3).
func (c *Client) probeIsArchive(ctx context.Context) bool {
	blockOne := uint64(1)
	_, err := c.Call(ctx, nil, &zeroAddress, nil, &blockOne, nil, true)
	if err != nil {
		c.logger.Debug("ethadv/client: archive probe failed", "err", err)
		return false
	}
	return true
}

// probeRevertReasonAvailable deploys the revert-tester constructor and
// checks the decoded message matches exactly (§4.2 probe 4).
func (c *Client) probeRevertReasonAvailable(ctx context.Context) bool {
	_, err := c.Call(ctx, nil, nil, revertTesterBytecode, nil, nil, true)
	if err == nil {
		c.logger.Debug("ethadv/client: revert tester did not revert")
		return false
	}
	var le *retry.LogicError
	if !errors.As(err, &le) {
		c.logger.Debug("ethadv/client: revert reason probe got non-logic error", "err", err)
		return false
	}
	return le.Error() == "execution reverted: abc"
}

// probeOverwritesAvailable injects code + a storage slot at a test
// address and checks the getter returns the injected value (§4.2 probe 5).
func (c *Client) probeOverwritesAvailable(ctx context.Context) bool {
	testAddr := common.HexToAddress("0x1234567800000000000000000000000000000001")
	const testValue = 1234

	slotKey := common.Hash{}
	slotVal := common.BigToHash(big.NewInt(testValue))

	override := rpctypes.StateOverride{
		testAddr: rpctypes.StateOverrideAccount{
			Code:      overwriteTesterRuntimeBytecode,
			StateDiff: map[common.Hash]common.Hash{slotKey: slotVal},
		},
	}

	result, err := c.Call(ctx, nil, &testAddr, nil, nil, override, true)
	if err != nil {
		c.logger.Debug("ethadv/client: overwrite probe failed", "err", err)
		return false
	}
	return new(big.Int).SetBytes(result).Cmp(big.NewInt(testValue)) == 0
}

// probeExternalArchiveAvailable checks the registered archive client
// indexes this chain (§4.2 probe 6).
func (c *Client) probeExternalArchiveAvailable(ctx context.Context) bool {
	if c.noExtArchive || c.archiveClient == nil {
		return false
	}
	ok, err := c.archiveClient.Supports(c.chainID)
	if err != nil {
		c.logger.Debug("ethadv/client: external archive probe failed", "err", err)
		return false
	}
	return ok
}

