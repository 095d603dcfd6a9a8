package multicall

import (
	"bytes"
	"context"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/icecreamswap/ethadv/client"
	"github.com/icecreamswap/ethadv/internal/testrpc"
	"github.com/icecreamswap/ethadv/rpctypes"
)

// --- pure-function coverage: state override merge rules (§4.4) ---

func TestMergeStateOverridesConflictingBalance(t *testing.T) {
	a1 := common.HexToAddress("0x1")
	v1, v2 := big.NewInt(1), big.NewInt(2)
	_, err := mergeStateOverrides([]Call{
		{Target: common.HexToAddress("0xa"), StateOverride: rpctypes.StateOverride{a1: {Balance: v1}}},
		{Target: common.HexToAddress("0xb"), StateOverride: rpctypes.StateOverride{a1: {Balance: v2}}},
	})
	require.Error(t, err)
}

func TestMergeStateOverridesStateAndStateDiffMutuallyExclusive(t *testing.T) {
	a1 := common.HexToAddress("0x1")
	_, err := mergeStateOverrides([]Call{
		{StateOverride: rpctypes.StateOverride{a1: {State: map[common.Hash]common.Hash{{}: {1}}}}},
		{StateOverride: rpctypes.StateOverride{a1: {StateDiff: map[common.Hash]common.Hash{{}: {1}}}}},
	})
	require.Error(t, err)
}

func TestMergeStateOverridesAgreeingStateDiffSlotsMerge(t *testing.T) {
	a1 := common.HexToAddress("0x1")
	slot := common.Hash{1}
	val := common.Hash{2}
	merged, err := mergeStateOverrides([]Call{
		{StateOverride: rpctypes.StateOverride{a1: {StateDiff: map[common.Hash]common.Hash{slot: val}}}},
		{StateOverride: rpctypes.StateOverride{a1: {StateDiff: map[common.Hash]common.Hash{slot: val}}}},
	})
	require.NoError(t, err)
	require.Equal(t, val, merged[a1].StateDiff[slot])
}

func TestMergeStateOverridesConflictingStateDiffSlotsError(t *testing.T) {
	a1 := common.HexToAddress("0x1")
	slot := common.Hash{1}
	_, err := mergeStateOverrides([]Call{
		{StateOverride: rpctypes.StateOverride{a1: {StateDiff: map[common.Hash]common.Hash{slot: {2}}}}},
		{StateOverride: rpctypes.StateOverride{a1: {StateDiff: map[common.Hash]common.Hash{slot: {3}}}}},
	})
	require.Error(t, err)
}

func TestMergeStateOverridesEmptyIsNil(t *testing.T) {
	merged, err := mergeStateOverrides(nil)
	require.NoError(t, err)
	require.Nil(t, merged)
}

// --- pure-function coverage: result decoding (§4.4 step 6) ---

func TestDecodeRevertReasonDecodesErrorString(t *testing.T) {
	stringTy, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringTy}}.Pack("insufficient balance")
	require.NoError(t, err)
	data := append(append([]byte{}, errorStringSelector...), packed...)
	require.Equal(t, "insufficient balance", decodeRevertReason(data))
}

func TestDecodeRevertReasonFallsBackToHexForUndecodable(t *testing.T) {
	require.Equal(t, "unknown", decodeRevertReason(nil))
	require.Equal(t, "0xdeadbeef", decodeRevertReason([]byte{0xde, 0xad, 0xbe, 0xef}))
}

func TestDecodeOutputsSingleValueUnwrapsToScalar(t *testing.T) {
	uintTy, err := abi.NewType("uint256", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: uintTy}}.Pack(big.NewInt(42))
	require.NoError(t, err)
	v, err := decodeOutputs([]string{"uint256"}, packed)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(42), v)
}

func TestDecodeOutputsNoTypesReturnsRaw(t *testing.T) {
	v, err := decodeOutputs(nil, []byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, v)
}

func TestDecodeCallOutcomesMarksRevertsAsErrors(t *testing.T) {
	outcomes := []callOutcome{
		{success: true, returnData: mustPackUint(t, 7)},
		{success: false, returnData: nil},
	}
	calls := []Call{{OutputTypes: []string{"uint256"}}, {OutputTypes: []string{"uint256"}}}
	results := decodeCallOutcomes(outcomes, calls)
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.Equal(t, big.NewInt(7), results[0].Value)
	require.Error(t, results[1].Err)
}

func mustPackUint(t *testing.T, v int64) []byte {
	t.Helper()
	uintTy, err := abi.NewType("uint256", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: uintTy}}.Pack(big.NewInt(v))
	require.NoError(t, err)
	return packed
}

// --- encodePackedCalls / decodeConstructorResult (Mode U wire format) ---

func TestEncodePackedCallsCompressesRepeatedTargetAndData(t *testing.T) {
	target := common.HexToAddress("0xaa")
	data := []byte{0x01, 0x02}
	packed := encodePackedCalls([]Call{{Target: target, CallData: data}, {Target: target, CallData: data}})
	// count word (32) + first entry (flags + 20-byte target + 2-byte len + data) + second entry (flags only).
	require.Equal(t, 32+1+20+2+len(data)+1, len(packed))
	secondFlags := packed[len(packed)-1]
	require.Equal(t, byte(0x03), secondFlags)
}

func TestDecodeConstructorResultParsesEntries(t *testing.T) {
	var buf bytes.Buffer
	writeEntry := func(success bool, gasUsed uint32, ret []byte) {
		entry := make([]byte, 5+len(ret))
		if success {
			entry[0] = 1
		}
		entry[1] = byte(gasUsed >> 24)
		entry[2] = byte(gasUsed >> 16)
		entry[3] = byte(gasUsed >> 8)
		entry[4] = byte(gasUsed)
		copy(entry[5:], ret)
		var lenBuf [2]byte
		lenBuf[0] = byte(len(entry) >> 8)
		lenBuf[1] = byte(len(entry))
		buf.Write(lenBuf[:])
		buf.Write(entry)
	}
	writeEntry(true, 21000, []byte{0xaa})
	writeEntry(false, 5000, nil)

	outcomes, err := decodeConstructorResult(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.True(t, outcomes[0].success)
	require.EqualValues(t, 21000, outcomes[0].gasUsed)
	require.Equal(t, []byte{0xaa}, outcomes[0].returnData)
	require.False(t, outcomes[1].success)
}

// --- end-to-end Execute against Mode D (chain 1116's registered deployment) ---

type resultEntry struct {
	Success    bool
	GasUsed    *big.Int
	ReturnData []byte
}

func packDeployedResult(t *testing.T, executedCount int64, entries []resultEntry) []byte {
	t.Helper()
	packed, err := aggregatorABI.Methods["multicallWithGasLimitation"].Outputs.Pack(big.NewInt(executedCount), entries)
	require.NoError(t, err)
	return packed
}

func newModeDClient(t *testing.T, nodeURL string, callHandler func(data []byte) (interface{}, error)) *client.Client {
	t.Helper()
	tr := testrpc.New()
	tr.Handle("eth_chainId", func(args []interface{}) (interface{}, error) { return hexutil.Uint64(1116), nil })
	tr.Handle("eth_blockNumber", func(args []interface{}) (interface{}, error) { return hexutil.Uint64(1000), nil })
	tr.Handle("eth_gasPrice", func(args []interface{}) (interface{}, error) { return hexutil.Uint64(1), nil })
	tr.Handle("eth_getLogs", func(args []interface{}) (interface{}, error) { return []rpctypes.Log{}, nil })
	sel := aggregatorABI.Methods["multicallWithGasLimitation"].ID
	tr.Handle("eth_call", func(args []interface{}) (interface{}, error) {
		msg, _ := args[0].(map[string]interface{})
		dataHex, _ := msg["data"].(string)
		data, _ := hexutil.Decode(dataHex)
		if len(data) >= 4 && bytes.Equal(data[:4], sel) {
			return callHandler(data[4:])
		}
		return hexutil.Bytes{}, nil
	})
	c, err := client.New(context.Background(), nodeURL, tr)
	require.NoError(t, err)
	return c
}

func TestExecuteModeDeployedSuccessAndRevert(t *testing.T) {
	packed := packDeployedResult(t, 2, []resultEntry{
		{Success: true, GasUsed: big.NewInt(21000), ReturnData: mustPackUint(t, 99)},
		{Success: false, GasUsed: big.NewInt(21000), ReturnData: nil},
	})
	c := newModeDClient(t, "fake://multicall-modeD", func(data []byte) (interface{}, error) {
		return hexutil.Bytes(packed), nil
	})

	agg, err := New(c)
	require.NoError(t, err)

	b := NewBuilder()
	b.AddCall(Call{Target: common.HexToAddress("0x1"), OutputTypes: []string{"uint256"}})
	b.AddCall(Call{Target: common.HexToAddress("0x2"), OutputTypes: []string{"uint256"}})

	results, err := agg.Execute(context.Background(), b)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.Equal(t, big.NewInt(99), results[0].Value)
	require.Error(t, results[1].Err)
}

func TestExecuteGasTruncationRecursion(t *testing.T) {
	var invocation int32
	// The first invocation reports only one outcome for a three-call batch
	// (as if it ran out of gas mid-batch). A lone outcome is trustworthy on
	// its own (nothing before it could have been left uncertain), so
	// execBatch must keep it and retry only the remaining two calls, not
	// the whole batch again. The second invocation answers those in full.
	firstResult := packDeployedResult(t, 1, []resultEntry{
		{Success: true, GasUsed: big.NewInt(21000), ReturnData: mustPackUint(t, 1)},
	})
	secondResult := packDeployedResult(t, 2, []resultEntry{
		{Success: true, GasUsed: big.NewInt(21000), ReturnData: mustPackUint(t, 2)},
		{Success: true, GasUsed: big.NewInt(21000), ReturnData: mustPackUint(t, 3)},
	})
	c := newModeDClient(t, "fake://multicall-truncate", func(data []byte) (interface{}, error) {
		n := atomic.AddInt32(&invocation, 1)
		if n == 1 {
			return hexutil.Bytes(firstResult), nil
		}
		return hexutil.Bytes(secondResult), nil
	})

	agg, err := New(c)
	require.NoError(t, err)

	b := NewBuilder()
	b.AddCall(Call{Target: common.HexToAddress("0x1"), OutputTypes: []string{"uint256"}})
	b.AddCall(Call{Target: common.HexToAddress("0x2"), OutputTypes: []string{"uint256"}})
	b.AddCall(Call{Target: common.HexToAddress("0x3"), OutputTypes: []string{"uint256"}})

	results, err := agg.Execute(context.Background(), b)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, big.NewInt(1), results[0].Value)
	require.Equal(t, big.NewInt(2), results[1].Value)
	require.Equal(t, big.NewInt(3), results[2].Value)
	require.EqualValues(t, 2, atomic.LoadInt32(&invocation))
}
