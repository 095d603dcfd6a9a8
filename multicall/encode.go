package multicall

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// callOutcome is one raw per-call result, before ABI-decoding the return
// data against that call's own output types.
type callOutcome struct {
	success    bool
	gasUsed    uint64
	returnData []byte
}

// deployedOutputs mirrors multicallWithGasLimitation's return tuple so
// abi.UnpackIntoInterface can populate it reflectively.
type deployedOutputs struct {
	ExecutedCount *big.Int
	ReturnData    []struct {
		Success    bool
		GasUsed    *big.Int
		ReturnData []byte
	}
}

// buildDeployedCalldata builds Mode D's multicallWithGasLimitation
// calldata (§4.4): an optional self-call to deployContract ahead of the
// real calls, then one (target, gasLimit, callData) tuple per call.
func (a *Aggregator) buildDeployedCalldata(constructorBytecode []byte, calls []Call) ([]byte, error) {
	args := make([]multicallArg, 0, len(calls)+1)
	if constructorBytecode != nil {
		deployCalldata, err := aggregatorABI.Pack("deployContract", constructorBytecode)
		if err != nil {
			return nil, fmt.Errorf("ethadv/multicall: encode deployContract call: %w", err)
		}
		args = append(args, multicallArg{Target: a.aggregatorAddr, GasLimit: big.NewInt(perCallGasLimit), CallData: deployCalldata})
	}
	for _, c := range calls {
		args = append(args, multicallArg{Target: c.Target, GasLimit: big.NewInt(perCallGasLimit), CallData: c.CallData})
	}
	packed, err := aggregatorABI.Pack("multicallWithGasLimitation", args, big.NewInt(gasBuffer))
	if err != nil {
		return nil, fmt.Errorf("ethadv/multicall: encode multicallWithGasLimitation: %w", err)
	}
	return packed, nil
}

// decodeDeployedResult decodes Mode D's (executedCount, returnData[])
// reply into one callOutcome per executed call.
func decodeDeployedResult(raw []byte) ([]callOutcome, error) {
	var out deployedOutputs
	if err := aggregatorABI.UnpackIntoInterface(&out, "multicallWithGasLimitation", raw); err != nil {
		return nil, fmt.Errorf("ethadv/multicall: decode multicall result: %w", err)
	}
	outcomes := make([]callOutcome, len(out.ReturnData))
	for i, r := range out.ReturnData {
		gasUsed := uint64(0)
		if r.GasUsed != nil {
			gasUsed = r.GasUsed.Uint64()
		}
		outcomes[i] = callOutcome{success: r.Success, gasUsed: gasUsed, returnData: r.ReturnData}
	}
	return outcomes, nil
}

// buildConstructorCalldata builds Mode U's deployment transaction data:
// the registered aggregator init code followed by its ABI-encoded
// constructor arguments (useRevert, the pending undeployed contract's
// own init code, and the packed calls blob, §4.4).
func (a *Aggregator) buildConstructorCalldata(pendingContractBytecode []byte, calls []Call, useRevert bool) ([]byte, error) {
	bytecode := getConstructorBytecode()
	if len(bytecode) == 0 {
		return nil, fmt.Errorf("ethadv/multicall: no Mode U aggregator bytecode registered; call RegisterConstructorBytecode first")
	}

	packedCalls := encodePackedCalls(calls)
	ctorBytecode := pendingContractBytecode
	if ctorBytecode == nil {
		ctorBytecode = []byte{}
	}

	args, err := undeployedAggregatorABI.Pack("", useRevert, ctorBytecode, packedCalls)
	if err != nil {
		return nil, fmt.Errorf("ethadv/multicall: encode constructor aggregator args: %w", err)
	}

	data := make([]byte, 0, len(bytecode)+len(args))
	data = append(data, bytecode...)
	data = append(data, args...)
	return data, nil
}

// encodePackedCalls builds the tightly-packed calls blob documented in
// §4.4: a 32-byte call count, then per call a flags byte (bit0: same
// target as previous; bit1: same calldata as previous) followed by
// whichever of target/length/calldata the flags didn't omit.
func encodePackedCalls(calls []Call) []byte {
	var buf bytes.Buffer

	var countWord [32]byte
	binary.BigEndian.PutUint64(countWord[24:], uint64(len(calls)))
	buf.Write(countWord[:])

	var prevTarget *common.Address
	var prevCallData []byte
	for _, c := range calls {
		sameTarget := prevTarget != nil && *prevTarget == c.Target
		sameData := prevCallData != nil && bytes.Equal(prevCallData, c.CallData)

		var flags byte
		if sameTarget {
			flags |= 1
		}
		if sameData {
			flags |= 2
		}
		buf.WriteByte(flags)

		if !sameTarget {
			buf.Write(c.Target.Bytes())
		}
		if !sameData {
			var lenBuf [2]byte
			binary.BigEndian.PutUint16(lenBuf[:], uint16(len(c.CallData)))
			buf.Write(lenBuf[:])
			buf.Write(c.CallData)
		}

		target := c.Target
		prevTarget = &target
		prevCallData = c.CallData
	}
	return buf.Bytes()
}

// decodeConstructorResult decodes Mode U's packed reply (§4.4): per
// call, a 2-byte total length, a 1-byte success flag, a 4-byte gas-used
// word, then the return data.
func decodeConstructorResult(raw []byte) ([]callOutcome, error) {
	var outcomes []callOutcome
	for len(raw) > 0 {
		if len(raw) < 2 {
			return nil, fmt.Errorf("ethadv/multicall: truncated packed result header")
		}
		totalLen := int(binary.BigEndian.Uint16(raw[:2]))
		if len(raw) < 2+totalLen {
			return nil, fmt.Errorf("ethadv/multicall: truncated packed result body")
		}
		entry := raw[2 : 2+totalLen]
		if len(entry) < 5 {
			return nil, fmt.Errorf("ethadv/multicall: packed result entry too short")
		}
		outcomes = append(outcomes, callOutcome{
			success:    entry[0] == 1,
			gasUsed:    uint64(binary.BigEndian.Uint32(entry[1:5])),
			returnData: append([]byte(nil), entry[5:]...),
		})
		raw = raw[2+totalLen:]
	}
	return outcomes, nil
}

// decodeCallOutcomes ABI-decodes each outcome's return data against its
// call's declared output types (§4.4 step 6), unwrapping single-value
// tuples to a scalar the way Multicall.py's decode_contract_function_result
// does.
func decodeCallOutcomes(outcomes []callOutcome, calls []Call) []Result {
	n := len(outcomes)
	if n > len(calls) {
		n = len(calls)
	}
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		o := outcomes[i]
		if !o.success {
			results[i] = Result{Err: fmt.Errorf("execution reverted: %s", decodeRevertReason(o.returnData)), GasUsed: o.gasUsed}
			continue
		}
		val, err := decodeOutputs(calls[i].OutputTypes, o.returnData)
		if err != nil {
			results[i] = Result{Err: err, GasUsed: o.gasUsed}
			continue
		}
		results[i] = Result{Value: val, GasUsed: o.gasUsed}
	}
	return results
}

// errorStringSelector is the 4-byte selector of Error(string), the
// Solidity compiler's standard revert-reason encoding.
var errorStringSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// decodeRevertReason extracts a human-readable message from a per-call
// revert's raw return data, mirroring Multicall.py's get_revert_reason.
func decodeRevertReason(data []byte) string {
	if len(data) == 0 {
		return "unknown"
	}
	if len(data) < 4 || !bytes.Equal(data[:4], errorStringSelector) {
		return fmt.Sprintf("0x%x", data)
	}
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		return fmt.Sprintf("0x%x", data)
	}
	args := abi.Arguments{{Type: stringTy}}
	vals, err := args.UnpackValues(data[4:])
	if err != nil || len(vals) != 1 {
		return fmt.Sprintf("0x%x", data)
	}
	s, ok := vals[0].(string)
	if !ok {
		return fmt.Sprintf("0x%x", data)
	}
	return s
}

// decodeOutputs ABI-decodes raw against a call's declared output types,
// unwrapping a single-value tuple to a scalar.
func decodeOutputs(types []string, raw []byte) (interface{}, error) {
	if len(types) == 0 {
		return raw, nil
	}
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		ty, err := abi.NewType(t, "", nil)
		if err != nil {
			return nil, fmt.Errorf("ethadv/multicall: parse output type %q: %w", t, err)
		}
		args[i] = abi.Argument{Type: ty}
	}
	vals, err := args.UnpackValues(raw)
	if err != nil {
		return nil, fmt.Errorf("ethadv/multicall: decode call result: %w", err)
	}
	if len(vals) == 1 {
		return vals[0], nil
	}
	return vals, nil
}
