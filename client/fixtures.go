package client

import "encoding/binary"

// revertTesterBytecode is constructor bytecode that immediately reverts
// with the fixed ABI-encoded message "abc" (Error(string) selector
// 0x08c379a0), used by the revert-reason-fidelity probe (§4.2 probe 4).
// It CODECOPYs a trailing constant data blob into memory and REVERTs with
// it — the same "append constant data after code" pattern a Solidity
// compiler emits, spelled out in raw opcodes so the probe has no external
// compiled-artifact dependency.
var revertTesterBytecode = buildRevertTesterBytecode()

func buildRevertTesterBytecode() []byte {
	data := revertData("abc")

	preamble := []byte{
		0x61, 0x00, 0x00, // PUSH2 <dataLen> (patched below)
		0x80,             // DUP1
		0x61, 0x00, 0x00, // PUSH2 <codeOffset> (patched below)
		0x60, 0x00, // PUSH1 0  (dest memory offset)
		0x39,       // CODECOPY
		0x60, 0x00, // PUSH1 0  (revert memory offset)
		0xfd, // REVERT
	}
	binary.BigEndian.PutUint16(preamble[1:3], uint16(len(data)))
	binary.BigEndian.PutUint16(preamble[5:7], uint16(len(preamble)))

	return append(preamble, data...)
}

// revertData builds the ABI-encoded revert payload for Error(string): a
// 4-byte selector, a 32-byte offset word, a 32-byte length word, and the
// string bytes right-padded to a 32-byte boundary.
func revertData(reason string) []byte {
	selector := []byte{0x08, 0xc3, 0x79, 0xa0}
	offset := make([]byte, 32)
	offset[31] = 0x20
	length := make([]byte, 32)
	length[31] = byte(len(reason))

	padded := make([]byte, ((len(reason)+31)/32)*32)
	if len(padded) == 0 {
		padded = make([]byte, 32)
	}
	copy(padded, reason)

	out := make([]byte, 0, len(selector)+len(offset)+len(length)+len(padded))
	out = append(out, selector...)
	out = append(out, offset...)
	out = append(out, length...)
	out = append(out, padded...)
	return out
}

// overwriteTesterRuntimeBytecode is runtime bytecode for a trivial getter
// that returns storage slot 0, used by the state-override probe (§4.2
// probe 5): SLOAD slot 0, MSTORE, RETURN 32 bytes.
var overwriteTesterRuntimeBytecode = []byte{
	0x60, 0x00, // PUSH1 0
	0x54,       // SLOAD
	0x60, 0x00, // PUSH1 0
	0x52,       // MSTORE
	0x60, 0x20, // PUSH1 32
	0x60, 0x00, // PUSH1 0
	0xf3, // RETURN
}
