package client

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/icecreamswap/ethadv/retry"
)

const revertPrefix = "execution reverted"

// classifyCallError turns a transport-level eth_call error that carries a
// decoded EVM revert into a *retry.LogicError (§4.1 "the node returned a
// decoded EVM revert ... never retry"), matching web3.py's
// ContractLogicError classification in EthAdvanced.py's exponential_retry.
// Any other error passes through unchanged for the retry engine's default
// (transient) classification.
func classifyCallError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.Contains(msg, revertPrefix) {
		return err
	}
	reason := msg
	if idx := strings.Index(msg, revertPrefix); idx >= 0 {
		reason = strings.TrimSpace(msg[idx+len(revertPrefix):])
		reason = strings.TrimPrefix(reason, ":")
		reason = strings.TrimSpace(reason)
	}
	if !isABIDecodedReason(reason) {
		reason = ""
	}
	return &retry.LogicError{Reason: reason, Data: revertErrorData(err), Err: err}
}

// isABIDecodedReason reports whether reason already looks like a decoded
// Error(string) message (prose) rather than the hex-dump text nodes emit
// for an un-decodable raw revert. classifyCallError keeps Reason only for
// the former so LogicError.Error() doesn't print hex noise for raw-bytes
// reverts (e.g. multicall's Mode U payload).
func isABIDecodedReason(reason string) bool {
	return reason != "" && !strings.HasPrefix(reason, "0x")
}

// revertErrorData extracts the raw revert payload bytes from a JSON-RPC
// error carrying a "data" field (go-ethereum's rpc.DataError), regardless
// of whether that payload decodes as an Error(string) message.
func revertErrorData(err error) []byte {
	de, ok := err.(rpc.DataError)
	if !ok {
		return nil
	}
	data := de.ErrorData()
	s, ok := data.(string)
	if !ok {
		return nil
	}
	b, decErr := hexutil.Decode(s)
	if decErr != nil {
		return nil
	}
	return b
}
