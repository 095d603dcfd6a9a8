// Package rpctypes holds the wire-level shapes exchanged with a JSON-RPC
// node, generalizing web3.py's FilterParams/LogReceipt/BlockData TypedDicts
// (EthAdvanced.py) into concrete Go structs.
package rpctypes

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// FilterParams is the eth_getLogs request shape, extended with the
// reorg-witness fields introduced in §4.3/§9 (fromBlockParentHash,
// toBlockHash). Exactly one of BlockHash or (FromBlock, ToBlock) is set.
type FilterParams struct {
	Address            []common.Address `json:"address,omitempty"`
	Topics             [][]common.Hash  `json:"topics,omitempty"`
	FromBlock          *hexutil.Big     `json:"fromBlock,omitempty"`
	ToBlock            *hexutil.Big     `json:"toBlock,omitempty"`
	BlockHash          *common.Hash     `json:"blockHash,omitempty"`
	FromBlockParentHash *common.Hash    `json:"-"`
	ToBlockHash        *common.Hash     `json:"-"`
}

// Log is the eth_getLogs response element shape (web3's LogReceipt).
type Log struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	TxHash      common.Hash    `json:"transactionHash"`
	TxIndex     hexutil.Uint   `json:"transactionIndex"`
	BlockHash   common.Hash    `json:"blockHash"`
	LogIndex    hexutil.Uint   `json:"logIndex"`
	Removed     bool           `json:"removed"`
}

// Block is the subset of eth_getBlockBy* fields the core needs as a
// reorg witness: number, hash, parent hash.
type Block struct {
	Number     hexutil.Uint64 `json:"number"`
	Hash       common.Hash    `json:"hash"`
	ParentHash common.Hash    `json:"parentHash"`
}

// JSONRPCRequest is one element of an outgoing batch.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// JSONRPCError is the standard JSON-RPC error envelope.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// JSONRPCResponse is one element of an incoming batch reply.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// StateOverrideAccount mirrors go-ethereum's eth_call state override shape
// for one address: code/balance/nonce (whole-account, at most one writer
// each) and exactly one of State (full replace) or StateDiff (partial).
type StateOverrideAccount struct {
	Balance   *hexutil.Big               `json:"balance,omitempty"`
	Nonce     *hexutil.Uint64            `json:"nonce,omitempty"`
	Code      hexutil.Bytes              `json:"code,omitempty"`
	State     map[common.Hash]common.Hash `json:"state,omitempty"`
	StateDiff map[common.Hash]common.Hash `json:"stateDiff,omitempty"`
}

// StateOverride is the full eth_call state override map.
type StateOverride map[common.Address]StateOverrideAccount
