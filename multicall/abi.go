package multicall

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// aggregatorABIJSON is the Mode D deployed-aggregator interface (§4.4):
// multicallWithGasLimitation executes calls sequentially until gasBuffer
// remains, returning a diagnostic count and one (success, gasUsed,
// returnData) tuple per executed call; deployContract is used once to
// deploy a pending undeployed contract ahead of the real calls.
const aggregatorABIJSON = `[
	{"type":"function","name":"multicallWithGasLimitation","stateMutability":"view","inputs":[
		{"name":"calls","type":"tuple[]","components":[
			{"name":"target","type":"address"},
			{"name":"gasLimit","type":"uint256"},
			{"name":"callData","type":"bytes"}
		]},
		{"name":"gasBuffer","type":"uint256"}
	],"outputs":[
		{"name":"executedCount","type":"uint256"},
		{"name":"returnData","type":"tuple[]","components":[
			{"name":"success","type":"bool"},
			{"name":"gasUsed","type":"uint256"},
			{"name":"returnData","type":"bytes"}
		]}
	]},
	{"type":"function","name":"deployContract","stateMutability":"nonpayable","inputs":[
		{"name":"contractBytecode","type":"bytes"}
	],"outputs":[
		{"name":"deployed","type":"address"}
	]}
]`

// undeployedAggregatorABIJSON is the Mode U constructor-aggregator
// interface: the constructor itself performs the work, so it has no
// callable functions, only a constructor signature used for ABI-encoding
// the deployment calldata.
const undeployedAggregatorABIJSON = `[
	{"type":"constructor","stateMutability":"nonpayable","inputs":[
		{"name":"useRevert","type":"bool"},
		{"name":"contractBytecode","type":"bytes"},
		{"name":"encodedCalls","type":"bytes"}
	]}
]`

var aggregatorABI = mustParseABI(aggregatorABIJSON)
var undeployedAggregatorABI = mustParseABI(undeployedAggregatorABIJSON)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(err)
	}
	return parsed
}

// multicallArg mirrors the calls[] tuple component names so abi.Pack's
// reflective struct matching can fill it in.
type multicallArg struct {
	Target   common.Address
	GasLimit *big.Int
	CallData []byte
}
