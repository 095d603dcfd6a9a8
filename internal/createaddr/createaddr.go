// Package createaddr predicts CREATE-opcode contract addresses, grounded
// on AddressCalculator.py / Multicall.py's calculate_create_address.
package createaddr

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Predict returns the address a CREATE from sender at nonce would deploy to:
// keccak(rlp([sender, nonce]))[12:].
func Predict(sender common.Address, nonce uint64) (common.Address, error) {
	raw, err := rlp.EncodeToBytes([]interface{}{sender.Bytes(), nonce})
	if err != nil {
		return common.Address{}, err
	}
	hash := crypto.Keccak256(raw)
	return common.BytesToAddress(hash[12:]), nil
}

// PredictUndeployed returns the address of a contract deployed by a
// constructor-runner contract, which is itself deployed by sender at
// nonce (§4.4's two-hop CREATE prediction for Mode U).
func PredictUndeployed(sender common.Address, nonce uint64) (common.Address, error) {
	runner, err := Predict(sender, nonce)
	if err != nil {
		return common.Address{}, err
	}
	return Predict(runner, 1)
}
