package client

import (
	"context"

	"github.com/ethereum/go-ethereum/rpc"
)

// Transport is the black-box JSON-RPC transport the core consumes (§1):
// request/response plumbing over HTTP or WebSocket. *rpc.Client (the
// teacher's own go-ethereum dependency) satisfies this directly.
type Transport interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
	Close()
}
