// Package testrpc is an in-memory fake of the client.Transport interface,
// grounded on the teacher's pattern of driving a concrete JSON-RPC
// endpoint through ethclient/rpc.Client, inverted here into a scriptable
// stand-in so the core packages' tests don't need a live node. Results
// round-trip through encoding/json the same way *rpc.Client itself
// decodes responses, so a handler returning nil for a block lookup
// reproduces the real "result": null behavior exactly.
package testrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"
)

// Handler answers one JSON-RPC method call.
type Handler func(args []interface{}) (interface{}, error)

// Call records one issued request, for assertions about what a subsystem
// actually sent.
type Call struct {
	Method string
	Args   []interface{}
}

// Transport is a fake client.Transport / rpcbatch.Transport.
type Transport struct {
	mu           sync.Mutex
	handlers     map[string]Handler
	calls        []Call
	batchErrOnce error
}

// New returns an empty Transport; register method behavior with Handle.
func New() *Transport {
	return &Transport{handlers: make(map[string]Handler)}
}

// Handle registers (or replaces) the handler for method.
func (t *Transport) Handle(method string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[method] = h
}

// ForceNextBatchError makes the next BatchCallContext call fail at the
// transport level (simulating a dropped connection mid-batch), then
// clears itself.
func (t *Transport) ForceNextBatchError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batchErrOnce = err
}

// Calls returns every request issued so far, in order.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// CallContext issues method against whatever Handler was registered,
// round-tripping the handler's return value through JSON into result
// exactly as rpc.Client's real decode path would.
func (t *Transport) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	t.mu.Lock()
	t.calls = append(t.calls, Call{Method: method, Args: args})
	h, ok := t.handlers[method]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("testrpc: no handler registered for %s", method)
	}

	v, err := h(args)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("testrpc: marshal %s result: %w", method, err)
	}
	return json.Unmarshal(raw, result)
}

// BatchCallContext issues every element through CallContext, filling in
// each element's Error field, mirroring rpc.Client.BatchCallContext's own
// contract (a non-nil return is reserved for transport-level failure).
func (t *Transport) BatchCallContext(ctx context.Context, b []rpc.BatchElem) error {
	t.mu.Lock()
	forcedErr := t.batchErrOnce
	t.batchErrOnce = nil
	t.mu.Unlock()
	if forcedErr != nil {
		return forcedErr
	}

	for i := range b {
		b[i].Error = t.CallContext(ctx, b[i].Result, b[i].Method, b[i].Args...)
	}
	return nil
}

// Close satisfies client.Transport; the fake holds no resources.
func (t *Transport) Close() {}
