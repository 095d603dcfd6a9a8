// Package retry implements the exponential-backoff retry wrapper shared by
// every RPC-calling subsystem of ethadv.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// backoff schedule: waits before attempt k (zero-based), capped at 30s.
var schedule = []time.Duration{
	0,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

const maxBackoff = 30 * time.Second

// maxUnknownBlockRetries bounds retries for UnknownBlock errors (§4.1).
const maxUnknownBlockRetries = 3

// waitFor returns the backoff duration before attempt k (zero-based).
func waitFor(k int) time.Duration {
	if k < len(schedule) {
		return schedule[k]
	}
	return maxBackoff
}

// Op is a named, idempotent operation wrapped by Do. Callers must not pass
// operations with side effects that are unsafe to repeat (e.g.
// eth_sendRawTransaction is wrapped by name only; callers accept
// re-broadcast semantics per §4.1).
type Op[T any] struct {
	Name string
	Func func(ctx context.Context) (T, error)
}

// Engine runs operations with classification-aware exponential backoff.
type Engine struct {
	ShouldRetry bool
	Log         log.Logger
}

// New returns an Engine. A nil logger defaults to log.Root().
func New(shouldRetry bool, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Root()
	}
	return &Engine{ShouldRetry: shouldRetry, Log: logger}
}

// LogicError marks a decoded EVM revert: terminal, never retried. Reason
// holds the ABI-decoded Error(string) message when the revert used that
// selector; Data holds the raw revert payload bytes regardless of
// encoding, for callers (e.g. multicall's Mode U) that need the bytes
// the EVM actually reverted with.
type LogicError struct {
	Reason string
	Data   []byte
	Err    error
}

func (e *LogicError) Error() string {
	if e.Reason != "" {
		return "execution reverted: " + e.Reason
	}
	return e.Err.Error()
}

func (e *LogicError) Unwrap() error { return e.Err }

// IsLogicError reports whether err is (or wraps) a *LogicError.
func IsLogicError(err error) bool {
	var le *LogicError
	return errors.As(err, &le)
}

// isUnknownBlock reports the "node hasn't seen this block yet" class (§4.1).
func isUnknownBlock(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unknown block")
}

// Do executes op, retrying transient errors with exponential backoff. If
// noRetry is true the loop is disabled regardless of e.ShouldRetry, and the
// first error (success or failure) is returned immediately.
func Do[T any](ctx context.Context, e *Engine, op Op[T], noRetry bool) (T, error) {
	if noRetry || !e.ShouldRetry {
		return op.Func(ctx)
	}

	var unknownBlockRetries int
	for attempt := 0; ; attempt++ {
		result, err := op.Func(ctx)
		if err == nil {
			return result, nil
		}
		if IsLogicError(err) {
			return result, err
		}
		if isUnknownBlock(err) {
			unknownBlockRetries++
			if unknownBlockRetries > maxUnknownBlockRetries {
				return result, err
			}
		}

		wait := waitFor(attempt + 1)
		e.Log.Debug("ethadv/retry: operation failed, retrying",
			"op", op.Name, "attempt", attempt+1, "wait", wait, "err", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
