// Package upstream implements the per-node circuit breaker that decides
// whether an upstream JSON-RPC node is safe to send live traffic to.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/nodegw/gateway/internal/jsonrpc"
	"github.com/nodegw/gateway/internal/metrics"
	"github.com/nodegw/gateway/internal/util"
)

const methodNotFoundCode = -32601

// isMethodNotSupportedErr mirrors the teacher's own recognition of a
// method-not-found JSON-RPC error, since some providers don't return
// JSONRPCErrCodeMethodNotFound and don't implement rpc.Error either.
func isMethodNotSupportedErr(err error) bool {
	if err == nil {
		return false
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode() == methodNotFoundCode
	}

	return strings.Contains(strings.ToLower(err.Error()), "unsupported method")
}

// State is the circuit breaker's observable state per spec.md §4.1.
type State int

const (
	Healthy State = iota
	Unhealthy
)

func (s State) String() string {
	if s == Unhealthy {
		return "unhealthy"
	}

	return "healthy"
}

// HTTPDoer is the minimal HTTP capability a Node needs. Satisfied by
// *http.Client; injectable for tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const probeRequestBody = `{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":0}`

// Node wraps a single upstream endpoint with the failure-counting
// circuit breaker described in spec.md §4.1. All state transitions are
// guarded by a single mutex, making cursor-free callers linearizable
// with respect to one another.
type Node struct {
	http             HTTPDoer
	unhealthySince   *time.Time
	Name             string
	Endpoint         string
	callTimeout      time.Duration
	mu               sync.Mutex
	consecutiveFails int
	failureThreshold int
	state            State
}

// NewNode constructs a Node in the Healthy state.
func NewNode(name, endpoint string, httpClient HTTPDoer, failureThreshold int, callTimeout time.Duration) *Node {
	return &Node{
		Name:             name,
		Endpoint:         endpoint,
		http:             httpClient,
		failureThreshold: failureThreshold,
		callTimeout:      callTimeout,
		state:            Healthy,
	}
}

// IsAvailable reports whether the dispatcher may route live traffic to
// this node. Only a successful probe clears Unhealthy — the cooldown
// window elapsing on its own never restores availability.
func (n *Node) IsAvailable() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.state == Healthy
}

// String returns the node's name, so a Node satisfies fmt.Stringer for
// logging and satisfies the dispatcher's Node interface.
func (n *Node) String() string {
	return n.Name
}

// State returns the node's current breaker state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.state
}

// UnhealthySince returns when the node most recently transitioned to
// Unhealthy, and whether it is currently unhealthy at all.
func (n *Node) UnhealthySince() (time.Time, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.unhealthySince == nil {
		return time.Time{}, false
	}

	return *n.unhealthySince, true
}

// Call forwards requestBytes to the upstream, bounded by CALL_TIMEOUT.
// The caller's ctx is still honored: if ctx is cancelled before the
// call completes, Call returns *AbortedError and records no failure,
// since the upstream's true state is unknown in that case. Any other
// failure to obtain a well-formed JSON-RPC envelope is recorded against
// the breaker via recordFailure. A well-formed envelope, including one
// carrying a JSON-RPC error object (a legitimate answer), is recorded
// as a success via recordSuccess.
func (n *Node) Call(ctx context.Context, requestBytes []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, n.callTimeout)
	defer cancel()

	start := time.Now()

	body, err := n.do(callCtx, requestBytes)

	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil && callCtx.Err() != context.DeadlineExceeded {
			// The outer context was cancelled by the caller, not by our
			// own timeout. The upstream's health is unknown; don't
			// penalize it.
			return nil, &AbortedError{Err: ctx.Err()}
		}

		n.recordFailure(reasonForError(callCtx, err), elapsed)

		return nil, err
	}

	n.recordSuccess(elapsed)

	return body, nil
}

func (n *Node) do(ctx context.Context, requestBytes []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(requestBytes))
	if err != nil {
		return nil, &CallFailedError{Reason: ReasonTransport, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &CallFailedError{Reason: ReasonTimeout, Err: err}
		}

		return nil, &CallFailedError{Reason: ReasonTransport, Err: err}
	}

	respBody, err := util.ReadAndCopyBackResponseBody(resp)
	if err != nil {
		return nil, &CallFailedError{Reason: ReasonTransport, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &CallFailedError{
			Reason: ReasonBadStatus,
			Err:    fmt.Errorf("unexpected status code %d", resp.StatusCode),
		}
	}

	if _, err := jsonrpc.DecodeResponse(respBody); err != nil {
		return nil, &CallFailedError{Reason: ReasonBadEnvelope, Err: err}
	}

	return respBody, nil
}

// Probe issues a minimal eth_blockNumber call to test recovery of an
// Unhealthy node. A well-formed 2xx JSON-RPC envelope counts as
// success, including one carrying a JSON-RPC error object — the
// upstream is reachable and speaking JSON-RPC, which is all Probe
// checks for.
func (n *Node) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, n.callTimeout)
	defer cancel()

	start := time.Now()

	respBody, err := n.do(ctx, []byte(probeRequestBody))

	elapsed := time.Since(start)

	ok := err == nil

	if ok {
		n.logProbeResult(respBody)
	}

	n.mu.Lock()
	if ok {
		n.transitionToHealthyLocked()
	} else {
		n.consecutiveFails++
		if n.consecutiveFails >= n.failureThreshold {
			n.state = Unhealthy

			if n.unhealthySince == nil {
				now := time.Now()
				n.unhealthySince = &now
			}
		}
	}
	state := n.state
	n.mu.Unlock()

	result := "failure"
	if ok {
		result = "success"
	}

	metrics.ProbesTotal.WithLabelValues(n.Name, result).Inc()
	metrics.UpstreamRequestDuration.WithLabelValues(n.Name, result).Observe(elapsed.Seconds())
	n.reportGauges(state)

	zap.L().Debug("probed upstream node",
		zap.String("upstream", n.Name),
		zap.Bool("success", ok),
		zap.String("state", state.String()),
	)

	return ok
}

func (n *Node) recordSuccess(elapsed time.Duration) {
	n.mu.Lock()
	n.transitionToHealthyLocked()
	state := n.state
	n.mu.Unlock()

	metrics.UpstreamRequestsTotal.WithLabelValues(n.Name, "success").Inc()
	metrics.UpstreamRequestDuration.WithLabelValues(n.Name, "success").Observe(elapsed.Seconds())
	n.reportGauges(state)
}

func (n *Node) recordFailure(reason FailureReason, elapsed time.Duration) {
	n.mu.Lock()
	n.consecutiveFails++
	if n.consecutiveFails >= n.failureThreshold {
		n.state = Unhealthy

		if n.unhealthySince == nil {
			now := time.Now()
			n.unhealthySince = &now
		}
	}
	state := n.state
	n.mu.Unlock()

	metrics.UpstreamRequestsTotal.WithLabelValues(n.Name, string(reason)).Inc()
	metrics.UpstreamRequestDuration.WithLabelValues(n.Name, string(reason)).Observe(elapsed.Seconds())
	n.reportGauges(state)
}

// transitionToHealthyLocked resets failure state on success. Must be
// called with n.mu held.
func (n *Node) transitionToHealthyLocked() {
	n.consecutiveFails = 0
	n.state = Healthy
	n.unhealthySince = nil
}

func (n *Node) reportGauges(state State) {
	stateValue := 0.0
	if state == Unhealthy {
		stateValue = 1.0
	}

	metrics.CircuitBreakerState.WithLabelValues(n.Name).Set(stateValue)

	n.mu.Lock()
	fails := n.consecutiveFails
	n.mu.Unlock()

	metrics.ConsecutiveFailures.WithLabelValues(n.Name).Set(float64(fails))
}

// logProbeResult decodes a successful probe response and logs the
// reported block height for observability. A JSON-RPC error object is
// still a successful probe per Probe's contract, but one recognized as
// "method not found" is worth a distinct log line.
func (n *Node) logProbeResult(respBody []byte) {
	resp, err := jsonrpc.DecodeResponse(respBody)
	if err != nil {
		return
	}

	if resp.IsError() {
		if isMethodNotSupportedErr(resp.Error) {
			zap.L().Warn("upstream does not support eth_blockNumber", zap.String("upstream", n.Name))
		}

		return
	}

	var hexHeight string
	if err := json.Unmarshal(resp.Result, &hexHeight); err != nil {
		return
	}

	height, err := hexutil.DecodeUint64(hexHeight)
	if err != nil {
		return
	}

	zap.L().Debug("probed upstream block height",
		zap.String("upstream", n.Name),
		zap.Uint64("blockHeight", height),
	)
}

func reasonForError(ctx context.Context, err error) FailureReason {
	var callFailed *CallFailedError
	if errors.As(err, &callFailed) {
		return callFailed.Reason
	}

	if ctx.Err() == context.DeadlineExceeded {
		return ReasonTimeout
	}

	return ReasonTransport
}
