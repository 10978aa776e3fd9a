// Package dispatch implements health-aware round-robin forwarding
// across a fixed list of upstream nodes, per spec.md §4.3.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nodegw/gateway/internal/metrics"
	"github.com/nodegw/gateway/internal/util"
)

// Node is the subset of *upstream.Node the dispatcher depends on.
type Node interface {
	IsAvailable() bool
	Call(ctx context.Context, requestBytes []byte) ([]byte, error)
	Probe(ctx context.Context) bool
	String() string
}

// Dispatcher holds an ordered, fixed list of nodes and an atomically
// incremented cursor used to fairly distribute requests across the
// currently-healthy subset.
type Dispatcher struct {
	nodes  []Node
	cursor atomic.Uint64
}

// New builds a Dispatcher over nodes, in the given fixed order. The
// order is significant: it defines the round-robin sequence.
func New(nodes []Node) *Dispatcher {
	return &Dispatcher{nodes: nodes}
}

// Nodes returns the dispatcher's fixed node list, for the prober to
// iterate over.
func (d *Dispatcher) Nodes() []Node {
	return d.nodes
}

// Forward selects the next available node by health-aware round robin
// and issues the call, per spec.md §4.3:
//  1. Atomically read-and-increment cursor; start = cursor mod N.
//  2. Scan start, start+1, …, start+N-1 (mod N) for the first available
//     node.
//  3. If none is available, return *NoHealthyNodeError.
//  4. Otherwise call the chosen node and return its result directly —
//     no fallback to a second node within the same request.
func (d *Dispatcher) Forward(ctx context.Context, requestBytes []byte) ([]byte, error) {
	n := len(d.nodes)
	if n == 0 {
		return nil, &NoHealthyNodeError{}
	}

	start := int((d.cursor.Add(1) - 1) % uint64(n))

	var chosen Node

	for i := 0; i < n; i++ {
		candidate := d.nodes[(start+i)%n]
		if candidate.IsAvailable() {
			chosen = candidate
			break
		}
	}

	if chosen == nil {
		zap.L().Warn("no healthy upstream node available for dispatch",
			zap.String("client", util.GetClientFromContext(ctx)))

		return nil, &NoHealthyNodeError{}
	}

	callStart := time.Now()

	result, err := chosen.Call(ctx, requestBytes)

	metrics.RPCRequestDuration.WithLabelValues(outcomeLabel(err)).Observe(time.Since(callStart).Seconds())
	metrics.RPCRequestsTotal.WithLabelValues(outcomeLabel(err)).Inc()

	if err != nil {
		zap.L().Warn("upstream call failed",
			zap.Stringer("upstream", chosen),
			zap.String("client", util.GetClientFromContext(ctx)),
			zap.Error(err),
		)

		return nil, fmt.Errorf("forwarding to %s: %w", chosen, err)
	}

	zap.L().Debug("forwarded request to upstream",
		zap.Stringer("upstream", chosen),
		zap.String("client", util.GetClientFromContext(ctx)),
	)

	return result, nil
}

func outcomeLabel(err error) string {
	if err != nil {
		return "failure"
	}

	return "success"
}
