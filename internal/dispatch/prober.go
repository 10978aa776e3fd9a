package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Prober periodically probes every node in a Dispatcher so that an
// Unhealthy node is given a chance to recover, per spec.md §4.4.
type Prober struct {
	dispatcher *Dispatcher
	interval   time.Duration
}

// NewProber builds a Prober that probes every PROBE_INTERVAL.
func NewProber(dispatcher *Dispatcher, interval time.Duration) *Prober {
	return &Prober{dispatcher: dispatcher, interval: interval}
}

// Run drives the probe loop until ctx is cancelled. It is intended to
// be launched in its own goroutine by the caller.
//
// A standard time.Ticker is used deliberately: its channel has a
// buffer of one, so if a probe round runs long only a single catch-up
// tick ever queues behind it — extra ticks are dropped, never piled
// up. Shutdown is observed both at each tick boundary and again right
// after a probe round finishes, so Run never starts a round after ctx
// has already been cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}

			p.probeAll(ctx)

			if ctx.Err() != nil {
				return
			}
		}
	}
}

// probeAll probes every node concurrently, one goroutine per node,
// and waits for the round to finish before returning.
func (p *Prober) probeAll(ctx context.Context) {
	nodes := p.dispatcher.Nodes()

	var wg sync.WaitGroup

	wg.Add(len(nodes))

	for _, node := range nodes {
		go func(n Node) {
			defer wg.Done()

			healthy := n.Probe(ctx)

			zap.L().Debug("probe round completed for node",
				zap.String("upstream", n.String()),
				zap.Bool("healthy", healthy),
			)
		}(node)
	}

	wg.Wait()
}

// ProbeOnce runs a single synchronous probe round across every node.
// Exposed for an initial warm probe at startup and for tests.
func (p *Prober) ProbeOnce(ctx context.Context) {
	p.probeAll(ctx)
}
