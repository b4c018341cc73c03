// Package dispatcher implements the single cooperative event loop that
// drives the rest of the particle pipeline: it polls the Plumber for
// ready actors, hands each to the Particle Executor on its own goroutine
// (the pool of VM slots, not this loop, is what actually bounds
// concurrency), and forwards the resulting RoutingEffects to the Effects
// Translator. Inbound particles arriving from the peer transport or a
// loopback re-injection are admitted directly into the Plumber; the only
// work this loop itself performs is the poll/drain tick and shutdown
// sequencing.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/particle-node/internal/actor"
	"github.com/oriys/particle-node/internal/domain"
	"github.com/oriys/particle-node/internal/effects"
	"github.com/oriys/particle-node/internal/execution"
	"github.com/oriys/particle-node/internal/logging"
	"github.com/oriys/particle-node/internal/plumber"
)

// Config controls the dispatcher's poll cadence and shutdown behaviour.
type Config struct {
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

// Dispatcher owns the Plumber and drives executions against it.
type Dispatcher struct {
	plumber      *plumber.Plumber
	executor     *execution.Executor
	translator   *effects.Translator
	capabilities execution.CapabilitySnapshotter
	cfg          Config

	stopCh     chan struct{}
	started    bool
	mu         sync.Mutex
	wg         sync.WaitGroup
	inFlightWg sync.WaitGroup
}

// New constructs a Dispatcher.
func New(p *plumber.Plumber, exec *execution.Executor, tr *effects.Translator, capabilities execution.CapabilitySnapshotter, cfg Config) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Dispatcher{
		plumber:      p,
		executor:     exec,
		translator:   tr,
		capabilities: capabilities,
		cfg:          cfg,
		stopCh:       make(chan struct{}),
	}
}

// SetTranslator wires the Effects Translator after construction, breaking
// the constructor cycle between Dispatcher (which the Translator needs as
// its loopback Injector) and the Translator (which Dispatcher needs to
// carry out RoutingEffects). Must be called before Start.
func (d *Dispatcher) SetTranslator(tr *effects.Translator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.translator = tr
}

// Receive implements peertransport.Receiver: admits an inbound particle
// arriving from a remote peer directly into the Plumber.
func (d *Dispatcher) Receive(ctx context.Context, p domain.Particle) error {
	return d.ingest(p.InitPeer, p)
}

// Ingest implements effects.Injector: admits a particle re-routed back to
// this node, either as a loopback NextPeers entry or the init-peer case.
func (d *Dispatcher) Ingest(peer domain.PeerID, particle domain.Particle, fns actor.Functions) plumber.RejectReason {
	return d.plumber.Ingest(peer, particle, d.resolveFunctions(fns))
}

func (d *Dispatcher) ingest(peer domain.PeerID, p domain.Particle) error {
	reason := d.plumber.Ingest(peer, p, d.resolveFunctions(nil))
	if reason != plumber.RejectNone {
		logging.Op().Debug("particle rejected on ingest", "particle_id", p.ID, "reason", reason.String())
		return fmt.Errorf("particle %s rejected: %s", p.ID, reason)
	}
	return nil
}

func (d *Dispatcher) resolveFunctions(fns actor.Functions) actor.Functions {
	if fns != nil || d.capabilities == nil {
		return fns
	}
	snap, err := d.capabilities.Snapshot(context.Background())
	if err != nil {
		logging.Op().Warn("capability snapshot failed on ingest", "error", err)
		return nil
	}
	return snap
}

// Start launches the poll loop in a background goroutine.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	d.wg.Add(1)
	go d.run()
	logging.Op().Info("dispatcher started", "poll_interval", d.cfg.PollInterval)
}

// Stop signals the poll loop to exit, waits for in-flight executions to
// finish (up to ShutdownTimeout), and returns once drained.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()

	drained := make(chan struct{})
	go func() {
		d.inFlightWg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(d.cfg.ShutdownTimeout):
		logging.Op().Warn("dispatcher shutdown timed out waiting for in-flight executions")
	}
	logging.Op().Info("dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.drain()
		}
	}
}

func (d *Dispatcher) drain() {
	for _, ex := range d.plumber.Poll(time.Now()) {
		d.inFlightWg.Add(1)
		go d.execute(ex)
	}
}

func (d *Dispatcher) execute(ex plumber.Execution) {
	defer d.inFlightWg.Done()

	ctx := context.Background()
	prevData, prevDataSet := ex.Actor.PrevData()
	callResults := ex.Actor.TakeCallResults()

	effectsOut, err := d.executor.Run(ctx, ex.Key, ex.Particle, prevData, prevDataSet, callResults)
	persistFailed := false
	if err != nil {
		if !execution.IsPersistFailure(err) {
			logging.Op().Error("particle execution failed", "particle_id", ex.Particle.ID, "peer", string(ex.Key.Peer), "error", err)
			d.plumber.Complete(ex.Key, false, nil, false)
			return
		}
		// The interpreter ran to completion and produced real effects; only
		// the commit of its new data blob failed. Those effects are still
		// emitted best-effort, and the Actor's prev-data is quarantined
		// rather than trusted, since it never actually landed in the store.
		persistFailed = true
		logging.Op().Error("persisting new data failed, emitting effects best-effort and quarantining prev-data", "particle_id", ex.Particle.ID, "peer", string(ex.Key.Peer), "error", err)
	}

	if len(effectsOut.CallRequests) > 0 {
		results := d.translator.HostCallResults(ctx, effectsOut.CallRequests)
		if len(results) > 0 {
			buffered := make(map[uint32]domain.FunctionOutcome, len(results))
			for _, r := range results {
				buffered[r.Ordinal] = r.Outcome
			}
			ex.Actor.SetCallResults(buffered)
		}
	}

	// Route before Complete: the next invocation for this key must not be
	// able to start (Complete is what makes the Actor ready again) until
	// this invocation's outbound sends have been issued.
	if len(effectsOut.NextPeers) > 0 {
		outbound := ex.Particle
		outbound.Data = effectsOut.NewData
		if errs := d.translator.Route(ctx, outbound, effectsOut.NextPeers); len(errs) > 0 {
			for _, e := range errs {
				logging.Op().Warn("routing effect failed", "particle_id", ex.Particle.ID, "error", e)
			}
		}
	}

	success := effectsOut.Stats.Success && !persistFailed
	d.plumber.Complete(ex.Key, success, effectsOut.NewData, persistFailed)
}
