// Package execution implements the Particle Executor: the component that
// takes one ready Actor, runs its pending particle through the interpreter
// pool, and produces the RoutingEffects the Effects Translator acts on.
//
// # Invocation pipeline
//
// Run is the single entry point. The pipeline is:
//
//  1. Parallel pre-fetch: prev-data load and host-function capability
//     snapshot resolution run concurrently via errgroup.
//  2. VM acquisition: a slot is checked out from the pool, blocking until
//     one is available or the context is cancelled.
//  3. Execution: the interpreter call runs on a dedicated goroutine under a
//     hard per-call timeout, so the caller can still observe the deadline
//     even though the interpreter call itself cannot be preempted.
//  4. Persistence: on success, new-data is written back to the data store.
//  5. Async side-effects: metrics, invocation logging, and tracing are all
//     fire-and-forget to keep the critical path lean.
//
// # Failure behaviour
//
// A slot that panics during construction or returns a fatal internal error
// (as opposed to a soft, script-attributable failure) is quarantined rather
// than returned to the ready set, since a process in an unknown state
// cannot be trusted for reuse.
//
// A prev-data read failure degrades to an empty blob rather than aborting
// the run: the caller learns about it only through the log line, not a
// returned error. A post-invocation persist failure is the opposite case,
// returned as a *PersistError alongside a still-populated RoutingEffects,
// so the caller can act on the effects best-effort while treating the
// actor's prev-data as stale.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/particle-node/internal/actor"
	"github.com/oriys/particle-node/internal/air"
	"github.com/oriys/particle-node/internal/datastore"
	"github.com/oriys/particle-node/internal/domain"
	"github.com/oriys/particle-node/internal/logging"
	"github.com/oriys/particle-node/internal/metrics"
	"github.com/oriys/particle-node/internal/observability"
	"github.com/oriys/particle-node/internal/vmpool"
	"golang.org/x/sync/errgroup"
)

// DataStore is the subset of the Particle Data Store the executor needs:
// loading the continuation state for an actor key before interpretation and
// persisting the new one after.
type DataStore interface {
	Load(ctx context.Context, key domain.ActorKey) ([]byte, bool, error)
	Save(ctx context.Context, key domain.ActorKey, data []byte) error
}

// CapabilitySnapshotter resolves the set of host functions visible to a
// particle at invocation time, independent of the Actor's creation-time
// snapshot, so the executor always calls with a fresh view.
type CapabilitySnapshotter interface {
	Snapshot(ctx context.Context) (actor.Functions, error)
}

// Vault provisions the transient filesystem area a particle's host-function
// calls may use while it executes, satisfied by vault.Vault.
type Vault interface {
	Provision(particleID string) (string, error)
}

// AnomalySink captures a forensics bundle for an invocation whose new data
// blob violated the never-shrinks integrity invariant, satisfied by
// datastore.AnomalyQueue.
type AnomalySink interface {
	Capture(record datastore.AnomalyRecord) bool
}

// PersistError wraps a Data Store Save failure that follows a successful
// interpreter invocation. Callers distinguish it from a hard interpreter
// failure: the RoutingEffects this Run call returned alongside it are real
// and still worth acting on, only the commit of the new data blob did not
// land.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string { return fmt.Sprintf("persist new data: %v", e.Err) }
func (e *PersistError) Unwrap() error { return e.Err }

// IsPersistFailure reports whether err is (or wraps) a PersistError.
func IsPersistFailure(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}

// safeGo runs f in a new goroutine with panic recovery, so a failure in
// fire-and-forget background work never crashes the process.
func safeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in async task", "panic", r)
			}
		}()
		f()
	}()
}

// Config controls per-invocation limits.
type Config struct {
	InvocationTimeout time.Duration
}

// Executor runs one particle invocation end to end.
type Executor struct {
	pool         *vmpool.Pool
	store        DataStore
	capabilities CapabilitySnapshotter
	vault        Vault
	anomalies    AnomalySink
	cfg          Config
}

// New constructs an Executor. vault and anomalies may be nil, disabling
// transient directory provisioning (InterpretParams.VaultDir left empty)
// and shrink-anomaly capture respectively.
func New(pool *vmpool.Pool, store DataStore, capabilities CapabilitySnapshotter, vault Vault, cfg Config) *Executor {
	if cfg.InvocationTimeout <= 0 {
		cfg.InvocationTimeout = 5 * time.Second
	}
	return &Executor{pool: pool, store: store, capabilities: capabilities, vault: vault, cfg: cfg}
}

// WithAnomalySink attaches the sink used to capture never-shrinks integrity
// violations. Separate from New so callers without Postgres/Redis wired yet
// (e.g. tests) aren't forced to pass one.
func (e *Executor) WithAnomalySink(sink AnomalySink) *Executor {
	e.anomalies = sink
	return e
}

// Run executes particle's script for key and returns the routing effects
// for the Dispatcher to hand to the Effects Translator. prevData carried on
// the Actor (if any) is preferred over the data store's, since coalesced
// local state is more current than a just-completed persist could be; the
// data store is still consulted for actors observing their first particle.
// callResults carries host-call outcomes buffered by the previous turn's
// Effects Translator pass, fed to the interpreter as next-turn input.
func (e *Executor) Run(ctx context.Context, key domain.ActorKey, particle domain.Particle, actorPrevData []byte, actorPrevDataSet bool, callResults map[uint32]domain.FunctionOutcome) (domain.RoutingEffects, error) {
	ctx, span := observability.StartSpan(ctx, "particle.execute",
		observability.AttrParticleID.String(particle.ID),
		observability.AttrActorKey.String(key.String()),
		observability.AttrPeer.String(string(key.Peer)),
	)
	defer span.End()

	start := time.Now()

	var (
		prevData []byte
		fns      actor.Functions
		loadErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if actorPrevDataSet {
			prevData = actorPrevData
			return nil
		}
		data, ok, err := e.store.Load(gctx, key)
		if err != nil {
			// A read failure degrades to an empty prev-data blob rather than
			// aborting the invocation: the interpreter still runs, and a
			// legitimately missing continuation looks the same to it as one
			// the store failed to fetch.
			loadErr = err
			return nil
		}
		if ok {
			prevData = data
		}
		return nil
	})
	if e.capabilities != nil {
		g.Go(func() error {
			var err error
			fns, err = e.capabilities.Snapshot(gctx)
			if err != nil {
				return fmt.Errorf("snapshot capabilities: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		observability.SetSpanError(span, err)
		return domain.RoutingEffects{}, err
	}
	_ = fns // reserved for interpreters that validate call targets against the capability set

	if loadErr != nil {
		logging.Op().Warn("prev data load failed, running with empty prev-data", "particle_id", particle.ID, "peer", string(key.Peer), "error", loadErr)
	}

	slot, err := e.pool.Checkout(ctx)
	if err != nil {
		observability.SetSpanError(span, err)
		return domain.RoutingEffects{}, fmt.Errorf("checkout vm slot: %w", err)
	}
	span.SetAttributes(observability.AttrSlotID.Int(slot.ID()))

	var vaultDir string
	if e.vault != nil {
		vaultDir, err = e.vault.Provision(particle.ID)
		if err != nil {
			e.pool.Return(slot, vmpool.OutcomeSuccess)
			observability.SetSpanError(span, err)
			return domain.RoutingEffects{}, fmt.Errorf("provision vault: %w", err)
		}
	}

	req := air.Request{
		Script:      particle.Script,
		PrevData:    prevData,
		CurrentData: particle.Data,
		Params: domain.InterpretParams{
			InitPeerID:    particle.InitPeer,
			CurrentPeerID: key.Peer,
			Timestamp:     particle.Timestamp,
			TTL:           particle.TTL,
			ParticleID:    particle.ID,
			VaultDir:      vaultDir,
		},
		CallResults: callResults,
	}

	res, invokeErr := e.invokeWithTimeout(ctx, slot.Interpreter, req)
	durationMs := time.Since(start).Milliseconds()

	if invokeErr != nil {
		e.pool.Return(slot, vmpool.OutcomeFatalInternal)
		observability.SetSpanError(span, invokeErr)
		safeGo(func() { metrics.RecordInvocation("fatal_internal", durationMs) })
		safeGo(func() {
			logging.Default().Log(&logging.InvocationLog{
				ParticleID: particle.ID, Peer: string(key.Peer),
				DurationMs: durationMs, Success: false, Error: invokeErr.Error(),
			})
		})
		return domain.RoutingEffects{}, invokeErr
	}

	e.pool.Return(slot, vmpool.OutcomeSuccess)

	effects := domain.RoutingEffects{
		NextPeers:    res.NextPeers,
		CallRequests: res.CallRequests,
		NewData:      res.NewData,
		Stats: domain.InterpretationStats{
			Success: res.RetCode == 0,
			Took:    time.Since(start),
			RetCode: res.RetCode,
		},
	}

	if res.RetCode == 0 {
		if e.anomalies != nil && len(prevData) > 0 && len(res.NewData) < len(prevData) {
			e.anomalies.Capture(datastore.AnomalyRecord{
				Key: key, Particle: particle, Reason: "new data shorter than previous committed version",
				CapturedAt: time.Now(),
			})
		}
		if err := e.store.Save(ctx, key, res.NewData); err != nil {
			observability.SetSpanError(span, err)
			safeGo(func() { metrics.RecordInvocation("persist_failed", durationMs) })
			return effects, &PersistError{Err: err}
		}
		observability.SetSpanOK(span)
	}

	span.SetAttributes(observability.AttrRetCode.Int(int(res.RetCode)), observability.AttrDurationMs.Int64(durationMs))

	outcome := "success"
	if res.RetCode != 0 {
		outcome = "soft_failure"
	}
	safeGo(func() { metrics.RecordInvocation(outcome, durationMs) })
	safeGo(func() {
		logging.Default().Log(&logging.InvocationLog{
			ParticleID: particle.ID, Peer: string(key.Peer),
			TraceID: observability.GetTraceID(ctx), SpanID: observability.GetSpanID(ctx),
			DurationMs: durationMs, Success: res.RetCode == 0, RetCode: res.RetCode,
			Error: res.ErrorMessage, NextPeers: len(res.NextPeers), CallCount: len(res.CallRequests),
		})
	})

	return effects, nil
}

// invokeWithTimeout runs one interpreter call on a dedicated goroutine so
// the caller observes ctx's deadline even though Interpret itself is not
// preemptible. A timed-out call still quarantines the slot: the goroutine
// running it is left to finish in the background but its result is
// discarded, since a slot whose call overran its budget cannot be trusted
// to be in a clean state for reuse.
func (e *Executor) invokeWithTimeout(ctx context.Context, interp air.Interpreter, req air.Request) (air.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.InvocationTimeout)
	defer cancel()

	type outcome struct {
		res air.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("interpreter panic: %v", r)}
			}
		}()
		res, err := interp.Interpret(ctx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return air.Result{}, air.ErrTimeout
		}
		return o.res, o.err
	case <-ctx.Done():
		return air.Result{}, air.ErrTimeout
	}
}
