// Package effects implements the Effects Translator: the component that
// takes the RoutingEffects produced by one particle invocation and carries
// them out, resolving host-service CallRequests against the capability
// table and sending the particle onward to every peer named in NextPeers,
// short-circuiting to direct re-injection when that peer is this node.
package effects

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/particle-node/internal/actor"
	"github.com/oriys/particle-node/internal/circuitbreaker"
	"github.com/oriys/particle-node/internal/domain"
	"github.com/oriys/particle-node/internal/hostfn"
	"github.com/oriys/particle-node/internal/logging"
	"github.com/oriys/particle-node/internal/metrics"
	"github.com/oriys/particle-node/internal/plumber"
)

// unreachablePeer is implemented by Sender errors that mean the peer could
// not be reached at all (a failed dial or connection-level RPC error), as
// opposed to a connected peer returning an application error. Satisfied by
// peertransport.ErrPeerUnreachable; matched structurally so this package
// does not need to import peertransport just for error classification.
type unreachablePeer interface {
	PeerUnreachable() bool
}

func isUnreachable(err error) bool {
	var u unreachablePeer
	return errors.As(err, &u) && u.PeerUnreachable()
}

// Sender delivers a particle to a remote peer; satisfied by
// peertransport.GRPCSender.
type Sender interface {
	Deliver(ctx context.Context, peer domain.PeerID, p domain.Particle) error
}

// Injector re-admits a particle directly into this node's own scheduler,
// used for the init-peer-is-current-peer loopback case and for
// self-addressed NextPeers entries. Satisfied by plumber.Plumber.
type Injector interface {
	Ingest(peer domain.PeerID, particle domain.Particle, fns actor.Functions) plumber.RejectReason
}

// Config controls which peer ID this node identifies as, so NextPeers
// entries equal to it are re-injected locally instead of dialed out.
type Config struct {
	SelfPeer domain.PeerID
}

// Translator carries out one invocation's RoutingEffects.
type Translator struct {
	cfg        Config
	hostfns    *hostfn.Registry
	sender     Sender
	injector   Injector
	breakers   *circuitbreaker.Registry
	breakerCfg circuitbreaker.Config
}

// New constructs a Translator. breakerCfg with a zero ErrorPct/Window/Open
// disables circuit breaking entirely (circuitbreaker.Registry.Get returns
// nil in that case, and Route always allows delivery).
func New(cfg Config, hostfns *hostfn.Registry, sender Sender, injector Injector, breakers *circuitbreaker.Registry, breakerCfg circuitbreaker.Config) *Translator {
	return &Translator{cfg: cfg, hostfns: hostfns, sender: sender, injector: injector, breakers: breakers, breakerCfg: breakerCfg}
}

// HostCallResults resolves every CallRequest in effects sequentially, in
// ordinal order, against the capability table. Host calls are not
// parallelized: a later call in the same script may depend on tetraplet
// state only the interpreter itself tracks between calls, so the
// translator treats the sequence as ordered regardless of how the
// underlying handlers behave.
func (t *Translator) HostCallResults(ctx context.Context, reqs []domain.CallRequest) []domain.CallResult {
	if len(reqs) == 0 {
		return nil
	}
	out := make([]domain.CallResult, len(reqs))
	for i, req := range reqs {
		outcome := t.hostfns.Invoke(ctx, req)
		recordHostCallOutcome(outcome)
		out[i] = domain.CallResult{Ordinal: req.Ordinal, Outcome: outcome}
	}
	return out
}

func recordHostCallOutcome(o domain.FunctionOutcome) {
	switch o.Kind {
	case domain.OutcomeOk:
		metrics.RecordHostCall("ok")
	case domain.OutcomeEmpty:
		metrics.RecordHostCall("empty")
	case domain.OutcomeErr:
		metrics.RecordHostCall("err")
	case domain.OutcomeNotDefined:
		metrics.RecordHostCall("not_defined")
	}
}

// Route delivers particle to every peer in nextPeers: locally re-injected
// if the peer is this node, otherwise sent over the wire through a
// per-peer circuit breaker. A peer whose breaker is open is skipped
// without dialing; the particle is simply not forwarded there this round
// (the originating particle's TTL, not a retry queue, bounds how long that
// matters).
func (t *Translator) Route(ctx context.Context, particle domain.Particle, nextPeers []domain.PeerID) []error {
	var errs []error
	for _, peer := range nextPeers {
		if peer == t.cfg.SelfPeer {
			if reason := t.injector.Ingest(peer, particle, nil); reason != plumber.RejectNone {
				errs = append(errs, fmt.Errorf("loopback ingest to %s rejected: %s", peer, reason))
			}
			continue
		}

		breaker := t.breakers.Get(string(peer), t.breakerCfg)
		if breaker != nil {
			if !breaker.Allow() {
				metrics.RecordOutbound("breaker_open")
				logging.Op().Debug("skipping delivery, breaker open", "peer", string(peer), "particle_id", particle.ID)
				continue
			}
		}

		err := t.sender.Deliver(ctx, peer, particle)
		if breaker != nil {
			metrics.SetBreakerState(string(peer), int(breaker.State()))
		}
		if err != nil {
			if breaker != nil {
				if isUnreachable(err) {
					breaker.RecordDialFailure()
				} else {
					breaker.RecordFailure()
				}
			}
			metrics.RecordOutbound("error")
			errs = append(errs, fmt.Errorf("deliver to %s: %w", peer, err))
			continue
		}
		if breaker != nil {
			breaker.RecordSuccess()
		}
		metrics.RecordOutbound("ok")
	}
	return errs
}
