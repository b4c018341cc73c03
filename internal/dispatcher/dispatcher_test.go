package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oriys/particle-node/internal/air"
	"github.com/oriys/particle-node/internal/circuitbreaker"
	"github.com/oriys/particle-node/internal/domain"
	"github.com/oriys/particle-node/internal/effects"
	"github.com/oriys/particle-node/internal/execution"
	"github.com/oriys/particle-node/internal/hostfn"
	"github.com/oriys/particle-node/internal/plumber"
	"github.com/oriys/particle-node/internal/vmpool"
)

var errExpectedPersistFailure = errors.New("write timeout")

type memStore struct {
	mu   sync.Mutex
	data map[domain.ActorKey][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[domain.ActorKey][]byte)} }

func (m *memStore) Load(ctx context.Context, key domain.ActorKey) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Save(ctx context.Context, key domain.ActorKey, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}

type failingSaveStore struct {
	err error
}

func (s *failingSaveStore) Load(ctx context.Context, key domain.ActorKey) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *failingSaveStore) Save(ctx context.Context, key domain.ActorKey, data []byte) error {
	return s.err
}

// transformingInterpreter always routes to a fixed next peer and commits a
// new data blob distinct from whatever the particle carried in, so tests
// can tell the particle's pre-invocation data apart from the
// post-invocation RoutingEffects.NewData the dispatcher is supposed to
// forward onward.
type transformingInterpreter struct {
	nextPeer domain.PeerID
	newData  []byte
	retCode  int32
}

func (t transformingInterpreter) Interpret(ctx context.Context, req air.Request) (air.Result, error) {
	return air.Result{NextPeers: []domain.PeerID{t.nextPeer}, NewData: t.newData, RetCode: t.retCode}, nil
}

type timeoutInterpreter struct{}

func (timeoutInterpreter) Interpret(ctx context.Context, req air.Request) (air.Result, error) {
	<-ctx.Done()
	return air.Result{}, ctx.Err()
}

type recordingSender struct {
	mu        sync.Mutex
	delivered []domain.Particle
}

func (s *recordingSender) Deliver(ctx context.Context, peer domain.PeerID, p domain.Particle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, p)
	return nil
}

func (s *recordingSender) snapshot() []domain.Particle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Particle, len(s.delivered))
	copy(out, s.delivered)
	return out
}

func newTestDispatcher(interp air.Interpreter, store execution.DataStore, sender *recordingSender) *Dispatcher {
	pool := vmpool.New(1, func(ctx context.Context) (air.Interpreter, error) { return interp, nil })
	exec := execution.New(pool, store, nil, nil, execution.Config{InvocationTimeout: 200 * time.Millisecond})
	p := plumber.New(plumber.Config{})
	d := New(p, exec, nil, nil, Config{PollInterval: time.Millisecond})

	tr := effects.New(effects.Config{SelfPeer: "peerA"}, hostfn.NewRegistry(), sender, d, circuitbreaker.NewRegistry(), circuitbreaker.Config{})
	d.SetTranslator(tr)
	return d
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

// admitOne feeds one particle through the dispatcher's real Plumber and
// hands back the resulting Execution, so d.execute runs against the same
// *actor.Actor the Plumber tracks and Complete's effects are observable.
func admitOne(t *testing.T, d *Dispatcher, peer domain.PeerID, particle domain.Particle) plumber.Execution {
	t.Helper()
	if reason := d.plumber.Ingest(peer, particle, nil); reason != plumber.RejectNone {
		t.Fatalf("expected particle admitted, got rejection %s", reason)
	}
	execs := d.plumber.Poll(time.Now())
	if len(execs) != 1 {
		t.Fatalf("expected one ready execution, got %d", len(execs))
	}
	return execs[0]
}

func TestExecuteForwardsUpdatedDataToNextPeer(t *testing.T) {
	interp := transformingInterpreter{nextPeer: "peerB", newData: []byte("transformed"), retCode: 0}
	store := newMemStore()
	sender := &recordingSender{}
	d := newTestDispatcher(interp, store, sender)

	particle := domain.Particle{ID: "p1", InitPeer: "peerA", Timestamp: time.Now().UnixMilli(), TTL: 60000, Script: `{"calls":[]}`, Data: []byte("original")}
	ex := admitOne(t, d, "peerA", particle)

	d.inFlightWg.Add(1)
	d.execute(ex)

	waitFor(t, func() bool { return len(sender.snapshot()) > 0 })

	delivered := sender.snapshot()
	if len(delivered) != 1 {
		t.Fatalf("expected one delivery to peerB, got %d", len(delivered))
	}
	if string(delivered[0].Data) != "transformed" {
		t.Fatalf("expected outbound particle to carry the new data, got %q", delivered[0].Data)
	}
}

func TestExecutePersistFailureStillEmitsEffectsAndQuarantines(t *testing.T) {
	interp := transformingInterpreter{nextPeer: "peerB", newData: []byte("transformed"), retCode: 0}
	store := &failingSaveStore{err: errExpectedPersistFailure}
	sender := &recordingSender{}
	d := newTestDispatcher(interp, store, sender)

	particle := domain.Particle{ID: "p2", InitPeer: "peerA", Timestamp: time.Now().UnixMilli(), TTL: 60000, Script: `{"calls":[]}`}
	ex := admitOne(t, d, "peerA", particle)

	d.inFlightWg.Add(1)
	d.execute(ex)

	waitFor(t, func() bool { return len(sender.snapshot()) > 0 })
	if len(sender.snapshot()) != 1 {
		t.Fatalf("expected routing effects still emitted despite persist failure, got %v", sender.snapshot())
	}

	if _, set := ex.Actor.PrevData(); set {
		t.Fatalf("expected prev-data quarantined (unset) after a persist failure")
	}
}

func TestExecuteInterpreterFailureDropsEffectsAndDoesNotRoute(t *testing.T) {
	store := newMemStore()
	sender := &recordingSender{}
	d := newTestDispatcher(timeoutInterpreter{}, store, sender)

	particle := domain.Particle{ID: "p3", InitPeer: "peerA", Timestamp: time.Now().UnixMilli(), TTL: 60000, Script: `{"calls":[]}`}
	ex := admitOne(t, d, "peerA", particle)

	d.inFlightWg.Add(1)
	d.execute(ex)

	if len(sender.snapshot()) != 0 {
		t.Fatalf("expected no routing after a hard interpreter failure, got %v", sender.snapshot())
	}
	if _, set := ex.Actor.PrevData(); set {
		t.Fatalf("expected no prev-data committed after a hard interpreter failure")
	}
}
