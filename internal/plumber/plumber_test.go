package plumber

import (
	"testing"
	"time"

	"github.com/oriys/particle-node/internal/domain"
)

func testParticle(id string, ttlMillis int64) domain.Particle {
	return domain.Particle{ID: id, InitPeer: "peerA", Timestamp: time.Now().UnixMilli(), TTL: ttlMillis}
}

func TestIngestCreatesNewActorAndMarksReady(t *testing.T) {
	p := New(Config{IdleTimeout: time.Minute})

	reason := p.Ingest("peerA", testParticle("p1", 60000), nil)
	if reason != RejectNone {
		t.Fatalf("expected admission, got %v", reason)
	}

	execs := p.Poll(time.Now())
	if len(execs) != 1 || execs[0].Particle.ID != "p1" {
		t.Fatalf("expected one ready execution for p1, got %+v", execs)
	}
}

func TestIngestRejectsExpiredParticle(t *testing.T) {
	p := New(Config{IdleTimeout: time.Minute})

	particle := testParticle("p1", 1)
	particle.Timestamp = time.Now().Add(-time.Hour).UnixMilli()

	reason := p.Ingest("peerA", particle, nil)
	if reason != RejectExpired {
		t.Fatalf("expected RejectExpired, got %v", reason)
	}
}

func TestIngestRejectsOverAdmissionLimit(t *testing.T) {
	p := New(Config{IdleTimeout: time.Minute, MaxInFlightParticles: 1})

	if reason := p.Ingest("peerA", testParticle("p1", 60000), nil); reason != RejectNone {
		t.Fatalf("expected first particle admitted, got %v", reason)
	}
	if reason := p.Ingest("peerA", testParticle("p2", 60000), nil); reason != RejectAdmissionLimit {
		t.Fatalf("expected second distinct actor rejected at the admission limit, got %v", reason)
	}
}

func TestIngestCoalescesRepeatedArrivalsForSameKey(t *testing.T) {
	p := New(Config{IdleTimeout: time.Minute})

	p.Ingest("peerA", testParticle("p1", 60000), nil)
	execs := p.Poll(time.Now())
	if len(execs) != 1 {
		t.Fatalf("expected one ready execution, got %d", len(execs))
	}

	second := testParticle("p1", 60000)
	second.Data = []byte("coalesced")
	if reason := p.Ingest("peerA", second, nil); reason != RejectNone {
		t.Fatalf("expected coalesced arrival admitted, got %v", reason)
	}
	p.Complete(execs[0].Key, true, nil, false)

	execs = p.Poll(time.Now())
	if len(execs) != 1 || string(execs[0].Particle.Data) != "coalesced" {
		t.Fatalf("expected coalesced particle with latest data, got %+v", execs)
	}
}

func TestPollSkipsBusyActorUntilComplete(t *testing.T) {
	p := New(Config{IdleTimeout: time.Minute})

	p.Ingest("peerA", testParticle("p1", 60000), nil)
	execs := p.Poll(time.Now())
	if len(execs) != 1 {
		t.Fatalf("expected one ready execution, got %d", len(execs))
	}

	p.Ingest("peerA", testParticle("p1", 60000), nil)
	if execs := p.Poll(time.Now()); len(execs) != 0 {
		t.Fatalf("expected busy actor to not be re-dispatched, got %+v", execs)
	}

	key := execs2Key(t, p)
	p.Complete(key, true, []byte("data"), false)

	if execs := p.Poll(time.Now()); len(execs) != 1 {
		t.Fatalf("expected actor ready again after Complete, got %+v", execs)
	}
}

func execs2Key(t *testing.T, p *Plumber) domain.ActorKey {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.actors {
		return k
	}
	t.Fatal("expected at least one tracked actor")
	return domain.ActorKey{}
}

func TestGCRetiresIdleActorsPastTimeout(t *testing.T) {
	p := New(Config{IdleTimeout: time.Minute})

	p.Ingest("peerA", testParticle("p1", 60000), nil)
	execs := p.Poll(time.Now())
	key := execs[0].Key
	p.Complete(key, true, []byte("x"), false)

	if p.ActorCount() != 1 {
		t.Fatalf("expected actor retained before idle timeout, got count %d", p.ActorCount())
	}

	p.GC(time.Now().Add(2 * time.Minute))
	if p.ActorCount() != 0 {
		t.Fatalf("expected actor retired after idle timeout, got count %d", p.ActorCount())
	}
}

func TestGCDrainsExpiredActorMailbox(t *testing.T) {
	p := New(Config{IdleTimeout: time.Hour})

	particle := testParticle("p1", 10)
	p.Ingest("peerA", particle, nil)

	p.GC(time.Now().Add(time.Hour))
	if p.ActorCount() != 0 {
		t.Fatalf("expected expired actor retired by GC, got count %d", p.ActorCount())
	}
}

func TestRetireInvokesVaultTeardown(t *testing.T) {
	var torndown []string
	p := New(Config{
		IdleTimeout:   time.Minute,
		VaultTeardown: func(particleID string) { torndown = append(torndown, particleID) },
	})

	p.Ingest("peerA", testParticle("p1", 60000), nil)
	execs := p.Poll(time.Now())
	p.Complete(execs[0].Key, true, []byte("x"), false)

	p.GC(time.Now().Add(2 * time.Minute))
	if len(torndown) != 1 || torndown[0] != "p1" {
		t.Fatalf("expected vault teardown called for retired particle p1, got %v", torndown)
	}
}
