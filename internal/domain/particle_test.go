package domain

import (
	"testing"
	"time"
)

func TestParticleExpired(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	p := Particle{Timestamp: 1_000_000, TTL: 5000}

	if p.Expired(now.Add(-time.Millisecond)) {
		t.Fatalf("expected particle not expired before deadline")
	}
	if !p.Expired(now.Add(5 * time.Second)) {
		t.Fatalf("expected particle expired exactly at deadline")
	}
	if !p.Expired(now.Add(time.Hour)) {
		t.Fatalf("expected particle expired well past deadline")
	}
}

func TestParticleMarshalUnmarshalBinaryRoundTrip(t *testing.T) {
	p := Particle{ID: "p1", InitPeer: "peerA", Timestamp: 1, TTL: 2, Script: "s", Data: []byte("d")}

	b, err := p.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	var got Particle
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if got.ID != p.ID || got.InitPeer != p.InitPeer || string(got.Data) != string(p.Data) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestActorKeyString(t *testing.T) {
	k := ActorKey{ParticleID: "p1", Peer: "peerA"}
	if k.String() != "peerA/p1" {
		t.Fatalf("expected %q, got %q", "peerA/p1", k.String())
	}
}

func TestFunctionOutcomeConstructors(t *testing.T) {
	ok := Ok([]byte(`"v"`))
	if ok.Kind != OutcomeOk || string(ok.Value) != `"v"` {
		t.Fatalf("unexpected Ok outcome: %+v", ok)
	}

	empty := Empty()
	if empty.Kind != OutcomeEmpty {
		t.Fatalf("unexpected Empty outcome: %+v", empty)
	}

	errOut := Err("boom")
	if errOut.Kind != OutcomeErr || errOut.Err != "boom" {
		t.Fatalf("unexpected Err outcome: %+v", errOut)
	}

	nd := NotDefined([]byte(`{}`))
	if nd.Kind != OutcomeNotDefined || string(nd.NotDefinedArgs) != `{}` {
		t.Fatalf("unexpected NotDefined outcome: %+v", nd)
	}
}
