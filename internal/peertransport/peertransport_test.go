package peertransport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oriys/particle-node/internal/domain"
)

type recordingReceiver struct {
	mu        sync.Mutex
	received  []domain.Particle
	rejectErr error
}

func (r *recordingReceiver) Receive(ctx context.Context, p domain.Particle) error {
	if r.rejectErr != nil {
		return r.rejectErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, p)
	return nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := domain.Particle{ID: "p1", InitPeer: "peerA", Script: `{"calls":[]}`, Data: []byte("hi")}
	msg, err := encode(p)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != p.ID || string(got.Data) != string(p.Data) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestDeliverEndToEnd(t *testing.T) {
	recv := &recordingReceiver{}
	receiver := NewGRPCReceiver(recv)
	if err := receiver.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer receiver.Stop()

	peer := domain.PeerID("peerB")
	sender := NewGRPCSender(map[domain.PeerID]string{peer: receiver.Addr().String()})
	defer sender.Close()

	p := domain.Particle{ID: "p1", InitPeer: "peerA", Script: `{"calls":[]}`, Data: []byte("payload")}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sender.Deliver(ctx, peer, p); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		recv.mu.Lock()
		n := len(recv.received)
		recv.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected receiver to observe the delivered particle")
}

func TestDeliverPropagatesReceiverRejection(t *testing.T) {
	recv := &recordingReceiver{rejectErr: context.DeadlineExceeded}
	receiver := NewGRPCReceiver(recv)
	if err := receiver.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer receiver.Stop()

	peer := domain.PeerID("peerB")
	sender := NewGRPCSender(map[domain.PeerID]string{peer: receiver.Addr().String()})
	defer sender.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sender.Deliver(ctx, peer, domain.Particle{ID: "p2"})
	if err == nil {
		t.Fatalf("expected delivery to fail when the receiver rejects")
	}
}

func TestDeliverUnknownPeerFails(t *testing.T) {
	sender := NewGRPCSender(map[domain.PeerID]string{})
	defer sender.Close()
	err := sender.Deliver(context.Background(), "ghost", domain.Particle{ID: "p3"})
	if err == nil {
		t.Fatalf("expected delivery to an unregistered peer to fail")
	}
}

func TestDeliverToDeadAddressIsClassifiedUnreachable(t *testing.T) {
	peer := domain.PeerID("ghost")
	sender := NewGRPCSender(map[domain.PeerID]string{peer: "127.0.0.1:1"})
	defer sender.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sender.Deliver(ctx, peer, domain.Particle{ID: "p4"})
	if err == nil {
		t.Fatalf("expected delivery to a dead address to fail")
	}

	var unreachable interface{ PeerUnreachable() bool }
	if !errors.As(err, &unreachable) || !unreachable.PeerUnreachable() {
		t.Fatalf("expected error classified as peer-unreachable, got %v", err)
	}
}
