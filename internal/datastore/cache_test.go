package datastore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oriys/particle-node/internal/domain"
)

func TestCacheGetPutRoundTrip(t *testing.T) {
	var m sync.Map
	key := domain.ActorKey{ParticleID: "p1", Peer: "peerA"}
	cachePut(&m, key, []byte("hello"), time.Second)

	v, ok := cacheGet[[]byte](&m, key)
	if !ok || string(v) != "hello" {
		t.Fatalf("expected cached value hello, got %q ok=%v", v, ok)
	}
}

func TestCacheGetExpiresEntries(t *testing.T) {
	var m sync.Map
	key := domain.ActorKey{ParticleID: "p1", Peer: "peerA"}
	cachePut(&m, key, []byte("stale"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := cacheGet[[]byte](&m, key)
	if ok {
		t.Fatalf("expected expired entry to miss")
	}
}

func TestCacheInvalidateDropsEntry(t *testing.T) {
	c := &Cache{ttl: time.Second}
	key := domain.ActorKey{ParticleID: "p1", Peer: "peerA"}
	cachePut(&c.entries, key, []byte("x"), time.Second)

	c.Invalidate(key)

	_, ok := cacheGet[[]byte](&c.entries, key)
	if ok {
		t.Fatalf("expected invalidated entry to miss")
	}
}

func TestAnomalyQueueCaptureDropsWhenFull(t *testing.T) {
	q := NewAnomalyQueue(t.TempDir(), 1, nil, nil, "")
	rec := AnomalyRecord{Key: domain.ActorKey{ParticleID: "p1", Peer: "peerA"}, CapturedAt: time.Now()}

	if !q.Capture(rec) {
		t.Fatalf("expected first capture to succeed")
	}
	if q.Capture(rec) {
		t.Fatalf("expected second capture to be dropped once the bounded queue is full")
	}
}

func TestAnomalyQueueRunPersistsToDisk(t *testing.T) {
	dir := t.TempDir()
	q := NewAnomalyQueue(dir, 4, nil, nil, "")
	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	defer cancel()

	rec := AnomalyRecord{Key: domain.ActorKey{ParticleID: "p1", Peer: "peerA"}, CapturedAt: time.Now(), Reason: "shrunk"}
	q.Capture(rec)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(filepath.Join(dir, "peerA"))
		if err == nil && len(entries) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected anomaly record to be written to disk")
}
