package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oriys/particle-node/internal/domain"
	"github.com/oriys/particle-node/internal/logging"
	"github.com/oriys/particle-node/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// AnomalyRecord is one forensics bundle captured for an actor whose
// behaviour violated an invariant (e.g. a prev-data blob that shrank).
type AnomalyRecord struct {
	Key        domain.ActorKey `json:"actor_key"`
	Particle   domain.Particle `json:"particle"`
	Reason     string          `json:"reason"`
	CapturedAt time.Time       `json:"captured_at"`
}

// AnomalyQueue is a bounded in-process channel drained by a single worker
// goroutine that writes forensics bundles to disk and, when Redis is
// configured, LPUSHes a pointer record for external tooling.
type AnomalyQueue struct {
	records  chan AnomalyRecord
	root     string
	store    *Store
	redis    *redis.Client
	redisKey string
}

// NewAnomalyQueue constructs a queue writing bundles under root, with
// bufSize bounding how many captures can be pending before new ones are
// dropped. redisClient may be nil to disable the pointer fan-out.
func NewAnomalyQueue(root string, bufSize int, store *Store, redisClient *redis.Client, redisKey string) *AnomalyQueue {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &AnomalyQueue{
		records:  make(chan AnomalyRecord, bufSize),
		root:     root,
		store:    store,
		redis:    redisClient,
		redisKey: redisKey,
	}
}

// Capture enqueues record without blocking. Returns false if the bounded
// queue was full and the record was dropped.
func (q *AnomalyQueue) Capture(record AnomalyRecord) bool {
	select {
	case q.records <- record:
		metrics.RecordAnomaly()
		return true
	default:
		metrics.RecordAnomalyDropped()
		logging.Op().Warn("anomaly queue full, dropping record", "key", record.Key.String())
		return false
	}
}

// Run drains the queue until ctx is cancelled, writing each bundle to disk
// and recording a pointer in Postgres (and, if configured, Redis).
func (q *AnomalyQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-q.records:
			q.persist(ctx, rec)
		}
	}
}

func (q *AnomalyQueue) persist(ctx context.Context, rec AnomalyRecord) {
	dir := filepath.Join(q.root, string(rec.Key.Peer))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.Op().Error("anomaly: create directory failed", "error", err)
		return
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%d.json", rec.Key.ParticleID, rec.CapturedAt.UnixNano()))
	data, err := json.Marshal(rec)
	if err != nil {
		logging.Op().Error("anomaly: marshal record failed", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logging.Op().Error("anomaly: write record failed", "error", err)
		return
	}

	if q.store != nil {
		if _, err := q.store.RecordAnomalyPointer(ctx, rec.Key, path, 0); err != nil {
			logging.Op().Error("anomaly: record pointer failed", "error", err)
		}
	}

	if q.redis != nil {
		if err := q.redis.LPush(ctx, q.redisKey, path).Err(); err != nil {
			logging.Op().Warn("anomaly: redis lpush failed", "error", err)
		}
	}
}
