// Package allocator assigns bots to transcription workers through a shared
// Redis ranking. Every mutation runs as a single server-side script so
// concurrent allocations can never jointly overshoot a worker's capacity.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vexa-ai/controlplane/internal/config"
	"github.com/vexa-ai/controlplane/internal/monitoring"
)

// ErrNoWorkers means no alive worker had spare capacity.
var ErrNoWorkers = errors.New("allocator: no available worker")

// Ranking schema: sorted set KEYS[1] maps worker URL to integer load, and a
// worker counts as alive only while its heartbeat key (ARGV[1] prefix + URL)
// exists. Workers write their own heartbeats with a TTL.
const allocateLua = `
local workers = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
local capacity = tonumber(ARGV[2])
for i = 1, #workers, 2 do
  local url = workers[i]
  local load = tonumber(workers[i+1])
  if load < capacity and redis.call('EXISTS', ARGV[1] .. url) == 1 then
    redis.call('ZINCRBY', KEYS[1], 1, url)
    return url
  end
end
return false
`

const releaseLua = `
local load = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not load then
  return 0
end
if tonumber(load) <= 1 then
  redis.call('ZADD', KEYS[1], 0, ARGV[1])
  return 0
end
return redis.call('ZINCRBY', KEYS[1], -1, ARGV[1])
`

const failoverLua = `
redis.call('ZREM', KEYS[1], ARGV[3])
redis.call('DEL', ARGV[1] .. ARGV[3])
local workers = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
local capacity = tonumber(ARGV[2])
for i = 1, #workers, 2 do
  local url = workers[i]
  local load = tonumber(workers[i+1])
  if load < capacity and redis.call('EXISTS', ARGV[1] .. url) == 1 then
    redis.call('ZINCRBY', KEYS[1], 1, url)
    return url
  end
end
return false
`

const scrubLua = `
local removed = 0
local workers = redis.call('ZRANGE', KEYS[1], 0, -1)
for i = 1, #workers do
  if redis.call('EXISTS', ARGV[1] .. workers[i]) == 0 then
    redis.call('ZREM', KEYS[1], workers[i])
    removed = removed + 1
  end
end
return removed
`

const snapshotLua = `
local out = {}
local workers = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
for i = 1, #workers, 2 do
  out[#out+1] = workers[i]
  out[#out+1] = workers[i+1]
  out[#out+1] = tostring(redis.call('EXISTS', ARGV[1] .. workers[i]))
end
return out
`

var (
	allocateScript = redis.NewScript(allocateLua)
	releaseScript  = redis.NewScript(releaseLua)
	failoverScript = redis.NewScript(failoverLua)
	scrubScript    = redis.NewScript(scrubLua)
	snapshotScript = redis.NewScript(snapshotLua)
)

// scriptRunner lets tests emulate the scripts against in-memory state.
type scriptRunner interface {
	Run(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error)
}

type redisRunner struct {
	c redis.Scripter
}

func (r redisRunner) Run(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, r.c, keys, args...).Result()
}

// Worker is one ranking entry, as reported by Snapshot.
type Worker struct {
	URL   string `json:"url"`
	Load  int    `json:"load"`
	Alive bool   `json:"alive"`
}

// Allocator hands out transcription workers, lowest load first.
type Allocator struct {
	run      scriptRunner
	rankKey  string
	hbPrefix string
	capacity int
	period   time.Duration
	metrics  *monitoring.Metrics
}

func New(client redis.Scripter, cfg config.AllocatorConfig, metrics *monitoring.Metrics) *Allocator {
	return newWithRunner(redisRunner{client}, cfg, metrics)
}

func newWithRunner(run scriptRunner, cfg config.AllocatorConfig, metrics *monitoring.Metrics) *Allocator {
	return &Allocator{
		run:      run,
		rankKey:  cfg.RankKey,
		hbPrefix: cfg.HBPrefix,
		capacity: cfg.Capacity,
		period:   cfg.ReaperPeriod(),
		metrics:  metrics,
	}
}

// Allocate returns the lowest-loaded alive worker with spare capacity and
// increments its load, atomically.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	res, err := a.run.Run(ctx, allocateScript, []string{a.rankKey}, a.hbPrefix, a.capacity)
	if errors.Is(err, redis.Nil) {
		a.metrics.RecordAllocatorOp("allocate", "none")
		return "", ErrNoWorkers
	}
	if err != nil {
		a.metrics.RecordAllocatorOp("allocate", "error")
		return "", fmt.Errorf("allocate worker: %w", err)
	}
	url, _ := res.(string)
	a.metrics.RecordAllocatorOp("allocate", "ok")
	return url, nil
}

// Release decrements the worker's load, clamped at zero. Releasing a worker
// the reaper already removed is a no-op.
func (a *Allocator) Release(ctx context.Context, workerURL string) error {
	if workerURL == "" {
		return nil
	}
	_, err := a.run.Run(ctx, releaseScript, []string{a.rankKey}, workerURL)
	if err != nil {
		a.metrics.RecordAllocatorOp("release", "error")
		return fmt.Errorf("release worker %s: %w", workerURL, err)
	}
	a.metrics.RecordAllocatorOp("release", "ok")
	return nil
}

// Failover drops an unhealthy worker from the ranking and returns the next
// candidate, all in one atomic evaluation.
func (a *Allocator) Failover(ctx context.Context, badURL string) (string, error) {
	res, err := a.run.Run(ctx, failoverScript, []string{a.rankKey}, a.hbPrefix, a.capacity, badURL)
	if errors.Is(err, redis.Nil) {
		a.metrics.RecordAllocatorOp("failover", "none")
		return "", ErrNoWorkers
	}
	if err != nil {
		a.metrics.RecordAllocatorOp("failover", "error")
		return "", fmt.Errorf("failover from %s: %w", badURL, err)
	}
	url, _ := res.(string)
	a.metrics.RecordAllocatorOp("failover", "ok")
	return url, nil
}

// Scrub removes ranking entries whose heartbeat has expired and returns how
// many were dropped.
func (a *Allocator) Scrub(ctx context.Context) (int, error) {
	res, err := a.run.Run(ctx, scrubScript, []string{a.rankKey}, a.hbPrefix)
	if err != nil {
		return 0, fmt.Errorf("scrub workers: %w", err)
	}
	n, _ := res.(int64)
	return int(n), nil
}

// Snapshot reports the full ranking with liveness flags.
func (a *Allocator) Snapshot(ctx context.Context) ([]Worker, error) {
	res, err := a.run.Run(ctx, snapshotScript, []string{a.rankKey}, a.hbPrefix)
	if err != nil {
		return nil, fmt.Errorf("snapshot workers: %w", err)
	}
	rows, _ := res.([]interface{})
	workers := make([]Worker, 0, len(rows)/3)
	for i := 0; i+2 < len(rows); i += 3 {
		w := Worker{
			URL:   toString(rows[i]),
			Alive: toString(rows[i+2]) == "1",
		}
		fmt.Sscanf(toString(rows[i+1]), "%d", &w.Load)
		workers = append(workers, w)
	}
	return workers, nil
}

// RunReaper scrubs dead workers on a fixed period until ctx is cancelled.
func (a *Allocator) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(a.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.Scrub(ctx)
			if err != nil {
				slog.Warn("worker scrub failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("scrubbed dead workers", "removed", removed)
			}
			if snap, err := a.Snapshot(ctx); err == nil {
				a.metrics.SetWorkersRanked(len(snap))
			}
		}
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
