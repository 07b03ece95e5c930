package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trailbound/kapp/pkg/metrics"
	"github.com/trailbound/kapp/pkg/types"
)

// QueueName identifies the single durable queue this service runs
const QueueName = "knowledge-asset-publishing"

const (
	keyWaiting   = "kapp:queue:waiting"
	keyActive    = "kapp:queue:active"
	keyCompleted = "kapp:queue:completed"
	keyFailed    = "kapp:queue:failed"
	keyPaused    = "kapp:queue:paused"

	jobKeyPrefix = "kapp:job:"
)

// Retention for settled job records
const (
	completedKeep   = 100
	completedMaxAge = 24 * time.Hour
	failedKeep      = 50
	failedMaxAge    = 7 * 24 * time.Hour
)

// Job states stored in the job hash
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Job is one queued publish of one asset
type Job struct {
	ID       string
	AssetID  int64
	Priority int
	State    string
	WorkerID string
	Error    string
}

// Queue is the Redis-backed durable job queue. Job ids derive from asset
// ids so an asset is never queued twice; delivery is at-least-once and
// workers are expected to be idempotent.
type Queue struct {
	rdb *redis.Client
}

// NewQueue creates a queue over an open Redis client
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// JobID derives the deterministic job id for an asset
func JobID(assetID int64) string {
	return fmt.Sprintf("asset-%d", assetID)
}

// AssetID recovers the asset id from a job id
func AssetID(jobID string) (int64, error) {
	raw, ok := strings.CutPrefix(jobID, "asset-")
	if !ok {
		return 0, fmt.Errorf("malformed job id %q", jobID)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed job id %q: %w", jobID, err)
	}
	return id, nil
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

// waitingScore orders the waiting set by priority first (higher drains
// first) and enqueue time second. Millisecond timestamps stay below the
// 1e13 priority band width.
func waitingScore(priority int, now time.Time) float64 {
	return float64(100-types.ClampPriority(priority))*1e13 + float64(now.UnixMilli())
}

// Enqueue adds a job for the asset, deduplicating on the derived job id.
// A job already waiting, active, or delayed makes the call a no-op; a
// settled record is removed and the job re-added fresh. Returns whether a
// job was actually added.
func (q *Queue) Enqueue(ctx context.Context, assetID int64, priority int) (bool, error) {
	jobID := JobID(assetID)

	state, err := q.rdb.HGet(ctx, jobKey(jobID), "state").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to check job state: %w", err)
	}
	switch state {
	case StateActive, StateDelayed:
		metrics.JobsDeduplicated.Inc()
		return false, nil
	case StateWaiting:
		// A crash between the waiting-set pop and activation leaves the
		// hash saying waiting with the member gone from every set. Trust
		// the waiting set, not the hash, or the orphan dedups this asset
		// forever.
		err := q.rdb.ZScore(ctx, keyWaiting, jobID).Err()
		if err == nil {
			metrics.JobsDeduplicated.Inc()
			return false, nil
		}
		if !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("failed to verify waiting job %s: %w", jobID, err)
		}
	case StateCompleted, StateFailed:
		if _, err := q.Remove(ctx, jobID); err != nil {
			return false, err
		}
	}

	now := time.Now().UTC()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID),
		"asset_id", assetID,
		"priority", priority,
		"state", StateWaiting,
		"worker_id", "",
		"error", "",
		"enqueued_at", now.Format(time.RFC3339Nano))
	pipe.Persist(ctx, jobKey(jobID))
	pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: waitingScore(priority, now), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	metrics.JobsEnqueued.Inc()
	return true, nil
}

// Dequeue claims the highest-priority waiting job under a processing
// lease. Returns nil when the queue is empty or paused.
func (q *Queue) Dequeue(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	paused, err := q.IsPaused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	popped, err := q.rdb.ZPopMin(ctx, keyWaiting, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop waiting job: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	jobID := popped[0].Member.(string)

	deadline := time.Now().UTC().Add(lease)
	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, keyActive, redis.Z{Score: float64(deadline.Unix()), Member: jobID})
	pipe.HSet(ctx, jobKey(jobID),
		"state", StateActive,
		"worker_id", workerID,
		"started_at", time.Now().UTC().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to activate job %s: %w", jobID, err)
	}

	return q.GetJob(ctx, jobID)
}

// Heartbeat renews an active job's lease. types.ErrNotFound means the
// job is no longer active (completed, failed, or reclaimed) and the
// worker should abandon it.
func (q *Queue) Heartbeat(ctx context.Context, jobID string, lease time.Duration) error {
	deadline := time.Now().UTC().Add(lease)
	err := q.rdb.ZAddXX(ctx, keyActive, redis.Z{
		Score: float64(deadline.Unix()), Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to heartbeat job %s: %w", jobID, err)
	}
	// ZADD XX is silent when the member is gone; verify membership.
	if err := q.rdb.ZScore(ctx, keyActive, jobID).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("job %s no longer active: %w", jobID, types.ErrNotFound)
		}
		return fmt.Errorf("failed to verify job lease: %w", err)
	}
	return nil
}

// Complete settles an active job as completed
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	return q.settle(ctx, jobID, StateCompleted, "", keyCompleted, completedKeep, completedMaxAge)
}

// Fail settles an active job as failed with its error message
func (q *Queue) Fail(ctx context.Context, jobID, errMsg string) error {
	return q.settle(ctx, jobID, StateFailed, errMsg, keyFailed, failedKeep, failedMaxAge)
}

func (q *Queue) settle(ctx context.Context, jobID, state, errMsg, setKey string, keep int64, maxAge time.Duration) error {
	now := time.Now().UTC()
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyActive, jobID)
	pipe.ZRem(ctx, keyWaiting, jobID)
	pipe.HSet(ctx, jobKey(jobID),
		"state", state,
		"error", errMsg,
		"completed_at", now.Format(time.RFC3339Nano))
	pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to settle job %s: %w", jobID, err)
	}
	return q.trim(ctx, setKey, keep, maxAge)
}

// trim drops settled records beyond the retention count or age, along
// with their job hashes.
func (q *Queue) trim(ctx context.Context, setKey string, keep int64, maxAge time.Duration) error {
	cutoff := time.Now().UTC().Add(-maxAge).UnixMilli()

	var doomed []string
	aged, err := q.rdb.ZRangeByScore(ctx, setKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to list aged jobs: %w", err)
	}
	doomed = append(doomed, aged...)

	card, err := q.rdb.ZCard(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("failed to size settled set: %w", err)
	}
	if excess := card - keep; excess > 0 {
		oldest, err := q.rdb.ZRange(ctx, setKey, 0, excess-1).Result()
		if err != nil {
			return fmt.Errorf("failed to list excess jobs: %w", err)
		}
		doomed = append(doomed, oldest...)
	}
	if len(doomed) == 0 {
		return nil
	}

	pipe := q.rdb.TxPipeline()
	members := make([]interface{}, len(doomed))
	for i, jobID := range doomed {
		members[i] = jobID
		pipe.Del(ctx, jobKey(jobID))
	}
	pipe.ZRem(ctx, setKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to trim settled jobs: %w", err)
	}
	return nil
}

// Remove deletes a job from every queue structure. Returns whether the
// job existed.
func (q *Queue) Remove(ctx context.Context, jobID string) (bool, error) {
	existed, err := q.rdb.Exists(ctx, jobKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check job %s: %w", jobID, err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyWaiting, jobID)
	pipe.ZRem(ctx, keyActive, jobID)
	pipe.ZRem(ctx, keyCompleted, jobID)
	pipe.ZRem(ctx, keyFailed, jobID)
	pipe.Del(ctx, jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to remove job %s: %w", jobID, err)
	}
	return existed > 0, nil
}

// GetJob loads a job's current record, or types.ErrNotFound
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, types.ErrNotFound)
	}

	assetID, _ := strconv.ParseInt(fields["asset_id"], 10, 64)
	priority, _ := strconv.Atoi(fields["priority"])
	return &Job{
		ID:       jobID,
		AssetID:  assetID,
		Priority: priority,
		State:    fields["state"],
		WorkerID: fields["worker_id"],
		Error:    fields["error"],
	}, nil
}

// ReclaimExpired moves active jobs whose lease deadline has passed back
// into the waiting set. Returns the reclaimed job ids.
func (q *Queue) ReclaimExpired(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()
	expired, err := q.rdb.ZRangeByScore(ctx, keyActive, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expired jobs: %w", err)
	}

	for _, jobID := range expired {
		job, err := q.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				q.rdb.ZRem(ctx, keyActive, jobID)
				continue
			}
			return nil, err
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, keyActive, jobID)
		pipe.HSet(ctx, jobKey(jobID), "state", StateWaiting, "worker_id", "")
		pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: waitingScore(job.Priority, now), Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to reclaim job %s: %w", jobID, err)
		}
	}
	return expired, nil
}

// Stats reports job counts per queue state
func (q *Queue) Stats(ctx context.Context) (*types.QueueStats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, keyWaiting)
	active := pipe.ZCard(ctx, keyActive)
	completed := pipe.ZCard(ctx, keyCompleted)
	failed := pipe.ZCard(ctx, keyFailed)
	paused := pipe.Exists(ctx, keyPaused)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return &types.QueueStats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   0,
		Paused:    paused.Val() > 0,
	}, nil
}

// Pause stops Dequeue from handing out jobs. Enqueue keeps working.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.rdb.Set(ctx, keyPaused, "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to pause queue: %w", err)
	}
	return nil
}

// Resume re-enables Dequeue
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.rdb.Del(ctx, keyPaused).Err(); err != nil {
		return fmt.Errorf("failed to resume queue: %w", err)
	}
	return nil
}

// IsPaused reports whether the queue is paused
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.rdb.Exists(ctx, keyPaused).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check pause flag: %w", err)
	}
	return n > 0, nil
}

// ClearCompleted drops all completed job records
func (q *Queue) ClearCompleted(ctx context.Context) (int64, error) {
	return q.clear(ctx, keyCompleted)
}

// ClearFailed drops all failed job records
func (q *Queue) ClearFailed(ctx context.Context) (int64, error) {
	return q.clear(ctx, keyFailed)
}

func (q *Queue) clear(ctx context.Context, setKey string) (int64, error) {
	members, err := q.rdb.ZRange(ctx, setKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list settled jobs: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := q.rdb.TxPipeline()
	for _, jobID := range members {
		pipe.Del(ctx, jobKey(jobID))
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to clear settled jobs: %w", err)
	}
	return int64(len(members)), nil
}

// RetryFailed moves every failed job record back into the waiting set
func (q *Queue) RetryFailed(ctx context.Context) (int64, error) {
	members, err := q.rdb.ZRange(ctx, keyFailed, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list failed jobs: %w", err)
	}

	now := time.Now().UTC()
	var moved int64
	for _, jobID := range members {
		job, err := q.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				q.rdb.ZRem(ctx, keyFailed, jobID)
				continue
			}
			return moved, err
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, keyFailed, jobID)
		pipe.HSet(ctx, jobKey(jobID), "state", StateWaiting, "error", "", "worker_id", "")
		pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: waitingScore(job.Priority, now), Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, fmt.Errorf("failed to retry job %s: %w", jobID, err)
		}
		moved++
	}
	return moved, nil
}

// RecentJobs lists settled jobs newest first, for the dashboard
func (q *Queue) RecentJobs(ctx context.Context, state string, limit int64) ([]*Job, error) {
	var setKey string
	switch state {
	case StateCompleted:
		setKey = keyCompleted
	case StateFailed:
		setKey = keyFailed
	case StateWaiting:
		setKey = keyWaiting
	case StateActive:
		setKey = keyActive
	default:
		return nil, fmt.Errorf("unknown job state %q", state)
	}

	members, err := q.rdb.ZRevRange(ctx, setKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", state, err)
	}

	jobs := make([]*Job, 0, len(members))
	for _, jobID := range members {
		job, err := q.GetJob(ctx, jobID)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
