// Package queue implements the job queue on top of Redis: lanes are lists
// consumed with BRPOP, deferred retries live in a sorted set scored by their
// due time, and job envelopes, statuses and terminal results are stored under
// TTL'd keys so finished work expires on its own.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"server/internal/domain"
)

const (
	envelopeTTL      = 24 * time.Hour
	unloadChannel    = "models:unload"
	heartbeatTTL     = 30 * time.Second
	defaultResultTTL = time.Hour
)

// Lanes every worker process subscribes to, one per job kind.
var Lanes = []string{domain.JobKindUpscale.Lane(), domain.JobKindFaceEnhance.Lane()}

// Queue provides job dispatch, result storage and retry scheduling against a
// single Redis backing store.
type Queue struct {
	client    *redis.Client
	prefix    string
	resultTTL time.Duration
}

// New builds a Queue. The prefix namespaces every key so multiple deployments
// can share one Redis instance.
func New(client *redis.Client, prefix string, resultTTL time.Duration) *Queue {
	if prefix == "" {
		prefix = "restore"
	}
	if resultTTL <= 0 {
		resultTTL = defaultResultTTL
	}
	return &Queue{client: client, prefix: prefix, resultTTL: resultTTL}
}

func (q *Queue) laneKey(lane string) string { return q.prefix + ":lane:" + lane }
func (q *Queue) jobKey(id string) string    { return q.prefix + ":job:" + id }
func (q *Queue) statusKey(id string) string { return q.prefix + ":status:" + id }
func (q *Queue) resultKey(id string) string { return q.prefix + ":result:" + id }
func (q *Queue) retryKey() string           { return q.prefix + ":retry" }
func (q *Queue) workerKey(id string) string { return q.prefix + ":worker:" + id }
func (q *Queue) workersPattern() string     { return q.prefix + ":worker:*" }
func (q *Queue) unloadChannelName() string  { return q.prefix + ":" + unloadChannel }

// Enqueue assigns the job an identifier, persists the envelope and pushes the
// ID onto the lane for its kind. It returns immediately; execution happens in
// a worker process.
func (q *Queue) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
	if job == nil {
		return "", errors.New("queue: job is required")
	}
	if !job.Kind.Valid() {
		return "", fmt.Errorf("queue: unsupported job kind %q", job.Kind)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = time.Now().Unix()

	if err := q.putEnvelope(ctx, job); err != nil {
		return "", err
	}
	if err := q.client.Set(ctx, q.statusKey(job.ID), string(domain.JobStatusQueued), envelopeTTL).Err(); err != nil {
		return "", fmt.Errorf("queue: set status: %w", err)
	}
	if err := q.client.LPush(ctx, q.laneKey(job.Kind.Lane()), job.ID).Err(); err != nil {
		return "", fmt.Errorf("queue: push job: %w", err)
	}
	return job.ID, nil
}

func (q *Queue) putEnvelope(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode envelope: %w", err)
	}
	if err := q.client.Set(ctx, q.jobKey(job.ID), data, envelopeTTL).Err(); err != nil {
		return fmt.Errorf("queue: store envelope: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout waiting for a job on the lane and returns its
// envelope with the status advanced to processing. A nil job with a nil error
// means the wait timed out.
func (q *Queue) Dequeue(ctx context.Context, lane string, timeout time.Duration) (*domain.Job, error) {
	res, err := q.client.BRPop(ctx, timeout, q.laneKey(lane)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: brpop: %w", err)
	}
	// res[0] is the lane key, res[1] the job ID.
	jobID := res[1]

	job, err := q.envelope(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := q.client.Set(ctx, q.statusKey(jobID), string(domain.JobStatusProcessing), envelopeTTL).Err(); err != nil {
		return nil, fmt.Errorf("queue: set status: %w", err)
	}
	return job, nil
}

func (q *Queue) envelope(ctx context.Context, jobID string) (*domain.Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue: envelope for %s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load envelope: %w", err)
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("queue: decode envelope: %w", err)
	}
	return &job, nil
}

// Complete stores the terminal result, marks the final status and removes the
// envelope. The result key carries the configured TTL, after which the job is
// forgotten entirely. A result, once written, is never overwritten.
func (q *Queue) Complete(ctx context.Context, jobID string, result *domain.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("queue: encode result: %w", err)
	}
	ok, err := q.client.SetNX(ctx, q.resultKey(jobID), data, q.resultTTL).Result()
	if err != nil {
		return fmt.Errorf("queue: store result: %w", err)
	}
	if !ok {
		// A concurrent duplicate delivery already finished this job.
		return nil
	}
	status := domain.JobStatusCompleted
	if !result.Success {
		status = domain.JobStatusFailed
	}
	if err := q.client.Set(ctx, q.statusKey(jobID), string(status), q.resultTTL).Err(); err != nil {
		return fmt.Errorf("queue: set status: %w", err)
	}
	return q.client.Del(ctx, q.jobKey(jobID)).Err()
}

// ScheduleRetry re-persists the envelope with an incremented attempt counter
// and places the job on the retry schedule, due after the fixed delay.
func (q *Queue) ScheduleRetry(ctx context.Context, job *domain.Job, delay time.Duration) error {
	job.RetryCount++
	if err := q.putEnvelope(ctx, job); err != nil {
		return err
	}
	if err := q.client.Set(ctx, q.statusKey(job.ID), string(domain.JobStatusQueued), envelopeTTL).Err(); err != nil {
		return fmt.Errorf("queue: set status: %w", err)
	}
	due := time.Now().Add(delay)
	err := q.client.ZAdd(ctx, q.retryKey(), redis.Z{
		Score:  float64(due.Unix()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: schedule retry: %w", err)
	}
	return nil
}

// PromoteDueRetries moves jobs whose retry time has passed back onto their
// lanes. It returns the number of jobs promoted.
func (q *Queue) PromoteDueRetries(ctx context.Context, limit int) (int, error) {
	now := float64(time.Now().Unix())
	ids, err := q.client.ZRangeByScore(ctx, q.retryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(now, 'f', -1, 64),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: due retries: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.retryKey(), id).Result()
		if err != nil || removed == 0 {
			// Another promoter claimed it first.
			continue
		}
		job, err := q.envelope(ctx, id)
		if err != nil {
			continue
		}
		if err := q.client.LPush(ctx, q.laneKey(job.Kind.Lane()), id).Err(); err != nil {
			continue
		}
		promoted++
	}
	return promoted, nil
}

// Lookup reports the job's current state. Completed and failed jobs return
// the stored result. Identifiers the runtime has never seen, or whose result
// already expired, yield domain.ErrNotFound.
func (q *Queue) Lookup(ctx context.Context, jobID string) (domain.JobStatus, *domain.Result, error) {
	data, err := q.client.Get(ctx, q.resultKey(jobID)).Bytes()
	if err == nil {
		var result domain.Result
		if err := json.Unmarshal(data, &result); err != nil {
			return "", nil, fmt.Errorf("queue: decode result: %w", err)
		}
		status := domain.JobStatusCompleted
		if !result.Success {
			status = domain.JobStatusFailed
		}
		return status, &result, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", nil, fmt.Errorf("queue: load result: %w", err)
	}

	raw, err := q.client.Get(ctx, q.statusKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, domain.ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("queue: load status: %w", err)
	}
	return domain.JobStatus(raw), nil, nil
}

// Stats describes queue backlog at a point in time.
type Stats struct {
	LaneDepths   map[string]int64 `json:"lane_depths"`
	RetryBacklog int64            `json:"retry_backlog"`
	Workers      []string         `json:"workers"`
}

// Snapshot gathers lane depths, the retry backlog and live worker IDs.
func (q *Queue) Snapshot(ctx context.Context) (*Stats, error) {
	stats := &Stats{LaneDepths: make(map[string]int64, len(Lanes))}
	for _, lane := range Lanes {
		depth, err := q.client.LLen(ctx, q.laneKey(lane)).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: lane depth: %w", err)
		}
		stats.LaneDepths[lane] = depth
	}
	backlog, err := q.client.ZCard(ctx, q.retryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: retry backlog: %w", err)
	}
	stats.RetryBacklog = backlog

	keys, err := q.client.Keys(ctx, q.workersPattern()).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: worker keys: %w", err)
	}
	prefixLen := len(q.workerKey(""))
	for _, key := range keys {
		stats.Workers = append(stats.Workers, key[prefixLen:])
	}
	return stats, nil
}

// Heartbeat refreshes the worker's liveness key.
func (q *Queue) Heartbeat(ctx context.Context, workerID string) error {
	return q.client.Set(ctx, q.workerKey(workerID), time.Now().Unix(), heartbeatTTL).Err()
}

// PublishModelUnload broadcasts the administrative unload signal to every
// worker process. Each worker drops its model handles and reloads lazily on
// the next job.
func (q *Queue) PublishModelUnload(ctx context.Context) error {
	return q.client.Publish(ctx, q.unloadChannelName(), "unload").Err()
}

// SubscribeModelUnload subscribes to the unload broadcast. The caller owns
// the returned PubSub and must close it.
func (q *Queue) SubscribeModelUnload(ctx context.Context) *redis.PubSub {
	return q.client.Subscribe(ctx, q.unloadChannelName())
}
