package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"server/internal/domain"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, "test", time.Hour), mr
}

func testJob(kind domain.JobKind) *domain.Job {
	return &domain.Job{
		Kind:      kind,
		Filename:  "photo.png",
		ImageData: []byte{0x89, 0x50, 0x4e, 0x47},
		Options:   domain.NewOptions("", "", false),
	}
}

func TestEnqueueDequeueRoundtrip(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	jobID, err := q.Enqueue(ctx, testJob(domain.JobKindUpscale))
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected a job id")
	}

	status, result, err := q.Lookup(ctx, jobID)
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if status != domain.JobStatusQueued || result != nil {
		t.Fatalf("expected queued with no result, got %q %v", status, result)
	}

	job, err := q.Dequeue(ctx, domain.JobKindUpscale.Lane(), time.Second)
	if err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}
	if job == nil || job.ID != jobID {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Filename != "photo.png" || job.Options.Format != domain.FormatWebP {
		t.Fatalf("envelope not preserved: %+v", job)
	}

	status, _, err = q.Lookup(ctx, jobID)
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if status != domain.JobStatusProcessing {
		t.Fatalf("expected processing, got %q", status)
	}
}

func TestLanesRouteByKind(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue(ctx, testJob(domain.JobKindFaceEnhance)); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	// The blocking-pop timeout has one-second granularity, so this is the
	// shortest wait that still returns.
	job, err := q.Dequeue(ctx, domain.JobKindUpscale.Lane(), time.Second)
	if err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}
	if job != nil {
		t.Fatalf("face job leaked onto the upscale lane: %+v", job)
	}

	job, err = q.Dequeue(ctx, domain.JobKindFaceEnhance.Lane(), time.Second)
	if err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}
	if job == nil || job.Kind != domain.JobKindFaceEnhance {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.Enqueue(context.Background(), testJob("thumbnail")); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestCompleteStoresImmutableResult(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	jobID, err := q.Enqueue(ctx, testJob(domain.JobKindUpscale))
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	first := &domain.Result{Success: true, TaskID: jobID, ImageURL: "https://cdn.example/a.webp"}
	if err := q.Complete(ctx, jobID, first); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	// A duplicate delivery must not overwrite the stored result.
	second := domain.FailureResult(jobID, "duplicate attempt")
	if err := q.Complete(ctx, jobID, second); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	status, result, err := q.Lookup(ctx, jobID)
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if status != domain.JobStatusCompleted {
		t.Fatalf("expected completed, got %q", status)
	}
	if result == nil || !result.Success || result.ImageURL != first.ImageURL {
		t.Fatalf("result mutated: %+v", result)
	}
}

func TestFailedResultLookup(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	jobID, err := q.Enqueue(ctx, testJob(domain.JobKindUpscale))
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if err := q.Complete(ctx, jobID, domain.FailureResult(jobID, "model unavailable")); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	status, result, err := q.Lookup(ctx, jobID)
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %q", status)
	}
	if result.Error != "model unavailable" {
		t.Fatalf("unexpected error message: %q", result.Error)
	}
}

func TestLookupUnknownID(t *testing.T) {
	q, _ := newTestQueue(t)
	_, _, err := q.Lookup(context.Background(), "no-such-job")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResultExpiry(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	jobID, err := q.Enqueue(ctx, testJob(domain.JobKindUpscale))
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if err := q.Complete(ctx, jobID, &domain.Result{Success: true, TaskID: jobID}); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	mr.FastForward(2 * time.Hour)

	_, _, err = q.Lookup(ctx, jobID)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected expired result to be gone, got %v", err)
	}
}

func TestScheduleRetryAndPromote(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	jobID, err := q.Enqueue(ctx, testJob(domain.JobKindUpscale))
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	job, err := q.Dequeue(ctx, domain.JobKindUpscale.Lane(), time.Second)
	if err != nil || job == nil {
		t.Fatalf("Dequeue error: %v job=%v", err, job)
	}

	// Not yet due: nothing to promote.
	if err := q.ScheduleRetry(ctx, job, time.Hour); err != nil {
		t.Fatalf("ScheduleRetry error: %v", err)
	}
	n, err := q.PromoteDueRetries(ctx, 10)
	if err != nil {
		t.Fatalf("PromoteDueRetries error: %v", err)
	}
	if n != 0 {
		t.Fatalf("promoted %d jobs before due time", n)
	}
	if job.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", job.RetryCount)
	}

	// Reschedule as already due and promote.
	if err := q.ScheduleRetry(ctx, job, -time.Second); err != nil {
		t.Fatalf("ScheduleRetry error: %v", err)
	}
	n, err = q.PromoteDueRetries(ctx, 10)
	if err != nil {
		t.Fatalf("PromoteDueRetries error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promotion, got %d", n)
	}

	again, err := q.Dequeue(ctx, domain.JobKindUpscale.Lane(), time.Second)
	if err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}
	if again == nil || again.ID != jobID {
		t.Fatalf("unexpected job: %+v", again)
	}
	if again.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", again.RetryCount)
	}
}

func TestSnapshotAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue(ctx, testJob(domain.JobKindUpscale)); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if _, err := q.Enqueue(ctx, testJob(domain.JobKindFaceEnhance)); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if err := q.Heartbeat(ctx, "worker-1"); err != nil {
		t.Fatalf("Heartbeat error: %v", err)
	}

	stats, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	if stats.LaneDepths[domain.JobKindUpscale.Lane()] != 1 {
		t.Fatalf("unexpected esrgan depth: %+v", stats.LaneDepths)
	}
	if stats.LaneDepths[domain.JobKindFaceEnhance.Lane()] != 1 {
		t.Fatalf("unexpected gfpgan depth: %+v", stats.LaneDepths)
	}
	if len(stats.Workers) != 1 || stats.Workers[0] != "worker-1" {
		t.Fatalf("unexpected workers: %v", stats.Workers)
	}
}
