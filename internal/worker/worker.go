package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/queue"
)

const (
	dequeueTimeout    = 5 * time.Second
	promoteInterval   = 5 * time.Second
	heartbeatInterval = 10 * time.Second
	promoteBatch      = 16
)

// Unloader receives the administrative model-unload broadcast.
type Unloader interface {
	UnloadAll(ctx context.Context)
}

// Pool runs the per-process worker loops: one consumer per lane per
// concurrency slot, a retry promoter, a heartbeat and the unload listener.
// Each consumer pulls one job at a time and blocks for its duration;
// acknowledgment (result storage) happens only after completion, so delivery
// is at-least-once.
type Pool struct {
	id          string
	queue       *queue.Queue
	handler     *Handler
	models      Unloader
	logger      *infra.Logger
	concurrency int
}

// NewPool wires a worker pool.
func NewPool(id string, q *queue.Queue, handler *Handler, models Unloader, logger *infra.Logger, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		id:          id,
		queue:       q,
		handler:     handler,
		models:      models,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Run blocks until the context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Str("worker_id", p.id).Int("concurrency", p.concurrency).Msg("worker: started")

	var wg sync.WaitGroup
	for _, lane := range queue.Lanes {
		for i := 0; i < p.concurrency; i++ {
			wg.Add(1)
			go func(lane string) {
				defer wg.Done()
				p.consume(ctx, lane)
			}(lane)
		}
	}

	wg.Add(3)
	go func() { defer wg.Done(); p.promoteRetries(ctx) }()
	go func() { defer wg.Done(); p.heartbeat(ctx) }()
	go func() { defer wg.Done(); p.listenUnload(ctx) }()

	wg.Wait()
	p.logger.Info().Str("worker_id", p.id).Msg("worker: stopped")
	return ctx.Err()
}

func (p *Pool) consume(ctx context.Context, lane string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, lane, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error().Err(err).Str("lane", lane).Msg("worker: dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		p.process(ctx, job)
	}
}

// process maps the attempt outcome to queue actions: completed and terminal
// outcomes store the result, recoverable ones consume retry budget.
func (p *Pool) process(ctx context.Context, job *domain.Job) {
	log := p.logger.With().Str("job_id", job.ID).Str("kind", string(job.Kind)).Logger()
	log.Info().Int("attempt", job.RetryCount+1).Msg("worker: picked job")

	outcome := p.handle(ctx, job)

	switch outcome.Kind {
	case Completed, TerminalFailure:
		if err := p.queue.Complete(ctx, job.ID, outcome.Result); err != nil {
			log.Error().Err(err).Msg("worker: store result failed")
			return
		}
		if outcome.Kind == Completed {
			log.Info().Msg("worker: job completed")
		} else {
			log.Info().Str("error", outcome.Result.Error).Msg("worker: job failed")
		}
	case RecoverableFailure:
		if job.RetryCount < domain.MaxRetries {
			log.Warn().Str("reason", outcome.Reason).Int("attempt", job.RetryCount+1).Msg("worker: rescheduling job")
			if err := p.queue.ScheduleRetry(ctx, job, domain.RetryDelay); err != nil {
				log.Error().Err(err).Msg("worker: schedule retry failed")
			}
			return
		}
		result := domain.FailureResult(job.ID, fmt.Sprintf("Processing failed after %d retries: %s", domain.MaxRetries, outcome.Reason))
		if job.Kind == domain.JobKindFaceEnhance {
			zero := 0
			result.FaceCount = &zero
		}
		if err := p.queue.Complete(ctx, job.ID, result); err != nil {
			log.Error().Err(err).Msg("worker: store result failed")
			return
		}
		log.Error().Str("reason", outcome.Reason).Msg("worker: retries exhausted")
	}
}

// handle shields the pool from panics inside a job attempt; a panic counts
// as a recoverable failure like any other unexpected fault.
func (p *Pool) handle(ctx context.Context, job *domain.Job) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Any("panic", r).Str("job_id", job.ID).Msg("worker: attempt panicked")
			outcome = recoverable(fmt.Sprintf("panic: %v", r))
		}
	}()
	return p.handler.Handle(ctx, job)
}

func (p *Pool) promoteRetries(ctx context.Context) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.PromoteDueRetries(ctx, promoteBatch)
			if err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error().Err(err).Msg("worker: promote retries failed")
				continue
			}
			if n > 0 {
				p.logger.Info().Int("promoted", n).Msg("worker: promoted due retries")
			}
		}
	}
}

func (p *Pool) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	if err := p.queue.Heartbeat(ctx, p.id); err != nil {
		p.logger.Warn().Err(err).Msg("worker: heartbeat failed")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, p.id); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warn().Err(err).Msg("worker: heartbeat failed")
			}
		}
	}
}

func (p *Pool) listenUnload(ctx context.Context) {
	if p.models == nil {
		return
	}
	sub := p.queue.SubscribeModelUnload(ctx)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			p.logger.Info().Str("payload", msg.Payload).Msg("worker: unloading models on admin request")
			p.models.UnloadAll(ctx)
		}
	}
}
