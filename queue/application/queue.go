package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pkgError "github.com/AzielCF/az-inbox/pkg/error"
	"github.com/AzielCF/az-inbox/pkg/metrics"
	"github.com/AzielCF/az-inbox/pkg/msgworker"
	"github.com/AzielCF/az-inbox/queue/domain/job"
	"github.com/dustin/go-humanize"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull    = errors.New("queue full")
	ErrInterrupted  = errors.New("interrupted by process restart")
	ErrQueueStopped = errors.New("queue stopped")
	errHandlerPanic = errors.New("handler panic")
)

// QueueConfig configures one queue.
type QueueConfig struct {
	Kind            job.Kind
	Workers         int
	Buffer          int
	Retention       time.Duration
	CleanupInterval time.Duration
	CleanupBatch    int
}

// Queue runs jobs of one kind on a bounded worker pool. Jobs are persisted
// before dispatch and every status change is written back to the store.
// There is no automatic retry; failed work is rediscovered by the reconciler.
type Queue struct {
	cfg     QueueConfig
	store   job.Store
	handler job.Handler
	pool    *msgworker.Pool
	now     func() time.Time

	// OnFailed is the error-reporting sink, called after a failed job was
	// persisted. Set before Start.
	OnFailed func(j job.Job, err error)

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewQueue(cfg QueueConfig, store job.Store, handler job.Handler) *Queue {
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.CleanupBatch <= 0 {
		cfg.CleanupBatch = 500
	}
	return &Queue{
		cfg:     cfg,
		store:   store,
		handler: handler,
		pool:    msgworker.NewPool(string(cfg.Kind), cfg.Workers, cfg.Buffer),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (q *Queue) Kind() job.Kind { return q.cfg.Kind }

// Start launches the workers, settles jobs left over by a previous process
// and starts the retention cleanup loop. It is safe to call once.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	// Workers outlive the caller's context; only Stop ends them.
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.mu.Unlock()

	q.pool.Start(ctx)

	if err := q.recoverOrphans(ctx); err != nil {
		logrus.WithError(err).Errorf("[QUEUE] %s: failed to recover jobs from previous run", q.cfg.Kind)
	}

	q.wg.Add(1)
	go q.cleanupLoop(ctx)

	logrus.Infof("[QUEUE] %s started (retention %s)", q.cfg.Kind, q.cfg.Retention)
	return nil
}

// Stop refuses new jobs and lets running and dispatched ones finish. When
// ctx ends first the running handlers are cancelled; jobs that never started
// stay pending and are dispatched again on the next Start.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if q.stopped || !q.started {
		q.stopped = true
		q.mu.Unlock()
		return
	}
	q.stopped = true
	cancel := q.cancel
	q.mu.Unlock()

	q.pool.Stop(ctx)
	cancel()
	q.wg.Wait()
	logrus.Infof("[QUEUE] %s stopped", q.cfg.Kind)
}

// Enqueue validates and persists a pending job for key, then hands it to the
// pool. A job that cannot be dispatched is marked failed immediately.
func (q *Queue) Enqueue(ctx context.Context, key string, payload any) (string, error) {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return "", ErrQueueStopped
	}

	if v, ok := payload.(validation.Validatable); ok {
		if err := v.Validate(); err != nil {
			return "", pkgError.ValidationError(fmt.Sprintf("invalid %s payload: %s", q.cfg.Kind, err))
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", q.cfg.Kind, err)
	}

	now := q.now()
	j := job.Job{
		ID:         uuid.NewString(),
		Kind:       q.cfg.Kind,
		Key:        key,
		Payload:    data,
		Status:     job.StatusPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	if err := q.store.Create(ctx, j); err != nil {
		return "", fmt.Errorf("persist %s job: %w", q.cfg.Kind, err)
	}
	metrics.JobsEnqueued.WithLabelValues(string(q.cfg.Kind)).Inc()

	q.dispatch(j)
	return j.ID, nil
}

func (q *Queue) dispatch(j job.Job) {
	id := j.ID
	ok := q.pool.TryDispatch(msgworker.Task{
		Key:     j.Key,
		Handler: func(ctx context.Context) error { return q.run(ctx, id) },
	})
	if !ok {
		q.finish(context.Background(), j, ErrQueueFull)
	}
}

// run executes one job on a worker.
func (q *Queue) run(ctx context.Context, id string) error {
	storeCtx := context.WithoutCancel(ctx)

	j, err := q.store.Get(storeCtx, id)
	if err != nil {
		return fmt.Errorf("load job %s: %w", id, err)
	}
	if j.Status != job.StatusPending {
		return nil
	}
	if err := j.Transition(job.StatusActive, q.now(), nil); err != nil {
		return err
	}
	if err := q.store.Update(storeCtx, j); err != nil {
		return fmt.Errorf("activate job %s: %w", id, err)
	}

	start := time.Now()
	runErr := q.call(ctx, j)
	metrics.JobDuration.WithLabelValues(string(q.cfg.Kind)).Observe(time.Since(start).Seconds())

	q.finish(storeCtx, j, runErr)
	return runErr
}

// call invokes the handler, turning a panic into an error.
func (q *Queue) call(ctx context.Context, j job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return q.handler(ctx, j)
}

// finish moves the job to its terminal status and reports the outcome.
func (q *Queue) finish(ctx context.Context, j job.Job, runErr error) {
	to := job.StatusCompleted
	if runErr != nil {
		to = job.StatusFailed
	}
	if err := j.Transition(to, q.now(), runErr); err != nil {
		logrus.WithError(err).WithField("job", j.ID).Errorf("[QUEUE] %s: cannot finish job", q.cfg.Kind)
		return
	}
	if err := q.store.Update(ctx, j); err != nil {
		logrus.WithError(err).WithField("job", j.ID).Errorf("[QUEUE] %s: failed to persist job outcome", q.cfg.Kind)
	}

	log := logrus.WithFields(logrus.Fields{"job": j.ID, "key": j.Key, "attempts": j.Attempts})
	if runErr == nil {
		metrics.JobsFinished.WithLabelValues(string(q.cfg.Kind), "completed").Inc()
		log.Debugf("[QUEUE] %s: job completed (enqueued %s)", q.cfg.Kind, humanize.Time(j.EnqueuedAt))
		return
	}

	metrics.JobsFinished.WithLabelValues(string(q.cfg.Kind), "failed").Inc()
	log.WithError(runErr).Errorf("[QUEUE] %s: job failed (enqueued %s)", q.cfg.Kind, humanize.Time(j.EnqueuedAt))
	if q.OnFailed != nil {
		q.OnFailed(j, runErr)
	}
}

// recoverOrphans settles jobs a previous process left behind: active jobs
// were cut off mid-run and fail as interrupted, pending jobs are dispatched
// again.
func (q *Queue) recoverOrphans(ctx context.Context) error {
	active, err := q.store.ListByStatus(ctx, q.cfg.Kind, job.StatusActive)
	if err != nil {
		return err
	}
	for _, j := range active {
		q.finish(ctx, j, ErrInterrupted)
	}

	pendingJobs, err := q.store.ListByStatus(ctx, q.cfg.Kind, job.StatusPending)
	if err != nil {
		return err
	}
	for _, j := range pendingJobs {
		q.dispatch(j)
	}

	if n := len(active) + len(pendingJobs); n > 0 {
		logrus.Infof("[QUEUE] %s: recovered %d interrupted and %d pending jobs", q.cfg.Kind, len(active), len(pendingJobs))
	}
	return nil
}

func (q *Queue) cleanupLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Cleanup(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Errorf("[QUEUE] %s: retention cleanup failed", q.cfg.Kind)
			}
		}
	}
}

// Cleanup purges terminal jobs older than the retention window, one bounded
// batch at a time.
func (q *Queue) Cleanup(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.cfg.Retention)
	total := 0
	for {
		n, err := q.store.PurgeFinished(ctx, q.cfg.Kind, cutoff, q.cfg.CleanupBatch)
		total += n
		if err != nil {
			return total, err
		}
		if n < q.cfg.CleanupBatch {
			break
		}
	}
	if total > 0 {
		metrics.JobsPurged.WithLabelValues(string(q.cfg.Kind)).Add(float64(total))
		logrus.Infof("[QUEUE] %s: purged %d jobs finished before %s", q.cfg.Kind, total, humanize.Time(cutoff))
	}
	return total, nil
}

// HasLiveJob reports whether a pending or active job holds key.
func (q *Queue) HasLiveJob(ctx context.Context, key string) (bool, error) {
	return q.store.HasLive(ctx, q.cfg.Kind, key)
}

func (q *Queue) Stats() msgworker.PoolStats {
	return q.pool.GetStats()
}
