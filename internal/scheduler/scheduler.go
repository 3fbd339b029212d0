// Package scheduler implements the job scheduler and worker pool
// (Component E): it moves jobs from broker to executor with bounded
// concurrency, per-job timeouts, and graceful shutdown. A job whose worker
// is lost is not re-run: the cleanup_orphaned_jobs maintenance task marks
// it FAILED once its broker lease has expired.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/medpipe/core/infrastructure/metrics"
	"github.com/medpipe/core/internal/broker"
	"github.com/medpipe/core/internal/executor"
	"github.com/medpipe/core/internal/model"
	"github.com/medpipe/core/internal/ocrpii"
	"github.com/medpipe/core/internal/pipeline"
	"github.com/medpipe/core/internal/store"
)

// Config configures pool sizing and timeout/heartbeat defaults.
type Config struct {
	Workers           int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	PollTimeout       time.Duration
}

// DefaultConfig matches the defaults named in the scheduling policy.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		JobTimeout:        30 * time.Minute,
		HeartbeatInterval: 60 * time.Second,
		PollTimeout:       5 * time.Second,
	}
}

// Scheduler owns a bounded pool of worker goroutines pulling from a
// broker queue. Concurrency across jobs is bounded by cfg.Workers; within
// one worker, step execution is inherently serial (the executor contract).
type Scheduler struct {
	cfg      Config
	broker   broker.Broker
	jobs     *store.JobRepository
	config   *store.ConfigRepository
	exec     *executor.Executor
	extract  ocrpii.Extractor
	scrub    ocrpii.Scrubber
	metrics  *metrics.Metrics
	log      *logrus.Entry
	sem      *semaphore.Weighted
}

// New constructs a Scheduler.
func New(cfg Config, b broker.Broker, jobs *store.JobRepository, config *store.ConfigRepository, exec *executor.Executor, extract ocrpii.Extractor, scrub ocrpii.Scrubber, m *metrics.Metrics, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Scheduler{
		cfg: cfg, broker: b, jobs: jobs, config: config, exec: exec,
		extract: extract, scrub: scrub, metrics: m, log: log,
		sem: semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// Enqueue publishes a task to the broker for processing_id. Idempotent at
// the scheduler level: a duplicate enqueue for a job already RUNNING or in
// a terminal state is acknowledged and dropped at pickup time, not here.
func (s *Scheduler) Enqueue(ctx context.Context, processingID string, options map[string]interface{}) (string, error) {
	queue := broker.DefaultQueue
	if hp, _ := options["high_priority"].(bool); hp {
		queue = broker.HighPriorityQueue
	}
	return s.broker.Enqueue(ctx, processingID, options, queue)
}

// Cancel records a cancellation intent the running worker checks between
// steps.
func (s *Scheduler) Cancel(ctx context.Context, processingID string) error {
	return s.broker.Cancel(ctx, processingID)
}

// Run drives the worker pool until ctx is cancelled, then waits for
// in-flight jobs to finish before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		workerID := i
		g.Go(func() error {
			return s.workerLoop(gctx, workerID)
		})
	}
	return g.Wait()
}

func (s *Scheduler) workerLoop(ctx context.Context, workerID int) error {
	log := s.log.WithField("worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		task, err := s.pollBothQueues(ctx)
		if err != nil {
			log.WithError(err).Error("dequeue failed")
			continue
		}
		if task == nil {
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		s.processTask(ctx, log, task)
		s.sem.Release(1)
	}
}

func (s *Scheduler) pollBothQueues(ctx context.Context) (*broker.Task, error) {
	task, err := s.broker.Dequeue(ctx, broker.HighPriorityQueue, 0)
	if err != nil {
		return nil, err
	}
	if task != nil {
		return task, nil
	}
	return s.broker.Dequeue(ctx, broker.DefaultQueue, s.cfg.PollTimeout)
}

func (s *Scheduler) processTask(ctx context.Context, log *logrus.Entry, task *broker.Task) {
	if s.metrics != nil {
		s.metrics.IncrementInFlight()
		defer s.metrics.DecrementInFlight()
	}

	job, err := s.jobs.GetByProcessingID(ctx, task.ProcessingID)
	if err != nil {
		log.WithError(err).WithField("processing_id", task.ProcessingID).Error("failed to load job for dequeued task")
		return
	}

	// Pickup-time deduplication: a duplicate delivery for a job already
	// RUNNING or terminal is acknowledged and dropped.
	if job.Status.IsTerminal() || job.Status == model.JobRunning {
		_ = s.broker.Ack(ctx, task)
		return
	}

	if err := s.jobs.Update(ctx, job.ID, job.ProcessingID, map[string]interface{}{
		"status": model.JobRunning,
	}); err != nil {
		log.WithError(err).Error("failed to transition job to RUNNING")
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	stop := s.startHeartbeat(jobCtx, task)
	defer stop()

	start := time.Now()
	outcome, runErr := s.runJob(jobCtx, job, task)
	elapsed := time.Since(start)

	if runErr != nil {
		log.WithError(runErr).WithField("job_id", job.ID).Error("executor crashed")
		outcome = executorCrashOutcome(runErr)
	}
	if jobCtx.Err() != nil && outcome.Status != model.JobCompleted {
		outcome.Status = model.JobFailed
		outcome.ErrorMessage = "timeout"
	}

	if err := s.finalize(ctx, job, outcome); err != nil {
		log.WithError(err).Error("failed to finalize job")
	}
	if s.metrics != nil {
		s.metrics.RecordJob("worker", string(outcome.Status), elapsed)
	}
	_ = s.broker.Ack(ctx, task)
}

func (s *Scheduler) runJob(ctx context.Context, job *model.Job, task *broker.Task) (executor.Outcome, error) {
	rawText, _, err := s.extract.Extract(ctx, job.FileContent, job.MimeType)
	if err != nil {
		return executor.Outcome{}, fmt.Errorf("ocr extract: %w", err)
	}
	scrubbed, err := s.scrub.Scrub(ctx, rawText)
	if err != nil {
		return executor.Outcome{}, fmt.Errorf("pii scrub: %w", err)
	}
	job.FileContent = []byte(scrubbed)

	steps, err := s.config.ListEnabledSteps(ctx)
	if err != nil {
		return executor.Outcome{}, fmt.Errorf("load pipeline steps: %w", err)
	}
	classes, err := s.config.ListDocumentClasses(ctx)
	if err != nil {
		return executor.Outcome{}, fmt.Errorf("load document classes: %w", err)
	}
	classKeyByID := make(map[int64]string, len(classes))
	for _, c := range classes {
		classKeyByID[c.ID] = c.ClassKey
	}

	plan, err := pipeline.ResolveByClassKey(steps, classKeyByID)
	if err != nil {
		return executor.Outcome{Status: model.JobFailed, ErrorMessage: err.Error()}, nil
	}

	cancelled := func(ctx context.Context) (bool, error) {
		return s.broker.IsCancelled(ctx, task.ProcessingID)
	}
	return s.exec.Run(ctx, job, plan, cancelled)
}

func (s *Scheduler) finalize(ctx context.Context, job *model.Job, outcome executor.Outcome) error {
	fields := map[string]interface{}{
		"status":        outcome.Status,
		"error_message": outcome.ErrorMessage,
	}
	if outcome.ResultData != nil {
		fields["result_data"] = outcome.ResultData
	}
	if outcome.Status == model.JobCompleted {
		fields["progress_percent"] = 100
	}
	return s.jobs.Update(ctx, job.ID, job.ProcessingID, fields)
}

func (s *Scheduler) startHeartbeat(ctx context.Context, task *broker.Task) func() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				_ = s.broker.Heartbeat(ctx, task, s.cfg.HeartbeatInterval*2)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

func executorCrashOutcome(err error) executor.Outcome {
	return executor.Outcome{Status: model.JobFailed, ErrorMessage: fmt.Sprintf("internal error: %v", err)}
}
