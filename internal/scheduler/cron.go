package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/medpipe/core/internal/model"
	"github.com/medpipe/core/internal/store"
)

// LeaseChecker reports task ids whose lease has expired. redisbroker.Broker
// implements this; the scheduler depends on the narrow interface so it
// stays broker-implementation-agnostic.
type LeaseChecker interface {
	ExpiredLeases(ctx context.Context) ([]string, error)
}

// MaintenanceConfig controls the three periodic cleanup tasks.
type MaintenanceConfig struct {
	StaleThreshold  time.Duration
	JobRetention    time.Duration
	ResultRetention time.Duration
}

// DefaultMaintenanceConfig matches the retention windows named in the
// scheduling policy.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		StaleThreshold:  60 * time.Minute,
		JobRetention:    7 * 24 * time.Hour,
		ResultRetention: 90 * 24 * time.Hour,
	}
}

// Maintenance runs the cron-driven cleanup tasks alongside the worker pool.
type Maintenance struct {
	cfg    MaintenanceConfig
	jobs   *store.JobRepository
	leases LeaseChecker
	log    *logrus.Entry
	cron   *cron.Cron
}

// NewMaintenance constructs a Maintenance scheduler. leases may be nil,
// in which case cleanup_orphaned_jobs does nothing.
func NewMaintenance(cfg MaintenanceConfig, jobs *store.JobRepository, leases LeaseChecker, log *logrus.Entry) *Maintenance {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Maintenance{
		cfg:    cfg,
		jobs:   jobs,
		leases: leases,
		log:    log,
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start registers the three maintenance jobs and starts the cron
// scheduler's own goroutine. Call Stop to shut it down.
func (m *Maintenance) Start(ctx context.Context) error {
	if _, err := m.cron.AddFunc("*/10 * * * *", func() { m.cleanupOrphanedJobs(ctx) }); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc("0 0 * * *", func() { m.cleanupOldFiles(ctx) }); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc("0 * * * *", func() { m.cleanupResultExpiry(ctx) }); err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts the cron scheduler and waits for any running job to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// cleanupOrphanedJobs transitions RUNNING jobs whose broker lease has
// expired to FAILED with an "orphaned" error, so a crashed worker doesn't
// strand a job forever.
func (m *Maintenance) cleanupOrphanedJobs(ctx context.Context) {
	if m.leases == nil {
		return
	}
	expired, err := m.leases.ExpiredLeases(ctx)
	if err != nil {
		m.log.WithError(err).Error("cleanup_orphaned_jobs: list expired leases")
		return
	}
	for _, processingID := range expired {
		job, err := m.jobs.GetByProcessingID(ctx, processingID)
		if err != nil {
			continue
		}
		if job.Status != model.JobRunning {
			continue
		}
		if time.Since(job.UpdatedAt) < m.cfg.StaleThreshold {
			continue
		}
		if err := m.jobs.Update(ctx, job.ID, job.ProcessingID, map[string]interface{}{
			"status":        model.JobFailed,
			"error_message": "orphaned",
		}); err != nil {
			m.log.WithError(err).WithField("job_id", job.ID).Error("cleanup_orphaned_jobs: update")
		}
	}
}

// cleanupOldFiles deletes Job rows (and their encrypted file content) past
// the retention window.
func (m *Maintenance) cleanupOldFiles(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.JobRetention)
	n, err := m.jobs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		m.log.WithError(err).Error("cleanup_old_files")
		return
	}
	if n > 0 {
		m.log.WithField("deleted", n).Info("cleanup_old_files")
	}
}

// cleanupResultExpiry prunes completed job result payloads past the result
// retention window, distinct from job row retention: cost ledger entries
// outlive the job rows they were billed against.
func (m *Maintenance) cleanupResultExpiry(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.ResultRetention)
	n, err := m.jobs.ClearResultsOlderThan(ctx, cutoff)
	if err != nil {
		m.log.WithError(err).Error("cleanup_result_expiry")
		return
	}
	if n > 0 {
		m.log.WithField("cleared", n).Info("cleanup_result_expiry")
	}
}
