package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teocoin/teocoin-chain/internal/metrics"
	"github.com/teocoin/teocoin-chain/pkg/lock"
	"github.com/teocoin/teocoin-chain/pkg/logger"
)

const jobLockPrefix = "job:"

// Job run results, used as the metrics label.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Scheduler runs registered jobs on cron schedules (with seconds).
type Scheduler struct {
	cron          *cron.Cron
	locker        lock.Locker
	jobs          map[string]Job
	specs         map[string]string
	mu            sync.RWMutex
	maxConcurrent int
	running       chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
}

type SchedulerConfig struct {
	MaxConcurrentJobs int
	// Locker guards jobs that require a lock. Use a Redis locker when more
	// than one instance runs the scheduler.
	Locker lock.Locker
}

func NewScheduler(cfg *SchedulerConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	locker := cfg.Locker
	if locker == nil {
		locker = lock.NewLocalLocker()
	}

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		locker:        locker,
		jobs:          make(map[string]Job),
		specs:         make(map[string]string),
		maxConcurrent: maxConcurrent,
		running:       make(chan struct{}, maxConcurrent),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RegisterJob schedules job on spec. An empty spec registers the job for
// manual triggering only.
func (s *Scheduler) RegisterJob(job Job, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}

	if spec != "" {
		if _, err := s.cron.AddFunc(spec, func() { s.executeJob(job) }); err != nil {
			return fmt.Errorf("failed to add cron job %s: %w", job.Name(), err)
		}
	}
	s.jobs[job.Name()] = job
	s.specs[job.Name()] = spec

	logger.Info("job registered",
		zap.String("job", job.Name()),
		zap.String("cron", spec))
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	logger.Info("scheduler stopped")
}

// TriggerJob runs a registered job now, in the background.
func (s *Scheduler) TriggerJob(name string) error {
	s.mu.RLock()
	job, exists := s.jobs[name]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", name)
	}
	go s.executeJob(job)
	return nil
}

// Jobs returns the registered job names with their schedules.
func (s *Scheduler) Jobs() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.specs))
	for name, spec := range s.specs {
		out[name] = spec
	}
	return out
}

func (s *Scheduler) executeJob(job Job) string {
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping", zap.String("job", job.Name()))
		metrics.RecordSchedulerJob(job.Name(), ResultSkipped)
		return ResultSkipped
	}

	if s.ctx.Err() != nil {
		return ResultSkipped
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	var (
		result *JobResult
		runErr error
	)
	run := func(ctx context.Context) error {
		result, runErr = job.Execute(ctx)
		return nil
	}

	start := time.Now()
	if job.RequiresLock() {
		if err := s.locker.WithLock(ctx, jobLockPrefix+job.Name(), run); err != nil {
			if errors.Is(err, lock.ErrLockAcquireFailed) {
				logger.Debug("job is already running on another instance", zap.String("job", job.Name()))
				metrics.RecordSchedulerJob(job.Name(), ResultSkipped)
				return ResultSkipped
			}
			logger.Error("failed to acquire job lock",
				zap.String("job", job.Name()),
				zap.Error(err))
			metrics.RecordSchedulerJob(job.Name(), ResultFailed)
			return ResultFailed
		}
	} else {
		_ = run(ctx)
	}
	elapsed := time.Since(start)

	if runErr != nil {
		logger.Error("job failed",
			zap.String("job", job.Name()),
			zap.Duration("duration", elapsed),
			zap.Error(runErr))
		metrics.RecordSchedulerJob(job.Name(), ResultFailed)
		return ResultFailed
	}

	fields := []zap.Field{
		zap.String("job", job.Name()),
		zap.Duration("duration", elapsed),
	}
	if result != nil {
		fields = append(fields,
			zap.Int("processed", result.ProcessedCount),
			zap.Int("affected", result.AffectedCount))
		if len(result.Details) > 0 {
			fields = append(fields, zap.Any("details", result.Details))
		}
	}
	// idle runs log at debug
	if result != nil && result.AffectedCount > 0 {
		logger.Info("job completed", fields...)
	} else {
		logger.Debug("job completed", fields...)
	}
	metrics.RecordSchedulerJob(job.Name(), ResultSuccess)
	return ResultSuccess
}
