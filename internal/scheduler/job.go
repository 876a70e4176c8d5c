package scheduler

import (
	"context"
	"time"

	"github.com/teocoin/teocoin-chain/internal/service"
)

// Job is one periodic unit of work.
type Job interface {
	Name() string
	Execute(ctx context.Context) (*JobResult, error)
	Timeout() time.Duration
	// RequiresLock reports whether only one instance may run the job at a time.
	RequiresLock() bool
}

// JobResult summarizes one run.
type JobResult struct {
	ProcessedCount int
	AffectedCount  int
	ErrorCount     int
	Details        map[string]interface{}
}

// BaseJob carries the static parts of a Job.
type BaseJob struct {
	name    string
	timeout time.Duration
	locked  bool
}

func NewBaseJob(name string, timeout time.Duration, locked bool) BaseJob {
	return BaseJob{name: name, timeout: timeout, locked: locked}
}

func (j BaseJob) Name() string {
	return j.name
}

func (j BaseJob) Timeout() time.Duration {
	return j.timeout
}

func (j BaseJob) RequiresLock() bool {
	return j.locked
}

const (
	JobNameEscrowSweep = "escrow-sweep"
	JobNameReconcile   = "reconcile-pending"
	JobNameTaskCleanup = "reconcile-task-cleanup"
)

// EscrowSweeper expires overdue pending escrows.
type EscrowSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// EscrowSweepJob runs EscrowSweeper.SweepExpired.
type EscrowSweepJob struct {
	BaseJob
	escrows EscrowSweeper
}

func NewEscrowSweepJob(escrows EscrowSweeper, timeout time.Duration) *EscrowSweepJob {
	return &EscrowSweepJob{
		BaseJob: NewBaseJob(JobNameEscrowSweep, timeout, true),
		escrows: escrows,
	}
}

func (j *EscrowSweepJob) Execute(ctx context.Context) (*JobResult, error) {
	n, err := j.escrows.SweepExpired(ctx)
	return &JobResult{ProcessedCount: n, AffectedCount: n}, err
}

// Reconciler resolves ledger entries whose submitter stopped waiting.
type Reconciler interface {
	ReconcilePending(ctx context.Context, limit int) (*service.ReconcileResult, error)
	CleanupOldTasks(maxAge time.Duration)
}

type ReconcileJob struct {
	BaseJob
	reconciler Reconciler
	batch      int
}

func NewReconcileJob(reconciler Reconciler, batch int, timeout time.Duration) *ReconcileJob {
	return &ReconcileJob{
		BaseJob:    NewBaseJob(JobNameReconcile, timeout, true),
		reconciler: reconciler,
		batch:      batch,
	}
}

func (j *ReconcileJob) Execute(ctx context.Context) (*JobResult, error) {
	res, err := j.reconciler.ReconcilePending(ctx, j.batch)
	if err != nil {
		return nil, err
	}
	return &JobResult{
		ProcessedCount: res.Checked,
		AffectedCount:  res.Confirmed + res.Failed + res.Dropped,
		Details: map[string]interface{}{
			"still_pending":     res.StillPending,
			"payments_updated":  res.PaymentsUpdated,
			"escrows_completed": res.EscrowsCompleted,
		},
	}, nil
}

// TaskCleanupJob forgets operator-triggered reconciliation tasks older
// than maxAge. Task state is per process, so it runs without the lock.
type TaskCleanupJob struct {
	BaseJob
	reconciler Reconciler
	maxAge     time.Duration
}

func NewTaskCleanupJob(reconciler Reconciler, maxAge time.Duration) *TaskCleanupJob {
	return &TaskCleanupJob{
		BaseJob:    NewBaseJob(JobNameTaskCleanup, 10*time.Second, false),
		reconciler: reconciler,
		maxAge:     maxAge,
	}
}

func (j *TaskCleanupJob) Execute(ctx context.Context) (*JobResult, error) {
	j.reconciler.CleanupOldTasks(j.maxAge)
	return &JobResult{}, nil
}
