package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yjsyyyjszf/dicom-server-1/internal/blob"
	"github.com/yjsyyyjszf/dicom-server-1/internal/callgroup"
	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/index"
	"github.com/yjsyyyjszf/dicom-server-1/internal/logging"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metadata"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metrics"
)

// Reaper defaults.
const (
	DefaultReaperSchedule = "* * * * *" // every minute
	DefaultBatchSize      = 10
	DefaultMaxRetries     = 5
	DefaultBackoffBase    = time.Minute
	DefaultBackoffCap     = 24 * time.Hour
	DefaultDeleteRate     = 50 // physical deletes per second
	defaultWorkers        = 4
)

// ReaperJobName is the scheduler job name of the cleanup sweep.
const ReaperJobName = "cleanup-reaper"

// CleanupIndex is the subset of index.Store that drives cleanup.
type CleanupIndex interface {
	RetrieveDeletedInstances(ctx context.Context, batchSize, maxRetries int) ([]index.DeletedInstance, error)
	IncrementDeletedInstanceRetry(ctx context.Context, vid dicom.VersionedInstanceIdentifier, cleanupAfter time.Time) (int, error)
	DeleteDeletedInstance(ctx context.Context, vid dicom.VersionedInstanceIdentifier) error
	CountExhaustedDeletedInstanceAttempts(ctx context.Context, maxRetries int) (int, error)
	GetOldestDeletedInstance(ctx context.Context) (time.Time, bool, error)
}

// ReaperConfig configures a Reaper. Zero values take the defaults.
type ReaperConfig struct {
	Index    CleanupIndex
	Blobs    blob.Store
	Metadata metadata.Store

	BatchSize   int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	DeleteRate  float64 // physical deletes per second
	Workers     int

	Now     func() time.Time
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Reaper physically removes the content and metadata of deleted instances
// once their grace period has passed. Failed cleanups are rescheduled with
// exponential backoff; records that reach MaxRetries stay in the index and
// are reported, never dropped.
type Reaper struct {
	index    CleanupIndex
	blobs    blob.Store
	metadata metadata.Store

	batchSize   int
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
	workers     int
	limiter     *rate.Limiter

	sweepMu  sync.Mutex // one sweep at a time
	inflight callgroup.Group[dicom.VersionedInstanceIdentifier, bool]

	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewReaper creates a Reaper.
func NewReaper(cfg ReaperConfig) *Reaper {
	r := &Reaper{
		index:       cfg.Index,
		blobs:       cfg.Blobs,
		metadata:    cfg.Metadata,
		batchSize:   cfg.BatchSize,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		workers:     cfg.Workers,
		now:         cfg.Now,
		metrics:     cfg.Metrics,
		logger:      logging.Default(cfg.Logger).With("component", "reaper"),
	}
	if r.batchSize <= 0 {
		r.batchSize = DefaultBatchSize
	}
	if r.maxRetries <= 0 {
		r.maxRetries = DefaultMaxRetries
	}
	if r.backoffBase <= 0 {
		r.backoffBase = DefaultBackoffBase
	}
	if r.backoffCap < r.backoffBase {
		r.backoffCap = max(DefaultBackoffCap, r.backoffBase)
	}
	if r.workers <= 0 {
		r.workers = defaultWorkers
	}
	if r.now == nil {
		r.now = time.Now
	}
	deleteRate := cfg.DeleteRate
	if deleteRate <= 0 {
		deleteRate = DefaultDeleteRate
	}
	r.limiter = rate.NewLimiter(rate.Limit(deleteRate), max(1, int(deleteRate)))
	return r
}

// Backoff returns the delay before the next attempt after retry failures:
// base * 2^retry, capped.
func (r *Reaper) Backoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	if retry >= 32 {
		return r.backoffCap
	}
	d := r.backoffBase << uint(retry)
	if d <= 0 || d > r.backoffCap {
		return r.backoffCap
	}
	return d
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	RunID     string
	Deleted   int // records fully cleaned up
	Failed    int // records rescheduled
	Exhausted int // records at the retry limit after the sweep
}

// Sweep processes due cleanup records batch by batch until none are left.
// Only one sweep runs at a time; concurrent calls wait their turn.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	res := SweepResult{RunID: uuid.NewString()}
	logger := r.logger.With("run", res.RunID)

	var deleted, failed atomic.Int64
	for {
		batch, err := r.index.RetrieveDeletedInstances(ctx, r.batchSize, r.maxRetries)
		if err != nil {
			return r.finish(ctx, logger, res, &deleted, &failed, fmt.Errorf("retrieve cleanup batch: %w", err))
		}
		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.workers)
		for _, d := range batch {
			g.Go(func() error {
				if err := r.limiter.Wait(gctx); err != nil {
					return err
				}
				ok, err := r.cleanupOnce(gctx, d)
				if err != nil {
					return err
				}
				if ok {
					deleted.Add(1)
				} else {
					failed.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return r.finish(ctx, logger, res, &deleted, &failed, err)
		}
		if len(batch) < r.batchSize {
			break
		}
	}
	return r.finish(ctx, logger, res, &deleted, &failed, nil)
}

func (r *Reaper) finish(ctx context.Context, logger *slog.Logger, res SweepResult, deleted, failed *atomic.Int64, sweepErr error) (SweepResult, error) {
	res.Deleted = int(deleted.Load())
	res.Failed = int(failed.Load())
	r.metrics.Sweep(res.Deleted, res.Failed)

	// Reporting uses a detached context so a cancelled sweep still refreshes
	// the gauges.
	rctx := context.WithoutCancel(ctx)
	exhausted, err := r.index.CountExhaustedDeletedInstanceAttempts(rctx, r.maxRetries)
	if err != nil {
		logger.Warn("count exhausted cleanup records", "error", err)
	} else {
		res.Exhausted = exhausted
		r.metrics.SetExhaustedCleanups(exhausted)
		if exhausted > 0 {
			logger.Warn("cleanup records exhausted their retries", "count", exhausted, "max_retries", r.maxRetries)
		}
	}
	if oldest, ok, err := r.index.GetOldestDeletedInstance(rctx); err == nil {
		if ok {
			r.metrics.SetOldestCleanupAge(r.now().Sub(oldest))
		} else {
			r.metrics.SetOldestCleanupAge(0)
		}
	}

	if res.Deleted > 0 || res.Failed > 0 || sweepErr != nil {
		logger.Info("cleanup sweep finished", "deleted", res.Deleted, "failed", res.Failed, "error", sweepErr)
	}
	return res, sweepErr
}

// cleanupOnce deduplicates concurrent cleanups of one version. It reports
// whether the record was removed.
func (r *Reaper) cleanupOnce(ctx context.Context, d index.DeletedInstance) (bool, error) {
	// The shared cleanup must finish even if this caller gives up waiting.
	detached := context.WithoutCancel(ctx)
	ok, _, err := r.inflight.Do(ctx, d.VersionedInstanceIdentifier, func() (bool, error) {
		return r.cleanup(detached, d)
	})
	return ok, err
}

// cleanup deletes content and metadata, then the record. A backend failure
// reschedules the record and is not returned; only index failures are.
func (r *Reaper) cleanup(ctx context.Context, d index.DeletedInstance) (bool, error) {
	vid := d.VersionedInstanceIdentifier
	cleanupErr := r.blobs.DeleteIfExists(ctx, vid)
	if cleanupErr == nil {
		cleanupErr = r.metadata.DeleteIfExists(ctx, vid)
	}
	if cleanupErr == nil {
		if err := r.index.DeleteDeletedInstance(ctx, vid); err != nil {
			return false, fmt.Errorf("remove cleanup record %s: %w", vid, err)
		}
		r.logger.Debug("instance cleaned up", "instance", vid.String())
		return true, nil
	}

	next := r.now().UTC().Add(r.Backoff(d.RetryCount))
	retries, err := r.index.IncrementDeletedInstanceRetry(ctx, vid, next)
	if err != nil {
		return false, fmt.Errorf("reschedule cleanup %s: %w", vid, err)
	}
	if retries >= r.maxRetries {
		r.logger.Error("cleanup gave up",
			"instance", vid.String(), "retries", retries, "error", cleanupErr)
	} else {
		r.logger.Warn("cleanup failed, rescheduled",
			"instance", vid.String(), "retries", retries, "next", next, "error", cleanupErr)
	}
	return false, nil
}

// Schedule registers the sweep on s under ReaperJobName. Runs use ctx and
// log their own failures.
func (r *Reaper) Schedule(ctx context.Context, s *Scheduler, cronExpr string) error {
	if cronExpr == "" {
		cronExpr = DefaultReaperSchedule
	}
	return s.AddJob(ReaperJobName, cronExpr, func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("cleanup sweep failed", "error", err)
		}
	})
}
