// Package deletion removes instances from the index and schedules their
// physical cleanup.
//
// A delete commits a single index transaction: the rows leave the index,
// Delete entries are appended to the change feed, and one cleanup record per
// removed version is queued with CleanupAfter = now + grace. Content and
// metadata are removed later by the orchestrator's cleanup reaper.
package deletion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/index"
	"github.com/yjsyyyjszf/dicom-server-1/internal/logging"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metrics"
)

// DefaultGracePeriod delays physical cleanup of deleted instances.
const DefaultGracePeriod = 24 * time.Hour

// Indexer is the subset of index.Store the service needs.
type Indexer interface {
	DeleteScopeIndex(ctx context.Context, scope index.Scope, cleanupAfter time.Time) ([]dicom.VersionedInstanceIdentifier, error)
}

// Config configures a Service.
type Config struct {
	Index       Indexer
	GracePeriod time.Duration // DefaultGracePeriod if zero
	Now         func() time.Time
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Service deletes studies, series and instances.
type Service struct {
	index   Indexer
	grace   time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a delete service.
func New(cfg Config) *Service {
	s := &Service{
		index:   cfg.Index,
		grace:   cfg.GracePeriod,
		now:     cfg.Now,
		metrics: cfg.Metrics,
		logger:  logging.Default(cfg.Logger).With("component", "deletion"),
	}
	if s.grace <= 0 {
		s.grace = DefaultGracePeriod
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// DeleteStudy deletes every instance of a study.
func (s *Service) DeleteStudy(ctx context.Context, study string) ([]dicom.VersionedInstanceIdentifier, error) {
	return s.delete(ctx, index.StudyScope(study), s.grace)
}

// DeleteSeries deletes every instance of a series.
func (s *Service) DeleteSeries(ctx context.Context, study, series string) ([]dicom.VersionedInstanceIdentifier, error) {
	return s.delete(ctx, index.SeriesScope(study, series), s.grace)
}

// DeleteInstance deletes one instance.
func (s *Service) DeleteInstance(ctx context.Context, id dicom.InstanceIdentifier) ([]dicom.VersionedInstanceIdentifier, error) {
	return s.delete(ctx, index.InstanceScope(id), s.grace)
}

// DeleteVersionNow deletes exactly one version of an instance and makes its
// cleanup due immediately. Other versions of the same instance are left
// alone. Used to roll back a failed store.
func (s *Service) DeleteVersionNow(ctx context.Context, vid dicom.VersionedInstanceIdentifier) ([]dicom.VersionedInstanceIdentifier, error) {
	return s.delete(ctx, index.VersionScope(vid), 0)
}

func (s *Service) delete(ctx context.Context, scope index.Scope, grace time.Duration) ([]dicom.VersionedInstanceIdentifier, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	cleanupAfter := s.now().UTC().Add(grace)
	removed, err := s.index.DeleteScopeIndex(ctx, scope, cleanupAfter)
	if err != nil {
		return nil, fmt.Errorf("delete %s %s: %w", scope.Level(), scopeString(scope), err)
	}
	s.metrics.Delete(scope.Level(), len(removed))
	s.logger.Info("delete committed",
		"scope", scope.Level(),
		"study", scope.StudyInstanceUID,
		"series", scope.SeriesInstanceUID,
		"sop", scope.SOPInstanceUID,
		"versions", len(removed),
		"cleanup_after", cleanupAfter)
	return removed, nil
}

func scopeString(s index.Scope) string {
	switch {
	case s.Version != 0:
		return fmt.Sprintf("%s/%s/%s@%d", s.StudyInstanceUID, s.SeriesInstanceUID, s.SOPInstanceUID, s.Version)
	case s.SOPInstanceUID != "":
		return s.StudyInstanceUID + "/" + s.SeriesInstanceUID + "/" + s.SOPInstanceUID
	case s.SeriesInstanceUID != "":
		return s.StudyInstanceUID + "/" + s.SeriesInstanceUID
	default:
		return s.StudyInstanceUID
	}
}
