// Package app assembles an archive from configuration and is the single
// caller-facing API over the store, delete, change feed and query tag
// services.
//
// Logging:
//   - The caller passes a base logger; no global slog configuration
//   - Every component scopes it with its own "component" attribute
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/yjsyyyjszf/dicom-server-1/internal/blob"
	"github.com/yjsyyyjszf/dicom-server-1/internal/changefeed"
	"github.com/yjsyyyjszf/dicom-server-1/internal/config"
	"github.com/yjsyyyjszf/dicom-server-1/internal/deletion"
	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/home"
	"github.com/yjsyyyjszf/dicom-server-1/internal/index"
	"github.com/yjsyyyjszf/dicom-server-1/internal/logging"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metadata"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metrics"
	"github.com/yjsyyyjszf/dicom-server-1/internal/orchestrator"
	"github.com/yjsyyyjszf/dicom-server-1/internal/querytag"
)

// Options configures Open.
type Options struct {
	Config config.Config
	Home   home.Dir

	// Factories overrides the backend constructors. Zero means DefaultFactories.
	Factories Factories
	// Now overrides the clock of the delete service and the reaper.
	Now    func() time.Time
	Logger *slog.Logger
}

// Archive is an assembled archive.
type Archive struct {
	cfg      config.Config
	index    index.Store
	objects  blob.Objects
	metadata metadata.Store

	tags     *querytag.Registry
	orch     *orchestrator.Orchestrator
	deleter  *deletion.Service
	feed     *changefeed.Service
	reaper   *orchestrator.Reaper
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	closeOnce sync.Once
	closers   []io.Closer // closed in reverse order
	logger    *slog.Logger
}

// Open validates the configuration, opens the backends and wires the
// services. Backends opened before a failure are closed again.
func Open(ctx context.Context, opts Options) (a *Archive, err error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	f := opts.Factories
	if f.Index == nil && f.Blob == nil && f.Metadata == nil {
		f = DefaultFactories()
	}
	logger := logging.Default(opts.Logger)

	if NeedsHome(cfg) {
		if err := opts.Home.EnsureExists(); err != nil {
			return nil, err
		}
	}

	a = &Archive{cfg: cfg, logger: logger.With("component", "archive")}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	openIndex, ok := f.Index[cfg.Index.Type]
	if !ok {
		return nil, fmt.Errorf("no index backend %q", cfg.Index.Type)
	}
	if a.index, err = openIndex(ctx, cfg.Index, opts.Home); err != nil {
		return nil, fmt.Errorf("open %s index: %w", cfg.Index.Type, err)
	}
	a.closers = append(a.closers, a.index)

	openBlobs, ok := f.Blob[cfg.Blob.Type]
	if !ok {
		return nil, fmt.Errorf("no blob backend %q", cfg.Blob.Type)
	}
	var closer io.Closer
	if a.objects, closer, err = openBlobs(ctx, cfg.Blob, opts.Home); err != nil {
		return nil, fmt.Errorf("open %s blob backend: %w", cfg.Blob.Type, err)
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	openMetadata, ok := f.Metadata[cfg.Metadata.Type]
	if !ok {
		return nil, fmt.Errorf("no metadata backend %q", cfg.Metadata.Type)
	}
	md, closer, err := openMetadata(ctx, cfg.Metadata, a.objects, opts.Home)
	if err != nil {
		return nil, fmt.Errorf("open %s metadata backend: %w", cfg.Metadata.Type, err)
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	if a.metadata, err = withCache(md, cfg.Metadata.CacheSize, a.metrics); err != nil {
		return nil, err
	}

	content := blob.NewContent(a.objects, logger)
	a.tags = querytag.NewRegistry(a.index, logger)
	a.deleter = deletion.New(deletion.Config{
		Index:       a.index,
		GracePeriod: cfg.Deletion.GracePeriod.Std(),
		Now:         opts.Now,
		Metrics:     a.metrics,
		Logger:      logger,
	})
	a.orch = orchestrator.New(orchestrator.Config{
		Tags:           a.tags,
		Index:          a.index,
		Blobs:          content,
		Metadata:       a.metadata,
		Deleter:        a.deleter,
		CleanupTimeout: cfg.Store.CleanupTimeout.Std(),
		Metrics:        a.metrics,
		Logger:         logger,
	})
	a.feed = changefeed.New(a.index, a.metadata, a.metrics, logger)
	a.reaper = orchestrator.NewReaper(orchestrator.ReaperConfig{
		Index:       a.index,
		Blobs:       content,
		Metadata:    a.metadata,
		BatchSize:   cfg.Reaper.BatchSize,
		MaxRetries:  cfg.Reaper.MaxRetries,
		BackoffBase: cfg.Reaper.BackoffBase.Std(),
		BackoffCap:  cfg.Reaper.BackoffCap.Std(),
		DeleteRate:  cfg.Reaper.DeleteRate,
		Now:         opts.Now,
		Metrics:     a.metrics,
		Logger:      logger,
	})

	a.logger.Info("archive opened",
		"index", cfg.Index.Type, "blob", cfg.Blob.Type, "metadata", cfg.Metadata.Type,
		"cache", cfg.Metadata.CacheSize)
	return a, nil
}

// Config returns the configuration the archive was opened with.
func (a *Archive) Config() config.Config { return a.cfg }

// Gatherer returns the archive's metric registry.
func (a *Archive) Gatherer() prometheus.Gatherer { return a.registry }

// StoreInstance stores one instance.
func (a *Archive) StoreInstance(ctx context.Context, src orchestrator.Source) (orchestrator.StoreResult, error) {
	return a.orch.StoreInstance(ctx, src)
}

// DeleteStudy deletes every instance of a study.
func (a *Archive) DeleteStudy(ctx context.Context, study string) ([]dicom.VersionedInstanceIdentifier, error) {
	return a.deleter.DeleteStudy(ctx, study)
}

// DeleteSeries deletes every instance of a series.
func (a *Archive) DeleteSeries(ctx context.Context, study, series string) ([]dicom.VersionedInstanceIdentifier, error) {
	return a.deleter.DeleteSeries(ctx, study, series)
}

// DeleteInstance deletes one instance.
func (a *Archive) DeleteInstance(ctx context.Context, id dicom.InstanceIdentifier) ([]dicom.VersionedInstanceIdentifier, error) {
	return a.deleter.DeleteInstance(ctx, id)
}

// GetChangeFeedPage returns a page of the change feed.
func (a *Archive) GetChangeFeedPage(ctx context.Context, offset, limit int, includeMetadata bool) ([]changefeed.Entry, error) {
	return a.feed.GetPage(ctx, offset, limit, includeMetadata)
}

// GetChangeFeedLatest returns the newest change, or nil.
func (a *Archive) GetChangeFeedLatest(ctx context.Context, includeMetadata bool) (*changefeed.Entry, error) {
	return a.feed.GetLatest(ctx, includeMetadata)
}

// AddExtendedQueryTags registers tags in the Adding state.
func (a *Archive) AddExtendedQueryTags(ctx context.Context, reqs []querytag.AddRequest) ([]querytag.Entry, error) {
	return a.tags.AddTags(ctx, reqs)
}

// ListExtendedQueryTags returns every registered tag.
func (a *Archive) ListExtendedQueryTags(ctx context.Context) ([]querytag.Entry, error) {
	return a.tags.ListTags(ctx)
}

// GetExtendedQueryTag returns one registered tag.
func (a *Archive) GetExtendedQueryTag(ctx context.Context, path string) (querytag.Entry, error) {
	return a.tags.GetTag(ctx, path)
}

// RemoveExtendedQueryTag marks a tag Deleting.
func (a *Archive) RemoveExtendedQueryTag(ctx context.Context, path string) (querytag.Entry, error) {
	return a.tags.RemoveTag(ctx, path)
}

// PromoteExtendedQueryTag moves a tag from Adding to Ready.
func (a *Archive) PromoteExtendedQueryTag(ctx context.Context, path string) (querytag.Entry, error) {
	return a.tags.PromoteTag(ctx, path)
}

// Reap runs one cleanup sweep now.
func (a *Archive) Reap(ctx context.Context) (orchestrator.SweepResult, error) {
	return a.reaper.Sweep(ctx)
}

// Health reports whether the index answers.
func (a *Archive) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, _, err := a.index.ChangeFeedLatest(ctx); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	return nil
}

// Serve runs one cleanup sweep right away, then the cleanup reaper on its
// schedule and, when addr is not empty, the metrics and health endpoint.
// It blocks until ctx is done.
func (a *Archive) Serve(ctx context.Context, addr string) error {
	sched, err := orchestrator.NewScheduler(a.logger)
	if err != nil {
		return err
	}
	if err := a.reaper.Schedule(ctx, sched, a.cfg.Reaper.Schedule); err != nil {
		return err
	}
	sched.Start()
	defer func() {
		if err := sched.Stop(); err != nil {
			a.logger.Warn("scheduler stop", "error", err)
		}
	}()
	for _, j := range sched.ListJobs() {
		a.logger.Info("job scheduled", "name", j.Name, "cron", j.Schedule, "next_run", j.NextRun)
	}
	// Catch up on cleanup left over from a previous run instead of
	// waiting for the first tick.
	if err := sched.RunNow(orchestrator.ReaperJobName); err != nil {
		a.logger.Warn("startup cleanup sweep", "error", err)
	}

	if addr == "" {
		<-ctx.Done()
		return nil
	}
	srv := metrics.NewServer(addr, metrics.Handler(a.registry, a.Health), a.logger)
	return srv.Run(ctx)
}

// Close releases every backend. It is safe to call more than once.
func (a *Archive) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
