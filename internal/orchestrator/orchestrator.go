// Package orchestrator coordinates storing instances across the index,
// content and metadata backends, and runs the scheduled cleanup of deleted
// instances.
//
// A store is a small saga: the index row is created in the Creating state,
// content and metadata are written concurrently, and the row is finalized to
// Created. Any failure after the row exists rolls it back through an
// immediate delete, so an instance is observable if and only if it is
// Created. The orchestrator does not retry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yjsyyyjszf/dicom-server-1/internal/blob"
	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
	"github.com/yjsyyyjszf/dicom-server-1/internal/index"
	"github.com/yjsyyyjszf/dicom-server-1/internal/logging"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metadata"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metrics"
	"github.com/yjsyyyjszf/dicom-server-1/internal/querytag"
)

// DefaultCleanupTimeout bounds the rollback of a failed store.
const DefaultCleanupTimeout = 30 * time.Second

// Source supplies one instance to store. Content is called at most once.
type Source interface {
	Dataset(ctx context.Context) (*dicom.Dataset, error)
	Content(ctx context.Context) (io.ReadCloser, error)
}

// TagSource returns the query tags that index new instances.
type TagSource interface {
	GetActiveTags(ctx context.Context) ([]querytag.QueryTag, error)
}

// Indexer is the subset of index.Store used by a store.
type Indexer interface {
	CreateInstanceIndex(ctx context.Context, ds *dicom.Dataset, active []querytag.QueryTag) (int64, error)
	UpdateInstanceIndexStatus(ctx context.Context, vid dicom.VersionedInstanceIdentifier, status index.Status) error
}

// Deleter rolls back a failed store.
type Deleter interface {
	DeleteVersionNow(ctx context.Context, vid dicom.VersionedInstanceIdentifier) ([]dicom.VersionedInstanceIdentifier, error)
}

// Config configures an Orchestrator.
type Config struct {
	Tags     TagSource
	Index    Indexer
	Blobs    blob.Store
	Metadata metadata.Store
	Deleter  Deleter

	CleanupTimeout time.Duration // DefaultCleanupTimeout if zero
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Orchestrator stores instances.
type Orchestrator struct {
	tags           TagSource
	index          Indexer
	blobs          blob.Store
	metadata       metadata.Store
	deleter        Deleter
	cleanupTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		tags:           cfg.Tags,
		index:          cfg.Index,
		blobs:          cfg.Blobs,
		metadata:       cfg.Metadata,
		deleter:        cfg.Deleter,
		cleanupTimeout: cfg.CleanupTimeout,
		metrics:        cfg.Metrics,
		logger:         logging.Default(cfg.Logger).With("component", "orchestrator"),
	}
	if o.cleanupTimeout <= 0 {
		o.cleanupTimeout = DefaultCleanupTimeout
	}
	return o
}

// StoreResult describes a stored instance.
type StoreResult struct {
	Identifier dicom.VersionedInstanceIdentifier
	Location   string
}

// StoreInstance stores one instance. Conflict and validation errors are
// returned before anything is written. A failure after the index row was
// created triggers a rollback; the error returned is the original failure,
// never the rollback's.
func (o *Orchestrator) StoreInstance(ctx context.Context, src Source) (StoreResult, error) {
	start := time.Now()
	res, err := o.store(ctx, src)
	o.metrics.ObserveStore(outcome(err), time.Since(start))
	return res, err
}

func (o *Orchestrator) store(ctx context.Context, src Source) (StoreResult, error) {
	ds, err := src.Dataset(ctx)
	if err != nil {
		return StoreResult{}, fmt.Errorf("read dataset: %w", err)
	}
	id, err := ds.InstanceIdentifier()
	if err != nil {
		return StoreResult{}, err
	}
	active, err := o.tags.GetActiveTags(ctx)
	if err != nil {
		return StoreResult{}, fmt.Errorf("active query tags: %w", err)
	}

	version, err := o.index.CreateInstanceIndex(ctx, ds, active)
	if err != nil {
		return StoreResult{}, err
	}
	vid := dicom.VersionedInstanceIdentifier{InstanceIdentifier: id, Version: version}

	var location string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rc, err := src.Content(gctx)
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()
		location, err = o.blobs.Store(gctx, vid, rc)
		return err
	})
	g.Go(func() error {
		return o.metadata.Store(gctx, ds, version)
	})
	if err := g.Wait(); err != nil {
		o.cleanupAfterFailure(ctx, vid, err)
		return StoreResult{}, err
	}

	if err := o.index.UpdateInstanceIndexStatus(ctx, vid, index.StatusCreated); err != nil {
		o.cleanupAfterFailure(ctx, vid, err)
		return StoreResult{}, err
	}

	o.logger.Info("instance stored", "instance", vid.String(), "location", location)
	return StoreResult{Identifier: vid, Location: location}, nil
}

// cleanupAfterFailure removes the Creating row of a failed store and makes
// its content and metadata due for cleanup. It runs detached from the
// caller's cancellation, bounded by the cleanup timeout. Failures are
// logged and counted only.
func (o *Orchestrator) cleanupAfterFailure(ctx context.Context, vid dicom.VersionedInstanceIdentifier, cause error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
	defer cancel()

	opID := uuid.NewString()
	_, err := o.deleter.DeleteVersionNow(cctx, vid)
	o.metrics.Rollback(err != nil)
	if err != nil {
		o.logger.Error("store rollback failed",
			"op", opID, "instance", vid.String(), "cause", cause, "error", err)
		return
	}
	o.logger.Warn("store rolled back",
		"op", opID, "instance", vid.String(), "cause", cause)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case fault.IsConflict(err):
		return metrics.OutcomeConflict
	case errors.Is(err, fault.ErrValidation):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeFailed
	}
}
