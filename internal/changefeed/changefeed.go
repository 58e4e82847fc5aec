// Package changefeed serves the ordered log of instance creations and
// deletions, optionally joined with the metadata of the version that is
// live now.
package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
	"github.com/yjsyyyjszf/dicom-server-1/internal/index"
	"github.com/yjsyyyjszf/dicom-server-1/internal/logging"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metrics"
)

// MaxLimit is the largest page a caller may request.
const MaxLimit = 100

var (
	// ErrInvalidOffset is returned for a negative offset.
	ErrInvalidOffset = fault.Validation("changefeed.page", "offset must be zero or greater")
	// ErrLimitOutOfRange is returned for a limit outside [1, MaxLimit].
	ErrLimitOutOfRange = fault.Validation("changefeed.page", "limit must be between 1 and %d", MaxLimit)
)

// State describes an entry's version relative to what is live now.
type State int

const (
	// StateCurrent: the entry's version is the live version.
	StateCurrent State = iota
	// StateReplaced: a newer version is live.
	StateReplaced
	// StateDeleted: no version is live.
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateCurrent:
		return "Current"
	case StateReplaced:
		return "Replaced"
	case StateDeleted:
		return "Deleted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Entry is one change feed record.
type Entry struct {
	Sequence  int64
	Timestamp time.Time
	Action    index.Action
	dicom.InstanceIdentifier
	OriginalVersion int64
	CurrentVersion  *int64 // nil when no version is live
	State           State
	Metadata        *dicom.Dataset // set only when requested and a version is live
}

// Feed is the subset of index.Store that backs the change feed.
type Feed interface {
	ChangeFeed(ctx context.Context, offset, limit int) ([]index.FeedRow, error)
	ChangeFeedLatest(ctx context.Context) (index.FeedRow, bool, error)
}

// MetadataReader loads stored metadata.
type MetadataReader interface {
	Get(ctx context.Context, vid dicom.VersionedInstanceIdentifier) (*dicom.Dataset, error)
}

// Service reads the change feed.
type Service struct {
	feed     Feed
	metadata MetadataReader
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a change feed service. m may be nil.
func New(feed Feed, md MetadataReader, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		feed:     feed,
		metadata: md,
		metrics:  m,
		logger:   logging.Default(logger).With("component", "changefeed"),
	}
}

// GetPage returns up to limit entries starting at offset, in sequence order.
func (s *Service) GetPage(ctx context.Context, offset, limit int, includeMetadata bool) ([]Entry, error) {
	if offset < 0 {
		return nil, ErrInvalidOffset
	}
	if limit < 1 || limit > MaxLimit {
		return nil, ErrLimitOutOfRange
	}
	s.metrics.FeedRead("page")

	rows, err := s.feed.ChangeFeed(ctx, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("read change feed: %w", err)
	}
	entries := make([]Entry, len(rows))
	for i, row := range rows {
		entries[i] = newEntry(row)
	}
	if includeMetadata {
		if err := s.attachMetadata(ctx, entries); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// GetLatest returns the entry with the highest sequence, or nil when the
// feed is empty.
func (s *Service) GetLatest(ctx context.Context, includeMetadata bool) (*Entry, error) {
	s.metrics.FeedRead("latest")

	row, ok, err := s.feed.ChangeFeedLatest(ctx)
	if err != nil {
		return nil, fmt.Errorf("read latest change: %w", err)
	}
	if !ok {
		return nil, nil
	}
	entries := []Entry{newEntry(row)}
	if includeMetadata {
		if err := s.attachMetadata(ctx, entries); err != nil {
			return nil, err
		}
	}
	return &entries[0], nil
}

// attachMetadata loads the live version's metadata for every entry that has
// one, concurrently. Entries without a live version are left untouched.
func (s *Service) attachMetadata(ctx context.Context, entries []Entry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, len(entries)))
	for i := range entries {
		e := &entries[i]
		if e.State == StateDeleted || e.CurrentVersion == nil {
			continue
		}
		g.Go(func() error {
			vid := dicom.VersionedInstanceIdentifier{InstanceIdentifier: e.InstanceIdentifier, Version: *e.CurrentVersion}
			ds, err := s.metadata.Get(gctx, vid)
			if err != nil {
				return fmt.Errorf("metadata for change %d: %w", e.Sequence, err)
			}
			e.Metadata = ds
			return nil
		})
	}
	return g.Wait()
}

func newEntry(row index.FeedRow) Entry {
	e := Entry{
		Sequence:           row.Sequence,
		Timestamp:          row.Timestamp,
		Action:             row.Action,
		InstanceIdentifier: row.InstanceIdentifier,
		OriginalVersion:    row.OriginalVersion,
	}
	switch {
	case row.Action == index.ActionDelete, row.LiveVersion == nil:
		e.State = StateDeleted
	case *row.LiveVersion == row.OriginalVersion:
		v := *row.LiveVersion
		e.CurrentVersion = &v
		e.State = StateCurrent
	default:
		v := *row.LiveVersion
		e.CurrentVersion = &v
		e.State = StateReplaced
	}
	return e
}
