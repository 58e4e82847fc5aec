// Package memory provides an in-memory index store.
//
// Intended for tests and single-process use. State is not persisted across
// restarts. Every operation runs under one mutex, which gives each
// transition the same atomicity the relational backend gets from a
// transaction.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
	"github.com/yjsyyyjszf/dicom-server-1/internal/index"
	"github.com/yjsyyyjszf/dicom-server-1/internal/querytag"
)

// Store is an in-memory index.Store.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	lastVersion  int64
	lastSequence int64
	lastTagKey   int64

	rows    map[int64]index.Instance // by version
	live    map[dicom.InstanceIdentifier]int64
	feed    []feedEntry
	deleted map[dicom.VersionedInstanceIdentifier]index.DeletedInstance
	tags    []querytag.Entry
}

type feedEntry struct {
	seq     int64
	ts      time.Time
	action  index.Action
	id      dicom.InstanceIdentifier
	origVer int64
}

var _ index.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for timestamps and due checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty in-memory index store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		rows:    make(map[int64]index.Instance),
		live:    make(map[dicom.InstanceIdentifier]int64),
		deleted: make(map[dicom.VersionedInstanceIdentifier]index.DeletedInstance),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) CreateInstanceIndex(ctx context.Context, ds *dicom.Dataset, active []querytag.QueryTag) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	inst, err := index.NewInstance(ds, active)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live[inst.InstanceIdentifier]; ok {
		return 0, fault.AlreadyExists("index.create", inst.InstanceIdentifier.String())
	}
	for _, r := range s.rows {
		if r.InstanceIdentifier == inst.InstanceIdentifier && r.Status == index.StatusCreating {
			return 0, fault.Pending("index.create", inst.InstanceIdentifier.String())
		}
	}

	s.lastVersion++
	now := s.now().UTC()
	inst.Version = s.lastVersion
	inst.Status = index.StatusCreating
	inst.CreatedAt = now
	inst.LastStatusUpdate = now
	s.rows[inst.Version] = inst
	return inst.Version, nil
}

func (s *Store) UpdateInstanceIndexStatus(ctx context.Context, vid dicom.VersionedInstanceIdentifier, status index.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[vid.Version]
	if !ok || r.InstanceIdentifier != vid.InstanceIdentifier {
		return fault.NotFound("index.status", "instance %s", vid)
	}
	if r.Status != index.StatusCreating || status != index.StatusCreated {
		return fault.Invariant("index.status", "instance %s: transition %s -> %s", vid, r.Status, status)
	}

	now := s.now().UTC()
	r.Status = index.StatusCreated
	r.LastStatusUpdate = now
	s.rows[vid.Version] = r
	s.live[vid.InstanceIdentifier] = vid.Version
	s.appendFeed(now, index.ActionCreate, vid)
	return nil
}

func (s *Store) appendFeed(now time.Time, action index.Action, vid dicom.VersionedInstanceIdentifier) {
	s.lastSequence++
	s.feed = append(s.feed, feedEntry{
		seq:     s.lastSequence,
		ts:      now,
		action:  action,
		id:      vid.InstanceIdentifier,
		origVer: vid.Version,
	})
}

func (s *Store) GetInstances(ctx context.Context, id dicom.InstanceIdentifier) ([]index.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []index.Instance
	for _, r := range s.rows {
		if r.InstanceIdentifier == id {
			r.ExtendedRows = slices.Clone(r.ExtendedRows)
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b index.Instance) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

func (s *Store) DeleteScopeIndex(ctx context.Context, scope index.Scope, cleanupAfter time.Time) ([]dicom.VersionedInstanceIdentifier, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []index.Instance
	for _, r := range s.rows {
		if scope.Matches(r.VersionedInstanceIdentifier) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return nil, fault.NotFound("index.delete", "no instances in %s scope", scope.Level())
	}
	slices.SortFunc(matched, func(a, b index.Instance) int { return cmp.Compare(a.Version, b.Version) })

	now := s.now().UTC()
	removed := make([]dicom.VersionedInstanceIdentifier, 0, len(matched))
	for _, r := range matched {
		delete(s.rows, r.Version)
		s.deleted[r.VersionedInstanceIdentifier] = index.DeletedInstance{
			VersionedInstanceIdentifier: r.VersionedInstanceIdentifier,
			DeletedAt:                   now,
			CleanupAfter:                cleanupAfter.UTC(),
		}
		if r.Status == index.StatusCreated {
			delete(s.live, r.InstanceIdentifier)
			s.appendFeed(now, index.ActionDelete, r.VersionedInstanceIdentifier)
		}
		removed = append(removed, r.VersionedInstanceIdentifier)
	}
	return removed, nil
}

func (s *Store) RetrieveDeletedInstances(ctx context.Context, batchSize, maxRetries int) ([]index.DeletedInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []index.DeletedInstance
	for _, d := range s.deleted {
		if !d.CleanupAfter.After(now) && d.RetryCount < maxRetries {
			due = append(due, d)
		}
	}
	slices.SortFunc(due, func(a, b index.DeletedInstance) int {
		if c := a.CleanupAfter.Compare(b.CleanupAfter); c != 0 {
			return c
		}
		return cmp.Compare(a.Version, b.Version)
	})
	if len(due) > batchSize {
		due = due[:batchSize]
	}
	return due, nil
}

func (s *Store) IncrementDeletedInstanceRetry(ctx context.Context, vid dicom.VersionedInstanceIdentifier, cleanupAfter time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deleted[vid]
	if !ok {
		return 0, fault.NotFound("index.retry", "cleanup record %s", vid)
	}
	d.RetryCount++
	d.CleanupAfter = cleanupAfter.UTC()
	s.deleted[vid] = d
	return d.RetryCount, nil
}

func (s *Store) DeleteDeletedInstance(ctx context.Context, vid dicom.VersionedInstanceIdentifier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deleted, vid)
	return nil
}

func (s *Store) CountExhaustedDeletedInstanceAttempts(ctx context.Context, maxRetries int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, d := range s.deleted {
		if d.RetryCount >= maxRetries {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetOldestDeletedInstance(ctx context.Context) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest time.Time
	found := false
	for _, d := range s.deleted {
		if !found || d.DeletedAt.Before(oldest) {
			oldest = d.DeletedAt
			found = true
		}
	}
	return oldest, found, nil
}

func (s *Store) ChangeFeed(ctx context.Context, offset, limit int) ([]index.FeedRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset >= len(s.feed) || limit <= 0 {
		return nil, nil
	}
	end := min(offset+limit, len(s.feed))
	out := make([]index.FeedRow, 0, end-offset)
	for _, e := range s.feed[offset:end] {
		out = append(out, s.feedRow(e))
	}
	return out, nil
}

func (s *Store) ChangeFeedLatest(ctx context.Context) (index.FeedRow, bool, error) {
	if err := ctx.Err(); err != nil {
		return index.FeedRow{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.feed) == 0 {
		return index.FeedRow{}, false, nil
	}
	return s.feedRow(s.feed[len(s.feed)-1]), true, nil
}

func (s *Store) feedRow(e feedEntry) index.FeedRow {
	row := index.FeedRow{
		Sequence:           e.seq,
		Timestamp:          e.ts,
		Action:             e.action,
		InstanceIdentifier: e.id,
		OriginalVersion:    e.origVer,
	}
	if v, ok := s.live[e.id]; ok {
		row.LiveVersion = &v
	}
	return row
}

func (s *Store) AddExtendedQueryTags(ctx context.Context, entries []querytag.Entry) ([]querytag.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		for _, x := range s.tags {
			if x.Path == e.Path {
				return nil, fault.ValidationWrap("index.tags", fmt.Errorf("tag %s: %w", e.Path, querytag.ErrTagExists))
			}
		}
	}
	out := make([]querytag.Entry, len(entries))
	for i, e := range entries {
		s.lastTagKey++
		e.Key = s.lastTagKey
		out[i] = e
	}
	s.tags = append(s.tags, out...)
	return out, nil
}

func (s *Store) GetExtendedQueryTags(ctx context.Context) ([]querytag.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tags), nil
}

func (s *Store) UpdateExtendedQueryTagStatus(ctx context.Context, path string, status querytag.Status) (querytag.Entry, error) {
	if err := ctx.Err(); err != nil {
		return querytag.Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.tags {
		if s.tags[i].Path == path {
			s.tags[i].Status = status
			return s.tags[i], nil
		}
	}
	return querytag.Entry{}, fault.NotFound("index.tags", "extended query tag %s", path)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
