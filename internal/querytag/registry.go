package querytag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
	"github.com/yjsyyyjszf/dicom-server-1/internal/logging"
)

// AddRequest describes a tag to register. Level "" means Instance.
type AddRequest struct {
	Path           string
	VR             string
	PrivateCreator string
	Level          string
}

// Registry validates and persists extended query tags.
type Registry struct {
	store  Store
	logger *slog.Logger
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logging.Default(logger).With("component", "querytag"),
	}
}

// AddTags validates every request, then persists all of them with
// StatusAdding in one transaction. Any invalid request, a duplicate within
// the batch, or a path that is already registered fails the whole batch
// with a Validation error before anything is written.
func (r *Registry) AddTags(ctx context.Context, reqs []AddRequest) ([]Entry, error) {
	if len(reqs) == 0 {
		return nil, fault.Validation("querytag.add", "no tags given")
	}
	entries := make([]Entry, 0, len(reqs))
	seen := make(map[string]struct{}, len(reqs))
	for i, req := range reqs {
		e, err := normalize(req)
		if err != nil {
			return nil, fault.ValidationWrap("querytag.add", fmt.Errorf("tag %d: %w", i, err))
		}
		if _, dup := seen[e.Path]; dup {
			return nil, fault.ValidationWrap("querytag.add", fmt.Errorf("tag %s given more than once: %w", e.Path, ErrTagExists))
		}
		seen[e.Path] = struct{}{}
		entries = append(entries, e)
	}

	existing, err := r.store.GetExtendedQueryTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("load extended query tags: %w", err)
	}
	for _, e := range existing {
		if _, dup := seen[e.Path]; dup {
			return nil, fault.ValidationWrap("querytag.add", fmt.Errorf("tag %s: %w", e.Path, ErrTagExists))
		}
	}

	added, err := r.store.AddExtendedQueryTags(ctx, entries)
	if err != nil {
		if errors.Is(err, ErrTagExists) {
			return nil, fault.ValidationWrap("querytag.add", err)
		}
		return nil, fmt.Errorf("add extended query tags: %w", err)
	}
	for _, e := range added {
		r.logger.Info("extended query tag added", "path", e.Path, "vr", e.VR, "level", e.Level)
	}
	return added, nil
}

// normalize validates one request and returns its canonical entry.
func normalize(req AddRequest) (Entry, error) {
	tag, err := dicom.ParseTag(req.Path)
	if err != nil {
		return Entry{}, err
	}
	if IsBuiltin(tag) {
		return Entry{}, fmt.Errorf("tag %s is a built-in query tag", tag)
	}
	creator := strings.TrimSpace(req.PrivateCreator)
	if tag.IsPrivate() {
		if creator == "" {
			return Entry{}, fmt.Errorf("private tag %s requires a private creator", tag)
		}
		if len(creator) > 64 {
			return Entry{}, fmt.Errorf("private creator %q exceeds 64 characters", creator)
		}
	} else if creator != "" {
		return Entry{}, fmt.Errorf("standard tag %s must not have a private creator", tag)
	}
	vr := dicom.VR(strings.ToUpper(strings.TrimSpace(req.VR)))
	if vr == "" {
		return Entry{}, fmt.Errorf("tag %s: VR is required", tag)
	}
	if _, ok := BucketFor(vr); !ok {
		return Entry{}, fmt.Errorf("tag %s: unsupported VR %q", tag, vr)
	}
	level, err := ParseLevel(req.Level)
	if err != nil {
		return Entry{}, fmt.Errorf("tag %s: %w", tag, err)
	}
	return Entry{
		Path:           tag.Path(),
		PrivateCreator: creator,
		VR:             vr,
		Level:          level,
		Status:         StatusAdding,
	}, nil
}

// GetActiveTags returns the built-in tags followed by every Ready extended tag.
func (r *Registry) GetActiveTags(ctx context.Context) ([]QueryTag, error) {
	entries, err := r.store.GetExtendedQueryTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("load extended query tags: %w", err)
	}
	active := make([]QueryTag, 0, len(Builtin)+len(entries))
	active = append(active, Builtin...)
	for _, e := range entries {
		if e.Status == StatusReady {
			active = append(active, FromEntry(e))
		}
	}
	return active, nil
}

// ListTags returns every registered extended tag.
func (r *Registry) ListTags(ctx context.Context) ([]Entry, error) {
	entries, err := r.store.GetExtendedQueryTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("load extended query tags: %w", err)
	}
	return entries, nil
}

// GetTag returns the extended tag registered at path.
func (r *Registry) GetTag(ctx context.Context, path string) (Entry, error) {
	tag, err := dicom.ParseTag(path)
	if err != nil {
		return Entry{}, fault.ValidationWrap("querytag.get", err)
	}
	entries, err := r.store.GetExtendedQueryTags(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("load extended query tags: %w", err)
	}
	for _, e := range entries {
		if e.Path == tag.Path() {
			return e, nil
		}
	}
	return Entry{}, fault.NotFound("querytag.get", "extended query tag %s", tag.Path())
}

// RemoveTag marks the tag Deleting. Physical removal of its index rows
// happens elsewhere. Removing a tag that is already Deleting is a no-op.
func (r *Registry) RemoveTag(ctx context.Context, path string) (Entry, error) {
	e, err := r.GetTag(ctx, path)
	if err != nil {
		return Entry{}, err
	}
	if e.Status == StatusDeleting {
		return e, nil
	}
	updated, err := r.store.UpdateExtendedQueryTagStatus(ctx, e.Path, StatusDeleting)
	if err != nil {
		return Entry{}, fmt.Errorf("remove extended query tag %s: %w", e.Path, err)
	}
	r.logger.Info("extended query tag marked deleting", "path", e.Path)
	return updated, nil
}

// PromoteTag activates an Adding tag. Instances stored afterwards are
// indexed on it; earlier instances are not.
func (r *Registry) PromoteTag(ctx context.Context, path string) (Entry, error) {
	e, err := r.GetTag(ctx, path)
	if err != nil {
		return Entry{}, err
	}
	if e.Status != StatusAdding {
		return Entry{}, fault.Validation("querytag.promote", "tag %s is %s, only Adding tags can be promoted", e.Path, e.Status)
	}
	updated, err := r.store.UpdateExtendedQueryTagStatus(ctx, e.Path, StatusReady)
	if err != nil {
		return Entry{}, fmt.Errorf("promote extended query tag %s: %w", e.Path, err)
	}
	r.logger.Info("extended query tag ready", "path", e.Path)
	return updated, nil
}
