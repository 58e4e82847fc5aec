// Package querytag manages the attributes eligible for indexed search.
//
// Built-in tags map to fixed index columns and are always active. Extended
// tags are registered at runtime, start in StatusAdding, and only take part
// in indexing once promoted to StatusReady. New tags never backfill
// instances stored before promotion.
package querytag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
)

// ErrTagExists is wrapped when a tag with the same path is already
// registered. Paths are unique across extended tags regardless of creator.
var ErrTagExists = errors.New("extended query tag already exists")

// Level is the information-model level a tag is indexed at.
type Level int

const (
	LevelInstance Level = iota
	LevelSeries
	LevelStudy
)

func (l Level) String() string {
	switch l {
	case LevelInstance:
		return "Instance"
	case LevelSeries:
		return "Series"
	case LevelStudy:
		return "Study"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel parses a level name case-insensitively. Empty means Instance.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "instance":
		return LevelInstance, nil
	case "series":
		return LevelSeries, nil
	case "study":
		return LevelStudy, nil
	default:
		return 0, fmt.Errorf("unknown level %q", s)
	}
}

// Status is the lifecycle state of an extended tag.
type Status int

const (
	StatusAdding Status = iota
	StatusReady
	StatusDeleting
)

func (s Status) String() string {
	switch s {
	case StatusAdding:
		return "Adding"
	case StatusReady:
		return "Ready"
	case StatusDeleting:
		return "Deleting"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Bucket is the typed storage an indexed value lands in.
type Bucket int

const (
	BucketString Bucket = iota
	BucketLong
	BucketDouble
	BucketDateTime
	BucketPersonName
)

func (b Bucket) String() string {
	switch b {
	case BucketString:
		return "String"
	case BucketLong:
		return "Long"
	case BucketDouble:
		return "Double"
	case BucketDateTime:
		return "DateTime"
	case BucketPersonName:
		return "PersonName"
	default:
		return fmt.Sprintf("Bucket(%d)", int(b))
	}
}

var vrBuckets = map[dicom.VR]Bucket{
	dicom.VRAE: BucketString,
	dicom.VRAS: BucketString,
	dicom.VRCS: BucketString,
	dicom.VRLO: BucketString,
	dicom.VRSH: BucketString,
	dicom.VRUI: BucketString,
	dicom.VRIS: BucketLong,
	dicom.VRSL: BucketLong,
	dicom.VRSS: BucketLong,
	dicom.VRUL: BucketLong,
	dicom.VRUS: BucketLong,
	dicom.VRDS: BucketDouble,
	dicom.VRFL: BucketDouble,
	dicom.VRFD: BucketDouble,
	dicom.VRDA: BucketDateTime,
	dicom.VRPN: BucketPersonName,
}

// BucketFor returns the storage bucket for vr.
func BucketFor(vr dicom.VR) (Bucket, bool) {
	b, ok := vrBuckets[vr]
	return b, ok
}

// Entry is a registered extended query tag.
type Entry struct {
	Key            int64
	Path           string
	PrivateCreator string
	VR             dicom.VR
	Level          Level
	Status         Status
}

// Tag returns the parsed tag of the entry path.
func (e Entry) Tag() dicom.Tag {
	t, _ := dicom.ParseTag(e.Path)
	return t
}

// QueryTag is an active tag used when indexing an instance.
// Extended is nil for built-in tags.
type QueryTag struct {
	Tag            dicom.Tag
	VR             dicom.VR
	PrivateCreator string
	Level          Level
	Extended       *Entry
}

// IsExtended reports whether the tag is a registered extended tag.
func (q QueryTag) IsExtended() bool { return q.Extended != nil }

// FromEntry builds the active form of an extended entry.
func FromEntry(e Entry) QueryTag {
	return QueryTag{Tag: e.Tag(), VR: e.VR, PrivateCreator: e.PrivateCreator, Level: e.Level, Extended: &e}
}

// IndexRow is one typed indexed value of an extended tag for an instance.
// Only the field selected by Bucket is meaningful.
type IndexRow struct {
	TagKey     int64
	Level      Level
	Bucket     Bucket
	String     string
	Long       int64
	Double     float64
	DateTime   time.Time
	PersonName string
}

// Builtin lists the tags backed by fixed index columns.
var Builtin = []QueryTag{
	{Tag: dicom.TagStudyInstanceUID, VR: dicom.VRUI, Level: LevelStudy},
	{Tag: dicom.TagSeriesInstanceUID, VR: dicom.VRUI, Level: LevelSeries},
	{Tag: dicom.TagSOPInstanceUID, VR: dicom.VRUI, Level: LevelInstance},
	{Tag: dicom.TagPatientID, VR: dicom.VRLO, Level: LevelStudy},
	{Tag: dicom.TagPatientName, VR: dicom.VRPN, Level: LevelStudy},
	{Tag: dicom.TagReferringPhysicianName, VR: dicom.VRPN, Level: LevelStudy},
	{Tag: dicom.TagStudyDate, VR: dicom.VRDA, Level: LevelStudy},
	{Tag: dicom.TagStudyDescription, VR: dicom.VRLO, Level: LevelStudy},
	{Tag: dicom.TagAccessionNumber, VR: dicom.VRSH, Level: LevelStudy},
	{Tag: dicom.TagModality, VR: dicom.VRCS, Level: LevelSeries},
	{Tag: dicom.TagPerformedProcedureStepStartDate, VR: dicom.VRDA, Level: LevelSeries},
}

// IsBuiltin reports whether tag is backed by a fixed index column.
func IsBuiltin(tag dicom.Tag) bool {
	for _, b := range Builtin {
		if b.Tag == tag {
			return true
		}
	}
	return false
}

// Store persists extended tags. The index store implements it.
type Store interface {
	// AddExtendedQueryTags inserts entries in one transaction and returns
	// them with keys assigned. Fails wrapping ErrTagExists if any entry's
	// path is already registered; nothing is written then.
	AddExtendedQueryTags(ctx context.Context, entries []Entry) ([]Entry, error)
	// GetExtendedQueryTags returns all registered entries ordered by key.
	GetExtendedQueryTags(ctx context.Context) ([]Entry, error)
	// UpdateExtendedQueryTagStatus sets the status of the entry at path.
	// Unknown path is a NotFound error.
	UpdateExtendedQueryTagStatus(ctx context.Context, path string, status Status) (Entry, error)
}
