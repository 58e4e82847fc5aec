// Package index defines the index store: the owner of instance versions, the
// instance lifecycle, extended tag rows, the change feed and the deferred
// cleanup queue.
//
// Every state transition is a single backend transaction:
//
//	Creating -> Created             UpdateInstanceIndexStatus, appends a Create feed entry
//	Creating -> removed             DeleteScopeIndex during store rollback
//	Created  -> removed + cleanup   DeleteScopeIndex, appends a Delete feed entry
//
// At most one Created row exists per InstanceIdentifier. Versions and feed
// sequence numbers are allocated by the backend and never reused.
package index

import (
	"context"
	"fmt"
	"time"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
	"github.com/yjsyyyjszf/dicom-server-1/internal/querytag"
)

// Status is the lifecycle state of an index row.
type Status int

const (
	StatusCreating Status = iota
	StatusCreated
)

func (s Status) String() string {
	switch s {
	case StatusCreating:
		return "Creating"
	case StatusCreated:
		return "Created"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Instance is one index row.
type Instance struct {
	dicom.VersionedInstanceIdentifier
	Status Status

	PatientID                       string
	PatientName                     string
	ReferringPhysicianName          string
	StudyDate                       time.Time // zero when absent
	StudyDescription                string
	AccessionNumber                 string
	Modality                        string
	PerformedProcedureStepStartDate time.Time // zero when absent

	ExtendedRows []querytag.IndexRow

	CreatedAt        time.Time
	LastStatusUpdate time.Time
}

// NewInstance extracts the identifier and core columns from ds and builds
// the extended rows for the active tags. Version and timestamps are left
// for the backend to fill.
func NewInstance(ds *dicom.Dataset, active []querytag.QueryTag) (Instance, error) {
	id, err := ds.InstanceIdentifier()
	if err != nil {
		return Instance{}, err
	}
	inst := Instance{VersionedInstanceIdentifier: dicom.VersionedInstanceIdentifier{InstanceIdentifier: id}}
	inst.PatientID, _ = ds.SingleString(dicom.TagPatientID, "")
	inst.PatientName, _ = ds.SingleString(dicom.TagPatientName, "")
	inst.ReferringPhysicianName, _ = ds.SingleString(dicom.TagReferringPhysicianName, "")
	inst.StudyDescription, _ = ds.SingleString(dicom.TagStudyDescription, "")
	inst.AccessionNumber, _ = ds.SingleString(dicom.TagAccessionNumber, "")
	inst.Modality, _ = ds.SingleString(dicom.TagModality, "")
	if inst.StudyDate, _, err = ds.SingleDate(dicom.TagStudyDate, ""); err != nil {
		return Instance{}, err
	}
	if inst.PerformedProcedureStepStartDate, _, err = ds.SingleDate(dicom.TagPerformedProcedureStepStartDate, ""); err != nil {
		return Instance{}, err
	}
	if inst.ExtendedRows, err = querytag.BuildIndexRows(ds, active); err != nil {
		return Instance{}, err
	}
	return inst, nil
}

// Scope selects the rows removed by a delete: a whole study, one series,
// one instance, or one version of an instance.
type Scope struct {
	StudyInstanceUID  string
	SeriesInstanceUID string // empty for study scope
	SOPInstanceUID    string // empty for study and series scope
	Version           int64  // zero matches every version
}

// StudyScope selects every instance of a study.
func StudyScope(study string) Scope { return Scope{StudyInstanceUID: study} }

// SeriesScope selects every instance of a series.
func SeriesScope(study, series string) Scope {
	return Scope{StudyInstanceUID: study, SeriesInstanceUID: series}
}

// InstanceScope selects one instance.
func InstanceScope(id dicom.InstanceIdentifier) Scope {
	return Scope{StudyInstanceUID: id.StudyInstanceUID, SeriesInstanceUID: id.SeriesInstanceUID, SOPInstanceUID: id.SOPInstanceUID}
}

// VersionScope selects exactly one version of an instance.
func VersionScope(vid dicom.VersionedInstanceIdentifier) Scope {
	s := InstanceScope(vid.InstanceIdentifier)
	s.Version = vid.Version
	return s
}

// Validate checks the UIDs present in the scope.
func (s Scope) Validate() error {
	if err := dicom.ValidateUID("StudyInstanceUID", s.StudyInstanceUID); err != nil {
		return err
	}
	if s.Version < 0 || (s.Version != 0 && s.SOPInstanceUID == "") {
		return fault.Validation("index.scope", "version %d needs an instance scope", s.Version)
	}
	if s.SeriesInstanceUID == "" {
		if s.SOPInstanceUID != "" {
			return fault.Validation("index.scope", "SOPInstanceUID given without SeriesInstanceUID")
		}
		return nil
	}
	if err := dicom.ValidateUID("SeriesInstanceUID", s.SeriesInstanceUID); err != nil {
		return err
	}
	if s.SOPInstanceUID == "" {
		return nil
	}
	return dicom.ValidateUID("SOPInstanceUID", s.SOPInstanceUID)
}

// Level names the scope granularity for logs and metrics.
func (s Scope) Level() string {
	switch {
	case s.SOPInstanceUID != "":
		return "instance"
	case s.SeriesInstanceUID != "":
		return "series"
	default:
		return "study"
	}
}

// Matches reports whether vid falls inside the scope.
func (s Scope) Matches(vid dicom.VersionedInstanceIdentifier) bool {
	if s.Version != 0 && vid.Version != s.Version {
		return false
	}
	id := vid.InstanceIdentifier
	if id.StudyInstanceUID != s.StudyInstanceUID {
		return false
	}
	if s.SeriesInstanceUID != "" && id.SeriesInstanceUID != s.SeriesInstanceUID {
		return false
	}
	return s.SOPInstanceUID == "" || id.SOPInstanceUID == s.SOPInstanceUID
}

// DeletedInstance is a deferred physical-cleanup record.
type DeletedInstance struct {
	dicom.VersionedInstanceIdentifier
	DeletedAt    time.Time
	CleanupAfter time.Time
	RetryCount   int
}

// Action is the kind of change recorded in the feed.
type Action int

const (
	ActionCreate Action = iota
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "Create"
	case ActionDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// FeedRow is a stored change-feed entry joined with the version that is
// live for its identifier at read time.
type FeedRow struct {
	Sequence  int64
	Timestamp time.Time
	Action    Action
	dicom.InstanceIdentifier
	OriginalVersion int64
	LiveVersion     *int64 // nil when no Created row exists for the identifier
}

// Store is the index store contract.
type Store interface {
	querytag.Store

	// CreateInstanceIndex allocates a new version and writes a Creating row
	// with core columns and extended rows. Fails with a Conflict error
	// (AlreadyExists or Pending) if a row for the identifier exists.
	CreateInstanceIndex(ctx context.Context, ds *dicom.Dataset, active []querytag.QueryTag) (int64, error)

	// UpdateInstanceIndexStatus moves a Creating row to Created and appends
	// its Create feed entry in the same transaction. Unknown rows are
	// NotFound; any other transition is an invariant violation.
	UpdateInstanceIndexStatus(ctx context.Context, vid dicom.VersionedInstanceIdentifier, status Status) error

	// GetInstances returns every row, Creating or Created, for id.
	GetInstances(ctx context.Context, id dicom.InstanceIdentifier) ([]Instance, error)

	// DeleteScopeIndex removes all rows in scope, records one cleanup
	// record per removed version with cleanupAfter, and appends one Delete
	// feed entry per removed Created row. NotFound if nothing matched.
	DeleteScopeIndex(ctx context.Context, scope Scope, cleanupAfter time.Time) ([]dicom.VersionedInstanceIdentifier, error)

	// RetrieveDeletedInstances returns up to batchSize records with
	// CleanupAfter <= now and RetryCount < maxRetries, oldest first.
	RetrieveDeletedInstances(ctx context.Context, batchSize, maxRetries int) ([]DeletedInstance, error)

	// IncrementDeletedInstanceRetry bumps the retry count, reschedules the
	// record and returns the new count.
	IncrementDeletedInstanceRetry(ctx context.Context, vid dicom.VersionedInstanceIdentifier, cleanupAfter time.Time) (int, error)

	// DeleteDeletedInstance removes a cleanup record. Missing records are ignored.
	DeleteDeletedInstance(ctx context.Context, vid dicom.VersionedInstanceIdentifier) error

	// CountExhaustedDeletedInstanceAttempts counts records with RetryCount >= maxRetries.
	CountExhaustedDeletedInstanceAttempts(ctx context.Context, maxRetries int) (int, error)

	// GetOldestDeletedInstance returns the earliest DeletedAt among pending
	// cleanup records; ok is false when there are none.
	GetOldestDeletedInstance(ctx context.Context) (oldest time.Time, ok bool, err error)

	// ChangeFeed returns feed entries [offset, offset+limit) in sequence order.
	ChangeFeed(ctx context.Context, offset, limit int) ([]FeedRow, error)

	// ChangeFeedLatest returns the entry with the highest sequence; ok is
	// false when the feed is empty.
	ChangeFeedLatest(ctx context.Context) (row FeedRow, ok bool, err error)

	Close() error
}
