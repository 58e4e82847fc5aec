// Package sqlite provides a SQLite-backed index store.
//
// Versions and feed sequence numbers come from AUTOINCREMENT keys, so the
// database serializes their allocation and they follow commit order.
// Transactions are opened IMMEDIATE: the write lock is taken up front, which
// makes the Creating/Created conflict check and the insert that follows it
// one atomic step.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
	"github.com/yjsyyyjszf/dicom-server-1/internal/index"
	"github.com/yjsyyyjszf/dicom-server-1/internal/querytag"
)

// timeFormat is fixed-width so stored UTC timestamps compare as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const dateFormat = "2006-01-02"

// Store is a SQLite-backed index.Store.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ index.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for timestamps and due checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore opens the database at path, creating it if needed, and runs migrations.
func NewStore(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}
	// Per-connection pragmas go in the DSN so they survive reconnects.
	db, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{db: db, path: path, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction, committing if fn returns nil. Errors that
// are not already classified are reported as transient backend failures.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Transient(op, fmt.Errorf("begin: %w", err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck // original error wins
		return fault.Transient(op, err)
	}
	if err := tx.Commit(); err != nil {
		return fault.Transient(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func nullDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(dateFormat), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *Store) CreateInstanceIndex(ctx context.Context, ds *dicom.Dataset, active []querytag.QueryTag) (int64, error) {
	inst, err := index.NewInstance(ds, active)
	if err != nil {
		return 0, err
	}
	id := inst.InstanceIdentifier

	var version int64
	err = s.inTx(ctx, "index.create", func(tx *sql.Tx) error {
		var created, creating int
		err := tx.QueryRowContext(ctx, `
			SELECT coalesce(sum(status = 1), 0), coalesce(sum(status = 0), 0)
			FROM instances
			WHERE study_uid = ? AND series_uid = ? AND sop_uid = ?`,
			id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID,
		).Scan(&created, &creating)
		if err != nil {
			return fmt.Errorf("check existing: %w", err)
		}
		if created > 0 {
			return fault.AlreadyExists("index.create", id.String())
		}
		if creating > 0 {
			return fault.Pending("index.create", id.String())
		}

		now := formatTime(s.now())
		res, err := tx.ExecContext(ctx, `INSERT INTO instance_versions (allocated_at) VALUES (?)`, now)
		if err != nil {
			return fmt.Errorf("allocate version: %w", err)
		}
		if version, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("allocate version: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO instances (
				version, study_uid, series_uid, sop_uid, status,
				patient_id, patient_name, referring_physician_name, study_date,
				study_description, accession_number, modality, pps_start_date,
				created_at, last_status_update
			) VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			version, id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID,
			nullString(inst.PatientID), nullString(inst.PatientName), nullString(inst.ReferringPhysicianName),
			nullDate(inst.StudyDate), nullString(inst.StudyDescription), nullString(inst.AccessionNumber),
			nullString(inst.Modality), nullDate(inst.PerformedProcedureStepStartDate),
			now, now,
		)
		if err != nil {
			return fmt.Errorf("insert instance: %w", err)
		}
		return insertExtendedRows(ctx, tx, version, inst.ExtendedRows)
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

var bucketTables = map[querytag.Bucket]string{
	querytag.BucketString:     "extended_string",
	querytag.BucketLong:       "extended_long",
	querytag.BucketDouble:     "extended_double",
	querytag.BucketDateTime:   "extended_datetime",
	querytag.BucketPersonName: "extended_person_name",
}

func insertExtendedRows(ctx context.Context, tx *sql.Tx, version int64, rows []querytag.IndexRow) error {
	for _, r := range rows {
		table, ok := bucketTables[r.Bucket]
		if !ok {
			return fault.Invariant("index.create", "no table for bucket %s", r.Bucket)
		}
		var value any
		switch r.Bucket {
		case querytag.BucketString:
			value = r.String
		case querytag.BucketLong:
			value = r.Long
		case querytag.BucketDouble:
			value = r.Double
		case querytag.BucketDateTime:
			value = r.DateTime.Format(dateFormat)
		case querytag.BucketPersonName:
			value = r.PersonName
		}
		q := "INSERT INTO " + table + " (tag_key, version, level, value) VALUES (?, ?, ?, ?)"
		if _, err := tx.ExecContext(ctx, q, r.TagKey, version, int(r.Level), value); err != nil {
			return fmt.Errorf("insert %s row for tag %d: %w", table, r.TagKey, err)
		}
	}
	return nil
}

func (s *Store) UpdateInstanceIndexStatus(ctx context.Context, vid dicom.VersionedInstanceIdentifier, status index.Status) error {
	return s.inTx(ctx, "index.status", func(tx *sql.Tx) error {
		var current index.Status
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM instances
			WHERE version = ? AND study_uid = ? AND series_uid = ? AND sop_uid = ?`,
			vid.Version, vid.StudyInstanceUID, vid.SeriesInstanceUID, vid.SOPInstanceUID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.NotFound("index.status", "instance %s", vid)
		}
		if err != nil {
			return fmt.Errorf("read status: %w", err)
		}
		if current != index.StatusCreating || status != index.StatusCreated {
			return fault.Invariant("index.status", "instance %s: transition %s -> %s", vid, current, status)
		}

		now := formatTime(s.now())
		if _, err := tx.ExecContext(ctx,
			`UPDATE instances SET status = ?, last_status_update = ? WHERE version = ?`,
			int(index.StatusCreated), now, vid.Version,
		); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		return appendFeed(ctx, tx, now, index.ActionCreate, vid)
	})
}

func appendFeed(ctx context.Context, tx *sql.Tx, now string, action index.Action, vid dicom.VersionedInstanceIdentifier) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO change_feed (timestamp, action, study_uid, series_uid, sop_uid, original_version)
		VALUES (?, ?, ?, ?, ?, ?)`,
		now, int(action), vid.StudyInstanceUID, vid.SeriesInstanceUID, vid.SOPInstanceUID, vid.Version,
	)
	if err != nil {
		return fmt.Errorf("append %s feed entry: %w", action, err)
	}
	return nil
}

const instanceColumns = `
	version, study_uid, series_uid, sop_uid, status,
	patient_id, patient_name, referring_physician_name, study_date,
	study_description, accession_number, modality, pps_start_date,
	created_at, last_status_update`

func (s *Store) GetInstances(ctx context.Context, id dicom.InstanceIdentifier) ([]index.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances
		WHERE study_uid = ? AND series_uid = ? AND sop_uid = ?
		ORDER BY version`,
		id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID)
	if err != nil {
		return nil, fault.Transient("index.get", err)
	}
	defer rows.Close()

	var out []index.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fault.Transient("index.get", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient("index.get", err)
	}
	rows.Close()

	for i := range out {
		ext, err := s.extendedRows(ctx, out[i].Version)
		if err != nil {
			return nil, fault.Transient("index.get", err)
		}
		out[i].ExtendedRows = ext
	}
	return out, nil
}

func scanInstance(rows *sql.Rows) (index.Instance, error) {
	var inst index.Instance
	var patientID, patientName, referring, studyDate, studyDesc, accession, mod, ppsDate sql.NullString
	var createdAt, lastUpdate string
	err := rows.Scan(
		&inst.Version, &inst.StudyInstanceUID, &inst.SeriesInstanceUID, &inst.SOPInstanceUID, &inst.Status,
		&patientID, &patientName, &referring, &studyDate,
		&studyDesc, &accession, &mod, &ppsDate,
		&createdAt, &lastUpdate,
	)
	if err != nil {
		return index.Instance{}, fmt.Errorf("scan instance: %w", err)
	}
	inst.PatientID = patientID.String
	inst.PatientName = patientName.String
	inst.ReferringPhysicianName = referring.String
	inst.StudyDescription = studyDesc.String
	inst.AccessionNumber = accession.String
	inst.Modality = mod.String
	if studyDate.Valid {
		if inst.StudyDate, err = time.Parse(dateFormat, studyDate.String); err != nil {
			return index.Instance{}, fmt.Errorf("parse study_date: %w", err)
		}
	}
	if ppsDate.Valid {
		if inst.PerformedProcedureStepStartDate, err = time.Parse(dateFormat, ppsDate.String); err != nil {
			return index.Instance{}, fmt.Errorf("parse pps_start_date: %w", err)
		}
	}
	if inst.CreatedAt, err = parseTime(createdAt); err != nil {
		return index.Instance{}, fmt.Errorf("parse created_at: %w", err)
	}
	if inst.LastStatusUpdate, err = parseTime(lastUpdate); err != nil {
		return index.Instance{}, fmt.Errorf("parse last_status_update: %w", err)
	}
	return inst, nil
}

func (s *Store) extendedRows(ctx context.Context, version int64) ([]querytag.IndexRow, error) {
	var out []querytag.IndexRow
	for _, bucket := range []querytag.Bucket{
		querytag.BucketString, querytag.BucketLong, querytag.BucketDouble,
		querytag.BucketDateTime, querytag.BucketPersonName,
	} {
		table := bucketTables[bucket]
		rows, err := s.db.QueryContext(ctx,
			"SELECT tag_key, level, value FROM "+table+" WHERE version = ? ORDER BY tag_key", version)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", table, err)
		}
		for rows.Next() {
			r := querytag.IndexRow{Bucket: bucket}
			var level int
			var value any
			if err := rows.Scan(&r.TagKey, &level, &value); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s: %w", table, err)
			}
			r.Level = querytag.Level(level)
			if err := setBucketValue(&r, value); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%s tag %d: %w", table, r.TagKey, err)
			}
			out = append(out, r)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate %s: %w", table, err)
		}
	}
	return out, nil
}

func setBucketValue(r *querytag.IndexRow, value any) error {
	switch r.Bucket {
	case querytag.BucketString, querytag.BucketPersonName, querytag.BucketDateTime:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("unexpected value type %T", value)
		}
		switch r.Bucket {
		case querytag.BucketString:
			r.String = s
		case querytag.BucketPersonName:
			r.PersonName = s
		default:
			t, err := time.Parse(dateFormat, s)
			if err != nil {
				return err
			}
			r.DateTime = t
		}
	case querytag.BucketLong:
		n, ok := value.(int64)
		if !ok {
			return fmt.Errorf("unexpected value type %T", value)
		}
		r.Long = n
	case querytag.BucketDouble:
		switch v := value.(type) {
		case float64:
			r.Double = v
		case int64:
			r.Double = float64(v)
		default:
			return fmt.Errorf("unexpected value type %T", value)
		}
	}
	return nil
}

func scopeWhere(scope index.Scope) (string, []any) {
	clauses := []string{"study_uid = ?"}
	args := []any{scope.StudyInstanceUID}
	if scope.SeriesInstanceUID != "" {
		clauses = append(clauses, "series_uid = ?")
		args = append(args, scope.SeriesInstanceUID)
	}
	if scope.SOPInstanceUID != "" {
		clauses = append(clauses, "sop_uid = ?")
		args = append(args, scope.SOPInstanceUID)
	}
	if scope.Version != 0 {
		clauses = append(clauses, "version = ?")
		args = append(args, scope.Version)
	}
	return strings.Join(clauses, " AND "), args
}

func (s *Store) DeleteScopeIndex(ctx context.Context, scope index.Scope, cleanupAfter time.Time) ([]dicom.VersionedInstanceIdentifier, error) {
	where, args := scopeWhere(scope)
	var removed []dicom.VersionedInstanceIdentifier
	err := s.inTx(ctx, "index.delete", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT version, study_uid, series_uid, sop_uid, status FROM instances WHERE "+where+" ORDER BY version",
			args...)
		if err != nil {
			return fmt.Errorf("select scope: %w", err)
		}
		type match struct {
			vid    dicom.VersionedInstanceIdentifier
			status index.Status
		}
		var matches []match
		for rows.Next() {
			var m match
			if err := rows.Scan(&m.vid.Version, &m.vid.StudyInstanceUID, &m.vid.SeriesInstanceUID, &m.vid.SOPInstanceUID, &m.status); err != nil {
				rows.Close()
				return fmt.Errorf("scan scope: %w", err)
			}
			matches = append(matches, m)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("iterate scope: %w", err)
		}
		if len(matches) == 0 {
			return fault.NotFound("index.delete", "no instances in %s scope", scope.Level())
		}

		now := formatTime(s.now())
		due := formatTime(cleanupAfter)
		removed = make([]dicom.VersionedInstanceIdentifier, 0, len(matches))
		for _, m := range matches {
			if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE version = ?`, m.vid.Version); err != nil {
				return fmt.Errorf("delete instance %d: %w", m.vid.Version, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO deleted_instances (version, study_uid, series_uid, sop_uid, deleted_at, cleanup_after)
				VALUES (?, ?, ?, ?, ?, ?)`,
				m.vid.Version, m.vid.StudyInstanceUID, m.vid.SeriesInstanceUID, m.vid.SOPInstanceUID, now, due,
			); err != nil {
				return fmt.Errorf("insert cleanup record %d: %w", m.vid.Version, err)
			}
			if m.status == index.StatusCreated {
				if err := appendFeed(ctx, tx, now, index.ActionDelete, m.vid); err != nil {
					return err
				}
			}
			removed = append(removed, m.vid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *Store) RetrieveDeletedInstances(ctx context.Context, batchSize, maxRetries int) ([]index.DeletedInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, study_uid, series_uid, sop_uid, deleted_at, cleanup_after, retry_count
		FROM deleted_instances
		WHERE cleanup_after <= ? AND retry_count < ?
		ORDER BY cleanup_after, version
		LIMIT ?`,
		formatTime(s.now()), maxRetries, batchSize)
	if err != nil {
		return nil, fault.Transient("index.cleanup", err)
	}
	defer rows.Close()

	var out []index.DeletedInstance
	for rows.Next() {
		var d index.DeletedInstance
		var deletedAt, cleanupAfter string
		if err := rows.Scan(&d.Version, &d.StudyInstanceUID, &d.SeriesInstanceUID, &d.SOPInstanceUID,
			&deletedAt, &cleanupAfter, &d.RetryCount); err != nil {
			return nil, fault.Transient("index.cleanup", err)
		}
		if d.DeletedAt, err = parseTime(deletedAt); err != nil {
			return nil, fault.Transient("index.cleanup", err)
		}
		if d.CleanupAfter, err = parseTime(cleanupAfter); err != nil {
			return nil, fault.Transient("index.cleanup", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient("index.cleanup", err)
	}
	return out, nil
}

func (s *Store) IncrementDeletedInstanceRetry(ctx context.Context, vid dicom.VersionedInstanceIdentifier, cleanupAfter time.Time) (int, error) {
	var count int
	err := s.inTx(ctx, "index.retry", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE deleted_instances
			SET retry_count = retry_count + 1, cleanup_after = ?
			WHERE version = ?
			RETURNING retry_count`,
			formatTime(cleanupAfter), vid.Version,
		).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.NotFound("index.retry", "cleanup record %s", vid)
		}
		return err
	})
	return count, err
}

func (s *Store) DeleteDeletedInstance(ctx context.Context, vid dicom.VersionedInstanceIdentifier) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM deleted_instances WHERE version = ?`, vid.Version); err != nil {
		return fault.Transient("index.cleanup", err)
	}
	return nil
}

func (s *Store) CountExhaustedDeletedInstanceAttempts(ctx context.Context, maxRetries int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM deleted_instances WHERE retry_count >= ?`, maxRetries).Scan(&n)
	if err != nil {
		return 0, fault.Transient("index.cleanup", err)
	}
	return n, nil
}

func (s *Store) GetOldestDeletedInstance(ctx context.Context) (time.Time, bool, error) {
	var oldest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT min(deleted_at) FROM deleted_instances`).Scan(&oldest); err != nil {
		return time.Time{}, false, fault.Transient("index.cleanup", err)
	}
	if !oldest.Valid {
		return time.Time{}, false, nil
	}
	t, err := parseTime(oldest.String)
	if err != nil {
		return time.Time{}, false, fault.Transient("index.cleanup", err)
	}
	return t, true, nil
}

const feedSelect = `
	SELECT f.sequence, f.timestamp, f.action, f.study_uid, f.series_uid, f.sop_uid,
	       f.original_version, i.version
	FROM change_feed f
	LEFT JOIN instances i
	  ON i.study_uid = f.study_uid AND i.series_uid = f.series_uid AND i.sop_uid = f.sop_uid
	 AND i.status = 1`

func (s *Store) ChangeFeed(ctx context.Context, offset, limit int) ([]index.FeedRow, error) {
	rows, err := s.db.QueryContext(ctx, feedSelect+` ORDER BY f.sequence LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fault.Transient("index.feed", err)
	}
	defer rows.Close()

	var out []index.FeedRow
	for rows.Next() {
		r, err := scanFeedRow(rows)
		if err != nil {
			return nil, fault.Transient("index.feed", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient("index.feed", err)
	}
	return out, nil
}

func (s *Store) ChangeFeedLatest(ctx context.Context) (index.FeedRow, bool, error) {
	rows, err := s.db.QueryContext(ctx, feedSelect+` ORDER BY f.sequence DESC LIMIT 1`)
	if err != nil {
		return index.FeedRow{}, false, fault.Transient("index.feed", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return index.FeedRow{}, false, fault.Transient("index.feed", err)
		}
		return index.FeedRow{}, false, nil
	}
	r, err := scanFeedRow(rows)
	if err != nil {
		return index.FeedRow{}, false, fault.Transient("index.feed", err)
	}
	return r, true, nil
}

func scanFeedRow(rows *sql.Rows) (index.FeedRow, error) {
	var r index.FeedRow
	var ts string
	var action int
	var live sql.NullInt64
	if err := rows.Scan(&r.Sequence, &ts, &action, &r.StudyInstanceUID, &r.SeriesInstanceUID, &r.SOPInstanceUID,
		&r.OriginalVersion, &live); err != nil {
		return index.FeedRow{}, fmt.Errorf("scan feed row: %w", err)
	}
	t, err := parseTime(ts)
	if err != nil {
		return index.FeedRow{}, fmt.Errorf("parse feed timestamp: %w", err)
	}
	r.Timestamp = t
	r.Action = index.Action(action)
	if live.Valid {
		v := live.Int64
		r.LiveVersion = &v
	}
	return r, nil
}
