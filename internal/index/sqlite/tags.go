package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
	"github.com/yjsyyyjszf/dicom-server-1/internal/querytag"
)

func (s *Store) AddExtendedQueryTags(ctx context.Context, entries []querytag.Entry) ([]querytag.Entry, error) {
	out := make([]querytag.Entry, 0, len(entries))
	err := s.inTx(ctx, "index.tags", func(tx *sql.Tx) error {
		for _, e := range entries {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT count(*) FROM extended_query_tags WHERE path = ?`, e.Path).Scan(&n); err != nil {
				return fmt.Errorf("check tag %s: %w", e.Path, err)
			}
			if n > 0 {
				return fault.ValidationWrap("index.tags", fmt.Errorf("tag %s: %w", e.Path, querytag.ErrTagExists))
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO extended_query_tags (path, private_creator, vr, level, status)
				VALUES (?, ?, ?, ?, ?)`,
				e.Path, e.PrivateCreator, string(e.VR), int(e.Level), int(e.Status))
			if err != nil {
				return fmt.Errorf("insert tag %s: %w", e.Path, err)
			}
			if e.Key, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("insert tag %s: %w", e.Path, err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetExtendedQueryTags(ctx context.Context) ([]querytag.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tag_key, path, private_creator, vr, level, status
		FROM extended_query_tags ORDER BY tag_key`)
	if err != nil {
		return nil, fault.Transient("index.tags", err)
	}
	defer rows.Close()

	var out []querytag.Entry
	for rows.Next() {
		e, err := scanTag(rows)
		if err != nil {
			return nil, fault.Transient("index.tags", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient("index.tags", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTag(row scanner) (querytag.Entry, error) {
	var e querytag.Entry
	var vr string
	var level, status int
	if err := row.Scan(&e.Key, &e.Path, &e.PrivateCreator, &vr, &level, &status); err != nil {
		return querytag.Entry{}, err
	}
	e.VR = dicom.VR(vr)
	e.Level = querytag.Level(level)
	e.Status = querytag.Status(status)
	return e, nil
}

func (s *Store) UpdateExtendedQueryTagStatus(ctx context.Context, path string, status querytag.Status) (querytag.Entry, error) {
	var e querytag.Entry
	err := s.inTx(ctx, "index.tags", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE extended_query_tags SET status = ? WHERE path = ?
			RETURNING tag_key, path, private_creator, vr, level, status`,
			int(status), path)
		var err error
		e, err = scanTag(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.NotFound("index.tags", "extended query tag %s", path)
		}
		return err
	})
	return e, err
}
