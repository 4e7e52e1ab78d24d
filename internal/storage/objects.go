package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"fleetd/internal/objects"
)

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("not found")

// ErrExists reports a name collision on create.
var ErrExists = errors.New("already exists")

// Record is one stored object row. Spec and status stay raw JSON here;
// the store server reassembles wire objects from the pieces.
type Record struct {
	Name      string
	Lifecycle string
	Spec      json.RawMessage
	Status    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

func tableFor(kind objects.Kind) (string, error) {
	switch kind {
	case objects.KindRobot:
		return "robots", nil
	case objects.KindMission:
		return "missions", nil
	}
	return "", fmt.Errorf("unknown kind %q", kind)
}

// CreateObject inserts a new row. A name collision returns ErrExists.
func (db *DB) CreateObject(kind objects.Kind, rec *Record) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Lifecycle == "" {
		rec.Lifecycle = string(objects.LifecycleAlive)
	}
	_, err = db.Exec(
		"INSERT INTO "+table+" (name, lifecycle, spec, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		rec.Name, rec.Lifecycle, string(rec.Spec), string(rec.Status), now, now,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrExists
	}
	return err
}

// GetObject loads one row by name.
func (db *DB) GetObject(kind objects.Kind, name string) (*Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	var rec Record
	var spec, status string
	err = db.QueryRow(
		"SELECT name, lifecycle, spec, status, created_at, updated_at FROM "+table+" WHERE name = ?",
		name,
	).Scan(&rec.Name, &rec.Lifecycle, &spec, &status, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Spec = json.RawMessage(spec)
	rec.Status = json.RawMessage(status)
	return &rec, nil
}

// ListObjects returns the rows matching the query parameters, in
// creation order unless the query orders otherwise.
func (db *DB) ListObjects(kind objects.Kind, params url.Values) ([]*Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	clause, args, err := buildFilter(kind, params)
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(
		"SELECT name, lifecycle, spec, status, created_at, updated_at FROM "+table+clause,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		var spec, status string
		if err := rows.Scan(&rec.Name, &rec.Lifecycle, &spec, &status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Spec = json.RawMessage(spec)
		rec.Status = json.RawMessage(status)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// UpdateObjectSpec replaces the spec column of one row.
func (db *DB) UpdateObjectSpec(kind objects.Kind, name string, spec json.RawMessage) error {
	return db.updateColumn(kind, name, "spec", string(spec))
}

// UpdateObjectStatus replaces the status column of one row.
func (db *DB) UpdateObjectStatus(kind objects.Kind, name string, status json.RawMessage) error {
	return db.updateColumn(kind, name, "status", string(status))
}

// UpdateObjectLifecycle replaces the lifecycle column of one row.
func (db *DB) UpdateObjectLifecycle(kind objects.Kind, name string, lifecycle objects.Lifecycle) error {
	return db.updateColumn(kind, name, "lifecycle", string(lifecycle))
}

func (db *DB) updateColumn(kind objects.Kind, name, column, value string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	result, err := db.Exec(
		"UPDATE "+table+" SET "+column+" = ?, updated_at = ? WHERE name = ?",
		value, time.Now().UTC(), name,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteObject removes one row.
func (db *DB) DeleteObject(kind objects.Kind, name string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	result, err := db.Exec("DELETE FROM "+table+" WHERE name = ?", name)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeMissions deletes finished missions that ended before the cutoff
// and returns how many rows went away.
func (db *DB) PurgeMissions(cutoff time.Time) (int64, error) {
	result, err := db.Exec(`
		DELETE FROM missions
		WHERE json_extract(status, '$.state') IN ('COMPLETED', 'FAILED', 'CANCELED')
		  AND json_extract(status, '$.end_timestamp') IS NOT NULL
		  AND julianday(json_extract(status, '$.end_timestamp')) < julianday(?)`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
