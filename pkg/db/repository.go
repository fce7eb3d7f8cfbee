package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aeg-devices/loki-update/pkg/errors"
)

// Repository provides database operations for the job history
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// The pipeline worker and HTTP handlers share one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new job record
func (r *Repository) Create(job *Job) error {
	slog.Info("database_create_job", "job_id", job.ID, "kind", job.Kind, "target", job.Target)

	query := `
		INSERT INTO jobs (id, kind, target, source, files, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := r.db.Exec(query,
		job.ID, job.Kind, job.Target, job.Source, job.Files, job.Status, job.ErrorMessage); err != nil {
		slog.Error("database_insert_failed", "job_id", job.ID, "error", err)
		return errors.Wrap(err, "failed to insert job")
	}
	return nil
}

// Get retrieves a job by ID. It returns nil when the job does not exist.
func (r *Repository) Get(id string) (*Job, error) {
	query := `
		SELECT id, kind, target, source, files, status, error_message, created_at, updated_at
		FROM jobs WHERE id = ?
	`
	job, err := scanJob(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		slog.Info("database_job_not_found", "job_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "job_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query job")
	}
	return job, nil
}

// UpdateStatus updates the status and error message of a job
func (r *Repository) UpdateStatus(id, status, errorMessage string) error {
	slog.Info("database_update_status", "job_id", id, "status", status)

	query := `UPDATE jobs SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	result, err := r.db.Exec(query, status, errorMessage, id)
	if err != nil {
		slog.Error("database_status_update_failed", "job_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_job_not_found_for_update", "job_id", id)
		return fmt.Errorf("job not found: id=%s", id)
	}
	return nil
}

// List retrieves the most recent jobs, newest first. A limit of zero or less
// returns every job.
func (r *Repository) List(limit int) ([]*Job, error) {
	query := `
		SELECT id, kind, target, source, files, status, error_message, created_at, updated_at
		FROM jobs ORDER BY created_at DESC, rowid DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return jobs, nil
}

// FailRunning marks jobs left pending or running by a previous process as
// failed. It returns the number of jobs updated.
func (r *Repository) FailRunning(reason string) (int64, error) {
	result, err := r.db.Exec(
		`UPDATE jobs SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE status IN (?, ?)`,
		StatusFailed, reason, StatusPending, StatusRunning)
	if err != nil {
		return 0, errors.Wrap(err, "failed to fail interrupted jobs")
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Warn("database_interrupted_jobs_failed", "count", n)
	}
	return n, nil
}

// DeleteBefore removes finished jobs created before t
func (r *Repository) DeleteBefore(t time.Time) (int64, error) {
	slog.Info("database_prune_jobs", "before", t.UTC().Format(time.DateTime))

	result, err := r.db.Exec(
		`DELETE FROM jobs WHERE created_at < ? AND status IN (?, ?)`,
		t.UTC().Format(time.DateTime), StatusSucceeded, StatusFailed)
	if err != nil {
		slog.Error("database_prune_failed", "error", err)
		return 0, errors.Wrap(err, "failed to prune jobs")
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var job Job
	var source, files, errorMessage sql.NullString
	if err := s.Scan(&job.ID, &job.Kind, &job.Target, &source, &files, &job.Status,
		&errorMessage, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Source = source.String
	job.Files = files.String
	job.ErrorMessage = errorMessage.String
	return &job, nil
}
