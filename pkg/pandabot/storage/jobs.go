package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jholhewres/pandabot/pkg/pandabot/scheduler"
)

// JobStorage persists scheduler jobs in the scheduled_jobs table.
type JobStorage struct {
	db *sql.DB
}

// Jobs returns the job storage backed by this database.
func (s *DB) Jobs() *JobStorage {
	return &JobStorage{db: s.db}
}

// Save inserts or replaces a job.
func (s *JobStorage) Save(job *scheduler.Job) error {
	var lastRunAt sql.NullString
	if job.LastRunAt != nil {
		lastRunAt = sql.NullString{String: job.LastRunAt.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO scheduled_jobs
			(id, bot_id, chat_id, thread_id, kind, schedule, prompt, enabled,
			 created_at, last_run_at, last_error, run_count, missed_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.BotID, job.ChatID, job.ThreadID, job.Kind, job.Schedule, job.Prompt,
		boolToInt(job.Enabled),
		job.CreatedAt.UTC().Format(time.RFC3339),
		lastRunAt, job.LastError, job.RunCount, job.MissedCount,
	)
	if err != nil {
		return fmt.Errorf("save job %q: %w", job.ID, err)
	}
	return nil
}

// Delete removes a job by id.
func (s *JobStorage) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM scheduled_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job %q: %w", id, err)
	}
	return nil
}

// LoadAll reads every persisted job.
func (s *JobStorage) LoadAll() ([]*scheduler.Job, error) {
	rows, err := s.db.Query(`
		SELECT id, bot_id, chat_id, thread_id, kind, schedule, prompt, enabled,
		       created_at, last_run_at, last_error, run_count, missed_count
		FROM scheduled_jobs
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*scheduler.Job
	for rows.Next() {
		var (
			j         scheduler.Job
			enabled   int
			createdAt string
			lastRunAt sql.NullString
		)
		if err := rows.Scan(
			&j.ID, &j.BotID, &j.ChatID, &j.ThreadID, &j.Kind, &j.Schedule, &j.Prompt, &enabled,
			&createdAt, &lastRunAt, &j.LastError, &j.RunCount, &j.MissedCount,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Enabled = enabled != 0
		j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if lastRunAt.Valid {
			if t, err := time.Parse(time.RFC3339, lastRunAt.String); err == nil {
				j.LastRunAt = &t
			}
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

var _ scheduler.JobStorage = (*JobStorage)(nil)
