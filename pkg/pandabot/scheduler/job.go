package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job kinds.
const (
	KindCron = "cron"
	KindOnce = "once"
)

// Job is a scheduled agent task. Schedule holds a cron expression for
// KindCron and an RFC3339 timestamp for KindOnce.
type Job struct {
	ID       string `json:"id" yaml:"id"`
	BotID    string `json:"bot_id" yaml:"bot_id"`
	ChatID   string `json:"chat_id" yaml:"chat_id"`
	ThreadID string `json:"thread_id,omitempty" yaml:"thread_id,omitempty"`
	Kind     string `json:"kind" yaml:"kind"`
	Schedule string `json:"schedule" yaml:"schedule"`
	Prompt   string `json:"prompt" yaml:"prompt"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`

	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	LastError   string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	RunCount    int        `json:"run_count" yaml:"run_count"`
	MissedCount int        `json:"missed_count" yaml:"missed_count"`
}

// NewJobID returns a short random job id.
func NewJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ToJSON renders the job for tool output.
func (j *Job) ToJSON() string {
	b, _ := json.MarshalIndent(j, "", "  ")
	return string(b)
}

// Summary is a one-line description for chat listings.
func (j *Job) Summary() string {
	state := "enabled"
	if !j.Enabled {
		state = "disabled"
	}
	return fmt.Sprintf("%s [%s %s] %s (%s, runs: %d, missed: %d)",
		j.ID, j.Kind, j.Schedule, truncate(j.Prompt, 60), state, j.RunCount, j.MissedCount)
}

func (j *Job) snapshot() *Job {
	c := *j
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		c.LastRunAt = &t
	}
	return &c
}

// SkippedError marks a fire that was deliberately not run. It is a missed
// run, not a failure.
type SkippedError struct {
	Reason string
}

func (e *SkippedError) Error() string { return "skipped: " + e.Reason }

// Skip returns a SkippedError for reason.
func Skip(reason string) error {
	return &SkippedError{Reason: reason}
}

// IsSkipped reports whether err is a SkippedError, returning its reason.
func IsSkipped(err error) (string, bool) {
	var se *SkippedError
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return "", false
}

// ParseRunAt parses a one-shot time. Supported forms: a relative duration
// ("5m", "1h30m"), RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04" and
// "15:04" (next occurrence). Zone-less forms are read in loc.
func ParseRunAt(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = time.Local
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	if t, err := time.ParseInLocation("15:04", s, loc); err == nil {
		local := now.In(loc)
		target := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if !target.After(local) {
			target = target.Add(24 * time.Hour)
		}
		return target, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time format %q", s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
