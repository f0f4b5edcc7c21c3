package scheduler

import (
	"fmt"
	"time"

	"git.home.luguber.info/inful/docexport/internal/config"
	"git.home.luguber.info/inful/docexport/internal/export"
)

// DateLayout formats calendar dates in RunState.
const DateLayout = "2006-01-02"

// Trigger names what started a run.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// RunState is owned by the scheduler loop; State returns copies.
type RunState struct {
	Running            bool            `json:"running"`
	Paused             bool            `json:"paused"`
	RunID              string          `json:"run_id,omitempty"`
	Trigger            string          `json:"trigger,omitempty"`
	RunStartedAt       *time.Time      `json:"run_started_at,omitempty"`
	LastSuccessfulDate string          `json:"last_successful_date,omitempty"`
	LastError          string          `json:"last_error,omitempty"`
	LastErrorAt        *time.Time      `json:"last_error_at,omitempty"`
	LastRun            *export.Summary `json:"last_run,omitempty"`
	TimeOfDay          string          `json:"time_of_day"`
	CheckInterval      time.Duration   `json:"check_interval"`
}

// Config holds the schedule.
type Config struct {
	Hour     int
	Minute   int
	Interval time.Duration
	Location *time.Location
}

// ConfigFrom converts the schedule section.
func ConfigFrom(sc config.ScheduleConfig) (Config, error) {
	h, m, err := sc.Clock()
	if err != nil {
		return Config{}, err
	}
	c := Config{Hour: h, Minute: m, Interval: sc.Interval(), Location: sc.TimeLocation()}
	if c.Interval <= 0 {
		return Config{}, fmt.Errorf("invalid check_interval %q", sc.CheckInterval)
	}
	return c, nil
}

// TimeOfDay renders the scheduled moment as HH:MM.
func (c Config) TimeOfDay() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c Config) location() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

// dateOf returns the calendar date of t in the schedule's timezone.
func (c Config) dateOf(t time.Time) string {
	return t.In(c.location()).Format(DateLayout)
}

// scheduledAt returns today's scheduled moment relative to now.
func (c Config) scheduledAt(now time.Time) time.Time {
	local := now.In(c.location())
	return time.Date(local.Year(), local.Month(), local.Day(), c.Hour, c.Minute, 0, 0, c.location())
}

// isDue reports whether a scheduled run should start at now. A day whose
// scheduled moment passed without a successful run stays due for the rest of
// that day, so late ticks catch up.
func (c Config) isDue(now time.Time, lastSuccessfulDate string) bool {
	if lastSuccessfulDate == c.dateOf(now) {
		return false
	}
	return !now.Before(c.scheduledAt(now))
}
