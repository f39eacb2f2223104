// Package schedule delivers configured messages to agent sessions on a
// timetable: one-shot "at" times, anchored "every" intervals, and
// 5-field cron expressions. It also houses the idle janitor that ends
// sessions nobody has touched for a while.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind selects how a schedule's next run is computed.
type Kind string

const (
	KindAt    Kind = "at"
	KindEvery Kind = "every"
	KindCron  Kind = "cron"
)

// Schedule is a time specification for job execution.
type Schedule struct {
	Kind Kind `json:"kind"`

	// For "at": an RFC 3339 timestamp
	At string `json:"at,omitempty"`

	// For "every": interval and optional alignment anchor
	EveryMs  int64  `json:"every_ms,omitempty"`
	AnchorMs *int64 `json:"anchor_ms,omitempty"`

	// For "cron": 5-field expression and optional timezone
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// JobState tracks the runtime state of a job.
type JobState struct {
	NextRun           *time.Time `json:"next_run,omitempty"`
	RunningAt         *time.Time `json:"running_at,omitempty"`
	LastRun           *time.Time `json:"last_run,omitempty"`
	LastStatus        string     `json:"last_status,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	LastDurationMs    int64      `json:"last_duration_ms,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors,omitempty"`
}

// Job is one scheduled delivery: when it fires, Message is delivered
// to the agent's main session.
type Job struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	Name           string    `json:"name"`
	Enabled        bool      `json:"enabled"`
	DeleteAfterRun bool      `json:"delete_after_run,omitempty"`
	Schedule       Schedule  `json:"schedule"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	State          JobState  `json:"state"`
}

// AddParams contains parameters for creating a job.
type AddParams struct {
	AgentID        string   `json:"agent_id,omitempty"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"delete_after_run,omitempty"`
	Schedule       Schedule `json:"schedule"`
	Message        string   `json:"message"`
}

// Patch contains the job fields that can be updated.
type Patch struct {
	Name           *string   `json:"name,omitempty"`
	Enabled        *bool     `json:"enabled,omitempty"`
	DeleteAfterRun *bool     `json:"delete_after_run,omitempty"`
	Schedule       *Schedule `json:"schedule,omitempty"`
	Message        *string   `json:"message,omitempty"`
}

// NextRun computes when a schedule fires next, relative to now.
// An "at" time in the past is returned as is; the service treats past
// due times as fire immediately.
func NextRun(s Schedule, now time.Time) (time.Time, error) {
	switch s.Kind {
	case KindAt:
		return nextAt(s)
	case KindEvery:
		return nextEvery(s, now)
	case KindCron:
		return nextCron(s, now)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
}

func nextAt(s Schedule) (time.Time, error) {
	if s.At == "" {
		return time.Time{}, fmt.Errorf("'at' schedule requires 'at' field")
	}
	t, err := time.Parse(time.RFC3339, s.At)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return t, nil
}

func nextEvery(s Schedule, now time.Time) (time.Time, error) {
	if s.EveryMs <= 0 {
		return time.Time{}, fmt.Errorf("'every' schedule requires positive 'every_ms' value")
	}

	nowMs := now.UnixMilli()
	if s.AnchorMs == nil {
		return time.UnixMilli(nowMs + s.EveryMs), nil
	}

	anchor := *s.AnchorMs
	elapsed := nowMs - anchor
	if elapsed < 0 {
		return time.UnixMilli(anchor), nil
	}

	// Next boundary on the anchored grid, strictly after now.
	periods := elapsed / s.EveryMs
	return time.UnixMilli(anchor + (periods+1)*s.EveryMs), nil
}

func nextCron(s Schedule, now time.Time) (time.Time, error) {
	if s.Expr == "" {
		return time.Time{}, fmt.Errorf("'cron' schedule requires 'expr' field")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(s.Expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}

	if s.TZ != "" {
		loc, err := time.LoadLocation(s.TZ)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
		}
		now = now.In(loc)
	}

	return sched.Next(now), nil
}
