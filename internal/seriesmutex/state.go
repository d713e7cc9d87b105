// Package seriesmutex keeps at most one active issue per RFC series.
//
// The mutex state lives as a fenced JSON block in the body of a tracking
// issue titled "RFC-XXX Series State". Updates are optimistic: the state is
// read, transformed and written back only when it changed. Two racing
// writers can both win; reconciliation detects the resulting duplicate
// owners on its next pass.
package seriesmutex

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Status is the outcome of a mutex request.
type Status string

const (
	StatusAcquired         Status = "acquired"
	StatusAlreadyActive    Status = "already-active"
	StatusQueued           Status = "queued"
	StatusQueuedDependency Status = "queued-dependency"
	StatusNoSeries         Status = "no-series"
	StatusError            Status = "error"
)

// Blocking reports whether the caller must not proceed.
func (s Status) Blocking() bool {
	switch s {
	case StatusQueued, StatusQueuedDependency, StatusError:
		return true
	}
	return false
}

// MutexError reports an invalid transition or a failure to read or write the
// tracking issue.
type MutexError struct {
	Msg string
	Err error
}

func (e *MutexError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *MutexError) Unwrap() error { return e.Err }

func mutexErrorf(err error, format string, args ...any) *MutexError {
	return &MutexError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// TrackingTitle returns the title of the tracking issue for series.
func TrackingTitle(series string) string {
	return series + " Series State"
}

var stateBlock = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// State is the persisted mutex record for one series. ActiveIssue is never
// in Queue and Queue keeps first-blocked order.
type State struct {
	Series      string `json:"series"`
	ActiveIssue *int   `json:"active_issue"`
	Queue       []int  `json:"queue"`
	UpdatedAt   string `json:"updated_at"`
	Version     int    `json:"version"`
}

// DefaultState returns an empty state stamped at now.
func DefaultState(series string, now time.Time) *State {
	return &State{
		Series:    series,
		Queue:     []int{},
		UpdatedAt: formatTime(now),
		Version:   1,
	}
}

// ParseBody extracts the state from a tracking issue body. A missing block,
// or one that is not a JSON object, yields the default state. Fields are
// decoded one by one, so a bad field falls back alone: numbers written as
// strings are accepted, and queue entries that are not issue numbers are
// dropped.
func ParseBody(series, body string, now time.Time) *State {
	st := DefaultState(series, now)
	m := stateBlock.FindStringSubmatch(body)
	if m == nil {
		return st
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(m[1]), &fields); err != nil {
		return st
	}
	if v, ok := asString(fields["series"]); ok {
		st.Series = v
	}
	if n, ok := asInt(fields["active_issue"]); ok {
		st.ActiveIssue = &n
	}
	var queue []json.RawMessage
	if err := json.Unmarshal(fields["queue"], &queue); err == nil {
		for _, item := range queue {
			n, ok := asInt(item)
			if !ok || n == st.Active() || slices.Contains(st.Queue, n) {
				continue
			}
			st.Queue = append(st.Queue, n)
		}
	}
	if v, ok := asString(fields["updated_at"]); ok {
		st.UpdatedAt = v
	}
	if n, ok := asInt(fields["version"]); ok {
		st.Version = n
	}
	return st
}

// asInt accepts a JSON integer or a string holding one.
func asInt(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n = json.Number(strings.TrimSpace(s))
	}
	if i, err := strconv.Atoi(n.String()); err == nil {
		return i, true
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func asString(raw json.RawMessage) (string, bool) {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

// Body renders the tracking issue body.
func (s *State) Body() string {
	out := *s
	if out.Queue == nil {
		out.Queue = []int{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		// Only ints and strings; cannot fail.
		panic(err)
	}
	return fmt.Sprintf("Tracking state for %s automation.\n\n```json\n%s\n```\n", s.Series, data)
}

// Active returns the active issue number, or 0.
func (s *State) Active() int {
	if s.ActiveIssue == nil {
		return 0
	}
	return *s.ActiveIssue
}

// ApplyCandidate runs the acquisition transition for candidate.
// activeOpen reports whether the recorded active issue is still open; nil
// means unknown, which keeps the current owner.
func (s *State) ApplyCandidate(candidate int, candidateOpen bool, activeOpen *bool, now time.Time) (Status, error) {
	if !candidateOpen {
		return "", mutexErrorf(nil, "issue #%d is not open; cannot acquire lock", candidate)
	}

	if s.ActiveIssue != nil && *s.ActiveIssue == candidate {
		s.removeFromQueue(candidate)
		s.UpdatedAt = formatTime(now)
		return StatusAlreadyActive, nil
	}

	if s.ActiveIssue == nil || (activeOpen != nil && !*activeOpen) {
		if s.ActiveIssue != nil {
			s.removeFromQueue(*s.ActiveIssue)
		}
		c := candidate
		s.ActiveIssue = &c
		s.removeFromQueue(candidate)
		s.UpdatedAt = formatTime(now)
		return StatusAcquired, nil
	}

	s.enqueue(candidate)
	s.UpdatedAt = formatTime(now)
	return StatusQueued, nil
}

// Defer moves candidate out of the active slot (if it holds it) and onto the
// queue. Used when its prerequisites are still open.
func (s *State) Defer(candidate int, now time.Time) {
	if s.ActiveIssue != nil && *s.ActiveIssue == candidate {
		s.ActiveIssue = nil
	}
	s.enqueue(candidate)
	s.UpdatedAt = formatTime(now)
}

func (s *State) enqueue(n int) {
	if !slices.Contains(s.Queue, n) {
		s.Queue = append(s.Queue, n)
	}
}

func (s *State) removeFromQueue(n int) {
	s.Queue = slices.DeleteFunc(s.Queue, func(q int) bool { return q == n })
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
