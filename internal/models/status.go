package models

import "time"

// CompletionState is the lifecycle of a tracked document.
type CompletionState string

const (
	StateTracking  CompletionState = "tracking"
	StateCompleted CompletionState = "completed"
	StateAbandoned CompletionState = "abandoned"
)

// CompletionStatus is a point-in-time view of one tracked document.
type CompletionStatus struct {
	Key          DocumentKey     `json:"key"`
	Generation   string          `json:"generation"`
	State        CompletionState `json:"state"`
	Rendering    bool            `json:"rendering"`
	Expected     int             `json:"expected_pages"`
	Rendered     int             `json:"rendered_pages"`
	Analyzed     int             `json:"analyzed_pages"`
	Attempts     int             `json:"attempts"`
	TrackedSince time.Time       `json:"tracked_since"`
	NextCheck    *time.Time      `json:"next_check,omitempty"`
}
