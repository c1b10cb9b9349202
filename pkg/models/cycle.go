package models

import (
	"fmt"
	"time"
)

// DetectionCycle records one end-to-end iteration of the coordinator.
// Cycles are created at the start of each interval and closed exactly once.
type DetectionCycle struct {
	CycleID   string      `json:"cycle_id"`
	StartTime time.Time   `json:"start_time"`
	EndTime   *time.Time  `json:"end_time,omitempty"`
	Status    CycleStatus `json:"status"`

	// Per-step counters
	IncidentsProcessed int `json:"incidents_processed"`
	RulesDeployed      int `json:"rules_deployed"`
	RulesTuned         int `json:"rules_tuned"`
	FeedbackCollected  int `json:"feedback_collected"`

	// Snapshot of the monitor's scores at step 4
	PerformanceScores map[string]float64 `json:"performance_scores,omitempty"`

	// Accumulated step errors; a non-empty list does not imply failure
	Errors []string `json:"errors,omitempty"`
}

// Close transitions the cycle to a terminal status and stamps the end time.
// Closing a cycle twice or skipping the running state is a programming error.
func (dc *DetectionCycle) Close(status CycleStatus, at time.Time) error {
	if !dc.Status.CanTransitionTo(status) {
		return fmt.Errorf("cannot transition cycle %s from %s to %s", dc.CycleID, dc.Status, status)
	}

	dc.Status = status
	dc.EndTime = &at

	return nil
}

// AddError appends a step error to the cycle record.
func (dc *DetectionCycle) AddError(step string, err error) {
	dc.Errors = append(dc.Errors, fmt.Sprintf("%s: %v", step, err))
}

// Duration returns the wall time the cycle took, or zero while running.
func (dc *DetectionCycle) Duration() time.Duration {
	if dc.EndTime == nil {
		return 0
	}
	return dc.EndTime.Sub(dc.StartTime)
}

// Copy returns an independent copy of the cycle record for status readers.
func (dc *DetectionCycle) Copy() *DetectionCycle {
	if dc == nil {
		return nil
	}

	copied := *dc
	if dc.EndTime != nil {
		end := *dc.EndTime
		copied.EndTime = &end
	}
	copied.PerformanceScores = make(map[string]float64, len(dc.PerformanceScores))
	for ruleID, score := range dc.PerformanceScores {
		copied.PerformanceScores[ruleID] = score
	}
	copied.Errors = append([]string(nil), dc.Errors...)

	return &copied
}
