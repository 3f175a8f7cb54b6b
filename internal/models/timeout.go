// Package models defines timeout classification and re-engagement bookkeeping.
package models

import "time"

// TimeoutClass classifies how long a session has been idle and where.
type TimeoutClass string

const (
	// TimeoutInactivity is mid-flow silence under the step threshold.
	TimeoutInactivity TimeoutClass = "inactivity"
	// TimeoutStep is mid-flow silence past the step threshold.
	TimeoutStep TimeoutClass = "step_timeout"
	// TimeoutSession is silence past the session threshold at any step.
	TimeoutSession TimeoutClass = "session_timeout"
	// TimeoutReengagement is silence past the re-engagement ceiling.
	TimeoutReengagement TimeoutClass = "reengagement_timeout"
)

// Idle-duration thresholds for timeout classification.
const (
	StepTimeoutThreshold         = 15 * time.Minute
	SessionTimeoutThreshold      = 30 * time.Minute
	ReengagementTimeoutThreshold = 60 * time.Minute
)

// ClassifyTimeout derives the timeout class purely from the current step and
// the idle duration at scan time. midFlow means the session sits between the
// first and last steps of the sequence.
func ClassifyTimeout(step Step, idle time.Duration) TimeoutClass {
	switch {
	case idle >= ReengagementTimeoutThreshold:
		return TimeoutReengagement
	case idle >= SessionTimeoutThreshold:
		return TimeoutSession
	case step.MidFlow() && idle >= StepTimeoutThreshold:
		return TimeoutStep
	default:
		return TimeoutInactivity
	}
}

// MidFlow reports whether the step sits strictly inside the conversation,
// i.e. the user has started answering but has not finished.
func (s Step) MidFlow() bool {
	switch s {
	case StepClientType, StepPracticeArea, StepSchedulingOffer, StepSchedulingType:
		return true
	default:
		return false
	}
}

// ReengagementAttempt records one automated nudge sent to an idle session.
// Attempts live in the monitor's working memory and are discarded once the
// session responds or is finalized.
type ReengagementAttempt struct {
	SessionID        string       `json:"session_id"`
	Attempt          int          `json:"attempt"` // 1-based attempt number
	Timestamp        time.Time    `json:"timestamp"`
	Class            TimeoutClass `json:"class"`
	MessageSent      bool         `json:"message_sent"`
	ResponseReceived bool         `json:"response_received"`
}

// ReengagementPolicy governs how a timeout class is resolved.
type ReengagementPolicy struct {
	MaxAttempts int  `json:"max_attempts"` // nudges before the terminal action
	AutoReset   bool `json:"auto_reset"`   // reset the session after attempts are exhausted
	Escalate    bool `json:"escalate"`     // escalate to a human instead of resetting
}

// DefaultReengagementPolicies returns the per-class defaults.
func DefaultReengagementPolicies() map[TimeoutClass]ReengagementPolicy {
	return map[TimeoutClass]ReengagementPolicy{
		TimeoutInactivity:   {MaxAttempts: 2, Escalate: true},
		TimeoutStep:         {MaxAttempts: 1, AutoReset: true},
		TimeoutSession:      {MaxAttempts: 1, AutoReset: true},
		TimeoutReengagement: {MaxAttempts: 0, AutoReset: true},
	}
}
