package domain

// Role describes how a repository participates in a propagation
type Role string

const (
	RoleSource   Role = "source"
	RoleConsumer Role = "consumer"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleSource || r == RoleConsumer
}

// Stage is a state of the per-repo pipeline state machine
type Stage string

const (
	StagePending     Stage = "pending"
	StageBranching   Stage = "branching"
	StageDiscovering Stage = "discovering"
	StageAdapting    Stage = "adapting"
	StageTesting     Stage = "testing"
	StageFixing      Stage = "fixing"
	StageReviewing   Stage = "reviewing"
	StageCommitting  Stage = "committing"
	StagePublishing  Stage = "publishing"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// IsTerminal returns true for done and failed
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageFailed
}

// IsActive returns true while a pipeline holds a scheduler slot and is doing work
func (s Stage) IsActive() bool {
	return s != StagePending && !s.IsTerminal()
}

// transitions lists the legal forward edges. Failed is reachable from every
// non-terminal stage and is handled separately.
var transitions = map[Stage][]Stage{
	StagePending:     {StageBranching, StageDiscovering},
	StageBranching:   {StageDiscovering},
	StageDiscovering: {StageAdapting, StageDone},
	StageAdapting:    {StageTesting, StageReviewing},
	StageTesting:     {StageReviewing, StageFixing},
	StageFixing:      {StageTesting},
	StageReviewing:   {StageCommitting},
	StageCommitting:  {StagePublishing, StageDone},
	StagePublishing:  {StageDone},
}

// CanTransition reports whether the state machine allows moving from one stage to another
func CanTransition(from, to Stage) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Outcome is the terminal result of a pipeline
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Severity ranks a finding
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities, lower is more severe
func (s Severity) Rank() int {
	switch s {
	case SeverityBlocking:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

// ParseSeverity maps free text onto a Severity, defaulting to medium
func ParseSeverity(s string) Severity {
	switch s {
	case "blocking", "blocker", "critical":
		return SeverityBlocking
	case "high", "major":
		return SeverityHigh
	case "low", "minor", "trivial":
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Finding is a file flagged by the oracle during discovery or review
type Finding struct {
	Path     string   `json:"path,omitempty"`
	Severity Severity `json:"severity"`
	Note     string   `json:"note,omitempty"`
}
