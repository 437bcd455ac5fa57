package update

import "time"

// Outcome is the terminal status of one attempt.
type Outcome string

const (
	// OutcomeUpToDate means no newer release was available.
	OutcomeUpToDate Outcome = "up-to-date"
	// OutcomeUpdated means a new release was committed; the caller may reboot.
	OutcomeUpdated Outcome = "updated"
	// OutcomeFailed means the attempt was aborted and the previous version is still active.
	OutcomeFailed Outcome = "failed"
)

// Result is the only state the external caller observes.
type Result struct {
	AttemptID string
	Outcome   Outcome
	// Category is set for failed outcomes.
	Category Category
	// Reason is the error text for failed outcomes.
	Reason string
	From   string
	To     string
	// StartedAt and Duration describe the attempt.
	StartedAt time.Time
	Duration  time.Duration
}

// ExitCode maps the outcome to the process exit status.
func (r *Result) ExitCode() int {
	if r.Outcome != OutcomeFailed {
		return ExitOK
	}

	return r.Category.ExitCode()
}

// NewFailedResult builds a failed result from err.
func NewFailedResult(err error) *Result {
	return &Result{
		Outcome:  OutcomeFailed,
		Category: CategoryOf(err),
		Reason:   err.Error(),
	}
}
