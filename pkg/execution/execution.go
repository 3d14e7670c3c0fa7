// Package execution models the attempts of one test case within one run.
package execution

import (
	"errors"
	"fmt"
	"slices"

	"github.com/defrances/reportoor/pkg/result"
)

// ErrResolved is returned when an attempt is added to a resolved execution.
var ErrResolved = errors.New("execution already resolved")

// State is the lifecycle state of an Execution.
type State int

const (
	// Attempted means only the first attempt has been seen.
	Attempted State = iota + 1
	// Retried means at least one retry has been recorded.
	Retried
	// Resolved means the final attempt is fixed.
	Resolved
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Attempted:
		return "attempted"
	case Retried:
		return "retried"
	case Resolved:
		return "resolved"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Execution collects every attempt of one test case in one run. All
// attempts share a history id.
type Execution struct {
	state    State
	attempts []*result.TestResult
}

// New starts an execution with its first observed attempt.
func New(first *result.TestResult) *Execution {
	return &Execution{
		state:    Attempted,
		attempts: []*result.TestResult{first},
	}
}

// State returns the current state.
func (e *Execution) State() State {
	return e.state
}

// HistoryID returns the history id shared by the attempts.
func (e *Execution) HistoryID() string {
	return e.attempts[0].HistoryID
}

// Retry records another attempt.
func (e *Execution) Retry(tr *result.TestResult) error {
	if e.state == Resolved {
		return ErrResolved
	}

	e.attempts = append(e.attempts, tr)
	e.state = Retried

	return nil
}

// Resolve orders the attempts by attempt number, keeping occurrence order
// for equal or missing numbers, and fixes the last one as final. Calling
// Resolve again is a no-op.
func (e *Execution) Resolve() {
	if e.state == Resolved {
		return
	}

	slices.SortStableFunc(e.attempts, func(a, b *result.TestResult) int {
		return attemptNumber(a) - attemptNumber(b)
	})

	e.state = Resolved
}

// Final returns the final attempt. Before Resolve it is the latest
// attempt seen.
func (e *Execution) Final() *result.TestResult {
	return e.attempts[len(e.attempts)-1]
}

// Attempts returns every attempt, final last once resolved.
func (e *Execution) Attempts() []*result.TestResult {
	return slices.Clone(e.attempts)
}

// PriorStatuses returns the statuses of the attempts before the final one.
func (e *Execution) PriorStatuses() []result.Status {
	if len(e.attempts) < 2 {
		return nil
	}

	statuses := make([]result.Status, 0, len(e.attempts)-1)
	for _, tr := range e.attempts[:len(e.attempts)-1] {
		statuses = append(statuses, tr.Status)
	}

	return statuses
}

// Retries returns the number of attempts after the first.
func (e *Execution) Retries() int {
	return len(e.attempts) - 1
}

func attemptNumber(tr *result.TestResult) int {
	if tr.Attempt <= 0 {
		return 1
	}

	return tr.Attempt
}
