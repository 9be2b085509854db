package ralph

import (
	"errors"
	"fmt"
)

// ErrIterationBudgetExceeded is matched by *IterationBudgetExceededError.
var ErrIterationBudgetExceeded = errors.New("iteration budget exceeded")

// IterationBudgetExceededError reports that the loop used every iteration
// without seeing the completion marker. LastResponse holds the final
// attempt so callers can inspect partial progress.
type IterationBudgetExceededError struct {
	MaxIterations     int
	CompletionPromise string
	LastResponse      string
}

func (e *IterationBudgetExceededError) Error() string {
	return fmt.Sprintf("maximum iterations (%d) reached without detecting completion promise: %q",
		e.MaxIterations, e.CompletionPromise)
}

// Is reports whether target is ErrIterationBudgetExceeded.
func (e *IterationBudgetExceededError) Is(target error) bool {
	return target == ErrIterationBudgetExceeded
}
