package workflow

import "fmt"

// TaskFailure is the error a handler returns to report a failure it owns,
// with its own kind and detail. Anything else that comes out of Run is
// recorded as a HandlerException.
type TaskFailure struct {
	Kind   string
	Detail string
}

func (e *TaskFailure) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func Failf(kind, format string, args ...any) *TaskFailure {
	return &TaskFailure{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
