package trigger

import (
	"errors"
	"fmt"
)

var (
	ErrNoNode          = errors.New("trigger: no such node")
	ErrNodeExists      = errors.New("trigger: node already exists")
	ErrVersionConflict = errors.New("trigger: version conflict")
	ErrDuplicatedTask  = errors.New("trigger: task already registered")
)

// ContextAccessError is a genuine store failure (network, auth, serialization).
// Version conflicts and missing nodes are never reported with it.
type ContextAccessError struct {
	Op   string
	Task string
	Err  error
}

func (e *ContextAccessError) Error() string {
	return fmt.Sprintf("trigger: %s %q: %v", e.Op, e.Task, e.Err)
}

func (e *ContextAccessError) Unwrap() error { return e.Err }

// IsContextAccess reports whether err is a store failure.
func IsContextAccess(err error) bool {
	var cae *ContextAccessError
	return errors.As(err, &cae)
}

func accessErr(op, task string, err error) error {
	if err == nil {
		return nil
	}
	return &ContextAccessError{Op: op, Task: task, Err: err}
}
