package migrate

import "fmt"

// ValidationError rejects an operation before any file or database is touched.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// ToolError reports a failed migration operation.
type ToolError struct {
	Op  string
	Err error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

func toolError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ToolError{Op: op, Err: err}
}
