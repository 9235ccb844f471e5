package runner

import "fmt"

// SpawnError is returned by Start when the tool could not be launched.
type SpawnError struct {
	Command  string
	NotFound bool
	Err      error
}

func (e *SpawnError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("command not found: %s", e.Command)
	}
	return fmt.Sprintf("start %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
