package scanner

import (
	"fmt"
	"time"
)

// ScannerExecutionError reports a tool that exited with a status which does
// not mean "ran successfully", or that could not be started at all.
type ScannerExecutionError struct {
	Tool     string
	ExitCode int // -1 when the process never started.
	Stderr   string
	Err      error
}

func (e *ScannerExecutionError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("scanner %s failed to start: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("scanner %s exited with code %d: %s", e.Tool, e.ExitCode, e.Stderr)
}

func (e *ScannerExecutionError) Unwrap() error { return e.Err }

// ScannerOutputError reports output that could not be parsed.
type ScannerOutputError struct {
	Tool string
	Err  error
}

func (e *ScannerOutputError) Error() string {
	return fmt.Sprintf("scanner %s produced unparseable output: %v", e.Tool, e.Err)
}

func (e *ScannerOutputError) Unwrap() error { return e.Err }

// ScannerTimeoutError reports an invocation that exceeded its wall-clock budget.
// It is never retried automatically.
type ScannerTimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *ScannerTimeoutError) Error() string {
	return fmt.Sprintf("scanner %s timed out after %s", e.Tool, e.Timeout)
}
