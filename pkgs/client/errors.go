package client

import "fmt"

// ConfigurationError is returned by New when the supplied smtp.Options are
// self-contradictory (a password without a user).
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// ClosedError is surfaced to a job submitted after Close has run.
type ClosedError struct{}

func (e *ClosedError) Error() string { return "client is closed" }

// closeError wraps the reason Close gave for failing in-flight and queued
// jobs.
type closeError struct {
	reason error
}

func (e *closeError) Error() string {
	if e.reason == nil {
		return "client closed"
	}
	return fmt.Sprintf("client closed: %s", e.reason)
}

func (e *closeError) Unwrap() error { return e.reason }
