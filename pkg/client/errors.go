package client

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportErrorKind classifies an orchestrator call failure.
type TransportErrorKind int

const (
	// Transient failures (network errors, 5xx, malformed bodies) are retried
	// with exponential backoff.
	Transient TransportErrorKind = iota

	// Fatal failures (bad credentials, unenrolled node) are surfaced to the
	// agent runtime to halt.
	Fatal
)

func (k TransportErrorKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "transient"
}

// TransportError wraps a failed orchestrator call with its classification.
type TransportError struct {
	Op         string
	StatusCode int
	Kind       TransportErrorKind
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s orchestrator error (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s orchestrator error: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a Fatal transport classification.
func IsFatal(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == Fatal
}

// classifyStatus maps an HTTP response code to a transport classification.
// Credential and enrollment failures are unrecoverable without operator
// action; everything else is worth retrying.
func classifyStatus(code int) TransportErrorKind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return Fatal
	default:
		return Transient
	}
}
