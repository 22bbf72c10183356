// Package transport sends rendered messages through an external email
// provider and classifies failures as retryable or permanent.
package transport

import "context"

// Message is one rendered email for one recipient.
type Message struct {
	ToEmail  string
	ToName   string
	Subject  string
	BodyHTML string
}

// Result reports a successful handoff to the provider.
type Result struct {
	ProviderMessageID string
}

// Transport delivers a single message. Implementations return a
// PermanentError for failures that will not succeed on retry (rejected
// address, refused content); anything else is treated as transient.
type Transport interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// PermanentError marks a delivery failure as non-retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
