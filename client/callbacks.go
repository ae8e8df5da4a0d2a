package client

import (
	"log/slog"
	"time"
)

// Callbacks defines optional listener functions for events raised by a Client.
// All callbacks are optional - only provide the ones you care about.
type Callbacks struct {
	// OnError is the error listener. It is called for every failure that was not caused by cancellation.
	OnError func(error)

	// OnRateLimited is called when the backend answers 429, with the delay before the request is retransmitted
	OnRateLimited func(method string, path string, delay time.Duration)

	// OnPoll is called after each poll of a running job
	OnPoll func(job *Job)

	// OnCanceled is called when a call fails because it was cancelled
	OnCanceled func(method string, path string)
}

// DefaultCallbacks returns Callbacks that log through slog:
// - errors are logged at error level
// - rate limiting and polls are logged at debug level
func DefaultCallbacks() *Callbacks {
	return &Callbacks{
		OnError: func(err error) {
			slog.Error("Request failed", "error", err)
		},
		OnRateLimited: func(method string, path string, delay time.Duration) {
			slog.Debug("Rate limited, retrying", "method", method, "path", path, "delay", delay)
		},
		OnPoll: func(job *Job) {
			slog.Debug("Diffusion still running", "call_id", job.CallID, "message", job.Message)
		},
	}
}

// WithErrorListener sets the error listener (builder pattern)
func (cb *Callbacks) WithErrorListener(fn func(error)) *Callbacks {
	cb.OnError = fn
	return cb
}

// WithRateLimitedHandler sets the rate limit handler (builder pattern)
func (cb *Callbacks) WithRateLimitedHandler(fn func(string, string, time.Duration)) *Callbacks {
	cb.OnRateLimited = fn
	return cb
}

// WithPollHandler sets the poll handler (builder pattern)
func (cb *Callbacks) WithPollHandler(fn func(*Job)) *Callbacks {
	cb.OnPoll = fn
	return cb
}

// WithCanceledHandler sets the cancellation handler (builder pattern)
func (cb *Callbacks) WithCanceledHandler(fn func(string, string)) *Callbacks {
	cb.OnCanceled = fn
	return cb
}

func (cb *Callbacks) reportError(err error) {
	if cb != nil && cb.OnError != nil {
		cb.OnError(err)
	}
}

func (cb *Callbacks) rateLimited(method string, path string, delay time.Duration) {
	if cb != nil && cb.OnRateLimited != nil {
		cb.OnRateLimited(method, path, delay)
	}
}

func (cb *Callbacks) polled(job *Job) {
	if cb != nil && cb.OnPoll != nil {
		cb.OnPoll(job)
	}
}

func (cb *Callbacks) canceled(method string, path string) {
	if cb != nil && cb.OnCanceled != nil {
		cb.OnCanceled(method, path)
	}
}
