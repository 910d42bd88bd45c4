package translate

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var (
	// ErrRateLimited matches rate-limit failures, retried or exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrMalformedResponse matches empty or unparsable provider replies.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrConfiguration matches settings problems found before dispatch.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransport matches network, spawn and timeout failures.
	ErrTransport = errors.New("transport error")
	// ErrCancelled marks work skipped or stopped by a cancel request.
	ErrCancelled = errors.New("cancelled")
)

// Kind classifies an error for run summaries.
type Kind string

const (
	KindNone              Kind = ""
	KindRateLimited       Kind = "rate-limited"
	KindMalformedResponse Kind = "malformed-response"
	KindConfiguration     Kind = "configuration"
	KindTransport         Kind = "transport"
	KindCancelled         Kind = "cancelled"
	KindOther             Kind = "other"
)

// Classify maps err onto the error taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformedResponse
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return KindTransport
	}
	return KindOther
}

// IsRateLimit reports whether err is a rate-limit failure.
func IsRateLimit(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// RateLimitError reports HTTP 429 replies that outlasted the retry budget.
type RateLimitError struct {
	Attempts   int
	RetryAfter time.Duration
	Detail     string
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("rate limit exhausted after %d attempt(s)", e.Attempts)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Reasons carried by MalformedResponseError.
const (
	ReasonEmpty  = "empty response (likely truncated because the batch is too large; reduce the chunk size)"
	ReasonNoJSON = "no valid JSON in response"
)

// MalformedResponseError reports a reply that yielded no usable mapping.
type MalformedResponseError struct {
	Reason  string
	Snippet string
}

func (e *MalformedResponseError) Error() string {
	if e.Snippet == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Snippet)
}

func (e *MalformedResponseError) Unwrap() error { return ErrMalformedResponse }

// ConfigError reports a missing or invalid setting.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

func (e *ConfigError) Unwrap() error { return e.Err }

// TransportError reports a dispatch that did not produce a usable reply.
// Status is the HTTP (or mapped process) status when one was received.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Err }

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
