// Package apperrors holds the typed errors the relay core surfaces to callers.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrIdentityUnresolved means no usable phone or group key was found
	ErrIdentityUnresolved = errors.New("identity unresolved")
	// ErrThreadNotFound is returned for unknown thread ids
	ErrThreadNotFound = errors.New("thread not found")
	// ErrRecipientBlocked is returned when staff try to send to a blocked number
	ErrRecipientBlocked = errors.New("recipient is blocked")
	// ErrInvalidInput wraps malformed requests
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoLine means no official line is available for the primary path
	ErrNoLine = errors.New("no whatsapp line configured")
)

// InvalidQueueTransitionError is a rejected queue or status change
type InvalidQueueTransitionError struct {
	ThreadID uint
	From     string
	To       string
	Reason   string
}

func (e *InvalidQueueTransitionError) Error() string {
	msg := fmt.Sprintf("thread %d cannot move from %s to %s", e.ThreadID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// NewInvalidQueueTransition builds an InvalidQueueTransitionError
func NewInvalidQueueTransition(threadID uint, from, to, reason string) error {
	return &InvalidQueueTransitionError{ThreadID: threadID, From: from, To: to, Reason: reason}
}

// Rate limit scopes
const (
	ScopeLine     = "line"
	ScopeNumber   = "number"
	ScopeCampaign = "campaign"
)

// RateLimitedError is a limiter rejection. Callers must not retry on their own.
type RateLimitedError struct {
	Scope      string
	Key        string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s limit of %d sends per %s reached for %s; wait %s and try again",
		e.Scope, e.Limit, HumanizeDuration(e.Window), e.Key, HumanizeDuration(e.RetryAfter))
}

// QuotaExhaustedError means every gateway in the thread's family is over quota
type QuotaExhaustedError struct {
	Family     string
	Candidates []string
}

func (e *QuotaExhaustedError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("no enabled gateway for family %q; use another channel", e.Family)
	}
	return fmt.Sprintf("daily quota reached on gateways %s (family %q); wait or use another channel",
		strings.Join(e.Candidates, ", "), e.Family)
}

// Attempt records one gateway call made by the dispatch router
type Attempt struct {
	Slug       string `json:"slug"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
}

// DispatchFailedError aggregates the failures of every attempted gateway
type DispatchFailedError struct {
	Attempts  []Attempt
	LastError string
}

func (e *DispatchFailedError) Error() string {
	if e.LastError == "" {
		return "dispatch failed on every gateway"
	}
	return "dispatch failed: " + e.LastError
}

// HumanizeDuration renders a wait time the way staff read it, e.g.
// "1 hour and 5 minutes" or "40 seconds".
func HumanizeDuration(d time.Duration) string {
	seconds := int(d.Round(time.Second) / time.Second)
	if seconds <= 0 {
		return "a few seconds"
	}
	if seconds < 60 {
		return plural(seconds, "second")
	}

	minutes := seconds / 60
	remSeconds := seconds % 60
	if minutes < 60 {
		label := plural(minutes, "minute")
		if remSeconds > 0 {
			label += " and " + fmt.Sprintf("%ds", remSeconds)
		}
		return label
	}

	hours := minutes / 60
	remMinutes := minutes % 60
	parts := []string{plural(hours, "hour")}
	if remMinutes > 0 {
		parts = append(parts, plural(remMinutes, "minute"))
	}
	if remSeconds > 0 {
		parts = append(parts, fmt.Sprintf("%ds", remSeconds))
	}
	return strings.Join(parts, " and ")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
