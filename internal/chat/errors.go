package chat

import "errors"

// Core error taxonomy. Callers match with errors.Is; lower layers wrap these
// with fmt.Errorf("...: %w", ...) to add call-site detail.
var (
	// ErrHistoryUnavailable is returned after both the primary and the
	// fallback history fetch shapes have failed.
	ErrHistoryUnavailable = errors.New("history unavailable")

	// ErrSendFailed is returned when a send acknowledgement fails; the
	// optimistic entry has already been rolled back when callers see it.
	ErrSendFailed = errors.New("send failed")

	// ErrSearchFailed is returned when a user search call fails.
	ErrSearchFailed = errors.New("search failed")
)
