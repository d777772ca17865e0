package services

import "errors"

// Error taxonomy shared by every service. Callers match with errors.Is; the
// services wrap them with context using fmt.Errorf("...: %w").
var (
	// ErrUnauthenticated means the caller's identity could not be resolved
	// (unknown guest session, missing claims). No state is created.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound means a ticket, room, message or agent does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the caller may not act on the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalid means the request is malformed.
	ErrInvalid = errors.New("invalid request")
	// ErrTransient marks failures worth retrying later (push transport down,
	// broker unavailable). Background work logs and skips these.
	ErrTransient = errors.New("transient failure")
)
