package nodesync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the nodesync package.
var (
	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionConflict is returned when a non-terminal session already
	// exists for the same source/target node pair.
	ErrSessionConflict = errors.New("active session already exists for node pair")

	// ErrSessionTerminal is returned when an operation requires a live
	// session but the session has already reached a terminal state.
	ErrSessionTerminal = errors.New("session is terminal")

	// ErrCompatibilityBlocked is returned when the schema compatibility
	// guard rejects a sync attempt.
	ErrCompatibilityBlocked = errors.New("sync blocked by schema compatibility guard")

	// ErrChecksumMismatch is returned when post-transfer validation fails.
	ErrChecksumMismatch = errors.New("transfer checksum mismatch")

	// ErrUnauthorized is returned for missing or invalid bearer tokens.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPersistenceDegraded is returned when the durable session store is
	// unavailable and the node is running with in-memory sessions only.
	ErrPersistenceDegraded = errors.New("session persistence degraded")

	// ErrSequenceGap is returned when a received chunk skips ahead of the
	// expected sequence number for its table.
	ErrSequenceGap = errors.New("chunk sequence gap")
)

// SyncErrorType categorizes replication errors.
type SyncErrorType int

const (
	// SyncErrorTypeUnknown is an unclassified error.
	SyncErrorTypeUnknown SyncErrorType = iota
	// SyncErrorTypeValidation indicates bad caller input or options.
	SyncErrorTypeValidation
	// SyncErrorTypeAuth indicates a missing or invalid bearer token.
	SyncErrorTypeAuth
	// SyncErrorTypeCompatibility indicates the fail-closed schema gate rejected the attempt.
	SyncErrorTypeCompatibility
	// SyncErrorTypeTransport indicates a network failure talking to a peer.
	SyncErrorTypeTransport
	// SyncErrorTypeChecksum indicates post-transfer validation failed.
	SyncErrorTypeChecksum
	// SyncErrorTypePersistence indicates the session store is degraded.
	SyncErrorTypePersistence
	// SyncErrorTypeCancelled indicates an operator cancelled the session.
	SyncErrorTypeCancelled
)

// String returns the string representation of the error type.
func (t SyncErrorType) String() string {
	switch t {
	case SyncErrorTypeValidation:
		return "validation"
	case SyncErrorTypeAuth:
		return "auth"
	case SyncErrorTypeCompatibility:
		return "compatibility"
	case SyncErrorTypeTransport:
		return "transport"
	case SyncErrorTypeChecksum:
		return "checksum"
	case SyncErrorTypePersistence:
		return "persistence"
	case SyncErrorTypeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// SyncError provides detailed information about replication failures.
type SyncError struct {
	Type    SyncErrorType
	Message string
	Session string
	Cause   error
}

func (e *SyncError) Error() string {
	if e.Session != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [session %s]: %v", e.Message, e.Session, e.Cause)
		}
		return fmt.Sprintf("%s [session %s]", e.Message, e.Session)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	switch e.Type {
	case SyncErrorTypeCompatibility:
		return target == ErrCompatibilityBlocked
	case SyncErrorTypeChecksum:
		return target == ErrChecksumMismatch
	case SyncErrorTypeAuth:
		return target == ErrUnauthorized
	case SyncErrorTypePersistence:
		return target == ErrPersistenceDegraded
	}
	return false
}

// newSyncError creates a new SyncError.
func newSyncError(errType SyncErrorType, message, sessionID string, cause error) *SyncError {
	return &SyncError{
		Type:    errType,
		Message: message,
		Session: sessionID,
		Cause:   cause,
	}
}
