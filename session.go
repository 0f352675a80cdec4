package nodesync

import (
	"time"
)

// DefaultBatchSize is the default number of rows per transfer chunk.
const DefaultBatchSize = 1000

// SessionStatus is the state of an initial-load session.
type SessionStatus string

const (
	// StatusPreparing covers guard approval, snapshotting, and chunking.
	StatusPreparing SessionStatus = "PREPARING"
	// StatusTransferring covers the sequential chunk delivery phase.
	StatusTransferring SessionStatus = "TRANSFERRING"
	// StatusValidating covers the post-transfer validation round-trip.
	StatusValidating SessionStatus = "VALIDATING"
	// StatusCompleted is terminal: the load finished and validated.
	StatusCompleted SessionStatus = "COMPLETED"
	// StatusFailed is terminal: the load aborted with an error.
	StatusFailed SessionStatus = "FAILED"
	// StatusCancelled is terminal: an operator cancelled the load.
	StatusCancelled SessionStatus = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal sessions cannot be
// resumed; retrying means a fresh Initiate call.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SessionMetadata carries the transfer options fixed at session creation.
type SessionMetadata struct {
	SelectedTables       []string `json:"selected_tables"`
	CompressionEnabled   bool     `json:"compression_enabled"`
	EncryptionEnabled    bool     `json:"encryption_enabled"`
	BatchSize            int      `json:"batch_size"`
	ChecksumVerification bool     `json:"checksum_verification"`
}

// SessionOptions are the caller-supplied knobs for Initiate. Zero values fall
// back to defaults.
type SessionOptions struct {
	SelectedTables       []string `json:"selected_tables,omitempty"`
	CompressionEnabled   *bool    `json:"compression_enabled,omitempty"`
	EncryptionEnabled    *bool    `json:"encryption_enabled,omitempty"`
	ChecksumVerification *bool    `json:"checksum_verification,omitempty"`
	BatchSize            int      `json:"batch_size,omitempty"`
}

// DefaultSessionOptions returns options matching the session defaults: full
// table list, compression, encryption, and checksum verification enabled,
// default batch size.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{}
}

// metadata resolves options into the fixed session metadata.
func (o SessionOptions) metadata() SessionMetadata {
	m := SessionMetadata{
		SelectedTables:       o.SelectedTables,
		CompressionEnabled:   true,
		EncryptionEnabled:    true,
		ChecksumVerification: true,
		BatchSize:            o.BatchSize,
	}
	if len(m.SelectedTables) == 0 {
		m.SelectedTables = append([]string(nil), ReplicableTables...)
	}
	if o.CompressionEnabled != nil {
		m.CompressionEnabled = *o.CompressionEnabled
	}
	if o.EncryptionEnabled != nil {
		m.EncryptionEnabled = *o.EncryptionEnabled
	}
	if o.ChecksumVerification != nil {
		m.ChecksumVerification = *o.ChecksumVerification
	}
	if m.BatchSize <= 0 {
		m.BatchSize = DefaultBatchSize
	}
	return m
}

// InitialLoadSession is the stateful, auditable record of one initial-load
// transfer between two nodes. It is exclusively owned by the orchestrator
// goroutine executing it and persisted after every phase transition.
type InitialLoadSession struct {
	SessionID    string        `json:"session_id"`
	SourceNodeID string        `json:"source_node_id"`
	TargetNodeID string        `json:"target_node_id"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Status       SessionStatus `json:"status"`

	// Progress runs 0-100 and is monotonically non-decreasing except when
	// the session fails or is cancelled.
	Progress    int    `json:"progress"`
	CurrentStep string `json:"current_step"`

	TotalRecords       int64 `json:"total_records"`
	TransferredRecords int64 `json:"transferred_records"`
	TransferredBytes   int64 `json:"transferred_bytes"`

	// EstimatedRemainingMs is a linear extrapolation of elapsed time over
	// the progress ratio.
	EstimatedRemainingMs int64 `json:"estimated_time_remaining_ms"`

	ErrorMessage string          `json:"error_message,omitempty"`
	Metadata     SessionMetadata `json:"metadata"`
}

// clone returns a copy safe to hand to callers while the owning goroutine
// keeps mutating the original.
func (s *InitialLoadSession) clone() *InitialLoadSession {
	c := *s
	c.Metadata.SelectedTables = append([]string(nil), s.Metadata.SelectedTables...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// advance moves progress forward, never backward, and refreshes the
// time-remaining estimate.
func (s *InitialLoadSession) advance(progress int, step string) {
	if progress > s.Progress {
		s.Progress = progress
	}
	if s.Progress > 100 {
		s.Progress = 100
	}
	s.CurrentStep = step
	s.EstimatedRemainingMs = estimateRemaining(s.StartedAt, s.Progress)
}

// estimateRemaining extrapolates remaining time from elapsed time and the
// progress ratio.
func estimateRemaining(start time.Time, progress int) int64 {
	if progress <= 0 || progress >= 100 {
		return 0
	}
	elapsed := time.Since(start)
	total := float64(elapsed) / (float64(progress) / 100.0)
	remaining := time.Duration(total) - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining.Milliseconds()
}
