package nodesync

import (
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

func TestSessionOptions_MetadataDefaults(t *testing.T) {
	m := DefaultSessionOptions().metadata()

	if len(m.SelectedTables) != len(ReplicableTables) {
		t.Errorf("selected tables = %d, want full allow-list %d", len(m.SelectedTables), len(ReplicableTables))
	}
	if !m.CompressionEnabled || !m.EncryptionEnabled || !m.ChecksumVerification {
		t.Errorf("flags = %v/%v/%v, want all true by default",
			m.CompressionEnabled, m.EncryptionEnabled, m.ChecksumVerification)
	}
	if m.BatchSize != DefaultBatchSize {
		t.Errorf("batch size = %d, want %d", m.BatchSize, DefaultBatchSize)
	}
}

func TestSessionOptions_MetadataOverrides(t *testing.T) {
	m := SessionOptions{
		SelectedTables:       []string{"customers"},
		CompressionEnabled:   boolPtr(false),
		ChecksumVerification: boolPtr(false),
		BatchSize:            250,
	}.metadata()

	if len(m.SelectedTables) != 1 || m.SelectedTables[0] != "customers" {
		t.Errorf("selected tables = %v", m.SelectedTables)
	}
	if m.CompressionEnabled {
		t.Error("compression should be disabled")
	}
	if !m.EncryptionEnabled {
		t.Error("encryption default should survive partial overrides")
	}
	if m.ChecksumVerification {
		t.Error("checksum verification should be disabled")
	}
	if m.BatchSize != 250 {
		t.Errorf("batch size = %d, want 250", m.BatchSize)
	}
}

func TestSessionStatus_Terminal(t *testing.T) {
	tests := []struct {
		status SessionStatus
		want   bool
	}{
		{StatusPreparing, false},
		{StatusTransferring, false},
		{StatusValidating, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSession_AdvanceMonotone(t *testing.T) {
	sess := &InitialLoadSession{StartedAt: time.Now().Add(-time.Second)}

	sess.advance(20, "chunking")
	if sess.Progress != 20 {
		t.Errorf("progress = %d, want 20", sess.Progress)
	}
	sess.advance(10, "stale update")
	if sess.Progress != 20 {
		t.Errorf("progress regressed to %d", sess.Progress)
	}
	if sess.CurrentStep != "stale update" {
		t.Errorf("step = %q, step labels still update", sess.CurrentStep)
	}
	sess.advance(150, "overflow")
	if sess.Progress != 100 {
		t.Errorf("progress = %d, want capped at 100", sess.Progress)
	}
}

func TestEstimateRemaining(t *testing.T) {
	start := time.Now().Add(-time.Second)

	if got := estimateRemaining(start, 0); got != 0 {
		t.Errorf("at 0%% = %d, want 0", got)
	}
	if got := estimateRemaining(start, 100); got != 0 {
		t.Errorf("at 100%% = %d, want 0", got)
	}

	// 1s elapsed at 25% extrapolates to ~3s remaining.
	got := estimateRemaining(start, 25)
	if got < 2500 || got > 3500 {
		t.Errorf("at 25%% after 1s = %dms, want ~3000ms", got)
	}
}

func TestSession_CloneIsolation(t *testing.T) {
	now := time.Now()
	sess := &InitialLoadSession{
		SessionID:   "s1",
		CompletedAt: &now,
		Metadata:    SessionMetadata{SelectedTables: []string{"customers"}},
	}

	c := sess.clone()
	c.Metadata.SelectedTables[0] = "mutated"
	*c.CompletedAt = now.Add(time.Hour)

	if sess.Metadata.SelectedTables[0] != "customers" {
		t.Error("clone shares the selected tables slice")
	}
	if !sess.CompletedAt.Equal(now) {
		t.Error("clone shares the completion timestamp")
	}
}
