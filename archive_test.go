package nodesync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	mu    sync.Mutex
	calls int
	keys  []string
	body  []byte
	fail  int // fail this many calls before succeeding
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return nil, errors.New("connection refused")
	}
	f.keys = append(f.keys, *in.Key)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestNewAuditArchiver_Disabled(t *testing.T) {
	a, err := NewAuditArchiver(ArchiveConfig{})
	if err != nil || a != nil {
		t.Errorf("disabled config = %v, %v, want nil archiver", a, err)
	}

	if _, err := NewAuditArchiver(ArchiveConfig{Enabled: true}); err == nil {
		t.Error("enabled config without bucket should fail")
	}
}

func TestAuditArchiver_NilSafe(t *testing.T) {
	var a *AuditArchiver
	a.ArchiveSession(context.Background(), &InitialLoadSession{SessionID: "s1", StartedAt: time.Now()})
	a.ArchiveSnapshot(context.Background(), &DataSnapshot{SnapshotID: "snap", CreatedAt: time.Now()})
}

func TestAuditArchiver_ArchiveSession(t *testing.T) {
	fake := &fakePutter{}
	a := newAuditArchiver(ArchiveConfig{Enabled: true, Bucket: "audit", Prefix: "nodesync/"}, fake)

	started := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	a.ArchiveSession(context.Background(), &InitialLoadSession{
		SessionID: "sess-1", Status: StatusCompleted, StartedAt: started,
	})

	if len(fake.keys) != 1 {
		t.Fatalf("puts = %d, want 1", len(fake.keys))
	}
	if fake.keys[0] != "nodesync/sessions/2026/08/30/sess-1.json" {
		t.Errorf("key = %s", fake.keys[0])
	}
	var stored InitialLoadSession
	if err := json.Unmarshal(fake.body, &stored); err != nil {
		t.Fatalf("stored body not JSON: %v", err)
	}
	if stored.SessionID != "sess-1" || stored.Status != StatusCompleted {
		t.Errorf("stored = %+v", stored)
	}
}

func TestAuditArchiver_ArchiveSnapshotKey(t *testing.T) {
	fake := &fakePutter{}
	a := newAuditArchiver(ArchiveConfig{Enabled: true, Bucket: "audit"}, fake)

	a.ArchiveSnapshot(context.Background(), &DataSnapshot{
		SnapshotID: "snap-1",
		CreatedAt:  time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	if len(fake.keys) != 1 || !strings.HasPrefix(fake.keys[0], "snapshots/2026/01/02/") {
		t.Errorf("keys = %v", fake.keys)
	}
}

func TestAuditArchiver_RetriesTransientFailures(t *testing.T) {
	fake := &fakePutter{fail: 2}
	a := newAuditArchiver(ArchiveConfig{Enabled: true, Bucket: "audit", MaxRetries: 3}, fake)

	a.ArchiveSession(context.Background(), &InitialLoadSession{SessionID: "s1", StartedAt: time.Now()})

	if fake.calls != 3 {
		t.Errorf("calls = %d, want 3 (two transient failures then success)", fake.calls)
	}
	if len(fake.keys) != 1 {
		t.Errorf("upload never succeeded")
	}
}
