package nodesync

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// GuardConfig configures the schema compatibility guard.
type GuardConfig struct {
	// LocalSchema is this node's declared schema descriptor.
	LocalSchema SchemaDescriptor `json:"local_schema" yaml:"local_schema"`

	// MaxAttempts bounds the audit log; oldest entries are evicted first.
	// Default: 200
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// AllowCompatible permits transfers between compatible (not identical)
	// schemas. Identical schemas are always allowed.
	AllowCompatible bool `json:"allow_compatible" yaml:"allow_compatible"`
}

// DefaultGuardConfig returns default guard configuration.
func DefaultGuardConfig(local SchemaDescriptor) GuardConfig {
	return GuardConfig{
		LocalSchema:     local,
		MaxAttempts:     200,
		AllowCompatible: true,
	}
}

// SyncAttempt is one audited guard evaluation. Attempts live in a bounded
// ring owned by the guard; they are never mutated after append.
type SyncAttempt struct {
	RemoteNodeID  string    `json:"remote_node_id"`
	RemoteAddress string    `json:"remote_address,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Allowed       bool      `json:"allowed"`
	Reason        string    `json:"reason"`
	LocalVersion  string    `json:"local_version"`
	RemoteVersion string    `json:"remote_version"`
}

// GuardDecision is the outcome of one evaluation.
type GuardDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Peer    PeerDescriptor
}

// GuardStats summarizes the attempt log.
type GuardStats struct {
	Total       int     `json:"total"`
	Allowed     int     `json:"allowed"`
	Blocked     int     `json:"blocked"`
	SuccessRate float64 `json:"success_rate"`
}

// NodeIssue is the latest blocked attempt for one remote node.
type NodeIssue struct {
	RemoteNodeID  string    `json:"remote_node_id"`
	Reason        string    `json:"reason"`
	RemoteVersion string    `json:"remote_version"`
	LastSeen      time.Time `json:"last_seen"`
}

// ReasonCount is a block reason with its frequency.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// GuardIssues groups blocked attempts for operational diagnosis.
type GuardIssues struct {
	// Nodes holds the latest attempt per remote node that is currently blocked.
	Nodes []NodeIssue `json:"nodes"`
	// Reasons holds block reasons sorted by frequency, highest first.
	Reasons []ReasonCount `json:"reasons"`
}

// CompatGuard is the single choke point every sync attempt passes through
// before any data moves. It normalizes heterogeneous peer descriptors,
// delegates the verdict to the VersionManager, and fails closed: any error
// during evaluation records the attempt as blocked, never allowed.
type CompatGuard struct {
	cfg      GuardConfig
	versions VersionManager

	mu       sync.Mutex
	attempts []SyncAttempt
}

// NewCompatGuard creates a guard around the given version manager.
func NewCompatGuard(cfg GuardConfig, versions VersionManager) *CompatGuard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 200
	}
	if versions == nil {
		versions = SemverVersionManager{}
	}
	return &CompatGuard{cfg: cfg, versions: versions}
}

// Evaluate decides whether data may move to or from the described peer. The
// raw document is normalized first; the attempt is appended to the audit log
// whether it succeeds or not.
func (g *CompatGuard) Evaluate(raw map[string]any) GuardDecision {
	peer, err := NormalizePeerInfo(raw)
	if err != nil {
		return g.record(peer, false, fmt.Sprintf("malformed peer descriptor: %v", err))
	}
	return g.EvaluatePeer(peer)
}

// EvaluatePeer decides for an already-canonical descriptor.
func (g *CompatGuard) EvaluatePeer(peer PeerDescriptor) (decision GuardDecision) {
	// The version manager is a collaborator; a panic inside it must still
	// fail closed rather than escape mid-evaluation.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("compatibility evaluation panicked", "remote", peer.NodeID, "panic", r)
			decision = g.record(peer, false, fmt.Sprintf("evaluation error: %v", r))
		}
	}()

	result, err := g.versions.CheckCompatibility(g.cfg.LocalSchema, peer.Schema())
	if err != nil {
		return g.record(peer, false, fmt.Sprintf("evaluation error: %v", err))
	}

	switch result.Verdict {
	case CompatIdentical:
		return g.record(peer, true, result.Reason)
	case CompatCompatible:
		if g.cfg.AllowCompatible {
			return g.record(peer, true, result.Reason)
		}
		return g.record(peer, false, "compatible schemas rejected by policy: "+result.Reason)
	default:
		return g.record(peer, false, result.Reason)
	}
}

// record appends the attempt under the guard's single serialization point so
// ordering stays consistent under concurrent evaluations.
func (g *CompatGuard) record(peer PeerDescriptor, allowed bool, reason string) GuardDecision {
	attempt := SyncAttempt{
		RemoteNodeID:  peer.NodeID,
		RemoteAddress: peer.Address,
		Timestamp:     time.Now(),
		Allowed:       allowed,
		Reason:        reason,
		LocalVersion:  g.cfg.LocalSchema.Version,
		RemoteVersion: peer.SchemaVersion,
	}

	g.mu.Lock()
	g.attempts = append(g.attempts, attempt)
	if len(g.attempts) > g.cfg.MaxAttempts {
		g.attempts = g.attempts[len(g.attempts)-g.cfg.MaxAttempts:]
	}
	g.mu.Unlock()

	if !allowed {
		slog.Warn("sync attempt blocked", "remote", peer.NodeID, "reason", reason)
	}
	return GuardDecision{Allowed: allowed, Reason: reason, Peer: peer}
}

// History returns the attempt log, most recent first.
func (g *CompatGuard) History() []SyncAttempt {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]SyncAttempt, len(g.attempts))
	for i, a := range g.attempts {
		out[len(g.attempts)-1-i] = a
	}
	return out
}

// Stats returns aggregate counts over the attempt log.
func (g *CompatGuard) Stats() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := GuardStats{Total: len(g.attempts)}
	for _, a := range g.attempts {
		if a.Allowed {
			s.Allowed++
		} else {
			s.Blocked++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Allowed) / float64(s.Total)
	}
	return s
}

// IssuesSummary groups blocked attempts by remote node (latest attempt wins)
// and by reason, sorted by frequency.
func (g *CompatGuard) IssuesSummary() GuardIssues {
	g.mu.Lock()
	defer g.mu.Unlock()

	latest := make(map[string]SyncAttempt)
	reasons := make(map[string]int)
	for _, a := range g.attempts {
		latest[a.RemoteNodeID] = a
		if !a.Allowed {
			reasons[a.Reason]++
		}
	}

	var issues GuardIssues
	for _, a := range latest {
		if a.Allowed {
			continue
		}
		issues.Nodes = append(issues.Nodes, NodeIssue{
			RemoteNodeID:  a.RemoteNodeID,
			Reason:        a.Reason,
			RemoteVersion: a.RemoteVersion,
			LastSeen:      a.Timestamp,
		})
	}
	sort.Slice(issues.Nodes, func(i, j int) bool {
		return issues.Nodes[i].RemoteNodeID < issues.Nodes[j].RemoteNodeID
	})

	for r, c := range reasons {
		issues.Reasons = append(issues.Reasons, ReasonCount{Reason: r, Count: c})
	}
	sort.Slice(issues.Reasons, func(i, j int) bool {
		if issues.Reasons[i].Count != issues.Reasons[j].Count {
			return issues.Reasons[i].Count > issues.Reasons[j].Count
		}
		return issues.Reasons[i].Reason < issues.Reasons[j].Reason
	})

	return issues
}
