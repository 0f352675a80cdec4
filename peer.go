package nodesync

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// PeerDescriptor is the canonical description of a remote node. Older node
// versions report these fields under different names on the wire; callers must
// normalize through NormalizePeerInfo before the descriptor enters any
// decision logic.
type PeerDescriptor struct {
	NodeID        string `json:"node_id"`
	Address       string `json:"address"`
	SchemaVersion string `json:"schema_version"`
	SchemaHash    string `json:"schema_hash"`
	// AuthToken is the bearer token expected by the peer, derived from the
	// shared registration secret. Never logged.
	AuthToken string `json:"-"`
}

// SchemaDescriptor is the version/hash pair a node declares for its schema.
type SchemaDescriptor struct {
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// Schema returns the peer's declared schema descriptor.
func (p PeerDescriptor) Schema() SchemaDescriptor {
	return SchemaDescriptor{Version: p.SchemaVersion, Hash: p.SchemaHash}
}

// Field aliases reported by older node versions. Normalization happens once,
// here; nothing downstream branches on naming variants.
var (
	peerNodeIDKeys  = []string{"node_id", "nodeId", "id"}
	peerAddressKeys = []string{"address", "addr", "endpoint", "url"}
	peerVersionKeys = []string{"schema_version", "schemaVersion", "version", "dbVersion"}
	peerHashKeys    = []string{"schema_hash", "schemaHash", "hash", "schemaChecksum"}
)

// NormalizePeerInfo folds a raw peer document (as decoded from JSON) into the
// canonical PeerDescriptor. A descriptor without a node id or a schema version
// is malformed.
func NormalizePeerInfo(raw map[string]any) (PeerDescriptor, error) {
	if raw == nil {
		return PeerDescriptor{}, errors.New("peer info is nil")
	}

	pick := func(keys []string) string {
		for _, k := range keys {
			if v, ok := raw[k]; ok {
				switch s := v.(type) {
				case string:
					if s != "" {
						return s
					}
				case float64:
					return strconv.FormatFloat(s, 'f', -1, 64)
				}
			}
		}
		return ""
	}

	p := PeerDescriptor{
		NodeID:        pick(peerNodeIDKeys),
		Address:       pick(peerAddressKeys),
		SchemaVersion: pick(peerVersionKeys),
		SchemaHash:    pick(peerHashKeys),
	}

	if p.NodeID == "" {
		return PeerDescriptor{}, errors.New("peer info has no node id")
	}
	if p.SchemaVersion == "" {
		return PeerDescriptor{}, fmt.Errorf("peer %s declares no schema version", p.NodeID)
	}
	return p, nil
}

// PeerDirectory maintains known peers. It is an external collaborator of the
// replication core; StaticPeerDirectory is the in-process implementation used
// by the CLI and tests.
type PeerDirectory interface {
	ListPeers() []PeerDescriptor
	GetPeer(nodeID string) (PeerDescriptor, bool)
}

// StaticPeerDirectory is a PeerDirectory backed by an in-memory map.
type StaticPeerDirectory struct {
	mu    sync.RWMutex
	peers map[string]PeerDescriptor
}

// NewStaticPeerDirectory creates a directory from an initial peer list.
func NewStaticPeerDirectory(peers ...PeerDescriptor) *StaticPeerDirectory {
	d := &StaticPeerDirectory{peers: make(map[string]PeerDescriptor, len(peers))}
	for _, p := range peers {
		d.peers[p.NodeID] = p
	}
	return d
}

// Put adds or replaces a peer.
func (d *StaticPeerDirectory) Put(p PeerDescriptor) {
	d.mu.Lock()
	d.peers[p.NodeID] = p
	d.mu.Unlock()
}

// GetPeer returns the peer with the given node id.
func (d *StaticPeerDirectory) GetPeer(nodeID string) (PeerDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[nodeID]
	return p, ok
}

// ListPeers returns all known peers sorted by node id.
func (d *StaticPeerDirectory) ListPeers() []PeerDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PeerDescriptor, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// CompatVerdict classifies two schemas relative to each other.
type CompatVerdict int

const (
	// CompatIdentical means version and hash match exactly.
	CompatIdentical CompatVerdict = iota
	// CompatCompatible means the schemas differ but may exchange records.
	CompatCompatible
	// CompatIncompatible means no data may move between the nodes.
	CompatIncompatible
)

// String returns the string representation of the verdict.
func (v CompatVerdict) String() string {
	switch v {
	case CompatIdentical:
		return "identical"
	case CompatCompatible:
		return "compatible"
	default:
		return "incompatible"
	}
}

// CompatResult is the Version Manager's answer for a local/remote schema pair.
type CompatResult struct {
	Verdict CompatVerdict `json:"verdict"`
	Reason  string        `json:"reason"`
}

// VersionManager decides whether two schema descriptors may exchange data.
// The replication core consumes this interface; SemverVersionManager is the
// default implementation.
type VersionManager interface {
	CheckCompatibility(local, remote SchemaDescriptor) (CompatResult, error)
}

// SemverVersionManager compares dotted version strings: identical when
// version and hash match, compatible when the major components match,
// incompatible otherwise.
type SemverVersionManager struct{}

// CheckCompatibility implements VersionManager.
func (SemverVersionManager) CheckCompatibility(local, remote SchemaDescriptor) (CompatResult, error) {
	if remote.Version == "" {
		return CompatResult{}, errors.New("remote schema version is empty")
	}
	if local.Version == remote.Version && (remote.Hash == "" || local.Hash == remote.Hash) {
		return CompatResult{Verdict: CompatIdentical, Reason: "schema versions identical"}, nil
	}
	if local.Version == remote.Version {
		return CompatResult{
			Verdict: CompatIncompatible,
			Reason:  fmt.Sprintf("schema hash mismatch for version %s", local.Version),
		}, nil
	}
	if majorOf(local.Version) == majorOf(remote.Version) {
		return CompatResult{
			Verdict: CompatCompatible,
			Reason:  fmt.Sprintf("versions %s and %s share a major version", local.Version, remote.Version),
		}, nil
	}
	return CompatResult{
		Verdict: CompatIncompatible,
		Reason:  fmt.Sprintf("major version mismatch: local %s, remote %s", local.Version, remote.Version),
	}, nil
}

func majorOf(version string) string {
	version = strings.TrimPrefix(version, "v")
	if i := strings.IndexByte(version, '.'); i > 0 {
		return version[:i]
	}
	return version
}
