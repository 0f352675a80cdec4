package nodesync

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// PeerConfig describes one known peer node in the configuration file.
type PeerConfig struct {
	NodeID        string `json:"node_id" yaml:"node_id"`
	Address       string `json:"address" yaml:"address"`
	SchemaVersion string `json:"schema_version" yaml:"schema_version"`
	SchemaHash    string `json:"schema_hash" yaml:"schema_hash"`
}

// NodeConfig is the top-level configuration for a sync node.
type NodeConfig struct {
	// NodeID identifies this node to its peers. Required.
	NodeID string `json:"node_id" yaml:"node_id"`

	// DataPath is the SQLite database file holding business data.
	// Default: nodesync.db
	DataPath string `json:"data_path" yaml:"data_path"`

	// RegistrationSecret is the shared secret bearer tokens are derived
	// from. Every node in a deployment must use the same secret. Required.
	RegistrationSecret string `json:"registration_secret" yaml:"registration_secret"`

	// SchemaVersion and SchemaHash describe the local schema advertised
	// to peers and checked by the compatibility guard.
	SchemaVersion string `json:"schema_version" yaml:"schema_version"`
	SchemaHash    string `json:"schema_hash" yaml:"schema_hash"`

	// Peers lists the known peer nodes.
	Peers []PeerConfig `json:"peers" yaml:"peers"`

	Server   SyncServerConfig   `json:"server" yaml:"server"`
	Guard    GuardConfig        `json:"guard" yaml:"guard"`
	Transfer TransferConfig     `json:"transfer" yaml:"transfer"`
	Receiver ReceiverConfig     `json:"receiver" yaml:"receiver"`
	Session  OrchestratorConfig `json:"session" yaml:"session"`
	Archive  ArchiveConfig      `json:"archive" yaml:"archive"`
}

// DefaultNodeConfig returns a configuration with sensible defaults. NodeID
// and RegistrationSecret must still be supplied.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		DataPath:      "nodesync.db",
		SchemaVersion: "1.0.0",
		Server:        DefaultSyncServerConfig(),
		Guard:         DefaultGuardConfig(SchemaDescriptor{}),
		Transfer:      DefaultTransferConfig(),
		Receiver:      DefaultReceiverConfig(),
	}
}

// LoadNodeConfig reads a YAML configuration file and validates it.
func LoadNodeConfig(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks required fields and peer entries.
func (c NodeConfig) Validate() error {
	if c.NodeID == "" {
		return newSyncError(SyncErrorTypeValidation, "node_id is required", "", nil)
	}
	if c.RegistrationSecret == "" {
		return newSyncError(SyncErrorTypeValidation, "registration_secret is required", "", nil)
	}
	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.NodeID == "" || p.Address == "" {
			return newSyncError(SyncErrorTypeValidation,
				fmt.Sprintf("peer %d: node_id and address are required", i), "", nil)
		}
		if p.NodeID == c.NodeID {
			return newSyncError(SyncErrorTypeValidation,
				fmt.Sprintf("peer %q duplicates the local node id", p.NodeID), "", nil)
		}
		if seen[p.NodeID] {
			return newSyncError(SyncErrorTypeValidation,
				fmt.Sprintf("duplicate peer %q", p.NodeID), "", nil)
		}
		seen[p.NodeID] = true
	}
	return nil
}

// LocalSchema returns the schema descriptor this node advertises.
func (c NodeConfig) LocalSchema() SchemaDescriptor {
	return SchemaDescriptor{Version: c.SchemaVersion, Hash: c.SchemaHash}
}

// parseConfigDuration accepts Go duration strings ("30s", "250ms") and bare
// integers, which are taken as nanoseconds.
func parseConfigDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n), nil
	}
	return time.ParseDuration(s)
}

// decodeDuration overwrites dst only when the file supplies a value, so
// defaults survive partial sections.
func decodeDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := parseConfigDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*dst = d
	return nil
}

// UnmarshalYAML decodes durations from human-readable strings.
func (c *TransferConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Timeout      string `yaml:"timeout"`
		ChunkRetries *int   `yaml:"chunk_retries"`
		RetryBackoff string `yaml:"retry_backoff"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.ChunkRetries != nil {
		c.ChunkRetries = *raw.ChunkRetries
	}
	if err := decodeDuration(&c.Timeout, raw.Timeout); err != nil {
		return err
	}
	return decodeDuration(&c.RetryBackoff, raw.RetryBackoff)
}

// UnmarshalYAML decodes durations from human-readable strings.
func (c *ReceiverConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		SkipChunkChecksums *bool  `yaml:"skip_chunk_checksums"`
		SessionTTL         string `yaml:"session_ttl"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.SkipChunkChecksums != nil {
		c.SkipChunkChecksums = *raw.SkipChunkChecksums
	}
	return decodeDuration(&c.SessionTTL, raw.SessionTTL)
}

// UnmarshalYAML decodes durations from human-readable strings.
func (c *SyncServerConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		ListenAddr   string `yaml:"listen_addr"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.ListenAddr != "" {
		c.ListenAddr = raw.ListenAddr
	}
	if err := decodeDuration(&c.ReadTimeout, raw.ReadTimeout); err != nil {
		return err
	}
	return decodeDuration(&c.WriteTimeout, raw.WriteTimeout)
}

// UnmarshalYAML decodes durations from human-readable strings. The node id is
// always taken from the top-level config, never from this section.
func (c *OrchestratorConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		ValidateTimeout string `yaml:"validate_timeout"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return decodeDuration(&c.ValidateTimeout, raw.ValidateTimeout)
}

// PeerDirectory builds a directory from the configured peers. Each peer
// gets the bearer token derived from the shared registration secret.
func (c NodeConfig) PeerDirectory() *StaticPeerDirectory {
	token := DeriveToken(c.RegistrationSecret)
	peers := make([]PeerDescriptor, 0, len(c.Peers))
	for _, p := range c.Peers {
		peers = append(peers, PeerDescriptor{
			NodeID:        p.NodeID,
			Address:       p.Address,
			SchemaVersion: p.SchemaVersion,
			SchemaHash:    p.SchemaHash,
			AuthToken:     token,
		})
	}
	return NewStaticPeerDirectory(peers...)
}
