// Package config loads the node's JSON configuration file (spec §6) and
// fills in documented defaults for anything the file omits.
package config

import (
	"encoding/json"
	"os"
	"time"
)

type ServerConfig struct {
	APIHost string `json:"api_host"`
	APIPort uint16 `json:"api_port"`
	WSHost  string `json:"ws_host"`
	WSPort  uint16 `json:"ws_port"`
}

type NetworkConfig struct {
	PeerIDSeed         *string  `json:"peer_id_seed"`
	BootstrapNodes     []string `json:"bootstrap_nodes"`
	ListenAddresses    []string `json:"listen_addresses"`
	ExternalAddresses  []string `json:"external_addresses"`
	EnableMDNS         bool     `json:"enable_mdns"`
	EnableKad          bool     `json:"enable_kad"`
}

type StorageConfig struct {
	DocumentsPath            string `json:"documents_path"`
	MaxDocumentSizeMB        uint32 `json:"max_document_size_mb"`
	EnableAutosave           bool   `json:"enable_autosave"`
	AutosaveIntervalSeconds  uint32 `json:"autosave_interval_seconds"`
}

type Config struct {
	Server  ServerConfig  `json:"server"`
	Network NetworkConfig `json:"network"`
	Storage StorageConfig `json:"storage"`
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			APIHost: "0.0.0.0",
			APIPort: 8080,
			WSHost:  "0.0.0.0",
			WSPort:  8081,
		},
		Network: NetworkConfig{
			BootstrapNodes:    nil,
			ListenAddresses:   []string{"/ip4/0.0.0.0/tcp/4001"},
			ExternalAddresses: nil,
			EnableMDNS:        true,
			EnableKad:         true,
		},
		Storage: StorageConfig{
			DocumentsPath:           "./data/documents",
			MaxDocumentSizeMB:       32,
			EnableAutosave:          true,
			AutosaveIntervalSeconds: 60,
		},
	}
}

// Load reads the config file at path, merging it over Default(). Unknown
// keys are silently ignored by json.Unmarshal; missing keys keep their
// default value because decoding happens into an already-populated struct.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AutosaveInterval returns the autosave interval as a time.Duration.
func (c *StorageConfig) AutosaveInterval() time.Duration {
	return time.Duration(c.AutosaveIntervalSeconds) * time.Second
}

const (
	// LivenessWindow is the default peer idle window before pruning (§4.6).
	LivenessWindow = 5 * time.Minute
	// RequestTimeout is the default transport request/response timeout (§4.5, §5).
	RequestTimeout = 10 * time.Second
	// AuthTimeout is the window a session has to authenticate (§5).
	AuthTimeout = 30 * time.Second
	// HeartbeatInterval is how often Heartbeat frames are sent (§4.3, §5).
	HeartbeatInterval = 15 * time.Second
	// OutboundQueueCapacity bounds a session's outbound frame queue (§5).
	OutboundQueueCapacity = 256
	// PublishTimeout bounds how long a publish waits on a full internal queue (§5).
	PublishTimeout = 1 * time.Second
)
