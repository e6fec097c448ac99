package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"statechannels/core/protocol"
	"statechannels/core/types"
)

// Defaults applied to fields left empty in the file.
const (
	DefaultListenAddress      = ":8545"
	DefaultDataDir            = "./channel-data"
	DefaultStoreBackend       = "leveldb"
	DefaultStoreKeyPrefix     = "channel"
	DefaultNetworkName        = "channel-local"
	DefaultMaxChannelApps     = protocol.DefaultMaxApps
	DefaultMessagingTimeoutMs = 15000
	DefaultPassphraseEnv      = "CHANNEL_KEYSTORE_PASSPHRASE"
)

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`

	// StoreBackend is one of leveldb, bolt, sqlite, postgres or memory.
	StoreBackend   string `toml:"StoreBackend"`
	StoreLocation  string `toml:"StoreLocation,omitempty"`
	StoreKeyPrefix string `toml:"StoreKeyPrefix"`
	KeystorePath   string `toml:"KeystorePath"`
	PassphraseEnv  string `toml:"PassphraseEnv"`
	NetworkName    string `toml:"NetworkName"`
	EthRPCURL      string `toml:"EthRPCURL,omitempty"`
	ChainID        uint64 `toml:"ChainID,omitempty"`
	MaxChannelApps int    `toml:"MaxChannelApps"`

	// MessagingTimeoutMs is the budget of one message leg. A send-and-wait
	// waits for two legs.
	MessagingTimeoutMs int    `toml:"MessagingTimeoutMs"`
	LogLevel           string `toml:"LogLevel,omitempty"`
	LogFile            string `toml:"LogFile,omitempty"`

	Contracts types.NetworkContext `toml:"Contracts"`
	Peers     []Peer               `toml:"Peers"`
	Telemetry Telemetry            `toml:"Telemetry"`
	RateLimit RateLimit            `toml:"RateLimit"`
	RPCAuth   RPCAuth              `toml:"RPCAuth"`
	Discovery Discovery            `toml:"Discovery"`
}

// Peer is a counterparty reachable over websocket.
type Peer struct {
	Xpub     string `toml:"Xpub"`
	Endpoint string `toml:"Endpoint"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint,omitempty"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers,omitempty"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`

	// SampleRatio of protocol runs traced; zero traces all of them.
	SampleRatio float64 `toml:"SampleRatio,omitempty"`
}

// RateLimit bounds inbound traffic. Zero values fall back to the transport
// and server defaults.
type RateLimit struct {
	PeerMessagesPerSecond float64 `toml:"PeerMessagesPerSecond"`
	PeerBurst             int     `toml:"PeerBurst"`
	RPCRequestsPerSecond  float64 `toml:"RPCRequestsPerSecond"`
	RPCBurst              int     `toml:"RPCBurst"`
}

// Discovery lists DNS zones publishing signed peer records. Nameserver,
// when set, is queried directly instead of the system resolver.
type Discovery struct {
	Domains    []string `toml:"Domains"`
	Nameserver string   `toml:"Nameserver,omitempty"`
}

// RPCAuth enables bearer tokens on the method surface.
type RPCAuth struct {
	Enabled    bool   `toml:"Enabled"`
	HMACSecret string `toml:"HMACSecret,omitempty"`
	Issuer     string `toml:"Issuer,omitempty"`
	Audience   string `toml:"Audience,omitempty"`
}

// MessagingTimeout returns the per-leg timeout as a duration.
func (c *Config) MessagingTimeout() time.Duration {
	return time.Duration(c.MessagingTimeoutMs) * time.Millisecond
}

// StorePath returns the location handed to the store backend.
func (c *Config) StorePath() string {
	if strings.TrimSpace(c.StoreLocation) != "" {
		return c.StoreLocation
	}
	switch strings.ToLower(c.StoreBackend) {
	case "bolt":
		return filepath.Join(c.DataDir, "channels.bolt")
	case "sqlite":
		return filepath.Join(c.DataDir, "channels.sqlite")
	}
	return filepath.Join(c.DataDir, "channels")
}

// PeerEndpoints returns the address book keyed by extended public key.
func (c *Config) PeerEndpoints() map[string]string {
	out := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		out[strings.TrimSpace(p.Xpub)] = strings.TrimSpace(p.Endpoint)
	}
	return out
}

// Load loads the configuration from the given path. A missing file is
// replaced by a persisted default configuration.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
	}

	applyDefaults(path, cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(path string, cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = DefaultDataDir
	}
	if strings.TrimSpace(cfg.StoreBackend) == "" {
		cfg.StoreBackend = DefaultStoreBackend
	}
	if strings.TrimSpace(cfg.StoreKeyPrefix) == "" {
		cfg.StoreKeyPrefix = DefaultStoreKeyPrefix
	}
	if strings.TrimSpace(cfg.KeystorePath) == "" {
		cfg.KeystorePath = defaultKeystorePath(path)
	}
	if strings.TrimSpace(cfg.PassphraseEnv) == "" {
		cfg.PassphraseEnv = DefaultPassphraseEnv
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = DefaultNetworkName
	}
	if cfg.MaxChannelApps == 0 {
		cfg.MaxChannelApps = DefaultMaxChannelApps
	}
	if cfg.MessagingTimeoutMs == 0 {
		cfg.MessagingTimeoutMs = DefaultMessagingTimeoutMs
	}
	if cfg.Peers == nil {
		cfg.Peers = []Peer{}
	}
}

// createDefault creates and saves a default configuration file. The
// contract addresses are left empty and must be filled in before the node
// starts.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(path, cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultKeystorePath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "channel.keystore")
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
