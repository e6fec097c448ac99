package config

import (
	"fmt"
	"net/url"
	"strings"

	"statechannels/crypto"
	"statechannels/storage"
)

// MaxMessagingTimeoutMs caps the per-leg budget at ten minutes.
const MaxMessagingTimeoutMs = 10 * 60 * 1000

// Validate checks limits, backend names and the peer address book. The
// contract addresses are validated by the node itself.
func Validate(cfg *Config) error {
	if cfg.MaxChannelApps <= 0 {
		return fmt.Errorf("config: MaxChannelApps must be positive, got %d", cfg.MaxChannelApps)
	}
	if cfg.MessagingTimeoutMs <= 0 || cfg.MessagingTimeoutMs > MaxMessagingTimeoutMs {
		return fmt.Errorf("config: MessagingTimeoutMs must be in (0, %d], got %d", MaxMessagingTimeoutMs, cfg.MessagingTimeoutMs)
	}
	switch strings.ToLower(cfg.StoreBackend) {
	case storage.BackendLevelDB, storage.BackendBolt, storage.BackendSQLite, storage.BackendMemory:
	case storage.BackendPostgres:
		if strings.TrimSpace(cfg.StoreLocation) == "" {
			return fmt.Errorf("config: postgres backend requires StoreLocation (DSN)")
		}
	default:
		return fmt.Errorf("config: unknown StoreBackend %q", cfg.StoreBackend)
	}
	if strings.ContainsAny(cfg.StoreKeyPrefix, "/") {
		return fmt.Errorf("config: StoreKeyPrefix %q must not contain '/'", cfg.StoreKeyPrefix)
	}
	seen := make(map[string]struct{}, len(cfg.Peers))
	for i, peer := range cfg.Peers {
		key, err := crypto.ParseExtendedKey(peer.Xpub)
		if err != nil {
			return fmt.Errorf("config: peer %d: %w", i, err)
		}
		if key.IsPrivate() {
			return fmt.Errorf("config: peer %d: extended private key configured as peer", i)
		}
		if _, dup := seen[peer.Xpub]; dup {
			return fmt.Errorf("config: peer %d: duplicate xpub", i)
		}
		seen[peer.Xpub] = struct{}{}
		u, err := url.Parse(peer.Endpoint)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("config: peer %d: endpoint %q must be a ws:// or wss:// URL", i, peer.Endpoint)
		}
	}
	if cfg.RPCAuth.Enabled && strings.TrimSpace(cfg.RPCAuth.HMACSecret) == "" {
		return fmt.Errorf("config: RPCAuth enabled without HMACSecret")
	}
	if cfg.RateLimit.PeerMessagesPerSecond < 0 || cfg.RateLimit.RPCRequestsPerSecond < 0 {
		return fmt.Errorf("config: rate limits must not be negative")
	}
	return nil
}
