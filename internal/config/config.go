package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/danmuck/peerwire/internal/protocol/extension"
	"github.com/danmuck/peerwire/internal/protocol/frame"
	"github.com/danmuck/peerwire/internal/protocol/session"
)

// PeerIDPrefix identifies this client in generated peer ids.
const PeerIDPrefix = "-PW0001-"

// NodeConfig configures one peerwired process.
type NodeConfig struct {
	ID          string
	PeerID      string
	InfoHash    string
	ListenAddr  string
	AdminAddr   string
	AdminToken  string
	CorsOrigins []string
	DHTPort     int
	Client      string
	ReqQ        int
	// Extensions is the local extension table advertised to peers.
	Extensions      map[string]int
	Bootstrap       []string
	MetadataFile    string
	MaxDialAttempts int

	KeepAliveInterval time.Duration
	PEXInterval       time.Duration
	Session           session.Config
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ID:         "peerwire.local",
		ListenAddr: ":6881",
		AdminAddr:  "127.0.0.1:7080",
		Client:     "peerwire/0.1",
		ReqQ:       250,
		Extensions: map[string]int{
			extension.PEXName:      1,
			extension.MetadataName: 2,
		},
		MaxDialAttempts:   5,
		KeepAliveInterval: 90 * time.Second,
		PEXInterval:       time.Minute,
		Session:           session.DefaultConfig(),
	}
}

// ValidateNodeConfig checks the fields a running node depends on.
func ValidateNodeConfig(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("node config missing id")
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("node config missing listen_addr")
	}
	if _, err := ParseInfoHash(cfg.InfoHash); err != nil {
		return err
	}
	if cfg.PeerID != "" {
		if _, err := ParsePeerID(cfg.PeerID); err != nil {
			return err
		}
	}
	if cfg.DHTPort < 0 || cfg.DHTPort > 65535 {
		return fmt.Errorf("dht_port %d out of range", cfg.DHTPort)
	}
	if _, err := extension.NewTable(cfg.Extensions); err != nil {
		return fmt.Errorf("extensions invalid: %w", err)
	}
	if cfg.Session.Limits.MaxFrameBytes != 0 && cfg.Session.Limits.MaxFrameBytes < frame.HeaderLen {
		return fmt.Errorf("max_frame_bytes %d below header size", cfg.Session.Limits.MaxFrameBytes)
	}
	if cfg.KeepAliveInterval <= 0 {
		return fmt.Errorf("keepalive_interval must be positive")
	}
	if cfg.PEXInterval <= 0 {
		return fmt.Errorf("pex_interval must be positive")
	}
	for i, addr := range cfg.Bootstrap {
		if _, err := netip.ParseAddrPort(strings.TrimSpace(addr)); err != nil {
			return fmt.Errorf("bootstrap[%d] invalid: %w", i, err)
		}
	}
	return nil
}

// ParseInfoHash decodes a 40-character hex info hash.
func ParseInfoHash(s string) ([20]byte, error) {
	var out [20]byte
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != len(out) {
		return out, fmt.Errorf("info_hash must be 40 hex characters")
	}
	copy(out[:], raw)
	return out, nil
}

// ParsePeerID accepts either 40 hex characters or a raw 20-byte string.
func ParsePeerID(s string) ([20]byte, error) {
	var out [20]byte
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == len(out) {
		copy(out[:], raw)
		return out, nil
	}
	if len(s) != len(out) {
		return out, fmt.Errorf("peer_id must be 20 bytes or 40 hex characters")
	}
	copy(out[:], s)
	return out, nil
}

// PeerIDOrRandom returns the configured peer id or a fresh one carrying
// PeerIDPrefix.
func (c NodeConfig) PeerIDOrRandom() ([20]byte, error) {
	if c.PeerID != "" {
		return ParsePeerID(c.PeerID)
	}
	var out [20]byte
	copy(out[:], PeerIDPrefix)
	if _, err := rand.Read(out[len(PeerIDPrefix):]); err != nil {
		return out, fmt.Errorf("generate peer id: %w", err)
	}
	return out, nil
}
