package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/peerwire/internal/config"
)

type fileConfig struct {
	ID                string         `toml:"id"`
	PeerID            string         `toml:"peer_id"`
	InfoHash          string         `toml:"info_hash"`
	ListenAddr        string         `toml:"listen_addr"`
	AdminAddr         string         `toml:"admin_addr"`
	AdminToken        string         `toml:"admin_token"`
	CorsOrigins       []string       `toml:"cors_origins"`
	DHTPort           int            `toml:"dht_port"`
	Client            string         `toml:"client"`
	ReqQ              int            `toml:"reqq"`
	Bootstrap         []string       `toml:"bootstrap"`
	MetadataFile      string         `toml:"metadata_file"`
	MaxDialAttempts   int            `toml:"max_dial_attempts"`
	Extensions        map[string]int `toml:"extensions"`
	TickInterval      string         `toml:"tick_interval"`
	KeepAliveInterval string         `toml:"keepalive_interval"`
	PEXInterval       string         `toml:"pex_interval"`
	HandshakeTimeout  string         `toml:"handshake_timeout"`
	ConnectTimeout    string         `toml:"connect_timeout"`
	WriteTimeout      string         `toml:"write_timeout"`
	SessionDeadAfter  string         `toml:"session_dead_after"`
	MaxFrameBytes     uint32         `toml:"max_frame_bytes"`
	SkipUnknown       bool           `toml:"skip_unknown"`
}

func loadNodeConfig(path string) (config.NodeConfig, error) {
	cfg := config.DefaultNodeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config.NodeConfig{}, fmt.Errorf("load node config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("peer_id") {
		cfg.PeerID = raw.PeerID
	}
	if meta.IsDefined("info_hash") {
		cfg.InfoHash = strings.TrimSpace(raw.InfoHash)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = raw.AdminToken
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("dht_port") {
		cfg.DHTPort = raw.DHTPort
	}
	if meta.IsDefined("client") {
		cfg.Client = strings.TrimSpace(raw.Client)
	}
	if meta.IsDefined("reqq") {
		cfg.ReqQ = raw.ReqQ
	}
	if meta.IsDefined("bootstrap") {
		cfg.Bootstrap = normalizeList(raw.Bootstrap)
	}
	if meta.IsDefined("metadata_file") {
		cfg.MetadataFile = strings.TrimSpace(raw.MetadataFile)
	}
	if meta.IsDefined("max_dial_attempts") {
		cfg.MaxDialAttempts = raw.MaxDialAttempts
	}
	if meta.IsDefined("extensions") {
		cfg.Extensions = raw.Extensions
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.Session.Limits.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("skip_unknown") {
		cfg.Session.SkipUnknown = raw.SkipUnknown
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"tick_interval", raw.TickInterval, &cfg.Session.TickInterval},
		{"keepalive_interval", raw.KeepAliveInterval, &cfg.KeepAliveInterval},
		{"pex_interval", raw.PEXInterval, &cfg.PEXInterval},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"session_dead_after", raw.SessionDeadAfter, &cfg.Session.SessionDeadAfter},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return config.NodeConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := config.ValidateNodeConfig(cfg); err != nil {
		return config.NodeConfig{}, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
