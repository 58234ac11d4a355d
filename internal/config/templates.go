package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node":
		return nodeTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const nodeTemplate = `id = "peerwire.local"
info_hash = "0123456789abcdef0123456789abcdef01234567"
listen_addr = ":6881"
admin_addr = "127.0.0.1:7080"
admin_token = "change-me"
cors_origins = ["http://localhost:3000"]
dht_port = 6881
client = "peerwire/0.1"
bootstrap = []

tick_interval = "1s"
keepalive_interval = "90s"
pex_interval = "1m"
handshake_timeout = "10s"
connect_timeout = "5s"
session_dead_after = "3m"
max_frame_bytes = 1048585
skip_unknown = true

[extensions]
ut_pex = 1
ut_metadata = 2
`
