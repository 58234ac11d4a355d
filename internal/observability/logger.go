package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs the process-wide console logger tagged with app and node.
func InitLogger(app, nodeID string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).With().Timestamp().Str("app", app).Str("node", nodeID).Logger()
	log.Logger = logger
	return logger
}

// ConnLogger derives the logger owned by one peer connection. Diagnostic
// context travels with the returned value rather than through shared state.
func ConnLogger(base zerolog.Logger, sessionID, peer string, outgoing bool) zerolog.Logger {
	direction := "in"
	if outgoing {
		direction = "out"
	}
	return base.With().
		Str("session_id", sessionID).
		Str("peer", peer).
		Str("direction", direction).
		Logger()
}
