// Package logging provides structured logging with redaction of
// verification tokens and chat shared secrets.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field names whose values must never appear in log output.
var secretFieldNames = []string{
	"token",
	"verification_token",
	"verificationtoken",
	"shared_secret",
	"sharedsecret",
	"secret",
	"secretaccesskey",
	"sessiontoken",
	"password",
	"signing_secret",
	"signingsecret",
}

// NewLogger creates a console logger for interactive use.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(writer).
		Level(lvl).
		With().
		Timestamp().
		Str("component", "groupbot").
		Logger()
}

// NewJSONLogger creates a JSON-formatted logger for service deployments
// where output is shipped to a log aggregator.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("component", "groupbot").
		Logger()
}

// IsSecretField reports whether a field name holds a value that must be
// redacted before logging.
func IsSecretField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, secret := range secretFieldNames {
		if strings.Contains(lower, secret) {
			return true
		}
	}
	return false
}

// RedactValue replaces a secret with a stable placeholder so log lines
// can still be correlated without exposing the value.
func RedactValue(value string) string {
	if value == "" {
		return ""
	}
	h := sha256.Sum256([]byte(value))
	return "[REDACTED:sha256:" + hex.EncodeToString(h[:])[:8] + "]"
}
