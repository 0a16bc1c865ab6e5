// Package audit provides the append-only audit log for grant lifecycle
// events. Records form a hash chain for tamper detection: approvals of
// privileged access are exactly the records someone might want to
// rewrite.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/groupbot-framework/groupbot/internal/logging"
)

// EventType categorizes audit log entries.
type EventType string

const (
	EventRequestSubmitted     EventType = "request_submitted"
	EventRequestRejected      EventType = "request_rejected"
	EventApprovalStarted      EventType = "approval_started"
	EventGrantActivated       EventType = "grant_activated"
	EventApprovalFailed       EventType = "approval_failed"
	EventGrantExpired         EventType = "grant_expired"
	EventRequestTimedOut      EventType = "request_timed_out"
	EventVerificationCreated  EventType = "verification_created"
	EventVerificationComplete EventType = "verification_complete"
	EventVerificationFailed   EventType = "verification_failed"
)

// Logger writes tamper-evident audit records.
type Logger struct {
	db       *sql.DB
	mu       sync.Mutex
	lastHash string
}

// NewLogger creates an audit logger, recovering the hash chain tail
// from any existing records.
func NewLogger(db *sql.DB) (*Logger, error) {
	al := &Logger{db: db}

	var lastHash sql.NullString
	err := db.QueryRow(
		"SELECT record_hash FROM audit_log ORDER BY id DESC LIMIT 1",
	).Scan(&lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("recovering audit chain: %w", err)
	}
	if lastHash.Valid {
		al.lastHash = lastHash.String
	}
	return al, nil
}

// Log appends an audit event. actor is the chat identity that caused
// the event, or "sweep" for reconciliation actions.
func (al *Logger) Log(eventType EventType, actor, accountID, requestID string, detail any) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	// Detail maps may carry values pulled from records; never let a
	// secret field reach the durable log.
	if m, ok := detail.(map[string]string); ok {
		for k, v := range m {
			if logging.IsSecretField(k) {
				m[k] = logging.RedactValue(v)
			}
		}
	}

	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte(fmt.Sprintf(`{"error":"failed to marshal detail: %s"}`, err))
	}

	now := time.Now().UTC()
	recordHash := al.computeHash(now, eventType, actor, string(detailJSON))

	_, err = al.db.Exec(
		`INSERT INTO audit_log (timestamp, event_type, actor, account_id, request_id, detail, record_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		now.Format(time.RFC3339Nano),
		string(eventType),
		actor,
		accountID,
		requestID,
		string(detailJSON),
		recordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}

	al.lastHash = recordHash
	return nil
}

// computeHash links a record to its predecessor:
// SHA-256(previousHash + timestamp + eventType + actor + detail).
func (al *Logger) computeHash(ts time.Time, eventType EventType, actor, detail string) string {
	data := al.lastHash + ts.Format(time.RFC3339Nano) + string(eventType) + actor + detail
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// Verify checks the integrity of the whole audit chain.
func Verify(db *sql.DB) (bool, int, error) {
	rows, err := db.Query(
		"SELECT timestamp, event_type, actor, detail, record_hash FROM audit_log ORDER BY id ASC",
	)
	if err != nil {
		return false, 0, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var previousHash string
	count := 0

	for rows.Next() {
		var ts, eventType, actor, detail, recordHash string
		if err := rows.Scan(&ts, &eventType, &actor, &detail, &recordHash); err != nil {
			return false, count, fmt.Errorf("scanning audit row: %w", err)
		}

		data := previousHash + ts + eventType + actor + detail
		h := sha256.Sum256([]byte(data))
		if hex.EncodeToString(h[:]) != recordHash {
			return false, count, fmt.Errorf("audit chain broken at record %d", count+1)
		}

		previousHash = recordHash
		count++
	}
	return true, count, rows.Err()
}
