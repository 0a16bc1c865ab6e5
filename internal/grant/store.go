package grant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/groupbot-framework/groupbot/internal/objstore"
)

// RecordStore owns the key-naming scheme and the serialization of grant
// records. It is the only writer to the requests/, removals/,
// approvals/, and expired_requests/ namespaces.
//
// The backing store offers no cross-key transactions, so every
// multi-step transition here is written to be safe under retry: the
// record write happens first and deletes happen last, and Activate is a
// no-op when the active record already exists.
type RecordStore struct {
	store  objstore.Store
	logger zerolog.Logger
}

func NewRecordStore(store objstore.Store, logger zerolog.Logger) *RecordStore {
	return &RecordStore{store: store, logger: logger}
}

// DueRecord identifies a record whose embedded deadline has passed.
type DueRecord struct {
	Key      string
	ID       string
	Deadline time.Time
}

// PutRequest persists a pending request under a key embedding its
// validity deadline, plus a deadline-index entry.
func (rs *RecordStore) PutRequest(ctx context.Context, req Request) error {
	if req.ID == "" {
		return fmt.Errorf("request has no id")
	}
	req.Phase = PhaseRequested

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request %s: %w", req.ID, err)
	}

	key := RequestKey(req.ID, req.ValidUntil)
	if err := rs.store.Put(ctx, key, body); err != nil {
		return err
	}
	if err := rs.store.Put(ctx, indexKey(RequestPrefix, req.ID, req.ValidUntil), nil); err != nil {
		return err
	}

	rs.logger.Info().
		Str("request_id", req.ID).
		Str("group", req.GroupName).
		Str("account_id", req.AccountID).
		Time("valid_until", req.ValidUntil).
		Msg("pending request stored")
	return nil
}

// FindRequest returns the pending request for the given id, together
// with the record key it was found under. A request past its validity
// window is reported as ErrNotFound, identical to one that never
// existed.
func (rs *RecordStore) FindRequest(ctx context.Context, id string, now time.Time) (*Request, string, error) {
	keys, err := rs.store.List(ctx, RequestPrefix+id+"-")
	if err != nil {
		return nil, "", fmt.Errorf("listing request %s: %w", id, err)
	}

	for _, key := range keys {
		_, deadline, perr := parseKey(key, RequestPrefix)
		if perr != nil {
			rs.logger.Warn().Str("key", key).Err(perr).Msg("skipping malformed request key")
			continue
		}
		if now.After(deadline) {
			continue
		}

		body, gerr := rs.store.Get(ctx, key)
		if gerr != nil {
			if errors.Is(gerr, objstore.ErrNotFound) {
				// Deleted between list and get; treat as consumed.
				continue
			}
			return nil, "", gerr
		}

		var req Request
		if uerr := json.Unmarshal(body, &req); uerr != nil {
			return nil, "", fmt.Errorf("decoding request %s: %w", id, uerr)
		}
		return &req, key, nil
	}
	return nil, "", ErrNotFound
}

// Activate records an approved grant: the active record goes under
// removals/ keyed by its removal deadline, an audit copy of the
// fulfilled request goes under approvals/, and the pending record is
// consumed. Idempotent: when an active record for the id already
// exists, the existing grant is returned and nothing is rewritten.
func (rs *RecordStore) Activate(ctx context.Context, requestKey string, g ActiveGrant) (*ActiveGrant, error) {
	if existing, err := rs.findActive(ctx, g.ID); err != nil {
		return nil, err
	} else if existing != nil {
		rs.logger.Info().Str("request_id", g.ID).Msg("grant already active, activation is a no-op")
		return existing, nil
	}

	g.Phase = PhaseActive
	body, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encoding grant %s: %w", g.ID, err)
	}

	if err := rs.store.Put(ctx, RemovalKey(g.ID, g.ExpiresAt), body); err != nil {
		return nil, err
	}
	if err := rs.store.Put(ctx, indexKey(RemovalPrefix, g.ID, g.ExpiresAt), nil); err != nil {
		return nil, err
	}
	if err := rs.store.Put(ctx, ApprovalPrefix+requestKey, body); err != nil {
		return nil, err
	}

	if err := rs.deleteRequestKey(ctx, requestKey); err != nil {
		return nil, err
	}

	rs.logger.Info().
		Str("request_id", g.ID).
		Str("group", g.GroupName).
		Time("expires_at", g.ExpiresAt).
		Msg("grant activated")
	return &g, nil
}

// findActive looks for an existing removals/ record for the id.
func (rs *RecordStore) findActive(ctx context.Context, id string) (*ActiveGrant, error) {
	keys, err := rs.store.List(ctx, RemovalPrefix+id+"-")
	if err != nil {
		return nil, fmt.Errorf("listing active grant %s: %w", id, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	body, err := rs.store.Get(ctx, keys[0])
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var g ActiveGrant
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, fmt.Errorf("decoding active grant %s: %w", id, err)
	}
	return &g, nil
}

// GetActiveGrant reads the grant stored under a removals/ key.
func (rs *RecordStore) GetActiveGrant(ctx context.Context, key string) (*ActiveGrant, error) {
	body, err := rs.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var g ActiveGrant
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, fmt.Errorf("decoding grant at %s: %w", key, err)
	}
	return &g, nil
}

// ListDue returns records under the given namespace whose deadline is at
// or before now, ordered by deadline. The deadline index makes the scan
// stop at the first future entry.
func (rs *RecordStore) ListDue(ctx context.Context, recordPrefix string, now time.Time) ([]DueRecord, error) {
	idxKeys, err := rs.store.List(ctx, indexPrefix+recordPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing deadline index %s: %w", recordPrefix, err)
	}

	var due []DueRecord
	for _, ik := range idxKeys {
		id, deadline, perr := parseIndexKey(ik, recordPrefix)
		if perr != nil {
			rs.logger.Warn().Str("key", ik).Err(perr).Msg("skipping malformed index key")
			continue
		}
		if deadline.After(now) {
			// Index is deadline-ordered; everything after is in the future.
			break
		}

		recordKey := fmt.Sprintf("%s%s-%d", recordPrefix, id, deadline.UnixMilli())
		due = append(due, DueRecord{Key: recordKey, ID: id, Deadline: deadline})
	}
	return due, nil
}

// DeleteActive removes a fulfilled removals/ record and its index entry.
// Called by the sweep only after the remote removal has succeeded.
func (rs *RecordStore) DeleteActive(ctx context.Context, rec DueRecord) error {
	if err := rs.store.Delete(ctx, rec.Key); err != nil {
		return err
	}
	return rs.store.Delete(ctx, indexKey(RemovalPrefix, rec.ID, rec.Deadline))
}

// MarkExpired rewrites the approvals/ audit copy of a revoked grant
// with its terminal phase. The copy lives under the original request
// key, which is recoverable from the grant itself.
func (rs *RecordStore) MarkExpired(ctx context.Context, g *ActiveGrant) error {
	updated := *g
	updated.Phase = PhaseExpired
	body, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("encoding expired grant %s: %w", g.ID, err)
	}
	return rs.store.Put(ctx, ApprovalPrefix+RequestKey(g.ID, g.ValidUntil), body)
}

// ArchiveExpiredRequest moves a timed-out pending request to the
// expired_requests/ namespace, preserving it for audit. The stored
// record is rewritten with its terminal phase before the move.
func (rs *RecordStore) ArchiveExpiredRequest(ctx context.Context, rec DueRecord) error {
	body, err := rs.store.Get(ctx, rec.Key)
	if err == nil {
		var req Request
		if json.Unmarshal(body, &req) == nil {
			req.Phase = PhaseTimedOut
			if updated, merr := json.Marshal(req); merr == nil {
				body = updated
			}
		}
		archiveKey := ExpiredRequestPrefix + rec.Key[len(RequestPrefix):]
		if err := rs.store.Put(ctx, archiveKey, body); err != nil {
			return err
		}
	} else if !errors.Is(err, objstore.ErrNotFound) {
		return err
	}

	return rs.deleteRequestKey(ctx, rec.Key)
}

// deleteRequestKey removes a requests/ record and its index entry.
func (rs *RecordStore) deleteRequestKey(ctx context.Context, key string) error {
	id, deadline, err := parseKey(key, RequestPrefix)
	if err != nil {
		return err
	}
	if err := rs.store.Delete(ctx, key); err != nil {
		return err
	}
	return rs.store.Delete(ctx, indexKey(RequestPrefix, id, deadline))
}
