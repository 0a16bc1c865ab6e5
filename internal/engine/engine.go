// Package engine implements the temporary grant lifecycle: request
// submission, approval with privilege activation, and the
// reconciliation sweep that guarantees eventual revocation.
//
// Every operation runs as an independent invocation coordinating only
// through the object store, so each multi-step transition is written to
// be safe to interleave or retry. The one accepted gap: a crash between
// a successful remote directory mutation and the local record write
// leaves remote state ahead of the store until a retry reconciles it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/groupbot-framework/groupbot/internal/audit"
	"github.com/groupbot-framework/groupbot/internal/directory"
	"github.com/groupbot-framework/groupbot/internal/grant"
	"github.com/groupbot-framework/groupbot/internal/identity"
)

// Rejection reasons surfaced to the chat layer. All leave the store
// untouched.
var (
	ErrUnregistered  = errors.New("engine: requester has no account binding")
	ErrUnknownGroup  = errors.New("engine: group is not requestable")
	ErrSelfApproval  = errors.New("engine: requests cannot be self-approved")
	ErrDirectoryFail = errors.New("engine: directory mutation failed")
)

// Policy holds the configurable knobs of the lifecycle.
type Policy struct {
	AllowSelfApproval    bool
	RequestValidity      time.Duration
	MaxMembershipMinutes int
}

// Engine drives grant state transitions.
type Engine struct {
	records    *grant.RecordStore
	identities *identity.Service
	router     *directory.Router
	audit      *audit.Logger
	logger     zerolog.Logger
	policy     Policy

	// Swappable in tests.
	now   func() time.Time
	newID func() string
}

func New(records *grant.RecordStore, identities *identity.Service, router *directory.Router, al *audit.Logger, policy Policy, logger zerolog.Logger) *Engine {
	return &Engine{
		records:    records,
		identities: identities,
		router:     router,
		audit:      al,
		logger:     logger,
		policy:     policy,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// SubmitInput carries a validated request intent from the chat layer.
type SubmitInput struct {
	AccountID       string
	AccountName     string
	ChatUserID      string
	ChatUserName    string
	GroupName       string
	DurationMinutes int
}

// Submit validates a request against the target account's directory and
// persists it as pending. Nothing is written when validation fails.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (*grant.Request, error) {
	username, err := e.identities.Lookup(ctx, in.ChatUserID, in.AccountID)
	if err != nil {
		if errors.Is(err, identity.ErrNotRegistered) {
			return nil, ErrUnregistered
		}
		return nil, err
	}

	client, err := e.router.ForAccount(in.AccountID)
	if err != nil {
		return nil, err
	}
	groups, err := client.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing groups in %s: %w", in.AccountID, err)
	}
	if !contains(groups, in.GroupName) {
		return nil, ErrUnknownGroup
	}

	duration := in.DurationMinutes
	if e.policy.MaxMembershipMinutes > 0 && duration > e.policy.MaxMembershipMinutes {
		duration = e.policy.MaxMembershipMinutes
	}

	now := e.now()
	req := grant.Request{
		ID:                        e.newID(),
		AccountID:                 in.AccountID,
		AccountName:               in.AccountName,
		RequesterChatName:         in.ChatUserName,
		RequesterChatID:           in.ChatUserID,
		Username:                  username,
		GroupName:                 in.GroupName,
		MembershipDurationMinutes: duration,
		CreatedAt:                 now,
		ValidUntil:                now.Add(e.policy.RequestValidity),
	}
	if err := e.records.PutRequest(ctx, req); err != nil {
		return nil, err
	}

	e.audit.Log(audit.EventRequestSubmitted, in.ChatUserID, in.AccountID, req.ID, map[string]string{
		"group":    in.GroupName,
		"username": username,
	})
	return &req, nil
}

// ApproveInput carries an approval intent from the chat layer.
type ApproveInput struct {
	RequestID        string
	ApproverChatID   string
	ApproverChatName string
}

// Approve consumes a pending request and activates the grant. The
// remote add happens before the local write; when it fails the pending
// record stays intact so the approval can be retried. Retrying after a
// partial failure is safe because activation is idempotent.
func (e *Engine) Approve(ctx context.Context, in ApproveInput) (*grant.ActiveGrant, error) {
	now := e.now()

	req, requestKey, err := e.records.FindRequest(ctx, in.RequestID, now)
	if err != nil {
		return nil, err
	}

	if !e.policy.AllowSelfApproval && req.RequesterChatID == in.ApproverChatID {
		e.audit.Log(audit.EventRequestRejected, in.ApproverChatID, req.AccountID, req.ID, map[string]string{
			"reason": "self_approval",
		})
		return nil, ErrSelfApproval
	}

	client, err := e.router.ForAccount(req.AccountID)
	if err != nil {
		return nil, err
	}

	// Intent record first: if we crash mid-approval the audit trail
	// shows an approval was in flight for this id.
	e.audit.Log(audit.EventApprovalStarted, in.ApproverChatID, req.AccountID, req.ID, map[string]string{
		"group":    req.GroupName,
		"username": req.Username,
	})

	ok, err := client.AddUserToGroup(ctx, req.Username, req.GroupName)
	if err != nil || !ok {
		e.audit.Log(audit.EventApprovalFailed, in.ApproverChatID, req.AccountID, req.ID, map[string]string{
			"error": errString(err),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDirectoryFail, err)
		}
		return nil, ErrDirectoryFail
	}

	g := grant.ActiveGrant{
		Request:          *req,
		ApproverChatName: in.ApproverChatName,
		ApproverChatID:   in.ApproverChatID,
		ApprovedAt:       now,
		ExpiresAt:        now.Add(time.Duration(req.MembershipDurationMinutes) * time.Minute),
	}
	activated, err := e.records.Activate(ctx, requestKey, g)
	if err != nil {
		return nil, err
	}

	e.audit.Log(audit.EventGrantActivated, in.ApproverChatID, req.AccountID, req.ID, map[string]string{
		"group":      req.GroupName,
		"username":   req.Username,
		"expires_at": activated.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return activated, nil
}

// AccountGroups is the per-account result of a group listing fan-out.
type AccountGroups struct {
	AccountID   string
	AccountName string
	Groups      []string
	Err         error
}

// GroupsByAccount queries every registered account's directory. A
// failing account yields an entry with Err set; the others still
// report.
func (e *Engine) GroupsByAccount(ctx context.Context, accountNames map[string]string) []AccountGroups {
	var results []AccountGroups
	for _, accountID := range e.router.Accounts() {
		entry := AccountGroups{
			AccountID:   accountID,
			AccountName: accountNames[accountID],
		}
		client, err := e.router.ForAccount(accountID)
		if err != nil {
			entry.Err = err
		} else if groups, err := client.ListGroups(ctx); err != nil {
			e.logger.Error().Err(err).Str("account_id", accountID).Msg("group listing failed")
			entry.Err = err
		} else {
			entry.Groups = groups
		}
		results = append(results, entry)
	}
	return results
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
