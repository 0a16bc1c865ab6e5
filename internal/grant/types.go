// Package grant holds the durable record types and the record store for
// the temporary grant lifecycle: pending requests, active grants, and
// their movement through the object store's key namespaces.
package grant

import (
	"errors"
	"time"
)

// Phase is the explicit workflow state carried on every record. The key
// namespace a record lives under is treated as an index; the phase field
// is the source of truth.
type Phase string

const (
	PhaseRequested Phase = "requested"
	PhaseActive    Phase = "active"
	PhaseExpired   Phase = "expired"
	PhaseTimedOut  Phase = "timed_out"
)

// ErrNotFound covers both "no such request" and "request past its
// validity window". The two are deliberately indistinguishable.
var ErrNotFound = errors.New("grant: request not found or expired")

// Request is a pending ask to add a directory principal to a group.
type Request struct {
	ID    string `json:"id"`
	Phase Phase  `json:"phase"`

	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`

	RequesterChatName string `json:"requester_chat_name"`
	RequesterChatID   string `json:"requester_chat_id"`

	// Username is the directory principal that will hold the
	// membership, resolved from the requester's account binding.
	Username  string `json:"username"`
	GroupName string `json:"group_name"`

	MembershipDurationMinutes int `json:"membership_duration_minutes"`

	CreatedAt  time.Time `json:"created_at"`
	ValidUntil time.Time `json:"valid_until"`
}

// ActiveGrant is an approved, currently-in-effect membership awaiting
// scheduled removal.
type ActiveGrant struct {
	Request

	ApproverChatName string `json:"approver_chat_name"`
	ApproverChatID   string `json:"approver_chat_id"`

	ApprovedAt time.Time `json:"approved_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
