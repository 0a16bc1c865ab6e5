// Package directory defines the typed contract to the per-account
// directory agents and the transports that carry it. The engine only
// depends on the Client interface; whether an account's agent is a
// lambda or a standalone gRPC server is wiring.
package directory

import (
	"context"
	"fmt"
)

// Agent command names, shared across transports.
const (
	CommandListGroups          = "listGroups"
	CommandGetUserID           = "getUserId"
	CommandAddUserToGroup      = "addUserToGroup"
	CommandRemoveUserFromGroup = "removeUserFromGroup"
)

// Client is the group-membership capability of one account's directory.
type Client interface {
	ListGroups(ctx context.Context) ([]string, error)
	GetUserID(ctx context.Context, userName string) (string, error)

	// AddUserToGroup and RemoveUserFromGroup report failure through the
	// success flag, not an error: the agent swallows directory errors so
	// a misconfigured group does not look like a transport fault.
	AddUserToGroup(ctx context.Context, userName, groupName string) (bool, error)
	RemoveUserFromGroup(ctx context.Context, userName, groupName string) (bool, error)
}

// Request is the wire envelope sent to an agent.
type Request struct {
	Command   string `json:"command"`
	UserName  string `json:"user_name,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}

// Response is the wire envelope returned by an agent. Fields are
// populated per command; Error is set when the command itself could not
// be dispatched.
type Response struct {
	Groups  []string `json:"groups,omitempty"`
	UserID  string   `json:"user_id,omitempty"`
	Success bool     `json:"success,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Router resolves the Client owning a grant's account id.
type Router struct {
	clients map[string]Client
}

func NewRouter() *Router {
	return &Router{clients: make(map[string]Client)}
}

// Register binds an account id to a transport client.
func (r *Router) Register(accountID string, client Client) {
	r.clients[accountID] = client
}

// ForAccount returns the client for an account id.
func (r *Router) ForAccount(accountID string) (Client, error) {
	client, ok := r.clients[accountID]
	if !ok {
		return nil, fmt.Errorf("no directory agent registered for account %s", accountID)
	}
	return client, nil
}

// Accounts lists the registered account ids.
func (r *Router) Accounts() []string {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}
