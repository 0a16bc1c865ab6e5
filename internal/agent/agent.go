// Package agent implements the per-account directory agent: the only
// process with credentials to mutate group membership in its account.
// Commands arrive as directory.Request envelopes and are dispatched by
// name, whether delivered by lambda invocation or the gRPC server.
package agent

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/rs/zerolog"

	"github.com/groupbot-framework/groupbot/internal/directory"
)

// iamAPI is the subset of the IAM client the agent uses.
type iamAPI interface {
	ListGroups(ctx context.Context, params *iam.ListGroupsInput, optFns ...func(*iam.Options)) (*iam.ListGroupsOutput, error)
	GetUser(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error)
	AddUserToGroup(ctx context.Context, params *iam.AddUserToGroupInput, optFns ...func(*iam.Options)) (*iam.AddUserToGroupOutput, error)
	RemoveUserFromGroup(ctx context.Context, params *iam.RemoveUserFromGroupInput, optFns ...func(*iam.Options)) (*iam.RemoveUserFromGroupOutput, error)
}

type handlerFunc func(ctx context.Context, req directory.Request) directory.Response

// Agent answers directory commands against its account's IAM.
type Agent struct {
	iam             iamAPI
	groupPathPrefix string
	logger          zerolog.Logger
	dispatch        map[string]handlerFunc
}

// New creates an agent. Only groups under groupPathPrefix are visible,
// so membership can never be granted to a group the bot does not own.
func New(client *iam.Client, groupPathPrefix string, logger zerolog.Logger) *Agent {
	return newAgent(client, groupPathPrefix, logger)
}

func newAgent(client iamAPI, groupPathPrefix string, logger zerolog.Logger) *Agent {
	a := &Agent{
		iam:             client,
		groupPathPrefix: groupPathPrefix,
		logger:          logger,
	}
	a.dispatch = map[string]handlerFunc{
		directory.CommandListGroups:          a.handleListGroups,
		directory.CommandGetUserID:           a.handleGetUserID,
		directory.CommandAddUserToGroup:      a.handleAddUserToGroup,
		directory.CommandRemoveUserFromGroup: a.handleRemoveUserFromGroup,
	}
	return a
}

// Handle dispatches one command. Unknown commands produce an error
// response rather than a transport failure.
func (a *Agent) Handle(ctx context.Context, req directory.Request) directory.Response {
	fn, ok := a.dispatch[req.Command]
	if !ok {
		return directory.Response{Error: fmt.Sprintf("command %q was not recognized", req.Command)}
	}
	a.logger.Debug().Str("command", req.Command).Msg("dispatching agent command")
	return fn(ctx, req)
}

func (a *Agent) handleListGroups(ctx context.Context, req directory.Request) directory.Response {
	var groups []string
	var marker *string

	for {
		out, err := a.iam.ListGroups(ctx, &iam.ListGroupsInput{
			PathPrefix: aws.String(a.groupPathPrefix),
			Marker:     marker,
		})
		if err != nil {
			a.logger.Error().Err(err).Msg("listing groups failed")
			return directory.Response{Error: fmt.Sprintf("listing groups: %v", err)}
		}
		for _, g := range out.Groups {
			groups = append(groups, aws.ToString(g.GroupName))
		}
		if !out.IsTruncated {
			break
		}
		marker = out.Marker
	}
	return directory.Response{Groups: groups}
}

func (a *Agent) handleGetUserID(ctx context.Context, req directory.Request) directory.Response {
	out, err := a.iam.GetUser(ctx, &iam.GetUserInput{UserName: aws.String(req.UserName)})
	if err != nil {
		a.logger.Error().Err(err).Str("username", req.UserName).Msg("user lookup failed")
		return directory.Response{Error: fmt.Sprintf("looking up user %s: %v", req.UserName, err)}
	}
	return directory.Response{UserID: aws.ToString(out.User.UserId)}
}

// Membership mutations report failure through the success flag: a
// rejected add is an outcome the engine handles, not a transport fault.

func (a *Agent) handleAddUserToGroup(ctx context.Context, req directory.Request) directory.Response {
	_, err := a.iam.AddUserToGroup(ctx, &iam.AddUserToGroupInput{
		UserName:  aws.String(req.UserName),
		GroupName: aws.String(req.GroupName),
	})
	if err != nil {
		a.logger.Error().Err(err).
			Str("username", req.UserName).
			Str("group", req.GroupName).
			Msg("adding user to group failed")
		return directory.Response{Success: false}
	}
	a.logger.Info().
		Str("username", req.UserName).
		Str("group", req.GroupName).
		Msg("user added to group")
	return directory.Response{Success: true}
}

func (a *Agent) handleRemoveUserFromGroup(ctx context.Context, req directory.Request) directory.Response {
	_, err := a.iam.RemoveUserFromGroup(ctx, &iam.RemoveUserFromGroupInput{
		UserName:  aws.String(req.UserName),
		GroupName: aws.String(req.GroupName),
	})
	if err != nil {
		a.logger.Error().Err(err).
			Str("username", req.UserName).
			Str("group", req.GroupName).
			Msg("removing user from group failed")
		return directory.Response{Success: false}
	}
	a.logger.Info().
		Str("username", req.UserName).
		Str("group", req.GroupName).
		Msg("user removed from group")
	return directory.Response{Success: true}
}
