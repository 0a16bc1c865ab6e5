package directory

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// AgentMethod is the single unary method exposed by a standalone agent.
// Requests and responses travel as JSON, avoiding protoc generation for
// a two-type wire contract.
const AgentMethod = "/groupbot.v1.DirectoryAgent/Call"

// JSONCodec marshals gRPC messages as plain JSON. Both the gRPC
// transport here and the agent server force this codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return "json" }

// GRPCClient routes directory commands to an agent server over gRPC,
// used for accounts whose agent runs as a long-lived process instead of
// a lambda.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// DialAgent connects to a standalone agent.
func DialAgent(addr string) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(JSONCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *GRPCClient) Close() error { return c.conn.Close() }

func (c *GRPCClient) call(ctx context.Context, req Request) (*Response, error) {
	var resp Response
	if err := c.conn.Invoke(ctx, AgentMethod, &req, &resp); err != nil {
		return nil, fmt.Errorf("calling agent %s: %w", req.Command, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("agent rejected %s: %s", req.Command, resp.Error)
	}
	return &resp, nil
}

func (c *GRPCClient) ListGroups(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, Request{Command: CommandListGroups})
	if err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

func (c *GRPCClient) GetUserID(ctx context.Context, userName string) (string, error) {
	resp, err := c.call(ctx, Request{Command: CommandGetUserID, UserName: userName})
	if err != nil {
		return "", err
	}
	return resp.UserID, nil
}

func (c *GRPCClient) AddUserToGroup(ctx context.Context, userName, groupName string) (bool, error) {
	resp, err := c.call(ctx, Request{
		Command:   CommandAddUserToGroup,
		UserName:  userName,
		GroupName: groupName,
	})
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

func (c *GRPCClient) RemoveUserFromGroup(ctx context.Context, userName, groupName string) (bool, error) {
	resp, err := c.call(ctx, Request{
		Command:   CommandRemoveUserFromGroup,
		UserName:  userName,
		GroupName: groupName,
	})
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}
