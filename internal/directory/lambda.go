package directory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
)

// lambdaAPI is the subset of the Lambda client used by the transport.
type lambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaClient routes directory commands to an agent lambda deployed in
// the target account. Cross-account addressing is by function ARN; the
// agent's resource policy allows the bot's account to invoke it.
type LambdaClient struct {
	client      lambdaAPI
	functionARN string
}

// AgentFunctionARN builds the conventional agent ARN for an account.
func AgentFunctionARN(region, accountID, functionPrefix string) string {
	return fmt.Sprintf("arn:aws:lambda:%s:%s:function:%s-DirectoryAgent",
		region, accountID, functionPrefix)
}

// NewLambdaClient creates a transport invoking the given function ARN.
func NewLambdaClient(client *lambda.Client, functionARN string) *LambdaClient {
	return &LambdaClient{client: client, functionARN: functionARN}
}

func (c *LambdaClient) call(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", req.Command, err)
	}

	out, err := c.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(c.functionARN),
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("invoking %s: %w", c.functionARN, err)
	}
	if out.FunctionError != nil {
		return nil, fmt.Errorf("agent %s failed: %s", c.functionARN, aws.ToString(out.FunctionError))
	}

	var resp Response
	if err := json.Unmarshal(out.Payload, &resp); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", req.Command, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("agent rejected %s: %s", req.Command, resp.Error)
	}
	return &resp, nil
}

func (c *LambdaClient) ListGroups(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, Request{Command: CommandListGroups})
	if err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

func (c *LambdaClient) GetUserID(ctx context.Context, userName string) (string, error) {
	resp, err := c.call(ctx, Request{Command: CommandGetUserID, UserName: userName})
	if err != nil {
		return "", err
	}
	return resp.UserID, nil
}

func (c *LambdaClient) AddUserToGroup(ctx context.Context, userName, groupName string) (bool, error) {
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

func (c *LambdaClient) RemoveUserFromGroup(ctx context.Context, userName, groupName string) (bool, error) {
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
