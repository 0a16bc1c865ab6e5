// Package config manages groupbot service configuration.
//
// Configuration is a JSON document loaded from disk, with two optional
// remote sources: the full document can live in an SSM parameter, and
// the chat shared secret can live in Secrets Manager so it never touches
// the config file.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

const (
	ConfigDirName   = ".groupbot"
	ConfigFileName  = "config.json"
	DefaultLogLevel = "info"

	// DefaultGroupPathPrefix limits directory listings to groups
	// explicitly published for temporary membership.
	DefaultGroupPathPrefix = "/groupbot/"
)

// Config holds all settings for the bot service and sweeper.
type Config struct {
	Region     string `json:"region"`
	DataBucket string `json:"data_bucket"`

	// Accounts maps a display name to the account identifier that owns
	// a directory agent.
	Accounts map[string]string `json:"accounts"`

	// AgentFunctionPrefix names the per-account agent lambda:
	// <prefix>-DirectoryAgent in each account.
	AgentFunctionPrefix string `json:"agent_function_prefix"`

	// AgentEndpoints maps an account id to a gRPC address for accounts
	// whose agent runs as a standalone server instead of a lambda.
	AgentEndpoints map[string]string `json:"agent_endpoints,omitempty"`

	GroupPathPrefix string `json:"group_path_prefix"`

	AllowSelfApproval bool `json:"allow_self_approval"`

	// Approvers optionally restricts who may approve requests. Empty
	// means any registered chat identity other than the requester.
	Approvers []string `json:"approvers,omitempty"`

	RequestValiditySeconds   int `json:"request_validity_seconds"`
	DefaultMembershipMinutes int `json:"default_membership_minutes"`
	MaxMembershipMinutes     int `json:"max_membership_minutes"`
	SweepIntervalSeconds     int `json:"sweep_interval_seconds"`

	TriggerWord string `json:"trigger_word"`
	ListenAddr  string `json:"listen_addr"`

	// SharedSecret authenticates inbound chat callbacks. Prefer
	// SharedSecretARN so the value stays out of the config file.
	SharedSecret    string `json:"shared_secret,omitempty"`
	SharedSecretARN string `json:"shared_secret_arn,omitempty"`

	AuditDBPath string `json:"audit_db_path"`
	LogLevel    string `json:"log_level"`
	// LogJSON switches to JSON log output for aggregator-backed
	// deployments.
	LogJSON bool `json:"log_json,omitempty"`
}

// Default returns the baseline configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Region:                   "us-east-1",
		Accounts:                 map[string]string{},
		AgentFunctionPrefix:      "groupbot",
		GroupPathPrefix:          DefaultGroupPathPrefix,
		AllowSelfApproval:        false,
		RequestValiditySeconds:   3600,
		DefaultMembershipMinutes: 60,
		MaxMembershipMinutes:     8 * 60,
		SweepIntervalSeconds:     300,
		TriggerWord:              "groupbot",
		ListenAddr:               ":8080",
		AuditDBPath:              filepath.Join(home, ConfigDirName, "groupbot-audit.db"),
		LogLevel:                 DefaultLogLevel,
	}
}

// Dir returns the groupbot config directory path.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName)
}

// Load reads a config file, applying defaults for absent fields. A
// missing file yields the defaults unchanged.
func Load(path string) (Config, error) {
	if path == "" {
		path = filepath.Join(Dir(), ConfigFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Save persists the config with owner-only permissions.
func Save(cfg Config, path string) error {
	if path == "" {
		path = filepath.Join(Dir(), ConfigFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate reports configuration problems that make the service unable
// to start.
func (c Config) Validate() error {
	if c.DataBucket == "" {
		return fmt.Errorf("data_bucket is required")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}
	if c.SharedSecret == "" && c.SharedSecretARN == "" {
		return fmt.Errorf("one of shared_secret or shared_secret_arn is required")
	}
	if c.RequestValiditySeconds <= 0 {
		return fmt.Errorf("request_validity_seconds must be positive")
	}
	if c.DefaultMembershipMinutes <= 0 {
		return fmt.Errorf("default_membership_minutes must be positive")
	}
	return nil
}

// AccountName resolves an account id back to its display name.
func (c Config) AccountName(accountID string) string {
	for name, id := range c.Accounts {
		if id == accountID {
			return name
		}
	}
	return accountID
}

// ParameterGetter is the subset of the SSM API used to fetch remote
// configuration.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadFromParameter fetches a JSON config document from SSM Parameter
// Store and merges it over the defaults.
func LoadFromParameter(ctx context.Context, client ParameterGetter, name string) (Config, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return Config{}, fmt.Errorf("fetching parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return Config{}, fmt.Errorf("parameter %s has no value", name)
	}

	cfg := Default()
	if err := json.Unmarshal([]byte(*out.Parameter.Value), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing parameter %s: %w", name, err)
	}
	return cfg, nil
}

// SecretGetter is the subset of the Secrets Manager API used to fetch
// the chat shared secret.
type SecretGetter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ResolveSharedSecret returns the chat shared secret, fetching it from
// Secrets Manager when the config carries an ARN instead of a value.
func (c Config) ResolveSharedSecret(ctx context.Context, client SecretGetter) (string, error) {
	if c.SharedSecret != "" {
		return c.SharedSecret, nil
	}
	if c.SharedSecretARN == "" {
		return "", fmt.Errorf("no shared secret configured")
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(c.SharedSecretARN),
	})
	if err != nil {
		return "", fmt.Errorf("fetching shared secret: %w", err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("shared secret %s has no string value", c.SharedSecretARN)
	}
	return *out.SecretString, nil
}
