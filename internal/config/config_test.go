package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TriggerWord != "groupbot" {
		t.Errorf("expected default trigger word, got %q", cfg.TriggerWord)
	}
	if cfg.RequestValiditySeconds != 3600 {
		t.Errorf("expected default validity, got %d", cfg.RequestValiditySeconds)
	}
	if cfg.AllowSelfApproval {
		t.Error("self approval must default to disabled")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.DataBucket = "groupbot-data"
	cfg.Accounts = map[string]string{"prod": "111122223333", "dev": "444455556666"}
	cfg.SharedSecret = "hunter2"
	cfg.DefaultMembershipMinutes = 90

	if err := Save(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.DataBucket != "groupbot-data" {
		t.Errorf("bucket not persisted, got %q", loaded.DataBucket)
	}
	if loaded.Accounts["dev"] != "444455556666" {
		t.Error("accounts map not persisted")
	}
	if loaded.DefaultMembershipMinutes != 90 {
		t.Errorf("membership minutes not persisted, got %d", loaded.DefaultMembershipMinutes)
	}
	// Absent fields keep their defaults.
	if loaded.GroupPathPrefix != DefaultGroupPathPrefix {
		t.Errorf("expected default group path prefix, got %q", loaded.GroupPathPrefix)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty config")
	}

	cfg.DataBucket = "bucket"
	cfg.Accounts = map[string]string{"prod": "111122223333"}
	cfg.SharedSecret = "s"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestAccountName(t *testing.T) {
	cfg := Default()
	cfg.Accounts = map[string]string{"prod": "111122223333"}

	if got := cfg.AccountName("111122223333"); got != "prod" {
		t.Errorf("expected prod, got %q", got)
	}
	if got := cfg.AccountName("999999999999"); got != "999999999999" {
		t.Errorf("unknown account should fall back to the id, got %q", got)
	}
}

type fakeParameterGetter struct {
	value string
}

func (f *fakeParameterGetter) GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{Value: aws.String(f.value)},
	}, nil
}

func TestLoadFromParameter(t *testing.T) {
	getter := &fakeParameterGetter{value: `{"data_bucket":"remote-bucket","trigger_word":"grantme"}`}

	cfg, err := LoadFromParameter(context.Background(), getter, "/groupbot/config")
	if err != nil {
		t.Fatalf("load from parameter: %v", err)
	}
	if cfg.DataBucket != "remote-bucket" {
		t.Errorf("expected remote bucket, got %q", cfg.DataBucket)
	}
	if cfg.TriggerWord != "grantme" {
		t.Errorf("expected remote trigger word, got %q", cfg.TriggerWord)
	}
	if cfg.SweepIntervalSeconds != 300 {
		t.Error("defaults should survive a partial remote document")
	}
}

type fakeSecretGetter struct {
	secret string
}

func (f *fakeSecretGetter) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(f.secret)}, nil
}

func TestResolveSharedSecret(t *testing.T) {
	cfg := Default()
	cfg.SharedSecret = "inline"
	got, err := cfg.ResolveSharedSecret(context.Background(), nil)
	if err != nil || got != "inline" {
		t.Fatalf("inline secret: got %q, %v", got, err)
	}

	cfg.SharedSecret = ""
	cfg.SharedSecretARN = "arn:aws:secretsmanager:us-east-1:111122223333:secret:groupbot"
	got, err = cfg.ResolveSharedSecret(context.Background(), &fakeSecretGetter{secret: "from-sm"})
	if err != nil || got != "from-sm" {
		t.Fatalf("remote secret: got %q, %v", got, err)
	}

	cfg.SharedSecretARN = ""
	if _, err := cfg.ResolveSharedSecret(context.Background(), nil); err == nil {
		t.Error("expected error when no secret configured")
	}
}
