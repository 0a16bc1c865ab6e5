package logging

import (
	"strings"
	"testing"
)

func TestIsSecretField(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		expected bool
	}{
		{"verification token", "VerificationToken", true},
		{"plain token", "token", true},
		{"shared secret", "shared_secret", true},
		{"session token", "SessionToken", true},
		{"password", "password", true},
		{"signing secret", "SigningSecret", true},
		{"group name", "group_name", false},
		{"username", "username", false},
		{"account id", "account_id", false},
		{"request id", "request_id", false},
		{"nested secret", "aws_secret_key", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsSecretField(tt.field)
			if got != tt.expected {
				t.Errorf("IsSecretField(%q) = %v, want %v", tt.field, got, tt.expected)
			}
		})
	}
}

func TestRedactValue(t *testing.T) {
	result := RedactValue("9f2d41aa-7be3-4c11-8d02-1f6f9a6b54d1")
	if !strings.HasPrefix(result, "[REDACTED:sha256:") {
		t.Errorf("expected [REDACTED:sha256:...], got %s", result)
	}
	if !strings.HasSuffix(result, "]") {
		t.Errorf("expected trailing ], got %s", result)
	}

	result2 := RedactValue("9f2d41aa-7be3-4c11-8d02-1f6f9a6b54d1")
	if result != result2 {
		t.Error("same input should produce same redacted value")
	}

	result3 := RedactValue("another-token")
	if result == result3 {
		t.Error("different inputs should produce different redacted values")
	}
}

func TestRedactEmptyValue(t *testing.T) {
	if got := RedactValue(""); got != "" {
		t.Errorf("empty input should return empty, got %q", got)
	}
}
