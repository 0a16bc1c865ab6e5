package identity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/groupbot-framework/groupbot/internal/audit"
	"github.com/groupbot-framework/groupbot/internal/auditdb"
	"github.com/groupbot-framework/groupbot/internal/directory"
	"github.com/groupbot-framework/groupbot/internal/objstore"
)

type fakeDirectory struct {
	userIDs map[string]string
}

func (f *fakeDirectory) ListGroups(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeDirectory) GetUserID(ctx context.Context, userName string) (string, error) {
	id, ok := f.userIDs[userName]
	if !ok {
		return "", errors.New("NoSuchEntity")
	}
	return id, nil
}

func (f *fakeDirectory) AddUserToGroup(ctx context.Context, userName, groupName string) (bool, error) {
	return true, nil
}

func (f *fakeDirectory) RemoveUserFromGroup(ctx context.Context, userName, groupName string) (bool, error) {
	return true, nil
}

func newTestService(t *testing.T) (*Service, *objstore.MemoryStore) {
	t.Helper()

	db, err := auditdb.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("audit db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	al, err := audit.NewLogger(db)
	if err != nil {
		t.Fatalf("audit logger: %v", err)
	}

	router := directory.NewRouter()
	router.Register("111122223333", &fakeDirectory{
		userIDs: map[string]string{"alice.iam": "AIDAALICE"},
	})

	mem := objstore.NewMemoryStore()
	svc := NewService(mem, router, al, zerolog.Nop())
	svc.newToken = func() string { return "fixed-token" }
	return svc, mem
}

func TestInitiateStoresToken(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)

	key, err := svc.Initiate(ctx, "111122223333", "alice.iam", "U123")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if key != "verifications/111122223333/AIDAALICE/alice.iam/U123" {
		t.Errorf("unexpected key %q", key)
	}

	body, err := mem.Get(ctx, key)
	if err != nil {
		t.Fatalf("token not stored: %v", err)
	}
	if string(body) != "fixed-token\n" {
		t.Errorf("unexpected token body %q", body)
	}
}

func TestInitiateUnknownUser(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Initiate(context.Background(), "111122223333", "ghost", "U123"); err == nil {
		t.Error("expected error for unknown directory user")
	}
}

func TestInitiateUnknownAccount(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Initiate(context.Background(), "999999999999", "alice.iam", "U123"); err == nil {
		t.Error("expected error for unregistered account")
	}
}

func TestCompleteWritesBindingAndConsumesToken(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)

	key, _ := svc.Initiate(ctx, "111122223333", "alice.iam", "U123")

	binding, err := svc.Complete(ctx, "U123", "fixed-token")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if binding.AccountID != "111122223333" || binding.Username != "alice.iam" {
		t.Errorf("unexpected binding %+v", binding)
	}

	// Token is one-time: consumed on success.
	if _, err := mem.Get(ctx, key); !errors.Is(err, objstore.ErrNotFound) {
		t.Error("verification record should be deleted after completion")
	}

	username, err := svc.Lookup(ctx, "U123", "111122223333")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if username != "alice.iam" {
		t.Errorf("expected alice.iam, got %q", username)
	}
}

func TestCompleteWrongToken(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)

	key, _ := svc.Initiate(ctx, "111122223333", "alice.iam", "U123")

	if _, err := svc.Complete(ctx, "U123", "guessed"); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed, got %v", err)
	}

	// A failed attempt leaves the pending verification in place.
	if _, err := mem.Get(ctx, key); err != nil {
		t.Error("verification record should survive a failed attempt")
	}
}

func TestCompleteNoPendingVerification(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Complete(context.Background(), "U999", "any"); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestLookupUnregistered(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Lookup(context.Background(), "U123", "111122223333"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestBindings(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(t)

	mem.Put(ctx, "users/U123/111122223333", []byte("alice.iam"))
	mem.Put(ctx, "users/U123/444455556666", []byte("alice.dev"))
	mem.Put(ctx, "users/U456/111122223333", []byte("bob.iam"))

	bindings, err := svc.Bindings(ctx, "U123")
	if err != nil {
		t.Fatalf("bindings: %v", err)
	}
	if len(bindings) != 2 {
		t.Fatalf("expected 2 bindings, got %d", len(bindings))
	}
	if bindings[0].AccountID != "111122223333" || bindings[0].Username != "alice.iam" {
		t.Errorf("unexpected binding %+v", bindings[0])
	}
}
