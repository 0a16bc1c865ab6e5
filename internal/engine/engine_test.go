package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/groupbot-framework/groupbot/internal/audit"
	"github.com/groupbot-framework/groupbot/internal/auditdb"
	"github.com/groupbot-framework/groupbot/internal/directory"
	"github.com/groupbot-framework/groupbot/internal/grant"
	"github.com/groupbot-framework/groupbot/internal/identity"
	"github.com/groupbot-framework/groupbot/internal/objstore"
)

const (
	testAccountID = "111122223333"
	testChatID    = "U123"
	testUsername  = "alice.iam"
	testGroup     = "developers"
)

type fakeClient struct {
	groups      []string
	addCalls    int
	removeCalls int
	addErr      error
	removeErr   error
	addFail     bool
	removeFail  bool
	listErr     error
}

func (f *fakeClient) ListGroups(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.groups, nil
}

func (f *fakeClient) GetUserID(ctx context.Context, userName string) (string, error) {
	return "AIDA" + userName, nil
}

func (f *fakeClient) AddUserToGroup(ctx context.Context, userName, groupName string) (bool, error) {
	f.addCalls++
	if f.addErr != nil {
		return false, f.addErr
	}
	return !f.addFail, nil
}

func (f *fakeClient) RemoveUserFromGroup(ctx context.Context, userName, groupName string) (bool, error) {
	f.removeCalls++
	if f.removeErr != nil {
		return false, f.removeErr
	}
	return !f.removeFail, nil
}

type testRig struct {
	engine *Engine
	store  *objstore.MemoryStore
	client *fakeClient
	now    time.Time
}

func newTestRig(t *testing.T) *testRig {
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

	client := &fakeClient{groups: []string{testGroup, "operators"}}
	router := directory.NewRouter()
	router.Register(testAccountID, client)

	mem := objstore.NewMemoryStore()
	records := grant.NewRecordStore(mem, zerolog.Nop())
	identities := identity.NewService(mem, router, al, zerolog.Nop())

	// Pre-registered binding for the default requester.
	mem.Put(context.Background(), "users/"+testChatID+"/"+testAccountID, []byte(testUsername))

	rig := &testRig{
		store:  mem,
		client: client,
		now:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	rig.engine = New(records, identities, router, al, Policy{
		RequestValidity:      time.Hour,
		MaxMembershipMinutes: 480,
	}, zerolog.Nop())
	rig.engine.now = func() time.Time { return rig.now }
	return rig
}

func (r *testRig) submitInput() SubmitInput {
	return SubmitInput{
		AccountID:       testAccountID,
		AccountName:     "dev",
		ChatUserID:      testChatID,
		ChatUserName:    "alice",
		GroupName:       testGroup,
		DurationMinutes: 60,
	}
}

func (r *testRig) submit(t *testing.T) *grant.Request {
	t.Helper()
	req, err := r.engine.Submit(context.Background(), r.submitInput())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return req
}

func (r *testRig) approve(t *testing.T, id string) *grant.ActiveGrant {
	t.Helper()
	g, err := r.engine.Approve(context.Background(), ApproveInput{
		RequestID:        id,
		ApproverChatID:   "U456",
		ApproverChatName: "bob",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return g
}

func (r *testRig) keys(t *testing.T, prefix string) []string {
	t.Helper()
	keys, err := r.store.List(context.Background(), prefix)
	if err != nil {
		t.Fatalf("list %s: %v", prefix, err)
	}
	return keys
}

func TestSubmitStoresPendingRequest(t *testing.T) {
	rig := newTestRig(t)

	req := rig.submit(t)
	if req.Username != testUsername {
		t.Errorf("expected binding username, got %q", req.Username)
	}
	if !req.ValidUntil.Equal(rig.now.Add(time.Hour)) {
		t.Errorf("unexpected validity deadline %v", req.ValidUntil)
	}

	if got := rig.keys(t, grant.RequestPrefix); len(got) != 1 {
		t.Fatalf("expected 1 pending record, got %v", got)
	}
}

func TestSubmitUnregisteredWritesNothing(t *testing.T) {
	rig := newTestRig(t)

	in := rig.submitInput()
	in.ChatUserID = "U999"
	if _, err := rig.engine.Submit(context.Background(), in); !errors.Is(err, ErrUnregistered) {
		t.Fatalf("expected ErrUnregistered, got %v", err)
	}
	if got := rig.keys(t, grant.RequestPrefix); len(got) != 0 {
		t.Errorf("validation failure must not write records, got %v", got)
	}
}

func TestSubmitUnknownGroupWritesNothing(t *testing.T) {
	rig := newTestRig(t)

	in := rig.submitInput()
	in.GroupName = "no-such-group"
	if _, err := rig.engine.Submit(context.Background(), in); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}
	if got := rig.keys(t, grant.RequestPrefix); len(got) != 0 {
		t.Errorf("validation failure must not write records, got %v", got)
	}
}

func TestSubmitClampsDuration(t *testing.T) {
	rig := newTestRig(t)

	in := rig.submitInput()
	in.DurationMinutes = 100000
	req, err := rig.engine.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.MembershipDurationMinutes != 480 {
		t.Errorf("expected clamp to 480 minutes, got %d", req.MembershipDurationMinutes)
	}
}

func TestApproveActivatesGrant(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	req := rig.submit(t)
	g := rig.approve(t, req.ID)

	if rig.client.addCalls != 1 {
		t.Errorf("expected exactly one directory add, got %d", rig.client.addCalls)
	}
	if !g.ExpiresAt.Equal(rig.now.Add(60 * time.Minute)) {
		t.Errorf("unexpected expiry %v", g.ExpiresAt)
	}
	if g.ApproverChatID != "U456" {
		t.Errorf("unexpected approver %q", g.ApproverChatID)
	}

	if got := rig.keys(t, grant.RemovalPrefix); len(got) != 1 {
		t.Errorf("expected 1 active record, got %v", got)
	}
	if got := rig.keys(t, grant.ApprovalPrefix); len(got) != 1 {
		t.Errorf("expected 1 approval audit copy, got %v", got)
	}
	if got := rig.keys(t, grant.RequestPrefix); len(got) != 0 {
		t.Errorf("pending request should be consumed, got %v", got)
	}

	// Consumed request cannot be approved again.
	_, err := rig.engine.Approve(ctx, ApproveInput{RequestID: req.ID, ApproverChatID: "U456"})
	if !errors.Is(err, grant.ErrNotFound) {
		t.Errorf("expected ErrNotFound on re-approval, got %v", err)
	}
}

func TestApproveRetryAfterPartialFailure(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	req := rig.submit(t)
	first := rig.approve(t, req.ID)

	// Simulate a crash that activated the grant but left the pending
	// record behind: restore the request and approve again.
	if err := rig.engine.records.PutRequest(ctx, *req); err != nil {
		t.Fatalf("restore request: %v", err)
	}
	rig.now = rig.now.Add(5 * time.Minute)
	second := rig.approve(t, req.ID)

	if !second.ExpiresAt.Equal(first.ExpiresAt) {
		t.Errorf("retry must not extend expiry: first %v second %v", first.ExpiresAt, second.ExpiresAt)
	}
	if got := rig.keys(t, grant.RemovalPrefix); len(got) != 1 {
		t.Errorf("retry must not duplicate active records, got %v", got)
	}
}

func TestApproveRejectsSelfApproval(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	req := rig.submit(t)
	_, err := rig.engine.Approve(ctx, ApproveInput{
		RequestID:      req.ID,
		ApproverChatID: testChatID,
	})
	if !errors.Is(err, ErrSelfApproval) {
		t.Fatalf("expected ErrSelfApproval, got %v", err)
	}
	if rig.client.addCalls != 0 {
		t.Errorf("self-approval must not touch the directory, got %d adds", rig.client.addCalls)
	}

	// Request stays pending and approvable by someone else.
	rig.approve(t, req.ID)
}

func TestApproveSelfWhenPolicyAllows(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.policy.AllowSelfApproval = true

	req := rig.submit(t)
	if _, err := rig.engine.Approve(context.Background(), ApproveInput{
		RequestID:      req.ID,
		ApproverChatID: testChatID,
	}); err != nil {
		t.Fatalf("self-approval should pass under permissive policy: %v", err)
	}
}

func TestApproveUnknownRequest(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.engine.Approve(context.Background(), ApproveInput{RequestID: "nope", ApproverChatID: "U456"})
	if !errors.Is(err, grant.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApproveExpiredRequest(t *testing.T) {
	rig := newTestRig(t)

	req := rig.submit(t)
	rig.now = rig.now.Add(2 * time.Hour)

	_, err := rig.engine.Approve(context.Background(), ApproveInput{RequestID: req.ID, ApproverChatID: "U456"})
	if !errors.Is(err, grant.ErrNotFound) {
		t.Errorf("expired request must look identical to a missing one, got %v", err)
	}
}

func TestApproveDirectoryFailureLeavesRequestPending(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	req := rig.submit(t)

	rig.client.addErr = errors.New("throttled")
	_, err := rig.engine.Approve(ctx, ApproveInput{RequestID: req.ID, ApproverChatID: "U456"})
	if !errors.Is(err, ErrDirectoryFail) {
		t.Fatalf("expected ErrDirectoryFail, got %v", err)
	}
	if got := rig.keys(t, grant.RemovalPrefix); len(got) != 0 {
		t.Errorf("failed approval must not activate, got %v", got)
	}

	// The pending record survived, so the approval can be retried.
	rig.client.addErr = nil
	rig.approve(t, req.ID)
}

func TestApproveDirectoryRefusalLeavesRequestPending(t *testing.T) {
	rig := newTestRig(t)

	req := rig.submit(t)
	rig.client.addFail = true

	_, err := rig.engine.Approve(context.Background(), ApproveInput{RequestID: req.ID, ApproverChatID: "U456"})
	if !errors.Is(err, ErrDirectoryFail) {
		t.Fatalf("expected ErrDirectoryFail, got %v", err)
	}
	if got := rig.keys(t, grant.RequestPrefix); len(got) != 1 {
		t.Errorf("request should remain pending, got %v", got)
	}
}

func TestSweepExpiresDueGrant(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	req := rig.submit(t)
	rig.approve(t, req.ID)

	rig.now = rig.now.Add(61 * time.Minute)
	report, err := rig.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.GrantsExpired != 1 {
		t.Errorf("expected 1 expiry, got %+v", report)
	}
	if rig.client.removeCalls != 1 {
		t.Errorf("expected exactly one directory remove, got %d", rig.client.removeCalls)
	}
	if got := rig.keys(t, grant.RemovalPrefix); len(got) != 0 {
		t.Errorf("expired record should be deleted, got %v", got)
	}

	// Second pass finds nothing: no double revocation.
	report, err = rig.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if report.GrantsExpired != 0 || rig.client.removeCalls != 1 {
		t.Errorf("sweep must not revoke twice: %+v, removes=%d", report, rig.client.removeCalls)
	}
}

func TestSweepLeavesUnexpiredGrants(t *testing.T) {
	rig := newTestRig(t)

	req := rig.submit(t)
	rig.approve(t, req.ID)

	rig.now = rig.now.Add(30 * time.Minute)
	report, err := rig.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.GrantsExpired != 0 || rig.client.removeCalls != 0 {
		t.Errorf("unexpired grant must be untouched: %+v", report)
	}
}

func TestSweepRetriesFailedRemoval(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	req := rig.submit(t)
	rig.approve(t, req.ID)
	rig.now = rig.now.Add(61 * time.Minute)

	rig.client.removeErr = errors.New("throttled")
	report, err := rig.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.GrantsRetried != 1 || report.GrantsExpired != 0 {
		t.Errorf("failed removal should be retried, got %+v", report)
	}
	if got := rig.keys(t, grant.RemovalPrefix); len(got) != 1 {
		t.Errorf("record must survive a failed removal, got %v", got)
	}

	rig.client.removeErr = nil
	report, err = rig.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if report.GrantsExpired != 1 {
		t.Errorf("next pass should revoke, got %+v", report)
	}
}

func TestSweepDiscardsTimedOutRequest(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	req := rig.submit(t)
	rig.now = rig.now.Add(2 * time.Hour)

	report, err := rig.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.RequestsDiscarded != 1 {
		t.Errorf("expected 1 discard, got %+v", report)
	}
	if got := rig.keys(t, grant.RequestPrefix); len(got) != 0 {
		t.Errorf("timed-out request should be gone, got %v", got)
	}
	if got := rig.keys(t, grant.ExpiredRequestPrefix); len(got) != 1 {
		t.Errorf("expected archived copy, got %v", got)
	}

	// Discarded requests are no longer approvable.
	_, err = rig.engine.Approve(ctx, ApproveInput{RequestID: req.ID, ApproverChatID: "U456"})
	if !errors.Is(err, grant.ErrNotFound) {
		t.Errorf("expected ErrNotFound after discard, got %v", err)
	}
}

func TestSweepIsolatesRecordFailures(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Second account whose directory always fails removals.
	broken := &fakeClient{groups: []string{testGroup}, removeErr: errors.New("down")}
	rig.engine.router.Register("444455556666", broken)
	rig.store.Put(ctx, "users/"+testChatID+"/444455556666", []byte("alice.dev"))

	in := rig.submitInput()
	in.AccountID = "444455556666"
	brokenReq, err := rig.engine.Submit(ctx, in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rig.approve(t, brokenReq.ID)

	okReq := rig.submit(t)
	rig.approve(t, okReq.ID)

	rig.now = rig.now.Add(61 * time.Minute)
	report, err := rig.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.GrantsExpired != 1 || report.GrantsRetried != 1 {
		t.Errorf("one failure must not block the other record, got %+v", report)
	}
	if rig.client.removeCalls != 1 {
		t.Errorf("healthy account should still be swept, got %d removes", rig.client.removeCalls)
	}
}

func TestGroupsByAccount(t *testing.T) {
	rig := newTestRig(t)

	broken := &fakeClient{listErr: errors.New("unreachable")}
	rig.engine.router.Register("444455556666", broken)

	results := rig.engine.GroupsByAccount(context.Background(), map[string]string{
		testAccountID:  "dev",
		"444455556666": "prod",
	})
	if len(results) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(results))
	}
	byID := map[string]AccountGroups{}
	for _, r := range results {
		byID[r.AccountID] = r
	}
	if len(byID[testAccountID].Groups) != 2 || byID[testAccountID].Err != nil {
		t.Errorf("unexpected healthy result %+v", byID[testAccountID])
	}
	if byID["444455556666"].Err == nil {
		t.Errorf("expected error entry for unreachable account")
	}
}

func TestSweeperRunsImmediately(t *testing.T) {
	rig := newTestRig(t)

	req := rig.submit(t)
	rig.approve(t, req.ID)
	rig.now = rig.now.Add(61 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(rig.engine, time.Hour).Run(ctx)
		close(done)
	}()

	// The first pass runs before the first tick.
	deadline := time.Now().Add(5 * time.Second)
	for len(rig.keys(t, grant.RemovalPrefix)) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper never expired the due grant")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}

func TestFullLifecycle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	req := rig.submit(t)
	rig.approve(t, req.ID)
	rig.now = rig.now.Add(61 * time.Minute)

	if _, err := rig.engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if rig.client.addCalls != 1 || rig.client.removeCalls != 1 {
		t.Errorf("expected one add and one remove, got %d/%d", rig.client.addCalls, rig.client.removeCalls)
	}
	// Only the approvals/ audit copy remains.
	if got := rig.keys(t, grant.RequestPrefix); len(got) != 0 {
		t.Errorf("leftover requests: %v", got)
	}
	if got := rig.keys(t, grant.RemovalPrefix); len(got) != 0 {
		t.Errorf("leftover removals: %v", got)
	}
	copies := rig.keys(t, grant.ApprovalPrefix)
	if len(copies) != 1 {
		t.Fatalf("expected approval audit copy, got %v", copies)
	}
	body, err := rig.store.Get(ctx, copies[0])
	if err != nil {
		t.Fatalf("read audit copy: %v", err)
	}
	if !strings.Contains(string(body), `"phase":"expired"`) {
		t.Errorf("audit copy should carry the terminal phase, got %s", body)
	}
}
