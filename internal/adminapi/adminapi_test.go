package adminapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/taskloom/taskloom/internal/adminapi"
	"github.com/taskloom/taskloom/internal/approval"
	"github.com/taskloom/taskloom/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *store.Store) {
	t.Helper()
	st := openTestStore(t)
	reg := approval.New(st, nil, nil, nil, nil, 0)
	srv := adminapi.New(adminapi.Config{
		Store:      st,
		Approvals:  reg,
		AdminToken: token,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func TestStatusRequiresBearerTokenWhenConfigured(t *testing.T) {
	ts, _ := newTestServer(t, "s3cret")

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get with token: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", resp2.StatusCode)
	}
}

func TestStatusReportsQueueDepthAndPendingApprovals(t *testing.T) {
	ts, st := newTestServer(t, "")
	ctx := context.Background()

	if _, err := st.CreateTask(ctx, store.Task{
		Provider: "slack", WorkspaceID: "w", ChannelID: "c",
		ConversationKey: "w:c:main", PromptText: "hi",
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := st.CreateApproval(ctx, store.Approval{
		Kind: store.ApprovalCommandExecution, WorkspaceID: "w", ChannelID: "c",
		Details: "rm -rf /tmp/x",
	}); err != nil {
		t.Fatalf("create approval: %v", err)
	}

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		QueueDepth       int `json:"queue_depth"`
		PendingApprovals int `json:"pending_approvals"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.QueueDepth != 1 {
		t.Errorf("queue_depth = %d, want 1", body.QueueDepth)
	}
	if body.PendingApprovals != 1 {
		t.Errorf("pending_approvals = %d, want 1", body.PendingApprovals)
	}
}

func TestApprovalDecisionEndpointAppliesDecision(t *testing.T) {
	ts, st := newTestServer(t, "")
	ctx := context.Background()

	id, err := st.CreateApproval(ctx, store.Approval{
		Kind: store.ApprovalCommandExecution, WorkspaceID: "w", ChannelID: "c",
		Details: "ls -la",
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	resp, err := http.Post(ts.URL+"/approvals/"+id+"/approve", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	got, err := st.GetApproval(ctx, id)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if got.Status != store.ApprovalApproved {
		t.Errorf("status = %q, want approved", got.Status)
	}
}

func TestApprovalDecisionEndpointRejectsUnknownDecision(t *testing.T) {
	ts, st := newTestServer(t, "")
	ctx := context.Background()

	id, err := st.CreateApproval(ctx, store.Approval{
		Kind: store.ApprovalCommandExecution, WorkspaceID: "w", ChannelID: "c", Details: "ls",
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	resp, err := http.Post(ts.URL+"/approvals/"+id+"/nonsense", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteMemoryRemovesSession(t *testing.T) {
	ts, st := newTestServer(t, "")
	ctx := context.Background()

	if _, err := st.GetOrCreateSession(ctx, "w:c:main"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/memory/w:c:main", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	sess, err := st.GetSession(ctx, "w:c:main")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess != nil {
		t.Error("expected session to be deleted")
	}
}

func TestDiagnosticsAgentTestReturns503WithoutRunner(t *testing.T) {
	ts, _ := newTestServer(t, "")
	resp, err := http.Post(ts.URL+"/diagnostics/agent-test", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}
