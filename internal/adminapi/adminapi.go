// Package adminapi is the read-only HTTP JSON admin surface (plus the two
// mutating approval-decision endpoints) the rest of taskloom exposes for
// operators: queue/lock/approval status, session memory inspection, and a
// one-shot agent-backend connectivity check.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/taskloom/taskloom/internal/agentturn"
	"github.com/taskloom/taskloom/internal/approval"
	"github.com/taskloom/taskloom/internal/config"
	"github.com/taskloom/taskloom/internal/store"
)

// Config holds everything a Server needs to answer requests.
type Config struct {
	Store      *store.Store
	Approvals  *approval.Registry
	AgentTurn  agentturn.Runner // may be nil: /diagnostics/agent-test then 503s
	Env        config.Env
	AdminToken string // empty disables bearer-token auth entirely
	Logger     *slog.Logger
}

// Server is the ApprovalRegistry/Store-backed admin HTTP handler.
type Server struct {
	st        *store.Store
	approvals *approval.Registry
	runner    agentturn.Runner
	env       config.Env
	token     string
	logger    *slog.Logger
}

// New builds a Server. Call Handler to get the http.Handler to serve.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		st:        cfg.Store,
		approvals: cfg.Approvals,
		runner:    cfg.AgentTurn,
		env:       cfg.Env,
		token:     cfg.AdminToken,
		logger:    logger,
	}
}

// Handler builds the routed, auth-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/memory", s.handleMemory)
	mux.HandleFunc("/memory/", s.handleMemoryByKey)
	mux.HandleFunc("/approvals", s.handleApprovals)
	mux.HandleFunc("/approvals/", s.handleApprovalDecision)
	mux.HandleFunc("/diagnostics/agent-test", s.handleDiagnosticsAgentTest)
	return s.withAuth(mux)
}

// withAuth gates every route behind a constant-time bearer-token compare
// when a token is configured; an empty AdminToken disables auth entirely, so
// a deployment can run the admin surface on a trusted loopback interface
// without a credential to manage.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		candidate := strings.TrimPrefix(auth, prefix)
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(s.token)) != 1 {
			http.Error(w, `{"error":"invalid bearer token"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusResponse struct {
	IntegrationsConfigured map[string]bool `json:"integrations_configured"`
	QueueDepth             int             `json:"queue_depth"`
	PermissionsMode        string          `json:"permissions_mode"`
	WorkerLockOwner        string          `json:"worker_lock_owner,omitempty"`
	ActiveTaskID           int64           `json:"active_task_id,omitempty"`
	PendingApprovals       int             `json:"pending_approvals"`
	GuardrailsEnabled      bool            `json:"guardrails_enabled"`
	Endpoints              map[string]bool `json:"endpoints"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	settings, err := s.st.GetSettings(ctx)
	if err != nil {
		s.serverError(w, "load settings", err)
		return
	}
	queueDepth, err := s.st.QueueDepth(ctx)
	if err != nil {
		s.serverError(w, "queue depth", err)
		return
	}
	pending, err := s.st.ListApprovals(ctx, true, 0)
	if err != nil {
		s.serverError(w, "list approvals", err)
		return
	}
	rules, err := s.st.ListAllGuardrailRules(ctx)
	if err != nil {
		s.serverError(w, "list guardrail rules", err)
		return
	}
	guardrailsEnabled := false
	for _, rule := range rules {
		if rule.Enabled {
			guardrailsEnabled = true
			break
		}
	}

	var activeTaskID int64
	var lockOwner string
	if taskID, ok, err := s.st.ActiveTaskID(ctx); err != nil {
		s.serverError(w, "active task", err)
		return
	} else if ok {
		activeTaskID = taskID
		if task, err := s.st.GetTask(ctx, taskID); err == nil && task != nil {
			if owner, held, err := s.st.WorkerLockOwner(ctx, task.ConversationKey); err == nil && held {
				lockOwner = owner
			}
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		IntegrationsConfigured: map[string]bool{
			"slack_signing_secret":   s.env.SlackSigningSecret != "",
			"slack_bot_token":        s.env.SlackBotToken != "",
			"telegram_bot_token":     s.env.TelegramBotToken != "",
			"telegram_webhook_secret": s.env.TelegramWebhookSecret != "",
			"agent_backend_url":      s.env.AgentBackendURL != "",
			"admin_token":            s.token != "",
		},
		QueueDepth:        queueDepth,
		PermissionsMode:   settings.PermissionsMode,
		WorkerLockOwner:   lockOwner,
		ActiveTaskID:      activeTaskID,
		PendingApprovals:  len(pending),
		GuardrailsEnabled: guardrailsEnabled,
		Endpoints: map[string]bool{
			"status":                 true,
			"memory":                 true,
			"approvals":              true,
			"diagnostics_agent_test": s.runner != nil,
		},
	})
}

type sessionSummary struct {
	ConversationKey string `json:"conversation_key"`
	ThreadID        string `json:"codex_thread_id,omitempty"`
	MemorySummary   string `json:"memory_summary"`
	LastUsedAt      string `json:"last_used_at"`
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions, err := s.st.ListSessions(r.Context())
	if err != nil {
		s.serverError(w, "list sessions", err)
		return
	}
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionSummary{
			ConversationKey: sess.ConversationKey,
			ThreadID:        sess.ThreadID,
			MemorySummary:   sess.MemorySummary,
			LastUsedAt:      sess.UpdatedAt.Format(rfc3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"

func (s *Server) handleMemoryByKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conversationKey := strings.TrimPrefix(r.URL.Path, "/memory/")
	if conversationKey == "" {
		http.Error(w, `{"error":"conversation_key required"}`, http.StatusBadRequest)
		return
	}
	deleted, err := s.st.DeleteSession(r.Context(), conversationKey)
	if err != nil {
		s.serverError(w, "delete session", err)
		return
	}
	if !deleted {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	approvals, err := s.st.ListApprovals(r.Context(), false, 0)
	if err != nil {
		s.serverError(w, "list approvals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

// handleApprovalDecision serves POST /approvals/{id}/{approve|always|deny}.
func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/approvals/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, `{"error":"expected /approvals/{id}/{approve|always|deny}"}`, http.StatusBadRequest)
		return
	}
	approvalID, action := parts[0], parts[1]

	var decision store.ApprovalDecision
	switch action {
	case "approve":
		decision = store.DecisionApprove
	case "deny":
		decision = store.DecisionDeny
	case "always":
		decision = store.DecisionAlways
	default:
		http.Error(w, `{"error":"decision must be approve, always, or deny"}`, http.StatusBadRequest)
		return
	}

	actor := r.Header.Get("X-Admin-Actor")
	if actor == "" {
		actor = "admin-api"
	}

	resolved, err := s.approvals.Decide(r.Context(), approvalID, decision, actor, "")
	if err != nil {
		s.serverError(w, "decide approval", err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

type agentTestResponse struct {
	ResultText string `json:"result_text"`
}

// handleDiagnosticsAgentTest invokes the AgentTurn backend once with a
// synthetic prompt so an operator can confirm backend connectivity without
// routing a real message through a chat provider.
func (s *Server) handleDiagnosticsAgentTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.runner == nil {
		http.Error(w, `{"error":"no agent backend configured"}`, http.StatusServiceUnavailable)
		return
	}
	out, err := s.runner.RunTurn(r.Context(), agentturn.TurnInput{
		ConversationKey: "diagnostics:agent-test",
		Prompt:          "Reply with a short confirmation that you are reachable.",
	})
	if err != nil {
		s.serverError(w, "agent test", err)
		return
	}
	writeJSON(w, http.StatusOK, agentTestResponse{ResultText: out.ResultText})
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("adminapi: "+op+" failed", "error", err)
	if errors.Is(err, context.Canceled) {
		http.Error(w, `{"error":"request cancelled"}`, http.StatusRequestTimeout)
		return
	}
	http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
}
