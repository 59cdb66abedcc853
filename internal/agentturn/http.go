package agentturn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// maxContinueIterations bounds the request/continue loop against a Runner
// that never returns Done, so a single stuck external agent can't wedge a
// Worker goroutine forever.
const maxContinueIterations = 50

// wireTurnRequest is the body of the initial POST to BaseURL + StartPath.
type wireTurnRequest struct {
	ThreadID          string           `json:"thread_id,omitempty"`
	ConversationKey   string           `json:"conversation_key"`
	Prompt            string           `json:"prompt"`
	History           []HistoryMessage `json:"history,omitempty"`
	MemorySummary     string           `json:"memory_summary,omitempty"`
	ReflectionSummary string           `json:"reflection_summary,omitempty"`
	AgentName         string           `json:"agent_name,omitempty"`
	AgentRole         string           `json:"agent_role,omitempty"`
}

// wireToolResultRequest is the body of the POST to BaseURL + ContinuePath.
type wireToolResultRequest struct {
	ThreadID string     `json:"thread_id"`
	ToolID   string     `json:"tool_id"`
	Result   ToolResult `json:"result"`
}

// wireStepResponse is what the remote agent returns from either endpoint:
// either a mid-turn tool call needing mediation, or a completed turn.
type wireStepResponse struct {
	ThreadID       string    `json:"thread_id"`
	Done           bool      `json:"done"`
	ToolCall       *ToolCall `json:"tool_call,omitempty"`
	ResultText     string    `json:"result_text,omitempty"`
	NewSummary     string    `json:"new_summary,omitempty"`
	ToolTranscript []string  `json:"tool_transcript,omitempty"`
}

// HTTPRunner is a reference Runner adapter: it speaks a request/continue
// protocol against an external agent service, invoking the Worker-supplied
// Callbacks in-process for each ToolCall the remote side raises, so the
// actual mediation decision never has to leave this process or be trusted
// to the remote agent.
type HTTPRunner struct {
	Client       *http.Client
	BaseURL      string
	StartPath    string // default "/turns"
	ContinuePath string // default "/turns/continue"
}

// NewHTTPRunner creates an HTTPRunner with default paths and an
// http.DefaultClient-equivalent timeout-free client; callers in production
// should supply Client with a sane timeout.
func NewHTTPRunner(client *http.Client, baseURL string) *HTTPRunner {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRunner{Client: client, BaseURL: baseURL, StartPath: "/turns", ContinuePath: "/turns/continue"}
}

// RunTurn implements Runner.
func (h *HTTPRunner) RunTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	step, err := h.postJSON(ctx, h.url(h.startPath()), wireTurnRequest{
		ThreadID:          in.ThreadID,
		ConversationKey:   in.ConversationKey,
		Prompt:            in.Prompt,
		History:           in.History,
		MemorySummary:     in.MemorySummary,
		ReflectionSummary: in.ReflectionSummary,
		AgentName:         in.AgentName,
		AgentRole:         in.AgentRole,
	})
	if err != nil {
		return TurnOutput{}, fmt.Errorf("start turn: %w", err)
	}

	for i := 0; i < maxContinueIterations; i++ {
		if step.Done {
			return TurnOutput{
				ThreadID:       step.ThreadID,
				ResultText:     step.ResultText,
				NewSummary:     step.NewSummary,
				ToolTranscript: step.ToolTranscript,
			}, nil
		}
		if step.ToolCall == nil {
			return TurnOutput{}, fmt.Errorf("agent turn: step not done but no tool_call present")
		}

		result, err := h.dispatch(ctx, in.Callbacks, *step.ToolCall)
		if err != nil {
			return TurnOutput{}, fmt.Errorf("mediate tool call %s: %w", step.ToolCall.ID, err)
		}

		step, err = h.postJSON(ctx, h.url(h.continuePath()), wireToolResultRequest{
			ThreadID: step.ThreadID,
			ToolID:   step.ToolCall.ID,
			Result:   result,
		})
		if err != nil {
			return TurnOutput{}, fmt.Errorf("continue turn: %w", err)
		}
	}
	return TurnOutput{}, fmt.Errorf("agent turn: exceeded %d tool-call iterations without completing", maxContinueIterations)
}

func (h *HTTPRunner) dispatch(ctx context.Context, cb Callbacks, call ToolCall) (ToolResult, error) {
	switch call.Kind {
	case ToolCommandExecution:
		if cb.OnCommand == nil {
			return ToolResult{Allowed: false, RefusalReason: "command execution is not supported"}, nil
		}
		return cb.OnCommand(ctx, call.Subject, call.Cwd)
	case ToolWebFetch:
		if cb.OnWebFetch == nil {
			return ToolResult{Allowed: false, RefusalReason: "web fetch is not supported"}, nil
		}
		return cb.OnWebFetch(ctx, call.Subject)
	case ToolGuardrailRuleAdd:
		if cb.OnGuardrailRuleAdd == nil || call.RuleProposal == nil {
			return ToolResult{Allowed: false, RefusalReason: "guardrail rule proposals are not supported"}, nil
		}
		return cb.OnGuardrailRuleAdd(ctx, *call.RuleProposal)
	case ToolCronJobAdd:
		if cb.OnCronJobAdd == nil || call.CronProposal == nil {
			return ToolResult{Allowed: false, RefusalReason: "cron job proposals are not supported"}, nil
		}
		return cb.OnCronJobAdd(ctx, *call.CronProposal)
	default:
		return ToolResult{Allowed: false, RefusalReason: fmt.Sprintf("unknown tool kind %q", call.Kind)}, nil
	}
}

func (h *HTTPRunner) startPath() string {
	if h.StartPath != "" {
		return h.StartPath
	}
	return "/turns"
}

func (h *HTTPRunner) continuePath() string {
	if h.ContinuePath != "" {
		return h.ContinuePath
	}
	return "/turns/continue"
}

func (h *HTTPRunner) url(path string) string {
	return h.BaseURL + path
}

func (h *HTTPRunner) postJSON(ctx context.Context, url string, body any) (wireStepResponse, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return wireStepResponse{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return wireStepResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return wireStepResponse{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return wireStepResponse{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out wireStepResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return wireStepResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
