package agentturn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPRunner_SingleStepCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wireStepResponse{
			ThreadID:   "thread-1",
			Done:       true,
			ResultText: "all done",
			NewSummary: "summary",
		})
	}))
	defer srv.Close()

	runner := NewHTTPRunner(srv.Client(), srv.URL)
	out, err := runner.RunTurn(context.Background(), TurnInput{Prompt: "hi"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.ResultText != "all done" || out.ThreadID != "thread-1" {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestHTTPRunner_MediatesToolCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch r.URL.Path {
		case "/turns":
			_ = json.NewEncoder(w).Encode(wireStepResponse{
				ThreadID: "t1",
				Done:     false,
				ToolCall: &ToolCall{ID: "call-1", Kind: ToolCommandExecution, Subject: "ls", Cwd: "/tmp"},
			})
		case "/turns/continue":
			var req wireToolResultRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if !req.Result.Allowed {
				t.Fatalf("expected allowed result, got %+v", req.Result)
			}
			_ = json.NewEncoder(w).Encode(wireStepResponse{ThreadID: "t1", Done: true, ResultText: "ok"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	var seenCwd string
	runner := NewHTTPRunner(srv.Client(), srv.URL)
	out, err := runner.RunTurn(context.Background(), TurnInput{
		Prompt: "run ls",
		Callbacks: Callbacks{
			OnCommand: func(ctx context.Context, command, cwd string) (ToolResult, error) {
				seenCwd = cwd
				return ToolResult{Allowed: command == "ls"}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.ResultText != "ok" {
		t.Fatalf("unexpected result: %+v", out)
	}
	if seenCwd != "/tmp" {
		t.Fatalf("expected cwd to be threaded through, got %q", seenCwd)
	}
	if calls != 2 {
		t.Fatalf("expected 2 requests, got %d", calls)
	}
}

func TestHTTPRunner_UnboundedLoopIsCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wireStepResponse{
			ThreadID: "t1",
			Done:     false,
			ToolCall: &ToolCall{ID: "loop", Kind: ToolCommandExecution, Subject: "x"},
		})
	}))
	defer srv.Close()

	runner := NewHTTPRunner(srv.Client(), srv.URL)
	_, err := runner.RunTurn(context.Background(), TurnInput{
		Prompt: "loop",
		Callbacks: Callbacks{
			OnCommand: func(ctx context.Context, command, cwd string) (ToolResult, error) {
				return ToolResult{Allowed: true}, nil
			},
		},
	})
	if err == nil {
		t.Fatal("expected an error from exceeding the iteration cap")
	}
}
