package flowgen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	tperrors "github.com/odvcencio/testpilot/pkg/errors"
)

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	err := json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	if err != nil {
		t.Fatalf("encoding chat reply: %v", err)
	}
}

func TestGenerateFlows(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		chatReply(t, w, `[
			{"name": "Login", "description": "Verify login", "instructions": "Go log in and check the dashboard."},
			{"name": "Search", "description": "Verify search", "instructions": "Search for a product and open the first result."}
		]`)
	}))
	defer server.Close()

	gen := NewGeneratorWithOptions("test-key", server.URL, GeneratorOptions{Model: "test-model"})
	flows, err := gen.GenerateFlows(context.Background(), "test the shop", "https://shop.example.com", 2)
	if err != nil {
		t.Fatalf("GenerateFlows: %v", err)
	}

	if len(flows) != 2 {
		t.Fatalf("flows = %d, want 2", len(flows))
	}
	if flows[0].Name != "Login" || flows[1].Instructions == "" {
		t.Errorf("unexpected flows: %+v", flows)
	}

	if gotReq.Model != "test-model" {
		t.Errorf("model = %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", gotReq.Messages)
	}
	userMsg := gotReq.Messages[1].Content
	if !strings.Contains(userMsg, "test the shop") || !strings.Contains(userMsg, "https://shop.example.com") {
		t.Errorf("user prompt missing request context: %q", userMsg)
	}
	if !strings.Contains(userMsg, "Generate 2 practical test flows") {
		t.Errorf("user prompt missing flow count: %q", userMsg)
	}
}

func TestGenerateFlowsStripsCodeFences(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, "```json\n[{\"name\": \"A\", \"description\": \"B\", \"instructions\": \"C\"}]\n```")
	}))
	defer server.Close()

	gen := NewGenerator("key", server.URL)
	flows, err := gen.GenerateFlows(context.Background(), "anything", "", 1)
	if err != nil {
		t.Fatalf("GenerateFlows: %v", err)
	}
	if len(flows) != 1 || flows[0].Name != "A" {
		t.Errorf("flows = %+v", flows)
	}
}

func TestGenerateFlowsSkipsIncompleteEntries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, `[
			{"name": "Valid", "description": "ok", "instructions": "do it"},
			{"name": "Missing instructions", "description": "nope"},
			{"unexpected": true}
		]`)
	}))
	defer server.Close()

	gen := NewGenerator("key", server.URL)
	flows, err := gen.GenerateFlows(context.Background(), "anything", "", 3)
	if err != nil {
		t.Fatalf("GenerateFlows: %v", err)
	}
	if len(flows) != 1 || flows[0].Name != "Valid" {
		t.Errorf("flows = %+v", flows)
	}
}

func TestGenerateFlowsBadOutput(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not_json", "sorry, I cannot help with that"},
		{"json_object_not_array", `{"name": "A"}`},
		{"array_with_no_valid_entries", `[{"name": "only a name"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				chatReply(t, w, tt.content)
			}))
			defer server.Close()

			gen := NewGenerator("key", server.URL)
			_, err := gen.GenerateFlows(context.Background(), "anything", "", 1)
			if err == nil {
				t.Fatal("expected error")
			}
			if !tperrors.IsCode(err, tperrors.ErrCodeFlowgenBadOutput) {
				t.Errorf("error = %v, want bad-output code", err)
			}
		})
	}
}

func TestGenerateFlowsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limited", "type": "rate_limit_error"},
		})
	}))
	defer server.Close()

	gen := NewGenerator("key", server.URL)
	_, err := gen.GenerateFlows(context.Background(), "anything", "", 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if !tperrors.IsCode(err, tperrors.ErrCodeFlowgenAPIError) {
		t.Errorf("error = %v, want api-error code", err)
	}
	if !tperrors.IsRetryable(err) {
		t.Error("429 should be retryable")
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error should carry server message: %v", err)
	}
}

func TestGenerateFlowsWithoutKey(t *testing.T) {
	gen := NewGenerator("", "http://localhost:0")
	_, err := gen.GenerateFlows(context.Background(), "anything", "", 1)
	if err == nil {
		t.Fatal("expected error with no API key")
	}

	var appErr *tperrors.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("error type = %T", err)
	}
	if appErr.Code != tperrors.ErrCodeFlowgenUnavailable {
		t.Errorf("code = %s", appErr.Code)
	}
	if len(appErr.Remediation) == 0 {
		t.Error("missing-key error should carry remediation hints")
	}
}

func TestGenerateFlowsRejectsEmptyPrompt(t *testing.T) {
	gen := NewGenerator("key", "http://localhost:0")
	if _, err := gen.GenerateFlows(context.Background(), " ", "", 1); err == nil {
		t.Fatal("expected error for blank prompt")
	}
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"[1]", "[1]"},
		{"```json\n[1]\n```", "[1]"},
		{"```\n[1]\n```", "[1]"},
		{"  ```json\n[1]\n```  ", "[1]"},
	}
	for _, tt := range tests {
		if got := stripCodeFences(tt.in); got != tt.want {
			t.Errorf("stripCodeFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
