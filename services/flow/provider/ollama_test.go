// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newOllamaServer(t *testing.T, handler http.HandlerFunc) *Ollama {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := NewOllama(OllamaConfig{
		BaseURL: server.URL,
		Model:   "test-model",
		Retry:   RetryPolicy{Attempts: 2, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewOllama: %v", err)
	}
	return p
}

func TestOllama_SubmitChat(t *testing.T) {
	var got ollamaChatRequest
	p := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"local reply"},"done":true}`))
	})

	maxTokens := 128
	reply, err := p.SubmitChat(context.Background(), []Message{
		{Role: RoleUser, Content: "hello"},
	}, GenerationParams{MaxTokens: &maxTokens})
	if err != nil {
		t.Fatalf("SubmitChat: %v", err)
	}
	if reply != "local reply" {
		t.Errorf("reply = %q", reply)
	}

	if got.Model != "test-model" || got.Stream {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.Options["num_predict"] != float64(128) {
		t.Errorf("num_predict = %v, want 128", got.Options["num_predict"])
	}
}

func TestOllama_SubmitChat_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	p := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"recovered"},"done":true}`))
	})

	reply, err := p.SubmitChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, GenerationParams{})
	if err != nil {
		t.Fatalf("SubmitChat: %v", err)
	}
	if reply != "recovered" || calls.Load() != 2 {
		t.Errorf("reply=%q calls=%d", reply, calls.Load())
	}
}

func TestOllama_SubmitChat_ModelNotFound(t *testing.T) {
	var calls atomic.Int32
	p := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'test-model' not found"}`))
	})

	_, err := p.SubmitChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, GenerationParams{})
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("error %v is not a BackendError", err)
	}
	if be.Transient {
		t.Error("missing model classified as transient")
	}
	if !strings.Contains(err.Error(), "ollama pull") {
		t.Errorf("error %q does not point at ollama pull", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retries)", calls.Load())
	}
}

func TestOllama_ToolRunsUnsupported(t *testing.T) {
	p := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("tool run reached the backend")
	})

	ctx := context.Background()
	if !p.Capabilities().Has(CapChat) || p.Capabilities().Has(CapToolRuns) {
		t.Fatalf("capabilities = %b", p.Capabilities())
	}
	if _, err := p.SubmitToolRun(ctx, ToolRunRequest{Input: "x"}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("SubmitToolRun = %v, want ErrUnsupported", err)
	}
	if _, err := p.PollToolRun(ctx, RunHandle{ID: "r"}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("PollToolRun = %v, want ErrUnsupported", err)
	}
	if err := p.SubmitToolOutputs(ctx, RunHandle{ID: "r"}, nil); !errors.Is(err, ErrUnsupported) {
		t.Errorf("SubmitToolOutputs = %v, want ErrUnsupported", err)
	}
}
