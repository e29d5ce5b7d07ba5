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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

var ollamaTracer = otel.Tracer("aleutianflow.provider.ollama")

// =============================================================================
// Configuration
// =============================================================================

// OllamaConfig configures a local Ollama backend.
type OllamaConfig struct {
	// Name is the registry name. Default: "ollama".
	Name string

	// BaseURL is the Ollama server address. Required.
	BaseURL string

	// Model is the default model for calls that do not name one.
	// Default: "gpt-oss".
	Model string

	// Timeout bounds one HTTP round trip. Default: 5m.
	Timeout time.Duration

	// Retry bounds transient-failure retries. Zero fields get defaults.
	Retry RetryPolicy

	// Logger for provider operations. Default: slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// Ollama Provider
// =============================================================================

// Ollama talks to a local Ollama server's chat endpoint.
//
// Chat-only: flows binding a tool-augmented step to this provider fail
// at load time.
type Ollama struct {
	name       string
	httpClient *http.Client
	baseURL    string
	model      string
	policy     RetryPolicy
	logger     *slog.Logger
}

// ollamaChatRequest is the /api/chat request body.
type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// ollamaChatResponse is the non-streaming /api/chat reply.
type ollamaChatResponse struct {
	Message   Message `json:"message"`
	CreatedAt string  `json:"created_at"`
	Done      bool    `json:"done"`
}

// NewOllama creates an Ollama provider from explicit configuration.
func NewOllama(cfg OllamaConfig) (*Ollama, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("provider: ollama base url must not be empty")
	}
	if cfg.Name == "" {
		cfg.Name = "ollama"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-oss"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Ollama{
		name:       cfg.Name,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      cfg.Model,
		policy:     cfg.Retry.withDefaults(),
		logger:     cfg.Logger.With(slog.String("component", "provider_ollama")),
	}, nil
}

// NewOllamaFromEnv creates an Ollama provider from OLLAMA_BASE_URL and
// OLLAMA_MODEL.
func NewOllamaFromEnv(logger *slog.Logger) (*Ollama, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		return nil, errors.New("provider: OLLAMA_BASE_URL environment variable not set")
	}
	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		slog.Warn("OLLAMA_MODEL not set, defaulting to gpt-oss")
	}
	return NewOllama(OllamaConfig{BaseURL: baseURL, Model: model, Logger: logger})
}

// Name implements Provider.
func (o *Ollama) Name() string {
	return o.name
}

// Capabilities implements Provider.
func (o *Ollama) Capabilities() Capability {
	return CapChat
}

// SubmitChat implements Provider.
func (o *Ollama) SubmitChat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	if ctx == nil {
		return "", ErrNilContext
	}
	if len(messages) == 0 {
		return "", errors.New("provider: messages must not be empty")
	}

	ctx, span := ollamaTracer.Start(ctx, "Ollama.SubmitChat")
	defer span.End()

	model := o.model
	if params.Model != "" {
		model = params.Model
	}
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(messages)),
	)
	o.logger.Debug("submitting chat", slog.String("model", model))

	payload := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  buildOllamaOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	var reply string
	err = retryDo(ctx, o.policy, o.logger, "submit_chat", func() error {
		var callErr error
		reply, callErr = o.chatOnce(ctx, model, reqBody)
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return reply, nil
}

// chatOnce performs a single /api/chat round trip.
func (o *Ollama) chatOnce(ctx context.Context, model string, reqBody []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req = telemetry.PropagateToRequest(ctx, req)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", &BackendError{Provider: o.name, Op: "submit_chat", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &BackendError{Provider: o.name, Op: "submit_chat", Transient: true, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound && bytes.Contains(respBody, []byte("not found")) {
			return "", &BackendError{
				Provider:   o.name,
				Op:         "submit_chat",
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("model %q not found, run: ollama pull %s", model, model),
			}
		}
		return "", &BackendError{
			Provider:   o.name,
			Op:         "submit_chat",
			StatusCode: resp.StatusCode,
			Transient:  transientStatus(resp.StatusCode),
			Err:        fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", &BackendError{
			Provider: o.name,
			Op:       "submit_chat",
			Err:      fmt.Errorf("parse chat response: %w", err),
		}
	}
	if chatResp.Message.Role != RoleAssistant {
		o.logger.Warn("chat reply role was not assistant", slog.String("role", chatResp.Message.Role))
	}
	return chatResp.Message.Content, nil
}

// SubmitToolRun implements Provider. Ollama does not run tools.
func (o *Ollama) SubmitToolRun(_ context.Context, _ ToolRunRequest) (RunHandle, error) {
	return RunHandle{}, fmt.Errorf("%w: %s does not support tool runs", ErrUnsupported, o.name)
}

// PollToolRun implements Provider. Ollama does not run tools.
func (o *Ollama) PollToolRun(_ context.Context, _ RunHandle) (RunPoll, error) {
	return RunPoll{}, fmt.Errorf("%w: %s does not support tool runs", ErrUnsupported, o.name)
}

// SubmitToolOutputs implements Provider. Ollama does not run tools.
func (o *Ollama) SubmitToolOutputs(_ context.Context, _ RunHandle, _ []ToolOutput) error {
	return fmt.Errorf("%w: %s does not support tool runs", ErrUnsupported, o.name)
}

// buildOllamaOptions maps generation parameters onto Ollama options.
func buildOllamaOptions(params GenerationParams) map[string]any {
	options := make(map[string]any)
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	} else {
		options["top_k"] = 20
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	} else {
		options["top_p"] = float32(0.9)
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	} else {
		options["num_predict"] = 8192
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

var _ Provider = (*Ollama)(nil)
