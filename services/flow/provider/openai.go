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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// =============================================================================
// Configuration
// =============================================================================

// OpenAIConfig configures an OpenAI-compatible backend.
type OpenAIConfig struct {
	// Name is the registry name. Default: "openai".
	Name string

	// APIKey authenticates requests. Required.
	APIKey string

	// BaseURL overrides the API endpoint for OpenAI-compatible servers.
	// Empty uses the official endpoint.
	BaseURL string

	// Model is the default model for calls that do not name one.
	// Default: "gpt-4o-mini".
	Model string

	// Retry bounds transient-failure retries. Zero fields get defaults.
	Retry RetryPolicy

	// Logger for provider operations. Default: slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// OpenAI Provider
// =============================================================================

// OpenAI talks to the OpenAI chat-completion API, or any server speaking
// the same protocol.
//
// # Description
//
// Simple completion maps directly onto one chat-completion call. Tool
// runs are built on top of the same call: each poll of a queued run
// performs one completion round with the run's tool list; a reply that
// requests tool calls parks the run in StatusNeedsAction until outputs
// arrive, and a plain reply completes it. Terminal runs stay queryable
// for the provider's lifetime.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent polls of the same run observe
// StatusRunning while a round is in flight; only one round runs at a
// time per run.
type OpenAI struct {
	name   string
	client *openai.Client
	model  string
	policy RetryPolicy
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*toolRun
}

// toolRun is the provider-side state of one tool-augmented run.
type toolRun struct {
	id       string
	model    string
	params   GenerationParams
	tools    []openai.Tool
	messages []openai.ChatCompletionMessage
	status   RunStatus
	result   string
	actions  []ActionRequest
	failure  string
}

// snapshot copies the observable state for a poll reply.
func (r *toolRun) snapshot() RunPoll {
	poll := RunPoll{
		Status:        r.status,
		Result:        r.result,
		FailureReason: r.failure,
	}
	if len(r.actions) > 0 {
		poll.Actions = make([]ActionRequest, len(r.actions))
		copy(poll.Actions, r.actions)
	}
	return poll
}

// NewOpenAI creates an OpenAI provider from explicit configuration.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("provider: openai api key must not be empty")
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &OpenAI{
		name:   cfg.Name,
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		policy: cfg.Retry.withDefaults(),
		logger: cfg.Logger.With(slog.String("component", "provider_openai")),
		runs:   map[string]*toolRun{},
	}, nil
}

// NewOpenAIFromEnv creates an OpenAI provider from OPENAI_API_KEY,
// OPENAI_MODEL and OPENAI_BASE_URL, falling back to the container
// secret for the key.
func NewOpenAIFromEnv(logger *slog.Logger) (*OpenAI, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		content, err := os.ReadFile(secretPath)
		if err != nil {
			return nil, fmt.Errorf("provider: OPENAI_API_KEY not set and secret not found at %s", secretPath)
		}
		apiKey = strings.TrimSpace(string(content))
		slog.Info("Read the OpenAI API Key from Podman Secrets")
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}

	return NewOpenAI(OpenAIConfig{
		APIKey:  apiKey,
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:   model,
		Logger:  logger,
	})
}

// Name implements Provider.
func (o *OpenAI) Name() string {
	return o.name
}

// Capabilities implements Provider.
func (o *OpenAI) Capabilities() Capability {
	return CapChat | CapToolRuns
}

// SubmitChat implements Provider.
func (o *OpenAI) SubmitChat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	if ctx == nil {
		return "", ErrNilContext
	}
	if len(messages) == 0 {
		return "", errors.New("provider: messages must not be empty")
	}

	req := o.buildRequest(toOpenAIMessages(messages), nil, params)
	o.logger.Debug("submitting chat", slog.String("model", req.Model), slog.Int("messages", len(messages)))

	resp, err := o.createCompletion(ctx, "submit_chat", req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("provider %s: %w", o.name, ErrEmptyReply)
	}
	return resp.Choices[0].Message.Content, nil
}

// SubmitToolRun implements Provider.
func (o *OpenAI) SubmitToolRun(ctx context.Context, req ToolRunRequest) (RunHandle, error) {
	if ctx == nil {
		return RunHandle{}, ErrNilContext
	}
	if req.Input == "" && req.Instructions == "" {
		return RunHandle{}, errors.New("provider: tool run needs instructions or input")
	}

	var messages []openai.ChatCompletionMessage
	if req.Instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Instructions,
		})
	}
	if req.Input != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Input,
		})
	}

	run := &toolRun{
		id:       uuid.NewString(),
		model:    req.Model,
		params:   req.Params,
		tools:    toOpenAITools(req.Tools),
		messages: messages,
		status:   StatusQueued,
	}

	o.mu.Lock()
	o.runs[run.id] = run
	o.mu.Unlock()

	o.logger.Debug("tool run accepted",
		slog.String("run_id", run.id),
		slog.Int("tools", len(req.Tools)))
	return RunHandle{ID: run.id}, nil
}

// PollToolRun implements Provider.
//
// A queued run advances by one backend round under ctx; any other state
// returns a snapshot without backend work. Context cancellation during
// a round re-queues the run so a later poll can retry it; a backend
// failure that survives the retry budget fails the run.
func (o *OpenAI) PollToolRun(ctx context.Context, handle RunHandle) (RunPoll, error) {
	if ctx == nil {
		return RunPoll{}, ErrNilContext
	}

	o.mu.Lock()
	run, ok := o.runs[handle.ID]
	if !ok {
		o.mu.Unlock()
		return RunPoll{}, fmt.Errorf("%w: %s", ErrUnknownRun, handle.ID)
	}
	if run.status != StatusQueued {
		poll := run.snapshot()
		o.mu.Unlock()
		return poll, nil
	}
	run.status = StatusRunning
	req := o.buildRequest(run.messages, run.tools, run.params)
	if run.model != "" {
		req.Model = run.model
	}
	o.mu.Unlock()

	resp, err := o.createCompletion(ctx, "poll_tool_run", req)

	o.mu.Lock()
	defer o.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			run.status = StatusQueued
			return RunPoll{}, err
		}
		run.status = StatusFailed
		run.failure = err.Error()
		o.logger.Warn("tool run failed",
			slog.String("run_id", run.id),
			slog.String("error", run.failure))
		return run.snapshot(), nil
	}

	if len(resp.Choices) == 0 {
		run.status = StatusFailed
		run.failure = ErrEmptyReply.Error()
		return run.snapshot(), nil
	}

	msg := resp.Choices[0].Message
	run.messages = append(run.messages, msg)

	if len(msg.ToolCalls) > 0 {
		run.status = StatusNeedsAction
		run.actions = toActionRequests(msg.ToolCalls)
		o.logger.Debug("tool run needs action",
			slog.String("run_id", run.id),
			slog.Int("actions", len(run.actions)))
	} else {
		run.status = StatusCompleted
		run.result = msg.Content
		o.logger.Debug("tool run completed", slog.String("run_id", run.id))
	}
	return run.snapshot(), nil
}

// SubmitToolOutputs implements Provider.
//
// Every pending action must receive exactly one output; the run then
// re-queues for its next round.
func (o *OpenAI) SubmitToolOutputs(ctx context.Context, handle RunHandle, outputs []ToolOutput) error {
	if ctx == nil {
		return ErrNilContext
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	run, ok := o.runs[handle.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, handle.ID)
	}
	if run.status != StatusNeedsAction {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotWaiting, run.id, run.status)
	}

	pending := make(map[string]bool, len(run.actions))
	for _, action := range run.actions {
		pending[action.CallID] = false
	}
	for _, out := range outputs {
		if _, ok := pending[out.CallID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownToolCall, out.CallID)
		}
		pending[out.CallID] = true
		run.messages = append(run.messages, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    out.Output,
			ToolCallID: out.CallID,
		})
	}
	for callID, covered := range pending {
		if !covered {
			return fmt.Errorf("%w: %s", ErrMissingToolOutput, callID)
		}
	}

	run.actions = nil
	run.status = StatusQueued
	return nil
}

// createCompletion performs one chat-completion call with retries.
func (o *OpenAI) createCompletion(ctx context.Context, op string, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	err := retryDo(ctx, o.policy, o.logger, op, func() error {
		var callErr error
		resp, callErr = o.client.CreateChatCompletion(ctx, req)
		return o.classify(op, callErr)
	})
	return resp, err
}

// buildRequest assembles a chat-completion request from run state.
func (o *OpenAI) buildRequest(messages []openai.ChatCompletionMessage, tools []openai.Tool, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Tools:    tools,
	}
	if params.Model != "" {
		req.Model = params.Model
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// classify wraps a backend failure with retry classification. Context
// cancellation passes through untouched.
func (o *OpenAI) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &BackendError{
			Provider:   o.name,
			Op:         op,
			StatusCode: apiErr.HTTPStatusCode,
			Transient:  transientStatus(apiErr.HTTPStatusCode),
			Err:        err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &BackendError{
			Provider:   o.name,
			Op:         op,
			StatusCode: reqErr.HTTPStatusCode,
			Transient:  transientStatus(reqErr.HTTPStatusCode),
			Err:        err,
		}
	}

	// Transport failure with no HTTP status; the server may be starting.
	return &BackendError{Provider: o.name, Op: op, Transient: true, Err: err}
}

// toOpenAIMessages converts the neutral message form.
func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// toOpenAITools converts tool definitions to the wire form.
func toOpenAITools(tools []ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		}
	}
	return out
}

// toActionRequests converts backend tool calls to action requests.
func toActionRequests(calls []openai.ToolCall) []ActionRequest {
	out := make([]ActionRequest, len(calls))
	for i, call := range calls {
		out[i] = ActionRequest{
			CallID:    call.ID,
			Tool:      call.Function.Name,
			Arguments: call.Function.Arguments,
		}
	}
	return out
}

var _ Provider = (*OpenAI)(nil)
