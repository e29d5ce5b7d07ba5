// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flow orchestrates LLM-driven code modification runs over a
// workspace.
//
// A Session is the root object. It owns the append-only diff ledger,
// the checkpoint chain, the lock manager, the provider and tool
// registries, the rollback coordinator, and the batch scheduler, and
// exposes the four operations the CLI builds on:
//
//	session, err := flow.NewSession(cfg)
//	if err != nil {
//		return err
//	}
//	defer session.Close()
//
//	def, err := flowdef.Load("refactor.yaml")
//	rc, err := session.ExecuteFlow(ctx, def, "tighten error handling", engine.Options{})
//
// ExecuteFlow runs one flow. RunBatch fans a set of flows out under a
// concurrency policy. CreateCheckpoint marks a restorable point, and
// Rollback restores the workspace to a checkpoint or an instant.
//
// Sessions are self-contained. Nothing in this package is
// package-level mutable, so two sessions over different workspaces
// coexist in one process and tests can run them side by side.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/engine"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowdef"
	"github.com/AleutianAI/AleutianFlow/services/flow/index"
	"github.com/AleutianAI/AleutianFlow/services/flow/ledger"
	"github.com/AleutianAI/AleutianFlow/services/flow/lock"
	"github.com/AleutianAI/AleutianFlow/services/flow/provider"
	"github.com/AleutianAI/AleutianFlow/services/flow/rollback"
	"github.com/AleutianAI/AleutianFlow/services/flow/schedule"
	storage "github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
	"github.com/AleutianAI/AleutianFlow/services/flow/tools"
	"github.com/AleutianAI/AleutianFlow/services/flow/vcs"
)

// tracerName scopes this package's spans and instruments.
const tracerName = "aleutian.flow"

// =============================================================================
// Session
// =============================================================================

// Session is one orchestration scope over a workspace.
//
// # Thread Safety
//
// Safe for concurrent use. Operations on one session may overlap;
// file mutations serialize on the lock manager and checkpoint
// creation serializes in the store. Close does not wait for in-flight
// operations, so finish or cancel them first.
type Session struct {
	id        string
	workspace string
	logger    *slog.Logger

	db          *storage.DB
	ledger      *ledger.Ledger
	checkpoints *checkpoint.Store
	locks       *lock.Manager
	repo        vcs.Repository
	worktree    *vcs.Worktree
	providers   *provider.Registry
	tools       *tools.Registry
	indexer     index.Indexer
	weaviate    *index.Weaviate // nil when indexing is disabled
	coordinator *rollback.Coordinator
	scheduler   *schedule.Scheduler

	metrics       *telemetry.Metrics // nil when instrument creation failed
	registrations []metric.Registration

	mu     sync.Mutex
	closed bool
}

// NewSession builds a session from cfg.
//
// # Description
//
// Construction opens every subsystem in dependency order: storage and
// the ledger journal when DataDir is set, then the ledger, the lock
// manager, the version-control backend, the checkpoint store, the
// provider and tool registries, the diff indexer, the rollback
// coordinator, and the batch scheduler. A failure anywhere releases
// everything already opened and returns the error.
//
// Metric instruments are registered against the global meter provider
// last. Their failure degrades the session to unmetered operation
// instead of failing it.
//
// # Inputs
//
//   - cfg: The session configuration. Workspace must name an existing
//     directory.
//
// # Outputs
//
//   - *Session: The ready session. Callers own Close.
//   - error: A validation or subsystem construction error.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()[:12]
	}
	logger = logger.With(slog.String("session_id", id))

	workspace, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace %s: %w", cfg.Workspace, err)
	}
	info, err := os.Stat(workspace)
	if err != nil {
		return nil, fmt.Errorf("stating workspace %s: %w", workspace, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("flow: workspace %s is not a directory", workspace)
	}

	s := &Session{id: id, workspace: workspace, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = s.release()
		}
	}()

	// Storage and ledger. An empty DataDir keeps history memory-only.
	var journal *ledger.Journal
	if cfg.DataDir != "" {
		storageCfg := storage.DefaultConfig()
		storageCfg.Path = filepath.Join(cfg.DataDir, "journal")
		storageCfg.Logger = logger
		s.db, err = storage.OpenDB(storageCfg)
		if err != nil {
			return nil, fmt.Errorf("opening session storage: %w", err)
		}
		journal, err = ledger.NewJournal(s.db, id, logger)
		if err != nil {
			return nil, fmt.Errorf("opening session journal: %w", err)
		}
	}
	s.ledger, err = ledger.New(ledger.Config{Logger: logger, Journal: journal})
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	s.locks, err = lock.NewManager(lock.Config{
		LockDir:        cfg.LockDir,
		SessionID:      id,
		AcquireTimeout: time.Duration(cfg.LockTimeoutSeconds) * time.Second,
		TTL:            time.Duration(cfg.LockTTLSeconds) * time.Second,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("starting lock manager: %w", err)
	}

	backend := cfg.VCS
	if backend == "" {
		backend = "git"
	}
	switch backend {
	case "git":
		s.repo, err = vcs.NewGit(workspace, logger)
	case "memory":
		s.repo, err = vcs.NewMemory(workspace)
	default:
		err = fmt.Errorf("flow: unknown vcs backend %q", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening vcs backend: %w", err)
	}
	s.worktree, err = vcs.NewWorktree(workspace)
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}

	s.checkpoints, err = checkpoint.NewStore(checkpoint.Config{
		Committer: s.repo,
		DB:        s.db,
		SessionID: id,
		Ledger:    s.ledger,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}

	if err = s.registerProviders(cfg.Providers, logger); err != nil {
		return nil, err
	}

	s.tools = tools.NewRegistry()
	if err = tools.RegisterBuiltins(s.tools, s.worktree); err != nil {
		return nil, fmt.Errorf("registering builtin tools: %w", err)
	}

	s.indexer = index.Noop{}
	if ic := cfg.Index.Weaviate; ic != nil {
		s.weaviate, err = index.NewWeaviate(index.Config{
			URL:    ic.URL,
			Class:  ic.Class,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("starting diff indexer: %w", err)
		}
		s.indexer = s.weaviate
	}

	s.coordinator, err = rollback.NewCoordinator(rollback.Config{
		Ledger:      s.ledger,
		Worktree:    s.worktree,
		Locks:       s.locks,
		Checkpoints: s.checkpoints,
		Repo:        s.repo,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("starting rollback coordinator: %w", err)
	}

	s.scheduler = schedule.NewScheduler(schedule.Config{
		Workers:     cfg.Workers,
		MaxInFlight: cfg.MaxInFlight,
		Logger:      logger,
	})

	s.initMetrics()

	logger.Info("session opened",
		slog.String("workspace", workspace),
		slog.String("vcs", backend),
		slog.Bool("durable", s.db != nil),
		slog.Int("providers", len(s.providers.Names())),
	)

	ok = true
	return s, nil
}

// registerProviders builds the provider registry from the
// configuration. An OpenAI section without an api_key is configured
// entirely from the environment, secret file included.
func (s *Session) registerProviders(cfg ProvidersConfig, logger *slog.Logger) error {
	s.providers = provider.NewRegistry()
	if pc := cfg.Ollama; pc != nil {
		p, err := provider.NewOllama(provider.OllamaConfig{
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("configuring ollama provider: %w", err)
		}
		if err := s.providers.Register(p); err != nil {
			return err
		}
	}
	if pc := cfg.OpenAI; pc != nil {
		var p *provider.OpenAI
		var err error
		if pc.APIKey != "" {
			p, err = provider.NewOpenAI(provider.OpenAIConfig{
				APIKey:  pc.APIKey,
				BaseURL: pc.BaseURL,
				Model:   pc.Model,
				Logger:  logger,
			})
		} else {
			p, err = provider.NewOpenAIFromEnv(logger)
		}
		if err != nil {
			return fmt.Errorf("configuring openai provider: %w", err)
		}
		if err := s.providers.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// initMetrics builds the session instrument set. A metric failure
// logs and leaves the session unmetered rather than failing it.
func (s *Session) initMetrics() {
	meter := otel.Meter(tracerName)
	m, err := telemetry.NewMetrics(meter)
	if err != nil {
		s.logger.Warn("session metrics unavailable",
			slog.String("error", err.Error()))
		return
	}
	s.metrics = m

	reg, err := m.RegisterLedgerRecords(meter, func() int64 {
		return int64(s.ledger.Stats().TotalRecords)
	})
	if err != nil {
		s.logger.Warn("ledger gauge unavailable",
			slog.String("error", err.Error()))
	} else {
		s.registrations = append(s.registrations, reg)
	}

	if s.weaviate != nil {
		reg, err = m.RegisterIndexerDropped(meter, s.weaviate.Dropped)
		if err != nil {
			s.logger.Warn("indexer gauge unavailable",
				slog.String("error", err.Error()))
		} else {
			s.registrations = append(s.registrations, reg)
		}
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Workspace returns the absolute workspace root.
func (s *Session) Workspace() string { return s.workspace }

// Checkpoints returns the checkpoint chain, oldest first.
func (s *Session) Checkpoints() []*checkpoint.Checkpoint {
	return s.checkpoints.List()
}

// LedgerStats reports ledger counters for status output.
func (s *Session) LedgerStats() ledger.Stats {
	return s.ledger.Stats()
}

// RegisterProvider adds a custom LLM backend to the session. Flows
// reference it by p.Name(). Configured backends share the registry,
// so a custom one may not reuse their names.
func (s *Session) RegisterProvider(p provider.Provider) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.providers.Register(p)
}

// =============================================================================
// Operations
// =============================================================================

// ExecuteFlow binds def against the session's providers and tools and
// runs it.
//
// # Inputs
//
//   - ctx: Cancels the run between steps and inside provider calls.
//   - def: The flow definition. Binding failures are fatal and never
//     retried.
//   - input: The initial flow input.
//   - opts: Per-run execution options. Zero value means file-granular
//     diffs and one checkpoint at run end.
//
// # Outputs
//
//   - *engine.Context: The finished run context, also returned on
//     failure when the run got far enough to produce one.
//   - error: A ConfigError, a run error from the failure taxonomy, or
//     ctx.Err().
func (s *Session) ExecuteFlow(ctx context.Context, def *flowdef.Flow, input string, opts engine.Options) (*engine.Context, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if def == nil {
		return nil, ErrNilFlow
	}
	if err := s.guard(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "session.execute_flow",
		trace.WithAttributes(attribute.String("flow.name", def.Name)))
	defer span.End()

	bound, err := flowdef.Bind(def, s.providers, s.tools)
	if err != nil {
		s.countError(ctx, err)
		telemetry.RecordError(span, err)
		return nil, err
	}
	exec, err := engine.NewExecutor(bound, s.deps())
	if err != nil {
		s.countError(ctx, err)
		telemetry.RecordError(span, err)
		return nil, err
	}

	rc, err := exec.Run(ctx, input, opts)
	if err != nil {
		s.countError(ctx, err)
		telemetry.RecordError(span, err)
		telemetry.LoggerWithTrace(ctx, s.logger).Error("flow run failed",
			slog.String("flow", def.Name),
			slog.String("kind", ErrorKind(err)),
			slog.String("error", err.Error()))
		return rc, err
	}
	telemetry.SetSpanOK(span)
	return rc, nil
}

// CreateCheckpoint snapshots the workspace under label, covering
// every ledger record not yet captured by an earlier checkpoint.
func (s *Session) CreateCheckpoint(ctx context.Context, label string) (*checkpoint.Checkpoint, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := s.guard(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "session.create_checkpoint",
		trace.WithAttributes(attribute.String("checkpoint.label", label)))
	defer span.End()

	cp, err := s.checkpoints.Create(ctx, label, nil, nil)
	if err != nil {
		s.countError(ctx, err)
		telemetry.RecordError(span, err)
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.CheckpointsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("trigger", "manual")))
	}
	telemetry.SetSpanOK(span)
	return cp, nil
}

// RollbackTarget names what to roll back to. Exactly one field must
// be set.
type RollbackTarget struct {
	// CheckpointID selects a reset to that checkpoint's commit.
	CheckpointID string

	// Before selects a temporal rollback: every change at or after
	// this instant is inverted, newest first.
	Before time.Time
}

// Rollback restores the workspace per target.
//
// # Description
//
// A checkpoint target resets the working tree to the checkpoint's
// commit and marks the undone ledger records superseded. A temporal
// target inverts changes file by file without touching version
// control. Files whose current content no longer matches what the
// inverse expects are reported in Result.Conflicts and left alone.
//
// # Outputs
//
//   - rollback.Result: What was undone, skipped, or conflicted. Valid
//     even when error is non-nil.
//   - error: ErrInvalidRollbackTarget, an unknown checkpoint id, or a
//     coordinator error.
func (s *Session) Rollback(ctx context.Context, target RollbackTarget) (rollback.Result, error) {
	if ctx == nil {
		return rollback.Result{}, ErrNilContext
	}
	if err := s.guard(); err != nil {
		return rollback.Result{}, err
	}
	hasCheckpoint := target.CheckpointID != ""
	hasCutoff := !target.Before.IsZero()
	if hasCheckpoint == hasCutoff {
		return rollback.Result{}, ErrInvalidRollbackTarget
	}

	mode := rollback.ModeTemporal
	if hasCheckpoint {
		mode = rollback.ModeCheckpoint
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "session.rollback",
		trace.WithAttributes(attribute.String("rollback.mode", string(mode))))
	defer span.End()

	start := time.Now()
	var res rollback.Result
	var err error
	if hasCheckpoint {
		res, err = s.coordinator.ToCheckpoint(ctx, target.CheckpointID)
	} else {
		res, err = s.coordinator.ToTimestamp(ctx, target.Before)
	}
	elapsed := time.Since(start)

	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.RollbacksTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", string(mode)),
			attribute.String("status", status),
		))
		s.metrics.RollbackDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("mode", string(mode))))
		if n := len(res.Conflicts); n > 0 {
			s.metrics.RollbackConflictsTotal.Add(ctx, int64(n),
				metric.WithAttributes(attribute.String("mode", string(mode))))
		}
	}
	if err != nil {
		s.countError(ctx, err)
		telemetry.RecordError(span, err)
		return res, err
	}
	telemetry.SetSpanOK(span)
	return res, nil
}

// BatchTask describes one flow run inside a batch.
type BatchTask struct {
	// Name labels the task in results. Defaults to the flow name.
	Name string

	// Flow is the definition to run. Required.
	Flow *flowdef.Flow

	// Input seeds the run.
	Input string

	// Options are per-run execution options.
	Options engine.Options
}

// RunBatch binds and runs a set of flows under policy.
//
// # Description
//
// Every definition is bound before anything runs. A binding failure
// fails the whole batch up front, so a bad definition never costs the
// side effects of its siblings. Individual run failures after that do
// not stop the batch; they land in their TaskResult.
//
// # Outputs
//
//   - []schedule.TaskResult: One result per task, in input order.
//   - error: A binding error, an unknown policy, or ctx.Err() when
//     the batch was cut short.
func (s *Session) RunBatch(ctx context.Context, tasks []BatchTask, policy schedule.Policy) ([]schedule.TaskResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := s.guard(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	scheduled := make([]schedule.Task, len(tasks))
	for i, t := range tasks {
		if t.Flow == nil {
			return nil, fmt.Errorf("%w: batch task %d", ErrNilFlow, i)
		}
		name := taskName(t, i)
		bound, err := flowdef.Bind(t.Flow, s.providers, s.tools)
		if err != nil {
			s.countError(ctx, err)
			return nil, fmt.Errorf("binding batch task %q: %w", name, err)
		}
		exec, err := engine.NewExecutor(bound, s.deps())
		if err != nil {
			s.countError(ctx, err)
			return nil, fmt.Errorf("building batch task %q: %w", name, err)
		}
		scheduled[i] = schedule.Task{
			Name:    name,
			Runner:  exec,
			Input:   t.Input,
			Options: t.Options,
		}
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "session.run_batch",
		trace.WithAttributes(
			attribute.String("batch.policy", string(policy)),
			attribute.Int("batch.tasks", len(tasks)),
		))
	defer span.End()

	start := time.Now()
	results, err := s.scheduler.RunBatch(ctx, scheduled, policy)
	elapsed := time.Since(start)

	failed := 0
	for i := range results {
		if results[i].Err != nil {
			failed++
			s.countError(ctx, results[i].Err)
		}
	}
	if s.metrics != nil {
		status := "ok"
		if err != nil || failed > 0 {
			status = "failed"
		}
		s.metrics.BatchesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("policy", string(policy)),
			attribute.String("status", status),
		))
		s.metrics.BatchDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("policy", string(policy))))
		if done := len(results) - failed; done > 0 {
			s.metrics.BatchTasksTotal.Add(ctx, int64(done),
				metric.WithAttributes(attribute.String("status", "ok")))
		}
		if failed > 0 {
			s.metrics.BatchTasksTotal.Add(ctx, int64(failed),
				metric.WithAttributes(attribute.String("status", "failed")))
		}
	}
	if err != nil {
		s.countError(ctx, err)
		telemetry.RecordError(span, err)
		return results, err
	}
	telemetry.SetSpanOK(span)
	return results, nil
}

// taskName resolves the display name for a batch task.
func taskName(t BatchTask, i int) string {
	if t.Name != "" {
		return t.Name
	}
	if t.Flow != nil && t.Flow.Name != "" {
		return t.Flow.Name
	}
	return fmt.Sprintf("task-%d", i)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Close releases the session: the indexer drains, the ledger flushes
// its journal, locks release, and the database closes. Safe to call
// more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.release()
}

// release closes whatever was built, in reverse construction order.
// The journal writes into the database, so the ledger closes first
// and the database last.
func (s *Session) release() error {
	var firstErr error
	for _, reg := range s.registrations {
		if err := reg.Unregister(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.registrations = nil
	if s.weaviate != nil {
		if err := s.weaviate.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.locks != nil {
		if err := s.locks.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// guard rejects operations on a closed session.
func (s *Session) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// deps assembles the executor dependency set shared by every run.
func (s *Session) deps() engine.Deps {
	return engine.Deps{
		Ledger:      s.ledger,
		Checkpoints: s.checkpoints,
		Locks:       s.locks,
		Tools:       s.tools,
		Worktree:    s.worktree,
		Indexer:     s.indexer,
		Logger:      s.logger,
	}
}

// countError records err on the session error counter by kind.
func (s *Session) countError(ctx context.Context, err error) {
	if s.metrics == nil || err == nil {
		return
	}
	s.metrics.ErrorsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", ErrorKind(err))))
}
