// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianFlow/services/flow/ledger"
)

// =============================================================================
// Configuration
// =============================================================================

// DefaultClass is the Weaviate class diff records are stored under.
const DefaultClass = "FlowDiff"

// Config configures the Weaviate indexer.
type Config struct {
	// URL is the Weaviate server URL (e.g., "http://localhost:8080").
	URL string

	// Class is the target class name. Default: FlowDiff.
	Class string

	// QueueSize bounds the in-flight record queue; records past it are
	// dropped and counted. Default: 256.
	QueueSize int

	// RetryAttempts is the number of retries per record. Default: 3.
	RetryAttempts int

	// RetryBackoff is the initial backoff between retries.
	// Default: 100ms.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff. Default: 5s.
	MaxRetryBackoff time.Duration

	// RetryJitter adds randomness to backoff (0.0-1.0).
	// Default: 0.25 (±25%)
	RetryJitter float64

	// CircuitThreshold is the number of consecutively failed records
	// before the indexer stops trying for a cooldown. Default: 5.
	CircuitThreshold int

	// CircuitCooldown is how long the circuit stays open; records
	// arriving meanwhile are dropped and counted. Default: 30s.
	CircuitCooldown time.Duration

	// SendTimeout bounds one record's round trips. Default: 10s.
	SendTimeout time.Duration

	// Logger for indexer operations. Default: slog.Default().
	Logger *slog.Logger
}

// applyDefaults fills in zero values with defaults.
func (c *Config) applyDefaults() {
	if c.Class == "" {
		c.Class = DefaultClass
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = 5 * time.Second
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = 0.25
	}
	if c.CircuitThreshold == 0 {
		c.CircuitThreshold = 5
	}
	if c.CircuitCooldown == 0 {
		c.CircuitCooldown = 30 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// =============================================================================
// Weaviate Indexer
// =============================================================================

// Weaviate indexes diff records into a Weaviate class.
//
// # Description
//
// IndexDiff enqueues and returns immediately; a single worker drains
// the queue, ensures the class schema exists, and writes one object
// per record with retry and jittered exponential backoff. After a
// streak of failed records the circuit opens for a cooldown and
// arriving records are dropped, so an unreachable index never backs
// up a run.
//
// # Thread Safety
//
// Safe for concurrent use.
type Weaviate struct {
	client *weaviate.Client
	cfg    Config
	logger *slog.Logger

	queue  chan ledger.DiffRecord
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	indexed atomic.Int64
	dropped atomic.Int64

	// Worker-owned circuit state.
	failStreak int
	openedAt   time.Time
	schemaOK   bool
}

var _ Indexer = (*Weaviate)(nil)

// NewWeaviate creates the indexer and starts its worker. The server is
// not contacted until the first record arrives.
func NewWeaviate(cfg Config) (*Weaviate, error) {
	cfg.applyDefaults()
	if cfg.URL == "" {
		return nil, errors.New("index: url must not be empty")
	}

	wcfg := weaviate.Config{
		Host:   cfg.URL,
		Scheme: "http",
	}
	if strings.HasPrefix(cfg.URL, "https://") {
		wcfg.Scheme = "https"
		wcfg.Host = cfg.URL[len("https://"):]
	} else if strings.HasPrefix(cfg.URL, "http://") {
		wcfg.Host = cfg.URL[len("http://"):]
	}

	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	w := &Weaviate{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "diff_indexer")),
		queue:  make(chan ledger.DiffRecord, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// IndexDiff enqueues one record. A full queue drops the record.
func (w *Weaviate) IndexDiff(_ context.Context, rec ledger.DiffRecord) {
	select {
	case w.queue <- rec:
	default:
		w.dropped.Add(1)
		w.logger.Warn("index queue full, dropping record",
			slog.String("diff_id", rec.ID),
			slog.String("file", rec.FilePath))
	}
}

// Indexed returns the number of records written so far.
func (w *Weaviate) Indexed() int64 { return w.indexed.Load() }

// Dropped returns the number of records dropped so far.
func (w *Weaviate) Dropped() int64 { return w.dropped.Load() }

// Close stops the worker after draining already queued records.
func (w *Weaviate) Close() error {
	w.once.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
	})
	return nil
}

// run is the worker loop.
func (w *Weaviate) run() {
	defer w.wg.Done()
	for {
		select {
		case rec := <-w.queue:
			w.process(rec)
		case <-w.stopCh:
			for {
				select {
				case rec := <-w.queue:
					w.process(rec)
				default:
					return
				}
			}
		}
	}
}

// process writes one record, honoring the circuit state.
func (w *Weaviate) process(rec ledger.DiffRecord) {
	if w.circuitOpen() {
		w.dropped.Add(1)
		return
	}

	if err := w.send(rec); err != nil {
		w.failStreak++
		w.logger.Warn("indexing diff failed",
			slog.String("diff_id", rec.ID),
			slog.String("file", rec.FilePath),
			slog.Int("streak", w.failStreak),
			slog.String("error", err.Error()))
		if w.failStreak >= w.cfg.CircuitThreshold {
			w.openedAt = time.Now()
			w.logger.Warn("index circuit opened",
				slog.Int("failures", w.failStreak),
				slog.Duration("cooldown", w.cfg.CircuitCooldown))
		}
		return
	}

	w.failStreak = 0
	w.indexed.Add(1)
}

// circuitOpen reports whether the cooldown is still in effect. The
// worker is single-goroutine, so the first record after the cooldown
// is the half-open probe.
func (w *Weaviate) circuitOpen() bool {
	if w.failStreak < w.cfg.CircuitThreshold {
		return false
	}
	if time.Since(w.openedAt) >= w.cfg.CircuitCooldown {
		w.failStreak = w.cfg.CircuitThreshold - 1
		return false
	}
	return true
}

// send writes one record with retries.
func (w *Weaviate) send(rec ledger.DiffRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SendTimeout)
	defer cancel()

	if !w.schemaOK {
		if err := w.ensureClass(ctx); err != nil {
			return fmt.Errorf("ensuring class %s: %w", w.cfg.Class, err)
		}
		w.schemaOK = true
	}

	props := map[string]any{
		"diffId":       rec.ID,
		"filePath":     rec.FilePath,
		"diffText":     rec.DiffText,
		"changedUnits": rec.ChangedUnits,
		"mode":         rec.Mode.String(),
		"flow":         rec.Metadata["flow"],
		"runId":        rec.Metadata["run_id"],
		"step":         rec.Metadata["step"],
		"createdAt":    rec.CreatedAt.UnixMilli(),
	}

	var lastErr error
	for attempt := 0; attempt <= w.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.backoff(attempt)):
			}
		}

		_, lastErr = w.client.Data().Creator().
			WithClassName(w.cfg.Class).
			WithProperties(props).
			Do(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// ensureClass creates the target class when it does not exist yet.
func (w *Weaviate) ensureClass(ctx context.Context) error {
	_, err := w.client.Schema().ClassGetter().WithClassName(w.cfg.Class).Do(ctx)
	if err == nil {
		return nil
	}

	indexFilterable := new(bool)
	*indexFilterable = true

	class := &models.Class{
		Class:       w.cfg.Class,
		Description: "One committed diff record from the flow change ledger.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "diffId",
				DataType:        []string{"text"},
				Description:     "Ledger record id (UUIDv7).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "filePath",
				DataType:        []string{"text"},
				Description:     "Workspace-relative file path.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "diffText",
				DataType:    []string{"text"},
				Description: "Serialized positional diff.",
			},
			{
				Name:        "changedUnits",
				DataType:    []string{"int"},
				Description: "Changed lines or units.",
			},
			{
				Name:            "mode",
				DataType:        []string{"text"},
				Description:     "Diff granularity: file or function.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "flow",
				DataType:        []string{"text"},
				Description:     "Flow name that produced the diff.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "runId",
				DataType:        []string{"text"},
				Description:     "Run id that produced the diff.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "step",
				DataType:        []string{"text"},
				Description:     "Step name that produced the diff.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "createdAt",
				DataType:    []string{"number"},
				Description: "Unix milliseconds the ledger committed the record.",
			},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create class: %w", err)
	}
	w.logger.Info("created index class", slog.String("class", w.cfg.Class))
	return nil
}

// backoff returns the jittered exponential backoff for an attempt.
func (w *Weaviate) backoff(attempt int) time.Duration {
	backoff := w.cfg.RetryBackoff * time.Duration(1<<attempt)
	if backoff > w.cfg.MaxRetryBackoff {
		backoff = w.cfg.MaxRetryBackoff
	}

	jitterRange := float64(backoff) * w.cfg.RetryJitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	backoff = time.Duration(float64(backoff) + jitter)

	if backoff < 0 {
		backoff = w.cfg.RetryBackoff
	}
	return backoff
}
