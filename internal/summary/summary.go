// Package summary implements the Tier-2 running-summary background
// worker: it periodically condenses older turns of active conversations
// into a stored summary (store.SaveSummary) once a conversation exceeds
// a compaction threshold, feeding Tier 2 of the Prompt Assembler. Grounded on the
// teacher's internal/summarizer.Worker Config/scan/pause-between shape.
package summary

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/inkwell-ai/inkwell/internal/branch"
	"github.com/inkwell-ai/inkwell/internal/chatmodel"
	"github.com/inkwell-ai/inkwell/internal/store"
)

// Generator produces a condensed summary of a run of older messages.
// cmd/inkwelld's sidecar-backed summarizer is the production
// implementation; tests supply a stub.
type Generator interface {
	Summarize(ctx context.Context, messages []*chatmodel.Message) (string, error)
}

// Config controls the summary worker's schedule and trigger threshold.
type Config struct {
	// Interval between periodic scans of all conversations.
	Interval time.Duration
	// Timeout per individual conversation's summarization call.
	Timeout time.Duration
	// PauseBetween is the delay between processing consecutive
	// conversations, so a large backlog doesn't starve interactive
	// generations for the sidecar.
	PauseBetween time.Duration
	// CompactionThreshold is the message count in the active path
	// beyond which the oldest turns become summarization candidates.
	CompactionThreshold int
	// KeepRecent is how many of the newest messages are left
	// unsummarized regardless of threshold, so Tier 5 history always
	// has real turns to show.
	KeepRecent int
}

// DefaultConfig returns sensible defaults for the summary worker.
func DefaultConfig() Config {
	return Config{
		Interval:            5 * time.Minute,
		Timeout:             60 * time.Second,
		PauseBetween:        2 * time.Second,
		CompactionThreshold: 40,
		KeepRecent:          20,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.PauseBetween <= 0 {
		c.PauseBetween = d.PauseBetween
	}
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = d.CompactionThreshold
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = d.KeepRecent
	}
}

// Worker periodically scans conversations whose active path has grown
// past CompactionThreshold and condenses their oldest turns.
type Worker struct {
	store     *store.Store
	branch    *branch.Manager
	generator Generator
	logger    *slog.Logger
	config    Config

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a summary worker. Call Start to begin processing.
func New(st *store.Store, br *branch.Manager, gen Generator, logger *slog.Logger, cfg Config) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:     st,
		branch:    br,
		generator: gen,
		logger:    logger.With("component", "summary"),
		config:    cfg,
		done:      make(chan struct{}),
	}
}

// Start begins the background worker, scanning once immediately then
// at each Interval tick.
func (w *Worker) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(workerCtx)
}

// Stop cancels the worker and waits for its goroutine to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	w.scan(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("summary worker stopped")
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *Worker) scan(ctx context.Context) {
	convs, err := w.store.ListConversations()
	if err != nil {
		w.logger.Error("failed to list conversations", "error", err)
		return
	}

	for _, conv := range convs {
		if ctx.Err() != nil {
			return
		}
		w.compactIfNeeded(ctx, conv)
		if !sleepCtx(ctx, w.config.PauseBetween) {
			return
		}
	}
}

func (w *Worker) compactIfNeeded(ctx context.Context, conv *chatmodel.Conversation) {
	msgs, err := w.branch.ActivePath(conv.ID)
	if err != nil {
		w.logger.Warn("failed to load active path", "conversation", conv.ID, "error", err)
		return
	}
	if len(msgs) <= w.config.CompactionThreshold {
		return
	}

	stale := msgs[:len(msgs)-w.config.KeepRecent]
	if len(stale) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	summaryText, err := w.generator.Summarize(ctx, stale)
	if err != nil {
		w.logger.Warn("failed to summarize conversation", "conversation", conv.ID, "error", err)
		return
	}
	if strings.TrimSpace(summaryText) == "" {
		return
	}

	last := stale[len(stale)-1]
	if _, err := w.store.SaveSummary(conv.ID, summaryText, last.ID); err != nil {
		w.logger.Warn("failed to save summary", "conversation", conv.ID, "error", err)
		return
	}

	w.logger.Info("compacted conversation into summary",
		"conversation", conv.ID, "messages_summarized", len(stale), "summary_len", len(summaryText))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
