// Package compaction keeps event logs bounded by periodically folding old
// invocations into a single summary event. Compaction preserves the folded
// state: re-applying the summary's delta yields the same durable state the
// compacted events produced.
package compaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/logging"
)

// CompactorAuthor is recorded as the author of summary events.
const CompactorAuthor = "compactor"

// Config tunes when and how much the compactor folds.
type Config struct {
	// Interval is the number of completed invocations between compactions.
	Interval int
	// OverlapSize is the number of most recent invocations left uncompacted
	// so the model keeps verbatim context for the freshest turns.
	OverlapSize int
}

// DefaultConfig compacts every three invocations, keeping the last one
// verbatim.
func DefaultConfig() Config {
	return Config{Interval: 3, OverlapSize: 1}
}

// Summarizer reduces a span of events to a single text summary.
type Summarizer interface {
	Summarize(ctx context.Context, events []core.Event) (string, error)
}

// Compactor observes completed invocations per session and compacts the log
// once enough have accumulated. It is safe for concurrent use across
// sessions; per-session bookkeeping is serialized by an internal mutex.
type Compactor struct {
	store      core.SessionStore
	summarizer Summarizer
	cfg        Config
	logger     logging.Logger

	mu       sync.Mutex
	counters map[string]int
}

// Option customizes compactor construction.
type Option func(*Compactor)

// WithLogger sets the structured logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Compactor) { c.logger = logger }
}

// NewCompactor constructs a compactor over the given store. A nil summarizer
// falls back to the deterministic text summarizer.
func NewCompactor(store core.SessionStore, summarizer Summarizer, cfg Config, opts ...Option) *Compactor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.OverlapSize < 0 {
		cfg.OverlapSize = 0
	}
	if summarizer == nil {
		summarizer = NewTextSummarizer()
	}
	c := &Compactor{
		store:      store,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     logging.NoOpLogger{},
		counters:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Observe records one completed invocation for the session and compacts the
// log when the configured interval is reached. A compaction failure leaves
// the log untouched and is returned to the caller; the counter is not reset
// so the next invocation retries.
func (c *Compactor) Observe(ctx context.Context, key core.SessionKey) error {
	c.mu.Lock()
	c.counters[key.String()]++
	due := c.counters[key.String()] >= c.cfg.Interval
	c.mu.Unlock()

	if !due {
		return nil
	}
	if err := c.compact(ctx, key); err != nil {
		return err
	}

	c.mu.Lock()
	c.counters[key.String()] = 0
	c.mu.Unlock()
	return nil
}

// compact folds everything before the overlap window into a summary event.
func (c *Compactor) compact(ctx context.Context, key core.SessionKey) error {
	events, err := c.store.ListEvents(key, 0, 0)
	if err != nil {
		return fmt.Errorf("list events for compaction: %w", err)
	}

	cut, ok := c.cutIndex(events)
	if !ok {
		return nil
	}
	span := events[:cut+1]

	summaryText, err := c.summarizer.Summarize(ctx, span)
	if err != nil {
		return fmt.Errorf("summarize compaction span: %w", err)
	}

	// A prior summary at the head extends the covered range backwards.
	startSeq := span[0].SequenceNo
	if span[0].Actions.Compaction != nil {
		startSeq = span[0].Actions.Compaction.StartSeq
	}
	throughSeq := span[cut].SequenceNo

	summary := core.NewCompactionSummaryEvent(
		CompactorAuthor,
		summaryText,
		core.CompactionSpan{StartSeq: startSeq, EndSeq: throughSeq},
		core.FoldStateDeltas(span),
	)
	if err := c.store.Compact(key, throughSeq, summary); err != nil {
		return fmt.Errorf("compact session %s: %w", key, err)
	}

	c.logger.Info("compaction.applied",
		"session", key.String(),
		"start_seq", startSeq,
		"through_seq", throughSeq,
		"folded_events", len(span),
	)
	return nil
}

// cutIndex locates the last event that belongs to neither of the
// OverlapSize most recent invocations. Returns false when fewer than
// OverlapSize+1 invocations exist in the log.
func (c *Compactor) cutIndex(events []core.Event) (int, bool) {
	var invocations []string
	seen := map[string]bool{}
	for _, ev := range events {
		if ev.InvocationID == "" || seen[ev.InvocationID] {
			continue
		}
		seen[ev.InvocationID] = true
		invocations = append(invocations, ev.InvocationID)
	}
	if len(invocations) <= c.cfg.OverlapSize {
		return 0, false
	}

	keep := map[string]bool{}
	for _, id := range invocations[len(invocations)-c.cfg.OverlapSize:] {
		keep[id] = true
	}

	cut := -1
	for i, ev := range events {
		if keep[ev.InvocationID] {
			break
		}
		cut = i
	}
	if cut < 0 {
		return 0, false
	}
	return cut, true
}
