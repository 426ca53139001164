// Package agentrun provides a high-level façade over the invocation runner
// and its services (sessions, state, confirmations, compaction & memory).
// Most applications interact with this package by:
//  1. Creating a Runtime via New() with a model and tools (optionally
//     overriding the default in-memory services)
//  2. Creating sessions and invoking them asynchronously (Invoke) or
//     synchronously (InvokeSync)
//  3. Resuming suspended invocations once a human decision arrives (Resume /
//     ResumeSync) and consolidating finished sessions into long-term memory
//
// The façade delegates orchestration to runner.Runner while keeping setup and
// usage ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply the SQLite session store
// and a structured logger.
package agentrun

import (
	"context"
	"time"

	"github.com/hupe1980/agentrun/compaction"
	"github.com/hupe1980/agentrun/confirmation"
	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/logging"
	"github.com/hupe1980/agentrun/memory"
	"github.com/hupe1980/agentrun/model"
	"github.com/hupe1980/agentrun/runner"
	"github.com/hupe1980/agentrun/session"
	"github.com/hupe1980/agentrun/tool"
)

// Options configures the Runtime instance.
type Options struct {
	// AgentName is recorded as the author of assistant events.
	AgentName string

	// Instructions is the system prompt sent with every model request.
	Instructions string

	// MaxSteps limits model calls per invocation. Zero means the runner
	// default.
	MaxSteps int

	// EventBufferSize sets the channel buffer size for streamed events.
	// Larger buffers reduce blocking but increase memory usage.
	EventBufferSize int

	// ConfirmationTimeout bounds how long a suspended invocation waits for
	// a decision. Expired confirmations resolve as permanent rejections.
	// Zero means no timeout.
	ConfirmationTimeout time.Duration

	// Compaction enables periodic event-log folding when non-nil. The
	// summarizer may be nil; a deterministic text summarizer is used then.
	Compaction *compaction.Config
	Summarizer compaction.Summarizer

	// Stores (defaults to in-memory implementations if not provided)
	SessionStore core.SessionStore
	Memory       core.MemoryService

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Runtime is the high-level façade aggregating the runner and its services.
type Runtime struct {
	opts   Options
	runner *runner.Runner
	store  core.SessionStore
	memory core.MemoryService
}

// New creates a Runtime around the given model and tools. Any unset service
// is initialized with an in-memory implementation.
func New(m model.Model, tools []tool.Tool, optFns ...func(o *Options)) *Runtime {
	opts := Options{
		SessionStore: session.NewInMemoryStore(),
		Memory:       memory.NewInMemoryService(),
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	gate := confirmation.NewGate(
		confirmation.WithTimeout(opts.ConfirmationTimeout),
		confirmation.WithLogger(opts.Logger),
	)

	var compactor *compaction.Compactor
	if opts.Compaction != nil {
		compactor = compaction.NewCompactor(opts.SessionStore, opts.Summarizer, *opts.Compaction,
			compaction.WithLogger(opts.Logger))
	}

	r := runner.New(m, tools, func(o *runner.Options) {
		o.AgentName = opts.AgentName
		o.Instructions = opts.Instructions
		o.MaxSteps = opts.MaxSteps
		o.EventBufferSize = opts.EventBufferSize
		o.SessionStore = opts.SessionStore
		o.Memory = opts.Memory
		o.Gate = gate
		o.Compactor = compactor
		o.Logger = opts.Logger
	})

	return &Runtime{opts: opts, runner: r, store: opts.SessionStore, memory: opts.Memory}
}

// CreateSession allocates a new empty session for the key.
func (rt *Runtime) CreateSession(key core.SessionKey) (*core.Session, error) {
	return rt.store.Create(key)
}

// GetSession returns a snapshot of an existing session.
func (rt *Runtime) GetSession(key core.SessionKey) (*core.Session, error) {
	return rt.store.Get(key)
}

// Invoke starts an asynchronous invocation returning event & error channels.
// The channels close when the invocation completes, fails or suspends; a
// trailing confirmation_request event signals suspension.
func (rt *Runtime) Invoke(
	ctx context.Context,
	key core.SessionKey,
	userContent core.Content,
) (string, <-chan core.Event, <-chan error, error) {
	return rt.runner.Run(ctx, key, userContent)
}

// InvokeSync is a synchronous helper that drains the async channels,
// accumulates events and returns the invocationID.
func (rt *Runtime) InvokeSync(
	ctx context.Context,
	key core.SessionKey,
	userContent core.Content,
) (string, []core.Event, error) {
	invocationID, eventsCh, errorsCh, err := rt.runner.Run(ctx, key, userContent)
	if err != nil {
		return "", nil, err
	}
	events, err := drainChannels(ctx, eventsCh, errorsCh)
	return invocationID, events, err
}

// Resume feeds an external confirmation decision back into a suspended
// invocation and continues it asynchronously.
func (rt *Runtime) Resume(
	ctx context.Context,
	key core.SessionKey,
	invocationID, confirmationID string,
	decision confirmation.Decision,
) (<-chan core.Event, <-chan error, error) {
	return rt.runner.Resume(ctx, key, invocationID, confirmationID, decision)
}

// ResumeSync resumes a suspended invocation and drains the channels until it
// finishes or suspends again.
func (rt *Runtime) ResumeSync(
	ctx context.Context,
	key core.SessionKey,
	invocationID, confirmationID string,
	decision confirmation.Decision,
) ([]core.Event, error) {
	eventsCh, errorsCh, err := rt.runner.Resume(ctx, key, invocationID, confirmationID, decision)
	if err != nil {
		return nil, err
	}
	return drainChannels(ctx, eventsCh, errorsCh)
}

// Cancel aborts a running invocation. Suspended invocations cannot be
// cancelled; resolve their confirmation instead.
func (rt *Runtime) Cancel(invocationID string) error {
	return rt.runner.Cancel(invocationID)
}

// Status reports the lifecycle state of a known invocation.
func (rt *Runtime) Status(invocationID string) (core.Invocation, error) {
	return rt.runner.Status(invocationID)
}

// PendingConfirmation returns the open confirmation request of a suspended
// invocation, if any.
func (rt *Runtime) PendingConfirmation(invocationID string) (confirmation.Request, bool) {
	return rt.runner.Gate().Pending(invocationID)
}

// ConsolidateSession distills the session's conversation into long-term
// memory. Consolidation is explicit and idempotent: repeating it does not
// duplicate records.
func (rt *Runtime) ConsolidateSession(key core.SessionKey) error {
	sess, err := rt.store.Get(key)
	if err != nil {
		return err
	}
	return rt.memory.AddSessionToMemory(sess)
}

// SearchMemory queries consolidated records for the given user.
func (rt *Runtime) SearchMemory(app, user, query string, limit int) ([]core.MemoryRecord, error) {
	return rt.memory.Search(app, user, query, limit)
}

// drainChannels collects events until the channels close or a terminal error
// arrives. Shared by the sync helpers.
func drainChannels(ctx context.Context, eventsCh <-chan core.Event, errorsCh <-chan error) ([]core.Event, error) {
	var events []core.Event
	for {
		select {
		case <-ctx.Done():
			// Context cancelled - return events collected so far
			return events, ctx.Err()

		case event, ok := <-eventsCh:
			if !ok {
				// Events channel closed - check for terminal error
				select {
				case err := <-errorsCh:
					return events, err
				default:
					return events, nil
				}
			}
			events = append(events, event)

		case err := <-errorsCh:
			// Terminal error occurred
			if err != nil {
				return events, err
			}
		}
	}
}
