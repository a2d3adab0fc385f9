// Package chat runs one companion chat turn: admission, memory update,
// retrieval, prompt assembly, streaming generation and persistence.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/companion/internal/composer"
	"github.com/kalambet/companion/internal/engine"
	"github.com/kalambet/companion/internal/history"
	"github.com/kalambet/companion/internal/ingest"
	"github.com/kalambet/companion/internal/memory"
	"github.com/kalambet/companion/internal/ratelimit"
	"github.com/kalambet/companion/internal/storage"
)

// State is a step of a chat turn.
type State string

const (
	StateAdmitted          State = "admitted"
	StateHistoryRecorded   State = "history_recorded"
	StateHistoryLoaded     State = "history_loaded"
	StateSeeded            State = "seeded"
	StateContextRetrieved  State = "context_retrieved"
	StatePromptAssembled   State = "prompt_assembled"
	StateModelInvoked      State = "model_invoked"
	StateResponseStreaming State = "response_streaming"
	StatePersisted         State = "persisted"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// Store is the durable side of a chat turn.
type Store interface {
	GetCompanion(id string) (storage.Companion, error)
	AppendMessage(m storage.Message) (storage.Message, error)
	EnqueueJob(job storage.Job) error
}

// Admitter decides whether a request may proceed.
type Admitter interface {
	Admit(identifier string) ratelimit.Decision
}

// MemorySource yields the shared memory manager.
type MemorySource interface {
	Get(ctx context.Context) (*memory.Manager, error)
}

// Config holds per-deployment pipeline settings.
type Config struct {
	Model     string // generation model, also the model part of every history key
	MaxTokens int
	TopK      int
	Timeout   time.Duration // bounds generation
	Policy    Policy
}

// Identity is the authenticated caller as reported by the identity provider.
type Identity struct {
	UserID string
	Name   string
}

// Request is one inbound chat turn.
type Request struct {
	CompanionID string
	Route       string // request path, part of the rate limit identifier
	Prompt      string
	Identity    Identity
}

// Result describes a completed or failed turn.
type Result struct {
	Companion storage.Companion
	Key       history.Key
	Reply     string
	MessageID string
	Seeded    bool
	Persisted bool
	States    []State
	Degraded  []error
}

func (r *Result) enter(s State) { r.States = append(r.States, s) }

// Pipeline orchestrates chat turns. It is safe for concurrent use.
type Pipeline struct {
	store    Store
	limiter  Admitter
	memory   MemorySource
	engine   engine.Engine
	composer *composer.Composer
	cfg      Config
	logger   *slog.Logger
}

// New creates a Pipeline.
func New(store Store, limiter Admitter, mem MemorySource, eng engine.Engine, comp *composer.Composer, cfg Config) *Pipeline {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if comp == nil {
		comp = composer.New(0)
	}
	return &Pipeline{
		store:    store,
		limiter:  limiter,
		memory:   mem,
		engine:   eng,
		composer: comp,
		cfg:      cfg,
		logger:   slog.Default(),
	}
}

// Run executes one turn, streaming the reply to w as it is generated.
// Once the caller is admitted the turn runs to completion even if ctx is
// cancelled, so the stored history and the message log stay in step.
func (p *Pipeline) Run(ctx context.Context, req Request, w io.Writer) (*Result, error) {
	res := &Result{}
	if err := p.run(ctx, req, w, res); err != nil {
		res.enter(StateFailed)
		return res, err
	}
	res.enter(StateDone)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, req Request, w io.Writer, res *Result) error {
	// 1. Admission.
	if req.Identity.UserID == "" || req.Identity.Name == "" {
		return ErrUnauthorized
	}
	if d := p.limiter.Admit(ratelimit.Identifier(req.Route, req.Identity.UserID)); !d.Allowed {
		return &RateLimitError{RetryAfter: d.RetryAfter}
	}
	res.enter(StateAdmitted)
	ctx = context.WithoutCancel(ctx)

	// 2. Record the user turn.
	companion, err := p.store.GetCompanion(req.CompanionID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading companion: %w", err)
	}
	res.Companion = companion
	res.Key = history.Key{
		PersonaName: companion.ID,
		ModelName:   p.cfg.Model,
		UserID:      req.Identity.UserID,
	}

	if _, err := p.store.AppendMessage(storage.Message{
		CompanionID: companion.ID,
		UserID:      req.Identity.UserID,
		Role:        storage.RoleUser,
		Content:     req.Prompt,
	}); err != nil {
		return fmt.Errorf("appending user message: %w", err)
	}
	res.enter(StateHistoryRecorded)

	mgr, err := p.memory.Get(ctx)
	if err != nil {
		return err
	}

	// 3. Seed an empty history, then append the live turn.
	seeded, err := mgr.RecordUserTurn(ctx, res.Key, companion.Seed, "User: "+strings.TrimSpace(req.Prompt))
	if err != nil {
		return fmt.Errorf("recording user turn: %w", err)
	}
	res.enter(StateHistoryLoaded)
	if seeded {
		res.Seeded = true
		res.enter(StateSeeded)
	}

	// 4. Retrieve context for the recent window.
	recent, err := mgr.ReadLatestHistory(ctx, res.Key)
	if err != nil {
		return fmt.Errorf("reading recent history: %w", err)
	}
	docs, err := mgr.VectorSearch(ctx, strings.Join(recent, "\n"), companion.SourceFile(), p.cfg.TopK)
	if err != nil {
		p.degrade(res, "retrieval", err)
		docs = nil
	}
	res.enter(StateContextRetrieved)

	// 5. Assemble the prompt.
	prompt := p.composer.Compose(composer.Persona{
		Name:         companion.Name,
		Instructions: companion.Instructions,
	}, docs, recent)
	res.enter(StatePromptAssembled)

	// 6. Generate, streaming accepted text to the caller.
	res.Reply = p.generate(ctx, prompt, w, res)

	// 7. Persist.
	if persistable(res.Reply) {
		res.Persisted = p.persist(ctx, res, req.Identity.UserID)
		if res.Persisted {
			res.enter(StatePersisted)
		}
	}
	return nil
}

// generate returns the post-processed reply, which is exactly the text
// streamed to w. A model failure is recorded as degraded; whatever was
// already streamed is kept as the reply.
func (p *Pipeline) generate(ctx context.Context, prompt string, w io.Writer, res *Result) string {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	filter := newLineFilter(p.cfg.Policy, w)
	res.enter(StateModelInvoked)
	err := p.engine.Generate(ctx, engine.GenerateRequest{
		Model:     p.cfg.Model,
		Prompt:    prompt,
		MaxTokens: p.cfg.MaxTokens,
	}, filter.feed)
	res.enter(StateResponseStreaming)
	if err != nil {
		p.degrade(res, "generation", err)
	}
	if filter.outErr != nil {
		p.logger.Debug("client went away during streaming", "companion_key", res.Key.String(), "error", filter.outErr)
	}
	return filter.reply()
}

// persist appends the reply to the history store and then to the message
// log. Either failure is queued for replay; the message keeps its ID.
func (p *Pipeline) persist(ctx context.Context, res *Result, userID string) bool {
	ok := true
	mgr, err := p.memory.Get(ctx)
	if err == nil {
		err = mgr.WriteToHistory(ctx, res.Key, res.Reply)
	}
	if err != nil {
		p.inconsistent(&PersistenceInconsistency{Key: res.Key, Content: res.Reply, Step: "history", Err: err})
		p.enqueue(res.Key, "history", func() (storage.Job, error) {
			return ingest.NewHistoryReplayJob(res.Key, res.Reply)
		})
		ok = false
	}

	now := time.Now().UTC()
	msg := storage.Message{
		ID:          storage.NewMessageID(now),
		CompanionID: res.Companion.ID,
		UserID:      userID,
		Role:        storage.RoleSystem,
		Content:     res.Reply,
		CreatedAt:   now,
	}
	res.MessageID = msg.ID
	if _, err := p.store.AppendMessage(msg); err != nil {
		p.inconsistent(&PersistenceInconsistency{Key: res.Key, Content: res.Reply, Step: "message_log", Err: err})
		p.enqueue(res.Key, "message_log", func() (storage.Job, error) {
			return ingest.NewReconcileJob(msg)
		})
		ok = false
	}
	return ok
}

func (p *Pipeline) enqueue(key history.Key, step string, build func() (storage.Job, error)) {
	job, err := build()
	if err == nil {
		err = p.store.EnqueueJob(job)
	}
	if err != nil {
		p.logger.Error("queueing reconcile failed", "companion_key", key.String(), "step", step, "error", err)
	}
}

func (p *Pipeline) inconsistent(e *PersistenceInconsistency) {
	p.logger.Error("persistence inconsistency",
		"companion_key", e.Key.String(), "content", e.Content, "step", e.Step, "error", e.Err)
}

func (p *Pipeline) degrade(res *Result, step string, err error) {
	d := &DegradedError{Step: step, Err: err}
	res.Degraded = append(res.Degraded, d)
	p.logger.Warn("chat step degraded", "companion_key", res.Key.String(), "step", step, "error", err)
}
