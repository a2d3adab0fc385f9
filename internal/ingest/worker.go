package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/companion/internal/history"
	"github.com/kalambet/companion/internal/retrieval"
	"github.com/kalambet/companion/internal/storage"
)

// JobStore abstracts the job queue and the records the jobs touch.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) (bool, error)
	GetContextDoc(id string) (storage.ContextDoc, error)
	SetChunkCount(id string, n int) error
	AppendMessage(m storage.Message) (storage.Message, error)
}

// BatchEmbedder embeds many texts at once, preserving order.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter is the write side of the vector index.
type VectorWriter interface {
	Insert(ctx context.Context, records []retrieval.Record) error
	DeleteBySource(ctx context.Context, sourceID string) error
}

// HistoryWriter appends a line to a recent-history stream.
type HistoryWriter interface {
	WriteToHistory(ctx context.Context, key history.Key, text string) error
}

// Options tune chunking. Zero values use the defaults.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
}

// Worker drains ingest and reconcile jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder BatchEmbedder
	vectors  VectorWriter
	history  HistoryWriter
	poll     time.Duration
	opts     Options
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms. embedder and vectors may be
// nil when no vector index is configured; embed jobs then fail and retry.
func NewWorker(store JobStore, embedder BatchEmbedder, vectors VectorWriter, pollInterval time.Duration, opts Options) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.ChunkOverlap <= 0 {
		opts.ChunkOverlap = defaultChunkOverlap
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		poll:     pollInterval,
		opts:     opts,
		logger:   slog.Default(),
	}
}

// WithHistory lets the worker replay reconcile_history jobs into h.
func (w *Worker) WithHistory(h HistoryWriter) *Worker {
	w.history = h
	return w
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

var (
	errNoIndex   = errors.New("no vector index configured")
	errNoHistory = errors.New("no history store configured")
)

var jobTypes = []string{JobIngestEmbed, JobReconcileMessage, JobReconcileHistory}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(jobTypes)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.process(ctx, job); err != nil {
		dead, failErr := w.store.FailJob(job.ID, err.Error())
		if failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
			return true, nil
		}
		if dead {
			w.logger.Error("job abandoned", "job_id", job.ID, "type", job.Type, "error", err)
		} else {
			w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case JobIngestEmbed:
		var p EmbedPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		return w.embedDoc(ctx, p.ContextDocID)
	case JobReconcileMessage:
		var p ReconcilePayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		return w.reconcile(p)
	case JobReconcileHistory:
		var p HistoryPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		return w.replayHistory(ctx, p)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// embedDoc replaces all vectors of a context doc with freshly embedded
// chunks, so a retried job never leaves duplicates behind.
func (w *Worker) embedDoc(ctx context.Context, docID string) error {
	if w.embedder == nil || w.vectors == nil {
		return errNoIndex
	}
	doc, err := w.store.GetContextDoc(docID)
	if err != nil {
		return fmt.Errorf("loading context doc %s: %w", docID, err)
	}

	chunks := Chunk(doc.Content, w.opts.ChunkSize, w.opts.ChunkOverlap)
	var vecs [][]float32
	if len(chunks) > 0 {
		vecs, err = w.embedder.EmbedBatch(ctx, chunks)
		if err != nil {
			return fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
		}
	}

	if err := w.vectors.DeleteBySource(ctx, doc.ID); err != nil {
		return fmt.Errorf("clearing old vectors: %w", err)
	}
	now := time.Now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, c := range chunks {
		records[i] = retrieval.Record{
			ID:         uuid.New().String(),
			SourceID:   doc.ID,
			SourceFile: doc.SourceFile,
			TextChunk:  c,
			Embedding:  vecs[i],
			CreatedAt:  now,
		}
	}
	if len(records) > 0 {
		if err := w.vectors.Insert(ctx, records); err != nil {
			return fmt.Errorf("inserting vectors: %w", err)
		}
	}

	if err := w.store.SetChunkCount(doc.ID, len(records)); err != nil {
		return fmt.Errorf("updating chunk count: %w", err)
	}
	w.logger.Info("context doc indexed", "doc_id", doc.ID, "source_file", doc.SourceFile, "chunks", len(records))
	return nil
}

func (w *Worker) reconcile(p ReconcilePayload) error {
	if p.ID == "" || p.CompanionID == "" {
		return fmt.Errorf("reconcile payload missing id or companion")
	}
	_, err := w.store.AppendMessage(storage.Message{
		ID:          p.ID,
		CompanionID: p.CompanionID,
		UserID:      p.UserID,
		Role:        p.Role,
		Content:     p.Content,
		CreatedAt:   p.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("appending message %s: %w", p.ID, err)
	}
	return nil
}

func (w *Worker) replayHistory(ctx context.Context, p HistoryPayload) error {
	if w.history == nil {
		return errNoHistory
	}
	key := p.key()
	if !key.Valid() {
		return fmt.Errorf("history payload has invalid key %q", key.String())
	}
	if err := w.history.WriteToHistory(ctx, key, p.Content); err != nil {
		return fmt.Errorf("writing history %s: %w", key.String(), err)
	}
	return nil
}
