package service

//go:generate mockgen -source=engine.go -destination=mocks/mocks.go -package=mocks RegistryClient

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	registrymodels "exambridge/internal/registry/models"
	sessionmodels "exambridge/internal/session/models"
	"exambridge/internal/sync/metrics"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/audit"
	"exambridge/pkg/platform/clock"
)

var tracer = otel.Tracer("exambridge/internal/sync")

// maxPerPass bounds how many unsynced sessions one pass reads. Anything
// beyond it is picked up by the next pass.
const maxPerPass = 10000

// SessionStore is the center's session store. MarkSynced must only flip an
// unsynced SUBMITTED session and report whether it did.
type SessionStore interface {
	ListUnsynced(ctx context.Context, centerID id.CenterID, limit int) ([]*sessionmodels.Session, error)
	MarkSynced(ctx context.Context, sessionID id.SessionID, at time.Time) (bool, error)
	CountSync(ctx context.Context, centerID id.CenterID) (sessionmodels.SyncCounts, error)
}

// RegistryClient talks to the main server's result registry.
type RegistryClient interface {
	SendResults(ctx context.Context, records []registrymodels.ResultRecord) ([]registrymodels.Ack, error)
	ReportStatus(ctx context.Context, report registrymodels.StatusReport) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Result summarizes one sync pass.
type Result struct {
	Synced    int  `json:"synced"`
	Failed    int  `json:"failed"`
	Pending   int  `json:"pending"`
	Cancelled bool `json:"cancelled,omitempty"`
}

// Engine pushes submitted sessions to the registry.
type Engine struct {
	store     SessionStore
	client    RegistryClient
	batchSize int
	examID    id.ExamID
	shiftID   id.ShiftID

	clock          clock.Clock
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics

	group  singleflight.Group
	mu     sync.Mutex
	passes map[id.CenterID]*pass
}

// pass is one in-flight sync of a center shared by every caller waiting on
// it. It runs detached from the callers and is cancelled only once the last
// of them gives up.
type pass struct {
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	waiters int
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(e *Engine) {
		e.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = min(n, registrymodels.MaxBatch)
		}
	}
}

// WithShift names the exam shift the center is running so status reports
// can close out its package.
func WithShift(examID id.ExamID, shiftID id.ShiftID) Option {
	return func(e *Engine) {
		e.examID = examID
		e.shiftID = shiftID
	}
}

func New(store SessionStore, client RegistryClient, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		client:    client,
		batchSize: 50,
		clock:     clock.Real(),
		logger:    slog.Default(),
		passes:    make(map[id.CenterID]*pass),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sync sends every unsynced submitted session of centerID to the registry.
// Concurrent calls for the same center share one pass. A caller whose ctx
// ends stops waiting; the pass itself stops between batches only when no
// caller is left, and the last caller gets its partial result. A batch the
// registry acknowledged is always recorded locally.
func (e *Engine) Sync(ctx context.Context, centerID id.CenterID) (Result, error) {
	key := centerID.String()
	for {
		if err := ctx.Err(); err != nil {
			return Result{Cancelled: true}, err
		}
		e.mu.Lock()
		p := e.passes[centerID]
		if p != nil && p.ctx.Err() != nil {
			// Abandoned; it is finishing its current batch.
			e.mu.Unlock()
			select {
			case <-p.done:
				continue
			case <-ctx.Done():
				return Result{Cancelled: true}, ctx.Err()
			}
		}
		if p == nil {
			passCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			p = &pass{ctx: passCtx, cancel: cancel, done: make(chan struct{})}
			e.passes[centerID] = p
		}
		p.waiters++
		// Registered under mu so the map entry and the in-flight call
		// always belong to the same pass.
		ch := e.group.DoChan(key, func() (any, error) {
			defer e.finish(key, centerID, p)
			return e.run(p.ctx, centerID)
		})
		e.mu.Unlock()

		select {
		case r := <-ch:
			return passResult(r)
		case <-ctx.Done():
			if e.leave(p) {
				return passResult(<-ch)
			}
			return Result{Cancelled: true}, ctx.Err()
		}
	}
}

func passResult(r singleflight.Result) (Result, error) {
	res, _ := r.Val.(Result)
	return res, r.Err
}

func (e *Engine) finish(key string, centerID id.CenterID, p *pass) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.group.Forget(key)
	delete(e.passes, centerID)
	p.cancel()
	close(p.done)
}

// leave drops one waiter and cancels the pass when it was the last. It
// reports whether it cancelled.
func (e *Engine) leave(p *pass) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p.waiters--
	if p.waiters > 0 {
		return false
	}
	p.cancel()
	return true
}

func (e *Engine) run(ctx context.Context, centerID id.CenterID) (Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "sync.Run", trace.WithAttributes(
		attribute.String("center_id", centerID.String()),
	))
	defer span.End()

	var res Result
	pending, err := e.store.ListUnsynced(ctx, centerID, maxPerPass)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list unsynced sessions")
		e.metrics.ObserveRun("error", start)
		return res, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list unsynced sessions")
	}

	for batch := range slices.Chunk(pending, e.batchSize) {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		synced, failed := e.sendBatch(ctx, batch)
		res.Synced += synced
		res.Failed += failed
	}
	e.metrics.AddRecords(res.Synced, res.Failed)

	// Pending is counted even after cancellation; the report is skipped.
	reportCtx := context.WithoutCancel(ctx)
	counts, err := e.store.CountSync(reportCtx, centerID)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to count sync state", "center_id", centerID, "error", err)
	} else {
		res.Pending = counts.Unsynced
		e.metrics.SetPending(counts.Unsynced)
		if ctx.Err() == nil {
			e.report(ctx, counts)
		}
	}

	span.SetAttributes(
		attribute.Int("synced", res.Synced),
		attribute.Int("failed", res.Failed),
		attribute.Int("pending", res.Pending),
	)
	outcome := "ok"
	switch {
	case res.Cancelled:
		outcome = "cancelled"
	case res.Failed > 0:
		outcome = "partial"
	}
	e.metrics.ObserveRun(outcome, start)
	if res.Synced > 0 || res.Failed > 0 {
		e.logger.InfoContext(ctx, "sync pass finished",
			"center_id", centerID,
			"synced", res.Synced,
			"failed", res.Failed,
			"pending", res.Pending,
			"cancelled", res.Cancelled,
		)
		e.emit(ctx, audit.Event{
			Action:   string(audit.EventCenterSynced),
			CenterID: centerID,
			Reason:   outcome,
		})
	}
	if res.Cancelled {
		return res, ctx.Err()
	}
	return res, nil
}

// sendBatch uploads one batch and marks every stored ack synced. A failed
// upload leaves every session in the batch unsynced.
func (e *Engine) sendBatch(ctx context.Context, batch []*sessionmodels.Session) (synced, failed int) {
	ctx, span := tracer.Start(ctx, "sync.Batch", trace.WithAttributes(
		attribute.Int("size", len(batch)),
	))
	defer span.End()

	records := make([]registrymodels.ResultRecord, len(batch))
	for i, s := range batch {
		records[i] = toRecord(s)
	}

	acks, err := e.client.SendResults(ctx, records)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send results")
		e.logger.WarnContext(ctx, "sync batch failed", "size", len(batch), "error", err)
		return 0, len(batch)
	}

	stored := make(map[id.SessionID]bool, len(acks))
	for _, a := range acks {
		if a.Stored() {
			stored[a.SessionID] = true
		} else {
			e.logger.WarnContext(ctx, "registry rejected result", "session_id", a.SessionID, "reason", a.Reason)
		}
	}

	markCtx := context.WithoutCancel(ctx)
	now := e.clock.Now()
	for _, s := range batch {
		if !stored[s.ID] {
			failed++
			continue
		}
		flipped, err := e.store.MarkSynced(markCtx, s.ID, now)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to mark session synced", "session_id", s.ID, "error", err)
			failed++
			continue
		}
		if flipped {
			synced++
		}
	}
	span.SetAttributes(attribute.Int("synced", synced), attribute.Int("failed", failed))
	return synced, failed
}

func (e *Engine) report(ctx context.Context, counts sessionmodels.SyncCounts) {
	err := e.client.ReportStatus(ctx, registrymodels.StatusReport{
		ExamID:   e.examID,
		ShiftID:  e.shiftID,
		Synced:   counts.Synced,
		Unsynced: counts.Unsynced,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.WarnContext(ctx, "failed to report sync status", "error", err)
	}
}

func toRecord(s *sessionmodels.Session) registrymodels.ResultRecord {
	r := registrymodels.ResultRecord{
		SessionID:   s.ID,
		CenterID:    s.CenterID,
		ExamID:      s.ExamID,
		ShiftID:     s.ShiftID,
		CandidateID: s.CandidateID,
		RollNumber:  s.RollNumber,
		Answers:     s.Answers,
		Status:      string(s.Status),
	}
	if s.EndedAt != nil {
		r.SubmittedAt = *s.EndedAt
	}
	return r
}

func (e *Engine) emit(ctx context.Context, event audit.Event) {
	if e.auditPublisher == nil {
		return
	}
	if err := e.auditPublisher.Emit(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}
}
