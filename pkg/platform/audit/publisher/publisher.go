package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	id "exambridge/pkg/domain"
	audit "exambridge/pkg/platform/audit"
	"exambridge/pkg/platform/audit/worker"
	"exambridge/pkg/requestcontext"
)

// ErrNotQueryable is returned by List when the sink is write-only (Kafka).
var ErrNotQueryable = errors.New("audit sink is not queryable")

// Publisher stamps and forwards audit events to a store, either inline or
// through a buffered background worker.
type Publisher struct {
	store  audit.Store
	logger *slog.Logger

	bufferSize int
	inbox      chan audit.Event
	done       chan struct{}
	closeOnce  sync.Once
}

type Option func(*Publisher)

// WithAsyncBuffer makes Emit enqueue instead of writing inline. When the
// buffer is full Emit falls back to a synchronous append.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		p.bufferSize = size
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	if p.bufferSize > 0 {
		p.inbox = make(chan audit.Event, p.bufferSize)
		p.done = make(chan struct{})
		w := worker.NewWorker(store, p.inbox, p.logger)
		go func() {
			defer close(p.done)
			_ = w.Run(context.Background())
		}()
	}
	return p
}

// Emit records an event. Timestamp, request id and category are filled in
// from the context and action when missing.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	event.Category = audit.AuditEvent(event.Action).Category()

	if p.inbox != nil {
		select {
		case p.inbox <- event:
			return nil
		default:
			p.logger.WarnContext(ctx, "audit buffer full, writing inline", "action", event.Action)
		}
	}
	return p.store.Append(ctx, event)
}

// List returns the events recorded for a center when the sink supports reads.
func (p *Publisher) List(ctx context.Context, centerID id.CenterID) ([]audit.Event, error) {
	reader, ok := p.store.(audit.Reader)
	if !ok {
		return nil, ErrNotQueryable
	}
	return reader.ListByCenter(ctx, centerID)
}

// Close drains the async buffer. Safe to call more than once.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		if p.inbox == nil {
			return
		}
		close(p.inbox)
		<-p.done
	})
}
