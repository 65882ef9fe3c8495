// Package opener holds released paper keys on the center tier and is the
// only place a paper is turned back into questions.
package opener

import (
	"context"
	"log/slog"
	"sync"

	"exambridge/internal/paper/crypto"
	"exambridge/internal/paper/metrics"
	"exambridge/internal/paper/models"
	"exambridge/internal/paper/sealed"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/codec"
)

// Opener unseals key releases with the center's age identity and keeps
// the keys in memory only.
type Opener struct {
	identity string
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu   sync.RWMutex
	keys map[id.PaperID][]byte
}

type Option func(*Opener)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Opener) {
		o.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opener) {
		o.metrics = m
	}
}

func New(identity string, opts ...Option) *Opener {
	o := &Opener{
		identity: identity,
		logger:   slog.Default(),
		keys:     make(map[id.PaperID][]byte),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Install unseals a release and adds its keys. Keys already held are
// replaced.
func (o *Opener) Install(ctx context.Context, release *models.KeyRelease) (int, error) {
	if release == nil || len(release.Sealed) == 0 {
		return 0, dErrors.New(dErrors.CodeValidation, "key release is empty")
	}
	keys, err := sealed.Open(release.Sealed, o.identity)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to open key release", "exam_id", release.ExamID, "error", err)
		return 0, dErrors.Wrap(err, dErrors.CodeDecryptionFailed, "key release could not be opened")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, k := range keys {
		if len(k.Key) != crypto.KeySize {
			continue
		}
		o.keys[k.PaperID] = append([]byte(nil), k.Key...)
	}
	o.logger.InfoContext(ctx, "paper keys installed", "exam_id", release.ExamID, "shift_id", release.ShiftID, "keys", len(keys))
	return len(keys), nil
}

// Has reports whether the key for paperID has been released to this center.
func (o *Opener) Has(paperID id.PaperID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.keys[paperID]
	return ok
}

// Open decrypts a paper. It fails with KeyNotReleased when no key is held
// and with DecryptionFailed when the ciphertext does not authenticate.
func (o *Opener) Open(ctx context.Context, paper *models.QuestionPaper) ([]models.Question, error) {
	o.mu.RLock()
	key, ok := o.keys[paper.ID]
	o.mu.RUnlock()
	if !ok {
		return nil, dErrors.New(dErrors.CodeKeyNotReleased, "paper key has not been released")
	}

	plain, err := crypto.Decrypt(paper.Ciphertext, key, paper.ID.String())
	if err != nil {
		o.metrics.IncrementDecryptionFailure()
		o.logger.ErrorContext(ctx, "paper failed to decrypt", "paper_id", paper.ID, "error", err)
		return nil, dErrors.Wrap(err, dErrors.CodeDecryptionFailed, "paper could not be decrypted")
	}
	var questions []models.Question
	if err := codec.Unmarshal(plain, &questions); err != nil {
		o.metrics.IncrementDecryptionFailure()
		return nil, dErrors.Wrap(err, dErrors.CodeDecryptionFailed, "paper content is malformed")
	}
	return questions, nil
}

// Forget drops every held key.
func (o *Opener) Forget() {
	o.mu.Lock()
	defer o.mu.Unlock()
	clear(o.keys)
}
