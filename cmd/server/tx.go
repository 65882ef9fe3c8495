package main

import (
	"context"
	"database/sql"
	"time"

	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/tx"
)

const defaultTxTimeout = 5 * time.Second

// postgresTx runs service units of work in one database transaction. Stores
// pick the transaction up from the context.
type postgresTx struct {
	db      *sql.DB
	timeout time.Duration
}

func newPostgresTx(db *sql.DB) *postgresTx {
	return &postgresTx{db: db}
}

func (t *postgresTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return tx.Run(ctx, t.db, fn)
}
