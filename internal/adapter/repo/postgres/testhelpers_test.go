package postgres_test

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// poolStub implements postgres.PgxPool for tests
// It stubs Exec and QueryRow behavior
// Define in a shared helper so multiple *_test.go files can reuse it without redefs

type poolStub struct {
	execErr          error
	execRowsAffected int64
	row              rowStub
	queryErr         error
	tx               pgx.Tx
	beginTxErr       error
}

func (p *poolStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	if p.execErr != nil {
		return pgconn.CommandTag{}, p.execErr
	}
	return pgconn.NewCommandTag(fmtRowsAffected(p.execRowsAffected)), nil
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, p.queryErr
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginTxErr != nil {
		return nil, p.beginTxErr
	}
	if p.tx != nil {
		return p.tx, nil
	}
	return nil, errors.New("BeginTx not stubbed")
}

func fmtRowsAffected(n int64) string {
	return "UPDATE " + strconv.FormatInt(n, 10)
}

// txStub is a minimal pgx.Tx fake: only QueryRow/Exec/Commit/Rollback are
// exercised by the repos in this package, everything else panics if called.
type txStub struct {
	pgx.Tx
	row           rowStub
	rowConfigured bool
	execErr       error
	commitErr     error
	rollbackErr   error
	committed     bool
	rolledBack    bool
}

func (t *txStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if !t.rowConfigured {
		return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
	}
	return t.row
}

func (t *txStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	return pgconn.NewCommandTag(fmtRowsAffected(1)), nil
}

func (t *txStub) Commit(_ context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *txStub) Rollback(_ context.Context) error {
	t.rolledBack = true
	return t.rollbackErr
}
