package pgxdb

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// Querier - the minimal query surface shared by pgxpool.Pool,
// pgxpool.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, stmt string, args ...any) (pgx.Rows, error)
}

// QueryAndMap - run a query and collect every row into T using the
// provided row mapper. Meant for reads that do not need the managed
// transaction session, like health checks and lookups.
func QueryAndMap[T any](ctx context.Context, q Querier, mapper pgx.RowToFunc[T], stmt string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, stmt, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	items, err := pgx.CollectRows(rows, mapper)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return items, nil
}

// QueryAndMapOne - like QueryAndMap but expects exactly one row.
func QueryAndMapOne[T any](ctx context.Context, q Querier, mapper pgx.RowToFunc[T], stmt string, args ...any) (T, error) {
	rows, err := q.Query(ctx, stmt, args...)
	if err != nil {
		var zero T
		return zero, errors.WithStack(err)
	}

	item, err := pgx.CollectExactlyOneRow(rows, mapper)
	if err != nil {
		return item, errors.WithStack(err)
	}

	return item, nil
}
