package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmitrijs2005/mailkeeper/internal/common"
	"github.com/dmitrijs2005/mailkeeper/internal/dbx"
	"github.com/dmitrijs2005/mailkeeper/internal/storage/migrations"
)

// PostgresRowStore implements RowStore on a single `rows` table, scoped to
// one account. Sort-key uniqueness comes from the primary key, which gives
// the conditional-insert semantics the log engine needs.
type PostgresRowStore struct {
	db      *sql.DB
	account string

	// how often RowPollNew re-scans, and for how long before giving up
	// with a spurious empty result
	pollInterval time.Duration
	pollBudget   time.Duration
}

// OpenPostgres opens the DSN with the pgx stdlib driver and applies the
// embedded goose migrations.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return db, nil
}

func NewPostgresRowStore(db *sql.DB, account string) *PostgresRowStore {
	return &PostgresRowStore{
		db:           db,
		account:      account,
		pollInterval: 2 * time.Second,
		pollBudget:   30 * time.Second,
	}
}

func (r *PostgresRowStore) RowInsert(ctx context.Context, partition, sort string, value []byte) error {
	query :=
		`INSERT INTO rows (account, partition, sort_key, value)
		 VALUES ($1, $2, $3, $4)
		 `

	_, err := r.db.ExecContext(ctx, query, r.account, partition, sort, value)
	return mapPgErr(err)
}

func (r *PostgresRowStore) RowGet(ctx context.Context, partition, sort string) (RowItem, error) {
	query :=
		`SELECT value FROM rows
		 WHERE account = $1 AND partition = $2 AND sort_key = $3
		 `

	var value []byte
	err := r.db.QueryRowContext(ctx, query, r.account, partition, sort).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RowItem{}, common.ErrNotFound
		}
		return RowItem{}, mapPgErr(err)
	}
	return RowItem{Partition: partition, Sort: sort, Value: value}, nil
}

func (r *PostgresRowStore) RowRange(ctx context.Context, partition, lo, hi string, limit int) ([]RowItem, error) {
	query :=
		`SELECT sort_key, value FROM rows
		 WHERE account = $1 AND partition = $2
		   AND sort_key >= $3 AND ($4 = '' OR sort_key < $4)
		 ORDER BY sort_key
		 `
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.QueryContext(ctx, query, r.account, partition, lo, hi)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	var items []RowItem
	for rows.Next() {
		it := RowItem{Partition: partition}
		if err := rows.Scan(&it.Sort, &it.Value); err != nil {
			return nil, mapPgErr(err)
		}
		items = append(items, it)
	}
	return items, mapPgErr(rows.Err())
}

func (r *PostgresRowStore) RowDelete(ctx context.Context, partition, sort string) error {
	query :=
		`DELETE FROM rows
		 WHERE account = $1 AND partition = $2 AND sort_key = $3
		 `

	_, err := r.db.ExecContext(ctx, query, r.account, partition, sort)
	return mapPgErr(err)
}

func (r *PostgresRowStore) RowDeleteRange(ctx context.Context, partition, lo, hi string) error {
	query :=
		`DELETE FROM rows
		 WHERE account = $1 AND partition = $2
		   AND sort_key >= $3 AND ($4 = '' OR sort_key < $4)
		 `

	_, err := r.db.ExecContext(ctx, query, r.account, partition, lo, hi)
	return mapPgErr(err)
}

// RowPollNew re-scans the partition at a fixed interval. Postgres could push
// changes with LISTEN/NOTIFY, but an interval scan keeps the backend usable
// through connection poolers and is well within the contract (spurious
// returns are allowed).
func (r *PostgresRowStore) RowPollNew(ctx context.Context, partition, after string) ([]RowItem, error) {
	deadline := time.Now().Add(r.pollBudget)
	for {
		items, err := r.RowRange(ctx, partition, nextSort(after), "", 0)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			return items, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}

// RowCAS runs read-compare-write in one transaction, with the current row
// locked. expected == nil asserts the row does not exist yet.
func (r *PostgresRowStore) RowCAS(ctx context.Context, partition, sort string, expected, value []byte) error {
	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var cur []byte
		query :=
			`SELECT value FROM rows
			 WHERE account = $1 AND partition = $2 AND sort_key = $3
			 FOR UPDATE
			 `
		err := tx.QueryRowContext(ctx, query, r.account, partition, sort).Scan(&cur)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if expected != nil {
				return common.ErrConflict
			}
			insert :=
				`INSERT INTO rows (account, partition, sort_key, value)
				 VALUES ($1, $2, $3, $4)
				 `
			_, err := tx.ExecContext(ctx, insert, r.account, partition, sort, value)
			return err
		case err != nil:
			return err
		}

		if expected == nil || string(cur) != string(expected) {
			return common.ErrConflict
		}
		update :=
			`UPDATE rows SET value = $4
			 WHERE account = $1 AND partition = $2 AND sort_key = $3
			 `
		_, err = tx.ExecContext(ctx, update, r.account, partition, sort, value)
		return err
	})
	if err != nil && !errors.Is(err, common.ErrConflict) {
		return mapPgErr(err)
	}
	return err
}

func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return common.ErrConflict
	}
	return fmt.Errorf("%w: db error: %v", common.ErrTransient, err)
}
