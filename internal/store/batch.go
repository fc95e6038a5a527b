package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// pgxBatch is a thin wrapper around pgx.Batch that reports the first
// row-level failure with its statement index.
type pgxBatch struct {
	batch pgx.Batch
}

func (b *pgxBatch) queue(sql string, args ...any) {
	b.batch.Queue(sql, args...)
}

func (b *pgxBatch) send(ctx context.Context, db *pgxpool.Pool) error {
	n := b.batch.Len()
	if n == 0 {
		return nil
	}
	results := db.SendBatch(ctx, &b.batch)
	defer results.Close()

	for i := 0; i < n; i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch statement %d/%d: %w", i+1, n, err)
		}
	}
	return nil
}
