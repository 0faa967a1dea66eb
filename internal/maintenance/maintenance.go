// Package maintenance runs periodic store housekeeping: refreshing planner
// statistics on the node/edge tables the applier writes continuously.
package maintenance

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// tables lists every node/edge table from the schema that sees sustained
// write volume and so benefits from a periodic ANALYZE between autovacuum
// runs. Append-only lookup tables with negligible churn (threadgate,
// postgate, labelerservice, ...) are left to autovacuum's own schedule.
var tables = []string{
	"did", "post", "feed", "list",
	"follow", "like", "repost", "block", "listblock", "listitem",
	"quotes", "replies", "replyto", "posts",
}

type Runner struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewRunner(pool *pgxpool.Pool, logger *zap.Logger) *Runner {
	return &Runner{pool: pool, logger: logger}
}

// Run analyzes every hot table in sequence, logging (not failing) on a
// per-table error so one locked table doesn't block the rest.
func (r *Runner) Run(ctx context.Context) error {
	for _, name := range tables {
		if err := r.analyze(ctx, name); err != nil {
			r.logger.Warn("analyze failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (r *Runner) analyze(ctx context.Context, table string) error {
	safeName := pgx.Identifier{table}.Sanitize()
	_, err := r.pool.Exec(ctx, fmt.Sprintf("ANALYZE %s", safeName))
	if err != nil {
		return fmt.Errorf("analyzing %s: %w", table, err)
	}
	r.logger.Debug("analyzed table", zap.String("table", table))
	return nil
}
