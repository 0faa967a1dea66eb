// Package discovery produces a deduplicated, unbounded stream of DIDs to
// backfill, scanning the follow edge table forward from a monotonic
// anchor.
package discovery

import (
	"context"
	"time"

	"github.com/atp-indexer/firehose-indexer/internal/identifiers"
	"github.com/atp-indexer/firehose-indexer/internal/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Stream scans follow.seq in batches, emitting each distinct endpoint DID
// exactly once across its lifetime. When the scan catches up to the live
// tail, it backs off and retries rather than terminating.
type Stream struct {
	store         *pgxpool.Pool
	logger        *zap.Logger
	batchSize     int
	caughtUpSleep time.Duration

	out chan string
}

func NewStream(store *pgxpool.Pool, logger *zap.Logger, batchSize int, caughtUpSleep time.Duration) *Stream {
	return &Stream{
		store:         store,
		logger:        logger,
		batchSize:     batchSize,
		caughtUpSleep: caughtUpSleep,
		out:           make(chan string),
	}
}

// Out is the stream's output channel: one DID at a time, never closed
// except when Run returns because ctx was canceled.
func (s *Stream) Out() <-chan string { return s.out }

func (s *Stream) Run(ctx context.Context) {
	defer close(s.out)

	var anchor int64
	seen := make(map[string]struct{})

	for {
		if ctx.Err() != nil {
			return
		}

		keys, nextAnchor, err := s.scanBatch(ctx, anchor)
		if err != nil {
			s.logger.Warn("discovery scan failed, retrying after backoff", zap.Error(err))
			if !sleepOrDone(ctx, s.caughtUpSleep) {
				return
			}
			continue
		}

		if len(keys) == 0 {
			if !sleepOrDone(ctx, s.caughtUpSleep) {
				return
			}
			continue
		}
		anchor = nextAnchor

		for _, key := range keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			did := identifiers.UnsafeUserKeyToDID(key)
			select {
			case s.out <- did:
				metrics.DiscoveryDIDsEmittedTotal.WithLabelValues().Inc()
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Stream) scanBatch(ctx context.Context, anchor int64) ([]string, int64, error) {
	rows, err := s.store.Query(ctx,
		`SELECT seq, "out" FROM follow WHERE seq > $1 ORDER BY seq LIMIT $2`, anchor, s.batchSize)
	if err != nil {
		return nil, anchor, err
	}
	defer rows.Close()

	var keys []string
	lastSeq := anchor
	for rows.Next() {
		var seq int64
		var out string
		if err := rows.Scan(&seq, &out); err != nil {
			return nil, anchor, err
		}
		keys = append(keys, out)
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return nil, anchor, err
	}
	return keys, lastSeq, nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
