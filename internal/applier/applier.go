// Package applier commits a model.BigUpdate to Postgres in a single
// transaction, in a fixed statement order, recording metrics only after a
// successful commit.
package applier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/atp-indexer/firehose-indexer/internal/metrics"
	"github.com/atp-indexer/firehose-indexer/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
)

var (
	zstdEncoder     *zstd.Encoder
	zstdEncoderOnce sync.Once
)

func encoder() *zstd.Encoder {
	zstdEncoderOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(fmt.Sprintf("applier: building zstd encoder: %v", err))
		}
		zstdEncoder = enc
	})
	return zstdEncoder
}

func compress(extraData *string) []byte {
	if extraData == nil {
		return nil
	}
	return encoder().EncodeAll([]byte(*extraData), nil)
}

// Apply writes batch in one transaction. source labels the metrics
// (e.g. the websocket host or "backfill") so operators can tell which
// pipeline produced a given write volume.
func Apply(ctx context.Context, pool *pgxpool.Pool, batch model.BigUpdate, source string) error {
	if batch.RowCount() == 0 {
		return nil
	}

	start := time.Now()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("applier: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	queueNodes(b, batch)
	queueEdges(b, batch)
	queueDeletes(b, batch)

	results := tx.SendBatch(ctx, b)
	if err := drainBatch(results, b.Len()); err != nil {
		return fmt.Errorf("applier: executing batch: %w", err)
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("applier: closing batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("applier: commit: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	metrics.BatchSize.WithLabelValues(source).Observe(float64(batch.RowCount()))
	recordRowMetrics(source, batch)

	return nil
}

// MarkBackfilled unconditionally upserts the backfill marker's indexed_at,
// used by the backfill pipeline's terminal stage. Unlike the seed row a
// follow transform queues (ON CONFLICT DO NOTHING), this overwrites any
// existing timestamp: it is the one write that is allowed to advance it.
func MarkBackfilled(ctx context.Context, pool *pgxpool.Pool, didKey string, indexedAt time.Time) error {
	_, err := pool.Exec(ctx, upsertBackfillMarker, didKey, indexedAt)
	if err != nil {
		return fmt.Errorf("applier: marking %s backfilled: %w", didKey, err)
	}
	return nil
}

func drainBatch(results pgx.BatchResults, n int) error {
	for i := 0; i < n; i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("statement %d: %w", i, err)
		}
	}
	return nil
}

func queueNodes(b *pgx.Batch, batch model.BigUpdate) {
	for _, d := range batch.DIDs {
		b.Queue(upsertDID, d.ID, d.DisplayName, d.Description, d.Avatar, d.Banner,
			d.CreatedAt, d.SeenAt, d.JoinedViaStarterPack, d.PinnedPost, d.Labels, compress(d.ExtraData))
	}
	for _, m := range batch.BackfillMarkers {
		b.Queue(upsertBackfillMarkerSeed, m.DIDKey, m.IndexedAt)
	}
	for _, f := range batch.Feeds {
		b.Queue(upsertFeed, f.ID, f.URI, f.Author, f.Rkey, f.DID, f.DisplayName,
			f.Description, f.Avatar, f.CreatedAt, compress(f.ExtraData))
	}
	for _, l := range batch.Lists {
		b.Queue(upsertList, l.ID, l.Name, l.Purpose, l.CreatedAt, l.Description,
			l.Avatar, l.Labels, compress(l.ExtraData))
	}
	for _, n := range batch.RawNodes {
		payload, err := json.Marshal(n.Payload)
		if err != nil {
			payload = []byte("{}")
		}
		b.Queue(upsertRawNode(n.Table), n.ID, payload)
	}
	for _, p := range batch.Posts {
		images, err := json.Marshal(p.Images)
		if err != nil {
			images = []byte("[]")
		}
		var video []byte
		if p.Video != nil {
			video, _ = json.Marshal(p.Video)
		}
		b.Queue(upsertPost, p.ID, p.Author, p.CreatedAt, p.Text, p.Langs, p.Labels,
			p.Links, p.Mentions, p.Tags, p.Parent, p.Root, p.Record, images, video, compress(p.ExtraData))
	}
}

func queueEdges(b *pgx.Batch, batch model.BigUpdate) {
	queueEdgeSlice(b, "quotes", batch.QuotesEdges)
	queueEdgeSlice(b, "like", batch.LikeEdges)
	queueEdgeSlice(b, "repost", batch.RepostEdges)
	queueEdgeSlice(b, "block", batch.BlockEdges)
	queueEdgeSlice(b, "listblock", batch.ListBlockEdges)
	queueEdgeSlice(b, "listitem", batch.ListItemEdges)
	queueEdgeSlice(b, "replyto", batch.ReplyToEdges)
	queueEdgeSlice(b, "replies", batch.RepliesEdges)
	queueEdgeSlice(b, "follow", batch.FollowEdges)
	queueEdgeSlice(b, "posts", batch.PostsEdges)
}

func queueEdgeSlice(b *pgx.Batch, table string, edges []model.Edge) {
	for _, e := range edges {
		b.Queue(upsertEdge(table), e.ID, e.In, e.Out, e.CreatedAt)
	}
}

func queueDeletes(b *pgx.Batch, batch model.BigUpdate) {
	for _, d := range batch.NodeDeletes {
		b.Queue(deleteByID(d.Table), d.ID)
	}
}

func recordRowMetrics(source string, batch model.BigUpdate) {
	observe := func(table string, n int) {
		if n > 0 {
			metrics.DBRowsWrittenTotal.WithLabelValues(source, table, "write").Add(float64(n))
		}
	}
	observe("did", len(batch.DIDs))
	observe("backfill_marker", len(batch.BackfillMarkers))
	observe("feed", len(batch.Feeds))
	observe("list", len(batch.Lists))
	observe("post", len(batch.Posts))
	for _, n := range batch.RawNodes {
		metrics.DBRowsWrittenTotal.WithLabelValues(source, n.Table, "write").Add(1)
	}
	observe("quotes", len(batch.QuotesEdges))
	observe("like", len(batch.LikeEdges))
	observe("repost", len(batch.RepostEdges))
	observe("block", len(batch.BlockEdges))
	observe("listblock", len(batch.ListBlockEdges))
	observe("listitem", len(batch.ListItemEdges))
	observe("replyto", len(batch.ReplyToEdges))
	observe("replies", len(batch.RepliesEdges))
	observe("follow", len(batch.FollowEdges))
	observe("posts", len(batch.PostsEdges))
	for _, d := range batch.NodeDeletes {
		metrics.DBRowsWrittenTotal.WithLabelValues(source, d.Table, "delete").Add(1)
	}
}
