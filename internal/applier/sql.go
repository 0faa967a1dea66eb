package applier

import "fmt"

// upsertDID inserts if absent: a did row, once created, is never
// overwritten by a later sighting of the same DID.
const upsertDID = `
INSERT INTO did (id, display_name, description, avatar, banner, created_at, seen_at,
                  joined_via_starter_pack, pinned_post, labels, extra_data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`

// upsertBackfillMarkerSeed only inserts a placeholder row; it never
// overwrites an already-recorded indexed_at, since the marker's timestamp
// is owned by the backfill pipeline, not by the follow transform that
// discovers the DID.
const upsertBackfillMarkerSeed = `
INSERT INTO backfill_marker (did_key, indexed_at)
VALUES ($1, $2)
ON CONFLICT (did_key) DO NOTHING`

// upsertBackfillMarker unconditionally overwrites indexed_at: the backfill
// pipeline's apply-and-mark stage is the only writer allowed to advance it.
const upsertBackfillMarker = `
INSERT INTO backfill_marker (did_key, indexed_at)
VALUES ($1, $2)
ON CONFLICT (did_key) DO UPDATE SET indexed_at = EXCLUDED.indexed_at`

// upsertFeed inserts if absent; see upsertDID.
const upsertFeed = `
INSERT INTO feed (id, uri, author, rkey, did, display_name, description, avatar, created_at, extra_data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`

// upsertList inserts if absent; see upsertDID.
const upsertList = `
INSERT INTO list (id, name, purpose, created_at, description, avatar, labels, extra_data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`

// upsertPost inserts if absent; see upsertDID.
const upsertPost = `
INSERT INTO post (id, author, created_at, text, langs, labels, links, mentions, tags,
                   parent, root, record, images, video, extra_data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO NOTHING`

func upsertRawNode(table string) string {
	return fmt.Sprintf(`
INSERT INTO %s (id, payload)
VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`, table)
}

func upsertEdge(table string) string {
	return fmt.Sprintf(`
INSERT INTO %s (id, "in", "out", created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET "in" = EXCLUDED."in", "out" = EXCLUDED."out", created_at = EXCLUDED.created_at`, table)
}

func deleteByID(table string) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table)
}
