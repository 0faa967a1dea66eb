// Package model defines the node/edge relational shapes the transformer
// produces and the batch applier writes, plus a generic record type
// (Record). The websocket consumer and the backfill decoder carry records
// in their own types (consumer.WorkItem, car.Record) and hand the
// transformer a transform.Input.
package model

import "time"

// Record is one observation of a repository record: its collection
// (which selects the transform variant), its rkey, and its decoded field
// bag. Fields is deliberately a generic map rather than one Go struct per
// collection — the known-record universe is a closed set today but new
// collections must decode without requiring a code change to the decoder,
// only to the transformer's dispatch.
type Record struct {
	Collection string
	Rkey       string
	Fields     map[string]any
}

// Op is the commit operation carried by a websocket event or implied by a
// backfill entry (backfill entries are always an implicit "create").
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// DIDRow is the `did` node table.
type DIDRow struct {
	ID                   string
	DisplayName          *string
	Description          *string
	Avatar               *string // blob:<cid>
	Banner               *string
	CreatedAt            *time.Time
	SeenAt               time.Time
	JoinedViaStarterPack *string // record id
	PinnedPost           *string // record id
	Labels               []string
	ExtraData            *string
}

// PostImage is one entry of a post's images embed.
type PostImage struct {
	Alt          string
	Blob         string
	AspectWidth  *int64
	AspectHeight *int64
}

// PostVideo is a post's video embed.
type PostVideo struct {
	Alt          *string
	AspectWidth  *int64
	AspectHeight *int64
	BlobCID      string
	BlobMIME     string
	BlobSize     int64
}

// PostRow is the `post` node table.
type PostRow struct {
	ID          string
	Author      string
	CreatedAt   time.Time
	Text        string
	Langs       []string
	Labels      []string
	Links       []string
	Mentions    []string
	Tags        []string
	Parent      *string // record id, reply.parent
	Root        *string // record id, reply.root
	Record      *string // record id, quote/record embed target
	Images      []PostImage
	Video       *PostVideo
	ExtraData   *string
}

// FeedRow is the `feed` node table (a feed generator).
type FeedRow struct {
	ID          string
	URI         string
	Author      string
	Rkey        string
	DID         string
	DisplayName string
	Description *string
	Avatar      *string
	CreatedAt   time.Time
	ExtraData   *string
}

// ListRow is the `list` node table.
type ListRow struct {
	ID          string
	Name        string
	Purpose     string
	CreatedAt   time.Time
	Description *string
	Avatar      *string
	Labels      []string
	ExtraData   *string
}

// RawNodeRow is a node table whose value is the raw record payload: used for
// threadgate, starterpack, postgate, actor-declaration, labelerservice.
type RawNodeRow struct {
	Table   string
	ID      string
	Payload map[string]any
}

// Edge is a generic typed relation row. In/Out use the opaque
// "table:id" form for polymorphic edges (like's target spans five tables).
type Edge struct {
	Table     string
	ID        string
	In        string
	Out       string
	CreatedAt *time.Time
}

// BackfillMarker upserts (or pre-seeds, with no timestamp) the backfill
// marker for a DID.
type BackfillMarker struct {
	DIDKey    string
	IndexedAt *time.Time
}

// BigUpdate accumulates every row/edge a single record transform produces.
// It is also the unit the batch applier commits in one transaction.
type BigUpdate struct {
	DIDs             []DIDRow
	Posts            []PostRow
	Feeds            []FeedRow
	Lists            []ListRow
	RawNodes         []RawNodeRow
	BackfillMarkers  []BackfillMarker

	FollowEdges    []Edge
	LikeEdges      []Edge
	RepostEdges    []Edge
	BlockEdges     []Edge
	ListBlockEdges []Edge
	ListItemEdges  []Edge
	QuotesEdges    []Edge
	RepliesEdges   []Edge
	ReplyToEdges   []Edge
	PostsEdges     []Edge

	// NodeDeletes names node/edge rows to remove by table and id, generated by
	// delete-operation commits. Every edge table sharing the same id key is
	// deleted alongside the node per the lifecycle invariant in §3.
	NodeDeletes []NodeDelete
}

// NodeDelete names a row (and its co-keyed edges) to remove.
type NodeDelete struct {
	Table string
	ID    string
}

// Merge appends other's rows onto u, used by the backfill decoder to fold
// per-entry transforms into one batch for a repository.
func (u *BigUpdate) Merge(other BigUpdate) {
	u.DIDs = append(u.DIDs, other.DIDs...)
	u.Posts = append(u.Posts, other.Posts...)
	u.Feeds = append(u.Feeds, other.Feeds...)
	u.Lists = append(u.Lists, other.Lists...)
	u.RawNodes = append(u.RawNodes, other.RawNodes...)
	u.BackfillMarkers = append(u.BackfillMarkers, other.BackfillMarkers...)

	u.FollowEdges = append(u.FollowEdges, other.FollowEdges...)
	u.LikeEdges = append(u.LikeEdges, other.LikeEdges...)
	u.RepostEdges = append(u.RepostEdges, other.RepostEdges...)
	u.BlockEdges = append(u.BlockEdges, other.BlockEdges...)
	u.ListBlockEdges = append(u.ListBlockEdges, other.ListBlockEdges...)
	u.ListItemEdges = append(u.ListItemEdges, other.ListItemEdges...)
	u.QuotesEdges = append(u.QuotesEdges, other.QuotesEdges...)
	u.RepliesEdges = append(u.RepliesEdges, other.RepliesEdges...)
	u.ReplyToEdges = append(u.ReplyToEdges, other.ReplyToEdges...)
	u.PostsEdges = append(u.PostsEdges, other.PostsEdges...)

	u.NodeDeletes = append(u.NodeDeletes, other.NodeDeletes...)
}

// RowCount is the total number of rows this update would write or delete,
// used for the applier's empty-batch check and its batch-size metric.
func (u BigUpdate) RowCount() int {
	return len(u.DIDs) + len(u.Posts) + len(u.Feeds) + len(u.Lists) + len(u.RawNodes) +
		len(u.BackfillMarkers) + len(u.FollowEdges) + len(u.LikeEdges) + len(u.RepostEdges) +
		len(u.BlockEdges) + len(u.ListBlockEdges) + len(u.ListItemEdges) + len(u.QuotesEdges) +
		len(u.RepliesEdges) + len(u.ReplyToEdges) + len(u.PostsEdges) + len(u.NodeDeletes)
}
