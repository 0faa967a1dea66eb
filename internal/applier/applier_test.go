package applier

import (
	"testing"

	"github.com/atp-indexer/firehose-indexer/internal/model"
	"github.com/jackc/pgx/v5"
)

func TestQueueNodes_CoversEveryNodeKind(t *testing.T) {
	extra := "{}"
	batch := model.BigUpdate{
		DIDs:            []model.DIDRow{{ID: "plc_alice"}},
		BackfillMarkers: []model.BackfillMarker{{DIDKey: "plc_bob"}},
		Feeds:           []model.FeedRow{{ID: "feed1"}},
		Lists:           []model.ListRow{{ID: "list1"}},
		RawNodes:        []model.RawNodeRow{{Table: "threadgate", ID: "tg1", Payload: map[string]any{"a": 1}}},
		Posts:           []model.PostRow{{ID: "post1", ExtraData: &extra}},
	}

	b := &pgx.Batch{}
	queueNodes(b, batch)

	if got, want := b.Len(), 6; got != want {
		t.Errorf("queued %d node statements, want %d", got, want)
	}
}

func TestQueueEdges_CoversEveryEdgeTable(t *testing.T) {
	edge := model.Edge{ID: "e1", In: "a", Out: "b"}
	batch := model.BigUpdate{
		QuotesEdges:    []model.Edge{edge},
		LikeEdges:      []model.Edge{edge},
		RepostEdges:    []model.Edge{edge},
		BlockEdges:     []model.Edge{edge},
		ListBlockEdges: []model.Edge{edge},
		ListItemEdges:  []model.Edge{edge},
		ReplyToEdges:   []model.Edge{edge},
		RepliesEdges:   []model.Edge{edge},
		FollowEdges:    []model.Edge{edge},
		PostsEdges:     []model.Edge{edge},
	}

	b := &pgx.Batch{}
	queueEdges(b, batch)

	if got, want := b.Len(), 10; got != want {
		t.Errorf("queued %d edge statements, want %d", got, want)
	}
}

func TestQueueDeletes(t *testing.T) {
	batch := model.BigUpdate{
		NodeDeletes: []model.NodeDelete{{Table: "post", ID: "p1"}, {Table: "did", ID: "d1"}},
	}
	b := &pgx.Batch{}
	queueDeletes(b, batch)
	if got, want := b.Len(), 2; got != want {
		t.Errorf("queued %d delete statements, want %d", got, want)
	}
}

func TestApply_EmptyBatchIsNoop(t *testing.T) {
	if err := Apply(nil, nil, model.BigUpdate{}, "test"); err != nil {
		t.Errorf("expected an empty batch to be a no-op, got error: %v", err)
	}
}

func TestCompress_NilExtraDataYieldsNil(t *testing.T) {
	if got := compress(nil); got != nil {
		t.Errorf("expected nil for nil extra data, got %v", got)
	}
}

func TestCompress_RoundTripsThroughEncoder(t *testing.T) {
	s := `{"foo":"bar"}`
	out := compress(&s)
	if len(out) == 0 {
		t.Error("expected non-empty compressed output")
	}
}
