package transform

import (
	"testing"

	"github.com/atp-indexer/firehose-indexer/internal/model"
)

func TestTransform_FollowCreate(t *testing.T) {
	in := Input{
		DID: "did:plc:alice", DIDKey: "plc_alice",
		Collection: "app.bsky.graph.follow", Rkey: "abc123", Op: model.OpCreate,
		Fields: map[string]any{"subject": "did:plc:bob", "createdAt": "2024-01-01T00:00:00Z"},
	}
	update, err := Transform(in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(update.FollowEdges) != 1 {
		t.Fatalf("expected one follow edge, got %d", len(update.FollowEdges))
	}
	edge := update.FollowEdges[0]
	if edge.In != "plc_alice" || edge.Out != "plc_bob" {
		t.Errorf("unexpected edge endpoints: %+v", edge)
	}
	if edge.CreatedAt == nil {
		t.Error("expected createdAt to be set")
	}
	if len(update.BackfillMarkers) != 1 || update.BackfillMarkers[0].DIDKey != "plc_bob" {
		t.Errorf("expected a backfill marker for plc_bob, got %+v", update.BackfillMarkers)
	}
}

func TestTransform_LikeDelete(t *testing.T) {
	in := Input{
		DID: "did:plc:alice", DIDKey: "plc_alice",
		Collection: "app.bsky.feed.like", Rkey: "xyz789", Op: model.OpDelete,
	}
	update, err := Transform(in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(update.NodeDeletes) != 1 {
		t.Fatalf("expected one delete, got %d", len(update.NodeDeletes))
	}
	if update.NodeDeletes[0].Table != "like" || update.NodeDeletes[0].ID != "xyz789_plc_alice" {
		t.Errorf("unexpected delete: %+v", update.NodeDeletes[0])
	}
}

func TestTransform_ProfileDelete(t *testing.T) {
	in := Input{
		DID: "did:plc:alice", DIDKey: "plc_alice",
		Collection: "app.bsky.actor.profile", Rkey: "self", Op: model.OpDelete,
	}
	update, err := Transform(in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(update.NodeDeletes) != 1 || update.NodeDeletes[0].Table != "did" || update.NodeDeletes[0].ID != "plc_alice" {
		t.Errorf("expected did delete for plc_alice, got %+v", update.NodeDeletes)
	}
}

func TestTransform_PostWithImage(t *testing.T) {
	in := Input{
		DID: "did:plc:alice", DIDKey: "plc_alice",
		Collection: "app.bsky.feed.post", Rkey: "post1", Op: model.OpCreate,
		Fields: map[string]any{
			"text":      "hello world",
			"createdAt": "2024-01-01T00:00:00Z",
			"langs":     []any{"en"},
			"embed": map[string]any{
				"$type": "app.bsky.embed.images",
				"images": []any{
					map[string]any{
						"alt": "a cat",
						"image": map[string]any{
							"$type": "blob",
							"ref":   map[string]any{"$link": "bafycat"},
						},
						"aspectRatio": map[string]any{"width": float64(100), "height": float64(200)},
					},
				},
			},
		},
	}
	update, err := Transform(in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(update.Posts) != 1 {
		t.Fatalf("expected one post row, got %d", len(update.Posts))
	}
	post := update.Posts[0]
	if len(post.Images) != 1 {
		t.Fatalf("expected one image, got %d", len(post.Images))
	}
	img := post.Images[0]
	if img.Blob != "blob:bafycat" || img.Alt != "a cat" {
		t.Errorf("unexpected image: %+v", img)
	}
	if img.AspectWidth == nil || *img.AspectWidth != 100 {
		t.Errorf("expected aspect width 100, got %+v", img.AspectWidth)
	}
	if len(update.PostsEdges) != 1 {
		t.Errorf("expected a posts edge for a non-reply post, got %d", len(update.PostsEdges))
	}
}

func TestTransform_PostQuotingAnotherPost(t *testing.T) {
	in := Input{
		DID: "did:plc:alice", DIDKey: "plc_alice",
		Collection: "app.bsky.feed.post", Rkey: "post2", Op: model.OpCreate,
		Fields: map[string]any{
			"text":      "nice post",
			"createdAt": "2024-01-01T00:00:00Z",
			"embed": map[string]any{
				"$type": "app.bsky.embed.record",
				"record": map[string]any{
					"uri": "at://did:plc:bob/app.bsky.feed.post/quoted1",
					"cid": "bafyquoted",
				},
			},
		},
	}
	update, err := Transform(in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(update.Posts) != 1 || update.Posts[0].Record == nil {
		t.Fatalf("expected a quote target on the post row")
	}
	want := "post:quoted1_plc_bob"
	if *update.Posts[0].Record != want {
		t.Errorf("got quote target %q, want %q", *update.Posts[0].Record, want)
	}
	wantSelf := "post:post2_plc_alice"
	if len(update.QuotesEdges) != 1 || update.QuotesEdges[0].Out != want || update.QuotesEdges[0].In != wantSelf {
		t.Errorf("expected a quotes edge %q -> %q, got %+v", wantSelf, want, update.QuotesEdges)
	}
}

func TestTransform_PostReply(t *testing.T) {
	in := Input{
		DID: "did:plc:alice", DIDKey: "plc_alice",
		Collection: "app.bsky.feed.post", Rkey: "reply1", Op: model.OpCreate,
		Fields: map[string]any{
			"text":      "a reply",
			"createdAt": "2024-01-01T00:00:00Z",
			"reply": map[string]any{
				"root":   map[string]any{"uri": "at://did:plc:bob/app.bsky.feed.post/root1"},
				"parent": map[string]any{"uri": "at://did:plc:carol/app.bsky.feed.post/parent1"},
			},
		},
	}
	update, err := Transform(in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(update.ReplyToEdges) != 1 || len(update.RepliesEdges) != 1 {
		t.Fatalf("expected one replyto and one replies edge, got %+v / %+v", update.ReplyToEdges, update.RepliesEdges)
	}
	wantPost := "post:reply1_plc_alice"
	wantParent := "post:parent1_plc_carol"
	if rt := update.ReplyToEdges[0]; rt.In != wantPost || rt.Out != wantParent {
		t.Errorf("replyto edge should be this post -> parent, got In=%q Out=%q", rt.In, rt.Out)
	}
	if re := update.RepliesEdges[0]; re.In != "plc_alice" || re.Out != wantPost {
		t.Errorf("replies edge should be author -> this post, got In=%q Out=%q", re.In, re.Out)
	}
	if len(update.PostsEdges) != 0 {
		t.Errorf("a reply should not also emit a posts edge, got %+v", update.PostsEdges)
	}
	if update.Posts[0].Root == nil || *update.Posts[0].Root != "post:root1_plc_bob" {
		t.Errorf("unexpected root: %+v", update.Posts[0].Root)
	}
}

func TestTransform_InvalidDIDInEvent(t *testing.T) {
	in := Input{
		DID: "did:plc:alice", DIDKey: "plc_alice",
		Collection: "app.bsky.graph.follow", Rkey: "badfollow", Op: model.OpCreate,
		Fields: map[string]any{"subject": "did:key:not-supported"},
	}
	if _, err := Transform(in, nil); err == nil {
		t.Fatal("expected an error for an unsupported DID method in the subject field")
	}
}

func TestTransform_UnknownCollectionIsSkippedNotFailed(t *testing.T) {
	in := Input{
		DID: "did:plc:alice", DIDKey: "plc_alice",
		Collection: "app.bsky.unknown.thing", Rkey: "abc", Op: model.OpCreate,
		Fields: map[string]any{},
	}
	update, err := Transform(in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if update.RowCount() != 0 {
		t.Errorf("expected an empty update, got %+v", update)
	}
}

func TestTransform_ProfileWithMalformedPinnedPostIsSwallowed(t *testing.T) {
	in := Input{
		DID: "did:plc:alice", DIDKey: "plc_alice",
		Collection: "app.bsky.actor.profile", Rkey: "self", Op: model.OpCreate,
		Fields: map[string]any{
			"displayName": "Alice",
			"pinnedPost":  map[string]any{"uri": "not-a-valid-at-uri"},
		},
	}
	update, err := Transform(in, nil)
	if err != nil {
		t.Fatalf("a malformed strong ref should not fail the whole profile: %v", err)
	}
	if len(update.DIDs) != 1 {
		t.Fatalf("expected one did row, got %d", len(update.DIDs))
	}
	if update.DIDs[0].PinnedPost != nil {
		t.Errorf("expected pinned post to be dropped, got %+v", update.DIDs[0].PinnedPost)
	}
}
