// Package transform implements the "big update" builder: it turns one
// observed record (an identity, a collection, an rkey, and a decoded field
// bag) into a model.BigUpdate of typed rows and edges ready for the batch
// applier. It is the single component shared by the websocket consumer and
// the backfill pipeline.
package transform

import (
	"fmt"
	"time"

	"github.com/atp-indexer/firehose-indexer/internal/identifiers"
	"github.com/atp-indexer/firehose-indexer/internal/model"
	"go.uber.org/zap"
)

// Input bundles everything a single record transform needs.
type Input struct {
	DID        string // did:plc:... or did:web:...
	DIDKey     string // pre-normalized identifiers.DIDToKey(DID)
	Collection string
	Rkey       string
	Op         model.Op
	Fields     map[string]any // nil for delete operations
}

// tablesSharingID lists every node/edge table keyed by the same
// "<rkey>_<did-key>" id as the named collection, used to cascade a delete
// per §3's lifecycle rule: removing a node also removes edge rows that
// share its id key.
var tablesSharingID = map[string][]string{
	"app.bsky.graph.follow":       {"follow"},
	"app.bsky.feed.like":          {"like"},
	"app.bsky.feed.repost":        {"repost"},
	"app.bsky.graph.block":        {"block"},
	"app.bsky.graph.listblock":    {"listblock"},
	"app.bsky.graph.listitem":     {"listitem"},
	"app.bsky.feed.post":          {"post", "quotes", "replies", "replyto", "posts"},
	"app.bsky.feed.generator":     {"feed"},
	"app.bsky.graph.list":         {"list"},
	"app.bsky.feed.threadgate":    {"threadgate"},
	"app.bsky.graph.starterpack":  {"starterpack"},
	"app.bsky.feed.postgate":      {"postgate"},
	"app.bsky.labeler.service":    {"labelerservice"},
	"chat.bsky.actor.declaration": {"actordeclaration"},
}

// rawNodeTables maps collections whose node value is the raw record
// payload, keyed by <rkey>_<did-key>, to their table name.
var rawNodeTables = map[string]string{
	"app.bsky.feed.threadgate":    "threadgate",
	"app.bsky.graph.starterpack":  "starterpack",
	"app.bsky.feed.postgate":      "postgate",
	"chat.bsky.actor.declaration": "actordeclaration",
	"app.bsky.labeler.service":    "labelerservice",
}

// Transform dispatches on in.Collection and produces the BigUpdate for a
// single observed record. A delete operation never inspects in.Fields; a
// create/update is treated identically, per §6's envelope contract.
func Transform(in Input, logger *zap.Logger) (model.BigUpdate, error) {
	if err := identifiers.EnsureValidRkey(in.Rkey); err != nil {
		return model.BigUpdate{}, fmt.Errorf("transform: %w", err)
	}

	if in.Op == model.OpDelete {
		return transformDelete(in), nil
	}

	id := in.Rkey + "_" + in.DIDKey

	switch in.Collection {
	case "app.bsky.actor.profile":
		return transformProfile(in)
	case "app.bsky.graph.follow":
		return transformFollow(in, id)
	case "app.bsky.feed.like":
		return transformUnaryEdge(in, id, "like")
	case "app.bsky.feed.repost":
		return transformUnaryEdge(in, id, "repost")
	case "app.bsky.graph.listblock":
		return transformUnaryEdge(in, id, "listblock")
	case "app.bsky.graph.block":
		return transformBlock(in, id)
	case "app.bsky.graph.listitem":
		return transformListItem(in, id)
	case "app.bsky.feed.generator":
		return transformFeedGenerator(in, id)
	case "app.bsky.graph.list":
		return transformList(in, id)
	case "app.bsky.feed.threadgate", "app.bsky.graph.starterpack", "app.bsky.feed.postgate",
		"chat.bsky.actor.declaration", "app.bsky.labeler.service":
		return transformRawNode(in, id)
	case "app.bsky.feed.post":
		return transformPost(in, id)
	default:
		if logger != nil {
			logger.Warn("skipping unknown collection", zap.String("collection", in.Collection))
		}
		return model.BigUpdate{}, nil
	}
}

func transformDelete(in Input) model.BigUpdate {
	var update model.BigUpdate

	if in.Collection == "app.bsky.actor.profile" {
		update.NodeDeletes = append(update.NodeDeletes, model.NodeDelete{Table: "did", ID: in.DIDKey})
		return update
	}

	id := in.Rkey + "_" + in.DIDKey
	tables, ok := tablesSharingID[in.Collection]
	if !ok {
		return update
	}
	for _, t := range tables {
		update.NodeDeletes = append(update.NodeDeletes, model.NodeDelete{Table: t, ID: id})
	}
	return update
}

func transformProfile(in Input) (model.BigUpdate, error) {
	f := in.Fields
	row := model.DIDRow{
		ID:          in.DIDKey,
		DisplayName: getStringPtr(f, "displayName"),
		Description: getStringPtr(f, "description"),
		SeenAt:      time.Now().UTC(),
		Labels:      extractSelfLabels(f, "labels"),
		ExtraData:   extraDataJSON(f, knownProfileFields),
	}

	if avatar, ok := extractBlobRef(f, "avatar"); ok {
		row.Avatar = &avatar
	}
	if banner, ok := extractBlobRef(f, "banner"); ok {
		row.Banner = &banner
	}

	if createdAt, ok := getString(f, "createdAt"); ok {
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return model.BigUpdate{}, fmt.Errorf("transform: profile createdAt: %w", err)
		}
		row.CreatedAt = &t
	}

	// strong_ref-style fields: conversion failures are swallowed per field,
	// uniformly with post's reply.root/reply.parent handling — losing
	// thread/starter-pack linkage on a malformed pointer is preferable to
	// dropping the whole profile.
	if sp, ok := getMap(f, "joinedViaStarterPack"); ok {
		if uri, ok := getString(sp, "uri"); ok {
			if rid, err := identifiers.ATURIToRecordID(uri); err == nil {
				s := rid.String()
				row.JoinedViaStarterPack = &s
			}
		}
	}
	if pp, ok := getMap(f, "pinnedPost"); ok {
		if uri, ok := getString(pp, "uri"); ok {
			if rid, err := identifiers.ATURIToRecordID(uri); err == nil {
				s := rid.String()
				row.PinnedPost = &s
			}
		}
	}

	return model.BigUpdate{DIDs: []model.DIDRow{row}}, nil
}

func transformFollow(in Input, id string) (model.BigUpdate, error) {
	subjectDID, err := requireString(in.Fields, "subject")
	if err != nil {
		return model.BigUpdate{}, err
	}
	subjectKey, err := identifiers.DIDToKey(subjectDID)
	if err != nil {
		return model.BigUpdate{}, fmt.Errorf("transform: follow subject: %w", err)
	}

	edge := model.Edge{Table: "follow", ID: id, In: in.DIDKey, Out: subjectKey}
	if createdAt, ok := getString(in.Fields, "createdAt"); ok {
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			edge.CreatedAt = &t
		}
	}

	return model.BigUpdate{
		FollowEdges:     []model.Edge{edge},
		BackfillMarkers: []model.BackfillMarker{{DIDKey: subjectKey}},
	}, nil
}

// transformUnaryEdge handles the three collections whose only job is to
// link the author to an AT-URI subject resolved through the record tables:
// like, repost, listblock.
func transformUnaryEdge(in Input, id, table string) (model.BigUpdate, error) {
	subject, err := requireString(in.Fields, "subject")
	if err != nil {
		return model.BigUpdate{}, err
	}
	rid, err := identifiers.ATURIToRecordID(subject)
	if err != nil {
		return model.BigUpdate{}, fmt.Errorf("transform: %s subject: %w", table, err)
	}

	edge := model.Edge{Table: table, ID: id, In: in.DIDKey, Out: rid.String()}
	if createdAt, ok := getString(in.Fields, "createdAt"); ok {
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			edge.CreatedAt = &t
		}
	}

	update := model.BigUpdate{}
	switch table {
	case "like":
		update.LikeEdges = []model.Edge{edge}
	case "repost":
		update.RepostEdges = []model.Edge{edge}
	case "listblock":
		update.ListBlockEdges = []model.Edge{edge}
	}
	return update, nil
}

func transformBlock(in Input, id string) (model.BigUpdate, error) {
	subjectDID, err := requireString(in.Fields, "subject")
	if err != nil {
		return model.BigUpdate{}, err
	}
	subjectKey, err := identifiers.DIDToKey(subjectDID)
	if err != nil {
		return model.BigUpdate{}, fmt.Errorf("transform: block subject: %w", err)
	}
	edge := model.Edge{Table: "block", ID: id, In: in.DIDKey, Out: subjectKey}
	if createdAt, ok := getString(in.Fields, "createdAt"); ok {
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			edge.CreatedAt = &t
		}
	}
	return model.BigUpdate{BlockEdges: []model.Edge{edge}}, nil
}

func transformListItem(in Input, id string) (model.BigUpdate, error) {
	list, err := requireString(in.Fields, "list")
	if err != nil {
		return model.BigUpdate{}, err
	}
	listID, err := identifiers.ATURIToRecordID(list)
	if err != nil {
		return model.BigUpdate{}, fmt.Errorf("transform: listitem list: %w", err)
	}
	subjectDID, err := requireString(in.Fields, "subject")
	if err != nil {
		return model.BigUpdate{}, err
	}
	subjectKey, err := identifiers.DIDToKey(subjectDID)
	if err != nil {
		return model.BigUpdate{}, fmt.Errorf("transform: listitem subject: %w", err)
	}

	edge := model.Edge{Table: "listitem", ID: id, In: listID.String(), Out: subjectKey}
	if createdAt, ok := getString(in.Fields, "createdAt"); ok {
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			edge.CreatedAt = &t
		}
	}
	return model.BigUpdate{ListItemEdges: []model.Edge{edge}}, nil
}

func transformFeedGenerator(in Input, id string) (model.BigUpdate, error) {
	displayName, err := requireString(in.Fields, "displayName")
	if err != nil {
		return model.BigUpdate{}, err
	}
	createdAtStr, err := requireString(in.Fields, "createdAt")
	if err != nil {
		return model.BigUpdate{}, err
	}
	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return model.BigUpdate{}, fmt.Errorf("transform: feed generator createdAt: %w", err)
	}

	row := model.FeedRow{
		ID:          id,
		URI:         fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", in.DID, in.Rkey),
		Author:      in.DIDKey,
		Rkey:        in.Rkey,
		DID:         in.DID,
		DisplayName: displayName,
		Description: getStringPtr(in.Fields, "description"),
		CreatedAt:   createdAt,
		ExtraData:   extraDataJSON(in.Fields, knownFeedGeneratorFields),
	}
	if avatar, ok := extractBlobRef(in.Fields, "avatar"); ok {
		row.Avatar = &avatar
	}
	return model.BigUpdate{Feeds: []model.FeedRow{row}}, nil
}

func transformList(in Input, id string) (model.BigUpdate, error) {
	name, err := requireString(in.Fields, "name")
	if err != nil {
		return model.BigUpdate{}, err
	}
	purpose, err := requireString(in.Fields, "purpose")
	if err != nil {
		return model.BigUpdate{}, err
	}
	createdAtStr, err := requireString(in.Fields, "createdAt")
	if err != nil {
		return model.BigUpdate{}, err
	}
	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return model.BigUpdate{}, fmt.Errorf("transform: list createdAt: %w", err)
	}

	row := model.ListRow{
		ID:          id,
		Name:        name,
		Purpose:     purpose,
		CreatedAt:   createdAt,
		Description: getStringPtr(in.Fields, "description"),
		Labels:      extractSelfLabels(in.Fields, "labels"),
		ExtraData:   extraDataJSON(in.Fields, knownListFields),
	}
	if avatar, ok := extractBlobRef(in.Fields, "avatar"); ok {
		row.Avatar = &avatar
	}
	return model.BigUpdate{Lists: []model.ListRow{row}}, nil
}

func transformRawNode(in Input, id string) (model.BigUpdate, error) {
	table := rawNodeTables[in.Collection]
	return model.BigUpdate{
		RawNodes: []model.RawNodeRow{{Table: table, ID: id, Payload: in.Fields}},
	}, nil
}

// transformPost is the richest variant: it resolves facets, reply
// pointers, and every embed shape, then emits the post's own edge per
// whichever of quotes/replies/posts applies.
func transformPost(in Input, id string) (model.BigUpdate, error) {
	f := in.Fields

	text, err := requireString(f, "text")
	if err != nil {
		return model.BigUpdate{}, err
	}
	createdAtStr, err := requireString(f, "createdAt")
	if err != nil {
		return model.BigUpdate{}, err
	}
	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return model.BigUpdate{}, fmt.Errorf("transform: post createdAt: %w", err)
	}

	row := model.PostRow{
		ID:        id,
		Author:    in.DIDKey,
		CreatedAt: createdAt,
		Text:      text,
		Langs:     getStringSlice(f, "langs"),
		Labels:    extractSelfLabels(f, "labels"),
		ExtraData: extraDataJSON(f, knownPostFields),
	}

	applyFacets(f, &row)

	var update model.BigUpdate

	parentID, hasParent := resolveStrongRef(f, "reply", "parent")
	rootID, hasRoot := resolveStrongRef(f, "reply", "root")
	if hasParent {
		p := parentID.String()
		row.Parent = &p
	}
	if hasRoot {
		r := rootID.String()
		row.Root = &r
	}

	quoteID, hasQuote := resolveEmbedQuote(f)
	if hasQuote {
		q := quoteID.String()
		row.Record = &q
	}
	applyEmbedMedia(f, &row)

	switch {
	case hasParent:
		update.ReplyToEdges = []model.Edge{{Table: "replyto", ID: id, In: "post:" + id, Out: parentID.String()}}
		update.RepliesEdges = []model.Edge{{Table: "replies", ID: id, In: in.DIDKey, Out: "post:" + id}}
	default:
		update.PostsEdges = []model.Edge{{Table: "posts", ID: id, In: in.DIDKey, Out: "post:" + id}}
	}
	if hasQuote && quoteID.Table == identifiers.TablePost {
		update.QuotesEdges = []model.Edge{{Table: "quotes", ID: id, In: "post:" + id, Out: quoteID.String()}}
	}

	update.Posts = []model.PostRow{row}
	return update, nil
}

// resolveStrongRef reads f[outerKey][innerKey].uri as an AT-URI strong ref.
// A missing or malformed pointer is swallowed rather than failing the whole
// post, per the uniform strong_ref error policy also applied to profile.
func resolveStrongRef(f map[string]any, outerKey, innerKey string) (identifiers.RecordID, bool) {
	outer, ok := getMap(f, outerKey)
	if !ok {
		return identifiers.RecordID{}, false
	}
	return strongRefFromMap(outer, innerKey)
}

// resolveEmbedQuote handles both "app.bsky.embed.record" (record is the
// strong ref itself) and "app.bsky.embed.recordWithMedia" (record is
// nested one level under "record").
func resolveEmbedQuote(f map[string]any) (identifiers.RecordID, bool) {
	embed, ok := getMap(f, "embed")
	if !ok {
		return identifiers.RecordID{}, false
	}
	typ, _ := getString(embed, "$type")
	switch typ {
	case "app.bsky.embed.record":
		return strongRefFromMap(embed, "record")
	case "app.bsky.embed.recordWithMedia":
		inner, ok := getMap(embed, "record")
		if !ok {
			return identifiers.RecordID{}, false
		}
		return strongRefFromMap(inner, "record")
	default:
		return identifiers.RecordID{}, false
	}
}

func strongRefFromMap(m map[string]any, key string) (identifiers.RecordID, bool) {
	ref, ok := getMap(m, key)
	if !ok {
		return identifiers.RecordID{}, false
	}
	uri, ok := getString(ref, "uri")
	if !ok {
		return identifiers.RecordID{}, false
	}
	rid, err := identifiers.ATURIToRecordID(uri)
	if err != nil {
		return identifiers.RecordID{}, false
	}
	return rid, true
}

// applyFacets walks the rich-text facet list, splitting mention DIDs, link
// URIs, and hashtags into the post row's three flat slices. An unknown
// feature tag is ignored, not an error — new facet types appear over time.
func applyFacets(f map[string]any, row *model.PostRow) {
	facets, ok := getSlice(f, "facets")
	if !ok {
		return
	}
	for _, fv := range facets {
		facet, ok := fv.(map[string]any)
		if !ok {
			continue
		}
		features, ok := getSlice(facet, "features")
		if !ok {
			continue
		}
		for _, feat := range features {
			feature, ok := feat.(map[string]any)
			if !ok {
				continue
			}
			typ, _ := getString(feature, "$type")
			switch typ {
			case "app.bsky.richtext.facet#mention":
				if did, ok := getString(feature, "did"); ok {
					if key, err := identifiers.DIDToKey(did); err == nil {
						row.Mentions = append(row.Mentions, key)
					}
				}
			case "app.bsky.richtext.facet#link":
				if uri, ok := getString(feature, "uri"); ok {
					row.Links = append(row.Links, uri)
				}
			case "app.bsky.richtext.facet#tag":
				if tag, ok := getString(feature, "tag"); ok {
					row.Tags = append(row.Tags, tag)
				}
			}
		}
	}
}

// applyEmbedMedia fills the post row's image/video/link fields from
// whichever embed shape is present, including the media half of
// recordWithMedia.
func applyEmbedMedia(f map[string]any, row *model.PostRow) {
	embed, ok := getMap(f, "embed")
	if !ok {
		return
	}
	typ, _ := getString(embed, "$type")
	switch typ {
	case "app.bsky.embed.external":
		applyExternalEmbed(embed, row)
	case "app.bsky.embed.images":
		applyImagesEmbed(embed, row)
	case "app.bsky.embed.video":
		applyVideoEmbed(embed, row)
	case "app.bsky.embed.recordWithMedia":
		media, ok := getMap(embed, "media")
		if !ok {
			return
		}
		mtyp, _ := getString(media, "$type")
		switch mtyp {
		case "app.bsky.embed.images":
			applyImagesEmbed(media, row)
		case "app.bsky.embed.video":
			applyVideoEmbed(media, row)
		case "app.bsky.embed.external":
			applyExternalEmbed(media, row)
		}
	}
}

func applyExternalEmbed(embed map[string]any, row *model.PostRow) {
	external, ok := getMap(embed, "external")
	if !ok {
		return
	}
	if uri, ok := getString(external, "uri"); ok {
		row.Links = append(row.Links, uri)
	}
}

func applyImagesEmbed(embed map[string]any, row *model.PostRow) {
	images, ok := getSlice(embed, "images")
	if !ok {
		return
	}
	for _, iv := range images {
		img, ok := iv.(map[string]any)
		if !ok {
			continue
		}
		blob, ok := extractBlobRef(img, "image")
		if !ok {
			continue
		}
		pi := model.PostImage{Blob: blob}
		if alt, ok := getString(img, "alt"); ok {
			pi.Alt = alt
		}
		if ar, ok := getMap(img, "aspectRatio"); ok {
			pi.AspectWidth = getInt64Ptr(ar, "width")
			pi.AspectHeight = getInt64Ptr(ar, "height")
		}
		row.Images = append(row.Images, pi)
	}
}

// applyVideoEmbed enforces the typed-blob-only rule: a video embed whose
// blob ref is not a typed blob with a ref.$link is dropped. A typed blob
// lacking mimeType or size is kept with an empty MIME type or zero size.
func applyVideoEmbed(embed map[string]any, row *model.PostRow) {
	cid, mime, size, ok := extractTypedBlob(embed, "video")
	if !ok {
		return
	}
	video := &model.PostVideo{BlobCID: cid, BlobMIME: mime, BlobSize: size}
	if alt, ok := getString(embed, "alt"); ok {
		video.Alt = &alt
	}
	if ar, ok := getMap(embed, "aspectRatio"); ok {
		video.AspectWidth = getInt64Ptr(ar, "width")
		video.AspectHeight = getInt64Ptr(ar, "height")
	}
	row.Video = video
}
