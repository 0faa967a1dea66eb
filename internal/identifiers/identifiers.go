// Package identifiers normalizes network identifiers (DIDs, AT-URIs, blob
// references) into the stable string keys the store uses as primary keys.
package identifiers

import (
	"fmt"
	"regexp"
	"strings"
)

var validDIDKey = regexp.MustCompile(`^(plc|web)_[a-z0-9_]+$`)

// rkey grammar per the network's record-key spec: 1-512 characters drawn
// from [A-Za-z0-9._~:-], and never exactly "." or "..".
var validRkey = regexp.MustCompile(`^[A-Za-z0-9._~:-]{1,512}$`)

// Table is a node/edge table name, the target of an AT-URI conversion.
type Table string

const (
	TablePost        Table = "post"
	TableFeed        Table = "feed"
	TableList        Table = "list"
	TableStarterPack Table = "starterpack"
	TableLabeler     Table = "labeler"
)

var collectionTables = map[string]Table{
	"app.bsky.feed.post":        TablePost,
	"app.bsky.feed.generator":   TableFeed,
	"app.bsky.graph.list":       TableList,
	"app.bsky.graph.starterpack": TableStarterPack,
	"app.bsky.labeler.service":  TableLabeler,
}

// RecordID identifies a row within a table; String renders it as
// Table + ":" + ID.
type RecordID struct {
	Table Table
	ID    string
}

func (r RecordID) String() string {
	return fmt.Sprintf("%s:%s", r.Table, r.ID)
}

// DIDToKey normalizes a DID of the form did:plc:<opaque> or
// did:web:<host> into a store-friendly key matching ^(plc|web)_[a-z0-9_]+$.
func DIDToKey(did string) (string, error) {
	var val string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		val = "plc_" + did[len("did:plc:"):]
	case strings.HasPrefix(did, "did:web:"):
		host := did[len("did:web:"):]
		host = strings.ReplaceAll(host, ".", "_")
		host = strings.ReplaceAll(host, "-", "__")
		val = "web_" + host
	default:
		return "", fmt.Errorf("identifiers: invalid DID %q", did)
	}

	if !validDIDKey.MatchString(val) {
		return "", fmt.Errorf("identifiers: invalid DID key derived from %q: %q", did, val)
	}
	return val, nil
}

// UnsafeUserKeyToDID inverts DIDToKey. It is lossy for web-method keys that
// contain literal underscores, since both "." and "-" escape through
// underscore sequences; it exists only to recover a displayable DID from a
// stored key, never to round-trip identity comparisons.
func UnsafeUserKeyToDID(key string) string {
	s := strings.Replace(key, "web_", "did:web:", 1)
	s = strings.Replace(s, "plc_", "did:plc:", 1)
	s = strings.ReplaceAll(s, "__", "-")
	s = strings.ReplaceAll(s, "_", ".")
	return s
}

// EnsureValidRkey validates rkey against the network's record-key grammar.
func EnsureValidRkey(rkey string) error {
	if rkey == "." || rkey == ".." {
		return fmt.Errorf("identifiers: rkey %q is reserved", rkey)
	}
	if !validRkey.MatchString(rkey) {
		return fmt.Errorf("identifiers: rkey %q is not valid", rkey)
	}
	return nil
}

// ATURIToRecordID converts an at://<hostname>/<collection>/<rkey> URI into a
// RecordID. The collection determines the target table; an unsupported
// collection fails the conversion.
func ATURIToRecordID(uri string) (RecordID, error) {
	parts := strings.Split(uri, "/")
	if len(parts) < 3 || parts[2] == "" {
		return RecordID{}, fmt.Errorf("identifiers: at-uri %q missing hostname", uri)
	}
	if len(parts) < 4 || parts[3] == "" {
		return RecordID{}, fmt.Errorf("identifiers: at-uri %q missing collection", uri)
	}
	if len(parts) < 5 || parts[4] == "" {
		return RecordID{}, fmt.Errorf("identifiers: at-uri %q missing rkey", uri)
	}

	hostname, collection, rkey := parts[2], parts[3], parts[4]

	table, ok := collectionTables[collection]
	if !ok {
		return RecordID{}, fmt.Errorf("identifiers: unsupported collection %q in %q", collection, uri)
	}

	did, err := DIDToKey(hostname)
	if err != nil {
		return RecordID{}, fmt.Errorf("identifiers: at-uri %q: %w", uri, err)
	}
	// Defensive fix-up for an accidental double-prefix, mirroring the
	// original implementation's guard against re-normalizing an
	// already-prefixed did:plc value.
	if strings.HasPrefix(did, "plc_did:plc:") {
		did = "plc_" + did[len("plc_did:plc:"):]
	}

	if err := EnsureValidRkey(rkey); err != nil {
		return RecordID{}, fmt.Errorf("identifiers: at-uri %q: %w", uri, err)
	}

	return RecordID{Table: table, ID: rkey + "_" + did}, nil
}

// BlobRef is the subset of a blob reference union this conversion needs.
type BlobRef struct {
	// Typed is the CID of a typed ("blob") reference. Empty if untyped.
	Typed string
	// UntypedCID is the bare cid field of an untyped blob reference.
	UntypedCID string
}

// BlobRefToRecordID converts a blob reference into a "blob:<cid>" record id.
func BlobRefToRecordID(b BlobRef) string {
	if b.Typed != "" {
		return "blob:" + b.Typed
	}
	return "blob:" + b.UntypedCID
}
