package car

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	varint "github.com/multiformats/go-varint"
)

func mustCID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		t.Fatalf("hashing block: %v", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh)
}

func cidTag(c cid.Cid) cbor.Tag {
	return cbor.Tag{Number: cidTagNumber, Content: append([]byte{0x00}, c.Bytes()...)}
}

func writeSection(t *testing.T, buf *bytes.Buffer, c cid.Cid, block []byte) {
	t.Helper()
	section := append(append([]byte{}, c.Bytes()...), block...)
	length := varint.ToUvarint(uint64(len(section)))
	buf.Write(length)
	buf.Write(section)
}

// buildArchive assembles a minimal CARv1 byte stream holding one post
// record reachable through a single-entry tree node under a commit root.
func buildArchive(t *testing.T, collection, rkey string, fields map[string]any) []byte {
	t.Helper()

	recordBytes, err := cbor.Marshal(fields)
	if err != nil {
		t.Fatalf("marshaling record: %v", err)
	}
	recordCID := mustCID(t, recordBytes)

	key := collection + "/" + rkey
	node := treeNode{
		Entries: []treeEntry{
			{PrefixLen: 0, KeySuffix: []byte(key), Value: marshalTag(t, cidTag(recordCID))},
		},
	}
	nodeBytes, err := cbor.Marshal(node)
	if err != nil {
		t.Fatalf("marshaling tree node: %v", err)
	}
	nodeCID := mustCID(t, nodeBytes)

	commit := rootData{Data: marshalTag(t, cidTag(nodeCID))}
	commitBytes, err := cbor.Marshal(commit)
	if err != nil {
		t.Fatalf("marshaling commit: %v", err)
	}
	commitCID := mustCID(t, commitBytes)

	header := struct {
		Version int         `cbor:"version"`
		Roots   []cbor.RawMessage `cbor:"roots"`
	}{Version: 1, Roots: []cbor.RawMessage{marshalTag(t, cidTag(commitCID))}}
	headerBytes, err := cbor.Marshal(header)
	if err != nil {
		t.Fatalf("marshaling header: %v", err)
	}

	var buf bytes.Buffer
	buf.Write(varint.ToUvarint(uint64(len(headerBytes))))
	buf.Write(headerBytes)

	writeSection(t, &buf, recordCID, recordBytes)
	writeSection(t, &buf, nodeCID, nodeBytes)
	writeSection(t, &buf, commitCID, commitBytes)

	return buf.Bytes()
}

func marshalTag(t *testing.T, tag cbor.Tag) cbor.RawMessage {
	t.Helper()
	b, err := cbor.Marshal(tag)
	if err != nil {
		t.Fatalf("marshaling cid tag: %v", err)
	}
	return cbor.RawMessage(b)
}

func TestDecode_SingleRecord(t *testing.T) {
	archive := buildArchive(t, "app.bsky.feed.post", "abc123", map[string]any{
		"$type": "app.bsky.feed.post",
		"text":  "hello firehose",
	})

	records, err := Decode(bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Collection != "app.bsky.feed.post" || records[0].Rkey != "abc123" {
		t.Errorf("unexpected record key: %+v", records[0])
	}
	if records[0].Fields["text"] != "hello firehose" {
		t.Errorf("unexpected fields: %+v", records[0].Fields)
	}
}

func TestDecode_EmptyRootsFails(t *testing.T) {
	var buf bytes.Buffer
	header := struct {
		Version int               `cbor:"version"`
		Roots   []cbor.RawMessage `cbor:"roots"`
	}{Version: 1, Roots: nil}
	headerBytes, err := cbor.Marshal(header)
	if err != nil {
		t.Fatalf("marshaling header: %v", err)
	}
	buf.Write(varint.ToUvarint(uint64(len(headerBytes))))
	buf.Write(headerBytes)

	if _, err := Decode(bytes.NewReader(buf.Bytes())); err == nil {
		t.Error("expected an error for an archive with no roots")
	}
}

func TestSplitRecordKey(t *testing.T) {
	collection, rkey, ok := splitRecordKey("app.bsky.feed.post/abc123")
	if !ok || collection != "app.bsky.feed.post" || rkey != "abc123" {
		t.Errorf("unexpected split: %q %q %v", collection, rkey, ok)
	}
	if _, _, ok := splitRecordKey("no-slash-here"); ok {
		t.Error("expected ok=false for a key without a slash")
	}
}
