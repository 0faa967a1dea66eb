// Package car decodes a CARv1 repository archive (as returned by
// com.atproto.sync.getRepo) into the sequence of records its merkle search
// tree holds, without depending on a generic CAR/IPLD library: the
// container is a small, fully specified binary framing, and the only two
// primitives it rests on (CID parsing and varint length prefixes) are
// already pinned for other reasons.
package car

import (
	"bufio"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	varint "github.com/multiformats/go-varint"
)

// Record is one decoded repository record, ready for transform.Input.
type Record struct {
	Collection string
	Rkey       string
	Fields     map[string]any
}

// cidTagNumber is the CBOR tag of a DAG-CBOR CID: tag 42 wrapping a byte string
// whose first byte is the multibase "identity" prefix (0x00) and whose
// remainder is the raw CID bytes.
const cidTagNumber = 42

// readBlocks parses the outer CARv1 framing: a varint-prefixed DAG-CBOR
// header followed by a sequence of varint-prefixed (CID, block) sections.
// It returns every block keyed by CID string plus the header's declared
// roots.
func readBlocks(r io.Reader) (map[string][]byte, []cid.Cid, error) {
	br := bufio.NewReader(r)

	headerLen, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, nil, fmt.Errorf("car: reading header length: %w", err)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, nil, fmt.Errorf("car: reading header: %w", err)
	}

	var headerFields struct {
		Version int               `cbor:"version"`
		Roots   []cbor.RawMessage `cbor:"roots"`
	}
	if err := cbor.Unmarshal(header, &headerFields); err != nil {
		return nil, nil, fmt.Errorf("car: decoding header: %w", err)
	}

	roots := make([]cid.Cid, 0, len(headerFields.Roots))
	for _, raw := range headerFields.Roots {
		c, err := decodeCIDTag(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("car: decoding root cid: %w", err)
		}
		roots = append(roots, c)
	}

	blocks := make(map[string][]byte)
	for {
		sectionLen, err := varint.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("car: reading section length: %w", err)
		}

		section := make([]byte, sectionLen)
		if _, err := io.ReadFull(br, section); err != nil {
			return nil, nil, fmt.Errorf("car: reading section: %w", err)
		}

		n, c, err := cid.CidFromBytes(section)
		if err != nil {
			return nil, nil, fmt.Errorf("car: decoding block cid: %w", err)
		}
		blocks[c.String()] = section[n:]
	}

	return blocks, roots, nil
}

// decodeCIDTag decodes a DAG-CBOR tagged CID (tag 42, identity-prefixed
// byte string) out of a raw CBOR value.
func decodeCIDTag(raw cbor.RawMessage) (cid.Cid, error) {
	var tag cbor.Tag
	if err := cbor.Unmarshal(raw, &tag); err != nil {
		return cid.Undef, err
	}
	if tag.Number != cidTagNumber {
		return cid.Undef, fmt.Errorf("car: expected cid tag %d, got %d", cidTagNumber, tag.Number)
	}
	b, ok := tag.Content.([]byte)
	if !ok {
		return cid.Undef, fmt.Errorf("car: cid tag content is not a byte string")
	}
	if len(b) == 0 || b[0] != 0x00 {
		return cid.Undef, fmt.Errorf("car: cid bytes missing identity multibase prefix")
	}
	return cid.Cast(b[1:])
}

// treeEntry is one entry of a merkle search tree node, per the
// prefix-compressed key scheme: key = previousKey[:PrefixLen] + KeySuffix.
type treeEntry struct {
	PrefixLen int64           `cbor:"p"`
	KeySuffix []byte          `cbor:"k"`
	Value     cbor.RawMessage `cbor:"v"`
	Tree      cbor.RawMessage `cbor:"t,omitempty"`
}

type treeNode struct {
	Left    cbor.RawMessage `cbor:"l,omitempty"`
	Entries []treeEntry     `cbor:"e"`
}

// decoder walks a repository's merkle search tree, collecting the decoded
// record at the leaf referenced by each entry's value CID.
type decoder struct {
	blocks  map[string][]byte
	records []Record
}

func (d *decoder) walk(blockCID cid.Cid) error {
	block, ok := d.blocks[blockCID.String()]
	if !ok {
		// A referenced block absent from the archive is treated as a gap
		// in the snapshot rather than a hard failure: the live consumer
		// will eventually observe the same record via the firehose.
		return nil
	}

	var node treeNode
	if err := cbor.Unmarshal(block, &node); err != nil {
		return fmt.Errorf("car: decoding tree node %s: %w", blockCID, err)
	}

	if len(node.Left) > 0 {
		leftCID, err := decodeCIDTag(node.Left)
		if err == nil {
			if err := d.walk(leftCID); err != nil {
				return err
			}
		}
	}

	key := ""
	for _, entry := range node.Entries {
		prefixLen := int(entry.PrefixLen)
		if prefixLen < 0 {
			prefixLen = 0
		}
		if prefixLen > len(key) {
			prefixLen = len(key)
		}
		key = key[:prefixLen] + string(entry.KeySuffix)

		if valueCID, err := decodeCIDTag(entry.Value); err == nil {
			d.emit(key, valueCID)
		}

		if len(entry.Tree) > 0 {
			treeCID, err := decodeCIDTag(entry.Tree)
			if err == nil {
				if err := d.walk(treeCID); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func (d *decoder) emit(key string, valueCID cid.Cid) {
	recordBytes, ok := d.blocks[valueCID.String()]
	if !ok {
		return
	}

	collection, rkey, ok := splitRecordKey(key)
	if !ok {
		return
	}

	fields, err := decodeRecord(recordBytes)
	if err != nil {
		return
	}

	d.records = append(d.records, Record{Collection: collection, Rkey: rkey, Fields: fields})
}

// splitRecordKey splits a merkle search tree key of the form
// "<collection>/<rkey>" into its two parts.
func splitRecordKey(key string) (collection, rkey string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// decodeRecord CBOR-decodes a record block into a JSON-shaped field bag:
// DAG-CBOR tagged CIDs are normalized into the same {"$link": "<cid>"}
// shape the websocket path produces from JSON, so transform.Transform can
// treat both inputs identically.
func decodeRecord(data []byte) (map[string]any, error) {
	var raw any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	normalized := normalize(raw)
	fields, ok := normalized.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("car: record is not a map")
	}
	return fields, nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case cbor.Tag:
		if t.Number == cidTagNumber {
			if b, ok := t.Content.([]byte); ok && len(b) > 0 && b[0] == 0x00 {
				if c, err := cid.Cast(b[1:]); err == nil {
					return map[string]any{"$link": c.String()}
				}
			}
		}
		return normalize(t.Content)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if ks, ok := k.(string); ok {
				out[ks] = normalize(val)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// rootData is the subset of a repository commit object this decoder needs:
// the CID of the merkle search tree root.
type rootData struct {
	Data cbor.RawMessage `cbor:"data"`
}

// Decode parses a CARv1 repository archive and returns every record its
// merkle search tree holds, walked in key order.
func Decode(r io.Reader) ([]Record, error) {
	blocks, roots, err := readBlocks(r)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("car: archive has no roots")
	}

	d := &decoder{blocks: blocks}

	for _, root := range roots {
		commitBytes, ok := blocks[root.String()]
		if !ok {
			return nil, fmt.Errorf("car: root block %s missing from archive", root)
		}
		var commit rootData
		if err := cbor.Unmarshal(commitBytes, &commit); err != nil {
			return nil, fmt.Errorf("car: decoding commit %s: %w", root, err)
		}
		treeRoot, err := decodeCIDTag(commit.Data)
		if err != nil {
			return nil, fmt.Errorf("car: commit %s missing data pointer: %w", root, err)
		}
		if err := d.walk(treeRoot); err != nil {
			return nil, err
		}
	}

	return d.records, nil
}
