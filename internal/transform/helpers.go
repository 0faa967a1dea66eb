package transform

import "fmt"

// Accessors over the generic record field bag. The record universe is
// treated as an opaque, open tagged union (see SPEC_FULL.md DOMAIN STACK);
// these helpers read a JSON- or CBOR-decoded map[string]any without
// requiring a concrete Go type per collection.

func getString(f map[string]any, key string) (string, bool) {
	v, ok := f[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func getStringPtr(f map[string]any, key string) *string {
	if s, ok := getString(f, key); ok {
		return &s
	}
	return nil
}

func getMap(f map[string]any, key string) (map[string]any, bool) {
	v, ok := f[key]
	if !ok || v == nil {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func getSlice(f map[string]any, key string) ([]any, bool) {
	v, ok := f[key]
	if !ok || v == nil {
		return nil, false
	}
	s, ok := v.([]any)
	return s, ok
}

func getStringSlice(f map[string]any, key string) []string {
	raw, ok := getSlice(f, key)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getInt64(f map[string]any, key string) (int64, bool) {
	v, ok := f[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func getInt64Ptr(f map[string]any, key string) *int64 {
	if n, ok := getInt64(f, key); ok {
		return &n
	}
	return nil
}

// extractSelfLabels reads the `$type`-tagged labels union emitted for
// profile, post, and list records. Only the known
// "com.atproto.label.defs#selfLabels" tag is understood; any other tag
// (including absence of a recognizable type) yields "no self labels", never
// an error — an unrecognized nested tagged union is not a validation
// failure.
func extractSelfLabels(f map[string]any, key string) []string {
	labels, ok := getMap(f, key)
	if !ok {
		return nil
	}
	typ, _ := getString(labels, "$type")
	if typ != "com.atproto.label.defs#selfLabels" {
		return nil
	}
	values, ok := getSlice(labels, "values")
	if !ok {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if val, ok := getString(m, "val"); ok {
			out = append(out, val)
		}
	}
	return out
}

// extractBlobRef resolves a blob reference field (typed `blob` ref or a
// bare untyped `{cid: ...}`) to a "blob:<cid>" record id.
func extractBlobRef(f map[string]any, key string) (string, bool) {
	blob, ok := getMap(f, key)
	if !ok {
		return "", false
	}
	if typ, ok := getString(blob, "$type"); ok && typ == "blob" {
		ref, ok := getMap(blob, "ref")
		if !ok {
			return "", false
		}
		cid, ok := getString(ref, "$link")
		if !ok {
			return "", false
		}
		return "blob:" + cid, true
	}
	if cid, ok := getString(blob, "cid"); ok {
		return "blob:" + cid, true
	}
	return "", false
}

// extractTypedBlob resolves a typed (`$type: "blob"`) blob reference field
// and reads its MIME type and size — used for video embeds, which never
// accept the untyped `{cid: ...}` shorthand extractBlobRef also
// understands. A missing mimeType or size yields "" or 0; it does not
// reject the blob.
func extractTypedBlob(f map[string]any, key string) (cid, mimeType string, size int64, ok bool) {
	blob, ok := getMap(f, key)
	if !ok {
		return "", "", 0, false
	}
	typ, _ := getString(blob, "$type")
	if typ != "blob" {
		return "", "", 0, false
	}
	ref, ok := getMap(blob, "ref")
	if !ok {
		return "", "", 0, false
	}
	link, ok := getString(ref, "$link")
	if !ok {
		return "", "", 0, false
	}
	mime, _ := getString(blob, "mimeType")
	sz, _ := getInt64(blob, "size")
	return link, mime, sz, true
}

func requireString(f map[string]any, key string) (string, error) {
	s, ok := getString(f, key)
	if !ok {
		return "", fmt.Errorf("transform: missing required field %q", key)
	}
	return s, nil
}
