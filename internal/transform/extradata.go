package transform

import "encoding/json"

// extraDataJSON captures every field of f not named in known, so a record's
// forward-compatible or app-specific fields survive in the row without a
// schema change. An empty result collapses to nil rather than "{}" — an
// absent extra-data column is cheaper to store and to skip over than an
// empty JSON object.
func extraDataJSON(f map[string]any, known map[string]bool) *string {
	extra := make(map[string]any)
	for k, v := range f {
		if known[k] {
			continue
		}
		extra[k] = v
	}
	if len(extra) == 0 {
		return nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

var knownProfileFields = map[string]bool{
	"$type": true, "displayName": true, "description": true, "avatar": true,
	"banner": true, "labels": true, "joinedViaStarterPack": true, "pinnedPost": true,
	"createdAt": true,
}

var knownFeedGeneratorFields = map[string]bool{
	"$type": true, "did": true, "displayName": true, "description": true,
	"avatar": true, "createdAt": true, "acceptsInteractions": true, "labels": true,
	"contentMode": true,
}

var knownListFields = map[string]bool{
	"$type": true, "purpose": true, "name": true, "description": true,
	"avatar": true, "labels": true, "createdAt": true,
}

var knownPostFields = map[string]bool{
	"$type": true, "text": true, "createdAt": true, "langs": true, "labels": true,
	"facets": true, "embed": true, "reply": true, "tags": true,
}
