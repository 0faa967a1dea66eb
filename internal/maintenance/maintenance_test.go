package maintenance

import "testing"

func TestTables_NoDuplicates(t *testing.T) {
	seen := make(map[string]bool)
	for _, name := range tables {
		if seen[name] {
			t.Errorf("duplicate table in maintenance list: %s", name)
		}
		seen[name] = true
	}
}

func TestTables_CoversHighChurnNodesAndEdges(t *testing.T) {
	want := []string{"did", "post", "follow", "like", "quotes"}
	seen := make(map[string]bool)
	for _, name := range tables {
		seen[name] = true
	}
	for _, w := range want {
		if !seen[w] {
			t.Errorf("expected %q in the analyzed table list", w)
		}
	}
}
