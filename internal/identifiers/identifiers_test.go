package identifiers

import "testing"

func TestDIDToKey_PLC(t *testing.T) {
	got, err := DIDToKey("did:plc:abc123xyz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "plc_abc123xyz" {
		t.Errorf("got %q, want plc_abc123xyz", got)
	}
}

func TestDIDToKey_Web(t *testing.T) {
	got, err := DIDToKey("did:web:my-site.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "web_my__site_example_com"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDIDToKey_Invalid(t *testing.T) {
	if _, err := DIDToKey("did:key:zSomething"); err == nil {
		t.Fatal("expected error for unsupported DID method")
	}
}

func TestDIDToKey_Injective(t *testing.T) {
	// "." escapes to "_", "-" escapes to "__" — they must never collide.
	a, err := DIDToKey("did:web:a-b.c")
	if err != nil {
		t.Fatal(err)
	}
	b, err := DIDToKey("did:web:a.b.c") // distinct input
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Errorf("expected distinct keys for distinct DIDs, both produced %q", a)
	}
}

func TestUnsafeUserKeyToDID_RoundTrips(t *testing.T) {
	key, err := DIDToKey("did:plc:alice")
	if err != nil {
		t.Fatal(err)
	}
	if got := UnsafeUserKeyToDID(key); got != "did:plc:alice" {
		t.Errorf("got %q, want did:plc:alice", got)
	}
}

func TestATURIToRecordID_Post(t *testing.T) {
	rid, err := ATURIToRecordID("at://did:plc:bob/app.bsky.feed.post/3kq1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rid.Table != TablePost {
		t.Errorf("got table %q, want post", rid.Table)
	}
	if rid.ID != "3kq1_plc_bob" {
		t.Errorf("got id %q, want 3kq1_plc_bob", rid.ID)
	}
}

func TestATURIToRecordID_UnsupportedCollection(t *testing.T) {
	if _, err := ATURIToRecordID("at://did:plc:bob/app.bsky.graph.follow/3kq1"); err == nil {
		t.Fatal("expected error for unsupported collection")
	}
}

func TestATURIToRecordID_InvalidRkey(t *testing.T) {
	if _, err := ATURIToRecordID("at://did:plc:bob/app.bsky.feed.post/."); err == nil {
		t.Fatal("expected error for reserved rkey '.'")
	}
}

func TestEnsureValidRkey(t *testing.T) {
	if err := EnsureValidRkey("3jzfcijpj2z2a"); err != nil {
		t.Errorf("expected valid rkey, got error: %v", err)
	}
	if err := EnsureValidRkey(".."); err == nil {
		t.Error("expected error for reserved rkey '..'")
	}
}

func TestBlobRefToRecordID(t *testing.T) {
	if got := BlobRefToRecordID(BlobRef{Typed: "bafyabc"}); got != "blob:bafyabc" {
		t.Errorf("got %q", got)
	}
	if got := BlobRefToRecordID(BlobRef{UntypedCID: "bafyxyz"}); got != "blob:bafyxyz" {
		t.Errorf("got %q", got)
	}
}
