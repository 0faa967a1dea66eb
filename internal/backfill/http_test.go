package backfill

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDownloadRepo_ReturnsBody(t *testing.T) {
	want := []byte("car-archive-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/com.atproto.sync.getRepo" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("did") != "did:plc:alice" {
			t.Errorf("unexpected did query param: %s", r.URL.Query().Get("did"))
		}
		w.Write(want)
	}))
	defer srv.Close()

	got, err := downloadRepo(context.Background(), srv.Client(), srv.URL, "did:plc:alice")
	if err != nil {
		t.Fatalf("downloadRepo: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDownloadRepo_NonOKStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := downloadRepo(context.Background(), srv.Client(), srv.URL, "did:plc:alice"); err == nil {
		t.Error("expected an error for a non-200 response")
	}
}

func TestNextStageName(t *testing.T) {
	cases := map[string]string{
		stageConstructJob:    stageResolveService,
		stageResolveService:  stageDownloadArchive,
		stageDownloadArchive: stageDecodeTransform,
		stageDecodeTransform: stageDecodeTransform,
	}
	for in, want := range cases {
		if got := nextStageName(in); got != want {
			t.Errorf("nextStageName(%q) = %q, want %q", in, got, want)
		}
	}
}
