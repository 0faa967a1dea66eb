package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// newHTTPClient builds the shared client used for both the PLC-directory
// lookup and the repo-archive download. Neither the teacher nor the rest of
// the pack standardizes on a higher-level HTTP client wrapper for outbound
// calls like these, so this stays on net/http directly.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

type didDocument struct {
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// resolveServiceEndpoint looks up a DID's document in the PLC directory and
// returns its first service endpoint. An empty string with a nil error
// means the document has no service entries.
func resolveServiceEndpoint(ctx context.Context, client *http.Client, did string) (string, error) {
	u := "https://plc.directory/" + url.PathEscape(did)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("backfill: building plc request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("backfill: plc request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("backfill: plc directory returned %s for %s", resp.Status, did)
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("backfill: decoding plc document: %w", err)
	}
	if len(doc.Service) == 0 {
		return "", nil
	}
	return doc.Service[0].ServiceEndpoint, nil
}

// downloadRepo fetches a repository's CARv1 archive from its PDS.
func downloadRepo(ctx context.Context, client *http.Client, serviceEndpoint, did string) ([]byte, error) {
	u := strings.TrimRight(serviceEndpoint, "/") + "/xrpc/com.atproto.sync.getRepo?did=" + url.QueryEscape(did)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("backfill: building getRepo request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backfill: getRepo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backfill: getRepo returned %s for %s", resp.Status, did)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("backfill: reading repo archive: %w", err)
	}
	return body, nil
}
