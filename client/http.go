package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jacentio/canopy/event"
	"github.com/jacentio/canopy/store"
)

// HTTPSource reads the snapshot and the chunked event stream over plain HTTP.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource returns a Source for the server at baseURL, e.g.
// "http://localhost:8080". client must not set a Timeout, since streams are
// long-lived; nil uses http.DefaultClient.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Snapshot fetches GET /api/items.
func (h *HTTPSource) Snapshot(ctx context.Context) ([]store.Item, error) {
	return fetchSnapshot(ctx, h.client, h.baseURL)
}

// Watch opens GET /api/items/watch.
func (h *HTTPSource) Watch(ctx context.Context) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/items/watch", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return &httpStream{body: resp.Body, dec: event.NewDecoder(resp.Body)}, nil
}

type httpStream struct {
	body io.ReadCloser
	dec  *event.Decoder
}

func (s *httpStream) Next() (event.Event, error) { return s.dec.Next() }

func (s *httpStream) Close() error { return s.body.Close() }

func fetchSnapshot(ctx context.Context, client *http.Client, baseURL string) ([]store.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/items", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var items []store.Item
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return items, nil
}

// statusError reads the {"error": ...} body of a failed response.
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}
