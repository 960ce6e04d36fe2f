package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jacentio/canopy/event"
)

// maxConcurrentPosts bounds fan-out to servers for one event.
const maxConcurrentPosts = 8

// HTTPPublisher posts events to the ingest endpoint of each canopy server.
type HTTPPublisher struct {
	servers []string
	client  *http.Client
}

// NewHTTPPublisher creates a publisher for the given server base URLs.
// A nil client uses http.DefaultClient.
func NewHTTPPublisher(servers []string, client *http.Client) *HTTPPublisher {
	if client == nil {
		client = http.DefaultClient
	}
	trimmed := make([]string, 0, len(servers))
	for _, s := range servers {
		if s = strings.TrimRight(strings.TrimSpace(s), "/"); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	return &HTTPPublisher{servers: trimmed, client: client}
}

// Servers returns the configured base URLs.
func (p *HTTPPublisher) Servers() []string { return p.servers }

// Publish posts e to every server concurrently. It fails if any server
// rejects the event.
func (p *HTTPPublisher) Publish(ctx context.Context, e event.Event) error {
	body, err := event.Marshal(e)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentPosts)
	for _, server := range p.servers {
		g.Go(func() error {
			return p.post(ctx, server, body)
		})
	}
	return g.Wait()
}

func (p *HTTPPublisher) post(ctx context.Context, server string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/api/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post event to %s: %w", server, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event to %s: %w", server, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("post event to %s: unexpected status %d", server, resp.StatusCode)
	}
	return nil
}
