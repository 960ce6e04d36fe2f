package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/jacentio/canopy/event"
	"github.com/jacentio/canopy/store"
)

// WebSocketSource reads the snapshot over HTTP and the event stream over a
// websocket at /api/items/ws.
type WebSocketSource struct {
	baseURL string
	client  *http.Client
	dialer  *websocket.Dialer
}

// NewWebSocketSource returns a Source for the server at baseURL, e.g.
// "http://localhost:8080". Nil client and dialer use the package defaults.
func NewWebSocketSource(baseURL string, client *http.Client, dialer *websocket.Dialer) *WebSocketSource {
	if client == nil {
		client = http.DefaultClient
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WebSocketSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		dialer:  dialer,
	}
}

// Snapshot fetches GET /api/items.
func (w *WebSocketSource) Snapshot(ctx context.Context) ([]store.Item, error) {
	return fetchSnapshot(ctx, w.client, w.baseURL)
}

// Watch dials the websocket stream.
func (w *WebSocketSource) Watch(ctx context.Context) (Stream, error) {
	u, err := wsURL(w.baseURL)
	if err != nil {
		return nil, err
	}
	conn, resp, err := w.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return &wsStream{conn: conn}, nil
}

// wsURL maps http(s)://host/prefix to ws(s)://host/prefix/api/items/ws.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/items/ws"
	return u.String(), nil
}

type wsStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (s *wsStream) Next() (event.Event, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return event.Event{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return event.Unmarshal(data)
	}
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}
