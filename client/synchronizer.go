// Package client keeps a local copy of the item relation in sync with a canopy server.
//
// A Synchronizer fetches a snapshot, then applies the live event stream on top of it.
// When the stream fails it reconnects up to Config.MaxRetries times with a fixed delay
// between attempts, without re-fetching the snapshot unless ResyncOnReconnect is set.
// Once retries are exhausted it reports the failure and stops; the cache keeps its
// last contents.
package client

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jacentio/canopy/event"
	"github.com/jacentio/canopy/store"
	"github.com/jacentio/canopy/tree"
)

var (
	// ErrRetriesExhausted is reported when the stream cannot be re-established.
	ErrRetriesExhausted = errors.New("canopy: stream retries exhausted")

	// ErrServerError wraps the message of an error event sent by the server.
	ErrServerError = errors.New("canopy: server error event")

	// ErrStreamEnded is returned when the server closes the stream.
	ErrStreamEnded = errors.New("canopy: stream ended")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("canopy: synchronizer already started")

	// ErrClosed is returned by Start once Close has been called.
	ErrClosed = errors.New("canopy: synchronizer closed")
)

// Stream yields events from one live connection.
type Stream interface {
	Next() (event.Event, error)
	Close() error
}

// Source provides the snapshot and live stream of a server.
type Source interface {
	Snapshot(ctx context.Context) ([]store.Item, error)
	Watch(ctx context.Context) (Stream, error)
}

// State is the connection state of a Synchronizer.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a Synchronizer.
type Config struct {
	// MaxRetries is the number of reconnect attempts after a stream failure.
	// Default: 3
	MaxRetries int

	// RetryDelay is the fixed delay before each reconnect attempt.
	// Default: 1s
	RetryDelay time.Duration

	// StableAfter is how long a stream must stay open, if it delivers no event,
	// before it counts as established and the retry budget is restored.
	// Default: 10s
	StableAfter time.Duration

	// ResyncOnReconnect re-fetches the snapshot after every reconnect.
	// Default: false
	ResyncOnReconnect bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnChange is called after the cache changes. It must not block.
	OnChange func()

	// OnFailure is called once when retries are exhausted. By default the
	// failure is logged.
	OnFailure func(error)
}

// DefaultConfig returns the reconnect policy used by canopy watch.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		RetryDelay:  time.Second,
		StableAfter: 10 * time.Second,
	}
}

func (c *Config) validate() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Synchronizer maintains a local cache of the item relation.
type Synchronizer struct {
	src    Source
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	items map[int64]store.Item

	stateMu sync.Mutex
	state   State
	attempt int
	err     error
	started bool
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Synchronizer reading from src.
func New(src Source, cfg Config) *Synchronizer {
	cfg.validate()
	return &Synchronizer{
		src:    src,
		cfg:    cfg,
		logger: cfg.Logger,
		items:  make(map[int64]store.Item),
		done:   make(chan struct{}),
	}
}

// Start fetches the snapshot and starts streaming in the background.
// A snapshot failure is returned and leaves the Synchronizer disconnected.
// Close during Start cancels the snapshot and no stream is opened.
func (s *Synchronizer) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)

	s.stateMu.Lock()
	switch {
	case s.closed:
		s.stateMu.Unlock()
		cancel()
		return ErrClosed
	case s.started:
		s.stateMu.Unlock()
		cancel()
		return ErrAlreadyStarted
	}
	s.started = true
	s.state = StateConnecting
	s.cancel = cancel
	s.stateMu.Unlock()

	err := s.resync(loopCtx)

	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		cancel()
		return ErrClosed
	}
	if err != nil {
		s.started = false
		s.cancel = nil
		s.state = StateDisconnected
		s.attempt = 0
		s.stateMu.Unlock()
		cancel()
		return err
	}
	s.running = true
	s.stateMu.Unlock()

	go s.run(loopCtx)
	return nil
}

// Close stops streaming, cancels any pending snapshot or reconnect and waits
// for the background loop to exit. It is safe to call more than once.
func (s *Synchronizer) Close() error {
	s.stateMu.Lock()
	first := !s.closed
	s.closed = true
	cancel, running := s.cancel, s.running
	s.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if running {
		<-s.done
		return nil
	}
	if first {
		s.setState(StateStopped, 0)
		close(s.done)
	}
	return nil
}

// Done is closed when the background loop exits, or by Close when no loop
// is running.
func (s *Synchronizer) Done() <-chan struct{} { return s.done }

// Err returns the failure that stopped the Synchronizer, or nil.
func (s *Synchronizer) Err() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.err
}

// State returns the current connection state.
func (s *Synchronizer) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Attempt returns the current reconnect attempt, 0 while streaming.
func (s *Synchronizer) Attempt() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.attempt
}

// Items returns a copy of the cached relation ordered by id.
func (s *Synchronizer) Items() []store.Item {
	s.mu.RLock()
	out := make([]store.Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b store.Item) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Tree reconstructs the forest from the cache.
func (s *Synchronizer) Tree() []*tree.Node {
	return tree.Build(s.Items())
}

// Apply applies one event to the cache. Applying the same event twice has the
// same effect as applying it once.
func (s *Synchronizer) Apply(e event.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	switch e.Type {
	case event.TypeAdd, event.TypeUpdate:
		s.items[e.Data.ID] = e.Data.Clone()
	case event.TypeRemove:
		delete(s.items, *e.ID)
	case event.TypeError:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerError, e.Message)
	}
	s.mu.Unlock()

	s.changed()
	return nil
}

func (s *Synchronizer) changed() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}

func (s *Synchronizer) setState(state State, attempt int) {
	s.stateMu.Lock()
	prev := s.state
	s.state = state
	s.attempt = attempt
	s.stateMu.Unlock()

	if prev != state {
		s.logger.Debug("synchronizer state changed",
			"from", prev.String(),
			"to", state.String(),
			"attempt", attempt,
		)
	}
}

// resync replaces the cache with a fresh snapshot.
func (s *Synchronizer) resync(ctx context.Context) error {
	items, err := s.src.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	fresh := make(map[int64]store.Item, len(items))
	for _, item := range items {
		fresh[item.ID] = item.Clone()
	}
	s.mu.Lock()
	s.items = fresh
	s.mu.Unlock()

	s.changed()
	return nil
}

// run drives the state machine:
//
//	Connecting -> Streaming -> Reconnecting(n) -> Connecting ... -> Stopped
func (s *Synchronizer) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateStopped, 0)

	retries := 0
	reconnect := false
	for {
		s.setState(StateConnecting, retries)
		established, err := s.connect(ctx, reconnect, retries)
		if ctx.Err() != nil {
			return
		}
		if established {
			retries = 0
		}

		if retries >= s.cfg.MaxRetries {
			s.fail(fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, retries, err))
			return
		}
		retries++
		reconnect = true

		s.setState(StateReconnecting, retries)
		s.logger.Warn("stream failed, reconnecting",
			"attempt", retries,
			"maxRetries", s.cfg.MaxRetries,
			"delay", s.cfg.RetryDelay,
			"error", err,
		)

		timer := time.NewTimer(s.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect opens one stream and consumes it until it fails. It reports whether the
// stream was established: it delivered an event or stayed open for StableAfter.
func (s *Synchronizer) connect(ctx context.Context, reconnect bool, attempt int) (bool, error) {
	stream, err := s.src.Watch(ctx)
	if err != nil {
		return false, fmt.Errorf("watch: %w", err)
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	if reconnect && s.cfg.ResyncOnReconnect {
		if err := s.resync(ctx); err != nil {
			return false, err
		}
	}

	s.setState(StateStreaming, 0)
	if attempt > 0 {
		s.logger.Info("stream reconnected", "attempt", attempt)
	}

	opened := time.Now()
	delivered := false
	for {
		e, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			}
			return delivered || time.Since(opened) >= s.cfg.StableAfter, err
		}
		if err := s.Apply(e); err != nil {
			return delivered, err
		}
		delivered = true
	}
}

func (s *Synchronizer) fail(err error) {
	s.stateMu.Lock()
	s.err = err
	s.stateMu.Unlock()

	if s.cfg.OnFailure != nil {
		s.cfg.OnFailure(err)
		return
	}
	s.logger.Error("synchronizer stopped", "error", err)
}
