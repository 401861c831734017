// Package gemini owns the long-lived authenticated backend session: it maps
// OpenAI-style model names onto backend models, issues single-shot generate
// calls through an injected Connector, and keeps the rotating session cookie
// persisted via a background watch loop.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gemini-bridge/internal/credentials"
)

var (
	// ErrAuthentication indicates the session cookies were rejected.
	ErrAuthentication = errors.New("backend rejected session credentials")
	// ErrBackendUnavailable indicates a network or transport failure.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrSessionClosed indicates use of a session after Close.
	ErrSessionClosed = errors.New("session is closed")
)

// Connector is the opaque chat backend capability. Implementations own the
// session protocol and transport; the session layer assumes only this
// contract.
type Connector interface {
	// Generate performs one blocking request-response round trip. The
	// backend has no incremental mode.
	Generate(ctx context.Context, prompt, model string) (string, error)
	// RotatingCookie reports the connection's current rotating session
	// cookie, or false when none is available.
	RotatingCookie() (string, bool)
	Close() error
}

// Dialer opens an authenticated Connector with the given credentials.
type Dialer func(ctx context.Context, creds credentials.Credentials, timeout time.Duration) (Connector, error)

// baselineModel is the backend model used for legacy aliases and any
// unrecognized name. Name translation never fails; rejecting genuinely
// unsupported models is request validation's job, not this layer's.
const baselineModel = "gemini-2.0-flash"

var modelMapping = map[string]string{
	"gpt-4":         baselineModel,
	"gpt-4-turbo":   baselineModel,
	"gpt-3.5-turbo": baselineModel,

	"gemini-2.0-flash":          "gemini-2.0-flash",
	"gemini-2.0-flash-thinking": "gemini-2.0-flash-thinking",
	"gemini-2.5-flash":          "gemini-2.5-flash",
	"gemini-2.5-pro":            "gemini-2.5-pro",
	"unspecified":               "unspecified",
}

// BackendModel translates an OpenAI-style model name to the backend's
// native name, defaulting to the baseline model.
func BackendModel(requested string) string {
	if native, ok := modelMapping[requested]; ok {
		return native
	}
	return baselineModel
}

// Watch loop cadence. Variables so tests can compress time.
var (
	refreshInterval = 5 * time.Second
	refreshBackoff  = 10 * time.Second
)

// Options tunes session establishment.
type Options struct {
	// InitTimeout bounds the initial dial; a zero value uses 30s.
	InitTimeout time.Duration
	// Probe issues a trivial generate call after dialing to verify the
	// session actually works, which also tends to trigger the first
	// cookie rotation.
	Probe bool
}

// Session is the process-wide backend connection shared by all requests.
type Session struct {
	store *credentials.Store

	cancel context.CancelFunc
	done   chan struct{}

	// mu guards conn and closed: generate calls hold it shared for the
	// duration of the round trip so Close cannot release the connector
	// under an in-flight call.
	mu     sync.RWMutex
	conn   Connector
	closed bool
}

// Open dials the backend with the store's current credentials and starts
// the rotating-cookie watch loop. Authentication failures are fatal: the
// caller must refuse to serve until operators fix the credentials.
func Open(ctx context.Context, store *credentials.Store, dial Dialer, opts Options) (*Session, error) {
	timeout := opts.InitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	creds := store.Snapshot()
	slog.Info("opening backend session",
		"psid_prefix", prefix(creds.PSID, 20),
		"psidts_prefix", prefix(creds.PSIDTS, 20),
		"proxy", creds.Proxy != "",
	)

	conn, err := dial(ctx, creds, timeout)
	if err != nil {
		return nil, fmt.Errorf("open backend session: %w", err)
	}

	if opts.Probe {
		if _, err := conn.Generate(ctx, "Hello", baselineModel); err != nil {
			closeErr := conn.Close()
			if closeErr != nil {
				slog.Error("closing connector after failed probe", "err", closeErr)
			}
			return nil, fmt.Errorf("backend session probe: %w", err)
		}
		slog.Info("backend session probe succeeded")
	}

	// A rotation observed during establishment must be persisted before
	// the watch loop takes over.
	if cookie, ok := conn.RotatingCookie(); ok && cookie != creds.PSIDTS {
		if err := store.UpdateRotating(cookie); err != nil {
			slog.Error("persisting token rotated during session init", "err", err)
		}
	}

	last := store.Snapshot().PSIDTS
	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		store:  store,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.watchRotations(loopCtx, last)

	return s, nil
}

// Generate issues one blocking generate call for the requested model. The
// call has no per-request timeout; a hung backend call hangs this request.
func (s *Session) Generate(ctx context.Context, prompt, requestedModel string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrSessionClosed
	}

	model := BackendModel(requestedModel)
	slog.Debug("dispatching generate call", "requested_model", requestedModel, "backend_model", model, "prompt_len", len(prompt))

	text, err := s.conn.Generate(ctx, prompt, model)
	if err != nil {
		return "", fmt.Errorf("backend generate: %w", err)
	}
	return text, nil
}

// watchRotations polls the connection's rotating cookie and pushes changes
// into the store. Transient failures are logged and retried after a longer
// backoff; the loop never surfaces errors to request paths.
func (s *Session) watchRotations(ctx context.Context, last string) {
	defer close(s.done)

	slog.Info("starting session token watch", "interval", refreshInterval)

	heartbeats := 0
	wait := refreshInterval
	for {
		select {
		case <-ctx.Done():
			slog.Info("session token watch stopped")
			return
		case <-time.After(wait):
		}

		wait = refreshInterval
		heartbeats++

		cookie, ok := s.conn.RotatingCookie()
		if !ok {
			continue
		}
		if cookie == last {
			continue
		}

		if err := s.store.UpdateRotating(cookie); err != nil {
			slog.Error("persisting rotated session token", "err", err)
			wait = refreshBackoff
			continue
		}
		last = cookie
		slog.Info("observed rotated session token", "prefix", prefix(cookie, 32), "cycles_since_last_rotation", heartbeats)
		heartbeats = 0
	}
}

// Close stops the watch loop, waits for it to exit, then waits out any
// in-flight generate calls before releasing the connection. A hung backend
// call therefore also hangs Close, the same way it hangs its request.
// Release errors are logged, not returned.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done

	s.mu.Lock()
	err := s.conn.Close()
	s.mu.Unlock()

	if err != nil {
		slog.Error("closing backend connection", "err", err)
	} else {
		slog.Info("backend session closed")
	}
}

func prefix(value string, n int) string {
	if len(value) > n {
		return value[:n] + "..."
	}
	return value
}
