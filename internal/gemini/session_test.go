package gemini

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gemini-bridge/internal/credentials"
)

type fakeConnector struct {
	mu        sync.Mutex
	cookie    string
	hasCookie bool
	genErr    error
	closed    bool
	prompts   []string
	models    []string

	// When set, Generate signals genStarted and then blocks until
	// genRelease is closed, letting tests hold a call in flight.
	genStarted chan struct{}
	genRelease chan struct{}
}

func (f *fakeConnector) Generate(ctx context.Context, prompt, model string) (string, error) {
	f.mu.Lock()
	if f.genErr != nil {
		f.mu.Unlock()
		return "", f.genErr
	}
	f.prompts = append(f.prompts, prompt)
	f.models = append(f.models, model)
	started, release := f.genStarted, f.genRelease
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
		<-release
	}
	return "echo: " + prompt, nil
}

func (f *fakeConnector) RotatingCookie() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cookie, f.hasCookie
}

func (f *fakeConnector) setCookie(value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookie = value
	f.hasCookie = true
}

func (f *fakeConnector) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func fakeDialer(conn Connector, err error) Dialer {
	return func(ctx context.Context, creds credentials.Credentials, timeout time.Duration) (Connector, error) {
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func newTestStore(t *testing.T) *credentials.Store {
	t.Helper()
	store, err := credentials.NewStore(filepath.Join(t.TempDir(), ".env"), credentials.Credentials{
		PSID:   "psid",
		PSIDTS: "initial-ts",
	})
	require.NoError(t, err)
	return store
}

func TestBackendModelMapping(t *testing.T) {
	assert.Equal(t, "gemini-2.0-flash", BackendModel("gpt-4"))
	assert.Equal(t, "gemini-2.0-flash", BackendModel("gpt-3.5-turbo"))
	assert.Equal(t, "gemini-2.5-pro", BackendModel("gemini-2.5-pro"))
	assert.Equal(t, "unspecified", BackendModel("unspecified"))
	// Unknown names never fail, they fall back to the baseline.
	assert.Equal(t, "gemini-2.0-flash", BackendModel("totally-made-up"))
}

func TestOpenFailsWhenDialFails(t *testing.T) {
	_, err := Open(context.Background(), newTestStore(t), fakeDialer(nil, ErrAuthentication), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestOpenProbeFailureClosesConnector(t *testing.T) {
	conn := &fakeConnector{genErr: errors.New("boom")}

	_, err := Open(context.Background(), newTestStore(t), fakeDialer(conn, nil), Options{Probe: true})
	require.Error(t, err)
	assert.True(t, conn.closed, "connector must be released when the probe fails")
}

func TestOpenPersistsRotationObservedDuringInit(t *testing.T) {
	store := newTestStore(t)
	conn := &fakeConnector{}
	conn.setCookie("rotated-during-init")

	session, err := Open(context.Background(), store, fakeDialer(conn, nil), Options{})
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, "rotated-during-init", store.Snapshot().PSIDTS)
}

func TestGenerateTranslatesModelName(t *testing.T) {
	conn := &fakeConnector{}
	session, err := Open(context.Background(), newTestStore(t), fakeDialer(conn, nil), Options{})
	require.NoError(t, err)
	defer session.Close()

	text, err := session.Generate(context.Background(), "hello there", "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello there", text)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.models, 1)
	assert.Equal(t, "gemini-2.0-flash", conn.models[0])
}

func TestGenerateAfterCloseFails(t *testing.T) {
	conn := &fakeConnector{}
	session, err := Open(context.Background(), newTestStore(t), fakeDialer(conn, nil), Options{})
	require.NoError(t, err)

	session.Close()

	_, err = session.Generate(context.Background(), "late", "gemini-2.0-flash")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestWatchLoopPersistsRotatedCookie(t *testing.T) {
	oldInterval := refreshInterval
	refreshInterval = 10 * time.Millisecond
	defer func() { refreshInterval = oldInterval }()

	store := newTestStore(t)
	conn := &fakeConnector{}
	conn.setCookie("initial-ts")

	session, err := Open(context.Background(), store, fakeDialer(conn, nil), Options{})
	require.NoError(t, err)
	defer session.Close()

	conn.setCookie("rotated-ts")

	require.Eventually(t, func() bool {
		return store.Snapshot().PSIDTS == "rotated-ts"
	}, time.Second, 5*time.Millisecond)
}

func TestWatchLoopRetriesAfterPersistFailure(t *testing.T) {
	oldInterval, oldBackoff := refreshInterval, refreshBackoff
	refreshInterval = 10 * time.Millisecond
	refreshBackoff = 20 * time.Millisecond
	defer func() { refreshInterval, refreshBackoff = oldInterval, oldBackoff }()

	// The env file's parent directory does not exist yet, so every persist
	// attempt fails until it is created.
	envPath := filepath.Join(t.TempDir(), "missing", ".env")
	store, err := credentials.NewStore(envPath, credentials.Credentials{
		PSID:   "psid",
		PSIDTS: "initial-ts",
	})
	require.NoError(t, err)

	conn := &fakeConnector{}
	conn.setCookie("initial-ts")

	session, err := Open(context.Background(), store, fakeDialer(conn, nil), Options{})
	require.NoError(t, err)
	defer session.Close()

	conn.setCookie("rotated-ts")

	// Let the loop fail a few persist attempts. Memory must keep the old
	// token so the file and memory never disagree.
	time.Sleep(6 * refreshBackoff)
	assert.Equal(t, "initial-ts", store.Snapshot().PSIDTS)

	require.NoError(t, os.MkdirAll(filepath.Dir(envPath), 0o755))

	require.Eventually(t, func() bool {
		return store.Snapshot().PSIDTS == "rotated-ts"
	}, time.Second, 5*time.Millisecond)
}

func TestCloseStopsWatchLoopAndReleasesConnection(t *testing.T) {
	oldInterval := refreshInterval
	refreshInterval = 10 * time.Millisecond
	defer func() { refreshInterval = oldInterval }()

	conn := &fakeConnector{}
	session, err := Open(context.Background(), newTestStore(t), fakeDialer(conn, nil), Options{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		session.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return within one polling interval")
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.closed)
}

func TestCloseWaitsForInFlightGenerate(t *testing.T) {
	conn := &fakeConnector{
		genStarted: make(chan struct{}),
		genRelease: make(chan struct{}),
	}
	session, err := Open(context.Background(), newTestStore(t), fakeDialer(conn, nil), Options{})
	require.NoError(t, err)

	genDone := make(chan error, 1)
	go func() {
		_, err := session.Generate(context.Background(), "slow", "gemini-2.0-flash")
		genDone <- err
	}()
	<-conn.genStarted

	closeDone := make(chan struct{})
	go func() {
		session.Close()
		close(closeDone)
	}()

	// Close must not release the connection while the call is in flight.
	time.Sleep(20 * time.Millisecond)
	conn.mu.Lock()
	released := conn.closed
	conn.mu.Unlock()
	require.False(t, released, "connection released under an in-flight generate call")

	close(conn.genRelease)

	select {
	case err := <-genDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("generate call did not finish after release")
	}
	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the in-flight call finished")
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.closed)
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := &fakeConnector{}
	session, err := Open(context.Background(), newTestStore(t), fakeDialer(conn, nil), Options{})
	require.NoError(t, err)

	session.Close()
	session.Close()
}
