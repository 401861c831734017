// Package credentials holds the cookie pair that authenticates the backend
// session and mirrors rotating-token updates into a .env style file so a
// restarted process resumes with the latest known value.
package credentials

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Env file keys for the two session cookies.
const (
	KeyPSID   = "SECURE_1PSID"
	KeyPSIDTS = "SECURE_1PSIDTS"
	KeyProxy  = "PROXY"
)

// Credentials is one consistent view of the session cookie pair. PSID is
// the long-lived primary token; PSIDTS rotates and must always reflect the
// most recently observed value.
type Credentials struct {
	PSID   string
	PSIDTS string
	Proxy  string
}

// Store guards the in-memory credentials and their persisted mirror.
// UpdateRotating may run from the session's background refresh task while
// request paths read snapshots concurrently.
type Store struct {
	mu      sync.RWMutex
	creds   Credentials
	envPath string
}

// NewStore builds a store persisting rotating-token updates to envPath.
func NewStore(envPath string, creds Credentials) (*Store, error) {
	if creds.PSID == "" || creds.PSIDTS == "" {
		return nil, fmt.Errorf("missing %s or %s: obtain session cookies before starting", KeyPSID, KeyPSIDTS)
	}
	if envPath == "" {
		return nil, fmt.Errorf("env file path must not be empty")
	}
	return &Store{creds: creds, envPath: envPath}, nil
}

// Snapshot returns the current credentials.
func (s *Store) Snapshot() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// UpdateRotating replaces the rotating token in memory and in the backing
// env file. Updating with the current value is a no-op. Stale values are
// always replaced wholesale, never merged.
func (s *Store) UpdateRotating(value string) error {
	if value == "" {
		return fmt.Errorf("rotating token must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if value == s.creds.PSIDTS {
		return nil
	}

	if err := s.writeKey(KeyPSIDTS, value); err != nil {
		return fmt.Errorf("persist rotating token: %w", err)
	}

	s.creds.PSIDTS = value
	slog.Info("persisted rotated session token", "key", KeyPSIDTS, "prefix", tokenPrefix(value))
	return nil
}

// writeKey replaces the KEY= line in the env file, preserving every other
// line verbatim and in order, appending the key when absent. The rewrite
// goes through a temp file renamed into place so concurrent readers see
// either the old or the new content, never a torn file.
func (s *Store) writeKey(key, value string) error {
	var lines []string
	replaced := false

	data, err := os.ReadFile(s.envPath)
	switch {
	case err == nil:
		for _, line := range splitKeepingStructure(string(data)) {
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, key+"="+value)
				replaced = true
			} else {
				lines = append(lines, line)
			}
		}
	case os.IsNotExist(err):
		// First write creates the file.
	default:
		return fmt.Errorf("read env file %q: %w", s.envPath, err)
	}

	if !replaced {
		lines = append(lines, key+"="+value)
	}

	content := strings.Join(lines, "\n") + "\n"

	tmp, err := os.CreateTemp(filepath.Dir(s.envPath), filepath.Base(s.envPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp env file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp env file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp env file: %w", err)
	}

	if err := os.Rename(tmpPath, s.envPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace env file: %w", err)
	}
	return nil
}

func splitKeepingStructure(content string) []string {
	content = strings.TrimSuffix(content, "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func tokenPrefix(token string) string {
	if len(token) > 32 {
		return token[:32] + "..."
	}
	return token
}
