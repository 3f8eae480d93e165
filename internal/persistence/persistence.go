// Package persistence stores session snapshots keyed by session id.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/papertrader/pkg/types"
	"go.uber.org/zap"
)

// ErrSnapshotNotFound is returned by Load when a session has never been saved.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotVersion is written into every snapshot.
const SnapshotVersion = 1

// Snapshot is everything needed to resume a live session.
type Snapshot struct {
	Version   int                     `json:"version"`
	SessionID string                  `json:"sessionId"`
	Portfolio types.PortfolioSnapshot `json:"portfolio"`
	Watchlist []string                `json:"watchlist"`
	Cycle     int64                   `json:"cycle"`
	SavedAt   time.Time               `json:"savedAt"`
}

// Store is the save/load contract the runner depends on.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, sessionID string) (Snapshot, error)
}

// FileStore keeps one JSON file per session.
type FileStore struct {
	mu     sync.Mutex
	logger *zap.Logger
	dir    string
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(logger *zap.Logger, dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStore{logger: logger, dir: dir}, nil
}

// path escapes the id reversibly, so distinct ids never share a file and
// separators never leave dir.
func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, "session_"+url.PathEscape(sessionID)+".json")
}

// Save writes the snapshot to a temp file and renames it into place so a
// crash never leaves a half-written snapshot.
func (s *FileStore) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.SessionID == "" {
		return errors.New("snapshot has no session id")
	}
	snap.Version = SnapshotVersion

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file := s.path(snap.SessionID)
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	s.logger.Debug("Snapshot saved",
		zap.String("session", snap.SessionID),
		zap.Int64("cycle", snap.Cycle),
		zap.Int("trades", len(snap.Portfolio.Trades)),
	)
	return nil
}

// Load reads the snapshot of a session.
func (s *FileStore) Load(ctx context.Context, sessionID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	data, err := os.ReadFile(s.path(sessionID))
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, sessionID)
		}
		return Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse snapshot for %s: %w", sessionID, err)
	}
	if snap.SessionID != sessionID {
		return Snapshot{}, fmt.Errorf("snapshot file for %s holds session %q", sessionID, snap.SessionID)
	}
	if snap.Version > SnapshotVersion {
		return Snapshot{}, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, SnapshotVersion)
	}
	return snap, nil
}

// Sessions lists saved session ids, sorted.
func (s *FileStore) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "session_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(strings.TrimPrefix(name, "session_"), ".json"))
		if err != nil {
			s.logger.Warn("Ignoring snapshot with malformed name", zap.String("file", name))
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// MemoryStore keeps snapshots in memory. Saved snapshots are isolated from
// later changes by a JSON round trip.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string][]byte)}
}

func (m *MemoryStore) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap.Version = SnapshotVersion
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.SessionID] = data
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	data, ok := m.snaps[sessionID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, sessionID)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Count returns the number of sessions held.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snaps)
}
