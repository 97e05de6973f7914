// Package sessions manages one rasterizer.DocumentSession per open
// document, keyed by document ID, so the HTTP layer can serve several
// documents concurrently while each document's own Rasterizer is only
// ever driven by the one DocumentSession that owns it (section 4.2).
package sessions

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avitab/tilecore/internal/rasterizer"
)

// Manager lazily opens and caches a DocumentSession per document ID.
type Manager struct {
	cacheRoot     string
	tileSize      int
	maxRenderZoom int
	cacheSeconds  time.Duration
	workerWait    time.Duration
	logger        *zap.Logger

	mu       sync.Mutex
	sessions map[string]*rasterizer.DocumentSession
}

func NewManager(cacheRoot string, tileSize, maxRenderZoom int, cacheSeconds, workerWait time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		cacheRoot:     cacheRoot,
		tileSize:      tileSize,
		maxRenderZoom: maxRenderZoom,
		cacheSeconds:  cacheSeconds,
		workerWait:    workerWait,
		logger:        logger,
		sessions:      make(map[string]*rasterizer.DocumentSession),
	}
}

// Acquire returns the existing session for docID, opening path into a new
// one on first use. The per-document on-disk tile cache lives under
// cacheRoot/<docID>, separate from every other document's tiles.
func (m *Manager) Acquire(docID, path string) (*rasterizer.DocumentSession, error) {
	if path == "" {
		return nil, fmt.Errorf("unknown document %s", docID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[docID]; ok {
		return session, nil
	}

	cacheDir := filepath.Join(m.cacheRoot, docID)
	session, err := rasterizer.OpenDocumentSession(path, m.tileSize, m.maxRenderZoom, cacheDir, m.cacheSeconds, m.workerWait, m.logger)
	if err != nil {
		return nil, err
	}

	m.sessions[docID] = session
	return session, nil
}

// Evict closes and forgets docID's session, if one is open, for a caller
// that deletes or replaces a document out from under an active session.
// Nothing in this module calls it.
func (m *Manager) Evict(docID string) {
	m.mu.Lock()
	session, ok := m.sessions[docID]
	if ok {
		delete(m.sessions, docID)
	}
	m.mu.Unlock()

	if ok {
		session.Close()
	}
}

// CloseAll closes every open session, for graceful shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*rasterizer.DocumentSession)
	m.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}
