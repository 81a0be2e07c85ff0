// Package stream tracks the lifecycle of active published streams and the
// telemetry each one accumulates, for the ingest path and the status API.
package stream

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Stream represents a live published stream.
type Stream struct {
	Key       string
	ConnID    string
	Protocol  string
	StartedAt time.Time
	Stats     *Stats

	done chan struct{}
}

// Done is closed when the stream is removed from its manager.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Snapshot returns the stream's telemetry stamped with its identity.
func (s *Stream) Snapshot() Snapshot {
	snap := s.Stats.Snapshot()
	snap.Key = s.Key
	snap.ConnID = s.ConnID
	snap.Protocol = s.Protocol
	snap.StartedAt = s.StartedAt.UnixMilli()
	snap.UptimeMs = time.Since(s.StartedAt).Milliseconds()
	return snap
}

// Manager manages the lifecycle of active streams. A stream key has at most
// one publisher at a time.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a new stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
}

// Create registers a new stream published by connection connID. Returns the
// stream and true if created, or nil and false if a stream with this key
// already exists.
func (m *Manager) Create(key, connID string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate",
			"key", key, "conn", connID, "active_conn", existing.ConnID)
		return nil, false
	}

	s := &Stream{
		Key:       key,
		ConnID:    connID,
		Protocol:  "RTMP",
		StartedAt: time.Now(),
		Stats:     NewStats(),
		done:      make(chan struct{}),
	}

	m.streams[key] = s
	m.log.Info("stream created", "key", key, "conn", connID)
	return s, true
}

// Get returns the active stream for key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// Remove removes s from the manager. It is a no-op when the key has since
// been taken over by another stream.
func (m *Manager) Remove(s *Stream) {
	if s == nil {
		return
	}
	m.mu.Lock()
	cur, ok := m.streams[s.Key]
	if ok && cur == s {
		delete(m.streams, s.Key)
	}
	m.mu.Unlock()

	if ok && cur == s {
		close(s.done)
		m.log.Info("stream removed", "key", s.Key, "conn", s.ConnID,
			"uptime", time.Since(s.StartedAt).Round(time.Millisecond))
	}
}

// Count returns the number of active streams.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// List returns all active streams ordered by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool { return streams[i].Key < streams[j].Key })
	return streams
}
