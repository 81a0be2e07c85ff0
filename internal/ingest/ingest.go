// Package ingest tracks open ingest connections and decides, through a
// pluggable policy, which of them may publish.
package ingest

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// IngestStats captures connection-level metrics for an ingest connection,
// exposed via the status API for monitoring source health.
type IngestStats struct {
	ID            string `json:"id"`
	Protocol      string `json:"protocol"`
	App           string `json:"app,omitempty"`
	StreamKey     string `json:"streamKey,omitempty"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Conn represents an open ingest connection. Counters are updated by the
// connection's own goroutine and read concurrently by the status API.
type Conn struct {
	ID        string
	Protocol  string
	StartedAt time.Time

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
	app           atomic.Value
	streamKey     atomic.Value
}

// RecordRead increments the byte and read counters, called after each
// successful socket read.
func (c *Conn) RecordRead(n int) {
	c.bytesReceived.Add(int64(n))
	c.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the connection for diagnostics.
func (c *Conn) SetRemoteAddr(addr string) { c.remoteAddr.Store(addr) }

// SetApp stores the application name from the connect command.
func (c *Conn) SetApp(app string) { c.app.Store(app) }

// SetStreamKey stores the key the connection publishes to. An empty key
// means the connection is not publishing.
func (c *Conn) SetStreamKey(key string) { c.streamKey.Store(key) }

// StreamKey returns the key the connection publishes to, if any.
func (c *Conn) StreamKey() string {
	k, _ := c.streamKey.Load().(string)
	return k
}

// IngestStats returns a snapshot of connection metrics.
func (c *Conn) IngestStats() IngestStats {
	addr, _ := c.remoteAddr.Load().(string)
	app, _ := c.app.Load().(string)
	return IngestStats{
		ID:            c.ID,
		Protocol:      c.Protocol,
		App:           app,
		StreamKey:     c.StreamKey(),
		BytesReceived: c.bytesReceived.Load(),
		ReadCount:     c.readCount.Load(),
		ConnectedAt:   c.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(c.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks open ingest connections by ID.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register creates a connection with a fresh random ID.
func (r *Registry) Register(protocol, remoteAddr string) *Conn {
	c := &Conn{
		ID:        uuid.NewString(),
		Protocol:  protocol,
		StartedAt: time.Now(),
	}
	c.SetRemoteAddr(remoteAddr)

	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	return c
}

// Unregister removes a connection by ID.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Get returns the connection for the given ID, or false if not found.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stats returns a snapshot of every open connection, oldest first.
func (r *Registry) Stats() []IngestStats {
	r.mu.RLock()
	out := make([]IngestStats, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.IngestStats())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt != out[j].ConnectedAt {
			return out[i].ConnectedAt < out[j].ConnectedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
