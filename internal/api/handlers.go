package api

import (
	"net/http"

	"github.com/zsiec/rtmpcam/internal/ingest"
	"github.com/zsiec/rtmpcam/internal/shm"
	"github.com/zsiec/rtmpcam/internal/stream"
)

// FramesResponse is the /api/frames body.
type FramesResponse struct {
	Header    shm.HeaderInfo `json:"header"`
	Published int64          `json:"published"`
	Dropped   int64          `json:"dropped"`
}

// SurfaceEntry describes the newest surface in the ring.
type SurfaceEntry struct {
	ID        uint32 `json:"id"`
	Slot      int    `json:"slot"`
	Index     uint64 `json:"index"`
	Timestamp uint32 `json:"timestamp"`
}

// SurfacesResponse is the /api/surfaces body.
type SurfacesResponse struct {
	Size     int           `json:"size"`
	Writes   uint64        `json:"writes"`
	Retained int           `json:"retained"`
	Live     int           `json:"live"`
	Latest   *SurfaceEntry `json:"latest,omitempty"`
}

type certHashResponse struct {
	Hash     string `json:"hash"`
	Hex      string `json:"hex"`
	NotAfter int64  `json:"notAfter"`
	Addr     string `json:"addr"`
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	list := s.config.Streams.List()
	out := make([]stream.Snapshot, 0, len(list))
	for _, st := range list {
		out = append(out, st.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	st, ok := s.config.Streams.Get(r.PathValue("key"))
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeJSON(w, http.StatusOK, st.Snapshot())
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	stats := s.config.Conns.Stats()
	if stats == nil {
		stats = []ingest.IngestStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFrames(w http.ResponseWriter, _ *http.Request) {
	if s.config.Frames == nil {
		writeError(w, http.StatusNotFound, "shared-memory output is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, FramesResponse{
		Header:    s.config.Frames.Region().Header(),
		Published: s.config.Frames.Published(),
		Dropped:   s.config.Frames.Dropped(),
	})
}

func (s *Server) handleSurfaces(w http.ResponseWriter, _ *http.Request) {
	ring := s.config.Ring
	if ring == nil {
		writeError(w, http.StatusNotFound, "surface output is not enabled")
		return
	}
	resp := SurfacesResponse{
		Size:     ring.Size(),
		Writes:   ring.WriteCount(),
		Retained: ring.Retained(),
	}
	if s.config.Surfaces != nil {
		resp.Live = s.config.Surfaces.Live()
	}
	if e, ok := ring.Latest(); ok {
		resp.Latest = &SurfaceEntry{ID: e.ID, Slot: e.Slot, Index: e.Index, Timestamp: e.Timestamp}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	c := s.config.Cert
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:     c.FingerprintBase64(),
		Hex:      c.FingerprintHex(),
		NotAfter: c.NotAfter.UnixMilli(),
		Addr:     s.config.Addr,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"streams":     s.config.Streams.Count(),
		"connections": s.config.Conns.Len(),
	})
}
