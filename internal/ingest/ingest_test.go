package ingest

import (
	"sync"
	"testing"
	"time"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	c := r.Register("RTMP", "10.0.0.1:5000")

	if c.ID == "" {
		t.Fatal("empty connection ID")
	}
	if c.Protocol != "RTMP" {
		t.Fatalf("got protocol %q", c.Protocol)
	}

	got, ok := r.Get(c.ID)
	if !ok {
		t.Fatal("Get returned false for registered connection")
	}
	if got != c {
		t.Fatal("Get returned different connection pointer")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestRegistryUniqueIDs(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := r.Register("RTMP", "").ID
		if seen[id] {
			t.Fatalf("duplicate ID %s", id)
		}
		seen[id] = true
	}
}

func TestRegistryGetMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("Get returned true for missing connection")
	}
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	c := r.Register("RTMP", "")
	r.Unregister(c.ID)

	if _, ok := r.Get(c.ID); ok {
		t.Fatal("connection still found after Unregister")
	}
	// Should not panic.
	r.Unregister("nonexistent")
}

func TestConnRecordRead(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	c := r.Register("RTMP", "192.168.1.1:5000")
	c.RecordRead(100)
	c.RecordRead(200)
	c.SetApp("live")
	c.SetStreamKey("cam1")

	stats := c.IngestStats()
	if stats.BytesReceived != 300 {
		t.Fatalf("BytesReceived = %d, want 300", stats.BytesReceived)
	}
	if stats.ReadCount != 2 {
		t.Fatalf("ReadCount = %d, want 2", stats.ReadCount)
	}
	if stats.RemoteAddr != "192.168.1.1:5000" || stats.App != "live" || stats.StreamKey != "cam1" {
		t.Fatalf("stats %+v", stats)
	}
}

func TestConnUptime(t *testing.T) {
	t.Parallel()

	c := NewRegistry().Register("RTMP", "")
	time.Sleep(10 * time.Millisecond)

	stats := c.IngestStats()
	if stats.UptimeMs < 10 {
		t.Fatalf("UptimeMs = %d, expected at least 10", stats.UptimeMs)
	}
	if stats.ConnectedAt == 0 {
		t.Fatal("ConnectedAt is zero")
	}
}

func TestRegistryStatsOrdered(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := r.Register("RTMP", "a")
	time.Sleep(2 * time.Millisecond)
	r.Register("RTMP", "b")

	stats := r.Stats()
	if len(stats) != 2 || stats[0].ID != first.ID {
		t.Fatalf("stats %+v", stats)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := r.Register("RTMP", "")
			c.RecordRead(10)
			r.Stats()
			r.Unregister(c.ID)
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Fatalf("Len = %d after all unregisters", r.Len())
	}
}
