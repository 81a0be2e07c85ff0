package stream

import (
	"sync"
	"testing"
	"time"
)

func TestStatsRecordVideoFrame(t *testing.T) {
	t.Parallel()

	s := NewStats()
	s.RecordVideoFrame(1000, true, 0)
	s.RecordVideoFrame(500, false, 33)
	s.RecordVideoFrame(500, false, 66)

	v := s.Snapshot().Video
	if v.TotalFrames != 3 || v.KeyFrames != 1 || v.DeltaFrames != 2 {
		t.Fatalf("frames %d key %d delta %d", v.TotalFrames, v.KeyFrames, v.DeltaFrames)
	}
	if v.CurrentGOPLen != 3 {
		t.Fatalf("CurrentGOPLen = %d, want 3", v.CurrentGOPLen)
	}
	if v.TotalBytes != 2000 {
		t.Fatalf("TotalBytes = %d, want 2000", v.TotalBytes)
	}

	s.RecordVideoFrame(1000, true, 99)
	if got := s.Snapshot().Video.CurrentGOPLen; got != 1 {
		t.Fatalf("CurrentGOPLen = %d after new keyframe, want 1", got)
	}
}

func TestStatsRates(t *testing.T) {
	t.Parallel()

	s := NewStats()
	s.RecordVideoFrame(1250, true, 0)
	time.Sleep(20 * time.Millisecond)
	s.RecordVideoFrame(1250, false, 0)

	v := s.Snapshot().Video
	if v.FrameRate <= 0 || v.BitrateKbps <= 0 {
		t.Errorf("fps %f kbps %f", v.FrameRate, v.BitrateKbps)
	}
}

func TestStatsLabels(t *testing.T) {
	t.Parallel()

	s := NewStats()
	if got := s.Snapshot().Video.Codec; got != "H.264" {
		t.Errorf("default codec %q", got)
	}
	s.RecordVideoCodec("avc1.64001F")
	s.RecordResolution(1280, 720)
	s.RecordTimecode("01:00:00:01")
	s.RecordEncoder(EncoderInfo{Name: "obs", FrameRate: 30})

	snap := s.Snapshot()
	if snap.Video.Codec != "avc1.64001F" || snap.Video.Width != 1280 || snap.Video.Height != 720 {
		t.Errorf("video %+v", snap.Video)
	}
	if snap.Video.Timecode != "01:00:00:01" {
		t.Errorf("timecode %q", snap.Video.Timecode)
	}
	if snap.Encoder.Name != "obs" || snap.Encoder.FrameRate != 30 {
		t.Errorf("encoder %+v", snap.Encoder)
	}
}

func TestStatsCaptions(t *testing.T) {
	t.Parallel()

	s := NewStats()
	s.RecordCaption(7)
	s.RecordCaption(1)
	s.RecordCaption(1)

	c := s.Snapshot().Captions
	if c.TotalFrames != 3 {
		t.Errorf("TotalFrames = %d", c.TotalFrames)
	}
	if len(c.ActiveChannels) != 2 || c.ActiveChannels[0] != 1 || c.ActiveChannels[1] != 7 {
		t.Errorf("ActiveChannels = %v", c.ActiveChannels)
	}
}

func TestStatsDecodeCounters(t *testing.T) {
	t.Parallel()

	s := NewStats()
	s.RecordSkippedTag("malformed")
	s.RecordSkippedTag("malformed")
	s.RecordSkippedTag("codec")
	s.RecordDecoderRestart()
	s.RecordDecodeError(true)
	s.RecordDecodeError(false)
	s.RecordDecoded()
	s.RecordPublished()
	s.RecordDropped()

	d := s.Snapshot().Decode
	if d.SkippedTags["malformed"] != 2 || d.SkippedTags["codec"] != 1 {
		t.Errorf("skipped %v", d.SkippedTags)
	}
	if d.BadData != 1 || d.Errors != 1 || d.Decoded != 1 || d.Published != 1 || d.Dropped != 1 || d.DecoderRestarts != 1 {
		t.Errorf("decode %+v", d)
	}
}

func TestStreamSnapshotIdentity(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	st, _ := m.Create("cam", "conn-9")
	st.Stats.RecordResolution(640, 480)

	snap := st.Snapshot()
	if snap.Key != "cam" || snap.ConnID != "conn-9" || snap.Protocol != "RTMP" {
		t.Errorf("identity %+v", snap)
	}
	if snap.StartedAt == 0 || snap.Video.Width != 640 {
		t.Errorf("snapshot %+v", snap)
	}
}

func TestStatsConcurrent(t *testing.T) {
	t.Parallel()

	s := NewStats()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.RecordVideoFrame(100, j%10 == 0, int64(j))
				s.RecordCaption(n)
				s.RecordSkippedTag("malformed")
				s.Snapshot()
			}
		}(i)
	}
	wg.Wait()
	if got := s.Snapshot().Video.TotalFrames; got != 800 {
		t.Errorf("TotalFrames = %d, want 800", got)
	}
}
