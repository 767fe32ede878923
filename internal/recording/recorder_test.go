package recording

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestEbmlVint(t *testing.T) {
	cases := []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0x80}},
		{1, []byte{0x81}},
		{0x7E, []byte{0xFE}},
		{0x7F, []byte{0x40, 0x7F}},
		{0x2000, []byte{0x60, 0x00}},
		{0x4000, []byte{0x20, 0x40, 0x00}},
	}
	for _, c := range cases {
		if got := ebmlVint(c.v); !bytes.Equal(got, c.want) {
			t.Errorf("ebmlVint(%#x) = % x, want % x", c.v, got, c.want)
		}
	}
}

func TestInitSegmentShape(t *testing.T) {
	seg := webmAudioInitSegment()
	if !bytes.HasPrefix(seg, idEBML) {
		t.Fatal("init segment does not start with the EBML header id")
	}
	if !bytes.Contains(seg, []byte("webm")) {
		t.Fatal("init segment missing webm doctype")
	}
	if !bytes.Contains(seg, []byte("A_OPUS")) {
		t.Fatal("init segment missing Opus codec id")
	}
	if !bytes.Contains(seg, opusHead) {
		t.Fatal("init segment missing OpusHead codec private data")
	}
}

func TestSimpleBlockLayout(t *testing.T) {
	data := []byte{0xDE, 0xAD}
	blk := webmSimpleBlock(1, 40, data)
	if !bytes.HasPrefix(blk, idSimpleBlock) {
		t.Fatal("missing SimpleBlock id")
	}
	// content = track vint (0x81) + int16 timecode + flags + payload
	content := blk[len(idSimpleBlock)+1:] // 1-byte size vint for this small block
	if content[0] != 0x81 {
		t.Fatalf("track vint = %#x, want 0x81", content[0])
	}
	if content[1] != 0x00 || content[2] != 40 {
		t.Fatalf("timecode bytes = % x, want 00 28", content[1:3])
	}
	if content[3] != 0x80 {
		t.Fatalf("flags = %#x, want keyframe 0x80", content[3])
	}
	if !bytes.Equal(content[4:], data) {
		t.Fatalf("payload = % x", content[4:])
	}
}

func TestRecordWriteStopRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	if err := m.startOnce("c1"); err != nil {
		t.Fatal(err)
	}
	if m.Active() != 1 {
		t.Fatalf("active = %d, want 1", m.Active())
	}
	// Duplicate start is a no-op.
	if err := m.startOnce("c1"); err != nil {
		t.Fatal(err)
	}
	if m.Active() != 1 {
		t.Fatalf("active after duplicate start = %d, want 1", m.Active())
	}

	// Frames at a random RTP clock offset; normalization makes the first t=0.
	base := int64(9_000_000)
	for i := int64(0); i < 60; i++ {
		m.WriteOpus("c1", base+i*20, []byte{0xF8, byte(i)})
	}
	m.StopRecording("c1")
	if m.Active() != 0 {
		t.Fatalf("active after stop = %d, want 0", m.Active())
	}

	files, err := filepath.Glob(filepath.Join(dir, "c1-*.webm"))
	if err != nil || len(files) != 1 {
		t.Fatalf("recording files = %v (err %v), want one", files, err)
	}
	raw, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(raw, idEBML) {
		t.Fatal("file does not start with the init segment")
	}
	if !bytes.Contains(raw, idCluster) {
		t.Fatal("file has no clusters despite 60 frames written")
	}
	if len(raw) <= len(webmAudioInitSegment()) {
		t.Fatal("file contains nothing beyond the init segment")
	}
}

func TestWriteWithoutRecordingIsDropped(t *testing.T) {
	m := NewManager(t.TempDir())
	m.WriteOpus("nope", 100, []byte{0xF8})
	m.StopRecording("nope")
}
