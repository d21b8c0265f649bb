package decode

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func TestNextDeliversWholeFrames(t *testing.T) {
	t.Parallel()

	src := make([]byte, 256)
	for i := range src {
		src[i] = byte(i)
	}
	d := NewFromReader(bytes.NewReader(src))

	buf := make([]byte, 128)
	if err := d.Next(buf); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if buf[0] != 0 || buf[127] != 127 {
		t.Fatal("first frame holds wrong bytes")
	}
	if err := d.Next(buf); err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if err := d.Next(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after stream end, got %v", err)
	}
}

func TestNextZeroPadsShortFinalFrame(t *testing.T) {
	t.Parallel()

	src := bytes.Repeat([]byte{0xFF}, 100)
	d := NewFromReader(bytes.NewReader(src))

	buf := make([]byte, 128)
	if err := d.Next(buf); err != nil {
		t.Fatalf("short frame: %v", err)
	}
	if buf[99] != 0xFF {
		t.Fatal("payload bytes lost")
	}
	for i := 100; i < 128; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d not padded with silence", i)
		}
	}
	if err := d.Next(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after padded frame, got %v", err)
	}
}

func TestNextEmptyStreamIsImmediateEOF(t *testing.T) {
	t.Parallel()

	d := NewFromReader(bytes.NewReader(nil))
	buf := make([]byte, 64)
	if err := d.Next(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if err := d.Next(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("EOF must be sticky, got %v", err)
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("pipe burst") }

func TestNextWrapsReadFailures(t *testing.T) {
	t.Parallel()

	d := NewFromReader(brokenReader{})
	buf := make([]byte, 64)
	err := d.Next(buf)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected decode failure, got %v", err)
	}
	if err := d.Next(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("stream must stay terminated after failure, got %v", err)
	}
}

func TestCloseOnReaderBackedDecoder(t *testing.T) {
	t.Parallel()

	d := NewFromReader(bytes.NewReader(make([]byte, 64)))
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := d.Next(make([]byte, 64)); !errors.Is(err, io.EOF) {
		t.Fatal("closed decoder must report EOF")
	}
}

func TestParseDiscovererDuration(t *testing.T) {
	t.Parallel()

	out := `Analyzing file:///srv/music/track.mp3
Done discovering file:///srv/music/track.mp3

Properties:
  Duration: 0:03:25.500000000
  Seekable: yes
`
	d, ok := parseDiscovererDuration(out)
	if !ok {
		t.Fatal("expected duration to parse")
	}
	want := 3*time.Minute + 25*time.Second + 500*time.Millisecond
	if d != want {
		t.Fatalf("parsed %v, want %v", d, want)
	}
}

func TestParseDiscovererDurationMissing(t *testing.T) {
	t.Parallel()

	if _, ok := parseDiscovererDuration("Analyzing file:///x.mp3\n"); ok {
		t.Fatal("expected parse to fail without a duration line")
	}
}
