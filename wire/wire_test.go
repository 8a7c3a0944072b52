package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRequest(&buf, "/lc-echo-123-1", 65536); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	f, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Tag != TagRequest || f.Name != "/lc-echo-123-1" || f.Capacity != 65536 {
		t.Fatalf("got %+v", f)
	}
}

func TestReadyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReady(&buf); err != nil {
		t.Fatalf("WriteReady: %v", err)
	}
	f, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Tag != TagReady {
		t.Fatalf("got tag %#x", f.Tag)
	}
}

func TestDoneRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDone(&buf, "/lc-echo-123-1", 4096); err != nil {
		t.Fatalf("WriteDone: %v", err)
	}
	f, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Tag != TagDone || f.Name != "/lc-echo-123-1" || f.Capacity != 4096 {
		t.Fatalf("got %+v", f)
	}
}

func TestErrorRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteError(&buf, "handler panicked"); err != nil {
		t.Fatalf("WriteError: %v", err)
	}
	f, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Tag != TagError || f.Message != "handler panicked" {
		t.Fatalf("got %+v", f)
	}
}

func TestEmptyNameAndMessage(t *testing.T) {
	var buf bytes.Buffer
	WriteRequest(&buf, "", 0)
	f, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Name != "" || f.Capacity != 0 {
		t.Fatalf("got %+v", f)
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	WriteError(&buf, strings.Repeat("x", 200))
	_, err := ReadFrame(&buf, 64)
	if err == nil {
		t.Fatal("expected ErrFrameTooLarge")
	}
}

func TestUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	// hand-craft a frame with an unrecognized tag
	buf.Write([]byte{0, 0, 0, 1, 0xAA})
	_, err := ReadFrame(&buf, 0)
	if err == nil {
		t.Fatal("expected ErrProtocol for unknown tag")
	}
}

func TestTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	WriteRequest(&buf, "/lc-x-1-1", 1024)
	full := buf.Bytes()
	short := bytes.NewReader(full[:len(full)-3])
	_, err := ReadFrame(short, 0)
	if err == nil {
		t.Fatal("expected an error reading a truncated stream")
	}
}
