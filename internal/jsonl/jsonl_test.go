package jsonl

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

type message struct {
	Event string `json:"event"`
	Oid   string `json:"oid,omitempty"`
}

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Write(message{Event: "init"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(message{Event: "download", Oid: "abc123"}); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)
	var got message
	if err := r.Read(&got); err != nil {
		t.Fatal(err)
	}
	if got != (message{Event: "init"}) {
		t.Fatalf("got %+v", got)
	}
	if err := r.Read(&got); err != nil {
		t.Fatal(err)
	}
	if got != (message{Event: "download", Oid: "abc123"}) {
		t.Fatalf("got %+v", got)
	}
	if err := r.Read(&got); !errors.Is(err, io.EOF) {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestReaderRejectsBlankLine(t *testing.T) {
	r := NewReader(bytes.NewBufferString("\n"))
	var got message
	if err := r.Read(&got); err == nil {
		t.Fatal("expected an error for a blank line")
	}
}

func TestReaderRejectsMalformedJSON(t *testing.T) {
	r := NewReader(bytes.NewBufferString("{not json}\n"))
	var got message
	if err := r.Read(&got); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestWriterFlushesEachLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Write(message{Event: "init"}); err != nil {
		t.Fatal(err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected the write to be flushed immediately")
	}
	if got := buf.String(); got != `{"event":"init"}`+"\n" {
		t.Fatalf("got %q", got)
	}
}
