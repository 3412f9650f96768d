package main

import (
	"strings"
	"testing"
)

func TestScrollbackTrimsByLines(t *testing.T) {
	s := newScrollback(3, 0)
	s.Append("a\nb\nc\nd\ne\n")
	kept, _, dropped, droppedBytes := s.Stats()
	if kept != 3 || dropped != 2 || droppedBytes != 4 {
		t.Fatalf("stats = %d kept, %d dropped (%d bytes)", kept, dropped, droppedBytes)
	}
	if got := s.Content(); got != "[compact] dropped 2 lines (4 bytes)\nc\nd\ne\n" {
		t.Fatalf("content = %q", got)
	}
}

func TestScrollbackTrimsByBytes(t *testing.T) {
	s := newScrollback(0, 10)
	s.Append(strings.Repeat("x", 6) + "\n")
	s.Append(strings.Repeat("y", 6) + "\n")
	kept, bytes, dropped, _ := s.Stats()
	if kept != 1 || bytes != 7 || dropped != 1 {
		t.Fatalf("stats = %d kept, %d bytes, %d dropped", kept, bytes, dropped)
	}
}

func TestScrollbackJoinsPartialLines(t *testing.T) {
	s := newScrollback(10, 0)
	s.Append(">>> ")
	s.Append("print(1)\n1\n")
	if got := s.Content(); got != ">>> print(1)\n1\n" {
		t.Fatalf("content = %q", got)
	}
	if kept, _, _, _ := s.Stats(); kept != 2 {
		t.Fatalf("kept = %d", kept)
	}
}

func TestScrollbackCompactAndClear(t *testing.T) {
	s := newScrollback(100, 0)
	for i := 0; i < 10; i++ {
		s.Append("line\n")
	}
	s.Compact(4)
	if kept, bytes, dropped, _ := s.Stats(); kept != 4 || bytes != 20 || dropped != 6 {
		t.Fatalf("after compact: %d kept, %d bytes, %d dropped", kept, bytes, dropped)
	}
	s.Compact(0)
	if kept, _, _, _ := s.Stats(); kept != 4 {
		t.Fatalf("Compact(0) changed kept to %d", kept)
	}
	s.Clear()
	if kept, bytes, dropped, _ := s.Stats(); kept != 0 || bytes != 0 || dropped != 10 {
		t.Fatalf("after clear: %d kept, %d bytes, %d dropped", kept, bytes, dropped)
	}
}
