package main

import (
	"fmt"
	"strings"
)

// scrollback is the console transcript, bounded by line count and bytes.
// Lines dropped from the front are counted so the header can report them.
type scrollback struct {
	lines        []string
	bytes        int
	maxLines     int
	maxBytes     int
	droppedLines int
	droppedBytes int
}

func newScrollback(maxLines, maxBytes int) *scrollback {
	return &scrollback{maxLines: maxLines, maxBytes: maxBytes}
}

func (s *scrollback) Append(text string) {
	if text == "" {
		return
	}
	for _, p := range strings.SplitAfter(text, "\n") {
		if p == "" {
			continue
		}
		// A fragment without a newline continues the previous unterminated line.
		if n := len(s.lines); n > 0 && !strings.HasSuffix(s.lines[n-1], "\n") {
			s.lines[n-1] += p
		} else {
			s.lines = append(s.lines, p)
		}
		s.bytes += len(p)
	}
	s.trim()
}

func (s *scrollback) drop(n int) {
	for i := 0; i < n && len(s.lines) > 0; i++ {
		d := s.lines[0]
		s.lines = s.lines[1:]
		s.bytes -= len(d)
		s.droppedLines++
		s.droppedBytes += len(d)
	}
	if s.bytes < 0 || len(s.lines) == 0 {
		s.bytes = 0
	}
}

func (s *scrollback) trim() {
	for (s.maxLines > 0 && len(s.lines) > s.maxLines) || (s.maxBytes > 0 && s.bytes > s.maxBytes) {
		if len(s.lines) == 0 {
			s.bytes = 0
			return
		}
		s.drop(1)
	}
}

// Compact keeps only the last keepLines lines.
func (s *scrollback) Compact(keepLines int) {
	if keepLines <= 0 || keepLines >= len(s.lines) {
		return
	}
	s.drop(len(s.lines) - keepLines)
	s.lines = append([]string(nil), s.lines...)
}

// Clear drops everything, keeping the dropped counters.
func (s *scrollback) Clear() {
	s.drop(len(s.lines))
}

func (s *scrollback) Content() string {
	if len(s.lines) == 0 && s.droppedLines == 0 {
		return ""
	}
	var b strings.Builder
	if s.droppedLines > 0 {
		fmt.Fprintf(&b, "[compact] dropped %d lines (%d bytes)\n", s.droppedLines, s.droppedBytes)
	}
	for _, l := range s.lines {
		b.WriteString(l)
	}
	return b.String()
}

func (s *scrollback) Stats() (keptLines, keptBytes, droppedLines, droppedBytes int) {
	return len(s.lines), s.bytes, s.droppedLines, s.droppedBytes
}
