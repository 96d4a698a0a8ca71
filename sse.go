// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

package mcplink

import (
	"strings"
)

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	// Event is the event name; "message" when the frame carries no event line.
	Event string
	// Data is the frame payload, multiple data lines joined with \n.
	Data string
}

const defaultSSEEvent = "message"

// extractSSEFrames consumes a chunk of stream bytes and returns the complete
// frames it closes plus the unconsumed remainder. The function is pure: state
// between reads lives entirely in the buffer the caller threads through, so
// frames split across arbitrary chunk boundaries reassemble correctly.
//
// Wire rules: a frame ends at a blank line, with either \n or \r\n line
// endings; "event:" names the frame; "data:" lines accumulate and join with
// \n; lines starting with ":" are comments (keepalive, connection
// confirmation) and are skipped; a frame with no data lines is dropped.
func extractSSEFrames(buffer, chunk string) (frames []sseFrame, remainder string) {
	buf := buffer + chunk

	for {
		// The delimiter is a line ending followed by a blank line: "\n\n"
		// or, on a CRLF stream, "\n\r\n" (the first line's \r stays in the
		// block and is trimmed per line). Take whichever comes first.
		idx, skip := strings.Index(buf, "\n\n"), 2
		if j := strings.Index(buf, "\n\r\n"); j >= 0 && (idx < 0 || j < idx) {
			idx, skip = j, 3
		}
		if idx < 0 {
			break
		}
		block := buf[:idx]
		buf = buf[idx+skip:]

		if frame, ok := parseSSEBlock(block); ok {
			frames = append(frames, frame)
		}
	}

	return frames, buf
}

// parseSSEBlock parses the lines of one frame. ok is false when the block
// contains no data (comment-only blocks, stray blank lines).
func parseSSEBlock(block string) (sseFrame, bool) {
	frame := sseFrame{Event: defaultSSEEvent}
	var dataLines []string

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if len(dataLines) == 0 {
		return sseFrame{}, false
	}
	frame.Data = strings.Join(dataLines, "\n")
	return frame, true
}

// formatSSEFrame renders one frame for the wire, blank-line terminated.
// Payload newlines split into multiple data lines.
func formatSSEFrame(event, data string) string {
	var b strings.Builder
	if event != "" && event != defaultSSEEvent {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteString("\n")
	}
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// formatSSEComment renders a comment line (keepalive or connection banner).
func formatSSEComment(text string) string {
	return ": " + text + "\n\n"
}
