// Package stream implements the newline-delimited "data: " event protocol used by the
// conversation endpoint: a chunk-tolerant frame parser, a lenient event decoder and the
// writer the server uses to produce the same wire format.
package stream

import "bytes"

// FrameMarker prefixes every meaningful line of the protocol.
const FrameMarker = "data: "

var marker = []byte(FrameMarker)

// FrameParser turns arbitrarily chunked input into complete frame payloads.
// It is not safe for concurrent use; one parser belongs to one stream.
type FrameParser struct {
	pending []byte
}

func NewFrameParser() *FrameParser {
	return &FrameParser{}
}

// Feed appends chunk to the pending buffer and returns the payloads of every
// complete frame line, marker stripped, in receipt order. A trailing partial line
// stays buffered until the next Feed or Flush.
func (p *FrameParser) Feed(chunk []byte) []string {
	p.pending = append(p.pending, chunk...)
	var frames []string
	for {
		idx := bytes.IndexByte(p.pending, '\n')
		if idx == -1 {
			break
		}
		line := p.pending[:idx]
		p.pending = p.pending[idx+1:]
		if payload, ok := framePayload(line); ok {
			frames = append(frames, payload)
		}
	}
	if len(p.pending) == 0 {
		// drop the backing array once fully consumed
		p.pending = nil
	}
	return frames
}

// Flush signals end of input. An unterminated trailing line is returned as a
// best-effort final frame when it carries the marker.
func (p *FrameParser) Flush() []string {
	if len(p.pending) == 0 {
		return nil
	}
	line := p.pending
	p.pending = nil
	if payload, ok := framePayload(line); ok {
		return []string{payload}
	}
	return nil
}

// Buffered reports how many bytes are waiting for a line terminator.
func (p *FrameParser) Buffered() int {
	return len(p.pending)
}

func framePayload(line []byte) (string, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if !bytes.HasPrefix(line, marker) {
		return "", false
	}
	return string(line[len(marker):]), true
}
