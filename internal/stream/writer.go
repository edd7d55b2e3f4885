package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Writer emits frames in the wire format consumed by FrameParser. Each frame is
// followed by a blank line so generic SSE consumers see one event per frame.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps w. When w implements http.Flusher every frame is flushed immediately.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

func (sw *Writer) Text(delta string) error {
	return sw.payload(Payload{Text: delta}, true)
}

func (sw *Writer) Title(title string) error {
	return sw.payload(Payload{Title: title}, false)
}

func (sw *Writer) Error(msg string) error {
	return sw.payload(Payload{Error: msg}, false)
}

func (sw *Writer) Done() error {
	return sw.raw(DoneSentinel)
}

func (sw *Writer) payload(p Payload, keepEmptyText bool) error {
	var (
		data []byte
		err  error
	)
	if keepEmptyText {
		// text must be present even when empty so the frame still decodes as a delta
		data, err = json.Marshal(map[string]string{"text": p.Text})
	} else {
		data, err = json.Marshal(p)
	}
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return sw.raw(string(data))
}

func (sw *Writer) raw(payload string) error {
	if _, err := fmt.Fprintf(sw.w, "%s%s\n\n", FrameMarker, payload); err != nil {
		return err
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}
