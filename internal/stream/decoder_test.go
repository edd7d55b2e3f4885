package stream

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []Event
	}{
		{"sentinel", "[DONE]", []Event{{Type: EventDone}}},
		{"sentinel with spaces", " [DONE] ", []Event{{Type: EventDone}}},
		{"delta", `{"text":"Hel"}`, []Event{{Type: EventDelta, Text: "Hel"}}},
		{"empty delta", `{"text":""}`, []Event{{Type: EventDelta, Text: ""}}},
		{"title", `{"title":"Intro to Go"}`, []Event{{Type: EventTitle, Text: "Intro to Go"}}},
		{"error", `{"error":"quota exceeded"}`, []Event{{Type: EventUpstreamError, Text: "quota exceeded"}}},
		{
			"all signals in priority order",
			`{"error":"e","title":"t","text":"x"}`,
			[]Event{{Type: EventDelta, Text: "x"}, {Type: EventTitle, Text: "t"}, {Type: EventUpstreamError, Text: "e"}},
		},
		{"wrong field type skipped", `{"text":42,"title":"kept"}`, []Event{{Type: EventTitle, Text: "kept"}}},
		{"empty title ignored", `{"title":""}`, nil},
		{"unknown fields", `{"ping":true}`, nil},
		{"malformed json", `{"text":"Hel`, nil},
		{"not an object", `["text"]`, nil},
		{"plain text", `hello`, nil},
		{"empty", ``, nil},
		{"lowercase sentinel is not done", `[done]`, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decode(tc.payload))
		})
	}
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "delta", EventDelta.String())
	assert.Equal(t, "title", EventTitle.String())
	assert.Equal(t, "error", EventUpstreamError.String())
	assert.Equal(t, "done", EventDone.String())
	assert.Equal(t, "unknown", EventType(99).String())
}

func TestWriterRoundTripsThroughParser(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Text("Hel"))
	require.NoError(t, w.Text(""))
	require.NoError(t, w.Title("Greeting \"quoted\"\nline"))
	require.NoError(t, w.Error("upstream hiccup"))
	require.NoError(t, w.Done())

	p := NewFrameParser()
	var events []Event
	for _, frame := range append(p.Feed(buf.Bytes()), p.Flush()...) {
		events = append(events, Decode(frame)...)
	}
	assert.Equal(t, []Event{
		{Type: EventDelta, Text: "Hel"},
		{Type: EventDelta, Text: ""},
		{Type: EventTitle, Text: "Greeting \"quoted\"\nline"},
		{Type: EventUpstreamError, Text: "upstream hiccup"},
		{Type: EventDone},
	}, events)
}

func TestWriterFlushesHTTPResponses(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NoError(t, w.Done())
	assert.True(t, rec.Flushed)
	assert.Equal(t, "data: [DONE]\n\n", rec.Body.String())
}
