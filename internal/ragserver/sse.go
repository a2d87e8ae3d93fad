// Package ragserver orchestrates the full pipeline behind the HTTP
// endpoints (spec §4.K): session validation, intent routing, retrieval,
// reranking, the optional InsertBlock filter, LLM streaming demultiplexed
// into THINK:/CONTENT: events, and conversation persistence, framed as SSE.
package ragserver

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Tag is an SSE event tag (spec §4.K: "TAG ∈ SESSION|CONTENT|THINK|SOURCE|ERROR|DONE").
type Tag string

const (
	TagSession Tag = "SESSION"
	TagContent Tag = "CONTENT"
	TagThink   Tag = "THINK"
	TagSource  Tag = "SOURCE"
	TagError   Tag = "ERROR"
	TagDone    Tag = "DONE"
)

// Framer writes one SSE event per Emit call, in the wire format spec §4.K
// names: "data: <TAG>:<payload>\n\n". It owns no state beyond the
// http.ResponseWriter it wraps and is not safe for concurrent use from
// multiple goroutines (the handler serializes all emits through one
// coordinator task, per spec §5's scheduling model).
type Framer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewFramer prepares w for SSE: sets the content-type headers and grabs a
// Flusher, if the underlying ResponseWriter supports one.
func NewFramer(w http.ResponseWriter) *Framer {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	f, _ := w.(http.Flusher)
	return &Framer{w: w, flusher: f}
}

// Emit writes one frame and flushes immediately, so the client sees each
// event as soon as it's produced rather than buffered.
func (fr *Framer) Emit(tag Tag, payload string) {
	fmt.Fprintf(fr.w, "data: %s:%s\n\n", tag, payload)
	if fr.flusher != nil {
		fr.flusher.Flush()
	}
}

// EmitJSON marshals v and emits it under tag, falling back to an ERROR frame
// if marshaling somehow fails (a cited node must always produce valid JSON,
// but a defensive caller-visible failure beats a silently dropped SOURCE).
func (fr *Framer) EmitJSON(tag Tag, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fr.Emit(TagError, "failed to encode "+string(tag)+" payload")
		return
	}
	fr.Emit(tag, string(data))
}
