package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/ssd-technologies/vesper/internal/agent"
)

// Response is the envelope for every command outcome, one JSON object per
// line on stdout. The ID echoes the caller's correlation ID verbatim.
type Response struct {
	ID      string `json:"id"`
	Type    string `json:"type"` // always "response"
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// eventEnvelope is the async event form interleaved with responses.
type eventEnvelope struct {
	Type      string          `json:"type"` // always "event"
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Emitter serializes all bridge output onto one writer so that responses
// and asynchronously emitted events never interleave mid-line.
type Emitter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEmitter creates an emitter writing JSON lines to w.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

func (e *Emitter) emit(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[bridge] marshal output: %v", err)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.w, "%s\n", data)
}

// Respond writes one response envelope.
func (e *Emitter) Respond(id string, success bool, data any, errMsg string) {
	e.emit(Response{ID: id, Type: "response", Success: success, Data: data, Error: errMsg})
}

// EmitEvent writes one event envelope. Wired as the actor's event sink.
func (e *Emitter) EmitEvent(ev agent.Event) {
	e.emit(eventEnvelope{
		Type:      "event",
		Event:     ev.Kind,
		Data:      ev.Data,
		Timestamp: ev.Timestamp,
	})
}
