package sse

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Reply is the single JSON document produced from an aggregated stream.
type Reply struct {
	Model     string   `json:"model,omitempty"`
	CreatedAt string   `json:"created_at"`
	Message   Message  `json:"message"`
	Done      bool     `json:"done"`
	RawEvents []string `json:"raw_events,omitempty"`
}

// Message is the assistant turn inside a Reply.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Aggregator collects the data payloads of an event stream written to it
// and folds their text into one Reply.
type Aggregator struct {
	buf   []byte
	parts []string
	raw   []string
	now   func() time.Time
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{now: time.Now}
}

// Write consumes raw stream bytes. Complete events are parsed immediately.
func (a *Aggregator) Write(p []byte) (int, error) {
	a.buf = append(a.buf, p...)
	a.buf = bytes.ReplaceAll(a.buf, []byte("\r\n"), []byte("\n"))
	for {
		idx := bytes.Index(a.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		data := eventData(string(a.buf[:idx]))
		a.buf = a.buf[idx+2:]
		a.raw = append(a.raw, data)
		a.add(data)
	}
	return len(p), nil
}

// Finish flushes any trailing partial event and builds the reply.
func (a *Aggregator) Finish(model string) Reply {
	if rest := strings.TrimSpace(string(a.buf)); rest != "" {
		a.add(eventData(rest))
		a.buf = nil
	}
	return Reply{
		Model:     model,
		CreatedAt: a.now().UTC().Format(time.RFC3339Nano),
		Message: Message{
			Role:    "assistant",
			Content: strings.TrimSpace(strings.Join(a.parts, "")),
		},
		Done:      true,
		RawEvents: a.raw,
	}
}

func (a *Aggregator) add(data string) {
	if data == "" || data == "[DONE]" {
		return
	}
	var parsed any
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		a.parts = append(a.parts, data)
		return
	}
	a.parts = append(a.parts, textFields(parsed)...)
}

// eventData joins the data: lines of one event.
func eventData(event string) string {
	var lines []string
	for _, line := range strings.Split(event, "\n") {
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			lines = append(lines, strings.TrimLeft(v, " \t"))
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// textFields returns every non-blank string found at the usual text
// locations of chat and completion payloads, in a fixed order.
func textFields(v any) []string {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	candidates := []any{
		lookup(obj, "message", "content"),
		obj["output"],
		obj["result"],
		obj["text"],
		obj["content"],
		lookup(firstChoice(obj), "message", "content"),
		lookup(firstChoice(obj), "text"),
	}
	var out []string
	for _, c := range candidates {
		if s, ok := c.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstChoice(obj map[string]any) map[string]any {
	choices, ok := obj["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil
	}
	first, _ := choices[0].(map[string]any)
	return first
}

func lookup(obj map[string]any, keys ...string) any {
	var cur any = obj
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[k]
	}
	return cur
}
