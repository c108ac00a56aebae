package chatproto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"
)

// upstreamEvent is the subset of a Responses API SSE event this translator
// understands. Unknown event types are read and discarded.
type upstreamEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"-"`
}

type textDeltaData struct {
	Delta string `json:"delta"`
}

type toolCallDeltaData struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// toolCallAccumulator tracks one call_id's first-appearance index and
// whether its function name has already been emitted, per spec §9's
// "small state machine keyed by call_id" design note.
type toolCallAccumulator struct {
	index    int
	nameSeen bool
}

// Translator reassembles an upstream Responses SSE stream into
// chat-completion-format SSE chunks, preserving tool-call identity across
// chunk boundaries (spec testable property 5).
type Translator struct {
	model string

	callOrder []string
	calls     map[string]*toolCallAccumulator
	sawToolCall bool
}

// NewTranslator constructs a Translator for one streaming response. model
// is echoed into every emitted chunk's "model" field.
func NewTranslator(model string) *Translator {
	return &Translator{model: model, calls: make(map[string]*toolCallAccumulator)}
}

// chatChunk mirrors the legacy chat-completion streaming chunk shape.
type chatChunk struct {
	Object  string       `json:"object"`
	Model   string       `json:"model,omitempty"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int            `json:"index"`
	Delta        chatDelta      `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type chatDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []chatToolCall   `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	Index    int              `json:"index"`
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Function chatToolFunction  `json:"function"`
}

type chatToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Translate consumes one upstream SSE event (event type + raw JSON data
// payload) and returns zero or more re-framed chat-completion SSE frames
// ready to write to the downstream connection verbatim.
func (t *Translator) Translate(eventType string, data []byte) ([]string, error) {
	switch eventType {
	case "response.output_text.delta":
		var d textDeltaData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("chatproto: decode output_text.delta: %w", err)
		}
		chunk := chatChunk{
			Object: "chat.completion.chunk",
			Model:  t.model,
			Choices: []chatChoice{{
				Index: 0,
				Delta: chatDelta{Content: d.Delta},
			}},
		}
		frame, err := encodeFrame(chunk)
		return []string{frame}, err

	case "response.output_tool_call.delta":
		var d toolCallDeltaData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("chatproto: decode output_tool_call.delta: %w", err)
		}
		acc, seen := t.calls[d.CallID]
		if !seen {
			acc = &toolCallAccumulator{index: len(t.callOrder)}
			t.calls[d.CallID] = acc
			t.callOrder = append(t.callOrder, d.CallID)
		}
		t.sawToolCall = true

		fn := chatToolFunction{Arguments: d.Arguments}
		if !acc.nameSeen && d.Name != "" {
			fn.Name = d.Name
			acc.nameSeen = true
		}

		chunk := chatChunk{
			Object: "chat.completion.chunk",
			Model:  t.model,
			Choices: []chatChoice{{
				Index: 0,
				Delta: chatDelta{ToolCalls: []chatToolCall{{
					Index:    acc.index,
					ID:       d.CallID,
					Type:     "function",
					Function: fn,
				}}},
			}},
		}
		frame, err := encodeFrame(chunk)
		return []string{frame}, err

	case "response.completed":
		reason := "stop"
		if t.sawToolCall {
			reason = "tool_calls"
		}
		chunk := chatChunk{
			Object: "chat.completion.chunk",
			Model:  t.model,
			Choices: []chatChoice{{
				Index:        0,
				FinishReason: &reason,
			}},
		}
		frame, err := encodeFrame(chunk)
		if err != nil {
			return nil, err
		}
		return []string{frame, "data: [DONE]\n\n"}, nil

	default:
		return nil, nil
	}
}

// encodeFrame serializes v as compact, ASCII-escaped JSON and wraps it in
// an SSE data line (spec §4.H wire format).
func encodeFrame(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	payload := strings.TrimRight(buf.String(), "\n")
	return "data: " + escapeNonASCII(payload) + "\n\n", nil
}

// WriteEvent frames an outbound event the way the upstream does: "event:
// <type>\ndata: <minified JSON>\n\n", or just the data line when type is
// empty.
func WriteEvent(w io.Writer, eventType string, v interface{}) error {
	var buf bytes.Buffer
	if eventType != "" {
		fmt.Fprintf(&buf, "event: %s\n", eventType)
	}
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		return err
	}
	s := buf.String()
	s = strings.TrimRight(s, "\n")
	_, err := fmt.Fprintf(w, "%s\n\n", escapeNonASCII(s))
	return err
}

// escapeNonASCII rewrites every rune >= 0x80 in an already-encoded JSON
// string as a \uXXXX escape (a surrogate pair above the BMP), matching the
// upstream's json.dumps(ensure_ascii=True) wire format (spec §4.H). Go's
// encoding/json only escapes HTML-special runes and line separators even
// with SetEscapeHTML(true), so non-ASCII text (CJK, emoji, ...) otherwise
// passes through as raw UTF-8.
func escapeNonASCII(s string) string {
	hasNonASCII := false
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			hasNonASCII = true
			break
		}
	}
	if !hasNonASCII {
		return s
	}

	var out strings.Builder
	out.Grow(len(s))
	for _, r := range s {
		if r < 0x80 {
			out.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(&out, "\\u%04x\\u%04x", r1, r2)
			continue
		}
		fmt.Fprintf(&out, "\\u%04x", r)
	}
	return out.String()
}

// ParseSSELine extracts the event type and JSON data from one physical SSE
// frame's two lines as produced by a scanner reading line-by-line; callers
// accumulate "event:" and "data:" lines themselves and call this once both
// are available. ReadUpstreamEvents, which router.go uses, does its own
// line accumulation and does not call this.
func ParseSSELine(eventLine, dataLine string) (eventType string, data []byte) {
	eventType = strings.TrimSpace(strings.TrimPrefix(eventLine, "event:"))
	data = []byte(strings.TrimSpace(strings.TrimPrefix(dataLine, "data:")))
	return eventType, data
}

// CollectedChatCompletion is the aggregated, non-streaming result of
// consuming an entire upstream stream via CollectChatCompletion.
type CollectedChatCompletion struct {
	Content      string
	ToolCalls    []CollectedToolCall
	FinishReason string
}

// CollectedToolCall is one fully-reassembled tool call: Arguments is the
// verbatim concatenation of every incremental delta upstream sent for this
// call_id, in event order (spec §4.H "returned verbatim").
type CollectedToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// CollectChatCompletion consumes an entire upstream event stream (as
// delivered by ReadUpstreamEvents) and returns the aggregated
// chat-completion object, the batch counterpart to the chunked Translate
// path.
func CollectChatCompletion(events []UpstreamEvent) CollectedChatCompletion {
	var result CollectedChatCompletion
	var textBuf strings.Builder

	order := make([]string, 0)
	byID := make(map[string]*CollectedToolCall)

	for _, ev := range events {
		switch ev.Type {
		case "response.output_text.delta":
			var d textDeltaData
			if json.Unmarshal(ev.Data, &d) == nil {
				textBuf.WriteString(d.Delta)
			}
		case "response.output_tool_call.delta":
			var d toolCallDeltaData
			if json.Unmarshal(ev.Data, &d) != nil {
				continue
			}
			call, ok := byID[d.CallID]
			if !ok {
				call = &CollectedToolCall{ID: d.CallID}
				byID[d.CallID] = call
				order = append(order, d.CallID)
			}
			if d.Name != "" && call.Name == "" {
				call.Name = d.Name
			}
			call.Arguments += d.Arguments
		case "response.completed":
			if len(order) > 0 {
				result.FinishReason = "tool_calls"
			} else {
				result.FinishReason = "stop"
			}
		}
	}

	result.Content = textBuf.String()
	for _, id := range order {
		result.ToolCalls = append(result.ToolCalls, *byID[id])
	}
	return result
}

// UpstreamEvent is one decoded SSE event from the Responses API stream.
type UpstreamEvent struct {
	Type string
	Data json.RawMessage
}

// ReadUpstreamEvents drains an SSE byte stream into discrete events using
// SSEScanner, accumulating "event:"/"data:" line pairs separated by a
// blank line, the framing spec §4.H describes.
func ReadUpstreamEvents(r io.Reader) ([]UpstreamEvent, error) {
	scanner := NewSSEScanner(r)
	var events []UpstreamEvent
	var curType string
	var curData strings.Builder
	have := false

	flush := func() {
		if have {
			events = append(events, UpstreamEvent{Type: curType, Data: json.RawMessage(curData.String())})
		}
		curType = ""
		curData.Reset()
		have = false
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			curType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			have = true
		case strings.HasPrefix(line, "data:"):
			curData.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			have = true
		}
	}
	flush()
	return events, scanner.Err()
}
