// Package chatproto translates between the legacy chat-completion wire
// format and the native Responses API envelope: request-body coercion in
// this file, streaming SSE reassembly in stream.go and translate.go.
package chatproto

import (
	"errors"
	"strings"
)

// ErrBothInputAndMessages is returned when a request carries both a
// non-empty "input" and "messages" — spec §4.H rejects this combination.
var ErrBothInputAndMessages = errors.New("chatproto: request carries both input and messages")

// ErrStoreNotAllowed is returned when the outbound envelope requests
// store=true, which the upstream Responses API does not support here.
var ErrStoreNotAllowed = errors.New("chatproto: store=true is not allowed")

// ChatMessage is one element of an inbound chat-completion "messages" list.
type ChatMessage struct {
	Role    string
	Content interface{}
}

// ResponsesRequest is the outbound envelope understood by the upstream
// Responses API, built by CoerceChatRequest or passed through unchanged
// when the inbound request already speaks this format.
type ResponsesRequest struct {
	Model              string
	Instructions       string
	Input              []map[string]interface{}
	Tools              []interface{}
	ToolChoice         interface{}
	ParallelToolCalls  interface{}
	Reasoning          interface{}
	Store              bool
	Stream             bool
	Include            []interface{}
	PromptCacheKey     string
	Text               interface{}
}

// fieldsToStrip enumerates upstream-unsupported fields stripped from every
// outbound envelope regardless of translation path (spec §3 invariant).
var fieldsToStrip = []string{"max_output_tokens"}

// StripUnsupportedFields removes upstream-unsupported keys from an
// outbound payload represented as a generic JSON object, in place.
func StripUnsupportedFields(payload map[string]interface{}) {
	for _, key := range fieldsToStrip {
		delete(payload, key)
	}
}

// CoerceChatRequest rewrites a chat-completion envelope's "messages" into
// the Responses API's "instructions"/"input" shape. messages is nil when
// the inbound request never carried one (pure Responses-format passthrough
// callers should not call this at all).
//
// system/developer messages are joined (newline-delimited, empty parts
// dropped) and appended, after a newline, to any instructions already
// present (or used as the instructions when there are none); every other
// role is appended to input, role and content preserved, in order.
func CoerceChatRequest(messages []ChatMessage, existingInput []map[string]interface{}, existingInstructions string) (instructions string, input []map[string]interface{}, err error) {
	if len(existingInput) > 0 && len(messages) > 0 {
		return "", nil, ErrBothInputAndMessages
	}
	if len(messages) == 0 {
		return existingInstructions, existingInput, nil
	}

	var systemParts []string
	input = make([]map[string]interface{}, 0, len(messages))

	for _, msg := range messages {
		text, ok := extractText(msg.Content)
		switch msg.Role {
		case "system", "developer":
			if ok && text != "" {
				systemParts = append(systemParts, text)
			}
		default:
			input = append(input, map[string]interface{}{
				"role":    msg.Role,
				"content": msg.Content,
			})
		}
	}

	instructions = existingInstructions
	if len(systemParts) > 0 {
		extracted := strings.Join(systemParts, "\n")
		if instructions != "" {
			instructions = instructions + "\n" + extracted
		} else {
			instructions = extracted
		}
	}
	return instructions, input, nil
}

// extractText normalizes a chat-completion "content" field, which may be a
// plain string, a list of strings/{text} parts joined by newline, or a
// single {text} object. Anything else is reported absent.
func extractText(content interface{}) (string, bool) {
	switch v := content.(type) {
	case string:
		return v, true
	case []interface{}:
		var parts []string
		for _, item := range v {
			switch p := item.(type) {
			case string:
				parts = append(parts, p)
			case map[string]interface{}:
				if t, ok := p["text"].(string); ok {
					parts = append(parts, t)
				}
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, "\n"), true
	case map[string]interface{}:
		if t, ok := v["text"].(string); ok {
			return t, true
		}
		return "", false
	default:
		return "", false
	}
}

// ValidateOutbound enforces the store guard (spec testable property 7):
// any request with store=true is rejected before it ever reaches upstream.
func ValidateOutbound(store bool) error {
	if store {
		return ErrStoreNotAllowed
	}
	return nil
}
