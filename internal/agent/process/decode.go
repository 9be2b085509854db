package process

import (
	"fmt"
	"strings"

	"agentrelay/internal/event"
	"agentrelay/internal/jsonutil"
)

// streamLine is the envelope shared by every stream-json line.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

// decoder turns the stream-json lines of one exchange into session events.
// It emits exactly one terminal event.
type decoder struct {
	streaming bool
	emit      func(event.Type, event.Data)

	text   strings.Builder
	tools  map[string]string // call ID -> tool name
	chatID string
	done   bool
}

func newDecoder(streaming bool, emit func(event.Type, event.Data)) *decoder {
	return &decoder{streaming: streaming, emit: emit, tools: make(map[string]string)}
}

// line decodes one output line. Lines that are not JSON objects are ignored
// and reported as false.
func (d *decoder) line(b []byte) bool {
	if d.done {
		return true
	}
	var raw map[string]interface{}
	if err := jsonutil.UnmarshalLine(b, &raw); err != nil {
		return false
	}
	if id := jsonutil.FirstString(raw, "session_id", "chatId", "chat_id"); id != "" {
		d.chatID = id
	}

	switch jsonutil.GetString(raw, "type") {
	case "assistant":
		d.assistant(raw)
	case "tool_call":
		d.toolCall(raw)
	case "result":
		d.result(raw)
	case "error":
		d.fail(errorMessage(raw["error"], jsonutil.GetString(raw, "message")))
	}
	return true
}

// assistant handles a chunk of response text. With partial output enabled
// each chunk is a delta; otherwise chunks are whole messages.
func (d *decoder) assistant(raw map[string]interface{}) {
	chunk := messageText(jsonutil.GetMap(raw, "message"))
	if chunk == "" {
		return
	}
	if d.streaming {
		d.emit(event.TypeAssistantDelta, event.Data{DeltaContent: chunk})
	}
	d.text.WriteString(chunk)
}

func (d *decoder) toolCall(raw map[string]interface{}) {
	callID := jsonutil.FirstString(raw, "call_id", "id")
	switch jsonutil.GetString(raw, "subtype") {
	case "started":
		name, attrs := toolInfo(raw)
		if name == "" {
			return
		}
		if callID != "" {
			d.tools[callID] = name
		}
		d.emit(event.TypeToolExecutionStart, event.Data{ToolName: name, ToolCallID: callID, Attributes: attrs})
	case "completed":
		name := d.tools[callID]
		delete(d.tools, callID)
		if name == "" {
			name, _ = toolInfo(raw)
		}
		result, attrs := toolResult(raw)
		d.emit(event.TypeToolExecutionComplete, event.Data{ToolName: name, ToolCallID: callID, Attributes: attrs, Result: result})
	}
}

func (d *decoder) result(raw map[string]interface{}) {
	isErr, _ := raw["is_error"].(bool)
	if isErr || strings.HasPrefix(jsonutil.GetString(raw, "subtype"), "error") || raw["error"] != nil {
		d.fail(errorMessage(raw["error"], jsonutil.GetStringOr(raw, "result", "agent reported an error")))
		return
	}
	content := jsonutil.GetString(raw, "result")
	if content == "" {
		content = d.text.String()
	}
	d.finish(content)
}

func (d *decoder) finish(content string) {
	if d.done {
		return
	}
	d.done = true
	if content != "" {
		d.emit(event.TypeAssistantMessage, event.Data{Content: content})
	}
	d.emit(event.TypeSessionIdle, event.Data{})
}

func (d *decoder) fail(msg string) {
	if d.done {
		return
	}
	d.done = true
	d.emit(event.TypeSessionError, event.Data{Message: msg})
}

// messageText concatenates the text parts of an assistant message.
func messageText(msg map[string]interface{}) string {
	if msg == nil {
		return ""
	}
	switch content := msg["content"].(type) {
	case string:
		return content
	case []interface{}:
		var b strings.Builder
		for _, part := range content {
			p, ok := part.(map[string]interface{})
			if !ok || jsonutil.GetStringOr(p, "type", "text") != "text" {
				continue
			}
			b.WriteString(jsonutil.GetString(p, "text"))
		}
		return b.String()
	}
	return ""
}

// errorMessage reads an error that is either a string or {"message": ...}.
func errorMessage(v interface{}, fallback string) string {
	switch e := v.(type) {
	case string:
		if e != "" {
			return e
		}
	case map[string]interface{}:
		if msg := jsonutil.GetString(e, "message"); msg != "" {
			return msg
		}
	}
	return fallback
}

// toolNames maps the nested tool_call keys to short display names.
var toolNames = map[string]string{
	"shellToolCall":          "shell",
	"readToolCall":           "read",
	"writeToolCall":          "write",
	"editToolCall":           "edit",
	"strReplaceToolCall":     "edit",
	"grepToolCall":           "grep",
	"globToolCall":           "glob",
	"semSearchToolCall":      "search",
	"semanticSearchToolCall": "search",
	"deleteToolCall":         "delete",
	"webFetchToolCall":       "fetch",
	"todoWriteToolCall":      "todo",
	"mcpToolCall":            "mcp",
}

// legacyToolNames maps the flat "name" field of older agent builds.
var legacyToolNames = map[string]string{
	"read_file":        "read",
	"write":            "write",
	"search_replace":   "edit",
	"run_terminal_cmd": "shell",
	"grep":             "grep",
	"codebase_search":  "search",
}

// argAttrs lists the argument keys surfaced as attributes, by attribute name.
var argAttrs = []struct {
	attr string
	keys []string
}{
	{"file_path", []string{"path", "target_file", "file_path"}},
	{"command", []string{"command"}},
	{"pattern", []string{"pattern", "glob_pattern"}},
	{"query", []string{"query"}},
	{"url", []string{"url"}},
	{"tool", []string{"toolName", "name"}},
}

// toolInfo extracts the tool name and notable arguments from a tool_call
// line in either the nested or the legacy schema.
func toolInfo(raw map[string]interface{}) (string, map[string]string) {
	if nested := jsonutil.GetMap(raw, "tool_call"); nested != nil {
		for key, v := range nested {
			call, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			name, ok := toolNames[key]
			if !ok {
				name = strings.TrimSuffix(key, "ToolCall")
			}
			return name, argAttributes(jsonutil.GetMap(call, "args"))
		}
		return "", nil
	}

	name := jsonutil.GetString(raw, "name")
	if name == "" {
		return "", nil
	}
	if short, ok := legacyToolNames[name]; ok {
		name = short
	}
	return name, argAttributes(jsonutil.GetMap(raw, "arguments"))
}

func argAttributes(args map[string]interface{}) map[string]string {
	attrs := make(map[string]string)
	for _, a := range argAttrs {
		if v := jsonutil.FirstString(args, a.keys...); v != "" {
			attrs[a.attr] = v
		}
	}
	return attrs
}

// toolResult summarises a completed tool call.
func toolResult(raw map[string]interface{}) (string, map[string]string) {
	attrs := make(map[string]string)
	var results []map[string]interface{}
	if nested := jsonutil.GetMap(raw, "tool_call"); nested != nil {
		for _, v := range nested {
			if call, ok := v.(map[string]interface{}); ok {
				if r := jsonutil.GetMap(call, "result"); r != nil {
					results = append(results, r)
				}
			}
		}
	}
	if r := jsonutil.GetMap(raw, "result"); r != nil {
		results = append(results, r)
	}

	summary := "ok"
	for _, r := range results {
		for _, body := range []map[string]interface{}{r, jsonutil.GetMap(r, "success"), jsonutil.GetMap(r, "failure")} {
			if body == nil {
				continue
			}
			if code, ok := body["exit_code"]; ok {
				attrs["exit_code"] = jsonutil.ToString(code)
			} else if code, ok := body["exitCode"]; ok {
				attrs["exit_code"] = jsonutil.ToString(code)
			}
			if n, ok := body["lines_changed"]; ok {
				attrs["lines_changed"] = jsonutil.ToString(n)
			}
		}
		if e, ok := r["error"]; ok {
			summary = "error: " + errorMessage(e, "tool failed")
		} else if jsonutil.GetMap(r, "failure") != nil {
			summary = "failed"
		}
	}
	if code := attrs["exit_code"]; code != "" && code != "0" && summary == "ok" {
		summary = fmt.Sprintf("exit %s", code)
	}
	return summary, attrs
}
