package toolregistry

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Result represents the outcome of one tool execution
type Result struct {
	Success    bool        `json:"success"`
	Output     interface{} `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	Truncated  bool        `json:"truncated,omitempty"`
	TimedOut   bool        `json:"timed_out,omitempty"`
	DurationMs int64       `json:"duration_ms"`
}

// Payload renders the result as the JSON document folded into the
// session log's tool_result event.
func (r Result) Payload() json.RawMessage {
	data, err := json.Marshal(r)
	if err != nil {
		// A result that cannot marshal still has to reach the log
		data, _ = json.Marshal(Result{
			Success: false,
			Error:   fmt.Sprintf("failed to encode tool result: %v", err),
		})
	}
	return data
}

const truncationMarker = "\n... [output truncated]"

// truncateOutput bounds an output value to the registry's ceiling.
// Strings are cut directly; everything else is rendered as JSON first.
func (r *Registry) truncateOutput(output interface{}) (interface{}, bool) {
	if output == nil {
		return nil, false
	}

	if s, ok := output.(string); ok {
		if len(s) <= r.maxOutput {
			return s, false
		}
		logTruncation(len(s), r.maxOutput)
		return s[:r.maxOutput] + truncationMarker, true
	}

	data, err := json.Marshal(output)
	if err != nil {
		s := fmt.Sprintf("%v", output)
		if len(s) <= r.maxOutput {
			return s, false
		}
		logTruncation(len(s), r.maxOutput)
		return s[:r.maxOutput] + truncationMarker, true
	}
	if len(data) <= r.maxOutput {
		return output, false
	}

	logTruncation(len(data), r.maxOutput)
	return string(data[:r.maxOutput]) + truncationMarker, true
}

func logTruncation(original, limit int) {
	log.Warn().
		Int("original", original).
		Int("limit", limit).
		Msg("Tool output truncated")
}
