package projection

import (
	"encoding/json"
	"time"

	"github.com/neul-labs/openclaw/pkg/eventlog"
)

// State is the session lifecycle state a projection reports.
type State string

const (
	StateActive State = "active"
	StateEnded  State = "ended"
)

// Direction classifies a message entry.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionTool     Direction = "tool"
)

// MessageEntry is one element of a projection's ordered message list.
type MessageEntry struct {
	Direction   Direction `json:"direction"`
	Content     string    `json:"content"`
	ToolName    string    `json:"tool_name,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// StateValue is one entry of the custom state map together with the
// write metadata the last-write-wins rule compares.
type StateValue struct {
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
	EventID   string          `json:"event_id"`
}

// Supersedes reports whether v wins over other under the last-write-wins
// rule: greater timestamp first, event id as the tiebreaker.
func (v StateValue) Supersedes(other StateValue) bool {
	if !v.Timestamp.Equal(other.Timestamp) {
		return v.Timestamp.After(other.Timestamp)
	}
	return v.EventID > other.EventID
}

// SessionProjection is the materialized view of one session. It is
// derived entirely from the event log and rebuildable by full replay.
type SessionProjection struct {
	SessionKey   eventlog.SessionKey   `json:"session_key"`
	AgentID      string                `json:"agent_id"`
	Channel      string                `json:"channel"`
	PeerID       string                `json:"peer_id"`
	State        State                 `json:"state"`
	EndReason    string                `json:"end_reason,omitempty"`
	MessageCount uint64                `json:"message_count"`
	CreatedAt    time.Time             `json:"created_at"`
	LastActivity time.Time             `json:"last_activity"`
	LastSequence uint64                `json:"last_sequence"`
	LastEventID  string                `json:"last_event_id"`
	LastModel    string                `json:"last_model,omitempty"`
	Usage        eventlog.TokenUsage   `json:"usage"`
	Messages     []MessageEntry        `json:"messages"`
	CustomState  map[string]StateValue `json:"custom_state"`
}

// New returns an empty projection for a session.
func New(key eventlog.SessionKey) *SessionProjection {
	return &SessionProjection{
		SessionKey:  key,
		State:       StateActive,
		CustomState: make(map[string]StateValue),
	}
}

// Apply folds one event into the projection. Events must be applied in
// sequence order.
//
// Fold rules: MessageReceived and AgentResponse each append one message
// entry and increment the message count. MessageSent normally just
// stamps the platform message id onto the response entry it delivered;
// it only appends its own counted entry when no undelivered outbound
// entry precedes it (a direct send). ToolResult appends an uncounted
// tool entry, ToolCalled touches activity only, and StateChanged keys
// resolve last-write-wins.
func (p *SessionProjection) Apply(event *eventlog.SessionEvent) {
	switch kind := event.Kind.(type) {
	case eventlog.SessionStarted:
		p.State = StateActive
		p.Channel = kind.Channel
		p.PeerID = kind.PeerID
		if p.CreatedAt.IsZero() {
			p.CreatedAt = event.Timestamp
		}

	case eventlog.MessageReceived:
		p.Messages = append(p.Messages, MessageEntry{
			Direction: DirectionInbound,
			Content:   kind.Content,
			Timestamp: event.Timestamp,
		})
		p.MessageCount++

	case eventlog.MessageSent:
		if i := len(p.Messages) - 1; i >= 0 && p.Messages[i].Direction == DirectionOutbound && p.Messages[i].MessageID == "" {
			p.Messages[i].MessageID = kind.MessageID
			break
		}
		p.Messages = append(p.Messages, MessageEntry{
			Direction: DirectionOutbound,
			Content:   kind.Content,
			MessageID: kind.MessageID,
			Timestamp: event.Timestamp,
		})
		p.MessageCount++

	case eventlog.ToolCalled:
		// Recorded in the log; the projection only tracks activity.

	case eventlog.ToolResult:
		p.Messages = append(p.Messages, MessageEntry{
			Direction: DirectionTool,
			Content:   string(kind.Result),
			ToolName:  kind.ToolName,
			Timestamp: event.Timestamp,
		})

	case eventlog.AgentResponse:
		p.Messages = append(p.Messages, MessageEntry{
			Direction:   DirectionOutbound,
			Content:     kind.Content,
			Interrupted: kind.Interrupted,
			Timestamp:   event.Timestamp,
		})
		p.MessageCount++
		p.Usage.Add(kind.Tokens)
		p.LastModel = kind.Model

	case eventlog.SessionEnded:
		p.State = StateEnded
		p.EndReason = kind.Reason

	case eventlog.StateChanged:
		val := StateValue{
			Value:     kind.Value,
			Timestamp: event.Timestamp,
			EventID:   event.EventID,
		}
		if cur, ok := p.CustomState[kind.Key]; !ok || val.Supersedes(cur) {
			p.CustomState[kind.Key] = val
		}
	}

	if p.AgentID == "" {
		p.AgentID = event.AgentID
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = event.Timestamp
	}
	p.LastActivity = event.Timestamp
	p.LastSequence = event.Sequence
	p.LastEventID = event.EventID
}

// Merge combines two projections of the same session built from
// overlapping replays of one log. Both derive from the same totally
// ordered event sequence, so the side with the higher last sequence
// carries a superset of the other's history and its scalar fields win;
// custom state merges last-write-wins per key.
func (p *SessionProjection) Merge(other *SessionProjection) {
	if other == nil {
		return
	}

	if other.LastSequence > p.LastSequence {
		p.State = other.State
		p.EndReason = other.EndReason
		p.MessageCount = other.MessageCount
		p.LastActivity = other.LastActivity
		p.LastSequence = other.LastSequence
		p.LastEventID = other.LastEventID
		p.LastModel = other.LastModel
		p.Usage = other.Usage
		p.Messages = append([]MessageEntry(nil), other.Messages...)
		if p.Channel == "" {
			p.Channel = other.Channel
		}
		if p.PeerID == "" {
			p.PeerID = other.PeerID
		}
		if p.AgentID == "" {
			p.AgentID = other.AgentID
		}
	}
	if p.CreatedAt.IsZero() || (!other.CreatedAt.IsZero() && other.CreatedAt.Before(p.CreatedAt)) {
		p.CreatedAt = other.CreatedAt
	}

	for key, val := range other.CustomState {
		if cur, ok := p.CustomState[key]; !ok || val.Supersedes(cur) {
			p.CustomState[key] = val
		}
	}
}

// Clone returns an independent copy safe for the caller to hold.
func (p *SessionProjection) Clone() *SessionProjection {
	clone := *p
	clone.Messages = append([]MessageEntry(nil), p.Messages...)
	clone.CustomState = make(map[string]StateValue, len(p.CustomState))
	for key, val := range p.CustomState {
		clone.CustomState[key] = val
	}
	return &clone
}

// RecentMessages returns up to n of the newest message entries in
// chronological order. Zero or negative n returns all of them.
func (p *SessionProjection) RecentMessages(n int) []MessageEntry {
	if n <= 0 || n >= len(p.Messages) {
		return append([]MessageEntry(nil), p.Messages...)
	}
	return append([]MessageEntry(nil), p.Messages[len(p.Messages)-n:]...)
}
