package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Event type tags as stored on the wire.
const (
	TypeSessionStarted  = "session_started"
	TypeMessageReceived = "message_received"
	TypeMessageSent     = "message_sent"
	TypeToolCalled      = "tool_called"
	TypeToolResult      = "tool_result"
	TypeAgentResponse   = "agent_response"
	TypeSessionEnded    = "session_ended"
	TypeStateChanged    = "state_changed"
)

// EventKind is the payload of a session event. Implementations are the
// fixed set of event types below; Type returns the wire tag.
type EventKind interface {
	Type() string
}

// AttachmentMeta describes an attachment carried by an inbound message.
// Only metadata is recorded; attachment bodies never enter the log.
type AttachmentMeta struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// TokenUsage holds provider token counters for one response.
type TokenUsage struct {
	InputTokens      uint64 `json:"input_tokens"`
	OutputTokens     uint64 `json:"output_tokens"`
	CacheReadTokens  uint64 `json:"cache_read_tokens"`
	CacheWriteTokens uint64 `json:"cache_write_tokens"`
}

// Total returns the combined token count.
func (u TokenUsage) Total() uint64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Add accumulates counters from another sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// SessionStarted opens a session.
type SessionStarted struct {
	Channel string `json:"channel"`
	PeerID  string `json:"peer_id"`
}

func (SessionStarted) Type() string { return TypeSessionStarted }

// MessageReceived records an inbound message from the peer.
type MessageReceived struct {
	Content     string           `json:"content"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
}

func (MessageReceived) Type() string { return TypeMessageReceived }

// MessageSent records an outbound message delivered to the peer.
type MessageSent struct {
	Content   string `json:"content"`
	MessageID string `json:"message_id"`
}

func (MessageSent) Type() string { return TypeMessageSent }

// ToolCalled records a provider-requested tool invocation.
type ToolCalled struct {
	ToolName string          `json:"tool_name"`
	Params   json.RawMessage `json:"params"`
}

func (ToolCalled) Type() string { return TypeToolCalled }

// ToolResult records the outcome of a tool invocation.
type ToolResult struct {
	ToolName string          `json:"tool_name"`
	Result   json.RawMessage `json:"result"`
	Success  bool            `json:"success"`
}

func (ToolResult) Type() string { return TypeToolResult }

// AgentResponse records the model's answer for a turn. Interrupted is
// set when the stream was cancelled mid-response; Content then holds
// the text accumulated up to the cancellation point.
type AgentResponse struct {
	Content     string     `json:"content"`
	Model       string     `json:"model"`
	Tokens      TokenUsage `json:"tokens"`
	Interrupted bool       `json:"interrupted,omitempty"`
}

func (AgentResponse) Type() string { return TypeAgentResponse }

// SessionEnded closes a session. No event may follow it.
type SessionEnded struct {
	Reason string `json:"reason"`
}

func (SessionEnded) Type() string { return TypeSessionEnded }

// StateChanged sets one key in the session's custom state map.
// Conflicting writes to the same key resolve last-write-wins by
// (timestamp, event_id) during projection.
type StateChanged struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (StateChanged) Type() string { return TypeStateChanged }

// SessionEvent is one immutable, sequence-numbered fact in a session's
// log. Sequence is assigned by the log and is the ordering authority;
// Timestamp is advisory wall-clock time.
type SessionEvent struct {
	EventID    string
	SessionKey SessionKey
	AgentID    string
	Sequence   uint64
	Timestamp  time.Time
	Kind       EventKind
}

type eventEnvelope struct {
	EventID    string          `json:"event_id"`
	SessionKey string          `json:"session_key"`
	AgentID    string          `json:"agent_id"`
	Sequence   uint64          `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the event as a single envelope object with the
// kind flattened into type and payload fields.
func (e SessionEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == nil {
		return nil, fmt.Errorf("event has no kind")
	}
	payload, err := json.Marshal(e.Kind)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return json.Marshal(eventEnvelope{
		EventID:    e.EventID,
		SessionKey: string(e.SessionKey),
		AgentID:    e.AgentID,
		Sequence:   e.Sequence,
		Timestamp:  e.Timestamp,
		Type:       e.Kind.Type(),
		Payload:    payload,
	})
}

// UnmarshalJSON decodes an envelope produced by MarshalJSON.
func (e *SessionEvent) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	kind, err := decodeKind(env.Type, env.Payload)
	if err != nil {
		return err
	}
	e.EventID = env.EventID
	e.SessionKey = SessionKey(env.SessionKey)
	e.AgentID = env.AgentID
	e.Sequence = env.Sequence
	e.Timestamp = env.Timestamp
	e.Kind = kind
	return nil
}

func decodeKind(eventType string, payload json.RawMessage) (EventKind, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	var (
		kind EventKind
		err  error
	)
	switch eventType {
	case TypeSessionStarted:
		var k SessionStarted
		err = json.Unmarshal(payload, &k)
		kind = k
	case TypeMessageReceived:
		var k MessageReceived
		err = json.Unmarshal(payload, &k)
		kind = k
	case TypeMessageSent:
		var k MessageSent
		err = json.Unmarshal(payload, &k)
		kind = k
	case TypeToolCalled:
		var k ToolCalled
		err = json.Unmarshal(payload, &k)
		kind = k
	case TypeToolResult:
		var k ToolResult
		err = json.Unmarshal(payload, &k)
		kind = k
	case TypeAgentResponse:
		var k AgentResponse
		err = json.Unmarshal(payload, &k)
		kind = k
	case TypeSessionEnded:
		var k SessionEnded
		err = json.Unmarshal(payload, &k)
		kind = k
	case TypeStateChanged:
		var k StateChanged
		err = json.Unmarshal(payload, &k)
		kind = k
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", eventType, err)
	}
	return kind, nil
}

// ComputeEventID derives the content hash that identifies an event:
// SHA-256 over the session key, sequence number, kind tag, and payload
// JSON. Identical logical events hash to the same id, which is what
// makes append idempotent.
func ComputeEventID(key SessionKey, sequence uint64, kind EventKind) (string, error) {
	payload, err := json.Marshal(kind)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return computeEventID(key, sequence, kind.Type(), payload), nil
}

func computeEventID(key SessionKey, sequence uint64, eventType string, payload []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%s\x00", key, sequence, eventType)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// NewEvent builds an event with its derived id and a wall-clock
// timestamp. Sequence must be the partition's next sequence number;
// the usual way to get one recorded is Log.Append, which assigns it.
func NewEvent(key SessionKey, agentID string, sequence uint64, kind EventKind) (*SessionEvent, error) {
	id, err := ComputeEventID(key, sequence, kind)
	if err != nil {
		return nil, err
	}
	return &SessionEvent{
		EventID:    id,
		SessionKey: key,
		AgentID:    agentID,
		Sequence:   sequence,
		Timestamp:  time.Now().UTC(),
		Kind:       kind,
	}, nil
}

// ShortEventID returns a 12 character id prefix for log output.
func ShortEventID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
