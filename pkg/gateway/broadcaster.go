package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/neul-labs/openclaw/internal/observability"
	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/rs/zerolog"
)

// EventBroadcaster pushes event envelopes to authenticated clients.
// It runs on the log's append path via the notifier, so every step is
// non-blocking: the envelope is marshaled once and handed to per-client
// send queues; a client whose queue is full is reported to onSlow
// instead of being waited on.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	onSlow  func(client *Client, reason string)
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger, onSlow func(client *Client, reason string)) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
		onSlow:  onSlow,
	}
}

// Broadcast sends a lifecycle event to all authenticated clients.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.push(EventMessage{
		Event: event,
		Data:  data,
	}, nil)
}

// BroadcastEvent pushes a durably appended session event to every
// authenticated client subscribed to its session.
func (b *EventBroadcaster) BroadcastEvent(evt eventlog.SessionEvent) {
	b.push(EventMessage{
		Event:   evt.Kind.Type(),
		Session: string(evt.SessionKey),
		Data:    evt,
	}, func(client *Client) bool {
		return client.wantsSession(evt.SessionKey)
	})
}

func (b *EventBroadcaster) push(msg EventMessage, filter func(*Client) bool) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	clients := b.clients.GetAuthenticatedClients()
	if len(clients) == 0 {
		return
	}

	delivered := 0
	dropped := 0

	for _, client := range clients {
		if filter != nil && !filter(client) {
			continue
		}
		if client.enqueue(jsonData) {
			observability.RecordGatewayPush(true)
			delivered++
			continue
		}
		observability.RecordGatewayPush(false)
		dropped++
		if b.onSlow != nil {
			b.onSlow(client, "send queue full")
		}
	}

	if delivered > 0 || dropped > 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Str("sessionKey", msg.Session).
			Int64("seq", msg.Seq).
			Int("delivered", delivered).
			Int("dropped", dropped).
			Msg("Event broadcast complete")
	}
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
