package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/neul-labs/openclaw/pkg/eventlog"
)

const (
	// writeTimeout bounds a single frame write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// side gives up on it. pingPeriod must be shorter than pongWait so a
	// healthy peer always gets a ping before the deadline expires.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultSendBuffer = 64
)

// Client represents one WebSocket connection. All frames to the peer
// flow through the send queue and are written by a single writer
// goroutine; enqueue never blocks, so a client that stops draining its
// queue is dropped rather than stalling broadcasts.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	AuthAttempts int
	RateLimiter  *ClientRateLimiter

	mu            sync.RWMutex
	authenticated bool
	allSessions   bool
	sessions      map[eventlog.SessionKey]struct{}

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, ip string, sendBuffer int, limiter *ClientRateLimiter) *Client {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	now := time.Now()
	return &Client{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    ip,
		RateLimiter:  limiter,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
	}
}

// enqueue hands a frame to the writer goroutine. It returns false when
// the client is closed or its queue is full; the caller decides whether
// that means dropping the client.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// close marks the client for teardown. The writer goroutine observes
// done, flushes queued frames, and closes the connection. Safe to call
// from any goroutine and more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) setAuthenticated(v bool) {
	c.mu.Lock()
	c.authenticated = v
	c.mu.Unlock()
}

func (c *Client) isAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// setSubscriptions replaces the client's session filter. An empty key
// list subscribes to every session.
func (c *Client) setSubscriptions(keys []eventlog.SessionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(keys) == 0 {
		c.allSessions = true
		c.sessions = nil
		return
	}

	c.allSessions = false
	c.sessions = make(map[eventlog.SessionKey]struct{}, len(keys))
	for _, key := range keys {
		c.sessions[key] = struct{}{}
	}
}

// wantsSession reports whether appended events for the session should
// be pushed to this client. Clients receive nothing until they
// authenticate and subscribe.
func (c *Client) wantsSession(key eventlog.SessionKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.authenticated {
		return false
	}
	if c.allSessions {
		return true
	}
	_, ok := c.sessions[key]
	return ok
}
