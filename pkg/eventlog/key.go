package eventlog

import (
	"fmt"
	"strings"
)

// PeerType classifies the remote party of a conversation.
type PeerType string

const (
	PeerTypeDM      PeerType = "dm"
	PeerTypeGroup   PeerType = "group"
	PeerTypeChannel PeerType = "channel"
	PeerTypeThread  PeerType = "thread"
)

// Valid reports whether the peer type is one of the known values.
func (p PeerType) Valid() bool {
	switch p {
	case PeerTypeDM, PeerTypeGroup, PeerTypeChannel, PeerTypeThread:
		return true
	}
	return false
}

// SessionKey identifies one logical conversation. It is the log's
// partition key and is immutable once constructed.
type SessionKey string

// BuildKey composes the session key for a channel conversation.
func BuildKey(agentID, channel, accountID string, peerType PeerType, peerID string) SessionKey {
	return SessionKey(fmt.Sprintf("agent:%s:channel:%s:account:%s:%s:%s", agentID, channel, accountID, peerType, peerID))
}

// MainKey returns the agent's main session key, used for direct
// interactions not bound to a channel peer.
func MainKey(agentID string) SessionKey {
	return SessionKey(fmt.Sprintf("agent:%s:main", agentID))
}

func (k SessionKey) String() string {
	return string(k)
}

// Validate rejects keys that are empty or unsafe to use as file names.
func (k SessionKey) Validate() error {
	s := string(k)
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionKey)
	}
	if strings.Contains(s, "..") {
		return fmt.Errorf("%w: must not contain '..'", ErrInvalidSessionKey)
	}
	if strings.ContainsAny(s, "/\\") {
		return fmt.Errorf("%w: must not contain path separators", ErrInvalidSessionKey)
	}
	if strings.Contains(s, "\x00") {
		return fmt.Errorf("%w: must not contain null bytes", ErrInvalidSessionKey)
	}
	return nil
}

// KeyParts are the components a structured session key is built from.
// Main is set for keys produced by MainKey, which carry only an agent id.
type KeyParts struct {
	AgentID   string
	Channel   string
	AccountID string
	PeerType  PeerType
	PeerID    string
	Main      bool
}

// ParseKey splits a key built by BuildKey or MainKey back into its parts.
func ParseKey(key SessionKey) (KeyParts, error) {
	fields := strings.Split(string(key), ":")
	switch {
	case len(fields) == 3 && fields[0] == "agent" && fields[2] == "main":
		return KeyParts{AgentID: fields[1], Main: true}, nil
	case len(fields) == 8 && fields[0] == "agent" && fields[2] == "channel" && fields[4] == "account":
		parts := KeyParts{
			AgentID:   fields[1],
			Channel:   fields[3],
			AccountID: fields[5],
			PeerType:  PeerType(fields[6]),
			PeerID:    fields[7],
		}
		if !parts.PeerType.Valid() {
			return KeyParts{}, fmt.Errorf("%w: unknown peer type %q", ErrInvalidSessionKey, fields[6])
		}
		return parts, nil
	}
	return KeyParts{}, fmt.Errorf("%w: %q", ErrInvalidSessionKey, string(key))
}
