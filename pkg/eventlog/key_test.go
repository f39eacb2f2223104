package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildKey(t *testing.T) {
	key := BuildKey("assistant", "telegram", "bot123", PeerTypeDM, "user456")
	assert.Equal(t, SessionKey("agent:assistant:channel:telegram:account:bot123:dm:user456"), key)
}

func TestMainKey(t *testing.T) {
	key := MainKey("assistant")
	assert.Equal(t, SessionKey("agent:assistant:main"), key)
}

func TestParseKey(t *testing.T) {
	key := BuildKey("assistant", "telegram", "bot123", PeerTypeGroup, "chat789")

	parts, err := ParseKey(key)
	require.NoError(t, err)
	assert.Equal(t, "assistant", parts.AgentID)
	assert.Equal(t, "telegram", parts.Channel)
	assert.Equal(t, "bot123", parts.AccountID)
	assert.Equal(t, PeerTypeGroup, parts.PeerType)
	assert.Equal(t, "chat789", parts.PeerID)
	assert.False(t, parts.Main)
}

func TestParseKey_Main(t *testing.T) {
	parts, err := ParseKey(MainKey("assistant"))
	require.NoError(t, err)
	assert.Equal(t, "assistant", parts.AgentID)
	assert.True(t, parts.Main)
}

func TestParseKey_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  SessionKey
	}{
		{"empty", ""},
		{"wrong prefix", "session:assistant:main"},
		{"unknown peer type", "agent:a:channel:c:account:acct:robot:p"},
		{"truncated", "agent:a:channel:c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKey(tt.key)
			assert.ErrorIs(t, err, ErrInvalidSessionKey)
		})
	}
}

func TestSessionKey_Validate(t *testing.T) {
	tests := []struct {
		name      string
		key       SessionKey
		shouldErr bool
	}{
		{"structured key", BuildKey("a", "telegram", "acct", PeerTypeDM, "u1"), false},
		{"main key", MainKey("a"), false},
		{"empty key", "", true},
		{"path traversal", "../etc/passwd", true},
		{"forward slash", "agent/main", true},
		{"backslash", "agent\\main", true},
		{"null byte", "agent\x00main", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if tt.shouldErr {
				assert.ErrorIs(t, err, ErrInvalidSessionKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPeerType_Valid(t *testing.T) {
	assert.True(t, PeerTypeDM.Valid())
	assert.True(t, PeerTypeThread.Valid())
	assert.False(t, PeerType("robot").Valid())
}
