package eventlog

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLog(t *testing.T) (*Log, string) {
	tempDir := t.TempDir()
	lg, err := New(tempDir, 0)
	require.NoError(t, err)
	return lg, tempDir
}

func TestLog_AppendAssignsSequence(t *testing.T) {
	lg, _ := setupTestLog(t)
	defer lg.Close()

	key := MainKey("assistant")

	first, err := lg.Append(key, "assistant", SessionStarted{Channel: "cli", PeerID: "operator"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)

	second, err := lg.Append(key, "assistant", MessageReceived{Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.NotEqual(t, first.EventID, second.EventID)

	latest, err := lg.LatestSequence(key)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest)
}

func TestLog_SequenceMonotonic(t *testing.T) {
	lg, _ := setupTestLog(t)
	defer lg.Close()

	key := MainKey("assistant")
	for i := 0; i < 10; i++ {
		_, err := lg.Append(key, "assistant", MessageReceived{Content: fmt.Sprintf("msg %d", i)})
		require.NoError(t, err)
	}

	events, err := lg.Read(key)
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, event := range events {
		assert.Equal(t, uint64(i+1), event.Sequence)
	}
}

func TestLog_AppendEventIdempotent(t *testing.T) {
	lg, _ := setupTestLog(t)
	defer lg.Close()

	key := MainKey("assistant")
	event, err := NewEvent(key, "assistant", 1, MessageReceived{Content: "hello"})
	require.NoError(t, err)

	id1, err := lg.AppendEvent(event)
	require.NoError(t, err)

	// Redelivering the same event is a no-op that returns the same id.
	id2, err := lg.AppendEvent(event)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	events, err := lg.Read(key)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLog_AppendEventSequenceConflict(t *testing.T) {
	lg, _ := setupTestLog(t)
	defer lg.Close()

	key := MainKey("assistant")
	event, err := NewEvent(key, "assistant", 5, MessageReceived{Content: "out of order"})
	require.NoError(t, err)

	_, err = lg.AppendEvent(event)
	assert.ErrorIs(t, err, ErrSequenceConflict)
}

func TestLog_AppendEventIDMismatch(t *testing.T) {
	lg, _ := setupTestLog(t)
	defer lg.Close()

	key := MainKey("assistant")
	event, err := NewEvent(key, "assistant", 1, MessageReceived{Content: "hello"})
	require.NoError(t, err)
	event.EventID = strings.Repeat("0", 64)

	_, err = lg.AppendEvent(event)
	assert.ErrorIs(t, err, ErrEventIDMismatch)
}

func TestLog_TerminalSessionRejectsAppend(t *testing.T) {
	lg, _ := setupTestLog(t)
	defer lg.Close()

	key := MainKey("assistant")
	_, err := lg.Append(key, "assistant", SessionStarted{Channel: "cli", PeerID: "operator"})
	require.NoError(t, err)
	_, err = lg.EndSession(key, "assistant", "done")
	require.NoError(t, err)

	_, err = lg.Append(key, "assistant", MessageReceived{Content: "too late"})
	assert.ErrorIs(t, err, ErrSessionTerminated)

	// Log contents are unchanged by the rejected append.
	events, err := lg.Read(key)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	ended, err := lg.IsEnded(key)
	require.NoError(t, err)
	assert.True(t, ended)
}

func TestLog_TerminalSurvivesReopen(t *testing.T) {
	lg, tempDir := setupTestLog(t)
	key := MainKey("assistant")
	_, err := lg.EndSession(key, "assistant", "shutdown")
	require.NoError(t, err)
	require.NoError(t, lg.Close())

	reopened, err := New(tempDir, 0)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Append(key, "assistant", MessageReceived{Content: "hi"})
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestLog_DuplicateSessionEndedIsNoop(t *testing.T) {
	lg, _ := setupTestLog(t)
	defer lg.Close()

	key := MainKey("assistant")
	ended, err := lg.EndSession(key, "assistant", "done")
	require.NoError(t, err)

	// Redelivery of the terminal event itself hits the duplicate path,
	// not the terminal error.
	id, err := lg.AppendEvent(ended)
	require.NoError(t, err)
	assert.Equal(t, ended.EventID, id)
}

func TestLog_SequenceRecoveredAfterReopen(t *testing.T) {
	lg, tempDir := setupTestLog(t)
	key := MainKey("assistant")
	_, err := lg.Append(key, "assistant", MessageReceived{Content: "one"})
	require.NoError(t, err)
	_, err = lg.Append(key, "assistant", MessageReceived{Content: "two"})
	require.NoError(t, err)
	require.NoError(t, lg.Close())

	reopened, err := New(tempDir, 0)
	require.NoError(t, err)
	defer reopened.Close()

	third, err := reopened.Append(key, "assistant", MessageReceived{Content: "three"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), third.Sequence)
}

func TestLog_PayloadCeiling(t *testing.T) {
	tempDir := t.TempDir()
	lg, err := New(tempDir, 64)
	require.NoError(t, err)
	defer lg.Close()

	key := MainKey("assistant")
	_, err = lg.Append(key, "assistant", MessageReceived{Content: strings.Repeat("x", 200)})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	// Rejection happens before any I/O: no partition file was created.
	_, statErr := os.Stat(lg.partitionPath(key))
	assert.True(t, os.IsNotExist(statErr))
}

func TestLog_InvalidKeyRejected(t *testing.T) {
	lg, _ := setupTestLog(t)
	defer lg.Close()

	_, err := lg.Append("../escape", "assistant", MessageReceived{Content: "hi"})
	assert.ErrorIs(t, err, ErrInvalidSessionKey)
}

func TestLog_ReadMissingSession(t *testing.T) {
	lg, _ := setupTestLog(t)
	defer lg.Close()

	events, err := lg.Read(MainKey("nobody"))
	require.NoError(t, err)
	assert.Empty(t, events)

	latest, err := lg.LatestSequence(MainKey("nobody"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), latest)
}

func TestLog_ReadSince(t *testing.T) {
	lg, _ := setupTestLog(t)
	defer lg.Close()

	key := MainKey("assistant")
	for i := 0; i < 4; i++ {
		_, err := lg.Append(key, "assistant", MessageReceived{Content: fmt.Sprintf("msg %d", i)})
		require.NoError(t, err)
	}

	events, err := lg.ReadSince(key, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].Sequence)
	assert.Equal(t, uint64(4), events[1].Sequence)
}

func TestLog_ConcurrentAppendsSameSession(t *testing.T) {
	lg, _ := setupTestLog(t)
	defer lg.Close()

	key := MainKey("assistant")
	const writers = 4
	const perWriter = 10

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := lg.Append(key, "assistant", MessageReceived{Content: fmt.Sprintf("w%d-%d", w, i)})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	events, err := lg.Read(key)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i, event := range events {
		assert.Equal(t, uint64(i+1), event.Sequence)
	}
}

func TestLog_ConcurrentAppendsDistinctSessions(t *testing.T) {
	lg, _ := setupTestLog(t)
	defer lg.Close()

	const sessions = 8
	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			key := BuildKey("assistant", "telegram", "acct", PeerTypeDM, fmt.Sprintf("user%d", s))
			for i := 0; i < 5; i++ {
				_, err := lg.Append(key, "assistant", MessageReceived{Content: fmt.Sprintf("msg %d", i)})
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	keys, err := lg.ListSessions()
	require.NoError(t, err)
	assert.Len(t, keys, sessions)
}

func TestLog_TornTailLineSkippedAndRepaired(t *testing.T) {
	lg, _ := setupTestLog(t)
	defer lg.Close()

	key := MainKey("assistant")
	_, err := lg.Append(key, "assistant", MessageReceived{Content: "one"})
	require.NoError(t, err)
	_, err = lg.Append(key, "assistant", MessageReceived{Content: "two"})
	require.NoError(t, err)

	// Simulate a torn write at the tail of the partition.
	file, err := os.OpenFile(lg.partitionPath(key), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = file.WriteString(`{"event_id":"beef","sequen`)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	events, err := lg.Read(key)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	require.NoError(t, lg.Repair(key))

	raw, err := os.ReadFile(lg.partitionPath(key))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), "\n"))

	next, err := lg.Append(key, "assistant", MessageReceived{Content: "three"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next.Sequence)
}

func TestLog_SubscribeObservesAppends(t *testing.T) {
	lg, _ := setupTestLog(t)
	defer lg.Close()

	var mu sync.Mutex
	var seen []SessionEvent
	lg.Subscribe(func(event SessionEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event)
	})

	key := MainKey("assistant")
	_, err := lg.Append(key, "assistant", SessionStarted{Channel: "cli", PeerID: "operator"})
	require.NoError(t, err)
	_, err = lg.Append(key, "assistant", MessageReceived{Content: "hi"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, uint64(1), seen[0].Sequence)
	assert.Equal(t, TypeMessageReceived, seen[1].Kind.Type())
}

func TestLog_ListSessions(t *testing.T) {
	lg, _ := setupTestLog(t)
	defer lg.Close()

	_, err := lg.Append(MainKey("a"), "a", MessageReceived{Content: "x"})
	require.NoError(t, err)
	_, err = lg.Append(MainKey("b"), "b", MessageReceived{Content: "y"})
	require.NoError(t, err)

	keys, err := lg.ListSessions()
	require.NoError(t, err)
	assert.ElementsMatch(t, []SessionKey{MainKey("a"), MainKey("b")}, keys)
}
