package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neul-labs/openclaw/pkg/eventlog"
)

// startGateway builds a fixture, starts the server on an ephemeral
// port, and stops it on cleanup.
func startGateway(t *testing.T, mutate func(*Config)) *gatewayFixture {
	t.Helper()

	f := setupGateway(t, mutate)
	require.NoError(t, f.srv.Start())
	t.Cleanup(func() { _ = f.srv.Stop() })
	return f
}

func dialGateway(t *testing.T, f *gatewayFixture) *websocket.Conn {
	t.Helper()

	url := fmt.Sprintf("ws://%s/ws", f.srv.Addr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readJSON reads the next frame into a generic map so tests can branch
// on whether it is an RPC response or a pushed event.
func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func writeJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// authenticate performs the greeting and auth exchange.
func authenticate(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()

	greeting := readJSON(t, conn)
	require.Equal(t, "auth.required", greeting["event"])

	writeJSON(t, conn, AuthRequest{Method: "auth", Token: token})

	result := readJSON(t, conn)
	require.Equal(t, "auth.success", result["event"])
	require.Equal(t, true, result["success"])
}

func TestServer_StartStop(t *testing.T) {
	f := setupGateway(t, nil)

	require.NoError(t, f.srv.Start())
	assert.NotEmpty(t, f.srv.Addr())

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", f.srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.srv.Stop())
}

func TestServer_StopWithoutStart(t *testing.T) {
	f := setupGateway(t, nil)
	assert.NoError(t, f.srv.Stop())
}

func TestServer_WebSocketAuthFlow(t *testing.T) {
	f := startGateway(t, nil)
	conn := dialGateway(t, f)

	greeting := readJSON(t, conn)
	assert.Equal(t, "auth.required", greeting["event"])

	writeJSON(t, conn, AuthRequest{Method: "auth", Token: "wrong-token"})
	failure := readJSON(t, conn)
	assert.Equal(t, "auth.failure", failure["event"])
	assert.Equal(t, "Invalid token", failure["message"])

	writeJSON(t, conn, AuthRequest{Method: "auth", Token: testToken})
	success := readJSON(t, conn)
	assert.Equal(t, "auth.success", success["event"])
}

func TestServer_WebSocketRejectsUnauthenticatedRPC(t *testing.T) {
	f := startGateway(t, nil)
	conn := dialGateway(t, f)

	readJSON(t, conn) // greeting

	writeJSON(t, conn, RPCRequest{ID: "1", Method: "status"})

	frame := readJSON(t, conn)
	errField, ok := frame["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(AuthenticationRequired), errField["code"])
}

func TestServer_WebSocketDropsAfterRepeatedAuthFailures(t *testing.T) {
	f := startGateway(t, nil)
	conn := dialGateway(t, f)

	readJSON(t, conn) // greeting

	for i := 0; i < maxAuthAttempts; i++ {
		writeJSON(t, conn, AuthRequest{Method: "auth", Token: "still-wrong"})
		readJSON(t, conn)
	}

	// The server closes the connection after the final failure.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestServer_DeliverPushesEventSequence(t *testing.T) {
	f := startGateway(t, nil)
	conn := dialGateway(t, f)
	authenticate(t, conn, testToken)

	writeJSON(t, conn, RPCRequest{ID: "sub", Method: "subscribe", Params: map[string]interface{}{}})
	subResp := readJSON(t, conn)
	require.Equal(t, "sub", subResp["id"])

	writeJSON(t, conn, RPCRequest{ID: "del", Method: "deliver", Params: map[string]interface{}{
		"sessionKey": string(f.key),
		"content":    "hello",
	}})

	// The turn's appended events arrive as pushes interleaved with the
	// RPC response; collect frames until the response shows up.
	var (
		eventTypes []string
		lastSeq    float64
		response   map[string]interface{}
	)
	for response == nil {
		frame := readJSON(t, conn)
		if frame["id"] == "del" {
			response = frame
			continue
		}
		require.Equal(t, "event", frame["type"])
		if frame["event"] == "tick" {
			continue
		}

		seq := frame["seq"].(float64)
		assert.Greater(t, seq, lastSeq)
		lastSeq = seq

		assert.Equal(t, string(f.key), frame["session_key"])
		eventTypes = append(eventTypes, frame["event"].(string))
	}

	assert.Nil(t, response["error"])
	result := response["result"].(map[string]interface{})
	assert.Equal(t, "hello from the model", result["content"])

	assert.Equal(t, []string{
		eventlog.TypeSessionStarted,
		eventlog.TypeMessageReceived,
		eventlog.TypeAgentResponse,
		eventlog.TypeMessageSent,
	}, eventTypes)
}

func TestServer_PushHonorsSubscriptionFilter(t *testing.T) {
	f := startGateway(t, nil)
	conn := dialGateway(t, f)
	authenticate(t, conn, testToken)

	other := eventlog.MainKey("other")
	writeJSON(t, conn, RPCRequest{ID: "sub", Method: "subscribe", Params: map[string]interface{}{
		"sessionKeys": []interface{}{string(other)},
	}})
	subResp := readJSON(t, conn)
	require.Equal(t, "sub", subResp["id"])

	writeJSON(t, conn, RPCRequest{ID: "del", Method: "deliver", Params: map[string]interface{}{
		"sessionKey": string(f.key),
		"content":    "hello",
	}})

	// Only the RPC response may arrive; the delivered session is not in
	// the client's filter.
	for {
		frame := readJSON(t, conn)
		if frame["id"] == "del" {
			return
		}
		require.Equal(t, "tick", frame["event"], "unexpected push for unsubscribed session")
	}
}

func TestServer_HTTPRPC(t *testing.T) {
	f := startGateway(t, nil)
	url := fmt.Sprintf("http://%s/rpc", f.srv.Addr())

	t.Run("accepts requests with a valid bearer token", func(t *testing.T) {
		body := bytes.NewBufferString(`{"id":"1","method":"status"}`)
		req, err := http.NewRequest(http.MethodPost, url, body)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+testToken)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var rpcResp RPCResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
		assert.Equal(t, "1", rpcResp.ID)
		assert.Nil(t, rpcResp.Error)
		assert.NotNil(t, rpcResp.Result)
	})

	t.Run("rejects a bad token", func(t *testing.T) {
		body := bytes.NewBufferString(`{"id":"1","method":"status"}`)
		req, err := http.NewRequest(http.MethodPost, url, body)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer wrong-token")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("rejects a missing header", func(t *testing.T) {
		body := bytes.NewBufferString(`{"id":"1","method":"status"}`)
		resp, err := http.Post(url, "application/json", body)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("rejects non-POST requests", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+testToken)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("reports parse errors as RPC errors", func(t *testing.T) {
		body := bytes.NewBufferString(`{not json`)
		req, err := http.NewRequest(http.MethodPost, url, body)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+testToken)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var rpcResp RPCResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
		require.NotNil(t, rpcResp.Error)
		assert.Equal(t, ParseError, rpcResp.Error.Code)
	})
}

func TestServer_HTTPDeliver(t *testing.T) {
	f := startGateway(t, nil)
	url := fmt.Sprintf("http://%s/rpc", f.srv.Addr())

	payload := fmt.Sprintf(`{"id":"1","method":"deliver","params":{"sessionKey":%q,"content":"over http"}}`, f.key)
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rpcResp RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.Nil(t, rpcResp.Error)

	result := rpcResp.Result.(map[string]interface{})
	assert.Equal(t, "hello from the model", result["content"])
}

func TestServer_TickBroadcast(t *testing.T) {
	f := startGateway(t, func(cfg *Config) {
		cfg.TickInterval = 50 * time.Millisecond
	})
	conn := dialGateway(t, f)
	authenticate(t, conn, testToken)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		frame := readJSON(t, conn)
		if frame["event"] == "tick" {
			assert.Equal(t, "event", frame["type"])
			return
		}
	}
	t.Fatal("no tick broadcast received")
}

func TestServer_ShutdownBroadcast(t *testing.T) {
	f := startGateway(t, nil)
	conn := dialGateway(t, f)
	authenticate(t, conn, testToken)

	require.NoError(t, f.srv.Stop())

	// The shutdown notice is the last frame before the server closes
	// the connection.
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatal("connection closed before shutdown notice")
		}
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["event"] == "server.shutdown" {
			return
		}
	}
}

