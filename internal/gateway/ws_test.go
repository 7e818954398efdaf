package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/clawline/internal/config"
	"github.com/nextlevelbuilder/clawline/internal/dispatch"
	"github.com/nextlevelbuilder/clawline/internal/store"
	"github.com/nextlevelbuilder/clawline/pkg/protocol"
)

type wsFrame map[string]any

func dialWS(t *testing.T, hs *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readWSFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err, "reading next frame")
	var f wsFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) wsFrame {
	t.Helper()
	for i := 0; i < 25; i++ {
		f := readWSFrame(t, conn)
		if f["type"] == frameType {
			return f
		}
	}
	t.Fatalf("no %q frame arrived", frameType)
	return nil
}

func pairRequest(deviceID, claimedName string) map[string]any {
	return map[string]any{
		"type":            protocol.FramePairRequest,
		"protocolVersion": protocol.ProtocolVersion,
		"deviceId":        deviceID,
		"deviceInfo":      map[string]any{"platform": "ios", "model": "iPhone15"},
		"claimedName":     claimedName,
	}
}

func authFrame(deviceID, token string, features ...string) map[string]any {
	return map[string]any{
		"type":            protocol.FrameAuth,
		"protocolVersion": protocol.ProtocolVersion,
		"deviceId":        deviceID,
		"token":           token,
		"clientFeatures":  features,
	}
}

func TestPairApproveAuthMessageFlow(t *testing.T) {
	var mu sync.Mutex
	var dispatched []dispatch.Turn
	dispatcher := dispatch.Func(func(ctx context.Context, turn dispatch.Turn, emit dispatch.Emit) error {
		mu.Lock()
		dispatched = append(dispatched, turn)
		mu.Unlock()
		return emit(ctx, dispatch.Delivery{Text: "echo: " + turn.Text})
	})
	srv := newTestServer(t, dispatcher, nil)
	hs := httptest.NewServer(srv.Routes())
	defer hs.Close()

	// Pair: the request is held pending until the operator approves, then the
	// token arrives through the same socket.
	deviceID := uuid.NewString()
	pairConn := dialWS(t, hs)
	sendJSON(t, pairConn, pairRequest(deviceID, "Flynn"))
	f := readUntil(t, pairConn, protocol.FramePairResult)
	require.Equal(t, protocol.PairPending, f["reason"])

	require.NoError(t, srv.pairing.Approve(deviceID, "flynn", false))
	f = readUntil(t, pairConn, protocol.FramePairResult)
	require.Equal(t, true, f["success"])
	require.Equal(t, "flynn", f["userId"])
	token := f["token"].(string)
	require.NotEmpty(t, token)

	// Auth on a fresh socket.
	conn := dialWS(t, hs)
	sendJSON(t, conn, authFrame(deviceID, token))
	f = readUntil(t, conn, protocol.FrameAuthResult)
	require.Equal(t, true, f["success"])
	require.Equal(t, "flynn", f["userId"])
	require.Equal(t, float64(0), f["replayCount"])
	require.Equal(t, false, f["historyReset"])

	snap := readUntil(t, conn, protocol.FrameStreamSnapshot)
	require.Equal(t, "agent:main:clawline:flynn:main", snap["defaultSessionKey"])
	require.Len(t, snap["streams"].([]any), 1)

	// Message: ack strictly first, then the user frame echoes back to the
	// sender's session, then the dispatcher's reply.
	sendJSON(t, conn, map[string]any{
		"type": protocol.FrameMessage, "id": "c_1", "content": "hello",
	})
	f = readWSFrame(t, conn)
	require.Equal(t, protocol.FrameAck, f["type"])
	require.Equal(t, "c_1", f["id"])

	f = readUntil(t, conn, protocol.FrameMessage)
	require.Equal(t, "user", f["role"])
	require.Equal(t, "hello", f["content"])
	require.Equal(t, deviceID, f["deviceId"])
	serverID := f["id"].(string)
	require.True(t, protocol.ValidServerMessageID(serverID))

	f = readUntil(t, conn, protocol.FrameMessage)
	require.Equal(t, "assistant", f["role"])
	require.Equal(t, "echo: hello", f["content"])

	mu.Lock()
	require.Len(t, dispatched, 1)
	require.Equal(t, dispatch.TurnMessage, dispatched[0].Kind)
	require.Equal(t, "flynn", dispatched[0].UserID)
	require.Equal(t, serverID, dispatched[0].EventID)
	mu.Unlock()

	// Retransmission of the same client id with identical content re-acks
	// without a second persisted event or a second dispatch.
	sendJSON(t, conn, map[string]any{
		"type": protocol.FrameMessage, "id": "c_1", "content": "hello",
	})
	f = readUntil(t, conn, protocol.FrameAck)
	require.Equal(t, "c_1", f["id"])
	mu.Lock()
	require.Len(t, dispatched, 1)
	mu.Unlock()

	// Same client id with different content is rejected.
	sendJSON(t, conn, map[string]any{
		"type": protocol.FrameMessage, "id": "c_1", "content": "tampered",
	})
	f = readUntil(t, conn, protocol.FrameError)
	require.Equal(t, "invalid_message", f["code"])
	require.Equal(t, "c_1", f["messageId"])
}

func TestPairDenylistedDevice(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	hs := httptest.NewServer(srv.Routes())
	defer hs.Close()

	deviceID := uuid.NewString()
	require.NoError(t, srv.pairing.Revoke(deviceID))

	conn := dialWS(t, hs)
	sendJSON(t, conn, pairRequest(deviceID, ""))
	f := readUntil(t, conn, protocol.FramePairResult)
	require.Equal(t, protocol.PairRejected, f["reason"])
}

func TestPairInvalidDeviceID(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	hs := httptest.NewServer(srv.Routes())
	defer hs.Close()

	conn := dialWS(t, hs)
	sendJSON(t, conn, pairRequest("not-a-uuid", ""))
	f := readUntil(t, conn, protocol.FrameError)
	require.Equal(t, "invalid_message", f["code"])
}

func TestPairRateLimit(t *testing.T) {
	srv := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.Pairing.MaxPairPerMinute = 2
	})
	hs := httptest.NewServer(srv.Routes())
	defer hs.Close()

	deviceID := uuid.NewString()
	for i := 0; i < 2; i++ {
		conn := dialWS(t, hs)
		sendJSON(t, conn, pairRequest(deviceID, ""))
		f := readUntil(t, conn, protocol.FramePairResult)
		require.Equal(t, protocol.PairPending, f["reason"])
		conn.Close()
	}

	conn := dialWS(t, hs)
	sendJSON(t, conn, pairRequest(deviceID, ""))
	f := readUntil(t, conn, protocol.FrameError)
	require.Equal(t, "rate_limited", f["code"])
}

func TestReissueForKnownDevice(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	hs := httptest.NewServer(srv.Routes())
	defer hs.Close()

	deviceID, _ := approveDevice(t, srv, "flynn", false)

	conn := dialWS(t, hs)
	sendJSON(t, conn, pairRequest(deviceID, "Flynn"))
	f := readUntil(t, conn, protocol.FramePairResult)
	require.Equal(t, true, f["success"])
	require.Equal(t, "flynn", f["userId"])
	require.NotEmpty(t, f["token"])

	// A claimed name that normalises to a different user is an account switch
	// and goes back through approval.
	conn2 := dialWS(t, hs)
	sendJSON(t, conn2, pairRequest(deviceID, "Somebody Else"))
	f = readUntil(t, conn2, protocol.FramePairResult)
	require.Equal(t, protocol.PairPending, f["reason"])
}

func TestAuthFailures(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	hs := httptest.NewServer(srv.Routes())
	defer hs.Close()

	deviceID, token := approveDevice(t, srv, "flynn", false)

	t.Run("garbage token", func(t *testing.T) {
		conn := dialWS(t, hs)
		sendJSON(t, conn, authFrame(deviceID, "garbage"))
		f := readUntil(t, conn, protocol.FrameAuthResult)
		require.Equal(t, "auth_failed", f["reason"])
	})

	t.Run("token for another device", func(t *testing.T) {
		otherID, _ := approveDevice(t, srv, "zuse", false)
		conn := dialWS(t, hs)
		sendJSON(t, conn, authFrame(otherID, token))
		f := readUntil(t, conn, protocol.FrameAuthResult)
		require.Equal(t, "auth_failed", f["reason"])
	})

	t.Run("unapproved device", func(t *testing.T) {
		ghostID := uuid.NewString()
		ghostToken, err := srv.tokens.Issue("ghost", ghostID, false)
		require.NoError(t, err)
		conn := dialWS(t, hs)
		sendJSON(t, conn, authFrame(ghostID, ghostToken))
		f := readUntil(t, conn, protocol.FrameAuthResult)
		require.Equal(t, "device_not_approved", f["reason"])
	})

	t.Run("revoked device", func(t *testing.T) {
		revokedID, revokedToken := approveDevice(t, srv, "mallory", false)
		require.NoError(t, srv.pairing.Revoke(revokedID))
		conn := dialWS(t, hs)
		sendJSON(t, conn, authFrame(revokedID, revokedToken))
		f := readUntil(t, conn, protocol.FrameAuthResult)
		require.Equal(t, "token_revoked", f["reason"])
	})
}

func TestSessionReplacedOnSecondAuth(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	hs := httptest.NewServer(srv.Routes())
	defer hs.Close()

	deviceID, token := approveDevice(t, srv, "flynn", false)

	first := dialWS(t, hs)
	sendJSON(t, first, authFrame(deviceID, token))
	readUntil(t, first, protocol.FrameAuthResult)

	second := dialWS(t, hs)
	sendJSON(t, second, authFrame(deviceID, token))
	f := readUntil(t, second, protocol.FrameAuthResult)
	require.Equal(t, true, f["success"])

	// The first connection is closed with the session-replaced code.
	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := first.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, protocol.CloseSessionReplaced),
				"close error = %v, want code %d", err, protocol.CloseSessionReplaced)
			break
		}
	}
}

func TestReplayAfterReconnect(t *testing.T) {
	dispatcher := dispatch.Func(func(ctx context.Context, turn dispatch.Turn, emit dispatch.Emit) error {
		return emit(ctx, dispatch.Delivery{Text: "re: " + turn.Text})
	})
	srv := newTestServer(t, dispatcher, nil)
	hs := httptest.NewServer(srv.Routes())
	defer hs.Close()

	deviceID, token := approveDevice(t, srv, "flynn", false)

	conn := dialWS(t, hs)
	sendJSON(t, conn, authFrame(deviceID, token))
	readUntil(t, conn, protocol.FrameAuthResult)

	sendJSON(t, conn, map[string]any{"type": protocol.FrameMessage, "id": "c_1", "content": "first"})
	userFrame := readUntil(t, conn, protocol.FrameMessage)
	require.Equal(t, "user", userFrame["role"])
	lastSeen := userFrame["id"].(string)
	reply := readUntil(t, conn, protocol.FrameMessage)
	require.Equal(t, "assistant", reply["role"])
	conn.Close()

	// Reconnect anchored at the user message: only the reply replays.
	conn2 := dialWS(t, hs)
	req := authFrame(deviceID, token)
	req["lastMessageId"] = lastSeen
	sendJSON(t, conn2, req)
	f := readUntil(t, conn2, protocol.FrameAuthResult)
	require.Equal(t, true, f["success"])
	require.Equal(t, float64(1), f["replayCount"])
	require.Equal(t, false, f["historyReset"])
	replayed := readUntil(t, conn2, protocol.FrameMessage)
	require.Equal(t, "assistant", replayed["role"])
	require.Equal(t, "re: first", replayed["content"])
	conn2.Close()

	// An unknown anchor falls back to the tail with historyReset set.
	conn3 := dialWS(t, hs)
	req = authFrame(deviceID, token)
	req["lastMessageId"] = protocol.NewServerMessageID()
	sendJSON(t, conn3, req)
	f = readUntil(t, conn3, protocol.FrameAuthResult)
	require.Equal(t, true, f["success"])
	require.Equal(t, true, f["historyReset"])
	require.Equal(t, float64(2), f["replayCount"])
}

func TestMessageToUnknownStream(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	hs := httptest.NewServer(srv.Routes())
	defer hs.Close()

	deviceID, token := approveDevice(t, srv, "flynn", false)
	conn := dialWS(t, hs)
	sendJSON(t, conn, authFrame(deviceID, token))
	readUntil(t, conn, protocol.FrameAuthResult)

	sendJSON(t, conn, map[string]any{
		"type": protocol.FrameMessage, "id": "c_1", "content": "hi",
		"sessionKey": "agent:main:clawline:flynn:s_deadbeef",
	})
	f := readUntil(t, conn, protocol.FrameError)
	require.Equal(t, "stream_not_found", f["code"])
	require.Equal(t, "c_1", f["messageId"])

	sendJSON(t, conn, map[string]any{
		"type": protocol.FrameMessage, "id": "c_2", "content": "hi",
		"sessionKey": srv.cfg.AdminStreamKey(),
	})
	f = readUntil(t, conn, protocol.FrameError)
	require.Equal(t, "forbidden", f["code"])
}

func TestMessageBeforeAuth(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	hs := httptest.NewServer(srv.Routes())
	defer hs.Close()

	conn := dialWS(t, hs)
	sendJSON(t, conn, map[string]any{"type": protocol.FrameMessage, "id": "c_1", "content": "hi"})
	f := readUntil(t, conn, protocol.FrameError)
	require.Equal(t, "auth_failed", f["code"])
}

func TestActivitySignalBracketsDispatch(t *testing.T) {
	dispatcher := dispatch.Func(func(ctx context.Context, turn dispatch.Turn, emit dispatch.Emit) error {
		return emit(ctx, dispatch.Delivery{Text: "done"})
	})
	srv := newTestServer(t, dispatcher, nil)
	hs := httptest.NewServer(srv.Routes())
	defer hs.Close()

	deviceID, token := approveDevice(t, srv, "flynn", false)
	conn := dialWS(t, hs)
	sendJSON(t, conn, authFrame(deviceID, token))
	readUntil(t, conn, protocol.FrameAuthResult)

	sendJSON(t, conn, map[string]any{"type": protocol.FrameMessage, "id": "c_1", "content": "hi"})

	var activity []bool
	sawReply := false
	for i := 0; i < 10 && (len(activity) < 2 || !sawReply); i++ {
		f := readWSFrame(t, conn)
		switch f["type"] {
		case protocol.FrameEvent:
			if f["event"] == "activity" {
				p := f["payload"].(map[string]any)
				activity = append(activity, p["isActive"].(bool))
			}
		case protocol.FrameMessage:
			if f["role"] == "assistant" {
				sawReply = true
			}
		}
	}
	require.Equal(t, []bool{true, false}, activity)
	require.True(t, sawReply)
}

func TestFailedDispatchSurfacesError(t *testing.T) {
	// The nop dispatcher emits nothing, so the turn fails; the user event
	// stays durable but an error frame names the client message.
	srv := newTestServer(t, nil, nil)
	hs := httptest.NewServer(srv.Routes())
	defer hs.Close()

	deviceID, token := approveDevice(t, srv, "flynn", false)
	conn := dialWS(t, hs)
	sendJSON(t, conn, authFrame(deviceID, token))
	readUntil(t, conn, protocol.FrameAuthResult)

	sendJSON(t, conn, map[string]any{"type": protocol.FrameMessage, "id": "c_1", "content": "hi"})
	f := readUntil(t, conn, protocol.FrameError)
	require.Equal(t, "server_error", f["code"])
	require.Equal(t, "c_1", f["messageId"])

	evs, err := srv.store.TailMessages(context.Background(), "flynn", 10)
	require.NoError(t, err)
	require.Len(t, evs, 1, "the user event must persist despite the failed dispatch")
}

func TestRetryAfterFailedDispatch(t *testing.T) {
	var calls atomic.Int32
	dispatcher := dispatch.Func(func(ctx context.Context, turn dispatch.Turn, emit dispatch.Emit) error {
		if calls.Add(1) == 1 {
			return errors.New("dispatcher offline")
		}
		return emit(ctx, dispatch.Delivery{Text: "recovered: " + turn.Text})
	})
	srv := newTestServer(t, dispatcher, nil)
	hs := httptest.NewServer(srv.Routes())
	defer hs.Close()

	deviceID, token := approveDevice(t, srv, "flynn", false)
	conn := dialWS(t, hs)
	sendJSON(t, conn, authFrame(deviceID, token))
	readUntil(t, conn, protocol.FrameAuthResult)

	sendJSON(t, conn, map[string]any{"type": protocol.FrameMessage, "id": "c_1", "content": "hi"})
	f := readUntil(t, conn, protocol.FrameError)
	require.Equal(t, "server_error", f["code"])
	require.Equal(t, "c_1", f["messageId"])

	// An identical retransmission of the failed message is a retry: re-ack,
	// then the reply, with no second user event and no mismatch error.
	sendJSON(t, conn, map[string]any{"type": protocol.FrameMessage, "id": "c_1", "content": "hi"})
	f = readUntil(t, conn, protocol.FrameAck)
	require.Equal(t, "c_1", f["id"])
	f = readUntil(t, conn, protocol.FrameMessage)
	require.Equal(t, "assistant", f["role"])
	require.Equal(t, "recovered: hi", f["content"])

	evs, err := srv.store.TailMessages(context.Background(), "flynn", 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)

	require.Eventually(t, func() bool {
		rec, found, err := srv.store.GetMessage(context.Background(), deviceID, "c_1")
		return err == nil && found && rec.StreamingState == store.StreamingFinalized
	}, 3*time.Second, 20*time.Millisecond)
}

func TestQueuedDispatchKeepsMessage(t *testing.T) {
	dispatcher := dispatch.Func(func(ctx context.Context, turn dispatch.Turn, emit dispatch.Emit) error {
		return dispatch.ErrQueued
	})
	srv := newTestServer(t, dispatcher, nil)
	hs := httptest.NewServer(srv.Routes())
	defer hs.Close()

	deviceID, token := approveDevice(t, srv, "flynn", false)
	conn := dialWS(t, hs)
	sendJSON(t, conn, authFrame(deviceID, token))
	readUntil(t, conn, protocol.FrameAuthResult)

	sendJSON(t, conn, map[string]any{"type": protocol.FrameMessage, "id": "c_1", "content": "hi"})
	readUntil(t, conn, protocol.FrameAck)

	// No error frame follows; poll the record until the state settles.
	require.Eventually(t, func() bool {
		rec, found, err := srv.store.GetMessage(context.Background(), deviceID, "c_1")
		return err == nil && found && rec.StreamingState == store.StreamingQueued
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRevocationEvictsLiveSession(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	hs := httptest.NewServer(srv.Routes())
	defer hs.Close()

	deviceID, token := approveDevice(t, srv, "flynn", false)
	conn := dialWS(t, hs)
	sendJSON(t, conn, authFrame(deviceID, token))
	readUntil(t, conn, protocol.FrameAuthResult)

	require.NoError(t, srv.pairing.Revoke(deviceID))

	f := readUntil(t, conn, protocol.FrameError)
	require.Equal(t, "token_revoked", f["code"])
}
