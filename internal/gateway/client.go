package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawline/internal/pairing"
	"github.com/nextlevelbuilder/clawline/internal/streamkey"
	"github.com/nextlevelbuilder/clawline/pkg/protocol"
)

// Connection lifecycle states.
const (
	stateNew     = "new"
	statePending = "pending" // pair socket held awaiting operator approval
	stateAuthed  = "authed"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = 60 * time.Second
	sendBufferSize = 128
	maxFieldBytes  = 64
)

// Client is one WebSocket connection. Before auth it is only a candidate; the
// identity fields are set once and the mutable session view (admin flag,
// visible streams) is guarded by mu.
type Client struct {
	sessionID string
	conn      *websocket.Conn
	srv       *Server
	logger    *slog.Logger

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	state    string
	deviceID string
	userID   string

	mu         sync.RWMutex
	isAdmin    bool
	visible    map[string]bool
	defaultKey string
	features   map[string]bool

	// Replay gate: live broadcasts arriving while auth is still replaying
	// history are held so replay frames keep their sequence order, then
	// flushed minus anything the replay already covered.
	replayMu  sync.Mutex
	replaying bool
	held      []protocol.ServerMessageFrame
}

func newClient(conn *websocket.Conn, srv *Server) *Client {
	var b [6]byte
	rand.Read(b[:])
	id := "sess_" + hex.EncodeToString(b[:])
	return &Client{
		sessionID: id,
		conn:      conn,
		srv:       srv,
		logger:    srv.logger.With("session_id", id),
		send:      make(chan []byte, sendBufferSize),
		closed:    make(chan struct{}),
		state:     stateNew,
		features:  map[string]bool{protocol.FeatureSessionInfo: true},
	}
}

// IsAdmin returns the session's current admin flag.
func (c *Client) IsAdmin() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isAdmin
}

// Subscribed reports whether key is in the session's visible stream set.
func (c *Client) Subscribed(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visible[key]
}

// HasFeature reports whether the client negotiated a feature.
func (c *Client) HasFeature(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.features[name]
}

// VisibleKeys snapshots the visible stream keys.
func (c *Client) VisibleKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.visible))
	for k := range c.visible {
		out = append(out, k)
	}
	return out
}

// setIdentity replaces the session's admin flag and visible stream set.
func (c *Client) setIdentity(isAdmin bool, visible map[string]bool) {
	c.mu.Lock()
	c.isAdmin = isAdmin
	c.visible = visible
	c.mu.Unlock()
}

// setVisible replaces only the visible stream set.
func (c *Client) setVisible(visible map[string]bool) {
	c.mu.Lock()
	c.visible = visible
	c.mu.Unlock()
}

// sendFrame marshals and enqueues a frame. A full send buffer drops the
// connection rather than blocking the caller.
func (c *Client) sendFrame(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("frame marshal failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.closed:
	default:
		c.logger.Warn("send buffer full, dropping connection")
		c.Close()
	}
}

// deliverMessage routes a live message frame through the replay gate.
func (c *Client) deliverMessage(frame protocol.ServerMessageFrame) {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()
	if c.replaying {
		c.held = append(c.held, frame)
		return
	}
	c.sendFrame(frame)
}

func (c *Client) beginReplay() {
	c.replayMu.Lock()
	c.replaying = true
	c.replayMu.Unlock()
}

// finishReplay opens the gate and flushes held frames, dropping any whose
// event id the replay already delivered. Flushing under the lock keeps new
// broadcasts ordered behind the held ones.
func (c *Client) finishReplay(replayed map[string]bool) {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()
	for _, f := range c.held {
		if !replayed[f.ID] {
			c.sendFrame(f)
		}
	}
	c.held = nil
	c.replaying = false
}

// sendError enqueues a typed error frame.
func (c *Client) sendError(code protocol.ErrorCode, msg string) {
	c.sendFrame(protocol.NewError(code, msg))
}

func (c *Client) sendErrorFor(code protocol.ErrorCode, msg, messageID string) {
	f := protocol.NewError(code, msg)
	f.MessageID = messageID
	c.sendFrame(f)
}

// CloseWithCode sends a close frame and tears the connection down.
func (c *Client) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(writeWait)
		c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		// Give the peer a moment to read the close frame.
		time.AfterFunc(time.Second, func() { c.conn.Close() })
	})
}

// Close tears the connection down without a descriptive close frame.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			// Drain what was queued before the close.
			for {
				select {
				case data := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.TextMessage, data)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(int64(c.srv.cfg.Limits.MaxMessageBytes + c.srv.cfg.Limits.MaxInlineBytes*2))
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read error", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.sendError(protocol.ErrInvalidMessage, "text frames only")
			c.Close()
			return
		}
		frame, err := protocol.ParseClientFrame(data)
		if err != nil {
			c.sendError(protocol.ErrInvalidMessage, err.Error())
			c.Close()
			return
		}
		c.dispatchFrame(frame)
	}
}

// teardown removes the connection from every server-side registry.
func (c *Client) teardown() {
	c.Close()
	c.srv.releasePending(c)
	if c.state == stateAuthed {
		c.srv.sessions.Unregister(c)
		c.logger.Info("session closed", "user_id", c.userID, "device_id", c.deviceID)
	}
}

func (c *Client) dispatchFrame(frame protocol.ClientFrame) {
	switch f := frame.(type) {
	case protocol.PairRequestFrame:
		c.handlePairRequest(f)
	case protocol.AuthFrame:
		c.handleAuth(f)
	case protocol.MessageFrame:
		c.handleMessage(f)
	case protocol.InteractiveCallbackFrame:
		c.handleInteractiveCallback(f)
	}
}

func (c *Client) pairFail(reason string) {
	c.sendFrame(protocol.PairResultFrame{Type: protocol.FramePairResult, Reason: reason})
	c.CloseWithCode(websocket.CloseNormalClosure, reason)
}

// handlePairRequest runs the pairing state machine for one device.
func (c *Client) handlePairRequest(f protocol.PairRequestFrame) {
	if c.state != stateNew {
		c.sendError(protocol.ErrInvalidMessage, "already pairing or authenticated")
		return
	}
	if f.ProtocolVersion != protocol.ProtocolVersion {
		c.sendError(protocol.ErrInvalidMessage, "unsupported protocol version")
		c.Close()
		return
	}
	if !protocol.ValidDeviceID(f.DeviceID) {
		c.sendError(protocol.ErrInvalidMessage, "deviceId must be a UUIDv4")
		c.Close()
		return
	}
	if !c.srv.pairLimiter.Allow(f.DeviceID) {
		c.sendError(protocol.ErrRateLimited, "too many pair attempts")
		c.Close()
		return
	}
	if c.srv.pairing.Denylisted(f.DeviceID) {
		c.pairFail(protocol.PairRejected)
		return
	}
	if !validDeviceInfo(f.DeviceInfo) {
		c.sendError(protocol.ErrInvalidMessage, "deviceInfo requires platform and model")
		c.Close()
		return
	}

	c.deviceID = f.DeviceID

	entry, approved := c.srv.pairing.Allowlisted(f.DeviceID)
	if approved {
		// A claimed name that normalises to a different user is an account
		// switch and goes back through operator approval.
		if f.ClaimedName != "" {
			if norm := streamkey.NormalizeUserID(f.ClaimedName); norm != "" && norm != entry.UserID {
				c.holdAsPending(f)
				return
			}
		}
		c.reissueToken(entry)
		return
	}

	newEntry := 0
	if _, exists := c.srv.pairing.Pending(f.DeviceID); !exists {
		newEntry = 1
	}
	if c.srv.pairing.PendingCount()+newEntry > c.srv.cfg.Pairing.MaxPendingRequests {
		c.sendError(protocol.ErrRateLimited, "too many pending pair requests")
		c.Close()
		return
	}
	c.holdAsPending(f)
}

// holdAsPending records the request and parks the socket until the operator
// decides or the hold times out.
func (c *Client) holdAsPending(f protocol.PairRequestFrame) {
	err := c.srv.pairing.UpsertPending(pairing.PendingEntry{
		DeviceID:    f.DeviceID,
		ClaimedName: f.ClaimedName,
		DeviceInfo:  f.DeviceInfo,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Error("pending record failed", "device_id", f.DeviceID, "error", err)
		c.sendError(protocol.ErrServerError, "could not record pair request")
		c.Close()
		return
	}
	c.state = statePending
	c.sendFrame(protocol.PairResultFrame{Type: protocol.FramePairResult, Reason: protocol.PairPending})
	c.srv.holdPending(c)
	c.logger.Info("pair request held", "device_id", f.DeviceID, "claimed_name", f.ClaimedName)
}

// reissueToken handles the approved-device pair paths: first delivery,
// grace-window reissue, and idempotent reconnect.
func (c *Client) reissueToken(entry pairing.AllowlistEntry) {
	if entry.TokenDelivered && entry.LastSeenAt == nil {
		if time.Since(entry.CreatedAt) > c.srv.cfg.ReissueGrace() {
			c.pairFail(protocol.PairRejected)
			return
		}
	}
	token, err := c.srv.tokens.Issue(entry.UserID, entry.DeviceID, entry.IsAdmin)
	if err != nil {
		c.logger.Error("token issue failed", "device_id", entry.DeviceID, "error", err)
		c.sendError(protocol.ErrServerError, "token issuance failed")
		c.Close()
		return
	}
	c.sendFrame(protocol.PairResultFrame{
		Type: protocol.FramePairResult, Success: true, Token: token, UserID: entry.UserID,
	})
	if !entry.TokenDelivered {
		if err := c.srv.pairing.MarkTokenDelivered(entry.DeviceID); err != nil {
			c.logger.Warn("mark token delivered failed", "device_id", entry.DeviceID, "error", err)
		}
	}
	if err := c.srv.pairing.TouchLastSeen(entry.DeviceID); err != nil {
		c.logger.Warn("last seen update failed", "device_id", entry.DeviceID, "error", err)
	}
	c.logger.Info("token issued", "device_id", entry.DeviceID, "user_id", entry.UserID)
}

func (c *Client) authFail(reason protocol.ErrorCode) {
	c.sendFrame(protocol.AuthResultFrame{Type: protocol.FrameAuthResult, Reason: string(reason)})
	c.CloseWithCode(websocket.CloseNormalClosure, string(reason))
}

// handleAuth authenticates the device, registers the session (evicting any
// predecessor for the same device), and replays history.
func (c *Client) handleAuth(f protocol.AuthFrame) {
	if c.state != stateNew {
		c.sendError(protocol.ErrInvalidMessage, "already pairing or authenticated")
		return
	}
	if f.ProtocolVersion != protocol.ProtocolVersion {
		c.authFail(protocol.ErrAuthFailed)
		return
	}
	if !protocol.ValidDeviceID(f.DeviceID) {
		c.authFail(protocol.ErrAuthFailed)
		return
	}
	if !c.srv.authLimiter.Allow(f.DeviceID) {
		c.authFail(protocol.ErrRateLimited)
		return
	}
	if c.srv.pairing.Denylisted(f.DeviceID) {
		c.authFail(protocol.ErrTokenRevoked)
		return
	}

	claims, err := c.srv.tokens.Verify(f.Token)
	if err != nil {
		c.authFail(protocol.ErrAuthFailed)
		return
	}
	entry, ok := c.srv.pairing.Allowlisted(f.DeviceID)
	if !ok {
		c.authFail(protocol.ErrDeviceNotApproved)
		return
	}
	if claims.DeviceID != f.DeviceID || !pairing.MatchesEntry(claims, entry) {
		c.authFail(protocol.ErrAuthFailed)
		return
	}

	ctx := context.Background()
	if _, err := c.srv.store.EnsureBuiltIns(ctx, entry.UserID, c.srv.builtInsFor(entry.UserID, entry.IsAdmin)); err != nil {
		c.logger.Error("built-in stream seed failed", "user_id", entry.UserID, "error", err)
		c.authFail(protocol.ErrServerError)
		return
	}
	visible, snapshot, err := c.srv.visibleStreams(ctx, entry.UserID, entry.IsAdmin)
	if err != nil {
		c.logger.Error("visible stream load failed", "user_id", entry.UserID, "error", err)
		c.authFail(protocol.ErrServerError)
		return
	}

	c.deviceID = f.DeviceID
	c.userID = entry.UserID
	c.mu.Lock()
	c.isAdmin = entry.IsAdmin
	c.visible = visible
	c.defaultKey = c.srv.defaultStreamKey(entry.UserID)
	for _, feat := range f.ClientFeatures {
		if feat == protocol.FeatureTerminalBubbles {
			c.features[feat] = true
		}
	}
	features := make([]string, 0, len(c.features))
	for feat := range c.features {
		features = append(features, feat)
	}
	c.mu.Unlock()
	c.state = stateAuthed

	// Register before resolving replay with the gate closed: events persisted
	// after the replay query broadcast into the held set instead of racing
	// ahead of (or slipping between) the replay frames.
	c.beginReplay()
	if evicted := c.srv.sessions.Register(c); evicted != nil {
		evicted.CloseWithCode(protocol.CloseSessionReplaced, "session replaced")
	}

	replayed, truncated, historyReset, err := c.srv.resolveReplay(ctx, c, f.LastMessageID)
	if err != nil {
		c.logger.Error("replay resolution failed", "user_id", entry.UserID, "error", err)
		c.finishReplay(nil)
		c.authFail(protocol.ErrServerError)
		return
	}

	c.sendFrame(protocol.AuthResultFrame{
		Type:            protocol.FrameAuthResult,
		Success:         true,
		UserID:          entry.UserID,
		SessionID:       c.sessionID,
		IsAdmin:         entry.IsAdmin,
		ReplayCount:     len(replayed),
		ReplayTruncated: truncated,
		HistoryReset:    historyReset,
		Features:        features,
		DMScope:         c.srv.cfg.Streams.DMScope,
		SessionKeys:     c.VisibleKeys(),
	})
	c.sendFrame(snapshot)
	replayedIDs := make(map[string]bool, len(replayed))
	for _, frame := range replayed {
		c.sendFrame(frame)
		replayedIDs[frame.ID] = true
	}
	c.finishReplay(replayedIDs)

	if err := c.srv.pairing.TouchLastSeen(f.DeviceID); err != nil {
		c.logger.Warn("last seen update failed", "device_id", f.DeviceID, "error", err)
	}
	c.logger.Info("session authenticated",
		"user_id", entry.UserID, "device_id", f.DeviceID,
		"is_admin", entry.IsAdmin, "replay_count", len(replayed))
}

// handleInteractiveCallback validates and forwards a UI callback turn. The
// dispatcher runs on the user-level lane so callbacks serialise with nothing
// but each other.
func (c *Client) handleInteractiveCallback(f protocol.InteractiveCallbackFrame) {
	if c.state != stateAuthed {
		c.sendError(protocol.ErrAuthFailed, "authenticate first")
		return
	}
	if !protocol.ValidServerMessageID(f.MessageID) || f.Payload.Action == "" {
		c.sendError(protocol.ErrInvalidMessage, "malformed interactive callback")
		return
	}
	var data map[string]any
	if len(f.Payload.Data) > 0 {
		if err := json.Unmarshal(f.Payload.Data, &data); err != nil {
			c.sendError(protocol.ErrInvalidMessage, "malformed callback data")
			return
		}
	}
	turn := c.srv.callbackTurn(c, f.MessageID, f.Payload.Action, data)
	c.mu.RLock()
	defaultKey := c.defaultKey
	c.mu.RUnlock()
	c.srv.tasks.Submit(laneKey(c.userID, ""), func(ctx context.Context) {
		emit := c.srv.emitFor(c.userID, defaultKey)
		if err := c.srv.dispatcher.Dispatch(ctx, turn, emit); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("callback dispatch failed", "message_id", f.MessageID, "error", err)
		}
	})
}

func validDeviceInfo(info protocol.DeviceInfo) bool {
	return info.Platform != "" && len(info.Platform) <= maxFieldBytes &&
		info.Model != "" && len(info.Model) <= maxFieldBytes &&
		len(info.OSVersion) <= maxFieldBytes && len(info.AppVersion) <= maxFieldBytes
}

// laneKey names a serial task lane. An empty stream key selects the
// user-level lane, distinct from every stream lane.
func laneKey(userID, streamKey string) string {
	return userID + "\x00" + streamKey
}
