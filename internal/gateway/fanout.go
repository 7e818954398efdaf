package gateway

import (
	"context"

	"github.com/nextlevelbuilder/clawline/internal/streamkey"
	"github.com/nextlevelbuilder/clawline/pkg/protocol"
)

// normalizeFrame adapts a persisted message frame to one session's view.
// Returns false when the session must not receive the frame at all.
func (s *Server) normalizeFrame(c *Client, frame protocol.ServerMessageFrame) (protocol.ServerMessageFrame, bool) {
	// Stored rows may still carry the legacy dm-shaped key; clients only ever
	// see the current grammar.
	if k, ok := streamkey.Parse(frame.SessionKey); ok {
		frame.SessionKey = k.Canonical()
	}
	if frame.SessionKey == s.cfg.AdminStreamKey() && !c.IsAdmin() {
		return protocol.ServerMessageFrame{}, false
	}
	if !c.HasFeature(protocol.FeatureTerminalBubbles) && len(frame.Attachments) > 0 {
		kept := frame.Attachments[:0:0]
		for _, a := range frame.Attachments {
			if a.Type == protocol.AttachmentDocument && a.MimeType == protocol.MimeTerminalSession {
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			kept = nil
		}
		frame.Attachments = kept
	}
	return frame, true
}

// broadcastMessage fans a persisted message out to every session subscribed
// to its stream key, normalised per session. The shared administrator stream
// spans users, so it fans out across the whole session set.
func (s *Server) broadcastMessage(userID string, frame protocol.ServerMessageFrame) {
	var targets []*Client
	if frame.SessionKey == s.cfg.AdminStreamKey() {
		targets = s.sessions.All()
	} else {
		targets = s.sessions.ForUser(userID)
	}
	for _, c := range targets {
		if !c.Subscribed(frame.SessionKey) {
			continue
		}
		if norm, ok := s.normalizeFrame(c, frame); ok {
			c.deliverMessage(norm)
		}
	}
}

// broadcastToUser delivers a non-message frame (stream CRUD events, session
// info) to every session of a user.
func (s *Server) broadcastToUser(userID string, frame any) {
	for _, c := range s.sessions.ForUser(userID) {
		c.sendFrame(frame)
	}
}

// broadcastActivity sends the ephemeral typing signal to the sessions
// subscribed to a stream. Never persisted.
func (s *Server) broadcastActivity(userID, sessionKey, messageID string, active bool) {
	frame := protocol.NewActivityEvent(protocol.ActivityPayload{
		IsActive:   active,
		MessageID:  messageID,
		SessionKey: sessionKey,
	})
	for _, c := range s.sessions.ForUser(userID) {
		if c.Subscribed(sessionKey) {
			c.sendFrame(frame)
		}
	}
}

// refreshVisible recomputes the visible stream sets of a user's sessions
// after a catalog mutation.
func (s *Server) refreshVisible(userID string) {
	for _, c := range s.sessions.ForUser(userID) {
		visible, _, err := s.visibleStreams(context.Background(), userID, c.IsAdmin())
		if err != nil {
			s.logger.Warn("visible stream refresh failed", "user_id", userID, "error", err)
			continue
		}
		c.setVisible(visible)
	}
}
