package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/clawline/internal/assets"
	"github.com/nextlevelbuilder/clawline/internal/dispatch"
	"github.com/nextlevelbuilder/clawline/internal/store"
	"github.com/nextlevelbuilder/clawline/internal/streamkey"
	"github.com/nextlevelbuilder/clawline/pkg/protocol"
)

// inlineAttachment carries a validated attachment through the pipeline with
// its decoded bytes when it arrived inline.
type inlineAttachment struct {
	att  protocol.Attachment
	data []byte
}

// handleMessage validates an inbound message frame and queues it on its
// stream lane. Everything that can be rejected without touching storage is
// rejected here, outside the queue.
func (c *Client) handleMessage(f protocol.MessageFrame) {
	if c.state != stateAuthed {
		c.sendError(protocol.ErrAuthFailed, "authenticate first")
		return
	}
	if !protocol.ValidClientMessageID(f.ID) {
		c.sendError(protocol.ErrInvalidMessage, "message id must start with c_")
		return
	}
	if f.Content == "" && len(f.Attachments) == 0 {
		c.sendErrorFor(protocol.ErrInvalidMessage, "empty message", f.ID)
		return
	}
	if len(f.Content) > c.srv.cfg.Limits.MaxMessageBytes {
		c.sendErrorFor(protocol.ErrPayloadTooLarge, "content exceeds limit", f.ID)
		return
	}

	atts, code, msg := c.srv.normalizeAttachments(f.Attachments)
	if code != "" {
		c.sendErrorFor(code, msg, f.ID)
		return
	}

	key, code, msg := c.resolveTargetStream(f.SessionKey)
	if code != "" {
		c.sendErrorFor(code, msg, f.ID)
		return
	}

	// Terminal-session descriptors stay inside the sender's own stream
	// family; the shared admin stream never carries them.
	for _, a := range atts {
		if a.att.Type == protocol.AttachmentDocument && a.att.MimeType == protocol.MimeTerminalSession {
			if k, ok := streamkey.Parse(key); !ok || k.UserID != c.userID {
				c.sendErrorFor(protocol.ErrInvalidMessage, "terminal attachments are limited to personal streams", f.ID)
				return
			}
		}
	}

	c.srv.tasks.Submit(laneKey(c.userID, key), func(ctx context.Context) {
		c.srv.processMessage(ctx, c, f, atts, key)
	})
}

// resolveTargetStream maps the frame's session key (or its absence) to the
// stream this session may post to.
func (c *Client) resolveTargetStream(raw string) (key string, code protocol.ErrorCode, msg string) {
	c.mu.RLock()
	defaultKey := c.defaultKey
	c.mu.RUnlock()

	if raw == "" {
		return defaultKey, "", ""
	}
	if k, ok := streamkey.Parse(raw); ok {
		raw = k.Canonical()
	}
	if raw == c.srv.cfg.AdminStreamKey() && !c.IsAdmin() {
		return "", protocol.ErrForbidden, "admin stream requires admin"
	}
	if !c.Subscribed(raw) {
		return "", protocol.ErrStreamNotFound, "unknown stream"
	}
	return raw, "", ""
}

// normalizeAttachments validates the closed attachment union: inline images
// in the allowed MIME set, inline documents of the two clawline descriptor
// types, or asset references. Inline payloads are decoded and budgeted here.
func (s *Server) normalizeAttachments(raw []protocol.Attachment) ([]inlineAttachment, protocol.ErrorCode, string) {
	if len(raw) == 0 {
		return nil, "", ""
	}
	out := make([]inlineAttachment, 0, len(raw))
	for _, a := range raw {
		switch a.Type {
		case protocol.AttachmentImage:
			if !protocol.InlineImageMimes[a.MimeType] {
				return nil, protocol.ErrInvalidMessage, fmt.Sprintf("unsupported image type %q", a.MimeType)
			}
			data, err := base64.StdEncoding.DecodeString(a.Data)
			if err != nil || len(data) == 0 {
				return nil, protocol.ErrInvalidMessage, "invalid inline image data"
			}
			if len(data) > s.cfg.Limits.MaxInlineBytes {
				return nil, protocol.ErrPayloadTooLarge, "inline image exceeds limit"
			}
			out = append(out, inlineAttachment{att: a, data: data})
		case protocol.AttachmentDocument:
			if a.MimeType != protocol.MimeTerminalSession && a.MimeType != protocol.MimeInteractiveHTML {
				return nil, protocol.ErrInvalidMessage, fmt.Sprintf("unsupported document type %q", a.MimeType)
			}
			data, err := base64.StdEncoding.DecodeString(a.Data)
			if err != nil || len(data) == 0 {
				return nil, protocol.ErrInvalidMessage, "invalid inline document data"
			}
			// Oversized descriptors are rejected outright, never spilled
			// to asset storage.
			if len(data) > s.cfg.Limits.MaxInlineBytes {
				return nil, protocol.ErrPayloadTooLarge, "inline document exceeds limit"
			}
			out = append(out, inlineAttachment{att: a, data: data})
		case protocol.AttachmentAsset:
			if !protocol.ValidAssetID(a.AssetID) {
				return nil, protocol.ErrInvalidMessage, "malformed asset id"
			}
			out = append(out, inlineAttachment{att: a})
		default:
			return nil, protocol.ErrInvalidMessage, fmt.Sprintf("unknown attachment type %q", a.Type)
		}
	}
	return out, "", ""
}

// processMessage is the in-queue half of ingestion: dedup, rate limit, asset
// promotion, durable persist, ack, fan-out, and the dispatcher turn.
func (s *Server) processMessage(ctx context.Context, c *Client, f protocol.MessageFrame, atts []inlineAttachment, key string) {
	contentHash := hashContent(f.Content)
	attachmentsHash := hashAttachments(f.Attachments)

	prior, found, err := s.store.GetMessage(ctx, c.deviceID, f.ID)
	if err != nil {
		s.logger.Error("dedup lookup failed", "client_id", f.ID, "error", err)
		c.sendErrorFor(protocol.ErrServerError, "storage failure", f.ID)
		return
	}
	if found {
		if prior.ContentHash != contentHash || prior.AttachmentsHash != attachmentsHash {
			c.sendErrorFor(protocol.ErrInvalidMessage, "client id reused with different content", f.ID)
			return
		}
		c.sendFrame(protocol.NewAck(f.ID))
		if !prior.AckSent {
			if err := s.store.SetAckSent(ctx, c.deviceID, f.ID); err != nil {
				s.logger.Warn("ack flag update failed", "client_id", f.ID, "error", err)
			}
		}
		// A matching retransmission of a failed message is a retry: the event
		// is already durable, so only the dispatch is re-run.
		if prior.StreamingState == store.StreamingFailed {
			s.retryDispatch(ctx, c, f.ID, prior)
		}
		return
	}

	if !s.msgLimiter.Allow(c.deviceID) {
		c.sendErrorFor(protocol.ErrRateLimited, "message rate exceeded", f.ID)
		return
	}

	wireAtts, assetIDs, code, msg := s.promoteAttachments(ctx, c, atts)
	if code != "" {
		c.sendErrorFor(code, msg, f.ID)
		return
	}

	now := time.Now().UTC()
	frame := protocol.ServerMessageFrame{
		Type:        protocol.FrameMessage,
		ID:          protocol.NewServerMessageID(),
		Role:        "user",
		SessionKey:  key,
		Timestamp:   now.UnixMilli(),
		Content:     f.Content,
		Attachments: wireAtts,
		DeviceID:    c.deviceID,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		c.sendErrorFor(protocol.ErrServerError, "payload encoding failed", f.ID)
		return
	}

	ev := &store.Event{
		ID:         frame.ID,
		UserID:     c.userID,
		SessionKey: key,
		Type:       store.EventTypeMessage,
		DeviceID:   c.deviceID,
		Payload:    payload,
		Timestamp:  now,
	}
	rec := &store.MessageRecord{
		DeviceID:        c.deviceID,
		ClientID:        f.ID,
		UserID:          c.userID,
		ContentHash:     contentHash,
		AttachmentsHash: attachmentsHash,
		StreamingState:  store.StreamingActive,
	}
	if err := s.store.InsertUserMessage(ctx, ev, rec, assetIDs); err != nil {
		if errors.Is(err, store.ErrWriteQueueFull) {
			c.sendErrorFor(protocol.ErrWriteQueueFull, "write backpressure, retry", f.ID)
			return
		}
		s.logger.Error("message persist failed", "client_id", f.ID, "error", err)
		c.sendErrorFor(protocol.ErrServerError, "storage failure", f.ID)
		return
	}

	// Ack strictly before fan-out.
	c.sendFrame(protocol.NewAck(f.ID))
	if err := s.store.SetAckSent(ctx, c.deviceID, f.ID); err != nil {
		s.logger.Warn("ack flag update failed", "client_id", f.ID, "error", err)
	}
	s.broadcastMessage(c.userID, frame)

	s.runDispatch(ctx, c, f.ID, frame, wireAtts)
}

// retryDispatch re-runs the dispatcher for a failed message using its already
// persisted event. The user event was broadcast on first ingestion, so only
// the assistant side is redone.
func (s *Server) retryDispatch(ctx context.Context, c *Client, clientID string, rec store.MessageRecord) {
	ev, found, err := s.store.EventByID(ctx, rec.ServerEventID)
	if err != nil || !found {
		s.logger.Error("retry event lookup failed", "client_id", clientID, "event_id", rec.ServerEventID, "error", err)
		c.sendErrorFor(protocol.ErrServerError, "storage failure", clientID)
		return
	}
	var frame protocol.ServerMessageFrame
	if err := json.Unmarshal(ev.Payload, &frame); err != nil {
		s.logger.Error("retry payload unreadable", "event_id", ev.ID, "error", err)
		c.sendErrorFor(protocol.ErrServerError, "storage failure", clientID)
		return
	}
	if err := s.store.SetStreamingState(ctx, c.deviceID, clientID, store.StreamingActive); err != nil {
		s.logger.Warn("streaming state update failed", "client_id", clientID, "error", err)
	}
	s.runDispatch(ctx, c, clientID, frame, frame.Attachments)
}

// runDispatch drives the reply dispatcher for one ingested message and
// settles the message record's final streaming state.
func (s *Server) runDispatch(ctx context.Context, c *Client, clientID string, frame protocol.ServerMessageFrame, wireAtts []protocol.Attachment) {
	s.broadcastActivity(c.userID, frame.SessionKey, frame.ID, true)
	defer s.broadcastActivity(c.userID, frame.SessionKey, frame.ID, false)

	turn := dispatch.Turn{
		Kind:        dispatch.TurnMessage,
		UserID:      c.userID,
		SessionKey:  frame.SessionKey,
		DeviceID:    c.deviceID,
		EventID:     frame.ID,
		Text:        frame.Content,
		Attachments: dispatchAttachments(wireAtts),
	}

	delivered := 0
	emit := func(ctx context.Context, d dispatch.Delivery) error {
		if d.UserID == "" {
			d.UserID = c.userID
		}
		if d.SessionKey == "" {
			d.SessionKey = frame.SessionKey
		}
		if err := s.deliver(ctx, d); err != nil {
			return err
		}
		delivered++
		return nil
	}

	err := s.dispatcher.Dispatch(ctx, turn, emit)

	final := store.StreamingFailed
	switch {
	case errors.Is(err, dispatch.ErrQueued):
		final = store.StreamingQueued
	case delivered > 0:
		// A dispatcher error after a landed delivery still finalizes; the
		// partial reply is already durable and broadcast.
		final = store.StreamingFinalized
	case err != nil:
		s.logger.Warn("dispatch failed", "event_id", frame.ID, "error", err)
	}
	if err := s.store.SetStreamingState(ctx, c.deviceID, clientID, final); err != nil {
		s.logger.Warn("streaming state update failed", "client_id", clientID, "error", err)
	}
	if final == store.StreamingFailed {
		// The user event stays durable and broadcast; only the assistant
		// side surfaces the failure.
		c.sendErrorFor(protocol.ErrServerError, "no reply produced", clientID)
	}
}

// promoteAttachments turns inline images into owned assets and verifies the
// ownership of referenced ones. Missing and foreign assets fail identically.
func (s *Server) promoteAttachments(ctx context.Context, c *Client, atts []inlineAttachment) ([]protocol.Attachment, []string, protocol.ErrorCode, string) {
	if len(atts) == 0 {
		return nil, nil, "", ""
	}
	wire := make([]protocol.Attachment, 0, len(atts))
	var assetIDs []string
	for _, a := range atts {
		switch a.att.Type {
		case protocol.AttachmentImage:
			data, mime, err := assets.Optimize(a.data, a.att.MimeType)
			if err != nil {
				return nil, nil, protocol.ErrInvalidMessage, "undecodable inline image"
			}
			assetID, err := s.assets.Save(data)
			if err != nil {
				s.logger.Error("asset save failed", "error", err)
				return nil, nil, protocol.ErrServerError, "asset storage failure"
			}
			if err := s.store.InsertAsset(ctx, store.AssetRecord{
				AssetID:          assetID,
				UserID:           c.userID,
				MimeType:         mime,
				Size:             int64(len(data)),
				UploaderDeviceID: c.deviceID,
			}); err != nil {
				s.assets.Remove([]string{assetID})
				s.logger.Error("asset record failed", "error", err)
				return nil, nil, protocol.ErrServerError, "asset storage failure"
			}
			wire = append(wire, protocol.Attachment{Type: protocol.AttachmentAsset, AssetID: assetID, MimeType: mime})
			assetIDs = append(assetIDs, assetID)
		case protocol.AttachmentAsset:
			owned, err := s.store.AssetOwned(ctx, a.att.AssetID, c.userID)
			if err != nil {
				s.logger.Error("asset ownership lookup failed", "asset_id", a.att.AssetID, "error", err)
				return nil, nil, protocol.ErrServerError, "asset storage failure"
			}
			if !owned {
				return nil, nil, protocol.ErrAssetNotFound, "asset not found"
			}
			wire = append(wire, a.att)
			assetIDs = append(assetIDs, a.att.AssetID)
		default:
			// Inline documents travel with the message payload as-is.
			wire = append(wire, a.att)
		}
	}
	return wire, assetIDs, "", ""
}

// callbackTurn assembles the dispatcher turn for an interactive callback.
func (s *Server) callbackTurn(c *Client, messageID, action string, data map[string]any) dispatch.Turn {
	return dispatch.Turn{
		Kind:     dispatch.TurnCallback,
		UserID:   c.userID,
		DeviceID: c.deviceID,
		EventID:  messageID,
		Callback: &dispatch.Callback{Action: action, Data: data},
	}
}

func dispatchAttachments(wire []protocol.Attachment) []dispatch.Attachment {
	if len(wire) == 0 {
		return nil
	}
	out := make([]dispatch.Attachment, 0, len(wire))
	for _, a := range wire {
		if a.Type != protocol.AttachmentAsset {
			continue
		}
		out = append(out, dispatch.Attachment{
			AssetID:  a.AssetID,
			MimeType: a.MimeType,
			URL:      assets.URL(a.AssetID),
		})
	}
	return out
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// hashAttachments fingerprints the attachment list as received so a
// retransmission matches its original even though promotion rewrites the
// stored form.
func hashAttachments(atts []protocol.Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	data, _ := json.Marshal(atts)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
