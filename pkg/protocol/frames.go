package protocol

import (
	"encoding/json"
	"fmt"
)

// DeviceInfo describes the client device as claimed at pair time.
type DeviceInfo struct {
	Platform   string `json:"platform"`
	Model      string `json:"model"`
	OSVersion  string `json:"osVersion,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

// Attachment is the closed union of message attachment variants.
// Exactly one of Data (image/document) or AssetID (asset) is meaningful.
type Attachment struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
	AssetID  string `json:"assetId,omitempty"`
}

// ClientFrame is implemented by every client → server frame variant.
type ClientFrame interface{ clientFrame() }

// PairRequestFrame starts the pairing state machine for a device.
type PairRequestFrame struct {
	Type            string     `json:"type"`
	ProtocolVersion int        `json:"protocolVersion"`
	DeviceID        string     `json:"deviceId"`
	DeviceInfo      DeviceInfo `json:"deviceInfo"`
	ClaimedName     string     `json:"claimedName,omitempty"`
}

// AuthFrame authenticates a paired device and requests replay.
type AuthFrame struct {
	Type            string   `json:"type"`
	ProtocolVersion int      `json:"protocolVersion"`
	DeviceID        string   `json:"deviceId"`
	Token           string   `json:"token"`
	LastMessageID   string   `json:"lastMessageId,omitempty"`
	ClientFeatures  []string `json:"clientFeatures,omitempty"`
}

// MessageFrame is an inbound user message.
type MessageFrame struct {
	Type        string       `json:"type"`
	ID          string       `json:"id"`
	Content     string       `json:"content"`
	SessionKey  string       `json:"sessionKey,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// InteractiveCallbackFrame carries a UI callback for a prior assistant message.
type InteractiveCallbackFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Payload   struct {
		Action string          `json:"action"`
		Data   json.RawMessage `json:"data,omitempty"`
	} `json:"payload"`
}

func (PairRequestFrame) clientFrame()         {}
func (AuthFrame) clientFrame()                {}
func (MessageFrame) clientFrame()             {}
func (InteractiveCallbackFrame) clientFrame() {}

// ParseClientFrame decodes a text frame into its typed variant.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch probe.Type {
	case FramePairRequest:
		var f PairRequestFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case FrameAuth:
		var f AuthFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case FrameMessage:
		var f MessageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case FrameInteractiveCallback:
		var f InteractiveCallbackFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", probe.Type)
	}
}

// PairResultFrame reports the pairing outcome. On success Token and UserID
// are set; on failure Reason carries a Pair* constant.
type PairResultFrame struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	UserID  string `json:"userId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// AuthResultFrame reports the auth outcome and replay parameters.
type AuthResultFrame struct {
	Type            string   `json:"type"`
	Success         bool     `json:"success"`
	UserID          string   `json:"userId,omitempty"`
	SessionID       string   `json:"sessionId,omitempty"`
	IsAdmin         bool     `json:"isAdmin,omitempty"`
	ReplayCount     int      `json:"replayCount"`
	ReplayTruncated bool     `json:"replayTruncated"`
	HistoryReset    bool     `json:"historyReset"`
	Features        []string `json:"features,omitempty"`
	DMScope         string   `json:"dmScope,omitempty"`
	SessionKeys     []string `json:"sessionKeys,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}

// SessionInfoFrame refreshes a live session's identity view.
type SessionInfoFrame struct {
	Type        string   `json:"type"`
	UserID      string   `json:"userId"`
	IsAdmin     bool     `json:"isAdmin"`
	DMScope     string   `json:"dmScope"`
	SessionKeys []string `json:"sessionKeys"`
}

// StreamInfo is the client-facing view of a stream catalog entry.
type StreamInfo struct {
	SessionKey  string `json:"sessionKey"`
	DisplayName string `json:"displayName"`
	Kind        string `json:"kind"`
	OrderIndex  int    `json:"orderIndex"`
	IsBuiltIn   bool   `json:"isBuiltIn"`
}

// StreamSnapshotFrame carries the full visible catalog for a session.
type StreamSnapshotFrame struct {
	Type              string       `json:"type"`
	Streams           []StreamInfo `json:"streams"`
	DefaultSessionKey string       `json:"defaultSessionKey"`
}

// StreamEventFrame announces a single catalog mutation.
type StreamEventFrame struct {
	Type              string      `json:"type"`
	Stream            *StreamInfo `json:"stream,omitempty"`
	DeletedSessionKey string      `json:"deletedSessionKey,omitempty"`
}

// ServerMessageFrame is a persisted event delivered to a session.
type ServerMessageFrame struct {
	Type        string       `json:"type"`
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	SessionKey  string       `json:"sessionKey"`
	Timestamp   int64        `json:"timestamp"`
	Streaming   bool         `json:"streaming"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	DeviceID    string       `json:"deviceId,omitempty"`
}

// AckFrame acknowledges persistence of a client message id.
type AckFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// NewAck returns the ack frame for a client message id.
func NewAck(id string) AckFrame { return AckFrame{Type: FrameAck, ID: id} }

// ActivityPayload is the ephemeral typing signal; never persisted.
type ActivityPayload struct {
	IsActive   bool   `json:"isActive"`
	MessageID  string `json:"messageId"`
	SessionKey string `json:"sessionKey"`
}

// EventFrame wraps named ephemeral events such as "activity".
type EventFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// NewActivityEvent builds the typing-signal frame.
func NewActivityEvent(p ActivityPayload) EventFrame {
	return EventFrame{Type: FrameEvent, Event: "activity", Payload: p}
}

// ErrorFrame surfaces a typed error to the client.
type ErrorFrame struct {
	Type      string    `json:"type"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	MessageID string    `json:"messageId,omitempty"`
}

// NewError builds an error frame.
func NewError(code ErrorCode, msg string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Code: code, Message: msg}
}
