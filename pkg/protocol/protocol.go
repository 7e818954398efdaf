// Package protocol defines the Clawline wire protocol: the WebSocket frame
// variants exchanged with client devices, the error taxonomy, and the id
// grammar shared by server and clients.
package protocol

// ProtocolVersion is the wire protocol version negotiated on pair and auth.
const ProtocolVersion = 1

// Client → server frame types.
const (
	FramePairRequest         = "pair_request"
	FrameAuth                = "auth"
	FrameMessage             = "message"
	FrameInteractiveCallback = "interactive-callback"
)

// Server → client frame types.
const (
	FramePairResult     = "pair_result"
	FrameAuthResult     = "auth_result"
	FrameSessionInfo    = "session_info"
	FrameStreamSnapshot = "stream_snapshot"
	FrameStreamCreated  = "stream_created"
	FrameStreamUpdated  = "stream_updated"
	FrameStreamDeleted  = "stream_deleted"
	FrameAck            = "ack"
	FrameEvent          = "event"
	FrameError          = "error"
)

// Pair failure reasons.
const (
	PairPending  = "pair_pending"
	PairDenied   = "pair_denied"
	PairRejected = "pair_rejected"
	PairTimeout  = "pair_timeout"
)

// Negotiable client features. FeatureSessionInfo is always granted;
// FeatureTerminalBubbles is opt-in and gates terminal-session attachments.
const (
	FeatureSessionInfo     = "session_info"
	FeatureTerminalBubbles = "terminal_bubbles_v1"
)

// CloseSessionReplaced is the WebSocket close code sent to a session that is
// superseded by a newer connection from the same device.
const CloseSessionReplaced = 4001

// Attachment type discriminators.
const (
	AttachmentImage    = "image"
	AttachmentDocument = "document"
	AttachmentAsset    = "asset"
)

// Inline document MIME types. Terminal-session descriptors are additionally
// restricted to per-user clawline streams.
const (
	MimeTerminalSession = "application/vnd.clawline.terminal-session+json"
	MimeInteractiveHTML = "application/vnd.clawline.interactive-html+json"
)

// InlineImageMimes is the closed set of image types accepted inline.
var InlineImageMimes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
	"image/heic": true,
}

// UserActionHeader must carry UserActionDeleteStream on stream delete calls.
const (
	UserActionHeader       = "x-clawline-user-action"
	UserActionDeleteStream = "delete_stream"
)
