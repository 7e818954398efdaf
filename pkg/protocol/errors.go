package protocol

// ErrorCode identifies a protocol-visible failure class.
type ErrorCode string

const (
	ErrInvalidMessage   ErrorCode = "invalid_message"
	ErrPayloadTooLarge  ErrorCode = "payload_too_large"
	ErrRateLimited      ErrorCode = "rate_limited"
	ErrAuthFailed       ErrorCode = "auth_failed"
	ErrTokenRevoked     ErrorCode = "token_revoked"
	ErrDeviceNotApproved ErrorCode = "device_not_approved"
	ErrAssetNotFound    ErrorCode = "asset_not_found"
	ErrStreamNotFound   ErrorCode = "stream_not_found"
	ErrForbidden        ErrorCode = "forbidden"
	ErrServerError      ErrorCode = "server_error"
	ErrWriteQueueFull   ErrorCode = "write_queue_full"

	ErrStreamLimitReached           ErrorCode = "stream_limit_reached"
	ErrBuiltInStreamRenameForbidden ErrorCode = "built_in_stream_rename_forbidden"
	ErrBuiltInStreamDeleteForbidden ErrorCode = "built_in_stream_delete_forbidden"
	ErrLastStreamDeleteForbidden    ErrorCode = "last_stream_delete_forbidden"
	ErrStreamDeleteRequiresUserAction ErrorCode = "stream_delete_requires_user_action"
	ErrIdempotencyKeyReused         ErrorCode = "idempotency_key_reused"
)
