package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/nextlevelbuilder/clawline/internal/dispatch"
	"github.com/nextlevelbuilder/clawline/internal/store"
	"github.com/nextlevelbuilder/clawline/internal/streamkey"
	"github.com/nextlevelbuilder/clawline/pkg/protocol"
)

const apiBodyLimit = 16 * 1024

type ctxKey int

const authKey ctxKey = 0

// authInfo is the authenticated caller attached to API requests.
type authInfo struct {
	UserID   string
	DeviceID string
	IsAdmin  bool
}

func callerFrom(r *http.Request) authInfo {
	v, _ := r.Context().Value(authKey).(authInfo)
	return v
}

// apiRouter builds the /api surface: the stream catalog CRUD, asset
// downloads, the out-of-band send endpoint, and the history read API.
func (s *Server) apiRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(httprate.LimitByIP(120, time.Minute))
	r.Use(limitBody)
	r.Use(s.requireBearer)

	r.Get("/streams", s.handleListStreams)
	r.Post("/streams", s.handleCreateStream)
	r.Patch("/streams/{sessionKey}", s.handleRenameStream)
	r.Delete("/streams/{sessionKey}", s.handleDeleteStream)
	r.Get("/assets/{assetID}", s.handleDownloadAsset)
	r.Post("/send", s.handleSend)
	r.Get("/history", s.handleHistory)
	return r
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, apiBodyLimit)
		next.ServeHTTP(w, r)
	})
}

// requireBearer authenticates the Authorization header against the token
// store and the current allowlist.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			apiError(w, http.StatusUnauthorized, protocol.ErrAuthFailed, "bearer token required")
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			apiError(w, http.StatusUnauthorized, protocol.ErrAuthFailed, "invalid token")
			return
		}
		if s.pairing.Denylisted(claims.DeviceID) {
			apiError(w, http.StatusForbidden, protocol.ErrTokenRevoked, "device revoked")
			return
		}
		entry, ok := s.pairing.Allowlisted(claims.DeviceID)
		if !ok {
			apiError(w, http.StatusForbidden, protocol.ErrDeviceNotApproved, "device not approved")
			return
		}
		if !matchClaims(claims.Subject, entry.UserID) {
			apiError(w, http.StatusUnauthorized, protocol.ErrAuthFailed, "token does not match device record")
			return
		}
		info := authInfo{UserID: entry.UserID, DeviceID: entry.DeviceID, IsAdmin: entry.IsAdmin}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authKey, info)))
	})
}

func matchClaims(subject, userID string) bool { return subject == userID }

func apiError(w http.ResponseWriter, status int, code protocol.ErrorCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}

func apiJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// pathSessionKey extracts and percent-decodes the sessionKey path parameter.
// Some clients double-encode the key, so decoding repeats while it makes
// progress, up to four levels.
func pathSessionKey(r *http.Request) string {
	key := chi.URLParam(r, "sessionKey")
	for i := 0; i < 4 && strings.Contains(key, "%"); i++ {
		decoded, err := url.PathUnescape(key)
		if err != nil || decoded == key {
			break
		}
		key = decoded
	}
	return key
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	if _, err := s.store.EnsureBuiltIns(r.Context(), caller.UserID, s.builtInsFor(caller.UserID, caller.IsAdmin)); err != nil {
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "catalog load failed")
		return
	}
	infos, err := s.visibleStreamInfos(r.Context(), caller)
	if err != nil {
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "catalog load failed")
		return
	}
	apiJSON(w, http.StatusOK, map[string]any{"streams": infos})
}

func (s *Server) visibleStreamInfos(ctx context.Context, caller authInfo) ([]protocol.StreamInfo, error) {
	rows, err := s.store.ListStreams(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	adminKey := s.cfg.AdminStreamKey()
	infos := make([]protocol.StreamInfo, 0, len(rows))
	for _, row := range rows {
		if row.SessionKey == adminKey && !caller.IsAdmin {
			continue
		}
		infos = append(infos, streamInfo(row))
	}
	return infos, nil
}

type createStreamRequest struct {
	DisplayName    string `json:"displayName"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "malformed body")
		return
	}
	name := sanitizeDisplayName(req.DisplayName, s.cfg.Streams.DisplayNameMaxBytes)
	if name == "" {
		apiError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "displayName required")
		return
	}
	if req.IdempotencyKey == "" {
		apiError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "idempotencyKey required")
		return
	}

	fingerprint := hashContent("create_stream\x00" + name)
	if done := s.replayIdempotent(w, r, caller.UserID, req.IdempotencyKey, "create_stream", fingerprint); done {
		return
	}

	if _, err := s.store.EnsureBuiltIns(r.Context(), caller.UserID, s.builtInsFor(caller.UserID, caller.IsAdmin)); err != nil {
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "catalog load failed")
		return
	}
	infos, err := s.visibleStreamInfos(r.Context(), caller)
	if err != nil {
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "catalog load failed")
		return
	}
	if len(infos) >= s.cfg.Streams.MaxStreamsPerUser {
		apiError(w, http.StatusConflict, protocol.ErrStreamLimitReached, "stream limit reached")
		return
	}

	key, err := s.freshStreamKey(r.Context(), caller.UserID)
	if err != nil {
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "key generation failed")
		return
	}
	row, err := s.store.CreateStream(r.Context(), caller.UserID, key, name)
	if err != nil {
		if errors.Is(err, store.ErrWriteQueueFull) {
			apiError(w, http.StatusServiceUnavailable, protocol.ErrWriteQueueFull, "write backpressure, retry")
			return
		}
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "create failed")
		return
	}

	body := map[string]any{"stream": streamInfo(row)}
	s.recordIdempotent(r.Context(), caller.UserID, req.IdempotencyKey, "create_stream", fingerprint, http.StatusCreated, body)

	s.refreshVisible(caller.UserID)
	s.broadcastToUser(caller.UserID, protocol.StreamEventFrame{
		Type:   protocol.FrameStreamCreated,
		Stream: ptr(streamInfo(row)),
	})
	apiJSON(w, http.StatusCreated, body)
}

// freshStreamKey generates a custom stream key, retrying on the unlikely
// suffix collision.
func (s *Server) freshStreamKey(ctx context.Context, userID string) (string, error) {
	for i := 0; i < 5; i++ {
		key := streamkey.Build(s.cfg.Gateway.AgentID, userID, streamkey.NewCustomSuffix())
		_, exists, err := s.store.GetStream(ctx, userID, key)
		if err != nil {
			return "", err
		}
		if !exists {
			return key, nil
		}
	}
	return "", errors.New("could not find an unused stream suffix")
}

type renameStreamRequest struct {
	DisplayName string `json:"displayName"`
}

func (s *Server) handleRenameStream(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	key := pathSessionKey(r)
	var req renameStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "malformed body")
		return
	}
	name := sanitizeDisplayName(req.DisplayName, s.cfg.Streams.DisplayNameMaxBytes)
	if name == "" {
		apiError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "displayName required")
		return
	}

	row, found, err := s.store.GetStream(r.Context(), caller.UserID, key)
	if err != nil {
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "catalog load failed")
		return
	}
	if !found {
		apiError(w, http.StatusNotFound, protocol.ErrStreamNotFound, "stream not found")
		return
	}
	if row.BuiltIn {
		apiError(w, http.StatusConflict, protocol.ErrBuiltInStreamRenameForbidden, "built-in streams cannot be renamed")
		return
	}

	updated, err := s.store.RenameStream(r.Context(), caller.UserID, key, name)
	if err != nil {
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "rename failed")
		return
	}
	s.broadcastToUser(caller.UserID, protocol.StreamEventFrame{
		Type:   protocol.FrameStreamUpdated,
		Stream: ptr(streamInfo(updated)),
	})
	apiJSON(w, http.StatusOK, map[string]any{"stream": streamInfo(updated)})
}

type deleteStreamRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	key := pathSessionKey(r)

	if r.Header.Get(protocol.UserActionHeader) != protocol.UserActionDeleteStream {
		apiError(w, http.StatusBadRequest, protocol.ErrStreamDeleteRequiresUserAction, "explicit user action header required")
		return
	}

	var req deleteStreamRequest
	if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			apiError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "malformed body")
			return
		}
	}

	fingerprint := hashContent("delete_stream\x00" + key)
	if req.IdempotencyKey != "" {
		if done := s.replayIdempotent(w, r, caller.UserID, req.IdempotencyKey, "delete_stream", fingerprint); done {
			return
		}
	}

	row, found, err := s.store.GetStream(r.Context(), caller.UserID, key)
	if err != nil {
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "catalog load failed")
		return
	}
	if !found {
		apiError(w, http.StatusNotFound, protocol.ErrStreamNotFound, "stream not found")
		return
	}
	if row.BuiltIn {
		apiError(w, http.StatusConflict, protocol.ErrBuiltInStreamDeleteForbidden, "built-in streams cannot be deleted")
		return
	}
	infos, err := s.visibleStreamInfos(r.Context(), caller)
	if err != nil {
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "catalog load failed")
		return
	}
	if len(infos) <= 1 {
		apiError(w, http.StatusConflict, protocol.ErrLastStreamDeleteForbidden, "cannot delete the last stream")
		return
	}

	orphaned, err := s.store.DeleteStreamPurge(r.Context(), caller.UserID, key)
	if err != nil {
		if errors.Is(err, store.ErrWriteQueueFull) {
			apiError(w, http.StatusServiceUnavailable, protocol.ErrWriteQueueFull, "write backpressure, retry")
			return
		}
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "delete failed")
		return
	}
	// Asset files go only after the transaction committed.
	s.assets.Remove(orphaned)

	body := map[string]any{"deletedSessionKey": key}
	if req.IdempotencyKey != "" {
		s.recordIdempotent(r.Context(), caller.UserID, req.IdempotencyKey, "delete_stream", fingerprint, http.StatusOK, body)
	}

	s.refreshVisible(caller.UserID)
	s.broadcastToUser(caller.UserID, protocol.StreamEventFrame{
		Type:              protocol.FrameStreamDeleted,
		DeletedSessionKey: key,
	})
	apiJSON(w, http.StatusOK, body)
}

// replayIdempotent replays a stored response for a seen idempotency key.
// Returns true when the request was fully handled here.
func (s *Server) replayIdempotent(w http.ResponseWriter, r *http.Request, userID, key, operation, fingerprint string) bool {
	rec, found, err := s.store.GetIdempotency(r.Context(), userID, key)
	if err != nil {
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "idempotency lookup failed")
		return true
	}
	if !found {
		return false
	}
	if rec.Operation != operation || rec.Fingerprint != fingerprint {
		apiError(w, http.StatusConflict, protocol.ErrIdempotencyKeyReused, "idempotency key reused with a different request")
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rec.Status)
	w.Write(rec.Body)
	return true
}

func (s *Server) recordIdempotent(ctx context.Context, userID, key, operation, fingerprint string, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	err = s.store.PutIdempotency(ctx, store.IdempotencyRecord{
		UserID:      userID,
		Key:         key,
		Operation:   operation,
		Fingerprint: fingerprint,
		Status:      status,
		Body:        data,
	})
	if err != nil {
		s.logger.Warn("idempotency record failed", "operation", operation, "error", err)
	}
}

func (s *Server) handleDownloadAsset(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	assetID := chi.URLParam(r, "assetID")
	if !protocol.ValidAssetID(assetID) {
		apiError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "malformed asset id")
		return
	}
	rec, found, err := s.store.GetAsset(r.Context(), assetID)
	if err != nil {
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "asset lookup failed")
		return
	}
	// Not-found and not-owned are indistinguishable on purpose.
	if !found || (rec.UserID != caller.UserID && !caller.IsAdmin) {
		apiError(w, http.StatusNotFound, protocol.ErrAssetNotFound, "asset not found")
		return
	}
	f, size, err := s.assets.Open(assetID)
	if err != nil {
		apiError(w, http.StatusNotFound, protocol.ErrAssetNotFound, "asset not found")
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", rec.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	io.Copy(w, f)
}

type sendRequest struct {
	UserID     string   `json:"userId"`
	SessionKey string   `json:"sessionKey,omitempty"`
	Content    string   `json:"content"`
	MediaURLs  []string `json:"mediaUrls,omitempty"`
	MediaPaths []string `json:"mediaPaths,omitempty"`
	Streaming  bool     `json:"streaming,omitempty"`
}

// handleSend is the out-of-band assistant send: localhost tooling posting a
// reply without a triggering inbound turn. Bypasses the ingestion queue.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	if !caller.IsAdmin {
		apiError(w, http.StatusForbidden, protocol.ErrForbidden, "admin token required")
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "malformed body")
		return
	}
	if req.UserID == "" || (req.Content == "" && len(req.MediaURLs) == 0 && len(req.MediaPaths) == 0) {
		apiError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "userId and content required")
		return
	}
	key := req.SessionKey
	if key == "" {
		key = s.defaultStreamKey(req.UserID)
	} else if k, ok := streamkey.Parse(key); ok {
		key = k.Canonical()
	}
	// The target must exist in the user's catalog; built-ins are seeded here
	// for users who have never connected.
	if _, err := s.store.EnsureBuiltIns(r.Context(), req.UserID, s.builtInsFor(req.UserID, false)); err != nil {
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "send failed")
		return
	}
	if _, ok, err := s.store.GetStream(r.Context(), req.UserID, key); err != nil {
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "send failed")
		return
	} else if !ok {
		apiError(w, http.StatusNotFound, protocol.ErrStreamNotFound, "stream not found")
		return
	}

	err := s.deliver(r.Context(), dispatch.Delivery{
		UserID:     req.UserID,
		SessionKey: key,
		Text:       req.Content,
		MediaPaths: req.MediaPaths,
		MediaURLs:  req.MediaURLs,
		Streaming:  req.Streaming,
	})
	if err != nil {
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "send failed")
		return
	}
	apiJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleHistory is the batched newest-first message read used by dispatcher
// tooling. Regular tokens may only read their own streams.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	key := r.URL.Query().Get("sessionKey")
	if key == "" {
		apiError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "sessionKey required")
		return
	}
	if k, ok := streamkey.Parse(key); ok {
		key = k.Canonical()
	}

	userID := caller.UserID
	if k, ok := streamkey.Parse(key); ok {
		if k.UserID != caller.UserID && !caller.IsAdmin {
			apiError(w, http.StatusNotFound, protocol.ErrStreamNotFound, "stream not found")
			return
		}
		userID = k.UserID
	} else if key == s.cfg.AdminStreamKey() {
		if !caller.IsAdmin {
			apiError(w, http.StatusNotFound, protocol.ErrStreamNotFound, "stream not found")
			return
		}
	} else {
		apiError(w, http.StatusNotFound, protocol.ErrStreamNotFound, "stream not found")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > s.cfg.Limits.MaxReplayMessages {
			apiError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid limit")
			return
		}
		limit = n
	}

	events, err := s.store.RecentStreamMessages(r.Context(), userID, key, limit)
	if err != nil {
		apiError(w, http.StatusInternalServerError, protocol.ErrServerError, "history read failed")
		return
	}
	messages := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		messages = append(messages, json.RawMessage(ev.Payload))
	}
	apiJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// sanitizeDisplayName strips control characters, trims whitespace, and caps
// the byte length.
func sanitizeDisplayName(name string, maxBytes int) string {
	var sb strings.Builder
	for _, r := range name {
		if unicode.IsControl(r) {
			continue
		}
		sb.WriteRune(r)
	}
	out := strings.TrimSpace(sb.String())
	if maxBytes > 0 && len(out) > maxBytes {
		out = out[:maxBytes]
		// Back off a rune split at the cut.
		for len(out) > 0 && !utf8.ValidString(out) {
			out = out[:len(out)-1]
		}
		out = strings.TrimSpace(out)
	}
	return out
}

func ptr[T any](v T) *T { return &v }
