// Package gateway is the Clawline server core: the WebSocket endpoint with
// its pairing and auth state machines, the ingestion pipeline, fan-out, and
// the stream catalog HTTP surface.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawline/internal/assets"
	"github.com/nextlevelbuilder/clawline/internal/config"
	"github.com/nextlevelbuilder/clawline/internal/dispatch"
	"github.com/nextlevelbuilder/clawline/internal/pairing"
	"github.com/nextlevelbuilder/clawline/internal/queue"
	"github.com/nextlevelbuilder/clawline/internal/store"
	"github.com/nextlevelbuilder/clawline/internal/streamkey"
	"github.com/nextlevelbuilder/clawline/pkg/protocol"
)

// Server wires the gateway components together and owns the HTTP listener.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	pairing    *pairing.Store
	tokens     *pairing.TokenStore
	assets     *assets.Store
	fetcher    *assets.Fetcher
	dispatcher dispatch.Dispatcher

	sessions *Sessions
	tasks    *queue.Keyed

	pairLimiter *SlidingLimiter
	authLimiter *SlidingLimiter
	msgLimiter  *SlidingLimiter

	upgrader websocket.Upgrader

	pendingMu      sync.Mutex
	pendingSockets map[string]*Client // deviceId → held pairing socket

	httpServer *http.Server
}

// NewServer assembles a gateway server. dispatcher may be nil, in which case
// turns are discarded.
func NewServer(cfg *config.Config, st *store.Store, ps *pairing.Store, ts *pairing.TokenStore, as *assets.Store, dispatcher dispatch.Dispatcher) *Server {
	if dispatcher == nil {
		dispatcher = dispatch.Nop()
	}
	s := &Server{
		cfg:            cfg,
		logger:         slog.With("component", "gateway"),
		store:          st,
		pairing:        ps,
		tokens:         ts,
		assets:         as,
		fetcher:        assets.NewFetcher(int64(cfg.Media.MaxUploadBytes)),
		dispatcher:     dispatcher,
		sessions:       NewSessions(),
		tasks:          queue.NewKeyed(context.Background()),
		pairLimiter:    NewSlidingLimiter(cfg.Pairing.MaxPairPerMinute, time.Minute),
		authLimiter:    NewSlidingLimiter(cfg.Pairing.MaxPairPerMinute, time.Minute),
		msgLimiter:     NewSlidingLimiter(cfg.Limits.MaxMessagesPerSecond, time.Second),
		pendingSockets: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Localhost-first deployment; non-browser clients send no Origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ps.Subscribe(s.reconcilePairing)
	return s
}

// Routes builds the full HTTP handler: WebSocket endpoint, version and health
// probes, and the /api surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"protocolVersion":%d}`, protocol.ProtocolVersion)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.Handle("/api/", http.StripPrefix("/api", s.apiRouter()))
	return mux
}

// Start serves until ctx is cancelled, then drains: sessions get a 5 second
// graceful close window before the listener is torn down.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("gateway starting", "addr", addr, "agent_id", s.cfg.Gateway.AgentID)

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) shutdown() {
	s.logger.Info("gateway stopping")
	for _, c := range s.sessions.All() {
		c.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
	}
	s.pendingMu.Lock()
	for _, c := range s.pendingSockets {
		c.sendFrame(protocol.PairResultFrame{Type: protocol.FramePairResult, Reason: protocol.PairTimeout})
		c.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
	}
	s.pendingSockets = make(map[string]*Client)
	s.pendingMu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpServer.Shutdown(shutdownCtx)
	s.tasks.Close()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	c := newClient(conn, s)
	go c.writePump()
	c.readPump()
}

// holdPending parks a pairing socket awaiting operator approval. A previous
// held socket for the same device is timed out in favour of the new one.
func (s *Server) holdPending(c *Client) {
	s.pendingMu.Lock()
	prev := s.pendingSockets[c.deviceID]
	s.pendingSockets[c.deviceID] = c
	s.pendingMu.Unlock()
	if prev != nil && prev != c {
		prev.sendFrame(protocol.PairResultFrame{Type: protocol.FramePairResult, Reason: protocol.PairTimeout})
		prev.CloseWithCode(websocket.CloseNormalClosure, "superseded")
	}

	timeout := time.Duration(s.cfg.Pairing.PendingSocketTimeout) * time.Second
	time.AfterFunc(timeout, func() {
		if s.releasePending(c) {
			c.sendFrame(protocol.PairResultFrame{Type: protocol.FramePairResult, Reason: protocol.PairTimeout})
			c.CloseWithCode(websocket.CloseNormalClosure, "pairing timed out")
		}
	})
}

// releasePending removes c from the held set; reports whether it was held.
func (s *Server) releasePending(c *Client) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pendingSockets[c.deviceID] != c {
		return false
	}
	delete(s.pendingSockets, c.deviceID)
	return true
}

// reconcilePairing reacts to allowlist/pending/denylist changes from any
// origin (CLI, operator edits, API): held pairing sockets learn their fate,
// revoked sessions are evicted, and admin flips refresh live sessions.
func (s *Server) reconcilePairing() {
	s.pendingMu.Lock()
	held := make([]*Client, 0, len(s.pendingSockets))
	for _, c := range s.pendingSockets {
		held = append(held, c)
	}
	s.pendingMu.Unlock()

	for _, c := range held {
		if e, ok := s.pairing.Allowlisted(c.deviceID); ok {
			if !s.releasePending(c) {
				continue
			}
			token, err := s.tokens.Issue(e.UserID, e.DeviceID, e.IsAdmin)
			if err != nil {
				s.logger.Error("token issue failed", "device_id", c.deviceID, "error", err)
				continue
			}
			c.sendFrame(protocol.PairResultFrame{
				Type: protocol.FramePairResult, Success: true, Token: token, UserID: e.UserID,
			})
			if err := s.pairing.MarkTokenDelivered(c.deviceID); err != nil {
				s.logger.Warn("mark token delivered failed", "device_id", c.deviceID, "error", err)
			}
			c.CloseWithCode(websocket.CloseNormalClosure, "paired")
			continue
		}
		if s.pairing.Denylisted(c.deviceID) {
			if s.releasePending(c) {
				c.sendFrame(protocol.PairResultFrame{Type: protocol.FramePairResult, Reason: protocol.PairDenied})
				c.CloseWithCode(websocket.CloseNormalClosure, "denied")
			}
		}
	}

	for _, c := range s.sessions.All() {
		e, ok := s.pairing.Allowlisted(c.deviceID)
		if !ok || s.pairing.Denylisted(c.deviceID) {
			c.sendFrame(protocol.NewError(protocol.ErrTokenRevoked, "device revoked"))
			c.CloseWithCode(websocket.CloseNormalClosure, "revoked")
			continue
		}
		if e.IsAdmin != c.IsAdmin() {
			s.refreshSession(c, e.IsAdmin)
		}
	}
}

// refreshSession recomputes a live session's admin flag and visible streams
// after an allowlist flip and pushes the new view to the client.
func (s *Server) refreshSession(c *Client, isAdmin bool) {
	ctx := context.Background()
	if _, err := s.store.EnsureBuiltIns(ctx, c.userID, s.builtInsFor(c.userID, isAdmin)); err != nil {
		s.logger.Warn("built-in seed failed on admin flip", "user_id", c.userID, "error", err)
	}
	visible, snapshot, err := s.visibleStreams(ctx, c.userID, isAdmin)
	if err != nil {
		s.logger.Warn("visible stream recompute failed", "user_id", c.userID, "error", err)
		return
	}
	c.setIdentity(isAdmin, visible)
	c.sendFrame(snapshot)
	c.sendFrame(protocol.SessionInfoFrame{
		Type:        protocol.FrameSessionInfo,
		UserID:      c.userID,
		IsAdmin:     isAdmin,
		DMScope:     s.cfg.Streams.DMScope,
		SessionKeys: c.VisibleKeys(),
	})
}

func (s *Server) builtInsFor(userID string, isAdmin bool) []store.BuiltInSpec {
	return store.BuiltInsFor(s.cfg.Gateway.AgentID, userID, s.cfg.Streams.DMScope, s.cfg.AdminStreamKey(), isAdmin)
}

// visibleStreams loads the user's catalog filtered for the session's admin
// status and builds the matching snapshot frame.
func (s *Server) visibleStreams(ctx context.Context, userID string, isAdmin bool) (map[string]bool, protocol.StreamSnapshotFrame, error) {
	rows, err := s.store.ListStreams(ctx, userID)
	if err != nil {
		return nil, protocol.StreamSnapshotFrame{}, err
	}
	adminKey := s.cfg.AdminStreamKey()
	visible := make(map[string]bool, len(rows))
	infos := make([]protocol.StreamInfo, 0, len(rows))
	for _, r := range rows {
		if r.SessionKey == adminKey && !isAdmin {
			continue
		}
		visible[r.SessionKey] = true
		infos = append(infos, streamInfo(r))
	}
	snap := protocol.StreamSnapshotFrame{
		Type:              protocol.FrameStreamSnapshot,
		Streams:           infos,
		DefaultSessionKey: s.defaultStreamKey(userID),
	}
	return visible, snap, nil
}

// defaultStreamKey is the user's main stream, the target for frames that omit
// a session key.
func (s *Server) defaultStreamKey(userID string) string {
	return streamkey.Build(s.cfg.Gateway.AgentID, userID, streamkey.SuffixMain)
}

func streamInfo(r store.StreamSession) protocol.StreamInfo {
	return protocol.StreamInfo{
		SessionKey:  r.SessionKey,
		DisplayName: r.DisplayName,
		Kind:        r.Kind,
		OrderIndex:  r.OrderIndex,
		IsBuiltIn:   r.BuiltIn,
	}
}

// RunMaintenance loops hourly sweeps until ctx is done: pending pairing
// entries past TTL, unreferenced asset files past TTL, and stale idempotency
// records. Failures degrade to warnings.
func (s *Server) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Server) sweepOnce(ctx context.Context) {
	if pruned := s.pairing.PrunePending(s.cfg.PendingTTL()); len(pruned) > 0 {
		s.logger.Info("pruned stale pairing requests", "count", len(pruned))
	}

	if n := s.assets.SweepTmp(time.Hour); n > 0 {
		s.logger.Info("swept stale tmp files", "count", n)
	}

	cutoff := time.Now().Add(-time.Duration(s.cfg.Media.AssetTTLHours) * time.Hour)
	ids, err := s.store.UnreferencedAssetsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("asset sweep query failed", "error", err)
	} else if len(ids) > 0 {
		if err := s.store.DeleteAssets(ctx, ids); err != nil {
			s.logger.Warn("asset sweep delete failed", "error", err)
		} else {
			s.assets.Remove(ids)
			s.logger.Info("swept unreferenced assets", "count", len(ids))
		}
	}

	idemCutoff := time.Now().AddDate(0, 0, -s.cfg.Media.IdempotencyRetention)
	if n, err := s.store.PruneIdempotency(ctx, idemCutoff); err != nil {
		s.logger.Warn("idempotency prune failed", "error", err)
	} else if n > 0 {
		s.logger.Info("pruned idempotency records", "count", n)
	}
}
