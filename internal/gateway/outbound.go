package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawline/internal/assets"
	"github.com/nextlevelbuilder/clawline/internal/dispatch"
	"github.com/nextlevelbuilder/clawline/internal/store"
	"github.com/nextlevelbuilder/clawline/pkg/protocol"
)

// deliver persists one assistant delivery and fans it out. It deliberately
// bypasses the ingestion task queue: a reply lands while its triggering turn
// still occupies the stream lane, and queueing here would deadlock.
func (s *Server) deliver(ctx context.Context, d dispatch.Delivery) error {
	atts, err := s.collectDeliveryMedia(ctx, d)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	frame := protocol.ServerMessageFrame{
		Type:        protocol.FrameMessage,
		ID:          protocol.NewServerMessageID(),
		Role:        "assistant",
		SessionKey:  d.SessionKey,
		Timestamp:   now.UnixMilli(),
		Streaming:   d.Streaming,
		Content:     d.Text,
		Attachments: atts,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	ev := &store.Event{
		ID:         frame.ID,
		UserID:     d.UserID,
		SessionKey: d.SessionKey,
		Type:       store.EventTypeMessage,
		Payload:    payload,
		Timestamp:  now,
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("persist delivery: %w", err)
	}
	s.broadcastMessage(d.UserID, frame)
	return nil
}

// emitFor returns the per-turn emit that fills in routing defaults before
// delivering.
func (s *Server) emitFor(userID, defaultKey string) dispatch.Emit {
	return func(ctx context.Context, d dispatch.Delivery) error {
		if d.UserID == "" {
			d.UserID = userID
		}
		if d.SessionKey == "" {
			d.SessionKey = defaultKey
		}
		return s.deliver(ctx, d)
	}
}

// collectDeliveryMedia promotes a delivery's media to stored assets: local
// paths are read from disk, URLs go through the SSRF-pinned fetcher. Images
// are optimised before storage.
func (s *Server) collectDeliveryMedia(ctx context.Context, d dispatch.Delivery) ([]protocol.Attachment, error) {
	var atts []protocol.Attachment
	for _, path := range d.MediaPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read media %s: %w", path, err)
		}
		if len(data) > s.cfg.Media.MaxUploadBytes {
			return nil, fmt.Errorf("media %s exceeds %d bytes", path, s.cfg.Media.MaxUploadBytes)
		}
		att, err := s.storeDeliveryAsset(ctx, d.UserID, data, sniffMime(path, data))
		if err != nil {
			return nil, err
		}
		atts = append(atts, att)
	}
	for _, rawURL := range d.MediaURLs {
		data, mime, err := s.fetcher.Fetch(ctx, rawURL)
		if err != nil {
			return nil, fmt.Errorf("fetch media: %w", err)
		}
		att, err := s.storeDeliveryAsset(ctx, d.UserID, data, mime)
		if err != nil {
			return nil, err
		}
		atts = append(atts, att)
	}
	return atts, nil
}

func (s *Server) storeDeliveryAsset(ctx context.Context, userID string, data []byte, mime string) (protocol.Attachment, error) {
	if strings.HasPrefix(mime, "image/") {
		if optimised, outMime, err := assets.Optimize(data, mime); err == nil {
			data, mime = optimised, outMime
		}
	}
	assetID, err := s.assets.Save(data)
	if err != nil {
		return protocol.Attachment{}, fmt.Errorf("save asset: %w", err)
	}
	if err := s.store.InsertAsset(ctx, store.AssetRecord{
		AssetID:  assetID,
		UserID:   userID,
		MimeType: mime,
		Size:     int64(len(data)),
	}); err != nil {
		s.assets.Remove([]string{assetID})
		return protocol.Attachment{}, fmt.Errorf("record asset: %w", err)
	}
	return protocol.Attachment{Type: protocol.AttachmentAsset, AssetID: assetID, MimeType: mime}, nil
}

func sniffMime(path string, data []byte) string {
	switch {
	case strings.HasSuffix(path, ".png"):
		return "image/png"
	case strings.HasSuffix(path, ".jpg"), strings.HasSuffix(path, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(path, ".gif"):
		return "image/gif"
	case strings.HasSuffix(path, ".webp"):
		return "image/webp"
	}
	return detectContentType(data)
}

func detectContentType(data []byte) string {
	// http.DetectContentType appends charset parameters for text; strip them
	// so the stored mime stays comparable.
	mime := http.DetectContentType(data)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}
