package gateway

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/clawline/internal/store"
	"github.com/nextlevelbuilder/clawline/pkg/protocol"
)

// resolveReplay computes the event frames to replay for a freshly
// authenticated session. A resolvable lastMessageID replays everything after
// it; anything else replays the newest tail with historyReset set so the
// client discards its local view.
func (s *Server) resolveReplay(ctx context.Context, c *Client, lastMessageID string) (frames []protocol.ServerMessageFrame, truncated, historyReset bool, err error) {
	limit := s.cfg.Limits.MaxReplayMessages

	var events []store.Event
	if lastMessageID != "" {
		anchor, found, lookupErr := s.store.EventByID(ctx, lastMessageID)
		if lookupErr != nil {
			return nil, false, false, lookupErr
		}
		if found && anchor.UserID == c.userID {
			events, truncated, err = s.store.EventsAfterSeq(ctx, c.userID, anchor.Seq, limit)
			if err != nil {
				return nil, false, false, err
			}
		} else {
			historyReset = true
		}
	}
	if events == nil && (historyReset || lastMessageID == "") {
		events, err = s.store.TailMessages(ctx, c.userID, limit)
		if err != nil {
			return nil, false, false, err
		}
	}

	frames = make([]protocol.ServerMessageFrame, 0, len(events))
	for _, ev := range events {
		if ev.Type != store.EventTypeMessage {
			continue
		}
		var frame protocol.ServerMessageFrame
		if err := json.Unmarshal(ev.Payload, &frame); err != nil {
			s.logger.Warn("unreadable event payload skipped", "event_id", ev.ID, "error", err)
			continue
		}
		norm, ok := s.normalizeFrame(c, frame)
		if !ok {
			continue
		}
		frames = append(frames, norm)
	}
	return frames, truncated, historyReset, nil
}
