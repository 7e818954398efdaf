// Package dispatch is the seam between the gateway and the reply dispatcher.
// The dispatcher itself is an external collaborator; the gateway hands it
// finalized turns and receives assistant deliveries back through an emit
// callback. Nothing here knows about sockets or storage.
package dispatch

import (
	"context"
	"errors"
)

// Turn kinds handed to the dispatcher.
const (
	TurnMessage  = "message"
	TurnCallback = "callback"
)

// Attachment describes one media reference accompanying a turn, already
// resolved to a stored asset.
type Attachment struct {
	AssetID  string
	MimeType string
	URL      string
}

// Callback carries an interactive-callback payload.
type Callback struct {
	Action string
	Data   map[string]any
}

// Turn is one finalized unit of user input.
type Turn struct {
	Kind        string
	UserID      string
	SessionKey  string
	DeviceID    string
	EventID     string
	Text        string
	Attachments []Attachment
	Callback    *Callback
}

// Delivery is one assistant reply the dispatcher wants sent. MediaPaths name
// local files and MediaURLs remote ones; the gateway promotes both to assets
// before fan-out (URLs through the SSRF-pinned fetcher). Streaming marks
// partial deliveries that will be superseded by a final one.
type Delivery struct {
	UserID     string
	SessionKey string
	Text       string
	MediaPaths []string
	MediaURLs  []string
	Streaming  bool
}

// Emit is how a dispatcher pushes deliveries back into the gateway. The
// gateway passes a fresh emit per turn so it can track what the turn
// produced.
type Emit func(ctx context.Context, d Delivery) error

// ErrQueued is returned by a dispatcher that accepted the turn but will
// deliver its replies out of band. The gateway marks the message queued
// instead of failed.
var ErrQueued = errors.New("turn queued for later delivery")

// Dispatcher consumes turns, emitting zero or more deliveries per turn. A
// failed dispatch surfaces to the sender as a server_error frame; the user's
// event is already durable by then.
type Dispatcher interface {
	Dispatch(ctx context.Context, t Turn, emit Emit) error
}

// Func adapts a plain function to the Dispatcher interface.
type Func func(ctx context.Context, t Turn, emit Emit) error

func (f Func) Dispatch(ctx context.Context, t Turn, emit Emit) error { return f(ctx, t, emit) }

// Nop discards every turn. Used when the gateway runs without a dispatcher
// attached and in tests.
func Nop() Dispatcher {
	return Func(func(context.Context, Turn, Emit) error { return nil })
}
