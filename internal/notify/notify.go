// Package notify announces engine state changes on a publish bus.
//
// Announcements are best-effort: callers log a failed announce and carry
// on, since the bus is never the system of record.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Channels used by the engine.
const (
	ChannelSession = "session"
	ChannelClaim   = "claim"
	ChannelResult  = "result"
)

// Event is one announcement.
type Event struct {
	// Channel groups related events, for example "session".
	Channel string `json:"-"`

	// Type names the record kind carried in Data.
	Type string `json:"t"`

	// Op is the state change, for example "open" or "associate".
	Op string `json:"op"`

	// Data carries the IDs involved.
	Data map[string]string `json:"data"`
}

// Announcer publishes events.
type Announcer interface {
	Announce(ctx context.Context, ev Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Announce(context.Context, Event) error { return nil }

// LogAnnouncer writes events to a structured logger at Debug level.
type LogAnnouncer struct {
	logger *slog.Logger
}

// NewLogAnnouncer creates an announcer logging through logger, or through
// slog.Default() when logger is nil.
func NewLogAnnouncer(logger *slog.Logger) *LogAnnouncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAnnouncer{logger: logger}
}

// Announce logs the event. It never fails.
func (a *LogAnnouncer) Announce(ctx context.Context, ev Event) error {
	attrs := []any{"channel", ev.Channel, "type", ev.Type, "op", ev.Op}
	for k, v := range ev.Data {
		attrs = append(attrs, k, v)
	}
	a.logger.DebugContext(ctx, "announce", attrs...)
	return nil
}

// encode renders the wire form shared by bus adapters.
func encode(ev Event) ([]byte, error) {
	if ev.Data == nil {
		ev.Data = map[string]string{}
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

// Recorder keeps events in memory. Tests use it to assert announcements.
type Recorder struct {
	events chan Event
}

// NewRecorder creates a recorder holding up to capacity events.
func NewRecorder(capacity int) *Recorder {
	return &Recorder{events: make(chan Event, capacity)}
}

// Announce stores the event, dropping it when the buffer is full.
func (r *Recorder) Announce(_ context.Context, ev Event) error {
	select {
	case r.events <- ev:
	default:
	}
	return nil
}

// Events drains and returns everything recorded so far.
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}
