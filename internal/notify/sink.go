// Package notify defines the contract between the state translator and
// whatever subsystem turns lifecycle events into user-visible notifications.
// A real notifications/telemetry uploader lives outside this agent; this
// package exists so the translator has something concrete to call without
// depending on a specific uploader implementation.
package notify

import "log/slog"

// Sink receives printer lifecycle events from the state translator. All
// methods are expected to return quickly; a slow or blocking Sink will stall
// the single upstream-message dispatch path.
type Sink interface {
	// OnRestorePrintIfNeeded synchronizes a sink's internal timers with a
	// print that was already in progress when the agent (re)connected,
	// without firing a Start event.
	OnRestorePrintIfNeeded(isPrinting, isPaused bool, cookie string, cookieKnown bool)

	OnStarted(cookie, filename string)
	OnResume(filename string)
	OnPaused(filename string)
	OnFilamentChange()
	OnUserInteractionNeeded()
	OnFailed(filename, reason string)
	OnComplete(filename string)
	OnPrintProgress(percent float64)
}

// LoggingSink is a trivial Sink that writes every event to slog. It's the
// default wired in cmd/agent when no richer collaborator is configured;
// useful standalone and for tests that want to observe emitted events.
type LoggingSink struct {
	events chan Event
}

// Event is a single notification, recorded for tests and for LoggingSink's
// optional event channel.
type Event struct {
	Kind     string
	Cookie   string
	Filename string
	Reason   string
	Percent  float64
}

// NewLoggingSink returns a Sink that both logs and (if the caller drains it)
// publishes to a buffered channel. The channel is intentionally small and
// non-blocking: a full channel silently drops further events rather than
// stalling the translator.
func NewLoggingSink() *LoggingSink {
	return &LoggingSink{events: make(chan Event, 64)}
}

// Events returns the channel events are published to.
func (l *LoggingSink) Events() <-chan Event { return l.events }

func (l *LoggingSink) publish(e Event) {
	slog.Info("print lifecycle event", "kind", e.Kind, "cookie", e.Cookie, "filename", e.Filename, "reason", e.Reason, "percent", e.Percent)
	select {
	case l.events <- e:
	default:
	}
}

func (l *LoggingSink) OnRestorePrintIfNeeded(isPrinting, isPaused bool, cookie string, cookieKnown bool) {
	l.publish(Event{Kind: "restore", Cookie: cookie})
}

func (l *LoggingSink) OnStarted(cookie, filename string) {
	l.publish(Event{Kind: "started", Cookie: cookie, Filename: filename})
}

func (l *LoggingSink) OnResume(filename string) {
	l.publish(Event{Kind: "resume", Filename: filename})
}

func (l *LoggingSink) OnPaused(filename string) {
	l.publish(Event{Kind: "paused", Filename: filename})
}

func (l *LoggingSink) OnFilamentChange() {
	l.publish(Event{Kind: "filament_change"})
}

func (l *LoggingSink) OnUserInteractionNeeded() {
	l.publish(Event{Kind: "user_interaction_needed"})
}

func (l *LoggingSink) OnFailed(filename, reason string) {
	l.publish(Event{Kind: "failed", Filename: filename, Reason: reason})
}

func (l *LoggingSink) OnComplete(filename string) {
	l.publish(Event{Kind: "complete", Filename: filename})
}

func (l *LoggingSink) OnPrintProgress(percent float64) {
	l.publish(Event{Kind: "progress", Percent: percent})
}
