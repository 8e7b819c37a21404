// Package translator watches every message the upstream session receives
// and turns raw gcode_state transitions into high-level lifecycle events,
// while also maintaining the "current print" durable record.
package translator

import (
	"log/slog"
	"time"

	"github.com/bambu-companion/agent/internal/notify"
	"github.com/bambu-companion/agent/internal/printerstate"
	"github.com/bambu-companion/agent/internal/records"
)

// Translator consumes the tuple (state, isFirstFullSync) on every upstream
// message, after the caller has already applied the delta to state.
type Translator struct {
	sink  notify.Sink
	store *records.Store
	now   func() time.Time

	lastState      printerstate.GcodeState
	haveLastState  bool
	trackingCookie string
	isTracking     bool
}

func New(sink notify.Sink, store *records.Store) *Translator {
	return &Translator{sink: sink, store: store, now: time.Now}
}

// ResetForNewConnection forgets the last observed state. Call this just
// before the upstream session attempts a new connection, so the next
// observed state isn't compared against stale data from a prior session.
func (t *Translator) ResetForNewConnection() {
	t.haveLastState = false
	t.lastState = ""
}

// OnMessage processes one upstream message's effect on state. rawPrint is
// the raw "print" sub-object (possibly nil if this message didn't carry
// one), used only to check for the presence of mc_percent.
func (t *Translator) OnMessage(state *printerstate.State, rawPrint map[string]any, isFirstFullSync bool) {
	cookie, cookieKnown := state.GetPrintCookie()

	if isFirstFullSync {
		t.sink.OnRestorePrintIfNeeded(state.IsPrinting(false), state.IsPaused(), cookie, cookieKnown)
		if cookieKnown && state.IsPrinting(true) {
			t.trackingCookie = cookie
			t.isTracking = true
		}
	}

	current := state.GcodeStateValue()
	if !t.haveLastState {
		t.lastState = current
		t.haveLastState = true
	} else if t.lastState != current {
		t.handleTransition(state, t.lastState, current, cookie, cookieKnown)
		t.lastState = current
	}

	if !isFirstFullSync && t.isTracking && !state.IsPrepareOrSlicing() {
		if rawPrint != nil {
			if v, ok := rawPrint["mc_percent"]; ok {
				if pct, ok := toFloat(v); ok {
					t.sink.OnPrintProgress(pct)
				}
			}
		}
	}

	t.maybeFinalizeDuration(state, cookieKnown, cookie)
}

func (t *Translator) handleTransition(state *printerstate.State, last, current printerstate.GcodeState, cookie string, cookieKnown bool) {
	filename, _ := state.FileNameNoExt()

	switch {
	case printerstate.IsPrintingState(current, false):
		if last == printerstate.GcodePause {
			t.sink.OnResume(filename)
			return
		}
		if !printerstate.IsPrintingState(last, false) {
			t.sink.OnStarted(cookie, filename)
			if cookieKnown && t.store != nil {
				if existing, err := t.store.GetOrNull(cookie); err == nil && existing == nil {
					if _, err := t.store.CreateNew(cookie, t.now().Unix()); err != nil {
						slog.Error("failed to create print record", "cookie", cookie, "error", err)
					}
				} else if err != nil {
					slog.Error("failed to look up print record", "cookie", cookie, "error", err)
				}
			}
			t.trackingCookie = cookie
			t.isTracking = cookieKnown
		}

	case current == printerstate.GcodePause:
		switch state.GetPrinterError() {
		case printerstate.ErrorFilamentRunOut:
			t.sink.OnFilamentChange()
		case printerstate.ErrorUnknown:
			t.sink.OnUserInteractionNeeded()
		default:
			t.sink.OnPaused(filename)
		}

	case current == printerstate.GcodeFailed:
		t.sink.OnFailed(filename, "cancelled")

	case current == printerstate.GcodeFinish:
		t.sink.OnComplete(filename)
	}
}

// maybeFinalizeDuration sets FinalDurationSec on the tracked record the
// first time the printer is observed to have stopped printing (in any way:
// finished, failed, cancelled, or simply idled out).
func (t *Translator) maybeFinalizeDuration(state *printerstate.State, cookieKnown bool, cookie string) {
	if state.IsPrinting(true) {
		return
	}
	if t.store == nil {
		return
	}

	lookupCookie := cookie
	if !cookieKnown {
		if t.trackingCookie == "" {
			return
		}
		lookupCookie = t.trackingCookie
	}

	rec, err := t.store.GetOrNull(lookupCookie)
	if err != nil {
		slog.Error("failed to look up print record for duration accounting", "cookie", lookupCookie, "error", err)
		return
	}
	if rec == nil || rec.FinalDurationSec != nil {
		return
	}

	duration := t.now().Unix() - rec.LocalStartTimeSec
	rec.FinalDurationSec = &duration
	if err := rec.Save(); err != nil {
		slog.Error("failed to save final print duration", "cookie", lookupCookie, "error", err)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
