// Package quickcam pumps JPEG frames from the printer's camera (either
// variant Bambu firmware exposes) and fans them out to any number of
// subscribers, starting and stopping the capture loop lazily based on
// demand and print activity.
package quickcam

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bambu-companion/agent/internal/printerstate"
)

const (
	idleTimeout          = 60 * time.Second
	protocolWaitTimeout  = 10 * time.Second
	getCurrentImageWait  = 4 * time.Second
	getCurrentImageKicks = 2
)

// FrameCallback receives every valid JPEG frame as it arrives.
type FrameCallback func(jpeg []byte)

// Config describes how to reach the camera.
type Config struct {
	Host        string
	AccessToken string
	Debug       bool
}

// capturer is implemented by each protocol variant (websocket-jpeg, rtsp).
// Run blocks, delivering frames via onFrame, until ctx is cancelled or it
// gives up after exhausting its retry budget.
type capturer interface {
	Run(ctx context.Context, onFrame func([]byte)) error
}

// Pump owns the lazily-started capture loop and the current set of
// subscribers. Grounded on the StreamMux lazy-start/stop pattern, adapted
// for an idle timeout (rather than last-subscriber-out) and a printing-aware
// keepalive so a live print doesn't lose first-frame latency between polls.
type Pump struct {
	cfg   Config
	state *printerstate.State

	mu               sync.Mutex
	running          bool
	cancel           context.CancelFunc
	lastRequest      time.Time
	currentImage     []byte
	imageReadyWaitCh chan struct{}
	subscribers      map[*subscription]struct{}
}

type subscription struct {
	fn FrameCallback
}

// New builds a Pump. The capture loop is not started until the first call
// to GetCurrentImage or AttachImageStreamCallback.
func New(cfg Config, state *printerstate.State) *Pump {
	return &Pump{
		cfg:              cfg,
		state:            state,
		subscribers:      make(map[*subscription]struct{}),
		imageReadyWaitCh: make(chan struct{}),
	}
}

// GetCurrentImage returns the most recent frame, kicking the capture loop
// awake if needed and waiting up to ~8s (two 4s kicks) for a first frame.
func (p *Pump) GetCurrentImage(ctx context.Context) []byte {
	p.touch()

	for attempt := 0; attempt < getCurrentImageKicks; attempt++ {
		if img := p.snapshotImage(); img != nil {
			return img
		}

		waitCh := p.waitChannel()
		select {
		case <-waitCh:
		case <-time.After(getCurrentImageWait):
		case <-ctx.Done():
			return nil
		}
	}

	return p.snapshotImage()
}

// AttachImageStreamCallback registers fn to receive every frame the pump
// produces, starting the capture loop if it isn't already running. Returns a
// handle to pass to DetachImageStreamCallback.
func (p *Pump) AttachImageStreamCallback(fn FrameCallback) *subscription {
	p.touch()

	sub := &subscription{fn: fn}
	p.mu.Lock()
	p.subscribers[sub] = struct{}{}
	p.mu.Unlock()

	return sub
}

// DetachImageStreamCallback removes a previously attached callback.
func (p *Pump) DetachImageStreamCallback(sub *subscription) {
	p.mu.Lock()
	delete(p.subscribers, sub)
	p.mu.Unlock()
}

func (p *Pump) touch() {
	p.mu.Lock()
	p.lastRequest = time.Now()
	started := p.running
	p.mu.Unlock()

	if !started {
		p.start()
	}
}

func (p *Pump) snapshotImage() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentImage
}

func (p *Pump) waitChannel() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.imageReadyWaitCh
}

func (p *Pump) start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(ctx)
}

// run is the long-lived loop: pick a protocol variant, capture frames until
// the capturer gives up or the idle watchdog fires, then tear down.
func (p *Pump) run(ctx context.Context) {
	defer p.markStopped()

	capt := p.selectCapturer(ctx)
	if capt == nil {
		return
	}

	idleCtx, idleCancel := context.WithCancel(ctx)
	defer idleCancel()
	go p.watchIdle(idleCtx, idleCancel)

	err := capt.Run(idleCtx, p.onFrame)
	if err != nil && ctx.Err() == nil {
		slog.Warn("quickcam capture loop exited", "error", err)
	}
}

func (p *Pump) markStopped() {
	p.mu.Lock()
	p.running = false
	p.cancel = nil
	p.mu.Unlock()
}

// watchIdle stops the capture loop once LastRequesterWallClock is more than
// idleTimeout in the past and the printer is not currently printing.
func (p *Pump) watchIdle(ctx context.Context, stop context.CancelFunc) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			idleFor := time.Since(p.lastRequest)
			hasSubscribers := len(p.subscribers) > 0
			p.mu.Unlock()

			if hasSubscribers {
				continue
			}
			if idleFor <= idleTimeout {
				continue
			}
			if p.state != nil && p.state.IsPrinting(true) {
				continue
			}
			stop()
			return
		}
	}
}

// selectCapturer waits briefly for C1 to know whether this printer exposes
// an RTSP feed (X1 family) before falling back to the WebSocket-JPEG variant
// used by the P1/A1 family.
func (p *Pump) selectCapturer(ctx context.Context) capturer {
	deadline := time.Now().Add(protocolWaitTimeout)
	for {
		if p.state != nil {
			if url, ok := p.state.RtspURL(); ok && url != "" {
				return &rtspCapturer{host: p.cfg.Host, accessToken: p.cfg.AccessToken, rtspURL: url, debug: p.cfg.Debug}
			}
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(200 * time.Millisecond):
		}
	}
	return &wsJPEGCapturer{host: p.cfg.Host, accessToken: p.cfg.AccessToken}
}

// onFrame is called by a capturer for every valid frame: it updates the
// cached image, wakes any GetCurrentImage waiters, refreshes the idle clock
// if subscribers exist, and fans out to every subscriber callback. A
// misbehaving callback (panic) never takes down the others.
func (p *Pump) onFrame(jpeg []byte) {
	p.mu.Lock()
	p.currentImage = jpeg
	oldWait := p.imageReadyWaitCh
	p.imageReadyWaitCh = make(chan struct{})
	if len(p.subscribers) > 0 {
		p.lastRequest = time.Now()
	}
	subs := make([]*subscription, 0, len(p.subscribers))
	for s := range p.subscribers {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	close(oldWait)

	for _, s := range subs {
		invokeSafely(s.fn, jpeg)
	}
}

func invokeSafely(fn FrameCallback, jpeg []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("quickcam subscriber callback panicked", "panic", r)
		}
	}()
	fn(jpeg)
}
