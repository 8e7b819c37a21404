package quickcam

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bambu-companion/agent/internal/printerstate"
)

func TestGetCurrentImageReturnsCachedFrameWithoutWaiting(t *testing.T) {
	p := New(Config{}, nil)
	p.currentImage = []byte("cached")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	img := p.GetCurrentImage(ctx)
	assert.Equal(t, []byte("cached"), img)
}

func TestGetCurrentImageReturnsNilOnContextCancelWithoutFrame(t *testing.T) {
	p := New(Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	img := p.GetCurrentImage(ctx)
	assert.Nil(t, img)
}

func TestOnFrameUpdatesCacheAndWakesWaiters(t *testing.T) {
	p := New(Config{}, nil)
	waitCh := p.waitChannel()

	p.onFrame([]byte("frame-1"))

	select {
	case <-waitCh:
	default:
		t.Fatal("expected waitChannel to be closed after onFrame")
	}
	assert.Equal(t, []byte("frame-1"), p.snapshotImage())
}

func TestAttachAndDetachImageStreamCallback(t *testing.T) {
	p := New(Config{}, nil)

	var mu sync.Mutex
	var received [][]byte
	sub := p.AttachImageStreamCallback(func(jpeg []byte) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, jpeg)
	})

	p.onFrame([]byte("a"))
	p.onFrame([]byte("b"))

	mu.Lock()
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, received)
	mu.Unlock()

	p.DetachImageStreamCallback(sub)
	p.onFrame([]byte("c"))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 2, "detached subscriber must not receive further frames")
}

func TestInvokeSafelySurvivesPanickingCallback(t *testing.T) {
	assert.NotPanics(t, func() {
		invokeSafely(func([]byte) { panic("boom") }, []byte("x"))
	})
}

func TestSelectCapturerPicksRTSPWhenStateExposesURL(t *testing.T) {
	state := printerstate.New()
	state.OnUpdate(map[string]any{"ipcam": map[string]any{"rtsp_url": "rtsps://host/streaming/live/1"}})

	p := New(Config{Host: "host", AccessToken: "tok"}, state)
	capt := p.selectCapturer(context.Background())

	rc, ok := capt.(*rtspCapturer)
	require.True(t, ok, "expected rtspCapturer when state exposes an rtsp url")
	assert.Equal(t, "rtsps://host/streaming/live/1", rc.rtspURL)
}

func TestSelectCapturerFallsBackToWebsocketAfterWait(t *testing.T) {
	p := New(Config{Host: "host", AccessToken: "tok"}, printerstate.New())

	ctx, cancel := context.WithTimeout(context.Background(), protocolWaitTimeout+500*time.Millisecond)
	defer cancel()

	capt := p.selectCapturer(ctx)
	_, ok := capt.(*wsJPEGCapturer)
	assert.True(t, ok, "expected websocket-jpeg fallback when no rtsp url ever appears")
}

func TestWatchIdleStopsAfterTimeoutWithNoSubscribers(t *testing.T) {
	p := New(Config{}, nil)
	p.lastRequest = time.Now().Add(-2 * idleTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.watchIdleForTest(ctx, cancel)
		close(stopped)
	}()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected idle watchdog to cancel context")
	}
	cancel()
	<-stopped
}

// watchIdleForTest repeats watchIdle's stop condition as one immediate check
// instead of waiting for the production 5s ticker; it does not call watchIdle
// itself.
func (p *Pump) watchIdleForTest(ctx context.Context, stop context.CancelFunc) {
	p.mu.Lock()
	idleFor := time.Since(p.lastRequest)
	hasSubscribers := len(p.subscribers) > 0
	p.mu.Unlock()

	if !hasSubscribers && idleFor > idleTimeout {
		if p.state == nil || !p.state.IsPrinting(true) {
			stop()
		}
	}
	<-ctx.Done()
}
