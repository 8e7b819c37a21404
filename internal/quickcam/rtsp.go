package quickcam

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	rtspMaxRetries       = 5
	rtspDesyncGuardBytes = 50 * 1024
	rtspStderrTailCap    = 100 * 1024
	rtspFrameTimeout     = 5 * time.Second
	rtspKillWait         = 10 * time.Second
)

var jpegSOIFull = []byte{0xFF, 0xD8, 0xFF, 0xFE, 0x00, 0x10}

// rtspCapturer speaks the X1-family camera protocol: an ffmpeg subprocess
// re-muxes the printer's RTSP stream into a raw motion-JPEG byte stream on
// stdout, which we scan for frame boundaries.
type rtspCapturer struct {
	host        string
	accessToken string
	rtspURL     string
	debug       bool
}

func (c *rtspCapturer) Run(ctx context.Context, onFrame func([]byte)) error {
	for attempt := 0; attempt < rtspMaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.runOnce(ctx, onFrame)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("rtsp capture attempt failed, retrying", "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("rtsp capture exhausted %d retries", rtspMaxRetries)
}

func (c *rtspCapturer) runOnce(ctx context.Context, onFrame func([]byte)) error {
	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(procCtx, "ffmpeg", c.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening ffmpeg stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("opening ffmpeg stderr: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening ffmpeg stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	eg, egCtx := errgroup.WithContext(procCtx)
	stderrTail := newBoundedBuffer(rtspStderrTailCap)

	eg.Go(func() error {
		return drainFrames(egCtx, stdout, onFrame)
	})
	eg.Go(func() error {
		stderrTail.drain(stderr)
		return nil
	})

	err = eg.Wait()
	teardown(cmd, stdin, rtspKillWait)

	if err != nil {
		slog.Debug("ffmpeg stderr tail", "output", stderrTail.String())
	}
	return err
}

func (c *rtspCapturer) args() []string {
	logLevel := "warning"
	if c.debug {
		logLevel = "trace"
	}
	input := fmt.Sprintf("rtsps://bblp:%s@%s:322/streaming/live/1", c.accessToken, c.host)
	return []string{
		"-hide_banner",
		"-loglevel", logLevel,
		"-rtsp_transport", "udp",
		"-use_wallclock_as_timestamps", "1",
		"-i", input,
		"-vf", "fps=15",
		"-movflags", "+faststart",
		"-f", "image2pipe",
		"-",
	}
}

// drainFrames scans ffmpeg's stdout for JPEG SOI/EOI markers, discarding the
// rolling buffer if it exceeds the desync guard without a complete frame,
// and returning an error if no stdout data arrives within rtspFrameTimeout
// (the timer restarts on every chunk read, whether or not it completes a
// frame).
func drainFrames(ctx context.Context, r io.Reader, onFrame func([]byte)) error {
	type chunk struct {
		data []byte
		err  error
	}
	chunks := make(chan chunk, 1)

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				chunks <- chunk{data: data}
			}
			if err != nil {
				chunks <- chunk{err: err}
				return
			}
		}
	}()

	var pending bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-chunks:
			if c.err != nil {
				if c.err == io.EOF {
					return errors.New("ffmpeg stdout closed")
				}
				return c.err
			}
			pending.Write(c.data)
			extractFrames(&pending, onFrame)
			if pending.Len() > rtspDesyncGuardBytes {
				pending.Reset()
			}
		case <-time.After(rtspFrameTimeout):
			return errors.New("no camera frame received within timeout")
		}
	}
}

// extractFrames pulls every complete SOI..EOI frame out of buf, leaving any
// trailing partial frame in place for the next read.
func extractFrames(buf *bytes.Buffer, onFrame func([]byte)) {
	data := buf.Bytes()
	for {
		start := bytes.Index(data, jpegSOIFull)
		if start < 0 {
			buf.Reset()
			return
		}
		end := bytes.Index(data[start:], jpegEOI)
		if end < 0 {
			if start > 0 {
				remaining := append([]byte{}, data[start:]...)
				buf.Reset()
				buf.Write(remaining)
			}
			return
		}
		frameEnd := start + end + len(jpegEOI)
		frame := append([]byte{}, data[start:frameEnd]...)
		onFrame(frame)
		data = data[frameEnd:]
		buf.Reset()
		buf.Write(data)
	}
}

// teardown sends SIGINT, then "q\n" on stdin, then SIGKILL, giving ffmpeg a
// chance to flush and exit cleanly before force-killing it.
func teardown(cmd *exec.Cmd, stdin io.WriteCloser, wait time.Duration) {
	if cmd.Process == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	cmd.Process.Signal(syscall.SIGINT)
	select {
	case <-done:
		return
	case <-time.After(time.Second):
	}

	stdin.Write([]byte("q\n"))
	select {
	case <-done:
		return
	case <-time.After(wait):
	}

	cmd.Process.Signal(syscall.SIGKILL)
	<-done
}

// boundedBuffer caps how much of a stream it retains, dropping the oldest
// bytes once the cap is exceeded, used for ffmpeg's stderr log tail.
type boundedBuffer struct {
	cap int
	buf bytes.Buffer
}

func newBoundedBuffer(cap int) *boundedBuffer {
	return &boundedBuffer{cap: cap}
}

func (b *boundedBuffer) drain(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			b.buf.Write(chunk[:n])
			if b.buf.Len() > b.cap {
				excess := b.buf.Len() - b.cap
				b.buf.Next(excess)
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *boundedBuffer) String() string {
	return b.buf.String()
}
