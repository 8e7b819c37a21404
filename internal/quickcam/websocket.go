package quickcam

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	camPort        = 6000
	authFrameLen   = 80
	frameHeaderLen = 16
	sslRetryDelay  = time.Second
	readDeadline   = 5 * time.Second
)

var jpegSOI = []byte{0xFF, 0xD8, 0xFF, 0xE0}
var jpegEOI = []byte{0xFF, 0xD9}

// wsJPEGCapturer speaks the P1/A1-family camera protocol: a raw TLS socket
// on port 6000 authenticated with a fixed-size binary frame, followed by a
// stream of length-prefixed JPEGs. Despite the name (inherited from how
// Bambu's own apps refer to it) there is no HTTP/WebSocket handshake.
type wsJPEGCapturer struct {
	host        string
	accessToken string
}

func (c *wsJPEGCapturer) Run(ctx context.Context, onFrame func([]byte)) error {
	conn, err := tls.Dial("tcp", fmt.Sprintf("%s:%d", c.host, camPort), &tls.Config{InsecureSkipVerify: true}) //nolint:gosec
	if err != nil {
		return fmt.Errorf("dialing camera socket: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if _, err := conn.Write(buildAuthFrame(c.accessToken)); err != nil {
		return fmt.Errorf("sending camera auth frame: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame, err := readOneFrame(conn)
		if err != nil {
			if isTransient(err) {
				time.Sleep(sslRetryDelay)
				continue
			}
			return err
		}
		if !validJPEG(frame) {
			return errors.New("camera stream desynchronized: invalid jpeg framing")
		}
		onFrame(frame)
	}
}

// buildAuthFrame builds the 80-byte authentication frame: two little-endian
// u32 magic fields, two reserved u32 zero fields, "bblp" padded to 32 bytes,
// and the access token padded to 32 bytes.
func buildAuthFrame(accessToken string) []byte {
	buf := make([]byte, authFrameLen)
	binary.LittleEndian.PutUint32(buf[0:4], 0x40)
	binary.LittleEndian.PutUint32(buf[4:8], 0x3000)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	copy(buf[16:48], "bblp")
	copy(buf[48:80], accessToken)
	return buf
}

// readOneFrame reads the 16-byte header (length in the first 4 bytes,
// little-endian) then exactly that many JPEG bytes.
func readOneFrame(conn net.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(readDeadline))

	header := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])

	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

func validJPEG(frame []byte) bool {
	return len(frame) >= len(jpegSOI)+len(jpegEOI) &&
		bytes.HasPrefix(frame, jpegSOI) &&
		bytes.HasSuffix(frame, jpegEOI)
}

// isTransient matches the SSLWantRead-style errors the Python camera client
// retries rather than treats as fatal (read timeout on an otherwise healthy
// socket).
func isTransient(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
