package quickcam

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAuthFrameLayout(t *testing.T) {
	frame := buildAuthFrame("abc123")
	require.Len(t, frame, authFrameLen)

	assert.Equal(t, uint32(0x40), binary.LittleEndian.Uint32(frame[0:4]))
	assert.Equal(t, uint32(0x3000), binary.LittleEndian.Uint32(frame[4:8]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(frame[8:12]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(frame[12:16]))
	assert.Equal(t, "bblp", string(frame[16:20]))
	assert.Equal(t, "abc123", string(frame[48:54]))
}

func TestValidJPEGRequiresSOIAndEOI(t *testing.T) {
	good := append(append([]byte{}, jpegSOI...), append([]byte("junk"), jpegEOI...)...)
	assert.True(t, validJPEG(good))

	assert.False(t, validJPEG([]byte("not a jpeg")))
	assert.False(t, validJPEG(jpegSOI)) // too short for both markers
}

func TestReadOneFrameParsesLengthPrefixedBody(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	payload := append(append([]byte{}, jpegSOI...), jpegEOI...)

	go func() {
		header := make([]byte, frameHeaderLen)
		binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
		serverConn.Write(header)
		serverConn.Write(payload)
	}()

	frame, err := readOneFrame(clientConn)
	require.NoError(t, err)
	assert.Equal(t, payload, frame)
}

func TestIsTransientMatchesTimeoutErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	buf := make([]byte, 1)
	_, readErr := conn.Read(buf)
	require.Error(t, readErr)
	assert.True(t, isTransient(readErr))

	assert.False(t, isTransient(nil) || isTransient(assertError{}))
}

type assertError struct{}

func (assertError) Error() string { return "not a net error" }
