package internal

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const frameTimeout = 2 * time.Second

var errBrokenPipe = errors.New("broken pipe")

// fakeTransport is an in-memory Transport. Frames pushed with push are
// returned by ReadFrame; frames written by the owner land in writes.
type fakeTransport struct {
	in     chan []byte
	writes chan []byte
	closed chan struct{}
	once   sync.Once

	failWrites atomic.Bool
	// block, when set, stalls every WriteFrame until closed
	block chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		writes: make(chan []byte, 4096),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteFrame(data []byte) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-f.closed:
		}
	}
	select {
	case <-f.closed:
		return ErrClosed
	default:
	}
	if f.failWrites.Load() {
		return errBrokenPipe
	}
	f.writes <- data
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "fake" }

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) push(t *testing.T, frame Frame) {
	t.Helper()
	data, err := EncodeFrame(frame)
	require.NoError(t, err)
	f.in <- data
}

func (f *fakeTransport) pushRaw(data string) {
	f.in <- []byte(data)
}

// next returns the next frame written to the transport
func (f *fakeTransport) next(t *testing.T) Frame {
	t.Helper()
	select {
	case data := <-f.writes:
		frame, err := DecodeFrame(data)
		require.NoError(t, err)
		return frame
	case <-time.After(frameTimeout):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

// expect skips frames until one matches
func (f *fakeTransport) expect(t *testing.T, match func(Frame) bool) Frame {
	t.Helper()
	deadline := time.After(frameTimeout)
	for {
		select {
		case data := <-f.writes:
			frame, err := DecodeFrame(data)
			require.NoError(t, err)
			if match(frame) {
				return frame
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching frame")
			return Frame{}
		}
	}
}

// quiet asserts nothing is written for a short while
func (f *fakeTransport) quiet(t *testing.T) {
	t.Helper()
	select {
	case data := <-f.writes:
		t.Fatalf("unexpected frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}
