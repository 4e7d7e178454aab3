package internal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is an Observer that keeps everything it is told
type recorder struct {
	mu      sync.Mutex
	states  []State
	errs    []error
	msgs    []ChatMessage
	rosters []RosterUpdate
	notices []Notice
}

func (r *recorder) OnStateChange(state State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	r.errs = append(r.errs, err)
}

func (r *recorder) OnMessage(msg ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) OnRoster(update RosterUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rosters = append(r.rosters, update)
}

func (r *recorder) OnNotice(notice Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice)
}

func (r *recorder) noticeLog() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

func (r *recorder) stateLog() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

// errFor returns the error reported with the first transition to state
func (r *recorder) errFor(state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.states {
		if s == state {
			return r.errs[i]
		}
	}
	return nil
}

func (r *recorder) messages() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChatMessage(nil), r.msgs...)
}

func (r *recorder) events() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states) + len(r.msgs) + len(r.rosters) + len(r.notices)
}

func (r *recorder) saw(state State) func() bool {
	return func() bool {
		for _, s := range r.stateLog() {
			if s == state {
				return true
			}
		}
		return false
	}
}

// fakeDialer hands out a new fakeTransport per dial, or fails
type fakeDialer struct {
	mu    sync.Mutex
	fail  error
	conns chan *fakeTransport
	calls int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) dial(ctx context.Context, endpoint string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: d.fail}
	}
	ft := newFakeTransport()
	d.conns <- ft
	return ft, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// accept plays the server side of a handshake on the next dialed transport
func (d *fakeDialer) accept(t *testing.T, members ...string) *fakeTransport {
	t.Helper()
	var ft *fakeTransport
	select {
	case ft = <-d.conns:
	case <-time.After(frameTimeout):
		t.Fatal("no dial")
	}
	f := ft.next(t)
	require.Equal(t, FrameJoin, f.Type)
	ft.push(t, rosterFrame(RosterUpdate{Members: append(members, f.Name)}))
	return ft
}

func testClientConfig(d *fakeDialer) ClientConfig {
	cfg := DefaultClientConfig("A")
	cfg.Dial = d.dial
	cfg.Backoff = Backoff{Base: time.Millisecond, Multiplier: 2, Max: 2 * time.Millisecond}
	cfg.Logger = quietLogger()
	return cfg
}

func newTestClientWith(t *testing.T, cfg ClientConfig) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	c := NewClient(cfg, rec)
	t.Cleanup(func() { c.Close() })
	return c, rec
}

func broadcast(seq uint64, sender, text string) Frame {
	return broadcastFrame(ChatMessage{SequenceID: seq, Sender: sender, Text: text, Timestamp: fixedNow})
}

func TestClientConnectsAndReceivesInOrder(t *testing.T) {
	d := newFakeDialer()
	c, rec := newTestClientWith(t, testClientConfig(d))

	require.NoError(t, c.Connect("ws://chat"))
	ft := d.accept(t, "B")
	require.Eventually(t, rec.saw(Connected), frameTimeout, time.Millisecond)
	assert.Equal(t, []State{Connecting, Connected}, rec.stateLog())

	ft.push(t, broadcast(1, "B", "first"))
	ft.push(t, broadcast(2, "A", "second"))
	ft.push(t, rosterFrame(RosterUpdate{Joined: "C"}))

	require.Eventually(t, func() bool { return len(rec.messages()) == 2 }, frameTimeout, time.Millisecond)
	msgs := rec.messages()
	assert.Equal(t, uint64(1), msgs[0].SequenceID)
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, uint64(2), msgs[1].SequenceID)
	assert.True(t, msgs[0].Timestamp.Equal(fixedNow))

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.rosters) == 2
	}, frameTimeout, time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, []string{"B", "A"}, rec.rosters[0].Members)
	assert.Equal(t, "C", rec.rosters[1].Joined)
	rec.mu.Unlock()
}

func TestClientSendWritesChatFrame(t *testing.T) {
	d := newFakeDialer()
	c, rec := newTestClientWith(t, testClientConfig(d))

	require.NoError(t, c.Connect("ws://chat"))
	ft := d.accept(t)
	require.Eventually(t, rec.saw(Connected), frameTimeout, time.Millisecond)

	require.NoError(t, c.Send("  hi  "))
	f := ft.next(t)
	assert.Equal(t, FrameChat, f.Type)
	assert.Equal(t, "hi", f.Text)

	assert.ErrorIs(t, c.Send("   "), ErrEmptyMessage)
}

func TestClientSendWhileDisconnected(t *testing.T) {
	d := newFakeDialer()
	c, _ := newTestClientWith(t, testClientConfig(d))

	assert.ErrorIs(t, c.Send("test"), ErrNotConnected)
	assert.Equal(t, 0, d.dialCount())
	assert.Equal(t, Disconnected, c.State())
}

func TestClientConnectFailsFastWhenActive(t *testing.T) {
	d := newFakeDialer()
	c, rec := newTestClientWith(t, testClientConfig(d))

	require.NoError(t, c.Connect("ws://chat"))
	d.accept(t)
	require.Eventually(t, rec.saw(Connected), frameTimeout, time.Millisecond)

	err := c.Connect("ws://chat")
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, 1, d.dialCount())
}

func TestClientRetriesThenFails(t *testing.T) {
	d := newFakeDialer()
	d.fail = errors.New("connection refused")
	cfg := testClientConfig(d)
	cfg.MaxRetries = 3
	c, rec := newTestClientWith(t, cfg)

	require.NoError(t, c.Connect("ws://chat"))
	require.Eventually(t, rec.saw(Failed), frameTimeout, time.Millisecond)

	assert.Equal(t, []State{Connecting, Retrying, Connecting, Retrying, Connecting, Failed}, rec.stateLog())
	assert.Equal(t, 3, d.dialCount())
	assert.Equal(t, Failed, c.State())
	var cerr *ConnectionError
	assert.ErrorAs(t, rec.lastErr(), &cerr)

	// Failed stays put until someone calls Connect again
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, d.dialCount())

	d.mu.Lock()
	d.fail = nil
	d.mu.Unlock()
	require.NoError(t, c.Connect("ws://chat"))
	d.accept(t)
	require.Eventually(t, func() bool { return c.State() == Connected }, frameTimeout, time.Millisecond)
}

func TestClientServerFullIsTerminal(t *testing.T) {
	d := newFakeDialer()
	c, rec := newTestClientWith(t, testClientConfig(d))

	require.NoError(t, c.Connect("ws://chat"))
	ft := <-d.conns
	ft.next(t)
	ft.push(t, errorFrame(ReasonServerFull, "Chat is full."))

	require.Eventually(t, rec.saw(Failed), frameTimeout, time.Millisecond)
	assert.Equal(t, []State{Connecting, Failed}, rec.stateLog())
	assert.ErrorIs(t, rec.lastErr(), ErrServerCapacity)
	assert.Equal(t, 1, d.dialCount())
}

func TestClientReconnectsAfterConnectionLoss(t *testing.T) {
	d := newFakeDialer()
	c, rec := newTestClientWith(t, testClientConfig(d))

	require.NoError(t, c.Connect("ws://chat"))
	ft := d.accept(t)
	require.Eventually(t, rec.saw(Connected), frameTimeout, time.Millisecond)

	ft.Close()
	require.Eventually(t, rec.saw(Retrying), frameTimeout, time.Millisecond)
	d.accept(t)
	require.Eventually(t, func() bool {
		states := rec.stateLog()
		return len(states) >= 5 && states[len(states)-1] == Connected
	}, frameTimeout, time.Millisecond)
	assert.Equal(t, []State{Connecting, Connected, Retrying, Connecting, Connected}, rec.stateLog())
}

func TestClientMalformedFramesForceReconnect(t *testing.T) {
	d := newFakeDialer()
	c, rec := newTestClientWith(t, testClientConfig(d))

	require.NoError(t, c.Connect("ws://chat"))
	ft := d.accept(t)
	require.Eventually(t, rec.saw(Connected), frameTimeout, time.Millisecond)

	// a good frame in between resets the count
	ft.pushRaw("{bad")
	ft.pushRaw("{bad")
	ft.push(t, broadcast(1, "B", "ok"))
	ft.pushRaw("{bad")
	ft.pushRaw(`{"type":"join","name":"X"}`)
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, frameTimeout, time.Millisecond)
	assert.False(t, rec.saw(Retrying)())

	ft.pushRaw(`{"type":"chat"}`)
	require.Eventually(t, rec.saw(Retrying), frameTimeout, time.Millisecond)
	var perr *ProtocolError
	assert.ErrorAs(t, rec.errFor(Retrying), &perr)
}

func TestClientDropsDuplicateBroadcasts(t *testing.T) {
	d := newFakeDialer()
	c, rec := newTestClientWith(t, testClientConfig(d))

	require.NoError(t, c.Connect("ws://chat"))
	ft := d.accept(t)
	ft.push(t, broadcast(1, "B", "one"))
	ft.push(t, broadcast(1, "B", "one again"))
	ft.push(t, broadcast(2, "B", "two"))

	require.Eventually(t, func() bool { return len(rec.messages()) == 2 }, frameTimeout, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	msgs := rec.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Text)
	assert.Equal(t, "two", msgs[1].Text)
}

func TestClientCloseCancelsPendingRetry(t *testing.T) {
	d := newFakeDialer()
	d.fail = errors.New("connection refused")
	cfg := testClientConfig(d)
	cfg.Backoff = Backoff{Base: time.Hour, Multiplier: 2, Max: time.Hour, Rand: func() float64 { return 0.5 }}
	c, rec := newTestClientWith(t, cfg)

	require.NoError(t, c.Connect("ws://chat"))
	require.Eventually(t, rec.saw(Retrying), frameTimeout, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(frameTimeout):
		t.Fatal("Close blocked on the retry timer")
	}

	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, []State{Connecting, Retrying, Disconnected}, rec.stateLog())
	events := rec.events()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, events, rec.events())
	assert.Equal(t, 1, d.dialCount())

	require.NoError(t, c.Close())
	assert.Equal(t, events, rec.events())
}

func TestClientCloseStopsDeliveries(t *testing.T) {
	d := newFakeDialer()
	c, rec := newTestClientWith(t, testClientConfig(d))

	require.NoError(t, c.Connect("ws://chat"))
	ft := d.accept(t)
	require.Eventually(t, rec.saw(Connected), frameTimeout, time.Millisecond)

	require.NoError(t, c.Close())
	assert.True(t, ft.isClosed())
	events := rec.events()

	select {
	case ft.in <- []byte(`{"type":"chat","sequenceId":1,"sender":"B","text":"late","timestamp":"2024-05-17T12:34:56Z"}`):
	default:
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, events, rec.events())
	assert.Empty(t, rec.messages())
	assert.ErrorIs(t, c.Send("after close"), ErrNotConnected)
}

func TestClientRefusesOverlongText(t *testing.T) {
	d := newFakeDialer()
	cfg := testClientConfig(d)
	cfg.MaxMessageLength = 10
	c, rec := newTestClientWith(t, cfg)

	require.NoError(t, c.Connect("ws://chat"))
	ft := d.accept(t)
	require.Eventually(t, rec.saw(Connected), frameTimeout, time.Millisecond)

	assert.ErrorIs(t, c.Send(strings.Repeat("y", 11)), ErrMessageTooLong)
	ft.quiet(t)
	assert.Equal(t, Connected, c.State())

	require.NoError(t, c.Send(strings.Repeat("y", 10)))
	assert.Len(t, ft.next(t).Text, 10)
}

func TestClientDeliversNoticesAndStaysConnected(t *testing.T) {
	d := newFakeDialer()
	c, rec := newTestClientWith(t, testClientConfig(d))

	require.NoError(t, c.Connect("ws://chat"))
	ft := d.accept(t)
	require.Eventually(t, rec.saw(Connected), frameTimeout, time.Millisecond)

	ft.push(t, noticeFrame(ReasonRateLimited, "slow down", "hello"))
	ft.push(t, broadcast(1, "B", "after"))

	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, frameTimeout, time.Millisecond)
	assert.Equal(t, []Notice{{Reason: ReasonRateLimited, Message: "slow down", Text: "hello"}}, rec.noticeLog())
	assert.Equal(t, []State{Connecting, Connected}, rec.stateLog())
}
