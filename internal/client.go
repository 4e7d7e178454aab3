package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State is the connection state of a Client
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Retrying
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Retrying:
		return "retrying"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Observer receives everything a Client produces. Calls are serialized
// and come from the client's network goroutine, so implementations must
// hand work off instead of blocking, and must not call Close from inside
// a callback.
type Observer interface {
	OnStateChange(state State, err error)
	OnMessage(msg ChatMessage)
	OnRoster(update RosterUpdate)
	OnNotice(notice Notice)
}

// DialFunc opens a transport to endpoint
type DialFunc func(ctx context.Context, endpoint string) (Transport, error)

// ClientConfig configures a Client
type ClientConfig struct {
	// Name is sent in the join frame
	Name string
	// MaxRetries is the number of consecutive failures after which the
	// client gives up and enters Failed
	MaxRetries int
	Backoff    Backoff
	// MaxMalformedFrames consecutive bad frames force a reconnect
	MaxMalformedFrames int
	// MaxMessageLength is the longest text Send accepts, in runes. It
	// should match the server's limit.
	MaxMessageLength int
	// HandshakeTimeout bounds dial plus the join round trip
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration

	Dial   DialFunc
	Logger *log.Entry
}

// DefaultClientConfig returns the default client settings for name
func DefaultClientConfig(name string) ClientConfig {
	return ClientConfig{
		Name:               name,
		MaxRetries:         5,
		Backoff:            DefaultBackoff(),
		MaxMalformedFrames: 3,
		MaxMessageLength:   2000,
		HandshakeTimeout:   5 * time.Second,
		WriteTimeout:       5 * time.Second,
		PingInterval:       30 * time.Second,
	}
}

// Client owns one logical connection to a chat server and hides
// transient failures behind reconnects.
type Client struct {
	cfg      ClientConfig
	observer Observer
	log      *log.Entry

	// deliverMu serializes observer calls and generation changes, so no
	// callback from an old run can land after Close returns.
	deliverMu sync.Mutex

	mu        sync.Mutex
	state     State
	endpoint  string
	transport Transport
	cancel    context.CancelFunc
	done      chan struct{}
	gen       uint64
}

// NewClient creates a disconnected client reporting to observer
func NewClient(cfg ClientConfig, observer Observer) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.MaxMalformedFrames <= 0 {
		cfg.MaxMalformedFrames = 3
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 2000
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if observer == nil {
		observer = nopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "client")
	}
	c := &Client{cfg: cfg, observer: observer, log: logger}
	if c.cfg.Dial == nil {
		c.cfg.Dial = func(ctx context.Context, endpoint string) (Transport, error) {
			return DialWebsocket(ctx, endpoint, cfg.HandshakeTimeout, TransportOptions{
				ReadLimit:    FrameLimit(cfg.MaxMessageLength),
				WriteTimeout: cfg.WriteTimeout,
				PingInterval: cfg.PingInterval,
			})
		}
	}
	return c
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Endpoint returns the endpoint of the last Connect call
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Name returns the display name sent on join
func (c *Client) Name() string {
	return c.cfg.Name
}

// Connect starts connecting to endpoint in the background. Progress is
// reported through the observer. It fails fast while a connection is
// active or being established.
func (c *Client) Connect(endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Connected, Connecting, Retrying:
		return &ConnectionError{Endpoint: endpoint, Err: ErrAlreadyConnected}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.gen++
	c.state = Connecting
	c.endpoint = endpoint
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.gen, endpoint, c.done)
	return nil
}

// Send sends text to the server. Outside Connected it returns
// ErrNotConnected, and for text over MaxMessageLength ErrMessageTooLong,
// without touching the network.
func (c *Client) Send(text string) error {
	text, err := CleanText(text, c.cfg.MaxMessageLength)
	if err != nil {
		return err
	}

	c.mu.Lock()
	state, t, endpoint := c.state, c.transport, c.endpoint
	c.mu.Unlock()
	if state != Connected || t == nil {
		return ErrNotConnected
	}

	data, err := EncodeFrame(chatFrame(text))
	if err != nil {
		return err
	}
	if err := t.WriteFrame(data); err != nil {
		// the read loop sees the closed transport and starts retrying
		t.Close()
		return &ConnectionError{Endpoint: endpoint, Err: err}
	}
	return nil
}

// Close releases the connection and cancels any pending retry. It is
// idempotent. Once it returns the observer hears nothing more from the
// run it ended.
func (c *Client) Close() error {
	c.deliverMu.Lock()
	c.mu.Lock()
	c.gen++
	prev := c.state
	cancel, t, done := c.cancel, c.transport, c.done
	c.state = Disconnected
	c.cancel, c.transport, c.done = nil, nil, nil
	c.mu.Unlock()
	if prev != Disconnected {
		c.log.WithField("from", prev).Info("closed")
		c.observer.OnStateChange(Disconnected, nil)
	}
	c.deliverMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		t.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

// deliver runs fn against the observer if gen is still the live run
func (c *Client) deliver(gen uint64, fn func(Observer)) bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	live := c.gen == gen
	c.mu.Unlock()
	if !live {
		return false
	}
	fn(c.observer)
	return true
}

func (c *Client) transition(gen uint64, state State, err error) bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.mu.Unlock()

	entry := c.log.WithField("state", state)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("state change")
	c.observer.OnStateChange(state, err)
	return true
}

func (c *Client) setTransport(gen uint64, t Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.transport = t
	return true
}

func (c *Client) live(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Client) run(ctx context.Context, gen uint64, endpoint string, done chan struct{}) {
	defer close(done)
	logger := c.log.WithField("endpoint", endpoint)

	failures := 0
	for {
		if !c.transition(gen, Connecting, nil) {
			return
		}
		connected, err := c.connection(ctx, gen, endpoint)
		if ctx.Err() != nil || !c.live(gen) {
			return
		}

		var rejected *RejectedError
		if errors.As(err, &rejected) && rejected.terminal() {
			logger.WithError(err).Warn("rejected by server")
			c.transition(gen, Failed, err)
			return
		}

		if connected {
			failures = 0
		}
		failures++
		if failures >= c.cfg.MaxRetries {
			logger.WithError(err).WithField("attempt", failures).Error("giving up")
			c.transition(gen, Failed, err)
			return
		}
		if !c.transition(gen, Retrying, err) {
			return
		}

		delay := c.cfg.Backoff.Delay(failures - 1)
		logger.WithError(err).WithFields(log.Fields{
			"attempt": failures,
			"delay":   delay,
		}).Info("connection failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connection dials, joins and reads until the connection ends. connected
// reports whether the handshake completed.
func (c *Client) connection(ctx context.Context, gen uint64, endpoint string) (connected bool, err error) {
	t, err := c.cfg.Dial(ctx, endpoint)
	if err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()
	defer t.Close()

	snapshot, err := c.handshake(endpoint, t)
	if err != nil {
		return false, err
	}
	if !c.setTransport(gen, t) || !c.transition(gen, Connected, nil) {
		return false, ErrClosed
	}
	c.log.WithField("endpoint", endpoint).Info("connected")
	c.deliver(gen, func(o Observer) { o.OnRoster(snapshot) })

	err = c.readLoop(gen, t)
	c.setTransport(gen, nil)
	return true, err
}

// handshake sends the join frame and waits for the roster snapshot
// that acknowledges it
func (c *Client) handshake(endpoint string, t Transport) (RosterUpdate, error) {
	timedOut := make(chan struct{})
	timer := time.AfterFunc(c.cfg.HandshakeTimeout, func() {
		close(timedOut)
		t.Close()
	})
	defer timer.Stop()

	wrap := func(err error) error {
		select {
		case <-timedOut:
			err = fmt.Errorf("handshake timed out: %w", err)
		default:
		}
		return &ConnectionError{Endpoint: endpoint, Err: err}
	}

	data, err := EncodeFrame(joinFrame(c.cfg.Name))
	if err != nil {
		return RosterUpdate{}, err
	}
	if err := t.WriteFrame(data); err != nil {
		return RosterUpdate{}, wrap(err)
	}

	data, err = t.ReadFrame()
	if err != nil {
		return RosterUpdate{}, wrap(err)
	}
	f, err := DecodeFrame(data)
	if err != nil {
		return RosterUpdate{}, wrap(err)
	}
	switch f.Type {
	case FrameError:
		return RosterUpdate{}, &RejectedError{Reason: f.Reason, Message: f.Message}
	case FrameRoster:
		update, err := f.rosterUpdate()
		if err != nil || !update.IsSnapshot() {
			return RosterUpdate{}, wrap(&ProtocolError{Reason: "expected roster snapshot"})
		}
		return update, nil
	default:
		return RosterUpdate{}, wrap(&ProtocolError{Reason: fmt.Sprintf("unexpected %s frame during handshake", f.Type)})
	}
}

func (c *Client) readLoop(gen uint64, t Transport) error {
	var lastSeq uint64
	malformed := 0
	for {
		data, err := t.ReadFrame()
		if err != nil {
			return err
		}

		err = c.handleFrame(gen, data, &lastSeq)
		var perr *ProtocolError
		switch {
		case err == nil:
			malformed = 0
		case errors.As(err, &perr):
			malformed++
			c.log.WithError(err).WithField("count", malformed).Warn("dropped frame")
			if malformed >= c.cfg.MaxMalformedFrames {
				return fmt.Errorf("%d malformed frames in a row: %w", malformed, err)
			}
		default:
			return err
		}
	}
}

func (c *Client) handleFrame(gen uint64, data []byte, lastSeq *uint64) error {
	f, err := DecodeFrame(data)
	if err != nil {
		return err
	}

	switch f.Type {
	case FrameChat:
		msg, err := f.chatMessage()
		if err != nil {
			return err
		}
		if msg.SequenceID <= *lastSeq {
			c.log.WithField("seq", msg.SequenceID).Debug("duplicate broadcast")
			return nil
		}
		*lastSeq = msg.SequenceID
		if !c.deliver(gen, func(o Observer) { o.OnMessage(msg) }) {
			return ErrClosed
		}
	case FrameRoster:
		update, err := f.rosterUpdate()
		if err != nil {
			return err
		}
		if !c.deliver(gen, func(o Observer) { o.OnRoster(update) }) {
			return ErrClosed
		}
	case FrameError:
		rejected := &RejectedError{Reason: f.Reason, Message: f.Message}
		if rejected.terminal() {
			return rejected
		}
		notice := Notice{Reason: f.Reason, Message: f.Message, Text: f.Text}
		if !c.deliver(gen, func(o Observer) { o.OnNotice(notice) }) {
			return ErrClosed
		}
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unexpected %s frame from server", f.Type)}
	}
	return nil
}

type nopObserver struct{}

func (nopObserver) OnStateChange(State, error) {}
func (nopObserver) OnMessage(ChatMessage)      {}
func (nopObserver) OnRoster(RosterUpdate)      {}
func (nopObserver) OnNotice(Notice)            {}
