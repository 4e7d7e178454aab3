package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Policy holds the server settings that may change while it runs
type Policy struct {
	// MaxClients caps open connections, provisional ones included. 0 means no cap.
	MaxClients int
	// UniqueNames rejects a join whose name is already on the roster
	UniqueNames bool
	// RatePerSecond and RateBurst bound chat frames per participant. 0 disables.
	RatePerSecond float64
	RateBurst     int
}

// ServerConfig configures a Server
type ServerConfig struct {
	Policy

	Path               string
	SendQueueSize      int
	MaxNameLength      int
	MaxMessageLength   int
	MaxMalformedFrames int
	WriteTimeout       time.Duration
	PingInterval       time.Duration

	Logger *log.Entry
	Now    func() time.Time
}

// DefaultServerConfig returns the default server settings
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Policy: Policy{
			MaxClients:    10,
			RatePerSecond: 20,
			RateBurst:     40,
		},
		Path:               "/ws",
		SendQueueSize:      256,
		MaxNameLength:      32,
		MaxMessageLength:   2000,
		MaxMalformedFrames: 3,
		WriteTimeout:       5 * time.Second,
		PingInterval:       30 * time.Second,
	}
}

// participant is one accepted connection. It stays provisional and out
// of every broadcast until it joins.
type participant struct {
	id        string
	name      string
	joined    bool
	transport Transport
	limiter   *rate.Limiter
	log       *log.Entry

	// send is the outbound queue; a nil frame means close after flushing
	send chan []byte
	quit chan struct{}
}

func (p *participant) enqueue(data []byte) bool {
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// Server relays chat messages between participants. Sequence id
// allocation and fan-out happen under one mutex, so every participant
// sees broadcasts in sequence order; delivery itself runs on one writer
// goroutine per participant.
type Server struct {
	cfg      ServerConfig
	log      *log.Entry
	upgrader websocket.Upgrader

	mu           sync.Mutex
	participants map[string]*participant
	roster       *Roster
	nextSeq      uint64
	closed       bool

	wg sync.WaitGroup
}

// NewServer creates a server with cfg
func NewServer(cfg ServerConfig) *Server {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.MaxMalformedFrames <= 0 {
		cfg.MaxMalformedFrames = 3
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "server")
	}
	return &Server{
		cfg: cfg,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		participants: make(map[string]*participant),
		roster:       NewRoster(),
	}
}

// SetPolicy swaps the live policy. It applies to connections accepted afterwards.
func (s *Server) SetPolicy(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Policy = p
	s.log.WithFields(log.Fields{
		"max_clients":     p.MaxClients,
		"unique_names":    p.UniqueNames,
		"rate_per_second": p.RatePerSecond,
		"rate_burst":      p.RateBurst,
	}).Info("policy updated")
}

// Roster returns the names of all joined participants
func (s *Server) Roster() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster.Names()
}

// LastSequenceID returns the last sequence id handed out
func (s *Server) LastSequenceID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// AcceptConnection registers t as a provisional participant and returns its id.
// When the server is full t receives a server_full error frame and is closed.
func (s *Server) AcceptConnection(t Transport) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Close()
		return "", ErrClosed
	}
	if max := s.cfg.MaxClients; max > 0 && len(s.participants) >= max {
		s.mu.Unlock()
		s.log.WithField("remote", t.RemoteAddr()).Warn("rejecting connection, chat is full")
		if data, err := EncodeFrame(errorFrame(ReasonServerFull, "Chat is full. Please try again later.")); err == nil {
			t.WriteFrame(data)
		}
		t.Close()
		return "", ErrServerCapacity
	}

	id := uuid.NewString()
	p := &participant{
		id:        id,
		transport: t,
		log:       s.log.WithField("id", id),
		send:      make(chan []byte, s.cfg.SendQueueSize),
		quit:      make(chan struct{}),
	}
	if s.cfg.RatePerSecond > 0 {
		burst := s.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), burst)
	}
	s.participants[id] = p
	s.wg.Add(1)
	s.mu.Unlock()

	go s.writeLoop(p)
	p.log.WithField("remote", t.RemoteAddr()).Debug("connection accepted")
	return id, nil
}

// OnJoin gives a provisional participant its display name and adds it
// to the roster. The joiner gets a roster snapshot, everyone else a
// joined update.
func (s *Server) OnJoin(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return ErrClosed
	}
	if p.joined {
		p.log.Warn("ignoring second join")
		return &ProtocolError{Reason: "already joined"}
	}

	name, err := ValidateName(name, s.cfg.MaxNameLength)
	if err != nil {
		p.log.WithError(err).Info("invalid name")
		s.sendLocked(p, errorFrame(ReasonInvalidName, err.Error()))
		return err
	}
	if s.cfg.UniqueNames && s.roster.Contains(name) {
		p.log.WithField("name", name).Info("name already taken")
		s.sendLocked(p, errorFrame(ReasonNameTaken, fmt.Sprintf("%s is already in the chat", name)))
		p.enqueue(nil)
		return ErrNameTaken
	}

	p.name = name
	p.joined = true
	p.log = p.log.WithField("name", name)
	s.roster.Add(name)

	s.sendLocked(p, rosterFrame(RosterUpdate{Members: s.roster.Names()}))
	data, err := EncodeFrame(rosterFrame(RosterUpdate{Joined: name}))
	if err != nil {
		return err
	}
	s.fanoutLocked(data, p)
	p.log.Info("user joined")
	return nil
}

// OnMessage sequences text from participant id and broadcasts it to every
// joined participant, the sender included. Empty, oversized, rate-limited
// or pre-join messages are dropped and report false; the sender of an
// oversized or rate-limited message gets a notice back.
func (s *Server) OnMessage(id, text string) (ChatMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok || !p.joined {
		return ChatMessage{}, false
	}
	text, err := CleanText(text, s.cfg.MaxMessageLength)
	if err != nil {
		p.log.WithError(err).Debug("dropped message")
		if errors.Is(err, ErrMessageTooLong) {
			s.sendLocked(p, noticeFrame(ReasonTooLong, err.Error(), ""))
		}
		return ChatMessage{}, false
	}
	if p.limiter != nil && !p.limiter.Allow() {
		p.log.Warn("rate limit exceeded, dropped message")
		s.sendLocked(p, noticeFrame(ReasonRateLimited, "sending too fast, message not delivered", text))
		return ChatMessage{}, false
	}

	s.nextSeq++
	msg := ChatMessage{
		SequenceID: s.nextSeq,
		Sender:     p.name,
		Text:       text,
		Timestamp:  s.cfg.Now(),
	}
	data, err := EncodeFrame(broadcastFrame(msg))
	if err != nil {
		p.log.WithError(err).Error("dropped message")
		s.nextSeq--
		return ChatMessage{}, false
	}
	s.fanoutLocked(data, nil)
	p.log.WithField("seq", msg.SequenceID).Debug("broadcast")
	return msg, true
}

// OnDisconnect removes participant id and tells the others it left.
// Calling it again for the same id does nothing.
func (s *Server) OnDisconnect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[id]; ok {
		s.dropLocked(p, "disconnected")
	}
}

// Serve runs the read side of t until it fails, then disconnects it
func (s *Server) Serve(t Transport) error {
	id, err := s.AcceptConnection(t)
	if err != nil {
		return err
	}
	defer s.OnDisconnect(id)

	malformed := 0
	for {
		data, err := t.ReadFrame()
		if err != nil {
			if isClosedError(err) {
				return nil
			}
			return err
		}

		f, err := DecodeFrame(data)
		if err != nil {
			malformed++
			s.log.WithError(err).WithField("id", id).Warn("dropped frame")
			if malformed >= s.cfg.MaxMalformedFrames {
				return fmt.Errorf("participant %s: %w", id, err)
			}
			continue
		}
		malformed = 0

		switch f.Type {
		case FrameJoin:
			s.OnJoin(id, f.Name)
		case FrameChat:
			s.OnMessage(id, f.Text)
		default:
			s.log.WithField("id", id).WithField("type", f.Type).Warn("unexpected frame from client")
		}
	}
}

// ServeHTTP upgrades the request to a websocket and serves it
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	t := NewWebsocketTransport(conn, TransportOptions{
		ReadLimit:    FrameLimit(s.cfg.MaxMessageLength),
		WriteTimeout: s.cfg.WriteTimeout,
		PingInterval: s.cfg.PingInterval,
	})
	if err := s.Serve(t); err != nil && !errors.Is(err, ErrServerCapacity) {
		s.log.WithError(err).Debug("connection ended")
	}
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// Run listens on addr until ctx is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return s.RunListener(ctx, listener)
}

// RunListener serves on listener until ctx is cancelled
func (s *Server) RunListener(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.WithField("addr", listener.Addr().String()).Info("listening")
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		return err
	})
	return g.Wait()
}

// Close disconnects every participant and refuses new connections
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	var open []*participant
	for _, p := range s.participants {
		delete(s.participants, p.id)
		close(p.quit)
		open = append(open, p)
	}
	s.roster = NewRoster()
	s.mu.Unlock()

	// unblocks writers stuck in a write
	for _, p := range open {
		p.transport.Close()
	}
	s.wg.Wait()
	s.log.Info("server stopped")
}

func (s *Server) writeLoop(p *participant) {
	defer s.wg.Done()
	defer p.transport.Close()
	for {
		select {
		case <-p.quit:
			return
		case data := <-p.send:
			if data == nil {
				return
			}
			if err := p.transport.WriteFrame(data); err != nil {
				p.log.WithError(err).Info("send failed")
				s.OnDisconnect(p.id)
				return
			}
		}
	}
}

func (s *Server) sendLocked(p *participant, f Frame) {
	data, err := EncodeFrame(f)
	if err != nil {
		p.log.WithError(err).Error("dropped frame")
		return
	}
	if !p.enqueue(data) {
		s.dropLocked(p, "send queue full")
	}
}

// fanoutLocked queues data for every joined participant except skip.
// Participants whose queue is full are dropped after the loop so the
// others still get data before any leave notice.
func (s *Server) fanoutLocked(data []byte, skip *participant) {
	var stalled []*participant
	for _, p := range s.participants {
		if !p.joined || p == skip {
			continue
		}
		if !p.enqueue(data) {
			stalled = append(stalled, p)
		}
	}
	for _, p := range stalled {
		s.dropLocked(p, "send queue full")
	}
}

func (s *Server) dropLocked(p *participant, reason string) {
	if _, ok := s.participants[p.id]; !ok {
		return
	}
	delete(s.participants, p.id)
	close(p.quit)
	// Close may block on a close frame, keep it off the lock
	go p.transport.Close()
	if !p.joined {
		p.log.WithField("reason", reason).Debug("provisional connection closed")
		return
	}

	s.roster.Remove(p.name)
	p.log.WithField("reason", reason).Info("user left")
	data, err := EncodeFrame(rosterFrame(RosterUpdate{Left: p.name}))
	if err != nil {
		return
	}
	s.fanoutLocked(data, nil)
}
