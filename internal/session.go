package internal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrQuit is returned by HandleInput when the user asked to leave
var ErrQuit = errors.New("quit")

// Scheduler runs fn on the goroutine that owns the UI state
type Scheduler interface {
	Schedule(fn func())
}

// SchedulerFunc adapts a function to Scheduler
type SchedulerFunc func(fn func())

func (f SchedulerFunc) Schedule(fn func()) { f(fn) }

// View is the part of the UI a session drives. Its methods are only
// called on the scheduler's goroutine.
type View interface {
	ShowEntry(entry TranscriptEntry)
	ShowRoster(names []string)
	ShowState(state State, endpoint string)
}

// Connection is the client side of a chat connection
type Connection interface {
	Connect(endpoint string) error
	Send(text string) error
	Close() error
	State() State
}

// SessionConfig configures a Session
type SessionConfig struct {
	Endpoint  string
	Client    ClientConfig
	Scheduler Scheduler
	View      View
	Now       func() time.Time
}

// CommandFunc handles a slash command typed into the input line
type CommandFunc func(s *Session, args []string) error

// Session binds a connection, a transcript and the local roster
// projection for the UI. Apart from the Observer callbacks, its methods
// must be called on the scheduler's goroutine, which is the only writer
// of the transcript and the roster.
type Session struct {
	name     string
	endpoint string
	conn     Connection

	transcript *Transcript
	roster     *Roster
	sched      Scheduler
	view       View
	now        func() time.Time
	commands   map[string]CommandFunc
}

// NewSession creates a session and its client. Nothing connects until Start.
func NewSession(cfg SessionConfig) *Session {
	// the server trims names on join, self must match what it echoes
	cfg.Client.Name = strings.TrimSpace(cfg.Client.Name)
	if cfg.Client.Name == "" {
		cfg.Client.Name = DefaultPlayerName
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.View == nil {
		cfg.View = nopView{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = SchedulerFunc(func(fn func()) { fn() })
	}
	s := &Session{
		name:       cfg.Client.Name,
		endpoint:   cfg.Endpoint,
		transcript: NewTranscript(cfg.Client.Name),
		roster:     NewRoster(),
		sched:      cfg.Scheduler,
		view:       cfg.View,
		now:        cfg.Now,
	}
	s.conn = NewClient(cfg.Client, s)
	s.registerCommands()
	return s
}

// Name returns the local display name
func (s *Session) Name() string { return s.name }

// Endpoint returns the server endpoint
func (s *Session) Endpoint() string { return s.endpoint }

// State returns the connection state
func (s *Session) State() State { return s.conn.State() }

// Transcript returns the session transcript
func (s *Session) Transcript() *Transcript { return s.transcript }

// Roster returns the names currently known to be connected
func (s *Session) Roster() []string { return s.roster.Names() }

// Start begins connecting to the endpoint
func (s *Session) Start() error {
	return s.conn.Connect(s.endpoint)
}

// Close ends the connection
func (s *Session) Close() error {
	return s.conn.Close()
}

// SendLocal sends text to the server. If that fails for any reason the
// text is appended to the transcript locally instead, so it is never
// lost. sent reports whether it went to the server; the transcript line
// for a sent message arrives with the server's echo.
func (s *Session) SendLocal(text string) (sent bool, err error) {
	text, err = CleanText(text, 0)
	if err != nil {
		return false, err
	}
	err = s.conn.Send(text)
	if err == nil {
		return true, nil
	}
	s.appendSelf(text)
	if errors.Is(err, ErrMessageTooLong) {
		s.system("Message not sent: " + err.Error())
	}
	return false, nil
}

func (s *Session) appendSelf(text string) {
	entry := s.transcript.AppendLocal(ChatMessage{
		Sender:    s.name,
		Text:      text,
		Timestamp: s.now(),
	})
	s.view.ShowEntry(entry)
}

// HandleInput processes one line typed by the user: empty lines are
// ignored, slash commands run locally, anything else is sent.
func (s *Session) HandleInput(input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	if !strings.HasPrefix(input, "/") {
		_, err := s.SendLocal(input)
		return err
	}

	parts := strings.Fields(input)
	command := strings.TrimPrefix(parts[0], "/")
	handler, exists := s.commands[command]
	if !exists {
		s.system("Unknown command. Type /help for available commands.")
		return nil
	}
	if err := handler(s, parts[1:]); err != nil {
		if errors.Is(err, ErrQuit) {
			return err
		}
		s.system(err.Error())
	}
	return nil
}

// HelpText lists the slash commands
const HelpText = `Available commands:
/help           - Show this help
/who            - List online users
/connect        - Reconnect to the server
/quit           - Leave chat`

func (s *Session) registerCommands() {
	s.commands = map[string]CommandFunc{
		"help": func(s *Session, _ []string) error {
			for _, line := range strings.Split(HelpText, "\n") {
				s.system(line)
			}
			return nil
		},

		"who": func(s *Session, _ []string) error {
			names := s.roster.Names()
			if len(names) == 0 {
				s.system("Nobody is online.")
				return nil
			}
			s.system(fmt.Sprintf("Online users (%d): %s", len(names), strings.Join(names, ", ")))
			return nil
		},

		"connect": func(s *Session, _ []string) error {
			if err := s.conn.Connect(s.endpoint); err != nil {
				if errors.Is(err, ErrAlreadyConnected) {
					return fmt.Errorf("already %s", s.conn.State())
				}
				return err
			}
			return nil
		},

		"quit": func(s *Session, _ []string) error {
			return ErrQuit
		},
	}
}

func (s *Session) system(text string) {
	entry := s.transcript.AppendLocal(ChatMessage{
		Sender:    SystemSender,
		Text:      text,
		Timestamp: s.now(),
	})
	s.view.ShowEntry(entry)
}

// OnMessage implements Observer
func (s *Session) OnMessage(msg ChatMessage) {
	s.sched.Schedule(func() {
		s.view.ShowEntry(s.transcript.Append(msg))
	})
}

// OnRoster implements Observer
func (s *Session) OnRoster(update RosterUpdate) {
	s.sched.Schedule(func() {
		s.roster.Apply(update)
		if update.Joined != "" {
			s.system(update.Joined + " joined the chat")
		}
		if update.Left != "" {
			s.system(update.Left + " left the chat")
		}
		s.view.ShowRoster(s.roster.Names())
	})
}

// OnNotice implements Observer. A message the server refused is put back
// into the transcript as a local line.
func (s *Session) OnNotice(notice Notice) {
	s.sched.Schedule(func() {
		if notice.Text != "" {
			s.appendSelf(notice.Text)
		}
		message := notice.Message
		if message == "" {
			message = notice.Reason
		}
		s.system("Message not delivered: " + message)
	})
}

// OnStateChange implements Observer
func (s *Session) OnStateChange(state State, err error) {
	s.sched.Schedule(func() {
		switch state {
		case Connected:
			s.system("Connected to " + s.endpoint)
		case Retrying:
			s.system(fmt.Sprintf("Retrying connection: %v", err))
		case Failed:
			s.system(fmt.Sprintf("Could not connect (%v). Type /connect to try again.", err))
		}
		if state != Connected && s.roster.Len() > 0 {
			s.roster = NewRoster()
			s.view.ShowRoster(nil)
		}
		s.view.ShowState(state, s.endpoint)
	})
}

type nopView struct{}

func (nopView) ShowEntry(TranscriptEntry) {}
func (nopView) ShowRoster([]string)       {}
func (nopView) ShowState(State, string)   {}
