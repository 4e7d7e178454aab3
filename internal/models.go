package internal

import (
	"encoding/json"
	"fmt"
	"time"
)

// SystemSender is the sender name used for server and connection notices
const SystemSender = "System"

// DefaultPlayerName is used when no display name is given
const DefaultPlayerName = "Player X"

// ChatMessage represents a chat message accepted by the server
type ChatMessage struct {
	SequenceID uint64
	Sender     string
	Text       string
	Timestamp  time.Time
}

// Frame types on the wire
const (
	FrameJoin   = "join"
	FrameChat   = "chat"
	FrameRoster = "roster"
	FrameError  = "error"
)

// Rejection reasons carried by error frames
const (
	ReasonServerFull  = "server_full"
	ReasonNameTaken   = "name_taken"
	ReasonInvalidName = "invalid_name"
	// the two below refuse one message and keep the connection open
	ReasonRateLimited = "rate_limited"
	ReasonTooLong     = "message_too_long"
)

// Frame is the JSON envelope for every message on a connection.
// Which fields are set depends on Type.
type Frame struct {
	Type string `json:"type"`

	// join
	Name string `json:"name,omitempty"`

	// chat (both directions)
	Text       string `json:"text,omitempty"`
	SequenceID uint64 `json:"sequenceId,omitempty"`
	Sender     string `json:"sender,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`

	// roster
	Joined  string   `json:"joined,omitempty"`
	Left    string   `json:"left,omitempty"`
	Members []string `json:"members,omitempty"`

	// error; a refused message comes back in Text
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// RosterUpdate is a roster change pushed by the server.
// Members is set only for the snapshot sent right after joining.
type RosterUpdate struct {
	Joined  string
	Left    string
	Members []string
}

// Notice is a non-fatal refusal from the server. Text holds the refused
// message when the server sent it back.
type Notice struct {
	Reason  string
	Message string
	Text    string
}

// IsSnapshot reports whether the update replaces the whole roster
func (r RosterUpdate) IsSnapshot() bool {
	return r.Members != nil
}

func joinFrame(name string) Frame {
	return Frame{Type: FrameJoin, Name: name}
}

func chatFrame(text string) Frame {
	return Frame{Type: FrameChat, Text: text}
}

func broadcastFrame(msg ChatMessage) Frame {
	return Frame{
		Type:       FrameChat,
		SequenceID: msg.SequenceID,
		Sender:     msg.Sender,
		Text:       msg.Text,
		Timestamp:  msg.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func rosterFrame(update RosterUpdate) Frame {
	return Frame{
		Type:    FrameRoster,
		Joined:  update.Joined,
		Left:    update.Left,
		Members: update.Members,
	}
}

func errorFrame(reason, message string) Frame {
	return Frame{Type: FrameError, Reason: reason, Message: message}
}

func noticeFrame(reason, message, text string) Frame {
	return Frame{Type: FrameError, Reason: reason, Message: message, Text: text}
}

// EncodeFrame marshals a frame for the wire
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// DecodeFrame parses one frame. Anything that is not a JSON object with a
// known type is reported as a *ProtocolError.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	switch f.Type {
	case FrameJoin, FrameChat, FrameRoster, FrameError:
		return f, nil
	case "":
		return Frame{}, &ProtocolError{Reason: "missing frame type"}
	default:
		return Frame{}, &ProtocolError{Reason: fmt.Sprintf("unknown frame type %q", f.Type)}
	}
}

// chatMessage converts a server broadcast into a ChatMessage
func (f Frame) chatMessage() (ChatMessage, error) {
	if f.SequenceID == 0 || f.Sender == "" {
		return ChatMessage{}, &ProtocolError{Reason: "chat broadcast without sequenceId or sender"}
	}
	ts, err := time.Parse(time.RFC3339Nano, f.Timestamp)
	if err != nil {
		return ChatMessage{}, &ProtocolError{Reason: "bad timestamp", Err: err}
	}
	return ChatMessage{
		SequenceID: f.SequenceID,
		Sender:     f.Sender,
		Text:       f.Text,
		Timestamp:  ts.Local(),
	}, nil
}

func (f Frame) rosterUpdate() (RosterUpdate, error) {
	if f.Joined == "" && f.Left == "" && f.Members == nil {
		return RosterUpdate{}, &ProtocolError{Reason: "empty roster update"}
	}
	return RosterUpdate{Joined: f.Joined, Left: f.Left, Members: f.Members}, nil
}
