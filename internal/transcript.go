package internal

// TranscriptEntry is one rendered line of the transcript. Entries are
// never modified after Append returns them.
type TranscriptEntry struct {
	ChatMessage
	FormattedLine string
	ColorClass    string
	// Local marks lines that never went through the server
	// (offline fallback and System notices); their SequenceID is 0.
	Local bool
}

// Transcript is the ordered, append-only log of a session.
// It is owned by the UI goroutine and is not safe for concurrent use.
type Transcript struct {
	colors  ColorAssigner
	entries []TranscriptEntry
}

// NewTranscript creates an empty transcript for the local user self
func NewTranscript(self string) *Transcript {
	return &Transcript{colors: ColorAssigner{Self: self}}
}

// Append formats msg and stores it after every existing entry
func (t *Transcript) Append(msg ChatMessage) TranscriptEntry {
	return t.append(msg, false)
}

// AppendLocal stores a line that was not sequenced by the server
func (t *Transcript) AppendLocal(msg ChatMessage) TranscriptEntry {
	msg.SequenceID = 0
	return t.append(msg, true)
}

func (t *Transcript) append(msg ChatMessage, local bool) TranscriptEntry {
	entry := TranscriptEntry{
		ChatMessage:   msg,
		FormattedLine: FormatLine(msg.Timestamp, msg.Sender, msg.Text),
		ColorClass:    t.colors.Classify(msg.Sender),
		Local:         local,
	}
	t.entries = append(t.entries, entry)
	return entry
}

// Entries returns a copy of all entries in insertion order
func (t *Transcript) Entries() []TranscriptEntry {
	out := make([]TranscriptEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries
func (t *Transcript) Len() int {
	return len(t.entries)
}

// Colors returns the assigner used for this transcript
func (t *Transcript) Colors() ColorAssigner {
	return t.colors
}
