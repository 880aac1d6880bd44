// Package conversation holds the bounded, per-session turn log that feeds
// chat history into the answer pipeline.
package conversation

import (
	"strings"

	"github.com/google/uuid"

	"github.com/nyaysaathi/nyay-agent/retrieval"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// NoDocumentSentinel is the document context value when nothing has been
	// uploaded.
	NoDocumentSentinel = "No document uploaded."

	DefaultMaxTurns     = 20
	DefaultHistoryLimit = 6
)

// Turn is one message in the conversation. Immutable after Append.
type Turn struct {
	ID           string
	Role         string
	Content      string
	GuideSources []retrieval.Chunk
	UsedDocument bool
}

// State is the conversation log for a single session. Turns beyond the
// configured maximum are dropped from the oldest end, which makes their ids
// unreachable for feedback; that loss is accepted.
//
// A State instance belongs to exactly one session and is not safe for
// concurrent use; sessions operate on disjoint instances.
type State struct {
	turns           []Turn
	documentContext string
	language        string
	maxTurns        int
}

func NewState(language string, maxTurns int) *State {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &State{
		documentContext: NoDocumentSentinel,
		language:        language,
		maxTurns:        maxTurns,
	}
}

// Append adds a turn to the end of the log, assigning an id when the turn
// carries none, then drops oldest turns above the limit.
func (s *State) Append(turn Turn) Turn {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	s.turns = append(s.turns, turn)
	if len(s.turns) > s.maxTurns {
		s.turns = append([]Turn(nil), s.turns[len(s.turns)-s.maxTurns:]...)
	}
	return turn
}

// Turns returns a copy of the log, oldest first.
func (s *State) Turns() []Turn {
	return append([]Turn(nil), s.turns...)
}

func (s *State) Len() int {
	return len(s.turns)
}

// HistoryString renders the last limit turns as "role: content" lines, most
// recent last. It is read-only context for the next generation call, not the
// canonical log.
func (s *State) HistoryString(limit int) string {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if len(s.turns) == 0 {
		return ""
	}

	start := len(s.turns) - limit
	if start < 0 {
		start = 0
	}

	lines := make([]string, 0, len(s.turns)-start)
	for _, turn := range s.turns[start:] {
		lines = append(lines, turn.Role+": "+turn.Content)
	}
	return strings.Join(lines, "\n")
}

// Clear resets turns and document context. Language preference survives.
func (s *State) Clear() {
	s.turns = nil
	s.documentContext = NoDocumentSentinel
}

// ReplaceDocumentContext swaps the document context wholesale. Callers must
// only invoke it after a successful extraction; a failed extraction leaves
// the prior context intact by never reaching this call.
func (s *State) ReplaceDocumentContext(text string) {
	s.documentContext = text
}

func (s *State) DocumentContext() string {
	return s.documentContext
}

// HasDocument reports whether an uploaded document is loaded.
func (s *State) HasDocument() bool {
	return s.documentContext != NoDocumentSentinel && strings.TrimSpace(s.documentContext) != ""
}

func (s *State) Language() string {
	return s.language
}

func (s *State) SetLanguage(language string) {
	s.language = language
}
