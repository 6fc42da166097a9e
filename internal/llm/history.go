package llm

import (
	"strings"

	"google.golang.org/genai"
)

// Role of a history entry
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleTool  Role = "tool"
)

// Turn is one history entry
type Turn struct {
	Role    Role
	Content *genai.Content
}

// Message is the plain-text view of a turn
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// History is the ordered conversation of one client. It is not safe for
// concurrent use; Client serializes access.
type History struct {
	turns    []Turn
	maxTurns int
}

// NewHistory creates an empty history; maxTurns <= 0 keeps everything
func NewHistory(maxTurns int) *History {
	return &History{maxTurns: maxTurns}
}

func (h *History) add(turns ...Turn) {
	h.turns = append(h.turns, turns...)
}

// Len returns the number of turns
func (h *History) Len() int {
	return len(h.turns)
}

// Turns returns a copy of the entries
func (h *History) Turns() []Turn {
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Reset drops every turn
func (h *History) Reset() {
	h.turns = nil
}

// Contents renders the history for a generate request. Consecutive tool
// turns are merged into one user content holding every function response.
func (h *History) Contents() []*genai.Content {
	contents := make([]*genai.Content, 0, len(h.turns))
	for i := 0; i < len(h.turns); i++ {
		t := h.turns[i]
		if t.Role != RoleTool {
			contents = append(contents, t.Content)
			continue
		}
		var parts []*genai.Part
		for ; i < len(h.turns) && h.turns[i].Role == RoleTool; i++ {
			parts = append(parts, h.turns[i].Content.Parts...)
		}
		i--
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	}
	return contents
}

// trim drops whole exchanges from the front until at most maxTurns remain.
// A cut always lands on a user turn, so a tool round-trip is never split;
// the newest exchange is kept even when it alone exceeds the cap.
func (h *History) trim() int {
	if h.maxTurns <= 0 || len(h.turns) <= h.maxTurns {
		return 0
	}
	cut := len(h.turns) - h.maxTurns
	for cut < len(h.turns) && h.turns[cut].Role != RoleUser {
		cut++
	}
	if cut >= len(h.turns) {
		cut = h.lastUser()
	}
	if cut <= 0 {
		return 0
	}
	h.turns = append([]Turn(nil), h.turns[cut:]...)
	return cut
}

func (h *History) lastUser() int {
	for i := len(h.turns) - 1; i >= 0; i-- {
		if h.turns[i].Role == RoleUser {
			return i
		}
	}
	return 0
}

// Messages returns the plain-text view of the history
func (h *History) Messages() []Message {
	out := make([]Message, 0, len(h.turns))
	for _, t := range h.turns {
		out = append(out, Message{Role: string(t.Role), Text: contentText(t.Content)})
	}
	return out
}

func contentText(c *genai.Content) string {
	if c == nil {
		return ""
	}
	var texts []string
	for _, p := range c.Parts {
		switch {
		case p == nil:
		case p.Text != "":
			texts = append(texts, p.Text)
		case p.FunctionCall != nil:
			texts = append(texts, "["+p.FunctionCall.Name+"]")
		case p.FunctionResponse != nil:
			texts = append(texts, "["+p.FunctionResponse.Name+" result]")
		}
	}
	return strings.Join(texts, " ")
}
