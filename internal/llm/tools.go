package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/lexiqai/voice-agent/internal/observability"
)

var (
	// ErrToolNotFound is reported to the model when it calls an unregistered tool
	ErrToolNotFound = errors.New("llm: tool not found")

	// ErrEmptyToolName is returned when registering a declaration without a name
	ErrEmptyToolName = errors.New("llm: tool name is empty")

	// ErrToolExists is returned when registering the same name twice
	ErrToolExists = errors.New("llm: tool already registered")
)

// WebSearchTool is the name of the web search tool
const WebSearchTool = "web_search"

// ToolCall is one tool invocation requested by the model
type ToolCall struct {
	Name string
	Args map[string]any

	// Prompt is the user utterance that led to the call
	Prompt string
}

// ToolHandler runs a tool and returns its result text
type ToolHandler func(ctx context.Context, call ToolCall) (string, error)

type toolEntry struct {
	decl    *genai.FunctionDeclaration
	handler ToolHandler
}

// Tools is a registry of tools the model may call
type Tools struct {
	mu      sync.RWMutex
	entries map[string]toolEntry
}

// NewTools creates an empty registry
func NewTools() *Tools {
	return &Tools{entries: make(map[string]toolEntry)}
}

// Register adds a tool. Returns ErrToolExists if the name is taken.
func (t *Tools) Register(decl *genai.FunctionDeclaration, handler ToolHandler) error {
	if decl == nil || decl.Name == "" {
		return ErrEmptyToolName
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[decl.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolExists, decl.Name)
	}
	t.entries[decl.Name] = toolEntry{decl: decl, handler: handler}
	return nil
}

// Declarations returns every registered declaration ordered by name
func (t *Tools) Declarations() []*genai.FunctionDeclaration {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	decls := make([]*genai.FunctionDeclaration, 0, len(t.entries))
	for _, e := range t.entries {
		decls = append(decls, e.decl)
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
	return decls
}

// Execute runs the named tool. Failures, including an unknown name, are
// returned as an error payload for the model rather than a Go error.
func (t *Tools) Execute(ctx context.Context, call ToolCall) map[string]any {
	var entry toolEntry
	var exists bool
	if t != nil {
		t.mu.RLock()
		entry, exists = t.entries[call.Name]
		t.mu.RUnlock()
	}

	if !exists {
		observability.RecordToolCall("unknown", false)
		return map[string]any{"error": fmt.Sprintf("%v: %s", ErrToolNotFound, call.Name)}
	}

	result, err := entry.handler(ctx, call)
	observability.RecordToolCall(call.Name, err == nil)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("tool %s execution failed: %v", call.Name, err)}
	}
	return map[string]any{"results": result}
}

// Searcher answers a web search query with result text
type Searcher interface {
	Query(ctx context.Context, query string) (string, error)
}

// WebSearchDeclaration describes web_search(query: string) to the model
func WebSearchDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        WebSearchTool,
		Description: "Search the web for real-time information, news, weather, and updated data",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"query": {
					Type:        genai.TypeString,
					Description: "The search query to look up real-time information",
				},
			},
			Required: []string{"query"},
		},
	}
}

// WebSearchHandler runs the query through s. A missing query falls back to the prompt.
func WebSearchHandler(s Searcher) ToolHandler {
	return func(ctx context.Context, call ToolCall) (string, error) {
		query, _ := call.Args["query"].(string)
		if strings.TrimSpace(query) == "" {
			query = call.Prompt
		}
		return s.Query(ctx, query)
	}
}

// NewWebSearchTools returns a registry holding only web_search backed by s
func NewWebSearchTools(s Searcher) *Tools {
	t := NewTools()
	_ = t.Register(WebSearchDeclaration(), WebSearchHandler(s))
	return t
}
