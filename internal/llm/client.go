// Package llm holds the conversational model client: per-session history,
// the web_search tool round-trip and the Gemini backend.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

const (
	// DefaultModel is used when Options.Model is empty
	DefaultModel = "gemini-2.0-flash"

	// FallbackReply is returned in place of a reply when the model fails
	FallbackReply = "Arre yaar, something went wrong on my end. Let's try that again."
)

var errNoCandidates = errors.New("llm: model returned no candidates")

// Generator produces a model response for a conversation.
// *genai.Models satisfies it.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Options configures a Client. Zero values use defaults.
type Options struct {
	Model    string
	MaxTurns int

	// Persona builds the system instruction for the given day
	Persona func(today time.Time) string
	Now     func() time.Time

	Breaker *resilience.CircuitBreaker
	Retry   *resilience.RetryConfig
	Logger  *zerolog.Logger
}

// Client is one conversation with the model. Calls to Respond are serialized.
type Client struct {
	gen   Generator
	tools *Tools
	opts  Options

	mu      sync.Mutex
	history *History
	logger  zerolog.Logger
}

// New creates a conversation client. tools may be nil.
func New(gen Generator, tools *Tools, opts Options) *Client {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Persona == nil {
		opts.Persona = Persona
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker("gemini", 5, 30*time.Second)
	}
	logger := observability.ForComponent("llm")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		gen:     gen,
		tools:   tools,
		opts:    opts,
		history: NewHistory(opts.MaxTurns),
		logger:  logger,
	}
}

// Persona is the default system instruction
func Persona(today time.Time) string {
	return "You are a friendly and helpful girl from India. You speak casually, like you're talking to a friend (yaar). " +
		"Use a mix of English and some common Hindi words where it feels natural. " +
		"Be warm, encouraging, and maintain a friendly, conversational tone. Keep replies short and chat-like. " +
		"Today's date is: " + today.Format("January 2, 2006") + ". " +
		"Use web_search for real-time information when needed."
}

// Respond adds prompt to the conversation and returns the model's reply.
// It never fails: backend errors yield FallbackReply. The user turn and any
// completed tool round-trip stay in the history either way.
func (c *Client) Respond(ctx context.Context, prompt string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history.add(Turn{Role: RoleUser, Content: genai.NewContentFromText(prompt, genai.RoleUser)})

	reply, err := c.respond(ctx, prompt)
	if err != nil {
		c.logger.Error().Err(err).Msg("Model request failed")
		observability.RecordError("generate", "llm")
		return FallbackReply
	}

	if dropped := c.history.trim(); dropped > 0 {
		c.logger.Debug().Int("dropped", dropped).Int("turns", c.history.Len()).Msg("Trimmed conversation history")
	}
	return reply
}

func (c *Client) respond(ctx context.Context, prompt string) (string, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(c.opts.Persona(c.opts.Now()), genai.RoleUser),
	}
	if decls := c.tools.Declarations(); len(decls) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := c.generate(ctx, config)
	if err != nil {
		return "", err
	}

	c.history.add(Turn{Role: RoleModel, Content: modelContent(resp)})

	calls := resp.FunctionCalls()
	if len(calls) == 0 {
		return resp.Text(), nil
	}

	for _, call := range calls {
		c.logger.Info().Str("tool", call.Name).Msg("Model requested tool")
		payload := c.tools.Execute(ctx, ToolCall{Name: call.Name, Args: call.Args, Prompt: prompt})
		part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
			ID:       call.ID,
			Name:     call.Name,
			Response: payload,
		}}
		c.history.add(Turn{Role: RoleTool, Content: genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser)})
	}

	// The final pass declares no tools so one prompt runs at most one round-trip
	final, err := c.generate(ctx, &genai.GenerateContentConfig{SystemInstruction: config.SystemInstruction})
	if err != nil {
		return "", err
	}
	c.history.add(Turn{Role: RoleModel, Content: modelContent(final)})
	return final.Text(), nil
}

func (c *Client) generate(ctx context.Context, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	start := time.Now()
	var resp *genai.GenerateContentResponse
	err := c.opts.Breaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			var err error
			resp, err = c.gen.GenerateContent(ctx, c.opts.Model, c.history.Contents(), config)
			if err != nil {
				return err
			}
			if resp == nil || len(resp.Candidates) == 0 {
				return errNoCandidates
			}
			return nil
		}, c.opts.Retry, resilience.IsRetryableNetworkError)
	})
	observability.RecordStageOutcome(observability.StageModel, err == nil)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	c.logger.Debug().Dur("latency", time.Since(start)).Msg("Model responded")
	return resp, nil
}

// modelContent returns the first candidate's content with the model role
func modelContent(resp *genai.GenerateContentResponse) *genai.Content {
	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return genai.NewContentFromText(resp.Text(), genai.RoleModel)
	}
	content := *cand.Content
	content.Role = string(genai.RoleModel)
	return &content
}

// History returns the plain-text view of the conversation
func (c *Client) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Messages()
}

// Turns returns a copy of the raw history
func (c *Client) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Turns()
}

// Reset clears the conversation
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history.Reset()
}

// GeminiGenerator calls the Gemini API with the current key, rebuilding the
// genai client when the key changes.
type GeminiGenerator struct {
	apiKey func() string

	mu        sync.Mutex
	client    *genai.Client
	clientKey string
}

// NewGeminiGenerator creates a generator; apiKey is read per request
func NewGeminiGenerator(apiKey func() string) *GeminiGenerator {
	return &GeminiGenerator{apiKey: apiKey}
}

// GenerateContent implements Generator
func (g *GeminiGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	client, err := g.get(ctx)
	if err != nil {
		return nil, err
	}
	return client.Models.GenerateContent(ctx, model, contents, config)
}

func (g *GeminiGenerator) get(ctx context.Context) (*genai.Client, error) {
	key := strings.TrimSpace(g.apiKey())
	if key == "" {
		return nil, fmt.Errorf("gemini api key is not configured")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil && g.clientKey == key {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	g.client = client
	g.clientKey = key
	return client, nil
}

// Ping reports whether a key is configured
func (g *GeminiGenerator) Ping(context.Context) (bool, error) {
	if strings.TrimSpace(g.apiKey()) == "" {
		return false, fmt.Errorf("gemini api key is not configured")
	}
	return true, nil
}
