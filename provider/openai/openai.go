// Package openai answers ask requests with an OpenAI-compatible chat
// completion API.
//
//	syn, err := openai.NewSynthesizer(os.Getenv("OPENAI_API_KEY"), openai.WithModel("gpt-4o-mini"))
//	mem, err := memvault.Open(path, memvault.WithSynthesizer(syn), memvault.WithAPIKey(key))
package openai

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/query"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
)

const systemPrompt = `Answer the question using only the numbered context passages.
Cite passages as [n]. If the context does not contain the answer, say so.`

// Synthesizer implements query.Synthesizer.
type Synthesizer struct {
	client      openai.Client
	model       string
	baseURL     string
	maxTokens   int64
	temperature float64
	httpClient  *http.Client
}

var _ query.Synthesizer = (*Synthesizer)(nil)

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(s *Synthesizer) { s.model = model }
}

// WithBaseURL points the synthesizer at an OpenAI-compatible endpoint, such
// as Azure OpenAI or a local server.
func WithBaseURL(url string) Option {
	return func(s *Synthesizer) { s.baseURL = url }
}

// WithMaxTokens bounds the answer length.
func WithMaxTokens(n int64) Option {
	return func(s *Synthesizer) { s.maxTokens = n }
}

// WithTemperature sets the sampling temperature. Default 0.
func WithTemperature(t float64) Option {
	return func(s *Synthesizer) { s.temperature = t }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Synthesizer) { s.httpClient = c }
}

// NewSynthesizer creates a synthesizer. An empty apiKey falls back to
// OPENAI_API_KEY, and the base URL to OPENAI_BASE_URL.
func NewSynthesizer(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, errcode.New(errcode.APIKeyRequired, "openai", "api key is required (argument or OPENAI_API_KEY)")
	}

	s := &Synthesizer{model: DefaultModel, baseURL: DefaultBaseURL, maxTokens: 1024}
	for _, opt := range opts {
		opt(s)
	}
	if s.baseURL == DefaultBaseURL {
		if env := os.Getenv("OPENAI_BASE_URL"); env != "" {
			s.baseURL = env
		}
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(s.baseURL),
		option.WithMaxRetries(0),
	}
	if s.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(s.httpClient))
	}
	s.client = openai.NewClient(reqOpts...)
	return s, nil
}

// Model returns the configured chat model.
func (s *Synthesizer) Model() string { return s.model }

// Synthesize sends the question and its fragments as one chat completion.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, fragments []query.Fragment) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(Prompt(question, fragments)),
		},
		Temperature: openai.Float(s.temperature),
	}
	if s.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(s.maxTokens)
	}

	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s returned no choices", s.model)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Prompt renders the user message for question and fragments.
func Prompt(question string, fragments []query.Fragment) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, f := range fragments {
		fmt.Fprintf(&b, "[%d] %s", f.Rank, f.Title)
		if f.URI != "" {
			fmt.Fprintf(&b, " (%s)", f.URI)
		}
		b.WriteString("\n")
		b.WriteString(f.Text)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}
