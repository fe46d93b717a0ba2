// Package brain defines the contract a Worker Client consumes from its
// local model adapter. The adapter itself (chat UI, OAuth, ethics review,
// etc.) is out of scope per spec §1; only the contract lives here.
package brain

import (
	"context"
	"regexp"
	"strings"
)

// ChatMessage is one turn in a chat-style request.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatOptions carries generation parameters opaque to the core.
type ChatOptions struct {
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// ChatResult is the Brain's synchronous chat response.
type ChatResult struct {
	Content string
}

// Chatter generates a response to a sequence of chat messages.
type Chatter interface {
	Chat(ctx context.Context, messages []ChatMessage, options ChatOptions) (ChatResult, error)
}

// Embedder produces a vector representation of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Tokenizer splits text into model-specific tokens.
type Tokenizer interface {
	Tokenize(ctx context.Context, text string) ([]string, error)
}

// GradientComputer computes gradients for a training batch, given the
// current weight version, and reports the loss observed.
type GradientComputer interface {
	ComputeGradients(ctx context.Context, batch any, weightVersion int64) (gradients map[string][]float64, loss float64, err error)
}

// Brain is the full optional-capability surface a Worker Client may use;
// any capability may be nil, per spec §6.
type Brain struct {
	Chatter
	Embedder
	Tokenizer
	GradientComputer
}

// tokenizeBoundary matches the punctuation set named in spec §4.6.
var tokenizeBoundary = regexp.MustCompile(`[.,!?;:'"(){}\[\]]`)

// FallbackTokenize splits on whitespace and the punctuation boundary set,
// dropping empty fragments, used when a Brain has no Tokenizer (spec §4.6).
func FallbackTokenize(text string) []string {
	spaced := tokenizeBoundary.ReplaceAllStringFunc(text, func(m string) string {
		return " " + m + " "
	})
	fields := strings.Fields(spaced)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// TokenizeOrFallback uses the Brain's Tokenizer if present, else FallbackTokenize.
func (b *Brain) TokenizeOrFallback(ctx context.Context, text string) ([]string, error) {
	if b.Tokenizer != nil {
		return b.Tokenizer.Tokenize(ctx, text)
	}
	return FallbackTokenize(text), nil
}

// EstimateTokenCount is the coarse whitespace-split approximation named in
// spec §4.7, used by the streaming orchestrator to track maxTotalTokens
// without invoking the Brain.
func EstimateTokenCount(text string) int {
	return len(strings.Fields(text))
}
