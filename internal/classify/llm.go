package classify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"mnemo/internal/breaker"
	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// llmConfidence is reported for answers the model produced. The model gives
// no calibrated score, so fallback results carry one fixed value above the
// low-confidence threshold.
const llmConfidence = 0.85

const llmTimeout = 15 * time.Second

// ErrAPIKeyRequired is returned when the fallback is enabled without a key.
var ErrAPIKeyRequired = errors.New("API key required")

// Fallback resolves a low-confidence classification with an external model.
type Fallback interface {
	ClassifyText(ctx context.Context, text string) (types.EntryType, error)
}

// AnthropicFallback asks a small Claude model to pick the artifact kind.
// Every call runs under the shared "llm" circuit breaker.
type AnthropicFallback struct {
	client  anthropic.Client
	model   anthropic.Model
	breaker *breaker.Breaker
}

// NewAnthropicFallback creates the fallback client. Env var ANTHROPIC_API_KEY
// takes precedence over the configured key.
func NewAnthropicFallback(apiKey, model string, breakers *breaker.Registry) (*AnthropicFallback, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or classification.llm_api_key", ErrAPIKeyRequired)
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicFallback{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   anthropic.Model(model),
		breaker: breakers.Get("llm"),
	}, nil
}

const classifyPrompt = `Classify the following text into exactly one category:

- guideline: a rule, policy, or convention about how work should be done
- tool: a command, CLI invocation, or description of how to run something
- knowledge: a fact, decision, or piece of context worth remembering

Respond with only the single category word, nothing else.

Text:
%s`

// ClassifyText asks the model for a category. Answers outside the closed set
// are errors; the caller falls back to the regex result.
func (f *AnthropicFallback) ClassifyText(ctx context.Context, text string) (types.EntryType, error) {
	ctx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	var answer types.EntryType
	err := f.breaker.Execute(func() error {
		message, err := f.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     f.model,
			MaxTokens: 8,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf(classifyPrompt, text))),
			},
		})
		if err != nil {
			return fmt.Errorf("llm classification call failed: %w", err)
		}
		if len(message.Content) == 0 || message.Content[0].Type != "text" {
			return fmt.Errorf("llm classification returned no text block")
		}

		word := types.EntryType(strings.ToLower(strings.TrimSpace(message.Content[0].Text)))
		switch word {
		case types.EntryGuideline, types.EntryTool, types.EntryKnowledge:
			answer = word
			return nil
		default:
			return fmt.Errorf("llm classification returned unknown category %q", word)
		}
	})
	if err != nil {
		return "", err
	}
	logging.ClassifyDebug("LLM fallback classified input as %s", answer)
	return answer, nil
}
