package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/model"
)

// TextSummarizer produces a deterministic extractive summary without a model
// call: one line per text-bearing event, prefixed with its author.
type TextSummarizer struct {
	// MaxLineLen truncates individual lines; zero means no truncation.
	MaxLineLen int
}

// NewTextSummarizer returns a summarizer truncating lines at 200 runes.
func NewTextSummarizer() *TextSummarizer {
	return &TextSummarizer{MaxLineLen: 200}
}

// Summarize implements Summarizer.
func (s *TextSummarizer) Summarize(_ context.Context, events []core.Event) (string, error) {
	var lines []string
	for _, ev := range events {
		text := ev.Text()
		if text == "" {
			continue
		}
		if s.MaxLineLen > 0 {
			if runes := []rune(text); len(runes) > s.MaxLineLen {
				text = string(runes[:s.MaxLineLen]) + "..."
			}
		}
		lines = append(lines, fmt.Sprintf("%s: %s", ev.Author, text))
	}
	if len(lines) == 0 {
		return "(no conversational content)", nil
	}
	return "Conversation so far:\n" + strings.Join(lines, "\n"), nil
}

// ModelSummarizer asks a language model to condense the span. Failures
// propagate to the compactor, which leaves the log untouched and retries on
// the next interval.
type ModelSummarizer struct {
	model        model.Model
	instructions string
}

// NewModelSummarizer wraps a model for summarization. Pass a retry-wrapped
// model so transient provider failures do not abort compaction prematurely.
func NewModelSummarizer(m model.Model) *ModelSummarizer {
	return &ModelSummarizer{
		model:        m,
		instructions: "Summarize the following conversation in a few sentences. Preserve decisions, facts and open questions.",
	}
}

// Summarize implements Summarizer.
func (s *ModelSummarizer) Summarize(ctx context.Context, events []core.Event) (string, error) {
	var contents []core.Content
	for _, ev := range events {
		if ev.Content == nil || ev.Text() == "" {
			continue
		}
		contents = append(contents, *ev.Content)
	}
	if len(contents) == 0 {
		return "(no conversational content)", nil
	}

	resp, err := s.model.Generate(ctx, model.Request{
		Instructions: s.instructions,
		Contents:     contents,
	})
	if err != nil {
		return "", fmt.Errorf("model summarization: %w", err)
	}
	summary := resp.Content.Text()
	if summary == "" {
		return "", fmt.Errorf("model summarization returned empty content")
	}
	return summary, nil
}
