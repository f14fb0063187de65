package reasoning

import (
	"context"
	"strings"

	"github.com/kairon-os/kairon/internal/ledger"
	"github.com/kairon-os/kairon/internal/provider"
	"github.com/kairon-os/kairon/internal/router"
)

// Classify infers the intent of an untagged message. It satisfies
// router.Classifier.
func (r *Reasoner) Classify(ctx context.Context, text string) (router.Classification, error) {
	var out struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	meta, err := r.call(ctx, schemaClassification, []provider.Message{
		{Role: "system", Content: classifyPrompt},
		{Role: "user", Content: text},
	}, &out)
	c := router.Classification{Meta: meta}
	if err != nil {
		return c, err
	}
	c.Label = out.Intent
	c.Confidence = out.Confidence
	c.Reasoning = out.Reasoning
	return c, nil
}

type candidate struct {
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Title       string  `json:"title"`
	Text        string  `json:"text"`
	Priority    string  `json:"priority"`
	Confidence  float64 `json:"confidence"`
}

// body returns the main text of a candidate whichever key the model used.
func (c candidate) body() string {
	if s := strings.TrimSpace(c.Description); s != "" {
		return s
	}
	return strings.TrimSpace(c.Text)
}

// ExtractMulti asks for up to one activity, note and todo in a single call.
// Confidence gating is left to the caller.
func (r *Reasoner) ExtractMulti(ctx context.Context, text string, vocab []string) (ledger.MultiExtractionResult, error) {
	var out struct {
		Activity *candidate `json:"activity"`
		Note     *candidate `json:"note"`
		Todo     *candidate `json:"todo"`
	}
	meta, err := r.call(ctx, schemaMulti, []provider.Message{
		{Role: "system", Content: multiPrompt + "\n" + vocabularyLine(vocab)},
		{Role: "user", Content: text},
	}, &out)
	res := ledger.MultiExtractionResult{ReasoningMeta: meta, Input: text}
	if err != nil {
		return res, err
	}
	if c := out.Activity; c != nil {
		res.Activity = &ledger.Activity{Category: c.Category, Description: c.body(), Confidence: c.Confidence}
	}
	if c := out.Note; c != nil {
		res.Note = &ledger.Note{Category: c.Category, Title: c.Title, Text: c.body(), Confidence: c.Confidence}
	}
	if c := out.Todo; c != nil {
		res.Todo = &ledger.Todo{Category: c.Category, Description: c.body(), Priority: c.Priority, Confidence: c.Confidence}
	}
	return res, nil
}

// ExtractSingle shapes a tag-routed message into one record of kind.
func (r *Reasoner) ExtractSingle(ctx context.Context, kind, text string, vocab []string) (ledger.SingleExtractionResult, error) {
	var out struct {
		Category string `json:"category"`
		Title    string `json:"title"`
		Text     string `json:"text"`
		Priority string `json:"priority"`
	}
	meta, err := r.call(ctx, schemaSingle, []provider.Message{
		{Role: "system", Content: singlePromptFor(kind) + "\n" + vocabularyLine(vocab)},
		{Role: "user", Content: text},
	}, &out)
	res := ledger.SingleExtractionResult{ReasoningMeta: meta, Kind: kind, Text: text}
	if err != nil {
		return res, err
	}
	res.Category = out.Category
	res.Title = out.Title
	res.Text = out.Text
	res.Priority = out.Priority
	return res, nil
}

func singlePromptFor(kind string) string {
	return strings.Replace(singlePrompt, "KIND", kind, 1)
}

// Summarize condenses lines (a thread transcript or recent records).
func (r *Reasoner) Summarize(ctx context.Context, threadID string, lines []string) (ledger.SummaryResult, error) {
	var out struct {
		Summary string   `json:"summary"`
		Items   []string `json:"items"`
	}
	meta, err := r.call(ctx, schemaSummary, []provider.Message{
		{Role: "system", Content: summaryPrompt},
		{Role: "user", Content: strings.Join(lines, "\n")},
	}, &out)
	res := ledger.SummaryResult{ReasoningMeta: meta, ThreadID: threadID}
	if err != nil {
		return res, err
	}
	res.Summary = out.Summary
	res.Items = out.Items
	return res, nil
}

// Converse produces a plain-text reply to prompt given the prior turns.
func (r *Reasoner) Converse(ctx context.Context, threadID string, history []provider.Message, prompt string) (ledger.ConversationResult, error) {
	messages := make([]provider.Message, 0, len(history)+2)
	messages = append(messages, provider.Message{Role: "system", Content: conversePrompt})
	messages = append(messages, history...)
	messages = append(messages, provider.Message{Role: "user", Content: prompt})

	var reply string
	meta, err := r.call(ctx, "", messages, &reply)
	return ledger.ConversationResult{ReasoningMeta: meta, ThreadID: threadID, Prompt: prompt, Reply: reply}, err
}
