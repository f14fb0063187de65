// Package router decides, for each inbound message, whether it follows a
// deterministic tag path or needs inferred classification.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kairon-os/kairon/internal/ledger"
)

// Intent is the processing path chosen for a message.
type Intent string

const (
	IntentActivity         Intent = "activity"
	IntentNote             Intent = "note"
	IntentTodo             Intent = "todo"
	IntentConversation     Intent = "conversation"
	IntentSaveConversation Intent = "save_conversation"
	IntentCommand          Intent = "command"
	IntentCapture          Intent = "capture"
)

// Deterministic tag table. Symbols may be glued to the text that follows.
var prefixTable = map[string]Intent{
	"!!": IntentActivity,
	"..": IntentNote,
	"$$": IntentTodo,
	"++": IntentConversation,
	"--": IntentSaveConversation,
	"::": IntentCommand,
}

// Word aliases need a following space or must be the whole message.
var aliasTable = map[string]Intent{
	"act":   IntentActivity,
	"note":  IntentNote,
	"todo":  IntentTodo,
	"to-do": IntentTodo,
	"chat":  IntentConversation,
	"save":  IntentSaveConversation,
	"cmd":   IntentCommand,
}

// Tag is a matched prefix.
type Tag struct {
	Prefix string
	Intent Intent
	// Text is the remainder after the prefix, trimmed.
	Text string
}

// ParseTag matches the tag table at position 0 only.
func ParseTag(text string) (Tag, bool) {
	if len(text) >= 2 {
		if intent, ok := prefixTable[text[:2]]; ok {
			return Tag{Prefix: text[:2], Intent: intent, Text: strings.TrimSpace(text[2:])}, true
		}
	}
	end := strings.IndexFunc(text, unicode.IsSpace)
	word := text
	if end >= 0 {
		word = text[:end]
	}
	if intent, ok := aliasTable[strings.ToLower(word)]; ok {
		return Tag{Prefix: word, Intent: intent, Text: strings.TrimSpace(text[len(word):])}, true
	}
	return Tag{}, false
}

// Classification is the output of an inferred routing call.
type Classification struct {
	Label      string
	Confidence float64
	Reasoning  string
	Meta       ledger.ReasoningMeta
}

// Classifier infers an intent for untagged text.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// Decision is the routing outcome for one message. It never leaves a
// message unrouted.
type Decision struct {
	Intent Intent
	Tag    *Tag
	// Text is the content to process: the tag remainder or the full message.
	Text string
	// Classified is set when a classification call was made; only then does
	// the caller record a classification trace.
	Classified     bool
	Classification Classification
	ClassifyErr    error
	FallbackReason string
}

// Deterministic reports whether the decision came from the tag table.
func (d Decision) Deterministic() bool { return d.Tag != nil }

// Router applies the tag table, then classification with a confidence floor.
type Router struct {
	classifier Classifier
	threshold  float64
}

// DefaultThreshold is the minimum confidence to accept a classification.
const DefaultThreshold = 0.5

// New returns a Router. A non-positive threshold uses DefaultThreshold.
func New(classifier Classifier, threshold float64) *Router {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Router{classifier: classifier, threshold: threshold}
}

// Route decides the path for text.
func (r *Router) Route(ctx context.Context, text string) Decision {
	if tag, ok := ParseTag(text); ok {
		return Decision{Intent: tag.Intent, Tag: &tag, Text: tag.Text}
	}
	d := Decision{Intent: IntentConversation, Text: strings.TrimSpace(text)}
	if r.classifier == nil {
		d.FallbackReason = "no classifier configured"
		return d
	}
	d.Classified = true
	c, err := r.classifier.Classify(ctx, d.Text)
	d.Classification = c
	if err != nil {
		d.ClassifyErr = err
		d.FallbackReason = fmt.Sprintf("classification failed: %v", err)
		slog.Warn("Classification failed, routing to conversation", "error", err)
		return d
	}
	intent, ok := labelIntent(c.Label)
	switch {
	case !ok:
		d.FallbackReason = fmt.Sprintf("unrecognized label %q", c.Label)
	case c.Confidence < 0 || c.Confidence > 1:
		d.FallbackReason = fmt.Sprintf("confidence %.2f out of range", c.Confidence)
	case c.Confidence < r.threshold:
		d.FallbackReason = fmt.Sprintf("confidence %.2f below %.2f", c.Confidence, r.threshold)
	default:
		d.Intent = intent
	}
	if d.FallbackReason != "" {
		slog.Info("Classification fell back to conversation", "label", c.Label, "confidence", c.Confidence, "reason", d.FallbackReason)
	}
	return d
}

func labelIntent(label string) (Intent, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "capture", "activity", "note", "todo":
		return IntentCapture, true
	case "conversation", "chat", "question":
		return IntentConversation, true
	}
	return "", false
}

// IsCapture reports whether the intent stores a single typed projection.
func (i Intent) IsCapture() bool {
	return i == IntentActivity || i == IntentNote || i == IntentTodo
}

// Preview shortens text for log lines.
func Preview(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	r := []rune(text)
	return string(r[:n]) + "..."
}
