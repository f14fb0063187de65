// Package extract turns one multi-extraction reasoning result into the set
// of projections worth persisting.
package extract

import (
	"context"
	"math"
	"strings"

	"github.com/kairon-os/kairon/internal/ledger"
)

const (
	// DefaultMinConfidence is the gate below which sub-results are discarded.
	DefaultMinConfidence = 0.5
	// DefaultAutoConfirm is the confidence at which projections skip review.
	DefaultAutoConfirm = 0.8
	// Uncategorized replaces an empty category.
	Uncategorized = "uncategorized"
)

// Extractor performs the single multi-extraction reasoning call.
type Extractor interface {
	ExtractMulti(ctx context.Context, text string, vocab []string) (ledger.MultiExtractionResult, error)
}

// Candidate is one gated sub-result.
type Candidate struct {
	Data       ledger.ProjectionData
	Confidence float64
}

// Outcome is the result of one extraction: the raw result for the trace,
// the projections to persist and the sub-results that were dropped.
type Outcome struct {
	Result   ledger.MultiExtractionResult
	Accepted []ledger.ProjectionInput
	Dropped  []Candidate
}

// Engine applies the confidence gate to multi-extraction results.
type Engine struct {
	extractor     Extractor
	minConfidence float64
	autoConfirm   float64
}

// NewEngine returns an Engine. Non-positive thresholds use the defaults.
func NewEngine(extractor Extractor, minConfidence, autoConfirm float64) *Engine {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	if autoConfirm <= 0 {
		autoConfirm = DefaultAutoConfirm
	}
	return &Engine{extractor: extractor, minConfidence: minConfidence, autoConfirm: autoConfirm}
}

// Extract runs one reasoning call and gates its sub-results. On error the
// partial result is still returned so the caller can record the failure.
func (e *Engine) Extract(ctx context.Context, text string, vocab []string) (Outcome, error) {
	res, err := e.extractor.ExtractMulti(ctx, text, vocab)
	if err != nil {
		return Outcome{Result: res}, err
	}
	res = Normalize(res)
	accepted, dropped := split(res, e.minConfidence)
	out := Outcome{Result: res, Dropped: dropped}
	for _, c := range accepted {
		status := ledger.StatusPending
		if c.Confidence >= e.autoConfirm {
			status = ledger.StatusAutoConfirmed
		}
		out.Accepted = append(out.Accepted, ledger.ProjectionInput{Data: c.Data, Status: status})
	}
	return out, nil
}

// Gate returns the sub-results with confidence >= min, in the order
// activity, note, todo.
func Gate(res ledger.MultiExtractionResult, min float64) []Candidate {
	accepted, _ := split(res, min)
	return accepted
}

func split(res ledger.MultiExtractionResult, min float64) (accepted, dropped []Candidate) {
	for _, c := range candidates(res) {
		if valid(c.Confidence) && c.Confidence >= min && hasBody(c.Data) {
			accepted = append(accepted, c)
		} else {
			dropped = append(dropped, c)
		}
	}
	return accepted, dropped
}

func candidates(res ledger.MultiExtractionResult) []Candidate {
	var out []Candidate
	if a := res.Activity; a != nil {
		out = append(out, Candidate{Data: *a, Confidence: a.Confidence})
	}
	if n := res.Note; n != nil {
		out = append(out, Candidate{Data: *n, Confidence: n.Confidence})
	}
	if t := res.Todo; t != nil {
		out = append(out, Candidate{Data: *t, Confidence: t.Confidence})
	}
	return out
}

func valid(c float64) bool {
	return !math.IsNaN(c) && c >= 0 && c <= 1
}

func hasBody(d ledger.ProjectionData) bool {
	switch v := d.(type) {
	case ledger.Activity:
		return v.Description != ""
	case ledger.Note:
		return v.Text != ""
	case ledger.Todo:
		return v.Description != ""
	}
	return false
}

// Normalize trims text fields and lowercases categories, replacing empty
// categories with Uncategorized.
func Normalize(res ledger.MultiExtractionResult) ledger.MultiExtractionResult {
	if a := res.Activity; a != nil {
		v := *a
		v.Category = NormalizeCategory(v.Category)
		v.Description = strings.TrimSpace(v.Description)
		res.Activity = &v
	}
	if n := res.Note; n != nil {
		v := *n
		v.Category = NormalizeCategory(v.Category)
		v.Title = strings.TrimSpace(v.Title)
		v.Text = strings.TrimSpace(v.Text)
		res.Note = &v
	}
	if t := res.Todo; t != nil {
		v := *t
		v.Category = NormalizeCategory(v.Category)
		v.Description = strings.TrimSpace(v.Description)
		v.Priority = strings.ToLower(strings.TrimSpace(v.Priority))
		res.Todo = &v
	}
	return res
}

// NormalizeCategory lowercases and trims c.
func NormalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return Uncategorized
	}
	return c
}
