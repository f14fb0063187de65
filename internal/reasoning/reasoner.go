// Package reasoning wraps an LLM provider with the call discipline every
// pipeline step needs: rate limiting, a bounded timeout, schema-checked JSON
// output and a single retry on a fallback provider.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/kairon-os/kairon/internal/ledger"
	"github.com/kairon-os/kairon/internal/provider"
)

var (
	// ErrTimeout is returned when a call exceeds its deadline on every provider.
	ErrTimeout = errors.New("reasoning call timed out")
	// ErrMalformed is returned when the model output does not match the expected shape.
	ErrMalformed = errors.New("malformed reasoning output")
	// ErrUnavailable is returned when the provider rejects or fails the request.
	ErrUnavailable = errors.New("reasoning provider unavailable")
)

// Options configures a Reasoner.
type Options struct {
	Primary       provider.LLMProvider
	Fallback      provider.LLMProvider
	Model         string
	FallbackModel string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	MaxTokens     int
	Temperature   float64
}

// Reasoner issues schema-checked reasoning calls.
type Reasoner struct {
	opts    Options
	limiter *rate.Limiter
	schemas map[string]*jsonschema.Schema
}

// New compiles the output schemas and returns a Reasoner.
func New(opts Options) (*Reasoner, error) {
	if opts.Primary == nil {
		return nil, errors.New("reasoning: primary provider is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	r := &Reasoner{
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.Burst),
		schemas: make(map[string]*jsonschema.Schema, len(outputSchemas)),
	}
	for name, doc := range outputSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://kairon.schemas.local/reasoning/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("load %s schema: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		r.schemas[name] = compiled
	}
	return r, nil
}

// call runs one reasoning request on the primary provider and retries once
// on the fallback provider for timeouts, malformed output and retryable
// provider errors. When schema is empty the reply is returned as plain text.
func (r *Reasoner) call(ctx context.Context, schema string, messages []provider.Message, out any) (ledger.ReasoningMeta, error) {
	meta, err := r.attempt(ctx, r.opts.Primary, r.opts.Model, schema, messages, out)
	if err == nil || r.opts.Fallback == nil || !retryable(err) || ctx.Err() != nil {
		return meta, err
	}
	slog.Warn("Reasoning call failed, retrying on fallback provider", "schema", schema, "error", err)
	fbMeta, fbErr := r.attempt(ctx, r.opts.Fallback, r.opts.FallbackModel, schema, messages, out)
	fbMeta.Fallback = true
	fbMeta.FallbackReason = err.Error()
	fbMeta.DurationMs += meta.DurationMs
	return fbMeta, fbErr
}

func (r *Reasoner) attempt(ctx context.Context, p provider.LLMProvider, model, schema string, messages []provider.Message, out any) (ledger.ReasoningMeta, error) {
	if model == "" {
		model = p.DefaultModel()
	}
	meta := ledger.ReasoningMeta{Model: model}
	if err := r.limiter.Wait(ctx); err != nil {
		return meta, fmt.Errorf("%w: rate limit wait: %v", ErrTimeout, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	start := time.Now()
	resp, err := p.Chat(callCtx, &provider.ChatRequest{
		Messages:    messages,
		Model:       model,
		MaxTokens:   r.opts.MaxTokens,
		Temperature: r.opts.Temperature,
		JSONMode:    schema != "",
	})
	meta.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return meta, fmt.Errorf("%w after %s", ErrTimeout, r.opts.Timeout)
		}
		return meta, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if resp.Model != "" {
		meta.Model = resp.Model
	}
	meta.PromptTokens = resp.Usage.PromptTokens
	meta.CompletionTokens = resp.Usage.CompletionTokens

	if schema == "" {
		text := strings.TrimSpace(resp.Content)
		if text == "" {
			return meta, fmt.Errorf("%w: empty reply", ErrMalformed)
		}
		if s, ok := out.(*string); ok {
			*s = text
		}
		return meta, nil
	}
	if err := r.decode(schema, resp.Content, out); err != nil {
		return meta, err
	}
	return meta, nil
}

func (r *Reasoner) decode(schema, content string, out any) error {
	raw, ok := extractJSON(content)
	if !ok {
		return fmt.Errorf("%w: no JSON object in output", ErrMalformed)
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if s := r.schemas[schema]; s != nil {
		if err := s.Validate(doc); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, schema, err)
		}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// extractJSON returns the outermost JSON object in s, tolerating code fences
// and prose around it.
func extractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func retryable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrMalformed) {
		return true
	}
	var se *provider.StatusError
	return errors.As(err, &se) && se.Retryable()
}
