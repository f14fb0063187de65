package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StepName identifies the reasoning step that produced a trace.
type StepName string

const (
	StepClassification   StepName = "classification"
	StepMultiExtraction  StepName = "multi_extraction"
	StepSingleExtraction StepName = "single_extraction"
	StepSummarization    StepName = "summarization"
	StepConversation     StepName = "conversation"
)

// ReasoningMeta is carried by every trace payload.
type ReasoningMeta struct {
	Model            string `json:"model,omitempty"`
	DurationMs       int64  `json:"duration_ms"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	Fallback         bool   `json:"fallback,omitempty"`
	FallbackReason   string `json:"fallback_reason,omitempty"`
}

// TraceData is the step-specific payload of a trace.
type TraceData interface {
	StepName() StepName
	meta() ReasoningMeta
}

// ClassificationResult records the intent decision for an untagged message.
type ClassificationResult struct {
	ReasoningMeta
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Input      string  `json:"input,omitempty"`
}

func (ClassificationResult) StepName() StepName    { return StepClassification }
func (r ClassificationResult) meta() ReasoningMeta { return r.ReasoningMeta }

// MultiExtractionResult holds at most one candidate per projection kind.
type MultiExtractionResult struct {
	ReasoningMeta
	Activity *Activity `json:"activity,omitempty"`
	Note     *Note     `json:"note,omitempty"`
	Todo     *Todo     `json:"todo,omitempty"`
	Input    string    `json:"input,omitempty"`
}

func (MultiExtractionResult) StepName() StepName    { return StepMultiExtraction }
func (r MultiExtractionResult) meta() ReasoningMeta { return r.ReasoningMeta }

// SingleExtractionResult is produced by a tag-routed message.
type SingleExtractionResult struct {
	ReasoningMeta
	Kind     string `json:"kind"`
	Category string `json:"category"`
	Title    string `json:"title,omitempty"`
	Text     string `json:"text"`
	Priority string `json:"priority,omitempty"`
}

func (SingleExtractionResult) StepName() StepName    { return StepSingleExtraction }
func (r SingleExtractionResult) meta() ReasoningMeta { return r.ReasoningMeta }

// SummaryResult records a thread summarization.
type SummaryResult struct {
	ReasoningMeta
	ThreadID string   `json:"thread_id"`
	Summary  string   `json:"summary"`
	Items    []string `json:"items,omitempty"`
}

func (SummaryResult) StepName() StepName    { return StepSummarization }
func (r SummaryResult) meta() ReasoningMeta { return r.ReasoningMeta }

// ConversationResult records an assistant reply.
type ConversationResult struct {
	ReasoningMeta
	ThreadID string `json:"thread_id"`
	Prompt   string `json:"prompt"`
	Reply    string `json:"reply"`
}

func (ConversationResult) StepName() StepName    { return StepConversation }
func (r ConversationResult) meta() ReasoningMeta { return r.ReasoningMeta }

// Projection types.
const (
	TypeActivity         = "activity"
	TypeNote             = "note"
	TypeTodo             = "todo"
	TypeThreadExtraction = "thread_extraction"
	TypeAssistantMessage = "assistant_message"
)

// ProjectionData is the typed payload of a projection.
type ProjectionData interface {
	ProjectionType() string
}

type categorized interface {
	category() string
}

type threaded interface {
	thread() string
}

// Activity is something the user did.
type Activity struct {
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

func (Activity) ProjectionType() string { return TypeActivity }
func (a Activity) category() string     { return a.Category }

// Note is a thought or observation worth keeping.
type Note struct {
	Category   string  `json:"category"`
	Title      string  `json:"title,omitempty"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (Note) ProjectionType() string { return TypeNote }
func (n Note) category() string     { return n.Category }

// Todo is an actionable item.
type Todo struct {
	Category    string  `json:"category,omitempty"`
	Description string  `json:"description"`
	Priority    string  `json:"priority,omitempty"`
	Confidence  float64 `json:"confidence"`
}

func (Todo) ProjectionType() string { return TypeTodo }
func (t Todo) category() string     { return t.Category }

// ThreadExtraction is a saved conversation summary.
type ThreadExtraction struct {
	ThreadID string   `json:"thread_id"`
	Summary  string   `json:"summary"`
	Items    []string `json:"items,omitempty"`
}

func (ThreadExtraction) ProjectionType() string { return TypeThreadExtraction }
func (t ThreadExtraction) thread() string       { return t.ThreadID }

// AssistantMessage is a reply sent back into a conversation thread.
type AssistantMessage struct {
	ThreadID string `json:"thread_id"`
	Prompt   string `json:"prompt"`
	Text     string `json:"text"`
}

func (AssistantMessage) ProjectionType() string { return TypeAssistantMessage }
func (a AssistantMessage) thread() string       { return a.ThreadID }

// Raw preserves projections of types this build does not know about.
type Raw struct {
	Type string
	Body json.RawMessage
}

func (r Raw) ProjectionType() string { return r.Type }

func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r.Body) == 0 {
		return []byte("{}"), nil
	}
	return r.Body, nil
}

// DecodeProjectionData parses stored JSON into the payload for projectionType.
func DecodeProjectionData(projectionType string, data []byte) (ProjectionData, error) {
	var (
		out ProjectionData
		err error
	)
	switch projectionType {
	case TypeActivity:
		var v Activity
		err = json.Unmarshal(data, &v)
		out = v
	case TypeNote:
		var v Note
		err = json.Unmarshal(data, &v)
		out = v
	case TypeTodo:
		var v Todo
		err = json.Unmarshal(data, &v)
		out = v
	case TypeThreadExtraction:
		var v ThreadExtraction
		err = json.Unmarshal(data, &v)
		out = v
	case TypeAssistantMessage:
		var v AssistantMessage
		err = json.Unmarshal(data, &v)
		out = v
	default:
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w: projection data is not valid JSON", ErrValidation)
		}
		return Raw{Type: projectionType, Body: append(json.RawMessage(nil), data...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrValidation, projectionType, err)
	}
	return out, nil
}

// DecodeTraceData parses stored JSON into the payload for step.
func DecodeTraceData(step StepName, data []byte) (TraceData, error) {
	var (
		out TraceData
		err error
	)
	switch step {
	case StepClassification:
		var v ClassificationResult
		err = json.Unmarshal(data, &v)
		out = v
	case StepMultiExtraction:
		var v MultiExtractionResult
		err = json.Unmarshal(data, &v)
		out = v
	case StepSingleExtraction:
		var v SingleExtractionResult
		err = json.Unmarshal(data, &v)
		out = v
	case StepSummarization:
		var v SummaryResult
		err = json.Unmarshal(data, &v)
		out = v
	case StepConversation:
		var v ConversationResult
		err = json.Unmarshal(data, &v)
		out = v
	default:
		return nil, fmt.Errorf("%w: unknown step %q", ErrValidation, step)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s trace: %w", step, err)
	}
	return out, nil
}

func categoryOf(d ProjectionData) string {
	if c, ok := d.(categorized); ok {
		return strings.ToLower(strings.TrimSpace(c.category()))
	}
	return ""
}

func threadOf(d ProjectionData) string {
	if t, ok := d.(threaded); ok {
		return t.thread()
	}
	return ""
}
