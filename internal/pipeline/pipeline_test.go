package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kairon-os/kairon/internal/bus"
	"github.com/kairon-os/kairon/internal/extract"
	"github.com/kairon-os/kairon/internal/ledger"
	"github.com/kairon-os/kairon/internal/provider"
	"github.com/kairon-os/kairon/internal/query"
	"github.com/kairon-os/kairon/internal/router"
)

type stubClassifier struct {
	result router.Classification
	err    error
	calls  int
}

func (s *stubClassifier) Classify(_ context.Context, _ string) (router.Classification, error) {
	s.calls++
	return s.result, s.err
}

type stubExtractor struct {
	res ledger.MultiExtractionResult
	err error
}

func (s *stubExtractor) ExtractMulti(_ context.Context, text string, _ []string) (ledger.MultiExtractionResult, error) {
	res := s.res
	res.Input = text
	return res, s.err
}

type fakeReasoner struct {
	mu          sync.Mutex
	single      ledger.SingleExtractionResult
	singleErr   error
	summary     string
	summaryErr  error
	reply       string
	converseErr error
	histories   [][]provider.Message
	summarized  [][]string
}

func (f *fakeReasoner) ExtractSingle(_ context.Context, kind, text string, _ []string) (ledger.SingleExtractionResult, error) {
	if f.singleErr != nil {
		return ledger.SingleExtractionResult{Kind: kind, Text: text}, f.singleErr
	}
	res := f.single
	res.Kind = kind
	if res.Text == "" {
		res.Text = text
	}
	return res, nil
}

func (f *fakeReasoner) Summarize(_ context.Context, threadID string, lines []string) (ledger.SummaryResult, error) {
	f.mu.Lock()
	f.summarized = append(f.summarized, lines)
	f.mu.Unlock()
	if f.summaryErr != nil {
		return ledger.SummaryResult{ThreadID: threadID}, f.summaryErr
	}
	return ledger.SummaryResult{ThreadID: threadID, Summary: f.summary, Items: []string{"item"}}, nil
}

func (f *fakeReasoner) Converse(_ context.Context, threadID string, history []provider.Message, prompt string) (ledger.ConversationResult, error) {
	f.mu.Lock()
	f.histories = append(f.histories, history)
	f.mu.Unlock()
	if f.converseErr != nil {
		return ledger.ConversationResult{ThreadID: threadID, Prompt: prompt}, f.converseErr
	}
	return ledger.ConversationResult{ThreadID: threadID, Prompt: prompt, Reply: f.reply}, nil
}

type taskRecorder struct {
	mu    sync.Mutex
	tasks []*bus.Task
	// fail is the number of upcoming sends rejected as a full queue.
	fail int
}

func (r *taskRecorder) Send(t *bus.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return bus.ErrTaskQueueFull
	}
	r.tasks = append(r.tasks, t)
	return nil
}

type harness struct {
	svc        *ledger.Service
	pipeline   *Pipeline
	classifier *stubClassifier
	extractor  *stubExtractor
	reasoner   *fakeReasoner
	tasks      *taskRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	svc, err := ledger.Open("sqlite", filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	h := &harness{
		svc:        svc,
		classifier: &stubClassifier{},
		extractor:  &stubExtractor{},
		reasoner:   &fakeReasoner{summary: "a quiet day", reply: "sure"},
		tasks:      &taskRecorder{},
	}
	h.pipeline = New(Deps{
		Ledger:   svc,
		Gateway:  query.NewGateway(svc.DB(), svc.Dialect()),
		Router:   router.New(h.classifier, 0.5),
		Extract:  extract.NewEngine(h.extractor, 0.5, 0.8),
		Reasoner: h.reasoner,
		Tasks:    h.tasks,
	}, Options{})
	return h
}

func messageSubmission(t *testing.T, id, content, thread string) ledger.Submission {
	t.Helper()
	payload := MessagePayload{Content: content, MessageID: id, ChannelID: "chan-1", ThreadID: thread, Author: Author{ID: "u1"}}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	key, err := MessageKey(payload)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return ledger.Submission{EventType: ledger.EventMessage, Source: "test", Payload: raw, IdempotencyKey: key}
}

func submission(t *testing.T, eventType, key string, payload any) ledger.Submission {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ledger.Submission{EventType: eventType, Source: "test", Payload: raw, IdempotencyKey: key}
}

func tracesByStep(t *testing.T, svc *ledger.Service, eventID string) map[ledger.StepName][]ledger.Trace {
	t.Helper()
	traces, err := svc.TracesForEvent(context.Background(), eventID)
	if err != nil {
		t.Fatalf("traces: %v", err)
	}
	out := make(map[ledger.StepName][]ledger.Trace)
	for _, tr := range traces {
		out[tr.StepName] = append(out[tr.StepName], tr)
	}
	return out
}

func TestTaggedActivityCreatesOneProjectionWithoutRoutingTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reasoner.single = ledger.SingleExtractionResult{Category: "Engineering", Text: "debugging auth"}

	res, err := h.pipeline.Handle(ctx, messageSubmission(t, "m1", "!! debugging auth", ""))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Route != router.IntentActivity || len(res.ProjectionIDs) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.classifier.calls != 0 {
		t.Fatal("tagged message must not be classified")
	}

	projs, err := h.svc.ProjectionsForEvent(ctx, res.EventID)
	if err != nil {
		t.Fatalf("projections: %v", err)
	}
	if len(projs) != 1 {
		t.Fatalf("expected one projection, got %d", len(projs))
	}
	p := projs[0]
	if p.ProjectionType != ledger.TypeActivity || p.Status != ledger.StatusAutoConfirmed || p.Category != "engineering" {
		t.Fatalf("unexpected projection %+v", p)
	}

	steps := tracesByStep(t, h.svc, res.EventID)
	if len(steps[ledger.StepClassification]) != 0 {
		t.Fatal("a tag match must not record a routing trace")
	}
	if len(steps) != 1 || len(steps[ledger.StepSingleExtraction]) != 1 {
		t.Fatalf("expected only the single extraction trace, got %v", steps)
	}
	if !slices.Contains(p.TraceChain, steps[ledger.StepSingleExtraction][0].ID) {
		t.Fatal("projection chain must contain its producing trace")
	}
}

func TestTaggedCaptureStoresRawTextWhenReasoningFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reasoner.singleErr = errors.New("timeout")

	res, err := h.pipeline.Handle(ctx, messageSubmission(t, "m1", "$$ buy milk", ""))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	p, err := h.svc.GetProjection(ctx, res.ProjectionIDs[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	todo, ok := p.Data.(ledger.Todo)
	if !ok || todo.Description != "buy milk" || todo.Category != extract.Uncategorized {
		t.Fatalf("unexpected fallback projection %+v", p.Data)
	}
	tr, err := h.svc.GetTrace(ctx, res.TraceIDs[0])
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	single := tr.Data.(ledger.SingleExtractionResult)
	if !single.Fallback || single.FallbackReason == "" {
		t.Fatalf("expected fallback trace, got %+v", single)
	}
}

func TestUntaggedCaptureSharesOneExtractionTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.classifier.result = router.Classification{Label: "capture", Confidence: 0.9}
	h.extractor.res = ledger.MultiExtractionResult{
		Activity: &ledger.Activity{Category: "work", Description: "finished the report", Confidence: 0.9},
		Note:     &ledger.Note{Category: "work", Text: "reports are tedious", Confidence: 0.4},
		Todo:     &ledger.Todo{Category: "errands", Description: "buy milk", Confidence: 0.6},
	}

	res, err := h.pipeline.Handle(ctx, messageSubmission(t, "m1", "finished the report, need to buy milk", ""))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Route != router.IntentCapture {
		t.Fatalf("expected capture route, got %s", res.Route)
	}

	steps := tracesByStep(t, h.svc, res.EventID)
	if len(steps[ledger.StepMultiExtraction]) != 1 {
		t.Fatalf("expected exactly one multi extraction trace, got %v", steps)
	}
	multi := steps[ledger.StepMultiExtraction][0]
	classification := steps[ledger.StepClassification][0]
	if multi.ParentID() != classification.ID || multi.StepOrder() != 2 {
		t.Fatalf("extraction trace must descend from classification, chain %v", multi.TraceChain)
	}

	projs, err := h.svc.ProjectionsForTrace(ctx, multi.ID)
	if err != nil {
		t.Fatalf("projections: %v", err)
	}
	if len(projs) != 2 {
		t.Fatalf("expected 2 projections, got %d", len(projs))
	}
	types := []string{projs[0].ProjectionType, projs[1].ProjectionType}
	slices.Sort(types)
	if !slices.Equal(types, []string{ledger.TypeActivity, ledger.TypeTodo}) {
		t.Fatalf("unexpected projection types %v", types)
	}
	for _, p := range projs {
		if p.TraceID != multi.ID || p.EventID != res.EventID {
			t.Fatalf("projection %s not linked to the extraction trace", p.ID)
		}
		want := ledger.StatusPending
		if p.ProjectionType == ledger.TypeActivity {
			want = ledger.StatusAutoConfirmed
		}
		if p.Status != want {
			t.Fatalf("%s status = %s, want %s", p.ProjectionType, p.Status, want)
		}
	}
}

func TestLowConfidenceClassificationFallsBackToConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.classifier.result = router.Classification{Label: "capture", Confidence: 0.2}

	res, err := h.pipeline.Handle(ctx, messageSubmission(t, "m1", "maybe I should go running", ""))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Route != router.IntentConversation {
		t.Fatalf("expected conversation route, got %s", res.Route)
	}
	if len(res.ProjectionIDs) != 0 {
		t.Fatal("fallback must not capture anything")
	}
	if !slices.Equal(res.Dispatched, []string{bus.TaskConversation}) || len(h.tasks.tasks) != 1 {
		t.Fatalf("expected conversation task, got %v", res.Dispatched)
	}
	task := h.tasks.tasks[0]
	if task.EventID != res.EventID || task.ThreadID != "chan-1" || task.Text != "maybe I should go running" {
		t.Fatalf("unexpected task %+v", task)
	}

	tr, err := h.svc.GetTrace(ctx, res.TraceIDs[0])
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	c := tr.Data.(ledger.ClassificationResult)
	if c.Intent != string(router.IntentConversation) || !c.Fallback || c.Confidence != 0.2 {
		t.Fatalf("unexpected classification trace %+v", c)
	}
	if !slices.Equal(task.TraceChain, tr.TraceChain) {
		t.Fatal("conversation task must carry the classification chain")
	}
	if _, err := h.svc.GetEvent(ctx, res.EventID); err != nil {
		t.Fatalf("event must be stored: %v", err)
	}
}

func TestDuplicateSubmissionIsNotReprocessed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := messageSubmission(t, "m1", "!! debugging auth", "")

	first, err := h.pipeline.Handle(ctx, sub)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := h.pipeline.Handle(ctx, sub)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Duplicate || second.EventID != first.EventID || len(second.TraceIDs) != 0 {
		t.Fatalf("unexpected duplicate result %+v", second)
	}
	projs, _ := h.svc.ProjectionsForEvent(ctx, first.EventID)
	if len(projs) != 1 {
		t.Fatalf("expected 1 projection after resubmission, got %d", len(projs))
	}
}

func TestExtractionFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.classifier.result = router.Classification{Label: "capture", Confidence: 0.9}
	h.extractor.err = errors.New("malformed")

	res, err := h.pipeline.Handle(ctx, messageSubmission(t, "m1", "ran and read", ""))
	if !errors.Is(err, ErrReasoning) {
		t.Fatalf("expected ErrReasoning, got %v", err)
	}
	if res.Reply == "" || len(res.TraceIDs) != 2 {
		t.Fatalf("failure must be recorded and explained, got %+v", res)
	}
	steps := tracesByStep(t, h.svc, res.EventID)
	multi := steps[ledger.StepMultiExtraction][0].Data.(ledger.MultiExtractionResult)
	if !multi.Fallback || multi.Input != "ran and read" {
		t.Fatalf("unexpected failure trace %+v", multi)
	}
}

func TestCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.classifier.result = router.Classification{Label: "capture", Confidence: 0.9}
	h.extractor.res = ledger.MultiExtractionResult{Todo: &ledger.Todo{Description: "buy milk", Confidence: 0.6}}

	captured, err := h.pipeline.Handle(ctx, messageSubmission(t, "m1", "need milk", ""))
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	id := captured.ProjectionIDs[0]

	res, err := h.pipeline.Handle(ctx, messageSubmission(t, "m2", ":: confirm "+id, ""))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Route != router.IntentCommand || len(res.TraceIDs) != 0 || !slices.Equal(res.ProjectionIDs, []string{id}) {
		t.Fatalf("unexpected command result %+v", res)
	}
	p, _ := h.svc.GetProjection(ctx, id)
	if p.Status != ledger.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", p.Status)
	}

	res, err = h.pipeline.Handle(ctx, messageSubmission(t, "m3", "cmd recent todo", ""))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if res.Reply == "" || res.Reply == "No records yet." {
		t.Fatalf("expected the confirmed todo in reply, got %q", res.Reply)
	}

	if _, err := h.pipeline.Handle(ctx, messageSubmission(t, "m4", ":: reject "+id, "")); err != nil {
		t.Fatalf("reject: %v", err)
	}
	res, err = h.pipeline.Handle(ctx, messageSubmission(t, "m5", ":: reject "+id, ""))
	if err != nil {
		t.Fatalf("second reject must reply, not fail: %v", err)
	}
	if res.Reply == "" || len(res.ProjectionIDs) != 0 {
		t.Fatalf("unexpected second reject result %+v", res)
	}
	p, _ = h.svc.GetProjection(ctx, id)
	if p.Status != ledger.StatusVoided || p.VoidedReason != ledger.ReasonUserRejected {
		t.Fatalf("expected rejected projection, got %+v", p)
	}
}

func TestReactionConfirmsPendingProjections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.classifier.result = router.Classification{Label: "capture", Confidence: 0.9}
	h.extractor.res = ledger.MultiExtractionResult{
		Activity: &ledger.Activity{Description: "ran", Confidence: 0.95},
		Todo:     &ledger.Todo{Description: "stretch", Confidence: 0.6},
	}
	captured, err := h.pipeline.Handle(ctx, messageSubmission(t, "m1", "ran, should stretch", ""))
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	reaction := ReactionPayload{MessageID: "m1", Emoji: "👍", Author: Author{ID: "u1"}}
	key, _ := ReactionKey(reaction)
	res, err := h.pipeline.Handle(ctx, submission(t, ledger.EventReaction, key, reaction))
	if err != nil {
		t.Fatalf("reaction: %v", err)
	}
	if len(res.ProjectionIDs) != 1 {
		t.Fatalf("only the pending projection is confirmed, got %v", res.ProjectionIDs)
	}
	for _, id := range captured.ProjectionIDs {
		p, _ := h.svc.GetProjection(ctx, id)
		if p.Status == ledger.StatusPending {
			t.Fatalf("projection %s still pending", id)
		}
	}

	reject := ReactionPayload{MessageID: "m1", Emoji: "❌", Author: Author{ID: "u1"}}
	key, _ = ReactionKey(reject)
	if _, err := h.pipeline.Handle(ctx, submission(t, ledger.EventReaction, key, reject)); err != nil {
		t.Fatalf("reject reaction: %v", err)
	}
	projs, _ := h.svc.ProjectionsForEvent(ctx, captured.EventID)
	for _, p := range projs {
		if p.Status != ledger.StatusVoided {
			t.Fatalf("projection %s not rejected", p.ID)
		}
	}

	unknown := ReactionPayload{MessageID: "nope", Emoji: "👍", Author: Author{ID: "u1"}}
	key, _ = ReactionKey(unknown)
	if _, err := h.pipeline.Handle(ctx, submission(t, ledger.EventReaction, key, unknown)); err != nil {
		t.Fatalf("reaction to unknown message must be a no-op: %v", err)
	}
}

func TestCorrectionEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	captured, err := h.pipeline.Handle(ctx, messageSubmission(t, "m1", "!! ran 5k", ""))
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	orig := captured.ProjectionIDs[0]

	correction := CorrectionPayload{
		ProjectionID: orig,
		Data:         json.RawMessage(`{"category":"health","description":"ran 10k","confidence":1}`),
	}
	res, err := h.pipeline.Handle(ctx, submission(t, ledger.EventCorrection, "c1", correction))
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if len(res.ProjectionIDs) != 2 || res.ProjectionIDs[1] != orig {
		t.Fatalf("unexpected correction result %+v", res)
	}
	old, _ := h.svc.GetProjection(ctx, orig)
	next, _ := h.svc.GetProjection(ctx, res.ProjectionIDs[0])
	if old.SupersededByProjectionID != next.ID || next.SupersedesProjectionID != old.ID || old.Status != ledger.StatusVoided {
		t.Fatalf("supersession links not symmetric: old=%+v new=%+v", old, next)
	}
	if next.Status != ledger.StatusConfirmed || next.Data.(ledger.Activity).Description != "ran 10k" {
		t.Fatalf("unexpected replacement %+v", next)
	}

	again := submission(t, ledger.EventCorrection, "c2", correction)
	if _, err := h.pipeline.Handle(ctx, again); !errors.Is(err, ledger.ErrAlreadySuperseded) {
		t.Fatalf("expected ErrAlreadySuperseded, got %v", err)
	}
}

func TestConversationAndSaveTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.pipeline.Handle(ctx, messageSubmission(t, "m1", "++ what should I cook", "thread-9"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(res.TraceIDs) != 0 || len(h.tasks.tasks) != 1 {
		t.Fatalf("tagged conversation must only dispatch, got %+v", res)
	}
	task := h.tasks.tasks[0]
	if task.ThreadID != "thread-9" || task.TraceChain != nil {
		t.Fatalf("unexpected task %+v", task)
	}
	if err := h.pipeline.Converse(ctx, task); err != nil {
		t.Fatalf("converse: %v", err)
	}

	follow := &bus.Task{Kind: bus.TaskConversation, EventID: res.EventID, ThreadID: "thread-9", Text: "and dessert?"}
	if err := h.pipeline.Converse(ctx, follow); err != nil {
		t.Fatalf("converse again: %v", err)
	}
	if got := h.reasoner.histories[1]; len(got) != 2 || got[0].Content != "what should I cook" || got[1].Content != "sure" {
		t.Fatalf("expected prior turn replayed, got %+v", got)
	}

	save, err := h.pipeline.Handle(ctx, messageSubmission(t, "m2", "--", "thread-9"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !slices.Equal(save.Dispatched, []string{bus.TaskSaveConversation}) {
		t.Fatalf("expected save task, got %+v", save)
	}
	if err := h.pipeline.SaveConversation(ctx, h.tasks.tasks[1]); err != nil {
		t.Fatalf("save conversation: %v", err)
	}
	projs, err := h.svc.ListProjections(ctx, ledger.ProjectionFilter{Type: ledger.TypeThreadExtraction})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(projs) != 1 || projs[0].ThreadID != "thread-9" || projs[0].EventID != save.EventID {
		t.Fatalf("unexpected thread extraction %+v", projs)
	}
	if got := h.reasoner.summarized[0]; len(got) != 4 {
		t.Fatalf("expected two turns summarized, got %v", got)
	}
}

func TestConversationFailureRecordsTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reasoner.converseErr = errors.New("timeout")

	res, err := h.pipeline.Handle(ctx, messageSubmission(t, "m1", "chat hello", ""))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := h.pipeline.Converse(ctx, h.tasks.tasks[0]); !errors.Is(err, ErrReasoning) {
		t.Fatalf("expected ErrReasoning, got %v", err)
	}
	steps := tracesByStep(t, h.svc, res.EventID)
	if len(steps[ledger.StepConversation]) != 1 {
		t.Fatalf("expected failed conversation trace, got %v", steps)
	}
	projs, _ := h.svc.ProjectionsForEvent(ctx, res.EventID)
	if len(projs) != 0 {
		t.Fatal("failed conversation must not store a reply")
	}
}

func TestScheduledTriggerPulse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.pipeline.Handle(ctx, messageSubmission(t, "m1", "!! ran 5k", "")); err != nil {
		t.Fatalf("capture: %v", err)
	}

	trigger := TriggerPayload{Job: "proactive", Tick: "2026-10-17T09:00:00Z", TriggerReason: "daily check-in"}
	res, err := h.pipeline.Handle(ctx, submission(t, ledger.EventScheduledTrigger, "scheduled:proactive:2026-10-17T09:00:00Z", trigger))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !slices.Equal(res.Dispatched, []string{bus.TaskPulse}) {
		t.Fatalf("expected pulse dispatch, got %+v", res)
	}
	if err := h.pipeline.Pulse(ctx, h.tasks.tasks[0]); err != nil {
		t.Fatalf("pulse: %v", err)
	}
	lines := h.reasoner.summarized[0]
	if len(lines) != 2 || lines[0] != "reason: daily check-in" {
		t.Fatalf("unexpected pulse input %v", lines)
	}
	projs, _ := h.svc.ProjectionsForEvent(ctx, res.EventID)
	if len(projs) != 1 || projs[0].ProjectionType != ledger.TypeAssistantMessage {
		t.Fatalf("expected pulse message, got %+v", projs)
	}
	if msg := projs[0].Data.(ledger.AssistantMessage); msg.Text != "a quiet day" {
		t.Fatalf("unexpected pulse text %q", msg.Text)
	}
}

func TestUnknownEventTypeIsStored(t *testing.T) {
	h := newHarness(t)
	res, err := h.pipeline.Handle(context.Background(), submission(t, "webhook", "w1", map[string]string{"x": "y"}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.EventID == "" || len(res.TraceIDs) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestValidationRejectedBeforeWrite(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline.Handle(context.Background(), ledger.Submission{EventType: ledger.EventMessage, Payload: []byte(`{}`)})
	if !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWorkerProcessesInbound(t *testing.T) {
	h := newHarness(t)
	b := bus.NewMessageBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acks := make(chan error, 2)
	for _, id := range []string{"m1", "m2"} {
		msg := &bus.Inbound{Submission: messageSubmission(t, id, "!! task "+id, ""), Ack: func(err error) { acks <- err }}
		if err := b.Publish(ctx, msg); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	w := NewWorker(h.pipeline, b, 2)
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-acks:
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not process inbound")
		}
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	projs, err := h.svc.ListProjections(context.Background(), ledger.ProjectionFilter{Type: ledger.TypeActivity})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(projs) != 2 {
		t.Fatalf("expected 2 activities, got %d", len(projs))
	}
}

func TestRunIsNotMutatedByStages(t *testing.T) {
	base := newRun(ledger.Event{ID: "e1"}).withStep(ledger.Trace{ID: "t1", TraceChain: []string{"t1"}}, nil)
	a := base.withStep(ledger.Trace{ID: "t2"}, nil)
	b := base.withStep(ledger.Trace{ID: "t3"}, nil)
	if len(base.Traces) != 1 || a.Traces[1].ID != "t2" || b.Traces[1].ID != "t3" {
		t.Fatalf("stages must not share state: base=%v a=%v b=%v", base.Traces, a.Traces, b.Traces)
	}
	chain := base.lastChain()
	chain[0] = "changed"
	if base.Traces[0].TraceChain[0] != "t1" {
		t.Fatal("lastChain must return a copy")
	}
}

func TestUnfinishedEventIsResumed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.classifier.result = router.Classification{Label: "conversation", Confidence: 0.9}
	h.tasks.fail = 1
	sub := messageSubmission(t, "m1", "what should I cook", "")

	first, err := h.pipeline.Handle(ctx, sub)
	if !errors.Is(err, bus.ErrTaskQueueFull) || Settled(err) {
		t.Fatalf("expected an unsettled queue error, got %v", err)
	}
	if !errors.Is(AckError(err), bus.ErrRedeliver) {
		t.Fatalf("unsettled runs must ask for redelivery, got %v", AckError(err))
	}
	ev, err := h.svc.GetEvent(ctx, first.EventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.ProcessedAt != nil {
		t.Fatal("a run that did not finish must leave the event unprocessed")
	}

	retry, err := h.pipeline.Handle(ctx, sub)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.Duplicate || !retry.Resumed || retry.EventID != first.EventID {
		t.Fatalf("expected the stored event to be resumed, got %+v", retry)
	}
	if !slices.Equal(retry.Dispatched, []string{bus.TaskConversation}) || len(h.tasks.tasks) != 1 {
		t.Fatalf("expected the conversation to be dispatched on retry, got %+v", retry)
	}
	if h.classifier.calls != 1 {
		t.Fatalf("the stored classification must be reused, classifier calls=%d", h.classifier.calls)
	}
	steps := tracesByStep(t, h.svc, first.EventID)
	if len(steps[ledger.StepClassification]) != 1 {
		t.Fatalf("expected one classification trace, got %d", len(steps[ledger.StepClassification]))
	}
	if !slices.Equal(h.tasks.tasks[0].TraceChain, steps[ledger.StepClassification][0].TraceChain) {
		t.Fatal("resumed task must descend from the stored classification")
	}

	again, err := h.pipeline.Handle(ctx, sub)
	if err != nil {
		t.Fatalf("third: %v", err)
	}
	if !again.Duplicate || len(h.tasks.tasks) != 1 {
		t.Fatalf("a finished event must not be processed again, got %+v", again)
	}
}

func TestRunningEventIsNotClaimedTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := messageSubmission(t, "m1", "!! ran 5k", "")
	ev, _, err := h.svc.SubmitEvent(ctx, sub)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if !h.pipeline.claim(ev.ID) {
		t.Fatal("claim")
	}
	res, err := h.pipeline.Handle(ctx, sub)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !res.Duplicate || len(res.ProjectionIDs) != 0 {
		t.Fatalf("an event being processed must be reported as duplicate, got %+v", res)
	}
	h.pipeline.release(ev.ID)

	res, err = h.pipeline.Handle(ctx, sub)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !res.Resumed || len(res.ProjectionIDs) != 1 {
		t.Fatalf("expected the released event to be processed, got %+v", res)
	}
}

func TestSettled(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		settled bool
	}{
		{"success", nil, true},
		{"recorded reasoning failure", fmt.Errorf("event e1: %w: %w", ErrReasoning, errors.New("timeout")), true},
		{"invalid payload", fmt.Errorf("event e1: %w: bad", ledger.ErrValidation), true},
		{"lifecycle conflict", fmt.Errorf("projection p1: %w", ledger.ErrAlreadyVoided), true},
		{"queue full", fmt.Errorf("event e1: %w", bus.ErrTaskQueueFull), false},
		{"store down", errors.New("insert event: sql: database is closed"), false},
		{"cancelled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Settled(tt.err); got != tt.settled {
				t.Fatalf("Settled(%v) = %v, want %v", tt.err, got, tt.settled)
			}
			ack := AckError(tt.err)
			if errors.Is(ack, bus.ErrRedeliver) == tt.settled {
				t.Fatalf("AckError(%v) = %v", tt.err, ack)
			}
			if tt.err != nil && !errors.Is(ack, tt.err) {
				t.Fatal("AckError must keep the run error")
			}
		})
	}
}

func TestConversationWithoutThreadUsesChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.pipeline.Handle(ctx, messageSubmission(t, "m1", "++ what should I cook", "")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if task := h.tasks.tasks[0]; task.ThreadID != "chan-1" {
		t.Fatalf("expected the channel as thread, got %q", task.ThreadID)
	}
	if err := h.pipeline.Converse(ctx, h.tasks.tasks[0]); err != nil {
		t.Fatalf("converse: %v", err)
	}
	if _, err := h.pipeline.Handle(ctx, messageSubmission(t, "m2", "++ and dessert?", "")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := h.pipeline.Converse(ctx, h.tasks.tasks[1]); err != nil {
		t.Fatalf("converse: %v", err)
	}
	if got := h.reasoner.histories[1]; len(got) != 2 || got[0].Content != "what should I cook" {
		t.Fatalf("second message must continue the channel conversation, got %+v", got)
	}

	save, err := h.pipeline.Handle(ctx, messageSubmission(t, "m3", "--", ""))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	task := h.tasks.tasks[2]
	if task.Kind != bus.TaskSaveConversation || task.ThreadID != "chan-1" {
		t.Fatalf("unexpected save task %+v", task)
	}
	if err := h.pipeline.SaveConversation(ctx, task); err != nil {
		t.Fatalf("save conversation: %v", err)
	}
	projs, err := h.svc.ListProjections(ctx, ledger.ProjectionFilter{Type: ledger.TypeThreadExtraction})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(projs) != 1 || projs[0].ThreadID != "chan-1" || projs[0].EventID != save.EventID {
		t.Fatalf("expected the channel conversation saved, got %+v", projs)
	}
	if len(h.reasoner.summarized) != 1 || len(h.reasoner.summarized[0]) != 4 {
		t.Fatalf("expected both turns summarized, got %v", h.reasoner.summarized)
	}
}

func TestConversationReplaysNewestTurns(t *testing.T) {
	h := newHarness(t)
	h.pipeline.opts.HistoryLimit = 2
	ctx := context.Background()

	res, err := h.pipeline.Handle(ctx, messageSubmission(t, "m1", "++ turn 0", "thread-1"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	for i := 0; i < 4; i++ {
		task := &bus.Task{Kind: bus.TaskConversation, EventID: res.EventID, ThreadID: "thread-1", Text: fmt.Sprintf("turn %d", i)}
		if err := h.pipeline.Converse(ctx, task); err != nil {
			t.Fatalf("converse %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	var got []string
	for _, m := range h.reasoner.histories[3] {
		got = append(got, m.Content)
	}
	if want := []string{"turn 1", "sure", "turn 2", "sure"}; !slices.Equal(got, want) {
		t.Fatalf("expected the newest turns oldest first %v, got %v", want, got)
	}
}
