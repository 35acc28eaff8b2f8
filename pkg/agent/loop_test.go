package agent_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitop-dev/agentcore/pkg/agent"
	"github.com/bitop-dev/agentcore/pkg/ai"
	"github.com/bitop-dev/agentcore/pkg/tools"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func textMsg(text string) *ai.AssistantMessage {
	return &ai.AssistantMessage{
		Role:       ai.RoleAssistant,
		Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: text}},
		StopReason: ai.StopReasonStop,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func toolCallMsg(calls ...ai.ToolCall) *ai.AssistantMessage {
	content := make([]ai.ContentBlock, len(calls))
	for i, c := range calls {
		content[i] = c
	}
	return &ai.AssistantMessage{
		Role:       ai.RoleAssistant,
		Content:    content,
		StopReason: ai.StopReasonToolUse,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func call(id, name string, args map[string]any) ai.ToolCall {
	return ai.ToolCall{Type: "tool_call", ID: id, Name: name, Arguments: args}
}

// scriptedProvider returns one message per Stream call, in order, repeating
// the last one when the script runs out.
type scriptedProvider struct {
	mu    sync.Mutex
	msgs  []*ai.AssistantMessage
	errs  []error // parallel to msgs; nil entry = success
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(_ context.Context, _ string, _ ai.Context, _ ai.StreamOptions) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if idx >= len(p.msgs) {
		idx = len(p.msgs) - 1
	}
	msg := p.msgs[idx]
	var err error
	if idx < len(p.errs) {
		err = p.errs[idx]
	}

	ch := make(chan ai.StreamEvent, 1)
	if msg != nil && err == nil {
		ch <- ai.StreamEvent{Type: ai.StreamEventTextDelta, Delta: "", Partial: msg}
	}
	close(ch)
	return ch, func() (*ai.AssistantMessage, error) { return msg, err }
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// echoTool returns its "text" param as the result.
type echoTool struct{}

func (echoTool) Definition() ai.ToolDefinition {
	return ai.ToolDefinition{
		Name:        "echo",
		Description: "echo back the text parameter",
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{"text": {Type: "string"}},
			Required:   []string{"text"},
		}),
	}
}

func (echoTool) Execute(_ context.Context, _ string, params map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	t, _ := params["text"].(string)
	return tools.TextResult("echo:" + t), nil
}

// hookTool runs a caller-supplied function.
type hookTool struct {
	name string
	fn   func(ctx context.Context, params map[string]any) (tools.Result, error)
}

func (h *hookTool) Definition() ai.ToolDefinition {
	return ai.ToolDefinition{
		Name:        h.name,
		Description: "test hook",
		Parameters:  tools.MustSchema(tools.SimpleSchema{Properties: map[string]tools.Property{}}),
	}
}

func (h *hookTool) Execute(ctx context.Context, _ string, params map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	return h.fn(ctx, params)
}

func newTestAgent(prov ai.Provider, extra ...tools.Tool) *agent.Agent {
	reg := tools.NewRegistry()
	reg.Register(echoTool{})
	for _, t := range extra {
		reg.Register(t)
	}
	return agent.New(agent.Options{Provider: prov, Model: "test-model", Tools: reg})
}

func toolResults(msgs []ai.Message) []ai.ToolResultMessage {
	var out []ai.ToolResultMessage
	for _, m := range msgs {
		if tr, ok := m.(ai.ToolResultMessage); ok {
			out = append(out, tr)
		}
	}
	return out
}

func resultText(tr ai.ToolResultMessage) string {
	var sb strings.Builder
	for _, b := range tr.Content {
		if tc, ok := b.(ai.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Event order
// ---------------------------------------------------------------------------

func TestLoop_SingleTurn_NoTools(t *testing.T) {
	a := newTestAgent(&scriptedProvider{msgs: []*ai.AssistantMessage{textMsg("done")}})

	var got []agent.EventType
	a.Subscribe(func(e agent.Event) { got = append(got, e.Type) })

	if err := a.Prompt(context.Background(), "hi", agent.Config{}); err != nil {
		t.Fatal(err)
	}

	want := []agent.EventType{
		agent.EventAgentStart,
		agent.EventTurnStart,
		agent.EventMessageStart, // user message
		agent.EventMessageEnd,
		agent.EventMessageStart, // assistant partial
		agent.EventMessageEnd,   // assistant final
		agent.EventTurnEnd,
		agent.EventAgentEnd,
	}

	pos := 0
	for _, w := range want {
		found := false
		for pos < len(got) {
			if got[pos] == w {
				pos++
				found = true
				break
			}
			pos++
		}
		if !found {
			t.Errorf("expected event %q in order; events seen: %v", w, got)
		}
	}
}

func TestLoop_ExactlyOneAgentEndPerRun(t *testing.T) {
	a := newTestAgent(&scriptedProvider{msgs: []*ai.AssistantMessage{textMsg("first")}})

	ends := 0
	a.Subscribe(func(e agent.Event) {
		if e.Type == agent.EventAgentEnd {
			ends++
		}
	})

	if err := a.Prompt(context.Background(), "one", agent.Config{}); err != nil {
		t.Fatal(err)
	}
	if ends != 1 {
		t.Fatalf("agent_end count after first run = %d, want 1", ends)
	}
	if err := a.Prompt(context.Background(), "two", agent.Config{}); err != nil {
		t.Fatal(err)
	}
	if ends != 2 {
		t.Fatalf("agent_end count after second run = %d, want 2", ends)
	}
}

// ---------------------------------------------------------------------------
// Tool phase
// ---------------------------------------------------------------------------

func TestLoop_ToolCallThenStop(t *testing.T) {
	prov := &scriptedProvider{msgs: []*ai.AssistantMessage{
		toolCallMsg(call("c1", "echo", map[string]any{"text": "hi"})),
		textMsg("done"),
	}}
	a := newTestAgent(prov)

	var starts, ends int
	a.Subscribe(func(e agent.Event) {
		switch e.Type {
		case agent.EventToolExecutionStart:
			starts++
		case agent.EventToolExecutionEnd:
			ends++
			if e.IsError {
				t.Errorf("tool execution flagged as error: %+v", e.ToolResult)
			}
		}
	})

	if err := a.Prompt(context.Background(), "say hi", agent.Config{}); err != nil {
		t.Fatal(err)
	}
	if starts != 1 || ends != 1 {
		t.Errorf("tool execution events = %d/%d, want 1/1", starts, ends)
	}
	if prov.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", prov.callCount())
	}

	msgs := a.Messages()
	results := toolResults(msgs)
	if len(results) != 1 {
		t.Fatalf("tool results = %d, want 1", len(results))
	}
	if results[0].ToolCallID != "c1" {
		t.Errorf("tool result id = %q, want c1", results[0].ToolCallID)
	}
	if got := resultText(results[0]); got != "echo:hi" {
		t.Errorf("tool result = %q, want echo:hi", got)
	}

	last, ok := msgs[len(msgs)-1].(ai.AssistantMessage)
	if !ok || resultTextOf(last) != "done" {
		t.Errorf("final message = %#v, want assistant %q", msgs[len(msgs)-1], "done")
	}
}

func resultTextOf(m ai.AssistantMessage) string {
	var sb strings.Builder
	for _, b := range m.Content {
		if tc, ok := b.(ai.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func TestLoop_EveryToolCallGetsAResult(t *testing.T) {
	prov := &scriptedProvider{msgs: []*ai.AssistantMessage{
		toolCallMsg(
			call("c1", "echo", map[string]any{"text": "a"}),
			call("c2", "echo", map[string]any{"text": "b"}),
		),
		textMsg("done"),
	}}
	a := newTestAgent(prov)

	if err := a.Prompt(context.Background(), "go", agent.Config{}); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	for _, tr := range toolResults(a.Messages()) {
		if seen[tr.ToolCallID] {
			t.Errorf("duplicate tool result for %s", tr.ToolCallID)
		}
		seen[tr.ToolCallID] = true
	}
	for _, id := range []string{"c1", "c2"} {
		if !seen[id] {
			t.Errorf("no tool result for call %s", id)
		}
	}
}

func TestLoop_ToolErrorContinuesRun(t *testing.T) {
	boom := &hookTool{name: "boom", fn: func(context.Context, map[string]any) (tools.Result, error) {
		return tools.Result{}, context.DeadlineExceeded
	}}
	prov := &scriptedProvider{msgs: []*ai.AssistantMessage{
		toolCallMsg(call("c1", "boom", nil)),
		textMsg("recovered"),
	}}
	a := newTestAgent(prov, boom)

	if err := a.Prompt(context.Background(), "go", agent.Config{}); err != nil {
		t.Fatal(err)
	}

	results := toolResults(a.Messages())
	if len(results) != 1 || !results[0].IsError {
		t.Fatalf("expected one error tool result, got %+v", results)
	}
	if prov.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2 (loop should continue after tool error)", prov.callCount())
	}
}

func TestLoop_ToolPanicBecomesErrorResult(t *testing.T) {
	angry := &hookTool{name: "angry", fn: func(context.Context, map[string]any) (tools.Result, error) {
		panic("kaboom")
	}}
	prov := &scriptedProvider{msgs: []*ai.AssistantMessage{
		toolCallMsg(call("c1", "angry", nil)),
		textMsg("ok"),
	}}
	a := newTestAgent(prov, angry)

	if err := a.Prompt(context.Background(), "go", agent.Config{}); err != nil {
		t.Fatal(err)
	}
	results := toolResults(a.Messages())
	if len(results) != 1 || !results[0].IsError {
		t.Fatalf("expected one error tool result, got %+v", results)
	}
	if !strings.Contains(resultText(results[0]), "kaboom") {
		t.Errorf("panic message missing from result: %q", resultText(results[0]))
	}
}

func TestLoop_InvalidArgumentsRejected(t *testing.T) {
	prov := &scriptedProvider{msgs: []*ai.AssistantMessage{
		toolCallMsg(call("c1", "echo", map[string]any{})), // missing required "text"
		textMsg("ok"),
	}}
	a := newTestAgent(prov)

	if err := a.Prompt(context.Background(), "go", agent.Config{}); err != nil {
		t.Fatal(err)
	}
	results := toolResults(a.Messages())
	if len(results) != 1 || !results[0].IsError {
		t.Fatalf("expected one error tool result, got %+v", results)
	}
	if !strings.HasPrefix(resultText(results[0]), "Invalid arguments") {
		t.Errorf("validation failure text = %q, want Invalid arguments prefix", resultText(results[0]))
	}
}

func TestLoop_UnknownToolRejected(t *testing.T) {
	prov := &scriptedProvider{msgs: []*ai.AssistantMessage{
		toolCallMsg(call("c1", "no_such_tool", nil)),
		textMsg("ok"),
	}}
	a := newTestAgent(prov)

	if err := a.Prompt(context.Background(), "go", agent.Config{}); err != nil {
		t.Fatal(err)
	}
	results := toolResults(a.Messages())
	if len(results) != 1 || !results[0].IsError {
		t.Fatalf("expected one error tool result, got %+v", results)
	}
}

// ---------------------------------------------------------------------------
// Steering and follow-up
// ---------------------------------------------------------------------------

func TestLoop_SteeringSkipsRemainingTools(t *testing.T) {
	var a *agent.Agent
	executed := make(map[string]int)
	var mu sync.Mutex

	// slowTool records executions; during the second call a steering
	// message arrives.
	slow := &hookTool{name: "slow", fn: func(_ context.Context, params map[string]any) (tools.Result, error) {
		step, _ := params["step"].(string)
		mu.Lock()
		executed[step]++
		n := len(executed)
		mu.Unlock()
		if n == 2 {
			a.SteerText("stop that")
		}
		return tools.TextResult("did " + step), nil
	}}

	prov := &scriptedProvider{msgs: []*ai.AssistantMessage{
		toolCallMsg(
			call("cA", "slow", map[string]any{"step": "A"}),
			call("cB", "slow", map[string]any{"step": "B"}),
			call("cC", "slow", map[string]any{"step": "C"}),
		),
		textMsg("done"),
	}}
	a = newTestAgent(prov, slow)

	if err := a.Prompt(context.Background(), "go", agent.Config{}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if executed["A"] != 1 || executed["B"] != 1 {
		t.Errorf("A/B executions = %d/%d, want 1/1", executed["A"], executed["B"])
	}
	if executed["C"] != 0 {
		t.Errorf("C executed %d times, want 0 (skipped by steering)", executed["C"])
	}

	// The skipped call still has a result, marked as a skip and not an error.
	var skipped *ai.ToolResultMessage
	var steeringIdx, skipIdx int
	for i, m := range a.Messages() {
		if tr, ok := m.(ai.ToolResultMessage); ok && tr.ToolCallID == "cC" {
			cp := tr
			skipped = &cp
			skipIdx = i
		}
		if um, ok := m.(ai.UserMessage); ok {
			if len(um.Content) > 0 {
				if tc, ok := um.Content[0].(ai.TextContent); ok && tc.Text == "stop that" {
					steeringIdx = i
				}
			}
		}
	}
	if skipped == nil {
		t.Fatal("no synthesized result for skipped call cC")
	}
	if skipped.IsError {
		t.Error("skipped result should not be an error")
	}
	if got := resultText(*skipped); got != "Tool call skipped due to user interruption" {
		t.Errorf("skipped result text = %q", got)
	}
	if steeringIdx == 0 || steeringIdx < skipIdx {
		t.Errorf("steering message should open the next turn (steering at %d, skip at %d)", steeringIdx, skipIdx)
	}
}

func TestLoop_FollowUpExtendsRun(t *testing.T) {
	prov := &scriptedProvider{msgs: []*ai.AssistantMessage{
		textMsg("first answer"),
		textMsg("second answer"),
	}}
	a := newTestAgent(prov)
	a.FollowUpText("one more thing")

	if err := a.Prompt(context.Background(), "go", agent.Config{}); err != nil {
		t.Fatal(err)
	}
	if prov.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2 (follow-up should open a second turn)", prov.callCount())
	}
}

func TestLoop_BusyReturnsErrBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := &hookTool{name: "block", fn: func(ctx context.Context, _ map[string]any) (tools.Result, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return tools.TextResult("ok"), nil
	}}
	prov := &scriptedProvider{msgs: []*ai.AssistantMessage{
		toolCallMsg(call("c1", "block", nil)),
		textMsg("done"),
	}}
	a := newTestAgent(prov, blocking)

	done := make(chan error, 1)
	go func() { done <- a.Prompt(context.Background(), "go", agent.Config{}) }()

	<-started
	if err := a.Prompt(context.Background(), "again", agent.Config{}); err != agent.ErrBusy {
		t.Errorf("concurrent Prompt error = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

// abortableProvider emits one delta then blocks until its context dies.
type abortableProvider struct {
	partial *ai.AssistantMessage
}

func (p *abortableProvider) Name() string { return "abortable" }

func (p *abortableProvider) Stream(ctx context.Context, _ string, _ ai.Context, _ ai.StreamOptions) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	ch := make(chan ai.StreamEvent, 1)
	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		defer close(ch)
		ch <- ai.StreamEvent{Type: ai.StreamEventTextDelta, Delta: "par", Partial: p.partial}
		<-ctx.Done()
		err = ctx.Err()
	}()
	return ch, func() (*ai.AssistantMessage, error) {
		<-done
		return p.partial, err
	}
}

func TestLoop_AbortDuringStreaming(t *testing.T) {
	partial := &ai.AssistantMessage{
		Role:      ai.RoleAssistant,
		Content:   []ai.ContentBlock{ai.TextContent{Type: "text", Text: "partial text"}},
		Timestamp: time.Now().UnixMilli(),
	}
	a := newTestAgent(&abortableProvider{partial: partial})

	ends := 0
	sawUpdate := make(chan struct{}, 1)
	a.Subscribe(func(e agent.Event) {
		switch e.Type {
		case agent.EventMessageUpdate:
			select {
			case sawUpdate <- struct{}{}:
			default:
			}
		case agent.EventAgentEnd:
			ends++
		}
	})

	done := make(chan error, 1)
	go func() { done <- a.Prompt(context.Background(), "hi", agent.Config{}) }()

	select {
	case <-sawUpdate:
	case <-time.After(3 * time.Second):
		t.Fatal("no message_update before abort")
	}
	a.Abort()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("aborted run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not terminate after Abort")
	}

	if ends != 1 {
		t.Errorf("agent_end count = %d, want 1", ends)
	}
	if a.IsStreaming() {
		t.Error("IsStreaming should be false after abort")
	}

	msgs := a.Messages()
	last, ok := msgs[len(msgs)-1].(ai.AssistantMessage)
	if !ok {
		t.Fatalf("last message is %T, want aborted assistant message", msgs[len(msgs)-1])
	}
	if last.StopReason != ai.StopReasonAborted {
		t.Errorf("stop reason = %q, want aborted", last.StopReason)
	}
	if resultTextOf(last) != "partial text" {
		t.Errorf("partial content = %q, want %q", resultTextOf(last), "partial text")
	}
}

func TestLoop_AbortDiscardsEmptyPartial(t *testing.T) {
	empty := &ai.AssistantMessage{Role: ai.RoleAssistant, Timestamp: time.Now().UnixMilli()}
	a := newTestAgent(&abortableProvider{partial: empty})

	started := make(chan struct{}, 1)
	a.Subscribe(func(e agent.Event) {
		if e.Type == agent.EventMessageUpdate {
			select {
			case started <- struct{}{}:
			default:
			}
		}
	})

	done := make(chan error, 1)
	go func() { done <- a.Prompt(context.Background(), "hi", agent.Config{}) }()
	<-started
	a.Abort()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	for _, m := range a.Messages() {
		if am, ok := m.(ai.AssistantMessage); ok {
			t.Errorf("empty aborted partial should be discarded, found %+v", am)
		}
	}
}

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

// flakyProvider fails with a retryable error a fixed number of times.
type flakyProvider struct {
	mu       sync.Mutex
	failures int
	delay    time.Duration
	msg      *ai.AssistantMessage
	calls    int
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) Stream(_ context.Context, _ string, _ ai.Context, _ ai.StreamOptions) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	p.mu.Lock()
	p.calls++
	fail := p.calls <= p.failures
	p.mu.Unlock()

	ch := make(chan ai.StreamEvent)
	close(ch)
	if fail {
		err := &ai.RetryableError{Err: context.DeadlineExceeded, Delay: p.delay}
		return ch, func() (*ai.AssistantMessage, error) { return nil, err }
	}
	return ch, func() (*ai.AssistantMessage, error) { return p.msg, nil }
}

func TestLoop_RetriesTransientErrors(t *testing.T) {
	prov := &flakyProvider{failures: 2, msg: textMsg("finally")}
	a := newTestAgent(prov)

	retries := 0
	a.Subscribe(func(e agent.Event) {
		if e.Type == agent.EventRetry {
			retries++
		}
	})

	cfg := agent.Config{MaxRetries: 3, RetryBaseDelay: time.Millisecond}
	if err := a.Prompt(context.Background(), "go", cfg); err != nil {
		t.Fatal(err)
	}
	if retries != 2 {
		t.Errorf("retry events = %d, want 2", retries)
	}
	msgs := a.Messages()
	last := msgs[len(msgs)-1].(ai.AssistantMessage)
	if resultTextOf(last) != "finally" {
		t.Errorf("final message = %q, want %q", resultTextOf(last), "finally")
	}
}

func TestLoop_NoRetriesByDefault(t *testing.T) {
	prov := &flakyProvider{failures: 1, msg: textMsg("never")}
	a := newTestAgent(prov)

	err := a.Prompt(context.Background(), "go", agent.Config{})
	if err == nil {
		t.Fatal("expected error with MaxRetries=0")
	}
	if a.State().Error == "" {
		t.Error("State().Error should carry the failure")
	}
}

func TestLoop_ServerDelayBeyondCapFailsWithoutSleeping(t *testing.T) {
	prov := &flakyProvider{failures: 10, delay: 120 * time.Second, msg: textMsg("never")}
	a := newTestAgent(prov)

	start := time.Now()
	err := a.Prompt(context.Background(), "go", agent.Config{
		MaxRetries:    5,
		MaxRetryDelay: 60 * time.Second,
	})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error when server delay exceeds the cap")
	}
	if !strings.Contains(err.Error(), "2m0s") {
		t.Errorf("error should carry the requested delay: %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("run took %s; it must not sleep out the server delay", elapsed)
	}
	if prov.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (no retry past the cap)", prov.calls)
	}
}

// ---------------------------------------------------------------------------
// Stop conditions
// ---------------------------------------------------------------------------

func TestLoop_ToolUseStopWithNoCallsEndsRun(t *testing.T) {
	odd := &ai.AssistantMessage{
		Role:       ai.RoleAssistant,
		Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: "hm"}},
		StopReason: ai.StopReasonToolUse, // promised tool calls, delivered none
		Timestamp:  time.Now().UnixMilli(),
	}
	prov := &scriptedProvider{msgs: []*ai.AssistantMessage{odd}}
	a := newTestAgent(prov)

	done := make(chan error, 1)
	go func() { done <- a.Prompt(context.Background(), "go", agent.Config{}) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not terminate on tool_use stop with zero calls")
	}
	if prov.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", prov.callCount())
	}
}

func TestLoop_MaxTurnsStopsRun(t *testing.T) {
	// The provider always asks for another tool call; MaxTurns must cut in.
	prov := &scriptedProvider{msgs: []*ai.AssistantMessage{
		toolCallMsg(call("c1", "echo", map[string]any{"text": "again"})),
	}}
	a := newTestAgent(prov)

	limited := false
	a.Subscribe(func(e agent.Event) {
		if e.Type == agent.EventTurnLimitReached {
			limited = true
		}
	})

	if err := a.Prompt(context.Background(), "go", agent.Config{MaxTurns: 3}); err != nil {
		t.Fatal(err)
	}
	if !limited {
		t.Error("expected turn_limit_reached event")
	}
	if prov.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", prov.callCount())
	}
}

func TestLoop_ProviderErrorSetsStateError(t *testing.T) {
	prov := &scriptedProvider{
		msgs: []*ai.AssistantMessage{nil},
		errs: []error{context.DeadlineExceeded},
	}
	a := newTestAgent(prov)

	err := a.Prompt(context.Background(), "go", agent.Config{})
	if err == nil {
		t.Fatal("expected run error")
	}
	if a.State().Error == "" {
		t.Error("State().Error should be set")
	}

	// The error message is committed to history with stop reason error.
	msgs := a.Messages()
	last, ok := msgs[len(msgs)-1].(ai.AssistantMessage)
	if !ok || last.StopReason != ai.StopReasonError {
		t.Errorf("last message = %#v, want assistant with stop reason error", msgs[len(msgs)-1])
	}
}
