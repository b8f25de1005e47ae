package eventmapper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Inbound notification methods this mapper understands. Unknown methods,
// including wrapper-form duplicates of canonical events, are either
// dropped deliberately (see the wrapper constants below) or ignored.
const (
	MethodTurnStarted                 = "turn/started"
	MethodTurnCompleted               = "turn/completed"
	MethodItemStarted                 = "item/started"
	MethodItemCompleted               = "item/completed"
	MethodAgentMessageDelta           = "item/agentMessage/delta"
	MethodReasoningTextDelta          = "item/reasoning/textDelta"
	MethodReasoningSummaryTextDelta   = "item/reasoning/summaryTextDelta"
	MethodReasoningSummaryPartAdded   = "item/reasoning/summaryPartAdded"
	MethodPlanDelta                   = "item/plan/delta"
	MethodFileChangeOutputDelta       = "item/fileChange/outputDelta"
	MethodCommandExecutionOutputDelta = "item/commandExecution/outputDelta"
	MethodTokenUsageUpdated           = "thread/tokenUsage/updated"
	MethodTurnPlanUpdated             = "turn/plan/updated"
	MethodTurnDiffUpdated             = "turn/diff/updated"

	// Wrapper-form duplicates. The peer sometimes exposes the same
	// underlying event through a second, generic envelope in addition to
	// the canonical form above. The canonical form is authoritative;
	// these are recognized only so they can be dropped rather
	// than silently mis-parsed as an unknown method.
	MethodItemToolCallStarted           = "item/tool/callStarted"
	MethodItemToolCallDelta             = "item/tool/callDelta"
	MethodItemToolCallFinished          = "item/tool/callFinished"
	MethodMCPToolCallProgress           = "item/mcpToolCall/progress"
	MethodReasoningSummaryPartAddedWrap = "item/reasoning/summaryPartAddedEvent"
	MethodTurnPlanUpdatedWrap           = "turn/planUpdatedEvent"
	MethodTurnDiffUpdatedWrap           = "turn/diffUpdatedEvent"
)

// Item kinds carried on item/started and item/completed.
const (
	kindAgentMessage      = "agentMessage"
	kindCommandExecution  = "commandExecution"
	kindPlan              = "plan"
	kindReasoning         = "reasoning"
	kindFileChange        = "fileChange"
	kindToolCall          = "toolCall"
	kindWebSearch         = "webSearch"
	kindContextCompaction = "contextCompaction"
	kindReviewMode        = "reviewMode"
)

type itemStartedParams struct {
	ItemID  string `json:"item_id"`
	Kind    string `json:"kind"`
	Command string `json:"command,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
}

type itemCompletedParams struct {
	ItemID           string `json:"item_id"`
	Kind             string `json:"kind"`
	Text             string `json:"text,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	Status           string `json:"status,omitempty"`
}

type itemDeltaParams struct {
	ItemID string `json:"item_id"`
	Delta  string `json:"delta"`
}

type tokenUsageParams struct {
	Usage Usage `json:"usage"`
}

type turnStartedParams struct {
	TurnID string `json:"turn_id,omitempty"`
}

type turnCompletedParams struct {
	Status string `json:"status"`
}

type turnPlanUpdatedParams struct {
	TurnID string          `json:"turn_id"`
	Plan   json.RawMessage `json:"plan"`
}

type commandExecutionResult struct {
	AggregatedOutput string `json:"aggregatedOutput"`
	ExitCode         int    `json:"exitCode"`
	Status           string `json:"status"`
}

type toolCallState struct {
	toolName string
	buffer   string
}

// Option configures a Mapper at construction.
type Option func(*Mapper)

// WithPlanUpdates enables synthetic tool-call/tool-result parts for
// turn/plan/updated notifications, driven by the orchestrator's
// emit_plan_updates configuration knob.
func WithPlanUpdates(enabled bool) Option {
	return func(m *Mapper) { m.emitPlanUpdates = enabled }
}

// Mapper is a single-threaded, per-turn state machine translating the
// sidecar's notification stream into an ordered sequence of Parts. It holds
// per-turn state as plain struct fields; callers must
// serialize calls to HandleNotification (the rpcclient.Client's own
// single-executor dispatch already guarantees this when the mapper is wired
// via OnAnyNotification).
type Mapper struct {
	emit func(Part)

	emitPlanUpdates bool

	threadID string
	turnID   string

	streamStarted  bool
	openTextIDs    map[string]bool
	textDeltaSeen  map[string]bool
	openReasoning  map[string]bool
	openToolCalls  map[string]*toolCallState
	latestUsage    *Usage
	finished       bool

	planCallID  string
	planOpened  bool
	planLatest  json.RawMessage
}

// New constructs a Mapper that invokes emit for every Part it produces, in
// order. emit must not block indefinitely; a typical emit pushes onto a
// buffered channel (see Stream).
func New(emit func(Part), opts ...Option) *Mapper {
	m := &Mapper{
		emit:          emit,
		openTextIDs:   make(map[string]bool),
		textDeltaSeen: make(map[string]bool),
		openReasoning: make(map[string]bool),
		openToolCalls: make(map[string]*toolCallState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetThreadID records the thread id so subsequent parts are stamped with
// it in their provider metadata. Called by the
// orchestrator once thread/start or thread/resume returns.
func (m *Mapper) SetThreadID(id string) { m.threadID = id }

// SetTurnID records the active turn id, used to derive the deterministic
// plan part id ("plan:<turn_id>").
func (m *Mapper) SetTurnID(id string) { m.turnID = id }

// ThreadID returns the thread id most recently recorded via SetThreadID.
func (m *Mapper) ThreadID() string { return m.threadID }

// HandleNotification is the mapper's single entry point: it classifies
// method and updates state, emitting zero or more Parts via the
// constructor's emit callback.
func (m *Mapper) HandleNotification(method string, params json.RawMessage) {
	if m.finished {
		// Once Finish has been emitted nothing further may reach the
		// caller.
		return
	}

	switch method {
	case MethodTurnStarted:
		m.ensureStreamStart()
		var p turnStartedParams
		_ = json.Unmarshal(params, &p)
		if p.TurnID != "" {
			m.turnID = p.TurnID
		}
	case MethodItemStarted:
		m.ensureStreamStart()
		m.handleItemStarted(params)
	case MethodItemCompleted:
		m.ensureStreamStart()
		m.handleItemCompleted(params)
	case MethodAgentMessageDelta:
		m.ensureStreamStart()
		m.handleAgentMessageDelta(params)
	case MethodReasoningTextDelta, MethodReasoningSummaryTextDelta, MethodPlanDelta, MethodFileChangeOutputDelta:
		m.ensureStreamStart()
		m.handleReasoningDelta(params)
	case MethodReasoningSummaryPartAdded:
		m.ensureStreamStart()
		m.handleSummaryPartAdded(params)
	case MethodCommandExecutionOutputDelta:
		m.ensureStreamStart()
		m.handleCommandOutputDelta(params)
	case MethodTokenUsageUpdated:
		m.handleTokenUsage(params)
	case MethodTurnPlanUpdated:
		m.handlePlanUpdated(params)
	case MethodTurnCompleted:
		m.ensureStreamStart()
		m.handleTurnCompleted(params)

	// Wrapper-form duplicates: canonical form already produced the
	// equivalent Part(s), so these are intentionally no-ops.
	case MethodItemToolCallStarted, MethodItemToolCallDelta, MethodItemToolCallFinished,
		MethodMCPToolCallProgress, MethodReasoningSummaryPartAddedWrap, MethodTurnPlanUpdatedWrap:
		// dropped

	// Raw unified diffs are intentionally never surfaced as reasoning
	// text; downstream renderers choke on large payloads.
	case MethodTurnDiffUpdated, MethodTurnDiffUpdatedWrap:
		// dropped

	default:
		// Unrecognized notification method: ignored. The mapper handles
		// the enumerated vocabulary only.
	}
}

func (m *Mapper) ensureStreamStart() {
	if m.streamStarted {
		return
	}
	m.streamStarted = true
	m.send(StreamStart{})
}

func (m *Mapper) handleItemStarted(params json.RawMessage) {
	var p itemStartedParams
	if err := json.Unmarshal(params, &p); err != nil || p.ItemID == "" {
		return
	}
	switch p.Kind {
	case kindAgentMessage:
		m.openTextIDs[p.ItemID] = true
		m.send(TextStart{ID: p.ItemID, ThreadID: m.threadID})
	case kindCommandExecution:
		input, _ := json.Marshal(struct {
			Command string `json:"command"`
			Cwd     string `json:"cwd"`
		}{Command: p.Command, Cwd: p.Cwd})
		m.openToolCalls[p.ItemID] = &toolCallState{toolName: toolNameProviderCommandExecution}
		m.send(ToolCall{
			CallID:           p.ItemID,
			Name:             toolNameProviderCommandExecution,
			Input:            input,
			ProviderExecuted: true,
			ThreadID:         m.threadID,
		})
	case kindPlan, kindReasoning, kindFileChange, kindToolCall, kindWebSearch, kindContextCompaction, kindReviewMode:
		m.openReasoning[p.ItemID] = true
		m.send(ReasoningStart{ID: p.ItemID, ThreadID: m.threadID})
	}
}

func (m *Mapper) handleItemCompleted(params json.RawMessage) {
	var p itemCompletedParams
	if err := json.Unmarshal(params, &p); err != nil || p.ItemID == "" {
		return
	}
	switch p.Kind {
	case kindAgentMessage:
		m.closeText(p.ItemID, p.Text)
	case kindCommandExecution:
		m.finishCommandExecution(p)
	case kindPlan, kindReasoning, kindFileChange, kindToolCall, kindWebSearch, kindContextCompaction, kindReviewMode:
		m.closeReasoning(p.ItemID)
	}
}

func (m *Mapper) closeText(id, fallbackText string) {
	if !m.openTextIDs[id] {
		return
	}
	if !m.textDeltaSeen[id] && fallbackText != "" {
		m.send(TextDelta{ID: id, Delta: fallbackText, ThreadID: m.threadID})
	}
	delete(m.openTextIDs, id)
	delete(m.textDeltaSeen, id)
	m.send(TextEnd{ID: id, ThreadID: m.threadID})
}

func (m *Mapper) closeReasoning(id string) {
	if !m.openReasoning[id] {
		return
	}
	delete(m.openReasoning, id)
	m.send(ReasoningEnd{ID: id, ThreadID: m.threadID})
}

func (m *Mapper) finishCommandExecution(p itemCompletedParams) {
	tc, ok := m.openToolCalls[p.ItemID]
	if !ok {
		return
	}
	delete(m.openToolCalls, p.ItemID)
	exitCode := 0
	if p.ExitCode != nil {
		exitCode = *p.ExitCode
	}
	aggregated := p.AggregatedOutput
	if aggregated == "" {
		aggregated = tc.buffer
	}
	result, _ := json.Marshal(commandExecutionResult{
		AggregatedOutput: aggregated,
		ExitCode:         exitCode,
		Status:           p.Status,
	})
	m.send(ToolResult{CallID: p.ItemID, Name: tc.toolName, Result: result, ThreadID: m.threadID})
}

func (m *Mapper) handleAgentMessageDelta(params json.RawMessage) {
	var p itemDeltaParams
	if err := json.Unmarshal(params, &p); err != nil || p.ItemID == "" {
		return
	}
	if !m.openTextIDs[p.ItemID] {
		// A delta for an id never opened via item/started: open it now so
		// downstream consumers still see balanced start/end discipline.
		m.openTextIDs[p.ItemID] = true
		m.send(TextStart{ID: p.ItemID, ThreadID: m.threadID})
	}
	m.textDeltaSeen[p.ItemID] = true
	m.send(TextDelta{ID: p.ItemID, Delta: p.Delta, ThreadID: m.threadID})
}

func (m *Mapper) handleReasoningDelta(params json.RawMessage) {
	var p itemDeltaParams
	if err := json.Unmarshal(params, &p); err != nil || p.ItemID == "" {
		return
	}
	if !m.openReasoning[p.ItemID] {
		m.openReasoning[p.ItemID] = true
		m.send(ReasoningStart{ID: p.ItemID, ThreadID: m.threadID})
	}
	m.send(ReasoningDelta{ID: p.ItemID, Delta: p.Delta, ThreadID: m.threadID})
}

func (m *Mapper) handleSummaryPartAdded(params json.RawMessage) {
	var p itemDeltaParams
	if err := json.Unmarshal(params, &p); err != nil || p.ItemID == "" {
		return
	}
	if !m.openReasoning[p.ItemID] {
		m.openReasoning[p.ItemID] = true
		m.send(ReasoningStart{ID: p.ItemID, ThreadID: m.threadID})
	}
	m.send(ReasoningDelta{ID: p.ItemID, Delta: "\n\n", ThreadID: m.threadID})
}

func (m *Mapper) handleCommandOutputDelta(params json.RawMessage) {
	var p itemDeltaParams
	if err := json.Unmarshal(params, &p); err != nil || p.ItemID == "" {
		return
	}
	tc, ok := m.openToolCalls[p.ItemID]
	if !ok {
		return
	}
	tc.buffer += p.Delta
	result, _ := json.Marshal(commandExecutionResult{AggregatedOutput: tc.buffer})
	m.send(ToolResult{CallID: p.ItemID, Name: tc.toolName, Result: result, Preliminary: true, ThreadID: m.threadID})
}

func (m *Mapper) handleTokenUsage(params json.RawMessage) {
	var p tokenUsageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	usage := p.Usage
	m.latestUsage = &usage
}

func (m *Mapper) handlePlanUpdated(params json.RawMessage) {
	if !m.emitPlanUpdates {
		return
	}
	m.ensureStreamStart()
	var p turnPlanUpdatedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	turnID := p.TurnID
	if turnID == "" {
		turnID = m.turnID
	}
	callID := fmt.Sprintf("plan:%s", turnID)
	m.planLatest = p.Plan

	if !m.planOpened {
		m.planOpened = true
		m.planCallID = callID
		m.send(ToolCall{CallID: callID, Name: "plan", Input: p.Plan, ThreadID: m.threadID})
	}
	m.send(ToolResult{CallID: m.planCallID, Name: "plan", Result: p.Plan, Preliminary: true, ThreadID: m.threadID})
}

func (m *Mapper) handleTurnCompleted(params json.RawMessage) {
	var p turnCompletedParams
	_ = json.Unmarshal(params, &p)
	m.flushAll()

	reason := "other"
	switch p.Status {
	case "completed":
		reason = "stop"
	case "failed":
		reason = "error"
	case "interrupted":
		reason = "other"
	}

	usage := Usage{}
	if m.latestUsage != nil {
		usage = *m.latestUsage
	}
	m.finished = true
	m.send(Finish{Reason: reason, Usage: usage, ThreadID: m.threadID})
}

// EmitDynamicToolCall directly emits a ToolCall part for a tool the sidecar
// is asking the embedder's own host SDK to run across calls, bypassing the
// item/started notification path since no such notification exists for
// these: the orchestrator's combined
// local/cross-call tool-call request handler calls this the moment it
// decides a tool call must be parked rather than answered locally.
func (m *Mapper) EmitDynamicToolCall(callID, name string, input json.RawMessage) {
	m.ensureStreamStart()
	m.send(ToolCall{CallID: callID, Name: name, Input: input, Dynamic: true, ThreadID: m.threadID})
}

// EmitError ensures a stream-start has been produced, then emits an
// ErrorPart and suppresses any further emissions, mirroring Finish's
// terminal behavior: a turn ends with either a clean finish or exactly
// one error part, never both.
func (m *Mapper) EmitError(cause error) {
	if m.finished {
		return
	}
	m.ensureStreamStart()
	m.finished = true
	m.send(ErrorPart{Cause: cause, ThreadID: m.threadID})
}

// FlushPendingToolCalls flushes any still-open state and emits Finish with
// the given reason, without requiring a turn/completed notification. The
// orchestrator uses this to end a turn early for the tool-calls finish
// reason (cross-call tool parking).
func (m *Mapper) FlushPendingToolCalls(reason string) {
	if m.finished {
		return
	}
	m.ensureStreamStart()
	m.flushAll()
	m.finished = true
	usage := Usage{}
	if m.latestUsage != nil {
		usage = *m.latestUsage
	}
	m.send(Finish{Reason: reason, Usage: usage, ThreadID: m.threadID})
}

func (m *Mapper) flushAll() {
	for id := range m.openTextIDs {
		m.closeText(id, "")
	}
	for id := range m.openReasoning {
		m.closeReasoning(id)
	}
	for id, tc := range m.openToolCalls {
		result, _ := json.Marshal(commandExecutionResult{AggregatedOutput: tc.buffer})
		m.send(ToolResult{CallID: id, Name: tc.toolName, Result: result, ThreadID: m.threadID})
		delete(m.openToolCalls, id)
	}
	if m.planOpened {
		result := m.planLatest
		if result == nil {
			result = json.RawMessage("null")
		}
		m.send(ToolResult{CallID: m.planCallID, Name: "plan", Result: result, ThreadID: m.threadID})
	}
}

func (m *Mapper) send(p Part) {
	if m.emit != nil {
		m.emit(p)
	}
}

// Stream is a channel-backed reader over a Mapper's output: the mapper's
// emit callback feeds Stream's internal channel from whatever goroutine is
// driving notification delivery (the rpcclient.Client's transport read
// loop), and the caller drains it with Recv from its own goroutine.
type Stream struct {
	parts chan Part

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStream constructs a Stream with the given channel buffer size. Use
// Stream.Emit as the Mapper's emit callback.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 1
	}
	return &Stream{parts: make(chan Part, buffer), closed: make(chan struct{})}
}

// Emit pushes p onto the stream, unless the stream has already been
// closed, in which case it is dropped.
func (s *Stream) Emit(p Part) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.parts <- p:
	case <-s.closed:
	}
}

// Recv returns the next Part, blocking until one is available, the stream
// is closed (io.EOF), or ctx is done.
func (s *Stream) Recv(ctx context.Context) (Part, error) {
	select {
	case p, ok := <-s.parts:
		if !ok {
			return nil, io.EOF
		}
		return p, nil
	case <-s.closed:
		select {
		case p, ok := <-s.parts:
			if ok {
				return p, nil
			}
		default:
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the stream from accepting further Parts. Idempotent.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
