// Package stream reduces model stream events and gate events into the
// append-only transcript of a generation.
package stream

import (
	"encoding/json"
	"strings"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

// InterruptedText is the system part appended when a generation is cancelled.
const InterruptedText = "Interrupted"

// Trace is the transcript of one generation. It is not safe for concurrent
// use; one goroutine owns it.
type Trace struct {
	status   domain.TraceStatus
	parts    []domain.ContentPart
	usage    domain.UsageData
	errMsg   string
	toolIdx  map[string]int
	inputs   map[string]*strings.Builder
	opened   []string
	authPart int
	// last is the type of the previous event; text only coalesces across
	// consecutive events of the same type.
	last domain.StreamEventType
	// cancelled is set when the trace was completed by a cancellation.
	cancelled bool
}

// NewTrace returns an empty streaming trace.
func NewTrace() *Trace {
	return &Trace{
		status:   domain.TraceStreaming,
		toolIdx:  make(map[string]int),
		inputs:   make(map[string]*strings.Builder),
		authPart: -1,
	}
}

// Resume rebuilds a trace from persisted parts.
func Resume(parts []domain.ContentPart) *Trace {
	t := NewTrace()
	for _, p := range parts {
		t.parts = append(t.parts, clonePart(p))
		idx := len(t.parts) - 1
		if p.ToolCall != nil {
			t.toolIdx[p.ToolCall.ID] = idx
			t.opened = append(t.opened, p.ToolCall.ID)
		}
		if p.Auth != nil && p.Auth.Status == domain.AuthPending {
			t.authPart = idx
		}
	}
	return t
}

// Status returns the trace status.
func (t *Trace) Status() domain.TraceStatus { return t.status }

// ErrorMessage returns the message of the event that ended the trace in error.
func (t *Trace) ErrorMessage() string { return t.errMsg }

// Cancelled reports whether the trace ended by cancellation.
func (t *Trace) Cancelled() bool { return t.cancelled }

// Len returns the number of parts.
func (t *Trace) Len() int { return len(t.parts) }

// Usage returns the accumulated token usage.
func (t *Trace) Usage() domain.UsageData { return t.usage }

// Parts returns a copy of the transcript.
func (t *Trace) Parts() []domain.ContentPart {
	out := make([]domain.ContentPart, len(t.parts))
	for i, p := range t.parts {
		out[i] = clonePart(p)
	}
	return out
}

// Apply reduces one event into the trace and reports whether the transcript
// or status changed. Events arriving after the trace is terminal are ignored.
func (t *Trace) Apply(ev domain.StreamEvent) bool {
	if t.status.IsTerminal() {
		return false
	}
	prev := t.last
	t.last = ev.Type

	switch ev.Type {
	case domain.EventTextDelta:
		return t.appendText(domain.PartText, ev.Text, prev == ev.Type)
	case domain.EventThinking:
		return t.appendText(domain.PartThinking, ev.Text, prev == ev.Type)

	case domain.EventToolUseStart:
		t.openTool(ev.ToolUseID, ev.ToolName, ev.Input)
		return true
	case domain.EventToolUseDelta:
		tc := t.tool(ev.ToolUseID)
		if tc == nil {
			return false
		}
		b := t.inputs[tc.ID]
		if b == nil {
			b = &strings.Builder{}
			b.WriteString(tc.Input)
			t.inputs[tc.ID] = b
		}
		b.WriteString(ev.Input)
		tc.Input = b.String()
		return true
	case domain.EventToolUseEnd:
		tc := t.tool(ev.ToolUseID)
		if tc == nil {
			return false
		}
		if ev.Input != "" && json.Valid([]byte(ev.Input)) {
			tc.Input = ev.Input
		}
		delete(t.inputs, tc.ID)
		return true
	case domain.EventToolResult:
		tc := t.tool(ev.ToolUseID)
		if tc == nil {
			return false
		}
		tc.Result = ev.Content
		tc.Status = domain.ToolCallCompleted
		if ev.IsError {
			tc.Status = domain.ToolCallError
		}
		return true

	case domain.EventUsage:
		if ev.Usage != nil {
			t.usage.InputTokens += ev.Usage.InputTokens
			t.usage.OutputTokens += ev.Usage.OutputTokens
		}
		return false

	case domain.EventPendingApproval:
		tc := t.tool(ev.ToolUseID)
		if tc == nil {
			tc = t.openTool(ev.ToolUseID, "Bash", "")
		}
		tc.Approval = &domain.ApprovalPart{
			Status:      domain.ApprovalPending,
			Integration: ev.Integration,
			Operation:   ev.Operation,
			Command:     ev.Command,
		}
		t.status = domain.TraceWaitingApproval
		return true
	case domain.EventApprovalResult:
		if tc := t.toolByID(ev.ToolUseID); tc != nil && tc.Approval != nil {
			tc.Approval.Status = domain.ApprovalDenied
			if ev.Decision == domain.DecisionAllow {
				tc.Approval.Status = domain.ApprovalApproved
			}
		}
		t.status = domain.TraceStreaming
		return true

	case domain.EventAuthNeeded:
		integrations := ev.Integrations
		if len(integrations) == 0 && ev.Integration != "" {
			integrations = []string{ev.Integration}
		}
		t.parts = append(t.parts, domain.ContentPart{
			Type: domain.PartAuth,
			Auth: &domain.AuthPart{
				ToolUseID:    ev.ToolUseID,
				Integrations: integrations,
				Status:       domain.AuthPending,
				Reason:       ev.Reason,
			},
		})
		t.authPart = len(t.parts) - 1
		t.status = domain.TraceWaitingAuth
		return true
	case domain.EventAuthProgress:
		auth := t.pendingAuth()
		if auth == nil || ev.Integration == "" {
			return false
		}
		for _, c := range auth.Connected {
			if c == ev.Integration {
				return false
			}
		}
		auth.Connected = append(auth.Connected, ev.Integration)
		return true
	case domain.EventAuthResult:
		auth := t.pendingAuth()
		if ev.Success {
			if auth != nil {
				auth.Status = domain.AuthConnected
			}
			t.authPart = -1
			t.status = domain.TraceStreaming
			return true
		}
		if auth != nil {
			auth.Status = domain.AuthFailed
			auth.Reason = ev.Reason
		}
		t.authPart = -1
		t.fail(firstNonEmpty(ev.Reason, "authentication failed"))
		return true

	case domain.EventCancelled:
		for _, id := range t.opened {
			if tc := t.parts[t.toolIdx[id]].ToolCall; tc.Status == domain.ToolCallRunning {
				tc.Status = domain.ToolCallInterrupted
			}
		}
		t.parts = append(t.parts, domain.ContentPart{Type: domain.PartSystem, Text: InterruptedText})
		t.status = domain.TraceComplete
		t.cancelled = true
		return true
	case domain.EventDone:
		if ev.Usage != nil {
			t.usage.InputTokens += ev.Usage.InputTokens
			t.usage.OutputTokens += ev.Usage.OutputTokens
		}
		t.status = domain.TraceComplete
		return true
	case domain.EventError:
		t.fail(firstNonEmpty(ev.Text, ev.Content, ev.Reason, "agent error"))
		return true
	}
	return false
}

func (t *Trace) fail(msg string) {
	t.errMsg = msg
	t.parts = append(t.parts, domain.ContentPart{Type: domain.PartSystem, Text: "Error: " + msg})
	t.status = domain.TraceError
}

func (t *Trace) appendText(typ domain.PartType, text string, merge bool) bool {
	if text == "" {
		return false
	}
	if n := len(t.parts); merge && n > 0 && t.parts[n-1].Type == typ {
		t.parts[n-1].Text += text
		return true
	}
	t.parts = append(t.parts, domain.ContentPart{Type: typ, Text: text})
	return true
}

func (t *Trace) openTool(id, name, input string) *domain.ToolCallPart {
	if tc := t.toolByID(id); tc != nil {
		return tc
	}
	tc := &domain.ToolCallPart{ID: id, Name: name, Input: input, Status: domain.ToolCallRunning}
	t.parts = append(t.parts, domain.ContentPart{Type: domain.PartToolCall, ToolCall: tc})
	t.toolIdx[id] = len(t.parts) - 1
	t.opened = append(t.opened, id)
	return tc
}

func (t *Trace) toolByID(id string) *domain.ToolCallPart {
	idx, ok := t.toolIdx[id]
	if !ok {
		return nil
	}
	return t.parts[idx].ToolCall
}

// tool resolves the target of a tool event: by id when given, otherwise the
// most recently opened tool-call that is still running.
func (t *Trace) tool(id string) *domain.ToolCallPart {
	if id != "" {
		return t.toolByID(id)
	}
	for i := len(t.opened) - 1; i >= 0; i-- {
		if tc := t.toolByID(t.opened[i]); tc != nil && tc.Status == domain.ToolCallRunning {
			return tc
		}
	}
	return nil
}

func (t *Trace) pendingAuth() *domain.AuthPart {
	if t.authPart < 0 {
		return nil
	}
	return t.parts[t.authPart].Auth
}

func clonePart(p domain.ContentPart) domain.ContentPart {
	if p.ToolCall != nil {
		tc := *p.ToolCall
		if tc.Approval != nil {
			a := *tc.Approval
			tc.Approval = &a
		}
		p.ToolCall = &tc
	}
	if p.Auth != nil {
		a := *p.Auth
		a.Integrations = append([]string(nil), a.Integrations...)
		a.Connected = append([]string(nil), a.Connected...)
		p.Auth = &a
	}
	return p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
