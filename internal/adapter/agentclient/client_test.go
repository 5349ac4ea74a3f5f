package agentclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/baptistecolle/cmdclaw-sub005/internal/adapter/agentclient/agenttest"
	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

func TestClientStreamParsesSSE(t *testing.T) {
	server := agenttest.NewServer()
	defer server.Close()
	server.SetResponder(func(_ context.Context, _, text string, emit func(domain.StreamEvent)) {
		emit(domain.StreamEvent{Type: domain.EventTextDelta, Text: "echo: " + text})
		emit(domain.StreamEvent{Type: domain.EventToolUseStart, ToolUseID: "tu1", ToolName: "Bash"})
		emit(domain.StreamEvent{Type: domain.EventDone})
	})

	client := NewClientWith(server.Client())
	ep := Endpoint{BaseURL: server.URL}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.Health(ctx, ep); err != nil {
		t.Fatalf("health failed: %v", err)
	}
	sessionID, err := client.CreateSession(ctx, ep, "conv-1")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	var events []domain.StreamEvent
	err = client.Stream(ctx, ep, sessionID, "hello", func(ev domain.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != domain.EventTextDelta || events[0].Text != "echo: hello" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].ToolUseID != "tu1" || events[1].ToolName != "Bash" {
		t.Fatalf("unexpected tool event: %+v", events[1])
	}
	if events[2].Type != domain.EventDone {
		t.Fatalf("expected done, got %s", events[2].Type)
	}
}

func TestClientSessionExistsAndNoReply(t *testing.T) {
	server := agenttest.NewServer()
	defer server.Close()
	client := NewClientWith(server.Client())
	ep := Endpoint{BaseURL: server.URL}
	ctx := context.Background()

	exists, err := client.SessionExists(ctx, ep, "ses_missing")
	if err != nil {
		t.Fatalf("SessionExists failed: %v", err)
	}
	if exists {
		t.Fatalf("expected unknown session")
	}

	id, err := client.CreateSession(ctx, ep, "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := client.SendNoReply(ctx, ep, id, "history"); err != nil {
		t.Fatalf("SendNoReply failed: %v", err)
	}
	msgs := server.Messages()
	if len(msgs) != 1 || !msgs[0].NoReply || msgs[0].Text != "history" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	if err := client.Abort(ctx, ep, id); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if aborts := server.Aborts(); len(aborts) != 1 || aborts[0] != id {
		t.Fatalf("unexpected aborts: %v", aborts)
	}
}

func TestClientHealthFailsWhenUnready(t *testing.T) {
	server := agenttest.NewServer()
	defer server.Close()
	server.SetHealthy(false)

	client := NewClientWith(server.Client())
	if err := client.Health(context.Background(), Endpoint{BaseURL: server.URL}); err == nil {
		t.Fatalf("expected health error")
	}
}

func TestDecodeEventFallsBackToEventName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
	}))
	defer server.Close()

	client := NewClientWith(server.Client())
	var got []domain.StreamEventType
	err := client.Stream(context.Background(), Endpoint{BaseURL: server.URL}, "s", "x", func(ev domain.StreamEvent) error {
		got = append(got, ev.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if len(got) != 1 || got[0] != domain.EventDone {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestStreamStopsOnHandlerError(t *testing.T) {
	server := agenttest.NewServer()
	defer server.Close()
	client := NewClientWith(server.Client())
	ep := Endpoint{BaseURL: server.URL}
	id, _ := client.CreateSession(context.Background(), ep, "")

	err := client.Stream(context.Background(), ep, id, "x", func(domain.StreamEvent) error {
		return fmt.Errorf("stop")
	})
	if err == nil || !strings.Contains(err.Error(), "stop") {
		t.Fatalf("expected handler error, got %v", err)
	}
}
