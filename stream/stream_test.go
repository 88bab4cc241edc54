package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"agentd/agent"
	"agentd/errors"
	"agentd/message"
)

func TestEncodeMessage(t *testing.T) {
	msg := message.Assistant().WithText("hi")
	payload, err := Encode(agent.Event{Message: &msg})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "Message" {
		t.Errorf("type = %v", decoded["type"])
	}
}

func TestEncodeErrorAndFinish(t *testing.T) {
	payload, err := Encode(agent.Event{Err: errors.New("boom")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(payload), `"Error"`) || !strings.Contains(string(payload), "boom") {
		t.Errorf("payload = %s", payload)
	}

	payload, err = Encode(agent.Event{Finish: &agent.Finish{Reason: agent.FinishStop}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(payload), `"Finish"`) || !strings.Contains(string(payload), "stop") {
		t.Errorf("payload = %s", payload)
	}
}

func TestEncodeEmptyEvent(t *testing.T) {
	if _, err := Encode(agent.Event{}); err == nil {
		t.Fatal("expected error for empty event")
	}
}

func TestServeSSEWritesFrames(t *testing.T) {
	events := make(chan agent.Event, 2)
	msg := message.Assistant().WithText("streamed")
	events <- agent.Event{Message: &msg}
	events <- agent.Event{Finish: &agent.Finish{Reason: agent.FinishStop}}
	close(events)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/reply", nil)
	ServeSSE(rec, req, events)

	body := rec.Body.String()
	if !strings.Contains(body, "data: ") {
		t.Fatalf("no data frames in %q", body)
	}
	if !strings.Contains(body, "streamed") || !strings.Contains(body, `"Finish"`) {
		t.Errorf("body = %q", body)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
}

func TestServeSSEStopsOnClientDisconnect(t *testing.T) {
	events := make(chan agent.Event) // never closed, never written
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/reply", nil).WithContext(ctx)
	done := make(chan struct{})
	go func() {
		ServeSSE(rec, req, events)
		close(done)
	}()
	<-done
}
