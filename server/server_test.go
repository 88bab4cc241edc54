package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"agentd/agent"
	"agentd/message"
	"agentd/provider"
	"agentd/tools"
)

type scriptedProvider struct {
	mu     sync.Mutex
	script []message.Message
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Complete(ctx context.Context, system string, msgs []message.Message, descs []tools.Descriptor) (message.Message, provider.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) == 0 {
		return message.Assistant().WithText("fallback"), provider.Usage{}, nil
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next, provider.Usage{}, nil
}

func newTestServer(t *testing.T, script ...message.Message) *httptest.Server {
	t.Helper()
	a, err := agent.New(agent.Options{Provider: &scriptedProvider{script: script}})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	ts := httptest.NewServer(New(a, "s3cret").Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, path, secret, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Secret-Key", secret)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	resp := post(t, ts, "/ask", "wrong", `{"messages":[]}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAskReturnsFinalText(t *testing.T) {
	ts := newTestServer(t, message.Assistant().WithText("the answer"))
	body := `{"messages":[{"role":"user","created":1,"content":[{"type":"text","text":"question"}]}]}`
	resp := post(t, ts, "/ask", "s3cret", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var decoded map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["response"] != "the answer" {
		t.Errorf("response = %q", decoded["response"])
	}
}

func TestAskRejectsEmptyHistory(t *testing.T) {
	ts := newTestServer(t)
	resp := post(t, ts, "/ask", "s3cret", `{"messages":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestReplyStreamsSSE(t *testing.T) {
	ts := newTestServer(t, message.Assistant().WithText("streamed answer"))
	body := `{"messages":[{"role":"user","created":1,"content":[{"type":"text","text":"hi"}]}]}`
	resp := post(t, ts, "/reply", "s3cret", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	frames := string(raw)
	if !strings.Contains(frames, "streamed answer") || !strings.Contains(frames, `"Finish"`) {
		t.Errorf("frames = %q", frames)
	}
}

func TestConfirmUnknownID(t *testing.T) {
	ts := newTestServer(t)
	resp := post(t, ts, "/confirm", "s3cret", `{"id":"ghost","action":"allow_once"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestConfirmRequiresID(t *testing.T) {
	ts := newTestServer(t)
	resp := post(t, ts, "/confirm", "s3cret", `{"action":"allow_once"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestToolResultUnknownID(t *testing.T) {
	ts := newTestServer(t)
	resp := post(t, ts, "/tool_result", "s3cret", `{"id":"ghost","result":{"content":[{"type":"text","text":"x"}]}}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/reply", "/ask", "/confirm", "/tool_result"} {
		resp := post(t, ts, path, "s3cret", "{not json")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", path, resp.StatusCode)
		}
	}
}
