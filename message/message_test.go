package message

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	msg := Assistant().
		WithText("calling a tool").
		WithToolRequest("call-1", "dev__read_file", json.RawMessage(`{"path":"main.go"}`)).
		WithThinking("let me look at the file")

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Role != RoleAssistant {
		t.Errorf("role = %q, want assistant", decoded.Role)
	}
	if len(decoded.Content) != 3 {
		t.Fatalf("content parts = %d, want 3", len(decoded.Content))
	}
	if decoded.Text() != "calling a tool" {
		t.Errorf("text = %q", decoded.Text())
	}
	reqs := decoded.ToolRequests()
	if len(reqs) != 1 {
		t.Fatalf("tool requests = %d, want 1", len(reqs))
	}
	if reqs[0].ID != "call-1" || reqs[0].Name != "dev__read_file" {
		t.Errorf("unexpected request %+v", reqs[0])
	}
}

func TestToolResponseRoundTrip(t *testing.T) {
	msg := Tool().WithToolResponse("call-1", TextResult("contents"))
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	resp, ok := decoded.Content[0].(ToolResponse)
	if !ok {
		t.Fatalf("content[0] is %T, want ToolResponse", decoded.Content[0])
	}
	if resp.ID != "call-1" {
		t.Errorf("id = %q", resp.ID)
	}
	if resp.Result.IsError() {
		t.Errorf("unexpected error result: %q", resp.Result.Error)
	}
	if resp.Result.Text() != "contents" {
		t.Errorf("result text = %q", resp.Result.Text())
	}
}

func TestErrorResult(t *testing.T) {
	res := ErrorResult("denied")
	if !res.IsError() {
		t.Fatal("expected error result")
	}
	data, _ := json.Marshal(Tool().WithToolResponse("x", res))
	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	resp := decoded.Content[0].(ToolResponse)
	if resp.Result.Error != "denied" {
		t.Errorf("error = %q, want denied", resp.Result.Error)
	}
}

func TestUnknownVariantFallsBackToText(t *testing.T) {
	raw := `{"role":"assistant","created":1,"content":[{"type":"audio","uri":"x.wav"}]}`
	var decoded Message
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	txt, ok := decoded.Content[0].(Text)
	if !ok {
		t.Fatalf("content[0] is %T, want Text fallback", decoded.Content[0])
	}
	if !strings.Contains(txt.Text, "audio") {
		t.Errorf("fallback text lost raw payload: %q", txt.Text)
	}
}

func TestImageRoundTrip(t *testing.T) {
	msg := User().WithImage("image/png", []byte{1, 2, 3})
	data, _ := json.Marshal(msg)
	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	img, ok := decoded.Content[0].(Image)
	if !ok {
		t.Fatalf("content[0] is %T", decoded.Content[0])
	}
	if img.MimeType != "image/png" || len(img.Data) != 3 {
		t.Errorf("unexpected image %+v", img)
	}
}
