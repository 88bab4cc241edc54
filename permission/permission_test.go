package permission

import (
	"context"
	"testing"
	"time"

	"agentd/tools"
)

func TestPolicyForReadOnlyTool(t *testing.T) {
	g := NewGate()
	d := tools.Descriptor{Name: "dev__read_file", Annotations: tools.Annotations{ReadOnlyHint: true}}
	if got := g.PolicyFor(d); got != Auto {
		t.Errorf("policy = %v, want auto", got)
	}
}

func TestPolicyDefaultsToManual(t *testing.T) {
	g := NewGate()
	d := tools.Descriptor{Name: "dev__write_file"}
	if got := g.PolicyFor(d); got != Manual {
		t.Errorf("policy = %v, want manual", got)
	}
}

func TestSetPolicyOverridesHint(t *testing.T) {
	g := NewGate()
	d := tools.Descriptor{Name: "dev__read_file", Annotations: tools.Annotations{ReadOnlyHint: true}}
	g.SetPolicy("dev__read_file", Denied)
	if got := g.PolicyFor(d); got != Denied {
		t.Errorf("policy = %v, want denied", got)
	}
}

func TestRegisterConfirmAwaitRoundTrip(t *testing.T) {
	g := NewGate()
	if err := g.Register("call-1", "dev__write_file"); err != nil {
		t.Fatalf("register: %v", err)
	}

	// The decision lands before anything blocks in Await; it must not be
	// lost.
	if err := g.Confirm("call-1", AllowOnce); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	d, err := g.Await(context.Background(), "call-1", "dev__write_file")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if d != AllowOnce {
		t.Errorf("decision = %v, want allow once", d)
	}
	if len(g.Pending()) != 0 {
		t.Errorf("pending after await = %v", g.Pending())
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	g := NewGate()
	if err := g.Register("call-1", "dev__write_file"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := g.Register("call-1", "dev__write_file"); err == nil {
		t.Fatal("expected error for duplicate id")
	}
	g.Drop("call-1")
	if len(g.Pending()) != 0 {
		t.Errorf("pending after drop = %v", g.Pending())
	}
}

func TestAlwaysAllowFlipsPolicy(t *testing.T) {
	g := NewGate()
	if err := g.Register("call-2", "dev__run_command"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := g.Confirm("call-2", AlwaysAllow); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	d, err := g.Await(context.Background(), "call-2", "dev__run_command")
	if err != nil || d != AlwaysAllow {
		t.Fatalf("await = (%v, %v)", d, err)
	}

	desc := tools.Descriptor{Name: "dev__run_command"}
	if got := g.PolicyFor(desc); got != Auto {
		t.Errorf("policy after always_allow = %v, want auto", got)
	}
}

func TestAwaitCancelledContextDenies(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := g.Await(ctx, "call-3", "dev__write_file")
	if err == nil {
		t.Fatal("expected context error")
	}
	if d != DenyOnce {
		t.Errorf("decision = %v, want deny", d)
	}
}

func TestConfirmUnknownID(t *testing.T) {
	g := NewGate()
	if err := g.Confirm("ghost", AllowOnce); err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestParseDecision(t *testing.T) {
	cases := map[string]Decision{
		"always_allow": AlwaysAllow,
		"allow_once":   AllowOnce,
		"deny":         DenyOnce,
		"bogus":        DenyOnce,
		"":             DenyOnce,
	}
	for action, want := range cases {
		if got := ParseDecision(action); got != want {
			t.Errorf("ParseDecision(%q) = %v, want %v", action, got, want)
		}
	}
}

func TestFailPendingDeniesAll(t *testing.T) {
	g := NewGate()
	results := make(chan Decision, 2)
	for _, id := range []string{"a", "b"} {
		id := id
		go func() {
			d, _ := g.Await(context.Background(), id, "tool__x")
			results <- d
		}()
	}
	deadline := time.After(2 * time.Second)
	for len(g.Pending()) < 2 {
		select {
		case <-deadline:
			t.Fatal("confirmations never registered")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	g.FailPending()
	for i := 0; i < 2; i++ {
		if d := <-results; d != DenyOnce {
			t.Errorf("decision = %v, want deny", d)
		}
	}
}
