package tools

import "testing"

func TestPrefixSplit(t *testing.T) {
	name := Prefix("developer", "read_file")
	if name != "developer__read_file" {
		t.Fatalf("prefix = %q", name)
	}
	ext, tool, ok := Split(name)
	if !ok || ext != "developer" || tool != "read_file" {
		t.Fatalf("split = (%q, %q, %v)", ext, tool, ok)
	}
}

func TestSplitUnprefixed(t *testing.T) {
	for _, name := range []string{"plain", "__leading", "trailing__", ""} {
		if _, _, ok := Split(name); ok {
			t.Errorf("Split(%q) unexpectedly ok", name)
		}
	}
}

func TestSplitKeepsInnerSeparator(t *testing.T) {
	ext, tool, ok := Split("mem__save__global")
	if !ok || ext != "mem" || tool != "save__global" {
		t.Fatalf("split = (%q, %q, %v)", ext, tool, ok)
	}
}
