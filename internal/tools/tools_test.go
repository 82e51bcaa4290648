package tools

import (
	"context"
	"testing"
)

func newTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "test tool",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			return "ok", nil
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(newTool("fs_read_file"))

	if got := r.Get("fs_read_file"); got == nil {
		t.Fatal("Get returned nil for registered tool")
	}
	if got := r.Get("missing"); got != nil {
		t.Errorf("Get(missing) = %v, want nil", got)
	}
}

func TestRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register(newTool("dup"))

	replacement := newTool("dup")
	replacement.Description = "second"
	r.Register(replacement)

	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	if got := r.Get("dup").Description; got != "second" {
		t.Errorf("Description = %q, want %q", got, "second")
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(newTool("a"))
	r.Unregister("a")
	r.Unregister("never-existed") // no-op

	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestUnregisterPrefix(t *testing.T) {
	r := NewRegistry()
	r.Register(newTool("fs_read_file"))
	r.Register(newTool("fs_write_file"))
	r.Register(newTool("search_query"))

	removed := r.UnregisterPrefix("fs_")
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if r.Get("search_query") == nil {
		t.Error("search_query removed, want kept")
	}
}

func TestNamesSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(newTool("zeta"))
	r.Register(newTool("alpha"))
	r.Register(newTool("mid"))

	names := r.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("got %d names, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
