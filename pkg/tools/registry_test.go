package tools_test

import (
	"context"
	"testing"

	"github.com/bitop-dev/agentcore/pkg/ai"
	"github.com/bitop-dev/agentcore/pkg/tools"
)

// stubTool is a minimal Tool implementation for testing the registry.
type stubTool struct{ name string }

func (s *stubTool) Definition() ai.ToolDefinition {
	return ai.ToolDefinition{
		Name:        s.name,
		Description: "stub tool " + s.name,
		Parameters:  tools.MustSchema(tools.SimpleSchema{}),
	}
}

func (s *stubTool) Execute(_ context.Context, _ string, _ map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	return tools.TextResult("ok"), nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{"alpha"})

	got := reg.Get("alpha")
	if got == nil {
		t.Fatal("expected to find registered tool 'alpha'")
	}
	if got.Definition().Name != "alpha" {
		t.Errorf("got name %q, want %q", got.Definition().Name, "alpha")
	}
}

func TestRegistry_Get_Missing(t *testing.T) {
	reg := tools.NewRegistry()
	if reg.Get("nonexistent") != nil {
		t.Error("expected nil for missing tool")
	}
}

func TestRegistry_Definitions_Sorted(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{"c"})
	reg.Register(&stubTool{"a"})
	reg.Register(&stubTool{"b"})

	defs := reg.Definitions()
	if len(defs) != 3 {
		t.Fatalf("want 3 definitions, got %d", len(defs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if defs[i].Name != want {
			t.Errorf("defs[%d].Name = %q, want %q", i, defs[i].Name, want)
		}
	}
}

func TestRegistry_Remove(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{"x"})
	reg.Register(&stubTool{"y"})

	reg.Remove("x")

	if reg.Get("x") != nil {
		t.Error("tool 'x' should have been removed")
	}
	if reg.Get("y") == nil {
		t.Error("tool 'y' should still be present")
	}
	if len(reg.Names()) != 1 {
		t.Errorf("expected 1 tool after remove, got %d", len(reg.Names()))
	}
}

func TestRegistry_Remove_Missing(t *testing.T) {
	reg := tools.NewRegistry()
	// Should not panic.
	reg.Remove("does-not-exist")
}

func TestRegistry_RegisterOrReplace(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{"dup"})
	reg.RegisterOrReplace(&stubTool{"dup"}) // should not panic

	if len(reg.Names()) != 1 {
		t.Errorf("after RegisterOrReplace: want 1 tool, got %d", len(reg.Names()))
	}
}

func TestRegistry_Register_Panics_OnDuplicate(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{"dup"})
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	reg.Register(&stubTool{"dup"})
}
