package argument

import (
	"errors"
	"testing"

	"github.com/g-arjones/tools-roby/robyerr"
)

// decomposeHighLevel is the setter used by the spec's "parallel argument
// decomposition" end-to-end scenario: assigning high_level always
// writes both high_level and low_level to 10.
func decomposeHighLevel(w *Set, value any) {
	w.Write("high_level", 10)
	w.Write("low_level", 10)
}

func newDecompositionModel() *Model {
	m := NewModel()
	m.Declare(Declaration{Name: "high_level", Setter: decomposeHighLevel})
	m.Declare(Declaration{Name: "low_level"})
	return m
}

func TestParallelAssignmentDecompositionSucceeds(t *testing.T) {
	m := newDecompositionModel()
	s, err := NewSet(m, nil)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	if err := s.Assign(map[string]any{"high_level": 10, "low_level": 10}); err != nil {
		t.Fatalf("expected consistent assignment to succeed, got %v", err)
	}

	hl, _ := s.Get("high_level")
	ll, _ := s.Get("low_level")
	if hl != 10 || ll != 10 {
		t.Fatalf("expected high_level=10, low_level=10, got %v, %v", hl, ll)
	}
}

func TestParallelAssignmentConflictRollsBack(t *testing.T) {
	m := newDecompositionModel()
	s, err := NewSet(m, nil)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	err = s.Assign(map[string]any{"high_level": 10, "low_level": 20})
	if err == nil {
		t.Fatal("expected ArgumentConflict")
	}
	if !errors.Is(err, robyerr.ErrArgumentConflict) {
		t.Fatalf("expected ArgumentConflict, got %v", err)
	}

	// Nothing should have been written: the set is as if Assign never ran.
	if _, ok := s.Get("high_level"); ok {
		t.Fatal("expected rollback to leave high_level unset")
	}
	if _, ok := s.Get("low_level"); ok {
		t.Fatal("expected rollback to leave low_level unset")
	}
}

type fixedDelayed struct{ value any }

func (f fixedDelayed) Evaluate(task any) (any, bool) { return f.value, true }

type neverDelayed struct{}

func (neverDelayed) Evaluate(task any) (any, bool) { return nil, false }

func TestConstructionWithDelayedThenAssignSucceeds(t *testing.T) {
	m := newDecompositionModel()
	s, err := NewSet(m, map[string]any{"high_level": fixedDelayed{value: 10}})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	// Delayed values bypass the setter and are stored as-is.
	if s.HasArgument("high_level") {
		t.Fatal("a delayed argument should not report HasArgument")
	}
	if s.Static() {
		t.Fatal("expected Static() to be false with a delayed value present")
	}

	if err := s.Assign(map[string]any{"high_level": 10, "low_level": 10}); err != nil {
		t.Fatalf("expected assignment over a delayed placeholder to succeed, got %v", err)
	}

	hl, _ := s.Get("high_level")
	ll, _ := s.Get("low_level")
	if hl != 10 || ll != 10 {
		t.Fatalf("expected both values 10, got %v, %v", hl, ll)
	}
}

func TestFreezeDelayedArgumentsEvaluatesAndAssigns(t *testing.T) {
	m := NewModel()
	m.Declare(Declaration{Name: "x"})
	m.Declare(Declaration{Name: "y"})

	s, err := NewSet(m, map[string]any{
		"x": fixedDelayed{value: 42},
		"y": neverDelayed{},
	})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	if err := s.FreezeDelayedArguments(nil); err != nil {
		t.Fatalf("FreezeDelayedArguments: %v", err)
	}

	x, _ := s.Get("x")
	if x != 42 {
		t.Fatalf("expected x frozen to 42, got %v", x)
	}
	if s.HasArgument("y") {
		t.Fatal("y should remain delayed since it never evaluates")
	}
}

func TestFullyInstanciated(t *testing.T) {
	m := NewModel()
	m.Declare(Declaration{Name: "a"})
	m.Declare(Declaration{Name: "b"})

	s, _ := NewSet(m, map[string]any{"a": 1})
	if s.FullyInstanciated() {
		t.Fatal("expected not fully instanciated with b missing")
	}

	if err := s.Assign(map[string]any{"b": 2}); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if !s.FullyInstanciated() {
		t.Fatal("expected fully instanciated once both a and b are set")
	}
}

func TestMeaningfulArgumentsExcludesDefaults(t *testing.T) {
	m := NewModel()
	m.Declare(Declaration{Name: "retries", HasDefault: true, Default: 3})

	s, err := NewSet(m, map[string]any{"retries": 3})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	if _, ok := s.MeaningfulArguments()["retries"]; ok {
		t.Fatal("expected retries=3 (the default) to be excluded")
	}

	if err := s.Assign(map[string]any{"retries": 5}); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if v, ok := s.MeaningfulArguments()["retries"]; !ok || v != 5 {
		t.Fatalf("expected retries=5 to be meaningful, got %v, %v", v, ok)
	}
}
