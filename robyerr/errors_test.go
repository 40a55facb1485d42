package robyerr

import (
	"errors"
	"testing"

	"github.com/g-arjones/tools-roby/ident"
)

func TestCycleFoundErrorUnwraps(t *testing.T) {
	err := &CycleFoundError{Relation: "signal", From: "a", To: "b"}
	if !errors.Is(err, ErrCycleFound) {
		t.Fatal("expected errors.Is(err, ErrCycleFound) to hold")
	}
}

func TestArgumentConflictErrorUnwraps(t *testing.T) {
	err := &ArgumentConflictError{Key: "low_level", Requested: 20, Got: 10}
	if !errors.Is(err, ErrArgumentConflict) {
		t.Fatal("expected errors.Is(err, ErrArgumentConflict) to hold")
	}
}

func TestAggregateFiltered(t *testing.T) {
	root := errors.New("command failed")
	wrapped := &ChildFailedError{Localization: Localization{Task: ident.ID("t1")}, Child: ident.ID("c1"), Err: root}

	agg := &Aggregate{}
	agg.Add(root)
	agg.Add(wrapped)

	filtered := agg.Filtered()
	if len(filtered) != 1 {
		t.Fatalf("expected 1 surviving error after filtering, got %d: %v", len(filtered), filtered)
	}
	if filtered[0] != wrapped {
		t.Fatalf("expected the wrapping error to survive, got %v", filtered[0])
	}
}

func TestAggregateEmpty(t *testing.T) {
	agg := &Aggregate{}
	if !agg.Empty() {
		t.Fatal("fresh aggregate should be Empty")
	}
	agg.Add(errors.New("x"))
	if agg.Empty() {
		t.Fatal("aggregate with an error should not be Empty")
	}
}

func TestLocalizationIsZero(t *testing.T) {
	var l Localization
	if !l.IsZero() {
		t.Fatal("zero-value Localization should be IsZero")
	}
	l.Task = ident.ID("t1")
	if l.IsZero() {
		t.Fatal("Localization with a Task should not be IsZero")
	}
}
