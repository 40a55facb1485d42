package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/g-arjones/tools-roby/event"
	"github.com/g-arjones/tools-roby/ident"
	"github.com/g-arjones/tools-roby/logstore"
	"github.com/g-arjones/tools-roby/logstore/memory"
	"github.com/g-arjones/tools-roby/plan"
	"github.com/g-arjones/tools-roby/task"
)

// waypointTask builds a task with a controllable, non-terminal "arrived"
// event that forwards to "success", wiring its Call command the same
// way task.New wires "start"'s.
func waypointTask(t *testing.T) *task.Task {
	t.Helper()
	m := task.NewModel("waypoint", nil)
	m.DeclareEvent("arrived", true, false)
	m.DeclareRelation(task.Forward, "arrived", "success")

	tk, err := task.New(m, nil)
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	arrived := tk.Events["arrived"]
	arrived.Command = func(ctx any) error {
		_, err := arrived.Emit(ctx)
		return err
	}
	return tk
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatal("expected error for missing Plan")
	}
	if err := (Config{Plan: plan.New()}).Validate(); err == nil {
		t.Fatal("expected error for missing PlanID")
	}
	if err := (Config{Plan: plan.New(), PlanID: "p1"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCycleDrivesPropagationAcrossMultipleCalls(t *testing.T) {
	ctx := context.Background()
	p := plan.New()
	tk := waypointTask(t)
	if err := p.AddTask(tk); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	p.AddMission(tk.ID)

	store := memory.New()
	eng, err := New(Config{Plan: p, PlanID: "p1", Log: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	eng.Inject(ExternalEvent{GeneratorID: tk.Events["start"].ID, Kind: KindCall})
	report, err := eng.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(report.Emitted) != 1 || report.Emitted[0].Generator().Symbol != "start" {
		t.Fatalf("expected exactly one start emission, got %+v", report.Emitted)
	}
	if !tk.Status().Running {
		t.Fatalf("expected task running after start, got %+v", tk.Status())
	}

	eng.Inject(ExternalEvent{GeneratorID: tk.Events["arrived"].ID, Kind: KindCall})
	report, err = eng.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	var symbols []string
	for _, ev := range report.Emitted {
		symbols = append(symbols, ev.Generator().Symbol)
	}
	if len(symbols) != 3 || symbols[0] != "arrived" || symbols[1] != "success" || symbols[2] != "stop" {
		t.Fatalf("expected arrived -> success -> stop in one cycle, got %v", symbols)
	}
	if !tk.Status().Finished || !tk.Status().Success {
		t.Fatalf("expected task finished+success, got %+v", tk.Status())
	}

	entries, err := store.Load(ctx, "p1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected log entries to have been persisted")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Sequence != entries[i-1].Sequence+1 {
			t.Fatalf("expected gapless per-entry sequence, got %d after %d", entries[i].Sequence, entries[i-1].Sequence)
		}
	}

	var sawCycleEnd int
	for _, e := range entries {
		if e.Method == logstore.MethodCycleEnd {
			sawCycleEnd++
		}
	}
	if sawCycleEnd != 2 {
		t.Fatalf("expected one cycle_end entry per Cycle call, got %d", sawCycleEnd)
	}
}

func TestCycleDefersPropagationAcrossPrecedence(t *testing.T) {
	ctx := context.Background()
	p := plan.New()
	tk := waypointTask(t)
	if err := p.AddTask(tk); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	p.AddMission(tk.ID)

	gate := event.New("gate", false, nil)
	p.AddEvent(gate)
	p.AddPermanent(gate.ID)
	if err := p.Precedence.AddEdge(gate.ID, tk.Events["arrived"].ID, nil); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	eng, err := New(Config{Plan: p, PlanID: "p1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	eng.Inject(ExternalEvent{GeneratorID: tk.Events["start"].ID, Kind: KindCall})
	report, err := eng.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(report.Emitted) != 1 {
		t.Fatalf("expected only start to emit, got %+v", report.Emitted)
	}
	startEvent := report.Emitted[0]

	// gate never fires, so arrived's precedence parent set is never
	// fully satisfied: this item must carry over indefinitely rather
	// than ever being delivered.
	eng.carryover = []propagationItem{{
		source: startEvent,
		target: tk.Events["arrived"].ID,
		kind:   propagateSignal,
	}}

	if _, err := eng.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if tk.Events["arrived"].Emitted() {
		t.Fatal("expected arrived to remain unemitted while its precedence parent gate hasn't fired")
	}
	if len(eng.carryover) != 1 {
		t.Fatalf("expected the deferred item to carry over again, got %d", len(eng.carryover))
	}
}

func TestCycleInjectUnknownGeneratorReportsError(t *testing.T) {
	ctx := context.Background()
	p := plan.New()
	eng, err := New(Config{Plan: p, PlanID: "p1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng.Inject(ExternalEvent{GeneratorID: ident.New(), Kind: KindCall})

	report, err := eng.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("expected one error for unknown generator, got %v", report.Errors)
	}
}

func TestCycleForcedTerminationThenRemoval(t *testing.T) {
	ctx := context.Background()
	p := plan.New()

	m := task.NewModel("stoppable", nil)
	m.DeclareEvent("stop", true, false)
	tk, err := task.New(m, nil)
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	stop := tk.Events["stop"]
	stop.Command = func(ctx any) error {
		_, err := stop.Emit(ctx)
		return err
	}
	if err := p.AddTask(tk); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	p.AddMission(tk.ID)

	eng, err := New(Config{Plan: p, PlanID: "p1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	eng.Inject(ExternalEvent{GeneratorID: tk.Events["start"].ID, Kind: KindCall})
	if _, err := eng.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if !tk.Status().Running {
		t.Fatal("expected task running")
	}

	// Drop the mission root: the task is now unreachable but still
	// running, so this cycle must force termination rather than remove
	// it outright.
	p.RemoveMission(tk.ID)

	report, err := eng.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(report.Removed) != 0 {
		t.Fatalf("expected no removal while still running, got %v", report.Removed)
	}
	if !tk.Status().Finished {
		t.Fatalf("expected forced termination to finish the task, got %+v", tk.Status())
	}
	if _, ok := p.Task(tk.ID); !ok {
		t.Fatal("expected task to still be present after forced termination")
	}

	report, err = eng.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(report.Removed) != 1 || report.Removed[0] != tk.ID {
		t.Fatalf("expected task removed on the following cycle, got %v", report.Removed)
	}
	if _, ok := p.Task(tk.ID); ok {
		t.Fatal("expected task to be gone")
	}
}

func TestCycleNotifiesUnhandledFailureOnce(t *testing.T) {
	ctx := context.Background()
	p := plan.New()

	m := task.NewModel("broken", nil)
	tk, err := task.New(m, nil)
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	tk.Events["start"].Command = func(ctx any) error { return errors.New("cannot start") }
	if err := p.AddTask(tk); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	p.AddMission(tk.ID)

	store := memory.New()
	eng, err := New(Config{Plan: p, PlanID: "p1", Log: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	eng.Inject(ExternalEvent{GeneratorID: tk.Events["start"].ID, Kind: KindCall})
	if _, err := eng.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if !tk.Status().Failed || tk.FailureReason == nil {
		t.Fatalf("expected the task to be left failed with a reason, got %+v", tk.Status())
	}
	if !p.HasPropagatedException(tk.ID) {
		t.Fatal("expected the unhandled failure to be recorded as a propagated exception")
	}

	countNotifications := func() int {
		entries, err := store.Load(ctx, "p1")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		n := 0
		for _, e := range entries {
			if e.Method == logstore.MethodExceptionNotification {
				n++
			}
		}
		return n
	}
	if n := countNotifications(); n != 1 {
		t.Fatalf("expected exactly one exception_notification entry, got %d", n)
	}

	if _, err := eng.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if n := countNotifications(); n != 1 {
		t.Fatalf("expected the notification to fire only once across cycles, got %d", n)
	}
}

func TestCycleSkipsForcedTerminationWhenRepairTaskAttached(t *testing.T) {
	ctx := context.Background()
	p := plan.New()

	m := task.NewModel("stoppable", nil)
	m.DeclareEvent("stop", true, false)
	tk, err := task.New(m, nil)
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	stop := tk.Events["stop"]
	stop.Command = func(ctx any) error {
		_, err := stop.Emit(ctx)
		return err
	}
	if err := p.AddTask(tk); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	p.AddMission(tk.ID)

	repair, err := task.New(task.NewModel("repair", nil), nil)
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	if err := p.AddTask(repair); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	p.AddPermanent(repair.ID)
	if err := p.AddErrorHandler(repair.ID, tk.ID, nil); err != nil {
		t.Fatalf("AddErrorHandler: %v", err)
	}

	eng, err := New(Config{Plan: p, PlanID: "p1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	eng.Inject(ExternalEvent{GeneratorID: tk.Events["start"].ID, Kind: KindCall})
	if _, err := eng.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if !tk.Status().Running {
		t.Fatal("expected task running")
	}

	// Drop the mission root, same as TestCycleForcedTerminationThenRemoval,
	// but this time a repair task is already attached: forced termination
	// must be skipped this cycle to give the repair a chance to run.
	p.RemoveMission(tk.ID)

	report, err := eng.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(report.Removed) != 0 {
		t.Fatalf("expected no removal while a repair is attached, got %v", report.Removed)
	}
	if tk.Status().Finished {
		t.Fatal("expected the repair-protected task not to be force-terminated")
	}
	if _, ok := p.Task(tk.ID); !ok {
		t.Fatal("expected the protected task to still be present")
	}
}

func TestInjectIsConcurrencySafe(t *testing.T) {
	p := plan.New()
	eng, err := New(Config{Plan: p, PlanID: "p1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			eng.Inject(ExternalEvent{GeneratorID: ident.New(), Kind: KindEmit})
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		eng.Inject(ExternalEvent{GeneratorID: ident.New(), Kind: KindEmit})
	}
	<-done

	if got := len(eng.drainQueue()); got != 200 {
		t.Fatalf("expected 200 queued events, got %d", got)
	}
}
