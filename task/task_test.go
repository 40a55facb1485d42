package task

import (
	"errors"
	"testing"

	"github.com/g-arjones/tools-roby/relation"
	"github.com/g-arjones/tools-roby/retry"
)

func newGraphs() (forward, precedence, signal, causal *relation.Graph) {
	return relation.New("forward", true, false, false, relation.Hooks{}),
		relation.New("precedence", true, false, false, relation.Hooks{}),
		relation.New("signal", false, false, false, relation.Hooks{}),
		relation.New("causal_link", false, true, false, relation.Hooks{})
}

func TestNewTaskHasStandardEventsAndPendingStatus(t *testing.T) {
	m := NewModel("waypoint", nil)
	tk, err := New(m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, symbol := range []string{"start", "stop", "success", "failed", "aborted", "internal_error", "updated_data", "poll_transition"} {
		if _, ok := tk.Events[symbol]; !ok {
			t.Fatalf("expected standard event %q", symbol)
		}
	}
	if !tk.Status().Pending {
		t.Fatal("expected a new task to be pending")
	}
}

func TestMaterializeRelationsBuildsPrecedenceFromStartAndToTerminals(t *testing.T) {
	m := NewModel("waypoint", nil)
	m.DeclareEvent("arrived", false, false)
	tk, err := New(m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	forward, precedence, signal, causal := newGraphs()
	if err := tk.MaterializeRelations(forward, precedence, signal, causal); err != nil {
		t.Fatalf("MaterializeRelations: %v", err)
	}

	startID := tk.Events["start"].ID
	arrivedID := tk.Events["arrived"].ID
	successID := tk.Events["success"].ID
	abortedID := tk.Events["aborted"].ID
	internalErrID := tk.Events["internal_error"].ID

	if !precedence.HasEdge(startID, arrivedID) {
		t.Fatal("expected start -> arrived precedence edge (arrived is a root intermediate)")
	}
	if !precedence.HasEdge(arrivedID, successID) {
		t.Fatal("expected arrived -> success precedence edge (arrived is a leaf, success is a root terminal)")
	}
	if !precedence.HasEdge(arrivedID, abortedID) {
		t.Fatal("expected arrived -> aborted precedence edge")
	}
	if !precedence.HasEdge(arrivedID, internalErrID) {
		t.Fatal("expected arrived -> internal_error precedence edge")
	}
	// failed is reached via aborted's forward edge, so it is not a root
	// terminal and should not get a direct precedence edge from leaves.
	failedID := tk.Events["failed"].ID
	if precedence.HasEdge(arrivedID, failedID) {
		t.Fatal("failed should not be a root terminal (it has a forward parent: aborted)")
	}

	if !forward.HasEdge(successID, tk.Events["stop"].ID) {
		t.Fatal("expected built-in success -> stop forward edge")
	}
	if !forward.HasEdge(abortedID, failedID) {
		t.Fatal("expected built-in aborted -> failed forward edge")
	}
}

func TestStartEmitsAndMovesToRunning(t *testing.T) {
	m := NewModel("noop", nil)
	tk, err := New(m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := tk.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := tk.Status()
	if !st.Started || !st.Running || st.Pending || st.Starting {
		t.Fatalf("unexpected status after start: %+v", st)
	}
}

func TestCommandFailureBeforeEmissionMarksFailedToStart(t *testing.T) {
	m := NewModel("broken", nil)
	tk, err := New(m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tk.Events["start"].Command = func(ctx any) error { return errors.New("cannot start") }

	err = tk.Start(nil)
	if err == nil {
		t.Fatal("expected Start to fail")
	}
	st := tk.Status()
	if !st.FailedToStart || !st.Failed || !st.Finished {
		t.Fatalf("expected failed_to_start+failed+finished, got %+v", st)
	}
	if tk.FailureReason == nil {
		t.Fatal("expected a failure reason to be recorded")
	}
}

func TestSetStartCommandRetriesAccordingToPolicy(t *testing.T) {
	m := NewModel("flaky", nil)
	m.WithRetry(&retry.Policy{MaxAttempts: 3, Multiplier: 1})
	tk, err := New(m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	attempts := 0
	tk.SetStartCommand(func(ctx any) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	if err := tk.Start(nil); err != nil {
		t.Fatalf("expected Start to eventually succeed, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
	if !tk.Status().Running {
		t.Fatalf("expected task running after retried start, got %+v", tk.Status())
	}
}

func TestSetStartCommandExhaustsRetriesAndFailsToStart(t *testing.T) {
	m := NewModel("always-broken", nil)
	m.WithRetry(&retry.Policy{MaxAttempts: 2, Multiplier: 1})
	tk, err := New(m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	attempts := 0
	tk.SetStartCommand(func(ctx any) error {
		attempts++
		return errors.New("still broken")
	})

	if err := tk.Start(nil); err == nil {
		t.Fatal("expected Start to fail once the policy is exhausted")
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts (MaxAttempts), got %d", attempts)
	}
	if !tk.Status().FailedToStart {
		t.Fatalf("expected failed_to_start, got %+v", tk.Status())
	}
}

func TestPollErrorRoutesToInternalError(t *testing.T) {
	m := NewModel("poller", nil)
	tk, err := New(m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tk.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tk.AddPollHandler(func(*Task) error { return errors.New("poll boom") })
	if err := tk.Poll(); err == nil {
		t.Fatal("expected Poll to surface the handler error")
	}
	if !tk.Status().InternalError {
		t.Fatal("expected internal_error to have fired")
	}
}

func TestSecondTerminalEventAfterSuccessIsRejected(t *testing.T) {
	m := NewModel("noop", nil)
	tk, err := New(m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tk.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := tk.Events["success"].Emit(nil); err != nil {
		t.Fatalf("Emit success: %v", err)
	}
	if !tk.Status().Success {
		t.Fatal("expected success to have fired")
	}

	if _, err := tk.Events["aborted"].Emit(nil); err == nil {
		t.Fatal("expected a second terminal emission (aborted after success) to fail")
	}
	st := tk.Status()
	if st.Failed {
		t.Fatalf("expected the rejected aborted emission to leave status untouched, got %+v", st)
	}
}

func TestAbortedForwardToFailedIsNotRejectedAsASecondTerminal(t *testing.T) {
	m := NewModel("noop", nil)
	tk, err := New(m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tk.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	abortedEv, err := tk.Events["aborted"].Emit(nil)
	if err != nil {
		t.Fatalf("Emit aborted: %v", err)
	}
	// aborted's built-in forward into failed is the expected continuation
	// of the same terminal episode, not a second independent terminal.
	if _, err := tk.Events["failed"].Emit(nil, abortedEv); err != nil {
		t.Fatalf("expected the forward-chained failed emission to succeed, got %v", err)
	}
	st := tk.Status()
	if !st.Failed {
		t.Fatalf("expected failed status, got %+v", st)
	}

	if _, err := tk.Events["success"].Emit(nil); err == nil {
		t.Fatal("expected success after aborted/failed to be rejected as a second terminal")
	}
}

func TestSubmodelInheritsEventsAndArguments(t *testing.T) {
	base := NewModel("base", nil)
	base.DeclareEvent("charging", false, false)

	sub := NewModel("sub", base)
	tk, err := New(sub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := tk.Events["charging"]; !ok {
		t.Fatal("expected submodel to inherit parent's declared event")
	}
}
