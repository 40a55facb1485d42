package plan

import (
	"testing"

	"github.com/g-arjones/tools-roby/task"
)

func TestAddTaskMaterializesRelationsIntoPlanGraphs(t *testing.T) {
	p := New()
	m := task.NewModel("waypoint", nil)
	m.DeclareEvent("arrived", false, false)

	tk, err := task.New(m, nil)
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}

	if err := p.AddTask(tk); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	startID := tk.Events["start"].ID
	arrivedID := tk.Events["arrived"].ID
	if !p.Precedence.HasEdge(startID, arrivedID) {
		t.Fatal("expected AddTask to materialize precedence edges into the plan's shared graph")
	}
}

func TestMissionAndPermanentRoots(t *testing.T) {
	p := New()
	m := task.NewModel("noop", nil)
	tk, _ := task.New(m, nil)
	_ = p.AddTask(tk)

	p.AddMission(tk.ID)
	if !p.IsMission(tk.ID) {
		t.Fatal("expected task to be a mission")
	}
	roots := p.Roots()
	if len(roots) != 1 || roots[0] != tk.ID {
		t.Fatalf("expected roots to contain the mission task, got %v", roots)
	}

	p.RemoveMission(tk.ID)
	p.AddPermanent(tk.ID)
	if !p.IsPermanent(tk.ID) {
		t.Fatal("expected task to be permanent")
	}
}

func TestSetExecutablePropagatesToTasks(t *testing.T) {
	p := New()
	m := task.NewModel("noop", nil)
	tk, _ := task.New(m, nil)
	_ = p.AddTask(tk)

	p.SetExecutable(false)
	if tk.Executable() {
		t.Fatal("expected task to become non-executable when the plan does")
	}
}

func TestRemoveTaskRunsFinalizationAndClearsGraphs(t *testing.T) {
	p := New()
	m := task.NewModel("noop", nil)
	tk, _ := task.New(m, nil)
	_ = p.AddTask(tk)
	p.AddMission(tk.ID)

	finalized := false
	tk.AddFinalizationHandler(func(*task.Task) { finalized = true })

	p.RemoveTask(tk.ID)

	if !finalized {
		t.Fatal("expected finalization handler to run")
	}
	if _, ok := p.Task(tk.ID); ok {
		t.Fatal("expected task to be removed from the plan")
	}
	if p.IsMission(tk.ID) {
		t.Fatal("expected mission flag to be cleared on removal")
	}
}

func TestErrorHandlingRelationAssociatesRepairTasks(t *testing.T) {
	p := New()
	protected, _ := task.New(task.NewModel("noop", nil), nil)
	repair, _ := task.New(task.NewModel("repair", nil), nil)
	_ = p.AddTask(protected)
	_ = p.AddTask(repair)

	if len(p.RepairTasksFor(protected.ID)) != 0 {
		t.Fatal("expected no repair tasks before any are associated")
	}

	if err := p.AddErrorHandler(repair.ID, protected.ID, []string{"failed"}); err != nil {
		t.Fatalf("AddErrorHandler: %v", err)
	}
	repairs := p.RepairTasksFor(protected.ID)
	if len(repairs) != 1 || repairs[0] != repair.ID {
		t.Fatalf("expected %s associated as a repair for %s, got %v", repair.ID, protected.ID, repairs)
	}

	p.RemoveErrorHandler(repair.ID, protected.ID)
	if len(p.RepairTasksFor(protected.ID)) != 0 {
		t.Fatal("expected the repair association to be removable")
	}
}

func TestRemoveTaskClearsErrorHandlingEdges(t *testing.T) {
	p := New()
	protected, _ := task.New(task.NewModel("noop", nil), nil)
	repair, _ := task.New(task.NewModel("repair", nil), nil)
	_ = p.AddTask(protected)
	_ = p.AddTask(repair)
	_ = p.AddErrorHandler(repair.ID, protected.ID, nil)

	p.RemoveTask(repair.ID)

	if repairs := p.RepairTasksFor(protected.ID); len(repairs) != 0 {
		t.Fatalf("expected the error-handling edge to be dropped with its repair task, got %v", repairs)
	}
}
