package query

import (
	"testing"

	"github.com/g-arjones/tools-roby/plan"
	"github.com/g-arjones/tools-roby/task"
	"github.com/g-arjones/tools-roby/txn"
)

func newTask(t *testing.T, p *plan.Plan) *task.Task {
	t.Helper()
	m := task.NewModel("noop", nil)
	tk, err := task.New(m, nil)
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	if err := p.AddTask(tk); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	return tk
}

func TestMissionAndCombinators(t *testing.T) {
	p := plan.New()
	a := newTask(t, p)
	b := newTask(t, p)
	p.AddMission(a.ID)
	if err := a.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	running := Each(p, Running())
	if len(running) != 1 || running[0].ID != a.ID {
		t.Fatalf("expected only a to be running, got %v", running)
	}

	missionAndRunning := Each(p, Mission().And(Running()))
	if len(missionAndRunning) != 1 || missionAndRunning[0].ID != a.ID {
		t.Fatal("expected Mission().And(Running()) to match only a")
	}

	notMission := Each(p, Mission().Not())
	if len(notMission) != 1 || notMission[0].ID != b.ID {
		t.Fatal("expected Mission().Not() to match only b")
	}

	pendingOrRunning := Each(p, Pending().Or(Running()))
	if len(pendingOrRunning) != 2 {
		t.Fatalf("expected both tasks to match Pending().Or(Running()), got %v", pendingOrRunning)
	}
}

func TestEachWithoutATransactionIgnoresScope(t *testing.T) {
	p := plan.New()
	a := newTask(t, p)
	newTask(t, p)
	p.AddMission(a.ID)

	all := Each(p, Pending())
	if len(all) != 2 {
		t.Fatalf("expected every task to be visible with no transaction stack, got %d", len(all))
	}
}

func TestLocalScopeInTransactionRestrictsToProxiedTasks(t *testing.T) {
	p := plan.New()
	wrapped := newTask(t, p)
	untouched := newTask(t, p)

	tx := txn.New(p)
	tx.Proxy(wrapped.ID)

	global := EachInTransaction(tx, Global, Pending())
	if len(global) != 2 {
		t.Fatalf("expected global scope to see both tasks, got %d", len(global))
	}

	local := EachInTransaction(tx, Local, Pending())
	if len(local) != 1 || local[0].ID != wrapped.ID {
		t.Fatalf("expected local scope to see only the proxied task, got %v", local)
	}
	for _, tk := range local {
		if tk.ID == untouched.ID {
			t.Fatal("expected the untouched task to be excluded from local scope")
		}
	}
}
