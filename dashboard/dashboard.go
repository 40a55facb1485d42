// Package dashboard provides pure projection functions that turn a
// task's event history, or a plan's task set, into UI-friendly
// snapshots.
//
// All functions here are pure: they read a *task.Task or *plan.Plan and
// return derived structures. They do not mutate what they're given and
// perform no I/O, so a caller behind an HTTP handler or a CLI status
// command can call them straight off live state on the engine's
// goroutine without a lock.
package dashboard

import (
	"time"

	"github.com/g-arjones/tools-roby/event"
	"github.com/g-arjones/tools-roby/plan"
	"github.com/g-arjones/tools-roby/task"
)

// Phase is the coarse lifecycle phase of a task, derived from its
// Status flags plus its terminal event, if any.
type Phase string

const (
	PhasePending       Phase = "pending"
	PhaseRunning       Phase = "running"
	PhaseSuccess       Phase = "success"
	PhaseFailed        Phase = "failed"
	PhaseFailedToStart Phase = "failed_to_start"
)

// TaskTimeline is the projected lifecycle of a single task: when it
// started, how it ended (if it has), and how long it took.
type TaskTimeline struct {
	TaskID      string
	ModelName   string
	Phase       Phase
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMs  *int64
	Error       string
}

// Timeline projects t's current status and start/terminal event
// history into a TaskTimeline. It never looks at t.Status() for the
// terminal timestamps — those come from the terminal event's own
// Event.Time(), the same way project.RunStatus reads timestamps off
// the triggering event rather than off a side-channel clock.
func Timeline(t *task.Task) TaskTimeline {
	st := t.Status()
	tl := TaskTimeline{
		TaskID:    t.ID.String(),
		ModelName: t.Model.Name,
		Phase:     phaseOf(st),
	}

	if start, ok := t.Events["start"].LastEvent(); ok {
		ts := start.Time()
		tl.StartedAt = &ts
	}

	if st.Failed || st.FailedToStart {
		if t.FailureReason != nil {
			tl.Error = t.FailureReason.Error()
		}
	}

	terminal, ok := terminalEvent(t)
	if !ok {
		return tl
	}
	ts := terminal.Time()
	tl.CompletedAt = &ts
	tl.DurationMs = durationMs(tl.StartedAt, &ts)
	return tl
}

func phaseOf(st task.Status) Phase {
	switch {
	case st.FailedToStart:
		return PhaseFailedToStart
	case st.Success:
		return PhaseSuccess
	case st.Failed:
		return PhaseFailed
	case st.Pending:
		return PhasePending
	default:
		return PhaseRunning
	}
}

// terminalEvent returns the event that actually finished t: whichever
// of success/failed/aborted/internal_error last emitted. A
// failed_to_start task never emits any of these, so it reports false.
func terminalEvent(t *task.Task) (*event.Event, bool) {
	var latest *event.Event
	for _, symbol := range []string{"success", "failed", "aborted", "internal_error"} {
		g, ok := t.Events[symbol]
		if !ok {
			continue
		}
		ev, ok := g.LastEvent()
		if !ok {
			continue
		}
		if latest == nil || ev.Time().After(latest.Time()) {
			latest = ev
		}
	}
	return latest, latest != nil
}

func durationMs(start, end *time.Time) *int64 {
	if start == nil || end == nil {
		return nil
	}
	ms := end.Sub(*start).Milliseconds()
	return &ms
}

// ModelCounts is the aggregate state of every task built from one
// model, across a plan's current task set.
type ModelCounts struct {
	ModelName     string
	Total         int
	Pending       int
	Running       int
	Success       int
	Failed        int
	FailedToStart int
}

// CountsByModel projects p's current task set into per-model aggregate
// counts, keyed by model name. Tasks already garbage-collected out of
// the plan (see package gc) are naturally excluded, since they are no
// longer in p.Tasks().
func CountsByModel(p *plan.Plan) map[string]ModelCounts {
	result := make(map[string]ModelCounts)
	for _, t := range p.Tasks() {
		c := result[t.Model.Name]
		c.ModelName = t.Model.Name
		c.Total++
		switch phaseOf(t.Status()) {
		case PhasePending:
			c.Pending++
		case PhaseRunning:
			c.Running++
		case PhaseSuccess:
			c.Success++
		case PhaseFailed:
			c.Failed++
		case PhaseFailedToStart:
			c.FailedToStart++
		}
		result[t.Model.Name] = c
	}
	return result
}
