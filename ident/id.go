// Package ident provides stable object identifiers for plan objects.
//
// Tasks, event generators, and relation graph edges are held in
// id-indexed arenas rather than as a web of native pointers, so that
// weak references (such as a task's failure reason pointing back at the
// event that caused it) can be validated by lookup instead of kept alive
// by the reference itself.
package ident

import "github.com/google/uuid"

// ID is a DRobyID: a stable identifier for a plan object, valid for the
// lifetime of the plan (and across transaction staging/commit).
type ID string

// New mints a fresh, globally unique ID.
func New() ID {
	return ID(uuid.NewString())
}

// Empty reports whether the ID was never assigned.
func (id ID) Empty() bool {
	return id == ""
}

func (id ID) String() string {
	return string(id)
}
