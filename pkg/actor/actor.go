// Package actor identifies who performed a mutation. Every mutating call takes
// an Actor explicitly and records it on the rows it writes.
package actor

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindSystem Kind = "system"
	KindAdmin  Kind = "admin"
	KindJob    Kind = "job"
	KindUser   Kind = "user"
)

type Actor struct {
	Kind Kind
	ID   string
}

func System(component string) Actor { return Actor{Kind: KindSystem, ID: component} }
func Admin(id string) Actor         { return Actor{Kind: KindAdmin, ID: id} }
func Job(name string) Actor         { return Actor{Kind: KindJob, ID: name} }
func User(id string) Actor          { return Actor{Kind: KindUser, ID: id} }

func (a Actor) IsZero() bool {
	return a.Kind == "" && a.ID == ""
}

// String renders "kind:id", the form stored in operator columns.
func (a Actor) String() string {
	if a.IsZero() {
		return string(KindSystem) + ":unknown"
	}
	return fmt.Sprintf("%s:%s", a.Kind, a.ID)
}

// Parse reads the "kind:id" form back.
func Parse(s string) (Actor, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Actor{}, fmt.Errorf("actor: malformed %q, want kind:id", s)
	}
	switch Kind(kind) {
	case KindSystem, KindAdmin, KindJob, KindUser:
		return Actor{Kind: Kind(kind), ID: id}, nil
	default:
		return Actor{}, fmt.Errorf("actor: unknown kind %q", kind)
	}
}
