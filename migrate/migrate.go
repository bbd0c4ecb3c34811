// Package migrate holds the backend-independent half of the schema
// migration engine: the step table shape, the open-time phase machine,
// and the planner that turns (current, latest) into an ordered list of
// strictly sequential steps.
//
// Atomicity is the backend's job: each planned step must run inside one
// backend transaction that also writes the new version number as its last
// operation, so a failed step leaves the persisted version untouched.
package migrate

import (
	"errors"
	"fmt"
	"sort"
)

// Kind classifies what a migration step changes.
type Kind int

const (
	// KindDDL creates or alters physical containers (tables, object
	// stores, indexes).
	KindDDL Kind = iota + 1
	// KindDataTransform rewrites data inside existing containers.
	KindDataTransform
)

func (k Kind) String() string {
	switch k {
	case KindDDL:
		return "ddl"
	case KindDataTransform:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Step moves a store from version From to version To. TX is the
// backend's transaction handle; the step's changes and the version write
// share one transaction.
//
// Steps are defined at build time and run at most once per store, guarded
// by the persisted schema version. Only From+1 == To steps are legal.
type Step[TX any] struct {
	From        int
	To          int
	Kind        Kind
	Description string
	Apply       func(tx TX) error
}

var (
	ErrSchemaTooNew = errors.New("migrate: schema version newer than code")
	ErrMissingStep  = errors.New("migrate: no step for version")
	ErrSkipStep     = errors.New("migrate: step skips versions")
)

// StepError reports which step failed; the persisted version is still the
// step's From value.
type StepError struct {
	From int
	To   int
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("migration step %d to %d: %v", e.From, e.To, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Plan returns the steps to run, in order, to bring a store at current up
// to latest. An already-current store yields an empty plan. A store ahead
// of latest fails with ErrSchemaTooNew rather than silently downgrading.
func Plan[TX any](current, latest int, steps []Step[TX]) ([]Step[TX], error) {
	if current > latest {
		return nil, fmt.Errorf("%w: store=%d code=%d", ErrSchemaTooNew, current, latest)
	}
	if current == latest {
		return nil, nil
	}

	ordered := make([]Step[TX], len(steps))
	copy(ordered, steps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].From < ordered[j].From })

	plan := make([]Step[TX], 0, latest-current)
	next := current
	for _, step := range ordered {
		if step.To != step.From+1 {
			return nil, fmt.Errorf("%w: step %d to %d", ErrSkipStep, step.From, step.To)
		}
		if step.From != next {
			continue
		}
		plan = append(plan, step)
		next = step.To
		if next == latest {
			return plan, nil
		}
	}
	return nil, fmt.Errorf("%w: %d (latest is %d)", ErrMissingStep, next, latest)
}

// Phase is the open-time state of a store. Backends walk
// Opening -> Validating -> (Migrating ...) -> Open, or end in Failed.
type Phase int

const (
	PhaseClosed Phase = iota
	PhaseOpening
	PhaseValidating
	PhaseMigrating
	PhaseOpen
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseOpening:
		return "opening"
	case PhaseValidating:
		return "validating"
	case PhaseMigrating:
		return "migrating"
	case PhaseOpen:
		return "open"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}
