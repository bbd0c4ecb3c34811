package migrate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTx struct{}

func steps(pairs ...[2]int) []Step[*fakeTx] {
	out := make([]Step[*fakeTx], 0, len(pairs))
	for _, p := range pairs {
		out = append(out, Step[*fakeTx]{
			From:  p[0],
			To:    p[1],
			Kind:  KindDataTransform,
			Apply: func(*fakeTx) error { return nil },
		})
	}
	return out
}

func TestPlanFreshStoreRunsAllSteps(t *testing.T) {
	t.Parallel()

	plan, err := Plan(0, 3, steps([2]int{0, 1}, [2]int{1, 2}, [2]int{2, 3}))
	require.NoError(t, err)
	require.Len(t, plan, 3)
	require.Equal(t, 0, plan[0].From)
	require.Equal(t, 1, plan[1].From)
	require.Equal(t, 2, plan[2].From)
}

func TestPlanCurrentStoreIsEmpty(t *testing.T) {
	t.Parallel()

	plan, err := Plan(3, 3, steps([2]int{0, 1}, [2]int{1, 2}, [2]int{2, 3}))
	require.NoError(t, err)
	require.Empty(t, plan)
}

func TestPlanPartialUpgradeRunsOnlyMissingSteps(t *testing.T) {
	t.Parallel()

	plan, err := Plan(1, 3, steps([2]int{0, 1}, [2]int{1, 2}, [2]int{2, 3}))
	require.NoError(t, err)
	require.Len(t, plan, 2)
	require.Equal(t, 1, plan[0].From)
	require.Equal(t, 2, plan[0].To)
	require.Equal(t, 2, plan[1].From)
	require.Equal(t, 3, plan[1].To)
}

func TestPlanRejectsNewerStore(t *testing.T) {
	t.Parallel()

	_, err := Plan(4, 3, steps([2]int{0, 1}))
	require.ErrorIs(t, err, ErrSchemaTooNew)
}

func TestPlanRejectsVersionSkippingStep(t *testing.T) {
	t.Parallel()

	_, err := Plan(0, 2, steps([2]int{0, 2}))
	require.ErrorIs(t, err, ErrSkipStep)
}

func TestPlanDetectsGapInStepTable(t *testing.T) {
	t.Parallel()

	_, err := Plan(0, 3, steps([2]int{0, 1}, [2]int{2, 3}))
	require.ErrorIs(t, err, ErrMissingStep)
}

func TestPlanIgnoresStepsBelowCurrent(t *testing.T) {
	t.Parallel()

	plan, err := Plan(2, 3, steps([2]int{0, 1}, [2]int{1, 2}, [2]int{2, 3}))
	require.NoError(t, err)
	require.Len(t, plan, 1)
	require.Equal(t, 2, plan[0].From)
}

func TestStepErrorCarriesVersionPair(t *testing.T) {
	t.Parallel()

	err := &StepError{From: 1, To: 2, Err: ErrMissingStep}
	require.ErrorIs(t, err, ErrMissingStep)
	require.Contains(t, err.Error(), "1 to 2")
}

func TestPhaseNames(t *testing.T) {
	t.Parallel()

	want := map[Phase]string{
		PhaseClosed:     "closed",
		PhaseOpening:    "opening",
		PhaseValidating: "validating",
		PhaseMigrating:  "migrating",
		PhaseOpen:       "open",
		PhaseFailed:     "failed",
	}
	for phase, name := range want {
		require.Equal(t, name, phase.String())
	}
}
