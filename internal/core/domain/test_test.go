package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleUserPlan(t *testing.T) {
	plan := SingleUserPlan()
	require.NoError(t, ValidatePlan(plan))
	assert.Equal(t, 40*time.Second, PlanDuration(plan))

	assert.Equal(t, PhaseBaseline, plan[0].Name)
	assert.Zero(t, plan[0].TargetStreams)
	assert.False(t, plan[0].Download)
	assert.False(t, plan[0].Upload)

	var names []PhaseName
	for _, p := range plan {
		names = append(names, p.Name)
	}
	assert.Equal(t, []PhaseName{
		PhaseBaseline, PhaseDLWarmup, PhaseDLSaturation,
		PhaseULWarmup, PhaseULSaturation, PhaseBidirectional,
	}, names)
}

func TestHouseholdPlan(t *testing.T) {
	plan := HouseholdPlan(5*time.Second, 30*time.Second)
	require.NoError(t, ValidatePlan(plan))
	assert.Equal(t, 35*time.Second, PlanDuration(plan))
	assert.Equal(t, PhaseSpeedProbe, plan[0].Name)
	assert.Equal(t, PhaseSaturation, plan[1].Name)
}

func TestValidatePlan(t *testing.T) {
	tests := []struct {
		name    string
		plan    []Phase
		wantErr bool
	}{
		{"empty plan", nil, true},
		{
			"late start",
			[]Phase{{Name: PhaseBaseline, StartOffset: time.Second, EndOffset: 2 * time.Second}},
			true,
		},
		{
			"inverted phase",
			[]Phase{{Name: PhaseBaseline, StartOffset: 0, EndOffset: 0}},
			true,
		},
		{
			"gap between phases",
			[]Phase{
				{Name: PhaseBaseline, StartOffset: 0, EndOffset: 5 * time.Second},
				{Name: PhaseDLWarmup, StartOffset: 6 * time.Second, EndOffset: 10 * time.Second},
			},
			true,
		},
		{
			"contiguous plan",
			[]Phase{
				{Name: PhaseBaseline, StartOffset: 0, EndOffset: 5 * time.Second},
				{Name: PhaseDLWarmup, StartOffset: 5 * time.Second, EndOffset: 10 * time.Second},
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlan(tt.plan)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPhaseAt(t *testing.T) {
	plan := SingleUserPlan()

	assert.Equal(t, PhaseBaseline, PhaseAt(plan, 0).Name)
	assert.Equal(t, PhaseBaseline, PhaseAt(plan, 4999*time.Millisecond).Name)
	assert.Equal(t, PhaseDLWarmup, PhaseAt(plan, 5*time.Second).Name)
	assert.Equal(t, PhaseDLSaturation, PhaseAt(plan, 15*time.Second).Name)
	assert.Equal(t, PhaseBidirectional, PhaseAt(plan, 39*time.Second).Name)

	// Past the end of the plan the terminal phase reports.
	assert.Equal(t, PhaseComplete, PhaseAt(plan, 40*time.Second).Name)
	assert.Equal(t, PhaseComplete, PhaseAt(plan, time.Hour).Name)
}

func TestPhaseDuration(t *testing.T) {
	p := Phase{StartOffset: 10 * time.Second, EndOffset: 20 * time.Second}
	assert.Equal(t, 10*time.Second, p.Duration())
}
