package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChallengePlan(t *testing.T) {
	tests := []struct {
		name       string
		thresholds []int
		wantErr    bool
		errMsg     string
	}{
		{name: "Default thresholds", thresholds: DefaultChallengeThresholds},
		{name: "Single gate at 100", thresholds: []int{100}},
		{name: "No gates", thresholds: nil},
		{name: "Decreasing thresholds", thresholds: []int{70, 40}, wantErr: true, errMsg: "strictly increasing"},
		{name: "Duplicate thresholds", thresholds: []int{40, 40}, wantErr: true, errMsg: "strictly increasing"},
		{name: "Zero threshold", thresholds: []int{0, 50}, wantErr: true, errMsg: "between 1 and 100"},
		{name: "Threshold above 100", thresholds: []int{101}, wantErr: true, errMsg: "between 1 and 100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := NewChallengePlan(tt.thresholds)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.thresholds), plan.Levels())
			for i, threshold := range tt.thresholds {
				assert.Equal(t, i+1, plan[i].Level)
				assert.Equal(t, threshold, plan[i].ThresholdPercentage)
			}
		})
	}
}

func TestChallengePlan_NextPendingIsAscending(t *testing.T) {
	plan, err := NewChallengePlan(DefaultChallengeThresholds)
	require.NoError(t, err)

	var progress ProgressState
	for level := 1; level <= plan.Levels(); level++ {
		next, ok := plan.NextPending(progress)
		require.True(t, ok)
		assert.Equal(t, level, next.Level)
		progress.MarkVerified(level)
	}

	_, ok := plan.NextPending(progress)
	assert.False(t, ok)
	assert.True(t, plan.AllVerified(progress))
}

func TestChallengePlan_Snapshot(t *testing.T) {
	plan, err := NewChallengePlan([]int{40, 70})
	require.NoError(t, err)

	snapshot := plan.Snapshot(ProgressState{VerifiedLevels: []int{1}})

	assert.True(t, snapshot[0].Verified)
	assert.False(t, snapshot[1].Verified)
	threshold, ok := plan.Threshold(2)
	assert.True(t, ok)
	assert.Equal(t, 70, threshold)
	_, ok = plan.Threshold(3)
	assert.False(t, ok)
}

func TestProgressState_MarkVerifiedIsIdempotent(t *testing.T) {
	var progress ProgressState
	progress.MarkVerified(2)
	progress.MarkVerified(1)
	progress.MarkVerified(2)

	assert.Equal(t, []int{1, 2}, progress.VerifiedLevels)
}

func TestProgressState_Validate(t *testing.T) {
	assert.NoError(t, ProgressState{Percentage: 40, ChallengeRequired: true, CurrentChallengeLevel: 1}.Validate())
	assert.Error(t, ProgressState{Percentage: 101}.Validate())
	assert.Error(t, ProgressState{Percentage: -1}.Validate())
	assert.Error(t, ProgressState{CurrentChallengeLevel: 2}.Validate())
	assert.Error(t, ProgressState{FailedAttempts: -1}.Validate())
}
