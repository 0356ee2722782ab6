package carevault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to LifecycleState
		want     bool
	}{
		{StateActive, StateSoftDeleted, true},
		{StateActive, StateHardDeleted, false},
		{StateActive, StatePurged, false},
		{StateSoftDeleted, StateActive, true},
		{StateSoftDeleted, StateHardDeleted, true},
		{StateSoftDeleted, StatePurged, false},
		{StateHardDeleted, StateHardDeleted, true}, // retried erasure is a no-op
		{StateHardDeleted, StatePurged, true},
		{StateHardDeleted, StateActive, false},
		{StateHardDeleted, StateSoftDeleted, false},
		{StatePurged, StateActive, false},
		{StatePurged, StateHardDeleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestErased(t *testing.T) {
	assert.False(t, (&ProtectedRecord{Lifecycle: StateActive, Payload: []byte{0x01}}).Erased())
	assert.True(t, (&ProtectedRecord{Lifecycle: StateHardDeleted}).Erased())
	assert.True(t, (&ProtectedRecord{Lifecycle: StatePurged}).Erased())
	assert.True(t, (&ProtectedRecord{Lifecycle: StateActive, Payload: []byte(ErasedPayloadPlaceholder)}).Erased())
}

func TestInGracePeriod(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	requested := now.Add(-10 * 24 * time.Hour)
	grace := 30 * 24 * time.Hour

	rec := &ProtectedRecord{Lifecycle: StateSoftDeleted, DeleteRequestedAt: &requested}
	assert.True(t, rec.InGracePeriod(now, grace))
	assert.False(t, rec.InGracePeriod(now.Add(25*24*time.Hour), grace))

	// Grace boundary is exclusive.
	assert.False(t, rec.InGracePeriod(requested.Add(grace), grace))

	assert.False(t, (&ProtectedRecord{Lifecycle: StateActive}).InGracePeriod(now, grace))
	assert.False(t, (&ProtectedRecord{Lifecycle: StateSoftDeleted}).InGracePeriod(now, grace))
}

func TestValidRiskLabel(t *testing.T) {
	for _, l := range []RiskLabel{RiskLow, RiskModerate, RiskHigh, RiskCritical} {
		assert.True(t, ValidRiskLabel(l))
	}
	assert.False(t, ValidRiskLabel(""))
	assert.False(t, ValidRiskLabel("severe"))
}
