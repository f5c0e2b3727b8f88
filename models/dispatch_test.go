package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatchStatus(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		for _, s := range []DispatchStatus{
			DispatchStatusScheduled, DispatchStatusInProgress, DispatchStatusPaused,
			DispatchStatusCompleted, DispatchStatusFailed, DispatchStatusCancelled,
		} {
			assert.True(t, s.Valid(), s.String())
		}
		assert.False(t, DispatchStatus("draft").Valid())
	})

	t.Run("Terminal", func(t *testing.T) {
		assert.True(t, DispatchStatusCompleted.Terminal())
		assert.True(t, DispatchStatusFailed.Terminal())
		assert.True(t, DispatchStatusCancelled.Terminal())
		assert.False(t, DispatchStatusScheduled.Terminal())
		assert.False(t, DispatchStatusInProgress.Terminal())
		assert.False(t, DispatchStatusPaused.Terminal())
	})
}

func TestDispatchCanTransitionTo(t *testing.T) {
	cases := []struct {
		from    DispatchStatus
		to      DispatchStatus
		allowed bool
	}{
		{DispatchStatusScheduled, DispatchStatusInProgress, true},
		{DispatchStatusScheduled, DispatchStatusCancelled, true},
		{DispatchStatusScheduled, DispatchStatusFailed, true},
		{DispatchStatusScheduled, DispatchStatusCompleted, true},
		{DispatchStatusScheduled, DispatchStatusPaused, false},

		{DispatchStatusInProgress, DispatchStatusCompleted, true},
		{DispatchStatusInProgress, DispatchStatusFailed, true},
		{DispatchStatusInProgress, DispatchStatusPaused, true},
		{DispatchStatusInProgress, DispatchStatusCancelled, false},
		{DispatchStatusInProgress, DispatchStatusScheduled, false},

		{DispatchStatusPaused, DispatchStatusInProgress, true},
		{DispatchStatusPaused, DispatchStatusCancelled, true},
		{DispatchStatusPaused, DispatchStatusCompleted, false},
		{DispatchStatusPaused, DispatchStatusFailed, false},

		{DispatchStatusCompleted, DispatchStatusInProgress, false},
		{DispatchStatusFailed, DispatchStatusScheduled, false},
		{DispatchStatusCancelled, DispatchStatusInProgress, false},
	}
	for _, tc := range cases {
		d := &Dispatch{Status: tc.from}
		assert.Equal(t, tc.allowed, d.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestDispatchIsStartable(t *testing.T) {
	assert.True(t, (&Dispatch{Status: DispatchStatusScheduled}).IsStartable())
	assert.True(t, (&Dispatch{Status: DispatchStatusInProgress}).IsStartable())
	assert.False(t, (&Dispatch{Status: DispatchStatusPaused}).IsStartable())
	assert.False(t, (&Dispatch{Status: DispatchStatusCompleted}).IsStartable())
	assert.False(t, (&Dispatch{Status: DispatchStatusFailed}).IsStartable())
	assert.False(t, (&Dispatch{Status: DispatchStatusCancelled}).IsStartable())
}

func TestDispatchBeforeCreate(t *testing.T) {
	d := &Dispatch{}
	assert.NoError(t, d.BeforeCreate())
	assert.NotEqual(t, "", d.UUID.String())
	assert.Equal(t, DispatchStatusScheduled, d.Status)
	assert.False(t, d.CreatedAt.IsZero())
}

func TestRecipientStatus(t *testing.T) {
	assert.True(t, RecipientStatusSent.Terminal())
	assert.True(t, RecipientStatusFailed.Terminal())
	assert.False(t, RecipientStatusPending.Terminal())

	assert.True(t, RecipientStatusPending.Valid())
	assert.False(t, RecipientStatus("queued").Valid())
}

func TestCounterDeltaIsZero(t *testing.T) {
	assert.True(t, CounterDelta{}.IsZero())
	assert.False(t, CounterDelta{Pending: -1, Sent: 1}.IsZero())
	assert.False(t, CounterDelta{Delivered: 1}.IsZero())
}
