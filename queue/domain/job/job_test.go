package job

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_Forward(t *testing.T) {
	now := time.Now()
	j := Job{Status: StatusPending}

	require.NoError(t, j.Transition(StatusActive, now, nil))
	require.NoError(t, j.Transition(StatusCompleted, now, nil))
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, 0, j.Attempts)
	require.NotNil(t, j.FinishedAt)
}

func TestTransition_FailureIncrementsAttempts(t *testing.T) {
	j := Job{Status: StatusPending}
	require.NoError(t, j.Transition(StatusActive, time.Now(), nil))
	require.NoError(t, j.Transition(StatusFailed, time.Now(), errors.New("send failed")))

	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, "send failed", j.Error)
}

func TestTransition_NeverBackwards(t *testing.T) {
	cases := []struct {
		from, to Status
	}{
		{StatusActive, StatusPending},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusActive},
		{StatusFailed, StatusPending},
		{StatusActive, StatusActive},
		{StatusPending, StatusCompleted},
	}
	for _, c := range cases {
		j := Job{Status: c.from}
		err := j.Transition(c.to, time.Now(), nil)
		assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", c.from, c.to)
		assert.Equal(t, c.from, j.Status)
	}
}

func TestTransition_PendingMayFailDirectly(t *testing.T) {
	j := Job{Status: StatusPending}
	require.NoError(t, j.Transition(StatusFailed, time.Now(), errors.New("queue full")))
	assert.Equal(t, 1, j.Attempts)
}

func TestPayloadValidation(t *testing.T) {
	assert.NoError(t, SchedulePayload{ScheduleID: 3}.Validate())
	assert.Error(t, SchedulePayload{}.Validate())
	assert.NoError(t, CampaignPayload{CampaignID: 1, ShippingID: 2}.Validate())
	assert.Error(t, CampaignPayload{CampaignID: 1}.Validate())

	assert.Equal(t, "schedule:3", SchedulePayload{ScheduleID: 3}.Key())
	assert.Equal(t, "campaign:1:2", CampaignPayload{CampaignID: 1, ShippingID: 2}.Key())
}
