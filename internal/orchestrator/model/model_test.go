package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/imagery-orchestrator/internal/common/orcherrors"
)

func TestStatus_TextRoundTrip(t *testing.T) {
	for _, status := range AllStatuses {
		text, err := status.MarshalText()
		require.NoError(t, err)
		var parsed Status
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, status, parsed)
	}
	var s Status
	assert.Error(t, s.UnmarshalText([]byte("Exploded")))
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusFinished.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
	for _, status := range NonTerminalStatuses {
		assert.False(t, status.IsTerminal(), status.String())
	}
}

func TestValidateJobTransition(t *testing.T) {
	tests := map[string]struct {
		from    Status
		to      Status
		allowed bool
	}{
		"submitted to pending start": {from: StatusSubmitted, to: StatusPendingStart, allowed: true},
		"running to paused":          {from: StatusRunning, to: StatusPaused, allowed: true},
		"paused to running":          {from: StatusPaused, to: StatusRunning, allowed: true},
		"needs input to submitted":   {from: StatusNeedsInput, to: StatusSubmitted, allowed: true},
		"same status":                {from: StatusCancelled, to: StatusCancelled, allowed: true},
		"finished to cancelled":      {from: StatusFinished, to: StatusCancelled, allowed: false},
		"error to running":           {from: StatusError, to: StatusRunning, allowed: false},
		"needs input to finished":    {from: StatusNeedsInput, to: StatusFinished, allowed: false},
		"paused to finished":         {from: StatusPaused, to: StatusFinished, allowed: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := ValidateJobTransition(7, tc.from, tc.to)
			if tc.allowed {
				assert.NoError(t, err)
			} else {
				assert.True(t, orcherrors.IsInvalidTransition(err))
			}
		})
	}
}

func TestValidateJobTransition_NoExitFromTerminal(t *testing.T) {
	for _, from := range []Status{StatusFinished, StatusCancelled, StatusError} {
		for _, to := range AllStatuses {
			if from == to {
				continue
			}
			assert.Error(t, ValidateJobTransition(1, from, to), "%s -> %s", from, to)
			assert.Error(t, ValidateTaskTransition(1, from, to), "%s -> %s", from, to)
			assert.Error(t, ValidateStepTransition(1, from, to), "%s -> %s", from, to)
		}
	}
}

func TestEvent_EncodeDecode(t *testing.T) {
	event, err := Encode(EventTypeJobSubmitted, JobSubmittedEvent{
		JobId:          3,
		ProcessorId:    2,
		SiteId:         9,
		ParametersJson: json.RawMessage(`{"season":"2021"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, EventTypeJobSubmitted, event.Type)
	assert.JSONEq(t, `{"job_id":3,"processor_id":2,"site_id":9,"parameters":{"season":"2021"}}`, event.DataJson)

	var decoded JobSubmittedEvent
	require.NoError(t, Event{Type: event.Type, DataJson: event.DataJson}.Decode(&decoded))
	assert.Equal(t, 9, decoded.SiteId)
	assert.JSONEq(t, `{"season":"2021"}`, string(decoded.ParametersJson))
}

func TestEvent_DecodeMalformed(t *testing.T) {
	var decoded TaskRunnableEvent
	err := Event{Id: 4, Type: EventTypeTaskRunnable, DataJson: "{"}.Decode(&decoded)
	assert.ErrorContains(t, err, "TaskRunnable event 4")
}
