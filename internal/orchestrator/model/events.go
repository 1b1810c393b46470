package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// EventType values are persisted alongside each event.
type EventType int

const (
	EventTypeTaskRunnable     EventType = 1
	EventTypeTaskFinished     EventType = 2
	EventTypeProductAvailable EventType = 3
	EventTypeJobCancelled     EventType = 4
	EventTypeJobPaused        EventType = 5
	EventTypeJobResumed       EventType = 6
	EventTypeJobSubmitted     EventType = 7
	EventTypeStepFailed       EventType = 8
)

func (t EventType) String() string {
	switch t {
	case EventTypeTaskRunnable:
		return "TaskRunnable"
	case EventTypeTaskFinished:
		return "TaskFinished"
	case EventTypeProductAvailable:
		return "ProductAvailable"
	case EventTypeJobCancelled:
		return "JobCancelled"
	case EventTypeJobPaused:
		return "JobPaused"
	case EventTypeJobResumed:
		return "JobResumed"
	case EventTypeJobSubmitted:
		return "JobSubmitted"
	case EventTypeStepFailed:
		return "StepFailed"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is a row of the event log. A nil ProcessingStartedTimestamp means no instance has claimed it yet; a claim
// without a ProcessingCompletedTimestamp is released once it times out.
type Event struct {
	Id                           int
	Type                         EventType
	DataJson                     string
	SubmittedTimestamp           time.Time
	ProcessingStartedTimestamp   *time.Time
	ProcessingCompletedTimestamp *time.Time
	ProcessedBy                  string
}

// NewEvent is an event yet to be appended to the log.
type NewEvent struct {
	Type     EventType
	DataJson string
}

type TaskRunnableEvent struct {
	JobId       int `json:"job_id"`
	ProcessorId int `json:"processor_id"`
	TaskId      int `json:"task_id"`
}

type TaskFinishedEvent struct {
	JobId       int    `json:"job_id"`
	ProcessorId int    `json:"processor_id"`
	SiteId      int    `json:"site_id"`
	TaskId      int    `json:"task_id"`
	Module      string `json:"module"`
}

type ProductAvailableEvent struct {
	ProductId int `json:"product_id"`
}

type JobCancelledEvent struct {
	JobId int `json:"job_id"`
}

type JobPausedEvent struct {
	JobId int `json:"job_id"`
}

type JobResumedEvent struct {
	JobId       int `json:"job_id"`
	ProcessorId int `json:"processor_id"`
}

type JobSubmittedEvent struct {
	JobId          int             `json:"job_id"`
	ProcessorId    int             `json:"processor_id"`
	SiteId         int             `json:"site_id"`
	ParametersJson json.RawMessage `json:"parameters,omitempty"`
}

type StepFailedEvent struct {
	JobId    int    `json:"job_id"`
	TaskId   int    `json:"task_id"`
	StepName string `json:"step_name"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal([]byte(e.DataJson), v); err != nil {
		return errors.Wrapf(err, "malformed payload for %s event %d", e.Type, e.Id)
	}
	return nil
}

// Encode builds a NewEvent of the given type carrying payload as JSON.
func Encode(eventType EventType, payload interface{}) (NewEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return NewEvent{}, errors.Wrapf(err, "cannot encode %s event", eventType)
	}
	return NewEvent{Type: eventType, DataJson: string(data)}, nil
}

// MustEncode is Encode for payload types known to marshal cleanly.
func MustEncode(eventType EventType, payload interface{}) NewEvent {
	event, err := Encode(eventType, payload)
	if err != nil {
		panic(err)
	}
	return event
}
