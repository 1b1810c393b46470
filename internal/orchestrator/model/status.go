package model

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Status is the lifecycle status shared by jobs, tasks and steps. The numeric values are persisted.
type Status int

const (
	StatusSubmitted    Status = 1
	StatusPendingStart Status = 2
	StatusNeedsInput   Status = 3
	StatusRunning      Status = 4
	StatusPaused       Status = 5
	StatusFinished     Status = 6
	StatusCancelled    Status = 7
	StatusError        Status = 8
)

var statusNames = map[Status]string{
	StatusSubmitted:    "Submitted",
	StatusPendingStart: "PendingStart",
	StatusNeedsInput:   "NeedsInput",
	StatusRunning:      "Running",
	StatusPaused:       "Paused",
	StatusFinished:     "Finished",
	StatusCancelled:    "Cancelled",
	StatusError:        "Error",
}

// AllStatuses lists every status in numeric order.
var AllStatuses = []Status{
	StatusSubmitted,
	StatusPendingStart,
	StatusNeedsInput,
	StatusRunning,
	StatusPaused,
	StatusFinished,
	StatusCancelled,
	StatusError,
}

// NonTerminalStatuses lists every status from which an entity can still progress.
var NonTerminalStatuses = []Status{
	StatusSubmitted,
	StatusPendingStart,
	StatusNeedsInput,
	StatusRunning,
	StatusPaused,
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// IsTerminal returns true for Finished, Cancelled and Error.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusCancelled || s == StatusError
}

func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, errors.Errorf("unknown status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus accepts the status name in any case.
func ParseStatus(name string) (Status, error) {
	for status, statusName := range statusNames {
		if strings.EqualFold(statusName, name) {
			return status, nil
		}
	}
	return 0, errors.Errorf("unknown status %q", name)
}

// StartType records how a job came to exist.
type StartType int

const (
	StartTypeRequested StartType = 1
	StartTypeScheduled StartType = 2
	StartTypeTriggered StartType = 3
)

func (t StartType) String() string {
	switch t {
	case StartTypeRequested:
		return "Requested"
	case StartTypeScheduled:
		return "Scheduled"
	case StartTypeTriggered:
		return "Triggered"
	}
	return fmt.Sprintf("StartType(%d)", int(t))
}

func (t *StartType) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "requested":
		*t = StartTypeRequested
	case "scheduled":
		*t = StartTypeScheduled
	case "triggered":
		*t = StartTypeTriggered
	default:
		return errors.Errorf("unknown start type %q", text)
	}
	return nil
}

func (t StartType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
