package model

import (
	"strconv"

	"github.com/G-Research/imagery-orchestrator/internal/common/orcherrors"
)

type transitionTable map[Status]map[Status]bool

func newTransitionTable(edges map[Status][]Status) transitionTable {
	table := make(transitionTable, len(edges))
	for from, tos := range edges {
		table[from] = make(map[Status]bool, len(tos))
		for _, to := range tos {
			table[from][to] = true
		}
	}
	return table
}

// Cancelled and Error are reachable from every non-terminal status; everything else is driven by the worker.
var jobTransitions = newTransitionTable(map[Status][]Status{
	StatusSubmitted:    {StatusPendingStart, StatusRunning, StatusNeedsInput, StatusPaused, StatusCancelled, StatusError},
	StatusPendingStart: {StatusRunning, StatusPaused, StatusFinished, StatusCancelled, StatusError},
	StatusNeedsInput:   {StatusSubmitted, StatusCancelled, StatusError},
	StatusRunning:      {StatusPaused, StatusFinished, StatusCancelled, StatusError},
	StatusPaused:       {StatusRunning, StatusCancelled, StatusError},
})

var taskTransitions = newTransitionTable(map[Status][]Status{
	StatusSubmitted:    {StatusPendingStart, StatusRunning, StatusPaused, StatusCancelled, StatusError},
	StatusPendingStart: {StatusRunning, StatusFinished, StatusPaused, StatusCancelled, StatusError},
	StatusRunning:      {StatusFinished, StatusPaused, StatusCancelled, StatusError},
	StatusPaused:       {StatusSubmitted, StatusCancelled, StatusError},
})

var stepTransitions = newTransitionTable(map[Status][]Status{
	StatusSubmitted:    {StatusPendingStart, StatusRunning, StatusFinished, StatusError, StatusPaused, StatusCancelled},
	StatusPendingStart: {StatusRunning, StatusFinished, StatusError, StatusPaused, StatusCancelled},
	StatusRunning:      {StatusFinished, StatusError, StatusPaused, StatusCancelled},
	StatusPaused:       {StatusSubmitted, StatusCancelled},
})

func (t transitionTable) allowed(from, to Status) bool {
	return t[from][to]
}

// ValidateJobTransition returns an *orcherrors.ErrInvalidTransition if a job may not move from one status to another.
// Staying in the same status is always allowed.
func ValidateJobTransition(jobId int, from, to Status) error {
	return validate("job", jobId, jobTransitions, from, to)
}

// ValidateTaskTransition is the task equivalent of ValidateJobTransition.
func ValidateTaskTransition(taskId int, from, to Status) error {
	return validate("task", taskId, taskTransitions, from, to)
}

// ValidateStepTransition is the step equivalent of ValidateJobTransition.
func ValidateStepTransition(taskId int, from, to Status) error {
	return validate("step of task", taskId, stepTransitions, from, to)
}

func validate(entity string, id int, table transitionTable, from, to Status) error {
	if from == to || table.allowed(from, to) {
		return nil
	}
	return &orcherrors.ErrInvalidTransition{
		Entity: entity,
		Id:     strconv.Itoa(id),
		From:   from.String(),
		To:     to.String(),
	}
}
