// Package processor defines what a production pipeline must implement to be driven by the orchestrator, the registry
// that selects a pipeline by processor id and the services shared by every pipeline.
package processor

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
)

// Handler is the lifecycle contract of one processor type.
type Handler interface {
	// HandleJobSubmitted builds and stores the task graph of the job. It is called through SubmitJob, which takes care
	// of failing the job when it returns an error.
	HandleJobSubmitted(ctx *orchcontext.Context, event model.JobSubmittedEvent) error

	HandleTaskFinished(ctx *orchcontext.Context, event model.TaskFinishedEvent) error

	// HandleProductAvailable is called for every new product, whichever processor made it.
	HandleProductAvailable(ctx *orchcontext.Context, event model.ProductAvailableEvent) error

	GetProcessingDefinition(ctx *orchcontext.Context, request DefinitionRequest) (ProcessingDefinition, error)
}

// DefinitionRequest describes a scheduled trigger. The season window is resolved by the scheduler.
type DefinitionRequest struct {
	JobId         int
	ProcessorId   int
	SiteId        int
	ScheduledDate time.Time
	SeasonStart   time.Time
	SeasonEnd     time.Time
	Overrides     map[string]string
}

type DefinitionKind int

const (
	// NotReady means there is nothing to process yet.
	NotReady DefinitionKind = iota
	// Ready carries the parameters of the job.
	Ready
	// Custom asks the caller to submit the job with its own parameters.
	Custom
)

func (k DefinitionKind) String() string {
	switch k {
	case Ready:
		return "Ready"
	case Custom:
		return "Custom"
	default:
		return "NotReady"
	}
}

type ProcessingDefinition struct {
	Kind           DefinitionKind
	ParametersJson string
}

func NotReadyDefinition() ProcessingDefinition {
	return ProcessingDefinition{Kind: NotReady}
}

func CustomDefinition() ProcessingDefinition {
	return ProcessingDefinition{Kind: Custom}
}

// ReadyDefinition encodes parameters as the job's parameter blob.
func ReadyDefinition(parameters interface{}) (ProcessingDefinition, error) {
	data, err := json.Marshal(parameters)
	if err != nil {
		return ProcessingDefinition{}, errors.WithStack(err)
	}
	return ProcessingDefinition{Kind: Ready, ParametersJson: string(data)}, nil
}

type StepFailureAction int

const (
	// FailJob cancels the remaining tasks of the job and marks it failed.
	FailJob StepFailureAction = iota
	// ContinueJob leaves the job running; only the failed task stops.
	ContinueJob
)

func (a StepFailureAction) String() string {
	if a == ContinueJob {
		return "ContinueJob"
	}
	return "FailJob"
}

// StepFailurePolicy may be implemented by a Handler whose jobs tolerate failed steps.
type StepFailurePolicy interface {
	OnStepFailed(ctx *orchcontext.Context, event model.StepFailedEvent) StepFailureAction
}

// OnStepFailed asks handler what to do about the failed step. Handlers without a policy fail the job.
func OnStepFailed(ctx *orchcontext.Context, handler Handler, event model.StepFailedEvent) StepFailureAction {
	if policy, ok := handler.(StepFailurePolicy); ok {
		return policy.OnStepFailed(ctx, event)
	}
	return FailJob
}
