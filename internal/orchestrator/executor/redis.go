package executor

import (
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
	"github.com/G-Research/imagery-orchestrator/internal/common/util"
)

const DefaultCommandList = "orchestrator:executor:commands"

type CommandType string

const (
	SubmitJobCommand   CommandType = "submit_job"
	CancelJobCommand   CommandType = "cancel_job"
	PauseJobCommand    CommandType = "pause_job"
	ResumeJobCommand   CommandType = "resume_job"
	SubmitStepsCommand CommandType = "submit_steps"
	CancelTasksCommand CommandType = "cancel_tasks"
)

// Command is the message the backend bridge pops from the command list.
type Command struct {
	Id      string         `json:"id"`
	Type    CommandType    `json:"type"`
	JobId   int            `json:"job_id,omitempty"`
	TaskIds []int          `json:"task_ids,omitempty"`
	Steps   []StepToSubmit `json:"steps,omitempty"`
}

// RedisProxy appends commands to a redis list consumed by the execution backend bridge.
type RedisProxy struct {
	db          redis.UniversalClient
	commandList string
}

func NewRedisProxy(db redis.UniversalClient, commandList string) *RedisProxy {
	if commandList == "" {
		commandList = DefaultCommandList
	}
	return &RedisProxy{db: db, commandList: commandList}
}

func (p *RedisProxy) SubmitJob(ctx *orchcontext.Context, jobId int) error {
	return p.push(ctx, Command{Type: SubmitJobCommand, JobId: jobId})
}

func (p *RedisProxy) CancelJob(ctx *orchcontext.Context, jobId int) error {
	return p.push(ctx, Command{Type: CancelJobCommand, JobId: jobId})
}

func (p *RedisProxy) PauseJob(ctx *orchcontext.Context, jobId int) error {
	return p.push(ctx, Command{Type: PauseJobCommand, JobId: jobId})
}

func (p *RedisProxy) ResumeJob(ctx *orchcontext.Context, jobId int) error {
	return p.push(ctx, Command{Type: ResumeJobCommand, JobId: jobId})
}

func (p *RedisProxy) SubmitSteps(ctx *orchcontext.Context, steps []StepToSubmit) error {
	if len(steps) == 0 {
		return nil
	}
	return p.push(ctx, Command{Type: SubmitStepsCommand, Steps: steps})
}

func (p *RedisProxy) CancelTasks(ctx *orchcontext.Context, taskIds []int) error {
	if len(taskIds) == 0 {
		return nil
	}
	return p.push(ctx, Command{Type: CancelTasksCommand, TaskIds: taskIds})
}

func (p *RedisProxy) push(ctx *orchcontext.Context, command Command) error {
	command.Id = util.NewCommandId()
	data, err := json.Marshal(command)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := p.db.RPush(p.commandList, data).Err(); err != nil {
		return errors.Wrapf(err, "error pushing %s command to %s", command.Type, p.commandList)
	}
	ctx.Log.Debugf("pushed %s command %s", command.Type, command.Id)
	return nil
}

// ReadCommands pops every pending command. It is used by the notify tool and by tests.
func ReadCommands(db redis.UniversalClient, commandList string) ([]Command, error) {
	var commands []Command
	for {
		data, err := db.LPop(commandList).Bytes()
		if err == redis.Nil {
			return commands, nil
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
		var command Command
		if err := json.Unmarshal(data, &command); err != nil {
			return nil, errors.Wrapf(err, "malformed command in %s", commandList)
		}
		commands = append(commands, command)
	}
}
