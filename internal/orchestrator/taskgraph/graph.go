package taskgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
)

// Task is a stored task of a committed graph.
type Task struct {
	Ref       TaskRef
	Id        int
	Module    string
	ParentIds []int
	Dir       TaskDir
}

// Graph is the committed form of a Builder.
type Graph struct {
	jobDir JobDir
	tasks  []Task
}

func (g *Graph) Task(ref TaskRef) Task {
	return g.tasks[ref]
}

// Tasks returns the tasks in the order they were added to the builder.
func (g *Graph) Tasks() []Task {
	return append([]Task(nil), g.tasks...)
}

func (g *Graph) JobDir() JobDir {
	return g.jobDir
}

// JobDir is the scratch directory shared by the tasks of a job: <workingDir>/<processor>/<jobId>.
type JobDir struct {
	path  string
	jobId int
}

func NewJobDir(workingDir string, processorShortName string, jobId int) JobDir {
	return JobDir{
		path:  filepath.Join(workingDir, processorShortName, strconv.Itoa(jobId)),
		jobId: jobId,
	}
}

func (d JobDir) Path() string {
	return d.path
}

func (d JobDir) JobId() int {
	return d.jobId
}

// TaskDir returns the directory of one task. It depends only on the task id and module, so it can be recomputed
// for as long as the task exists.
func (d JobDir) TaskDir(taskId int, module string) TaskDir {
	return TaskDir{path: filepath.Join(d.path, fmt.Sprintf("%d-%s", taskId, module))}
}

// Remove deletes the job directory and everything below it.
func (d JobDir) Remove() error {
	return errors.WithStack(os.RemoveAll(d.path))
}

type TaskDir struct {
	path string
}

func (d TaskDir) Path() string {
	return d.path
}

// File returns the path of a file inside the task directory.
func (d TaskDir) File(elem ...string) string {
	return filepath.Join(append([]string{d.path}, elem...)...)
}

// StepStore stores steps.
type StepStore interface {
	SubmitSteps(ctx context.Context, steps []model.NewStep) error
}

// Steps accumulates the steps of a committed graph. Steps of a task run in the order they are added.
type Steps struct {
	steps []model.NewStep
	err   error
}

// Add appends a step running the task's module with the given command line arguments.
func (s *Steps) Add(task Task, name string, args ...string) {
	if args == nil {
		args = []string{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		if s.err == nil {
			s.err = errors.Wrapf(err, "cannot encode arguments of step %s of task %d", name, task.Id)
		}
		return
	}
	s.steps = append(s.steps, model.NewStep{
		TaskId:        task.Id,
		Name:          name,
		ArgumentsJson: string(data),
	})
}

func (s *Steps) Len() int {
	return len(s.steps)
}

func (s *Steps) All() []model.NewStep {
	return append([]model.NewStep(nil), s.steps...)
}

// Submit stores all steps in one batch. The store emits TaskRunnable for the root tasks.
// Every task of graph needs at least one step: a task without steps never becomes runnable, so it would hold up its
// descendants forever.
func (s *Steps) Submit(ctx context.Context, store StepStore, graph *Graph) error {
	if s.err != nil {
		return s.err
	}
	if missing := s.tasksWithoutSteps(graph); len(missing) > 0 {
		task := graph.Task(missing[0])
		return newBuildError(InvalidGraph, "%d tasks have no steps, the first is task %d (%s)", len(missing), task.Id, task.Module)
	}
	return store.SubmitSteps(ctx, s.steps)
}

func (s *Steps) tasksWithoutSteps(graph *Graph) []TaskRef {
	withSteps := make(map[int]bool, len(s.steps))
	for _, step := range s.steps {
		withSteps[step.TaskId] = true
	}
	var missing []TaskRef
	for _, task := range graph.tasks {
		if !withSteps[task.Id] {
			missing = append(missing, task.Ref)
		}
	}
	return missing
}
