package model

import (
	"time"
)

type Job struct {
	Id              int
	Name            string
	ProcessorId     int
	SiteId          int
	Status          Status
	StartType       StartType
	ParametersJson  string
	ScheduleName    string
	FailureReason   string
	SubmitTimestamp time.Time
	StatusTimestamp time.Time
}

// NewJob is everything needed to create a job. ConfigurationParameters are the job-scoped key/values resolved when
// the job is created, e.g. executor.module.path.<module> entries.
type NewJob struct {
	Name                    string
	ProcessorId             int
	SiteId                  int
	StartType               StartType
	ParametersJson          string
	ScheduleName            string
	ConfigurationParameters map[string]string
}

type Task struct {
	Id              int
	JobId           int
	Module          string
	ParametersJson  string
	ParentTaskIds   []int
	Status          Status
	StatusTimestamp time.Time
}

type NewTask struct {
	JobId          int
	Module         string
	ParametersJson string
	ParentTaskIds  []int
}

type Step struct {
	TaskId          int
	Name            string
	Index           int
	ArgumentsJson   string
	Status          Status
	StatusTimestamp time.Time
	Node            string
	Statistics      *ExecutionStatistics
}

type NewStep struct {
	TaskId        int
	Name          string
	ArgumentsJson string
}

// RunnableStep is a step as handed to the execution backend: it carries the module of its task, which is used to
// resolve the executable.
type RunnableStep struct {
	JobId         int
	TaskId        int
	Module        string
	Name          string
	ArgumentsJson string
}

// ExecutionStatistics are reported by the execution backend when a step finishes or fails.
type ExecutionStatistics struct {
	Node           string `json:"node"`
	ExitCode       int    `json:"exit_code"`
	UserCpuMs      int64  `json:"user_cpu_ms"`
	SystemCpuMs    int64  `json:"system_cpu_ms"`
	DurationMs     int64  `json:"duration_ms"`
	MaxRssKb       int    `json:"max_rss_kb"`
	MaxVmSizeKb    int    `json:"max_vm_size_kb"`
	DiskReadBytes  int64  `json:"disk_read_b"`
	DiskWriteBytes int64  `json:"disk_write_b"`
	StdOutText     string `json:"stdout_text"`
	StdErrText     string `json:"stderr_text"`
}

type ProductType int

const (
	ProductTypeL2A       ProductType = 1
	ProductTypeComposite ProductType = 3
	ProductTypeLai       ProductType = 4
)

type Product struct {
	Id               int
	ProductType      ProductType
	ProcessorId      int
	SiteId           int
	JobId            int
	Name             string
	FullPath         string
	Created          time.Time
	Tiles            []string
	SourceProductIds []int
}

type NewProduct struct {
	ProductType      ProductType
	ProcessorId      int
	SiteId           int
	JobId            int
	Name             string
	FullPath         string
	Created          time.Time
	Tiles            []string
	SourceProductIds []int
}

// ProductQuery selects the input products of a site created within [From, To). OutputProcessorId is used to flag
// products that already have an output of that processor.
type ProductQuery struct {
	SiteId            int
	ProductType       ProductType
	From              time.Time
	To                time.Time
	OutputProcessorId int
}

// ProductCandidate is a product matched by a ProductQuery. Processed is set when an output product of the querying
// processor lists it as a source.
type ProductCandidate struct {
	Product
	Processed bool
}
