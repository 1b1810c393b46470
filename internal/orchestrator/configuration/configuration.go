package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"

	"github.com/G-Research/imagery-orchestrator/internal/common/database"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/scheduling"
	"github.com/G-Research/imagery-orchestrator/internal/processors/composite"
	"github.com/G-Research/imagery-orchestrator/internal/processors/lai"
)

const (
	RepositoryPostgres = "postgres"
	RepositoryMemory   = "memory"

	ExecutorRedis = "redis"
	ExecutorLog   = "log"
)

type OrchestratorConfiguration struct {
	MetricsPort uint16 `validate:"required"`
	HttpPort    uint16 `validate:"required"`
	// How often the worker rescans the event queue when nobody notifies it.
	PollInterval time.Duration `validate:"required"`
	// Recorded against every event this instance claims. A random id is used when empty.
	InstanceName string
	Repository   string `validate:"oneof=postgres memory"`
	Postgres     database.PostgresConfig
	// Maximum number of events read by one poll of the postgres repository.
	EventBatchSize uint
	// A claimed event that is not completed within this time is processed again, by any instance.
	EventClaimTimeout  time.Duration
	Executor           ExecutorConfig
	WorkingDirectory   string `validate:"required"`
	KeepJobFiles       bool
	ProcessorCacheSize int
	Processors         []ProcessorConfig `validate:"required,dive"`
	// Settings of the lai and composite processors, required when the processor is enabled.
	Lai       *lai.Config
	Composite *composite.Config
	Schedules []scheduling.Entry `validate:"dive"`
}

type ExecutorConfig struct {
	Type          string `validate:"oneof=redis log"`
	Redis         RedisConfig
	RetryAttempts uint
	RetryDelay    time.Duration
}

type RedisConfig struct {
	Addrs       []string
	Password    string
	DB          int
	CommandList string
}

type ProcessorConfig struct {
	Id        int    `validate:"required"`
	Name      string `validate:"required"`
	ShortName string `validate:"oneof=lai composite"`
	Enabled   bool
}

// Validate checks the struct tags and the rules spanning several fields.
func (c OrchestratorConfiguration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(orchestratorConfigurationValidation, OrchestratorConfiguration{})
	return validate.Struct(c)
}

func orchestratorConfigurationValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(OrchestratorConfiguration)
	if c.Repository == RepositoryPostgres && len(c.Postgres.Connection) == 0 {
		sl.ReportError(c.Postgres.Connection, "Connection", "Connection", "required_with_postgres", "")
	}
	if c.Executor.Type == ExecutorRedis && len(c.Executor.Redis.Addrs) == 0 {
		sl.ReportError(c.Executor.Redis.Addrs, "Addrs", "Addrs", "required_with_redis", "")
	}
	ids := make(map[int]bool, len(c.Processors))
	for _, p := range c.Processors {
		if ids[p.Id] {
			sl.ReportError(p.Id, "Processors", "Processors", "unique_id", "")
		}
		ids[p.Id] = true
		if !p.Enabled {
			continue
		}
		if p.ShortName == "lai" && c.Lai == nil {
			sl.ReportError(c.Lai, "Lai", "Lai", "required_when_enabled", "")
		}
		if p.ShortName == "composite" && c.Composite == nil {
			sl.ReportError(c.Composite, "Composite", "Composite", "required_when_enabled", "")
		}
	}
}

// EnabledProcessors returns the processors this instance handles jobs for.
func (c OrchestratorConfiguration) EnabledProcessors() []ProcessorConfig {
	var enabled []ProcessorConfig
	for _, p := range c.Processors {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	return enabled
}

// Processor returns the configured processor with the given short name.
func (c OrchestratorConfiguration) Processor(shortName string) (ProcessorConfig, error) {
	for _, p := range c.Processors {
		if p.ShortName == shortName {
			return p, nil
		}
	}
	return ProcessorConfig{}, errors.Errorf("processor %s is not configured", shortName)
}

// ExpandPaths replaces a leading ~ in the configured directories with the home directory of the current user.
func (c *OrchestratorConfiguration) ExpandPaths() error {
	paths := []*string{&c.WorkingDirectory}
	if c.Lai != nil {
		paths = append(paths, &c.Lai.OutputDirectory)
	}
	if c.Composite != nil {
		paths = append(paths, &c.Composite.OutputDirectory)
	}
	for _, path := range paths {
		expanded, err := homedir.Expand(*path)
		if err != nil {
			return errors.Wrapf(err, "cannot expand %s", *path)
		}
		*path = expanded
	}
	return nil
}
