// Package lai produces biophysical indicator products (NDVI, LAI, FAPAR and FCOVER) from L2A acquisitions.
package lai

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
	"github.com/G-Research/imagery-orchestrator/internal/common/orcherrors"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/ledger"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/processor"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/taskgraph"
)

const (
	moduleMaskFlags        = "mask-flags"
	moduleNdviExtractor    = "ndvi-extractor"
	moduleQuantifyNdvi     = "quantify-ndvi"
	moduleCreateAngles     = "create-angles"
	moduleBvInversion      = "bv-inversion"
	moduleQuantify         = "quantify"
	moduleProductFormatter = "product-formatter"
	moduleFilesRemover     = "files-remover"
	moduleEndOfJob         = "end-of-job"
)

// CustomModeKey in the overrides of a scheduled trigger makes it use the overrides as the job parameters.
const CustomModeKey = "processor.lai.custom"

// Parameters is the parameter blob of a job.
type Parameters struct {
	InputProducts []int    `json:"input_products"`
	Outputs       []string `json:"outputs,omitempty"`
}

type Handler struct {
	processor processor.Processor
	env       *processor.Environment
	config    Config
}

var (
	_ processor.Handler           = &Handler{}
	_ processor.StepFailurePolicy = &Handler{}
)

func NewHandler(p processor.Processor, env *processor.Environment, config Config) *Handler {
	return &Handler{processor: p, env: env, config: config}
}

func (h *Handler) pipeline() taskgraph.Pipeline {
	indicatorChain := []string{moduleCreateAngles, moduleBvInversion, moduleQuantify}
	p := taskgraph.Pipeline{
		Preprocessing: moduleMaskFlags,
		Chains: map[string][]string{
			OutputNdvi:   {moduleNdviExtractor, moduleQuantifyNdvi},
			OutputLai:    indicatorChain,
			OutputFapar:  indicatorChain,
			OutputFcover: indicatorChain,
		},
		Convergence:      moduleProductFormatter,
		EndOfJob:         moduleEndOfJob,
		ChainGroups:      h.config.ChainGroups,
		SplitConvergence: h.config.SplitProducts,
	}
	if h.config.RemoveTempFiles {
		p.Cleanup = moduleFilesRemover
	}
	return p
}

// inputGroup holds the products acquired on one day.
type inputGroup struct {
	key      string
	products []model.Product
}

func groupByDate(products []model.Product) []inputGroup {
	byKey := make(map[string]*inputGroup)
	var keys []string
	for _, product := range products {
		key := product.Created.UTC().Format("20060102")
		group, ok := byKey[key]
		if !ok {
			group = &inputGroup{key: key}
			byKey[key] = group
			keys = append(keys, key)
		}
		group.products = append(group.products, product)
	}
	sort.Strings(keys)
	groups := make([]inputGroup, len(keys))
	for i, key := range keys {
		groups[i] = *byKey[key]
	}
	return groups
}

func (g inputGroup) tiles() []string {
	var tiles []string
	for _, product := range g.products {
		for _, tile := range product.Tiles {
			if !slices.Contains(tiles, tile) {
				tiles = append(tiles, tile)
			}
		}
	}
	return tiles
}

func decodeParameters(data []byte) (Parameters, error) {
	var params Parameters
	if len(data) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return params, &orcherrors.ErrInvalidArgument{Name: "parameters", Value: string(data), Message: err.Error()}
	}
	return params, nil
}

// outputs resolves the enabled outputs: the job configuration wins over the job parameters, which win over the
// processor configuration.
func (h *Handler) outputs(ctx *orchcontext.Context, jobId int, params Parameters) ([]string, error) {
	outputs := h.config.Outputs
	if len(params.Outputs) > 0 {
		outputs = params.Outputs
	}
	config, err := h.env.Store.GetJobConfigurationParameters(ctx, jobId, OutputsKey)
	if err != nil {
		return nil, err
	}
	if value, ok := config[OutputsKey]; ok {
		outputs = parseOutputs(value)
	}
	if len(outputs) == 0 {
		return AllOutputs, nil
	}
	for _, output := range outputs {
		if !slices.Contains(AllOutputs, output) {
			return nil, &orcherrors.ErrInvalidArgument{Name: "outputs", Value: output, Message: "unknown output"}
		}
	}
	return outputs, nil
}

func (h *Handler) siteDir(siteId int) string {
	return filepath.Join(h.config.OutputDirectory, strconv.Itoa(siteId))
}

func productName(siteId int, jobId int, groups []inputGroup) string {
	return fmt.Sprintf("LAI_S%d_J%d_%s_%s", siteId, jobId, groups[0].key, groups[len(groups)-1].key)
}

func (h *Handler) HandleJobSubmitted(ctx *orchcontext.Context, event model.JobSubmittedEvent) error {
	params, err := decodeParameters(event.ParametersJson)
	if err != nil {
		return err
	}
	outputs, err := h.outputs(ctx, event.JobId, params)
	if err != nil {
		return err
	}
	products, err := h.env.LoadProducts(ctx, params.InputProducts)
	if err != nil {
		return err
	}
	groups := groupByDate(products)

	graphGroups := make([]taskgraph.Group, len(groups))
	for i, group := range groups {
		if len(group.tiles()) == 0 {
			return taskgraph.MissingInputError("the products of acquisition %s have no tiles", group.key)
		}
		graphGroups[i] = taskgraph.Group{Key: group.key, Outputs: outputs}
	}
	b := taskgraph.NewBuilder()
	layout, err := h.pipeline().Build(b, graphGroups)
	if err != nil {
		return err
	}
	graph, err := b.Commit(ctx, h.env.Store, h.env.JobDir(h.processor, event.JobId))
	if err != nil {
		return err
	}
	steps := h.steps(graph, layout, groups, event.SiteId)
	ctx.Log.Infof("Created %d tasks and %d steps for %d acquisition dates", len(graph.Tasks()), steps.Len(), len(groups))
	return steps.Submit(ctx, h.env.Store, graph)
}

func (h *Handler) steps(graph *taskgraph.Graph, layout *taskgraph.Layout, groups []inputGroup, siteId int) *taskgraph.Steps {
	steps := &taskgraph.Steps{}
	for i, gl := range layout.Groups {
		group := groups[i]
		pre := graph.Task(gl.Preprocessing)
		for _, product := range group.products {
			for _, tile := range product.Tiles {
				steps.Add(pre, fmt.Sprintf("%s-%s", pre.Module, tile),
					"-in", product.FullPath, "-tile", tile, "-out", pre.Dir.File(tile+".tif"))
			}
		}
		for _, output := range gl.Group.Outputs {
			previous := pre
			for _, ref := range gl.Chains[output] {
				task := graph.Task(ref)
				for _, tile := range group.tiles() {
					steps.Add(task, fmt.Sprintf("%s-%s", task.Module, tile),
						"-index", strings.ToLower(output),
						"-flags", pre.Dir.File(tile+".tif"),
						"-in", previous.Dir.File(tile+".tif"),
						"-out", task.Dir.File(tile+".tif"))
				}
				previous = task
			}
		}
	}

	for _, unit := range layout.Units {
		unitGroups := make([]inputGroup, len(unit.Groups))
		args := []string{}
		var tempDirs []string
		for i, g := range unit.Groups {
			unitGroups[i] = groups[g]
			gl := layout.Groups[g]
			tempDirs = append(tempDirs, graph.Task(gl.Preprocessing).Dir.Path())
			for _, output := range gl.Group.Outputs {
				chain := gl.Chains[output]
				for _, ref := range chain {
					tempDirs = append(tempDirs, graph.Task(ref).Dir.Path())
				}
				args = append(args, "-input", fmt.Sprintf("%s:%s:%s", gl.Group.Key, output, graph.Task(chain[len(chain)-1]).Dir.Path()))
			}
		}
		formatter := graph.Task(unit.Convergence)
		name := productName(siteId, graph.JobDir().JobId(), unitGroups)
		args = append([]string{"-name", name, "-out", filepath.Join(h.siteDir(siteId), name)}, args...)
		steps.Add(formatter, formatter.Module, args...)
		if unit.Cleanup != taskgraph.NoTask {
			cleanup := graph.Task(unit.Cleanup)
			steps.Add(cleanup, cleanup.Module, append([]string{"-dirs"}, tempDirs...)...)
		}
	}

	endOfJob := graph.Task(layout.EndOfJob)
	steps.Add(endOfJob, endOfJob.Module, "-job", strconv.Itoa(graph.JobDir().JobId()))
	return steps
}

func (h *Handler) HandleTaskFinished(ctx *orchcontext.Context, event model.TaskFinishedEvent) error {
	switch event.Module {
	case moduleProductFormatter:
		return h.registerProduct(ctx, event)
	case moduleEndOfJob:
		return h.env.FinishJob(ctx, h.processor, event.JobId)
	}
	return nil
}

// registerProduct records the product written by a formatter task, unless a redelivered event already did.
func (h *Handler) registerProduct(ctx *orchcontext.Context, event model.TaskFinishedEvent) error {
	task, err := h.env.Store.GetTask(ctx, event.TaskId)
	if err != nil {
		return err
	}
	var taskParams taskgraph.TaskParameters
	if task.ParametersJson != "" {
		if err := json.Unmarshal([]byte(task.ParametersJson), &taskParams); err != nil {
			return errors.Wrapf(err, "malformed parameters of task %d", task.Id)
		}
	}
	job, err := h.env.Store.GetJob(ctx, event.JobId)
	if err != nil {
		return err
	}
	params, err := decodeParameters([]byte(job.ParametersJson))
	if err != nil {
		return err
	}
	products, err := h.env.LoadProducts(ctx, params.InputProducts)
	if err != nil {
		return err
	}
	var groups []inputGroup
	for _, group := range groupByDate(products) {
		if taskParams.Group == "" || taskParams.Group == group.key {
			groups = append(groups, group)
		}
	}
	if len(groups) == 0 {
		return errors.Errorf("formatter task %d has no input group %q", task.Id, taskParams.Group)
	}

	name := productName(job.SiteId, job.Id, groups)
	product := model.NewProduct{
		ProductType: model.ProductTypeLai,
		ProcessorId: h.processor.Id,
		SiteId:      job.SiteId,
		JobId:       job.Id,
		Name:        name,
		FullPath:    filepath.Join(h.siteDir(job.SiteId), name),
		Created:     h.env.Clock.Now(),
	}
	for _, group := range groups {
		for _, input := range group.products {
			product.SourceProductIds = append(product.SourceProductIds, input.Id)
		}
		for _, tile := range group.tiles() {
			if !slices.Contains(product.Tiles, tile) {
				product.Tiles = append(product.Tiles, tile)
			}
		}
	}
	_, err = h.env.RegisterProduct(ctx, product, job.SubmitTimestamp)
	return err
}

func (h *Handler) HandleProductAvailable(ctx *orchcontext.Context, event model.ProductAvailableEvent) error {
	ctx.Log.Debugf("Product %d will be considered by the next scheduled run", event.ProductId)
	return nil
}

// GetProcessingDefinition reserves the season's unprocessed acquisitions for the job.
func (h *Handler) GetProcessingDefinition(ctx *orchcontext.Context, request processor.DefinitionRequest) (processor.ProcessingDefinition, error) {
	if request.Overrides[CustomModeKey] == "1" {
		return processor.CustomDefinition(), nil
	}
	to := request.SeasonEnd
	if request.ScheduledDate.Before(to) {
		to = request.ScheduledDate
	}
	if !to.After(request.SeasonStart) {
		return processor.NotReadyDefinition(), nil
	}
	candidates, err := h.env.Store.GetProducts(ctx, model.ProductQuery{
		SiteId:            request.SiteId,
		ProductType:       model.ProductTypeL2A,
		From:              request.SeasonStart,
		To:                to,
		OutputProcessorId: request.ProcessorId,
	})
	if err != nil {
		return processor.ProcessingDefinition{}, err
	}
	activeJobIds, err := h.env.Store.GetActiveJobIds(ctx, request.ProcessorId, request.SiteId)
	if err != nil {
		return processor.ProcessingDefinition{}, err
	}

	var unprocessed []string
	produced := make(map[string]bool)
	ids := make(map[string]int, len(candidates))
	for _, candidate := range candidates {
		ids[candidate.Name] = candidate.Id
		if candidate.Processed {
			produced[candidate.Name] = true
		} else {
			unprocessed = append(unprocessed, candidate.Name)
		}
	}

	reserved, err := h.env.Ledger.Reserve(ctx, ledger.Request{
		Scope: ledger.Scope{
			OutputDir: h.siteDir(request.SiteId),
			Sharding:  h.config.LedgerSharding,
			Year:      request.SeasonStart.Year(),
		},
		JobId:        request.JobId,
		Candidates:   unprocessed,
		Produced:     produced,
		ActiveJobIds: activeJobIds,
	})
	if err != nil {
		return processor.ProcessingDefinition{}, err
	}
	if len(reserved) == 0 {
		return processor.NotReadyDefinition(), nil
	}
	params := Parameters{InputProducts: make([]int, len(reserved))}
	for i, name := range reserved {
		params.InputProducts[i] = ids[name]
	}
	return processor.ReadyDefinition(params)
}

// OnStepFailed lets the job continue when tolerated and the failed step belongs to a per-tile task.
func (h *Handler) OnStepFailed(ctx *orchcontext.Context, event model.StepFailedEvent) processor.StepFailureAction {
	if !h.config.TolerateFailedTiles {
		return processor.FailJob
	}
	task, err := h.env.Store.GetTask(ctx, event.TaskId)
	if err != nil {
		ctx.Log.WithError(err).Warn("Could not load failed task")
		return processor.FailJob
	}
	switch task.Module {
	case moduleProductFormatter, moduleFilesRemover, moduleEndOfJob:
		return processor.FailJob
	}
	return processor.ContinueJob
}
