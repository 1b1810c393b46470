// Package composite produces cloud free surface reflectance composites. Inputs are folded into the composite one
// after the other, so the task graph is a single chain.
package composite

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"golang.org/x/exp/slices"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
	"github.com/G-Research/imagery-orchestrator/internal/common/orcherrors"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/processor"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/taskgraph"
)

const (
	modulePreprocessing    = "composite-preprocessing"
	moduleWeighting        = "composite-weighting"
	moduleUpdate           = "composite-update"
	moduleProductFormatter = "product-formatter"
	moduleEndOfJob         = "end-of-job"
)

const dateLayout = "2006-01-02"

type Config struct {
	// SynthesisDays is the number of days before the synthesis date whose acquisitions make up a composite.
	SynthesisDays   int    `validate:"min=1"`
	OutputDirectory string `validate:"required"`
}

type Parameters struct {
	InputProducts []int  `json:"input_products"`
	SynthesisDate string `json:"synthesis_date,omitempty"`
}

type Handler struct {
	processor processor.Processor
	env       *processor.Environment
	config    Config
}

var _ processor.Handler = &Handler{}

func NewHandler(p processor.Processor, env *processor.Environment, config Config) *Handler {
	return &Handler{processor: p, env: env, config: config}
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

// loadInputs returns the job's inputs, oldest first.
func (h *Handler) loadInputs(ctx *orchcontext.Context, params Parameters) ([]model.Product, error) {
	products, err := h.env.LoadProducts(ctx, params.InputProducts)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(products, func(i, j int) bool { return products[i].Created.Before(products[j].Created) })
	return products, nil
}

func (h *Handler) productName(siteId int, jobId int, params Parameters) string {
	return fmt.Sprintf("L3A_S%d_J%d_%s", siteId, jobId, params.SynthesisDate)
}

func (h *Handler) HandleJobSubmitted(ctx *orchcontext.Context, event model.JobSubmittedEvent) error {
	params, err := decodeParameters(event.ParametersJson)
	if err != nil {
		return err
	}
	products, err := h.loadInputs(ctx, params)
	if err != nil {
		return err
	}
	if len(products) == 0 {
		return taskgraph.EmptyJobError("no input products for the composite of %s", params.SynthesisDate)
	}

	b := taskgraph.NewBuilder()
	type inputRefs struct {
		preprocessing taskgraph.TaskRef
		weighting     taskgraph.TaskRef
		update        taskgraph.TaskRef
	}
	refs := make([]inputRefs, len(products))
	previous := taskgraph.NoTask
	for i := range products {
		r := inputRefs{preprocessing: b.Add(modulePreprocessing)}
		r.weighting = b.Add(moduleWeighting, r.preprocessing)
		if previous == taskgraph.NoTask {
			r.update = b.Add(moduleUpdate, r.weighting)
		} else {
			r.update = b.Add(moduleUpdate, r.weighting, previous)
		}
		previous = r.update
		refs[i] = r
	}
	formatterRef := b.Add(moduleProductFormatter, previous)
	endOfJobRef := b.Add(moduleEndOfJob, formatterRef)

	graph, err := b.Commit(ctx, h.env.Store, h.env.JobDir(h.processor, event.JobId))
	if err != nil {
		return err
	}

	steps := &taskgraph.Steps{}
	var previousUpdate *taskgraph.Task
	for i, product := range products {
		pre := graph.Task(refs[i].preprocessing)
		weighting := graph.Task(refs[i].weighting)
		update := graph.Task(refs[i].update)
		steps.Add(pre, pre.Module, "-in", product.FullPath, "-out", pre.Dir.Path())
		steps.Add(weighting, weighting.Module, "-in", pre.Dir.Path(), "-out", weighting.Dir.File("weights.tif"))
		args := []string{"-in", pre.Dir.Path(), "-weights", weighting.Dir.File("weights.tif"), "-out", update.Dir.Path()}
		if previousUpdate != nil {
			args = append(args, "-prev", previousUpdate.Dir.Path())
		}
		steps.Add(update, update.Module, args...)
		previousUpdate = &update
	}
	name := h.productName(event.SiteId, event.JobId, params)
	formatter := graph.Task(formatterRef)
	steps.Add(formatter, formatter.Module,
		"-name", name,
		"-in", previousUpdate.Dir.Path(),
		"-out", filepath.Join(h.config.OutputDirectory, strconv.Itoa(event.SiteId), name))
	endOfJob := graph.Task(endOfJobRef)
	steps.Add(endOfJob, endOfJob.Module, "-job", strconv.Itoa(event.JobId))

	ctx.Log.Infof("Created composite chain of %d inputs", len(products))
	return steps.Submit(ctx, h.env.Store, graph)
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

func (h *Handler) registerProduct(ctx *orchcontext.Context, event model.TaskFinishedEvent) error {
	job, err := h.env.Store.GetJob(ctx, event.JobId)
	if err != nil {
		return err
	}
	params, err := decodeParameters([]byte(job.ParametersJson))
	if err != nil {
		return err
	}
	inputs, err := h.loadInputs(ctx, params)
	if err != nil {
		return err
	}
	name := h.productName(job.SiteId, job.Id, params)
	product := model.NewProduct{
		ProductType: model.ProductTypeComposite,
		ProcessorId: h.processor.Id,
		SiteId:      job.SiteId,
		JobId:       job.Id,
		Name:        name,
		FullPath:    filepath.Join(h.config.OutputDirectory, strconv.Itoa(job.SiteId), name),
		Created:     h.env.Clock.Now(),
	}
	for _, input := range inputs {
		product.SourceProductIds = append(product.SourceProductIds, input.Id)
		for _, tile := range input.Tiles {
			if !slices.Contains(product.Tiles, tile) {
				product.Tiles = append(product.Tiles, tile)
			}
		}
	}
	_, err = h.env.RegisterProduct(ctx, product, job.SubmitTimestamp)
	return err
}

func (h *Handler) HandleProductAvailable(*orchcontext.Context, model.ProductAvailableEvent) error {
	return nil
}

// GetProcessingDefinition selects the acquisitions of the synthesis window ending on the scheduled date.
func (h *Handler) GetProcessingDefinition(ctx *orchcontext.Context, request processor.DefinitionRequest) (processor.ProcessingDefinition, error) {
	synthesisDate := request.ScheduledDate.UTC()
	if synthesisDate.Before(request.SeasonStart) || synthesisDate.After(request.SeasonEnd) {
		return processor.NotReadyDefinition(), nil
	}
	from := synthesisDate.AddDate(0, 0, -h.config.SynthesisDays)
	if from.Before(request.SeasonStart) {
		from = request.SeasonStart
	}
	candidates, err := h.env.Store.GetProducts(ctx, model.ProductQuery{
		SiteId:      request.SiteId,
		ProductType: model.ProductTypeL2A,
		From:        from,
		To:          synthesisDate,
	})
	if err != nil {
		return processor.ProcessingDefinition{}, err
	}
	if len(candidates) == 0 {
		ctx.Log.Infof("No acquisitions between %s and %s", from.Format(dateLayout), synthesisDate.Format(dateLayout))
		return processor.NotReadyDefinition(), nil
	}
	params := Parameters{SynthesisDate: synthesisDate.Format(dateLayout)}
	for _, candidate := range candidates {
		params.InputProducts = append(params.InputProducts, candidate.Id)
	}
	return processor.ReadyDefinition(params)
}

