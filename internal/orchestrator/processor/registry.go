package processor

import (
	"strconv"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/imagery-orchestrator/internal/common/orcherrors"
)

// Processor describes a registered pipeline.
type Processor struct {
	Id        int
	Name      string
	ShortName string
}

type registration struct {
	processor Processor
	handler   Handler
}

// Registry maps processor ids to their handlers.
type Registry struct {
	registrations map[int]registration
}

func NewRegistry() *Registry {
	return &Registry{registrations: make(map[int]registration)}
}

func (r *Registry) Register(processor Processor, handler Handler) error {
	if _, ok := r.registrations[processor.Id]; ok {
		return &orcherrors.ErrAlreadyExists{Type: "processor", Value: strconv.Itoa(processor.Id)}
	}
	r.registrations[processor.Id] = registration{processor: processor, handler: handler}
	return nil
}

func (r *Registry) Get(processorId int) (Handler, error) {
	reg, ok := r.registrations[processorId]
	if !ok {
		return nil, &orcherrors.ErrNotFound{Type: "processor", Value: strconv.Itoa(processorId)}
	}
	return reg.handler, nil
}

func (r *Registry) Processor(processorId int) (Processor, bool) {
	reg, ok := r.registrations[processorId]
	return reg.processor, ok
}

// Ids returns the registered processor ids in ascending order.
func (r *Registry) Ids() []int {
	ids := maps.Keys(r.registrations)
	slices.Sort(ids)
	return ids
}

// Handlers returns every handler, ordered by processor id.
func (r *Registry) Handlers() []Handler {
	ids := r.Ids()
	handlers := make([]Handler, len(ids))
	for i, id := range ids {
		handlers[i] = r.registrations[id].handler
	}
	return handlers
}
