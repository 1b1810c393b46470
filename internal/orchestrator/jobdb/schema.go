package jobdb

import (
	"github.com/hashicorp/go-memdb"

	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
)

const (
	eventsTable     = "events"
	jobsTable       = "jobs"
	configTable     = "config"
	tasksTable      = "tasks"
	stepsTable      = "steps"
	productsTable   = "products"
	provenanceTable = "provenance"

	idIndex        = "id"        // primary key
	completedIndex = "completed" // events by whether their processing has completed
	siteIndex      = "site"      // jobs by processor and site, products by site and type
	jobIndex       = "job"       // tasks and config entries by job
	taskIndex      = "task"      // steps by task
	parentIndex    = "parent"    // provenance by parent product
)

// configEntry is a single job configuration parameter.
type configEntry struct {
	JobId int
	Key   string
	Value string
}

// provenanceEntry records that Product was made from Parent.
type provenanceEntry struct {
	ProductId int
	ParentId  int
}

func intIndex(field string) *memdb.IntFieldIndex {
	return &memdb.IntFieldIndex{Field: field}
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			eventsTable: {
				Name: eventsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {Name: idIndex, Unique: true, Indexer: intIndex("Id")},
					completedIndex: {
						Name: completedIndex,
						Indexer: &memdb.ConditionalIndex{
							Conditional: func(obj interface{}) (bool, error) {
								return obj.(*model.Event).ProcessingCompletedTimestamp != nil, nil
							},
						},
					},
				},
			},
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {Name: idIndex, Unique: true, Indexer: intIndex("Id")},
					siteIndex: {
						Name:    siteIndex,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{intIndex("ProcessorId"), intIndex("SiteId")}},
					},
				},
			},
			configTable: {
				Name: configTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{intIndex("JobId"), &memdb.StringFieldIndex{Field: "Key"}}},
					},
					jobIndex: {Name: jobIndex, Indexer: intIndex("JobId")},
				},
			},
			tasksTable: {
				Name: tasksTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex:  {Name: idIndex, Unique: true, Indexer: intIndex("Id")},
					jobIndex: {Name: jobIndex, Indexer: intIndex("JobId")},
				},
			},
			stepsTable: {
				Name: stepsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{intIndex("TaskId"), &memdb.StringFieldIndex{Field: "Name"}}},
					},
					taskIndex: {Name: taskIndex, Indexer: intIndex("TaskId")},
				},
			},
			productsTable: {
				Name: productsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {Name: idIndex, Unique: true, Indexer: intIndex("Id")},
					siteIndex: {
						Name:    siteIndex,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{intIndex("SiteId"), intIndex("ProductType")}},
					},
				},
			},
			provenanceTable: {
				Name: provenanceTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{intIndex("ProductId"), intIndex("ParentId")}},
					},
					parentIndex: {Name: parentIndex, Indexer: intIndex("ParentId")},
				},
			},
		},
	}
}
