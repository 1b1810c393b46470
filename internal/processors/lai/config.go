package lai

import (
	"strings"

	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/ledger"
)

const (
	OutputNdvi   = "NDVI"
	OutputLai    = "LAI"
	OutputFapar  = "FAPAR"
	OutputFcover = "FCOVER"
)

var AllOutputs = []string{OutputNdvi, OutputLai, OutputFapar, OutputFcover}

// OutputsKey is the job configuration key overriding the produced outputs, as a comma separated list.
const OutputsKey = "processor.lai.outputs"

type Config struct {
	// Outputs enabled by default. Empty means all of them.
	Outputs []string `validate:"dive,oneof=NDVI LAI FAPAR FCOVER"`
	// ChainGroups runs the acquisition dates of a job one after the other.
	ChainGroups bool
	// RemoveTempFiles adds a cleanup task after each product formatter.
	RemoveTempFiles bool
	// SplitProducts makes one product per acquisition date instead of one per job.
	SplitProducts bool
	// TolerateFailedTiles keeps a job running when a per-tile step fails.
	TolerateFailedTiles bool
	// LedgerSharding selects one reservation ledger per site or per site and year.
	LedgerSharding ledger.Sharding
	// OutputDirectory holds one directory per site, with the products and the reservation ledger.
	OutputDirectory string `validate:"required"`
}

func parseOutputs(value string) []string {
	var outputs []string
	for _, output := range strings.Split(value, ",") {
		if output = strings.ToUpper(strings.TrimSpace(output)); output != "" {
			outputs = append(outputs, output)
		}
	}
	return outputs
}
