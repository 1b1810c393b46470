package cmd

import (
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/server"
)

func submitJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submitJob",
		Short: "Submits a job to a running orchestrator",
		Args:  cobra.NoArgs,
		RunE:  submitJob,
	}
	cmd.Flags().String(urlFlag, "http://localhost:8080", "Base url of the orchestrator")
	cmd.Flags().String("name", "", "Name of the job")
	cmd.Flags().Int("processorId", 0, "Id of the processor running the job")
	cmd.Flags().Int("siteId", 0, "Id of the site the job runs for")
	cmd.Flags().String("parameters", "{}", "Job parameters as a JSON object")
	cmd.Flags().StringToString("set", map[string]string{}, "Job configuration parameters, e.g. --set processor.lai.outputs=NDVI")
	for _, required := range []string{"processorId", "siteId"} {
		if err := cmd.MarkFlagRequired(required); err != nil {
			panic(err)
		}
	}
	return cmd
}

func submitJob(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	url, _ := flags.GetString(urlFlag)
	name, _ := flags.GetString("name")
	processorId, _ := flags.GetInt("processorId")
	siteId, _ := flags.GetInt("siteId")
	parameters, _ := flags.GetString("parameters")
	configuration, _ := flags.GetStringToString("set")
	if !json.Valid([]byte(parameters)) {
		return errors.Errorf("parameters %q are not valid JSON", parameters)
	}

	var response server.SubmitJobResponse
	err := post(url, "/jobs", server.SubmitJobRequest{
		Name:          name,
		ProcessorId:   processorId,
		SiteId:        siteId,
		Parameters:    json.RawMessage(parameters),
		Configuration: configuration,
	}, &response)
	if err != nil {
		return err
	}
	log.Infof("Submitted job %d", response.JobId)
	return nil
}
