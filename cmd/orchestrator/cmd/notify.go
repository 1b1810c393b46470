package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func notifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Asks a running orchestrator to process new events now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := cmd.Flags().GetString(urlFlag)
			if err != nil {
				return err
			}
			if err := post(url, "/events/notify", nil, nil); err != nil {
				return err
			}
			log.Infof("Notified orchestrator at %s", url)
			return nil
		},
	}
	cmd.Flags().String(urlFlag, "http://localhost:8080", "Base url of the orchestrator")
	return cmd
}
