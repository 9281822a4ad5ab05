package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <group_id>",
		Short: "Cancel a job group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Put("/api/v1/job-groups/"+id+"/cancel", nil)
			if err != nil {
				return fmt.Errorf("cancel job group: %w", err)
			}
			var g model.JobGroup
			if err := resp.decode(&g); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job group %s: %s\n", g.ID, g.Status)
			for _, j := range g.Jobs {
				fmt.Fprintf(out, "  - %s on %s: %s\n", j.ID, j.DeviceID, j.Status)
			}
			return nil
		},
	}
}
