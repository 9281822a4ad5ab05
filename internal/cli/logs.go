package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

func newLogsCmd() *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "logs <group_id>",
		Short: "Print captured device logs for a job group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/job-groups/" + args[0])
			if err != nil {
				return fmt.Errorf("get job group: %w", err)
			}
			var g model.JobGroup
			if err := resp.decode(&g); err != nil {
				return err
			}

			for _, j := range g.Jobs {
				if jobID != "" && j.ID != jobID {
					continue
				}
				if err := printJobLog(cmd, j); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&jobID, "job", "j", "", "Specific job ID")
	return cmd
}

func printJobLog(cmd *cobra.Command, j *model.Job) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "=== %s on %s (%s) ===\n", j.ID, j.DeviceID, j.Status)
	if j.Message != "" {
		fmt.Fprintf(out, "[message] %s\n", j.Message)
	}
	switch {
	case j.OutputRef == "":
		fmt.Fprintln(out, "[no log captured]")
	case strings.Contains(j.OutputRef, "://"):
		fmt.Fprintf(out, "[log stored at %s]\n", j.OutputRef)
	default:
		data, err := client.GetRaw("/api/v1/artifacts/" + j.OutputRef)
		if err != nil {
			return fmt.Errorf("fetch log for %s: %w", j.ID, err)
		}
		out.Write(data)
	}
	fmt.Fprintln(out)
	return nil
}
