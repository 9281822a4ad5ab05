package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <group_id>",
		Short: "Check the status of a job group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			id := args[0]

			resp, err := client.Get("/api/v1/job-groups/" + id + "/status")
			if err != nil {
				return fmt.Errorf("get job group status: %w", err)
			}
			var s model.GroupSummary
			if err := resp.decode(&s); err != nil {
				return err
			}

			fmt.Fprintf(out, "Job group: %s\n", s.GroupID)
			fmt.Fprintf(out, "  Name:    %s\n", s.Name)
			fmt.Fprintf(out, "  Status:  %s\n", s.Status)

			statuses := make([]string, 0, len(s.JobCounts))
			for st := range s.JobCounts {
				statuses = append(statuses, string(st))
			}
			sort.Strings(statuses)
			fmt.Fprintf(out, "  Jobs:   ")
			for _, st := range statuses {
				fmt.Fprintf(out, " %s=%d", st, s.JobCounts[model.Status(st)])
			}
			fmt.Fprintln(out)

			if len(s.Devices) > 0 {
				fmt.Fprintln(out, "  Devices:")
				for _, d := range s.Devices {
					fmt.Fprintf(out, "    - %s (%s): %s\n", d.ID, d.Name, d.Status)
				}
			}

			fmt.Fprintf(out, "  Created:   %s\n", s.CreatedAt.Format(timeLayout))
			if s.StartedAt != nil {
				fmt.Fprintf(out, "  Started:   %s\n", s.StartedAt.Format(timeLayout))
			}
			if s.CompletedAt != nil {
				fmt.Fprintf(out, "  Completed: %s\n", s.CompletedAt.Format(timeLayout))
			}
			return nil
		},
	}
}
