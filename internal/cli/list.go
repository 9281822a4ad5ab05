package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

const timeLayout = "2006-01-02 15:04:05"

// listQuery builds the pagination and filter query string shared by list commands.
func listQuery(limit, offset int, status string) string {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if status != "" {
		q.Set("status", status)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func printMore(cmd *cobra.Command, shown int, p *model.Pagination) {
	if p != nil && p.HasMore {
		fmt.Fprintf(cmd.OutOrStdout(), "\n(%d of %d shown)\n", shown, p.Total)
	}
}

func newListCmd() *cobra.Command {
	var limit, offset int
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			resp, err := client.Get("/api/v1/job-groups/" + listQuery(limit, offset, status))
			if err != nil {
				return fmt.Errorf("list job groups: %w", err)
			}
			var groups []model.JobGroup
			if err := resp.decode(&groups); err != nil {
				return err
			}

			if len(groups) == 0 {
				fmt.Fprintln(out, "No job groups found.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-10s  %-20s  %-12s  %s\n", "ID", "STATUS", "NAME", "OWNER", "CREATED")
			fmt.Fprintf(out, "%-40s  %-10s  %-20s  %-12s  %s\n", "----", "------", "----", "-----", "-------")
			for _, g := range groups {
				fmt.Fprintf(out, "%-40s  %-10s  %-20s  %-12s  %s\n", g.ID, g.Status, g.Name, g.Owner, g.CreatedAt.Format(timeLayout))
			}
			printMore(cmd, len(groups), resp.Pagination)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of groups to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of groups to skip")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	return cmd
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show pending job groups and whether their devices are ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			resp, err := client.Get("/api/v1/job-groups/queue")
			if err != nil {
				return fmt.Errorf("get queue: %w", err)
			}
			var entries []model.QueueEntry
			if err := resp.decode(&entries); err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Fprintln(out, "Queue is empty.")
				return nil
			}
			for i, e := range entries {
				ready := "waiting"
				if e.ReadyToRun {
					ready = "ready"
				}
				fmt.Fprintf(out, "%d. %s (%s) %s\n", i+1, e.Group.ID, e.Group.Name, ready)
				for _, d := range e.Devices {
					fmt.Fprintf(out, "     %s (%s): %s\n", d.ID, d.Name, d.Status)
				}
			}
			return nil
		},
	}
}
