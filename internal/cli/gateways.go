package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

func newGatewaysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "gateways",
		Aliases: []string{"gw"},
		Short:   "Manage gateways",
	}
	cmd.AddCommand(newGatewaysListCmd(), newGatewaysCreateCmd(), newGatewaysRegisterCmd(), newGatewaysDevicesCmd())
	return cmd
}

func newGatewaysListCmd() *cobra.Command {
	var limit, offset int
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List gateways",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			resp, err := client.Get("/api/v1/gateways/" + listQuery(limit, offset, status))
			if err != nil {
				return fmt.Errorf("list gateways: %w", err)
			}
			var gateways []model.Gateway
			if err := resp.decode(&gateways); err != nil {
				return err
			}
			if len(gateways) == 0 {
				fmt.Fprintln(out, "No gateways found.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-20s  %-10s  %-10s  %s\n", "ID", "NAME", "VERIFIED", "STATUS", "LAST SEEN")
			for _, g := range gateways {
				lastSeen := "-"
				if g.LastSeen != nil {
					lastSeen = g.LastSeen.Format(timeLayout)
				}
				fmt.Fprintf(out, "%-40s  %-20s  %-10s  %-10s  %s\n", g.ID, g.Name, g.Verification, g.Status, lastSeen)
			}
			printMore(cmd, len(gateways), resp.Pagination)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of gateways to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of gateways to skip")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	return cmd
}

func newGatewaysCreateCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a gateway and print its one-time token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/gateways/", model.CreateGatewayRequest{Name: args[0], Address: address})
			if err != nil {
				return fmt.Errorf("create gateway: %w", err)
			}
			var created model.CreateGatewayResponse
			if err := resp.decode(&created); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Gateway created: %s\n", created.Gateway.ID)
			fmt.Fprintf(out, "  Name:  %s\n", created.Gateway.Name)
			fmt.Fprintf(out, "  Token: %s\n", created.Token)
			fmt.Fprintln(out, "Store the token now; it cannot be shown again.")
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "Gateway network address")
	return cmd
}

func newGatewaysRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <name> <token>",
		Short: "Verify a gateway with its token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/gateways/register", model.RegisterGatewayRequest{Name: args[0], Token: args[1]})
			if err != nil {
				return fmt.Errorf("register gateway: %w", err)
			}
			var gw model.Gateway
			if err := resp.decode(&gw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Gateway %s (%s): %s\n", gw.Name, gw.ID, gw.Verification)
			return nil
		},
	}
}

func newGatewaysDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices <gateway_id>",
		Short: "List the devices attached to a gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/gateways/" + args[0] + "/devices")
			if err != nil {
				return fmt.Errorf("list gateway devices: %w", err)
			}
			var devices []model.Device
			if err := resp.decode(&devices); err != nil {
				return err
			}
			printDevices(cmd, devices)
			return nil
		},
	}
}
