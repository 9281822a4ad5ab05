package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

func newDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "devices",
		Aliases: []string{"dev"},
		Short:   "Manage devices",
	}
	cmd.AddCommand(
		newDevicesListCmd(),
		newDevicesCreateCmd(),
		newDevicesDeleteCmd(),
		newDevicesSetStatusCmd(),
	)
	return cmd
}

func printDevices(cmd *cobra.Command, devices []model.Device) {
	out := cmd.OutOrStdout()
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices found.")
		return
	}
	fmt.Fprintf(out, "%-40s  %-20s  %-40s  %-10s  %s\n", "ID", "NAME", "GATEWAY", "STATUS", "PORT")
	for _, d := range devices {
		fmt.Fprintf(out, "%-40s  %-20s  %-40s  %-10s  %s\n", d.ID, d.Name, d.GatewayID, d.Status, d.Port)
	}
}

func newDevicesListCmd() *cobra.Command {
	var limit, offset int
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/devices/" + listQuery(limit, offset, status))
			if err != nil {
				return fmt.Errorf("list devices: %w", err)
			}
			var devices []model.Device
			if err := resp.decode(&devices); err != nil {
				return err
			}
			printDevices(cmd, devices)
			printMore(cmd, len(devices), resp.Pagination)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of devices to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of devices to skip")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (available, busy, offline)")
	return cmd
}

func newDevicesCreateCmd() *cobra.Command {
	var gatewayID, port string

	cmd := &cobra.Command{
		Use:   "create <name> --gateway <gateway_id>",
		Short: "Attach a device to a gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/devices/", model.CreateDeviceRequest{
				Name:      args[0],
				GatewayID: gatewayID,
				Port:      port,
			})
			if err != nil {
				return fmt.Errorf("create device: %w", err)
			}
			var d model.Device
			if err := resp.decode(&d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device created: %s (%s)\n", d.ID, d.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&gatewayID, "gateway", "g", "", "Owning gateway ID")
	cmd.Flags().StringVar(&port, "port", "", "Serial port path on the gateway")
	cmd.MarkFlagRequired("gateway")
	return cmd
}

func newDevicesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <device_id>",
		Short: "Delete a device with no unfinished jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.Delete("/api/v1/devices/" + args[0]); err != nil {
				return fmt.Errorf("delete device: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s deleted\n", args[0])
			return nil
		},
	}
}

func newDevicesSetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "set-status <device_id> <available|offline>",
		Short:     "Take a device offline or bring it back",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"available", "offline"},
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Put("/api/v1/devices/"+args[0]+"/status",
				model.DeviceStatusRequest{Status: model.ResourceStatus(args[1])})
			if err != nil {
				return fmt.Errorf("set device status: %w", err)
			}
			var d model.Device
			if err := resp.decode(&d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s: %s\n", d.ID, d.Status)
			return nil
		},
	}
}
