package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

func newSubmitCmd() *cobra.Command {
	var name string
	var jobs []string

	cmd := &cobra.Command{
		Use:   "submit --name <name> --job <device_id>=<source> [--job ...]",
		Short: "Submit a job group",
		Long: "Submit a job group that flashes firmware onto one or more devices together.\n" +
			"Each --job pairs a device with a source. A source naming a local file is\n" +
			"uploaded first; anything else is used as an artifact reference.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				return fmt.Errorf("at least one --job is required")
			}

			req := model.CreateJobGroupRequest{Name: name}
			for _, j := range jobs {
				deviceID, source, ok := strings.Cut(j, "=")
				if !ok || deviceID == "" || source == "" {
					return fmt.Errorf("invalid --job %q: want <device_id>=<source>", j)
				}
				ref, err := resolveSource(source)
				if err != nil {
					return err
				}
				if ref != source {
					fmt.Fprintf(out, "Uploaded %s -> %s\n", source, ref)
				}
				req.Jobs = append(req.Jobs, model.JobSpec{DeviceID: deviceID, SourceRef: ref})
			}

			resp, err := client.Post("/api/v1/job-groups/", req)
			if err != nil {
				return fmt.Errorf("create job group: %w", err)
			}
			var g model.JobGroup
			if err := resp.decode(&g); err != nil {
				return err
			}

			fmt.Fprintf(out, "Job group created: %s\n", g.ID)
			fmt.Fprintf(out, "  Status: %s\n", g.Status)
			for _, j := range g.Jobs {
				fmt.Fprintf(out, "  - %s on %s\n", j.ID, j.DeviceID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Job group name")
	cmd.Flags().StringArrayVarP(&jobs, "job", "j", nil, "Job as <device_id>=<source file or ref> (repeatable)")
	cmd.MarkFlagRequired("name")
	return cmd
}

// resolveSource uploads a local file and returns its artifact reference.
// Sources that are not local files are returned unchanged.
func resolveSource(source string) (string, error) {
	info, err := os.Stat(source)
	if err != nil || info.IsDir() {
		return source, nil
	}
	return uploadFile(source, "")
}

// uploadFile stores a local file as an artifact. An empty key places it
// under sources/<uuid>/<basename>.
func uploadFile(path, key string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if key == "" {
		key = "sources/" + uuid.New().String() + "/" + filepath.Base(path)
	}
	resp, err := client.PutRaw("/api/v1/artifacts/"+strings.TrimPrefix(key, "/"), data)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	var res struct {
		Ref string `json:"ref"`
	}
	if err := resp.decode(&res); err != nil {
		return "", err
	}
	logger.Debug("uploaded source", "path", path, "ref", res.Ref, "bytes", len(data))
	return res.Ref, nil
}

func newUploadCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a firmware source and print its reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := uploadFile(args[0], key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ref)
			return nil
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "Artifact key (default sources/<uuid>/<file name>)")
	return cmd
}
