package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"camlens/internal/camera"
)

func newDevicesCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "映像入力デバイスを列挙する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices := camera.NewLinuxMediaDevices(a.cfg.Camera.DeviceDir, logrus.NewEntry(a.logger))
			defer devices.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Camera.EnumerateTimeout)
			defer cancel()

			list, err := devices.EnumerateDevices(ctx)
			if err != nil {
				return fmt.Errorf("デバイスの列挙に失敗: %w", err)
			}
			if list == nil {
				list = []camera.DeviceInfo{}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}

			if len(list) == 0 {
				fmt.Fprintf(out, "%s にデバイスが見つかりません\n", devices.Discovery().Dir())
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tLABEL\tGROUP")
			for _, d := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.DeviceID, d.Label, d.GroupID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "JSONで出力する")
	return cmd
}
