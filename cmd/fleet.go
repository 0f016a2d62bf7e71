package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tozahudud/patrol/app"
)

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Fleet related commands",
}

var fleetLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List vehicles held by the configured store",
	RunE:  runFleetLs,
}

var fleetBinsCmd = &cobra.Command{
	Use:   "bins",
	Short: "List bins held by the configured store",
	RunE:  runFleetBins,
}

func init() {
	fleetCmd.AddCommand(fleetLsCmd, fleetBinsCmd)
	rootCmd.AddCommand(fleetCmd)
}

func runFleetLs(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	vehicles, err := st.ListVehicles(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tTARGET\tPOSITION\tCLEANED")
	for _, v := range vehicles {
		target := v.TargetBinID
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.5f,%.5f\t%d\n", v.ID, v.State, target, v.Position.Lat, v.Position.Lon, v.CleanedCount)
	}
	return w.Flush()
}

func runFleetBins(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bins, err := st.ListBins(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFILL\tSTATUS\tCLEANED\tNAME")
	for _, b := range bins {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", b.ID, b.FillLevel, b.Status(), b.CleanedCount, b.Name)
	}
	return w.Flush()
}
