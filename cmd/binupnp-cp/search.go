package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"binupnp-cp/internal/controlpoint"
	"binupnp-cp/internal/store"
	"binupnp-cp/internal/transport"
)

var (
	searchDuration time.Duration
	searchJSON     bool
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search for devices and print what answered",
	Long: `search sends a discovery request on every interface, collects
descriptions for the given duration and prints the resulting registry.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(os.Stderr)
		if err != nil {
			return err
		}

		netMgr, err := transport.NewManager(cfg.transportConfig(), logger)
		if err != nil {
			return fmt.Errorf("open sockets: %w", err)
		}
		defer netMgr.Close()

		cp := controlpoint.New(cfg.controlPointConfig(), netMgr, controlpoint.NewEventBus(logger), nil, logger)
		ctx, cancel := context.WithTimeout(cmd.Context(), searchDuration)
		defer cancel()
		cp.Start(ctx)
		<-ctx.Done()
		cp.Stop()

		return printDevices(cmd.OutOrStdout(), cp.Devices(), searchJSON)
	},
}

func init() {
	searchCmd.Flags().DurationVarP(&searchDuration, "duration", "d", 5*time.Second, "how long to collect answers")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "print device records as JSON")
}

func printDevices(w io.Writer, devices []*controlpoint.Device, asJSON bool) error {
	records := make([]*store.Device, 0, len(devices))
	for _, d := range devices {
		records = append(records, store.RecordFromDevice(d))
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tMANUFACTURER\tAPPLICATION\tADDRESS\tHOPS\tSERVICES")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\n", r.ID, r.Name, r.Manufacturer, r.Application, r.AccessAddress, r.Hops, len(r.Services))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "no devices found")
	}
	return nil
}
