package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kiln-dev/kiln/internal/coord"
)

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool and coordination diagnostics",
	Long: `Print a snapshot of the coordination group: who leads, each pool's
slots with their states and reuse counts, and aggregate counters. The
snapshot is a pure read and returns even while every slot is busy.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "text",
		"output format: text, json, or yaml")
}

func runStatus(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	client, err := newCoordClient()
	if err != nil {
		return err
	}
	if err := client.Activate(); err != nil {
		return fmt.Errorf("joining coordination group: %w", err)
	}
	defer client.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := client.GetPoolStatus(ctx)
	if err != nil {
		return fmt.Errorf("status request: %w", err)
	}

	switch statusFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(status)
	case "text":
		printStatusText(status, client.Role().String())
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text, json, or yaml)", statusFormat)
	}
}

func printStatusText(status *coord.StatusResult, role string) {
	fmt.Printf("role: %s  leader pid: %d\n", role, status.LeaderPID)
	for _, p := range status.Pools {
		fmt.Printf("\n%s pool (up %s)", p.Label, p.Uptime)
		if p.Unavailable {
			fmt.Print("  UNAVAILABLE")
		}
		fmt.Println()
		for _, s := range p.Slots {
			ref := s.SessionID
			if ref == "" {
				ref = "-"
			}
			fmt.Printf("  slot %d: %-12s reuses=%-3d session=%s\n",
				s.Index, s.State, s.RequestCount, ref)
		}
		fmt.Printf("  served=%d recycles=%d tokens=%d cost=$%.4f\n",
			p.TotalServed, p.TotalRecycle, p.TotalTokens, p.TotalCostUSD)
	}
}
