package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiln-dev/kiln/internal/coord"
	"github.com/kiln-dev/kiln/internal/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Join the pool coordination group and keep sessions warm",
	Long: `Join the coordination group: race for leadership and either own the
session pools (leader) or follow the current leader. The process stays
resident until interrupted, serving requests from other kiln commands.

Example:
  kiln serve                 # join with config defaults
  kiln serve --model opus    # override the model`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	tracer, err := initTracing()
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(ctx)
	}()

	client, err := newCoordClient()
	if err != nil {
		return err
	}
	if err := client.Activate(); err != nil {
		return fmt.Errorf("joining coordination group: %w", err)
	}
	defer client.Dispose()

	fmt.Printf("kiln serving as %s (pid %d)\n", client.Role(), os.Getpid())
	fmt.Println("Press Ctrl+C to stop")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportDegraded(ctx, client)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down...\n", sig)
	return nil
}

// reportDegraded surfaces pool degradation on the terminal, wherever it was
// raised in the group.
func reportDegraded(ctx context.Context, client *coord.Client) {
	events := client.Degraded().Subscribe(ctx)
	for ev := range events {
		p := ev.Payload
		if p.Slot < 0 {
			fmt.Fprintf(os.Stderr, "warning: %s pool unavailable: %s\n", p.Pool, p.Error)
		} else {
			fmt.Fprintf(os.Stderr, "warning: %s pool slot %d degraded: %s\n", p.Pool, p.Slot, p.Error)
		}
		log.Warn(log.CatPool, "pool degraded", "pool", p.Pool, "slot", p.Slot, "error", p.Error)
	}
}
