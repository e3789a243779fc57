package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiln-dev/kiln/internal/coord"
)

var promptTimeout time.Duration

var promptCmd = &cobra.Command{
	Use:   "prompt [message]",
	Short: "Send a command-style prompt to the warm session",
	Long: `Send one prompt through the command pool and print the reply. The
message comes from the arguments, or from stdin when no arguments are
given. Exits with status 1 when the exchange fails or times out.

Example:
  kiln prompt "explain the error in main.go"
  git diff | kiln prompt`,
	Args: cobra.ArbitraryArgs,
	RunE: runPrompt,
}

func init() {
	rootCmd.AddCommand(promptCmd)

	promptCmd.Flags().DurationVar(&promptTimeout, "timeout", 0,
		"per-prompt timeout (default: command.timeout_ms from config)")
}

func runPrompt(_ *cobra.Command, args []string) error {
	cleanup, err := initLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	message := strings.Join(args, " ")
	if message == "" {
		input, rerr := io.ReadAll(os.Stdin)
		if rerr != nil {
			return fmt.Errorf("reading stdin: %w", rerr)
		}
		message = string(input)
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("empty prompt")
	}

	timeout := promptTimeout
	if timeout == 0 {
		timeout = cfg.CommandTimeout()
	}

	client, err := newCoordClient()
	if err != nil {
		return err
	}
	if err := client.Activate(); err != nil {
		return fmt.Errorf("joining coordination group: %w", err)
	}
	defer client.Dispose()

	// The outer context leaves headroom over the per-prompt timeout so the
	// pool's own timeout path reports first.
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+5*time.Second)
		defer cancel()
	}

	result, err := client.SendCommand(ctx, coord.CommandParams{
		Message:   message,
		TimeoutMs: timeout.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("prompt request: %w", err)
	}
	if !result.OK {
		fmt.Fprintln(os.Stderr, "no reply (timeout, cancellation, or context overflow)")
		os.Exit(1)
	}

	fmt.Println(result.Text)
	if result.Meta != nil && debugFlag {
		fmt.Fprintf(os.Stderr, "tokens: %d in / %d out, cost: $%.4f, duration: %s\n",
			result.Meta.InputTokens, result.Meta.OutputTokens,
			result.Meta.CostUSD, result.Meta.Duration)
	}
	return nil
}
