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

// cursorMarker splits stdin into prefix and suffix for fill-in-the-middle.
const cursorMarker = "<CURSOR>"

var (
	completeAnchor  string
	completeTimeout time.Duration
)

var completeCmd = &cobra.Command{
	Use:   "complete",
	Short: "Request an inline completion at the cursor",
	Long: `Read the document from stdin, split it at the ` + cursorMarker + ` marker,
and print the completion for the cursor position. Without a marker the
whole input is treated as prefix.

The anchor is the text immediately before the cursor; the model must
echo it back, which validates the reply is a true continuation. Exits
with status 1 when no completion is available (soft failure).

Example:
  printf 'func add(a, b int) int {\n\t<CURSOR>\n}' | kiln complete --anchor $'\t'`,
	RunE: runComplete,
}

func init() {
	rootCmd.AddCommand(completeCmd)

	completeCmd.Flags().StringVar(&completeAnchor, "anchor", "",
		"anchor text immediately before the cursor (default: last line of prefix)")
	completeCmd.Flags().DurationVar(&completeTimeout, "timeout", 10*time.Second,
		"how long to wait for the completion")
}

func runComplete(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	prefix, suffix, _ := strings.Cut(string(input), cursorMarker)
	anchor := completeAnchor
	if anchor == "" {
		anchor = lastLine(prefix)
	}

	client, err := newCoordClient()
	if err != nil {
		return err
	}
	if err := client.Activate(); err != nil {
		return fmt.Errorf("joining coordination group: %w", err)
	}
	defer client.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
	defer cancel()

	result, err := client.GetCompletion(ctx, coord.CompletionParams{
		Prefix: prefix,
		Suffix: suffix,
		Anchor: anchor,
	})
	if err != nil {
		return fmt.Errorf("completion request: %w", err)
	}
	if !result.OK {
		os.Exit(1)
	}
	fmt.Print(result.Text)
	return nil
}

func lastLine(s string) string {
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
