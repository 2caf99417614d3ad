// Package main provides tripctl, a command line client for the freight trips
// API. Mutating commands go through the action guard, so repeated invocations
// inside the cooldown are dropped and transient failures are retried.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/client"
	"github.com/example/freight-trips/internal/guard"
)

type globals struct {
	apiURL  string
	token   string
	retries uint64
	quiet   bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "tripctl",
		Short: "Drive freight trips from the command line",
		Long: `tripctl talks to the freight trips API.

Examples:
  tripctl trip job-1 driver-1                   # Show trip progress
  tripctl advance job-1 driver-1 LOADING        # Move a trip forward
  tripctl location job-1 --lat 52.1 --lng 4.3   # Send a location ping
  tripctl release job-1 driver-1 --reason late  # Release a driver`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&g.apiURL, "api-url", envOr("TRIPCTL_API_URL", "http://localhost:8080"), "API base URL (env TRIPCTL_API_URL)")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("TRIPCTL_TOKEN"), "bearer token (env TRIPCTL_TOKEN)")
	root.PersistentFlags().Uint64Var(&g.retries, "retries", guard.DefaultOptions().MaxRetries, "retries for transient failures")
	root.PersistentFlags().BoolVarP(&g.quiet, "quiet", "q", false, "do not print retry progress")

	root.AddCommand(
		tripCmd(g), advanceCmd(g), releaseCmd(g), withdrawCmd(g),
		locationCmd(g), incidentCmd(g), incidentsCmd(g),
		postJobCmd(g), jobCmd(g), acceptCmd(g), proposeCmd(g), approveCmd(g), checkinCmd(g),
	)
	return root
}

// client builds an API client whose guard reports retries on stderr.
func (g *globals) client(cmd *cobra.Command) (*client.Client, error) {
	opts := guard.DefaultOptions()
	opts.MaxRetries = g.retries
	if !g.quiet {
		errOut := cmd.ErrOrStderr()
		opts.OnRetry = func(actionID string, attempt int, err error, wait time.Duration) {
			fmt.Fprintf(errOut, "retrying %s (attempt %d) in %s: %v\n", actionID, attempt, wait.Round(time.Millisecond), err)
		}
	}
	return client.New(g.apiURL, g.token, guard.New(nil, opts))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// exitCode maps an error to a process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case guard.Dropped(err):
		return 3
	case apperr.Retryable(err):
		return 2
	default:
		return 1
	}
}

func main() {
	err := newRootCmd(os.Stdout, os.Stderr).Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
	}
	os.Exit(exitCode(err))
}
