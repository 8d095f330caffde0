// Command restsyncctl inspects and manipulates a queue database from
// the shell: list and count pending requests, cancel one by id, or
// drain the queue against the live network.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/restsync/restsync/internal/events"
	"github.com/restsync/restsync/internal/netmon"
	"github.com/restsync/restsync/internal/queue"
	"github.com/restsync/restsync/internal/store"
	enginepkg "github.com/restsync/restsync/internal/sync"
)

type rootOptions struct {
	DataDir string
	DBName  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "restsyncctl",
		Short:         "Inspect and drain an offline request queue database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "./data", "directory containing the queue database")
	cmd.PersistentFlags().StringVar(&opts.DBName, "db-name", store.DefaultDBName, "database name (without extension)")

	cmd.AddCommand(
		newListCommand(opts),
		newCountCommand(opts),
		newCancelCommand(opts),
		newDrainCommand(opts),
	)
	return cmd
}

// withQueue opens the database, builds a manager over it, runs fn, and
// closes everything again.
func withQueue(opts *rootOptions, fn func(ctx context.Context, mgr *queue.Manager, bus *events.Bus) error) error {
	ctx := context.Background()

	st, err := store.Open(opts.DataDir, opts.DBName)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.NewBus()
	mgr, err := queue.NewManager(ctx, st, bus)
	if err != nil {
		return err
	}
	return fn(ctx, mgr, bus)
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending requests in replay order within each class",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, func(ctx context.Context, mgr *queue.Manager, _ *events.Bus) error {
				items, err := mgr.ListAll(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			})
		},
	}
}

func newCountCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of pending requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, func(ctx context.Context, mgr *queue.Manager, _ *events.Bus) error {
				fmt.Fprintln(cmd.OutOrStdout(), mgr.Size())
				return nil
			})
		},
	}
}

func newCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Remove a pending request by its queue identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, func(ctx context.Context, mgr *queue.Manager, _ *events.Bus) error {
				removed, err := mgr.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("no pending request with id %q", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
				return nil
			})
		},
	}
}

func newDrainCommand(opts *rootOptions) *cobra.Command {
	var (
		timeout    time.Duration
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay pending requests against the live network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, func(ctx context.Context, mgr *queue.Manager, bus *events.Bus) error {
				monitor := netmon.NewMonitor(netmon.Options{InitialReachable: true})
				engine := enginepkg.NewEngine(mgr, monitor, bus, enginepkg.Config{
					MaxRetries: maxRetries,
					Client:     &http.Client{Timeout: timeout},
				})
				defer engine.Close()

				done := 0
				failed := 0
				bus.On(events.EventRequestSuccess, func(any) { done++ })
				bus.On(events.EventRequestError, func(any) { failed++ })

				engine.StartSync(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %d, failed %d, remaining %d\n",
					done, failed, mgr.Size())
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "request-timeout", 30*time.Second, "per-request timeout")
	cmd.Flags().IntVar(&maxRetries, "max-retries", enginepkg.DefaultMaxRetries, "transient retry budget per request")
	return cmd
}
