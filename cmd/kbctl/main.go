// Package main implements kbctl, a command-line client for the knowledged
// HTTP API.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	khttp "github.com/fyrsmithlabs/knowledged/internal/http"
)

var version = "dev"

// options are the persistent flags shared by every subcommand.
type options struct {
	server  string
	user    string
	timeout time.Duration
	json    bool
}

func (o *options) client() *client {
	return newClient(o.server, o.user, o.timeout)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "kbctl",
		Short: "CLI for knowledged retrieval and partition administration",
		Long: `kbctl is a command-line interface for the knowledged HTTP server.
It runs permission-scoped queries and manages partition indexes.

Requests are sent on behalf of --user, which the server resolves to a
department and role. Administrative commands require an admin user.`,
		Version:      version,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("KBCTL_SERVER", "http://127.0.0.1:8080"), "knowledged server URL")
	flags.StringVar(&opts.user, "user", os.Getenv("KBCTL_USER"), "user id sent as X-User-ID")
	flags.DurationVar(&opts.timeout, "timeout", 60*time.Second, "request timeout")
	flags.BoolVar(&opts.json, "json", false, "print raw JSON responses")

	root.AddCommand(
		newHealthCmd(opts),
		newQueryCmd(opts),
		newPartitionsCmd(opts),
		newRebuildCmd(opts),
		newRescanCmd(opts),
		newDeleteCmd(opts),
	)
	return root
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check knowledged server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := opts.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, resp)
			}
			fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
			fmt.Fprintf(out, "Server URL: %s\n", opts.server)
			if resp.Version != "" {
				fmt.Fprintf(out, "Version: %s\n", resp.Version)
			}
			fmt.Fprintf(out, "Provider: %s\n", resp.Provider)
			fmt.Fprintf(out, "Partitions: %d registered, %d active\n", resp.Partitions, resp.Active)
			return nil
		},
	}
}

func newQueryCmd(opts *options) *cobra.Command {
	var (
		k          int
		partitions []string
	)
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Retrieve passages the user is allowed to see",
		Long: `Retrieve the passages most similar to the query text from every
partition the user may read.

Examples:
  # Query as hannah
  kbctl --user hannah query "how many leave days do I get?"

  # Restrict to one partition and return 8 passages
  kbctl --user hannah query -k 8 --partition hr "parental leave"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := khttp.QueryRequest{Query: strings.Join(args, " "), Partitions: partitions}
			if cmd.Flags().Changed("k") {
				req.K = &k
			}
			resp, err := opts.client().Query(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, resp)
			}
			if resp.Result == nil || len(resp.Passages) == 0 {
				fmt.Fprintln(out, "No passages found.")
			} else {
				for i, p := range resp.Passages {
					fmt.Fprintf(out, "[%d] %s/%s#%d (score %.3f)\n", i+1, p.Partition, p.DocumentID, p.Chunk, p.Score)
					fmt.Fprintf(out, "    %s\n", indent(p.Text))
				}
			}
			if resp.Result != nil {
				if len(resp.Skipped) > 0 {
					fmt.Fprintf(out, "Skipped (no index): %s\n", strings.Join(resp.Skipped, ", "))
				}
				if resp.Incomplete {
					fmt.Fprintf(out, "Warning: results incomplete, failed partitions: %s\n", formatFailures(resp.Failed))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 4, "number of passages to return")
	cmd.Flags().StringSliceVar(&partitions, "partition", nil, "restrict the query to these partitions")
	return cmd
}

func newPartitionsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "List partitions and their index state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := opts.client().Partitions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, resp)
			}
			if len(resp.Partitions) == 0 {
				fmt.Fprintln(out, "No partitions.")
				return nil
			}
			fmt.Fprintf(out, "%-20s %-10s %10s %8s  %s\n", "PARTITION", "STATE", "DOCUMENTS", "CHUNKS", "BUILT")
			for _, st := range resp.Partitions {
				built := "-"
				if st.BuiltAt != nil {
					built = st.BuiltAt.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%-20s %-10s %10d %8d  %s\n", st.Partition, st.State, st.Documents, st.Chunks, built)
				if st.LastError != "" {
					fmt.Fprintf(out, "  last error: %s\n", st.LastError)
				}
			}
			return nil
		},
	}
}

func newRebuildCmd(opts *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "rebuild [partition]",
		Short: "Rebuild one partition index, or all with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			switch {
			case all && len(args) > 0:
				return errors.New("--all does not take a partition argument")
			case !all && len(args) != 1:
				return errors.New("requires a partition argument or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			out := cmd.OutOrStdout()
			if all {
				resp, err := c.RebuildAll(cmd.Context())
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(out, resp)
				}
				fmt.Fprintf(out, "Rebuilt: %s\n", joinOrNone(resp.Built))
				if len(resp.Failed) > 0 {
					fmt.Fprintf(out, "Failed: %s\n", formatFailures(resp.Failed))
				}
				return nil
			}

			resp, err := c.Rebuild(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(out, resp)
			}
			st := resp.Status
			fmt.Fprintf(out, "Rebuilt %s: %d documents, %d chunks (build %s)\n", st.Partition, st.Documents, st.Chunks, st.BuildID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "rebuild every registered partition")
	return cmd
}

func newRescanCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rescan",
		Short: "Rescan the document root for added or removed partitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := opts.client().Rescan(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, resp)
			}
			fmt.Fprintf(out, "Added: %s\n", joinOrNone(resp.Added))
			fmt.Fprintf(out, "Removed: %s\n", joinOrNone(resp.Removed))
			if len(resp.Skipped) > 0 {
				fmt.Fprintf(out, "Skipped: %s\n", strings.Join(resp.Skipped, ", "))
			}
			fmt.Fprintf(out, "Partitions: %s\n", joinOrNone(resp.Partitions))
			return nil
		},
	}
}

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <partition>",
		Short: "Delete a partition index",
		Long: `Delete the persisted index of a partition. The source documents are
left untouched; the next rebuild recreates the index.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted index for %s\n", args[0])
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatFailures(failed map[string]string) string {
	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s (%s)", name, failed[name]))
	}
	return strings.Join(parts, ", ")
}

func joinOrNone(s []string) string {
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, ", ")
}

func indent(text string) string {
	return strings.ReplaceAll(strings.TrimSpace(text), "\n", "\n    ")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
