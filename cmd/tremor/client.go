package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/node"
	"github.com/dreamware/tremor/internal/task"
)

const requestTimeout = 10 * time.Second

func apiURL(opts *rootOptions, path string) string {
	return cluster.JoinURL(opts.node, path)
}

// send issues a request without a response body.
func send(ctx context.Context, method, target string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s %s: %d %s", method, target, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// describe turns an HTTP error into the node's message.
func describe(err error) error {
	var httpErr *cluster.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Errorf("node answered %d: %s", httpErr.Status, strings.TrimSpace(string(httpErr.Body)))
	}
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTaskCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit, inspect and cancel tasks",
	}
	cmd.AddCommand(newTaskSubmitCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			if err := cluster.GetJSON(cmd.Context(), apiURL(opts, "/tasks/"+args[0]), &t); err != nil {
				return describe(err)
			}
			return printTask(cmd.OutOrStdout(), opts, &t)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task or its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := send(cmd.Context(), http.MethodDelete, apiURL(opts, "/tasks/"+args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	})
	return cmd
}

type submitOptions struct {
	args      map[string]string
	name      string
	id        string
	kind      string
	target    string
	endpoint  string
	duration  time.Duration
	interval  time.Duration
	scheduled bool
}

func newTaskSubmitCommand(opts *rootOptions) *cobra.Command {
	so := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a fault injection task",
		Example: `  tremor task submit --kind container-stop --target web-1
  tremor task submit --kind container-pause --target db --duration 30s --scheduled --interval 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := node.TaskRequest{
				ID:   so.id,
				Name: so.name,
				Spec: task.FaultSpec{
					Kind:     so.kind,
					Target:   so.target,
					Endpoint: so.endpoint,
					Args:     so.args,
					Duration: so.duration,
				},
				Scheduled: so.scheduled,
				Interval:  so.interval,
			}
			var t task.Task
			if err := cluster.PostJSON(cmd.Context(), apiURL(opts, "/tasks"), req, &t); err != nil {
				return describe(err)
			}
			return printTask(cmd.OutOrStdout(), opts, &t)
		},
	}
	f := cmd.Flags()
	f.StringVar(&so.id, "id", "", "task ID (generated when empty)")
	f.StringVar(&so.name, "name", "", "human readable task name")
	f.StringVar(&so.kind, "kind", "", "fault kind, e.g. container-stop")
	f.StringVar(&so.target, "target", "", "fault target, e.g. a container name")
	f.StringVar(&so.endpoint, "endpoint", "", "endpoint name from the node configuration")
	f.StringToStringVar(&so.args, "arg", nil, "fault argument key=value, repeatable")
	f.DurationVar(&so.duration, "duration", 0, "how long the fault lasts, for kinds that revert")
	f.BoolVar(&so.scheduled, "scheduled", false, "run the task repeatedly")
	f.DurationVar(&so.interval, "interval", 0, "interval between runs of a scheduled task")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func printTask(w io.Writer, opts *rootOptions, t *task.Task) error {
	if opts.format == "json" {
		return writeJSON(w, t)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\t%s\n", t.ID)
	fmt.Fprintf(tw, "NAME\t%s\n", t.Name)
	fmt.Fprintf(tw, "STATUS\t%s\n", t.Status)
	fmt.Fprintf(tw, "FAULT\t%s %s\n", t.Spec.Kind, t.Spec.Target)
	fmt.Fprintf(tw, "SCHEDULED\t%t\n", t.Scheduled)
	if t.FailureReason != "" {
		fmt.Fprintf(tw, "REASON\t%s\n", t.FailureReason)
	}
	for i, tr := range t.Triggers {
		fmt.Fprintf(tw, "TRIGGER %d\t%s on %s at %s\n", i+1, tr.Status, tr.Node, tr.StartTime.Format(time.RFC3339))
	}
	return tw.Flush()
}

func newClusterCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Inspect the cluster",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the node's view of the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st node.ClusterStatus
			if err := cluster.GetJSON(cmd.Context(), apiURL(opts, "/cluster"), &st); err != nil {
				return describe(err)
			}
			return printStatus(cmd.OutOrStdout(), opts, &st)
		},
	})
	return cmd
}

func printStatus(w io.Writer, opts *rootOptions, st *node.ClusterStatus) error {
	if opts.format == "json" {
		return writeJSON(w, st)
	}
	fmt.Fprintf(w, "node %s (%s), quorum %s, threshold %d, %d partitions, %d tasks, %d schedules\n",
		st.Node, st.Status, st.Quorum, st.Threshold, len(st.Partitions), len(st.Tasks), len(st.Schedules))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MEMBER\tADDR\tACTIVE")
	for _, m := range st.Members {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", m.ID, m.Addr, m.Active)
	}
	return tw.Flush()
}

func newMaintenanceCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Move a node in and out of maintenance mode",
	}
	var taskID string
	enter := &cobra.Command{
		Use:   "enter",
		Short: "Drain the node and enter maintenance mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := apiURL(opts, "/maintenance")
			if taskID != "" {
				target += "?task=" + url.QueryEscape(taskID)
			}
			if err := send(cmd.Context(), http.MethodPost, target); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "draining; check progress with 'tremor cluster status'")
			return nil
		},
	}
	enter.Flags().StringVar(&taskID, "task", "", "ID of the task driving maintenance, allowed to keep running")
	cmd.AddCommand(enter)
	cmd.AddCommand(&cobra.Command{
		Use:   "exit",
		Short: "Return the node to ACTIVE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := send(cmd.Context(), http.MethodDelete, apiURL(opts, "/maintenance")); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "node resumed")
			return nil
		},
	})
	return cmd
}
