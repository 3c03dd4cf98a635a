package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/syncd/pkg/client"
)

var (
	opsServer     string
	opsJSONOutput bool
	opsTimeout    time.Duration

	listStatus string
	listSource string
	listTarget string
	listPage   int
	listLimit  int

	createFile string

	deleteKeepHistory bool
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Manage sync operations on a running server",
}

var opsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sync operations",
	Args:  cobra.NoArgs,
	RunE:  runOpsList,
}

var opsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one sync operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpsGet,
}

var opsCreateCmd = &cobra.Command{
	Use:   "create -f <file>",
	Short: "Create a sync operation from a JSON or YAML definition",
	Args:  cobra.NoArgs,
	RunE:  runOpsCreate,
}

var opsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a sync operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpsDelete,
}

var opsHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "List the runs of a sync operation, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpsHistory,
}

func actionCmd(action, short string, fn func(*client.Client, context.Context, string) (*client.Operation, error)) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := opsClient()
			if err != nil {
				return err
			}
			defer cancel()

			op, err := fn(c, ctx, args[0])
			if err != nil {
				return fmt.Errorf("%s %s: %w", action, args[0], err)
			}
			return printOperation(cmd.OutOrStdout(), op)
		},
	}
}

func init() {
	opsCmd.PersistentFlags().StringVar(&opsServer, "server", envOr("SYNCD_SERVER", "http://localhost:8080"),
		"syncd server URL (env SYNCD_SERVER)")
	opsCmd.PersistentFlags().BoolVar(&opsJSONOutput, "json", false,
		"Output in JSON format")
	opsCmd.PersistentFlags().DurationVar(&opsTimeout, "timeout", 30*time.Second,
		"Request timeout")

	opsListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	opsListCmd.Flags().StringVar(&listSource, "source", "", "Filter by source system")
	opsListCmd.Flags().StringVar(&listTarget, "target", "", "Filter by target system")
	opsListCmd.Flags().IntVar(&listPage, "page", 0, "Page number")
	opsListCmd.Flags().IntVar(&listLimit, "limit", 0, "Page size")

	opsCreateCmd.Flags().StringVarP(&createFile, "file", "f", "", "Definition file (.json, .yaml or .yml); - reads JSON from stdin")
	opsCreateCmd.MarkFlagRequired("file")

	opsDeleteCmd.Flags().BoolVar(&deleteKeepHistory, "keep-history", false, "Keep the run history")

	opsCmd.AddCommand(opsListCmd)
	opsCmd.AddCommand(opsGetCmd)
	opsCmd.AddCommand(opsCreateCmd)
	opsCmd.AddCommand(opsDeleteCmd)
	opsCmd.AddCommand(opsHistoryCmd)
	opsCmd.AddCommand(actionCmd("run", "Start a manual run", (*client.Client).Run))
	opsCmd.AddCommand(actionCmd("retry", "Retry a failed operation", (*client.Client).Retry))
	opsCmd.AddCommand(actionCmd("cancel", "Cancel a pending, scheduled or running operation", (*client.Client).Cancel))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func opsClient() (*client.Client, context.Context, context.CancelFunc, error) {
	c, err := client.New(opsServer, client.WithRetries(2, 250*time.Millisecond))
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), opsTimeout)
	return c, ctx, cancel, nil
}

func runOpsList(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := opsClient()
	if err != nil {
		return err
	}
	defer cancel()

	page, err := c.List(ctx, client.ListOptions{
		Status: listStatus,
		Source: listSource,
		Target: listTarget,
		Page:   listPage,
		Limit:  listLimit,
	})
	if err != nil {
		return fmt.Errorf("list operations: %w", err)
	}

	if opsJSONOutput {
		return printJSON(cmd.OutOrStdout(), page)
	}
	if len(page.Items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sync operations found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tNAME\tSOURCE\tTARGET\tSTATUS\tPROGRESS\tNEXT RUN")
	for _, op := range page.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			op.ID,
			op.Name,
			op.SourceSystem,
			op.TargetSystem,
			op.Status,
			op.ProcessedRecords,
			op.TotalRecords,
			formatTime(op.NextRunAt),
		)
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\nPage %d, %d of %d operations\n", page.Page, len(page.Items), page.Total)
	return nil
}

func runOpsGet(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := opsClient()
	if err != nil {
		return err
	}
	defer cancel()

	op, err := c.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get %s: %w", args[0], err)
	}
	return printOperation(cmd.OutOrStdout(), op)
}

func runOpsCreate(cmd *cobra.Command, args []string) error {
	def, err := readDefinition(cmd.InOrStdin(), createFile)
	if err != nil {
		return err
	}

	c, ctx, cancel, err := opsClient()
	if err != nil {
		return err
	}
	defer cancel()

	op, err := c.Create(ctx, def)
	if err != nil {
		return describeError("create operation", err)
	}
	return printOperation(cmd.OutOrStdout(), op)
}

// readDefinition loads a definition file. YAML is converted through JSON so
// both formats share the API's camelCase field names.
func readDefinition(stdin io.Reader, path string) (client.Definition, error) {
	var def client.Definition

	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return def, fmt.Errorf("read definition: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return def, fmt.Errorf("parse YAML definition: %w", err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return def, fmt.Errorf("convert YAML definition: %w", err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return def, fmt.Errorf("parse definition: %w", err)
	}
	return def, nil
}

func runOpsDelete(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := opsClient()
	if err != nil {
		return err
	}
	defer cancel()

	if err := c.Delete(ctx, args[0], deleteKeepHistory); err != nil {
		return fmt.Errorf("delete %s: %w", args[0], err)
	}
	if opsJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": args[0], "keepHistory": deleteKeepHistory})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func runOpsHistory(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := opsClient()
	if err != nil {
		return err
	}
	defer cancel()

	entries, err := c.History(ctx, args[0])
	if err != nil {
		return fmt.Errorf("history %s: %w", args[0], err)
	}
	if opsJSONOutput {
		return printJSON(cmd.OutOrStdout(), entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "STARTED\tENDED\tTRIGGER\tSTATUS\tOK\tFAILED\tERROR")
	for _, h := range entries {
		msg := h.ErrorMessage
		if msg == "" {
			msg = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			h.StartedAt.Format(time.RFC3339),
			formatTime(h.EndedAt),
			h.Trigger,
			h.Status,
			h.SuccessfulRecords,
			h.FailedRecords,
			msg,
		)
	}
	w.Flush()
	return nil
}

func printOperation(out io.Writer, op *client.Operation) error {
	if opsJSONOutput {
		return printJSON(out, op)
	}
	w := newTabWriter(out)
	fmt.Fprintf(w, "ID:\t%s\n", op.ID)
	fmt.Fprintf(w, "Name:\t%s\n", op.Name)
	fmt.Fprintf(w, "Route:\t%s -> %s (%s)\n", op.SourceSystem, op.TargetSystem, op.DataType)
	fmt.Fprintf(w, "Status:\t%s\n", op.Status)
	fmt.Fprintf(w, "Records:\t%d total, %d processed, %d ok, %d failed\n",
		op.TotalRecords, op.ProcessedRecords, op.SuccessfulRecords, op.FailedRecords)
	fmt.Fprintf(w, "Last run:\t%s\n", formatTime(op.LastRunAt))
	fmt.Fprintf(w, "Next run:\t%s\n", formatTime(op.NextRunAt))
	if op.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:\t%s\n", op.ErrorMessage)
	}
	return w.Flush()
}

// describeError expands validation problems into one line per field.
func describeError(what string, err error) error {
	var apiErr *client.Error
	if !errors.As(err, &apiErr) || len(apiErr.Errors) == 0 {
		return fmt.Errorf("%s: %w", what, err)
	}
	lines := make([]string, len(apiErr.Errors))
	for i, fe := range apiErr.Errors {
		lines[i] = fmt.Sprintf("  %s: %s", fe.Field, fe.Message)
	}
	return fmt.Errorf("%s: %w\n%s", what, err, strings.Join(lines, "\n"))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
