package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kalambet/sessiond/internal/api"
	"github.com/kalambet/sessiond/internal/ingest"
)

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect ingestion jobs on the running server",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent ingestion jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		jobs, err := fetchJobs(cmd.Context(), client, status, limit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			printWarning("No ingestion jobs")
			return nil
		}
		renderJobs(os.Stdout, jobs)
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one ingestion job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var job api.JobView
		if err := client.getJSON(cmd.Context(), "/v1/ingestion-jobs/"+url.PathEscape(args[0]), &job); err != nil {
			return err
		}
		return printJSON(os.Stdout, job)
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status: running, success, duplicate, skipped, failed")
	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
}

func fetchJobs(ctx context.Context, c *apiClient, status string, limit int) ([]api.JobView, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/ingestion-jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var jobs []api.JobView
	if err := c.getJSON(ctx, path, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func renderJobs(w io.Writer, jobs []api.JobView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSOURCE\tSESSION\tCHANGE\tADDED\tSTARTED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			shortID(j.ID),
			colorize(statusColor(j.Status), j.Status),
			j.Source,
			orDash(j.SessionKey),
			orDash(j.ChangeType),
			j.MessagesAdded,
			humanize.Time(j.StartedAt),
		)
	}
	tw.Flush()
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Send a session log to the running server for ingestion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		if _, err := ingest.ParseUpdateMode(mode); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := uploadFile(cmd.Context(), client, args[0], mode)
		if err != nil {
			return err
		}
		printSuccess("%s: %s, %s (+%d messages, job %s)", filepath.Base(args[0]), res.Status, orDash(res.ChangeType), res.MessagesAdded, shortID(res.JobID))
		for _, w := range res.Warnings {
			printWarning("%s", w)
		}
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("mode", "", "update mode for a known conversation: skip, replace, append or auto")
}

func uploadFile(ctx context.Context, c *apiClient, path, mode string) (*api.IngestView, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	q := url.Values{"filename": {filepath.Base(path)}}
	if mode != "" {
		q.Set("update_mode", mode)
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/ingest?"+q.Encode(), "application/x-ndjson", f)
	if err != nil {
		return nil, err
	}
	var res api.IngestView
	if err := decodeJSON(resp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Inspect conversations on the running server",
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id|session-key>",
	Short: "Show a conversation with its counters and raw log progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		conv, err := fetchConversation(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, conv)
		}
		renderConversation(os.Stdout, conv)
		return nil
	},
}

func init() {
	conversationsShowCmd.Flags().Bool("json", false, "print raw JSON")
	conversationsCmd.AddCommand(conversationsShowCmd)
}

func fetchConversation(ctx context.Context, c *apiClient, id string) (*api.ConversationView, error) {
	var conv api.ConversationView
	if err := c.getJSON(ctx, "/v1/conversations/"+url.PathEscape(id), &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func renderConversation(w io.Writer, c *api.ConversationView) {
	line := func(label, format string, args ...any) {
		fmt.Fprintf(w, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
	}

	line("ID", "%s", c.ID)
	line("Session", "%s", c.SessionKey)
	line("Source", "%s", c.Source)
	if c.AgentType != "" {
		line("Agent", "%s", c.AgentType)
	}
	line("Status", "%s", c.Status)
	line("Messages", "%s in %d epoch(s)", humanize.Comma(int64(c.MessageCount)), c.EpochCount)
	line("Files touched", "%d", c.FilesCount)
	if c.LastEventSequence > 0 {
		line("Last event", "%d", c.LastEventSequence)
	}
	if c.ParentSessionID != "" {
		line("Parent", "%s (%s)", c.ParentSessionID, orDash(c.ParentLinkState))
	}
	if c.EndTime != nil {
		line("Last activity", "%s", humanize.Time(*c.EndTime))
	}
	for _, s := range c.RawLogStates {
		line("Log", "%s at %s (line %d, %s)", s.FilePath, humanize.IBytes(uint64(s.LastOffset)), s.LastLine, humanize.Time(s.UpdatedAt))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
