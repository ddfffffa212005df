package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/services/analyzer"
)

type tasksOptions struct {
	server  string
	timeout time.Duration
	json    bool
}

func newTasksCmd() *cobra.Command {
	opts := &tasksOptions{}
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Submit and inspect tasks on a running analyzer",
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:8080", "analyzer base URL")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print JSON even on a terminal")

	cmd.AddCommand(
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newBatchCmd(opts),
		newDeleteCmd(opts),
		newConcurrencyCmd(opts),
	)
	return cmd
}

func (o *tasksOptions) client() *apiClient { return newAPIClient(o.server, o.timeout) }

func (o *tasksOptions) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.timeout)
}

// pretty reports whether output should be a table.
func (o *tasksOptions) pretty(w io.Writer) bool {
	return !o.json && isTerminal(w)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func newSubmitCmd(opts *tasksOptions) *cobra.Command {
	var (
		req   domain.Request
		count int
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a video or image for analysis or frame extraction",
		Example: `  analyzer tasks submit --type video --media-ref 3f2a... --brand acme --owner u42 --level smart --count 40
  analyzer tasks submit --type image --media-url https://example.com/cat.jpg
  analyzer tasks submit --kind extract_frames --media-ref 3f2a... --brand acme --owner u42 --level low
  analyzer tasks submit --kind analyze_frames --frame-url https://cdn/f0.jpg --frame-url https://cdn/f1.jpg --duration 20`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("count") {
				req.SmartFrameCount = &count
			}
			ctx, cancel := opts.requestContext()
			defer cancel()
			sub, err := opts.client().Submit(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !opts.pretty(out) {
				return writeJSON(out, sub)
			}
			renderSubmission(out, sub)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar((*string)(&req.Kind), "kind", string(domain.TaskAnalyzeMedia), "task kind: analyze_media | extract_frames | analyze_frames")
	f.StringVar((*string)(&req.MediaType), "type", string(domain.MediaVideo), "media type: video | image")
	f.StringVar(&req.MediaRef, "media-ref", "", "media registry reference")
	f.StringVar(&req.MediaURL, "media-url", "", "direct image URL (images only)")
	f.StringVar((*string)(&req.Level), "level", "", "extraction level: low | medium | high | smart")
	f.IntVar(&count, "count", 0, "frame count for the smart level")
	f.StringVar(&req.BrandName, "brand", "", "brand name (required for videos)")
	f.StringVar(&req.OwnerID, "owner", "", "owner id (required for videos)")
	f.StringVar(&req.CustomPrompt, "prompt", "", "extra instructions for the model")
	f.StringArrayVar(&req.FrameURLs, "frame-url", nil, "frame URL for analyze_frames, in order; repeatable")
	f.Float64Var(&req.DurationSeconds, "duration", 0, "media duration in seconds for analyze_frames")
	f.StringVar(&req.Resolution, "resolution", "", "media resolution for analyze_frames, e.g. 1920x1080")
	return cmd
}

func newStatusCmd(opts *tasksOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext()
			defer cancel()
			task, err := opts.client().Get(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !opts.pretty(out) {
				return writeJSON(out, task)
			}
			renderTask(out, task)
			return nil
		},
	}
}

func newBatchCmd(opts *tasksOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <task-id>...",
		Short: fmt.Sprintf("Show up to %d tasks at once", analyzer.MaxBatchSize),
		Args:  cobra.RangeArgs(1, analyzer.MaxBatchSize),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext()
			defer cancel()
			batch, err := opts.client().BatchGet(ctx, args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !opts.pretty(out) {
				return writeJSON(out, batch)
			}
			renderBatch(out, args, batch)
			return nil
		},
	}
}

func newDeleteCmd(opts *tasksOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task; a running task stops at its next checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext()
			defer cancel()
			if err := opts.client().Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newConcurrencyCmd(opts *tasksOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "concurrency",
		Short: "Show stage usage and task counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.requestContext()
			defer cancel()
			view, err := opts.client().Concurrency(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !opts.pretty(out) {
				return writeJSON(out, view)
			}
			renderConcurrency(out, view)
			return nil
		},
	}
}

// ── rendering ────────────────────────────────────────────────────────────────

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func renderSubmission(w io.Writer, sub analyzer.Submission) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Task", "Status", "Message", "Created"})
	t.AppendRow(table.Row{sub.TaskID, sub.Status, sub.Message, sub.CreatedAt.Local().Format(time.DateTime)})
	t.Render()
}

func renderTask(w io.Writer, task *domain.Task) {
	t := newTable(w)
	t.AppendRow(table.Row{"Task", task.ID})
	t.AppendRow(table.Row{"Status", task.Status})
	t.AppendRow(table.Row{"Progress", strconv.Itoa(task.Progress) + "%"})
	t.AppendRow(table.Row{"Message", task.Message})
	t.AppendRow(table.Row{"Kind", task.Request.TaskKind()})
	t.AppendRow(table.Row{"Media", mediaLabel(task.Request)})
	t.AppendRow(table.Row{"Attempts", task.Attempts})
	t.AppendRow(table.Row{"Created", task.CreatedAt.Local().Format(time.DateTime)})
	if task.CompletedAt != nil {
		t.AppendRow(table.Row{"Took", task.CompletedAt.Sub(task.CreatedAt).Round(time.Second)})
	}
	if task.Error != nil {
		t.AppendRow(table.Row{"Error", fmt.Sprintf("%s: %s", task.Error.Kind, task.Error.Message)})
	}
	if r := task.Result; r != nil {
		t.AppendSeparator()
		t.AppendRow(table.Row{"Summary", r.Summary})
		t.AppendRow(table.Row{"Tags", strings.Join(r.Tags, ", ")})
		t.AppendRow(table.Row{"Frames", fmt.Sprintf("%d in %d chunk(s), %s", r.Metadata.FrameCount, r.Metadata.Chunks, r.Metadata.Model)})
		for _, s := range r.Segments {
			t.AppendRow(table.Row{fmt.Sprintf("@%.1fs", s.Timestamp), s.Description})
		}
		for _, f := range r.Frames {
			t.AppendRow(table.Row{fmt.Sprintf("#%d @%.1fs", f.Index, f.Timestamp), f.URL})
		}
		if r.Metadata.ManifestURL != "" {
			t.AppendRow(table.Row{"Manifest", r.Metadata.ManifestURL})
		}
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: text.Colors{text.Bold}},
		{Number: 2, WidthMax: 100},
	})
	t.Render()
}

func renderBatch(w io.Writer, ids []string, batch analyzer.BatchStatus) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Task", "Status", "Progress", "Message"})
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		task, ok := batch.Found[id]
		if !ok {
			t.AppendRow(table.Row{id, "not found", "", ""})
			continue
		}
		t.AppendRow(table.Row{id, task.Status, strconv.Itoa(task.Progress) + "%", task.Message})
	}
	t.AppendFooter(table.Row{"", "", "Found", fmt.Sprintf("%d of %d", len(batch.Found), batch.Total)})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, WidthMax: 60},
	})
	t.Render()
}

func renderConcurrency(w io.Writer, view analyzer.ConcurrencyView) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Stage", "Active", "Max"})
	t.AppendRow(table.Row{"extraction", view.Extraction.Active, view.Extraction.Max})
	t.AppendRow(table.Row{"analysis", view.Analysis.Active, view.Analysis.Max})
	t.Render()

	statuses := make([]string, 0, len(view.Tasks))
	for s := range view.Tasks {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	c := newTable(w)
	c.AppendHeader(table.Row{"Status", "Tasks"})
	for _, s := range statuses {
		c.AppendRow(table.Row{s, view.Tasks[domain.Status(s)]})
	}
	c.Render()
}

func mediaLabel(r domain.Request) string {
	if r.TaskKind() == domain.TaskAnalyzeFrames {
		return fmt.Sprintf("%s, %d supplied frame(s)", r.MediaType, len(r.FrameURLs))
	}
	ref := r.MediaRef
	if ref == "" {
		ref = r.MediaURL
	}
	label := fmt.Sprintf("%s %s", r.MediaType, ref)
	if r.Level != "" {
		label += " (" + string(r.Level) + ")"
	}
	return label
}
