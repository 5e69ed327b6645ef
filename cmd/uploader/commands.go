package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/lgulliver/darkroom/internal/orchestrator"
	"github.com/lgulliver/darkroom/internal/queue"
	"github.com/lgulliver/darkroom/pkg/utils"
	"github.com/spf13/cobra"
)

// errBatchIncomplete makes the process exit non-zero after a partial batch
var errBatchIncomplete = errors.New("some uploads did not complete")

// manifest describes captures with their bracketing metadata
type manifest struct {
	JobID    string                 `json:"jobId"`
	Captures []orchestrator.Capture `json:"captures"`
}

func newEnqueueCommand(c *cli) *cobra.Command {
	var (
		jobID        string
		stackID      string
		manifestPath string
		comps        []float64
	)

	cmd := &cobra.Command{
		Use:   "enqueue [files or directories...]",
		Short: "Add captures to the upload queue",
		Long: `Add captures to the upload queue.

Files given together with --stack form one bracketed stack in argument
order; --comp sets their exposure compensations. Without --stack every
file becomes its own stack. A JSON manifest may be used instead:

  {"jobId": "job-1", "captures": [{"photoId": "p1", "stackId": "s1",
    "path": "/photos/p1.jpg", "exposureIndex": 0, "exposureCompensation": -2}]}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var captures []orchestrator.Capture
			switch {
			case manifestPath != "":
				m, err := readManifest(manifestPath)
				if err != nil {
					return err
				}
				if jobID == "" {
					jobID = m.JobID
				}
				captures = m.Captures
			case len(args) > 0:
				paths, err := expandPaths(args)
				if err != nil {
					return err
				}
				captures, err = capturesFromPaths(paths, stackID, comps)
				if err != nil {
					return err
				}
			default:
				return errors.New("nothing to enqueue: pass files, directories or --manifest")
			}
			if jobID == "" {
				return errors.New("--job is required")
			}

			store, s, err := c.openQueue()
			if err != nil {
				return err
			}
			defer store.Close()

			stacks, err := c.newOrchestrator(store, s).Enqueue(cmd.Context(), jobID, captures)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Queued %d %s in %d %s for job %s\n",
				len(captures), pluralize(len(captures), "photo"), len(stacks), pluralize(len(stacks), "stack"), jobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Job the captures belong to")
	cmd.Flags().StringVar(&stackID, "stack", "", "Group all given files into one stack with this id")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "JSON manifest of captures")
	cmd.Flags().Float64SliceVar(&comps, "comp", nil, "Exposure compensation per file, in argument order")
	return cmd
}

func newStatusCommand(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queued stacks and their upload state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := c.openQueue()
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(c.out)
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			}
			if len(items) == 0 {
				fmt.Fprintln(c.out, "Queue is empty")
				return nil
			}

			w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STACK\tITEMS\tSTATE\tTHUMBNAIL\tROOM\tLAST ERROR")
			for _, stack := range orchestrator.GroupItems(items) {
				thumb := stack.Thumbnail()
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
					stack.ID, len(stack.Exposures), stackState(stack), thumb.PhotoID, thumb.RoomTag, lastError(stack))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			counts, err := store.Counts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "\n%d pending, %d uploading, %d uploaded, %d failed\n",
				counts[queue.StatePending], counts[queue.StateUploading], counts[queue.StateUploaded], counts[queue.StateFailed])
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print queue items as JSON")
	return cmd
}

func newTagCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "tag <stack-id> <room>",
		Short: "Set the room tag of a stack",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := c.openQueue()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.SetRoomTag(cmd.Context(), args[0], args[1])
			if errors.Is(err, queue.ErrNotFound) {
				return fmt.Errorf("stack %s is not queued", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Tagged %d %s in stack %s as %q\n", n, pluralize(int(n), "photo"), args[0], args[1])
			return nil
		},
	}
}

func newUploadCommand(c *cli) *cobra.Command {
	var stacks []string

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload every queued stack that is not yet delivered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBatch(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				if len(stacks) > 0 {
					o.Selection().Set(stacks)
					return nil
				}
				return o.SelectPending(ctx)
			})
		},
	}

	cmd.Flags().StringSliceVar(&stacks, "stack", nil, "Only upload these stacks")
	return cmd
}

func newRetryCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Retry the stacks whose uploads failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBatch(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				return o.SelectFailed(ctx)
			})
		},
	}
}

func (c *cli) runBatch(parent context.Context, selectStacks func(context.Context, *orchestrator.Orchestrator) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, s, err := c.openQueue()
	if err != nil {
		return err
	}
	defer store.Close()

	o := c.newOrchestrator(store, s)
	if err := selectStacks(ctx, o); err != nil {
		return err
	}
	if o.Selection().Len() == 0 {
		fmt.Fprintln(c.out, "Nothing to upload")
		return nil
	}

	summary, err := o.Run(ctx)
	if summary != nil {
		fmt.Fprintln(c.out, summary.Message)
		if len(summary.FailedStacks) > 0 {
			fmt.Fprintf(c.out, "Failed stacks: %s\n", strings.Join(summary.FailedStacks, ", "))
		}
	}
	if err != nil {
		return err
	}
	if summary.Partial() {
		return errBatchIncomplete
	}
	return nil
}

func readManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	base := filepath.Dir(path)
	for i := range m.Captures {
		capture := &m.Captures[i]
		if capture.Path == "" {
			return nil, fmt.Errorf("manifest capture %d has no path", i)
		}
		if !filepath.IsAbs(capture.Path) {
			capture.Path = filepath.Join(base, capture.Path)
		}
		if capture.PhotoID == "" {
			capture.PhotoID = uuid.New().String()
		}
		if capture.Size == 0 {
			info, err := os.Stat(capture.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to stat %s: %w", capture.Path, err)
			}
			capture.Size = info.Size()
		}
	}
	return &m, nil
}

// expandPaths replaces directories with the regular, non-hidden files they
// contain, sorted by name
func expandPaths(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", arg, err)
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", arg, err)
		}
		var names []string
		for _, entry := range entries {
			if entry.Type().IsRegular() && !strings.HasPrefix(entry.Name(), ".") {
				names = append(names, entry.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			paths = append(paths, filepath.Join(arg, name))
		}
	}
	return paths, nil
}

func capturesFromPaths(paths []string, stackID string, comps []float64) ([]orchestrator.Capture, error) {
	if len(comps) > 0 && len(comps) != len(paths) {
		return nil, fmt.Errorf("got %d --comp values for %d files", len(comps), len(paths))
	}

	captures := make([]orchestrator.Capture, 0, len(paths))
	for i, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		modTime := info.ModTime().UTC()

		capture := orchestrator.Capture{
			PhotoID:    uuid.New().String(),
			StackID:    stackID,
			Path:       path,
			MimeType:   mimeFromExtension(path),
			Size:       info.Size(),
			CapturedAt: &modTime,
		}
		if stackID != "" {
			capture.ExposureIndex = i
		}
		if len(comps) > 0 {
			capture.ExposureComp = comps[i]
		}
		captures = append(captures, capture)
	}
	return captures, nil
}

// mimeFromExtension returns "" for unknown extensions so the payload is
// sniffed at upload time
func mimeFromExtension(path string) string {
	switch utils.FileExtension(path) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".heic":
		return "image/heic"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	default:
		return ""
	}
}

func stackState(stack orchestrator.Stack) queue.State {
	state := queue.StateUploaded
	for _, item := range stack.Exposures {
		switch item.State {
		case queue.StateFailed:
			return queue.StateFailed
		case queue.StateUploading:
			state = queue.StateUploading
		case queue.StatePending:
			if state != queue.StateUploading {
				state = queue.StatePending
			}
		}
	}
	return state
}

func lastError(stack orchestrator.Stack) string {
	for _, item := range stack.Exposures {
		if item.LastError != "" {
			return item.LastError
		}
	}
	return ""
}

func pluralize(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
