package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/lgulliver/darkroom/internal/queue"
	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/lgulliver/darkroom/pkg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// BatchSummary reports how a batch ended
type BatchSummary struct {
	Succeeded    int
	Failed       int
	Interrupted  int
	FailedStacks []string
	Purged       int
	Message      string
}

// Partial reports whether some items in the batch did not upload
func (s *BatchSummary) Partial() bool {
	return s.Failed > 0 || s.Interrupted > 0
}

// Orchestrator uploads queued stacks through a Gateway
type Orchestrator struct {
	queue     *queue.Store
	gateway   Gateway
	limits    *config.UploadLimits
	policy    Policy
	spool     Spool
	selection *Selection
}

// New creates an orchestrator
func New(store *queue.Store, gateway Gateway, limits *config.UploadLimits, spool Spool) *Orchestrator {
	return &Orchestrator{
		queue:     store,
		gateway:   gateway,
		limits:    limits,
		policy:    NewPolicy(limits),
		spool:     spool,
		selection: NewSelection(),
	}
}

// Selection returns the stacks selected for the next batch
func (o *Orchestrator) Selection() *Selection {
	return o.selection
}

// Enqueue groups captures into stacks, stages them in the spool and
// appends them to the queue. The new stacks are added to the selection.
// A stack id that is already queued is rejected with queue.ErrStackExists.
func (o *Orchestrator) Enqueue(ctx context.Context, jobID string, captures []Capture) ([]Stack, error) {
	stacks := BuildStacks(jobID, captures)

	var items []queue.Item
	var staged []string
	for _, stack := range stacks {
		for _, item := range stack.Exposures {
			path, err := o.spool.Stage(item.Path, item.PhotoID)
			if err != nil {
				o.purgeAll(staged)
				return nil, err
			}
			if path != item.Path {
				staged = append(staged, path)
			}
			// limits are checked against the bytes on disk, not the declared size
			info, err := os.Stat(path)
			if err != nil {
				o.purgeAll(staged)
				return nil, &PayloadError{Path: path, Err: err}
			}
			item.Path = path
			item.Size = info.Size()
			items = append(items, item)
		}
	}

	if err := o.queue.Append(ctx, items...); err != nil {
		o.purgeAll(staged)
		return nil, err
	}

	ids := make([]string, 0, len(stacks))
	for _, stack := range stacks {
		ids = append(ids, stack.ID)
	}
	o.selection.SelectAll(ids)

	log.Info().Int("stacks", len(stacks)).Int("items", len(items)).Str("job_id", jobID).Msg("Enqueued captures")
	return stacks, nil
}

// SelectPending selects every stack that still has work to do
func (o *Orchestrator) SelectPending(ctx context.Context) error {
	items, err := o.queue.List(ctx, queue.StatePending, queue.StateUploading, queue.StateFailed)
	if err != nil {
		return err
	}
	o.selection.Set(stackIDs(items))
	return nil
}

// SelectFailed selects exactly the stacks holding a Failed item
func (o *Orchestrator) SelectFailed(ctx context.Context) error {
	items, err := o.queue.List(ctx, queue.StateFailed)
	if err != nil {
		return err
	}
	o.selection.Set(stackIDs(items))
	return nil
}

// Run uploads the selected stacks. Limits are checked before any network
// call. Stacks upload in parallel up to the configured concurrency and the
// items of a stack upload one after the other in position order. A failed
// item never stops the batch.
func (o *Orchestrator) Run(ctx context.Context) (*BatchSummary, error) {
	items, err := o.queue.ListStacks(ctx, o.selection.IDs())
	if err != nil {
		return nil, err
	}

	var work []queue.Item
	for _, item := range items {
		if item.State != queue.StateUploaded {
			work = append(work, item)
		}
	}
	if err := CheckLimits(work, o.limits); err != nil {
		return nil, err
	}

	stacks := GroupItems(work)
	log.Info().Int("stacks", len(stacks)).Int("items", len(work)).Msg("Starting upload batch")

	var (
		mu       sync.Mutex
		outcomes = make(map[string]Outcome, len(work))
	)

	concurrency := o.limits.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, stack := range stacks {
		stack := stack
		g.Go(func() error {
			for _, item := range stack.Exposures {
				outcome, err := o.uploadItem(gctx, item)
				if err != nil {
					return err
				}
				mu.Lock()
				outcomes[item.PhotoID] = outcome
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary, err := o.reconcile(ctx, work, outcomes)
	if err != nil {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return summary, ctxErr
	}
	return summary, nil
}

// uploadItem delivers one item. Only queue store failures are returned as
// errors; delivery failures are recorded on the item.
func (o *Orchestrator) uploadItem(ctx context.Context, item queue.Item) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{Kind: OutcomeCancelled, Err: err}, nil
	}
	if _, err := o.queue.Transition(ctx, item.PhotoID, queue.StateUploading, queue.Change{}); err != nil {
		return Outcome{}, fmt.Errorf("failed to start %s: %w", item.PhotoID, err)
	}

	payload, err := LoadPayload(item)
	var outcome Outcome
	if err != nil {
		outcome = Failed(err)
		if outcome.Kind == OutcomeCancelled && ctx.Err() == nil {
			outcome.Kind = OutcomeRetryable
		}
		outcome.Attempts = 1
	} else {
		outcome = o.policy.Run(ctx, func(ctx context.Context, n int) Outcome {
			return o.deliver(ctx, item, payload, n)
		})
	}

	retries := outcome.Attempts - 1
	if retries < 0 {
		retries = 0
	}

	// the queue write must outlive a cancelled batch
	storeCtx := context.WithoutCancel(ctx)

	switch outcome.Kind {
	case OutcomeSucceeded:
		_, err = o.queue.Transition(storeCtx, item.PhotoID, queue.StateUploaded, queue.Change{
			FileID:    outcome.FileID,
			ObjectKey: outcome.ObjectKey,
			Retries:   retries,
		})
		log.Info().Str("photo_id", item.PhotoID).Str("file_id", outcome.FileID).Int("attempts", outcome.Attempts).Msg("Uploaded")
	case OutcomeCancelled:
		// left Uploading so the next run resumes it
		_, err = o.queue.Transition(storeCtx, item.PhotoID, queue.StateUploading, queue.Change{Retries: retries})
		log.Warn().Str("photo_id", item.PhotoID).Msg("Upload interrupted")
	default:
		_, err = o.queue.Transition(storeCtx, item.PhotoID, queue.StateFailed, queue.Change{
			LastError: outcome.Err.Error(),
			Retries:   retries,
		})
		log.Warn().Err(outcome.Err).Str("photo_id", item.PhotoID).Int("attempts", outcome.Attempts).
			Str("outcome", outcome.Kind.String()).Msg("Upload failed")
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to record outcome for %s: %w", item.PhotoID, err)
	}
	return outcome, nil
}

// deliver runs intent, PUT and finalize once
func (o *Orchestrator) deliver(ctx context.Context, item queue.Item, payload *Payload, attempt int) Outcome {
	intent, err := o.gateway.Intent(ctx, types.IntentRequest{
		Filename: payload.Filename,
		MimeType: payload.ContentType,
		FileSize: int64(len(payload.Data)),
		JobID:    item.JobID,
	})
	if err != nil {
		log.Debug().Err(err).Str("photo_id", item.PhotoID).Int("attempt", attempt).Msg("intent failed")
		return Failed(err)
	}

	if err := o.gateway.Put(ctx, intent, payload); err != nil {
		log.Debug().Err(err).Str("photo_id", item.PhotoID).Int("attempt", attempt).Msg("upload failed")
		return Failed(err)
	}

	exposureIndex := item.ExposureIndex
	exposureComp := item.ExposureComp
	result, err := o.gateway.Finalize(ctx, types.FinalizeRequest{
		ObjectKey:     intent.ObjectKey,
		JobID:         item.JobID,
		FileID:        intent.FileID,
		RoomTag:       item.RoomTag,
		CapturedAt:    item.CapturedAt,
		StackID:       item.StackID,
		ExposureIndex: &exposureIndex,
		ExposureComp:  &exposureComp,
	})
	if err != nil {
		log.Debug().Err(err).Str("photo_id", item.PhotoID).Int("attempt", attempt).Msg("finalize failed")
		return Failed(err)
	}

	fileID := result.FileID
	if fileID == "" {
		fileID = intent.FileID
	}
	return Succeeded(fileID, intent.ObjectKey)
}

// reconcile purges the queue on full success. Otherwise it keeps uploaded
// rows, reselects exactly the failed stacks and summarises the counts.
func (o *Orchestrator) reconcile(ctx context.Context, work []queue.Item, outcomes map[string]Outcome) (*BatchSummary, error) {
	summary := &BatchSummary{}
	failedStacks := make(map[string]struct{})

	for _, item := range work {
		outcome, ok := outcomes[item.PhotoID]
		switch {
		case ok && outcome.Kind == OutcomeSucceeded:
			summary.Succeeded++
		case ok && (outcome.Kind == OutcomeRetryable || outcome.Kind == OutcomePermanent):
			summary.Failed++
			failedStacks[item.StackID] = struct{}{}
		default:
			summary.Interrupted++
		}
	}
	for id := range failedStacks {
		summary.FailedStacks = append(summary.FailedStacks, id)
	}
	sort.Strings(summary.FailedStacks)

	if !summary.Partial() {
		purged, err := o.purgeUploaded(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		summary.Purged = purged
		o.selection.SelectNone()
	} else if summary.Failed > 0 {
		o.selection.Set(summary.FailedStacks)
	}

	summary.Message = summaryMessage(summary)
	log.Info().
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("interrupted", summary.Interrupted).
		Strs("failed_stacks", summary.FailedStacks).
		Msg(summary.Message)
	return summary, nil
}

func (o *Orchestrator) purgeUploaded(ctx context.Context) (int, error) {
	uploaded, err := o.queue.List(ctx, queue.StateUploaded)
	if err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(uploaded))
	for _, item := range uploaded {
		if err := o.spool.Purge(item.Path); err != nil {
			log.Warn().Err(err).Str("photo_id", item.PhotoID).Msg("Failed to purge payload")
		}
		ids = append(ids, item.PhotoID)
	}
	if err := o.queue.Remove(ctx, ids...); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (o *Orchestrator) purgeAll(paths []string) {
	for _, path := range paths {
		if err := o.spool.Purge(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to remove staged capture")
		}
	}
}

func summaryMessage(s *BatchSummary) string {
	total := s.Succeeded + s.Failed + s.Interrupted
	switch {
	case total == 0:
		return "Nothing to upload"
	case !s.Partial():
		return fmt.Sprintf("%d succeeded, 0 failed: all photos uploaded", s.Succeeded)
	case s.Failed == 0:
		return fmt.Sprintf("%d succeeded, 0 failed, %d interrupted: run upload again to resume", s.Succeeded, s.Interrupted)
	default:
		n := len(s.FailedStacks)
		return fmt.Sprintf("%d succeeded, %d failed: %d %s selected for retry",
			s.Succeeded, s.Failed, n, plural(n, "stack", "stacks"))
	}
}

func stackIDs(items []queue.Item) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, item := range items {
		if _, ok := seen[item.StackID]; ok {
			continue
		}
		seen[item.StackID] = struct{}{}
		ids = append(ids, item.StackID)
	}
	return ids
}

// IsLimitError reports whether err rejected a batch locally
func IsLimitError(err error) bool {
	var limitErr *LimitError
	return errors.As(err, &limitErr)
}
