package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lgulliver/darkroom/internal/queue"
	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/lgulliver/darkroom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway records every call and fails intent for the filenames in failIntent
type fakeGateway struct {
	mu          sync.Mutex
	calls       int
	intents     []types.IntentRequest
	finalizes   []types.FinalizeRequest
	failIntent  map[string]error
	failFinally map[string]int
	finalizeErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failIntent: map[string]error{}, failFinally: map[string]int{}}
}

func (f *fakeGateway) Intent(ctx context.Context, req types.IntentRequest) (*types.IntentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.intents = append(f.intents, req)
	if err, ok := f.failIntent[req.Filename]; ok {
		return nil, err
	}
	fileID := fmt.Sprintf("file-%d", len(f.intents))
	return &types.IntentResponse{
		SignedURL: "http://storage.test/" + fileID,
		FileID:    fileID,
		ObjectKey: "uploads/agent/" + req.JobID + "/" + fileID,
		Method:    "PUT",
	}, nil
}

func (f *fakeGateway) Put(ctx context.Context, intent *types.IntentResponse, payload *Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeGateway) Finalize(ctx context.Context, req types.FinalizeRequest) (*types.FinalizeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.finalizes = append(f.finalizes, req)
	if f.finalizeErr != nil {
		return nil, f.finalizeErr
	}
	return &types.FinalizeResponse{FileID: req.FileID, Status: "uploaded"}, nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	store   *queue.Store
	gateway *fakeGateway
	orch    *Orchestrator
	srcDir  string
	spool   Spool
}

func newFixture(t *testing.T, limits *config.UploadLimits) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := queue.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw := newFakeGateway()
	spool := Spool{Dir: filepath.Join(dir, "spool")}
	orch := New(store, gw, limits, spool)
	orch.policy.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	src := filepath.Join(dir, "captures")
	require.NoError(t, os.MkdirAll(src, 0o755))

	return &fixture{store: store, gateway: gw, orch: orch, srcDir: src, spool: spool}
}

func (f *fixture) capture(t *testing.T, photoID, stackID string, index int, comp float64) Capture {
	t.Helper()
	path := filepath.Join(f.srcDir, photoID+".jpg")
	require.NoError(t, os.WriteFile(path, []byte("\xff\xd8\xff\xe0 jpeg "+photoID), 0o644))
	return Capture{PhotoID: photoID, StackID: stackID, Path: path, Size: 16, ExposureIndex: index, ExposureComp: comp}
}

func testLimits() *config.UploadLimits {
	return &config.UploadLimits{
		MaxFileSize:   1 << 20,
		MaxBatchItems: 50,
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		Concurrency:   2,
	}
}

func TestOrchestrator_FullSuccessPurges(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()

	captures := []Capture{
		f.capture(t, "a0", "a", 0, -1),
		f.capture(t, "a1", "a", 1, 0),
		f.capture(t, "b", "", 0, 0),
	}
	_, err := f.orch.Enqueue(ctx, "job-1", captures)
	require.NoError(t, err)

	items, err := f.store.List(ctx)
	require.NoError(t, err)
	for _, item := range items {
		assert.True(t, f.spool.Owns(item.Path), "capture %s should be spooled", item.PhotoID)
	}

	summary, err := f.orch.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 3, summary.Purged)
	assert.Equal(t, "3 succeeded, 0 failed: all photos uploaded", summary.Message)
	assert.Equal(t, 9, f.gateway.callCount())

	remaining, err := f.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
	for _, item := range items {
		_, err := os.Stat(item.Path)
		assert.True(t, os.IsNotExist(err), "spooled payload %s should be purged", item.Path)
	}
	for _, c := range captures {
		_, err := os.Stat(c.Path)
		assert.NoError(t, err, "original capture must be kept")
	}
	assert.Equal(t, 0, f.orch.Selection().Len())

	f.gateway.mu.Lock()
	defer f.gateway.mu.Unlock()
	for _, fin := range f.gateway.finalizes {
		assert.Equal(t, "job-1", fin.JobID)
		assert.NotEmpty(t, fin.ObjectKey)
		require.NotNil(t, fin.ExposureIndex)
	}
}

func TestOrchestrator_PartialFailureIsolated(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()

	var captures []Capture
	for i := 0; i < 5; i++ {
		captures = append(captures, f.capture(t, fmt.Sprintf("photo-%d", i), fmt.Sprintf("stack-%d", i), 0, 0))
	}
	_, err := f.orch.Enqueue(ctx, "job-9", captures)
	require.NoError(t, err)

	// the spooled file name is <photoId>.jpg
	f.gateway.failIntent["photo-3.jpg"] = errors.New("dial tcp: connection refused")

	summary, err := f.orch.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"stack-3"}, summary.FailedStacks)
	assert.Equal(t, "4 succeeded, 1 failed: 1 stack selected for retry", summary.Message)
	assert.Equal(t, []string{"stack-3"}, f.orch.Selection().IDs())

	counts, err := f.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counts[queue.StateUploaded])
	assert.Equal(t, 1, counts[queue.StateFailed])

	failed, err := f.store.Get(ctx, "photo-3")
	require.NoError(t, err)
	assert.Equal(t, 2, failed.RetryCount)
	assert.Contains(t, failed.LastError, "connection refused")

	// the failing item was tried MaxAttempts times, the others once
	f.gateway.mu.Lock()
	attempts := 0
	for _, intent := range f.gateway.intents {
		if intent.Filename == "photo-3.jpg" {
			attempts++
		}
	}
	f.gateway.mu.Unlock()
	assert.Equal(t, 3, attempts)

	// an operator retry after the outage only touches the failed stack
	delete(f.gateway.failIntent, "photo-3.jpg")
	before := f.gateway.callCount()
	require.NoError(t, f.orch.SelectFailed(ctx))

	summary, err = f.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 5, summary.Purged)
	assert.Equal(t, 3, f.gateway.callCount()-before)

	remaining, err := f.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestOrchestrator_TotalOutage(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()

	var captures []Capture
	for i := 0; i < 3; i++ {
		c := f.capture(t, fmt.Sprintf("p%d", i), "", 0, 0)
		captures = append(captures, c)
		f.gateway.failIntent[fmt.Sprintf("p%d.jpg", i)] = errors.New("network is unreachable")
	}
	_, err := f.orch.Enqueue(ctx, "job", captures)
	require.NoError(t, err)

	summary, err := f.orch.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Succeeded)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, "0 succeeded, 3 failed: 3 stacks selected for retry", summary.Message)
	assert.Equal(t, []string{"p0", "p1", "p2"}, f.orch.Selection().IDs())
}

func TestOrchestrator_OverLimitMakesNoNetworkCalls(t *testing.T) {
	limits := testLimits()
	limits.MaxBatchItems = 2
	f := newFixture(t, limits)
	ctx := context.Background()

	_, err := f.orch.Enqueue(ctx, "job", []Capture{
		f.capture(t, "x", "", 0, 0),
		f.capture(t, "y", "", 0, 0),
		f.capture(t, "z", "", 0, 0),
	})
	require.NoError(t, err)

	summary, err := f.orch.Run(ctx)
	assert.Nil(t, summary)
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 3, limitErr.Count)
	assert.Equal(t, 0, f.gateway.callCount())

	// nothing moved out of Pending
	counts, err := f.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[queue.StatePending])

	// deselecting brings the batch under the ceiling
	f.orch.Selection().Toggle("z")
	summary, err = f.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
}

func TestOrchestrator_OversizedItemRejectedLocally(t *testing.T) {
	limits := testLimits()
	limits.MaxFileSize = 8
	f := newFixture(t, limits)
	ctx := context.Background()

	_, err := f.orch.Enqueue(ctx, "job", []Capture{f.capture(t, "big", "", 0, 0)})
	require.NoError(t, err)

	_, err = f.orch.Run(ctx)
	assert.True(t, IsLimitError(err))
	assert.Equal(t, 0, f.gateway.callCount())
}

func TestOrchestrator_PermanentFailureStopsEarly(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()

	_, err := f.orch.Enqueue(ctx, "job", []Capture{f.capture(t, "p", "", 0, 0)})
	require.NoError(t, err)
	f.gateway.failIntent["p.jpg"] = &StatusError{Operation: "intent", StatusCode: 400, Message: "unsupported mime type: image/bmp"}

	summary, err := f.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, f.gateway.callCount())

	item, err := f.store.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, item.State)
	assert.Equal(t, 0, item.RetryCount)
}

func TestOrchestrator_MissingPayloadFailsItem(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()

	_, err := f.orch.Enqueue(ctx, "job", []Capture{f.capture(t, "gone", "", 0, 0), f.capture(t, "kept", "", 0, 0)})
	require.NoError(t, err)
	item, err := f.store.Get(ctx, "gone")
	require.NoError(t, err)
	require.NoError(t, os.Remove(item.Path))

	summary, err := f.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, []string{"gone"}, summary.FailedStacks)
}

func TestOrchestrator_CancelledBatchIsResumable(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx, cancel := context.WithCancel(context.Background())

	_, err := f.orch.Enqueue(ctx, "job", []Capture{f.capture(t, "p", "", 0, 0)})
	require.NoError(t, err)
	f.gateway.failIntent["p.jpg"] = errors.New("timeout")
	f.orch.policy.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	summary, err := f.orch.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.Interrupted)
	assert.Equal(t, 0, summary.Failed)

	item, err := f.store.Get(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, queue.StateUploading, item.State)

	// resume after restart
	delete(f.gateway.failIntent, "p.jpg")
	f.orch.policy.sleep = nil
	require.NoError(t, f.orch.SelectPending(context.Background()))
	summary, err = f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
}

func TestOrchestrator_EnqueueDuplicateCleansSpool(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()

	_, err := f.orch.Enqueue(ctx, "job", []Capture{f.capture(t, "p", "", 0, 0)})
	require.NoError(t, err)

	_, err = f.orch.Enqueue(ctx, "job", []Capture{f.capture(t, "q", "", 0, 0), f.capture(t, "p", "", 0, 0)})
	require.Error(t, err)

	entries, err := os.ReadDir(f.spool.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOrchestrator_EnqueueIntoQueuedStackRejected(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()

	_, err := f.orch.Enqueue(ctx, "job", []Capture{
		f.capture(t, "a0", "s", 0, -1),
		f.capture(t, "a1", "s", 1, 1),
	})
	require.NoError(t, err)

	_, err = f.orch.Enqueue(ctx, "job", []Capture{f.capture(t, "a2", "s", 0, 0)})
	assert.ErrorIs(t, err, queue.ErrStackExists)

	items, err := f.store.ListStacks(ctx, []string{"s"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a0", items[0].PhotoID)
	assert.Equal(t, 0, items[0].Position)
	assert.Equal(t, "a1", items[1].PhotoID)
	assert.Equal(t, 1, items[1].Position)

	entries, err := os.ReadDir(f.spool.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestOrchestrator_SizeComesFromDisk(t *testing.T) {
	limits := testLimits()
	limits.MaxFileSize = 64
	f := newFixture(t, limits)
	ctx := context.Background()

	path := filepath.Join(f.srcDir, "large.jpg")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))
	_, err := f.orch.Enqueue(ctx, "job", []Capture{{PhotoID: "large", Path: path, Size: 1}})
	require.NoError(t, err)

	item, err := f.store.Get(ctx, "large")
	require.NoError(t, err)
	assert.Equal(t, int64(100), item.Size)

	_, err = f.orch.Run(ctx)
	assert.True(t, IsLimitError(err))
	assert.Equal(t, 0, f.gateway.callCount())
}

func TestOrchestrator_RequestTimeoutsAreRetriedThenFailed(t *testing.T) {
	f := newFixture(t, testLimits())
	ctx := context.Background()

	var captures []Capture
	for i := 0; i < 3; i++ {
		captures = append(captures, f.capture(t, fmt.Sprintf("t%d", i), "", 0, 0))
		f.gateway.failIntent[fmt.Sprintf("t%d.jpg", i)] = fmt.Errorf("intent request failed: %w", context.DeadlineExceeded)
	}
	_, err := f.orch.Enqueue(ctx, "job", captures)
	require.NoError(t, err)

	summary, err := f.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 0, summary.Interrupted)
	assert.Equal(t, "0 succeeded, 3 failed: 3 stacks selected for retry", summary.Message)
	assert.Equal(t, 9, f.gateway.callCount())

	counts, err := f.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[queue.StateFailed])
}

func TestSummaryMessage(t *testing.T) {
	tests := []struct {
		name    string
		summary BatchSummary
		want    string
	}{
		{name: "empty batch", summary: BatchSummary{}, want: "Nothing to upload"},
		{name: "single photo", summary: BatchSummary{Succeeded: 1}, want: "1 succeeded, 0 failed: all photos uploaded"},
		{name: "several photos", summary: BatchSummary{Succeeded: 3}, want: "3 succeeded, 0 failed: all photos uploaded"},
		{name: "interrupted", summary: BatchSummary{Succeeded: 2, Interrupted: 1}, want: "2 succeeded, 0 failed, 1 interrupted: run upload again to resume"},
		{name: "one failed stack", summary: BatchSummary{Succeeded: 4, Failed: 1, FailedStacks: []string{"s4"}}, want: "4 succeeded, 1 failed: 1 stack selected for retry"},
		{name: "outage", summary: BatchSummary{Failed: 3, FailedStacks: []string{"a", "b", "c"}}, want: "0 succeeded, 3 failed: 3 stacks selected for retry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary := tt.summary
			assert.Equal(t, tt.want, summaryMessage(&summary))
		})
	}
}
