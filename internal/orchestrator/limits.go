package orchestrator

import (
	"fmt"

	"github.com/lgulliver/darkroom/internal/queue"
	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/lgulliver/darkroom/pkg/utils"
)

// LimitError rejects a batch locally before any network call
type LimitError struct {
	Count       int
	MaxItems    int
	Oversized   []string
	MaxFileSize int64
}

func (e *LimitError) Error() string {
	if e.MaxItems > 0 && e.Count > e.MaxItems {
		over := e.Count - e.MaxItems
		return fmt.Sprintf("%d photos selected but at most %d can be uploaded at once; deselect %d %s and try again",
			e.Count, e.MaxItems, over, plural(over, "photo", "photos"))
	}
	n := len(e.Oversized)
	return fmt.Sprintf("%d %s larger than the %s per-file limit; remove %s and try again",
		n, plural(n, "photo is", "photos are"), utils.FormatBytes(e.MaxFileSize), plural(n, "it", "them"))
}

// CheckLimits validates a batch against the item count and per-file ceilings
func CheckLimits(items []queue.Item, limits *config.UploadLimits) error {
	if limits.MaxBatchItems > 0 && len(items) > limits.MaxBatchItems {
		return &LimitError{Count: len(items), MaxItems: limits.MaxBatchItems}
	}

	if limits.MaxFileSize <= 0 {
		return nil
	}
	var oversized []string
	for _, item := range items {
		if item.Size > limits.MaxFileSize {
			oversized = append(oversized, item.PhotoID)
		}
	}
	if len(oversized) > 0 {
		return &LimitError{Count: len(items), Oversized: oversized, MaxFileSize: limits.MaxFileSize}
	}
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
