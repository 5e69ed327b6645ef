// Package orchestrator delivers queued captures to the gateway: it groups
// bracketed exposures into stacks, enforces the batch ceilings, retries
// each item with exponential backoff and reconciles the queue afterwards.
package orchestrator

import (
	"sort"
	"time"

	"github.com/lgulliver/darkroom/internal/queue"
)

// Capture is a photo handed to the uploader
type Capture struct {
	PhotoID       string     `json:"photoId"`
	StackID       string     `json:"stackId,omitempty"`
	Path          string     `json:"path"`
	MimeType      string     `json:"mimeType,omitempty"`
	Size          int64      `json:"size,omitempty"`
	ExposureIndex int        `json:"exposureIndex"`
	ExposureComp  float64    `json:"exposureCompensation"`
	CapturedAt    *time.Time `json:"capturedAt,omitempty"`
}

// Stack is a set of exposures captured together and delivered as one photo
type Stack struct {
	ID        string
	Exposures []queue.Item
}

// Thumbnail returns the representative exposure: the zero compensation
// exposure when there is one, otherwise the middle exposure.
func (s Stack) Thumbnail() queue.Item {
	if len(s.Exposures) == 0 {
		return queue.Item{}
	}
	for _, e := range s.Exposures {
		if e.ExposureComp == 0 {
			return e
		}
	}
	return s.Exposures[len(s.Exposures)/2]
}

// BuildStacks turns captures into queue items grouped by stack. Captures
// without a stack id become singleton stacks keyed by their photo id.
// Stacks keep the order in which they were first seen and exposures are
// ordered by exposure index.
func BuildStacks(jobID string, captures []Capture) []Stack {
	byID := make(map[string]*Stack)
	var order []string

	for _, c := range captures {
		stackID := c.StackID
		if stackID == "" {
			stackID = c.PhotoID
		}

		stack, ok := byID[stackID]
		if !ok {
			stack = &Stack{ID: stackID}
			byID[stackID] = stack
			order = append(order, stackID)
		}
		stack.Exposures = append(stack.Exposures, queue.Item{
			PhotoID:       c.PhotoID,
			StackID:       stackID,
			JobID:         jobID,
			Path:          c.Path,
			MimeType:      c.MimeType,
			Size:          c.Size,
			ExposureIndex: c.ExposureIndex,
			ExposureComp:  c.ExposureComp,
			CapturedAt:    c.CapturedAt,
		})
	}

	stacks := make([]Stack, 0, len(order))
	for _, id := range order {
		stack := byID[id]
		sort.SliceStable(stack.Exposures, func(i, j int) bool {
			return stack.Exposures[i].ExposureIndex < stack.Exposures[j].ExposureIndex
		})
		for i := range stack.Exposures {
			stack.Exposures[i].Position = i
		}
		stacks = append(stacks, *stack)
	}
	return stacks
}

// GroupItems regroups stored queue items into stacks ordered by stack id.
// Items are expected in List order.
func GroupItems(items []queue.Item) []Stack {
	var stacks []Stack
	for _, item := range items {
		n := len(stacks)
		if n == 0 || stacks[n-1].ID != item.StackID {
			stacks = append(stacks, Stack{ID: item.StackID})
			n++
		}
		stacks[n-1].Exposures = append(stacks[n-1].Exposures, item)
	}
	return stacks
}
