package orchestrator

import (
	"sort"
	"sync"
)

// Selection is the set of stacks chosen for the next batch. It is
// independent of upload state.
type Selection struct {
	mu       sync.Mutex
	selected map[string]struct{}
}

// NewSelection creates an empty selection
func NewSelection() *Selection {
	return &Selection{selected: make(map[string]struct{})}
}

// SelectAll selects every given stack
func (s *Selection) SelectAll(stackIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range stackIDs {
		s.selected[id] = struct{}{}
	}
}

// SelectNone clears the selection
func (s *Selection) SelectNone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = make(map[string]struct{})
}

// Set replaces the selection with exactly stackIDs
func (s *Selection) Set(stackIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = make(map[string]struct{}, len(stackIDs))
	for _, id := range stackIDs {
		s.selected[id] = struct{}{}
	}
}

// Toggle flips one stack and reports whether it is now selected
func (s *Selection) Toggle(stackID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.selected[stackID]; ok {
		delete(s.selected, stackID)
		return false
	}
	s.selected[stackID] = struct{}{}
	return true
}

// IsSelected reports whether a stack is selected
func (s *Selection) IsSelected(stackID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.selected[stackID]
	return ok
}

// IDs returns the selected stack ids in sorted order
func (s *Selection) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.selected))
	for id := range s.selected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of selected stacks
func (s *Selection) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.selected)
}
