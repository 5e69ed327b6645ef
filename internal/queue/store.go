// Package queue persists the uploader's work list in a local SQLite file.
// The store is the durable source of truth across restarts and is written
// by a single orchestrator process.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// State is the upload state of a queue item
type State string

const (
	StatePending   State = "pending"
	StateUploading State = "uploading"
	StateUploaded  State = "uploaded"
	StateFailed    State = "failed"
)

var (
	ErrNotFound          = errors.New("queue item not found")
	ErrDuplicate         = errors.New("queue item already exists")
	ErrStackExists       = errors.New("stack already queued")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// transitions lists the allowed next states. Uploading to Uploading resumes
// an item interrupted by a restart.
var transitions = map[State][]State{
	StatePending:   {StateUploading},
	StateUploading: {StateUploading, StateUploaded, StateFailed},
	StateFailed:    {StateUploading},
}

// CanTransition reports whether an item in from may move to to
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Item is one photo waiting to be delivered
type Item struct {
	PhotoID       string     `json:"photoId" gorm:"primaryKey"`
	StackID       string     `json:"stackId" gorm:"not null;index"`
	Position      int        `json:"position" gorm:"not null"`
	JobID         string     `json:"jobId" gorm:"index"`
	Path          string     `json:"path" gorm:"not null"`
	MimeType      string     `json:"mimeType"`
	Size          int64      `json:"size"`
	ExposureIndex int        `json:"exposureIndex"`
	ExposureComp  float64    `json:"exposureCompensation"`
	CapturedAt    *time.Time `json:"capturedAt,omitempty"`
	RoomTag       string     `json:"roomTag,omitempty"`
	State         State      `json:"state" gorm:"not null;index;default:pending"`
	RetryCount    int        `json:"retryCount"`
	FileID        string     `json:"fileId,omitempty"`
	ObjectKey     string     `json:"objectKey,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// TableName pins the table name
func (Item) TableName() string {
	return "upload_queue"
}

// Change carries the fields recorded alongside a transition. Empty fields
// leave the stored value untouched.
type Change struct {
	FileID    string
	ObjectKey string
	LastError string
	Retries   int
}

// Store is the queue store
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the SQLite queue at path
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return NewStore(db)
}

// NewStore wraps an existing connection and ensures the schema
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Item{}); err != nil {
		return nil, fmt.Errorf("failed to migrate queue schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append adds items in the Pending state. Nothing is written if any photo
// id is already queued.
func (s *Store) Append(ctx context.Context, items ...Item) error {
	if len(items) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// stack membership is fixed once a stack is queued
		checked := make(map[string]struct{})
		for i := range items {
			if _, ok := checked[items[i].StackID]; ok {
				continue
			}
			checked[items[i].StackID] = struct{}{}

			var count int64
			if err := tx.Model(&Item{}).Where("stack_id = ?", items[i].StackID).Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check stack: %w", err)
			}
			if count > 0 {
				return fmt.Errorf("%w: %s", ErrStackExists, items[i].StackID)
			}
		}

		for i := range items {
			var count int64
			if err := tx.Model(&Item{}).Where("photo_id = ?", items[i].PhotoID).Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check queue item: %w", err)
			}
			if count > 0 {
				return fmt.Errorf("%w: %s", ErrDuplicate, items[i].PhotoID)
			}

			items[i].State = StatePending
			items[i].RetryCount = 0
			if err := tx.Create(&items[i]).Error; err != nil {
				return fmt.Errorf("failed to append queue item: %w", err)
			}
		}
		return nil
	})
}

// List returns items ordered by stack and position, optionally restricted
// to the given states
func (s *Store) List(ctx context.Context, states ...State) ([]Item, error) {
	query := s.db.WithContext(ctx).Order("stack_id").Order("position")
	if len(states) > 0 {
		query = query.Where("state IN ?", states)
	}

	var items []Item
	if err := query.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	return items, nil
}

// ListStacks returns the items of the given stacks ordered by stack and position
func (s *Store) ListStacks(ctx context.Context, stackIDs []string) ([]Item, error) {
	if len(stackIDs) == 0 {
		return nil, nil
	}

	var items []Item
	err := s.db.WithContext(ctx).
		Where("stack_id IN ?", stackIDs).
		Order("stack_id").Order("position").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stacks: %w", err)
	}
	return items, nil
}

// Get returns one item
func (s *Store) Get(ctx context.Context, photoID string) (*Item, error) {
	var item Item
	err := s.db.WithContext(ctx).Where("photo_id = ?", photoID).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return &item, nil
}

// Transition moves an item to state to, recording change. Moves not in
// the state machine return ErrInvalidTransition.
func (s *Store) Transition(ctx context.Context, photoID string, to State, change Change) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var item Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("photo_id = ?", photoID).First(&item).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load queue item: %w", err)
		}
		if !CanTransition(item.State, to) {
			return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, photoID, item.State, to)
		}

		updates := map[string]interface{}{"state": to}
		if change.FileID != "" {
			updates["file_id"] = change.FileID
		}
		if change.ObjectKey != "" {
			updates["object_key"] = change.ObjectKey
		}
		if to == StateUploaded {
			updates["last_error"] = ""
		} else if change.LastError != "" {
			updates["last_error"] = change.LastError
		}
		if change.Retries > 0 {
			updates["retry_count"] = gorm.Expr("retry_count + ?", change.Retries)
		}

		if err := tx.Model(&Item{}).Where("photo_id = ?", photoID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update queue item: %w", err)
		}
		return tx.Where("photo_id = ?", photoID).First(&item).Error
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// SetRoomTag tags every item of a stack. Stack membership never changes.
func (s *Store) SetRoomTag(ctx context.Context, stackID, tag string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.db.WithContext(ctx).Model(&Item{}).Where("stack_id = ?", stackID).Update("room_tag", tag)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to tag stack: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	return result.RowsAffected, nil
}

// Remove deletes the given items
func (s *Store) Remove(ctx context.Context, photoIDs ...string) error {
	if len(photoIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.WithContext(ctx).Where("photo_id IN ?", photoIDs).Delete(&Item{}).Error; err != nil {
		return fmt.Errorf("failed to remove queue items: %w", err)
	}
	return nil
}

// Counts returns the number of items in each state
func (s *Store) Counts(ctx context.Context) (map[State]int, error) {
	var rows []struct {
		State State
		Total int
	}
	err := s.db.WithContext(ctx).Model(&Item{}).
		Select("state, count(*) AS total").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count queue: %w", err)
	}

	counts := make(map[State]int, len(rows))
	for _, row := range rows {
		counts[row.State] = row.Total
	}
	return counts, nil
}
