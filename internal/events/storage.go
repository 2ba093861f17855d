package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// StoredEvent is the database row for a persisted event.
type StoredEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	EventID   string    `gorm:"uniqueIndex;not null" json:"event_id"`
	Type      string    `gorm:"not null;index" json:"type"`
	Source    string    `gorm:"not null;index" json:"source"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Data      string    `gorm:"type:text" json:"data"` // JSON-encoded event data
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName returns the table name for StoredEvent
func (StoredEvent) TableName() string {
	return "pipeline_events"
}

// ToEvent converts a StoredEvent to an Event
func (se *StoredEvent) ToEvent() (Event, error) {
	event := Event{
		ID:        se.EventID,
		Type:      EventType(se.Type),
		Source:    se.Source,
		Title:     se.Title,
		Message:   se.Message,
		Timestamp: se.CreatedAt,
		Data:      make(map[string]interface{}),
	}
	if se.Data != "" {
		if err := json.Unmarshal([]byte(se.Data), &event.Data); err != nil {
			return event, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
	}
	return event, nil
}

// FromEvent fills a StoredEvent from an Event
func (se *StoredEvent) FromEvent(event Event) error {
	se.EventID = event.ID
	se.Type = string(event.Type)
	se.Source = event.Source
	se.Title = event.Title
	se.Message = event.Message
	se.CreatedAt = event.Timestamp

	if event.Data != nil {
		dataBytes, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		se.Data = string(dataBytes)
	}
	return nil
}

// databaseEventStorage implements EventStorage using GORM
type databaseEventStorage struct {
	db *gorm.DB
}

// NewDatabaseEventStorage creates a new database event storage
func NewDatabaseEventStorage(db *gorm.DB) EventStorage {
	return &databaseEventStorage{db: db}
}

// Store stores an event in the database
func (s *databaseEventStorage) Store(ctx context.Context, event Event) error {
	var stored StoredEvent
	if err := stored.FromEvent(event); err != nil {
		return fmt.Errorf("failed to convert event: %w", err)
	}
	if err := s.db.WithContext(ctx).Create(&stored).Error; err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// Get retrieves events based on filter
func (s *databaseEventStorage) Get(ctx context.Context, filter EventFilter, limit, offset int) ([]Event, int64, error) {
	query := s.db.WithContext(ctx).Model(&StoredEvent{})

	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		query = query.Where("type IN ?", types)
	}
	if len(filter.Sources) > 0 {
		query = query.Where("source IN ?", filter.Sources)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	var rows []StoredEvent
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to retrieve events: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		event, err := row.ToEvent()
		if err != nil {
			continue // skip rows with unreadable payloads
		}
		events = append(events, event)
	}
	return events, total, nil
}

// Delete removes events older than the specified duration
func (s *databaseEventStorage) Delete(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	if err := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&StoredEvent{}).Error; err != nil {
		return fmt.Errorf("failed to delete old events: %w", err)
	}
	return nil
}

// Close closes the storage (no-op for database storage)
func (s *databaseEventStorage) Close() error {
	return nil
}

// memoryEventStorage implements EventStorage in memory, for tests and
// deployments without persistence.
type memoryEventStorage struct {
	events []Event
	mutex  sync.RWMutex
}

// NewMemoryEventStorage creates a new in-memory event storage
func NewMemoryEventStorage() EventStorage {
	return &memoryEventStorage{events: make([]Event, 0)}
}

func (s *memoryEventStorage) Store(ctx context.Context, event Event) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memoryEventStorage) Get(ctx context.Context, filter EventFilter, limit, offset int) ([]Event, int64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var filtered []Event
	for _, event := range s.events {
		if MatchesFilter(event, filter) {
			filtered = append(filtered, event)
		}
	}
	total := int64(len(filtered))

	if offset >= len(filtered) {
		return []Event{}, total, nil
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end], total, nil
}

func (s *memoryEventStorage) Delete(ctx context.Context, olderThan time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var kept []Event
	for _, event := range s.events {
		if event.Timestamp.After(cutoff) {
			kept = append(kept, event)
		}
	}
	s.events = kept
	return nil
}

func (s *memoryEventStorage) Close() error {
	return nil
}
