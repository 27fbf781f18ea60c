// Package service is the facade collaborators call into: it ties the record
// store, the search engine, and the rebuild coordinator together, so every
// mutation fires an asynchronous rebuild request and a change notification.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/frenzywall/changehist/internal/history"
	"github.com/frenzywall/changehist/internal/search"
	"github.com/frenzywall/changehist/internal/search/rebuild"
	"github.com/frenzywall/changehist/pkg/kafka"
	"github.com/frenzywall/changehist/pkg/logger"
)

// changeEvent is the notification published on every mutation.
type changeEvent struct {
	Action string  `json:"action"`
	ID     float64 `json:"id"`
	Title  string  `json:"title,omitempty"`
	At     string  `json:"at"`
}

// Service exposes the public operations of the history subsystem.
type Service struct {
	store  *history.Store
	engine *search.Engine
	coord  *rebuild.Coordinator
	events *kafka.Producer // nil when notifications are disabled
	logger *slog.Logger
}

// New wires the facade. events may be nil.
func New(store *history.Store, engine *search.Engine, coord *rebuild.Coordinator, events *kafka.Producer) *Service {
	return &Service{
		store:  store,
		engine: engine,
		coord:  coord,
		events: events,
		logger: logger.WithComponent("history-service"),
	}
}

// Insert stores a new submission, requests an index rebuild, and notifies
// listeners. The rebuild runs in the background; the caller never waits.
func (s *Service) Insert(ctx context.Context, title, dateLabel, editor string, payload json.RawMessage) (float64, error) {
	id, err := s.store.Insert(ctx, title, dateLabel, editor, payload)
	if err != nil {
		return 0, err
	}
	s.coord.Request()
	s.notify("insert", id, title)
	return id, nil
}

// Delete removes a submission by id. A successful removal requests a rebuild
// so the index catches up on the next pass.
func (s *Service) Delete(ctx context.Context, id float64) (bool, error) {
	removed, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if removed {
		s.coord.Request()
		s.notify("delete", id, "")
	}
	return removed, nil
}

// GetByID returns a single record.
func (s *Service) GetByID(ctx context.Context, id float64) (*history.Record, error) {
	return s.store.GetByID(ctx, id)
}

// GetPage returns one page of records, newest first.
func (s *Service) GetPage(ctx context.Context, page, pageSize int) ([]history.Record, history.PageInfo, error) {
	return s.store.GetPage(ctx, page, pageSize)
}

// Search returns ranked records for a free-text query.
func (s *Service) Search(ctx context.Context, query string) ([]history.Record, error) {
	return s.engine.Search(ctx, query)
}

// TriggerRebuild requests an index rebuild without waiting for it.
func (s *Service) TriggerRebuild() {
	s.coord.Request()
}

// RebuildInProgress reports whether any worker holds the rebuild lease.
func (s *Service) RebuildInProgress(ctx context.Context) (bool, error) {
	return s.coord.InProgress(ctx)
}

// notify publishes a change event without blocking the caller. Notification
// failures are logged, never surfaced.
func (s *Service) notify(action string, id float64, title string) {
	if s.events == nil {
		return
	}
	event := changeEvent{
		Action: action,
		ID:     id,
		Title:  title,
		At:     time.Now().UTC().Format(time.RFC3339),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.events.Publish(ctx, kafka.Event{Key: action, Value: event}); err != nil {
			s.logger.Warn("change notification failed", "action", action, "error", err)
		}
	}()
}
