// Package chat is the per-trip message thread shared by rider and driver.
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/storage"
)

type Store interface {
	AppendMessage(ctx context.Context, m *models.ChatMessage) (*models.ChatMessage, error)
	ListMessages(ctx context.Context, tripID string) ([]models.ChatMessage, error)
}

type Service struct {
	store Store
	feed  storage.Feed
	log   *zap.SugaredLogger
}

func New(store Store, feed storage.Feed, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{store: store, feed: feed, log: log}
}

// History returns the trip's messages oldest first.
func (s *Service) History(ctx context.Context, tripID string) ([]models.ChatMessage, error) {
	msgs, err := s.store.ListMessages(ctx, tripID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

func (s *Service) Send(ctx context.Context, tripID string, role models.SenderRole, text string) (*models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty message: %w", models.ErrInvalidInput)
	}
	if tripID == "" {
		return nil, fmt.Errorf("message without a trip: %w", models.ErrInvalidInput)
	}
	return s.store.AppendMessage(ctx, &models.ChatMessage{TripID: tripID, SenderRole: role, Text: text})
}

// Follow calls fn for every message inserted on the trip until the returned
// subscription is cancelled or ctx ends.
func (s *Service) Follow(ctx context.Context, tripID string, fn func(models.ChatMessage)) (*storage.Subscription, error) {
	sub, err := s.feed.Subscribe(ctx, storage.Filter{
		Table: storage.TableMessages,
		Ops:   []storage.Op{storage.OpInsert},
		Field: "trip_id",
		Value: tripID,
	})
	if err != nil {
		return nil, fmt.Errorf("follow chat %s: %w", tripID, err)
	}
	go func() {
		for ev := range sub.C {
			if ev.Message != nil {
				fn(*ev.Message)
			}
		}
		s.log.Debugw("chat follow ended", "trip_id", tripID)
	}()
	return sub, nil
}
