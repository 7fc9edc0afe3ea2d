package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"teamfeed/internal/model"
)

// ListEvents returns the events of one feed connection ordered by start.
func (s *Store) ListEvents(ctx context.Context, feedConnectionID string) ([]model.Event, error) {
	var out []model.Event
	if err := s.db.NewSelect().
		Model(&out).
		Where("feed_connection_id = ?", feedConnectionID).
		Order("start_at ASC", "external_id ASC").
		Scan(ctx); err != nil {
		return nil, wrap("list events", err)
	}
	return out, nil
}

// AddMessage attaches a message to an existing event.
func (s *Store) AddMessage(ctx context.Context, m *model.EventMessage) error {
	if m.EventID == "" {
		return wrap("add message", errors.New("event id is blank"))
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return wrap("add message", err)
	}
	return nil
}

// ListMessages returns the thread of one event, oldest first.
func (s *Store) ListMessages(ctx context.Context, eventID string) ([]model.EventMessage, error) {
	var out []model.EventMessage
	if err := s.db.NewSelect().
		Model(&out).
		Where("event_id = ?", eventID).
		Order("created_at ASC").
		Scan(ctx); err != nil {
		return nil, wrap("list messages", err)
	}
	return out, nil
}

// UpsertUser creates or updates a user and its timezone preference.
func (s *Store) UpsertUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		return wrap("upsert user", errors.New("user id is blank"))
	}
	if _, err := s.db.NewInsert().
		Model(u).
		On("CONFLICT (id) DO UPDATE").
		Set("timezone = EXCLUDED.timezone").
		Exec(ctx); err != nil {
		return wrap("upsert user", err)
	}
	return nil
}

// UpsertProfile creates or updates a profile.
func (s *Store) UpsertProfile(ctx context.Context, p *model.Profile) error {
	switch {
	case p.ID == "":
		return wrap("upsert profile", errors.New("profile id is blank"))
	case p.UserID == "":
		return wrap("upsert profile", errors.New("user id is blank"))
	}
	if _, err := s.db.NewInsert().
		Model(p).
		On("CONFLICT (id) DO UPDATE").
		Set("user_id = EXCLUDED.user_id").
		Set("name = EXCLUDED.name").
		Exec(ctx); err != nil {
		return wrap("upsert profile", err)
	}
	return nil
}

// ProfileTimezone resolves profile -> owning user -> timezone preference.
// A missing profile or user wraps ErrNotFound.
func (s *Store) ProfileTimezone(ctx context.Context, profileID string) (string, error) {
	p := new(model.Profile)
	if err := s.db.NewSelect().
		Model(p).
		Relation("User").
		Where("profile.id = ?", profileID).
		Scan(ctx); err != nil {
		return "", wrap("profile timezone", err)
	}
	if p.User == nil || p.User.ID == "" {
		return "", wrap("profile timezone", ErrNotFound)
	}
	return strings.TrimSpace(p.User.Timezone), nil
}
