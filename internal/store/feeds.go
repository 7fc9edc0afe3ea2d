package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"teamfeed/internal/model"
)

// UpsertFeedConnection inserts fc or updates the row with the same
// (provider, external team id). fc is refreshed from the stored row, so a
// pre-existing connection keeps its id. An empty Name never overwrites a
// derived one.
func (s *Store) UpsertFeedConnection(ctx context.Context, fc *model.FeedConnection) error {
	switch {
	case fc.Provider == "":
		return wrap("upsert feed connection", errors.New("provider is blank"))
	case fc.ExternalTeamID == "":
		return wrap("upsert feed connection", errors.New("external team id is blank"))
	case fc.URL == "":
		return wrap("upsert feed connection", errors.New("url is blank"))
	}

	now := time.Now().UTC()
	if fc.ID == "" {
		fc.ID = uuid.NewString()
	}
	if fc.Status == "" {
		fc.Status = model.StatusPending
	}
	if fc.CreatedAt.IsZero() {
		fc.CreatedAt = now
	}
	fc.UpdatedAt = now

	if _, err := s.db.NewInsert().
		Model(fc).
		On("CONFLICT (provider, external_team_id) DO UPDATE").
		Set("url = EXCLUDED.url").
		Set("profile_id = EXCLUDED.profile_id").
		Set("name = COALESCE(NULLIF(EXCLUDED.name, ''), name)").
		Set("sport = EXCLUDED.sport").
		Set("color = EXCLUDED.color").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx); err != nil {
		return wrap("upsert feed connection", err)
	}

	return wrap("upsert feed connection", s.db.NewSelect().
		Model(fc).
		Where("provider = ?", fc.Provider).
		Where("external_team_id = ?", fc.ExternalTeamID).
		Scan(ctx))
}

// GetFeedConnection loads one connection. A missing row wraps ErrNotFound.
func (s *Store) GetFeedConnection(ctx context.Context, id string) (*model.FeedConnection, error) {
	fc := new(model.FeedConnection)
	if err := s.db.NewSelect().Model(fc).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, wrap("get feed connection", err)
	}
	return fc, nil
}

// ListFeedConnections returns every connection ordered by name.
func (s *Store) ListFeedConnections(ctx context.Context) ([]model.FeedConnection, error) {
	var out []model.FeedConnection
	if err := s.db.NewSelect().Model(&out).Order("name ASC", "id ASC").Scan(ctx); err != nil {
		return nil, wrap("list feed connections", err)
	}
	return out, nil
}

// StatusUpdate is written by SetStatus. Name is only written when set.
type StatusUpdate struct {
	Status    model.SyncStatus
	Name      string
	LastError string
	SyncedAt  time.Time
}

// SetStatus records the outcome of a run on a connection.
func (s *Store) SetStatus(ctx context.Context, id string, u StatusUpdate) error {
	q := s.db.NewUpdate().
		Model((*model.FeedConnection)(nil)).
		Set("status = ?", u.Status).
		Set("last_error = ?", u.LastError).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id)
	if !u.SyncedAt.IsZero() {
		q = q.Set("last_synced_at = ?", u.SyncedAt.UTC())
	}
	if u.Name != "" {
		q = q.Set("name = ?", u.Name)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return wrap("set status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return wrap("set status", ErrNotFound)
	}
	return nil
}

// DeleteFeedConnection removes a connection, its events and their messages.
func (s *Store) DeleteFeedConnection(ctx context.Context, id string) error {
	unlock := s.Lock(id)
	defer unlock()

	return s.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		eventIDs := tx.NewSelect().
			Model((*model.Event)(nil)).
			Column("id").
			Where("feed_connection_id = ?", id)
		if _, err := tx.NewDelete().
			Model((*model.EventMessage)(nil)).
			Where("event_id IN (?)", eventIDs).
			Exec(ctx); err != nil {
			return wrap("delete feed connection messages", err)
		}
		if _, err := tx.NewDelete().
			Model((*model.Event)(nil)).
			Where("feed_connection_id = ?", id).
			Exec(ctx); err != nil {
			return wrap("delete feed connection events", err)
		}
		if _, err := tx.NewDelete().
			Model((*model.FeedConnection)(nil)).
			Where("id = ?", id).
			Exec(ctx); err != nil {
			return wrap("delete feed connection", err)
		}
		return nil
	})
}
