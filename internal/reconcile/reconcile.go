// Package reconcile applies a freshly normalized batch of events to the
// stored events of one feed connection.
//
// Stored rows are diffed against the batch by (provider, feed connection,
// external id): rows missing from the batch are deleted, matching rows are
// updated in place and new keys are inserted. A row's id and created
// timestamp never change, so anything attached to it by id survives.
package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	appLog "teamfeed/internal/log"
	"teamfeed/internal/model"
	"teamfeed/internal/store"
)

// chunkSize keeps IN lists and multi-row inserts under SQLite's bound
// variable limit.
const chunkSize = 200

// Item is one normalized event plus the feed's SEQUENCE for it.
type Item struct {
	Event    model.Event
	Sequence int
}

// Stats counts what a reconcile did.
type Stats struct {
	Seen      int `json:"seen"`
	Unique    int `json:"unique"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	// Retained counts stored series instances kept outside the batch window.
	Retained int `json:"retained"`
}

// Option adjusts one Reconcile call.
type Option func(*options)

type options struct {
	keepBefore time.Time
	series     map[string]struct{}
}

// KeepSeriesBefore keeps stored instances ("uid/instant") of the listed
// recurring series that start before t, even when the batch lacks them. The
// batch only carries instances expanded inside a window starting at t; the
// ones behind it still exist upstream. A series missing from uids is not
// protected, so dropping it upstream still deletes all of its instances.
func KeepSeriesBefore(t time.Time, uids []string) Option {
	return func(o *options) {
		o.keepBefore = t
		if o.series == nil {
			o.series = make(map[string]struct{}, len(uids))
		}
		for _, uid := range uids {
			o.series[uid] = struct{}{}
		}
	}
}

func (o *options) retains(e *model.Event) bool {
	if len(o.series) == 0 || !e.StartAt.Before(o.keepBefore) {
		return false
	}
	i := strings.LastIndexByte(e.ExternalID, '/')
	if i <= 0 {
		return false
	}
	_, ok := o.series[e.ExternalID[:i]]
	return ok
}

type Reconciler struct {
	store *store.Store
	now   func() time.Time
}

func New(s *store.Store) *Reconciler {
	return &Reconciler{store: s, now: time.Now}
}

// Dedup keeps one item per external id. A higher Sequence wins; on a tie the
// later item wins. Output order follows each key's first appearance.
func Dedup(items []Item) []Item {
	idx := make(map[string]int, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		i, ok := idx[it.Event.ExternalID]
		if !ok {
			idx[it.Event.ExternalID] = len(out)
			out = append(out, it)
			continue
		}
		if it.Sequence >= out[i].Sequence {
			out[i] = it
		}
	}
	return out
}

// Reconcile makes the stored events of fc equal to items, except for rows an
// Option retains. It runs in one transaction while holding fc's run lock.
func (r *Reconciler) Reconcile(ctx context.Context, fc *model.FeedConnection, items []Item, opts ...Option) (Stats, error) {
	if fc == nil || fc.ID == "" {
		return Stats{}, &store.StoreError{Op: "reconcile", Err: errors.New("feed connection is blank")}
	}

	unlock := r.store.Lock(fc.ID)
	defer unlock()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	unique := Dedup(items)
	stats := Stats{Seen: len(items), Unique: len(unique)}
	now := r.now().UTC()

	err := r.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var existing []model.Event
		if err := tx.NewSelect().
			Model(&existing).
			Where("feed_connection_id = ?", fc.ID).
			Scan(ctx); err != nil {
			return err
		}

		byKey := make(map[string]*model.Event, len(existing))
		for i := range existing {
			e := &existing[i]
			byKey[key(e.Provider, e.ExternalID)] = e
		}

		incoming := make(map[string]struct{}, len(unique))
		for _, it := range unique {
			incoming[key(fc.Provider, it.Event.ExternalID)] = struct{}{}
		}

		var stale []string
		for k, e := range byKey {
			if _, ok := incoming[k]; ok {
				continue
			}
			if o.retains(e) {
				stats.Retained++
				continue
			}
			stale = append(stale, e.ID)
		}
		if err := deleteEvents(ctx, tx, stale); err != nil {
			return err
		}
		stats.Deleted = len(stale)

		var inserts []model.Event
		for _, it := range unique {
			ev := it.Event
			ev.Provider = fc.Provider
			ev.FeedConnectionID = fc.ID

			cur, ok := byKey[key(ev.Provider, ev.ExternalID)]
			if !ok {
				ev.ID = uuid.NewString()
				ev.CreatedAt = now
				ev.UpdatedAt = now
				inserts = append(inserts, ev)
				continue
			}
			if cur.SameContent(&ev) {
				stats.Unchanged++
				continue
			}

			ev.ID = cur.ID
			ev.CreatedAt = cur.CreatedAt
			ev.UpdatedAt = now
			if _, err := tx.NewUpdate().
				Model(&ev).
				Column(updateColumns...).
				WherePK().
				Exec(ctx); err != nil {
				return err
			}
			stats.Updated++
		}

		for start := 0; start < len(inserts); start += chunkSize {
			batch := inserts[start:min(start+chunkSize, len(inserts))]
			if _, err := tx.NewInsert().Model(&batch).Exec(ctx); err != nil {
				return err
			}
		}
		stats.Inserted = len(inserts)
		return nil
	})
	if err != nil {
		return Stats{Seen: stats.Seen, Unique: stats.Unique}, err
	}

	appLog.Info("reconciled feed",
		"feed_connection_id", fc.ID,
		"seen", stats.Seen,
		"unique", stats.Unique,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
		"unchanged", stats.Unchanged,
		"retained", stats.Retained,
	)
	return stats, nil
}

var updateColumns = []string{
	"title", "description", "start_at", "end_at", "all_day",
	"location", "venue", "event_type", "opponent", "sport", "color",
	"profile_id", "visible", "updated_at",
}

func key(provider, externalID string) string {
	return provider + "\x00" + externalID
}

// deleteEvents removes events and their message threads.
func deleteEvents(ctx context.Context, tx bun.Tx, ids []string) error {
	for start := 0; start < len(ids); start += chunkSize {
		batch := ids[start:min(start+chunkSize, len(ids))]
		if _, err := tx.NewDelete().
			Model((*model.EventMessage)(nil)).
			Where("event_id IN (?)", bun.In(batch)).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*model.Event)(nil)).
			Where("id IN (?)", bun.In(batch)).
			Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}
