// Package model holds the persisted records of the sync engine.
package model

import (
	"time"

	"github.com/uptrace/bun"
)

// SyncStatus is the last known state of a FeedConnection.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSuccess SyncStatus = "success"
	StatusError   SyncStatus = "error"
)

// FeedConnection links an external team schedule to a destination profile.
type FeedConnection struct {
	bun.BaseModel `bun:"table:feed_connections"`

	ID             string `bun:"id,pk"`
	Provider       string `bun:"provider,notnull,unique:provider_team"`
	ExternalTeamID string `bun:"external_team_id,notnull,unique:provider_team"`
	URL            string `bun:"url,notnull"`
	// ProfileID is empty for metadata-only connections.
	ProfileID string `bun:"profile_id,nullzero"`
	Name      string `bun:"name"`
	Sport     string `bun:"sport"`
	Color     string `bun:"color"`

	Status       SyncStatus `bun:"status,notnull,default:'pending'"`
	LastSyncedAt time.Time  `bun:"last_synced_at,nullzero"`
	LastError    string     `bun:"last_error"`

	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`

	Events []*Event `bun:"rel:has-many,join:id=feed_connection_id"`
}

// Event is one normalized schedule entry. (Provider, FeedConnectionID,
// ExternalID) identifies it across syncs; ID never changes once assigned.
type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID               string `bun:"id,pk"`
	Provider         string `bun:"provider,notnull,unique:event_key"`
	FeedConnectionID string `bun:"feed_connection_id,notnull,unique:event_key"`
	ExternalID       string `bun:"external_id,notnull,unique:event_key"`

	Title       string    `bun:"title,notnull"`
	Description string    `bun:"description"`
	StartAt     time.Time `bun:"start_at,notnull"`
	EndAt       time.Time `bun:"end_at,notnull"`
	AllDay      bool      `bun:"all_day,notnull"`
	Location    string    `bun:"location"`
	Venue       string    `bun:"venue"`
	EventType   string    `bun:"event_type,notnull"`
	Opponent    string    `bun:"opponent"`
	Sport       string    `bun:"sport"`
	Color       string    `bun:"color"`
	ProfileID   string    `bun:"profile_id,notnull"`
	Visible     bool      `bun:"visible,notnull"`

	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`

	Messages []*EventMessage `bun:"rel:has-many,join:id=event_id"`
}

// SameContent reports whether every synced field of e equals o. Identity
// and timestamps are ignored.
func (e *Event) SameContent(o *Event) bool {
	return e.Title == o.Title &&
		e.Description == o.Description &&
		e.StartAt.Equal(o.StartAt) &&
		e.EndAt.Equal(o.EndAt) &&
		e.AllDay == o.AllDay &&
		e.Location == o.Location &&
		e.Venue == o.Venue &&
		e.EventType == o.EventType &&
		e.Opponent == o.Opponent &&
		e.Sport == o.Sport &&
		e.Color == o.Color &&
		e.ProfileID == o.ProfileID &&
		e.Visible == o.Visible
}

// User owns profiles and carries the timezone preference.
type User struct {
	bun.BaseModel `bun:"table:users"`

	ID       string `bun:"id,pk"`
	Timezone string `bun:"timezone"`
}

type Profile struct {
	bun.BaseModel `bun:"table:profiles"`

	ID     string `bun:"id,pk"`
	UserID string `bun:"user_id,notnull"`
	Name   string `bun:"name"`

	User *User `bun:"rel:belongs-to,join:user_id=id"`
}

// EventMessage is a comment thread entry attached to an event by users.
// The engine never writes these; it must keep them attached across syncs.
type EventMessage struct {
	bun.BaseModel `bun:"table:event_messages"`

	ID        string    `bun:"id,pk"`
	EventID   string    `bun:"event_id,notnull"`
	Author    string    `bun:"author"`
	Body      string    `bun:"body"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

// All lists every model in creation order.
func All() []any {
	return []any{
		(*User)(nil),
		(*Profile)(nil),
		(*FeedConnection)(nil),
		(*Event)(nil),
		(*EventMessage)(nil),
	}
}
