package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamfeed/internal/ics"
	appLog "teamfeed/internal/log"
	"teamfeed/internal/metrics"
	"teamfeed/internal/model"
	"teamfeed/internal/store"
)

func TestMain(m *testing.M) {
	appLog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

var testNow = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func calendar(lines ...string) string {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}, lines...)
	all = append(all, "END:VCALENDAR", "")
	return strings.Join(all, "\r\n")
}

func vevent(lines ...string) []string {
	out := append([]string{"BEGIN:VEVENT"}, lines...)
	return append(out, "END:VEVENT")
}

func join(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// feedServer serves a replaceable body, or a status code when set.
type feedServer struct {
	*httptest.Server
	mu     sync.Mutex
	body   string
	status int
}

func newFeedServer(t *testing.T, body string) *feedServer {
	t.Helper()
	fs := &feedServer{body: body, status: http.StatusOK}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if fs.status != http.StatusOK {
			http.Error(w, "nope", fs.status)
			return
		}
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = io.WriteString(w, fs.body)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) set(body string) {
	fs.mu.Lock()
	fs.body = body
	fs.mu.Unlock()
}

func (fs *feedServer) fail(status int) {
	fs.mu.Lock()
	fs.status = status
	fs.mu.Unlock()
}

type harness struct {
	store  *store.Store
	engine *Engine
}

func newHarness(t *testing.T, f Fetcher) *harness {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.UpsertUser(ctx, &model.User{ID: "u1", Timezone: "America/Los_Angeles"}))
	require.NoError(t, s.UpsertProfile(ctx, &model.Profile{ID: "p1", UserID: "u1", Name: "Sam"}))

	if f == nil {
		f = ics.NewFetcher(5 * time.Second)
	}
	e := New(f, s, Options{Metrics: metrics.New(), Workers: 2})
	e.now = func() time.Time { return testNow }
	return &harness{store: s, engine: e}
}

func (h *harness) connection(t *testing.T, team, url, profileID string) *model.FeedConnection {
	t.Helper()
	fc := &model.FeedConnection{Provider: "ical", ExternalTeamID: team, URL: url, ProfileID: profileID, Sport: "soccer", Color: "#ff0000"}
	require.NoError(t, h.store.UpsertFeedConnection(context.Background(), fc))
	return fc
}

func (h *harness) events(t *testing.T, fcID string) map[string]model.Event {
	t.Helper()
	list, err := h.store.ListEvents(context.Background(), fcID)
	require.NoError(t, err)
	out := make(map[string]model.Event, len(list))
	for _, e := range list {
		out[e.ExternalID] = e
	}
	return out
}

var lionsFeed = calendar(join(
	[]string{"X-WR-CALNAME:Lions U10 Schedule"},
	vevent(
		"UID:utc-1",
		"SUMMARY:Lions vs Tigers",
		"DTSTART:20240301T180000Z",
		"DTEND:20240301T193000Z",
		`LOCATION:Community Gym\, 500 Oak St`,
	),
	vevent(
		"UID:chi-1",
		"SUMMARY:Team Practice",
		"DTSTART;TZID=America/Chicago:20240301T130000",
		"DTEND;TZID=America/Chicago:20240301T143000",
		`LOCATION:1325 North Theis Lane\, Springfield`,
	),
	vevent(
		"UID:float-1",
		"SUMMARY:Spring Tournament",
		"DTSTART:20240301T090000",
	),
)...)

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("normalizes and stores events", func(t *testing.T) {
		fs := newFeedServer(t, lionsFeed)
		h := newHarness(t, nil)
		fc := h.connection(t, "lions", fs.URL, "p1")

		resp := h.engine.Run(ctx, Request{FeedURL: fs.URL, FeedConnectionID: fc.ID, ProfileID: "p1"})
		require.True(t, resp.Success, resp.Details)
		assert.Equal(t, 3, resp.EventCount)
		assert.Equal(t, "Lions U10", resp.TeamName)
		require.NotNil(t, resp.Stats)
		assert.Equal(t, 3, resp.Stats.Inserted)

		events := h.events(t, fc.ID)
		require.Len(t, events, 3)

		game := events["utc-1"]
		assert.Equal(t, time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC), game.StartAt.UTC())
		assert.Equal(t, "Game vs Tigers", game.Title)
		assert.Equal(t, "game", game.EventType)
		assert.Equal(t, "Tigers", game.Opponent)
		assert.Equal(t, "Community Gym", game.Venue)
		assert.Equal(t, "Community Gym, 500 Oak St", game.Location)
		assert.Equal(t, "soccer", game.Sport)
		assert.Equal(t, "#ff0000", game.Color)
		assert.Equal(t, "p1", game.ProfileID)
		assert.True(t, game.Visible)

		practice := events["chi-1"]
		assert.Equal(t, time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC), practice.StartAt.UTC())
		assert.Equal(t, time.Date(2024, 3, 1, 20, 30, 0, 0, time.UTC), practice.EndAt.UTC())
		assert.Equal(t, "Practice", practice.Title)
		assert.Empty(t, practice.Venue)

		tourney := events["float-1"]
		assert.Equal(t, time.Date(2024, 3, 1, 17, 0, 0, 0, time.UTC), tourney.StartAt.UTC())
		assert.Equal(t, time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC), tourney.EndAt.UTC())
		assert.Equal(t, "tournament", tourney.EventType)

		stored, err := h.store.GetFeedConnection(ctx, fc.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSuccess, stored.Status)
		assert.Equal(t, "Lions U10", stored.Name)
		assert.Empty(t, stored.LastError)
		assert.True(t, stored.LastSyncedAt.Equal(testNow))
	})

	t.Run("idempotent", func(t *testing.T) {
		fs := newFeedServer(t, lionsFeed)
		h := newHarness(t, nil)
		fc := h.connection(t, "lions", fs.URL, "p1")
		req := Request{FeedURL: fs.URL, FeedConnectionID: fc.ID, ProfileID: "p1"}

		require.True(t, h.engine.Run(ctx, req).Success)
		first := h.events(t, fc.ID)

		resp := h.engine.Run(ctx, req)
		require.True(t, resp.Success)
		assert.Equal(t, 3, resp.Stats.Unchanged)
		assert.Zero(t, resp.Stats.Inserted+resp.Stats.Updated+resp.Stats.Deleted)

		second := h.events(t, fc.ID)
		require.Len(t, second, len(first))
		for k, e := range first {
			assert.Equal(t, e.ID, second[k].ID)
			assert.True(t, e.UpdatedAt.Equal(second[k].UpdatedAt))
		}
	})

	t.Run("changed event keeps identity and thread", func(t *testing.T) {
		fs := newFeedServer(t, lionsFeed)
		h := newHarness(t, nil)
		fc := h.connection(t, "lions", fs.URL, "p1")
		req := Request{FeedURL: fs.URL, FeedConnectionID: fc.ID, ProfileID: "p1"}

		require.True(t, h.engine.Run(ctx, req).Success)
		before := h.events(t, fc.ID)["utc-1"]
		require.NoError(t, h.store.AddMessage(ctx, &model.EventMessage{EventID: before.ID, Author: "parent", Body: "carpool?"}))

		fs.set(strings.Replace(lionsFeed, "DTSTART:20240301T180000Z", "DTSTART:20240301T183000Z", 1))
		resp := h.engine.Run(ctx, req)
		require.True(t, resp.Success)
		assert.Equal(t, 1, resp.Stats.Updated)

		after := h.events(t, fc.ID)["utc-1"]
		assert.Equal(t, before.ID, after.ID)
		assert.True(t, before.CreatedAt.Equal(after.CreatedAt))
		assert.Equal(t, time.Date(2024, 3, 1, 18, 30, 0, 0, time.UTC), after.StartAt.UTC())

		msgs, err := h.store.ListMessages(ctx, after.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "carpool?", msgs[0].Body)
	})

	t.Run("removed events are deleted", func(t *testing.T) {
		fs := newFeedServer(t, lionsFeed)
		h := newHarness(t, nil)
		fc := h.connection(t, "lions", fs.URL, "p1")
		req := Request{FeedURL: fs.URL, FeedConnectionID: fc.ID, ProfileID: "p1"}
		require.True(t, h.engine.Run(ctx, req).Success)

		fs.set(calendar(join(
			[]string{"X-WR-CALNAME:Lions U10 Schedule"},
			vevent("UID:utc-1", "SUMMARY:Lions vs Tigers", "DTSTART:20240301T180000Z", "DTEND:20240301T193000Z", `LOCATION:Community Gym\, 500 Oak St`),
		)...))
		resp := h.engine.Run(ctx, req)
		require.True(t, resp.Success)
		assert.Equal(t, 2, resp.Stats.Deleted)

		events := h.events(t, fc.ID)
		assert.Len(t, events, 1)
		assert.Contains(t, events, "utc-1")
	})

	t.Run("metadata only run writes no events", func(t *testing.T) {
		body := calendar(join(
			[]string{"X-WR-CALNAME:Hornets Calendar"},
			vevent("UID:a", "SUMMARY:Game", "DTSTART:20240301T180000Z"),
			vevent("UID:a", "SUMMARY:Game", "DTSTART:20240301T180000Z"),
		)...)
		fs := newFeedServer(t, body)
		h := newHarness(t, nil)
		fc := h.connection(t, "hornets", fs.URL, "")

		resp := h.engine.Run(ctx, Request{FeedURL: fs.URL, FeedConnectionID: fc.ID})
		require.True(t, resp.Success, resp.Details)
		assert.Equal(t, 2, resp.EventCount)
		assert.Equal(t, "Hornets", resp.TeamName)
		assert.Nil(t, resp.Stats)

		assert.Empty(t, h.events(t, fc.ID))
		stored, err := h.store.GetFeedConnection(ctx, fc.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSuccess, stored.Status)
		assert.Equal(t, "Hornets", stored.Name)
	})

	t.Run("unknown profile falls back to UTC", func(t *testing.T) {
		fs := newFeedServer(t, calendar(vevent("UID:f", "SUMMARY:Scrimmage", "DTSTART:20240301T090000")...))
		h := newHarness(t, nil)
		fc := h.connection(t, "lions", fs.URL, "ghost")

		resp := h.engine.Run(ctx, Request{FeedURL: fs.URL, FeedConnectionID: fc.ID, ProfileID: "ghost"})
		require.True(t, resp.Success, resp.Details)

		ev := h.events(t, fc.ID)["f"]
		assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), ev.StartAt.UTC())
		assert.Equal(t, "scrimmage", ev.EventType)
	})

	t.Run("webcal url is accepted", func(t *testing.T) {
		h := newHarness(t, &stubFetcher{body: lionsFeed})
		fc := h.connection(t, "lions", "webcal://example.com/lions.ics", "p1")

		resp := h.engine.Run(ctx, Request{FeedURL: fc.URL, FeedConnectionID: fc.ID, ProfileID: "p1"})
		require.True(t, resp.Success, resp.Details)
	})
}

func TestRunFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing parameters", func(t *testing.T) {
		h := newHarness(t, nil)

		resp := h.engine.Run(ctx, Request{FeedConnectionID: "x"})
		assert.False(t, resp.Success)
		assert.Equal(t, KindParameter, ErrorKind(resp.Err))
		assert.Equal(t, "invalid request", resp.Error)

		resp = h.engine.Run(ctx, Request{FeedURL: "https://example.com/a.ics"})
		assert.Equal(t, KindParameter, ErrorKind(resp.Err))

		resp = h.engine.Run(ctx, Request{FeedURL: "https://example.com/a.ics", FeedConnectionID: "missing"})
		assert.Equal(t, KindParameter, ErrorKind(resp.Err))
	})

	t.Run("fetch error marks connection", func(t *testing.T) {
		fs := newFeedServer(t, lionsFeed)
		fs.fail(http.StatusNotFound)
		h := newHarness(t, nil)
		fc := h.connection(t, "lions", fs.URL, "p1")

		resp := h.engine.Run(ctx, Request{FeedURL: fs.URL, FeedConnectionID: fc.ID, ProfileID: "p1"})
		assert.False(t, resp.Success)
		assert.Equal(t, KindFetch, ErrorKind(resp.Err))
		assert.Equal(t, "failed to fetch feed", resp.Error)
		assert.Contains(t, resp.Details, "404")

		stored, err := h.store.GetFeedConnection(ctx, fc.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusError, stored.Status)
		assert.Contains(t, stored.LastError, "404")
		assert.True(t, stored.LastSyncedAt.Equal(testNow))
	})

	t.Run("unsupported scheme is a fetch error", func(t *testing.T) {
		h := newHarness(t, nil)
		fc := h.connection(t, "lions", "ftp://example.com/a.ics", "p1")

		resp := h.engine.Run(ctx, Request{FeedURL: fc.URL, FeedConnectionID: fc.ID, ProfileID: "p1"})
		assert.Equal(t, KindFetch, ErrorKind(resp.Err))
	})

	t.Run("non calendar body is a parse error", func(t *testing.T) {
		h := newHarness(t, &stubFetcher{body: "<html>login</html>"})
		fc := h.connection(t, "lions", "https://example.com/a.ics", "p1")

		resp := h.engine.Run(ctx, Request{FeedURL: fc.URL, FeedConnectionID: fc.ID, ProfileID: "p1"})
		assert.Equal(t, KindParse, ErrorKind(resp.Err))
		assert.Equal(t, "failed to parse feed", resp.Error)
	})

	t.Run("failed run keeps previous events", func(t *testing.T) {
		fs := newFeedServer(t, lionsFeed)
		h := newHarness(t, nil)
		fc := h.connection(t, "lions", fs.URL, "p1")
		req := Request{FeedURL: fs.URL, FeedConnectionID: fc.ID, ProfileID: "p1"}
		require.True(t, h.engine.Run(ctx, req).Success)

		fs.fail(http.StatusInternalServerError)
		assert.False(t, h.engine.Run(ctx, req).Success)
		assert.Len(t, h.events(t, fc.ID), 3)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		h := newHarness(t, &stubFetcher{panics: true})
		fc := h.connection(t, "lions", "https://example.com/a.ics", "p1")

		var resp Response
		require.NotPanics(t, func() {
			resp = h.engine.Run(ctx, Request{FeedURL: fc.URL, FeedConnectionID: fc.ID, ProfileID: "p1"})
		})
		assert.False(t, resp.Success)
		assert.Equal(t, KindInternal, ErrorKind(resp.Err))

		stored, err := h.store.GetFeedConnection(ctx, fc.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusError, stored.Status)
	})
}

func TestRunAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	good := newFeedServer(t, lionsFeed)
	bad := newFeedServer(t, "")
	bad.fail(http.StatusInternalServerError)

	h := newHarness(t, nil)
	okFC := h.connection(t, "lions", good.URL, "p1")
	badFC := h.connection(t, "tigers", bad.URL, "p1")
	metaFC := h.connection(t, "hornets", good.URL, "")

	out, err := h.engine.RunAll(ctx)
	require.NoError(t, err)
	require.Len(t, out, 3)

	byID := make(map[string]Response, len(out))
	for _, r := range out {
		byID[r.FeedConnectionID] = r
	}
	assert.True(t, byID[okFC.ID].Success)
	assert.False(t, byID[badFC.ID].Success)
	assert.True(t, byID[metaFC.ID].Success)
	assert.Nil(t, byID[metaFC.ID].Stats)

	assert.Len(t, h.events(t, okFC.ID), 3)
	assert.Empty(t, h.events(t, badFC.ID))

	stored, err := h.store.GetFeedConnection(ctx, badFC.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, stored.Status)
	stored, err = h.store.GetFeedConnection(ctx, okFC.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, stored.Status)
}

func TestRecurrence(t *testing.T) {
	ctx := context.Background()
	body := calendar(join(
		vevent(
			"UID:weekly",
			"SUMMARY:Practice",
			"DTSTART;TZID=America/Chicago:20240304T170000",
			"DTEND;TZID=America/Chicago:20240304T183000",
			"RRULE:FREQ=WEEKLY;COUNT=4",
			"EXDATE;TZID=America/Chicago:20240318T170000",
		),
		// Moves the second practice; same SEQUENCE as the series.
		vevent(
			"UID:weekly",
			"RECURRENCE-ID;TZID=America/Chicago:20240311T170000",
			"SUMMARY:Practice (moved)",
			"DTSTART;TZID=America/Chicago:20240311T180000",
			"DTEND;TZID=America/Chicago:20240311T193000",
		),
		vevent(
			"UID:cancelled",
			"SUMMARY:Lions vs Bears",
			"STATUS:CANCELLED",
			"DTSTART:20240305T180000Z",
		),
		vevent(
			"SUMMARY:Team Party",
			"DTSTART:20240306T180000Z",
		),
	)...)

	h := newHarness(t, &stubFetcher{body: body})
	fc := h.connection(t, "lions", "https://example.com/a.ics", "p1")

	resp := h.engine.Run(ctx, Request{FeedURL: fc.URL, FeedConnectionID: fc.ID, ProfileID: "p1"})
	require.True(t, resp.Success, resp.Details)

	events := h.events(t, fc.ID)
	// 4 weekly - 1 exdate, override replaces one instance, plus 2 singles.
	assert.Len(t, events, 5)

	first, ok := events["weekly/20240304T230000Z"]
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 4, 23, 0, 0, 0, time.UTC), first.StartAt.UTC())

	// After the DST change 17:00 Chicago is 22:00Z.
	moved, ok := events["weekly/20240311T220000Z"]
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 11, 23, 0, 0, 0, time.UTC), moved.StartAt.UTC())

	assert.NotContains(t, events, "weekly/20240318T220000Z")
	assert.Contains(t, events, "weekly/20240325T220000Z")

	cancelled := events["cancelled"]
	assert.False(t, cancelled.Visible)
	assert.Equal(t, "Game vs Bears", cancelled.Title)

	var synthesized int
	for id, e := range events {
		if strings.HasPrefix(id, "gen-") {
			synthesized++
			assert.Equal(t, "event", e.EventType)
		}
	}
	assert.Equal(t, 1, synthesized)

	// A second run derives the same synthesized id.
	resp = h.engine.Run(ctx, Request{FeedURL: fc.URL, FeedConnectionID: fc.ID, ProfileID: "p1"})
	require.True(t, resp.Success)
	assert.Equal(t, 5, resp.Stats.Unchanged)
}

type stubFetcher struct {
	body   string
	panics bool
}

func (s *stubFetcher) Fetch(_ context.Context, rawURL string) (ics.FetchResult, error) {
	if s.panics {
		panic("boom")
	}
	target, err := ics.NormalizeURL(rawURL)
	if err != nil {
		return ics.FetchResult{}, &ics.FetchError{URL: rawURL, Err: err}
	}
	return ics.FetchResult{URL: target, Body: []byte(s.body), Status: http.StatusOK}, nil
}

func TestRecurrenceWindowAdvance(t *testing.T) {
	ctx := context.Background()
	weekly := vevent(
		"UID:weekly",
		"SUMMARY:Practice",
		"DTSTART:20240304T170000Z",
		"DTEND:20240304T183000Z",
		"RRULE:FREQ=WEEKLY;COUNT=10",
	)
	fetcher := &stubFetcher{body: calendar(weekly...)}
	h := newHarness(t, fetcher)
	fc := h.connection(t, "lions", "https://example.com/a.ics", "p1")
	req := Request{FeedURL: fc.URL, FeedConnectionID: fc.ID, ProfileID: "p1"}

	resp := h.engine.Run(ctx, req)
	require.True(t, resp.Success, resp.Details)
	assert.Equal(t, 10, resp.Stats.Inserted)

	first, ok := h.events(t, fc.ID)["weekly/20240304T170000Z"]
	require.True(t, ok)
	require.NoError(t, h.store.AddMessage(ctx, &model.EventMessage{EventID: first.ID, Author: "parent", Body: "carpool?"}))

	// Same feed, 60 days later: only the last instance is inside the window.
	h.engine.now = func() time.Time { return testNow.Add(60 * 24 * time.Hour) }
	resp = h.engine.Run(ctx, req)
	require.True(t, resp.Success, resp.Details)
	assert.Equal(t, 1, resp.EventCount)
	assert.Zero(t, resp.Stats.Deleted)
	assert.Equal(t, 9, resp.Stats.Retained)

	events := h.events(t, fc.ID)
	assert.Len(t, events, 10)
	kept, ok := events["weekly/20240304T170000Z"]
	require.True(t, ok)
	assert.Equal(t, first.ID, kept.ID)
	msgs, err := h.store.ListMessages(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	t.Run("removing the series upstream deletes its past instances", func(t *testing.T) {
		fetcher.body = calendar(vevent("UID:other", "SUMMARY:Team Party", "DTSTART:20240601T180000Z")...)
		resp := h.engine.Run(ctx, req)
		require.True(t, resp.Success, resp.Details)
		assert.Equal(t, 10, resp.Stats.Deleted)

		events := h.events(t, fc.ID)
		assert.Len(t, events, 1)
		assert.Contains(t, events, "other")
	})
}
