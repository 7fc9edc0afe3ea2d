// Package pipeline runs one feed sync end to end: fetch, parse, normalize,
// reconcile and status reporting. Each run is independent and always ends
// in a structured Response, even when a stage panics.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"teamfeed/internal/ics"
	appLog "teamfeed/internal/log"
	"teamfeed/internal/metrics"
	"teamfeed/internal/model"
	"teamfeed/internal/reconcile"
	"teamfeed/internal/store"
	"teamfeed/internal/tz"
)

// Fetcher downloads a feed body. *ics.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (ics.FetchResult, error)
}

// Request triggers one feed sync. ProfileID empty means a metadata-only run.
type Request struct {
	FeedURL          string `json:"feedUrl"`
	FeedConnectionID string `json:"feedConnectionId"`
	ProfileID        string `json:"profileId,omitempty"`
}

// Response is the outcome of one run.
type Response struct {
	Success          bool             `json:"success"`
	FeedConnectionID string           `json:"feedConnectionId,omitempty"`
	EventCount       int              `json:"eventCount"`
	TeamName         string           `json:"teamName,omitempty"`
	Stats            *reconcile.Stats `json:"stats,omitempty"`
	Error            string           `json:"error,omitempty"`
	Details          string           `json:"details,omitempty"`

	// Err is the failure cause, for callers that map error kinds.
	Err error `json:"-"`
}

// ParameterError means the request itself is unusable.
type ParameterError struct {
	Field  string
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// Options tune an Engine. Zero values pick defaults.
type Options struct {
	Metrics *metrics.Recorder
	// DefaultLocation is used when a profile's timezone can't be resolved.
	// Nil means UTC.
	DefaultLocation *time.Location
	// Backfill and Horizon bound recurrence expansion around now. Backfill
	// is taken as given (zero starts the window at now); a non-positive
	// Horizon means defaultHorizon.
	Backfill time.Duration
	Horizon  time.Duration
	// Workers caps concurrent runs in RunAll.
	Workers int
}

const (
	defaultHorizon = 365 * 24 * time.Hour
	defaultWorkers = 4
)

type Engine struct {
	fetcher    Fetcher
	store      *store.Store
	reconciler *reconcile.Reconciler
	metrics    *metrics.Recorder

	fallback *time.Location
	backfill time.Duration
	horizon  time.Duration
	workers  int

	now func() time.Time
}

func New(f Fetcher, s *store.Store, opts Options) *Engine {
	e := &Engine{
		fetcher:    f,
		store:      s,
		reconciler: reconcile.New(s),
		metrics:    opts.Metrics,
		fallback:   opts.DefaultLocation,
		backfill:   opts.Backfill,
		horizon:    opts.Horizon,
		workers:    opts.Workers,
		now:        time.Now,
	}
	if e.fallback == nil {
		e.fallback = time.UTC
	}
	if e.backfill < 0 {
		e.backfill = 0
	}
	if e.horizon <= 0 {
		e.horizon = defaultHorizon
	}
	if e.workers <= 0 {
		e.workers = defaultWorkers
	}
	return e
}

// Run executes one sync. It never panics. Every failure updates the
// connection status (best effort) and is described in the Response.
func (e *Engine) Run(ctx context.Context, req Request) (resp Response) {
	done := e.metrics.RunStarted()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("sync panicked: %v", r)
			appLog.Error("sync panicked", err, "feed_connection_id", req.FeedConnectionID)
			resp = e.fail(ctx, req, err)
		}
		switch {
		case !resp.Success:
			done(metrics.OutcomeError, errorKind(resp.Err))
		case resp.Stats == nil:
			done(metrics.OutcomeMetadataOnly, "")
		default:
			done(metrics.OutcomeSuccess, "")
		}
	}()

	if err := validate(req); err != nil {
		return e.fail(ctx, req, err)
	}

	fc, err := e.store.GetFeedConnection(ctx, req.FeedConnectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = &ParameterError{Field: "feedConnectionId", Reason: "unknown feed connection"}
		}
		return e.fail(ctx, req, err)
	}

	if err := e.store.SetStatus(ctx, fc.ID, store.StatusUpdate{Status: model.StatusPending, LastError: fc.LastError}); err != nil {
		return e.fail(ctx, req, err)
	}

	logKV := []any{"feed_connection_id", fc.ID, "url", ics.RedactURL(req.FeedURL)}
	appLog.Info("sync started", logKV...)

	res, err := e.fetcher.Fetch(ctx, req.FeedURL)
	e.metrics.ObserveFetch(res.Duration, len(res.Body), err)
	if err != nil {
		return e.fail(ctx, req, err)
	}

	feed, err := ics.Parse(res.Body)
	if err != nil {
		return e.fail(ctx, req, err)
	}
	e.metrics.ObserveSkipped(feed.Skipped)

	name := ics.DeriveName(feed, req.FeedURL)

	if req.ProfileID == "" {
		e.reportSuccess(ctx, fc.ID, name)
		appLog.Info("metadata-only sync finished", append(logKV, "team", name, "events", len(feed.Events))...)
		return Response{
			Success:          true,
			FeedConnectionID: fc.ID,
			EventCount:       len(feed.Events),
			TeamName:         name,
		}
	}

	loc := tz.LocationOr(ctx, e.store, req.ProfileID, e.fallback)
	b := e.normalize(feed, fc, req.ProfileID, loc)
	e.metrics.ObserveSkipped(b.skipped)

	stats, err := e.reconciler.Reconcile(ctx, fc, b.items, reconcile.KeepSeriesBefore(b.windowStart, b.series))
	if err != nil {
		return e.fail(ctx, req, err)
	}
	e.metrics.ObserveReconcile(stats.Inserted, stats.Updated, stats.Deleted, stats.Unchanged)

	e.reportSuccess(ctx, fc.ID, name)
	appLog.Info("sync finished", append(logKV, "team", name, "events", stats.Unique, "timezone", loc.String())...)
	return Response{
		Success:          true,
		FeedConnectionID: fc.ID,
		EventCount:       stats.Unique,
		TeamName:         name,
		Stats:            &stats,
	}
}

func validate(req Request) error {
	switch {
	case req.FeedConnectionID == "":
		return &ParameterError{Field: "feedConnectionId", Reason: "required"}
	case req.FeedURL == "":
		return &ParameterError{Field: "feedUrl", Reason: "required"}
	}
	return nil
}

// RunAll syncs every stored feed connection, at most Workers at a time. A
// failing feed never stops the others; responses come back in the order of
// ListFeedConnections.
func (e *Engine) RunAll(ctx context.Context) ([]Response, error) {
	fcs, err := e.store.ListFeedConnections(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Response, len(fcs))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, fc := range fcs {
		g.Go(func() error {
			out[i] = e.Run(ctx, Request{
				FeedURL:          fc.URL,
				FeedConnectionID: fc.ID,
				ProfileID:        fc.ProfileID,
			})
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range out {
		if !r.Success {
			failed++
		}
	}
	appLog.Info("batch sync finished", "feeds", len(out), "failed", failed)
	return out, nil
}
