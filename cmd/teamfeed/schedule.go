package main

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"teamfeed/internal/config"
	appLog "teamfeed/internal/log"
	"teamfeed/internal/model"
	"teamfeed/internal/store"
)

// startScheduler runs job on the cron spec until ctx is done or the returned
// cron is stopped. A run still in progress when the next tick fires causes
// that tick to be skipped.
func startScheduler(ctx context.Context, spec string, job func(context.Context)) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{}),
		cron.SkipIfStillRunning(cronLogger{}),
	))
	if _, err := c.AddFunc(spec, func() { job(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	c.Start()
	appLog.Info("scheduler started", "refresh", spec)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c, nil
}

// cronLogger routes cron's own logging through appLog.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}

// seedFeeds upserts the feeds declared in config so they take part in
// scheduled runs.
func seedFeeds(ctx context.Context, st *store.Store, feeds []config.FeedConfig) error {
	for _, f := range feeds {
		fc := &model.FeedConnection{
			Provider:       f.Provider,
			ExternalTeamID: f.ExternalTeamID,
			URL:            f.URL,
			ProfileID:      f.ProfileID,
			Name:           f.Name,
			Sport:          f.Sport,
			Color:          f.Color,
		}
		if err := st.UpsertFeedConnection(ctx, fc); err != nil {
			return fmt.Errorf("seed feed %s/%s: %w", f.Provider, f.ExternalTeamID, err)
		}
		appLog.Debug("seeded feed connection", "id", fc.ID, "provider", fc.Provider, "external_team_id", fc.ExternalTeamID)
	}
	return nil
}
