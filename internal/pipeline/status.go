package pipeline

import (
	"context"
	"errors"

	"teamfeed/internal/ics"
	appLog "teamfeed/internal/log"
	"teamfeed/internal/model"
	"teamfeed/internal/store"
)

// Error kinds, as reported in metrics and used by the HTTP layer.
const (
	KindParameter = "parameter"
	KindFetch     = "fetch"
	KindParse     = "parse"
	KindStore     = "store"
	KindInternal  = "internal"
)

// ErrorKind classifies a run failure.
func ErrorKind(err error) string { return errorKind(err) }

func errorKind(err error) string {
	var (
		pe  *ParameterError
		fe  *ics.FetchError
		pse *ics.ParseError
		se  *store.StoreError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return KindParameter
	case errors.As(err, &fe):
		return KindFetch
	case errors.As(err, &pse):
		return KindParse
	case errors.As(err, &se):
		return KindStore
	default:
		return KindInternal
	}
}

var kindMessages = map[string]string{
	KindParameter: "invalid request",
	KindFetch:     "failed to fetch feed",
	KindParse:     "failed to parse feed",
	KindStore:     "failed to store events",
	KindInternal:  "sync failed",
}

func (e *Engine) reportSuccess(ctx context.Context, feedConnectionID, name string) {
	err := e.store.SetStatus(ctx, feedConnectionID, store.StatusUpdate{
		Status:   model.StatusSuccess,
		Name:     name,
		SyncedAt: e.now(),
	})
	if err != nil {
		appLog.Error("failed to record sync success", err, "feed_connection_id", feedConnectionID)
	}
}

// fail records err on the connection and builds the failure Response. A
// status write that itself fails is logged and dropped.
func (e *Engine) fail(ctx context.Context, req Request, err error) Response {
	kind := errorKind(err)
	appLog.Error("sync failed", err,
		"feed_connection_id", req.FeedConnectionID,
		"url", ics.RedactURL(req.FeedURL),
		"kind", kind,
	)

	if req.FeedConnectionID != "" {
		// The request context may be what failed; the status write must
		// still go through.
		sctx := context.WithoutCancel(ctx)
		if serr := e.store.SetStatus(sctx, req.FeedConnectionID, store.StatusUpdate{
			Status:    model.StatusError,
			LastError: err.Error(),
			SyncedAt:  e.now(),
		}); serr != nil && !errors.Is(serr, store.ErrNotFound) {
			appLog.Error("failed to record sync failure", serr, "feed_connection_id", req.FeedConnectionID)
		}
	}

	return Response{
		Success:          false,
		FeedConnectionID: req.FeedConnectionID,
		Error:            kindMessages[kind],
		Details:          err.Error(),
		Err:              err,
	}
}
