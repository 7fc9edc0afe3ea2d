package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"teamfeed/internal/config"
	"teamfeed/internal/ics"
	appLog "teamfeed/internal/log"
	"teamfeed/internal/metrics"
	"teamfeed/internal/model"
	"teamfeed/internal/pipeline"
)

const maxRequestBytes = 64 << 10

// Syncer runs one feed sync. *pipeline.Engine implements it.
type Syncer interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Response
}

// FeedLister lists feed connections. *store.Store implements it.
type FeedLister interface {
	ListFeedConnections(ctx context.Context) ([]model.FeedConnection, error)
}

// Server exposes the sync trigger API, feed status and metrics.
type Server struct {
	cfg     *config.Config
	syncer  Syncer
	feeds   FeedLister
	metrics *metrics.Recorder
	mux     *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, syncer Syncer, feeds FeedLister, m *metrics.Recorder) *Server {
	s := &Server{
		cfg:     cfg,
		syncer:  syncer,
		feeds:   feeds,
		metrics: m,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Blank credentials count as disabled.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="teamfeed", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/sync", s.handleSync)
	s.mux.HandleFunc("/api/feeds", s.handleFeeds)
	s.mux.Handle("/metrics", s.metrics.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type syncResponse struct {
	Success    bool   `json:"success"`
	EventCount *int   `json:"eventCount,omitempty"`
	TeamName   string `json:"teamName,omitempty"`
	Error      string `json:"error,omitempty"`
	Details    string `json:"details,omitempty"`
}

// handleSync runs one feed sync synchronously and reports its outcome.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req pipeline.Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, syncResponse{
			Success: false,
			Error:   "invalid request",
			Details: "request body must be a JSON object: " + err.Error(),
		})
		return
	}

	resp := s.syncer.Run(r.Context(), req)
	if !resp.Success {
		writeJSON(w, statusFor(resp.Err), syncResponse{
			Success: false,
			Error:   resp.Error,
			Details: resp.Details,
		})
		return
	}

	count := resp.EventCount
	writeJSON(w, http.StatusOK, syncResponse{
		Success:    true,
		EventCount: &count,
		TeamName:   resp.TeamName,
	})
}

func statusFor(err error) int {
	switch pipeline.ErrorKind(err) {
	case pipeline.KindParameter:
		return http.StatusBadRequest
	case pipeline.KindFetch:
		return http.StatusBadGateway
	case pipeline.KindParse:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type feedDTO struct {
	ID             string     `json:"id"`
	Provider       string     `json:"provider"`
	ExternalTeamID string     `json:"externalTeamId"`
	URL            string     `json:"url"`
	ProfileID      string     `json:"profileId,omitempty"`
	Name           string     `json:"name"`
	Sport          string     `json:"sport,omitempty"`
	Color          string     `json:"color,omitempty"`
	Status         string     `json:"status"`
	LastSyncedAt   *time.Time `json:"lastSyncedAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
}

type feedsResponse struct {
	Feeds []feedDTO `json:"feeds"`
}

// handleFeeds lists feed connections with their sync status. Feed URLs are
// redacted since they usually carry a private token.
func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	fcs, err := s.feeds.ListFeedConnections(r.Context())
	if err != nil {
		appLog.Error("failed to list feed connections", err)
		writeError(w, http.StatusInternalServerError, "failed to list feeds")
		return
	}

	resp := feedsResponse{Feeds: make([]feedDTO, 0, len(fcs))}
	for _, fc := range fcs {
		dto := feedDTO{
			ID:             fc.ID,
			Provider:       fc.Provider,
			ExternalTeamID: fc.ExternalTeamID,
			URL:            ics.RedactURL(fc.URL),
			ProfileID:      fc.ProfileID,
			Name:           fc.Name,
			Sport:          fc.Sport,
			Color:          fc.Color,
			Status:         string(fc.Status),
			LastError:      fc.LastError,
		}
		if !fc.LastSyncedAt.IsZero() {
			t := fc.LastSyncedAt.UTC()
			dto.LastSyncedAt = &t
		}
		resp.Feeds = append(resp.Feeds, dto)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
