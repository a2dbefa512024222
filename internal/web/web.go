package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"coachcal/internal/config"
	"coachcal/internal/importer"
	appLog "coachcal/internal/log"
	"coachcal/internal/model"
)

// Importer is the part of *importer.Importer the API drives.
type Importer interface {
	ImportFeed(ctx context.Context, teamID, icsURL, fallbackTZID string) (model.Summary, error)
	Cleanup(ctx context.Context, teamID string) (model.Summary, error)
	Window(loc *time.Location) (time.Time, time.Time)
}

// TrainingLister reads stored trainings for a team.
type TrainingLister interface {
	List(ctx context.Context, teamID string, from, to time.Time) ([]model.Training, error)
}

// Server provides the HTTP API for triggering imports and reading
// trainings.
type Server struct {
	cfg       *config.Config
	imp       Importer
	trainings TrainingLister
	mux       *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, imp Importer, trainings TrainingLister) *Server {
	s := &Server{
		cfg:       cfg,
		imp:       imp,
		trainings: trainings,
		mux:       http.NewServeMux(),
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
	// Empty credentials mean auth is off.
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
			w.Header().Set("WWW-Authenticate", `Basic realm="CoachCal", charset="UTF-8"`)
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

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/teams/{team}/import", s.handleImport)
	s.mux.HandleFunc("POST /api/teams/{team}/cleanup", s.handleCleanup)
	s.mux.HandleFunc("GET /api/teams/{team}/trainings", s.handleTrainings)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// importRequest optionally overrides the configured feed for one run.
type importRequest struct {
	URL      string `json:"url"`
	Timezone string `json:"timezone"`
}

// handleImport runs one import for a team.
//
// POST /api/teams/{team}/import
//   - body (optional): {"url": "...", "timezone": "..."}
//   - 200 with the summary, even when it lists per-record errors
//   - 502 when the feed cannot be fetched, 422 when it cannot be parsed
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("team")

	var req importRequest
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
	}

	team, known := s.cfg.Team(teamID)
	url := firstNonEmpty(req.URL, team.ICSURL)
	if url == "" {
		if !known {
			writeError(w, http.StatusNotFound, "unknown team")
			return
		}
		writeError(w, http.StatusBadRequest, "no feed url configured for team")
		return
	}
	tz := firstNonEmpty(req.Timezone, team.Timezone)

	sum, err := s.imp.ImportFeed(r.Context(), teamID, url, tz)
	if err != nil {
		status := importErrorStatus(err)
		appLog.Error("api import failed", err, "team", teamID, "status", status)
		writeJSON(w, status, importErrorResponse{Error: err.Error(), Summary: sum})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type importErrorResponse struct {
	Error   string        `json:"error"`
	Summary model.Summary `json:"summary"`
}

func importErrorStatus(err error) int {
	switch {
	case errors.Is(err, importer.ErrFetch):
		return http.StatusBadGateway
	case errors.Is(err, importer.ErrParse):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("team")
	sum, err := s.imp.Cleanup(r.Context(), teamID)
	if err != nil {
		appLog.Error("api cleanup failed", err, "team", teamID)
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// trainingsResponse is the JSON response shape for the trainings listing.
type trainingsResponse struct {
	TeamID    string           `json:"teamId"`
	From      time.Time        `json:"from"`
	To        time.Time        `json:"to"`
	Trainings []model.Training `json:"trainings"`
}

// handleTrainings lists stored trainings for a team.
//
// GET /api/teams/{team}/trainings?from=RFC3339&to=RFC3339
// Both bounds default to the import window in the team's zone.
func (s *Server) handleTrainings(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("team")
	team, _ := s.cfg.Team(teamID)
	loc := resolveLocation(firstNonEmpty(team.Timezone, s.cfg.Import.DefaultTimezone))
	from, to := s.imp.Window(loc)

	q := r.URL.Query()
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must be after from")
		return
	}

	list, err := s.trainings.List(r.Context(), teamID, from.UTC(), to.UTC())
	if err != nil {
		appLog.Error("api trainings list failed", err, "team", teamID)
		writeError(w, http.StatusInternalServerError, "failed to list trainings")
		return
	}
	writeJSON(w, http.StatusOK, trainingsResponse{
		TeamID:    teamID,
		From:      from.UTC(),
		To:        to.UTC(),
		Trainings: list,
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func resolveLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to UTC", err, "name", name)
		return time.UTC
	}
	return loc
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
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
