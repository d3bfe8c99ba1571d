package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"schedopt/internal/config"
	"schedopt/internal/ics"
	appLog "schedopt/internal/log"
	"schedopt/internal/pipeline"
	"schedopt/internal/timetable"
)

const (
	// reportTTL bounds how stale /api/lessons may be before a re-run.
	reportTTL = 30 * time.Second
	// recentFiles is how many output files /status lists.
	recentFiles = 5

	maxBodyBytes = 1 << 20
)

// Server provides HTTP APIs for running the optimizer and reading results.
type Server struct {
	version string
	cfgPath string
	runner  *pipeline.Runner
	mux     *http.ServeMux

	cfgMu sync.RWMutex
	cfg   *config.Config

	// runMu serializes pipeline runs; they share the output file.
	runMu sync.Mutex

	// Last successful report, served by /api/lessons and /status.
	reportMu sync.RWMutex
	report   *cachedReport
}

type cachedReport struct {
	report    *pipeline.Report
	updatedAt time.Time
}

// NewServer constructs a new Server. cfgPath is where POST /api/config
// persists changes; empty keeps them in memory only.
func NewServer(cfg *config.Config, cfgPath string, runner *pipeline.Runner, version string) *Server {
	s := &Server{
		version: version,
		cfgPath: cfgPath,
		runner:  runner,
		cfg:     cfg,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if auth := s.Config().BasicAuth; auth != nil && auth.Username != "" && auth.Password != "" {
		appLog.Info("HTTP basic auth enabled")
		return basicAuthMiddleware(h, auth.Username, auth.Password)
	}
	return h
}

// Config returns a snapshot of the current configuration.
func (s *Server) Config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Clone()
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func basicAuthMiddleware(next http.Handler, username, password string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="schedopt", charset="UTF-8"`)
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
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("POST /api/optimize", s.handleOptimize)
	s.mux.HandleFunc("GET /api/lessons", s.handleLessons)
	s.mux.HandleFunc("GET /api/config", s.handleGetConfig)
	s.mux.HandleFunc("POST /api/config", s.handlePostConfig)
	s.mux.HandleFunc("GET /download/{name}", s.handleDownload)
}

// Run executes the pipeline with the current config and caches the report.
// Scheduled refreshes call it with the sync targets enabled in the config.
func (s *Server) Run(ctx context.Context, cfg *config.Config, req pipeline.Request) (*pipeline.Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	rep, err := s.runner.Run(ctx, cfg, req)
	if err != nil {
		return nil, err
	}
	s.reportMu.Lock()
	s.report = &cachedReport{report: rep, updatedAt: time.Now()}
	s.reportMu.Unlock()
	return rep, nil
}

// Refresh is one scheduled run using the configured sync targets.
func (s *Server) Refresh(ctx context.Context) error {
	cfg := s.Config()
	_, err := s.Run(ctx, cfg, pipeline.Request{
		SyncGoogle: cfg.Google.Enabled,
		SyncCalDAV: cfg.CalDAV.Enabled,
	})
	return err
}

func (s *Server) lastReport() *cachedReport {
	s.reportMu.RLock()
	defer s.reportMu.RUnlock()
	return s.report
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   s.version,
	})
}

type outputFile struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	URL      string    `json:"url"`
}

type statusResponse struct {
	Status      string                     `json:"status"`
	LastRun     *time.Time                 `json:"last_run,omitempty"`
	Winners     int                        `json:"winners"`
	Issues      int                        `json:"issues"`
	Decisions   map[timetable.Decision]int `json:"decisions,omitempty"`
	RecentFiles []outputFile               `json:"recent_files"`
}

// handleStatus reports the last run and the newest output files.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Status: "running", RecentFiles: []outputFile{}}
	if c := s.lastReport(); c != nil {
		finished := c.report.FinishedAt
		resp.LastRun = &finished
		resp.Winners = len(c.report.Winners)
		resp.Issues = len(c.report.Issues)
		resp.Decisions = c.report.Decisions
	}

	files, err := listOutputFiles(s.Config().Output.Dir)
	if err != nil {
		appLog.Error("status: list output dir failed", err)
	}
	if len(files) > recentFiles {
		files = files[:recentFiles]
	}
	if files != nil {
		resp.RecentFiles = files
	}
	writeJSON(w, http.StatusOK, resp)
}

// listOutputFiles returns the .ics files in dir, newest first.
func listOutputFiles(dir string) ([]outputFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []outputFile
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".ics") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, outputFile{
			Name:     e.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
			URL:      "/download/" + e.Name(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].Modified.Equal(files[j].Modified) {
			return files[i].Modified.After(files[j].Modified)
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// optimizeRequest overrides parts of the config for one run.
type optimizeRequest struct {
	ICSURL                *string `json:"ics_url"`
	PreferredGroup        *string `json:"preferred_group"`
	OptimizationMode      *string `json:"optimization_mode"`
	FallbackGroupBehavior *string `json:"fallback_group_behavior"`
	CalendarName          *string `json:"calendar_name"`
	SyncToGoogle          *bool   `json:"sync_to_google"`
	SyncCalDAV            *bool   `json:"sync_caldav"`
}

type optimizeResponse struct {
	Success bool `json:"success"`
	*pipeline.Report
	DownloadURL string `json:"download_url,omitempty"`
}

// handleOptimize runs the pipeline once, optionally with request overrides.
//
// POST /api/optimize
//
//	{"ics_url": "...", "preferred_group": "B", "sync_to_google": true}
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var body optimizeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}

	cfg := s.Config()
	setString(&cfg.Feed.URL, body.ICSURL)
	setString(&cfg.Preferences.PreferredGroup, body.PreferredGroup)
	setString(&cfg.Preferences.OptimizationMode, body.OptimizationMode)
	setString(&cfg.Preferences.FallbackGroupBehavior, body.FallbackGroupBehavior)
	if body.CalendarName != nil && *body.CalendarName != "" {
		cfg.Output.CalendarName = *body.CalendarName
		cfg.Google.CalendarName = *body.CalendarName
	}
	cfg.Normalize()

	if cfg.Feed.URL == "" {
		writeError(w, http.StatusBadRequest, "ics_url is required")
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := pipeline.Request{SyncGoogle: cfg.Google.Enabled, SyncCalDAV: cfg.CalDAV.Enabled}
	if body.SyncToGoogle != nil {
		req.SyncGoogle = *body.SyncToGoogle
	}
	if body.SyncCalDAV != nil {
		req.SyncCalDAV = *body.SyncCalDAV
	}

	appLog.Info("api optimize request",
		"source", ics.RedactURL(cfg.Feed.URL),
		"group", cfg.Preferences.PreferredGroup,
		"google", req.SyncGoogle,
		"caldav", req.SyncCalDAV,
	)

	rep, err := s.Run(r.Context(), cfg, req)
	if err != nil {
		appLog.Error("api optimize failed", err)
		writeError(w, statusForError(err), err.Error())
		return
	}

	resp := optimizeResponse{Success: true, Report: rep}
	if rep.OutputPath != "" {
		resp.DownloadURL = "/download/" + filepath.Base(rep.OutputPath)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLessons returns the last report, re-running without side effects
// when it is missing or older than reportTTL.
func (s *Server) handleLessons(w http.ResponseWriter, r *http.Request) {
	if c := s.lastReport(); c != nil && time.Since(c.updatedAt) < reportTTL {
		writeJSON(w, http.StatusOK, c.report)
		return
	}

	cfg := s.Config()
	if cfg.Feed.URL == "" {
		writeError(w, http.StatusNotFound, "no feed configured")
		return
	}
	rep, err := s.Run(r.Context(), cfg, pipeline.Request{DryRun: true})
	if err != nil {
		appLog.Error("api lessons: run failed", err)
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Config())
}

// handlePostConfig merges a partial JSON config over the current one,
// validates it and saves it.
func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config()
	if err := decodeJSON(w, r, cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.cfgPath != "" {
		if err := config.Save(s.cfgPath, cfg); err != nil {
			appLog.Error("api config: save failed", err, "path", s.cfgPath)
			writeError(w, http.StatusInternalServerError, "failed to save config")
			return
		}
	}

	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()

	s.reportMu.Lock()
	s.report = nil
	s.reportMu.Unlock()

	appLog.Info("config updated", "path", s.cfgPath)
	writeJSON(w, http.StatusOK, cfg)
}

// handleDownload serves one .ics file from the output directory.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") ||
		!strings.EqualFold(filepath.Ext(name), ".ics") {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}

	path := filepath.Join(s.Config().Output.Dir, name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeFile(w, r, path)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ics.ErrNoSource),
		errors.Is(err, timetable.ErrInvalidPreferences),
		errors.Is(err, config.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, timetable.ErrEmptyFeed), errors.Is(err, ics.ErrEmptyBody):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func setString(dst *string, v *string) {
	if v != nil && strings.TrimSpace(*v) != "" {
		*dst = strings.TrimSpace(*v)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
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
