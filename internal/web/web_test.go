package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"schedopt/internal/config"
	"schedopt/internal/ics"
	"schedopt/internal/pipeline"
)

// nextWeek is a feed whose lessons fall inside the default expansion window.
func nextWeek() string {
	monday := time.Now().UTC().AddDate(0, 0, 7)
	for monday.Weekday() != time.Monday {
		monday = monday.AddDate(0, 0, 1)
	}
	day := monday.Format("20060102")
	return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:ws-a\r\nDTSTART:" + day + "T080000Z\r\nDTEND:" + day + "T100000Z\r\n" +
		"SUMMARY:5417 - Algemene economie - Werkzitting groep A\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:ws-b\r\nDTSTART:" + day + "T080000Z\r\nDTEND:" + day + "T100000Z\r\n" +
		"SUMMARY:5417 - Algemene economie - Werkzitting groep B\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
}

func newTestServer(t *testing.T) (*Server, *config.Config, string) {
	t.Helper()

	dir := t.TempDir()
	feedPath := filepath.Join(dir, "rooster.ics")
	if err := os.WriteFile(feedPath, []byte(nextWeek()), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Feed.URL = feedPath
	cfg.Feed.CacheDir = filepath.Join(dir, "cache")
	cfg.Output.Dir = filepath.Join(dir, "output")
	cfg.Normalize()

	cfgPath := filepath.Join(dir, "config.yaml")
	runner := pipeline.NewRunner(ics.NewFetcher(cfg.Feed.CacheDir, nil))
	return NewServer(cfg, cfgPath, runner, "test"), cfg, cfgPath
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if resp.Status != "healthy" || resp.Version != "test" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestOptimizeAndDownload(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/optimize", `{"preferred_group":"B","sync_to_google":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("optimize status = %d body = %s", rec.Code, rec.Body)
	}
	var resp struct {
		Success     bool   `json:"success"`
		DownloadURL string `json:"download_url"`
		Winners     []struct {
			SourceID string `json:"source_id"`
		} `json:"winners"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !resp.Success || len(resp.Winners) != 1 || resp.Winners[0].SourceID != "ws-b" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.DownloadURL != "/download/optimized_schedule.ics" {
		t.Fatalf("download url = %q", resp.DownloadURL)
	}

	rec = do(t, h, http.MethodGet, resp.DownloadURL, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "BEGIN:VCALENDAR") {
		t.Fatalf("download status = %d body = %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("content type = %q", ct)
	}

	rec = do(t, h, http.MethodGet, "/status", "")
	var status statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Unmarshal(status) error = %v", err)
	}
	if status.LastRun == nil || status.Winners != 1 || len(status.RecentFiles) != 1 {
		t.Fatalf("status = %+v", status)
	}
}

func TestOptimizeRejectsBadInput(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	h := s.Handler()

	tests := map[string]string{
		"bad json":      `{"preferred_group":`,
		"unknown field": `{"colour":"red"}`,
		"bad group":     `{"preferred_group":"Q"}`,
		"bad mode":      `{"optimization_mode":"random"}`,
	}
	for name, body := range tests {
		if rec := do(t, h, http.MethodPost, "/api/optimize", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", name, rec.Code)
		}
	}
}

func TestLessonsRunsWithoutSideEffects(t *testing.T) {
	t.Parallel()

	s, cfg, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/api/lessons", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var rep pipeline.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(rep.Winners) != 1 || rep.Winners[0].SourceID != "ws-a" {
		t.Fatalf("winners = %+v", rep.Winners)
	}
	if _, err := os.Stat(cfg.Output.Dir); !os.IsNotExist(err) {
		t.Fatalf("output dir created by /api/lessons: %v", err)
	}
}

func TestConfigUpdate(t *testing.T) {
	t.Parallel()

	s, _, cfgPath := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/config", `{"preferences":{"preferred_group":"c"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if got := s.Config().Preferences.PreferredGroup; got != "C" {
		t.Fatalf("preferred group = %q", got)
	}
	if s.Config().Preferences.Timezone != "Europe/Brussels" {
		t.Fatal("merge dropped unrelated fields")
	}

	saved, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if saved.Preferences.PreferredGroup != "C" {
		t.Fatalf("saved preferred group = %q", saved.Preferences.PreferredGroup)
	}

	rec = do(t, h, http.MethodPost, "/api/config", `{"refresh":"whenever"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid config status = %d", rec.Code)
	}
	if s.Config().RefreshCron == "whenever" {
		t.Fatal("invalid config was applied")
	}
}

func TestDownloadRejectsTraversal(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	h := s.Handler()
	for _, target := range []string{"/download/..%2Fconfig.yaml", "/download/notes.txt", "/download/.hidden.ics"} {
		if rec := do(t, h, http.MethodGet, target, ""); rec.Code == http.StatusOK {
			t.Fatalf("%s: status = 200", target)
		}
	}
	if rec := do(t, h, http.MethodGet, "/download/missing.ics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing file status = %d", rec.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	s.cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("/health status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/config", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Fatal("config response leaks the password")
	}
}
