package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"schedopt/internal/config"
	"schedopt/internal/gcal"
	"schedopt/internal/ics"
	"schedopt/internal/model"
	"schedopt/internal/timetable"
)

const feed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//UHasselt//Timetable//NL\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:ws-a\r\n" +
	"DTSTART;TZID=Europe/Brussels:20240205T083000\r\n" +
	"DTEND;TZID=Europe/Brussels:20240205T103000\r\n" +
	"RRULE:FREQ=WEEKLY;COUNT=2\r\n" +
	"SUMMARY:5417 - Algemene economie - Werkzitting groep A\r\n" +
	"LOCATION:A101\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:ws-b\r\n" +
	"DTSTART;TZID=Europe/Brussels:20240205T083000\r\n" +
	"DTEND;TZID=Europe/Brussels:20240205T103000\r\n" +
	"RRULE:FREQ=WEEKLY;COUNT=2\r\n" +
	"SUMMARY:5417 - Algemene economie - Werkzitting groep B\r\n" +
	"LOCATION:A102\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:hc\r\n" +
	"DTSTART;TZID=Europe/Brussels:20240206T130000\r\n" +
	"DTEND;TZID=Europe/Brussels:20240206T150000\r\n" +
	"SUMMARY:5418 - Wiskunde - Hoorcollege ALL\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:saturday\r\n" +
	"DTSTART;TZID=Europe/Brussels:20240210T090000\r\n" +
	"DTEND;TZID=Europe/Brussels:20240210T110000\r\n" +
	"SUMMARY:5419 - Statistiek - Practicum groep C\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

type fakeGoogle struct {
	req gcal.SyncRequest
	err error
}

func (f *fakeGoogle) Sync(_ context.Context, req gcal.SyncRequest) (gcal.SyncResult, error) {
	f.req = req
	if f.err != nil {
		return gcal.SyncResult{}, f.err
	}
	return gcal.SyncResult{CalendarID: "cal1", Inserted: len(req.Lessons)}, nil
}

type fakeCalDAV struct{ lessons []model.Lesson }

func (f *fakeCalDAV) Sync(_ context.Context, lessons []model.Lesson) (int, error) {
	f.lessons = lessons
	return len(lessons), nil
}

func setup(t *testing.T, body string) (*config.Config, *Runner) {
	t.Helper()

	dir := t.TempDir()
	feedPath := filepath.Join(dir, "rooster.ics")
	if err := os.WriteFile(feedPath, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Feed.URL = feedPath
	cfg.Feed.CacheDir = filepath.Join(dir, "cache")
	cfg.Output.Dir = filepath.Join(dir, "output")
	cfg.Google.ShareWith = "student@example.com"
	cfg.Normalize()

	r := NewRunner(ics.NewFetcher(cfg.Feed.CacheDir, nil))
	r.now = func() time.Time { return time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC) }
	return cfg, r
}

func TestRun(t *testing.T) {
	t.Parallel()

	cfg, r := setup(t, feed)
	google := &fakeGoogle{}
	dav := &fakeCalDAV{}
	r = r.WithSyncers(
		func(context.Context, *config.Config) (GoogleSyncer, error) { return google, nil },
		func(context.Context, *config.Config) (CalDAVSyncer, error) { return dav, nil },
	)

	rep, err := r.Run(context.Background(), cfg, Request{SyncGoogle: true, SyncCalDAV: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rep.Events != 4 || rep.Entries != 6 {
		t.Fatalf("events = %d, entries = %d", rep.Events, rep.Entries)
	}
	var ids []string
	for _, w := range rep.Winners {
		ids = append(ids, w.SourceID)
	}
	want := "ws-a#20240205T073000Z,hc,ws-a#20240212T073000Z"
	if got := strings.Join(ids, ","); got != want {
		t.Fatalf("winners = %s, want %s", got, want)
	}
	if rep.Decisions[timetable.DecisionPreferred] != 2 || rep.Decisions[timetable.DecisionSkippedWeekend] != 1 {
		t.Fatalf("decisions = %v", rep.Decisions)
	}

	data, err := os.ReadFile(rep.OutputPath)
	if err != nil {
		t.Fatalf("ReadFile(output) error = %v", err)
	}
	if n := strings.Count(string(data), "BEGIN:VEVENT"); n != 3 {
		t.Fatalf("output has %d events, want 3", n)
	}

	if rep.Google == nil || rep.Google.Inserted != 3 || google.req.ShareWith != "student@example.com" {
		t.Fatalf("google = %+v, req = %+v", rep.Google, google.req)
	}
	if google.req.CalendarName != cfg.Output.CalendarName || google.req.Timezone != "Europe/Brussels" {
		t.Fatalf("google req = %+v", google.req)
	}
	if rep.CalDAV != 3 || len(dav.lessons) != 3 {
		t.Fatalf("caldav = %d", rep.CalDAV)
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	t.Parallel()

	cfg, r := setup(t, feed)
	rep, err := r.Run(context.Background(), cfg, Request{DryRun: true, SyncGoogle: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.OutputPath != "" || rep.Google != nil {
		t.Fatalf("dry run produced side effects: %+v", rep)
	}
	if _, err := os.Stat(cfg.Output.Dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("output dir exists after dry run: %v", err)
	}
	if len(rep.Selections) != rep.Clusters {
		t.Fatalf("selections = %d, clusters = %d", len(rep.Selections), rep.Clusters)
	}
}

func TestRunRecordsSyncFailure(t *testing.T) {
	t.Parallel()

	cfg, r := setup(t, feed)
	r = r.WithSyncers(func(context.Context, *config.Config) (GoogleSyncer, error) {
		return &fakeGoogle{err: errors.New("quota exceeded")}, nil
	}, nil)

	rep, err := r.Run(context.Background(), cfg, Request{SyncGoogle: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.GoogleError != "quota exceeded" || rep.OutputPath == "" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestRunEmptyFeed(t *testing.T) {
	t.Parallel()

	empty := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//x//EN\r\nEND:VCALENDAR\r\n"
	cfg, r := setup(t, empty)
	if _, err := r.Run(context.Background(), cfg, Request{}); !errors.Is(err, timetable.ErrEmptyFeed) {
		t.Fatalf("Run() error = %v, want ErrEmptyFeed", err)
	}
}

func TestRunInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg, r := setup(t, feed)
	cfg.Preferences.PreferredGroup = "Q"
	if _, err := r.Run(context.Background(), cfg, Request{}); !errors.Is(err, timetable.ErrInvalidPreferences) {
		t.Fatalf("Run() error = %v, want ErrInvalidPreferences", err)
	}
}
