package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"schedopt/internal/caldav"
	"schedopt/internal/config"
	"schedopt/internal/gcal"
	"schedopt/internal/ics"
	appLog "schedopt/internal/log"
	"schedopt/internal/model"
	"schedopt/internal/timetable"
)

// maxOccurrences caps the expansion of one recurring feed entry.
const maxOccurrences = 2000

// GoogleSyncer pushes lessons to Google Calendar.
type GoogleSyncer interface {
	Sync(ctx context.Context, req gcal.SyncRequest) (gcal.SyncResult, error)
}

// CalDAVSyncer pushes lessons to a CalDAV calendar.
type CalDAVSyncer interface {
	Sync(ctx context.Context, lessons []model.Lesson) (int, error)
}

// Request selects what one run does beyond optimizing.
type Request struct {
	SyncGoogle bool
	SyncCalDAV bool
	// DryRun optimizes without writing the output file or syncing.
	DryRun bool
}

// Report is the outcome of one pipeline run.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Source     string    `json:"source"`
	FromCache  bool      `json:"from_cache"`

	Events    int      `json:"events"`
	Entries   int      `json:"entries"`
	Lessons   int      `json:"lessons"`
	Clusters  int      `json:"clusters"`
	Truncated []string `json:"truncated,omitempty"`

	Winners    []model.Lesson             `json:"winners"`
	Selections []timetable.Selection      `json:"selections,omitempty"`
	Decisions  map[timetable.Decision]int `json:"decisions"`
	Issues     []model.Issue              `json:"issues"`

	OutputPath string `json:"output_path,omitempty"`

	Google      *gcal.SyncResult `json:"google,omitempty"`
	GoogleError string           `json:"google_error,omitempty"`
	CalDAV      int              `json:"caldav_written,omitempty"`
	CalDAVError string           `json:"caldav_error,omitempty"`
}

// Runner executes fetch, decode, expand, optimize, emit and sync.
type Runner struct {
	fetcher   *ics.Fetcher
	newGoogle func(ctx context.Context, cfg *config.Config) (GoogleSyncer, error)
	newCalDAV func(ctx context.Context, cfg *config.Config) (CalDAVSyncer, error)
	now       func() time.Time
}

// NewRunner returns a Runner that fetches through f and builds real sync
// clients from the config on demand.
func NewRunner(f *ics.Fetcher) *Runner {
	return &Runner{
		fetcher: f,
		newGoogle: func(ctx context.Context, cfg *config.Config) (GoogleSyncer, error) {
			return gcal.New(ctx, gcal.Settings{
				CredentialsFile: cfg.Google.CredentialsFile,
				TokenFile:       cfg.Google.TokenFile,
			})
		},
		newCalDAV: func(ctx context.Context, cfg *config.Config) (CalDAVSyncer, error) {
			return caldav.New(ctx, caldav.Settings{
				Endpoint:     cfg.CalDAV.Endpoint,
				Username:     cfg.CalDAV.Username,
				Password:     cfg.CalDAV.Password,
				CalendarName: cfg.CalDAV.CalendarName,
			}, nil)
		},
		now: time.Now,
	}
}

// WithSyncers replaces the sync client constructors.
func (r *Runner) WithSyncers(
	google func(context.Context, *config.Config) (GoogleSyncer, error),
	dav func(context.Context, *config.Config) (CalDAVSyncer, error),
) *Runner {
	cp := *r
	if google != nil {
		cp.newGoogle = google
	}
	if dav != nil {
		cp.newCalDAV = dav
	}
	return &cp
}

// Run performs one run with cfg. Feed, decode and configuration errors are
// returned; sync failures are recorded in the Report.
func (r *Runner) Run(ctx context.Context, cfg *config.Config, req Request) (*Report, error) {
	rep := &Report{StartedAt: r.now()}

	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	engine, err := timetable.NewEngine(opts)
	if err != nil {
		return nil, err
	}
	loc := opts.Preferences.Location

	rep.Source = ics.RedactURL(cfg.Feed.URL)
	fetched, err := r.fetcher.Fetch(ctx, ics.Source{URL: cfg.Feed.URL})
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	rep.FromCache = fetched.FromCache

	events, err := ics.Parse(fetched.Body, loc)
	if err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	rep.Events = len(events)

	rangeStart, rangeEnd := cfg.ExpandRange(rep.StartedAt)
	expanded, err := ics.ExpandOccurrences(events, ics.ExpandConfig{
		RangeStart:             rangeStart,
		RangeEnd:               rangeEnd,
		MaxOccurrencesPerEvent: maxOccurrences,
		SkipAllDay:             cfg.Feed.SkipAllDay,
	})
	if err != nil {
		return nil, fmt.Errorf("expand feed: %w", err)
	}
	rep.Entries = len(expanded.Entries)
	rep.Truncated = expanded.TruncatedEvents

	res, err := engine.Run(expanded.Entries)
	if err != nil {
		if errors.Is(err, timetable.ErrEmptyFeed) {
			appLog.Warn("pipeline: feed has no entries in window", "source", rep.Source, "from", rangeStart.Format(time.DateOnly), "to", rangeEnd.Format(time.DateOnly))
		}
		return nil, err
	}
	rep.Lessons = res.Lessons
	rep.Clusters = len(res.Clusters)
	rep.Winners = res.Winners
	rep.Selections = res.Selections
	rep.Issues = res.Issues
	rep.Decisions = make(map[timetable.Decision]int)
	for _, s := range res.Selections {
		rep.Decisions[s.Decision]++
	}
	logIssues(res.Issues)

	appLog.Info("pipeline: optimized",
		"source", rep.Source,
		"cached", rep.FromCache,
		"entries", rep.Entries,
		"lessons", rep.Lessons,
		"clusters", rep.Clusters,
		"winners", len(rep.Winners),
		"issues", len(rep.Issues),
	)

	if req.DryRun {
		rep.FinishedAt = r.now()
		return rep, nil
	}

	out := ics.Emit(res.Winners, ics.EmitConfig{
		CalendarName:    cfg.Output.CalendarName,
		Timezone:        cfg.Preferences.Timezone,
		ReminderMinutes: cfg.Output.ReminderMinutes,
		Now:             rep.StartedAt,
	})
	path, err := ics.WriteFile(cfg.Output.Dir, cfg.Output.File, out)
	if err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}
	rep.OutputPath = path
	appLog.Info("pipeline: output written", "path", path, "events", len(res.Winners))

	r.sync(ctx, cfg, req, rep)
	rep.FinishedAt = r.now()
	return rep, nil
}

// sync pushes winners to the enabled targets concurrently. Errors land in
// the report so one failing target does not hide the other.
func (r *Runner) sync(ctx context.Context, cfg *config.Config, req Request, rep *Report) {
	var g errgroup.Group

	if req.SyncGoogle {
		g.Go(func() error {
			client, err := r.newGoogle(ctx, cfg)
			if err != nil {
				rep.GoogleError = err.Error()
				appLog.Error("pipeline: google client", err)
				return nil
			}
			res, err := client.Sync(ctx, gcal.SyncRequest{
				CalendarName: cfg.Google.CalendarName,
				Timezone:     cfg.Preferences.Timezone,
				Lessons:      rep.Winners,
				ShareWith:    cfg.Google.ShareWith,
				Public:       cfg.Google.Public,
			})
			if err != nil {
				rep.GoogleError = err.Error()
				appLog.Error("pipeline: google sync", err)
				return nil
			}
			rep.Google = &res
			return nil
		})
	}

	if req.SyncCalDAV {
		g.Go(func() error {
			client, err := r.newCalDAV(ctx, cfg)
			if err != nil {
				rep.CalDAVError = err.Error()
				appLog.Error("pipeline: caldav client", err)
				return nil
			}
			n, err := client.Sync(ctx, rep.Winners)
			rep.CalDAV = n
			if err != nil {
				rep.CalDAVError = err.Error()
				appLog.Error("pipeline: caldav sync", err, "written", n)
			}
			return nil
		})
	}

	_ = g.Wait()
}

func logIssues(issues []model.Issue) {
	for _, is := range issues {
		kv := []any{"kind", is.Kind, "source", is.SourceID, "course", is.CourseID, "msg", is.Message}
		if is.Kind == model.IssueBreakViolation {
			appLog.Debug("pipeline: issue", kv...)
			continue
		}
		appLog.Warn("pipeline: issue", kv...)
	}
}
