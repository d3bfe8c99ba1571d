package gcal

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"schedopt/internal/ics"
	appLog "schedopt/internal/log"
	"schedopt/internal/model"
)

const (
	calendarDescription = "Optimized timetable with one session per slot"
	popupMinutes        = 15
	emailMinutes        = 60
)

// Settings locates the Google credentials on disk.
type Settings struct {
	CredentialsFile string
	TokenFile       string
}

// SyncRequest describes one push of the optimized timetable.
type SyncRequest struct {
	CalendarName string
	Timezone     string
	Lessons      []model.Lesson
	// ShareWith gets owner access when non-empty.
	ShareWith string
	// Public grants read access to everyone.
	Public bool
}

// SyncResult summarizes what Sync changed.
type SyncResult struct {
	CalendarID string `json:"calendar_id"`
	Cleared    int    `json:"cleared"`
	Inserted   int    `json:"inserted"`
	Failed     int    `json:"failed"`
	// PublicURL is the embed link, set only for public calendars.
	PublicURL string `json:"public_url,omitempty"`
}

// Client pushes lessons into a dedicated Google calendar.
type Client struct {
	svc *calendar.Service
	now func() time.Time
}

// New authenticates with the saved credentials and returns a Client.
func New(ctx context.Context, s Settings) (*Client, error) {
	httpClient, err := authorizedClient(ctx, s.CredentialsFile, s.TokenFile)
	if err != nil {
		return nil, err
	}
	return NewWithOptions(ctx, option.WithHTTPClient(httpClient))
}

// NewWithOptions builds a Client from explicit API options.
func NewWithOptions(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &Client{svc: svc, now: time.Now}, nil
}

// Sync finds or creates the target calendar, deletes its future events and
// inserts req.Lessons. Failed inserts are counted and logged, not fatal.
func (c *Client) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	var res SyncResult

	id, err := c.ensureCalendar(ctx, req.CalendarName, req.Timezone)
	if err != nil {
		return res, err
	}
	res.CalendarID = id

	cleared, err := c.clearFuture(ctx, id)
	if err != nil {
		return res, err
	}
	res.Cleared = cleared

	for _, l := range req.Lessons {
		ev := toGoogleEvent(l, req.Timezone)
		if _, err := c.svc.Events.Insert(id, ev).Context(ctx).Do(); err != nil {
			res.Failed++
			appLog.Error("gcal: insert event failed", err, "summary", ev.Summary)
			continue
		}
		res.Inserted++
	}
	appLog.Info("gcal: events uploaded", "calendar", req.CalendarName, "inserted", res.Inserted, "failed", res.Failed)

	if req.Public {
		rule := &calendar.AclRule{Role: "reader", Scope: &calendar.AclRuleScope{Type: "default"}}
		if _, err := c.svc.Acl.Insert(id, rule).Context(ctx).Do(); err != nil {
			appLog.Warn("gcal: could not make calendar public", "err", err)
		} else {
			res.PublicURL = PublicURL(id)
		}
	}
	if req.ShareWith != "" {
		rule := &calendar.AclRule{Role: "owner", Scope: &calendar.AclRuleScope{Type: "user", Value: req.ShareWith}}
		if _, err := c.svc.Acl.Insert(id, rule).Context(ctx).Do(); err != nil {
			appLog.Warn("gcal: could not share calendar", "with", req.ShareWith, "err", err)
		} else {
			appLog.Info("gcal: calendar shared", "with", req.ShareWith)
		}
	}
	return res, nil
}

// PublicURL is the embed link of a public calendar.
func PublicURL(calendarID string) string {
	return "https://calendar.google.com/calendar/embed?src=" + url.QueryEscape(calendarID)
}

func (c *Client) ensureCalendar(ctx context.Context, name, tz string) (string, error) {
	var found string
	err := c.svc.CalendarList.List().Pages(ctx, func(page *calendar.CalendarList) error {
		for _, item := range page.Items {
			if found == "" && item.Summary == name {
				found = item.Id
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("list calendars: %w", err)
	}
	if found != "" {
		return found, nil
	}

	created, err := c.svc.Calendars.Insert(&calendar.Calendar{
		Summary:     name,
		Description: calendarDescription,
		TimeZone:    tz,
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create calendar %q: %w", name, err)
	}
	appLog.Info("gcal: calendar created", "name", name, "id", created.Id)
	return created.Id, nil
}

// clearFuture deletes every event that has not started yet.
func (c *Client) clearFuture(ctx context.Context, id string) (int, error) {
	var ids []string
	call := c.svc.Events.List(id).TimeMin(c.now().UTC().Format(time.RFC3339)).ShowDeleted(false)
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, ev := range page.Items {
			ids = append(ids, ev.Id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}
	for _, eventID := range ids {
		if err := c.svc.Events.Delete(id, eventID).Context(ctx).Do(); err != nil {
			return 0, fmt.Errorf("delete event %s: %w", eventID, err)
		}
	}
	appLog.Debug("gcal: cleared future events", "count", len(ids))
	return len(ids), nil
}

func toGoogleEvent(l model.Lesson, tz string) *calendar.Event {
	return &calendar.Event{
		Summary:     ics.Summary(l),
		Description: ics.Description(l),
		Location:    l.Location,
		Start:       &calendar.EventDateTime{DateTime: l.Start.Format(time.RFC3339), TimeZone: tz},
		End:         &calendar.EventDateTime{DateTime: l.End.Format(time.RFC3339), TimeZone: tz},
		Reminders: &calendar.EventReminders{
			UseDefault: false,
			Overrides: []*calendar.EventReminder{
				{Method: "popup", Minutes: popupMinutes},
				{Method: "email", Minutes: emailMinutes},
			},
			ForceSendFields: []string{"UseDefault"},
		},
	}
}
