package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	dav "github.com/emersion/go-webdav/caldav"

	"schedopt/internal/ics"
	appLog "schedopt/internal/log"
	"schedopt/internal/model"
)

var ErrCalendarNotFound = errors.New("caldav: calendar not found")

const (
	userAgent = "schedopt/1.0"
	productID = "-//schedopt//CalDAV Sync 1.0//EN"
	// uidSuffix marks objects this tool owns; others are never deleted.
	uidSuffix = "@schedopt"
)

// basicAuthTransport adds credentials and a user agent to every request.
type basicAuthTransport struct {
	username string
	password string
	next     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.username != "" || t.password != "" {
		req.SetBasicAuth(t.username, t.password)
	}
	req.Header.Set("User-Agent", userAgent)
	return t.next.RoundTrip(req)
}

// Settings points at a CalDAV server and calendar.
type Settings struct {
	Endpoint     string
	Username     string
	Password     string
	CalendarName string
}

// Client writes lessons into one CalDAV calendar.
type Client struct {
	dav      *dav.Client
	calendar string
	now      func() time.Time
}

// New connects to the server and resolves the calendar by display name.
// An empty name selects the first calendar of the user.
func New(ctx context.Context, s Settings, base http.RoundTripper) (*Client, error) {
	if base == nil {
		base = http.DefaultTransport
	}
	httpClient := &http.Client{
		Transport: &basicAuthTransport{username: s.Username, password: s.Password, next: base},
		Timeout:   60 * time.Second,
	}
	dc, err := dav.NewClient(httpClient, s.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}

	c := &Client{dav: dc, now: time.Now}
	calPath, err := c.findCalendar(ctx, s.CalendarName)
	if err != nil {
		return nil, err
	}
	c.calendar = calPath
	appLog.Info("caldav: calendar resolved", "name", s.CalendarName, "path", calPath)
	return c, nil
}

func (c *Client) findCalendar(ctx context.Context, name string) (string, error) {
	principal, err := c.dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("find principal: %w", err)
	}
	homeSet, err := c.dav.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("find calendar home set: %w", err)
	}
	calendars, err := c.dav.FindCalendars(ctx, homeSet)
	if err != nil {
		return "", fmt.Errorf("find calendars: %w", err)
	}
	for _, cal := range calendars {
		if name == "" || cal.Name == name {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrCalendarNotFound, name)
}

// Sync removes this tool's future events from the calendar and puts one
// object per lesson. It returns the number of objects written.
func (c *Client) Sync(ctx context.Context, lessons []model.Lesson) (int, error) {
	removed, err := c.clearFuture(ctx)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, l := range lessons {
		uid := ics.EventUID(l.SourceID)
		cal := toICal(l, c.now().UTC())
		if _, err := c.dav.PutCalendarObject(ctx, objectPath(c.calendar, uid), cal); err != nil {
			return written, fmt.Errorf("put %s: %w", uid, err)
		}
		written++
	}
	appLog.Info("caldav: sync done", "removed", removed, "written", written)
	return written, nil
}

func (c *Client) clearFuture(ctx context.Context) (int, error) {
	query := &dav.CalendarQuery{
		CompRequest: dav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []dav.CalendarCompRequest{{Name: ical.CompEvent, Props: []string{ical.PropUID}}},
		},
		CompFilter: dav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []dav.CompFilter{{Name: ical.CompEvent, Start: c.now().UTC()}},
		},
	}
	objects, err := c.dav.QueryCalendar(ctx, c.calendar, query)
	if err != nil {
		return 0, fmt.Errorf("query calendar: %w", err)
	}

	removed := 0
	for _, obj := range objects {
		if !ownedObject(obj) {
			continue
		}
		if err := c.dav.RemoveAll(ctx, obj.Path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", obj.Path, err)
		}
		removed++
	}
	return removed, nil
}

func ownedObject(obj dav.CalendarObject) bool {
	if obj.Data == nil {
		return false
	}
	for _, ev := range obj.Data.Events() {
		uid, err := ev.Props.Text(ical.PropUID)
		if err == nil && strings.HasSuffix(uid, uidSuffix) {
			return true
		}
	}
	return false
}

func objectPath(calendarPath, uid string) string {
	name := strings.NewReplacer("/", "_", "@", "_").Replace(uid) + ".ics"
	return path.Join(calendarPath, name)
}

// toICal wraps one lesson in a calendar object.
func toICal(l model.Lesson, stamp time.Time) *ical.Calendar {
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, ics.EventUID(l.SourceID))
	ev.Props.SetText(ical.PropSummary, ics.Summary(l))
	ev.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	ev.Props.SetDateTime(ical.PropDateTimeStart, l.Start.UTC())
	ev.Props.SetDateTime(ical.PropDateTimeEnd, l.End.UTC())
	ev.Props.SetText(ical.PropDescription, ics.Description(l))
	if l.Location != "" {
		ev.Props.SetText(ical.PropLocation, l.Location)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, ev.Component)
	return cal
}
