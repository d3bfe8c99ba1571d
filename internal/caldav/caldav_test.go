package caldav

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	dav "github.com/emersion/go-webdav/caldav"

	"schedopt/internal/ics"
	"schedopt/internal/model"
)

func sampleLesson() model.Lesson {
	return model.Lesson{
		CourseID:    "5418 - Wiskunde",
		SessionType: "Hoorcollege",
		Start:       time.Date(2024, 2, 5, 9, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 2, 5, 11, 0, 0, 0, time.UTC),
		Location:    "H5",
		Group:       model.AllGroups,
		SourceID:    "test3@uhasselt.be",
	}
}

func TestToICal(t *testing.T) {
	t.Parallel()

	l := sampleLesson()
	cal := toICal(l, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	text := buf.String()
	for _, want := range []string{
		"PRODID:" + productID,
		"UID:" + ics.EventUID(l.SourceID),
		"SUMMARY:5418 - Wiskunde Hoorcollege ALL",
		"DTSTART:20240205T090000Z",
		"DTEND:20240205T110000Z",
		"LOCATION:H5",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("object lacks %q:\n%s", want, text)
		}
	}

	if !ownedObject(dav.CalendarObject{Data: cal}) {
		t.Fatal("generated object not recognized as owned")
	}
}

func TestOwnedObject(t *testing.T) {
	t.Parallel()

	foreign := ical.NewCalendar()
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, "dentist@example.com")
	foreign.Children = append(foreign.Children, ev.Component)

	if ownedObject(dav.CalendarObject{Data: foreign}) {
		t.Fatal("foreign event treated as owned")
	}
	if ownedObject(dav.CalendarObject{}) {
		t.Fatal("object without data treated as owned")
	}
}

func TestObjectPath(t *testing.T) {
	t.Parallel()

	got := objectPath("/123/calendars/home/", "abc@schedopt")
	if got != "/123/calendars/home/abc_schedopt.ics" {
		t.Fatalf("objectPath() = %q", got)
	}
}

func TestNewSendsCredentials(t *testing.T) {
	t.Parallel()

	var gotUser, gotPass, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		gotAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	_, err := New(context.Background(), Settings{
		Endpoint: srv.URL + "/",
		Username: "student",
		Password: "app-password",
	}, srv.Client().Transport)
	if err == nil {
		t.Fatal("New() against a 401 server returned nil error")
	}
	if gotUser != "student" || gotPass != "app-password" || gotAgent != userAgent {
		t.Fatalf("request auth = %q/%q agent %q", gotUser, gotPass, gotAgent)
	}
}
