package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"schedopt/internal/gcal"
	"schedopt/internal/model"
	"schedopt/internal/pipeline"
	"schedopt/internal/timetable"
)

func sampleReport() *pipeline.Report {
	start := time.Date(2024, 2, 5, 7, 30, 0, 0, time.UTC)
	a := model.Lesson{CourseID: "5417 - Algemene economie", SessionType: "Werkzitting", Start: start, End: start.Add(2 * time.Hour), Group: model.Named("A"), SourceID: "ws-a"}
	b := a
	b.Group, b.SourceID = model.Named("B"), "ws-b"

	return &pipeline.Report{
		Source:   "https://mytimetable.example/...(redacted)",
		Events:   2,
		Entries:  2,
		Lessons:  2,
		Clusters: 1,
		Winners:  []model.Lesson{a},
		Selections: []timetable.Selection{{
			Cluster:    model.Cluster{CourseID: a.CourseID, SessionType: a.SessionType, Lessons: []model.Lesson{a, b}},
			Decision:   timetable.DecisionPreferred,
			Winner:     &a,
			Candidates: 2,
		}},
		Decisions:  map[timetable.Decision]int{timetable.DecisionPreferred: 1},
		Issues:     []model.Issue{{Kind: model.IssueMalformedEntry, SourceID: "broken", Message: "entry has no end"}},
		OutputPath: "output/optimized_schedule.ics",
		Google:     &gcal.SyncResult{Inserted: 1, PublicURL: "https://calendar.google.com/calendar/embed?src=cal1"},
	}
}

func TestPrintSummary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printSummary(&buf, sampleReport())
	out := buf.String()
	for _, want := range []string{
		"selected: 1",
		"issues:   1",
		"output:   output/optimized_schedule.ics",
		"google:   1 inserted, 0 failed, https://calendar.google.com/calendar/embed?src=cal1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "caldav") {
		t.Fatalf("summary mentions caldav without a caldav run:\n%s", out)
	}
}

func TestPrintInspection(t *testing.T) {
	t.Parallel()

	brussels, err := time.LoadLocation("Europe/Brussels")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	var buf bytes.Buffer
	printInspection(&buf, sampleReport(), brussels)
	out := buf.String()
	for _, want := range []string{
		"Mon 2024-02-05 08:30",
		"A,B",
		"preferred",
		"A ws-a",
		"decisions: preferred=1",
		"[malformed_entry] entry has no end (broken)",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("inspection lacks %q:\n%s", want, out)
		}
	}
}
