package ics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"schedopt/internal/model"
)

const productID = "-//schedopt//Timetable Optimizer 1.0//EN"

// uidNamespace scopes the v5 UUIDs generated for emitted lessons, so a lesson
// keeps its UID across runs and calendar clients update it in place.
var uidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://schedopt.local/lesson"))

// EmitConfig controls the generated calendar.
type EmitConfig struct {
	CalendarName string
	// Timezone is advertised as X-WR-TIMEZONE; times are always written in UTC.
	Timezone string
	// ReminderMinutes adds a display alarm before each lesson when > 0.
	ReminderMinutes int
	// Now stamps DTSTAMP; zero means time.Now.
	Now time.Time
}

// EventUID is the stable UID of the output event for a source entry.
func EventUID(sourceID string) string {
	return uuid.NewSHA1(uidNamespace, []byte(sourceID)).String() + "@schedopt"
}

// Summary renders "{course} {type} {group}" with empty parts left out.
func Summary(l model.Lesson) string {
	return strings.Join(strings.Fields(l.CourseID+" "+l.SessionType+" "+l.Group.String()), " ")
}

// Description lists the lesson details, one per line.
func Description(l model.Lesson) string {
	var lines []string
	if len(l.Instructors) > 0 {
		lines = append(lines, "Instructors: "+strings.Join(l.Instructors, ", "))
	}
	if l.Location != "" {
		lines = append(lines, "Location: "+l.Location)
	}
	lines = append(lines, "Group: "+l.Group.String())
	lines = append(lines, "Source: "+l.SourceID)
	return strings.Join(lines, "\n")
}

// Emit serializes lessons into an ICS document.
func Emit(lessons []model.Lesson, cfg EmitConfig) []byte {
	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	name := cfg.CalendarName
	if name == "" {
		name = "Optimized Schedule"
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	cal.SetXWRCalName(name)
	if cfg.Timezone != "" {
		cal.SetXWRTimezone(cfg.Timezone)
	}

	for _, l := range lessons {
		ev := cal.AddEvent(EventUID(l.SourceID))
		ev.SetDtStampTime(now)
		ev.SetStartAt(l.Start)
		ev.SetEndAt(l.End)
		ev.SetSummary(Summary(l))
		ev.SetDescription(Description(l))
		if l.Location != "" {
			ev.SetLocation(l.Location)
		}
		if cfg.ReminderMinutes > 0 {
			alarm := ev.AddAlarm()
			alarm.SetAction(ical.ActionDisplay)
			alarm.SetTrigger(fmt.Sprintf("-PT%dM", cfg.ReminderMinutes))
			alarm.SetProperty(ical.ComponentPropertyDescription, Summary(l))
		}
	}

	return []byte(cal.Serialize())
}

// WriteFile writes data to dir/name through a temp file and rename, so
// readers never see a partial calendar. It returns the final path.
func WriteFile(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(name))

	tmp, err := os.CreateTemp(dir, ".schedopt-*.ics")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("rename output file: %w", err)
	}
	return path, nil
}
