package ics

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "schedopt/internal/log"
)

var ErrEmptyBody = errors.New("empty ICS body")

// Event is a VEVENT as decoded from a feed, before recurrence expansion.
// Start and End are zero when the property is missing or unreadable; the
// timetable engine reports such entries instead of the decoder dropping them.
type Event struct {
	UID         string
	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RRule        string
	RDates       []time.Time
	ExDates      []time.Time
	RecurrenceID *time.Time

	// Seq is the position of the VEVENT in the feed.
	Seq int
}

// Parse decodes an ICS payload. Times without TZID or UTC suffix are read in
// loc, which should be the timezone the feed's institution uses.
func Parse(body []byte, loc *time.Location) ([]Event, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyBody
	}
	if loc == nil {
		loc = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ics: %w", err)
	}

	vevents := cal.Events()
	events := make([]Event, 0, len(vevents))
	for i, ve := range vevents {
		events = append(events, parseVEvent(ve, i, loc))
	}

	appLog.Debug("ics parse completed", "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent, seq int, loc *time.Location) Event {
	out := Event{
		UID:         strings.TrimSpace(propertyValue(ve.GetProperty(ical.ComponentPropertyUniqueId))),
		Summary:     sanitize(textValue(ve.GetProperty(ical.ComponentPropertySummary))),
		Description: strings.TrimSpace(textValue(ve.GetProperty(ical.ComponentPropertyDescription))),
		Location:    sanitize(textValue(ve.GetProperty(ical.ComponentPropertyLocation))),
		RRule:       strings.TrimSpace(propertyValue(ve.GetProperty(ical.ComponentPropertyRrule))),
		RDates:      collectDateTimes(ve.GetProperties(ical.ComponentPropertyRdate), loc),
		ExDates:     collectDateTimes(ve.GetProperties(ical.ComponentPropertyExdate), loc),
		Seq:         seq,
	}
	if out.UID == "" {
		out.UID = fmt.Sprintf("vevent-%d", seq)
	}

	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		out.AllDay = isAllDay(p)
		if t, err := parseTimeValue(p.Value, p.ICalParameters, loc); err == nil {
			out.Start = t
		} else {
			appLog.Debug("ics dtstart unreadable", "uid", out.UID, "value", p.Value)
		}
	}

	switch p := ve.GetProperty(ical.ComponentPropertyDtEnd); {
	case p != nil:
		if t, err := parseTimeValue(p.Value, p.ICalParameters, loc); err == nil {
			out.End = t
		} else {
			appLog.Debug("ics dtend unreadable", "uid", out.UID, "value", p.Value)
		}
	case !out.Start.IsZero():
		if d := ve.GetProperty(ical.ComponentProperty("DURATION")); d != nil {
			if dur, err := parseDuration(d.Value); err == nil {
				out.End = out.Start.Add(dur)
			}
		} else if out.AllDay {
			out.End = out.Start.AddDate(0, 0, 1)
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		if t, err := parseTimeValue(p.Value, p.ICalParameters, loc); err == nil {
			out.RecurrenceID = &t
		}
	}

	return out
}

func parseTimeValue(value string, params map[string][]string, loc *time.Location) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}

	location := loc
	if tzIDs, ok := params["TZID"]; ok && len(tzIDs) > 0 && strings.TrimSpace(tzIDs[0]) != "" {
		if loaded, err := time.LoadLocation(strings.Trim(strings.TrimSpace(tzIDs[0]), `"`)); err == nil {
			location = loaded
		}
	}

	layouts := []string{
		"20060102T150405Z",
		"20060102T1504Z",
		"20060102T150405",
		"20060102T1504",
		"20060102",
	}
	for _, layout := range layouts {
		if strings.HasSuffix(layout, "Z") {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				return parsed, nil
			}
			continue
		}
		if parsed, err := time.ParseInLocation(layout, trimmed, location); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse time value %q", trimmed)
}

var durationRe = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// parseDuration reads an RFC 5545 DURATION value such as PT1H30M or P1D.
func parseDuration(value string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(value)))
	if m == nil || value == "P" || value == "PT" {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+2])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", value, err)
		}
		total += time.Duration(n) * unit
	}
	if m[1] == "-" {
		total = -total
	}
	return total, nil
}

func collectDateTimes(properties []*ical.IANAProperty, loc *time.Location) []time.Time {
	if len(properties) == 0 {
		return nil
	}

	results := make([]time.Time, 0, len(properties))
	for _, property := range properties {
		if property == nil {
			continue
		}
		for _, value := range strings.Split(property.Value, ",") {
			parsed, err := parseTimeValue(value, property.ICalParameters, loc)
			if err != nil {
				continue
			}
			results = append(results, parsed)
		}
	}
	return results
}

func isAllDay(property *ical.IANAProperty) bool {
	if values, ok := property.ICalParameters["VALUE"]; ok {
		for _, value := range values {
			if strings.EqualFold(strings.TrimSpace(value), "DATE") {
				return true
			}
		}
	}
	return len(strings.TrimSpace(property.Value)) == 8
}

func propertyValue(property *ical.IANAProperty) string {
	if property == nil {
		return ""
	}
	return property.Value
}

var textUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";")

// textValue returns a TEXT property with RFC 5545 escapes resolved.
func textValue(property *ical.IANAProperty) string {
	return textUnescaper.Replace(propertyValue(property))
}

func sanitize(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
