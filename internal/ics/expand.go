package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "schedopt/internal/log"
	"schedopt/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd bound the occurrences that are produced.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single RRULE. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int

	// SkipAllDay drops DATE-valued events (holidays, exam periods) which are
	// never lessons.
	SkipAllDay bool
}

// ExpandResult wraps the entries handed to the timetable engine.
type ExpandResult struct {
	Entries []model.RawEntry
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// ExpandOccurrences turns parsed events into raw entries inside the range.
// It handles RRULE, RDATE, EXDATE and RECURRENCE-ID overrides. Events with
// a missing start or end are passed through untouched so the engine can
// report them.
//
// Recurring instances get the source id UID#<start in UTC>; everything else
// keeps its UID. Entries are numbered in feed order.
func ExpandOccurrences(events []Event, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	masters := make(map[string]bool)
	for _, ev := range events {
		if ev.RRule != "" && ev.RecurrenceID == nil {
			masters[ev.UID] = true
		}
	}
	overrides := make(map[string]Event)
	used := make(map[string]bool)
	for _, ev := range events {
		if ev.RecurrenceID != nil && masters[ev.UID] {
			overrides[instanceID(ev.UID, *ev.RecurrenceID)] = ev
		}
	}

	emit := func(ev Event, id string, start, end time.Time) {
		result.Entries = append(result.Entries, model.RawEntry{
			SourceID:    id,
			Summary:     ev.Summary,
			Description: ev.Description,
			Location:    ev.Location,
			Start:       start,
			End:         end,
			Seq:         len(result.Entries),
		})
	}

	for _, ev := range events {
		if cfg.SkipAllDay && ev.AllDay {
			continue
		}
		switch {
		case ev.RecurrenceID != nil && masters[ev.UID]:
			// Emitted with its master below, or as an orphan at the end.
			continue

		case ev.Start.IsZero() || ev.End.IsZero():
			emit(ev, ev.UID, ev.Start, ev.End)

		case ev.RRule == "":
			id := ev.UID
			if ev.RecurrenceID != nil {
				id = instanceID(ev.UID, *ev.RecurrenceID)
			}
			if overlaps(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
				emit(ev, id, ev.Start, ev.End)
			}

		default:
			starts, hitCap := expandStarts(ev, cfg)
			if hitCap {
				result.TruncatedEvents = append(result.TruncatedEvents, ev.UID)
				appLog.Warn("expand: truncated occurrences for UID due to cap",
					"uid", ev.UID,
					"cap", cfg.MaxOccurrencesPerEvent,
				)
			}
			duration := ev.End.Sub(ev.Start)
			for _, start := range starts {
				id := instanceID(ev.UID, start)
				if o, ok := overrides[id]; ok {
					used[id] = true
					if !o.Start.IsZero() && !o.End.IsZero() && !overlaps(o.Start, o.End, cfg.RangeStart, cfg.RangeEnd) {
						continue
					}
					emit(o, id, o.Start, o.End)
					continue
				}
				end := start.Add(duration)
				if overlaps(start, end, cfg.RangeStart, cfg.RangeEnd) {
					emit(ev, id, start, end)
				}
			}
		}
	}

	// Overrides whose instance the rule no longer generates (moved out of
	// the rule or past UNTIL) still describe a real session.
	orphans := make([]string, 0)
	for id := range overrides {
		if !used[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		o := overrides[id]
		if o.Start.IsZero() || o.End.IsZero() || overlaps(o.Start, o.End, cfg.RangeStart, cfg.RangeEnd) {
			emit(o, id, o.Start, o.End)
		}
	}

	return result, nil
}

func expandStarts(ev Event, cfg ExpandConfig) ([]time.Time, bool) {
	opt, err := rrule.StrToROption(ev.RRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RRule)
		return singleStart(ev, cfg), false
	}
	opt.Dtstart = ev.Start
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		appLog.Error("expand: invalid RRULE", err, "uid", ev.UID, "rrule", ev.RRule)
		return singleStart(ev, cfg), false
	}

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}
	for _, rd := range ev.RDates {
		set.RDate(rd.In(ev.Start.Location()))
	}

	// Widen the lower bound by the event duration so lessons that started
	// before RangeStart but still overlap it are kept.
	duration := ev.End.Sub(ev.Start)
	starts := set.Between(cfg.RangeStart.Add(-duration).In(ev.Start.Location()), cfg.RangeEnd.In(ev.Start.Location()), true)

	hitCap := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}
	return starts, hitCap
}

func singleStart(ev Event, cfg ExpandConfig) []time.Time {
	if overlaps(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
		return []time.Time{ev.Start}
	}
	return nil
}

// instanceID keys a recurrence instance by its original start.
func instanceID(uid string, start time.Time) string {
	return uid + "#" + start.UTC().Format("20060102T150405Z")
}

func overlaps(start, end, rangeStart, rangeEnd time.Time) bool {
	return start.Before(rangeEnd) && end.After(rangeStart)
}
