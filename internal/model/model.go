package model

import (
	"strings"
	"time"
)

// RawEntry is one calendar entry as decoded from the feed, before any
// timetable interpretation. A zero Start or End means the property was
// missing from the source.
type RawEntry struct {
	SourceID string // iCalendar UID, or UID#instance for expanded recurrences

	Summary     string
	Description string
	Location    string

	Start time.Time
	End   time.Time

	// Seq is the declaration order of the entry in the feed.
	Seq int
}

// GroupKind discriminates the GroupLabel variants.
type GroupKind int

const (
	// GroupNotApplicable is the zero value so an unclassified lesson is
	// never mistaken for a named group.
	GroupNotApplicable GroupKind = iota
	GroupNamed
	GroupAll
)

// GroupLabel is the parallel-group classification of a lesson.
type GroupLabel struct {
	Kind   GroupKind
	Letter string // set only for GroupNamed
}

var (
	AllGroups     = GroupLabel{Kind: GroupAll}
	NotApplicable = GroupLabel{Kind: GroupNotApplicable}
)

// Named returns the label for a concrete group letter.
func Named(letter string) GroupLabel {
	return GroupLabel{Kind: GroupNamed, Letter: strings.ToUpper(strings.TrimSpace(letter))}
}

func (g GroupLabel) IsNamed() bool { return g.Kind == GroupNamed }

func (g GroupLabel) String() string {
	switch g.Kind {
	case GroupNamed:
		return g.Letter
	case GroupAll:
		return "ALL"
	default:
		return "N/A"
	}
}

func (g GroupLabel) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// ParseGroupLabel is the inverse of String. Anything that is neither "ALL"
// nor "N/A" is treated as a group letter.
func ParseGroupLabel(s string) GroupLabel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "N/A", "NA":
		return NotApplicable
	case "ALL":
		return AllGroups
	default:
		return Named(s)
	}
}

func (g *GroupLabel) UnmarshalText(b []byte) error {
	*g = ParseGroupLabel(string(b))
	return nil
}

// Lesson is one candidate class session.
type Lesson struct {
	CourseID    string     `json:"course_id"`
	SessionType string     `json:"session_type,omitempty"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Location    string     `json:"location,omitempty"`
	Instructors []string   `json:"instructors,omitempty"`
	Group       GroupLabel `json:"group"`
	SourceID    string     `json:"source_id"`
	Seq         int        `json:"-"`
}

// CourseKey is the comparison key for course identity: case-insensitive
// and whitespace-normalized.
func (l Lesson) CourseKey() string {
	return NormalizeKey(l.CourseID)
}

// TypeKey is the comparison key for the session type.
func (l Lesson) TypeKey() string {
	return NormalizeKey(l.SessionType)
}

func (l Lesson) Duration() time.Duration {
	return l.End.Sub(l.Start)
}

// NormalizeKey lowercases s and collapses all whitespace runs.
func NormalizeKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Cluster is a set of mutually exclusive alternatives for one class
// occurrence. Lessons are ordered by start, then source id.
type Cluster struct {
	CourseID    string   `json:"course_id"`
	SessionType string   `json:"session_type,omitempty"`
	Lessons     []Lesson `json:"lessons"`
}

// Earliest returns the start of the earliest lesson in the cluster.
func (c Cluster) Earliest() time.Time {
	var t time.Time
	for i, l := range c.Lessons {
		if i == 0 || l.Start.Before(t) {
			t = l.Start
		}
	}
	return t
}

// IssueKind names a category of non-fatal problem found during a run.
type IssueKind string

const (
	IssueMalformedEntry          IssueKind = "malformed_entry"
	IssueUnresolvedConflict      IssueKind = "unresolved_conflict"
	IssueBreakViolation          IssueKind = "break_violation"
	IssueClassificationAmbiguity IssueKind = "classification_ambiguity"
	IssueDuplicateLabel          IssueKind = "duplicate_label"
)

// Issue is a structured diagnostic returned alongside the winning lessons.
type Issue struct {
	Kind        IssueKind     `json:"kind"`
	SourceID    string        `json:"source_id,omitempty"`
	CourseID    string        `json:"course_id,omitempty"`
	SessionType string        `json:"session_type,omitempty"`
	Start       time.Time     `json:"start,omitempty"`
	Gap         time.Duration `json:"gap,omitempty"`
	Message     string        `json:"message"`
}
