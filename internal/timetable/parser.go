package timetable

import (
	"fmt"
	"regexp"
	"strings"

	"schedopt/internal/model"
)

// DefaultSessionTypes is the session-type vocabulary used when the config
// does not provide one. Dutch terms come first because the feeds are Flemish.
func DefaultSessionTypes() []string {
	return []string{
		"hoorcollege", "werkzitting", "practicum", "responsiecollege",
		"seminarie", "zelfstudie", "examen",
		"lecture", "practical", "tutorial", "lab", "seminar", "exam",
	}
}

var (
	annotationRe = regexp.MustCompile(`\([^)]*\)|\[[^\]]*\]|\{[^}]*\}`)
	segmentRe    = regexp.MustCompile(`\s+-\s+`)
	instructorRe = regexp.MustCompile(`(?i)(?:docent\(en\)|docenten|docent|lecturers?|instructors?|teachers?)\s*:\s*(.*?)(?:,?\s*[\p{L}()]+\s*:|\n|$)`)
	roomRe       = regexp.MustCompile(`(?i)(?:lokaal|room|locatie|location)\s*:\s*([^,\n]+)`)
)

// Parser turns raw calendar entries into lessons. The group label is left
// as NotApplicable; the Classifier assigns it afterwards.
type Parser struct {
	sessionType *regexp.Regexp
	groupTail   *regexp.Regexp
}

func NewParser(sessionTypes []string, v Vocabulary) (*Parser, error) {
	types := quoteAll(sessionTypes)
	if len(types) == 0 {
		return nil, fmt.Errorf("session type vocabulary is empty")
	}

	var set strings.Builder
	for _, l := range v.Alphabet {
		set.WriteString(regexp.QuoteMeta(strings.ToUpper(strings.TrimSpace(l))))
	}
	if set.Len() == 0 {
		return nil, fmt.Errorf("group alphabet is empty")
	}

	// Bare letters are not stripped: "Vitamine D" is a course name. Text
	// after the session type is dropped separately, so "Werkzitting 1HW A"
	// still loses its group.
	var tokens []string
	if prefixes := quoteAll(v.GroupPrefixes); len(prefixes) > 0 {
		tokens = append(tokens, `(?i:`+strings.Join(prefixes, "|")+`)[\s_-]*(?i:[`+set.String()+`])`)
	}
	if words := quoteAll(v.AllGroups); len(words) > 0 {
		tokens = append(tokens, `(?i:`+strings.Join(words, "|")+`)`)
	}

	p := &Parser{
		sessionType: regexp.MustCompile(`(?i)(?:^|[^\p{L}])(` + strings.Join(types, "|") + `)(?:$|[^\p{L}])`),
	}
	if len(tokens) > 0 {
		p.groupTail = regexp.MustCompile(`(?:(?:^|[\s,_-]+)(?:` + strings.Join(tokens, "|") + `))+\s*$`)
	}
	return p, nil
}

// Parse builds a Lesson from e. Entries without a usable time range are
// rejected with ErrMalformedEntry.
func (p *Parser) Parse(e model.RawEntry) (model.Lesson, error) {
	switch {
	case e.Start.IsZero():
		return model.Lesson{}, fmt.Errorf("%w: %s has no start", ErrMalformedEntry, e.SourceID)
	case e.End.IsZero():
		return model.Lesson{}, fmt.Errorf("%w: %s has no end", ErrMalformedEntry, e.SourceID)
	case !e.End.After(e.Start):
		return model.Lesson{}, fmt.Errorf("%w: %s ends at or before its start", ErrMalformedEntry, e.SourceID)
	}

	course, sessionType := p.splitSummary(e.Summary)
	if sessionType == "" {
		if m := p.sessionType.FindStringSubmatch(e.Description); m != nil {
			sessionType = m[1]
		}
	}

	return model.Lesson{
		CourseID:    course,
		SessionType: sessionType,
		Start:       e.Start,
		End:         e.End,
		Location:    room(e.Location, e.Description),
		Instructors: instructors(e.Description),
		Group:       model.NotApplicable,
		SourceID:    e.SourceID,
		Seq:         e.Seq,
	}, nil
}

// splitSummary strips annotations, the session-type segment and trailing
// prefixed group or all-groups tokens from summary. Segments separated by " - " are kept.
func (p *Parser) splitSummary(summary string) (course, sessionType string) {
	text := annotationRe.ReplaceAllString(summary, " ")

	var kept []string
	for _, seg := range segmentRe.Split(strings.TrimSpace(text), -1) {
		seg = strings.TrimSpace(seg)
		if sessionType == "" {
			if loc := p.sessionType.FindStringSubmatchIndex(seg); loc != nil {
				sessionType = seg[loc[2]:loc[3]]
				seg = strings.TrimSpace(seg[:loc[2]])
			}
		}
		if p.groupTail != nil {
			seg = strings.TrimSpace(p.groupTail.ReplaceAllString(seg, ""))
		}
		seg = strings.Trim(seg, " ,-_")
		if seg != "" {
			kept = append(kept, strings.Join(strings.Fields(seg), " "))
		}
	}

	course = strings.Join(kept, " - ")
	if course == "" {
		course = strings.Join(strings.Fields(summary), " ")
	}
	if course == "" {
		course = "Untitled"
	}
	return course, sessionType
}

func instructors(description string) []string {
	m := instructorRe.FindStringSubmatch(description)
	if m == nil {
		return nil
	}
	var out []string
	for _, name := range strings.FieldsFunc(m[1], func(r rune) bool { return r == ',' || r == ';' }) {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func room(location, description string) string {
	if location = strings.TrimSpace(location); location != "" {
		return location
	}
	if m := roomRe.FindStringSubmatch(description); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}
