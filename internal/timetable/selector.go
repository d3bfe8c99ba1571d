package timetable

import (
	"fmt"
	"sort"
	"time"

	"schedopt/internal/model"
)

// Decision names the branch of the selection table that handled a cluster.
type Decision string

const (
	DecisionUnconditional    Decision = "unconditional"
	DecisionPreferred        Decision = "preferred"
	DecisionFallbackAny      Decision = "fallback_any"
	DecisionFallbackEarliest Decision = "fallback_earliest"
	DecisionFail             Decision = "fail"
	DecisionSkippedWeekend   Decision = "skipped_weekend"
)

// Selection records how one cluster was resolved. Winner is nil for
// DecisionFail and DecisionSkippedWeekend.
type Selection struct {
	Cluster    model.Cluster `json:"cluster"`
	Decision   Decision      `json:"decision"`
	Winner     *model.Lesson `json:"winner,omitempty"`
	Candidates int           `json:"candidates"`
}

type resolver func(s *Selector, candidates []model.Lesson) *model.Lesson

var resolvers = map[Decision]resolver{
	DecisionUnconditional: func(_ *Selector, c []model.Lesson) *model.Lesson {
		only := c[0]
		return &only
	},
	DecisionPreferred:        (*Selector).tieBreak,
	DecisionFallbackAny:      (*Selector).tieBreak,
	DecisionFallbackEarliest: func(_ *Selector, c []model.Lesson) *model.Lesson { return earliestGroup(c) },
	DecisionFail:             func(*Selector, []model.Lesson) *model.Lesson { return nil },
	DecisionSkippedWeekend:   func(*Selector, []model.Lesson) *model.Lesson { return nil },
}

// Selector picks one winning lesson per cluster.
type Selector struct {
	prefs Preferences
	loc   *time.Location
}

func NewSelector(p Preferences) *Selector {
	return &Selector{prefs: p, loc: p.location()}
}

// Select resolves clusters in chronological order. It returns the winners
// sorted by start, one Selection per cluster and the issues found. The
// selector keeps no state between calls.
func (s *Selector) Select(clusters []model.Cluster) ([]model.Lesson, []Selection, []model.Issue) {
	ordered := make([]model.Cluster, len(clusters))
	copy(ordered, clusters)
	sortClusters(ordered)

	var (
		winners    []model.Lesson
		selections = make([]Selection, 0, len(ordered))
		issues     []model.Issue
		lastEnd    = make(map[string]time.Time)
	)

	for _, cl := range ordered {
		if len(cl.Lessons) == 0 {
			continue
		}
		decision, candidates := s.decide(cl)
		winner := resolvers[decision](s, candidates)
		selections = append(selections, Selection{
			Cluster:    cl,
			Decision:   decision,
			Winner:     winner,
			Candidates: len(cl.Lessons),
		})

		if decision == DecisionFail {
			issues = append(issues, model.Issue{
				Kind:        model.IssueUnresolvedConflict,
				CourseID:    cl.CourseID,
				SessionType: cl.SessionType,
				Start:       cl.Earliest(),
				Message:     fmt.Sprintf("no lesson for group %s among %d alternatives", s.prefs.PreferredGroup, len(cl.Lessons)),
			})
		}
		if winner == nil {
			continue
		}

		day := winner.Start.In(s.loc).Format("2006-01-02")
		if prev, ok := lastEnd[day]; ok {
			if gap := winner.Start.Sub(prev); gap < s.prefs.MinimumBreak {
				issues = append(issues, model.Issue{
					Kind:        model.IssueBreakViolation,
					SourceID:    winner.SourceID,
					CourseID:    winner.CourseID,
					SessionType: winner.SessionType,
					Start:       winner.Start,
					Gap:         gap,
					Message:     fmt.Sprintf("only %s break before this lesson, want %s", gap, s.prefs.MinimumBreak),
				})
			}
		}
		if prev, ok := lastEnd[day]; !ok || winner.End.After(prev) {
			lastEnd[day] = winner.End
		}
		winners = append(winners, *winner)
	}

	sort.SliceStable(winners, func(i, j int) bool {
		a, b := winners[i], winners[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if !a.End.Equal(b.End) {
			return a.End.Before(b.End)
		}
		if a.CourseKey() != b.CourseKey() {
			return a.CourseKey() < b.CourseKey()
		}
		return a.SourceID < b.SourceID
	})
	return winners, selections, issues
}

// decide maps a cluster to its table row and the candidates that row
// chooses from.
func (s *Selector) decide(cl model.Cluster) (Decision, []model.Lesson) {
	if s.prefs.SkipWeekends && s.allWeekend(cl.Lessons) {
		return DecisionSkippedWeekend, nil
	}
	if len(cl.Lessons) == 1 {
		return DecisionUnconditional, cl.Lessons
	}

	// The preferred group's own lessons beat shared ALL and N/A lessons;
	// those stand in only when the group is absent.
	var named, shared []model.Lesson
	for _, l := range cl.Lessons {
		switch {
		case l.Group == s.prefs.PreferredGroup:
			named = append(named, l)
		case !l.Group.IsNamed():
			shared = append(shared, l)
		}
	}
	if len(named) > 0 {
		return DecisionPreferred, named
	}
	if len(shared) > 0 {
		return DecisionPreferred, shared
	}

	switch s.prefs.Fallback {
	case FallbackEarliestGroup:
		return DecisionFallbackEarliest, cl.Lessons
	case FallbackFail:
		return DecisionFail, nil
	default:
		return DecisionFallbackAny, cl.Lessons
	}
}

func (s *Selector) allWeekend(lessons []model.Lesson) bool {
	for _, l := range lessons {
		switch l.Start.In(s.loc).Weekday() {
		case time.Saturday, time.Sunday:
		default:
			return false
		}
	}
	return len(lessons) > 0
}

// tieBreak orders candidates by the optimization mode, then by shorter
// duration, then by source id.
func (s *Selector) tieBreak(candidates []model.Lesson) *model.Lesson {
	best := candidates[0]
	for _, l := range candidates[1:] {
		if s.better(l, best) {
			best = l
		}
	}
	return &best
}

func (s *Selector) better(a, b model.Lesson) bool {
	if !a.Start.Equal(b.Start) {
		if s.prefs.Mode == ModeLatestLesson {
			return a.Start.After(b.Start)
		}
		return a.Start.Before(b.Start)
	}
	if a.Duration() != b.Duration() {
		return a.Duration() < b.Duration()
	}
	return a.SourceID < b.SourceID
}

// earliestGroup returns the lesson of the group with the earliest start.
// Ties go to the lower group letter, then the lower source id.
func earliestGroup(candidates []model.Lesson) *model.Lesson {
	best := candidates[0]
	for _, l := range candidates[1:] {
		switch {
		case !l.Start.Equal(best.Start):
			if l.Start.Before(best.Start) {
				best = l
			}
		case l.Group.Letter != best.Group.Letter:
			if l.Group.Letter < best.Group.Letter {
				best = l
			}
		case l.SourceID < best.SourceID:
			best = l
		}
	}
	return &best
}
