package timetable

import (
	"reflect"
	"testing"
	"time"

	"schedopt/internal/model"
)

func prefs(group string, mutate ...func(*Preferences)) Preferences {
	p := DefaultPreferences()
	p.PreferredGroup = model.Named(group)
	p.MinimumBreak = 0
	for _, m := range mutate {
		m(&p)
	}
	return p
}

func cluster(lessons ...model.Lesson) model.Cluster {
	return model.Cluster{CourseID: lessons[0].CourseID, SessionType: lessons[0].SessionType, Lessons: lessons}
}

func TestSelectorScenarios(t *testing.T) {
	t.Parallel()

	saturday := monday.AddDate(0, 0, 5)

	tests := []struct {
		name     string
		prefs    Preferences
		cluster  model.Cluster
		winner   string
		decision Decision
	}{
		{
			name:  "preferred group wins",
			prefs: prefs("B"),
			cluster: cluster(
				mkLesson("a", "Economie", "Werkzitting", model.Named("A"), at(9, 0), at(10, 0)),
				mkLesson("b", "Economie", "Werkzitting", model.Named("B"), at(10, 0), at(11, 0)),
			),
			winner:   "b",
			decision: DecisionPreferred,
		},
		{
			name: "earliest available group",
			prefs: prefs("D", func(p *Preferences) {
				p.Fallback = FallbackEarliestGroup
			}),
			cluster: cluster(
				mkLesson("c", "Economie", "Werkzitting", model.Named("C"), at(9, 30), at(10, 30)),
				mkLesson("a", "Economie", "Werkzitting", model.Named("A"), at(9, 0), at(10, 0)),
			),
			winner:   "a",
			decision: DecisionFallbackEarliest,
		},
		{
			name:  "single candidate ignores preference",
			prefs: prefs("E"),
			cluster: cluster(
				mkLesson("a", "Economie", "Werkzitting", model.Named("A"), at(9, 0), at(10, 0)),
			),
			winner:   "a",
			decision: DecisionUnconditional,
		},
		{
			name:  "all groups counts as preferred",
			prefs: prefs("D"),
			cluster: cluster(
				mkLesson("a", "Wiskunde", "Hoorcollege", model.Named("A"), at(9, 0), at(10, 0)),
				mkLesson("all", "Wiskunde", "Hoorcollege", model.AllGroups, at(9, 0), at(10, 0)),
			),
			winner:   "all",
			decision: DecisionPreferred,
		},
		{
			name:  "named preferred beats all groups",
			prefs: prefs("B"),
			cluster: cluster(
				mkLesson("zz-groupB", "Wiskunde", "Hoorcollege", model.Named("B"), at(9, 0), at(10, 0)),
				mkLesson("aa-all", "Wiskunde", "Hoorcollege", model.AllGroups, at(9, 0), at(10, 0)),
			),
			winner:   "zz-groupB",
			decision: DecisionPreferred,
		},
		{
			name:  "named preferred beats an earlier shared lesson",
			prefs: prefs("B"),
			cluster: cluster(
				mkLesson("aa-na", "Wiskunde", "Hoorcollege", model.NotApplicable, at(8, 0), at(9, 0)),
				mkLesson("zz-groupB", "Wiskunde", "Hoorcollege", model.Named("B"), at(9, 0), at(10, 0)),
			),
			winner:   "zz-groupB",
			decision: DecisionPreferred,
		},
		{
			name:  "any available falls back to tie-break",
			prefs: prefs("D"),
			cluster: cluster(
				mkLesson("b", "Economie", "Werkzitting", model.Named("B"), at(11, 0), at(12, 0)),
				mkLesson("c", "Economie", "Werkzitting", model.Named("C"), at(9, 0), at(10, 0)),
			),
			winner:   "c",
			decision: DecisionFallbackAny,
		},
		{
			name: "latest lesson mode",
			prefs: prefs("D", func(p *Preferences) {
				p.Mode = ModeLatestLesson
			}),
			cluster: cluster(
				mkLesson("b", "Economie", "Werkzitting", model.Named("B"), at(11, 0), at(12, 0)),
				mkLesson("c", "Economie", "Werkzitting", model.Named("C"), at(9, 0), at(10, 0)),
			),
			winner:   "b",
			decision: DecisionFallbackAny,
		},
		{
			name:  "equal starts prefer shorter then source id",
			prefs: prefs("D"),
			cluster: cluster(
				mkLesson("z", "Economie", "Werkzitting", model.Named("A"), at(9, 0), at(10, 0)),
				mkLesson("y", "Economie", "Werkzitting", model.Named("B"), at(9, 0), at(11, 0)),
				mkLesson("x", "Economie", "Werkzitting", model.Named("C"), at(9, 0), at(10, 0)),
			),
			winner:   "x",
			decision: DecisionFallbackAny,
		},
		{
			name: "weekend cluster is dropped",
			prefs: prefs("A", func(p *Preferences) {
				p.SkipWeekends = true
			}),
			cluster: cluster(
				mkLesson("sat-a", "Economie", "Werkzitting", model.Named("A"), saturday.Add(9*time.Hour), saturday.Add(10*time.Hour)),
				mkLesson("sat-b", "Economie", "Werkzitting", model.Named("B"), saturday.Add(9*time.Hour), saturday.Add(10*time.Hour)),
			),
			decision: DecisionSkippedWeekend,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			winners, selections, issues := NewSelector(tt.prefs).Select([]model.Cluster{tt.cluster})
			if len(issues) != 0 {
				t.Fatalf("unexpected issues: %+v", issues)
			}
			if len(selections) != 1 || selections[0].Decision != tt.decision {
				t.Fatalf("selections = %+v, want decision %s", selections, tt.decision)
			}
			if tt.winner == "" {
				if len(winners) != 0 {
					t.Fatalf("expected no winner, got %v", sourceIDs(winners))
				}
				return
			}
			if len(winners) != 1 || winners[0].SourceID != tt.winner {
				t.Fatalf("winners = %v, want [%s]", sourceIDs(winners), tt.winner)
			}
		})
	}
}

func TestSelectorFailReportsConflict(t *testing.T) {
	t.Parallel()

	p := prefs("D", func(p *Preferences) { p.Fallback = FallbackFail })
	cl := cluster(
		mkLesson("a", "Economie", "Werkzitting", model.Named("A"), at(9, 0), at(10, 0)),
		mkLesson("b", "Economie", "Werkzitting", model.Named("B"), at(9, 0), at(10, 0)),
	)
	ok := cluster(mkLesson("ok", "Recht", "Hoorcollege", model.AllGroups, at(13, 0), at(14, 0)))

	winners, selections, issues := NewSelector(p).Select([]model.Cluster{cl, ok})
	if got := sourceIDs(winners); !reflect.DeepEqual(got, []string{"ok"}) {
		t.Fatalf("winners = %v", got)
	}
	if selections[0].Decision != DecisionFail || selections[0].Winner != nil {
		t.Fatalf("selection = %+v", selections[0])
	}
	if len(issues) != 1 || issues[0].Kind != model.IssueUnresolvedConflict || issues[0].CourseID != "Economie" {
		t.Fatalf("issues = %+v", issues)
	}
}

func TestSelectorBreakViolationIsAdvisory(t *testing.T) {
	t.Parallel()

	p := prefs("B", func(p *Preferences) { p.MinimumBreak = 15 * time.Minute })
	first := cluster(mkLesson("first", "Recht", "Hoorcollege", model.AllGroups, at(9, 0), at(10, 0)))
	second := cluster(
		mkLesson("second-a", "Economie", "Werkzitting", model.Named("A"), at(10, 5), at(11, 0)),
		mkLesson("second-b", "Economie", "Werkzitting", model.Named("B"), at(10, 5), at(11, 0)),
	)
	tomorrow := cluster(mkLesson("next-day", "Recht", "Hoorcollege", model.AllGroups, at(9, 0).AddDate(0, 0, 1), at(10, 0).AddDate(0, 0, 1)))

	winners, _, issues := NewSelector(p).Select([]model.Cluster{tomorrow, second, first})
	if got := sourceIDs(winners); !reflect.DeepEqual(got, []string{"first", "second-b", "next-day"}) {
		t.Fatalf("winners = %v", got)
	}
	if len(issues) != 1 {
		t.Fatalf("issues = %+v, want one break violation", issues)
	}
	if issues[0].Kind != model.IssueBreakViolation || issues[0].Gap != 5*time.Minute || issues[0].SourceID != "second-b" {
		t.Fatalf("issue = %+v", issues[0])
	}
}

func TestSelectorWeekendNeedsEveryCandidate(t *testing.T) {
	t.Parallel()

	p := prefs("A", func(p *Preferences) { p.SkipWeekends = true })
	sunday := monday.AddDate(0, 0, -1)
	cl := cluster(
		mkLesson("sun", "Economie", "Werkzitting", model.Named("A"), sunday.Add(9*time.Hour), sunday.Add(10*time.Hour)),
		mkLesson("mon", "Economie", "Werkzitting", model.Named("B"), at(9, 0), at(10, 0)),
	)
	winners, _, _ := NewSelector(p).Select([]model.Cluster{cl})
	if got := sourceIDs(winners); !reflect.DeepEqual(got, []string{"sun"}) {
		t.Fatalf("winners = %v", got)
	}

	p.SkipWeekends = false
	weekend := cluster(mkLesson("sat", "Economie", "Werkzitting", model.Named("A"), monday.AddDate(0, 0, 5), monday.AddDate(0, 0, 5).Add(time.Hour)))
	if winners, _, _ := NewSelector(p).Select([]model.Cluster{weekend}); len(winners) != 1 {
		t.Fatalf("weekend lesson dropped with skip disabled: %v", sourceIDs(winners))
	}
}

func TestSelectorWeekendUsesTimezone(t *testing.T) {
	t.Parallel()

	tokyo := time.FixedZone("JST", 9*60*60)
	p := prefs("A", func(p *Preferences) {
		p.SkipWeekends = true
		p.Location = tokyo
	})
	// Friday 20:00 UTC is Saturday 05:00 in Tokyo.
	friday := monday.AddDate(0, 0, 4).Add(20 * time.Hour)
	cl := cluster(mkLesson("late", "Economie", "", model.Named("A"), friday, friday.Add(time.Hour)))
	if winners, _, _ := NewSelector(p).Select([]model.Cluster{cl}); len(winners) != 0 {
		t.Fatalf("expected weekend skip in local time, got %v", sourceIDs(winners))
	}
}

func TestSelectorIsIdempotent(t *testing.T) {
	t.Parallel()

	clusters := []model.Cluster{
		cluster(
			mkLesson("a", "Economie", "Werkzitting", model.Named("A"), at(9, 0), at(10, 0)),
			mkLesson("b", "Economie", "Werkzitting", model.Named("B"), at(9, 0), at(10, 0)),
		),
		cluster(mkLesson("hc", "Recht", "Hoorcollege", model.AllGroups, at(9, 30), at(11, 0))),
	}
	s := NewSelector(prefs("B", func(p *Preferences) { p.MinimumBreak = time.Hour }))

	w1, s1, i1 := s.Select(clusters)
	w2, s2, i2 := s.Select(clusters)
	if !reflect.DeepEqual(w1, w2) || !reflect.DeepEqual(s1, s2) || !reflect.DeepEqual(i1, i2) {
		t.Fatal("second run differs from the first")
	}
}

func TestSelectorRespectsPreference(t *testing.T) {
	t.Parallel()

	for _, letter := range []string{"A", "B", "C", "D", "E"} {
		var lessons []model.Lesson
		for i, l := range []string{"E", "D", "C", "B", "A"} {
			start := at(8+i, 0)
			lessons = append(lessons, mkLesson("grp-"+l, "Economie", "Werkzitting", model.Named(l), start, start.Add(time.Hour)))
		}
		for _, mode := range []OptimizationMode{ModeEarliestLesson, ModeLatestLesson} {
			p := prefs(letter, func(p *Preferences) { p.Mode = mode })
			winners, _, _ := NewSelector(p).Select([]model.Cluster{cluster(lessons...)})
			if len(winners) != 1 || winners[0].Group != model.Named(letter) {
				t.Fatalf("preferred %s (%s): winners = %v", letter, mode, sourceIDs(winners))
			}

			// Shared lessons with smaller source ids and extreme start
			// times must not displace the group's own lesson.
			shared := append([]model.Lesson{
				mkLesson("0-all", "Economie", "Werkzitting", model.AllGroups, at(7, 0), at(8, 0)),
				mkLesson("0-na", "Economie", "Werkzitting", model.NotApplicable, at(14, 0), at(15, 0)),
			}, lessons...)
			winners, _, _ = NewSelector(p).Select([]model.Cluster{cluster(shared...)})
			if len(winners) != 1 || winners[0].Group != model.Named(letter) {
				t.Fatalf("preferred %s (%s) with shared lessons: winners = %v", letter, mode, sourceIDs(winners))
			}
		}
	}
}
