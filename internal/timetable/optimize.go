package timetable

import (
	"fmt"
	"sort"

	"schedopt/internal/model"
)

// Options configures an Engine.
type Options struct {
	Preferences  Preferences
	Vocabulary   Vocabulary
	SessionTypes []string
	Slot         SlotPolicy
}

func DefaultOptions() Options {
	return Options{
		Preferences:  DefaultPreferences(),
		Vocabulary:   DefaultVocabulary(),
		SessionTypes: DefaultSessionTypes(),
		Slot:         DefaultSlotPolicy(),
	}
}

// Result is the outcome of one run.
type Result struct {
	Winners    []model.Lesson
	Selections []Selection
	Clusters   []model.Cluster
	Issues     []model.Issue
	// Lessons counts the entries that parsed into lessons.
	Lessons int
}

// Engine runs parser, classifier, clusterer and selector over a feed.
// An Engine is immutable and safe for concurrent use.
type Engine struct {
	parser     *Parser
	classifier *Classifier
	clusterer  *Clusterer
	selector   *Selector
}

func NewEngine(opts Options) (*Engine, error) {
	if err := opts.Preferences.Validate(opts.Vocabulary.Alphabet); err != nil {
		return nil, err
	}
	if err := opts.Slot.Validate(); err != nil {
		return nil, err
	}
	classifier, err := NewClassifier(opts.Vocabulary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPreferences, err)
	}
	parser, err := NewParser(opts.SessionTypes, opts.Vocabulary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPreferences, err)
	}
	return &Engine{
		parser:     parser,
		classifier: classifier,
		clusterer:  NewClusterer(opts.Slot),
		selector:   NewSelector(opts.Preferences),
	}, nil
}

// Run optimizes entries. Only an empty feed is an error; bad entries and
// unresolved clusters are reported in Result.Issues.
func (e *Engine) Run(entries []model.RawEntry) (Result, error) {
	if len(entries) == 0 {
		return Result{}, ErrEmptyFeed
	}

	var (
		lessons = make([]model.Lesson, 0, len(entries))
		issues  []model.Issue
	)
	for _, entry := range entries {
		lesson, err := e.parser.Parse(entry)
		if err != nil {
			issues = append(issues, model.Issue{
				Kind:     model.IssueMalformedEntry,
				SourceID: entry.SourceID,
				Start:    entry.Start,
				Message:  err.Error(),
			})
			continue
		}

		c := e.classifier.Classify(entry.Summary + " " + entry.Description)
		lesson.Group = c.Label
		if c.Ambiguous() {
			issues = append(issues, model.Issue{
				Kind:        model.IssueClassificationAmbiguity,
				SourceID:    lesson.SourceID,
				CourseID:    lesson.CourseID,
				SessionType: lesson.SessionType,
				Start:       lesson.Start,
				Message:     fmt.Sprintf("text names groups %v; using %s", c.Letters, c.Label),
			})
		}
		lessons = append(lessons, lesson)
	}

	clusters, dupIssues := e.clusterer.Cluster(lessons)
	winners, selections, selIssues := e.selector.Select(clusters)

	issues = append(issues, dupIssues...)
	issues = append(issues, selIssues...)
	sortIssues(issues)

	return Result{
		Winners:    winners,
		Selections: selections,
		Clusters:   clusters,
		Issues:     issues,
		Lessons:    len(lessons),
	}, nil
}

// Classify exposes the engine's classifier, e.g. for inspection output.
func (e *Engine) Classify(text string) Classification {
	return e.classifier.Classify(text)
}

func sortIssues(issues []model.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.Message < b.Message
	})
}
