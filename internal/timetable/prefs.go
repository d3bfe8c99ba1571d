// Package timetable turns the parallel lesson variants of a university feed
// into one lesson per course and time slot.
//
// The package is pure: it performs no I/O, keeps no package-level state and
// can be used concurrently for independent feeds.
package timetable

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"schedopt/internal/model"
)

// FallbackBehavior decides what happens when a cluster holds neither the
// preferred group nor an all-groups/not-applicable variant.
type FallbackBehavior string

const (
	FallbackAnyAvailable  FallbackBehavior = "any_available"
	FallbackEarliestGroup FallbackBehavior = "earliest_available_group"
	FallbackFail          FallbackBehavior = "fail"
)

// legacyUseAllIfMissing is the value written by older config files.
const legacyUseAllIfMissing = "use_all_if_missing"

// OptimizationMode orders the remaining candidates of a cluster.
type OptimizationMode string

const (
	ModeEarliestLesson OptimizationMode = "earliest_lesson"
	ModeLatestLesson   OptimizationMode = "latest_lesson"
)

var (
	ErrInvalidPreferences = errors.New("invalid preferences")
	ErrEmptyFeed          = errors.New("feed contains no calendar entries")
	ErrMalformedEntry     = errors.New("malformed entry")
)

// Preferences is the read-only selection policy for one run.
type Preferences struct {
	PreferredGroup model.GroupLabel
	Fallback       FallbackBehavior
	Mode           OptimizationMode
	MinimumBreak   time.Duration
	SkipWeekends   bool
	// Location is the timezone used for calendar-day and weekend decisions.
	Location *time.Location
}

// DefaultPreferences mirrors the defaults of a fresh config file.
func DefaultPreferences() Preferences {
	return Preferences{
		PreferredGroup: model.Named("A"),
		Fallback:       FallbackAnyAvailable,
		Mode:           ModeEarliestLesson,
		MinimumBreak:   time.Minute,
		SkipWeekends:   true,
		Location:       time.UTC,
	}
}

func ParseFallback(s string) (FallbackBehavior, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case string(FallbackAnyAvailable), legacyUseAllIfMissing, "":
		return FallbackAnyAvailable, nil
	case string(FallbackEarliestGroup):
		return FallbackEarliestGroup, nil
	case string(FallbackFail):
		return FallbackFail, nil
	default:
		return "", fmt.Errorf("%w: unknown fallback_group_behavior %q", ErrInvalidPreferences, s)
	}
}

func ParseMode(s string) (OptimizationMode, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case string(ModeEarliestLesson), "":
		return ModeEarliestLesson, nil
	case string(ModeLatestLesson):
		return ModeLatestLesson, nil
	default:
		return "", fmt.Errorf("%w: unknown optimization_mode %q", ErrInvalidPreferences, s)
	}
}

// Validate checks the preferences against the configured group alphabet.
func (p Preferences) Validate(alphabet []string) error {
	if !p.PreferredGroup.IsNamed() {
		return fmt.Errorf("%w: preferred_group must be a group letter, got %s", ErrInvalidPreferences, p.PreferredGroup)
	}
	found := false
	for _, letter := range alphabet {
		if strings.EqualFold(letter, p.PreferredGroup.Letter) {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: preferred_group %s is not in alphabet %v", ErrInvalidPreferences, p.PreferredGroup, alphabet)
	}
	if _, err := ParseFallback(string(p.Fallback)); err != nil {
		return err
	}
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}
	if p.MinimumBreak < 0 {
		return fmt.Errorf("%w: minimum break must not be negative", ErrInvalidPreferences)
	}
	return nil
}

func (p Preferences) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}
