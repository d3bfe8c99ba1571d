package timetable

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"schedopt/internal/model"
)

// SlotMode is the predicate deciding whether two named lessons occupy the
// same logical slot.
type SlotMode string

const (
	// SlotSameStart groups lessons whose start minute lies within the
	// tolerance of the first lesson of the slot.
	SlotSameStart SlotMode = "same_start"
	// SlotOverlap groups lessons whose time ranges overlap, transitively.
	SlotOverlap SlotMode = "overlap"
)

type SlotPolicy struct {
	Mode      SlotMode
	Tolerance time.Duration
}

func DefaultSlotPolicy() SlotPolicy {
	return SlotPolicy{Mode: SlotSameStart}
}

func ParseSlotMode(s string) (SlotMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(SlotSameStart), "":
		return SlotSameStart, nil
	case string(SlotOverlap):
		return SlotOverlap, nil
	default:
		return "", fmt.Errorf("%w: unknown slot mode %q", ErrInvalidPreferences, s)
	}
}

func (p SlotPolicy) Validate() error {
	if _, err := ParseSlotMode(string(p.Mode)); err != nil {
		return err
	}
	if p.Tolerance < 0 {
		return fmt.Errorf("%w: slot tolerance must not be negative", ErrInvalidPreferences)
	}
	return nil
}

// Clusterer partitions lessons into clusters of mutually exclusive
// alternatives.
type Clusterer struct {
	policy SlotPolicy
}

func NewClusterer(policy SlotPolicy) *Clusterer {
	return &Clusterer{policy: policy}
}

// Cluster partitions lessons. Every lesson ends up in exactly one cluster,
// except duplicates of a label inside a cluster: the later-declared lesson
// is kept and the others are reported as IssueDuplicateLabel.
// The input slice is not modified.
func (c *Clusterer) Cluster(lessons []model.Lesson) ([]model.Cluster, []model.Issue) {
	sorted := make([]model.Lesson, len(lessons))
	copy(sorted, lessons)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.CourseKey() != b.CourseKey() {
			return a.CourseKey() < b.CourseKey()
		}
		if a.TypeKey() != b.TypeKey() {
			return a.TypeKey() < b.TypeKey()
		}
		return lessonLess(a, b)
	})

	var (
		clusters []model.Cluster
		issues   []model.Issue
	)
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) &&
			sorted[end].CourseKey() == sorted[start].CourseKey() &&
			sorted[end].TypeKey() == sorted[start].TypeKey() {
			end++
		}
		for _, group := range c.partition(sorted[start:end]) {
			cl, dup := uniqueLabels(group)
			clusters = append(clusters, cl)
			issues = append(issues, dup...)
		}
		start = end
	}

	sortClusters(clusters)
	return clusters, issues
}

// partition splits lessons of one course and session type into slots.
// lessons must be ordered by lessonLess.
func (c *Clusterer) partition(lessons []model.Lesson) [][]model.Lesson {
	var (
		groups  [][]model.Lesson
		shared  []model.Lesson
		anchor  time.Time
		maxEnd  time.Time
		current = -1
	)

	for _, l := range lessons {
		if !l.Group.IsNamed() {
			shared = append(shared, l)
			continue
		}
		join := false
		if current >= 0 {
			switch c.policy.Mode {
			case SlotOverlap:
				join = l.Start.Before(maxEnd)
			default:
				join = l.Start.Truncate(time.Minute).Sub(anchor) <= c.policy.Tolerance
			}
		}
		if !join {
			groups = append(groups, nil)
			current = len(groups) - 1
			anchor = l.Start.Truncate(time.Minute)
			maxEnd = l.End
		}
		groups[current] = append(groups[current], l)
		if l.End.After(maxEnd) {
			maxEnd = l.End
		}
	}

	// All-groups and not-applicable lessons compete in a named slot when a
	// named lesson shares their slot under the policy.
	buckets := make(map[string]int)
	for _, l := range shared {
		if i := c.namedSlot(groups, l); i >= 0 {
			groups[i] = append(groups[i], l)
			continue
		}
		key := fmt.Sprintf("%d/%d/%s", l.Start.UnixNano(), l.End.UnixNano(), l.Group)
		if i, ok := buckets[key]; ok {
			groups[i] = append(groups[i], l)
			continue
		}
		groups = append(groups, []model.Lesson{l})
		buckets[key] = len(groups) - 1
	}
	return groups
}

// namedSlot returns the first slot holding a named lesson that l shares a
// slot with, or -1.
func (c *Clusterer) namedSlot(groups [][]model.Lesson, l model.Lesson) int {
	for i, g := range groups {
		for _, n := range g {
			if n.Group.IsNamed() && c.sameSlot(n, l) {
				return i
			}
		}
	}
	return -1
}

func (c *Clusterer) sameSlot(a, b model.Lesson) bool {
	if c.policy.Mode == SlotOverlap {
		return a.Start.Before(b.End) && b.Start.Before(a.End)
	}
	d := a.Start.Truncate(time.Minute).Sub(b.Start.Truncate(time.Minute))
	if d < 0 {
		d = -d
	}
	return d <= c.policy.Tolerance
}

// uniqueLabels keeps one lesson per group label, preferring the highest
// declaration order.
func uniqueLabels(lessons []model.Lesson) (model.Cluster, []model.Issue) {
	keep := make(map[model.GroupLabel]model.Lesson, len(lessons))
	var dropped []model.Lesson
	for _, l := range lessons {
		prev, ok := keep[l.Group]
		if !ok {
			keep[l.Group] = l
			continue
		}
		if l.Seq > prev.Seq || (l.Seq == prev.Seq && l.SourceID > prev.SourceID) {
			keep[l.Group] = l
			dropped = append(dropped, prev)
		} else {
			dropped = append(dropped, l)
		}
	}

	out := make([]model.Lesson, 0, len(keep))
	for _, l := range keep {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return lessonLess(out[i], out[j]) })

	var issues []model.Issue
	for _, d := range dropped {
		winner := keep[d.Group]
		issues = append(issues, model.Issue{
			Kind:        model.IssueDuplicateLabel,
			SourceID:    d.SourceID,
			CourseID:    d.CourseID,
			SessionType: d.SessionType,
			Start:       d.Start,
			Message:     fmt.Sprintf("group %s appears twice in the same slot; kept %s", d.Group, winner.SourceID),
		})
	}

	return model.Cluster{
		CourseID:    out[0].CourseID,
		SessionType: out[0].SessionType,
		Lessons:     out,
	}, issues
}

func lessonLess(a, b model.Lesson) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}
	if !a.End.Equal(b.End) {
		return a.End.Before(b.End)
	}
	if a.SourceID != b.SourceID {
		return a.SourceID < b.SourceID
	}
	return a.Group.String() < b.Group.String()
}

func sortClusters(clusters []model.Cluster) {
	sort.SliceStable(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		if ea, eb := a.Earliest(), b.Earliest(); !ea.Equal(eb) {
			return ea.Before(eb)
		}
		if ka, kb := model.NormalizeKey(a.CourseID), model.NormalizeKey(b.CourseID); ka != kb {
			return ka < kb
		}
		if ka, kb := model.NormalizeKey(a.SessionType), model.NormalizeKey(b.SessionType); ka != kb {
			return ka < kb
		}
		return firstSource(a) < firstSource(b)
	})
}

func firstSource(c model.Cluster) string {
	if len(c.Lessons) == 0 {
		return ""
	}
	return c.Lessons[0].SourceID
}
