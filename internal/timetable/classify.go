package timetable

import (
	"fmt"
	"regexp"
	"strings"

	"schedopt/internal/model"
)

// Vocabulary is the configurable text used to recognise group labels.
type Vocabulary struct {
	// Alphabet lists the valid single-letter group names.
	Alphabet []string
	// AllGroups are whole-word tokens meaning "every group".
	AllGroups []string
	// NotApplicable are literal markers for sessions without group semantics.
	NotApplicable []string
	// GroupPrefixes are words that may precede a group letter ("groep A").
	GroupPrefixes []string
}

func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Alphabet:      []string{"A", "B", "C", "D", "E"},
		AllGroups:     []string{"all", "alle"},
		NotApplicable: []string{"{N/A}", "[N/A]", "(N/A)"},
		GroupPrefixes: []string{"groep", "group", "grp"},
	}
}

// RuleAction is what a matching rule assigns.
type RuleAction int

const (
	AssignAllGroups RuleAction = iota
	AssignNotApplicable
	AssignLetter
)

const (
	ruleAllGroups     = "all_groups"
	ruleNotApplicable = "not_applicable"
	ruleGroupPrefixed = "group_prefixed"
	ruleGroupLetter   = "group_letter"
)

// Rule is one row of the classification table.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Action  RuleAction
}

// Classification is the outcome of classifying one text.
type Classification struct {
	Label model.GroupLabel
	// Rule is the name of the rule that matched, empty for the default.
	Rule string
	// Letters holds the distinct group letters found by the first letter
	// rule that found any, in text order.
	Letters []string
}

// Ambiguous reports whether the label came from a letter rule while that
// rule found more than one distinct group letter.
func (c Classification) Ambiguous() bool {
	return (c.Rule == ruleGroupPrefixed || c.Rule == ruleGroupLetter) && len(c.Letters) > 1
}

// Classifier assigns group labels using an ordered rule table.
type Classifier struct {
	rules    []Rule
	alphabet map[string]bool
	// mask blanks not-applicable markers before letters are scanned, so the
	// "A" of "N/A" is never read as a group.
	mask *regexp.Regexp
}

// NewClassifier compiles the rule table for v. Rules are evaluated in order:
// all-groups tokens, not-applicable markers, prefixed group letters ("groep
// A"), then bare group letters. A bare letter only counts when no prefixed
// one exists, so "Programming in C - groep A" is group A.
func NewClassifier(v Vocabulary) (*Classifier, error) {
	alphabet := make(map[string]bool, len(v.Alphabet))
	letters := make([]string, 0, len(v.Alphabet))
	for _, l := range v.Alphabet {
		l = strings.ToUpper(strings.TrimSpace(l))
		if len([]rune(l)) != 1 {
			return nil, fmt.Errorf("group alphabet entry %q must be a single letter", l)
		}
		if !alphabet[l] {
			alphabet[l] = true
			letters = append(letters, regexp.QuoteMeta(l))
		}
	}
	if len(letters) == 0 {
		return nil, fmt.Errorf("group alphabet is empty")
	}

	rules := make([]Rule, 0, 4)

	if words := quoteAll(v.AllGroups); len(words) > 0 {
		rules = append(rules, Rule{
			Name:    ruleAllGroups,
			Pattern: regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(?:` + strings.Join(words, "|") + `)(?:$|[^\p{L}\p{N}])`),
			Action:  AssignAllGroups,
		})
	}

	markers := quoteAll(v.NotApplicable)
	mask := regexp.MustCompile(`(?i)(?:` + strings.Join(append(markers, `\bn/a\b`), "|") + `)`)
	if len(markers) > 0 {
		rules = append(rules, Rule{
			Name:    ruleNotApplicable,
			Pattern: regexp.MustCompile(`(?i)(?:` + strings.Join(markers, "|") + `)`),
			Action:  AssignNotApplicable,
		})
	}

	set := strings.Join(letters, "")
	if prefixes := quoteAll(v.GroupPrefixes); len(prefixes) > 0 {
		// Prefixed letters match in either case: "groep a", "Group B".
		rules = append(rules, Rule{
			Name:    ruleGroupPrefixed,
			Pattern: regexp.MustCompile(`(?:^|[^\p{L}\p{N}])(?i:` + strings.Join(prefixes, "|") + `)[\s_-]*((?i:[` + set + `]))(?:$|[^\p{L}\p{N}])`),
			Action:  AssignLetter,
		})
	}
	rules = append(rules, Rule{
		Name:    ruleGroupLetter,
		Pattern: regexp.MustCompile(`(?:^|[^\p{L}\p{N}])([` + set + `])(?:$|[^\p{L}\p{N}.\-'])`),
		Action:  AssignLetter,
	})

	return &Classifier{rules: rules, alphabet: alphabet, mask: mask}, nil
}

// Rules returns the compiled rule table in evaluation order.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Classify returns the label for text. The same text always yields the same
// label.
func (c *Classifier) Classify(text string) Classification {
	var out Classification
	matched := false

	for _, rule := range c.rules {
		if rule.Action == AssignLetter {
			if len(out.Letters) > 0 {
				continue
			}
			out.Letters = c.letters(rule.Pattern, c.mask.ReplaceAllString(text, " "))
			if !matched && len(out.Letters) > 0 {
				out.Label = model.Named(out.Letters[0])
				out.Rule = rule.Name
				matched = true
			}
			continue
		}
		if matched || !rule.Pattern.MatchString(text) {
			continue
		}
		matched = true
		out.Rule = rule.Name
		if rule.Action == AssignAllGroups {
			out.Label = model.AllGroups
		} else {
			out.Label = model.NotApplicable
		}
	}

	if !matched {
		out.Label = model.NotApplicable
	}
	return out
}

// letters returns the distinct group letters in text, leftmost first.
func (c *Classifier) letters(re *regexp.Regexp, text string) []string {
	var found []string
	seen := make(map[string]bool)

	pos := 0
	for pos < len(text) {
		loc := re.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			break
		}
		start, end := -1, -1
		for g := 1; g*2+1 < len(loc); g++ {
			if loc[g*2] >= 0 && loc[g*2+1] > loc[g*2] {
				start, end = loc[g*2], loc[g*2+1]
				break
			}
		}
		if start < 0 {
			break
		}
		letter := strings.ToUpper(text[pos+start : pos+end])
		if c.alphabet[letter] && !seen[letter] {
			seen[letter] = true
			found = append(found, letter)
		}
		// Resume right after the letter so its trailing separator can serve
		// as the leading boundary of the next token.
		pos += end
	}
	return found
}

func quoteAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, regexp.QuoteMeta(v))
	}
	return out
}
