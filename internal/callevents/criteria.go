package callevents

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	criterionPass = "success"
	criterionFail = "failure"
)

// Data-collection keys consulted for mood scoring.
const (
	fieldMoodScore = "mood_score"
)

// Distress flags set by post-call analysis. Any true flag marks a call
// "concerning" when no usable mood score is present.
var distressFlags = []string{"distress_detected", "medical_concern", "safety_concern"}

// Mood labels stored on call summaries.
const (
	MoodPositive   = "positive"
	MoodNeutral    = "neutral"
	MoodConcerning = "concerning"
)

// CriteriaScore is the tally of pass/fail evaluation criteria for one call.
type CriteriaScore struct {
	Passed      int      `json:"passed"`
	Failed      int      `json:"failed"`
	FailedNames []string `json:"failedNames,omitempty"`
}

// Rating returns the "passed/total" quality rating string.
func (s CriteriaScore) Rating() string {
	return fmt.Sprintf("%d/%d", s.Passed, s.Passed+s.Failed)
}

// ScoreCriteria tallies named evaluation criteria. Entries whose result is
// neither "success" nor "failure" are excluded from both counts.
func ScoreCriteria(criteria map[string]CriterionResult) CriteriaScore {
	var score CriteriaScore
	for name, criterion := range criteria {
		switch strings.ToLower(strings.TrimSpace(criterion.Result)) {
		case criterionPass:
			score.Passed++
		case criterionFail:
			score.Failed++
			score.FailedNames = append(score.FailedNames, name)
		}
	}
	sort.Strings(score.FailedNames)
	return score
}

// MoodFromCollection derives the mood label and the stored score from the
// data-collection results. A score outside the declared 1-5 range is stored
// as nil, never clamped. With no usable score, any set distress flag makes
// the call concerning; otherwise it defaults to neutral.
func MoodFromCollection(collection map[string]DataField) (label string, score *int) {
	if raw, ok := collection[fieldMoodScore]; ok {
		if value, ok := numericValue(raw.Value); ok {
			if value >= 1 && value <= 5 {
				score = &value
				switch {
				case value >= 4:
					return MoodPositive, score
				case value >= 3:
					return MoodNeutral, score
				default:
					return MoodConcerning, score
				}
			}
		}
	}

	for _, flag := range distressFlags {
		if field, ok := collection[flag]; ok && truthy(field.Value) {
			return MoodConcerning, nil
		}
	}
	return MoodNeutral, nil
}

// numericValue extracts a whole score from the loosely typed field value.
// Fractional scores round to the nearest integer rather than truncating, so
// a 3.7 counts as a 4.
func numericValue(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		return int(math.Round(v)), true
	case int:
		return v, true
	case string:
		var parsed int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	case float64:
		return v != 0
	}
	return false
}
