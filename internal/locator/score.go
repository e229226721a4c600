package locator

import (
	"math"
	"strings"

	"github.com/jonathan/veo-automator/internal/browser"
)

// Score computes the heuristic score of el. anchor may be nil.
func Score(rules *ScoreRules, el browser.Element, anchor *browser.Element) int {
	if rules == nil {
		return 0
	}
	label := el.Label()
	score := 0

	for _, g := range rules.Groups {
		if containsAll(label, g.All) {
			score += g.Weight
		}
	}
	for _, g := range rules.Negative {
		if containsAll(label, g.All) {
			score -= g.Weight
		}
	}
	for _, a := range rules.Attributes {
		v, ok := el.Attrs[a.Name]
		if !ok {
			continue
		}
		switch {
		case a.Equals != "" && strings.EqualFold(v, a.Equals):
			score += a.Weight
		case a.Contains != "" && strings.Contains(strings.ToLower(v), strings.ToLower(a.Contains)):
			score += a.Weight
		}
	}
	if rules.Anchor != nil && anchor != nil && distance(el.Rect, anchor.Rect) <= rules.Anchor.MaxDistance {
		score += rules.Anchor.Weight
	}
	return score
}

func containsAll(label string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	for _, k := range keywords {
		if !strings.Contains(label, strings.ToLower(k)) {
			return false
		}
	}
	return true
}

func distance(a, b browser.Rect) float64 {
	ax, ay := a.Center()
	bx, by := b.Center()
	return math.Hypot(ax-bx, ay-by)
}
