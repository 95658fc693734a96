// Package selectors turns a captured ElementTarget into an ordered list of
// locator strategies, most semantic first.
package selectors

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/lance13c/browzer/internal/types"
)

// Fixed priorities. Gaps leave room for hand-edited strategies.
const (
	PriorityText          = 10
	PriorityFuzzyText     = 20
	PriorityAriaLabel     = 30
	PriorityPlaceholder   = 40
	PriorityTitle         = 50
	PriorityAltText       = 60
	PriorityRoleText      = 70
	PrioritySemanticXPath = 80
	PriorityCSSID         = 90
	PriorityCSS           = 100
	PriorityXPathAbsolute = 1000
)

// DefaultMax is the number of strategies kept per step
const DefaultMax = 8

// maxTextLen bounds text strategies; longer text is usually a container
const maxTextLen = 80

// generatedID matches framework ids that change between renders
var generatedID = regexp.MustCompile(`(^:r[0-9a-z]+:$)|(^[a-z]+-[0-9a-f]{6,}$)|(\d{4,})|(^ember\d+$)|(^react-)`)

// Generate returns the strategies for target sorted by ascending priority. The
// absolute XPath, when known, is always the last entry.
func Generate(target *types.ElementTarget) []types.SelectorStrategy {
	if target == nil {
		return nil
	}
	var out []types.SelectorStrategy
	add := func(typ types.StrategyType, value string, priority int, meta map[string]string) {
		if value == "" {
			return
		}
		for _, s := range out {
			if s.Type == typ && s.Value == value {
				return
			}
		}
		out = append(out, types.SelectorStrategy{Type: typ, Value: value, Priority: priority, Metadata: meta})
	}

	text := cleanText(target.Text)
	role := target.Role()

	if text != "" {
		add(types.StrategyText, text, PriorityText, nil)
		add(types.StrategyFuzzyText, strings.ToLower(text), PriorityFuzzyText, nil)
	}
	add(types.StrategyAriaLabel, target.Attr("aria-label"), PriorityAriaLabel, nil)
	add(types.StrategyPlaceholder, target.Attr("placeholder"), PriorityPlaceholder, nil)
	add(types.StrategyTitle, target.Attr("title"), PriorityTitle, nil)
	add(types.StrategyAltText, target.Attr("alt"), PriorityAltText, nil)

	if role != "" {
		name := text
		if name == "" {
			name = firstNonEmpty(target.Attr("aria-label"), target.Label, target.Attr("placeholder"))
		}
		if name != "" {
			add(types.StrategyRoleText, role+"|"+name, PriorityRoleText, map[string]string{"role": role, "name": name})
		}
	}

	add(types.StrategySemanticXPath, SemanticXPath(target), PrioritySemanticXPath, nil)

	if id := target.Attr("id"); id != "" && !generatedID.MatchString(id) {
		add(types.StrategyCSSID, "#"+cssEscape(id), PriorityCSSID, nil)
	}
	add(types.StrategyCSS, target.Selector, PriorityCSS, nil)
	add(types.StrategyXPathAbsolute, target.XPath, PriorityXPathAbsolute, map[string]string{"fallback": "true"})

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Cap keeps the first max strategies, retaining the absolute XPath as the final
// entry when the input had one.
func Cap(strategies []types.SelectorStrategy, max int) []types.SelectorStrategy {
	if max <= 0 {
		max = DefaultMax
	}
	if len(strategies) <= max {
		return strategies
	}
	last := strategies[len(strategies)-1]
	if last.Type != types.StrategyXPathAbsolute {
		return append([]types.SelectorStrategy(nil), strategies[:max]...)
	}
	out := append([]types.SelectorStrategy(nil), strategies[:max-1]...)
	return append(out, last)
}

// SemanticXPath builds a text or attribute predicate XPath. Buttons and links
// match on visible text; form fields on placeholder, name or aria-label.
func SemanticXPath(target *types.ElementTarget) string {
	tag := strings.ToLower(target.TagName)
	if tag == "" {
		return ""
	}
	text := cleanText(target.Text)

	switch tag {
	case "button", "a":
		if text != "" {
			return fmt.Sprintf("//%s[contains(normalize-space(.), %s)]", tag, xpathLiteral(text))
		}
	case "input", "textarea", "select":
		for _, attr := range []string{"placeholder", "name", "aria-label"} {
			if v := target.Attr(attr); v != "" {
				return fmt.Sprintf("//%s[@%s=%s]", tag, attr, xpathLiteral(v))
			}
		}
	}
	if v := target.Attr("aria-label"); v != "" {
		return fmt.Sprintf("//%s[@aria-label=%s]", tag, xpathLiteral(v))
	}
	if role := target.Attr("role"); role != "" && text != "" {
		return fmt.Sprintf("//*[@role=%s][contains(normalize-space(.), %s)]", xpathLiteral(role), xpathLiteral(text))
	}
	return ""
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = "'" + p + "'"
	}
	return "concat(" + strings.Join(quoted, `, "'", `) + ")"
}

func cssEscape(id string) string {
	var b strings.Builder
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_', r > 0x7f:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				fmt.Fprintf(&b, `\3%c `, r)
			} else {
				b.WriteRune(r)
			}
		default:
			b.WriteByte('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}

func cleanText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxTextLen {
		return ""
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
