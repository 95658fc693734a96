package analyzer

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/lance13c/browzer/internal/types"
)

var interactiveTags = map[string]bool{
	"a": true, "button": true, "input": true, "select": true, "textarea": true,
	"label": true, "summary": true, "option": true, "details": true,
}

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "checkbox": true, "radio": true, "menuitem": true,
	"tab": true, "switch": true, "option": true, "combobox": true, "textbox": true,
	"searchbox": true, "slider": true, "treeitem": true,
}

var interactiveClassHints = []string{"btn", "button", "link", "clickable", "toggle", "menu-item", "tab"}

// NonInteractive reports whether the target is structurally not something a
// user means to click. The captured outer HTML is preferred; without it the
// capture-time flag is used.
func NonInteractive(t *types.ElementTarget) bool {
	if t == nil {
		return true
	}
	if t.OuterHTML == "" {
		return !t.IsInteractive && !interactiveTags[strings.ToLower(t.TagName)] && !interactiveRoles[t.Role()]
	}

	el := parseElement(t)
	if el == nil {
		return !t.IsInteractive
	}
	return !interactiveSelection(el)
}

// fragmentParent is the element a tag must sit in to survive fragment parsing
var fragmentParent = map[string]atom.Atom{
	"td": atom.Tr, "th": atom.Tr,
	"tr":    atom.Tbody,
	"tbody": atom.Table, "thead": atom.Table, "tfoot": atom.Table, "caption": atom.Table, "colgroup": atom.Table,
	"col":    atom.Colgroup,
	"option": atom.Select, "optgroup": atom.Select,
}

var leadingTag = regexp.MustCompile(`^\s*<([a-zA-Z][a-zA-Z0-9-]*)`)

// parseElement parses the captured outer HTML in a context where its root
// element is kept, and returns that element
func parseElement(t *types.ElementTarget) *goquery.Selection {
	tag := strings.ToLower(t.TagName)
	if m := leadingTag.FindStringSubmatch(t.OuterHTML); m != nil {
		tag = strings.ToLower(m[1])
	}
	parent := atom.Body
	if a, ok := fragmentParent[tag]; ok {
		parent = a
	}
	nodes, err := html.ParseFragment(strings.NewReader(t.OuterHTML), &html.Node{
		Type:     html.ElementNode,
		Data:     parent.String(),
		DataAtom: parent,
	})
	if err != nil {
		return nil
	}
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			return goquery.NewDocumentFromNode(n).Selection
		}
	}
	return nil
}

func interactiveSelection(s *goquery.Selection) bool {
	tag := goquery.NodeName(s)
	if interactiveTags[tag] {
		if tag == "a" {
			_, hasHref := s.Attr("href")
			return hasHref || hasHandler(s)
		}
		return true
	}
	if role, ok := s.Attr("role"); ok && interactiveRoles[strings.ToLower(role)] {
		return true
	}
	if hasHandler(s) {
		return true
	}
	if ti, ok := s.Attr("tabindex"); ok && ti != "-1" {
		return true
	}
	if ce, ok := s.Attr("contenteditable"); ok && ce != "false" {
		return true
	}
	if class, ok := s.Attr("class"); ok {
		for _, c := range strings.Fields(strings.ToLower(class)) {
			for _, hint := range interactiveClassHints {
				if c == hint || strings.HasPrefix(c, hint+"-") || strings.HasSuffix(c, "-"+hint) {
					return true
				}
			}
		}
	}
	// a wrapper whose only job is to hold a control
	return s.Find("a[href], button, input, select, textarea, [role='button']").Length() == 1 &&
		strings.TrimSpace(s.Text()) == strings.TrimSpace(s.Find("a[href], button, input, select, textarea, [role='button']").Text())
}

func hasHandler(s *goquery.Selection) bool {
	_, onclick := s.Attr("onclick")
	return onclick
}
