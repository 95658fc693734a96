package workflow

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/lance13c/browzer/internal/types"
)

// Variable formats
const (
	FormatEmail    = "email"
	FormatPhone    = "phone"
	FormatURL      = "url"
	FormatID       = "id"
	FormatUUID     = "uuid"
	FormatPassword = "password"
	FormatText     = "text"
)

var (
	emailRe   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneRe   = regexp.MustCompile(`^\+?[\d\s().-]{7,20}$`)
	urlRe     = regexp.MustCompile(`^https?://\S+$`)
	numericRe = regexp.MustCompile(`^\d+$`)
	uuidRe    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	segmentRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	nonIdent  = regexp.MustCompile(`[^a-z0-9]+`)
)

// labelKeywords map words in a field's label or name to a variable format
var labelKeywords = []struct {
	word   string
	format string
}{
	{"password", FormatPassword},
	{"email", FormatEmail},
	{"e-mail", FormatEmail},
	{"phone", FormatPhone},
	{"tel", FormatPhone},
	{"url", FormatURL},
	{"website", FormatURL},
	{"username", FormatText},
	{"user", FormatText},
	{"name", FormatText},
	{"address", FormatText},
	{"street", FormatText},
	{"city", FormatText},
	{"zip", FormatText},
	{"postal", FormatText},
	{"company", FormatText},
	{"search", FormatText},
	{"query", FormatText},
	{"title", FormatText},
	{"message", FormatText},
	{"comment", FormatText},
	{"description", FormatText},
}

// staticSegments never become path variables
var staticSegments = map[string]bool{
	"login": true, "logout": true, "signin": true, "signup": true, "register": true,
	"settings": true, "dashboard": true, "home": true, "search": true, "about": true,
	"account": true, "profile": true, "new": true, "edit": true, "admin": true,
	"api": true, "docs": true, "help": true, "blog": true, "pricing": true,
	"issues": true, "pulls": true, "users": true, "orders": true, "items": true,
	"products": true, "projects": true, "app": true, "auth": true, "checkout": true,
	"cart": true, "index.html": true,
}

// staticParams are query parameters that carry no user data
var staticParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true, "utm_term": true,
	"utm_content": true, "ref": true, "lang": true, "locale": true, "hl": true,
	"tab": true, "view": true, "sort": true, "order": true, "page": true, "per_page": true,
	"limit": true, "theme": true, "format": true, "source": true,
}

// Hint is an externally suggested variable for the step built from ActionIndex
type Hint struct {
	Name   string
	Format string
}

// Extractor detects variables in steps and templates their values
type Extractor struct {
	vars  []types.InputVariable
	index map[string]int
	hints map[int]Hint
}

// NewExtractor creates an extractor. hints are keyed by action index.
func NewExtractor(hints map[int]Hint) *Extractor {
	return &Extractor{index: map[string]int{}, hints: hints}
}

// ExtractVariables is the hint-free form of Extractor.Extract
func ExtractVariables(steps []types.WorkflowStep) ([]types.WorkflowStep, []types.InputVariable) {
	return NewExtractor(nil).Extract(steps)
}

// Extract walks steps, replacing user-specific literals with {name}
// placeholders. It returns templated copies of the steps and the input schema.
func (e *Extractor) Extract(steps []types.WorkflowStep) ([]types.WorkflowStep, []types.InputVariable) {
	out := make([]types.WorkflowStep, len(steps))
	for i, s := range steps {
		s.Metadata = copyMeta(s.Metadata)
		switch s.Type {
		case types.StepNavigation:
			s.URL = e.templateURL(s.URL)
		case types.StepInput, types.StepSelectChange:
			e.templateValue(&s)
		}
		out[i] = s
	}
	return out, e.vars
}

func (e *Extractor) templateValue(s *types.WorkflowStep) {
	if s.Value == "" || strings.Contains(s.Value, "{") {
		return
	}
	label := strings.ToLower(s.Metadata[MetaField])
	if s.Target != nil {
		label = strings.ToLower(strings.Join([]string{label, s.Target.Name, s.Target.Attributes["type"]}, " "))
	}

	var name, format string
	if h, ok := e.hint(s); ok {
		name, format = h.Name, h.Format
	} else {
		format = valueFormat(s.Value)
		if kw := keywordFormat(label); kw != "" && (format == "" || kw == FormatPassword) {
			format = kw
		}
		if format == "" {
			return
		}
		name = firstNonEmpty(s.Metadata[MetaField], format)
	}

	v := types.InputVariable{
		Name:     Sanitize(name),
		Type:     types.VarString,
		Required: true,
		Default:  s.Value,
		Format:   format,
	}
	if s.Type == types.StepSelectChange {
		v.Description = "selected option"
	}
	if format == FormatPassword {
		v.Default = ""
	}
	v = e.add(v)
	s.DefaultValue = v.Default
	s.Value = "{" + v.Name + "}"
}

func (e *Extractor) hint(s *types.WorkflowStep) (Hint, bool) {
	if len(e.hints) == 0 {
		return Hint{}, false
	}
	// the latest merged action wins
	indices := []string{s.Metadata[MetaActionIndex]}
	if merged := s.Metadata[MetaMergedIndices]; merged != "" {
		earlier := strings.Split(merged, ",")
		for i := len(earlier) - 1; i >= 0; i-- {
			indices = append(indices, earlier[i])
		}
	}
	var h Hint
	found := false
	for _, raw := range indices {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		if h, found = e.hints[idx]; found && h.Name != "" {
			break
		}
		found = false
	}
	if !found {
		return Hint{}, false
	}
	if h.Format == "" {
		h.Format = firstNonEmpty(valueFormat(s.Value), FormatText)
	}
	return h, true
}

func (e *Extractor) templateURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || strings.Contains(raw, "{") {
		return raw
	}

	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) == 1 && segs[0] == "" {
		segs = nil
	}
	changed := false
	for i, seg := range segs {
		var format string
		switch {
		case uuidRe.MatchString(seg):
			format = FormatUUID
		case numericRe.MatchString(seg):
			format = FormatID
		default:
			continue
		}
		name := "id"
		if i > 0 {
			name = singular(segs[i-1]) + "_id"
		}
		v := e.add(types.InputVariable{Name: Sanitize(name), Type: types.VarString, Required: true, Default: seg, Format: format})
		segs[i] = "{" + v.Name + "}"
		changed = true
	}
	if !changed && len(segs) == 2 && ownerRepo(segs) {
		owner := e.add(types.InputVariable{Name: "owner", Type: types.VarString, Required: true, Default: segs[0], Format: FormatText})
		repo := e.add(types.InputVariable{Name: "repo", Type: types.VarString, Required: true, Default: segs[1], Format: FormatText})
		segs = []string{"{" + owner.Name + "}", "{" + repo.Name + "}"}
		changed = true
	}

	query := ""
	if u.RawQuery != "" {
		var parts []string
		for _, kv := range strings.Split(u.RawQuery, "&") {
			k, val, _ := strings.Cut(kv, "=")
			key, _ := url.QueryUnescape(k)
			decoded, _ := url.QueryUnescape(val)
			if val == "" || staticParams[strings.ToLower(key)] {
				parts = append(parts, kv)
				continue
			}
			format := firstNonEmpty(valueFormat(decoded), FormatText)
			v := e.add(types.InputVariable{Name: Sanitize(key), Type: typeOf(decoded), Required: false, Default: decoded, Format: format})
			parts = append(parts, k+"={"+v.Name+"}")
			changed = true
		}
		query = "?" + strings.Join(parts, "&")
	}
	if !changed {
		return raw
	}

	path := ""
	if len(segs) > 0 {
		path = "/" + strings.Join(segs, "/")
	}
	if strings.HasSuffix(u.Path, "/") && path != "" {
		path += "/"
	}
	frag := ""
	if u.Fragment != "" {
		frag = "#" + u.Fragment
	}
	return u.Scheme + "://" + u.Host + path + query + frag
}

// add merges v into the schema. A name seen before keeps its slot and takes the
// most recent default.
func (e *Extractor) add(v types.InputVariable) types.InputVariable {
	if v.Name == "" {
		v.Name = "value"
	}
	if i, ok := e.index[v.Name]; ok {
		existing := &e.vars[i]
		existing.Default = v.Default
		if v.Format != "" {
			existing.Format = v.Format
		}
		return *existing
	}
	e.index[v.Name] = len(e.vars)
	e.vars = append(e.vars, v)
	return v
}

// Sanitize turns a label into a variable identifier
func Sanitize(name string) string {
	s := nonIdent.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return ""
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "v_" + s
	}
	return s
}

func valueFormat(v string) string {
	v = strings.TrimSpace(v)
	switch {
	case emailRe.MatchString(v):
		return FormatEmail
	case urlRe.MatchString(v):
		return FormatURL
	case uuidRe.MatchString(v):
		return FormatUUID
	case phoneRe.MatchString(v) && countDigits(v) >= 7:
		return FormatPhone
	}
	return ""
}

func keywordFormat(label string) string {
	for _, kw := range labelKeywords {
		if strings.Contains(label, kw.word) {
			return kw.format
		}
	}
	return ""
}

func ownerRepo(segs []string) bool {
	for _, s := range segs {
		if !segmentRe.MatchString(s) || staticSegments[strings.ToLower(s)] || strings.Contains(s, ".htm") {
			return false
		}
	}
	return true
}

func singular(s string) string {
	s = strings.ToLower(s)
	switch {
	case strings.HasSuffix(s, "ies"):
		return strings.TrimSuffix(s, "ies") + "y"
	case strings.HasSuffix(s, "ses"):
		return strings.TrimSuffix(s, "es")
	case strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss"):
		return strings.TrimSuffix(s, "s")
	}
	return s
}

func typeOf(v string) types.VariableType {
	if numericRe.MatchString(v) {
		return types.VarNumber
	}
	if v == "true" || v == "false" {
		return types.VarBoolean
	}
	return types.VarString
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
