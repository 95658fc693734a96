package replay

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/lance13c/browzer/internal/types"
)

// ErrMissingVariable is returned when a required input has neither a value nor a default
var ErrMissingVariable = errors.New("missing required variable")

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Bind resolves the workflow inputs against provided values. Provided values
// win over defaults; unknown provided names are kept so steps may still
// reference them.
func Bind(w *types.WorkflowDefinition, provided map[string]string) (map[string]string, error) {
	vars := make(map[string]string, len(w.InputSchema)+len(provided))
	for k, v := range provided {
		vars[k] = v
	}
	var missing []string
	for _, in := range w.InputSchema {
		if _, ok := vars[in.Name]; ok {
			continue
		}
		if in.Default != "" {
			vars[in.Name] = in.Default
			continue
		}
		if in.Required {
			missing = append(missing, in.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrMissingVariable, strings.Join(missing, ", "))
	}
	return vars, nil
}

// Substitute replaces {name} placeholders with bound values. Placeholders with
// no binding are left as they are.
func Substitute(s string, vars map[string]string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := vars[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// Placeholders lists the distinct variable names referenced by the steps of w
func Placeholders(w *types.WorkflowDefinition) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		for _, m := range placeholder.FindAllStringSubmatch(s, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, m[1])
			}
		}
	}
	for _, st := range w.Steps {
		add(st.URL)
		add(st.Value)
	}
	return out
}
