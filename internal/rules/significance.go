// Package rules decides which observed network requests are significant
// enough to count as the effect of a user action.
package rules

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/lance13c/browzer/internal/config"
)

// Request is the environment a rule is evaluated against
type Request struct {
	URL      string `expr:"url"`
	Host     string `expr:"host"`
	Path     string `expr:"path"`
	Method   string `expr:"method"`
	Resource string `expr:"resource"`
}

// NewRequest splits rawURL into the rule environment
func NewRequest(rawURL, method, resource string) Request {
	r := Request{URL: rawURL, Method: strings.ToUpper(method), Resource: resource}
	if u, err := url.Parse(rawURL); err == nil {
		r.Host = strings.ToLower(u.Hostname())
		r.Path = u.Path
	}
	return r
}

// Filter is a compiled significance configuration. It is safe for concurrent use.
type Filter struct {
	denyHosts []string
	denyPaths []string
	programs  []*vm.Program
	sources   []string
}

// Compile builds a filter, failing on the first rule that does not compile to a bool
func Compile(cfg config.SignificanceConfig) (*Filter, error) {
	f := &Filter{}
	for _, h := range cfg.DenyHosts {
		f.denyHosts = append(f.denyHosts, strings.ToLower(strings.TrimSpace(h)))
	}
	for _, p := range cfg.DenyPaths {
		f.denyPaths = append(f.denyPaths, strings.ToLower(p))
	}
	for _, src := range cfg.Rules {
		program, err := expr.Compile(src, expr.Env(Request{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("significance rule %q: %w", src, err)
		}
		f.programs = append(f.programs, program)
		f.sources = append(f.sources, src)
	}
	return f, nil
}

// MustDefault compiles the stock configuration
func MustDefault() *Filter {
	f, err := Compile(config.DefaultSignificance())
	if err != nil {
		panic(err)
	}
	return f
}

// Denied reports whether the request belongs to analytics or beacon traffic
func (f *Filter) Denied(r Request) bool {
	for _, h := range f.denyHosts {
		if r.Host == h || strings.HasSuffix(r.Host, "."+h) {
			return true
		}
	}
	path := strings.ToLower(r.Path)
	for _, p := range f.denyPaths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// Significant reports whether the request counts as an action effect. Rule
// runtime errors count as a non-match.
func (f *Filter) Significant(r Request) bool {
	if f == nil || f.Denied(r) {
		return false
	}
	for _, p := range f.programs {
		out, err := expr.Run(p, r)
		if err != nil {
			continue
		}
		if ok, _ := out.(bool); ok {
			return true
		}
	}
	return false
}

// Rules returns the rule sources in evaluation order
func (f *Filter) Rules() []string {
	return append([]string(nil), f.sources...)
}
